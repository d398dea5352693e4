package evaluations

import (
	"encoding/json"
	"time"

	"verdantly-core/pricing"
)

// Status is the evaluation's position in its lifecycle. The happy path is
// strictly linear; cancelled is reachable from every state before completed.
type Status string

const (
	StatusPendingPayment      Status = "pending_payment"
	StatusPaid                Status = "paid"
	StatusTherapistAssigned   Status = "therapist_assigned"
	StatusTherapistReviewing  Status = "therapist_reviewing"
	StatusReadyForMeeting     Status = "ready_for_meeting"
	StatusMeetingScheduled    Status = "meeting_scheduled"
	StatusInProgress          Status = "in_progress"
	StatusCompleted           Status = "completed"
	StatusRecommendationsSent Status = "recommendations_sent"
	StatusCancelled           Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusRecommendationsSent
}

// Cancellable reports whether the evaluation may still be cancelled.
func (s Status) Cancellable() bool {
	switch s {
	case StatusCompleted, StatusRecommendationsSent, StatusCancelled:
		return false
	}
	return true
}

// EvaluationFee is the flat diagnostic intake fee, fixed at creation time.
const EvaluationFee = 195.0

type Evaluation struct {
	ID               int              `json:"id"`
	Ref              string           `json:"ref"`
	ClientID         int              `json:"client_id"`
	TherapistID      *int             `json:"therapist_id,omitempty"`
	Status           Status           `json:"status"`
	ScheduledAt      *time.Time       `json:"scheduled_at,omitempty"`
	ReviewDeadline   *time.Time       `json:"review_deadline,omitempty"`
	IntakeSnapshot   json.RawMessage  `json:"intake_snapshot,omitempty"`
	RecommendedTier  *pricing.TierID  `json:"recommended_tier,omitempty"`
	FeeAmount        float64          `json:"fee_amount"`
	FeePaid          bool             `json:"fee_paid"`
	PaymentReference *string          `json:"payment_reference,omitempty"`
	CreditApplied    bool             `json:"credit_applied"`
	Notes            string           `json:"notes,omitempty"`
	ResourceAccess   bool             `json:"resource_access"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}
