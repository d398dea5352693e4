package sessions

import "time"

// Type classifies a therapy session.
type Type string

const (
	TypeInitial     Type = "initial"
	TypeFollowUp    Type = "follow-up"
	TypeAssessment  Type = "assessment"
	TypeMaintenance Type = "maintenance"
)

func ValidType(t Type) bool {
	switch t {
	case TypeInitial, TypeFollowUp, TypeAssessment, TypeMaintenance:
		return true
	}
	return false
}

type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusConfirmed  Status = "confirmed"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

type PaymentStatus string

const (
	PaymentNotRequired PaymentStatus = "not-required"
	PaymentPending     PaymentStatus = "pending"
	PaymentPaid        PaymentStatus = "paid"
	PaymentFailed      PaymentStatus = "failed"
	// PaymentRefundDue flags a settled charge whose session could not be kept;
	// support refunds it out of band.
	PaymentRefundDue PaymentStatus = "refund-due"
)

// Session is a booked therapy meeting. Price is computed once at creation and
// immutable thereafter.
type Session struct {
	ID                  int           `json:"id"`
	Ref                 string        `json:"ref"`
	ClientID            int           `json:"client_id"`
	TherapistID         int           `json:"therapist_id"`
	SubscriptionID      *int          `json:"subscription_id,omitempty"`
	StartsAt            time.Time     `json:"starts_at"`
	DurationMinutes     int           `json:"duration_minutes"`
	Type                Type          `json:"session_type"`
	Status              Status        `json:"status"`
	Price               float64       `json:"price"`
	PaymentStatus       PaymentStatus `json:"payment_status"`
	PaymentReference    *string       `json:"payment_reference,omitempty"`
	CancellationFee     float64       `json:"cancellation_fee"`
	CancellationFeePaid bool          `json:"cancellation_fee_paid"`
	CancellationReason  string        `json:"cancellation_reason,omitempty"`
	Notes               string        `json:"notes,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}
