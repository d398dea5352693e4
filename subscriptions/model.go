package subscriptions

import (
	"time"

	"verdantly-core/pricing"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

type Subscription struct {
	ID                  int            `json:"id"`
	ClientID            int            `json:"client_id"`
	Tier                pricing.TierID `json:"tier"`
	Status              Status         `json:"status"`
	PeriodStart         time.Time      `json:"current_period_start"`
	PeriodEnd           time.Time      `json:"current_period_end"`
	SessionsUsed        int            `json:"sessions_used_this_period"`
	CreditAppliedAmount float64        `json:"evaluation_credit_applied_amount"`
	PaymentReference    *string        `json:"payment_reference,omitempty"`
	ProcessorSubRef     *string        `json:"processor_subscription_id,omitempty"`
	Plan                *pricing.Tier  `json:"plan,omitempty"`
}
