package payments

import (
	"context"
	"errors"
	"fmt"
)

// Purpose tags a checkout with the domain transition it is gating. The value
// travels in processor metadata and drives webhook dispatch.
type Purpose string

const (
	PurposeEvaluationFee   Purpose = "evaluation_fee"
	PurposeSubscription    Purpose = "subscription"
	PurposeSessionPayment  Purpose = "session_payment"
	PurposeCancellationFee Purpose = "cancellation_fee"
)

var (
	ErrPaymentNotFound      = errors.New("payment not found")
	ErrPaymentNotCompleted  = errors.New("payment not completed")
	ErrVerificationFailed   = errors.New("payment verification failed")
	ErrGatewayNotConfigured = errors.New("payment gateway not configured")
)

// CheckoutRequest describes a charge to be collected from the payer.
// CreditAmount is subtracted from Amount at checkout creation time.
type CheckoutRequest struct {
	Amount       float64
	Currency     string
	Purpose      Purpose
	Description  string
	Metadata     map[string]string
	CreditAmount float64
}

// Checkout is an opaque reference the payer is redirected to.
type Checkout struct {
	Reference string `json:"reference"`
	URL       string `json:"url"`
}

// Verification is the gateway's answer for a checkout reference.
// SubscriptionRef is the processor's own subscription id for recurring
// purchases; later billing-cycle events are keyed on it, not on the checkout
// reference.
type Verification struct {
	Succeeded       bool
	Amount          float64
	Purpose         Purpose
	Metadata        map[string]string
	SubscriptionRef string
}

// Gateway isolates all payment-processor specifics behind three operations.
type Gateway interface {
	CreateCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error)
	VerifyPayment(ctx context.Context, reference string) (*Verification, error)
	ApplyCredit(req *CheckoutRequest, creditAmount float64) error
}

// ApplyCredit records a prior credit on the request, clamped so the charge
// never goes negative. Implementations shared by every gateway.
func ApplyCredit(req *CheckoutRequest, creditAmount float64) error {
	if creditAmount < 0 {
		return fmt.Errorf("credit amount must be >= 0")
	}
	if creditAmount > req.Amount {
		creditAmount = req.Amount
	}
	req.CreditAmount = creditAmount
	return nil
}
