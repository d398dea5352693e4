package payments

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	stripe "github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

// StripeService implements Gateway on top of Stripe Checkout. If
// STRIPE_SECRET_KEY is not set the service is disabled (nil).
type StripeService struct {
	secretKey     string
	webhookSecret string
	successURL    string
	cancelURL     string
	sc            *client.API
	invalidKey    bool // once detected, short-circuit further remote calls
}

var ErrStripeInvalidAPIKey = errors.New("stripe_invalid_api_key")

func maskKey(k string) string {
	if len(k) < 12 {
		return "****"
	}
	return k[:7] + "..." + k[len(k)-4:]
}

// NewStripeFromEnv returns a configured service or nil when the key is missing.
func NewStripeFromEnv() *StripeService {
	key := os.Getenv("STRIPE_SECRET_KEY")
	if key == "" {
		return nil
	}
	success := os.Getenv("STRIPE_SUCCESS_URL")
	if success == "" {
		success = "https://example.com/checkout/success"
	}
	cancel := os.Getenv("STRIPE_CANCEL_URL")
	if cancel == "" {
		cancel = "https://example.com/checkout/cancel"
	}
	sc := &client.API{}
	sc.Init(key, nil)
	return &StripeService{
		secretKey:     key,
		webhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		successURL:    success,
		cancelURL:     cancel,
		sc:            sc,
	}
}

// WebhookSecret exposes the endpoint signing secret for the webhook handler.
func (s *StripeService) WebhookSecret() string { return s.webhookSecret }

func (s *StripeService) classify(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		if se.HTTPStatusCode == 401 || strings.Contains(strings.ToLower(se.Msg), "invalid api key") {
			log.Printf("[payments][stripe] invalid api key (%s): %v", maskKey(s.secretKey), se)
			s.invalidKey = true
			return ErrStripeInvalidAPIKey
		}
		if se.HTTPStatusCode == 404 || se.Code == stripe.ErrorCodeResourceMissing {
			return ErrPaymentNotFound
		}
	}
	return err
}

// CreateCheckout creates a Stripe Checkout Session for the request. Monthly
// subscription purchases use subscription mode; everything else is a one-off
// payment. An applied credit becomes a one-time amount-off coupon so the
// discount shows up on the processor's invoice rather than being computed here.
func (s *StripeService) CreateCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error) {
	if s == nil {
		return nil, ErrGatewayNotConfigured
	}
	if s.invalidKey {
		return nil, ErrStripeInvalidAPIKey
	}
	currency := req.Currency
	if currency == "" {
		currency = "usd"
	}
	mode := stripe.CheckoutSessionModePayment
	if req.Purpose == PurposeSubscription {
		mode = stripe.CheckoutSessionModeSubscription
	}
	metadata := map[string]string{"purpose": string(req.Purpose)}
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	name := req.Description
	if name == "" {
		name = string(req.Purpose)
	}
	priceData := &stripe.CheckoutSessionLineItemPriceDataParams{
		Currency:   stripe.String(currency),
		UnitAmount: stripe.Int64(int64(req.Amount * 100)),
		ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
			Name: stripe.String(name),
		},
	}
	if mode == stripe.CheckoutSessionModeSubscription {
		priceData.Recurring = &stripe.CheckoutSessionLineItemPriceDataRecurringParams{
			Interval: stripe.String("month"),
		}
	}
	params := &stripe.CheckoutSessionParams{
		SuccessURL: stripe.String(s.successURL),
		CancelURL:  stripe.String(s.cancelURL),
		Mode:       stripe.String(string(mode)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: priceData,
			Quantity:  stripe.Int64(1),
		}},
		Metadata: metadata,
	}
	if req.CreditAmount > 0 {
		coupon, err := s.sc.Coupons.New(&stripe.CouponParams{
			AmountOff: stripe.Int64(int64(req.CreditAmount * 100)),
			Currency:  stripe.String(currency),
			Duration:  stripe.String(string(stripe.CouponDurationOnce)),
			Name:      stripe.String("Evaluation fee credit"),
		})
		if err != nil {
			return nil, s.classify(err)
		}
		params.Discounts = []*stripe.CheckoutSessionDiscountParams{{
			Coupon: stripe.String(coupon.ID),
		}}
	}
	sess, err := s.sc.CheckoutSessions.New(params)
	if err != nil {
		log.Printf("[payments][checkout] purpose=%s error: %v", req.Purpose, err)
		return nil, s.classify(err)
	}
	log.Printf("[payments][checkout] purpose=%s reference=%s amount=%.2f credit=%.2f",
		req.Purpose, sess.ID, req.Amount, req.CreditAmount)
	return &Checkout{Reference: sess.ID, URL: sess.URL}, nil
}

// VerifyPayment fetches a checkout session and reports whether it completed.
func (s *StripeService) VerifyPayment(ctx context.Context, reference string) (*Verification, error) {
	if s == nil {
		return nil, ErrGatewayNotConfigured
	}
	if reference == "" {
		return nil, fmt.Errorf("%w: empty reference", ErrPaymentNotFound)
	}
	sess, err := s.sc.CheckoutSessions.Get(reference, nil)
	if err != nil {
		return nil, s.classify(err)
	}
	v := &Verification{
		Succeeded: sess.Status == stripe.CheckoutSessionStatusComplete,
		Amount:    float64(sess.AmountTotal) / 100,
		Purpose:   Purpose(sess.Metadata["purpose"]),
		Metadata:  sess.Metadata,
	}
	if sess.Subscription != nil {
		v.SubscriptionRef = sess.Subscription.ID
	}
	if !v.Succeeded {
		return nil, ErrPaymentNotCompleted
	}
	return v, nil
}

// ApplyCredit records the credit on the request; CreateCheckout turns it into
// a coupon.
func (s *StripeService) ApplyCredit(req *CheckoutRequest, creditAmount float64) error {
	return ApplyCredit(req, creditAmount)
}
