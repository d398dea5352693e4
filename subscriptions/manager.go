package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"verdantly-core/evaluations"
	"verdantly-core/payments"
	"verdantly-core/pricing"
)

var (
	ErrNotFound             = errors.New("subscription not found")
	ErrNotActive            = errors.New("subscription is not active")
	ErrSessionLimitExceeded = errors.New("session limit exceeded for this period")
	ErrUnknownTier          = errors.New("unknown pricing tier")
	ErrTierNotSubscribable  = errors.New("tier cannot be subscribed to")
)

// Store is the persistence surface; *Repository implements it.
type Store interface {
	Create(ctx context.Context, s *Subscription) error
	GetByID(ctx context.Context, id int) (*Subscription, error)
	ActiveByClient(ctx context.Context, clientID int) (*Subscription, error)
	ByPaymentReference(ctx context.Context, reference string) (*Subscription, error)
	ByProcessorReference(ctx context.Context, reference string) (*Subscription, error)
	ConsumeSession(ctx context.Context, id, limit int) (bool, error)
	RenewPeriod(ctx context.Context, id int, start, end time.Time) (bool, error)
	Close(ctx context.Context, id int, to Status) (bool, error)
}

// CreditSource finds a client's paid-but-uncredited evaluation fee. The
// evaluations repository implements it.
type CreditSource interface {
	CreditCandidate(ctx context.Context, clientID int) (*evaluations.Evaluation, error)
	MarkCreditApplied(ctx context.Context, id int) (bool, error)
}

// Refresher nudges connected UIs after webhook-driven changes.
type Refresher interface {
	Broadcast(message string)
}

// Metadata keys carried on subscription checkouts.
const (
	MetadataClientID = "client_id"
	MetadataTier     = "tier"
)

// Manager owns subscription activation, per-period usage accounting and the
// evaluation-fee credit.
type Manager struct {
	store   Store
	credits CreditSource
	gateway payments.Gateway
	catalog *pricing.Catalog
	refresh Refresher
	now     func() time.Time
}

func NewManager(store Store, credits CreditSource, gateway payments.Gateway, catalog *pricing.Catalog) *Manager {
	return &Manager{
		store:   store,
		credits: credits,
		gateway: gateway,
		catalog: catalog,
		now:     time.Now,
	}
}

func (m *Manager) SetRefresher(r Refresher)      { m.refresh = r }
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

func (m *Manager) broadcast() {
	if m.refresh != nil {
		m.refresh.Broadcast("subscriptions")
	}
}

func (m *Manager) tier(id pricing.TierID) (pricing.Tier, error) {
	t, ok := m.catalog.Get(id)
	if !ok {
		return pricing.Tier{}, fmt.Errorf("%w: %q", ErrUnknownTier, id)
	}
	if t.BillingCycle == pricing.BillingOneTime {
		return pricing.Tier{}, fmt.Errorf("%w: %q", ErrTierNotSubscribable, id)
	}
	return t, nil
}

// Checkout opens a processor checkout for the tier. A paid, uncredited
// evaluation fee is reported to the gateway as a discount on the first
// invoice; the credit is only consumed once activation confirms.
func (m *Manager) Checkout(ctx context.Context, clientID int, tierID pricing.TierID) (*payments.Checkout, error) {
	if existing, err := m.store.ActiveByClient(ctx, clientID); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, ErrAlreadyActive
	}
	t, err := m.tier(tierID)
	if err != nil {
		return nil, err
	}
	if m.gateway == nil {
		return nil, payments.ErrGatewayNotConfigured
	}
	req := payments.CheckoutRequest{
		Amount:      t.Price,
		Purpose:     payments.PurposeSubscription,
		Description: t.Name + " plan",
		Metadata: map[string]string{
			MetadataClientID: strconv.Itoa(clientID),
			MetadataTier:     string(tierID),
		},
	}
	if candidate, err := m.credits.CreditCandidate(ctx, clientID); err != nil {
		return nil, err
	} else if candidate != nil {
		if err := m.gateway.ApplyCredit(&req, candidate.FeeAmount); err != nil {
			return nil, err
		}
		log.Printf("[subscriptions][checkout] client_id=%d tier=%s credit=%.2f evaluation_id=%d",
			clientID, tierID, req.CreditAmount, candidate.ID)
	}
	return m.gateway.CreateCheckout(ctx, req)
}

// ActivateFromPayment verifies the payment and creates the active
// subscription, applying the evaluation-fee credit at most once. Keyed on
// paymentReference it is idempotent: a replay returns the subscription the
// first call created.
func (m *Manager) ActivateFromPayment(ctx context.Context, clientID int, tierID pricing.TierID, paymentReference string) (*Subscription, error) {
	if existing, err := m.store.ByPaymentReference(ctx, paymentReference); err != nil {
		return nil, err
	} else if existing != nil {
		attachPlan(existing, m.catalog)
		return existing, nil
	}
	t, err := m.tier(tierID)
	if err != nil {
		return nil, err
	}
	v, err := payments.VerifyWithRetry(ctx, m.gateway, paymentReference, payments.DefaultVerifyAttempts)
	if err != nil {
		return nil, err
	}
	if v.Purpose != payments.PurposeSubscription {
		return nil, fmt.Errorf("payment %s is not a subscription purchase", paymentReference)
	}
	if got := v.Metadata[MetadataClientID]; got != "" && got != strconv.Itoa(clientID) {
		return nil, fmt.Errorf("payment %s belongs to another client", paymentReference)
	}

	var creditAmount float64
	if candidate, err := m.credits.CreditCandidate(ctx, clientID); err != nil {
		return nil, err
	} else if candidate != nil {
		applied, err := m.credits.MarkCreditApplied(ctx, candidate.ID)
		if err != nil {
			return nil, err
		}
		if applied {
			creditAmount = candidate.FeeAmount
		}
	}

	now := m.now()
	ref := paymentReference
	sub := &Subscription{
		ClientID:            clientID,
		Tier:                t.ID,
		Status:              StatusActive,
		PeriodStart:         now,
		PeriodEnd:           now.AddDate(0, 1, 0),
		CreditAppliedAmount: creditAmount,
		PaymentReference:    &ref,
	}
	if v.SubscriptionRef != "" {
		procRef := v.SubscriptionRef
		sub.ProcessorSubRef = &procRef
	}
	if err := m.store.Create(ctx, sub); err != nil {
		if errors.Is(err, ErrAlreadyActive) {
			// A concurrent activation won; surface it unchanged. The credit
			// guard already consumed at most one fee.
			return nil, ErrAlreadyActive
		}
		return nil, err
	}
	log.Printf("[subscriptions][activate] client_id=%d tier=%s subscription_id=%d credit=%.2f reference=%s",
		clientID, tierID, sub.ID, creditAmount, paymentReference)
	attachPlan(sub, m.catalog)
	m.broadcast()
	return sub, nil
}

// GetCurrent returns the client's active subscription or nil; callers treat
// absence as a normal state directing the user to the pricing flow.
func (m *Manager) GetCurrent(ctx context.Context, clientID int) (*Subscription, error) {
	sub, err := m.store.ActiveByClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	attachPlan(sub, m.catalog)
	return sub, nil
}

// ConsumeSession increments the period usage, failing when the tier's
// allotment is spent.
func (m *Manager) ConsumeSession(ctx context.Context, id int) error {
	sub, err := m.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if sub == nil {
		return ErrNotFound
	}
	if sub.Status != StatusActive {
		return ErrNotActive
	}
	t, ok := m.catalog.Get(sub.Tier)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTier, sub.Tier)
	}
	ok, err = m.store.ConsumeSession(ctx, id, t.SessionsPerMonth)
	if err != nil {
		return err
	}
	if !ok {
		return ErrSessionLimitExceeded
	}
	log.Printf("[subscriptions][consume] subscription_id=%d used=%d limit=%d",
		id, sub.SessionsUsed+1, t.SessionsPerMonth)
	return nil
}

// RenewPeriod rolls the billing window forward from the current period end
// and resets usage. Invoked by the billing-cycle webhook.
func (m *Manager) RenewPeriod(ctx context.Context, id int) (*Subscription, error) {
	sub, err := m.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, ErrNotFound
	}
	if sub.Status != StatusActive {
		return nil, ErrNotActive
	}
	start := sub.PeriodEnd
	end := start.AddDate(0, 1, 0)
	ok, err := m.store.RenewPeriod(ctx, id, start, end)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotActive
	}
	log.Printf("[subscriptions][renew] subscription_id=%d period_start=%s period_end=%s",
		id, start.Format(time.RFC3339), end.Format(time.RFC3339))
	m.broadcast()
	return m.store.GetByID(ctx, id)
}

// byBillingReference resolves the subscription a billing webhook names.
// Recurring events carry the processor's subscription id, not the checkout
// reference, so that column is tried first; the checkout reference remains a
// fallback for rows activated before the id was captured.
func (m *Manager) byBillingReference(ctx context.Context, reference string) (*Subscription, error) {
	sub, err := m.store.ByProcessorReference(ctx, reference)
	if err != nil || sub != nil {
		return sub, err
	}
	return m.store.ByPaymentReference(ctx, reference)
}

// RenewByReference rolls the billing period for the subscription a billing
// webhook names. An unknown reference is ignored: the processor also bills
// things this service does not own.
func (m *Manager) RenewByReference(ctx context.Context, reference string) (*Subscription, error) {
	sub, err := m.byBillingReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		log.Printf("[subscriptions][renew] unknown reference=%s ignored", reference)
		return nil, nil
	}
	return m.RenewPeriod(ctx, sub.ID)
}

// ExpireByReference closes the subscription a payment-failure webhook names.
func (m *Manager) ExpireByReference(ctx context.Context, reference string) (*Subscription, error) {
	sub, err := m.byBillingReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		log.Printf("[subscriptions][expire] unknown reference=%s ignored", reference)
		return nil, nil
	}
	return m.Expire(ctx, sub.ID)
}

// Cancel moves active to cancelled; no further session consumption succeeds.
func (m *Manager) Cancel(ctx context.Context, id int) (*Subscription, error) {
	return m.close(ctx, id, StatusCancelled)
}

// Expire closes the subscription after payment-failure exhaustion.
func (m *Manager) Expire(ctx context.Context, id int) (*Subscription, error) {
	return m.close(ctx, id, StatusExpired)
}

func (m *Manager) close(ctx context.Context, id int, to Status) (*Subscription, error) {
	ok, err := m.store.Close(ctx, id, to)
	if err != nil {
		return nil, err
	}
	if !ok {
		sub, err := m.store.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if sub == nil {
			return nil, ErrNotFound
		}
		return nil, ErrNotActive
	}
	log.Printf("[subscriptions][%s] subscription_id=%d", to, id)
	m.broadcast()
	return m.store.GetByID(ctx, id)
}
