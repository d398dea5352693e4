package sessions

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"verdantly-core/payments"
	"verdantly-core/pricing"
	"verdantly-core/subscriptions"
	"verdantly-core/therapists"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("session not found")
	ErrNotOwner          = errors.New("session belongs to another client")
	ErrInvalidType       = errors.New("invalid session type")
	ErrInvalidTransition = errors.New("invalid session transition")
	ErrTherapistNotFound = errors.New("therapist not found")
	ErrNoPaymentDue      = errors.New("no payment due on this session")
)

// CancellationFeeAmount is charged when an SLPA-supervised session is
// cancelled and the therapist logs the no-show.
const CancellationFeeAmount = 25

// Store is the persistence surface; *Repository implements it.
type Store interface {
	Create(ctx context.Context, s *Session) error
	GetByID(ctx context.Context, id int) (*Session, error)
	ByPaymentReference(ctx context.Context, reference string) (*Session, error)
	ListByClient(ctx context.Context, clientID int) ([]Session, error)
	Complete(ctx context.Context, id int, notes string) (bool, error)
	Cancel(ctx context.Context, id int, reason string, fee float64) (bool, error)
	SetPaymentStatus(ctx context.Context, id int, from, to PaymentStatus, reference string) (bool, error)
	MarkCancellationFeePaid(ctx context.Context, id int) (bool, error)
}

// SlotCalendar is the shared therapist calendar, owned jointly with the
// evaluation lifecycle manager.
type SlotCalendar interface {
	GetTherapist(ctx context.Context, id int) (*therapists.Therapist, error)
	ClaimSlot(ctx context.Context, therapistID int, startsAt time.Time, ref therapists.ClaimRef) error
	ReleaseSlot(ctx context.Context, ref therapists.ClaimRef) error
}

// SubscriptionSource answers plan coverage questions and consumes the
// per-period allotment at completion. The subscriptions manager implements it.
type SubscriptionSource interface {
	GetCurrent(ctx context.Context, clientID int) (*subscriptions.Subscription, error)
	ConsumeSession(ctx context.Context, id int) error
}

// Refresher nudges connected UIs after webhook-driven changes.
type Refresher interface {
	Broadcast(message string)
}

// Checkout metadata keys. A booking checkout carries the full booking so the
// session row is only created once the payment lands; a pay-later checkout
// carries just the session id.
const (
	MetadataSessionID   = "session_id"
	MetadataClientID    = "client_id"
	MetadataTherapistID = "therapist_id"
	MetadataStartsAt    = "starts_at"
	MetadataDuration    = "duration_minutes"
	MetadataSessionType = "session_type"
)

// BookingRequest is a client's ask for a session.
type BookingRequest struct {
	TherapistID     int       `json:"therapist_id"`
	StartsAt        time.Time `json:"starts_at"`
	DurationMinutes int       `json:"duration_minutes"`
	Type            Type      `json:"session_type"`
}

// BookingResult is either a created session (no payment needed up front) or a
// checkout the client must complete first.
type BookingResult struct {
	Session  *Session           `json:"session,omitempty"`
	Checkout *payments.Checkout `json:"checkout,omitempty"`
	Price    float64            `json:"price"`
}

// Manager owns session creation with price computation, lifecycle transitions
// and payment tracking.
type Manager struct {
	store   Store
	slots   SlotCalendar
	subs    SubscriptionSource
	gateway payments.Gateway
	catalog *pricing.Catalog
	refresh Refresher
	now     func() time.Time
}

func NewManager(store Store, slots SlotCalendar, subs SubscriptionSource, gateway payments.Gateway, catalog *pricing.Catalog) *Manager {
	return &Manager{
		store:   store,
		slots:   slots,
		subs:    subs,
		gateway: gateway,
		catalog: catalog,
		now:     time.Now,
	}
}

func (m *Manager) SetRefresher(r Refresher)      { m.refresh = r }
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

func (m *Manager) broadcast() {
	if m.refresh != nil {
		m.refresh.Broadcast("sessions")
	}
}

// priceFor resolves the therapist, the client's plan and the computed price.
func (m *Manager) priceFor(ctx context.Context, clientID int, req BookingRequest) (*therapists.Therapist, *subscriptions.Subscription, float64, error) {
	t, err := m.slots.GetTherapist(ctx, req.TherapistID)
	if err != nil {
		return nil, nil, 0, err
	}
	if t == nil {
		return nil, nil, 0, ErrTherapistNotFound
	}
	sub, err := m.subs.GetCurrent(ctx, clientID)
	if err != nil {
		return nil, nil, 0, err
	}
	var tier *pricing.Tier
	if sub != nil {
		if tr, ok := m.catalog.Get(sub.Tier); ok {
			tier = &tr
		}
	}
	return t, sub, ComputePrice(t.Credential, t.HourlyRate, tier, req.Type), nil
}

// Book creates the session immediately when nothing is owed up front: a zero
// price, or coverage by an active plan with a monthly allotment (settled at
// completion). Otherwise it opens a checkout carrying the booking; the session
// row is only created by ConfirmBooking once the payment verifies.
func (m *Manager) Book(ctx context.Context, clientID int, req BookingRequest) (*BookingResult, error) {
	if !ValidType(req.Type) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidType, req.Type)
	}
	t, sub, price, err := m.priceFor(ctx, clientID, req)
	if err != nil {
		return nil, err
	}

	covered := price == 0
	var subID *int
	if !covered && sub != nil {
		if tier, ok := m.catalog.Get(sub.Tier); ok && !tier.Unlimited() {
			// Plan sessions settle against the allotment at completion.
			covered = true
			subID = &sub.ID
		}
	}

	if covered {
		s, err := m.createBooked(ctx, clientID, t.ID, subID, req, price, PaymentNotRequired, nil)
		if err != nil {
			return nil, err
		}
		return &BookingResult{Session: s, Price: price}, nil
	}

	if m.gateway == nil {
		return nil, payments.ErrGatewayNotConfigured
	}
	checkout, err := m.gateway.CreateCheckout(ctx, payments.CheckoutRequest{
		Amount:      price,
		Purpose:     payments.PurposeSessionPayment,
		Description: string(req.Type) + " session",
		Metadata: map[string]string{
			MetadataClientID:    strconv.Itoa(clientID),
			MetadataTherapistID: strconv.Itoa(req.TherapistID),
			MetadataStartsAt:    req.StartsAt.Format(time.RFC3339),
			MetadataDuration:    strconv.Itoa(req.DurationMinutes),
			MetadataSessionType: string(req.Type),
		},
	})
	if err != nil {
		return nil, err
	}
	log.Printf("[sessions][book] client_id=%d therapist_id=%d price=%.2f awaiting payment reference=%s",
		clientID, req.TherapistID, price, checkout.Reference)
	return &BookingResult{Checkout: checkout, Price: price}, nil
}

// ConfirmBooking verifies a booking payment and creates the session it paid
// for. Keyed on the payment reference it is idempotent: a replay returns the
// session the first call created.
func (m *Manager) ConfirmBooking(ctx context.Context, clientID int, reference string) (*Session, error) {
	if existing, err := m.store.ByPaymentReference(ctx, reference); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}
	v, err := payments.VerifyWithRetry(ctx, m.gateway, reference, payments.DefaultVerifyAttempts)
	if err != nil {
		return nil, err
	}
	if v.Purpose != payments.PurposeSessionPayment {
		return nil, fmt.Errorf("payment %s is not a session purchase", reference)
	}
	if v.Metadata[MetadataSessionID] != "" {
		// Pay-later checkout for an existing session, not a booking.
		return nil, fmt.Errorf("payment %s settles an existing session", reference)
	}
	if got := v.Metadata[MetadataClientID]; got != "" && got != strconv.Itoa(clientID) {
		return nil, fmt.Errorf("payment %s belongs to another client", reference)
	}
	req, err := bookingFromMetadata(v.Metadata)
	if err != nil {
		return nil, err
	}
	s, err := m.createBooked(ctx, clientID, req.TherapistID, nil, req, v.Amount, PaymentPaid, &reference)
	if errors.Is(err, ErrDuplicateReference) {
		// A concurrent confirmation of the same reference won the insert.
		return m.store.ByPaymentReference(ctx, reference)
	}
	if err != nil {
		return nil, err
	}
	log.Printf("[sessions][paid] session_id=%d reference=%s amount=%.2f", s.ID, reference, v.Amount)
	return s, nil
}

func bookingFromMetadata(md map[string]string) (BookingRequest, error) {
	var req BookingRequest
	therapistID, err := strconv.Atoi(md[MetadataTherapistID])
	if err != nil {
		return req, fmt.Errorf("checkout metadata missing therapist: %w", err)
	}
	startsAt, err := time.Parse(time.RFC3339, md[MetadataStartsAt])
	if err != nil {
		return req, fmt.Errorf("checkout metadata missing start time: %w", err)
	}
	duration, err := strconv.Atoi(md[MetadataDuration])
	if err != nil {
		return req, fmt.Errorf("checkout metadata missing duration: %w", err)
	}
	req = BookingRequest{
		TherapistID:     therapistID,
		StartsAt:        startsAt,
		DurationMinutes: duration,
		Type:            Type(md[MetadataSessionType]),
	}
	if !ValidType(req.Type) {
		return req, fmt.Errorf("%w: %q", ErrInvalidType, req.Type)
	}
	return req, nil
}

// createBooked claims the slot and inserts the row; the slot is given back if
// the insert fails.
func (m *Manager) createBooked(ctx context.Context, clientID, therapistID int, subID *int, req BookingRequest, price float64, payState PaymentStatus, reference *string) (*Session, error) {
	s := &Session{
		Ref:              uuid.NewString(),
		ClientID:         clientID,
		TherapistID:      therapistID,
		SubscriptionID:   subID,
		StartsAt:         req.StartsAt,
		DurationMinutes:  req.DurationMinutes,
		Type:             req.Type,
		Status:           StatusScheduled,
		Price:            price,
		PaymentStatus:    payState,
		PaymentReference: reference,
	}
	if err := m.store.Create(ctx, s); err != nil {
		return nil, err
	}
	ref := therapists.ClaimRef{SessionID: &s.ID}
	if err := m.slots.ClaimSlot(ctx, therapistID, req.StartsAt, ref); err != nil {
		if _, cerr := m.store.Cancel(ctx, s.ID, "slot unavailable", 0); cerr != nil {
			log.Printf("[sessions][book] rollback failed session_id=%d err=%v", s.ID, cerr)
		}
		if payState == PaymentPaid {
			// The charge already settled; flag it so support refunds it.
			if _, perr := m.store.SetPaymentStatus(ctx, s.ID, PaymentPaid, PaymentRefundDue, ""); perr != nil {
				log.Printf("[sessions][refund_due] flag failed session_id=%d err=%v", s.ID, perr)
			} else {
				log.Printf("[sessions][refund_due] session_id=%d amount=%.2f slot lost after payment", s.ID, price)
			}
		}
		return nil, err
	}
	log.Printf("[sessions][created] session_id=%d client_id=%d therapist_id=%d type=%s price=%.2f payment=%s",
		s.ID, clientID, therapistID, s.Type, price, payState)
	m.broadcast()
	return s, nil
}

// Complete closes the session and settles it: plan-covered sessions consume
// one unit of the allotment, and fall back to an out-of-pocket payment when
// the period's allotment is spent.
func (m *Manager) Complete(ctx context.Context, therapistID, id int, notes string) (*Session, error) {
	s, err := m.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrNotFound
	}
	if s.TherapistID != therapistID {
		return nil, ErrNotOwner
	}
	ok, err := m.store.Complete(ctx, id, notes)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: complete from %s", ErrInvalidTransition, s.Status)
	}

	if s.SubscriptionID != nil && s.PaymentStatus == PaymentNotRequired && s.Price > 0 {
		if cerr := m.subs.ConsumeSession(ctx, *s.SubscriptionID); cerr != nil {
			if errors.Is(cerr, subscriptions.ErrSessionLimitExceeded) || errors.Is(cerr, subscriptions.ErrNotActive) {
				if _, perr := m.store.SetPaymentStatus(ctx, id, PaymentNotRequired, PaymentPending, ""); perr != nil {
					return nil, perr
				}
				log.Printf("[sessions][complete] session_id=%d plan exhausted, payment now due price=%.2f", id, s.Price)
			} else {
				return nil, cerr
			}
		}
	}
	log.Printf("[sessions][complete] session_id=%d therapist_id=%d", id, therapistID)
	m.broadcast()
	return m.store.GetByID(ctx, id)
}

// Cancel closes the session from any non-terminal state and reopens the slot.
// An SLPA-supervised session cancelled on the therapist's log carries a fee
// obligation for the client.
func (m *Manager) Cancel(ctx context.Context, id int, reason string, loggedByTherapist bool) (*Session, error) {
	s, err := m.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrNotFound
	}
	var fee float64
	if loggedByTherapist {
		t, err := m.slots.GetTherapist(ctx, s.TherapistID)
		if err != nil {
			return nil, err
		}
		if t != nil && t.Credential == therapists.CredentialSLPA {
			fee = CancellationFeeAmount
		}
	}
	ok, err := m.store.Cancel(ctx, id, reason, fee)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: cancel from %s", ErrInvalidTransition, s.Status)
	}
	if err := m.slots.ReleaseSlot(ctx, therapists.ClaimRef{SessionID: &id}); err != nil {
		log.Printf("[sessions][cancel] release failed session_id=%d err=%v", id, err)
	}
	log.Printf("[sessions][cancel] session_id=%d fee=%.2f reason=%q", id, fee, reason)
	m.broadcast()
	return m.store.GetByID(ctx, id)
}

// ProcessPayment opens a checkout for a session whose payment is pending.
func (m *Manager) ProcessPayment(ctx context.Context, clientID, id int) (*payments.Checkout, error) {
	s, err := m.owned(ctx, clientID, id)
	if err != nil {
		return nil, err
	}
	if s.PaymentStatus != PaymentPending && s.PaymentStatus != PaymentFailed {
		return nil, ErrNoPaymentDue
	}
	if m.gateway == nil {
		return nil, payments.ErrGatewayNotConfigured
	}
	return m.gateway.CreateCheckout(ctx, payments.CheckoutRequest{
		Amount:      s.Price,
		Purpose:     payments.PurposeSessionPayment,
		Description: string(s.Type) + " session",
		Metadata: map[string]string{
			MetadataSessionID: strconv.Itoa(id),
			MetadataClientID:  strconv.Itoa(clientID),
		},
	})
}

// ConfirmPayment verifies a pay-later checkout and marks the session paid.
// Replaying a reference that already landed is a no-op.
func (m *Manager) ConfirmPayment(ctx context.Context, id int, reference string) (*Session, error) {
	s, err := m.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrNotFound
	}
	if s.PaymentStatus == PaymentPaid && s.PaymentReference != nil && *s.PaymentReference == reference {
		return s, nil
	}
	v, err := payments.VerifyWithRetry(ctx, m.gateway, reference, payments.DefaultVerifyAttempts)
	if err != nil {
		return nil, err
	}
	if v.Purpose != payments.PurposeSessionPayment {
		return nil, fmt.Errorf("payment %s is not a session payment", reference)
	}
	if got := v.Metadata[MetadataSessionID]; got != "" && got != strconv.Itoa(id) {
		return nil, fmt.Errorf("payment %s belongs to another session", reference)
	}
	from := s.PaymentStatus
	if from != PaymentPending && from != PaymentFailed {
		return nil, ErrNoPaymentDue
	}
	ok, err := m.store.SetPaymentStatus(ctx, id, from, PaymentPaid, reference)
	if err != nil {
		return nil, err
	}
	if !ok {
		s, err = m.store.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if s != nil && s.PaymentStatus == PaymentPaid {
			return s, nil
		}
		return nil, ErrNoPaymentDue
	}
	log.Printf("[sessions][paid] session_id=%d reference=%s", id, reference)
	m.broadcast()
	return m.store.GetByID(ctx, id)
}

// ProcessCancellationFeePayment opens a checkout for an outstanding
// cancellation fee.
func (m *Manager) ProcessCancellationFeePayment(ctx context.Context, clientID, id int) (*payments.Checkout, error) {
	s, err := m.owned(ctx, clientID, id)
	if err != nil {
		return nil, err
	}
	if s.CancellationFee <= 0 || s.CancellationFeePaid {
		return nil, ErrNoPaymentDue
	}
	if m.gateway == nil {
		return nil, payments.ErrGatewayNotConfigured
	}
	return m.gateway.CreateCheckout(ctx, payments.CheckoutRequest{
		Amount:      s.CancellationFee,
		Purpose:     payments.PurposeCancellationFee,
		Description: "Late cancellation fee",
		Metadata: map[string]string{
			MetadataSessionID: strconv.Itoa(id),
			MetadataClientID:  strconv.Itoa(clientID),
		},
	})
}

// ConfirmCancellationFee verifies the fee payment and marks it settled.
func (m *Manager) ConfirmCancellationFee(ctx context.Context, id int, reference string) (*Session, error) {
	s, err := m.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrNotFound
	}
	if s.CancellationFeePaid {
		return s, nil
	}
	v, err := payments.VerifyWithRetry(ctx, m.gateway, reference, payments.DefaultVerifyAttempts)
	if err != nil {
		return nil, err
	}
	if v.Purpose != payments.PurposeCancellationFee {
		return nil, fmt.Errorf("payment %s is not a cancellation fee", reference)
	}
	if got := v.Metadata[MetadataSessionID]; got != "" && got != strconv.Itoa(id) {
		return nil, fmt.Errorf("payment %s belongs to another session", reference)
	}
	if _, err := m.store.MarkCancellationFeePaid(ctx, id); err != nil {
		return nil, err
	}
	log.Printf("[sessions][cancellation_fee_paid] session_id=%d reference=%s", id, reference)
	m.broadcast()
	return m.store.GetByID(ctx, id)
}

// Mine lists the client's sessions, newest first.
func (m *Manager) Mine(ctx context.Context, clientID int) ([]Session, error) {
	return m.store.ListByClient(ctx, clientID)
}

func (m *Manager) owned(ctx context.Context, clientID, id int) (*Session, error) {
	s, err := m.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrNotFound
	}
	if s.ClientID != clientID {
		return nil, ErrNotOwner
	}
	return s, nil
}
