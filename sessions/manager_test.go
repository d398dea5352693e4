package sessions

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"testing"
	"time"

	"verdantly-core/payments"
	"verdantly-core/pricing"
	"verdantly-core/subscriptions"
	"verdantly-core/therapists"
)

// fakeStore enforces the payment-reference unique key the real table carries.
// missNextLookup makes one ByPaymentReference call come back empty, opening
// the window two concurrent confirmations of the same reference race through.
type fakeStore struct {
	nextID         int
	items          map[int]*Session
	missNextLookup bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{nextID: 1, items: map[int]*Session{}}
}

func (s *fakeStore) Create(ctx context.Context, sess *Session) error {
	if sess.PaymentReference != nil {
		for _, existing := range s.items {
			if existing.PaymentReference != nil && *existing.PaymentReference == *sess.PaymentReference {
				return ErrDuplicateReference
			}
		}
	}
	sess.ID = s.nextID
	s.nextID++
	cp := *sess
	s.items[sess.ID] = &cp
	return nil
}

func (s *fakeStore) GetByID(ctx context.Context, id int) (*Session, error) {
	sess, ok := s.items[id]
	if !ok {
		return nil, nil
	}
	cp := *sess
	return &cp, nil
}

func (s *fakeStore) ByPaymentReference(ctx context.Context, reference string) (*Session, error) {
	if s.missNextLookup {
		s.missNextLookup = false
		return nil, nil
	}
	for _, sess := range s.items {
		if sess.PaymentReference != nil && *sess.PaymentReference == reference {
			cp := *sess
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) ListByClient(ctx context.Context, clientID int) ([]Session, error) {
	out := []Session{}
	for _, sess := range s.items {
		if sess.ClientID == clientID {
			out = append(out, *sess)
		}
	}
	return out, nil
}

func (s *fakeStore) Complete(ctx context.Context, id int, notes string) (bool, error) {
	sess, ok := s.items[id]
	if !ok {
		return false, nil
	}
	switch sess.Status {
	case StatusScheduled, StatusConfirmed, StatusInProgress:
		sess.Status = StatusCompleted
		sess.Notes = notes
		return true, nil
	}
	return false, nil
}

func (s *fakeStore) Cancel(ctx context.Context, id int, reason string, fee float64) (bool, error) {
	sess, ok := s.items[id]
	if !ok || sess.Status == StatusCompleted || sess.Status == StatusCancelled {
		return false, nil
	}
	sess.Status = StatusCancelled
	sess.CancellationReason = reason
	sess.CancellationFee = fee
	return true, nil
}

func (s *fakeStore) SetPaymentStatus(ctx context.Context, id int, from, to PaymentStatus, reference string) (bool, error) {
	sess, ok := s.items[id]
	if !ok || sess.PaymentStatus != from {
		return false, nil
	}
	sess.PaymentStatus = to
	if reference != "" {
		sess.PaymentReference = &reference
	}
	return true, nil
}

func (s *fakeStore) MarkCancellationFeePaid(ctx context.Context, id int) (bool, error) {
	sess, ok := s.items[id]
	if !ok || sess.CancellationFee <= 0 || sess.CancellationFeePaid {
		return false, nil
	}
	sess.CancellationFeePaid = true
	return true, nil
}

type fakeSlots struct {
	therapists map[int]*therapists.Therapist
	claimed    map[string]bool
	released   []therapists.ClaimRef
}

func newFakeSlots() *fakeSlots {
	return &fakeSlots{
		therapists: map[int]*therapists.Therapist{
			1: {ID: 1, Name: "Dana", Credential: therapists.CredentialSLP, HourlyRate: 90, Active: true},
			2: {ID: 2, Name: "Riley", Credential: therapists.CredentialSLPA, HourlyRate: 0, Active: true},
		},
		claimed: map[string]bool{},
	}
}

func (f *fakeSlots) GetTherapist(ctx context.Context, id int) (*therapists.Therapist, error) {
	t, ok := f.therapists[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (f *fakeSlots) ClaimSlot(ctx context.Context, therapistID int, startsAt time.Time, ref therapists.ClaimRef) error {
	key := strconv.Itoa(therapistID) + "/" + startsAt.Format(time.RFC3339)
	if f.claimed[key] {
		return therapists.ErrSlotUnavailable
	}
	f.claimed[key] = true
	return nil
}

func (f *fakeSlots) ReleaseSlot(ctx context.Context, ref therapists.ClaimRef) error {
	f.released = append(f.released, ref)
	return nil
}

// fakeSubs serves one client's plan and counts consumption against it.
type fakeSubs struct {
	current     *subscriptions.Subscription
	limit       int
	used        int
	consumeErrs []error
}

func (f *fakeSubs) GetCurrent(ctx context.Context, clientID int) (*subscriptions.Subscription, error) {
	if f.current == nil || f.current.ClientID != clientID {
		return nil, nil
	}
	cp := *f.current
	return &cp, nil
}

func (f *fakeSubs) ConsumeSession(ctx context.Context, id int) error {
	if len(f.consumeErrs) > 0 {
		err := f.consumeErrs[0]
		f.consumeErrs = f.consumeErrs[1:]
		return err
	}
	if f.limit != 0 && f.used >= f.limit {
		return subscriptions.ErrSessionLimitExceeded
	}
	f.used++
	return nil
}

type fakeGateway struct {
	payments  map[string]*payments.Verification
	requests  []payments.CheckoutRequest
	checkouts int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{payments: map[string]*payments.Verification{}}
}

func (g *fakeGateway) CreateCheckout(ctx context.Context, req payments.CheckoutRequest) (*payments.Checkout, error) {
	g.checkouts++
	g.requests = append(g.requests, req)
	ref := fmt.Sprintf("chk_%d", g.checkouts)
	return &payments.Checkout{Reference: ref, URL: "https://pay.test/" + ref}, nil
}

func (g *fakeGateway) VerifyPayment(ctx context.Context, reference string) (*payments.Verification, error) {
	v, ok := g.payments[reference]
	if !ok {
		return nil, payments.ErrPaymentNotFound
	}
	return v, nil
}

func (g *fakeGateway) ApplyCredit(req *payments.CheckoutRequest, creditAmount float64) error {
	return payments.ApplyCredit(req, creditAmount)
}

func testCatalog(t *testing.T) *pricing.Catalog {
	t.Helper()
	c, err := pricing.NewCatalog([]pricing.Tier{
		{ID: pricing.TierRooted, Name: "Rooted", Price: 299, BillingCycle: pricing.BillingMonthly, SessionsPerMonth: 2},
		{ID: pricing.TierFlourish, Name: "Flourish", Price: 439, BillingCycle: pricing.BillingMonthly, SessionsPerMonth: 4},
		{ID: pricing.TierBloom, Name: "Bloom", Price: 125, BillingCycle: pricing.BillingPayAsYouGo},
	})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return c
}

func activeSub(clientID int, tier pricing.TierID) *subscriptions.Subscription {
	return &subscriptions.Subscription{ID: 5, ClientID: clientID, Tier: tier, Status: subscriptions.StatusActive}
}

func newTestManager(t *testing.T, subs *fakeSubs) (*Manager, *fakeStore, *fakeSlots, *fakeGateway) {
	t.Helper()
	store := newFakeStore()
	slots := newFakeSlots()
	gw := newFakeGateway()
	m := NewManager(store, slots, subs, gw, testCatalog(t))
	return m, store, slots, gw
}

func booking(therapistID int) BookingRequest {
	return BookingRequest{
		TherapistID:     therapistID,
		StartsAt:        time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		DurationMinutes: 60,
		Type:            TypeFollowUp,
	}
}

func TestBookPlanCoveredSessionCreatesImmediately(t *testing.T) {
	subs := &fakeSubs{current: activeSub(1, pricing.TierFlourish), limit: 4}
	m, _, slots, gw := newTestManager(t, subs)

	out, err := m.Book(context.Background(), 1, booking(1))
	if err != nil {
		t.Fatalf("Book: %v", err)
	}
	if out.Session == nil {
		t.Fatal("expected an immediate session")
	}
	if out.Checkout != nil {
		t.Fatal("plan-covered booking should not need a checkout")
	}
	if out.Session.SubscriptionID == nil || *out.Session.SubscriptionID != 5 {
		t.Fatalf("subscription id = %v", out.Session.SubscriptionID)
	}
	if out.Session.PaymentStatus != PaymentNotRequired {
		t.Fatalf("payment status = %s", out.Session.PaymentStatus)
	}
	if out.Price != 75 {
		t.Fatalf("price = %.2f, want 75", out.Price)
	}
	if len(slots.claimed) != 1 {
		t.Fatal("slot not claimed")
	}
	if gw.checkouts != 0 {
		t.Fatal("unexpected checkout")
	}
}

func TestBookBundledInitialIsFree(t *testing.T) {
	subs := &fakeSubs{current: activeSub(1, pricing.TierRooted), limit: 2}
	m, _, _, _ := newTestManager(t, subs)

	req := booking(1)
	req.Type = TypeInitial
	out, err := m.Book(context.Background(), 1, req)
	if err != nil {
		t.Fatalf("Book: %v", err)
	}
	if out.Session == nil || out.Price != 0 {
		t.Fatalf("session = %v price = %.2f, want immediate free session", out.Session, out.Price)
	}
}

func TestBookWithoutPlanRequiresPaymentFirst(t *testing.T) {
	m, store, slots, gw := newTestManager(t, &fakeSubs{})

	out, err := m.Book(context.Background(), 1, booking(1))
	if err != nil {
		t.Fatalf("Book: %v", err)
	}
	if out.Session != nil {
		t.Fatal("session created before payment")
	}
	if out.Checkout == nil {
		t.Fatal("expected a checkout")
	}
	if out.Price != 75 {
		t.Fatalf("price = %.2f, want 75", out.Price)
	}
	if len(store.items) != 0 || len(slots.claimed) != 0 {
		t.Fatal("state mutated before payment")
	}
	if gw.requests[0].Purpose != payments.PurposeSessionPayment {
		t.Fatalf("purpose = %s", gw.requests[0].Purpose)
	}
}

func TestConfirmBookingIsIdempotent(t *testing.T) {
	m, _, slots, gw := newTestManager(t, &fakeSubs{})
	req := booking(1)
	out, err := m.Book(context.Background(), 1, req)
	if err != nil {
		t.Fatalf("Book: %v", err)
	}
	gw.payments[out.Checkout.Reference] = &payments.Verification{
		Succeeded: true,
		Amount:    75,
		Purpose:   payments.PurposeSessionPayment,
		Metadata:  gw.requests[0].Metadata,
	}

	s, err := m.ConfirmBooking(context.Background(), 1, out.Checkout.Reference)
	if err != nil {
		t.Fatalf("ConfirmBooking: %v", err)
	}
	if s.PaymentStatus != PaymentPaid || s.Price != 75 {
		t.Fatalf("payment = %s price = %.2f", s.PaymentStatus, s.Price)
	}
	if !s.StartsAt.Equal(req.StartsAt) || s.Type != req.Type {
		t.Fatalf("booking fields lost: %v %s", s.StartsAt, s.Type)
	}
	if len(slots.claimed) != 1 {
		t.Fatal("slot not claimed")
	}

	replay, err := m.ConfirmBooking(context.Background(), 1, out.Checkout.Reference)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replay.ID != s.ID {
		t.Fatalf("replay created session %d, want %d", replay.ID, s.ID)
	}
	if len(slots.claimed) != 1 {
		t.Fatal("replay claimed a second slot")
	}
}

func TestConfirmBookingConcurrentLoserReturnsExistingSession(t *testing.T) {
	m, store, slots, gw := newTestManager(t, &fakeSubs{})
	out, err := m.Book(context.Background(), 1, booking(1))
	if err != nil {
		t.Fatalf("Book: %v", err)
	}
	gw.payments[out.Checkout.Reference] = &payments.Verification{
		Succeeded: true,
		Amount:    75,
		Purpose:   payments.PurposeSessionPayment,
		Metadata:  gw.requests[0].Metadata,
	}

	s, err := m.ConfirmBooking(context.Background(), 1, out.Checkout.Reference)
	if err != nil {
		t.Fatalf("ConfirmBooking: %v", err)
	}

	// A second confirmation whose existence check raced ahead of the first
	// insert hits the unique key instead of creating a duplicate row.
	store.missNextLookup = true
	loser, err := m.ConfirmBooking(context.Background(), 1, out.Checkout.Reference)
	if err != nil {
		t.Fatalf("racing confirm: %v", err)
	}
	if loser.ID != s.ID {
		t.Fatalf("racing confirm returned session %d, want %d", loser.ID, s.ID)
	}
	if len(store.items) != 1 {
		t.Fatalf("sessions = %d, want 1", len(store.items))
	}
	if len(slots.claimed) != 1 {
		t.Fatal("racing confirm claimed a second slot")
	}
}

func TestConfirmBookingFlagsRefundWhenSlotLost(t *testing.T) {
	m, store, slots, gw := newTestManager(t, &fakeSubs{})
	req := booking(1)
	out, err := m.Book(context.Background(), 1, req)
	if err != nil {
		t.Fatalf("Book: %v", err)
	}
	gw.payments[out.Checkout.Reference] = &payments.Verification{
		Succeeded: true,
		Amount:    75,
		Purpose:   payments.PurposeSessionPayment,
		Metadata:  gw.requests[0].Metadata,
	}

	// Someone else takes the slot while the payment is in flight.
	if err := slots.ClaimSlot(context.Background(), req.TherapistID, req.StartsAt, therapists.ClaimRef{}); err != nil {
		t.Fatalf("pre-claim: %v", err)
	}

	if _, err := m.ConfirmBooking(context.Background(), 1, out.Checkout.Reference); !errors.Is(err, therapists.ErrSlotUnavailable) {
		t.Fatalf("err = %v, want ErrSlotUnavailable", err)
	}

	s, err := store.ByPaymentReference(context.Background(), out.Checkout.Reference)
	if err != nil || s == nil {
		t.Fatalf("settled charge left no trace: (%v, %v)", s, err)
	}
	if s.Status != StatusCancelled {
		t.Fatalf("status = %s, want %s", s.Status, StatusCancelled)
	}
	if s.PaymentStatus != PaymentRefundDue {
		t.Fatalf("payment status = %s, want %s", s.PaymentStatus, PaymentRefundDue)
	}
}

func TestCompleteConsumesPlanAllotment(t *testing.T) {
	subs := &fakeSubs{current: activeSub(1, pricing.TierFlourish), limit: 4}
	m, _, _, _ := newTestManager(t, subs)
	out, err := m.Book(context.Background(), 1, booking(1))
	if err != nil {
		t.Fatalf("Book: %v", err)
	}

	s, err := m.Complete(context.Background(), 1, out.Session.ID, "good progress")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if s.Status != StatusCompleted {
		t.Fatalf("status = %s", s.Status)
	}
	if subs.used != 1 {
		t.Fatalf("plan consumption = %d, want 1", subs.used)
	}
	if s.PaymentStatus != PaymentNotRequired {
		t.Fatalf("payment status = %s", s.PaymentStatus)
	}
}

func TestCompleteFallsBackToOutOfPocketWhenPlanExhausted(t *testing.T) {
	subs := &fakeSubs{current: activeSub(1, pricing.TierFlourish), limit: 4, used: 4}
	m, _, _, _ := newTestManager(t, subs)
	out, err := m.Book(context.Background(), 1, booking(1))
	if err != nil {
		t.Fatalf("Book: %v", err)
	}

	s, err := m.Complete(context.Background(), 1, out.Session.ID, "")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if s.Status != StatusCompleted {
		t.Fatalf("status = %s", s.Status)
	}
	if s.PaymentStatus != PaymentPending {
		t.Fatalf("payment status = %s, want pending", s.PaymentStatus)
	}
}

func TestCompleteRejectsOtherTherapist(t *testing.T) {
	subs := &fakeSubs{current: activeSub(1, pricing.TierFlourish), limit: 4}
	m, _, _, _ := newTestManager(t, subs)
	out, _ := m.Book(context.Background(), 1, booking(1))
	if _, err := m.Complete(context.Background(), 2, out.Session.ID, ""); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("err = %v, want ErrNotOwner", err)
	}
}

func TestCancelFeeOnlyForTherapistLoggedSLPA(t *testing.T) {
	cases := []struct {
		name              string
		therapistID       int
		loggedByTherapist bool
		wantFee           float64
	}{
		{"slpa logged by therapist", 2, true, CancellationFeeAmount},
		{"slpa logged by client", 2, false, 0},
		{"slp logged by therapist", 1, true, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			subs := &fakeSubs{current: activeSub(1, pricing.TierFlourish), limit: 4}
			m, _, slots, _ := newTestManager(t, subs)
			out, err := m.Book(context.Background(), 1, booking(tc.therapistID))
			if err != nil {
				t.Fatalf("Book: %v", err)
			}
			s, err := m.Cancel(context.Background(), out.Session.ID, "sick", tc.loggedByTherapist)
			if err != nil {
				t.Fatalf("Cancel: %v", err)
			}
			if s.Status != StatusCancelled {
				t.Fatalf("status = %s", s.Status)
			}
			if s.CancellationFee != tc.wantFee {
				t.Fatalf("fee = %.2f, want %.2f", s.CancellationFee, tc.wantFee)
			}
			if len(slots.released) != 1 {
				t.Fatal("slot not released")
			}
		})
	}
}

func TestCancelIsTerminal(t *testing.T) {
	subs := &fakeSubs{current: activeSub(1, pricing.TierFlourish), limit: 4}
	m, _, _, _ := newTestManager(t, subs)
	out, _ := m.Book(context.Background(), 1, booking(1))
	if _, err := m.Cancel(context.Background(), out.Session.ID, "", false); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, err := m.Cancel(context.Background(), out.Session.ID, "", false); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second cancel err = %v, want ErrInvalidTransition", err)
	}
}

func TestPayLaterFlow(t *testing.T) {
	subs := &fakeSubs{current: activeSub(1, pricing.TierFlourish), limit: 4, used: 4}
	m, _, _, gw := newTestManager(t, subs)
	out, _ := m.Book(context.Background(), 1, booking(1))
	if _, err := m.Complete(context.Background(), 1, out.Session.ID, ""); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	checkout, err := m.ProcessPayment(context.Background(), 1, out.Session.ID)
	if err != nil {
		t.Fatalf("ProcessPayment: %v", err)
	}
	gw.payments[checkout.Reference] = &payments.Verification{
		Succeeded: true,
		Amount:    75,
		Purpose:   payments.PurposeSessionPayment,
		Metadata:  map[string]string{MetadataSessionID: strconv.Itoa(out.Session.ID)},
	}
	s, err := m.ConfirmPayment(context.Background(), out.Session.ID, checkout.Reference)
	if err != nil {
		t.Fatalf("ConfirmPayment: %v", err)
	}
	if s.PaymentStatus != PaymentPaid {
		t.Fatalf("payment status = %s", s.PaymentStatus)
	}

	// Nothing left to pay.
	if _, err := m.ProcessPayment(context.Background(), 1, out.Session.ID); !errors.Is(err, ErrNoPaymentDue) {
		t.Fatalf("err = %v, want ErrNoPaymentDue", err)
	}
}

func TestCancellationFeeFlow(t *testing.T) {
	subs := &fakeSubs{current: activeSub(1, pricing.TierFlourish), limit: 4}
	m, _, _, gw := newTestManager(t, subs)
	out, _ := m.Book(context.Background(), 1, booking(2))
	if _, err := m.Cancel(context.Background(), out.Session.ID, "no show", true); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	checkout, err := m.ProcessCancellationFeePayment(context.Background(), 1, out.Session.ID)
	if err != nil {
		t.Fatalf("ProcessCancellationFeePayment: %v", err)
	}
	if gw.requests[len(gw.requests)-1].Amount != CancellationFeeAmount {
		t.Fatalf("checkout amount = %.2f", gw.requests[len(gw.requests)-1].Amount)
	}
	gw.payments[checkout.Reference] = &payments.Verification{
		Succeeded: true,
		Amount:    CancellationFeeAmount,
		Purpose:   payments.PurposeCancellationFee,
		Metadata:  map[string]string{MetadataSessionID: strconv.Itoa(out.Session.ID)},
	}
	s, err := m.ConfirmCancellationFee(context.Background(), out.Session.ID, checkout.Reference)
	if err != nil {
		t.Fatalf("ConfirmCancellationFee: %v", err)
	}
	if !s.CancellationFeePaid {
		t.Fatal("fee not marked paid")
	}

	// Settled fees cannot be charged again.
	if _, err := m.ProcessCancellationFeePayment(context.Background(), 1, out.Session.ID); !errors.Is(err, ErrNoPaymentDue) {
		t.Fatalf("err = %v, want ErrNoPaymentDue", err)
	}
}

func TestBookRejectsUnknownType(t *testing.T) {
	m, _, _, _ := newTestManager(t, &fakeSubs{})
	req := booking(1)
	req.Type = "walk-in"
	if _, err := m.Book(context.Background(), 1, req); !errors.Is(err, ErrInvalidType) {
		t.Fatalf("err = %v, want ErrInvalidType", err)
	}
}
