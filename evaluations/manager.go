package evaluations

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"verdantly-core/intake"
	"verdantly-core/payments"
	"verdantly-core/pricing"
	"verdantly-core/therapists"

	"github.com/google/uuid"
)

// Store is the persistence surface the manager drives. *Repository implements
// it; tests substitute an in-memory fake.
type Store interface {
	Create(ctx context.Context, e *Evaluation) error
	GetByID(ctx context.Context, id int) (*Evaluation, error)
	ActiveByClient(ctx context.Context, clientID int) (*Evaluation, error)
	LatestByClient(ctx context.Context, clientID int) (*Evaluation, error)
	UpdateStatus(ctx context.Context, id int, from, to Status) (bool, error)
	ConfirmPayment(ctx context.Context, id int, reference string) (bool, error)
	AssignTherapist(ctx context.Context, id, therapistID int, scheduledAt, deadline time.Time) (bool, error)
	ScheduleMeeting(ctx context.Context, id int, scheduledAt time.Time) (bool, error)
	StartMeeting(ctx context.Context, id int) (bool, error)
	Complete(ctx context.Context, id int, tier, notes string, resourceAccess bool) (bool, error)
	Cancel(ctx context.Context, id int) (bool, error)
}

// SlotCalendar is the shared therapist calendar, owned jointly with the
// session scheduler.
type SlotCalendar interface {
	AvailableTherapists(ctx context.Context, notBefore time.Time) ([]therapists.Availability, error)
	ClaimSlot(ctx context.Context, therapistID int, startsAt time.Time, ref therapists.ClaimRef) error
	ReleaseSlot(ctx context.Context, ref therapists.ClaimRef) error
}

// IntakeService answers whether a client finished intake.
type IntakeService interface {
	Status(ctx context.Context, clientID int) (*intake.Status, error)
}

// Notifier delivers the completion notification to the client-facing channel.
type Notifier interface {
	RecommendationsSent(clientID int, tier string) error
}

// Refresher nudges connected UIs to re-fetch after webhook-driven changes.
type Refresher interface {
	Broadcast(message string)
}

// ErrUnknownTier rejects a recommendation outside the pricing catalog.
var ErrUnknownTier = errors.New("unknown pricing tier")

// MetadataEvaluationID is the checkout metadata key tying a payment to its
// evaluation.
const MetadataEvaluationID = "evaluation_id"

// Manager enforces the evaluation state machine and its side effects.
type Manager struct {
	store    Store
	slots    SlotCalendar
	gateway  payments.Gateway
	intake   IntakeService
	catalog  *pricing.Catalog
	notifier Notifier
	refresh  Refresher
	now      func() time.Time
}

func NewManager(store Store, slots SlotCalendar, gateway payments.Gateway, svc IntakeService, catalog *pricing.Catalog) *Manager {
	return &Manager{
		store:   store,
		slots:   slots,
		gateway: gateway,
		intake:  svc,
		catalog: catalog,
		now:     time.Now,
	}
}

func (m *Manager) SetNotifier(n Notifier)   { m.notifier = n }
func (m *Manager) SetRefresher(r Refresher) { m.refresh = r }

// SetClock overrides the time source; tests use it to pin business-day math.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

func (m *Manager) broadcast() {
	if m.refresh != nil {
		m.refresh.Broadcast("evaluations")
	}
}

// Book creates an evaluation in pending_payment for the client, snapshotting
// the intake answers so later intake edits cannot change its meaning. When a
// payment gateway is configured it also opens a checkout for the fee.
func (m *Manager) Book(ctx context.Context, clientID int) (*Evaluation, *payments.Checkout, error) {
	active, err := m.store.ActiveByClient(ctx, clientID)
	if err != nil {
		return nil, nil, err
	}
	if active != nil {
		return nil, nil, ErrAlreadyActive
	}
	e := &Evaluation{
		Ref:       uuid.NewString(),
		ClientID:  clientID,
		Status:    StatusPendingPayment,
		FeeAmount: EvaluationFee,
	}
	if m.intake != nil {
		st, err := m.intake.Status(ctx, clientID)
		if err != nil {
			return nil, nil, fmt.Errorf("intake status: %w", err)
		}
		if !st.Completed {
			return nil, nil, ErrIntakeIncomplete
		}
		e.IntakeSnapshot = st.Form
	}
	if err := m.store.Create(ctx, e); err != nil {
		return nil, nil, err
	}
	log.Printf("[evaluations][book] client_id=%d evaluation_id=%d fee=%.2f", clientID, e.ID, e.FeeAmount)

	var checkout *payments.Checkout
	if m.gateway != nil {
		checkout, err = m.gateway.CreateCheckout(ctx, payments.CheckoutRequest{
			Amount:      e.FeeAmount,
			Purpose:     payments.PurposeEvaluationFee,
			Description: "Initial evaluation",
			Metadata:    map[string]string{MetadataEvaluationID: strconv.Itoa(e.ID)},
		})
		if err != nil {
			// The booking stands; the client can retry payment from the portal.
			log.Printf("[evaluations][book] checkout failed evaluation_id=%d err=%v", e.ID, err)
			checkout = nil
		}
	}
	m.broadcast()
	return e, checkout, nil
}

// ConfirmPayment verifies the fee payment and advances pending_payment to
// paid. Replaying a reference that already confirmed is a no-op, so the
// webhook and the client's redirect poll can both call it safely.
func (m *Manager) ConfirmPayment(ctx context.Context, id int, reference string) (*Evaluation, error) {
	e, err := m.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, ErrNotFound
	}
	if e.FeePaid && e.PaymentReference != nil && *e.PaymentReference == reference {
		return e, nil
	}
	if e.Status != StatusPendingPayment {
		return nil, transitionErr("confirm_payment", e.Status, StatusPendingPayment)
	}
	v, err := payments.VerifyWithRetry(ctx, m.gateway, reference, payments.DefaultVerifyAttempts)
	if err != nil {
		return nil, err
	}
	if v.Purpose != payments.PurposeEvaluationFee {
		return nil, fmt.Errorf("payment %s is not an evaluation fee", reference)
	}
	if got := v.Metadata[MetadataEvaluationID]; got != "" && got != strconv.Itoa(id) {
		return nil, fmt.Errorf("payment %s belongs to another evaluation", reference)
	}
	ok, err := m.store.ConfirmPayment(ctx, id, reference)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Lost a race; if the same reference already landed this is still a
		// success from the caller's point of view.
		e, err = m.store.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if e != nil && e.FeePaid && e.PaymentReference != nil && *e.PaymentReference == reference {
			return e, nil
		}
		cur := StatusCancelled
		if e != nil {
			cur = e.Status
		}
		return nil, transitionErr("confirm_payment", cur, StatusPendingPayment)
	}
	log.Printf("[evaluations][paid] evaluation_id=%d reference=%s", id, reference)
	m.broadcast()
	return m.store.GetByID(ctx, id)
}

// ListAvailableTherapists returns therapists with open slots no earlier than
// three business days out, modeling the review buffer. Valid only from paid.
func (m *Manager) ListAvailableTherapists(ctx context.Context, id int) ([]therapists.Availability, error) {
	e, err := m.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, ErrNotFound
	}
	if e.Status != StatusPaid {
		return nil, transitionErr("list_available_therapists", e.Status, StatusPaid)
	}
	horizon := AddBusinessDays(m.now(), ReviewBufferDays)
	return m.slots.AvailableTherapists(ctx, horizon)
}

// SelectTherapist claims the slot and assigns the therapist in one logical
// step. Two clients racing for the same slot get exactly one success; the
// loser's evaluation stays in paid.
func (m *Manager) SelectTherapist(ctx context.Context, id, therapistID int, startsAt time.Time) (*Evaluation, error) {
	e, err := m.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, ErrNotFound
	}
	if e.Status != StatusPaid {
		return nil, transitionErr("select_therapist", e.Status, StatusPaid)
	}
	if startsAt.Before(AddBusinessDays(m.now(), ReviewBufferDays)) {
		return nil, therapists.ErrSlotUnavailable
	}
	ref := therapists.ClaimRef{EvaluationID: &e.ID}
	if err := m.slots.ClaimSlot(ctx, therapistID, startsAt, ref); err != nil {
		return nil, err
	}
	deadline := AddBusinessDays(m.now(), ReviewBufferDays)
	ok, err := m.store.AssignTherapist(ctx, id, therapistID, startsAt, deadline)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Another writer moved the evaluation; give the slot back.
		if rerr := m.slots.ReleaseSlot(ctx, ref); rerr != nil {
			log.Printf("[evaluations][select_therapist] release failed evaluation_id=%d err=%v", id, rerr)
		}
		e, err = m.store.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		cur := StatusCancelled
		if e != nil {
			cur = e.Status
		}
		return nil, transitionErr("select_therapist", cur, StatusPaid)
	}
	log.Printf("[evaluations][assigned] evaluation_id=%d therapist_id=%d slot=%s deadline=%s",
		id, therapistID, startsAt.Format(time.RFC3339), deadline.Format(time.RFC3339))
	m.broadcast()
	return m.store.GetByID(ctx, id)
}

// transition runs a single-source CAS transition and converts a lost race
// into a TransitionError naming the current state.
func (m *Manager) transition(ctx context.Context, id int, op string, from, to Status) (*Evaluation, error) {
	ok, err := m.store.UpdateStatus(ctx, id, from, to)
	if err != nil {
		return nil, err
	}
	if !ok {
		e, err := m.store.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if e == nil {
			return nil, ErrNotFound
		}
		return nil, transitionErr(op, e.Status, from)
	}
	log.Printf("[evaluations][%s] evaluation_id=%d %s -> %s", op, id, from, to)
	m.broadcast()
	return m.store.GetByID(ctx, id)
}

// StartReview moves therapist_assigned to therapist_reviewing.
func (m *Manager) StartReview(ctx context.Context, id int) (*Evaluation, error) {
	return m.transition(ctx, id, "start_review", StatusTherapistAssigned, StatusTherapistReviewing)
}

// MarkReady moves therapist_reviewing to ready_for_meeting.
func (m *Manager) MarkReady(ctx context.Context, id int) (*Evaluation, error) {
	return m.transition(ctx, id, "mark_ready", StatusTherapistReviewing, StatusReadyForMeeting)
}

// ScheduleMeeting pins the meeting to a concrete time offered by the
// therapist. Optional: StartMeeting also accepts ready_for_meeting directly.
func (m *Manager) ScheduleMeeting(ctx context.Context, id int, startsAt time.Time) (*Evaluation, error) {
	ok, err := m.store.ScheduleMeeting(ctx, id, startsAt)
	if err != nil {
		return nil, err
	}
	if !ok {
		e, err := m.store.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if e == nil {
			return nil, ErrNotFound
		}
		return nil, transitionErr("schedule_meeting", e.Status, StatusReadyForMeeting)
	}
	m.broadcast()
	return m.store.GetByID(ctx, id)
}

// StartMeeting moves ready_for_meeting or meeting_scheduled to in_progress.
func (m *Manager) StartMeeting(ctx context.Context, id int) (*Evaluation, error) {
	ok, err := m.store.StartMeeting(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		e, err := m.store.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if e == nil {
			return nil, ErrNotFound
		}
		return nil, transitionErr("start_meeting", e.Status, StatusReadyForMeeting, StatusMeetingScheduled)
	}
	log.Printf("[evaluations][start_meeting] evaluation_id=%d", id)
	m.broadcast()
	return m.store.GetByID(ctx, id)
}

// Complete records the tier recommendation, moves to recommendations_sent and
// notifies the client channel. The recommendation is set once and immutable.
func (m *Manager) Complete(ctx context.Context, id int, tier pricing.TierID, notes string, grantResourceAccess bool) (*Evaluation, error) {
	if m.catalog != nil {
		if _, ok := m.catalog.Get(tier); !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
		}
	}
	ok, err := m.store.Complete(ctx, id, string(tier), notes, grantResourceAccess)
	if err != nil {
		return nil, err
	}
	if !ok {
		e, err := m.store.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if e == nil {
			return nil, ErrNotFound
		}
		return nil, transitionErr("complete", e.Status, StatusInProgress, StatusCompleted)
	}
	log.Printf("[evaluations][complete] evaluation_id=%d recommended_tier=%s", id, tier)
	e, err := m.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.notifier != nil && e != nil {
		if nerr := m.notifier.RecommendationsSent(e.ClientID, string(tier)); nerr != nil {
			log.Printf("[evaluations][complete] notify failed evaluation_id=%d err=%v", id, nerr)
		}
	}
	m.broadcast()
	return e, nil
}

// Cancel moves any pre-completed state to cancelled and reopens a held slot.
// Refunds are the payment processor's policy, not handled here.
func (m *Manager) Cancel(ctx context.Context, id int) (*Evaluation, error) {
	ok, err := m.store.Cancel(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		e, err := m.store.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if e == nil {
			return nil, ErrNotFound
		}
		return nil, transitionErr("cancel", e.Status,
			StatusPendingPayment, StatusPaid, StatusTherapistAssigned, StatusTherapistReviewing,
			StatusReadyForMeeting, StatusMeetingScheduled, StatusInProgress)
	}
	if err := m.slots.ReleaseSlot(ctx, therapists.ClaimRef{EvaluationID: &id}); err != nil {
		log.Printf("[evaluations][cancel] release failed evaluation_id=%d err=%v", id, err)
	}
	log.Printf("[evaluations][cancel] evaluation_id=%d", id)
	m.broadcast()
	return m.store.GetByID(ctx, id)
}

// Mine returns the client's most recent evaluation, or nil when they have
// never booked one.
func (m *Manager) Mine(ctx context.Context, clientID int) (*Evaluation, error) {
	return m.store.LatestByClient(ctx, clientID)
}
