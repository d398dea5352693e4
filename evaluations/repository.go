package evaluations

import (
	"context"
	"database/sql"
	"time"

	"verdantly-core/pricing"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const evaluationColumns = `id, ref, client_id, therapist_id, status, scheduled_at, review_deadline,
	intake_snapshot, recommended_tier, fee_amount, fee_paid, payment_reference, credit_applied,
	notes, resource_access, created_at, updated_at`

func scanEvaluation(row interface{ Scan(...any) error }) (*Evaluation, error) {
	var e Evaluation
	var snapshot sql.NullString
	var tier sql.NullString
	var notes sql.NullString
	err := row.Scan(&e.ID, &e.Ref, &e.ClientID, &e.TherapistID, &e.Status, &e.ScheduledAt,
		&e.ReviewDeadline, &snapshot, &tier, &e.FeeAmount, &e.FeePaid, &e.PaymentReference,
		&e.CreditApplied, &notes, &e.ResourceAccess, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if snapshot.Valid {
		e.IntakeSnapshot = []byte(snapshot.String)
	}
	if tier.Valid {
		t := pricing.TierID(tier.String)
		e.RecommendedTier = &t
	}
	e.Notes = notes.String
	return &e, nil
}

func (r *Repository) Create(ctx context.Context, e *Evaluation) error {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO evaluations (ref, client_id, status, intake_snapshot, fee_amount)
		 VALUES (?, ?, ?, ?, ?)`,
		e.Ref, e.ClientID, e.Status, nullableJSON(e.IntakeSnapshot), e.FeeAmount)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	e.ID = int(id)
	return nil
}

func (r *Repository) GetByID(ctx context.Context, id int) (*Evaluation, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+evaluationColumns+` FROM evaluations WHERE id=? LIMIT 1`, id)
	return scanEvaluation(row)
}

// ActiveByClient returns the client's non-terminal evaluation, if any.
func (r *Repository) ActiveByClient(ctx context.Context, clientID int) (*Evaluation, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+evaluationColumns+` FROM evaluations
		 WHERE client_id=? AND status NOT IN (?, ?) ORDER BY id DESC LIMIT 1`,
		clientID, StatusCancelled, StatusRecommendationsSent)
	return scanEvaluation(row)
}

// LatestByClient returns the client's most recent evaluation regardless of
// state, for the "mine" view.
func (r *Repository) LatestByClient(ctx context.Context, clientID int) (*Evaluation, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+evaluationColumns+` FROM evaluations
		 WHERE client_id=? ORDER BY id DESC LIMIT 1`, clientID)
	return scanEvaluation(row)
}

// UpdateStatus is the compare-and-swap every transition goes through: it only
// writes when the row is still in the expected source state. A false return
// means another writer won the race (or the caller had a stale view).
func (r *Repository) UpdateStatus(ctx context.Context, id int, from, to Status) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE evaluations SET status=? WHERE id=? AND status=?`, to, id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ConfirmPayment flips pending_payment to paid, recording the processor
// reference. The unique index on payment_reference backs idempotency.
func (r *Repository) ConfirmPayment(ctx context.Context, id int, reference string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE evaluations SET status=?, fee_paid=1, payment_reference=?
		 WHERE id=? AND status=?`,
		StatusPaid, reference, id, StatusPendingPayment)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// AssignTherapist moves paid to therapist_assigned with the chosen slot and
// the review deadline in one write.
func (r *Repository) AssignTherapist(ctx context.Context, id, therapistID int, scheduledAt, deadline time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE evaluations SET status=?, therapist_id=?, scheduled_at=?, review_deadline=?
		 WHERE id=? AND status=?`,
		StatusTherapistAssigned, therapistID, scheduledAt, deadline, id, StatusPaid)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ScheduleMeeting records a concrete meeting slot.
func (r *Repository) ScheduleMeeting(ctx context.Context, id int, scheduledAt time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE evaluations SET status=?, scheduled_at=? WHERE id=? AND status=?`,
		StatusMeetingScheduled, scheduledAt, id, StatusReadyForMeeting)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// StartMeeting accepts either ready_for_meeting or meeting_scheduled as the
// source state; scheduling a specific slot before joining is optional.
func (r *Repository) StartMeeting(ctx context.Context, id int) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE evaluations SET status=? WHERE id=? AND status IN (?, ?)`,
		StatusInProgress, id, StatusReadyForMeeting, StatusMeetingScheduled)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Complete records the recommendation and moves to recommendations_sent.
// COALESCE keeps an already-set recommended_tier immutable on re-submission.
func (r *Repository) Complete(ctx context.Context, id int, tier string, notes string, resourceAccess bool) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE evaluations SET status=?, recommended_tier=COALESCE(recommended_tier, ?), notes=?, resource_access=?
		 WHERE id=? AND status IN (?, ?)`,
		StatusRecommendationsSent, tier, notes, resourceAccess, id, StatusInProgress, StatusCompleted)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Cancel transitions any pre-completed state to cancelled.
func (r *Repository) Cancel(ctx context.Context, id int) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE evaluations SET status=? WHERE id=? AND status NOT IN (?, ?, ?)`,
		StatusCancelled, id, StatusCompleted, StatusRecommendationsSent, StatusCancelled)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CreditCandidate finds the client's paid evaluation whose fee has not yet
// been credited toward a subscription.
func (r *Repository) CreditCandidate(ctx context.Context, clientID int) (*Evaluation, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+evaluationColumns+` FROM evaluations
		 WHERE client_id=? AND fee_paid=1 AND credit_applied=0 ORDER BY id DESC LIMIT 1`,
		clientID)
	return scanEvaluation(row)
}

// MarkCreditApplied consumes the credit; the credit_applied guard makes a
// replayed webhook a no-op.
func (r *Repository) MarkCreditApplied(ctx context.Context, id int) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE evaluations SET credit_applied=1 WHERE id=? AND credit_applied=0`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DueForReminder lists evaluations whose review deadline falls inside the
// window and that have not been reminded yet.
func (r *Repository) DueForReminder(ctx context.Context, until time.Time) ([]Evaluation, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+evaluationColumns+` FROM evaluations
		 WHERE status IN (?, ?) AND reminder_sent=0 AND review_deadline IS NOT NULL AND review_deadline <= ?`,
		StatusTherapistAssigned, StatusTherapistReviewing, until)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Evaluation{}
	for rows.Next() {
		e, err := scanEvaluation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (r *Repository) MarkReminderSent(ctx context.Context, id int) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE evaluations SET reminder_sent=1 WHERE id=?`, id)
	return err
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
