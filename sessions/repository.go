package sessions

import (
	"context"
	"database/sql"
	"errors"

	"github.com/go-sql-driver/mysql"
)

// ErrDuplicateReference is raised when a second session row would be created
// for the same payment reference; the unique key on payment_reference enforces
// it even under concurrent confirmation.
var ErrDuplicateReference = errors.New("payment reference already recorded")

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const sessionColumns = `id, ref, client_id, therapist_id, subscription_id, starts_at, duration_minutes,
	session_type, status, price, payment_status, payment_reference, cancellation_fee,
	cancellation_fee_paid, cancellation_reason, notes, created_at, updated_at`

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	var s Session
	var reason, notes sql.NullString
	err := row.Scan(&s.ID, &s.Ref, &s.ClientID, &s.TherapistID, &s.SubscriptionID, &s.StartsAt,
		&s.DurationMinutes, &s.Type, &s.Status, &s.Price, &s.PaymentStatus, &s.PaymentReference,
		&s.CancellationFee, &s.CancellationFeePaid, &reason, &notes, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	s.CancellationReason = reason.String
	s.Notes = notes.String
	return &s, nil
}

func (r *Repository) Create(ctx context.Context, s *Session) error {
	var ref any
	if s.PaymentReference != nil {
		ref = *s.PaymentReference
	}
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (ref, client_id, therapist_id, subscription_id, starts_at, duration_minutes, session_type, status, price, payment_status, payment_reference)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.Ref, s.ClientID, s.TherapistID, s.SubscriptionID, s.StartsAt, s.DurationMinutes,
		s.Type, s.Status, s.Price, s.PaymentStatus, ref)
	if err != nil {
		var me *mysql.MySQLError
		if errors.As(err, &me) && me.Number == 1062 {
			return ErrDuplicateReference
		}
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	s.ID = int(id)
	return nil
}

func (r *Repository) GetByID(ctx context.Context, id int) (*Session, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id=? LIMIT 1`, id)
	return scanSession(row)
}

func (r *Repository) ByPaymentReference(ctx context.Context, reference string) (*Session, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE payment_reference=? LIMIT 1`, reference)
	return scanSession(row)
}

func (r *Repository) ListByClient(ctx context.Context, clientID int) ([]Session, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE client_id=? ORDER BY starts_at DESC`, clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// Complete moves an open session to completed with the therapist's notes.
func (r *Repository) Complete(ctx context.Context, id int, notes string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET status=?, notes=? WHERE id=? AND status IN (?, ?, ?)`,
		StatusCompleted, notes, id, StatusScheduled, StatusConfirmed, StatusInProgress)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Cancel moves any non-terminal session to cancelled, recording the reason
// and any cancellation fee.
func (r *Repository) Cancel(ctx context.Context, id int, reason string, fee float64) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET status=?, cancellation_reason=?, cancellation_fee=?
		 WHERE id=? AND status NOT IN (?, ?)`,
		StatusCancelled, reason, fee, id, StatusCompleted, StatusCancelled)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetPaymentStatus updates payment state with a CAS on the previous value.
func (r *Repository) SetPaymentStatus(ctx context.Context, id int, from, to PaymentStatus, reference string) (bool, error) {
	var ref any
	if reference != "" {
		ref = reference
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET payment_status=?, payment_reference=COALESCE(?, payment_reference)
		 WHERE id=? AND payment_status=?`,
		to, ref, id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkCancellationFeePaid is idempotent on the paid flag.
func (r *Repository) MarkCancellationFeePaid(ctx context.Context, id int) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET cancellation_fee_paid=1 WHERE id=? AND cancellation_fee > 0 AND cancellation_fee_paid=0`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
