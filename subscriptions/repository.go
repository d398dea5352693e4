package subscriptions

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"verdantly-core/pricing"

	"github.com/go-sql-driver/mysql"
)

// ErrAlreadyActive is raised when a second active subscription would be
// created for a client; the unique key on active_client_id enforces it even
// under concurrent activation.
var ErrAlreadyActive = errors.New("client already has an active subscription")

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const subscriptionColumns = `id, client_id, tier, status, period_start, period_end,
	sessions_used, credit_applied_amount, payment_reference, processor_subscription_id`

func scanSubscription(row interface{ Scan(...any) error }) (*Subscription, error) {
	var s Subscription
	err := row.Scan(&s.ID, &s.ClientID, &s.Tier, &s.Status, &s.PeriodStart, &s.PeriodEnd,
		&s.SessionsUsed, &s.CreditAppliedAmount, &s.PaymentReference, &s.ProcessorSubRef)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// Create inserts an active subscription. The mirrored active_client_id column
// turns a double-activation race into a duplicate-key error.
func (r *Repository) Create(ctx context.Context, s *Subscription) error {
	var ref, procRef any
	if s.PaymentReference != nil {
		ref = *s.PaymentReference
	}
	if s.ProcessorSubRef != nil {
		procRef = *s.ProcessorSubRef
	}
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO subscriptions (client_id, active_client_id, tier, status, period_start, period_end, sessions_used, credit_applied_amount, payment_reference, processor_subscription_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ClientID, s.ClientID, s.Tier, StatusActive, s.PeriodStart, s.PeriodEnd,
		s.SessionsUsed, s.CreditAppliedAmount, ref, procRef)
	if err != nil {
		var me *mysql.MySQLError
		if errors.As(err, &me) && me.Number == 1062 {
			return ErrAlreadyActive
		}
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	s.ID = int(id)
	s.Status = StatusActive
	return nil
}

func (r *Repository) GetByID(ctx context.Context, id int) (*Subscription, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id=? LIMIT 1`, id)
	return scanSubscription(row)
}

// ActiveByClient returns the client's active subscription or nil; absence is
// a normal state, not an error.
func (r *Repository) ActiveByClient(ctx context.Context, clientID int) (*Subscription, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE client_id=? AND status=? LIMIT 1`,
		clientID, StatusActive)
	return scanSubscription(row)
}

func (r *Repository) ByPaymentReference(ctx context.Context, reference string) (*Subscription, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE payment_reference=? LIMIT 1`,
		reference)
	return scanSubscription(row)
}

// ByProcessorReference looks a subscription up by the processor's own
// subscription id, the key recurring billing events carry.
func (r *Repository) ByProcessorReference(ctx context.Context, reference string) (*Subscription, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE processor_subscription_id=? LIMIT 1`,
		reference)
	return scanSubscription(row)
}

// ConsumeSession bumps the period usage, but only while the count is under
// the limit; limit 0 means unconstrained. The conditional UPDATE is the same
// race arbiter the evaluation transitions use.
func (r *Repository) ConsumeSession(ctx context.Context, id, limit int) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE subscriptions SET sessions_used = sessions_used + 1
		 WHERE id=? AND status=? AND (? = 0 OR sessions_used < ?)`,
		id, StatusActive, limit, limit)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RenewPeriod rolls the billing window forward and resets usage.
func (r *Repository) RenewPeriod(ctx context.Context, id int, start, end time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE subscriptions SET period_start=?, period_end=?, sessions_used=0
		 WHERE id=? AND status=?`,
		start, end, id, StatusActive)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Close moves an active subscription to cancelled or expired and frees the
// active slot for the client.
func (r *Repository) Close(ctx context.Context, id int, to Status) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE subscriptions SET status=?, active_client_id=NULL WHERE id=? AND status=?`,
		to, id, StatusActive)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// attachPlan denormalizes the catalog entry onto the subscription for
// responses.
func attachPlan(s *Subscription, catalog *pricing.Catalog) {
	if s == nil || catalog == nil {
		return
	}
	if t, ok := catalog.Get(s.Tier); ok {
		s.Plan = &t
	}
}
