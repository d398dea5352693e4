package therapists

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
)

// ErrSlotUnavailable means the requested slot does not exist, is already
// claimed, or was claimed concurrently. Two racers for one slot get exactly
// one success and one of these.
var ErrSlotUnavailable = errors.New("slot unavailable")

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) GetTherapist(ctx context.Context, id int) (*Therapist, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, name, email, phone, credential, hourly_rate, photo_url, active FROM therapists WHERE id=? LIMIT 1`, id)
	var t Therapist
	if err := row.Scan(&t.ID, &t.Name, &t.Email, &t.Phone, &t.Credential, &t.HourlyRate, &t.PhotoURL, &t.Active); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

func (r *Repository) ListTherapists(ctx context.Context) ([]Therapist, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, email, phone, credential, hourly_rate, photo_url, active FROM therapists WHERE active=1 ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Therapist{}
	for rows.Next() {
		var t Therapist
		if err := rows.Scan(&t.ID, &t.Name, &t.Email, &t.Phone, &t.Credential, &t.HourlyRate, &t.PhotoURL, &t.Active); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// PublishSlot adds an available slot to a therapist's calendar. The unique
// key on (therapist_id, starts_at) rejects duplicates.
func (r *Repository) PublishSlot(ctx context.Context, therapistID int, startsAt time.Time, durationMinutes int) (*Slot, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO therapist_slots (therapist_id, starts_at, duration_minutes, status) VALUES (?, ?, ?, ?)`,
		therapistID, startsAt, durationMinutes, SlotAvailable)
	if err != nil {
		var me *mysql.MySQLError
		if errors.As(err, &me) && me.Number == 1062 {
			return nil, ErrSlotUnavailable
		}
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &Slot{ID: int(id), TherapistID: therapistID, StartsAt: startsAt, DurationMinutes: durationMinutes, Status: SlotAvailable}, nil
}

// OpenSlots lists a therapist's available slots starting at or after notBefore.
func (r *Repository) OpenSlots(ctx context.Context, therapistID int, notBefore time.Time) ([]Slot, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, therapist_id, starts_at, duration_minutes, status FROM therapist_slots
		 WHERE therapist_id=? AND status=? AND starts_at >= ? ORDER BY starts_at`,
		therapistID, SlotAvailable, notBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSlots(rows)
}

// AvailableTherapists returns active therapists that have at least one open
// slot at or after notBefore, with those slots attached.
func (r *Repository) AvailableTherapists(ctx context.Context, notBefore time.Time) ([]Availability, error) {
	therapists, err := r.ListTherapists(ctx)
	if err != nil {
		return nil, err
	}
	out := []Availability{}
	for _, t := range therapists {
		slots, err := r.OpenSlots(ctx, t.ID, notBefore)
		if err != nil {
			return nil, err
		}
		if len(slots) == 0 {
			continue
		}
		out = append(out, Availability{Therapist: t, Slots: slots})
	}
	return out, nil
}

// ClaimSlot books the slot at (therapistID, startsAt) for the given entity.
// The conditional UPDATE is the race arbiter: whichever caller flips the row
// from available to booked wins; everyone else gets ErrSlotUnavailable.
func (r *Repository) ClaimSlot(ctx context.Context, therapistID int, startsAt time.Time, ref ClaimRef) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE therapist_slots SET status=?, evaluation_id=?, session_id=?
		 WHERE therapist_id=? AND starts_at=? AND status=?`,
		SlotBooked, ref.EvaluationID, ref.SessionID, therapistID, startsAt, SlotAvailable)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSlotUnavailable
	}
	return nil
}

// ReleaseSlot reopens any slot held by the given entity, e.g. after a
// cancellation or a lost status race.
func (r *Repository) ReleaseSlot(ctx context.Context, ref ClaimRef) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE therapist_slots SET status=?, evaluation_id=NULL, session_id=NULL
		 WHERE (evaluation_id <=> ? AND ? IS NOT NULL) OR (session_id <=> ? AND ? IS NOT NULL)`,
		SlotAvailable, ref.EvaluationID, ref.EvaluationID, ref.SessionID, ref.SessionID)
	return err
}

func scanSlots(rows *sql.Rows) ([]Slot, error) {
	out := []Slot{}
	for rows.Next() {
		var s Slot
		if err := rows.Scan(&s.ID, &s.TherapistID, &s.StartsAt, &s.DurationMinutes, &s.Status); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
