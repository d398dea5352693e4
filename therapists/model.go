package therapists

import "time"

// Credential is the therapist's license level. It caps the session rate and
// drives the cancellation-fee rule.
type Credential string

const (
	CredentialSLP  Credential = "SLP"
	CredentialSLPA Credential = "SLPA"
)

// MaxRate returns the per-session rate cap for the credential.
func (c Credential) MaxRate() float64 {
	if c == CredentialSLPA {
		return 55
	}
	return 75
}

type Therapist struct {
	ID         int        `json:"id"`
	Name       string     `json:"name"`
	Email      string     `json:"email"`
	Phone      string     `json:"phone"`
	Credential Credential `json:"credential"`
	HourlyRate float64    `json:"hourly_rate"`
	PhotoURL   string     `json:"photo_url"`
	Active     bool       `json:"active"`
}

const (
	SlotAvailable = "available"
	SlotBooked    = "booked"
)

// Slot is a bookable block on a therapist's calendar. Slots are published by
// the therapist and claimed by exactly one evaluation or session.
type Slot struct {
	ID              int       `json:"id"`
	TherapistID     int       `json:"therapist_id"`
	StartsAt        time.Time `json:"starts_at"`
	DurationMinutes int       `json:"duration_minutes"`
	Status          string    `json:"status"`
	EvaluationID    *int      `json:"evaluation_id,omitempty"`
	SessionID       *int      `json:"session_id,omitempty"`
}

// Availability pairs a therapist with their open slots.
type Availability struct {
	Therapist Therapist `json:"therapist"`
	Slots     []Slot    `json:"slots"`
}

// ClaimRef records which entity is taking a slot. Exactly one field is set.
type ClaimRef struct {
	EvaluationID *int
	SessionID    *int
}
