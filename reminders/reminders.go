// Package reminders runs the review-deadline reminder job. The deadline is
// advisory; the job nudges the therapist by email and never moves the
// evaluation's state.
package reminders

import (
	"context"
	"log"
	"time"

	"verdantly-core/evaluations"
	"verdantly-core/therapists"

	"github.com/go-co-op/gocron"
)

// LeadTime is how far ahead of the deadline the reminder goes out.
const LeadTime = 24 * time.Hour

// EvaluationSource lists evaluations approaching their review deadline.
type EvaluationSource interface {
	DueForReminder(ctx context.Context, until time.Time) ([]evaluations.Evaluation, error)
	MarkReminderSent(ctx context.Context, id int) error
}

// TherapistSource resolves the assigned therapist's contact details.
type TherapistSource interface {
	GetTherapist(ctx context.Context, id int) (*therapists.Therapist, error)
}

// Notifier delivers the reminder.
type Notifier interface {
	ReviewDeadlineApproaching(therapistEmail, evaluationRef string, deadline time.Time) error
}

type Job struct {
	evals      EvaluationSource
	therapists TherapistSource
	notifier   Notifier
	scheduler  *gocron.Scheduler
	now        func() time.Time
}

func NewJob(evals EvaluationSource, source TherapistSource, notifier Notifier) *Job {
	return &Job{
		evals:      evals,
		therapists: source,
		notifier:   notifier,
		scheduler:  gocron.NewScheduler(time.UTC),
		now:        time.Now,
	}
}

// Start schedules the hourly sweep and runs the scheduler in the background.
func (j *Job) Start() {
	j.scheduler.Every(1).Hour().Do(j.Run)
	j.scheduler.StartAsync()
	log.Printf("[reminders][start] interval=1h lead=%s", LeadTime)
}

func (j *Job) Stop() {
	j.scheduler.Stop()
}

// Run performs one sweep. The reminder_sent flag keeps overlapping sweeps
// from double-mailing a therapist.
func (j *Job) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	due, err := j.evals.DueForReminder(ctx, j.now().Add(LeadTime))
	if err != nil {
		log.Printf("[reminders][sweep] query failed err=%v", err)
		return
	}
	for _, e := range due {
		if e.TherapistID == nil || e.ReviewDeadline == nil {
			continue
		}
		t, err := j.therapists.GetTherapist(ctx, *e.TherapistID)
		if err != nil || t == nil {
			log.Printf("[reminders][sweep] therapist lookup failed evaluation_id=%d err=%v", e.ID, err)
			continue
		}
		if err := j.notifier.ReviewDeadlineApproaching(t.Email, e.Ref, *e.ReviewDeadline); err != nil {
			log.Printf("[reminders][sweep] notify failed evaluation_id=%d err=%v", e.ID, err)
			continue
		}
		if err := j.evals.MarkReminderSent(ctx, e.ID); err != nil {
			log.Printf("[reminders][sweep] mark failed evaluation_id=%d err=%v", e.ID, err)
		}
	}
	if len(due) > 0 {
		log.Printf("[reminders][sweep] processed=%d", len(due))
	}
}
