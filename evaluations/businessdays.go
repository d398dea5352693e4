package evaluations

import "time"

// ReviewBufferDays is the review window granted to a therapist after
// assignment, and the booking horizon enforced when listing open slots.
const ReviewBufferDays = 3

// AddBusinessDays advances t by n weekdays, skipping Saturdays and Sundays.
// The time of day is preserved.
func AddBusinessDays(t time.Time, n int) time.Time {
	for n > 0 {
		t = t.AddDate(0, 0, 1)
		switch t.Weekday() {
		case time.Saturday, time.Sunday:
			continue
		}
		n--
	}
	return t
}
