package evaluations

import (
	"testing"
	"time"
)

func TestAddBusinessDays(t *testing.T) {
	// 2026-01-05 is a Monday.
	monday := time.Date(2026, 1, 5, 10, 30, 0, 0, time.UTC)
	cases := []struct {
		name  string
		start time.Time
		n     int
		want  time.Time
	}{
		{"monday plus three lands thursday", monday, 3, monday.AddDate(0, 0, 3)},
		{"wednesday plus three skips weekend", monday.AddDate(0, 0, 2), 3, monday.AddDate(0, 0, 7)},
		{"friday plus one lands monday", monday.AddDate(0, 0, 4), 1, monday.AddDate(0, 0, 7)},
		{"saturday plus one lands monday", monday.AddDate(0, 0, 5), 1, monday.AddDate(0, 0, 7)},
		{"zero is identity", monday, 0, monday},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := AddBusinessDays(tc.start, tc.n)
			if !got.Equal(tc.want) {
				t.Fatalf("AddBusinessDays(%s, %d) = %s, want %s",
					tc.start.Format("Mon 2006-01-02"), tc.n, got.Format("Mon 2006-01-02"), tc.want.Format("Mon 2006-01-02"))
			}
			if got.Weekday() == time.Saturday || got.Weekday() == time.Sunday {
				t.Fatalf("landed on a weekend: %s", got.Weekday())
			}
		})
	}
}
