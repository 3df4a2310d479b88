package cursor

import (
	"fmt"
	"time"
)

// DateLayout is the calendar date format of filters and the CLI.
const DateLayout = "2006-01-02"

// Filters narrow an ingest run. From and To are inclusive calendar days in
// UTC; zero means unbounded. Limit caps newly written messages, 0 means no cap.
type Filters struct {
	From, To  time.Time
	SkipMedia bool
	Limit     int
}

// ParseDate parses a YYYY-MM-DD day. Empty input yields the zero time.
func ParseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("cursor: parse date %q: %w", s, err)
	}
	return t, nil
}

// Contains reports whether t falls within the inclusive day range.
func (f Filters) Contains(t time.Time) bool {
	t = t.UTC()
	if !f.From.IsZero() && t.Before(startOfDay(f.From)) {
		return false
	}
	if !f.To.IsZero() && !t.Before(startOfDay(f.To).AddDate(0, 0, 1)) {
		return false
	}
	return true
}

func (f Filters) validate() error {
	if f.Limit < 0 {
		return fmt.Errorf("cursor: negative limit %d", f.Limit)
	}
	if !f.From.IsZero() && !f.To.IsZero() && startOfDay(f.To).Before(startOfDay(f.From)) {
		return fmt.Errorf("cursor: date range ends (%s) before it starts (%s)",
			f.To.Format(DateLayout), f.From.Format(DateLayout))
	}
	return nil
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
