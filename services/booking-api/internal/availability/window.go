package availability

import (
	"time"

	"github.com/md-rashed-zaman/apptbook/services/booking-api/internal/apperr"
)

// Interval is a half-open time range [Start, End).
type Interval struct {
	Start time.Time
	End   time.Time
}

// Overlaps reports whether i and o share any instant. Touching intervals do not overlap.
func (i Interval) Overlaps(o Interval) bool {
	return i.Start.Before(o.End) && i.End.After(o.Start)
}

func (i Interval) Duration() time.Duration {
	return i.End.Sub(i.Start)
}

// Window computes the appointment interval for a service of the given duration.
func Window(start time.Time, durationMinutes int) (Interval, error) {
	if start.IsZero() {
		return Interval{}, apperr.Validation("invalid start time")
	}
	if durationMinutes <= 0 {
		return Interval{}, apperr.Validation("service duration must be positive")
	}
	return Interval{Start: start, End: start.Add(time.Duration(durationMinutes) * time.Minute)}, nil
}
