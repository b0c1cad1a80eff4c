package availability

import (
	"context"
	"time"

	"github.com/md-rashed-zaman/apptbook/services/booking-api/internal/model"
)

// OverlapFinder answers whether a staff member has an appointment in one of the given
// statuses overlapping [start, end). It must stop at the first match.
type OverlapFinder interface {
	FindOverlapping(ctx context.Context, staffID string, start, end time.Time, statuses []model.Status) (model.Appointment, bool, error)
}

type Checker struct {
	finder OverlapFinder
}

func NewChecker(finder OverlapFinder) *Checker {
	return &Checker{finder: finder}
}

func (c *Checker) IsAvailable(ctx context.Context, staffID string, window Interval, blocking []model.Status) (bool, error) {
	if len(blocking) == 0 {
		blocking = model.BlockingStatuses
	}
	_, found, err := c.finder.FindOverlapping(ctx, staffID, window.Start, window.End, blocking)
	if err != nil {
		return false, err
	}
	return !found, nil
}
