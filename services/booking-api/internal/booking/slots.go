package booking

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/md-rashed-zaman/apptbook/services/booking-api/internal/apperr"
	"github.com/md-rashed-zaman/apptbook/services/booking-api/internal/availability"
)

type SlotsQuery struct {
	StaffID      string
	ServiceID    string
	Date         string // YYYY-MM-DD, UTC
	WorkdayStart string // HH:MM, default 09:00
	WorkdayEnd   string // HH:MM, default 17:00
	StepMinutes  int    // default: the service duration
}

// FreeSlots lists the start windows on a day where the service could still be booked
// with the staff member.
func (s *Service) FreeSlots(ctx context.Context, q SlotsQuery) ([]availability.Interval, error) {
	if strings.TrimSpace(q.StaffID) == "" || strings.TrimSpace(q.ServiceID) == "" || strings.TrimSpace(q.Date) == "" {
		return nil, apperr.Validation("staffId, serviceId and date are required")
	}
	if q.WorkdayStart == "" {
		q.WorkdayStart = "09:00"
	}
	if q.WorkdayEnd == "" {
		q.WorkdayEnd = "17:00"
	}
	workday, ok := availability.Workday(q.Date, q.WorkdayStart, q.WorkdayEnd)
	if !ok {
		return nil, apperr.Validation("invalid date or workday bounds")
	}
	if q.StepMinutes < 0 {
		return nil, apperr.Validation("stepMinutes must be positive")
	}

	svc, err := s.findService(ctx, q.ServiceID)
	if err != nil {
		return nil, err
	}
	duration := time.Duration(svc.DurationMin) * time.Minute
	if duration <= 0 {
		return nil, fmt.Errorf("service %s has no duration", svc.ID)
	}
	step := time.Duration(q.StepMinutes) * time.Minute
	if step == 0 {
		step = duration
	}

	lctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	booked, err := s.store.ListBlocking(lctx, q.StaffID, workday.Start, workday.End)
	if err != nil {
		return nil, dependency("list appointments", err)
	}
	busy := make([]availability.Interval, 0, len(booked))
	for _, a := range booked {
		busy = append(busy, availability.Interval{Start: a.StartTs, End: a.EndTs})
	}
	return availability.FreeSlots(workday, duration, step, busy, s.now()), nil
}
