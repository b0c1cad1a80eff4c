package reminders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/md-rashed-zaman/apptbook/libs/metrics"
	otelx "github.com/md-rashed-zaman/apptbook/libs/otel"
	"github.com/md-rashed-zaman/apptbook/services/booking-api/internal/model"
)

// Offset is how long before the appointment start a reminder fires.
type Offset struct {
	Kind   string
	Before time.Duration
}

// DefaultOffsets fire 24 hours and 2 hours before the appointment.
var DefaultOffsets = []Offset{
	{Kind: "24h-before", Before: 24 * time.Hour},
	{Kind: "2h-before", Before: 2 * time.Hour},
}

// ParseOffsets parses whole minutes before start, e.g. "1440,120". Duplicates are
// dropped and the result is ordered earliest fire time first.
func ParseOffsets(minutes []string) ([]Offset, error) {
	seen := map[int]bool{}
	var offsets []Offset
	for _, raw := range minutes {
		m, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || m <= 0 {
			return nil, fmt.Errorf("invalid reminder offset %q (want positive minutes)", raw)
		}
		if seen[m] {
			continue
		}
		seen[m] = true
		offsets = append(offsets, Offset{Kind: offsetKind(m), Before: time.Duration(m) * time.Minute})
	}
	if len(offsets) == 0 {
		return nil, errors.New("no reminder offsets configured")
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i].Before > offsets[j].Before })
	return offsets, nil
}

func offsetKind(minutes int) string {
	if minutes%60 == 0 {
		return strconv.Itoa(minutes/60) + "h-before"
	}
	return strconv.Itoa(minutes) + "m-before"
}

// JobID is the deterministic id of the reminder of kind for an appointment. Scheduling
// the same appointment twice therefore cannot create duplicate jobs.
func JobID(appointmentID, kind string) string {
	return appointmentID + ":" + kind
}

type Scheduler struct {
	queue   Queue
	offsets []Offset
	logger  *slog.Logger
	metrics *metrics.Collector
}

func NewScheduler(queue Queue, offsets []Offset, logger *slog.Logger, m *metrics.Collector) *Scheduler {
	if len(offsets) == 0 {
		offsets = DefaultOffsets
	}
	return &Scheduler{queue: queue, offsets: offsets, logger: logger, metrics: m}
}

func (s *Scheduler) Offsets() []Offset {
	return s.offsets
}

// Plan computes the reminder jobs for an appointment starting at start. Candidates whose
// fire time is not after now are left out. It has no side effects.
func (s *Scheduler) Plan(appointmentID string, start, now time.Time) (jobs []model.ReminderJob, skipped []string) {
	for _, off := range s.offsets {
		fireAt := start.Add(-off.Before)
		if !fireAt.After(now) {
			skipped = append(skipped, off.Kind)
			continue
		}
		jobs = append(jobs, model.ReminderJob{
			ID:            JobID(appointmentID, off.Kind),
			AppointmentID: appointmentID,
			Kind:          off.Kind,
			FireAt:        fireAt.UTC(),
			Delay:         fireAt.Sub(now),
		})
	}
	return jobs, skipped
}

// ScheduleReminders enqueues one delayed job per planned reminder and returns the jobs
// that are pending afterwards. A job that was already pending counts as scheduled.
// Failed enqueues are joined into the returned error; the other jobs are still attempted.
func (s *Scheduler) ScheduleReminders(ctx context.Context, appointmentID string, start, now time.Time) ([]model.ReminderJob, error) {
	planned, skipped := s.Plan(appointmentID, start, now)
	if len(skipped) > 0 {
		s.logger.Debug("reminders skipped", "appointment_id", appointmentID, "kinds", skipped)
	}
	if s.metrics != nil {
		for _, kind := range skipped {
			s.metrics.RemindersSkipped.WithLabelValues(kind).Inc()
		}
	}

	traceparent, tracestate := otelx.TraceContextStrings(ctx)
	var scheduled []model.ReminderJob
	var errs []error
	for _, job := range planned {
		job.Traceparent, job.Tracestate = traceparent, tracestate
		created, err := s.queue.Enqueue(ctx, job)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !created {
			s.logger.Debug("reminder already pending", "job_id", job.ID)
		} else if s.metrics != nil {
			s.metrics.RemindersScheduled.WithLabelValues(job.Kind).Inc()
		}
		scheduled = append(scheduled, job)
	}
	return scheduled, errors.Join(errs...)
}

func (s *Scheduler) CancelReminders(ctx context.Context, appointmentID string) (int, error) {
	return s.queue.CancelByAppointment(ctx, appointmentID)
}
