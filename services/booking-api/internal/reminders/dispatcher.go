package reminders

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/apptbook/libs/metrics"
	otelx "github.com/md-rashed-zaman/apptbook/libs/otel"
	"github.com/md-rashed-zaman/apptbook/services/booking-api/internal/model"
	"github.com/md-rashed-zaman/apptbook/services/booking-api/internal/outbox"
	"github.com/md-rashed-zaman/apptbook/services/booking-api/internal/storage"
)

type AppointmentReader interface {
	GetAppointment(ctx context.Context, id string) (model.Appointment, error)
}

// EventSink stores a domain event for the outbox publisher.
type EventSink interface {
	EnqueueEvent(ctx context.Context, evt outbox.Event) error
}

// Dispatcher turns due reminder jobs into booking.reminder.due.v1 events.
type Dispatcher struct {
	queue       Queue
	appts       AppointmentReader
	sink        EventSink
	logger      *slog.Logger
	metrics     *metrics.Collector
	interval    time.Duration
	batchSize   int
	backoff     time.Duration
	maxAttempts int
	now         func() time.Time
}

type DispatcherConfig struct {
	Interval    time.Duration
	BatchSize   int
	Backoff     time.Duration
	MaxAttempts int
}

func NewDispatcher(queue Queue, appts AppointmentReader, sink EventSink, logger *slog.Logger, m *metrics.Collector, cfg DispatcherConfig) *Dispatcher {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 1 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &Dispatcher{
		queue:       queue,
		appts:       appts,
		sink:        sink,
		logger:      logger,
		metrics:     m,
		interval:    cfg.Interval,
		batchSize:   cfg.BatchSize,
		backoff:     cfg.Backoff,
		maxAttempts: cfg.MaxAttempts,
		now:         time.Now,
	}
}

func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.DispatchDue(ctx); err != nil {
				d.logger.Error("reminder dispatch failed", "err", err)
			}
		}
	}
}

// Dispatch results.
const (
	ResultSent       = "sent"
	ResultSkipped    = "skipped"
	ResultOrphaned   = "orphaned"
	ResultRetried    = "retried"
	ResultDeadLetter = "dead_letter"
)

// DispatchDue processes one batch of due jobs and returns how many it claimed.
func (d *Dispatcher) DispatchDue(ctx context.Context) (int, error) {
	jobs, err := d.queue.ClaimDue(ctx, d.now(), d.batchSize)
	if err != nil {
		return 0, err
	}
	for _, job := range jobs {
		jobCtx := otelx.ContextWithTraceContext(ctx, job.Traceparent, job.Tracestate)
		result := d.dispatch(jobCtx, job)
		if d.metrics != nil {
			d.metrics.RemindersDispatched.WithLabelValues(result).Inc()
		}
	}
	return len(jobs), nil
}

func (d *Dispatcher) dispatch(ctx context.Context, job model.ReminderJob) string {
	appt, err := d.appts.GetAppointment(ctx, job.AppointmentID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		d.complete(ctx, job)
		return ResultOrphaned
	case err != nil:
		return d.retry(ctx, job, err)
	case !appt.Status.Blocking():
		d.logger.Info("reminder dropped", "job_id", job.ID, "status", appt.Status)
		d.complete(ctx, job)
		return ResultSkipped
	}

	evt, err := outbox.NewEvent(outbox.AggregateAppointment, appt.ID, outbox.EventReminderDue, outbox.ReminderPayload{
		JobID:         job.ID,
		Queue:         model.ReminderQueueName,
		Job:           model.ReminderJobName,
		AppointmentID: appt.ID,
		Kind:          job.Kind,
		ClientID:      appt.ClientID,
		StaffID:       appt.StaffID,
		StartTs:       appt.StartTs.UTC().Format(time.RFC3339),
		FireAt:        job.FireAt.UTC().Format(time.RFC3339),
	})
	if err == nil {
		err = d.sink.EnqueueEvent(ctx, evt)
	}
	if err != nil {
		return d.retry(ctx, job, err)
	}
	d.complete(ctx, job)
	d.logger.Info("reminder due", "job_id", job.ID, "appointment_id", appt.ID, "kind", job.Kind)
	return ResultSent
}

func (d *Dispatcher) retry(ctx context.Context, job model.ReminderJob, cause error) string {
	job.Attempts++
	if job.Attempts >= d.maxAttempts {
		d.logger.Error("reminder dead-lettered", "job_id", job.ID, "attempts", job.Attempts, "err", cause)
		d.complete(ctx, job)
		return ResultDeadLetter
	}
	next := d.now().Add(d.backoff)
	if err := d.queue.Retry(ctx, job, next); err != nil {
		d.logger.Error("reminder retry failed", "job_id", job.ID, "err", err)
		return ResultDeadLetter
	}
	d.logger.Warn("reminder retry scheduled", "job_id", job.ID, "attempts", job.Attempts, "next_run_at", next, "err", cause)
	return ResultRetried
}

func (d *Dispatcher) complete(ctx context.Context, job model.ReminderJob) {
	if err := d.queue.Complete(ctx, job); err != nil {
		d.logger.Warn("reminder completion failed", "job_id", job.ID, "err", err)
	}
}
