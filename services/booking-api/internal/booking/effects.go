package booking

import (
	"context"
	"strconv"

	"github.com/md-rashed-zaman/apptbook/services/booking-api/internal/model"
	"github.com/md-rashed-zaman/apptbook/services/booking-api/internal/payments"
)

// Side effects that must not fail a booking.
const (
	EffectPayment        = "payment"
	EffectPaymentCancel  = "payment_cancel"
	EffectReminders      = "reminders"
	EffectReminderCancel = "reminder_cancel"
)

// Outcome is the result of a best-effort side effect. The orchestrator logs it and moves on.
type Outcome struct {
	Effect string
	Err    error
	Detail string
}

func (o Outcome) OK() bool { return o.Err == nil }

func (s *Service) report(ctx context.Context, o Outcome, attrs ...any) {
	if o.OK() {
		if o.Detail != "" {
			s.logger.DebugContext(ctx, "side effect done", append([]any{"effect", o.Effect, "detail", o.Detail}, attrs...)...)
		}
		return
	}
	s.logger.WarnContext(ctx, "side effect failed", append([]any{"effect", o.Effect, "err", o.Err}, attrs...)...)
	if s.metrics != nil {
		s.metrics.SideEffectFailures.WithLabelValues(o.Effect).Inc()
	}
}

// requestPayment returns the created intent, or nil when payments are not configured or
// the processor failed. The booking proceeds either way.
func (s *Service) requestPayment(ctx context.Context, appt model.Appointment) *payments.Intent {
	if s.payments == nil {
		s.logger.InfoContext(ctx, "prepay requested but payments are not configured", "appointment_id", appt.ID)
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	intent, err := s.payments.CreateIntent(ctx, payments.IntentRequest{
		AppointmentID: appt.ID,
		ServiceID:     appt.ServiceID,
		ClientID:      appt.ClientID,
		AmountCents:   appt.PriceCents,
		Currency:      appt.Currency,
	})
	if err != nil {
		s.report(ctx, Outcome{Effect: EffectPayment, Err: err}, "appointment_id", appt.ID)
		return nil
	}
	return &intent
}

func (s *Service) cancelPayment(ctx context.Context, intentID string) Outcome {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return Outcome{Effect: EffectPaymentCancel, Err: s.payments.CancelIntent(ctx, intentID), Detail: intentID}
}

func (s *Service) scheduleReminders(ctx context.Context, appt model.Appointment) ([]model.ReminderJob, Outcome) {
	if s.reminders == nil {
		return nil, Outcome{Effect: EffectReminders}
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	jobs, err := s.reminders.ScheduleReminders(ctx, appt.ID, appt.StartTs, s.now())
	return jobs, Outcome{Effect: EffectReminders, Err: err, Detail: pluralJobs(len(jobs))}
}

func (s *Service) cancelReminders(ctx context.Context, appointmentID string) Outcome {
	if s.reminders == nil {
		return Outcome{Effect: EffectReminderCancel}
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	n, err := s.reminders.CancelReminders(ctx, appointmentID)
	return Outcome{Effect: EffectReminderCancel, Err: err, Detail: pluralJobs(n)}
}

func pluralJobs(n int) string {
	if n == 1 {
		return "1 job"
	}
	return strconv.Itoa(n) + " jobs"
}
