// Package booking orchestrates appointment booking: validation, availability, the
// atomic reservation and the best-effort payment and reminder side effects.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/apptbook/libs/metrics"
	otelx "github.com/md-rashed-zaman/apptbook/libs/otel"
	"github.com/md-rashed-zaman/apptbook/services/booking-api/internal/apperr"
	"github.com/md-rashed-zaman/apptbook/services/booking-api/internal/availability"
	"github.com/md-rashed-zaman/apptbook/services/booking-api/internal/model"
	"github.com/md-rashed-zaman/apptbook/services/booking-api/internal/payments"
	"github.com/md-rashed-zaman/apptbook/services/booking-api/internal/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Store is the appointment store the orchestrator needs.
type Store interface {
	availability.OverlapFinder
	FindServiceByID(ctx context.Context, id string) (model.Service, error)
	ListServices(ctx context.Context) ([]model.Service, error)
	ListBlocking(ctx context.Context, staffID string, start, end time.Time) ([]model.Appointment, error)
	CreateAppointment(ctx context.Context, appt model.Appointment) (model.Appointment, error)
	GetAppointment(ctx context.Context, id string) (model.Appointment, error)
	Transition(ctx context.Context, id string, to model.Status, reason string) (model.Appointment, bool, error)
	RecordPaymentEvent(ctx context.Context, evt storage.PaymentEvent) error
}

type ReminderScheduler interface {
	ScheduleReminders(ctx context.Context, appointmentID string, start, now time.Time) ([]model.ReminderJob, error)
	CancelReminders(ctx context.Context, appointmentID string) (int, error)
}

type Config struct {
	// DependencyTimeout bounds each call to the store, the queue or the payment processor.
	DependencyTimeout time.Duration
	DefaultCurrency   string
}

type Service struct {
	store     Store
	checker   *availability.Checker
	reminders ReminderScheduler
	payments  payments.Gateway
	logger    *slog.Logger
	metrics   *metrics.Collector
	tracer    trace.Tracer
	timeout   time.Duration
	currency  string
	now       func() time.Time
	newID     func() string
}

// NewService wires the orchestrator. gateway may be nil, in which case prepay requests
// book without a payment reference.
func NewService(store Store, reminders ReminderScheduler, gateway payments.Gateway, logger *slog.Logger, m *metrics.Collector, cfg Config) *Service {
	if cfg.DependencyTimeout <= 0 {
		cfg.DependencyTimeout = 5 * time.Second
	}
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = "usd"
	}
	return &Service{
		store:     store,
		checker:   availability.NewChecker(store),
		reminders: reminders,
		payments:  gateway,
		logger:    logger,
		metrics:   m,
		tracer:    otelx.Tracer("booking-api/booking"),
		timeout:   cfg.DependencyTimeout,
		currency:  strings.ToLower(cfg.DefaultCurrency),
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

type BookRequest struct {
	ClientID  string
	StaffID   string
	ServiceID string
	StartTs   time.Time
	Notes     string
	Prepay    bool
}

type BookResult struct {
	Appointment   model.Appointment
	PaymentIntent *payments.Intent
	Reminders     []model.ReminderJob
}

// Book reserves a slot. Steps run in order and stop at the first failure:
// validate, resolve the service, compute the window, check availability, request a
// payment intent (best effort), create the appointment atomically, schedule reminders
// (best effort). A lost race at the create step is reported as a conflict.
func (s *Service) Book(ctx context.Context, req BookRequest) (res BookResult, err error) {
	ctx, span := s.tracer.Start(ctx, "booking.Book", trace.WithAttributes(
		attribute.String("staff.id", req.StaffID),
		attribute.String("service.id", req.ServiceID),
	))
	defer func() {
		outcome := "booked"
		if err != nil {
			outcome = string(apperr.KindOf(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, apperr.Message(err))
		}
		if s.metrics != nil {
			s.metrics.BookingsTotal.WithLabelValues(outcome).Inc()
		}
		span.End()
	}()

	if missing := req.missingFields(); len(missing) > 0 {
		return BookResult{}, apperr.Validation("missing required fields: " + strings.Join(missing, ", "))
	}

	svc, err := s.findService(ctx, req.ServiceID)
	if err != nil {
		return BookResult{}, err
	}

	window, err := availability.Window(req.StartTs, svc.DurationMin)
	if err != nil {
		return BookResult{}, err
	}

	free, err := s.isAvailable(ctx, req.StaffID, window)
	if err != nil {
		return BookResult{}, err
	}
	if !free {
		return BookResult{}, apperr.Conflict("slot unavailable")
	}

	appt := model.Appointment{
		ID:         s.newID(),
		ClientID:   req.ClientID,
		StaffID:    req.StaffID,
		ServiceID:  svc.ID,
		StartTs:    window.Start.UTC(),
		EndTs:      window.End.UTC(),
		PriceCents: svc.PriceCents,
		Currency:   s.serviceCurrency(svc),
		Status:     model.StatusBooked,
		Notes:      strings.TrimSpace(req.Notes),
	}

	var intent *payments.Intent
	if req.Prepay {
		intent = s.requestPayment(ctx, appt)
		if intent != nil {
			appt.PaymentIntentID = intent.ID
		}
	}

	created, err := s.create(ctx, appt)
	if err != nil {
		if intent != nil {
			s.report(ctx, s.cancelPayment(ctx, intent.ID), "appointment_id", appt.ID)
		}
		return BookResult{}, err
	}

	jobs, outcome := s.scheduleReminders(ctx, created)
	s.report(ctx, outcome, "appointment_id", created.ID)

	s.logger.InfoContext(ctx, "appointment booked",
		"appointment_id", created.ID,
		"staff_id", created.StaffID,
		"service_id", created.ServiceID,
		"start_ts", created.StartTs.Format(time.RFC3339),
		"price_cents", created.PriceCents,
		"reminders", len(jobs),
		"prepaid", intent != nil,
	)
	return BookResult{Appointment: created, PaymentIntent: intent, Reminders: jobs}, nil
}

func (r BookRequest) missingFields() []string {
	var missing []string
	if strings.TrimSpace(r.ClientID) == "" {
		missing = append(missing, "clientId")
	}
	if strings.TrimSpace(r.StaffID) == "" {
		missing = append(missing, "staffId")
	}
	if strings.TrimSpace(r.ServiceID) == "" {
		missing = append(missing, "serviceId")
	}
	if r.StartTs.IsZero() {
		missing = append(missing, "startTs")
	}
	return missing
}

func (s *Service) serviceCurrency(svc model.Service) string {
	if c := strings.ToLower(strings.TrimSpace(svc.Currency)); c != "" {
		return c
	}
	return s.currency
}

func (s *Service) findService(ctx context.Context, id string) (model.Service, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	svc, err := s.store.FindServiceByID(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return model.Service{}, apperr.NotFound("service not found")
	}
	if err != nil {
		return model.Service{}, dependency("load service", err)
	}
	return svc, nil
}

func (s *Service) isAvailable(ctx context.Context, staffID string, window availability.Interval) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	free, err := s.checker.IsAvailable(ctx, staffID, window, model.BlockingStatuses)
	if err != nil {
		return false, dependency("check availability", err)
	}
	return free, nil
}

func (s *Service) create(ctx context.Context, appt model.Appointment) (model.Appointment, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	created, err := s.store.CreateAppointment(ctx, appt)
	if errors.Is(err, storage.ErrSlotTaken) {
		return model.Appointment{}, apperr.Conflict("slot unavailable")
	}
	if err != nil {
		return model.Appointment{}, dependency("create appointment", err)
	}
	return created, nil
}

// dependency wraps a store, queue or processor failure unless it is already classified.
func dependency(op string, err error) error {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	return apperr.Dependency(op+" failed", err)
}

func (s *Service) ListServices(ctx context.Context) ([]model.Service, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	services, err := s.store.ListServices(ctx)
	if err != nil {
		return nil, dependency("list services", err)
	}
	return services, nil
}

func (s *Service) Get(ctx context.Context, id string) (model.Appointment, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	appt, err := s.store.GetAppointment(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return model.Appointment{}, apperr.NotFound("appointment not found")
	}
	if err != nil {
		return model.Appointment{}, dependency("load appointment", err)
	}
	return appt, nil
}

// Cancel moves a booked or confirmed appointment to cancelled and removes its pending
// reminders. Cancelling an already cancelled appointment succeeds without side effects.
func (s *Service) Cancel(ctx context.Context, id, reason string) (model.Appointment, error) {
	appt, changed, err := s.transition(ctx, id, model.StatusCancelled, strings.TrimSpace(reason))
	if err != nil {
		return model.Appointment{}, err
	}
	if changed {
		s.report(ctx, s.cancelReminders(ctx, appt.ID), "appointment_id", appt.ID)
		s.logger.InfoContext(ctx, "appointment cancelled", "appointment_id", appt.ID, "reason", appt.CancelReason)
	}
	return appt, nil
}

// Confirm moves a booked appointment to confirmed.
func (s *Service) Confirm(ctx context.Context, id string) (model.Appointment, error) {
	appt, changed, err := s.transition(ctx, id, model.StatusConfirmed, "")
	if err != nil {
		return model.Appointment{}, err
	}
	if changed {
		s.logger.InfoContext(ctx, "appointment confirmed", "appointment_id", appt.ID)
	}
	return appt, nil
}

func (s *Service) transition(ctx context.Context, id string, to model.Status, reason string) (model.Appointment, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	appt, changed, err := s.store.Transition(ctx, id, to, reason)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return model.Appointment{}, false, apperr.NotFound("appointment not found")
	case errors.Is(err, storage.ErrInvalidTransition):
		return model.Appointment{}, false, apperr.Conflict(fmt.Sprintf("appointment cannot become %s", to))
	case err != nil:
		return model.Appointment{}, false, dependency("update appointment", err)
	}
	return appt, changed, nil
}
