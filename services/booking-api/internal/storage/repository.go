package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/md-rashed-zaman/apptbook/libs/db"
	"github.com/md-rashed-zaman/apptbook/services/booking-api/internal/model"
	"github.com/md-rashed-zaman/apptbook/services/booking-api/internal/outbox"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrSlotTaken         = errors.New("slot already taken")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrDuplicateEvent    = errors.New("event already recorded")
)

// Repository is the Postgres-backed appointment store.
type Repository struct {
	pool   *db.Pool
	outbox *outbox.Repository
	now    func() time.Time
}

func NewRepository(pool *db.Pool, outboxRepo *outbox.Repository) *Repository {
	return &Repository{pool: pool, outbox: outboxRepo, now: time.Now}
}

func (r *Repository) FindServiceByID(ctx context.Context, id string) (model.Service, error) {
	var svc model.Service
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, duration_min, price_cents, currency
		FROM services
		WHERE id = $1
	`, id).Scan(&svc.ID, &svc.Name, &svc.DurationMin, &svc.PriceCents, &svc.Currency)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Service{}, ErrNotFound
	}
	return svc, err
}

func (r *Repository) ListServices(ctx context.Context) ([]model.Service, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, duration_min, price_cents, currency
		FROM services
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	services := []model.Service{}
	for rows.Next() {
		var svc model.Service
		if err := rows.Scan(&svc.ID, &svc.Name, &svc.DurationMin, &svc.PriceCents, &svc.Currency); err != nil {
			return nil, err
		}
		services = append(services, svc)
	}
	return services, rows.Err()
}

// FindOverlapping returns one appointment of staffID in one of statuses whose window
// overlaps [start, end), using the half-open rule: existing.start < end AND existing.end > start.
func (r *Repository) FindOverlapping(ctx context.Context, staffID string, start, end time.Time, statuses []model.Status) (model.Appointment, bool, error) {
	return findOverlapping(ctx, r.pool, staffID, start, end, statuses)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func findOverlapping(ctx context.Context, q querier, staffID string, start, end time.Time, statuses []model.Status) (model.Appointment, bool, error) {
	row := q.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE staff_id = $1
			AND status = ANY($2)
			AND start_ts < $4
			AND end_ts > $3
		LIMIT 1
	`, staffID, statusStrings(statuses), start, end)
	appt, err := scanAppointment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Appointment{}, false, nil
	}
	if err != nil {
		return model.Appointment{}, false, err
	}
	return appt, true, nil
}

// ListBlocking returns the blocking appointments of staffID overlapping [start, end) in start order.
func (r *Repository) ListBlocking(ctx context.Context, staffID string, start, end time.Time) ([]model.Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE staff_id = $1
			AND status = ANY($2)
			AND start_ts < $4
			AND end_ts > $3
		ORDER BY start_ts ASC
	`, staffID, statusStrings(model.BlockingStatuses), start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var appts []model.Appointment
	for rows.Next() {
		appt, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		appts = append(appts, appt)
	}
	return appts, rows.Err()
}

// CreateAppointment inserts appt with status booked if no blocking appointment of the same
// staff member overlaps its window. The overlap re-check and the insert share a transaction
// and the appointments_no_overlap exclusion constraint rejects a concurrent racing insert,
// so at most one of two overlapping bookings commits. Both cases return ErrSlotTaken.
// The booked event is written to the outbox in the same transaction.
func (r *Repository) CreateAppointment(ctx context.Context, appt model.Appointment) (model.Appointment, error) {
	appt.Status = model.StatusBooked
	err := r.pool.InTx(ctx, func(tx pgx.Tx) error {
		if _, found, err := findOverlapping(ctx, tx, appt.StaffID, appt.StartTs, appt.EndTs, model.BlockingStatuses); err != nil {
			return err
		} else if found {
			return ErrSlotTaken
		}

		err := tx.QueryRow(ctx, `
			INSERT INTO appointments
				(id, client_id, staff_id, service_id, start_ts, end_ts, price_cents, currency, status, notes, payment_intent_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING created_at, updated_at
		`, appt.ID, appt.ClientID, appt.StaffID, appt.ServiceID, appt.StartTs, appt.EndTs,
			appt.PriceCents, appt.Currency, string(appt.Status), appt.Notes, appt.PaymentIntentID,
		).Scan(&appt.CreatedAt, &appt.UpdatedAt)
		if err != nil {
			return err
		}
		return r.writeAppointmentEvent(ctx, tx, outbox.EventAppointmentBooked, appt)
	})
	if err != nil {
		if IsExclusionViolation(err) {
			return model.Appointment{}, ErrSlotTaken
		}
		return model.Appointment{}, err
	}
	return appt, nil
}

func (r *Repository) GetAppointment(ctx context.Context, id string) (model.Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	appt, err := scanAppointment(row)
	if errors.Is(err, pgx.ErrNoRows) || isInvalidText(err) {
		return model.Appointment{}, ErrNotFound
	}
	return appt, err
}

// Transition moves the appointment to status to when the lifecycle allows it and records
// the matching outbox event. Moving to the current status is a no-op that returns the row
// unchanged with changed=false.
func (r *Repository) Transition(ctx context.Context, id string, to model.Status, reason string) (appt model.Appointment, changed bool, err error) {
	err = r.pool.InTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT `+appointmentColumns+`
			FROM appointments
			WHERE id = $1
			FOR UPDATE
		`, id)
		current, err := scanAppointment(row)
		if err != nil {
			return err
		}
		appt = current
		if current.Status == to {
			return nil
		}
		if !current.Status.CanTransition(to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, to)
		}

		var (
			status       string
			cancelledAt  *time.Time
			cancelReason *string
		)
		if to == model.StatusCancelled {
			ts := r.now().UTC()
			cancelledAt = &ts
			cancelReason = &reason
		}
		err = tx.QueryRow(ctx, `
			UPDATE appointments
			SET status = $2,
				cancelled_at = COALESCE($3, cancelled_at),
				cancellation_reason = COALESCE($4, cancellation_reason),
				updated_at = now()
			WHERE id = $1
			RETURNING status, cancelled_at, COALESCE(cancellation_reason, ''), updated_at
		`, id, string(to), cancelledAt, cancelReason).Scan(&status, &appt.CancelledAt, &appt.CancelReason, &appt.UpdatedAt)
		if err != nil {
			return err
		}
		appt.Status = model.Status(status)
		changed = true

		switch to {
		case model.StatusConfirmed:
			return r.writeAppointmentEvent(ctx, tx, outbox.EventAppointmentConfirmed, appt)
		case model.StatusCancelled:
			return r.writeAppointmentEvent(ctx, tx, outbox.EventAppointmentCancelled, appt)
		}
		return nil
	})
	if errors.Is(err, pgx.ErrNoRows) || isInvalidText(err) {
		return model.Appointment{}, false, ErrNotFound
	}
	if err != nil {
		return model.Appointment{}, false, err
	}
	return appt, changed, nil
}

// PaymentEvent is a verified payment processor webhook event.
type PaymentEvent struct {
	ID              string
	Type            string
	PaymentIntentID string
	AppointmentID   string
	AmountCents     int64
	Currency        string
	Payload         []byte
}

// RecordPaymentEvent stores evt once. A redelivered event returns ErrDuplicateEvent.
func (r *Repository) RecordPaymentEvent(ctx context.Context, evt PaymentEvent) error {
	return r.pool.InTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO payment_events (stripe_event_id, event_type, payment_intent_id, appointment_id, payload)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (stripe_event_id) DO NOTHING
		`, evt.ID, evt.Type, evt.PaymentIntentID, evt.AppointmentID, evt.Payload)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrDuplicateEvent
		}
		out, err := outbox.NewEvent(outbox.AggregatePayment, evt.PaymentIntentID, outbox.EventPaymentSucceeded, outbox.PaymentPayload{
			StripeEventID:   evt.ID,
			PaymentIntentID: evt.PaymentIntentID,
			AppointmentID:   evt.AppointmentID,
			AmountCents:     evt.AmountCents,
			Currency:        evt.Currency,
		})
		if err != nil {
			return err
		}
		return r.outbox.Insert(ctx, tx, out)
	})
}

// EnqueueEvent writes a standalone outbox event, e.g. a due reminder.
func (r *Repository) EnqueueEvent(ctx context.Context, evt outbox.Event) error {
	return r.pool.InTx(ctx, func(tx pgx.Tx) error {
		return r.outbox.Insert(ctx, tx, evt)
	})
}

func (r *Repository) writeAppointmentEvent(ctx context.Context, tx pgx.Tx, eventType string, appt model.Appointment) error {
	evt, err := outbox.NewEvent(outbox.AggregateAppointment, appt.ID, eventType, AppointmentPayload(appt, r.now()))
	if err != nil {
		return err
	}
	return r.outbox.Insert(ctx, tx, evt)
}

// AppointmentPayload builds the outbox payload describing appt.
func AppointmentPayload(appt model.Appointment, at time.Time) outbox.AppointmentPayload {
	return outbox.AppointmentPayload{
		AppointmentID:   appt.ID,
		ClientID:        appt.ClientID,
		StaffID:         appt.StaffID,
		ServiceID:       appt.ServiceID,
		StartTs:         appt.StartTs.UTC().Format(time.RFC3339),
		EndTs:           appt.EndTs.UTC().Format(time.RFC3339),
		PriceCents:      appt.PriceCents,
		Currency:        appt.Currency,
		Status:          string(appt.Status),
		PaymentIntentID: appt.PaymentIntentID,
		Reason:          appt.CancelReason,
		OccurredAt:      at.UTC().Format(time.RFC3339),
	}
}

const appointmentColumns = `id::text, client_id, staff_id, service_id, start_ts, end_ts, price_cents, currency,
			status, notes, payment_intent_id, cancelled_at, COALESCE(cancellation_reason, ''), created_at, updated_at`

func scanAppointment(row pgx.Row) (model.Appointment, error) {
	var appt model.Appointment
	var status string
	err := row.Scan(
		&appt.ID,
		&appt.ClientID,
		&appt.StaffID,
		&appt.ServiceID,
		&appt.StartTs,
		&appt.EndTs,
		&appt.PriceCents,
		&appt.Currency,
		&status,
		&appt.Notes,
		&appt.PaymentIntentID,
		&appt.CancelledAt,
		&appt.CancelReason,
		&appt.CreatedAt,
		&appt.UpdatedAt,
	)
	appt.Status = model.Status(status)
	return appt, err
}

func statusStrings(statuses []model.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// IsExclusionViolation reports whether err is a Postgres exclusion constraint violation (23P01).
func IsExclusionViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23P01"
}

// isInvalidText reports a malformed uuid in a lookup, which can never match a row.
func isInvalidText(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "22P02"
}
