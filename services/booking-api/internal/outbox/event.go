package outbox

import (
	"encoding/json"
	"fmt"
)

// Event types. The Kafka topic name equals the event type.
const (
	EventAppointmentBooked    = "booking.appointment.booked.v1"
	EventAppointmentConfirmed = "booking.appointment.confirmed.v1"
	EventAppointmentCancelled = "booking.appointment.cancelled.v1"
	EventReminderDue          = "booking.reminder.due.v1"
	EventPaymentSucceeded     = "billing.payment_intent.succeeded.v1"

	AggregateAppointment = "appointment"
	AggregatePayment     = "payment_intent"
)

// Event is the domain event envelope written to the outbox table.
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

func NewEvent(aggregateType, aggregateID, eventType string, payload any) (Event, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Event{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       b,
	}, nil
}

// AppointmentPayload is published for booked, confirmed and cancelled appointments.
type AppointmentPayload struct {
	AppointmentID   string `json:"appointment_id"`
	ClientID        string `json:"client_id"`
	StaffID         string `json:"staff_id"`
	ServiceID       string `json:"service_id"`
	StartTs         string `json:"start_ts"`
	EndTs           string `json:"end_ts"`
	PriceCents      int64  `json:"price_cents"`
	Currency        string `json:"currency"`
	Status          string `json:"status"`
	PaymentIntentID string `json:"payment_intent_id,omitempty"`
	Reason          string `json:"reason,omitempty"`
	OccurredAt      string `json:"occurred_at"`
}

type ReminderPayload struct {
	JobID         string `json:"job_id"`
	Queue         string `json:"queue"`
	Job           string `json:"job"`
	AppointmentID string `json:"appointment_id"`
	Kind          string `json:"kind"`
	ClientID      string `json:"client_id"`
	StaffID       string `json:"staff_id"`
	StartTs       string `json:"start_ts"`
	FireAt        string `json:"fire_at"`
}

type PaymentPayload struct {
	StripeEventID   string `json:"stripe_event_id"`
	PaymentIntentID string `json:"payment_intent_id"`
	AppointmentID   string `json:"appointment_id,omitempty"`
	AmountCents     int64  `json:"amount_cents"`
	Currency        string `json:"currency"`
}
