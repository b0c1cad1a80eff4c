package payments

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

const EventPaymentIntentSucceeded = "payment_intent.succeeded"

var ErrMissingSignature = errors.New("missing Stripe-Signature header")

// WebhookVerifier checks Stripe-Signature headers against the endpoint secret.
type WebhookVerifier struct {
	secret    string
	tolerance time.Duration
}

func NewWebhookVerifier(secret string, tolerance time.Duration) *WebhookVerifier {
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &WebhookVerifier{secret: strings.TrimSpace(secret), tolerance: tolerance}
}

func (v *WebhookVerifier) Configured() bool {
	return v != nil && v.secret != ""
}

func (v *WebhookVerifier) Verify(payload []byte, sigHeader string) (stripe.Event, error) {
	if strings.TrimSpace(sigHeader) == "" {
		return stripe.Event{}, ErrMissingSignature
	}
	return webhook.ConstructEventWithTolerance(payload, sigHeader, v.secret, v.tolerance)
}

// IntentEvent is the part of a payment_intent.* event the booking flow acts on.
type IntentEvent struct {
	EventID         string
	Type            string
	PaymentIntentID string
	AppointmentID   string
	ServiceID       string
	ClientID        string
	AmountCents     int64
	Currency        string
	OccurredAt      time.Time
}

func ParseIntentEvent(evt stripe.Event) (IntentEvent, error) {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(evt.Data.Raw, &pi); err != nil {
		return IntentEvent{}, fmt.Errorf("decode payment intent: %w", err)
	}
	return IntentEvent{
		EventID:         evt.ID,
		Type:            string(evt.Type),
		PaymentIntentID: pi.ID,
		AppointmentID:   strings.TrimSpace(pi.Metadata["appointmentId"]),
		ServiceID:       pi.Metadata["serviceId"],
		ClientID:        pi.Metadata["clientId"],
		AmountCents:     pi.Amount,
		Currency:        string(pi.Currency),
		OccurredAt:      time.Unix(evt.Created, 0).UTC(),
	}, nil
}
