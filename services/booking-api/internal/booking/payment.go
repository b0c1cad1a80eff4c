package booking

import (
	"context"
	"errors"

	"github.com/md-rashed-zaman/apptbook/services/booking-api/internal/apperr"
	"github.com/md-rashed-zaman/apptbook/services/booking-api/internal/model"
	"github.com/md-rashed-zaman/apptbook/services/booking-api/internal/payments"
	"github.com/md-rashed-zaman/apptbook/services/booking-api/internal/storage"
)

// PaymentResult values reported for webhook deliveries.
const (
	PaymentRecorded  = "recorded"
	PaymentConfirmed = "confirmed"
	PaymentDuplicate = "duplicate"
)

// HandlePaymentSucceeded records a verified payment_intent.succeeded event once and
// confirms the appointment named in its metadata. A redelivered event still attempts the
// confirmation, so a delivery whose confirmation failed after the event was recorded is
// completed by Stripe's retry; confirming an already confirmed appointment changes nothing.
func (s *Service) HandlePaymentSucceeded(ctx context.Context, evt payments.IntentEvent, raw []byte) (string, error) {
	rctx, cancel := context.WithTimeout(ctx, s.timeout)
	err := s.store.RecordPaymentEvent(rctx, storage.PaymentEvent{
		ID:              evt.EventID,
		Type:            evt.Type,
		PaymentIntentID: evt.PaymentIntentID,
		AppointmentID:   evt.AppointmentID,
		AmountCents:     evt.AmountCents,
		Currency:        evt.Currency,
		Payload:         raw,
	})
	cancel()
	duplicate := errors.Is(err, storage.ErrDuplicateEvent)
	if err != nil && !duplicate {
		return "", dependency("record payment event", err)
	}

	unchanged := PaymentRecorded
	if duplicate {
		unchanged = PaymentDuplicate
		s.logger.InfoContext(ctx, "payment event redelivered", "stripe_event_id", evt.EventID)
	} else {
		s.logger.InfoContext(ctx, "payment succeeded",
			"stripe_event_id", evt.EventID,
			"payment_intent_id", evt.PaymentIntentID,
			"appointment_id", evt.AppointmentID,
			"amount_cents", evt.AmountCents,
		)
	}
	if evt.AppointmentID == "" {
		return unchanged, nil
	}

	appt, changed, err := s.transition(ctx, evt.AppointmentID, model.StatusConfirmed, "")
	if err != nil {
		switch apperr.KindOf(err) {
		case apperr.KindNotFound, apperr.KindConflict:
			// Paid for an appointment that is gone or cancelled; the event stays recorded
			// for reconciliation.
			if !duplicate {
				s.logger.WarnContext(ctx, "payment for appointment that cannot be confirmed",
					"appointment_id", evt.AppointmentID, "payment_intent_id", evt.PaymentIntentID, "err", err)
			}
			return unchanged, nil
		}
		return "", err
	}
	if !changed {
		return unchanged, nil
	}
	s.logger.InfoContext(ctx, "appointment confirmed", "appointment_id", appt.ID, "stripe_event_id", evt.EventID)
	return PaymentConfirmed, nil
}
