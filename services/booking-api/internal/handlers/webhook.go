package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/md-rashed-zaman/apptbook/libs/httpx"
	"github.com/md-rashed-zaman/apptbook/libs/metrics"
	"github.com/md-rashed-zaman/apptbook/services/booking-api/internal/apperr"
	"github.com/md-rashed-zaman/apptbook/services/booking-api/internal/payments"
)

const webhookBodyLimit = 1 << 20

type PaymentEventHandler interface {
	HandlePaymentSucceeded(ctx context.Context, evt payments.IntentEvent, raw []byte) (string, error)
}

// WebhookHandler receives Stripe webhooks. The signature is the authentication.
type WebhookHandler struct {
	verifier *payments.WebhookVerifier
	events   PaymentEventHandler
	logger   *slog.Logger
	metrics  *metrics.Collector
}

func NewWebhookHandler(verifier *payments.WebhookVerifier, events PaymentEventHandler, logger *slog.Logger, m *metrics.Collector) *WebhookHandler {
	return &WebhookHandler{verifier: verifier, events: events, logger: logger, metrics: m}
}

func (h *WebhookHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhook", h.Stripe)
}

func (h *WebhookHandler) Stripe(w http.ResponseWriter, r *http.Request) {
	if !h.verifier.Configured() {
		writeError(w, r, h.logger, apperr.Dependency("stripe webhook not configured", nil))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, webhookBodyLimit))
	if err != nil {
		writeError(w, r, h.logger, apperr.Validation("failed to read request body"))
		return
	}

	evt, err := h.verifier.Verify(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.logger.WarnContext(r.Context(), "stripe webhook rejected", "err", err)
		h.count("unknown", "invalid_signature")
		writeError(w, r, h.logger, apperr.Signature("webhook signature verification failed", err))
		return
	}

	evtType := string(evt.Type)
	h.logger.InfoContext(r.Context(), "stripe event received", "stripe_event_id", evt.ID, "event_type", evtType)

	result := "ignored"
	if evtType == payments.EventPaymentIntentSucceeded {
		ie, err := payments.ParseIntentEvent(evt)
		if err != nil {
			h.count(evtType, "invalid_payload")
			writeError(w, r, h.logger, apperr.Validation("invalid payment intent payload"))
			return
		}
		result, err = h.events.HandlePaymentSucceeded(r.Context(), ie, body)
		if err != nil {
			// Non-2xx makes Stripe redeliver.
			h.count(evtType, "error")
			writeError(w, r, h.logger, err)
			return
		}
	}
	h.count(evtType, result)
	httpx.WriteJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (h *WebhookHandler) count(evtType, result string) {
	if h.metrics != nil {
		h.metrics.WebhookEventsTotal.WithLabelValues(evtType, result).Inc()
	}
}
