package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/md-rashed-zaman/apptbook/libs/httpx"
	"github.com/md-rashed-zaman/apptbook/services/booking-api/internal/apperr"
	"github.com/md-rashed-zaman/apptbook/services/booking-api/internal/availability"
	"github.com/md-rashed-zaman/apptbook/services/booking-api/internal/booking"
	"github.com/md-rashed-zaman/apptbook/services/booking-api/internal/model"
	"github.com/md-rashed-zaman/apptbook/services/booking-api/internal/payments"
)

// Booker is implemented by *booking.Service.
type Booker interface {
	Book(ctx context.Context, req booking.BookRequest) (booking.BookResult, error)
	Get(ctx context.Context, id string) (model.Appointment, error)
	Cancel(ctx context.Context, id, reason string) (model.Appointment, error)
	ListServices(ctx context.Context) ([]model.Service, error)
	FreeSlots(ctx context.Context, q booking.SlotsQuery) ([]availability.Interval, error)
}

type BookingHandler struct {
	booker Booker
	logger *slog.Logger
}

func NewBookingHandler(booker Booker, logger *slog.Logger) *BookingHandler {
	return &BookingHandler{booker: booker, logger: logger}
}

// Register mounts the public API routes on mux.
func (h *BookingHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", h.Health)
	mux.HandleFunc("GET /api/services", h.ListServices)
	mux.HandleFunc("POST /api/appointments", h.Create)
	mux.HandleFunc("GET /api/appointments/{id}", h.Get)
	mux.HandleFunc("POST /api/appointments/{id}/cancel", h.Cancel)
	mux.HandleFunc("GET /api/availability", h.Availability)
}

func (h *BookingHandler) Health(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *BookingHandler) ListServices(w http.ResponseWriter, r *http.Request) {
	services, err := h.booker.ListServices(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	items := make([]serviceItem, 0, len(services))
	for _, s := range services {
		items = append(items, toServiceItem(s))
	}
	httpx.WriteJSON(w, http.StatusOK, items)
}

func (h *BookingHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createAppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, h.logger, apperr.Validation("invalid json body"))
		return
	}

	var start time.Time
	if raw := strings.TrimSpace(req.StartTs); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, r, h.logger, apperr.Validation("invalid startTs (want RFC 3339)"))
			return
		}
		start = t
	}

	res, err := h.booker.Book(r.Context(), booking.BookRequest{
		ClientID:  strings.TrimSpace(req.ClientID),
		StaffID:   strings.TrimSpace(req.StaffID),
		ServiceID: strings.TrimSpace(req.ServiceID),
		StartTs:   start,
		Notes:     req.Notes,
		Prepay:    req.Prepay,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, struct {
		Appointment   appointmentItem  `json:"appointment"`
		PaymentIntent *payments.Intent `json:"paymentIntent"`
	}{
		Appointment:   toAppointmentItem(res.Appointment),
		PaymentIntent: res.PaymentIntent,
	})
}

func (h *BookingHandler) Get(w http.ResponseWriter, r *http.Request) {
	appt, err := h.booker.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]appointmentItem{"appointment": toAppointmentItem(appt)})
}

func (h *BookingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req cancelAppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, h.logger, apperr.Validation("invalid json body"))
		return
	}
	appt, err := h.booker.Cancel(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]appointmentItem{"appointment": toAppointmentItem(appt)})
}

func (h *BookingHandler) Availability(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	step := 0
	if raw := strings.TrimSpace(q.Get("stepMinutes")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, r, h.logger, apperr.Validation("invalid stepMinutes"))
			return
		}
		step = n
	}
	slots, err := h.booker.FreeSlots(r.Context(), booking.SlotsQuery{
		StaffID:      strings.TrimSpace(q.Get("staffId")),
		ServiceID:    strings.TrimSpace(q.Get("serviceId")),
		Date:         strings.TrimSpace(q.Get("date")),
		WorkdayStart: strings.TrimSpace(q.Get("workdayStart")),
		WorkdayEnd:   strings.TrimSpace(q.Get("workdayEnd")),
		StepMinutes:  step,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string][]slotItem{"slots": toSlotItems(slots)})
}
