package handlers

import (
	"time"

	"github.com/md-rashed-zaman/apptbook/services/booking-api/internal/availability"
	"github.com/md-rashed-zaman/apptbook/services/booking-api/internal/model"
)

type createAppointmentRequest struct {
	ClientID  string `json:"clientId"`
	StaffID   string `json:"staffId"`
	ServiceID string `json:"serviceId"`
	StartTs   string `json:"startTs"`
	Notes     string `json:"notes"`
	Prepay    bool   `json:"prepay"`
}

type cancelAppointmentRequest struct {
	Reason string `json:"reason"`
}

type serviceItem struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DurationMin int    `json:"durationMin"`
	PriceCents  int64  `json:"priceCents"`
	Currency    string `json:"currency"`
}

type appointmentItem struct {
	ID              string `json:"id"`
	ClientID        string `json:"clientId"`
	StaffID         string `json:"staffId"`
	ServiceID       string `json:"serviceId"`
	StartTs         string `json:"startTs"`
	EndTs           string `json:"endTs"`
	PriceCents      int64  `json:"priceCents"`
	Currency        string `json:"currency"`
	Status          string `json:"status"`
	Notes           string `json:"notes,omitempty"`
	PaymentIntentID string `json:"paymentIntentId,omitempty"`
	CancelledAt     string `json:"cancelledAt,omitempty"`
	CancelReason    string `json:"cancelReason,omitempty"`
	CreatedAt       string `json:"createdAt,omitempty"`
}

type slotItem struct {
	StartTs string `json:"startTs"`
	EndTs   string `json:"endTs"`
}

func toServiceItem(s model.Service) serviceItem {
	return serviceItem{ID: s.ID, Name: s.Name, DurationMin: s.DurationMin, PriceCents: s.PriceCents, Currency: s.Currency}
}

func toAppointmentItem(a model.Appointment) appointmentItem {
	item := appointmentItem{
		ID:              a.ID,
		ClientID:        a.ClientID,
		StaffID:         a.StaffID,
		ServiceID:       a.ServiceID,
		StartTs:         a.StartTs.UTC().Format(time.RFC3339),
		EndTs:           a.EndTs.UTC().Format(time.RFC3339),
		PriceCents:      a.PriceCents,
		Currency:        a.Currency,
		Status:          string(a.Status),
		Notes:           a.Notes,
		PaymentIntentID: a.PaymentIntentID,
		CancelReason:    a.CancelReason,
	}
	if a.CancelledAt != nil {
		item.CancelledAt = a.CancelledAt.UTC().Format(time.RFC3339)
	}
	if !a.CreatedAt.IsZero() {
		item.CreatedAt = a.CreatedAt.UTC().Format(time.RFC3339)
	}
	return item
}

func toSlotItems(slots []availability.Interval) []slotItem {
	out := make([]slotItem, 0, len(slots))
	for _, s := range slots {
		out = append(out, slotItem{StartTs: s.Start.UTC().Format(time.RFC3339), EndTs: s.End.UTC().Format(time.RFC3339)})
	}
	return out
}
