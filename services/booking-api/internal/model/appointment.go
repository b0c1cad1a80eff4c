package model

import "time"

type Status string

const (
	StatusBooked    Status = "booked"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
)

// BlockingStatuses are the statuses that occupy a staff member's time.
var BlockingStatuses = []Status{StatusBooked, StatusConfirmed}

func (s Status) Valid() bool {
	switch s {
	case StatusBooked, StatusConfirmed, StatusCancelled, StatusCompleted:
		return true
	}
	return false
}

func (s Status) Blocking() bool {
	return s == StatusBooked || s == StatusConfirmed
}

func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusCompleted
}

// CanTransition reports whether the lifecycle allows moving from s to next:
//
//	booked → confirmed → completed
//	booked → cancelled
//	confirmed → cancelled
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusBooked:
		return next == StatusConfirmed || next == StatusCancelled
	case StatusConfirmed:
		return next == StatusCancelled || next == StatusCompleted
	}
	return false
}

type Appointment struct {
	ID              string
	ClientID        string
	StaffID         string
	ServiceID       string
	StartTs         time.Time
	EndTs           time.Time
	PriceCents      int64
	Currency        string
	Status          Status
	Notes           string
	PaymentIntentID string
	CancelledAt     *time.Time
	CancelReason    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
