package model

import "time"

const (
	// ReminderQueueName and ReminderJobName label jobs on the delayed-job queue.
	ReminderQueueName = "reminderQueue"
	ReminderJobName   = "sendReminder"
)

// ReminderJob is a pending notification owned by the delayed-job queue.
type ReminderJob struct {
	ID            string
	AppointmentID string
	Kind          string
	FireAt        time.Time
	Delay         time.Duration
	Attempts      int
	Traceparent   string
	Tracestate    string
}
