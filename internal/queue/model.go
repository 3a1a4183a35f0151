package queue

import (
	"time"

	"github.com/google/uuid"
)

type AppointmentStatus string

const (
	StatusScheduled  AppointmentStatus = "SCHEDULED"
	StatusInProgress AppointmentStatus = "IN_PROGRESS"
	StatusCompleted  AppointmentStatus = "COMPLETED"
	StatusCancelled  AppointmentStatus = "CANCELLED"
	StatusNoShow     AppointmentStatus = "NO_SHOW"
)

// ValidStatus reports whether s is one of the known appointment statuses.
func ValidStatus(s AppointmentStatus) bool {
	switch s {
	case StatusScheduled, StatusInProgress, StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

// Terminal reports whether s removes the appointment from scheduling for good.
func Terminal(s AppointmentStatus) bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

type Doctor struct {
	ID        uuid.UUID
	Name      string
	Specialty *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Patient struct {
	ID        uuid.UUID
	Name      string
	Email     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Appointment is the only entity the queue core mutates. ScheduledAt is the
// patient's originally booked time and never moves except by an explicit
// reschedule; the Computed* fields and QueuePosition are overwritten on every
// recalculation pass and must not be edited independently.
type Appointment struct {
	ID                uuid.UUID
	DoctorID          uuid.UUID
	PatientID         uuid.UUID
	ScheduledAt       time.Time
	DurationMinutes   int
	Status            AppointmentStatus
	IsEmergency       bool
	DelayMinutes      int
	ComputedStartTime *time.Time
	ComputedEndTime   *time.Time
	QueuePosition     *int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// PendingChange is the single optional mutation a recalculation request may
// carry. Nil fields are left untouched on the target appointment.
type PendingChange struct {
	AppointmentID uuid.UUID
	NewStatus     *AppointmentStatus
	DelayMinutes  *int
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}
