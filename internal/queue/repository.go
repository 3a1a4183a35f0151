package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrDoctorNotFound      = errors.New("doctor not found")
	ErrPatientNotFound     = errors.New("patient not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
)

// Repository contains all DB interactions needed by the service. WithTx hands
// the callback a repository bound to a single transaction; every write the
// callback performs commits or rolls back as one unit.
type Repository interface {
	GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error)
	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)

	// ListForDoctorDay returns the candidate set for one doctor between
	// dayStart and dayEnd inclusive, restricted to the given statuses.
	// Callers must not rely on its ordering.
	ListForDoctorDay(ctx context.Context, doctorID uuid.UUID, dayStart, dayEnd time.Time, statuses []AppointmentStatus) ([]Appointment, error)

	CreateAppointment(ctx context.Context, appt *Appointment) (*Appointment, error)
	CreateEmergencyPatient(ctx context.Context, name string, email string) (*Patient, error)

	// ApplyChange performs the partial update of a pending change. Nil fields
	// are left untouched.
	ApplyChange(ctx context.Context, id uuid.UUID, newStatus *AppointmentStatus, delayMinutes *int) (*Appointment, error)

	RescheduleAppointment(ctx context.Context, id uuid.UUID, scheduledAt time.Time) (*Appointment, error)

	// SaveComputed persists the derived fields of one recalculated entry.
	SaveComputed(ctx context.Context, id uuid.UUID, start, end time.Time, position int) error

	// MarkNoShowsBefore flips SCHEDULED appointments scheduled before cutoff
	// to NO_SHOW, returning how many rows changed.
	MarkNoShowsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	InsertEvent(ctx context.Context, ev EventLog) error

	WithTx(ctx context.Context, fn func(Repository) error) error
}
