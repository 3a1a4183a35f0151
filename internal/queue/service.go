package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/clinicore/clinic-queue/internal/config"
	redisclient "github.com/clinicore/clinic-queue/internal/redis"
)

const (
	EventQueueRecalculated      = "QUEUE_RECALCULATED"
	EventEmergencyInserted      = "EMERGENCY_INSERTED"
	EventAppointmentBooked      = "APPOINTMENT_BOOKED"
	EventAppointmentRescheduled = "APPOINTMENT_RESCHEDULED"
	EventAppointmentCancelled   = "APPOINTMENT_CANCELLED"
	EventNoShowSweep            = "NO_SHOW_SWEEP"
)

var (
	ErrQueueBusy     = errors.New("queue is being recalculated, please retry")
	ErrInvalidStatus = errors.New("unsupported appointment status")
	ErrInvalidDelay  = errors.New("delay minutes must not be negative")
)

var recalcPasses = promauto.NewCounter(prometheus.CounterOpts{
	Name: "clinic_queue_recalculation_passes_total",
	Help: "Number of completed queue recalculation passes.",
})

// Service is the mutation gateway: it applies at most one pending change,
// rebuilds the doctor/day candidate set and runs the recalculation engine,
// all inside a per-doctor/day lock and a single transaction.
type Service struct {
	repo   Repository
	locker redisclient.Locker
	cfg    config.Config
	policy Policy
	log    *zap.Logger
}

func NewService(repo Repository, locker redisclient.Locker, cfg config.Config, log *zap.Logger) *Service {
	return &Service{
		repo:   repo,
		locker: locker,
		cfg:    cfg,
		policy: Policy{IncludeInProgress: cfg.QueueIncludeInProgress},
		log:    log,
	}
}

// BookingParams are the caller-supplied fields of a new appointment.
type BookingParams struct {
	DoctorID        uuid.UUID
	PatientID       uuid.UUID
	ScheduledAt     time.Time
	DurationMinutes int
}

// Recalculate applies the optional pending change and re-derives the full
// queue for the doctor/day. A change referencing a missing appointment aborts
// the whole operation before anything is written.
func (s *Service) Recalculate(ctx context.Context, doctorID uuid.UUID, day time.Time, change *PendingChange) ([]Entry, error) {
	if err := validateChange(change); err != nil {
		return nil, err
	}

	var entries []Entry

	err := s.locker.WithQueueLock(ctx, doctorID, day, func(lockCtx context.Context) error {
		return s.repo.WithTx(lockCtx, func(tx Repository) error {
			if change != nil {
				if _, err := tx.ApplyChange(lockCtx, change.AppointmentID, change.NewStatus, change.DelayMinutes); err != nil {
					if errors.Is(err, ErrAppointmentNotFound) {
						return err
					}
					return fmt.Errorf("apply pending change: %w", err)
				}
			}

			result, err := s.recalculateDayLocked(lockCtx, tx, doctorID, day)
			if err != nil {
				return err
			}
			entries = result

			s.logEvent(lockCtx, tx, nil, EventQueueRecalculated, map[string]any{
				"doctor_id":  doctorID.String(),
				"day":        day.Format("2006-01-02"),
				"queue_size": len(entries),
			})

			return nil
		})
	})
	if err != nil {
		return nil, s.mapLockErr(err)
	}

	return entries, nil
}

// InsertEmergency creates an emergency appointment at the current instant and
// re-derives the queue. The emergency sorts ahead of every regular appointment
// regardless of their scheduled times.
func (s *Service) InsertEmergency(ctx context.Context, doctorID uuid.UUID, day time.Time) ([]Entry, error) {
	var entries []Entry

	err := s.locker.WithQueueLock(ctx, doctorID, day, func(lockCtx context.Context) error {
		return s.repo.WithTx(lockCtx, func(tx Repository) error {
			email := fmt.Sprintf("emergency_%s@example.com", uuid.NewString()[:8])
			patient, err := tx.CreateEmergencyPatient(lockCtx, "Emergency Patient", email)
			if err != nil {
				return fmt.Errorf("create emergency patient: %w", err)
			}

			created, err := tx.CreateAppointment(lockCtx, &Appointment{
				DoctorID:        doctorID,
				PatientID:       patient.ID,
				ScheduledAt:     time.Now(),
				DurationMinutes: EmergencyDurationMinutes,
				Status:          StatusScheduled,
				IsEmergency:     true,
			})
			if err != nil {
				return fmt.Errorf("create emergency appointment: %w", err)
			}

			result, err := s.recalculateDayLocked(lockCtx, tx, doctorID, day)
			if err != nil {
				return err
			}
			entries = result

			s.logEvent(lockCtx, tx, &created.ID, EventEmergencyInserted, map[string]any{
				"doctor_id": doctorID.String(),
				"day":       day.Format("2006-01-02"),
			})

			return nil
		})
	})
	if err != nil {
		return nil, s.mapLockErr(err)
	}

	return entries, nil
}

// Book creates a regular SCHEDULED appointment and recalculates its day.
func (s *Service) Book(ctx context.Context, p BookingParams) (*Appointment, []Entry, error) {
	if _, err := s.repo.GetDoctorByID(ctx, p.DoctorID); err != nil {
		if errors.Is(err, ErrDoctorNotFound) {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("load doctor: %w", err)
	}
	if _, err := s.repo.GetPatientByID(ctx, p.PatientID); err != nil {
		if errors.Is(err, ErrPatientNotFound) {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("load patient: %w", err)
	}

	duration := p.DurationMinutes
	if duration <= 0 {
		duration = DefaultDurationMinutes
	}

	var created *Appointment
	var entries []Entry

	err := s.locker.WithQueueLock(ctx, p.DoctorID, p.ScheduledAt, func(lockCtx context.Context) error {
		return s.repo.WithTx(lockCtx, func(tx Repository) error {
			appt, err := tx.CreateAppointment(lockCtx, &Appointment{
				DoctorID:        p.DoctorID,
				PatientID:       p.PatientID,
				ScheduledAt:     p.ScheduledAt,
				DurationMinutes: duration,
				Status:          StatusScheduled,
			})
			if err != nil {
				return fmt.Errorf("create appointment: %w", err)
			}
			created = appt

			result, err := s.recalculateDayLocked(lockCtx, tx, p.DoctorID, p.ScheduledAt)
			if err != nil {
				return err
			}
			entries = result

			s.logEvent(lockCtx, tx, &created.ID, EventAppointmentBooked, map[string]any{
				"doctor_id":  p.DoctorID.String(),
				"patient_id": p.PatientID.String(),
			})

			return nil
		})
	})
	if err != nil {
		return nil, nil, s.mapLockErr(err)
	}

	return created, entries, nil
}

// Reschedule moves an appointment to a new time and recalculates the original
// day and, when the appointment changed days, the new one as well. Cross-day
// moves take both day locks in chronological order.
func (s *Service) Reschedule(ctx context.Context, id uuid.UUID, newScheduledAt time.Time) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load appointment: %w", err)
	}

	oldDay := appt.ScheduledAt
	oldStart, _ := DayBounds(oldDay)
	newStart, _ := DayBounds(newScheduledAt)
	sameDay := oldStart.Equal(newStart)

	var updated *Appointment

	move := func(lockCtx context.Context) error {
		return s.repo.WithTx(lockCtx, func(tx Repository) error {
			a, err := tx.RescheduleAppointment(lockCtx, id, newScheduledAt)
			if err != nil {
				if errors.Is(err, ErrAppointmentNotFound) {
					return err
				}
				return fmt.Errorf("reschedule appointment: %w", err)
			}
			updated = a

			if _, err := s.recalculateDayLocked(lockCtx, tx, appt.DoctorID, oldDay); err != nil {
				return err
			}
			if !sameDay {
				if _, err := s.recalculateDayLocked(lockCtx, tx, appt.DoctorID, newScheduledAt); err != nil {
					return err
				}
			}

			s.logEvent(lockCtx, tx, &id, EventAppointmentRescheduled, map[string]any{
				"doctor_id": appt.DoctorID.String(),
				"from":      appt.ScheduledAt,
				"to":        newScheduledAt,
			})

			return nil
		})
	}

	if sameDay {
		err = s.locker.WithQueueLock(ctx, appt.DoctorID, oldDay, move)
	} else {
		first, second := oldDay, newScheduledAt
		if newStart.Before(oldStart) {
			first, second = newScheduledAt, oldDay
		}
		err = s.locker.WithQueueLock(ctx, appt.DoctorID, first, func(lockCtx context.Context) error {
			return s.locker.WithQueueLock(lockCtx, appt.DoctorID, second, move)
		})
	}
	if err != nil {
		return nil, s.mapLockErr(err)
	}

	return updated, nil
}

// Cancel marks an appointment CANCELLED and recalculates its day so the gap
// closes for everyone behind it.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) error {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return err
		}
		return fmt.Errorf("load appointment: %w", err)
	}

	cancelled := StatusCancelled

	err = s.locker.WithQueueLock(ctx, appt.DoctorID, appt.ScheduledAt, func(lockCtx context.Context) error {
		return s.repo.WithTx(lockCtx, func(tx Repository) error {
			if _, err := tx.ApplyChange(lockCtx, id, &cancelled, nil); err != nil {
				return fmt.Errorf("cancel appointment: %w", err)
			}

			if _, err := s.recalculateDayLocked(lockCtx, tx, appt.DoctorID, appt.ScheduledAt); err != nil {
				return err
			}

			s.logEvent(lockCtx, tx, &id, EventAppointmentCancelled, map[string]any{
				"doctor_id": appt.DoctorID.String(),
			})

			return nil
		})
	})
	if err != nil {
		return s.mapLockErr(err)
	}

	return nil
}

// DayView returns the queue as it stands without persisting anything. Wait
// estimates are evaluated against the current instant.
func (s *Service) DayView(ctx context.Context, doctorID uuid.UUID, day time.Time) ([]Entry, error) {
	dayStart, dayEnd := DayBounds(day)

	appts, err := s.repo.ListForDoctorDay(ctx, doctorID, dayStart, dayEnd, s.policy.ActionableStatuses())
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}

	OrderForQueue(appts)
	return Recalculate(appts, time.Now()), nil
}

// MarkNoShows flips SCHEDULED appointments from past days to NO_SHOW. Intended
// to be called periodically by the worker binary.
func (s *Service) MarkNoShows(ctx context.Context, now time.Time) (int64, error) {
	cutoff, _ := DayBounds(now)

	count, err := s.repo.MarkNoShowsBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	if count > 0 {
		s.logEvent(ctx, s.repo, nil, EventNoShowSweep, map[string]any{
			"count":  count,
			"cutoff": cutoff,
		})
		s.log.Info("marked no-shows", zap.Int64("count", count))
	}

	return count, nil
}

// recalculateDayLocked rebuilds and persists the queue for one doctor/day.
// Callers must hold the day's queue lock and run inside a transaction.
func (s *Service) recalculateDayLocked(ctx context.Context, tx Repository, doctorID uuid.UUID, day time.Time) ([]Entry, error) {
	dayStart, dayEnd := DayBounds(day)

	appts, err := tx.ListForDoctorDay(ctx, doctorID, dayStart, dayEnd, s.policy.ActionableStatuses())
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}

	OrderForQueue(appts)
	entries := Recalculate(appts, time.Now())

	for _, e := range entries {
		if err := tx.SaveComputed(ctx, e.Appointment.ID, e.ComputedStartTime, e.ComputedEndTime, e.QueuePosition); err != nil {
			return nil, err
		}
	}

	recalcPasses.Inc()
	return entries, nil
}

func (s *Service) mapLockErr(err error) error {
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		return ErrQueueBusy
	}
	return err
}

func validateChange(change *PendingChange) error {
	if change == nil {
		return nil
	}
	if change.NewStatus != nil && !ValidStatus(*change.NewStatus) {
		return ErrInvalidStatus
	}
	if change.DelayMinutes != nil && *change.DelayMinutes < 0 {
		return ErrInvalidDelay
	}
	return nil
}

func (s *Service) logEvent(ctx context.Context, repo Repository, appointmentID *uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn("marshal event payload", zap.String("event", eventType), zap.Error(err))
		data = nil
	}

	ev := EventLog{
		EventType:     eventType,
		AppointmentID: appointmentID,
		Payload:       data,
		CreatedAt:     time.Now(),
	}

	if err := repo.InsertEvent(ctx, ev); err != nil {
		s.log.Warn("insert event log", zap.String("event", eventType), zap.Error(err))
	}
}
