package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/clinicore/clinic-queue/internal/queue"
	redisclient "github.com/clinicore/clinic-queue/internal/redis"
)

// QueueService is what the handlers need from the mutation gateway.
type QueueService interface {
	Recalculate(ctx context.Context, doctorID uuid.UUID, day time.Time, change *queue.PendingChange) ([]queue.Entry, error)
	InsertEmergency(ctx context.Context, doctorID uuid.UUID, day time.Time) ([]queue.Entry, error)
	Book(ctx context.Context, p queue.BookingParams) (*queue.Appointment, []queue.Entry, error)
	Reschedule(ctx context.Context, id uuid.UUID, newScheduledAt time.Time) (*queue.Appointment, error)
	Cancel(ctx context.Context, id uuid.UUID) error
	DayView(ctx context.Context, doctorID uuid.UUID, day time.Time) ([]queue.Entry, error)
}

func recalculateQueueHandler(svc QueueService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RecalculateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		doctorID, err := uuid.Parse(req.DoctorID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor_id must be a valid UUID")
			return
		}

		day, err := parseDay(req.Date)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD or RFC 3339")
			return
		}

		change, err := parsePendingChange(req.Change)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_change", err.Error())
			return
		}

		entries, err := svc.Recalculate(r.Context(), doctorID, day, change)
		if err != nil {
			handleQueueError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toQueueResponse(doctorID, day, entries))
	}
}

func insertEmergencyHandler(svc QueueService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req InsertEmergencyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		doctorID, err := uuid.Parse(req.DoctorID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor_id must be a valid UUID")
			return
		}

		day, err := parseDay(req.Date)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD or RFC 3339")
			return
		}

		entries, err := svc.InsertEmergency(r.Context(), doctorID, day)
		if err != nil {
			handleQueueError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toQueueResponse(doctorID, day, entries))
	}
}

func dayViewHandler(svc QueueService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, err := uuid.Parse(r.URL.Query().Get("doctor_id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor_id must be a valid UUID")
			return
		}

		day, err := parseDay(r.URL.Query().Get("date"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD or RFC 3339")
			return
		}

		entries, err := svc.DayView(r.Context(), doctorID, day)
		if err != nil {
			handleQueueError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toQueueResponse(doctorID, day, entries))
	}
}

func bookAppointmentHandler(svc QueueService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BookAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		doctorID, err := uuid.Parse(req.DoctorID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor_id must be a valid UUID")
			return
		}

		patientID, err := uuid.Parse(req.PatientID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
			return
		}

		scheduledAt, err := parseTimestamp(req.ScheduledAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_scheduled_at", "scheduled_at must be RFC 3339")
			return
		}

		appt, entries, err := svc.Book(r.Context(), queue.BookingParams{
			DoctorID:        doctorID,
			PatientID:       patientID,
			ScheduledAt:     scheduledAt,
			DurationMinutes: req.DurationMinutes,
		})
		if err != nil {
			handleQueueError(w, err)
			return
		}

		resp := BookAppointmentResponse{
			Appointment:  toAppointmentResponse(appt),
			UpdatedQueue: toQueueResponse(doctorID, scheduledAt, entries).UpdatedQueue,
		}

		writeJSON(w, http.StatusCreated, resp)
	}
}

func rescheduleAppointmentHandler(svc QueueService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		var req RescheduleAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		scheduledAt, err := parseTimestamp(req.ScheduledAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_scheduled_at", "scheduled_at must be RFC 3339")
			return
		}

		appt, err := svc.Reschedule(r.Context(), id, scheduledAt)
		if err != nil {
			handleQueueError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func cancelAppointmentHandler(svc QueueService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		if err := svc.Cancel(r.Context(), id); err != nil {
			handleQueueError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
	}
}

func handleQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrDoctorNotFound):
		writeError(w, http.StatusNotFound, "doctor_not_found", err.Error())
	case errors.Is(err, queue.ErrPatientNotFound):
		writeError(w, http.StatusNotFound, "patient_not_found", err.Error())
	case errors.Is(err, queue.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, queue.ErrInvalidStatus):
		writeError(w, http.StatusBadRequest, "invalid_status", err.Error())
	case errors.Is(err, queue.ErrInvalidDelay):
		writeError(w, http.StatusBadRequest, "invalid_delay", err.Error())
	case errors.Is(err, queue.ErrQueueBusy),
		errors.Is(err, redisclient.ErrLockNotAcquired):
		writeError(w, http.StatusConflict, "queue_busy", "queue is being recalculated, please retry shortly")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func parsePendingChange(req *PendingChangeRequest) (*queue.PendingChange, error) {
	if req == nil {
		return nil, nil
	}

	id, err := uuid.Parse(req.AppointmentID)
	if err != nil {
		return nil, errors.New("change.appointment_id must be a valid UUID")
	}

	change := &queue.PendingChange{
		AppointmentID: id,
		DelayMinutes:  req.DelayMinutes,
	}
	if req.NewStatus != nil {
		status := queue.AppointmentStatus(*req.NewStatus)
		change.NewStatus = &status
	}

	return change, nil
}

// parseDay accepts a plain calendar date or a full timestamp; either way the
// result carries the location used for day-boundary math.
func parseDay(s string) (time.Time, error) {
	if t, err := time.ParseInLocation("2006-01-02", s, time.Local); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

func parseTimestamp(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}
