package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/clinicore/clinic-queue/internal/queue"
)

type PendingChangeRequest struct {
	AppointmentID string  `json:"appointment_id"`
	NewStatus     *string `json:"new_status,omitempty"`
	DelayMinutes  *int    `json:"delay_minutes,omitempty"`
}

type RecalculateRequest struct {
	DoctorID string                `json:"doctor_id"`
	Date     string                `json:"date"`
	Change   *PendingChangeRequest `json:"change,omitempty"`
}

type InsertEmergencyRequest struct {
	DoctorID string `json:"doctor_id"`
	Date     string `json:"date"`
}

type BookAppointmentRequest struct {
	DoctorID        string `json:"doctor_id"`
	PatientID       string `json:"patient_id"`
	ScheduledAt     string `json:"scheduled_at"`
	DurationMinutes int    `json:"duration_minutes"`
}

type RescheduleAppointmentRequest struct {
	ScheduledAt string `json:"scheduled_at"`
}

type QueueEntryResponse struct {
	AppointmentID        uuid.UUID `json:"appointment_id"`
	PatientID            uuid.UUID `json:"patient_id"`
	ScheduledAt          time.Time `json:"scheduled_at"`
	Status               string    `json:"status"`
	IsEmergency          bool      `json:"is_emergency"`
	ComputedStartTime    time.Time `json:"computed_start_time"`
	ComputedEndTime      time.Time `json:"computed_end_time"`
	QueuePosition        int       `json:"queue_position"`
	EstimatedWaitMinutes int       `json:"estimated_wait_minutes"`
	DelayReason          string    `json:"delay_reason"`
	HumanReadableStatus  string    `json:"human_readable_status"`
}

type QueueResponse struct {
	DoctorID     uuid.UUID            `json:"doctor_id"`
	Date         string               `json:"date"`
	UpdatedQueue []QueueEntryResponse `json:"updated_queue"`
}

type AppointmentResponse struct {
	ID              uuid.UUID `json:"id"`
	DoctorID        uuid.UUID `json:"doctor_id"`
	PatientID       uuid.UUID `json:"patient_id"`
	ScheduledAt     time.Time `json:"scheduled_at"`
	DurationMinutes int       `json:"duration_minutes"`
	Status          string    `json:"status"`
	IsEmergency     bool      `json:"is_emergency"`
	DelayMinutes    int       `json:"delay_minutes"`
}

type BookAppointmentResponse struct {
	Appointment  AppointmentResponse  `json:"appointment"`
	UpdatedQueue []QueueEntryResponse `json:"updated_queue"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toQueueEntryResponse(e queue.Entry) QueueEntryResponse {
	return QueueEntryResponse{
		AppointmentID:        e.Appointment.ID,
		PatientID:            e.Appointment.PatientID,
		ScheduledAt:          e.Appointment.ScheduledAt,
		Status:               string(e.Appointment.Status),
		IsEmergency:          e.Appointment.IsEmergency,
		ComputedStartTime:    e.ComputedStartTime,
		ComputedEndTime:      e.ComputedEndTime,
		QueuePosition:        e.QueuePosition,
		EstimatedWaitMinutes: e.EstimatedWaitMinutes,
		DelayReason:          e.DelayReason,
		HumanReadableStatus:  e.HumanReadableStatus,
	}
}

func toQueueResponse(doctorID uuid.UUID, day time.Time, entries []queue.Entry) QueueResponse {
	out := make([]QueueEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, toQueueEntryResponse(e))
	}
	return QueueResponse{
		DoctorID:     doctorID,
		Date:         day.Format("2006-01-02"),
		UpdatedQueue: out,
	}
}

func toAppointmentResponse(a *queue.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:              a.ID,
		DoctorID:        a.DoctorID,
		PatientID:       a.PatientID,
		ScheduledAt:     a.ScheduledAt,
		DurationMinutes: a.DurationMinutes,
		Status:          string(a.Status),
		IsEmergency:     a.IsEmergency,
		DelayMinutes:    a.DelayMinutes,
	}
}
