package queue

import (
	"fmt"
	"sort"
	"time"
)

const (
	// DefaultDurationMinutes is assumed when an appointment has no usable duration.
	DefaultDurationMinutes = 15
	// EmergencyDurationMinutes is the fixed slot length of an inserted emergency.
	EmergencyDurationMinutes = 15
)

const (
	ReasonOnSchedule    = "On schedule"
	ReasonUpstreamDelay = "There are delayed appointments ahead."
)

// Policy controls which statuses the queue builder treats as actionable.
// The same policy must drive every builder invocation for a doctor/day so
// that positions and the human-readable text never disagree.
type Policy struct {
	IncludeInProgress bool
}

// ActionableStatuses returns the status filter for the candidate set.
func (p Policy) ActionableStatuses() []AppointmentStatus {
	if p.IncludeInProgress {
		return []AppointmentStatus{StatusScheduled, StatusInProgress}
	}
	return []AppointmentStatus{StatusScheduled}
}

// Actionable reports whether an appointment with status s occupies a queue slot.
func (p Policy) Actionable(s AppointmentStatus) bool {
	for _, a := range p.ActionableStatuses() {
		if s == a {
			return true
		}
	}
	return false
}

// Entry is one recalculated queue slot. ComputedStartTime, ComputedEndTime and
// QueuePosition are persisted; the wait estimate and the advisory strings are
// derived at evaluation time and returned to the caller only.
type Entry struct {
	Appointment          Appointment
	ComputedStartTime    time.Time
	ComputedEndTime      time.Time
	QueuePosition        int
	EstimatedWaitMinutes int
	TotalDelayBefore     int
	DelayReason          string
	HumanReadableStatus  string
}

// DayBounds returns the inclusive local-day window [00:00:00.000, 23:59:59.999]
// containing day.
func DayBounds(day time.Time) (time.Time, time.Time) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	end := start.Add(24*time.Hour - time.Millisecond)
	return start, end
}

// OrderForQueue sorts appointments in place into queue order: emergencies
// before everything else, then ascending scheduled time. The comparator lives
// here, in application code, so storage-level ordering is never trusted to
// enforce the invariant.
func OrderForQueue(appts []Appointment) {
	sort.SliceStable(appts, func(i, j int) bool {
		if appts[i].IsEmergency != appts[j].IsEmergency {
			return appts[i].IsEmergency
		}
		return appts[i].ScheduledAt.Before(appts[j].ScheduledAt)
	})
}

// Recalculate walks the ordered candidate set once and derives the dense
// timeline. The first appointment anchors the cursor at its own scheduled
// time; every appointment starts at cursor plus its own delay and the cursor
// advances to its end, so delays ripple forward and later appointments'
// scheduled times are informational only. An empty input yields an empty
// result.
func Recalculate(ordered []Appointment, now time.Time) []Entry {
	entries := make([]Entry, 0, len(ordered))

	var cursor time.Time
	totalDelayBefore := 0

	for i, appt := range ordered {
		duration := appt.DurationMinutes
		if duration <= 0 {
			duration = DefaultDurationMinutes
		}
		delay := appt.DelayMinutes
		if delay < 0 {
			delay = 0
		}

		if i == 0 {
			cursor = appt.ScheduledAt
		}

		start := cursor.Add(time.Duration(delay) * time.Minute)
		end := start.Add(time.Duration(duration) * time.Minute)

		position := i + 1
		wait := estimatedWaitMinutes(start, now)

		reason := ReasonOnSchedule
		if totalDelayBefore > 0 {
			reason = ReasonUpstreamDelay
		}

		entries = append(entries, Entry{
			Appointment:          appt,
			ComputedStartTime:    start,
			ComputedEndTime:      end,
			QueuePosition:        position,
			EstimatedWaitMinutes: wait,
			TotalDelayBefore:     totalDelayBefore,
			DelayReason:          reason,
			HumanReadableStatus: fmt.Sprintf(
				"You are position %d in queue. Estimated wait time is %d minutes.",
				position, wait,
			),
		})

		cursor = end
		if delay > 0 {
			totalDelayBefore += delay
		}
	}

	return entries
}

func estimatedWaitMinutes(start, now time.Time) int {
	diff := start.Sub(now)
	if diff <= 0 {
		return 0
	}
	// Round up to the next whole minute.
	return int((diff + time.Minute - 1) / time.Minute)
}
