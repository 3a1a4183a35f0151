package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/clinicore/clinic-queue/internal/config"
	redisclient "github.com/clinicore/clinic-queue/internal/redis"
)

type fakeLocker struct {
	mu    sync.Mutex
	busy  bool
	calls int
	keys  []string
}

func (l *fakeLocker) WithQueueLock(ctx context.Context, doctorID uuid.UUID, day time.Time, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	l.calls++
	l.keys = append(l.keys, fmt.Sprintf("%s:%s", doctorID, day.Format("2006-01-02")))
	busy := l.busy
	l.mu.Unlock()

	if busy {
		return redisclient.ErrLockNotAcquired
	}
	return fn(ctx)
}

type fakeRepo struct {
	doctors  map[uuid.UUID]Doctor
	patients map[uuid.UUID]Patient
	appts    map[uuid.UUID]*Appointment
	order    []uuid.UUID
	events   []EventLog

	failSaveComputed bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		doctors:  make(map[uuid.UUID]Doctor),
		patients: make(map[uuid.UUID]Patient),
		appts:    make(map[uuid.UUID]*Appointment),
	}
}

func (r *fakeRepo) addDoctor() uuid.UUID {
	id := uuid.New()
	r.doctors[id] = Doctor{ID: id, Name: "Dr. Test"}
	return id
}

func (r *fakeRepo) addPatient() uuid.UUID {
	id := uuid.New()
	r.patients[id] = Patient{ID: id, Name: "Test Patient"}
	return id
}

func (r *fakeRepo) add(a Appointment) uuid.UUID {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	cp := a
	r.appts[a.ID] = &cp
	r.order = append(r.order, a.ID)
	return a.ID
}

func (r *fakeRepo) GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	d, ok := r.doctors[id]
	if !ok {
		return nil, ErrDoctorNotFound
	}
	return &d, nil
}

func (r *fakeRepo) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, ok := r.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	return &p, nil
}

func (r *fakeRepo) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, ok := r.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *fakeRepo) ListForDoctorDay(ctx context.Context, doctorID uuid.UUID, dayStart, dayEnd time.Time, statuses []AppointmentStatus) ([]Appointment, error) {
	allowed := make(map[AppointmentStatus]bool)
	for _, s := range statuses {
		allowed[s] = true
	}

	var out []Appointment
	for _, id := range r.order {
		a := r.appts[id]
		if a.DoctorID != doctorID || !allowed[a.Status] {
			continue
		}
		if a.ScheduledAt.Before(dayStart) || a.ScheduledAt.After(dayEnd) {
			continue
		}
		out = append(out, *a)
	}
	return out, nil
}

func (r *fakeRepo) CreateAppointment(ctx context.Context, appt *Appointment) (*Appointment, error) {
	id := r.add(*appt)
	cp := *r.appts[id]
	return &cp, nil
}

func (r *fakeRepo) CreateEmergencyPatient(ctx context.Context, name, email string) (*Patient, error) {
	id := uuid.New()
	p := Patient{ID: id, Name: name, Email: &email}
	r.patients[id] = p
	return &p, nil
}

func (r *fakeRepo) ApplyChange(ctx context.Context, id uuid.UUID, newStatus *AppointmentStatus, delayMinutes *int) (*Appointment, error) {
	a, ok := r.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	if newStatus != nil {
		a.Status = *newStatus
	}
	if delayMinutes != nil {
		a.DelayMinutes = *delayMinutes
	}
	cp := *a
	return &cp, nil
}

func (r *fakeRepo) RescheduleAppointment(ctx context.Context, id uuid.UUID, scheduledAt time.Time) (*Appointment, error) {
	a, ok := r.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	a.ScheduledAt = scheduledAt
	a.Status = StatusScheduled
	cp := *a
	return &cp, nil
}

func (r *fakeRepo) SaveComputed(ctx context.Context, id uuid.UUID, start, end time.Time, position int) error {
	if r.failSaveComputed {
		return errors.New("storage write failed")
	}
	a, ok := r.appts[id]
	if !ok {
		return ErrAppointmentNotFound
	}
	s, e, p := start, end, position
	a.ComputedStartTime = &s
	a.ComputedEndTime = &e
	a.QueuePosition = &p
	return nil
}

func (r *fakeRepo) MarkNoShowsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	for _, a := range r.appts {
		if a.Status == StatusScheduled && a.ScheduledAt.Before(cutoff) {
			a.Status = StatusNoShow
			n++
		}
	}
	return n, nil
}

func (r *fakeRepo) InsertEvent(ctx context.Context, ev EventLog) error {
	r.events = append(r.events, ev)
	return nil
}

// WithTx snapshots all mutable state and restores it when fn fails, matching
// the all-or-nothing visibility of the real transaction.
func (r *fakeRepo) WithTx(ctx context.Context, fn func(Repository) error) error {
	snapAppts := make(map[uuid.UUID]*Appointment, len(r.appts))
	for id, a := range r.appts {
		cp := *a
		snapAppts[id] = &cp
	}
	snapOrder := append([]uuid.UUID(nil), r.order...)
	snapPatients := make(map[uuid.UUID]Patient, len(r.patients))
	for id, p := range r.patients {
		snapPatients[id] = p
	}
	snapEvents := append([]EventLog(nil), r.events...)

	if err := fn(r); err != nil {
		r.appts = snapAppts
		r.order = snapOrder
		r.patients = snapPatients
		r.events = snapEvents
		return err
	}
	return nil
}

func newTestService(repo *fakeRepo, locker *fakeLocker) *Service {
	cfg := config.Config{QueueIncludeInProgress: true}
	return NewService(repo, locker, cfg, zap.NewNop())
}

func seedThree(repo *fakeRepo, doctorID uuid.UUID) (a, b, c uuid.UUID) {
	patient := repo.addPatient()
	a = repo.add(Appointment{DoctorID: doctorID, PatientID: patient, ScheduledAt: at(9, 0), DurationMinutes: 20, Status: StatusScheduled})
	b = repo.add(Appointment{DoctorID: doctorID, PatientID: patient, ScheduledAt: at(9, 10), DurationMinutes: 20, Status: StatusScheduled})
	c = repo.add(Appointment{DoctorID: doctorID, PatientID: patient, ScheduledAt: at(9, 30), DurationMinutes: 20, Status: StatusScheduled})
	return a, b, c
}

func TestRecalculatePersistsComputedFields(t *testing.T) {
	repo := newFakeRepo()
	locker := &fakeLocker{}
	doctorID := repo.addDoctor()
	aID, bID, cID := seedThree(repo, doctorID)

	delay := 15
	entries, err := newTestService(repo, locker).Recalculate(context.Background(), doctorID, testDay, &PendingChange{
		AppointmentID: cID,
		DelayMinutes:  &delay,
	})
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, at(9, 0), *repo.appts[aID].ComputedStartTime)
	assert.Equal(t, at(9, 20), *repo.appts[aID].ComputedEndTime)
	assert.Equal(t, 1, *repo.appts[aID].QueuePosition)

	assert.Equal(t, at(9, 20), *repo.appts[bID].ComputedStartTime)
	assert.Equal(t, at(9, 40), *repo.appts[bID].ComputedEndTime)
	assert.Equal(t, 2, *repo.appts[bID].QueuePosition)

	assert.Equal(t, at(9, 55), *repo.appts[cID].ComputedStartTime)
	assert.Equal(t, at(10, 15), *repo.appts[cID].ComputedEndTime)
	assert.Equal(t, 3, *repo.appts[cID].QueuePosition)

	require.Len(t, repo.events, 1)
	assert.Equal(t, EventQueueRecalculated, repo.events[0].EventType)
}

func TestRecalculateChangeNotFoundAborts(t *testing.T) {
	repo := newFakeRepo()
	locker := &fakeLocker{}
	doctorID := repo.addDoctor()
	aID, _, _ := seedThree(repo, doctorID)

	status := StatusCancelled
	_, err := newTestService(repo, locker).Recalculate(context.Background(), doctorID, testDay, &PendingChange{
		AppointmentID: uuid.New(),
		NewStatus:     &status,
	})
	require.ErrorIs(t, err, ErrAppointmentNotFound)

	// Nothing was written: the transaction rolled back before recalculation.
	assert.Nil(t, repo.appts[aID].ComputedStartTime)
	assert.Empty(t, repo.events)
}

func TestRecalculateRejectsInvalidChange(t *testing.T) {
	repo := newFakeRepo()
	locker := &fakeLocker{}
	doctorID := repo.addDoctor()
	aID, _, _ := seedThree(repo, doctorID)

	bogus := AppointmentStatus("TELEPORTED")
	_, err := newTestService(repo, locker).Recalculate(context.Background(), doctorID, testDay, &PendingChange{
		AppointmentID: aID,
		NewStatus:     &bogus,
	})
	require.ErrorIs(t, err, ErrInvalidStatus)

	negative := -5
	_, err = newTestService(repo, locker).Recalculate(context.Background(), doctorID, testDay, &PendingChange{
		AppointmentID: aID,
		DelayMinutes:  &negative,
	})
	require.ErrorIs(t, err, ErrInvalidDelay)

	// Validation happens before the lock is even attempted.
	assert.Equal(t, 0, locker.calls)
}

func TestRecalculateQueueBusy(t *testing.T) {
	repo := newFakeRepo()
	locker := &fakeLocker{busy: true}
	doctorID := repo.addDoctor()
	seedThree(repo, doctorID)

	_, err := newTestService(repo, locker).Recalculate(context.Background(), doctorID, testDay, nil)
	require.ErrorIs(t, err, ErrQueueBusy)
}

func TestRecalculateRollsBackOnWriteFailure(t *testing.T) {
	repo := newFakeRepo()
	locker := &fakeLocker{}
	doctorID := repo.addDoctor()
	_, _, cID := seedThree(repo, doctorID)
	repo.failSaveComputed = true

	delay := 15
	_, err := newTestService(repo, locker).Recalculate(context.Background(), doctorID, testDay, &PendingChange{
		AppointmentID: cID,
		DelayMinutes:  &delay,
	})
	require.Error(t, err)

	// The delay update rolled back along with everything else.
	assert.Equal(t, 0, repo.appts[cID].DelayMinutes)
	assert.Empty(t, repo.events)
}

func TestInsertEmergencyLeadsQueue(t *testing.T) {
	repo := newFakeRepo()
	locker := &fakeLocker{}
	doctorID := repo.addDoctor()
	aID, _, _ := seedThree(repo, doctorID)

	// The emergency is created at the current instant, so the test day must be
	// today for it to land in the recalculated window.
	day := time.Now()
	for _, a := range repo.appts {
		dayStart, _ := DayBounds(day)
		a.ScheduledAt = dayStart.Add(9 * time.Hour).Add(a.ScheduledAt.Sub(at(9, 0)))
	}

	entries, err := newTestService(repo, locker).InsertEmergency(context.Background(), doctorID, day)
	require.NoError(t, err)
	require.Len(t, entries, 4)

	head := entries[0]
	assert.True(t, head.Appointment.IsEmergency)
	assert.Equal(t, 1, head.QueuePosition)
	assert.Equal(t, EmergencyDurationMinutes, head.Appointment.DurationMinutes)
	assert.Equal(t, head.ComputedStartTime.Add(15*time.Minute), head.ComputedEndTime)

	// Previously queued appointments shift to positions 2..n+1 and ripple
	// forward from the emergency's end.
	assert.Equal(t, aID, entries[1].Appointment.ID)
	assert.Equal(t, 2, entries[1].QueuePosition)
	assert.Equal(t, head.ComputedEndTime, entries[1].ComputedStartTime)

	// A synthetic emergency patient was created.
	found := false
	for _, p := range repo.patients {
		if p.Name == "Emergency Patient" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestCancelClosesGap(t *testing.T) {
	repo := newFakeRepo()
	locker := &fakeLocker{}
	doctorID := repo.addDoctor()
	aID, bID, cID := seedThree(repo, doctorID)
	repo.appts[cID].DelayMinutes = 15

	svc := newTestService(repo, locker)

	_, err := svc.Recalculate(context.Background(), doctorID, testDay, nil)
	require.NoError(t, err)

	require.NoError(t, svc.Cancel(context.Background(), bID))

	assert.Equal(t, StatusCancelled, repo.appts[bID].Status)

	// A holds position 1; C closes the gap behind A's end plus its delay.
	assert.Equal(t, 1, *repo.appts[aID].QueuePosition)
	assert.Equal(t, at(9, 0), *repo.appts[aID].ComputedStartTime)
	assert.Equal(t, 2, *repo.appts[cID].QueuePosition)
	assert.Equal(t, at(9, 35), *repo.appts[cID].ComputedStartTime)
	assert.Equal(t, at(9, 55), *repo.appts[cID].ComputedEndTime)
}

func TestCancelUnknownAppointment(t *testing.T) {
	repo := newFakeRepo()
	locker := &fakeLocker{}

	err := newTestService(repo, locker).Cancel(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrAppointmentNotFound)
	assert.Equal(t, 0, locker.calls)
}

func TestBookValidatesReferences(t *testing.T) {
	repo := newFakeRepo()
	locker := &fakeLocker{}
	doctorID := repo.addDoctor()
	patientID := repo.addPatient()

	svc := newTestService(repo, locker)

	_, _, err := svc.Book(context.Background(), BookingParams{
		DoctorID:    uuid.New(),
		PatientID:   patientID,
		ScheduledAt: at(9, 0),
	})
	require.ErrorIs(t, err, ErrDoctorNotFound)

	_, _, err = svc.Book(context.Background(), BookingParams{
		DoctorID:    doctorID,
		PatientID:   uuid.New(),
		ScheduledAt: at(9, 0),
	})
	require.ErrorIs(t, err, ErrPatientNotFound)

	appt, entries, err := svc.Book(context.Background(), BookingParams{
		DoctorID:    doctorID,
		PatientID:   patientID,
		ScheduledAt: at(9, 0),
	})
	require.NoError(t, err)
	assert.Equal(t, DefaultDurationMinutes, appt.DurationMinutes)
	require.Len(t, entries, 1)
	assert.Equal(t, appt.ID, entries[0].Appointment.ID)
}

func TestRescheduleAcrossDaysRecalculatesBoth(t *testing.T) {
	repo := newFakeRepo()
	locker := &fakeLocker{}
	doctorID := repo.addDoctor()
	aID, bID, _ := seedThree(repo, doctorID)

	svc := newTestService(repo, locker)
	_, err := svc.Recalculate(context.Background(), doctorID, testDay, nil)
	require.NoError(t, err)
	locker.calls = 0
	locker.keys = nil

	tomorrow := repo.appts[bID].ScheduledAt.AddDate(0, 0, 1)
	updated, err := svc.Reschedule(context.Background(), bID, tomorrow)
	require.NoError(t, err)
	assert.Equal(t, tomorrow, updated.ScheduledAt)
	assert.Equal(t, StatusScheduled, updated.Status)

	// Both day locks were taken, chronologically ordered.
	require.Equal(t, 2, locker.calls)
	assert.Equal(t, fmt.Sprintf("%s:%s", doctorID, testDay.Format("2006-01-02")), locker.keys[0])
	assert.Equal(t, fmt.Sprintf("%s:%s", doctorID, tomorrow.Format("2006-01-02")), locker.keys[1])

	// The original day closed the gap; the new day positioned the mover.
	assert.Equal(t, 1, *repo.appts[aID].QueuePosition)
	assert.Equal(t, 1, *repo.appts[bID].QueuePosition)
	assert.Equal(t, tomorrow, *repo.appts[bID].ComputedStartTime)
}

func TestRescheduleSameDayTakesOneLock(t *testing.T) {
	repo := newFakeRepo()
	locker := &fakeLocker{}
	doctorID := repo.addDoctor()
	_, bID, _ := seedThree(repo, doctorID)

	svc := newTestService(repo, locker)
	_, err := svc.Reschedule(context.Background(), bID, at(11, 0))
	require.NoError(t, err)

	assert.Equal(t, 1, locker.calls)
	assert.Equal(t, at(11, 0), repo.appts[bID].ScheduledAt)
}

func TestDayViewDoesNotPersist(t *testing.T) {
	repo := newFakeRepo()
	locker := &fakeLocker{}
	doctorID := repo.addDoctor()
	aID, _, _ := seedThree(repo, doctorID)

	entries, err := newTestService(repo, locker).DayView(context.Background(), doctorID, testDay)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	// Read-only: no lock, no writes.
	assert.Equal(t, 0, locker.calls)
	assert.Nil(t, repo.appts[aID].ComputedStartTime)
	assert.Nil(t, repo.appts[aID].QueuePosition)
}

func TestMarkNoShows(t *testing.T) {
	repo := newFakeRepo()
	locker := &fakeLocker{}
	doctorID := repo.addDoctor()
	patient := repo.addPatient()

	now := time.Now()
	oldID := repo.add(Appointment{DoctorID: doctorID, PatientID: patient, ScheduledAt: now.AddDate(0, 0, -2), Status: StatusScheduled})
	todayID := repo.add(Appointment{DoctorID: doctorID, PatientID: patient, ScheduledAt: now, Status: StatusScheduled})
	doneID := repo.add(Appointment{DoctorID: doctorID, PatientID: patient, ScheduledAt: now.AddDate(0, 0, -2), Status: StatusCompleted})

	count, err := newTestService(repo, locker).MarkNoShows(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	assert.Equal(t, StatusNoShow, repo.appts[oldID].Status)
	assert.Equal(t, StatusScheduled, repo.appts[todayID].Status)
	assert.Equal(t, StatusCompleted, repo.appts[doneID].Status)
}

func TestExcludesNonActionableFromQueue(t *testing.T) {
	repo := newFakeRepo()
	locker := &fakeLocker{}
	doctorID := repo.addDoctor()
	patient := repo.addPatient()

	repo.add(Appointment{DoctorID: doctorID, PatientID: patient, ScheduledAt: at(9, 0), DurationMinutes: 20, Status: StatusScheduled})
	repo.add(Appointment{DoctorID: doctorID, PatientID: patient, ScheduledAt: at(9, 10), DurationMinutes: 20, Status: StatusCancelled})
	repo.add(Appointment{DoctorID: doctorID, PatientID: patient, ScheduledAt: at(9, 20), DurationMinutes: 20, Status: StatusInProgress})

	entries, err := newTestService(repo, locker).Recalculate(context.Background(), doctorID, testDay, nil)
	require.NoError(t, err)

	// Cancelled appointments neither occupy a slot nor absorb a delay;
	// IN_PROGRESS stays per the default policy.
	require.Len(t, entries, 2)
	for i, e := range entries {
		assert.Equal(t, i+1, e.QueuePosition)
		assert.NotEqual(t, StatusCancelled, e.Appointment.Status)
	}
}
