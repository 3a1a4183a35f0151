package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicore/clinic-queue/internal/config"
	"github.com/clinicore/clinic-queue/internal/db"
)

// The simulator hammers a handful of doctor/day queues from many workers at
// once. Contention on the same doctor is the point: it exercises the queue
// lock and lets the final verification pass check that every queue still
// satisfies its invariants.

type SimConfig struct {
	APIBaseURL     string
	Duration       time.Duration
	Workers        int
	BookingRatio   float64
	RecalcRatio    float64
	EmergencyRatio float64
	ReadRatio      float64
	DoctorLimit    int
	PatientLimit   int
	PostgresDSN    string
}

type DataPool struct {
	Doctors      []uuid.UUID
	Patients     []uuid.UUID
	mu           sync.RWMutex
	appointments []uuid.UUID
}

func (dp *DataPool) AddAppointment(id uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, id)
}

func (dp *DataPool) GetRandomAppointment(rng *rand.Rand) (uuid.UUID, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appointments) == 0 {
		return uuid.Nil, false
	}
	return dp.appointments[rng.Intn(len(dp.appointments))], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)

	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]

	p50Idx := len(latencies) * 50 / 100
	if p50Idx >= len(latencies) {
		p50Idx = len(latencies) - 1
	}
	p50 = latencies[p50Idx]

	p95Idx := len(latencies) * 95 / 100
	if p95Idx >= len(latencies) {
		p95Idx = len(latencies) - 1
	}
	p95 = latencies[p95Idx]

	return avg, min, max, p50, p95
}

type Metrics struct {
	Booking     OperationMetrics
	Recalculate OperationMetrics
	Emergency   OperationMetrics
	DayView     OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("simulator starting")

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	log.Printf("config: duration=%s workers=%d booking=%.2f recalc=%.2f emergency=%.2f read=%.2f",
		cfg.Duration, cfg.Workers, cfg.BookingRatio, cfg.RecalcRatio, cfg.EmergencyRatio, cfg.ReadRatio)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		log.Fatalf("load data pool: %v", err)
	}

	log.Printf("loaded: %d doctors, %d patients", len(dataPool.Doctors), len(dataPool.Patients))

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	sim.Run()
	sim.PrintReport()
	sim.VerifyQueues()
}

func loadConfig() SimConfig {
	baseCfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load base config: %v", err)
	}

	cfg := SimConfig{
		APIBaseURL:     getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:       getDuration("SIM_DURATION", 30*time.Second),
		Workers:        getInt("SIM_WORKERS", 10),
		BookingRatio:   getFloat("SIM_BOOKING_RATIO", 0.3),
		RecalcRatio:    getFloat("SIM_RECALC_RATIO", 0.3),
		EmergencyRatio: getFloat("SIM_EMERGENCY_RATIO", 0.1),
		ReadRatio:      getFloat("SIM_READ_RATIO", 0.3),
		DoctorLimit:    getInt("SIM_DOCTOR_LIMIT", 5),
		PatientLimit:   getInt("SIM_PATIENT_LIMIT", 1000),
		PostgresDSN:    baseCfg.PostgresDSN,
	}

	// Normalize ratios
	total := cfg.BookingRatio + cfg.RecalcRatio + cfg.EmergencyRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.RecalcRatio /= total
		cfg.EmergencyRatio /= total
		cfg.ReadRatio /= total
	}

	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required (set in .env or environment)")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	return nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dataPool := &DataPool{}

	rows, err := pool.Query(ctx, `
		SELECT id FROM doctors LIMIT $1
	`, cfg.DoctorLimit)
	if err != nil {
		return nil, fmt.Errorf("load doctors: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		dataPool.Doctors = append(dataPool.Doctors, id)
	}

	rows, err = pool.Query(ctx, `
		SELECT id FROM patients LIMIT $1
	`, cfg.PatientLimit)
	if err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		dataPool.Patients = append(dataPool.Patients, id)
	}

	if len(dataPool.Doctors) == 0 {
		return nil, fmt.Errorf("no doctors loaded")
	}
	if len(dataPool.Patients) == 0 {
		return nil, fmt.Errorf("no patients loaded")
	}

	return dataPool, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	log.Printf("starting simulation for %s with %d workers", s.config.Duration, s.config.Workers)

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	log.Println("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
			r := rng.Float64()
			switch {
			case r < s.config.BookingRatio:
				s.doBooking(ctx, rng)
			case r < s.config.BookingRatio+s.config.RecalcRatio:
				s.doRecalculate(ctx, rng)
			case r < s.config.BookingRatio+s.config.RecalcRatio+s.config.EmergencyRatio:
				s.doEmergency(ctx, rng)
			default:
				s.doDayView(ctx, rng)
			}
		}
	}
}

func (s *Simulator) randomDoctor(rng *rand.Rand) uuid.UUID {
	return s.pool.Doctors[rng.Intn(len(s.pool.Doctors))]
}

func today() string {
	return time.Now().Format("2006-01-02")
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand) {
	doctorID := s.randomDoctor(rng)
	patientID := s.pool.Patients[rng.Intn(len(s.pool.Patients))]

	// Book somewhere in today's working hours so the appointment lands in the
	// queues the other operations are churning.
	dayStart := time.Now().Truncate(24 * time.Hour)
	scheduledAt := time.Now().Add(time.Duration(rng.Intn(4*60)) * time.Minute)
	if scheduledAt.Day() != dayStart.Day() {
		scheduledAt = time.Now()
	}

	start := time.Now()

	reqBody := map[string]any{
		"doctor_id":        doctorID.String(),
		"patient_id":       patientID.String(),
		"scheduled_at":     scheduledAt.Format(time.RFC3339),
		"duration_minutes": []int{15, 20, 30}[rng.Intn(3)],
	}
	body, _ := json.Marshal(reqBody)

	req, _ := http.NewRequestWithContext(ctx, "POST", s.config.APIBaseURL+"/appointments", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	conflict := false

	if err == nil {
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusCreated {
			success = true
			var apptResp struct {
				Appointment struct {
					ID uuid.UUID `json:"id"`
				} `json:"appointment"`
			}
			bodyBytes, _ := io.ReadAll(resp.Body)
			if len(bodyBytes) > 0 {
				json.Unmarshal(bodyBytes, &apptResp)
				if apptResp.Appointment.ID != uuid.Nil {
					s.pool.AddAppointment(apptResp.Appointment.ID)
				}
			}
		} else if resp.StatusCode == http.StatusConflict {
			conflict = true
		}
	}

	s.metrics.Booking.Record(latency, success, conflict)
}

func (s *Simulator) doRecalculate(ctx context.Context, rng *rand.Rand) {
	doctorID := s.randomDoctor(rng)

	reqBody := map[string]any{
		"doctor_id": doctorID.String(),
		"date":      today(),
	}

	// Half the time, push a delay onto a known appointment so delays ripple.
	if apptID, ok := s.pool.GetRandomAppointment(rng); ok && rng.Intn(2) == 0 {
		reqBody["change"] = map[string]any{
			"appointment_id": apptID.String(),
			"delay_minutes":  rng.Intn(30),
		}
	}

	start := time.Now()

	body, _ := json.Marshal(reqBody)
	req, _ := http.NewRequestWithContext(ctx, "POST", s.config.APIBaseURL+"/queue/recalculate", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	conflict := false

	if err == nil {
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			success = true
		} else if resp.StatusCode == http.StatusConflict {
			conflict = true
		}
	}

	s.metrics.Recalculate.Record(latency, success, conflict)
}

func (s *Simulator) doEmergency(ctx context.Context, rng *rand.Rand) {
	doctorID := s.randomDoctor(rng)

	start := time.Now()

	body, _ := json.Marshal(map[string]string{
		"doctor_id": doctorID.String(),
		"date":      today(),
	})
	req, _ := http.NewRequestWithContext(ctx, "POST", s.config.APIBaseURL+"/queue/emergency", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	conflict := false

	if err == nil {
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusCreated {
			success = true
		} else if resp.StatusCode == http.StatusConflict {
			conflict = true
		}
	}

	s.metrics.Emergency.Record(latency, success, conflict)
}

func (s *Simulator) doDayView(ctx context.Context, rng *rand.Rand) {
	doctorID := s.randomDoctor(rng)

	start := time.Now()

	req, _ := http.NewRequestWithContext(ctx, "GET",
		fmt.Sprintf("%s/queue?doctor_id=%s&date=%s", s.config.APIBaseURL, doctorID.String(), today()), nil)

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	if err == nil {
		defer resp.Body.Close()
		success = resp.StatusCode == http.StatusOK
	}

	s.metrics.DayView.Record(latency, success, false)
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Recalculate", &s.metrics.Recalculate)
	printOperationReport("Emergency", &s.metrics.Emergency)
	printOperationReport("Day view", &s.metrics.DayView)
}

// VerifyQueues fetches every doctor's final queue and checks the published
// invariants: positions are exactly 1..n and computed times never overlap.
func (s *Simulator) VerifyQueues() {
	fmt.Println(strings.Repeat("=", 80))
	fmt.Println("QUEUE VERIFICATION")
	fmt.Println(strings.Repeat("=", 80))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	failures := 0
	for _, doctorID := range s.pool.Doctors {
		req, _ := http.NewRequestWithContext(ctx, "GET",
			fmt.Sprintf("%s/queue?doctor_id=%s&date=%s", s.config.APIBaseURL, doctorID.String(), today()), nil)

		resp, err := s.client.Do(req)
		if err != nil {
			fmt.Printf("doctor %s: fetch error: %v\n", doctorID, err)
			failures++
			continue
		}

		var queueResp struct {
			UpdatedQueue []struct {
				QueuePosition     int       `json:"queue_position"`
				IsEmergency       bool      `json:"is_emergency"`
				ComputedStartTime time.Time `json:"computed_start_time"`
				ComputedEndTime   time.Time `json:"computed_end_time"`
			} `json:"updated_queue"`
		}
		err = json.NewDecoder(resp.Body).Decode(&queueResp)
		resp.Body.Close()
		if err != nil {
			fmt.Printf("doctor %s: decode error: %v\n", doctorID, err)
			failures++
			continue
		}

		entries := queueResp.UpdatedQueue
		ok := true
		sawRegular := false
		for i, e := range entries {
			if e.QueuePosition != i+1 {
				fmt.Printf("doctor %s: position gap at index %d (got %d)\n", doctorID, i, e.QueuePosition)
				ok = false
			}
			if e.IsEmergency && sawRegular {
				fmt.Printf("doctor %s: emergency at position %d behind a regular appointment\n", doctorID, e.QueuePosition)
				ok = false
			}
			if !e.IsEmergency {
				sawRegular = true
			}
			if i > 0 && entries[i].ComputedStartTime.Before(entries[i-1].ComputedEndTime) {
				fmt.Printf("doctor %s: overlap between positions %d and %d\n", doctorID, i, i+1)
				ok = false
			}
		}
		if ok {
			fmt.Printf("doctor %s: queue of %d OK\n", doctorID, len(entries))
		} else {
			failures++
		}
	}

	if failures == 0 {
		fmt.Println("all queues consistent")
	} else {
		fmt.Printf("%d queues FAILED verification\n", failures)
	}
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

// Helper functions

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
