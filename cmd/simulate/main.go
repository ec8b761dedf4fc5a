package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/hackgods/donation-slot-reservation/internal/api"
	"github.com/hackgods/donation-slot-reservation/internal/db"
)

type SimConfig struct {
	APIBaseURL   string        `env:"SIM_API_BASE_URL" envDefault:"http://localhost:8080"`
	Duration     time.Duration `env:"SIM_DURATION" envDefault:"30s"`
	Workers      int           `env:"SIM_WORKERS" envDefault:"20"`
	RPS          float64       `env:"SIM_RPS" envDefault:"200"`
	ReserveRatio float64       `env:"SIM_RESERVE_RATIO" envDefault:"0.6"`
	ReleaseRatio float64       `env:"SIM_RELEASE_RATIO" envDefault:"0.1"`
	DonorLimit   int           `env:"SIM_DONOR_LIMIT" envDefault:"1000"`
	// A handful of hot slots makes every reservation contend.
	HotSlots    int    `env:"SIM_HOT_SLOTS" envDefault:"5"`
	PostgresDSN string `env:"POSTGRES_DSN,required"`
	JWTSecret   string `env:"AUTH_JWT_SECRET,required"`
	JWTIssuer   string `env:"AUTH_JWT_ISSUER"`
}

type hotSlot struct {
	ID       uuid.UUID
	CenterID uuid.UUID
	Type     string
}

type booked struct {
	appointmentID uuid.UUID
	token         string
}

type DataPool struct {
	Tokens []string
	Slots  []hotSlot

	mu     sync.Mutex
	booked []booked
}

func (dp *DataPool) add(b booked) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.booked = append(dp.booked, b)
}

// take removes a random booking so it is released at most once.
func (dp *DataPool) take(rng *rand.Rand) (booked, bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if len(dp.booked) == 0 {
		return booked{}, false
	}
	i := rng.Intn(len(dp.booked))
	b := dp.booked[i]
	dp.booked[i] = dp.booked[len(dp.booked)-1]
	dp.booked = dp.booked[:len(dp.booked)-1]
	return b, true
}

type OperationStats struct {
	Total     int64
	Success   int64
	Conflict  int64
	Rejected  int64
	Error     int64
	mu        sync.Mutex
	latencies []time.Duration
}

func (st *OperationStats) Record(latency time.Duration, status int) {
	atomic.AddInt64(&st.Total, 1)
	switch {
	case status == http.StatusOK || status == http.StatusCreated:
		atomic.AddInt64(&st.Success, 1)
	case status == http.StatusConflict:
		atomic.AddInt64(&st.Conflict, 1)
	case status == http.StatusUnprocessableEntity || status == http.StatusTooManyRequests:
		atomic.AddInt64(&st.Rejected, 1)
	default:
		atomic.AddInt64(&st.Error, 1)
	}

	st.mu.Lock()
	st.latencies = append(st.latencies, latency)
	st.mu.Unlock()
}

func (st *OperationStats) Percentiles() (p50, p95, worst time.Duration) {
	st.mu.Lock()
	l := make([]time.Duration, len(st.latencies))
	copy(l, st.latencies)
	st.mu.Unlock()

	if len(l) == 0 {
		return 0, 0, 0
	}
	sort.Slice(l, func(i, j int) bool { return l[i] < l[j] })
	return l[len(l)*50/100], l[min(len(l)*95/100, len(l)-1)], l[len(l)-1]
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	limiter *rate.Limiter

	Reserve      OperationStats
	Release      OperationStats
	Availability OperationStats
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("simulator starting")

	_ = godotenv.Load()
	var cfg SimConfig
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	if cfg.Workers <= 0 || cfg.Duration <= 0 {
		log.Fatal("SIM_WORKERS and SIM_DURATION must be positive")
	}

	log.Printf("config: duration=%s workers=%d rps=%.0f reserve=%.2f release=%.2f hot_slots=%d",
		cfg.Duration, cfg.Workers, cfg.RPS, cfg.ReserveRatio, cfg.ReleaseRatio, cfg.HotSlots)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.PoolOptions{MaxConns: 2})
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		log.Fatalf("load data pool: %v", err)
	}
	log.Printf("loaded: %d donors, %d hot slots", len(dataPool.Tokens), len(dataPool.Slots))

	sim := &Simulator{
		config:  cfg,
		pool:    dataPool,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Workers),
	}

	if err := sim.Run(context.Background()); err != nil {
		log.Fatalf("simulation: %v", err)
	}
	sim.PrintReport()

	verifyCtx, cancelVerify := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelVerify()
	if err := verifyCapacity(verifyCtx, pgPool, dataPool.Slots); err != nil {
		log.Fatalf("capacity check failed: %v", err)
	}
	log.Println("capacity check passed: no slot holds more active appointments than its capacity")
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dp := &DataPool{}

	rows, err := pool.Query(ctx, `SELECT id FROM donors ORDER BY random() LIMIT $1`, cfg.DonorLimit)
	if err != nil {
		return nil, fmt.Errorf("load donors: %w", err)
	}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		tok, err := api.MakeToken(id, "", cfg.JWTSecret, cfg.JWTIssuer, cfg.Duration+time.Hour)
		if err != nil {
			rows.Close()
			return nil, err
		}
		dp.Tokens = append(dp.Tokens, tok)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = pool.Query(ctx, `
		SELECT id, center_id, donation_type FROM availability_slots
		WHERE start_at > now() AND current_bookings < capacity
		ORDER BY capacity, start_at
		LIMIT $1
	`, cfg.HotSlots)
	if err != nil {
		return nil, fmt.Errorf("load slots: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var s hotSlot
		if err := rows.Scan(&s.ID, &s.CenterID, &s.Type); err != nil {
			return nil, err
		}
		dp.Slots = append(dp.Slots, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(dp.Tokens) == 0 {
		return nil, fmt.Errorf("no donors loaded, run cmd/seed first")
	}
	if len(dp.Slots) == 0 {
		return nil, fmt.Errorf("no open slots loaded")
	}
	return dp, nil
}

func (s *Simulator) Run(parent context.Context) error {
	ctx, cancel := context.WithTimeout(parent, s.config.Duration)
	defer cancel()

	log.Printf("starting simulation for %s with %d workers", s.config.Duration, s.config.Workers)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.config.Workers; i++ {
		seed := time.Now().UnixNano() + int64(i)
		g.Go(func() error {
			s.worker(ctx, rand.New(rand.NewSource(seed)))
			return nil
		})
	}
	err := g.Wait()
	log.Println("simulation complete")
	return err
}

func (s *Simulator) worker(ctx context.Context, rng *rand.Rand) {
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		r := rng.Float64()
		switch {
		case r < s.config.ReserveRatio:
			s.doReserve(ctx, rng)
		case r < s.config.ReserveRatio+s.config.ReleaseRatio:
			s.doRelease(ctx, rng)
		default:
			s.doAvailability(ctx, rng)
		}
	}
}

func (s *Simulator) doReserve(ctx context.Context, rng *rand.Rand) {
	slot := s.pool.Slots[rng.Intn(len(s.pool.Slots))]
	token := s.pool.Tokens[rng.Intn(len(s.pool.Tokens))]

	body, _ := json.Marshal(api.CreateReservationRequest{SlotID: slot.ID.String(), DonationType: slot.Type})
	var resp api.ReservationResponse
	status, latency, err := s.call(ctx, http.MethodPost, "/v1/reservations", token, body, &resp)
	if err != nil {
		return
	}
	s.Reserve.Record(latency, status)
	if status == http.StatusCreated && resp.Appointment != nil {
		s.pool.add(booked{appointmentID: resp.Appointment.ID, token: token})
	}
}

func (s *Simulator) doRelease(ctx context.Context, rng *rand.Rand) {
	b, ok := s.pool.take(rng)
	if !ok {
		return
	}
	status, latency, err := s.call(ctx, http.MethodPost, "/v1/appointments/"+b.appointmentID.String()+"/release", b.token, nil, nil)
	if err != nil {
		return
	}
	s.Release.Record(latency, status)
}

func (s *Simulator) doAvailability(ctx context.Context, rng *rand.Rand) {
	slot := s.pool.Slots[rng.Intn(len(s.pool.Slots))]
	path := fmt.Sprintf("/v1/centers/%s/availability?type=%s", slot.CenterID, slot.Type)
	status, latency, err := s.call(ctx, http.MethodGet, path, "", nil, nil)
	if err != nil {
		return
	}
	s.Availability.Record(latency, status)
}

// call returns an error only when the request never completed, which at the
// end of the run is the deadline and is not counted.
func (s *Simulator) call(ctx context.Context, method, path, token string, body []byte, out any) (int, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("request error: %s %s: %v", method, path, err)
		}
		return 0, latency, err
	}
	defer resp.Body.Close()

	if out != nil {
		_ = json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode, latency, nil
}

// verifyCapacity checks the invariant the whole system exists for, using
// appointments as ground truth so it holds for either slot store.
func verifyCapacity(ctx context.Context, pool *pgxpool.Pool, slots []hotSlot) error {
	ids := make([]string, 0, len(slots))
	for _, s := range slots {
		ids = append(ids, s.ID.String())
	}

	rows, err := pool.Query(ctx, `
		SELECT s.id, s.capacity, count(a.id)
		FROM availability_slots s
		LEFT JOIN appointments a
		  ON a.slot_id = s.id AND a.status = 'scheduled' AND NOT a.capacity_released
		WHERE s.id = ANY($1::uuid[])
		GROUP BY s.id, s.capacity
	`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	var over []string
	for rows.Next() {
		var (
			id              uuid.UUID
			capacity, count int
		)
		if err := rows.Scan(&id, &capacity, &count); err != nil {
			return err
		}
		log.Printf("slot=%s capacity=%d active=%d", id, capacity, count)
		if count > capacity {
			over = append(over, id.String())
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(over) > 0 {
		return fmt.Errorf("overbooked slots: %s", strings.Join(over, ", "))
	}
	return nil
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n\n", s.config.Workers)

	printOperationReport("Reserve", &s.Reserve)
	printOperationReport("Release", &s.Release)
	printOperationReport("Availability", &s.Availability)
}

func printOperationReport(name string, st *OperationStats) {
	total := atomic.LoadInt64(&st.Total)
	if total == 0 {
		return
	}
	pct := func(n int64) float64 { return float64(n) / float64(total) * 100 }
	p50, p95, worst := st.Percentiles()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", st.Success, pct(st.Success))
	if st.Conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", st.Conflict, pct(st.Conflict))
	}
	if st.Rejected > 0 {
		fmt.Printf("  Rejected: %d (%.1f%%)\n", st.Rejected, pct(st.Rejected))
	}
	if st.Error > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", st.Error, pct(st.Error))
	}
	fmt.Printf("  Latency: p50=%s p95=%s max=%s\n\n",
		p50.Round(time.Millisecond), p95.Round(time.Millisecond), worst.Round(time.Millisecond))
}
