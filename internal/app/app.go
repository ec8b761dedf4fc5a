package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/hackgods/donation-slot-reservation/internal/booking"
	"github.com/hackgods/donation-slot-reservation/internal/config"
	"github.com/hackgods/donation-slot-reservation/internal/db"
	"github.com/hackgods/donation-slot-reservation/internal/eligibility"
	"github.com/hackgods/donation-slot-reservation/internal/metrics"
	redisclient "github.com/hackgods/donation-slot-reservation/internal/redis"
)

// Deps is the process-wide wiring shared by the api server and the release
// worker.
type Deps struct {
	Config      config.Config
	Pool        *pgxpool.Pool
	Redis       *redis.Client
	Repo        *booking.PgRepository
	Slots       booking.SlotStore
	Metrics     *metrics.Metrics
	Coordinator *booking.Coordinator
	Auditor     *booking.Auditor

	redisSlots *redisclient.SlotStore
	slotSource booking.SlotStore
}

// Open connects to Postgres and Redis, applies migrations and builds the
// coordinator over the configured slot store.
func Open(ctx context.Context, cfg config.Config, service string) (*Deps, error) {
	d := &Deps{Config: cfg}

	pgCtx, cancelPg := context.WithTimeout(ctx, 10*time.Second)
	pool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolOptions{MaxConns: cfg.PostgresMaxConn})
	cancelPg()
	if err != nil {
		return nil, fmt.Errorf("postgres connection: %w", err)
	}
	d.Pool = pool
	log.Println("connected to Postgres")

	if err := db.Migrate(ctx, pool); err != nil {
		d.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	rdb, err := redisclient.NewClient(ctx, redisclient.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("redis connection: %w", err)
	}
	d.Redis = rdb
	log.Println("connected to Redis")

	d.Repo = booking.NewPgRepository(pool)
	d.Slots = d.Repo
	if cfg.SlotStore == config.SlotStoreRedis {
		d.redisSlots = redisclient.NewSlotStore(rdb)
		d.slotSource = d.Repo
		if err := PreloadSlots(ctx, d.slotSource, d.redisSlots); err != nil {
			d.Close()
			return nil, err
		}
		d.Slots = d.redisSlots
	}
	log.Printf("slot store=%s", cfg.SlotStore)

	rules := eligibility.DefaultRules()
	if cfg.Reservation.RulesFile != "" {
		rules, err = eligibility.LoadRules(cfg.Reservation.RulesFile)
		if err != nil {
			d.Close()
			return nil, err
		}
		log.Printf("eligibility rules loaded from %s", cfg.Reservation.RulesFile)
	}

	d.Metrics = metrics.New(service)
	d.Coordinator = booking.NewCoordinator(d.Repo, d.Slots, eligibility.NewEvaluator(rules), d.Metrics, cfg)
	d.Auditor = booking.NewAuditor(d.Slots, d.Repo, d.Metrics, cfg.Availability.Horizon)

	return d, nil
}

// PreloadSlots copies upcoming slots into Redis. Slots Redis already holds
// keep their live counters.
func PreloadSlots(ctx context.Context, src booking.SlotStore, dst *redisclient.SlotStore) error {
	slots, err := src.ListSlots(ctx, booking.SlotQuery{From: time.Now()})
	if err != nil {
		return fmt.Errorf("list slots for preload: %w", err)
	}

	written := 0
	for _, s := range slots {
		ok, err := dst.PreloadSlot(ctx, s)
		if err != nil {
			return fmt.Errorf("preload slot %s: %w", s.ID, err)
		}
		if ok {
			written++
		}
	}
	log.Printf("redis slot preload: upcoming=%d written=%d", len(slots), written)
	return nil
}

// RefreshSlots copies slots created in Postgres since the last preload into
// Redis. It is a no-op when Postgres is the slot store.
func (d *Deps) RefreshSlots(ctx context.Context) error {
	if d.redisSlots == nil {
		return nil
	}
	return PreloadSlots(ctx, d.slotSource, d.redisSlots)
}

func (d *Deps) Close() {
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			log.Printf("error closing redis: %v", err)
		}
	}
	if d.Pool != nil {
		d.Pool.Close()
	}
}
