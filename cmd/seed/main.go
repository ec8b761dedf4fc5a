package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/caarlos0/env/v6"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/hackgods/donation-slot-reservation/internal/booking"
	"github.com/hackgods/donation-slot-reservation/internal/db"
	"github.com/hackgods/donation-slot-reservation/internal/eligibility"
	redisclient "github.com/hackgods/donation-slot-reservation/internal/redis"
)

type seedConfig struct {
	PostgresDSN string `env:"POSTGRES_DSN,required"`
	// When set, slots are mirrored into Redis for SLOT_STORE=redis.
	RedisAddr     string `env:"SEED_REDIS_ADDR"`
	RedisUsername string `env:"REDIS_USERNAME"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	Timezone      string `env:"APP_TIMEZONE" envDefault:"UTC"`
	Centers       int    `env:"SEED_CENTERS" envDefault:"5"`
	Donors        int    `env:"SEED_DONORS" envDefault:"2000"`
	Days          int    `env:"SEED_DAYS" envDefault:"14"`
}

type fixture struct {
	centers []booking.Center
	slots   []booking.Slot
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("seed starting")

	_ = godotenv.Load()
	var cfg seedConfig
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("config: %v", err)
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		log.Fatalf("invalid APP_TIMEZONE: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.PoolOptions{})
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	var f fixture
	if f.centers, err = seedCenters(ctx, pool, cfg.Centers); err != nil {
		log.Fatalf("seed centers: %v", err)
	}
	if err := seedDonors(ctx, pool, cfg.Donors, f.centers); err != nil {
		log.Fatalf("seed donors: %v", err)
	}
	if f.slots, err = seedSlots(ctx, pool, f.centers, cfg.Days, loc); err != nil {
		log.Fatalf("seed slots: %v", err)
	}

	if cfg.RedisAddr != "" {
		if err := mirrorSlots(ctx, cfg, f.slots); err != nil {
			log.Fatalf("mirror slots to redis: %v", err)
		}
	}

	for _, c := range f.centers {
		log.Printf("center id=%s name=%q city=%s", c.ID, c.Name, c.City)
	}
	log.Println("seed complete")
}

func seedCenters(ctx context.Context, pool *pgxpool.Pool, count int) ([]booking.Center, error) {
	log.Printf("seeding %d centers", count)

	centers := make([]booking.Center, 0, count)
	rows := make([][]any, 0, count)
	for i := 0; i < count; i++ {
		addr := gofakeit.Address()
		c := booking.Center{
			ID:        uuid.New(),
			Name:      fmt.Sprintf("%s Blood Donation Center", addr.City),
			Address:   addr.Street,
			City:      addr.City,
			Latitude:  addr.Latitude,
			Longitude: addr.Longitude,
			Timezone:  "UTC",
		}
		centers = append(centers, c)
		rows = append(rows, []any{c.ID, c.Name, c.Address, c.City, c.Latitude, c.Longitude, c.Timezone})
	}

	_, err := pool.CopyFrom(ctx,
		pgx.Identifier{"donation_centers"},
		[]string{"id", "name", "address", "city", "latitude", "longitude", "timezone"},
		pgx.CopyFromRows(rows),
	)
	return centers, err
}

// seedDonors creates donors with zero to three past donations over the last
// two years, so the eligibility rules have something to bite on.
func seedDonors(ctx context.Context, pool *pgxpool.Pool, count int, centers []booking.Center) error {
	log.Printf("seeding %d donors", count)

	now := time.Now()
	donors := make([][]any, 0, count)
	var history [][]any
	for i := 0; i < count; i++ {
		id := uuid.New()
		donors = append(donors, []any{id, gofakeit.Name(), gofakeit.Email()})

		for j := gofakeit.Number(0, 3); j > 0; j-- {
			t := eligibility.WholeBlood
			if gofakeit.Bool() {
				t = eligibility.Plasma
			}
			at := gofakeit.DateRange(now.AddDate(-2, 0, 0), now.AddDate(0, 0, -1))
			center := centers[gofakeit.Number(0, len(centers)-1)].ID
			history = append(history, []any{id, string(t), at, center})
		}
	}

	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"donors"}, []string{"id", "name", "email"}, pgx.CopyFromRows(donors)); err != nil {
			return fmt.Errorf("copy donors: %w", err)
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"donation_history"}, []string{"donor_id", "donation_type", "donated_at", "center_id"}, pgx.CopyFromRows(history)); err != nil {
			return fmt.Errorf("copy donation history: %w", err)
		}
		log.Printf("donors seeded: %d, past donations: %d", len(donors), len(history))
		return nil
	})
}

// seedSlots opens whole blood slots every hour from 08:00 to 16:00 and
// plasma slots every second hour, local time.
func seedSlots(ctx context.Context, pool *pgxpool.Pool, centers []booking.Center, days int, loc *time.Location) ([]booking.Slot, error) {
	today := time.Now().In(loc)
	today = time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, loc)

	var slots []booking.Slot
	for _, c := range centers {
		for d := 1; d <= days; d++ {
			day := today.AddDate(0, 0, d)
			for hour := 8; hour <= 16; hour++ {
				start := day.Add(time.Duration(hour) * time.Hour)
				slots = append(slots, booking.Slot{
					ID: uuid.New(), CenterID: c.ID, StartAt: start,
					DonationType: eligibility.WholeBlood, Capacity: gofakeit.Number(2, 6),
				})
				if hour%2 == 0 {
					slots = append(slots, booking.Slot{
						ID: uuid.New(), CenterID: c.ID, StartAt: start,
						DonationType: eligibility.Plasma, Capacity: gofakeit.Number(1, 3),
					})
				}
			}
		}
	}

	rows := make([][]any, 0, len(slots))
	for _, s := range slots {
		rows = append(rows, []any{s.ID, s.CenterID, s.StartAt, string(s.DonationType), s.Capacity})
	}
	_, err := pool.CopyFrom(ctx,
		pgx.Identifier{"availability_slots"},
		[]string{"id", "center_id", "start_at", "donation_type", "capacity"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return nil, err
	}

	log.Printf("slots seeded: %d over %d days", len(slots), days)
	return slots, nil
}

func mirrorSlots(ctx context.Context, cfg seedConfig, slots []booking.Slot) error {
	rdb, err := redisclient.NewClient(ctx, redisclient.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		return err
	}
	defer rdb.Close()

	store := redisclient.NewSlotStore(rdb)
	for _, s := range slots {
		if err := store.PutSlot(ctx, s); err != nil {
			return err
		}
	}
	log.Printf("slots mirrored to redis: %d", len(slots))
	return nil
}
