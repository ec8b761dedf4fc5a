package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hackgods/donation-slot-reservation/internal/api"
	"github.com/hackgods/donation-slot-reservation/internal/app"
	"github.com/hackgods/donation-slot-reservation/internal/availability"
	"github.com/hackgods/donation-slot-reservation/internal/config"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("api-server starting up")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	log.Printf("running in env=%s http_port=%s slot_store=%s timezone=%s", cfg.Env, cfg.HTTPPort, cfg.SlotStore, cfg.Timezone)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := app.Open(rootCtx, cfg, "donation_api")
	if err != nil {
		log.Fatalf("startup error: %v", err)
	}
	defer deps.Close()

	catalog, err := availability.NewCatalog(deps.Slots, deps.Repo, cfg.Availability.Horizon, cfg.Availability.CenterCacheSize)
	if err != nil {
		log.Fatalf("catalog error: %v", err)
	}

	health := api.NewHealthHandler([]api.Dependency{
		{Name: "postgres", Ping: deps.Pool.Ping, Critical: true},
		{
			Name:     "redis",
			Ping:     func(ctx context.Context) error { return deps.Redis.Ping(ctx).Err() },
			Critical: cfg.SlotStore == config.SlotStoreRedis,
		},
	}, cfg.Env, cfg.Version)

	router := api.NewRouter(api.RouterConfig{
		Reservations:   deps.Coordinator,
		Availability:   availability.NewService(catalog, availability.NewProjector(cfg.Location())),
		Health:         health,
		Metrics:        deps.Metrics,
		MetricsHandler: deps.Metrics.Handler(),
		MetricsPath:    cfg.MetricsPath,
		JWTSecret:      cfg.Auth.JWTSecret,
		JWTIssuer:      cfg.Auth.Issuer,
		RateLimiter:    api.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
		Location:       cfg.Location(),
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, ctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		log.Printf("http server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Println("shutting down api-server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Printf("api-server stopped with error: %v", err)
		return
	}
	log.Println("api-server stopped")
}
