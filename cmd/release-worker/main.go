package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hackgods/donation-slot-reservation/internal/app"
	"github.com/hackgods/donation-slot-reservation/internal/booking"
	"github.com/hackgods/donation-slot-reservation/internal/config"
	"github.com/hackgods/donation-slot-reservation/internal/rabbitmq"
)

const metricsAddr = ":9102"

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("release-worker starting up")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	log.Printf("running release worker in env=%s audit_interval=%s rabbitmq=%t", cfg.Env, cfg.WorkerInterval, cfg.RabbitMQ.Enabled)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := app.Open(rootCtx, cfg, "donation_release_worker")
	if err != nil {
		log.Fatalf("startup error: %v", err)
	}
	defer deps.Close()

	listener, err := rabbitmq.NewCancellationListener(deps.Coordinator, cfg.RabbitMQ)
	if err != nil {
		log.Fatalf("rabbitmq error: %v", err)
	}
	defer func() {
		if err := listener.Close(); err != nil {
			log.Printf("error closing rabbitmq: %v", err)
		}
	}()

	g, ctx := errgroup.WithContext(rootCtx)

	if listener != nil {
		g.Go(func() error { return listener.Run(ctx) })
	}

	g.Go(func() error {
		refreshSlots(ctx, deps)
		runAudit(ctx, deps.Auditor)

		ticker := time.NewTicker(cfg.WorkerInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				log.Println("shutdown signal received, stopping capacity audit")
				return nil
			case <-ticker.C:
				refreshSlots(ctx, deps)
				runAudit(ctx, deps.Auditor)
			}
		}
	})

	mux := http.NewServeMux()
	mux.Handle(cfg.MetricsPath, deps.Metrics.Handler())
	srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Printf("release-worker stopped with error: %v", err)
		return
	}
	log.Println("release-worker stopped")
}

// refreshSlots makes slots published after startup reservable on the Redis
// store.
func refreshSlots(ctx context.Context, deps *app.Deps) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	if err := deps.RefreshSlots(runCtx); err != nil {
		log.Printf("redis slot refresh error: %v", err)
	}
}

func runAudit(ctx context.Context, auditor *booking.Auditor) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	drift, err := auditor.RunOnce(runCtx)
	if err != nil {
		log.Printf("capacity audit error: %v", err)
		return
	}
	log.Printf("capacity audit complete in %s drifted_slots=%d", time.Since(start), len(drift))
}
