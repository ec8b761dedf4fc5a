package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

type RouterConfig struct {
	Reservations Reservations
	Availability AvailabilityLister
	Health       *HealthHandler
	// Metrics may be nil; MetricsHandler is mounted at MetricsPath when set.
	Metrics        HTTPObserver
	MetricsHandler http.Handler
	MetricsPath    string
	JWTSecret      string
	JWTIssuer      string
	RateLimiter    *RateLimiter
	Location       *time.Location
}

func NewRouter(cfg RouterConfig) http.Handler {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	h := &handlers{
		reservations: cfg.Reservations,
		availability: cfg.Availability,
		loc:          loc,
	}

	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Metrics))

	if cfg.Health != nil {
		r.Get("/health/live", cfg.Health.Liveness)
		r.Get("/health/ready", cfg.Health.Readiness)
	}
	if cfg.MetricsHandler != nil && cfg.MetricsPath != "" {
		r.Handle(cfg.MetricsPath, cfg.MetricsHandler)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/centers/{centerID}/availability", h.listAvailability)

		r.Group(func(r chi.Router) {
			r.Use(DonorAuthMiddleware(cfg.JWTSecret, cfg.JWTIssuer))

			r.Post("/eligibility/check", h.checkEligibility)
			r.Get("/appointments", h.listAppointments)
			r.Get("/appointments/{id}", h.getAppointment)
			r.Post("/appointments/{id}/release", h.releaseAppointment)

			r.Group(func(r chi.Router) {
				if cfg.RateLimiter != nil {
					r.Use(cfg.RateLimiter.Middleware)
				}
				r.Post("/reservations", h.createReservation)
			})
		})
	})

	return r
}
