package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterIdleTTL    = 3 * time.Minute
	limiterSweepEvery = time.Minute
)

type donorLimiter struct {
	lim  *rate.Limiter
	seen time.Time
}

// RateLimiter keeps one token bucket per donor. Idle buckets are swept
// lazily on access.
type RateLimiter struct {
	mu        sync.Mutex
	donors    map[string]*donorLimiter
	r         rate.Limit
	burst     int
	lastSweep time.Time
	now       func() time.Time
}

func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		donors: make(map[string]*donorLimiter),
		r:      rate.Limit(rps),
		burst:  burst,
		now:    time.Now,
	}
}

func (rl *RateLimiter) get(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastSweep) > limiterSweepEvery {
		for k, d := range rl.donors {
			if now.Sub(d.seen) > limiterIdleTTL {
				delete(rl.donors, k)
			}
		}
		rl.lastSweep = now
	}

	if d, ok := rl.donors[key]; ok {
		d.seen = now
		return d.lim
	}
	l := rate.NewLimiter(rl.r, rl.burst)
	rl.donors[key] = &donorLimiter{lim: l, seen: now}
	return l
}

func (rl *RateLimiter) Allow(key string) bool {
	return rl.get(key).AllowN(rl.now(), 1)
}

// Middleware limits per authenticated donor, so it must run after
// DonorAuthMiddleware.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		donor := DonorFromContext(r.Context())
		if !rl.Allow(donor.DonorID.String()) {
			w.Header().Set("Retry-After", strconv.Itoa(1))
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests, please slow down")
			return
		}
		next.ServeHTTP(w, r)
	})
}
