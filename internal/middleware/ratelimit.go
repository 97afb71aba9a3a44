package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/soulseer/backend/internal/logging"
	"golang.org/x/time/rate"
)

const visitorTTL = 3 * time.Minute

// visitor is the token bucket state for one client address.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter enforces a per-address request budget with token buckets.
// Idle entries are swept opportunistically, so no background goroutine is
// needed.
type RateLimiter struct {
	mu        sync.Mutex
	visitors  map[string]*visitor
	limit     rate.Limit
	burst     int
	nextSweep time.Time
}

// NewRateLimiter creates a limiter allowing requestsPerMinute sustained, with
// a burst of the same size.
func NewRateLimiter(requestsPerMinute int) *RateLimiter {
	return &RateLimiter{
		visitors:  make(map[string]*visitor),
		limit:     rate.Limit(float64(requestsPerMinute) / 60.0),
		burst:     requestsPerMinute,
		nextSweep: time.Now().Add(visitorTTL),
	}
}

func (rl *RateLimiter) limiterFor(addr string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if now.After(rl.nextSweep) {
		for ip, v := range rl.visitors {
			if now.Sub(v.lastSeen) > visitorTTL {
				delete(rl.visitors, ip)
			}
		}
		rl.nextSweep = now.Add(visitorTTL)
	}

	v, ok := rl.visitors[addr]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[addr] = v
	}
	v.lastSeen = now
	return v.limiter
}

// Middleware rejects over-budget requests with 429. The client address comes
// from X-Real-IP, which the RealIP middleware has already resolved from a
// source the caller cannot forge.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr := r.Header.Get("X-Real-IP")
		if addr == "" {
			addr = r.RemoteAddr
		}

		if !rl.limiterFor(addr).Allow() {
			logging.LogSecurityEvent(r.Context(), logging.SecurityEventRateLimited, "rate limit exceeded")
			w.Header().Set("Retry-After", "60")
			http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}
