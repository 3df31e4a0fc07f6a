package gateway

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// staleAfter is how long an idle client's bucket is kept.
const staleAfter = 10 * time.Minute

// RateLimiter enforces per-key (client IP) request rates with token buckets.
type RateLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*limiterEntry
	r         rate.Limit
	burst     int
	lastSweep time.Time
	now       func() time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter allowing rpm requests per minute with the
// given burst. rpm <= 0 disables limiting.
func NewRateLimiter(rpm, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 5
	}
	r := rate.Limit(0)
	if rpm > 0 {
		r = rate.Limit(float64(rpm) / 60.0)
	}
	return &RateLimiter{
		limiters: make(map[string]*limiterEntry),
		r:        r,
		burst:    burst,
		now:      time.Now,
	}
}

// Enabled reports whether the limiter is active.
func (rl *RateLimiter) Enabled() bool {
	return rl.r > 0
}

// Allow reports whether a request from key may proceed.
func (rl *RateLimiter) Allow(key string) bool {
	if !rl.Enabled() {
		return true
	}
	rl.mu.Lock()
	now := rl.now()
	rl.sweep(now)
	entry, ok := rl.limiters[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(rl.r, rl.burst)}
		rl.limiters[key] = entry
	}
	entry.lastSeen = now
	allowed := entry.limiter.AllowN(now, 1)
	rl.mu.Unlock()

	if !allowed {
		slog.Warn("rate limited", "key", key)
	}
	return allowed
}

// sweep drops idle buckets at most once per staleAfter. Caller must hold rl.mu.
func (rl *RateLimiter) sweep(now time.Time) {
	if now.Sub(rl.lastSweep) < staleAfter {
		return
	}
	rl.lastSweep = now
	for key, entry := range rl.limiters {
		if now.Sub(entry.lastSeen) > staleAfter {
			delete(rl.limiters, key)
		}
	}
}

// Middleware rejects requests over the limit with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientIP(r)) {
			retry := 60
			if rl.r > 0 {
				retry = max(1, int(1/float64(rl.r)))
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP returns the request's remote host. middleware.RealIP has already
// applied forwarding headers.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
