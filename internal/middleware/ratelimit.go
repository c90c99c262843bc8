package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/gaushala/shelter/internal/errors"
	"github.com/gaushala/shelter/internal/httputil"
	"github.com/gaushala/shelter/internal/logging"
)

// RateLimiter throttles callers by key (user ID or client IP).
type RateLimiter struct {
	name      string
	mu        sync.Mutex
	limiters  map[string]*limiterEntry
	rate      rate.Limit
	burst     int
	perMinute int
	logger    *logging.Logger
	now       func() time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows perMinute requests per key with the given burst.
// A non-positive perMinute disables limiting.
func NewRateLimiter(name string, perMinute, burst int, logger *logging.Logger) *RateLimiter {
	if logger == nil {
		logger = logging.NewNop()
	}
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(perMinute))
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		name:      name,
		limiters:  make(map[string]*limiterEntry),
		rate:      limit,
		burst:     burst,
		perMinute: perMinute,
		logger:    logger,
		now:       time.Now,
	}
}

// Allow reports whether key may proceed now.
func (rl *RateLimiter) Allow(key string) bool {
	now := rl.now()

	rl.mu.Lock()
	entry, exists := rl.limiters[key]
	if !exists {
		entry = &limiterEntry{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[key] = entry
	}
	entry.lastSeen = now
	rl.mu.Unlock()

	return entry.limiter.AllowN(now, 1)
}

// Handler rejects throttled requests with 429.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := logging.GetUserID(r.Context())
		if key == "" {
			key = httputil.ClientIP(r)
		}

		if !rl.Allow(key) {
			rl.logger.LogSecurityEvent(r.Context(), "rate_limit_exceeded", map[string]interface{}{
				"limiter": rl.name,
				"key":     key,
				"path":    r.URL.Path,
				"method":  r.Method,
			})

			serviceErr := errors.RateLimitExceeded(rl.perMinute, "1m")
			w.Header().Set("Retry-After", strconv.Itoa(60/max(rl.perMinute, 1)+1))
			httputil.WriteErrorResponse(w, r, serviceErr.HTTPStatus, string(serviceErr.Code), serviceErr.Message, serviceErr.Details)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Cleanup drops limiters idle for longer than maxIdle and returns how many
// were removed. The scheduler runs it periodically.
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) int {
	cutoff := rl.now().Add(-maxIdle)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for key, entry := range rl.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.limiters, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}
