package handlers

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/americana-market/api/internal/platform/httpx"
)

const limiterIdleTTL = 10 * time.Minute

// RateLimiter decides whether a request keyed by key may proceed.
type RateLimiter interface {
	Allow(key string) bool
}

// keyedRateLimiter keeps one token bucket per key and drops buckets that have been idle.
type keyedRateLimiter struct {
	limit rate.Limit
	burst int
	clock func() time.Time
	mu    sync.Mutex
	store map[string]*limiterEntry
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter returns a per-key limiter allowing perMinute requests with the given burst. A
// non-positive rate disables limiting.
func NewRateLimiter(perMinute, burst int, clock func() time.Time) RateLimiter {
	if perMinute <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = perMinute
	}
	if clock == nil {
		clock = time.Now
	}
	return &keyedRateLimiter{
		limit: rate.Limit(float64(perMinute) / 60),
		burst: burst,
		clock: clock,
		store: make(map[string]*limiterEntry),
	}
}

func (l *keyedRateLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "anonymous"
	}
	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.store[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst), lastSeen: now}
		l.store[key] = entry
		l.pruneIdleLocked(now)
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func (l *keyedRateLimiter) pruneIdleLocked(now time.Time) {
	for key, entry := range l.store {
		if now.Sub(entry.lastSeen) > limiterIdleTTL {
			delete(l.store, key)
		}
	}
}

// RateLimitKeyFunc derives the bucket key for a request.
type RateLimitKeyFunc func(*http.Request) string

// KeyByRemoteAddr buckets requests per client address. middleware.RealIP should run first.
func KeyByRemoteAddr(r *http.Request) string {
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx > 0 {
		addr = addr[:idx]
	}
	return addr
}

// KeyByURLParam buckets requests per route parameter, falling back to the client address.
func KeyByURLParam(param string) RateLimitKeyFunc {
	return func(r *http.Request) string {
		if value := strings.TrimSpace(chi.URLParam(r, param)); value != "" {
			return param + ":" + value
		}
		return KeyByRemoteAddr(r)
	}
}

// RateLimit rejects requests over the limiter's budget with 429.
func RateLimit(limiter RateLimiter, key RateLimitKeyFunc) func(http.Handler) http.Handler {
	if key == nil {
		key = KeyByRemoteAddr
	}
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(key(r)) {
				httpx.WriteError(r.Context(), w, httpx.NewError("rate_limited", "too many requests", http.StatusTooManyRequests).WithRetryAfter(time.Second))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
