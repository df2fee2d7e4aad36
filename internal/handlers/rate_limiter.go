package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jbites/api/internal/platform/auth"
	"github.com/jbites/api/internal/platform/httpx"
)

type rateLimiter interface {
	Allow(key string) (bool, time.Duration)
}

// windowLimiter counts requests per key in fixed windows.
type windowLimiter struct {
	limit  int
	window time.Duration
	clock  func() time.Time

	mu      sync.Mutex
	buckets map[string]window
}

type window struct {
	count int
	reset time.Time
}

// newWindowLimiter returns nil when limiting is disabled; a nil limiter allows everything.
func newWindowLimiter(limit int, period time.Duration, clock func() time.Time) *windowLimiter {
	if limit <= 0 || period <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &windowLimiter{
		limit:   limit,
		window:  period,
		clock:   clock,
		buckets: make(map[string]window),
	}
}

// Allow records a hit for key and reports whether it fits the window. When it
// does not, the second value is how long until the window resets.
func (l *windowLimiter) Allow(key string) (bool, time.Duration) {
	if l == nil {
		return true, 0
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "anonymous"
	}
	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()

	current, ok := l.buckets[key]
	if !ok || !now.Before(current.reset) {
		l.buckets[key] = window{count: 1, reset: now.Add(l.window)}
		l.pruneLocked(now)
		return true, 0
	}
	if current.count >= l.limit {
		return false, current.reset.Sub(now)
	}
	current.count++
	l.buckets[key] = current
	return true, 0
}

func (l *windowLimiter) pruneLocked(now time.Time) {
	for key, w := range l.buckets {
		if !now.Before(w.reset) {
			delete(l.buckets, key)
		}
	}
}

// limitByIdentity rejects callers that exceed limiter with 429. Requests are
// keyed by scope and the authenticated uid, falling back to the client address.
func limitByIdentity(limiter rateLimiter, scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.RemoteAddr
			if identity, ok := auth.IdentityFromContext(r.Context()); ok && identity.UID != "" {
				key = identity.UID
			}
			allowed, retryAfter := limiter.Allow(scope + ":" + key)
			if !allowed {
				seconds := int(retryAfter.Round(time.Second) / time.Second)
				w.Header().Set("Retry-After", strconv.Itoa(max(seconds, 1)))
				httpx.WriteError(r.Context(), w, httpx.NewError("rate_limited", "too many requests, retry later", http.StatusTooManyRequests))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
