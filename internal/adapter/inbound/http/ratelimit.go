package http

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ipLimiterTTL is how long an idle IP keeps its limiter before the
// next sweep reclaims it.
const ipLimiterTTL = 10 * time.Minute

// ipLimiter holds one token-bucket limiter per client IP, pruned
// lazily so the map does not grow without bound under scanning.
type ipLimiter struct {
	mu      sync.Mutex
	entries map[string]*ipLimiterEntry
	rps     rate.Limit
	burst   int

	lastSweep time.Time
}

type ipLimiterEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

func newIPLimiter(perSecond float64, burst int) *ipLimiter {
	return &ipLimiter{
		entries:   make(map[string]*ipLimiterEntry),
		rps:       rate.Limit(perSecond),
		burst:     burst,
		lastSweep: time.Now(),
	}
}

// allow reports whether the IP may proceed, and when not, the
// suggested Retry-After in whole seconds.
func (l *ipLimiter) allow(ip string) (bool, int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.lastSweep) > ipLimiterTTL {
		for k, e := range l.entries {
			if now.Sub(e.seen) > ipLimiterTTL {
				delete(l.entries, k)
			}
		}
		l.lastSweep = now
	}

	entry, ok := l.entries[ip]
	if !ok {
		entry = &ipLimiterEntry{lim: rate.NewLimiter(l.rps, l.burst)}
		l.entries[ip] = entry
	}
	entry.seen = now

	res := entry.lim.Reserve()
	delay := res.Delay()
	if delay == 0 {
		return true, 0
	}
	res.Cancel()
	retryAfter := int(delay.Seconds()) + 1
	return false, retryAfter
}

// RateLimitMiddleware applies per-IP admission to the REST surface.
// It reads the IP resolved by RealIPMiddleware from context; rejected
// requests get 429 with a Retry-After header.
func RateLimitMiddleware(perSecond float64, burst int) func(http.Handler) http.Handler {
	limiter := newIPLimiter(perSecond, burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _ := r.Context().Value(IPAddressKey).(string)
			if ip == "" {
				ip = extractRealIP(r)
			}

			allowed, retryAfter := limiter.allow(ip)
			if !allowed {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
