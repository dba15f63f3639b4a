package api

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterSweepInterval = 5 * time.Minute
	limiterIdleTTL       = 10 * time.Minute
)

// Route budgets. Each client gets a separate budget per route group.
const (
	routeResults = "results"
	routePlan    = "plan"
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// requestLimiter hands out token buckets keyed by route and client.
type requestLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	every   rate.Limit
	burst   int
}

func newRequestLimiter(requestsPerMinute int) *requestLimiter {
	return &requestLimiter{
		buckets: make(map[string]*bucket, 64),
		every:   rate.Limit(float64(requestsPerMinute) / 60.0),
		burst:   requestsPerMinute,
	}
}

// reserve takes a token for key. It returns zero when the request may
// proceed, or how long the client should wait.
func (l *requestLimiter) reserve(key string, now time.Time) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.every, l.burst)}
		l.buckets[key] = b
	}

	b.lastSeen = now

	res := b.limiter.ReserveN(now, 1)
	if !res.OK() {
		return time.Minute
	}

	delay := res.DelayFrom(now)
	if delay > 0 {
		res.CancelAt(now)
	}

	return delay
}

// sweep drops buckets idle for longer than limiterIdleTTL.
func (l *requestLimiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > limiterIdleTTL {
			delete(l.buckets, key)
		}
	}
}

func (l *requestLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.buckets)
}

func (l *requestLimiter) run(done <-chan struct{}) {
	ticker := time.NewTicker(limiterSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			l.sweep(now)
		case <-done:
			return
		}
	}
}

// rateLimit limits requests to a route per client. It is a no-op when rate
// limiting is disabled.
func (s *server) rateLimit(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if s.limiter == nil {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := s.clientKey(r)

			if wait := s.limiter.reserve(route+"|"+client, time.Now()); wait > 0 {
				s.log.WithField("client", client).
					WithField("route", route).
					Debug("Rate limit exceeded")

				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				writeJSON(w, http.StatusTooManyRequests,
					errorResponse{"rate limit exceeded"})

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientKey identifies the caller: the basic auth user when authentication
// is enforced, otherwise the client IP.
func (s *server) clientKey(r *http.Request) string {
	if s.cfg.Auth.Basic.Enabled {
		if user, _, ok := r.BasicAuth(); ok {
			return "user:" + user
		}
	}

	return "ip:" + extractIP(r)
}

// extractIP returns the client's IP address from the request.
func extractIP(r *http.Request) string {
	// Check X-Forwarded-For first (common with reverse proxies).
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")

		return strings.TrimSpace(first)
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return ip
}
