package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type limiterEntry struct {
	limiter *rate.Limiter
	last    time.Time
}

// RateLimiter hands out one token bucket per caller. Callers are keyed by
// user id when the request is authenticated and by client IP otherwise.
type RateLimiter struct {
	rps   rate.Limit
	burst int

	mu       sync.Mutex
	visitors map[string]*limiterEntry
}

func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{rps: rate.Limit(rps), burst: burst, visitors: map[string]*limiterEntry{}}
}

func clientKey(r *http.Request) string {
	if uid := GetUserID(r.Context()); uid != "" {
		return "user:" + uid
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return "ip:" + strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}

func (l *RateLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	le, ok := l.visitors[key]
	if !ok {
		le = &limiterEntry{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.visitors[key] = le
	}
	le.last = time.Now()
	return le.limiter.Allow()
}

// Sweep forgets callers idle for longer than idle.
func (l *RateLimiter) Sweep(idle time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, v := range l.visitors {
		if time.Since(v.last) > idle {
			delete(l.visitors, k)
		}
	}
}

func (l *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(clientKey(r)) {
			w.Header().Set("Retry-After", "1")
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
