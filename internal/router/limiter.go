package router

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// IPLimiter keeps one token bucket per client key.
type IPLimiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration
	now   func() time.Time

	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	lastSeen  map[string]time.Time
	lastSweep time.Time
}

// NewIPLimiter allows perMinute requests per key with the given burst.
func NewIPLimiter(perMinute float64, burst int) *IPLimiter {
	if burst < 1 {
		burst = 1
	}
	return &IPLimiter{
		limit:    rate.Limit(perMinute / 60),
		burst:    burst,
		idle:     30 * time.Minute,
		now:      time.Now,
		limiters: make(map[string]*rate.Limiter),
		lastSeen: make(map[string]time.Time),
	}
}

// Allow reports whether key may make a request now.
func (l *IPLimiter) Allow(key string) bool {
	return l.get(key).AllowN(l.now(), 1)
}

func (l *IPLimiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if now.Sub(l.lastSweep) > l.idle/6 {
		l.sweep(now.Add(-l.idle))
		l.lastSweep = now
	}
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[key] = lim
	}
	l.lastSeen[key] = now
	return lim
}

// sweep drops limiters not used since cutoff. Caller holds mu.
func (l *IPLimiter) sweep(cutoff time.Time) {
	for k, seen := range l.lastSeen {
		if seen.Before(cutoff) {
			delete(l.lastSeen, k)
			delete(l.limiters, k)
		}
	}
}

// Len is the number of tracked keys.
func (l *IPLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// RateLimitMiddleware answers 429 once a client exhausts its bucket.
func RateLimitMiddleware(l *IPLimiter, keyFn func(*http.Request) string, logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	retryAfter := "60"
	if l.limit > 0 {
		retryAfter = strconv.Itoa(int(1/float64(l.limit)) + 1)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFn(r)
			if !l.Allow(key) {
				logger.Infow("rate limited", "path", r.URL.Path, "client", key)
				w.Header().Set("Retry-After", retryAfter)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"message":"too many requests, please try again later","code":"RATE_LIMITED"}` + "\n"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
