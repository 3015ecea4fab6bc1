package middleware

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per owner+client key.
type RateLimiter struct {
	mu       sync.Mutex
	entries  map[string]*limiterEntry
	capacity int
	refill   rate.Limit
}

// NewRateLimiter builds a limiter allowing bursts of capacity and refilling
// refillRate tokens per second. Stop the sweeper by cancelling done.
func NewRateLimiter(capacity, refillRate int, done <-chan struct{}) *RateLimiter {
	rl := &RateLimiter{
		entries:  make(map[string]*limiterEntry),
		capacity: capacity,
		refill:   rate.Limit(refillRate),
	}
	go rl.cleanup(done)
	return rl
}

func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	e, ok := rl.entries[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rl.refill, rl.capacity)}
		rl.entries[key] = e
	}
	e.lastSeen = time.Now()
	rl.mu.Unlock()
	return e.limiter.Allow()
}

func (rl *RateLimiter) cleanup(done <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case now := <-ticker.C:
			rl.mu.Lock()
			// drop buckets idle for 10 minutes
			for key, e := range rl.entries {
				if now.Sub(e.lastSeen) > 10*time.Minute {
					delete(rl.entries, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// RateLimitMiddleware creates a rate limiting middleware
// capacity: max tokens in bucket
// refillRate: tokens added per second
func RateLimitMiddleware(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			// owner + IP as rate limit key
			key := GetOwnerFromContext(r.Context()) + ":" + r.RemoteAddr
			if !rl.Allow(key) {
				w.Header().Set("Retry-After", "60")
				http.Error(w, "rate limit exceeded, please try again later", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
