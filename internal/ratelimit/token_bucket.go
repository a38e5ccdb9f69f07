// Package ratelimit throttles admin triggers. Install refetches the whole
// precache and push shows a notification, so each token gets its own token
// bucket and over-eager callers receive 429.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Limiter is a single token bucket.
type Limiter struct {
	mu         sync.Mutex
	rate       float64 // tokens added per second
	burst      float64 // maximum token capacity
	tokens     float64
	lastRefill time.Time
	now        func() time.Time
}

func newLimiter(ratePerSecond, burst float64, now func() time.Time) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		rate:       ratePerSecond,
		burst:      burst,
		tokens:     burst,
		lastRefill: now(),
		now:        now,
	}
}

// Reserve consumes one token. When none is left it returns false and how long
// until the next token is available.
func (l *Limiter) Reserve() (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.tokens = math.Min(l.burst, l.tokens+now.Sub(l.lastRefill).Seconds()*l.rate)
	l.lastRefill = now

	if l.tokens >= 1 {
		l.tokens--
		return true, 0
	}
	if l.rate <= 0 {
		return false, time.Minute
	}
	wait := time.Duration((1 - l.tokens) / l.rate * float64(time.Second))
	return false, wait
}

// Store keeps one Limiter per key.
type Store struct {
	mu       sync.Mutex
	limiters map[string]*Limiter
	perMin   int
	now      func() time.Time
}

// NewStore creates a Store allowing perMinute triggers per key.
func NewStore(perMinute int) *Store {
	return &Store{limiters: make(map[string]*Limiter), perMin: perMinute, now: time.Now}
}

func (s *Store) get(key string) *Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[key]
	if !ok {
		l = newLimiter(float64(s.perMin)/60, float64(s.perMin), s.now)
		s.limiters[key] = l
	}
	return l
}

// Middleware rejects requests whose key has run out of tokens with 429 and a
// Retry-After header. key derives the bucket from the request.
func (s *Store) Middleware(key func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, wait := s.get(key(r)).Reserve()
			if !ok {
				secs := int(math.Ceil(wait.Seconds()))
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":{"message":"too many admin triggers","type":"rate_limit_error","code":"rate_limited"}}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
