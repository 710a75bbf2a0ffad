// Package ratelimit implements a per-key token bucket rate limiter over golang.org/x/time/rate.
// Thread-safe. No background goroutines; idle keys are swept lazily on Allow.
package ratelimit

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when a key has exhausted its token bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

const (
	idleTTL       = 10 * time.Minute
	sweepInterval = time.Minute
)

// Config configures the token bucket rate limiter.
type Config struct {
	RequestsPerMinute int // Tokens added per minute. 0 = unlimited (Allow always succeeds).
	BurstSize         int // Maximum tokens in bucket. 0 = defaults to RequestsPerMinute.
}

// Limiter keeps an independent bucket per key (API key or remote address),
// so one caller cannot exhaust another's quota.
type Limiter struct {
	mu        sync.Mutex
	keys      map[string]*visitor
	limit     rate.Limit
	burst     int
	now       func() time.Time
	lastSweep time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// NewLimiter creates a rate limiter with the given configuration.
// If RequestsPerMinute is 0, Allow always succeeds (unlimited).
func NewLimiter(cfg Config, opts ...Option) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	l := &Limiter{
		keys:  make(map[string]*visitor),
		limit: rate.Limit(float64(cfg.RequestsPerMinute) / 60.0),
		burst: burst,
		now:   time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Unlimited reports whether the limiter lets everything through.
func (l *Limiter) Unlimited() bool { return l.limit <= 0 }

// Allow consumes one token from key's bucket. Returns ErrRateLimited if the bucket is empty.
func (l *Limiter) Allow(key string) error {
	if l.Unlimited() {
		return nil
	}

	l.mu.Lock()
	now := l.now()
	l.sweepLocked(now)
	v, ok := l.keys[key]
	if !ok {
		// First request: start with a full bucket.
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.keys[key] = v
	}
	v.lastSeen = now
	lim := v.limiter
	l.mu.Unlock()

	if !lim.AllowN(now, 1) {
		return ErrRateLimited
	}
	return nil
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}

func (l *Limiter) sweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < sweepInterval {
		return
	}
	l.lastSweep = now
	for k, v := range l.keys {
		if now.Sub(v.lastSeen) > idleTTL {
			delete(l.keys, k)
		}
	}
}
