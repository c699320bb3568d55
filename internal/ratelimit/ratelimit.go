// Package ratelimit bounds the rate of verification-session starts per
// client identity using a sliding time window. Attempt counters live in a
// store shared across all API instances (Redis in production); the in-memory
// store exists for tests and single-instance development.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Config defines the sliding-window limit.
// Valid values:
//   - MaxRequests: must be > 0
//   - Window: must be > 0
type Config struct {
	// MaxRequests is the maximum number of attempts allowed per window.
	MaxRequests int

	// Window is the trailing duration attempts are counted over. Expired
	// attempts are pruned before counting; this is not a fixed-bucket
	// reset.
	Window time.Duration
}

// Validate checks that the Config has valid values.
func (c Config) Validate() error {
	if c.MaxRequests <= 0 {
		return fmt.Errorf("MaxRequests must be > 0 (got %d)", c.MaxRequests)
	}
	if c.Window <= 0 {
		return fmt.Errorf("Window must be > 0 (got %s)", c.Window)
	}
	return nil
}

// DefaultConfig is the default verification-start limit: 5 attempts per hour.
func DefaultConfig() Config {
	return Config{MaxRequests: 5, Window: time.Hour}
}

// Decision is the outcome of a rate limit check.
type Decision struct {
	Allowed   bool
	Remaining int
	// ResetAt is when the oldest counted attempt leaves the window. When
	// denied, this is the earliest time a retry can succeed.
	ResetAt time.Time
}

// RetryAfter returns the whole seconds until ResetAt, at least 1 when denied.
func (d Decision) RetryAfter(now time.Time) int {
	secs := int(d.ResetAt.Sub(now).Seconds())
	if secs <= 0 {
		secs = 1
	}
	return secs
}

// Store persists attempt timestamps per identifier. The check-and-record
// operation must be atomic from the caller's perspective so concurrent calls
// for the same identifier cannot exceed the cap.
type Store interface {
	CheckAndRecord(ctx context.Context, key string, cfg Config, now time.Time) (Decision, error)
}

// Metrics receives rate limiter observability events. Implemented by
// middleware.Metrics; a nil Metrics disables reporting.
type Metrics interface {
	IncRateLimitRequests()
	IncRateLimitBlocked()
	IncRateLimitStoreErrors()
}

// Limiter evaluates attempts against a Store with a fail-open policy: if the
// store is unreachable the attempt is allowed, because availability of the
// verification flow is prioritized over strict abuse prevention. Every
// fail-open event is logged and counted.
type Limiter struct {
	store   Store
	cfg     Config
	metrics Metrics
	timeNow func() time.Time
}

// NewLimiter creates a Limiter. metrics may be nil.
func NewLimiter(store Store, cfg Config, metrics Metrics) *Limiter {
	return &Limiter{
		store:   store,
		cfg:     cfg,
		metrics: metrics,
		timeNow: time.Now,
	}
}

// CheckAndRecord evaluates the attempt count for identifier within the
// trailing window, denying at/over the cap and otherwise recording the
// current attempt.
func (l *Limiter) CheckAndRecord(ctx context.Context, identifier string) Decision {
	if l.metrics != nil {
		l.metrics.IncRateLimitRequests()
	}

	now := l.timeNow()
	decision, err := l.store.CheckAndRecord(ctx, identifier, l.cfg, now)
	if err != nil {
		if l.metrics != nil {
			l.metrics.IncRateLimitStoreErrors()
		}
		slog.ErrorContext(ctx, "rate limit store unavailable, failing open",
			"identifier", identifier, "error", err)
		return Decision{Allowed: true, Remaining: l.cfg.MaxRequests - 1, ResetAt: now.Add(l.cfg.Window)}
	}

	if !decision.Allowed && l.metrics != nil {
		l.metrics.IncRateLimitBlocked()
	}
	return decision
}

// InMemoryStore implements Store with per-key attempt timestamps guarded by
// a mutex. The mutex makes check-and-record atomic within one process; it is
// insufficient in a multi-instance deployment, where RedisStore must be used.
type InMemoryStore struct {
	mu       sync.Mutex
	attempts map[string][]time.Time
}

// NewInMemoryStore creates a new in-memory sliding-window store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{attempts: make(map[string][]time.Time)}
}

// CheckAndRecord implements the Store interface.
func (s *InMemoryStore) CheckAndRecord(ctx context.Context, key string, cfg Config, now time.Time) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-cfg.Window)
	kept := s.attempts[key][:0]
	for _, t := range s.attempts[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.attempts[key] = kept

	if len(kept) >= cfg.MaxRequests {
		return Decision{
			Allowed:   false,
			Remaining: 0,
			ResetAt:   kept[0].Add(cfg.Window),
		}, nil
	}

	s.attempts[key] = append(kept, now)
	return Decision{
		Allowed:   true,
		Remaining: cfg.MaxRequests - len(kept) - 1,
		ResetAt:   s.attempts[key][0].Add(cfg.Window),
	}, nil
}

// Cleanup removes identifiers whose attempts have all expired, to prevent
// unbounded growth. Call periodically; a few multiples of the window is fine.
func (s *InMemoryStore) Cleanup(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-cfg.Window)
	for key, attempts := range s.attempts {
		expired := true
		for _, t := range attempts {
			if t.After(cutoff) {
				expired = false
				break
			}
		}
		if expired {
			delete(s.attempts, key)
		}
	}
}
