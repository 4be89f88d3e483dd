// Package ratelimit implements per-host token buckets with a minimum spacing
// between takes.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/linkcheck/internal/logging"
	"github.com/JakeFAU/linkcheck/internal/metrics"
)

// Config holds rate limiter configuration.
type Config struct {
	// Capacity is the number of tokens a full bucket holds.
	Capacity int
	// FillTime is how long an empty bucket takes to refill completely.
	FillTime time.Duration
	// MinInterval is the floor between two takes from the same bucket.
	MinInterval time.Duration
	// MaxBuckets caps the number of tracked keys. The oldest bucket is
	// evicted first.
	MaxBuckets int
}

// DefaultConfig returns the limits used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Capacity:    4,
		FillTime:    20 * time.Second,
		MinInterval: time.Second,
		MaxBuckets:  200,
	}
}

type bucket struct {
	tokens   *rate.Limiter
	lastTake time.Time
}

// Limiter manages one token bucket per key.
type Limiter struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	buckets map[string]*bucket
	order   []string

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a new Limiter.
func New(cfg Config, logger *zap.Logger) *Limiter {
	def := DefaultConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.FillTime <= 0 {
		cfg.FillTime = def.FillTime
	}
	if cfg.MinInterval < 0 {
		cfg.MinInterval = 0
	}
	if cfg.MaxBuckets <= 0 {
		cfg.MaxBuckets = def.MaxBuckets
	}
	return &Limiter{
		cfg:     cfg,
		logger:  logging.OrNop(logger).Named("ratelimit"),
		buckets: make(map[string]*bucket),
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

// TakeToken blocks until a token for key is available and the minimum
// interval since the previous take has passed, then consumes the token. It
// only fails when ctx is done while waiting.
func (l *Limiter) TakeToken(ctx context.Context, key string) error {
	l.mu.Lock()
	b := l.bucketLocked(key)
	now := l.now()

	reservation := b.tokens.ReserveN(now, 1)
	wait := reservation.DelayFrom(now)
	if !b.lastTake.IsZero() {
		if floor := l.cfg.MinInterval - now.Sub(b.lastTake); floor > wait {
			wait = floor
		}
	}
	if wait < 0 {
		wait = 0
	}
	b.lastTake = now.Add(wait)
	l.mu.Unlock()

	if wait > 0 {
		l.logger.Debug("rate limit wait", zap.String("key", key), zap.Duration("wait", wait))
		if err := l.sleep(ctx, wait); err != nil {
			reservation.CancelAt(l.now())
			return fmt.Errorf("rate limit wait: %w", err)
		}
		metrics.ObserveRateLimitDelay(wait)
	}

	l.mu.Lock()
	if current := l.now(); current.After(b.lastTake) {
		b.lastTake = current
	}
	l.mu.Unlock()
	return nil
}

// Len reports how many buckets are tracked.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *Limiter) bucketLocked(key string) *bucket {
	if b, ok := l.buckets[key]; ok {
		return b
	}
	for len(l.buckets) >= l.cfg.MaxBuckets && len(l.order) > 0 {
		oldest := l.order[0]
		l.order = l.order[1:]
		delete(l.buckets, oldest)
	}
	fillRate := rate.Limit(float64(l.cfg.Capacity) / l.cfg.FillTime.Seconds())
	b := &bucket{tokens: rate.NewLimiter(fillRate, l.cfg.Capacity)}
	// A new limiter starts full, matching a fresh bucket with C tokens.
	l.buckets[key] = b
	l.order = append(l.order, key)
	return b
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
