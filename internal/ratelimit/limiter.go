// Package ratelimit gates upstream calls behind per-source token buckets
// and retries transient failures with exponential backoff. Repeated
// exhausted retries raise a per-source backoff floor so a failing upstream
// is probed gently until health checks clear it.
package ratelimit

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/metrics"
	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/types"
)

// Limits are one source's bucket parameters.
type Limits struct {
	RPS         float64       // sustained requests per second
	Burst       int           // bucket depth
	MinInterval time.Duration // optional floor between requests
}

// Config tunes the limiter.
type Config struct {
	MaxRetries int           // retries after the first attempt
	RetryBase  time.Duration // first backoff delay
	RetryMax   time.Duration // backoff cap
	Defaults   Limits
	PerSource  map[string]Limits
}

// DefaultConfig mirrors the stock settings: 3 retries, 500ms base, 30s cap,
// 5 rps / burst 10 per source.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		RetryBase:  500 * time.Millisecond,
		RetryMax:   30 * time.Second,
		Defaults:   Limits{RPS: 5, Burst: 10},
	}
}

// SourceStats is a point-in-time view of one source's limiter state.
type SourceStats struct {
	Acquires int64         `json:"acquires"`
	Retries  int64         `json:"retries"`
	Failures int64         `json:"failures"`
	Floor    time.Duration `json:"backoffFloor"`
}

type sourceState struct {
	key    string
	bucket *rate.Limiter

	mu          sync.Mutex
	floor       time.Duration
	consecFails int

	acquires int64
	retries  int64
	failures int64
}

// Limiter owns one bucket per source key. Safe for concurrent use.
type Limiter struct {
	cfg    Config
	logger zerolog.Logger

	mu      sync.Mutex
	sources map[string]*sourceState
}

// New builds a limiter from cfg, filling zero fields from DefaultConfig.
func New(cfg Config, logger zerolog.Logger) *Limiter {
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = def.RetryBase
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = def.RetryMax
	}
	if cfg.Defaults.RPS <= 0 {
		cfg.Defaults.RPS = def.Defaults.RPS
	}
	if cfg.Defaults.Burst <= 0 {
		cfg.Defaults.Burst = def.Defaults.Burst
	}
	return &Limiter{
		cfg:     cfg,
		logger:  logger.With().Str("component", "ratelimit").Logger(),
		sources: make(map[string]*sourceState),
	}
}

func (l *Limiter) source(key string) *sourceState {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.sources[key]; ok {
		return s
	}
	limits := l.cfg.Defaults
	if per, ok := l.cfg.PerSource[key]; ok {
		if per.RPS > 0 {
			limits.RPS = per.RPS
		}
		if per.Burst > 0 {
			limits.Burst = per.Burst
		}
		limits.MinInterval = per.MinInterval
	}
	limit := rate.Limit(limits.RPS)
	if limits.MinInterval > 0 {
		if spaced := rate.Every(limits.MinInterval); spaced < limit {
			limit = spaced
		}
	}
	s := &sourceState{key: key, bucket: rate.NewLimiter(limit, limits.Burst)}
	l.sources[key] = s
	return s
}

// Execute runs op under key's bucket, retrying retryable failures with
// exponential backoff and jitter. It returns the last error once retries
// are exhausted; callers degrade rather than propagate.
func (l *Limiter) Execute(ctx context.Context, key string, op func(ctx context.Context) error) error {
	s := l.source(key)

	var lastErr error
	for attempt := 0; attempt <= l.cfg.MaxRetries; attempt++ {
		if err := s.acquire(ctx); err != nil {
			return fmt.Errorf("acquire %s: %w", key, err)
		}

		err := op(ctx)
		if err == nil {
			s.onSuccess()
			return nil
		}
		lastErr = err

		if !types.IsRetryable(err) {
			return err
		}
		if attempt == l.cfg.MaxRetries {
			break
		}

		delay := l.backoffDelay(attempt)
		if hint, ok := types.RetryAfterHint(err); ok && hint > delay {
			// 429 Retry-After wins over our own schedule.
			delay = hint
		}
		s.recordRetry()
		metrics.RecordSourceRetry(key)
		l.logger.Debug().
			Str("source", key).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Err(err).
			Msg("Retrying upstream call")

		if err := sleep(ctx, delay); err != nil {
			return fmt.Errorf("backoff %s: %w", key, err)
		}
	}

	s.onExhausted(l.cfg.RetryBase, l.cfg.RetryMax)
	metrics.SetBackoffFloor(key, s.currentFloor().Seconds())
	l.logger.Warn().
		Str("source", key).
		Int("attempts", l.cfg.MaxRetries+1).
		Dur("backoff_floor", s.currentFloor()).
		Err(lastErr).
		Msg("Retries exhausted")
	return fmt.Errorf("%s: retries exhausted: %w", key, lastErr)
}

// ResetFloor clears key's backoff floor. Health probes call this when a
// source answers again.
func (l *Limiter) ResetFloor(key string) {
	s := l.source(key)
	s.mu.Lock()
	s.floor = 0
	s.consecFails = 0
	s.mu.Unlock()
	metrics.SetBackoffFloor(key, 0)
}

// Snapshot copies every source's counters for stats endpoints.
func (l *Limiter) Snapshot() map[string]SourceStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]SourceStats, len(l.sources))
	for key, s := range l.sources {
		s.mu.Lock()
		out[key] = SourceStats{
			Acquires: s.acquires,
			Retries:  s.retries,
			Failures: s.failures,
			Floor:    s.floor,
		}
		s.mu.Unlock()
	}
	return out
}

// backoffDelay computes the delay before retry attempt+1: base doubled per
// attempt, jittered uniformly in [0.5, 1.5)x, capped at RetryMax.
func (l *Limiter) backoffDelay(attempt int) time.Duration {
	d := l.cfg.RetryBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= l.cfg.RetryMax {
			d = l.cfg.RetryMax
			break
		}
	}
	jittered := time.Duration(float64(d) * (0.5 + rand.Float64()))
	if jittered > l.cfg.RetryMax {
		jittered = l.cfg.RetryMax
	}
	return jittered
}

// acquire waits out the backoff floor, then a bucket token. Both waits
// abort on ctx cancellation.
func (s *sourceState) acquire(ctx context.Context) error {
	if floor := s.currentFloor(); floor > 0 {
		if err := sleep(ctx, floor); err != nil {
			return err
		}
	}
	if err := s.bucket.Wait(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.acquires++
	s.mu.Unlock()
	return nil
}

func (s *sourceState) currentFloor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.floor
}

func (s *sourceState) recordRetry() {
	s.mu.Lock()
	s.retries++
	s.mu.Unlock()
}

// onSuccess decays the floor by half per success until it drops below the
// smallest meaningful wait.
func (s *sourceState) onSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.floor > 0 {
		s.floor /= 2
		if s.floor < 10*time.Millisecond {
			s.floor = 0
		}
	}
	if s.consecFails > 0 {
		s.consecFails--
	}
}

// onExhausted raises the floor geometrically with each exhausted execute.
func (s *sourceState) onExhausted(base, maxFloor time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures++
	s.consecFails++
	floor := base
	for i := 1; i < s.consecFails; i++ {
		floor *= 2
		if floor >= maxFloor {
			floor = maxFloor
			break
		}
	}
	s.floor = floor
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
