// Package health probes the upstream evaluators and classifies overall
// system state. The aggregator consults only the cached classification, so
// a tick never waits on a probe round.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/types"
)

// Prober is one upstream source the monitor checks.
type Prober interface {
	Name() string
	Health(ctx context.Context) types.SourceHealth
}

// FloorResetter clears a source's rate-limiter backoff floor when it
// probes healthy again.
type FloorResetter interface {
	ResetFloor(key string)
}

// Class is the overall system classification.
type Class string

const (
	ClassHealthy   Class = "healthy"   // >= 80% of sources up
	ClassDegraded  Class = "degraded"  // >= 50%
	ClassUnhealthy Class = "unhealthy" // everything else
)

// SystemReport is one probe round's outcome.
type SystemReport struct {
	Status    Class                `json:"status"`
	Sources   []types.SourceHealth `json:"sources"`
	CheckedAt time.Time            `json:"checkedAt"`
}

// Config tunes probe cadence and report caching.
type Config struct {
	Interval time.Duration // probe round cadence (default 60s)
	CacheTTL time.Duration // report freshness window (default 30s)
	Timeout  time.Duration // per-round probe deadline (default 10s)
}

// Monitor runs periodic parallel probes and caches the latest report.
type Monitor struct {
	cfg     Config
	probers []Prober
	floors  FloorResetter
	logger  zerolog.Logger

	mu     sync.RWMutex
	cached SystemReport

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// New builds a monitor over probers. floors may be nil.
func New(cfg Config, probers []Prober, floors FloorResetter, logger zerolog.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Monitor{
		cfg:     cfg,
		probers: probers,
		floors:  floors,
		logger:  logger.With().Str("component", "health").Logger(),
	}
}

// Start launches the background probe loop. Idempotent.
func (m *Monitor) Start(ctx context.Context) {
	m.once.Do(func() {
		ctx, m.cancel = context.WithCancel(ctx)
		m.wg.Add(1)
		go m.loop(ctx)
	})
}

// Stop halts the probe loop and waits for it to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
		m.wg.Wait()
	}
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()
	m.Force(ctx)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Force(ctx)
		}
	}
}

// Report returns the cached report when fresh, otherwise runs a probe
// round.
func (m *Monitor) Report(ctx context.Context) SystemReport {
	m.mu.RLock()
	cached := m.cached
	m.mu.RUnlock()
	if !cached.CheckedAt.IsZero() && time.Since(cached.CheckedAt) < m.cfg.CacheTTL {
		return cached
	}
	return m.Force(ctx)
}

// Classification returns the current overall class.
func (m *Monitor) Classification(ctx context.Context) Class {
	return m.Report(ctx).Status
}

// Force probes every source in parallel and refreshes the cache.
func (m *Monitor) Force(ctx context.Context) SystemReport {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	results := make([]types.SourceHealth, len(m.probers))
	var wg sync.WaitGroup
	for i, p := range m.probers {
		wg.Add(1)
		go func(i int, p Prober) {
			defer wg.Done()
			results[i] = p.Health(ctx)
		}(i, p)
	}
	wg.Wait()

	up := 0
	for i, r := range results {
		if r.Healthy {
			up++
			if m.floors != nil {
				m.floors.ResetFloor(m.probers[i].Name())
			}
		} else {
			m.logger.Warn().
				Str("source", m.probers[i].Name()).
				Str("error", r.Error).
				Msg("Source probe failed")
		}
	}

	report := SystemReport{
		Status:    classify(up, len(m.probers)),
		Sources:   results,
		CheckedAt: time.Now(),
	}
	m.mu.Lock()
	m.cached = report
	m.mu.Unlock()
	return report
}

func classify(up, total int) Class {
	if total == 0 {
		return ClassHealthy
	}
	ratio := float64(up) / float64(total)
	switch {
	case ratio >= 0.8:
		return ClassHealthy
	case ratio >= 0.5:
		return ClassDegraded
	default:
		return ClassUnhealthy
	}
}
