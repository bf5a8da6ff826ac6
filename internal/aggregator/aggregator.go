// Package aggregator owns the discovery cycle: every tick it pulls
// trending candidates, drops already-seen and blacklisted addresses, fans
// the rest into the pipeline, persists the passing analyses and hands them
// to the publishers. Ticks never overlap; a tick arriving mid-run is
// dropped, not queued.
package aggregator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/cache"
	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/health"
	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/metrics"
	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/store"
	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/types"
)

// Discovery feeds the aggregator launch candidates.
type Discovery interface {
	Trending(ctx context.Context, limit int) ([]types.MarketSnapshot, error)
}

// Processor evaluates a batch of addresses.
type Processor interface {
	ProcessBatch(ctx context.Context, addresses []string, criteria types.FilterCriteria) []*types.CombinedAnalysis
}

// Gate is the health monitor's view the cycle consults before touching
// any source.
type Gate interface {
	Classification(ctx context.Context) health.Class
}

// Publisher receives every passing analysis. Implementations must not
// block the cycle.
type Publisher interface {
	PublishAnalysis(a *types.CombinedAnalysis)
}

// Config holds the aggregator's runtime knobs. Mutable fields are updated
// through UpdateConfig under the aggregator's lock.
type Config struct {
	TickInterval    time.Duration        `json:"tickInterval"`
	MaxTokensPerRun int                  `json:"maxTokensPerRun"`
	ProcessedTTL    time.Duration        `json:"processedTTL"`
	RunHistory      int                  `json:"runHistory"`
	Criteria        types.FilterCriteria `json:"criteria"`
}

// Delta is a partial config update; nil fields keep their value.
type Delta struct {
	TickInterval    *time.Duration        `json:"tickInterval,omitempty"`
	MaxTokensPerRun *int                  `json:"maxTokensPerRun,omitempty"`
	Criteria        *types.FilterCriteria `json:"criteria,omitempty"`
}

// DefaultConfig mirrors the stock settings.
func DefaultConfig() Config {
	return Config{
		TickInterval:    5 * time.Minute,
		MaxTokensPerRun: 30,
		ProcessedTTL:    24 * time.Hour,
		RunHistory:      50,
		Criteria:        types.DefaultCriteria(),
	}
}

// Stats is a snapshot of the aggregator's counters and EWMAs.
type Stats struct {
	TotalRuns       int64         `json:"totalRuns"`
	CompletedRuns   int64         `json:"completedRuns"`
	FailedRuns      int64         `json:"failedRuns"`
	TokensProcessed int64         `json:"tokensProcessed"`
	TokensPassed    int64         `json:"tokensPassed"`
	SuccessRate     float64       `json:"successRate"`    // EWMA of passed/processed
	AvgRunTime      time.Duration `json:"avgRunTime"`     // EWMA of run wall time
	BlacklistSize   int           `json:"blacklistSize"`
	ProcessedSize   int           `json:"processedSize"`
	Running         bool          `json:"running"`
	LastRunAt       time.Time     `json:"lastRunAt,omitempty"`
}

const ewmaAlpha = 0.2

// Aggregator drives the discovery cycle.
type Aggregator struct {
	discovery Discovery
	processor Processor
	gate      Gate
	persister store.Store
	pubs      []Publisher
	logger    zerolog.Logger

	// runMu serializes cycles; the scheduler TryLocks it so a tick that
	// lands mid-run is dropped rather than queued.
	runMu   sync.Mutex
	running atomic.Bool

	mu        sync.Mutex
	cfg       Config
	runs      []*types.Run
	runSeq    int64
	blacklist map[string]types.BlacklistEntry

	processed *cache.Cache[struct{}]

	statsMu     sync.Mutex
	stats       Stats
	successEWMA float64
	runTimeEWMA float64 // seconds

	scheduled atomic.Bool
	trigger   chan struct{}
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New wires the aggregator to its collaborators. pubs may be empty.
func New(cfg Config, discovery Discovery, processor Processor, gate Gate,
	persister store.Store, pubs []Publisher, logger zerolog.Logger) *Aggregator {
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.MaxTokensPerRun <= 0 {
		cfg.MaxTokensPerRun = def.MaxTokensPerRun
	}
	if cfg.ProcessedTTL <= 0 {
		cfg.ProcessedTTL = def.ProcessedTTL
	}
	if cfg.RunHistory <= 0 {
		cfg.RunHistory = def.RunHistory
	}
	return &Aggregator{
		discovery: discovery,
		processor: processor,
		gate:      gate,
		persister: persister,
		pubs:      pubs,
		logger:    logger.With().Str("component", "aggregator").Logger(),
		cfg:       cfg,
		blacklist: make(map[string]types.BlacklistEntry),
		processed: cache.New[struct{}](65536),
		trigger:   make(chan struct{}, 1),
	}
}

// Start enables the scheduler. Idempotent.
func (a *Aggregator) Start(ctx context.Context) {
	if !a.scheduled.CompareAndSwap(false, true) {
		return
	}
	ctx, a.cancel = context.WithCancel(ctx)
	a.wg.Add(1)
	go a.loop(ctx)
	a.logger.Info().Dur("tick_interval", a.Config().TickInterval).Msg("Aggregator started")
}

// Stop disables the scheduler and waits for an in-flight run to finish.
// Idempotent.
func (a *Aggregator) Stop() {
	if !a.scheduled.CompareAndSwap(true, false) {
		return
	}
	a.cancel()
	a.wg.Wait()
	a.logger.Info().Msg("Aggregator stopped")
}

// Close releases the processed set after Stop.
func (a *Aggregator) Close() { a.processed.Close() }

func (a *Aggregator) loop(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.Config().TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.tryRun(ctx)
			// A tick that fired mid-run is sitting in the channel's
			// buffer; drop it so the next run waits for the next
			// natural tick instead of starting back-to-back.
			select {
			case <-ticker.C:
				metrics.RecordTickCoalesced()
				a.logger.Debug().Msg("Tick coalesced, run outlasted interval")
			default:
			}
		case <-a.trigger:
			a.tryRun(ctx)
		}
	}
}

// Trigger requests an immediate cycle from the scheduler goroutine. A
// pending trigger or active run coalesces the request.
func (a *Aggregator) Trigger() {
	select {
	case a.trigger <- struct{}{}:
	default:
	}
}

// tryRun coalesces: if a run is active the tick is dropped.
func (a *Aggregator) tryRun(ctx context.Context) {
	if !a.runMu.TryLock() {
		metrics.RecordTickCoalesced()
		a.logger.Debug().Msg("Tick coalesced, run still active")
		return
	}
	defer a.runMu.Unlock()
	a.doRun(ctx)
}

// RunOnce performs exactly one cycle synchronously. Safe to invoke
// manually; a call that lands while the scheduler's run is active waits
// for it and then runs.
func (a *Aggregator) RunOnce(ctx context.Context) *types.Run {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.doRun(ctx)
}

func (a *Aggregator) doRun(ctx context.Context) *types.Run {
	a.running.Store(true)
	defer a.running.Store(false)

	a.mu.Lock()
	a.runSeq++
	run := &types.Run{
		ID:        a.runSeq,
		StartTime: time.Now(),
		Status:    types.RunRunning,
	}
	a.runs = append(a.runs, run)
	if len(a.runs) > a.cfg.RunHistory {
		a.runs = a.runs[len(a.runs)-a.cfg.RunHistory:]
	}
	cfg := a.cfg
	a.mu.Unlock()

	a.cycle(ctx, run, cfg)
	a.finalize(run)
	return run
}

func (a *Aggregator) cycle(ctx context.Context, run *types.Run, cfg Config) {
	if class := a.gate.Classification(ctx); class == health.ClassUnhealthy {
		run.Errors = append(run.Errors, fmt.Sprintf("sources unhealthy: %s", class))
		run.Status = types.RunFailed
		a.logger.Warn().Str("classification", string(class)).Msg("Run aborted, sources unhealthy")
		return
	}

	candidates, err := a.discovery.Trending(ctx, cfg.MaxTokensPerRun*2)
	if err != nil {
		run.Errors = append(run.Errors, fmt.Sprintf("discovery: %v", err))
		run.Status = types.RunFailed
		a.logger.Error().Err(err).Msg("Trending query failed")
		return
	}
	run.Discovered = len(candidates)
	metrics.RecordDiscovered(len(candidates))

	addresses := a.selectCandidates(candidates, cfg.MaxTokensPerRun)
	if len(addresses) == 0 {
		run.Status = types.RunCompleted
		return
	}

	analyses := a.processor.ProcessBatch(ctx, addresses, cfg.Criteria)
	run.Processed = len(analyses)

	proc := a.processedRef()
	var passed []*types.CombinedAnalysis
	for _, an := range analyses {
		proc.Set(an.Address, struct{}{}, cfg.ProcessedTTL)
		if an.Passed {
			passed = append(passed, an)
		}
	}
	run.Passed = len(passed)

	if len(passed) > 0 {
		res := a.persister.PersistAnalyses(ctx, passed)
		for _, e := range res.Errors {
			run.Errors = append(run.Errors, fmt.Sprintf("persist: %s", e))
		}
		// Persistence failure does not suppress broadcast.
		for _, an := range passed {
			for _, pub := range a.pubs {
				pub.PublishAnalysis(an)
			}
		}
	}

	if err := ctx.Err(); err != nil {
		run.Errors = append(run.Errors, fmt.Sprintf("cycle: %v", err))
		run.Status = types.RunFailed
		return
	}
	run.Status = types.RunCompleted
}

func (a *Aggregator) processedRef() *cache.Cache[struct{}] {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.processed
}

// selectCandidates drops processed and blacklisted addresses and caps the
// batch. Order within a run follows discovery order.
func (a *Aggregator) selectCandidates(candidates []types.MarketSnapshot, limit int) []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	seen := make(map[string]struct{}, len(candidates))
	out := make([]string, 0, limit)
	for _, c := range candidates {
		addr := types.NormalizeAddress(c.Address)
		if addr == "" {
			continue
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		if _, done := a.processed.Get(addr); done {
			continue
		}
		if _, banned := a.blacklist[addr]; banned {
			continue
		}
		out = append(out, addr)
		if len(out) >= limit {
			break
		}
	}
	return out
}

func (a *Aggregator) finalize(run *types.Run) {
	run.EndTime = time.Now()
	dur := run.Duration()
	metrics.RecordRun(string(run.Status), dur)

	a.statsMu.Lock()
	defer a.statsMu.Unlock()
	a.stats.TotalRuns++
	switch run.Status {
	case types.RunCompleted:
		a.stats.CompletedRuns++
	case types.RunFailed:
		a.stats.FailedRuns++
	}
	a.stats.TokensProcessed += int64(run.Processed)
	a.stats.TokensPassed += int64(run.Passed)
	a.stats.LastRunAt = run.EndTime

	if run.Processed > 0 {
		rate := float64(run.Passed) / float64(run.Processed)
		if a.stats.TotalRuns == 1 {
			a.successEWMA = rate
		} else {
			a.successEWMA = ewmaAlpha*rate + (1-ewmaAlpha)*a.successEWMA
		}
	}
	secs := dur.Seconds()
	if a.stats.TotalRuns == 1 {
		a.runTimeEWMA = secs
	} else {
		a.runTimeEWMA = ewmaAlpha*secs + (1-ewmaAlpha)*a.runTimeEWMA
	}

	a.logger.Info().
		Int64("run_id", run.ID).
		Str("status", string(run.Status)).
		Int("discovered", run.Discovered).
		Int("processed", run.Processed).
		Int("passed", run.Passed).
		Dur("duration", dur).
		Msg("Run finished")
}

// AddToBlacklist excludes address from all subsequent runs. Takes effect
// on the next candidate selection; a token already in flight completes.
func (a *Aggregator) AddToBlacklist(address, reason string) {
	addr := types.NormalizeAddress(address)
	if addr == "" {
		return
	}
	a.mu.Lock()
	a.blacklist[addr] = types.BlacklistEntry{Address: addr, Reason: reason, AddedAt: time.Now()}
	a.mu.Unlock()
	a.logger.Info().Str("address", addr).Str("reason", reason).Msg("Address blacklisted")
}

// RemoveFromBlacklist restores address. Returns false when it was not
// listed.
func (a *Aggregator) RemoveFromBlacklist(address string) bool {
	addr := types.NormalizeAddress(address)
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.blacklist[addr]; !ok {
		return false
	}
	delete(a.blacklist, addr)
	return true
}

// Blacklist returns a sorted copy of the exclusion list.
func (a *Aggregator) Blacklist() []types.BlacklistEntry {
	a.mu.Lock()
	out := make([]types.BlacklistEntry, 0, len(a.blacklist))
	for _, e := range a.blacklist {
		out = append(out, e)
	}
	a.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Stats snapshots the counters.
func (a *Aggregator) Stats() Stats {
	a.statsMu.Lock()
	s := a.stats
	s.SuccessRate = a.successEWMA
	s.AvgRunTime = time.Duration(a.runTimeEWMA * float64(time.Second))
	a.statsMu.Unlock()

	a.mu.Lock()
	s.BlacklistSize = len(a.blacklist)
	a.mu.Unlock()
	s.Running = a.running.Load()
	s.ProcessedSize = a.processedRef().Len()
	return s
}

// Runs returns up to limit most recent run records, newest first.
func (a *Aggregator) Runs(limit int) []*types.Run {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := len(a.runs)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*types.Run, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, a.runs[i])
	}
	return out
}

// Config returns a copy of the current configuration.
func (a *Aggregator) Config() Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// UpdateConfig applies a partial update. The tick interval change takes
// effect on the next scheduler restart.
func (a *Aggregator) UpdateConfig(delta Delta) Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	if delta.TickInterval != nil && *delta.TickInterval >= time.Second {
		a.cfg.TickInterval = *delta.TickInterval
	}
	if delta.MaxTokensPerRun != nil && *delta.MaxTokensPerRun > 0 {
		a.cfg.MaxTokensPerRun = *delta.MaxTokensPerRun
	}
	if delta.Criteria != nil {
		a.cfg.Criteria = *delta.Criteria
	}
	return a.cfg
}

// Reset clears the processed set, run history and stats. The blacklist
// survives a reset.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	a.runs = nil
	old := a.processed
	a.processed = cache.New[struct{}](65536)
	a.mu.Unlock()
	old.Close()

	a.statsMu.Lock()
	a.stats = Stats{}
	a.successEWMA = 0
	a.runTimeEWMA = 0
	a.statsMu.Unlock()
	a.logger.Info().Msg("Aggregator state reset")
}
