package aggregator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/health"
	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/store"
	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/types"
)

type fakeDiscovery struct {
	mu        sync.Mutex
	snapshots []types.MarketSnapshot
	err       error
	calls     int
}

func (f *fakeDiscovery) Trending(_ context.Context, _ int) ([]types.MarketSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.snapshots, f.err
}

type fakeProcessor struct {
	mu      sync.Mutex
	batches [][]string
	passAll bool
	block   chan struct{} // when set, ProcessBatch waits until closed
}

func (f *fakeProcessor) ProcessBatch(_ context.Context, addresses []string, _ types.FilterCriteria) []*types.CombinedAnalysis {
	f.mu.Lock()
	f.batches = append(f.batches, append([]string(nil), addresses...))
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	out := make([]*types.CombinedAnalysis, 0, len(addresses))
	for _, addr := range addresses {
		out = append(out, &types.CombinedAnalysis{
			Address:      addr,
			Passed:       f.passAll,
			OverallScore: 90,
			Market:       types.MarketSnapshot{Address: addr, Price: 0.01, Liquidity: 20000, Volume24h: 9000},
			Security:     types.SecurityReport{Address: addr, SafetyScore: 9},
			Timestamp:    time.Now(),
		})
	}
	return out
}

func (f *fakeProcessor) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

type fakeGate struct{ class health.Class }

func (f *fakeGate) Classification(context.Context) health.Class { return f.class }

type fakeStore struct {
	store.Store
	mu        sync.Mutex
	persisted []string
	fail      bool
}

func (f *fakeStore) PersistAnalyses(_ context.Context, analyses []*types.CombinedAnalysis) store.BatchResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	var res store.BatchResult
	for _, a := range analyses {
		if f.fail {
			res.Failed++
			res.Errors = append(res.Errors, a.Address+": disk full")
			continue
		}
		f.persisted = append(f.persisted, a.Address)
		res.Persisted++
	}
	return res
}

type capturePublisher struct {
	mu        sync.Mutex
	published []string
}

func (c *capturePublisher) PublishAnalysis(a *types.CombinedAnalysis) {
	c.mu.Lock()
	c.published = append(c.published, a.Address)
	c.mu.Unlock()
}

func (c *capturePublisher) addresses() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.published...)
}

func snaps(addrs ...string) []types.MarketSnapshot {
	out := make([]types.MarketSnapshot, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, types.MarketSnapshot{Address: a})
	}
	return out
}

func newTestAggregator(disc *fakeDiscovery, proc *fakeProcessor, gate *fakeGate,
	st *fakeStore, pubs ...Publisher) *Aggregator {
	if gate == nil {
		gate = &fakeGate{class: health.ClassHealthy}
	}
	cfg := DefaultConfig()
	cfg.MaxTokensPerRun = 10
	return New(cfg, disc, proc, gate, st, pubs, zerolog.Nop())
}

func TestRunOnceHappyPath(t *testing.T) {
	disc := &fakeDiscovery{snapshots: snaps("A1", "A2", "A3")}
	proc := &fakeProcessor{passAll: true}
	st := &fakeStore{}
	pub := &capturePublisher{}
	a := newTestAggregator(disc, proc, nil, st, pub)
	defer a.Close()

	run := a.RunOnce(context.Background())
	require.Equal(t, types.RunCompleted, run.Status)
	assert.Equal(t, 3, run.Discovered)
	assert.Equal(t, 3, run.Processed)
	assert.Equal(t, 3, run.Passed)
	assert.Equal(t, []string{"a1", "a2", "a3"}, st.persisted)
	assert.ElementsMatch(t, []string{"a1", "a2", "a3"}, pub.addresses())
}

func TestRunOnceDedupsAcrossRuns(t *testing.T) {
	disc := &fakeDiscovery{snapshots: snaps("tok1", "tok2")}
	proc := &fakeProcessor{passAll: true}
	a := newTestAggregator(disc, proc, nil, &fakeStore{})
	defer a.Close()

	first := a.RunOnce(context.Background())
	assert.Equal(t, 2, first.Processed)

	// Same candidates again: everything is inside the dedup horizon.
	second := a.RunOnce(context.Background())
	assert.Equal(t, types.RunCompleted, second.Status)
	assert.Zero(t, second.Processed)
	assert.Equal(t, 1, proc.batchCount())
}

func TestFailedTokensAreAlsoDeduped(t *testing.T) {
	disc := &fakeDiscovery{snapshots: snaps("dud")}
	proc := &fakeProcessor{passAll: false}
	a := newTestAggregator(disc, proc, nil, &fakeStore{})
	defer a.Close()

	a.RunOnce(context.Background())
	a.RunOnce(context.Background())
	assert.Equal(t, 1, proc.batchCount(), "a failed token is not re-evaluated inside the horizon")
}

func TestDuplicateCandidatesWithinRun(t *testing.T) {
	disc := &fakeDiscovery{snapshots: snaps("Tok", "TOK", " tok ")}
	proc := &fakeProcessor{passAll: true}
	a := newTestAggregator(disc, proc, nil, &fakeStore{})
	defer a.Close()

	run := a.RunOnce(context.Background())
	assert.Equal(t, 1, run.Processed, "normalized duplicates collapse to one")
}

func TestBlacklistTakesEffectNextRun(t *testing.T) {
	disc := &fakeDiscovery{snapshots: snaps("keep", "ban")}
	proc := &fakeProcessor{passAll: true}
	a := newTestAggregator(disc, proc, nil, &fakeStore{})
	defer a.Close()

	a.AddToBlacklist("BAN", "creator history")
	run := a.RunOnce(context.Background())
	assert.Equal(t, 1, run.Processed)
	require.Len(t, proc.batches, 1)
	assert.Equal(t, []string{"keep"}, proc.batches[0])

	entries := a.Blacklist()
	require.Len(t, entries, 1)
	assert.Equal(t, "ban", entries[0].Address)
	assert.Equal(t, "creator history", entries[0].Reason)

	assert.True(t, a.RemoveFromBlacklist("ban"))
	assert.False(t, a.RemoveFromBlacklist("ban"))

	// Removed address is eligible again (it never entered the processed set).
	run = a.RunOnce(context.Background())
	assert.Equal(t, 1, run.Processed)
	assert.Equal(t, []string{"ban"}, proc.batches[1])
}

func TestUnhealthyGateAbortsRun(t *testing.T) {
	disc := &fakeDiscovery{snapshots: snaps("tok")}
	proc := &fakeProcessor{passAll: true}
	a := newTestAggregator(disc, proc, &fakeGate{class: health.ClassUnhealthy}, &fakeStore{})
	defer a.Close()

	run := a.RunOnce(context.Background())
	assert.Equal(t, types.RunFailed, run.Status)
	require.NotEmpty(t, run.Errors)
	assert.Contains(t, run.Errors[0], "sources unhealthy")
	assert.Zero(t, disc.calls, "an aborted run must not touch discovery")
	assert.Zero(t, proc.batchCount())
}

func TestDegradedGateStillRuns(t *testing.T) {
	disc := &fakeDiscovery{snapshots: snaps("tok")}
	proc := &fakeProcessor{passAll: true}
	a := newTestAggregator(disc, proc, &fakeGate{class: health.ClassDegraded}, &fakeStore{})
	defer a.Close()

	run := a.RunOnce(context.Background())
	assert.Equal(t, types.RunCompleted, run.Status)
	assert.Equal(t, 1, run.Processed)
}

func TestDiscoveryErrorFailsRun(t *testing.T) {
	disc := &fakeDiscovery{err: errors.New("upstream 503")}
	a := newTestAggregator(disc, &fakeProcessor{}, nil, &fakeStore{})
	defer a.Close()

	run := a.RunOnce(context.Background())
	assert.Equal(t, types.RunFailed, run.Status)
	require.Len(t, run.Errors, 1)
	assert.Contains(t, run.Errors[0], "discovery")
}

func TestPersistFailureStillPublishes(t *testing.T) {
	disc := &fakeDiscovery{snapshots: snaps("tok")}
	proc := &fakeProcessor{passAll: true}
	st := &fakeStore{fail: true}
	pub := &capturePublisher{}
	a := newTestAggregator(disc, proc, nil, st, pub)
	defer a.Close()

	run := a.RunOnce(context.Background())
	assert.Equal(t, types.RunCompleted, run.Status)
	require.Len(t, run.Errors, 1)
	assert.Contains(t, run.Errors[0], "persist")
	assert.Equal(t, []string{"tok"}, pub.addresses(), "broadcast happens even when persistence fails")
}

func TestMaxTokensPerRunCap(t *testing.T) {
	disc := &fakeDiscovery{snapshots: snaps("a", "b", "c", "d", "e")}
	proc := &fakeProcessor{passAll: true}
	gate := &fakeGate{class: health.ClassHealthy}
	cfg := DefaultConfig()
	cfg.MaxTokensPerRun = 2
	a := New(cfg, disc, proc, gate, &fakeStore{}, nil, zerolog.Nop())
	defer a.Close()

	run := a.RunOnce(context.Background())
	assert.Equal(t, 5, run.Discovered)
	assert.Equal(t, 2, run.Processed)
}

func TestTriggerCoalescesWhileRunActive(t *testing.T) {
	block := make(chan struct{})
	disc := &fakeDiscovery{snapshots: snaps("tok")}
	proc := &fakeProcessor{passAll: true, block: block}
	a := newTestAggregator(disc, proc, nil, &fakeStore{})
	defer a.Close()

	a.Start(context.Background())
	defer a.Stop()

	a.Trigger()
	require.Eventually(t, func() bool { return proc.batchCount() == 1 },
		time.Second, 5*time.Millisecond)

	// Triggers landing mid-run are dropped, not queued.
	a.Trigger()
	a.Trigger()
	proc.mu.Lock()
	proc.block = nil
	proc.mu.Unlock()
	close(block)

	// At most the one coalesced trigger fires afterwards; with the same
	// candidate already processed it yields an empty run, never a third batch.
	require.Eventually(t, func() bool {
		s := a.Stats()
		return !s.Running && s.TotalRuns >= 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, proc.batchCount())
}

func TestMidRunTickWaitsForNextInterval(t *testing.T) {
	block := make(chan struct{})
	disc := &fakeDiscovery{snapshots: snaps("tok")}
	proc := &fakeProcessor{passAll: true, block: block}
	cfg := DefaultConfig()
	cfg.TickInterval = 500 * time.Millisecond
	cfg.MaxTokensPerRun = 10
	a := New(cfg, disc, proc, &fakeGate{class: health.ClassHealthy}, &fakeStore{}, nil, zerolog.Nop())
	defer a.Close()

	a.Start(context.Background())
	defer a.Stop()

	// First scheduled tick starts a run that we hold open past the next
	// tick, so one tick fires mid-run.
	require.Eventually(t, func() bool { return proc.batchCount() == 1 },
		2*time.Second, 5*time.Millisecond)
	time.Sleep(700 * time.Millisecond)
	proc.mu.Lock()
	proc.block = nil
	proc.mu.Unlock()
	close(block)

	require.Eventually(t, func() bool { return len(a.Runs(0)) >= 2 },
		2*time.Second, 5*time.Millisecond)

	runs := a.Runs(0)
	second := runs[len(runs)-2]
	first := runs[len(runs)-1]
	// The mid-run tick is dropped: the second run waits for the next
	// scheduled tick instead of starting back-to-back with the first.
	gap := second.StartTime.Sub(first.EndTime)
	assert.GreaterOrEqual(t, gap, 50*time.Millisecond,
		"second run started %v after the first ended", gap)
}

func TestStatsAndRuns(t *testing.T) {
	disc := &fakeDiscovery{snapshots: snaps("x", "y")}
	proc := &fakeProcessor{passAll: true}
	a := newTestAggregator(disc, proc, nil, &fakeStore{})
	defer a.Close()

	a.RunOnce(context.Background())
	s := a.Stats()
	assert.Equal(t, int64(1), s.TotalRuns)
	assert.Equal(t, int64(1), s.CompletedRuns)
	assert.Equal(t, int64(2), s.TokensProcessed)
	assert.Equal(t, int64(2), s.TokensPassed)
	assert.InDelta(t, 1.0, s.SuccessRate, 0.001)
	assert.Equal(t, 2, s.ProcessedSize)
	assert.False(t, s.Running)

	runs := a.Runs(10)
	require.Len(t, runs, 1)
	assert.Equal(t, int64(1), runs[0].ID)

	a.RunOnce(context.Background())
	runs = a.Runs(10)
	require.Len(t, runs, 2)
	assert.Equal(t, int64(2), runs[0].ID, "newest first")
	assert.Len(t, a.Runs(1), 1)
}

func TestUpdateConfig(t *testing.T) {
	a := newTestAggregator(&fakeDiscovery{}, &fakeProcessor{}, nil, &fakeStore{})
	defer a.Close()

	interval := 30 * time.Second
	max := 7
	got := a.UpdateConfig(Delta{TickInterval: &interval, MaxTokensPerRun: &max})
	assert.Equal(t, interval, got.TickInterval)
	assert.Equal(t, 7, got.MaxTokensPerRun)

	// Sub-second intervals and non-positive caps are rejected.
	bad := 100 * time.Millisecond
	zero := 0
	got = a.UpdateConfig(Delta{TickInterval: &bad, MaxTokensPerRun: &zero})
	assert.Equal(t, interval, got.TickInterval)
	assert.Equal(t, 7, got.MaxTokensPerRun)
}

func TestResetKeepsBlacklist(t *testing.T) {
	disc := &fakeDiscovery{snapshots: snaps("tok")}
	proc := &fakeProcessor{passAll: true}
	a := newTestAggregator(disc, proc, nil, &fakeStore{})
	defer a.Close()

	a.AddToBlacklist("ban", "test")
	a.RunOnce(context.Background())
	require.Equal(t, 1, a.Stats().ProcessedSize)

	a.Reset()
	s := a.Stats()
	assert.Zero(t, s.TotalRuns)
	assert.Zero(t, s.ProcessedSize)
	assert.Empty(t, a.Runs(0))
	assert.Len(t, a.Blacklist(), 1, "blacklist survives a reset")

	// Processed set cleared: the same token runs again.
	run := a.RunOnce(context.Background())
	assert.Equal(t, 1, run.Processed)
}
