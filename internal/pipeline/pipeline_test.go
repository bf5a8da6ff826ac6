package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/types"
)

// Stage fakes return canned reports per address, falling back to a
// default passing report.

type fakeMarket struct {
	byAddr map[string]types.MarketSnapshot
	calls  int64
}

func (f *fakeMarket) Analyze(_ context.Context, addr string, _ types.FilterCriteria) types.MarketSnapshot {
	atomic.AddInt64(&f.calls, 1)
	if r, ok := f.byAddr[addr]; ok {
		return r
	}
	return types.MarketSnapshot{Address: addr, Liquidity: 25000, Volume24h: 20000, AgeHours: 6}
}

type fakeSecurity struct {
	byAddr map[string]types.SecurityReport
	calls  int64
}

func (f *fakeSecurity) Analyze(_ context.Context, addr string, _ types.FilterCriteria) types.SecurityReport {
	atomic.AddInt64(&f.calls, 1)
	if r, ok := f.byAddr[addr]; ok {
		return r
	}
	return types.SecurityReport{Address: addr, SafetyScore: 10, LiquidityLocked: true, HolderConcentration: 30}
}

type fakeRouter struct {
	byAddr map[string]types.RouterReport
	delay  time.Duration
	panics map[string]bool
	calls  int64
}

func (f *fakeRouter) Analyze(ctx context.Context, addr string, _ types.FilterCriteria) types.RouterReport {
	atomic.AddInt64(&f.calls, 1)
	if f.panics[addr] {
		panic("router exploded")
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
		}
	}
	if r, ok := f.byAddr[addr]; ok {
		return r
	}
	return types.RouterReport{Address: addr, RoutingAvailable: true, SlippageEstimate: 4, RouteCount: 3}
}

type fakeChain struct {
	byAddr map[string]types.ChainReport
	calls  int64
}

func (f *fakeChain) Analyze(_ context.Context, addr string, _ types.FilterCriteria) types.ChainReport {
	atomic.AddInt64(&f.calls, 1)
	if r, ok := f.byAddr[addr]; ok {
		return r
	}
	return types.ChainReport{Address: addr, TopHoldersPct: 35, FundingPattern: types.FundingOrganic}
}

func newTestPipeline(cfg Config, m *fakeMarket, s *fakeSecurity, r *fakeRouter, c *fakeChain) *Pipeline {
	if m == nil {
		m = &fakeMarket{}
	}
	if s == nil {
		s = &fakeSecurity{}
	}
	if r == nil {
		r = &fakeRouter{}
	}
	if c == nil {
		c = &fakeChain{}
	}
	return New(cfg, m, s, r, c, zerolog.Nop())
}

func TestProcessOneHappyPath(t *testing.T) {
	p := newTestPipeline(Config{}, nil, nil, nil, nil)
	defer p.Close()

	a := p.ProcessOne(context.Background(), "TokenA", types.DefaultCriteria())
	require.NotNil(t, a)
	assert.True(t, a.Passed)
	assert.Empty(t, a.FailedFilters)
	assert.Equal(t, "tokena", a.Address)
	assert.GreaterOrEqual(t, a.OverallScore, 85.0)
	assert.LessOrEqual(t, a.OverallScore, 100.0)
}

func TestPassedMatchesStageVerdicts(t *testing.T) {
	p := newTestPipeline(Config{CacheResults: false}, nil, nil, nil, &fakeChain{
		byAddr: map[string]types.ChainReport{
			"bad": {Address: "bad", Filtered: true, FilterReason: "Top holders own too much: 95.0% > 80%"},
		},
	})
	defer p.Close()

	for _, addr := range []string{"good", "bad"} {
		a := p.ProcessOne(context.Background(), addr, types.DefaultCriteria())
		expected := !a.Market.Filtered && !a.Security.Filtered && !a.Router.Filtered && !a.Chain.Filtered
		assert.Equal(t, expected, a.Passed, "passed must equal the stage-verdict conjunction for %s", addr)
	}
}

func TestSecurityShortCircuit(t *testing.T) {
	security := &fakeSecurity{byAddr: map[string]types.SecurityReport{
		"tok": {Address: "tok", SafetyScore: 4, Filtered: true, FilterReason: "Safety score too low: 4 < 6"},
	}}
	router := &fakeRouter{}
	chain := &fakeChain{}
	p := newTestPipeline(Config{}, nil, security, router, chain)
	defer p.Close()

	a := p.ProcessOne(context.Background(), "tok", types.DefaultCriteria())
	assert.False(t, a.Passed)
	assert.Equal(t, []string{"Security: Safety score too low: 4 < 6"}, a.FailedFilters)
	assert.Zero(t, a.OverallScore)

	// Later stages never ran and carry sentinel reports.
	assert.Zero(t, atomic.LoadInt64(&router.calls))
	assert.Zero(t, atomic.LoadInt64(&chain.calls))
	assert.True(t, a.Router.Filtered)
	assert.Equal(t, "Failed before Router analysis", a.Router.FilterReason)
	assert.True(t, a.Chain.Filtered)
	assert.Equal(t, "Failed before Chain analysis", a.Chain.FilterReason)
}

func TestMarketShortCircuitSkipsEverything(t *testing.T) {
	market := &fakeMarket{byAddr: map[string]types.MarketSnapshot{
		"tok": {Address: "tok", Filtered: true, FilterReason: "Token too new: 0.5h < 1h"},
	}}
	security := &fakeSecurity{}
	p := newTestPipeline(Config{}, market, security, nil, nil)
	defer p.Close()

	a := p.ProcessOne(context.Background(), "tok", types.DefaultCriteria())
	assert.False(t, a.Passed)
	assert.Equal(t, []string{"Market: Token too new: 0.5h < 1h"}, a.FailedFilters)
	assert.Zero(t, atomic.LoadInt64(&security.calls))
	assert.Equal(t, "Failed before Security analysis", a.Security.FilterReason)
}

func TestProcessOneTimeout(t *testing.T) {
	router := &fakeRouter{delay: 200 * time.Millisecond}
	p := newTestPipeline(Config{Timeout: 50 * time.Millisecond, CacheResults: false}, nil, nil, router, nil)
	defer p.Close()

	a := p.ProcessOne(context.Background(), "slow", types.DefaultCriteria())
	assert.False(t, a.Passed)
	assert.Equal(t, []string{"pipeline: timeout"}, a.FailedFilters)
	assert.True(t, a.Chain.Filtered, "unreached stage carries a sentinel")
}

func TestBatchIsolatesOutage(t *testing.T) {
	router := &fakeRouter{byAddr: map[string]types.RouterReport{
		"down": {Address: "down", Filtered: true, FilterReason: "source unavailable"},
	}}
	p := newTestPipeline(Config{BatchSize: 10, MaxConcurrent: 3, CacheResults: false}, nil, nil, router, nil)
	defer p.Close()

	results := p.ProcessBatch(context.Background(), []string{"ok1", "down", "ok2"}, types.DefaultCriteria())
	require.Len(t, results, 3)

	byAddr := map[string]*types.CombinedAnalysis{}
	for _, a := range results {
		byAddr[a.Address] = a
	}
	require.True(t, byAddr["down"].Router.Filtered)
	assert.Equal(t, "source unavailable", byAddr["down"].Router.FilterReason)
	assert.False(t, byAddr["down"].Passed)
	assert.True(t, byAddr["ok1"].Passed)
	assert.True(t, byAddr["ok2"].Passed)
}

func TestPanicIsolatedPerToken(t *testing.T) {
	router := &fakeRouter{panics: map[string]bool{"boom": true}}
	p := newTestPipeline(Config{BatchSize: 10, MaxConcurrent: 3, CacheResults: false}, nil, nil, router, nil)
	defer p.Close()

	results := p.ProcessBatch(context.Background(), []string{"a", "boom", "b"}, types.DefaultCriteria())
	require.Len(t, results, 3)

	passed := 0
	for _, a := range results {
		if a.Passed {
			passed++
		} else {
			assert.Equal(t, "boom", a.Address)
			require.Len(t, a.FailedFilters, 1)
			assert.Contains(t, a.FailedFilters[0], "internal error")
		}
	}
	assert.Equal(t, 2, passed, "a panicking token must not take down its batch mates")
}

func TestResultCache(t *testing.T) {
	market := &fakeMarket{}
	p := newTestPipeline(Config{CacheResults: true}, market, nil, nil, nil)
	defer p.Close()

	first := p.ProcessOne(context.Background(), "tok", types.DefaultCriteria())
	second := p.ProcessOne(context.Background(), "tok", types.DefaultCriteria())
	assert.Same(t, first, second, "cached analysis is returned as-is")
	assert.Equal(t, int64(1), atomic.LoadInt64(&market.calls))
}

func TestBatchChunking(t *testing.T) {
	market := &fakeMarket{}
	p := newTestPipeline(Config{BatchSize: 2, MaxConcurrent: 2, CacheResults: false}, market, nil, nil, nil)
	defer p.Close()

	var addrs []string
	for i := 0; i < 7; i++ {
		addrs = append(addrs, fmt.Sprintf("tok%d", i))
	}
	results := p.ProcessBatch(context.Background(), addrs, types.DefaultCriteria())
	assert.Len(t, results, 7)
	assert.Equal(t, int64(7), atomic.LoadInt64(&market.calls))
}

func TestOverallScoreWeights(t *testing.T) {
	market := types.MarketSnapshot{Liquidity: 25000, Volume24h: 20000, AgeHours: 6}
	security := types.SecurityReport{SafetyScore: 10}
	router := types.RouterReport{RoutingAvailable: true, SlippageEstimate: 4}
	chain := types.ChainReport{TopHoldersPct: 35, FundingPattern: types.FundingOrganic}

	// Market 100, security 100, router 100, chain 100 -> weighted 100.
	assert.InDelta(t, 100, overallScore(market, security, router, chain), 0.001)

	// Degrade each stage and watch its weight come off.
	weak := security
	weak.SafetyScore = 5 // security contributes 50 instead of 100
	assert.InDelta(t, 100-0.35*50, overallScore(market, weak, router, chain), 0.001)

	slippy := router
	slippy.SlippageEstimate = 8 // +15 instead of +25
	assert.InDelta(t, 98, overallScore(market, security, slippy, chain), 0.001)

	rugs := chain
	rugs.CreatorInfo.RuggedTokens = 1 // +10 instead of +25
	assert.InDelta(t, 97, overallScore(market, security, router, rugs), 0.001)

	// Without routing the router stage keeps only the clean-blacklist
	// credit: 15 instead of 0.
	unrouted := types.RouterReport{}
	assert.InDelta(t, 100-0.20*85, overallScore(market, security, unrouted, chain), 0.001)

	listed := types.RouterReport{RoutingAvailable: true, SlippageEstimate: 4, Blacklisted: true}
	assert.InDelta(t, 97, overallScore(market, security, listed, chain), 0.001)
}
