// Package pipeline drives one token through the fixed evaluator sequence
// Market -> Security -> Router -> Chain, short-circuits on the first
// filtered stage, and fuses passing results into a weighted overall score.
// ProcessOne never returns an error: every failure mode degrades to a
// well-formed failed analysis.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/cache"
	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/metrics"
	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/types"
)

// Stage evaluator contracts, one per source client. Declared here,
// consumer-side, so the pipeline does not depend on the HTTP package.
type (
	// MarketStage evaluates market metrics.
	MarketStage interface {
		Analyze(ctx context.Context, address string, criteria types.FilterCriteria) types.MarketSnapshot
	}
	// SecurityStage evaluates rug/honeypot risk.
	SecurityStage interface {
		Analyze(ctx context.Context, address string, criteria types.FilterCriteria) types.SecurityReport
	}
	// RouterStage evaluates swap routability.
	RouterStage interface {
		Analyze(ctx context.Context, address string, criteria types.FilterCriteria) types.RouterReport
	}
	// ChainStage evaluates creator and holder history.
	ChainStage interface {
		Analyze(ctx context.Context, address string, criteria types.FilterCriteria) types.ChainReport
	}
)

// Config tunes batching and timeouts.
type Config struct {
	BatchSize     int           // tokens per chunk in ProcessBatch
	MaxConcurrent int           // concurrent tokens per chunk
	Timeout       time.Duration // per-token deadline
	CacheResults  bool          // cache final analyses for resultTTL
}

const resultTTL = 600 * time.Second

// DefaultConfig mirrors the stock settings.
func DefaultConfig() Config {
	return Config{
		BatchSize:     10,
		MaxConcurrent: 5,
		Timeout:       30 * time.Second,
		CacheResults:  true,
	}
}

// Pipeline runs tokens through the four stages. Stages for one token are
// strictly sequential; across tokens the batch runs in parallel up to
// MaxConcurrent.
type Pipeline struct {
	cfg      Config
	market   MarketStage
	security SecurityStage
	router   RouterStage
	chain    ChainStage
	results  *cache.Cache[*types.CombinedAnalysis]
	logger   zerolog.Logger
}

// New wires the pipeline to its four evaluators.
func New(cfg Config, market MarketStage, security SecurityStage, router RouterStage, chain ChainStage, logger zerolog.Logger) *Pipeline {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Pipeline{
		cfg:      cfg,
		market:   market,
		security: security,
		router:   router,
		chain:    chain,
		results:  cache.New[*types.CombinedAnalysis](4096),
		logger:   logger.With().Str("component", "pipeline").Logger(),
	}
}

// ProcessOne runs one token through all stages and fuses the result.
// A deadline overrun yields a failed analysis tagged "pipeline: timeout";
// a stage panic yields a failed analysis for this token only.
func (p *Pipeline) ProcessOne(ctx context.Context, address string, criteria types.FilterCriteria) (analysis *types.CombinedAnalysis) {
	address = types.NormalizeAddress(address)

	if p.cfg.CacheResults {
		if cached, ok := p.results.Get("pipeline:" + address); ok {
			metrics.RecordCacheHit("pipeline")
			return cached
		}
		metrics.RecordCacheMiss("pipeline")
	}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Str("address", address).
				Interface("panic", r).
				Msg("Stage panicked, failing token")
			analysis = p.failed(address, types.StageMarket,
				fmt.Sprintf("internal error: %v", r), nil, nil, nil)
			metrics.RecordTokenOutcome(metrics.OutcomeFailed)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	market := p.runMarket(ctx, address, criteria)
	if err := ctx.Err(); err != nil {
		return p.timeout(address, &market, nil, nil)
	}
	if market.Filtered {
		return p.shortCircuit(address, types.StageMarket, market.FilterReason, &market, nil, nil)
	}

	security := p.runSecurity(ctx, address, criteria)
	if err := ctx.Err(); err != nil {
		return p.timeout(address, &market, &security, nil)
	}
	if security.Filtered {
		return p.shortCircuit(address, types.StageSecurity, security.FilterReason, &market, &security, nil)
	}

	router := p.runRouter(ctx, address, criteria)
	if err := ctx.Err(); err != nil {
		return p.timeout(address, &market, &security, &router)
	}
	if router.Filtered {
		return p.shortCircuit(address, types.StageRouter, router.FilterReason, &market, &security, &router)
	}

	chain := p.runChain(ctx, address, criteria)
	if chain.Filtered {
		a := p.fuse(address, market, security, router, chain)
		a.FailedFilters = []string{fmt.Sprintf("%s: %s", types.StageChain, chain.FilterReason)}
		metrics.RecordTokenOutcome(metrics.OutcomeFiltered)
		p.store(a)
		return a
	}

	a := p.fuse(address, market, security, router, chain)
	a.OverallScore = overallScore(market, security, router, chain)
	metrics.RecordTokenOutcome(metrics.OutcomePassed)
	p.store(a)
	return a
}

// ProcessBatch runs addresses in chunks of BatchSize, each chunk fanned
// out to at most MaxConcurrent workers. Result order is unspecified.
func (p *Pipeline) ProcessBatch(ctx context.Context, addresses []string, criteria types.FilterCriteria) []*types.CombinedAnalysis {
	out := make([]*types.CombinedAnalysis, 0, len(addresses))
	var mu sync.Mutex

	for start := 0; start < len(addresses); start += p.cfg.BatchSize {
		end := start + p.cfg.BatchSize
		if end > len(addresses) {
			end = len(addresses)
		}
		chunk := addresses[start:end]

		sem := make(chan struct{}, p.cfg.MaxConcurrent)
		var wg sync.WaitGroup
		for _, addr := range chunk {
			wg.Add(1)
			sem <- struct{}{}
			go func(addr string) {
				defer wg.Done()
				defer func() { <-sem }()
				a := p.ProcessOne(ctx, addr, criteria)
				mu.Lock()
				out = append(out, a)
				mu.Unlock()
			}(addr)
		}
		wg.Wait()

		if ctx.Err() != nil {
			break
		}
	}
	return out
}

// Close releases the result cache.
func (p *Pipeline) Close() { p.results.Close() }

func (p *Pipeline) runMarket(ctx context.Context, addr string, c types.FilterCriteria) types.MarketSnapshot {
	start := time.Now()
	r := p.market.Analyze(ctx, addr, c)
	metrics.RecordStage(string(types.StageMarket), stageOutcome(r.Filtered), time.Since(start))
	return r
}

func (p *Pipeline) runSecurity(ctx context.Context, addr string, c types.FilterCriteria) types.SecurityReport {
	start := time.Now()
	r := p.security.Analyze(ctx, addr, c)
	metrics.RecordStage(string(types.StageSecurity), stageOutcome(r.Filtered), time.Since(start))
	return r
}

func (p *Pipeline) runRouter(ctx context.Context, addr string, c types.FilterCriteria) types.RouterReport {
	start := time.Now()
	r := p.router.Analyze(ctx, addr, c)
	metrics.RecordStage(string(types.StageRouter), stageOutcome(r.Filtered), time.Since(start))
	return r
}

func (p *Pipeline) runChain(ctx context.Context, addr string, c types.FilterCriteria) types.ChainReport {
	start := time.Now()
	r := p.chain.Analyze(ctx, addr, c)
	metrics.RecordStage(string(types.StageChain), stageOutcome(r.Filtered), time.Since(start))
	return r
}

func stageOutcome(filtered bool) string {
	if filtered {
		return metrics.OutcomeFiltered
	}
	return metrics.OutcomePassed
}

// shortCircuit produces the failed analysis for a stage rejection; stages
// that never ran carry sentinel reports.
func (p *Pipeline) shortCircuit(addr string, stage types.Stage, reason string,
	market *types.MarketSnapshot, security *types.SecurityReport, router *types.RouterReport) *types.CombinedAnalysis {
	a := p.failed(addr, stage, reason, market, security, router)
	metrics.RecordTokenOutcome(metrics.OutcomeFiltered)
	p.store(a)
	return a
}

// timeout produces the failed analysis for a deadline overrun.
func (p *Pipeline) timeout(addr string,
	market *types.MarketSnapshot, security *types.SecurityReport, router *types.RouterReport) *types.CombinedAnalysis {
	a := p.assemble(addr, market, security, router, nil)
	a.FailedFilters = []string{"pipeline: timeout"}
	metrics.RecordTokenOutcome(metrics.OutcomeFailed)
	return a
}

func (p *Pipeline) failed(addr string, stage types.Stage, reason string,
	market *types.MarketSnapshot, security *types.SecurityReport, router *types.RouterReport) *types.CombinedAnalysis {
	a := p.assemble(addr, market, security, router, nil)
	a.FailedFilters = []string{fmt.Sprintf("%s: %s", stage, reason)}
	return a
}

// assemble builds an analysis from whatever stages ran; nil reports become
// "Failed before {stage} analysis" sentinels. Passed stays false and the
// score stays 0.
func (p *Pipeline) assemble(addr string,
	market *types.MarketSnapshot, security *types.SecurityReport, router *types.RouterReport, chain *types.ChainReport) *types.CombinedAnalysis {
	a := &types.CombinedAnalysis{
		Address:       addr,
		FailedFilters: []string{},
		Timestamp:     time.Now(),
	}
	if market != nil {
		a.Market = *market
	} else {
		a.Market = types.MarketSnapshot{Address: addr, Filtered: true, FilterReason: sentinelReason(types.StageMarket)}
	}
	if security != nil {
		a.Security = *security
	} else {
		a.Security = types.SecurityReport{Address: addr, Filtered: true, FilterReason: sentinelReason(types.StageSecurity)}
	}
	if router != nil {
		a.Router = *router
	} else {
		a.Router = types.RouterReport{Address: addr, Filtered: true, FilterReason: sentinelReason(types.StageRouter)}
	}
	if chain != nil {
		a.Chain = *chain
	} else {
		a.Chain = types.ChainReport{Address: addr, Filtered: true, FilterReason: sentinelReason(types.StageChain)}
	}
	return a
}

func sentinelReason(stage types.Stage) string {
	return fmt.Sprintf("Failed before %s analysis", stage)
}

// fuse builds the analysis from four completed stage reports. Passed
// follows the invariant: all four unfiltered.
func (p *Pipeline) fuse(addr string, market types.MarketSnapshot, security types.SecurityReport,
	router types.RouterReport, chain types.ChainReport) *types.CombinedAnalysis {
	return &types.CombinedAnalysis{
		Address:       addr,
		Market:        market,
		Security:      security,
		Router:        router,
		Chain:         chain,
		Passed:        !market.Filtered && !security.Filtered && !router.Filtered && !chain.Filtered,
		FailedFilters: []string{},
		Timestamp:     time.Now(),
	}
}

func (p *Pipeline) store(a *types.CombinedAnalysis) {
	if p.cfg.CacheResults {
		p.results.Set("pipeline:"+a.Address, a, resultTTL)
	}
}

// Stage weights for the fused score.
const (
	weightMarket   = 25
	weightSecurity = 35
	weightRouter   = 20
	weightChain    = 20
)

// overallScore is the weighted sum of per-stage contributions, clamped to
// 0-100. Only called when all four stages passed.
func overallScore(market types.MarketSnapshot, security types.SecurityReport,
	router types.RouterReport, chain types.ChainReport) float64 {

	m := 50.0
	if market.Liquidity > 10000 {
		m += 20
	}
	if market.Volume24h > 5000 {
		m += 15
	}
	if market.AgeHours > 1 && market.AgeHours < 24 {
		m += 15
	}

	s := security.SafetyScore / 10 * 100

	r := 0.0
	if router.RoutingAvailable {
		r = 60
		if router.SlippageEstimate < 5 {
			r += 25
		} else if router.SlippageEstimate < 10 {
			r += 15
		}
	}
	if !router.Blacklisted {
		r += 15
	}

	c := 50.0
	if chain.CreatorInfo.RuggedTokens == 0 {
		c += 25
	} else if chain.CreatorInfo.RuggedTokens <= 1 {
		c += 10
	}
	if chain.TopHoldersPct < 40 {
		c += 15
	} else if chain.TopHoldersPct < 60 {
		c += 5
	}
	if chain.FundingPattern == types.FundingOrganic {
		c += 10
	}

	score := m*weightMarket/100 + s*weightSecurity/100 + r*weightRouter/100 + c*weightChain/100
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}
