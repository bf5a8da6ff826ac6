// Package types holds the data model shared by every stage of the
// token evaluation engine: stage reports, the fused analysis, filter
// criteria, run records, and the error taxonomy.
package types

import (
	"strings"
	"time"
)

// Stage identifies one evaluator in the pipeline. Order is fixed:
// Market -> Security -> Router -> Chain.
type Stage string

const (
	StageMarket   Stage = "Market"
	StageSecurity Stage = "Security"
	StageRouter   Stage = "Router"
	StageChain    Stage = "Chain"
)

// Stages lists the pipeline stages in execution order.
func Stages() []Stage {
	return []Stage{StageMarket, StageSecurity, StageRouter, StageChain}
}

// NormalizeAddress canonicalizes a token address. Addresses are the sole
// identity key and are compared case-insensitively, so every component
// boundary lowercases them.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// FundingPattern classifies how a creator wallet was funded.
type FundingPattern string

const (
	FundingOrganic     FundingPattern = "organic"
	FundingSuspicious  FundingPattern = "suspicious"
	FundingCoordinated FundingPattern = "coordinated"
)

// FilterCriteria is the immutable set of acceptance rules a candidate must
// satisfy. Nil numeric fields mean "no constraint". Construct once via
// DefaultCriteria or literal; do not mutate after handing to the pipeline.
type FilterCriteria struct {
	MinAge           *float64 `json:"minAge,omitempty"`           // hours, inclusive
	MaxAge           *float64 `json:"maxAge,omitempty"`           // hours, inclusive
	MinLiquidity     *float64 `json:"minLiquidity,omitempty"`     // USD
	MinVolume        *float64 `json:"minVolume,omitempty"`        // USD, 24h
	MinSafetyScore   *float64 `json:"minSafetyScore,omitempty"`   // 0-10, inclusive
	AllowHoneypot    bool     `json:"allowHoneypot"`
	RequireRouting   bool     `json:"requireRouting"`
	MaxSlippage      *float64 `json:"maxSlippage,omitempty"` // percent, inclusive
	AllowBlacklisted bool     `json:"allowBlacklisted"`
	MaxCreatorRugs   *int     `json:"maxCreatorRugs,omitempty"`          // inclusive
	MaxTopHoldersPct *float64 `json:"maxTopHoldersPercentage,omitempty"` // 0-100, inclusive
}

// Float returns a pointer to v, for criteria literals.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v, for criteria literals.
func Int(v int) *int { return &v }

// DefaultCriteria returns the stock acceptance rules applied when the
// caller supplies none.
func DefaultCriteria() FilterCriteria {
	return FilterCriteria{
		MinAge:           Float(1),
		MaxAge:           Float(168),
		MinLiquidity:     Float(1000),
		MinVolume:        Float(500),
		MinSafetyScore:   Float(6),
		MaxSlippage:      Float(15),
		MaxCreatorRugs:   Int(1),
		MaxTopHoldersPct: Float(80),
	}
}

// MarketSnapshot is the Market stage report.
type MarketSnapshot struct {
	Address      string    `json:"address"`
	Symbol       string    `json:"symbol"`
	Name         string    `json:"name"`
	LaunchTime   time.Time `json:"launchTimestamp"`
	Price        float64   `json:"price"`
	MarketCap    float64   `json:"marketCap"`
	Volume24h    float64   `json:"volume24h"`
	Liquidity    float64   `json:"liquidity"`
	AgeHours     float64   `json:"ageHours"`
	Filtered     bool      `json:"filtered"`
	FilterReason string    `json:"filterReason,omitempty"`
}

// SecurityReport is the Security stage report.
type SecurityReport struct {
	Address             string   `json:"address"`
	HoneypotRisk        bool     `json:"honeypotRisk"`
	MintAuthority       bool     `json:"mintAuthority"`
	FreezeAuthority     bool     `json:"freezeAuthority"`
	LiquidityLocked     bool     `json:"liquidityLocked"`
	HolderConcentration float64  `json:"holderConcentration"` // 0-100
	SafetyScore         float64  `json:"safetyScore"`         // 0-10
	Risks               []string `json:"risks,omitempty"`
	Warnings            []string `json:"warnings,omitempty"`
	Filtered            bool     `json:"filtered"`
	FilterReason        string   `json:"filterReason,omitempty"`
}

// RouterReport is the Router stage report.
type RouterReport struct {
	Address          string  `json:"address"`
	RoutingAvailable bool    `json:"routingAvailable"`
	SlippageEstimate float64 `json:"slippageEstimate"` // percent
	Spread           float64 `json:"spread"`           // percent
	Volume24h        float64 `json:"volume24h"`
	Blacklisted      bool    `json:"blacklisted"`
	RouteCount       int     `json:"routeCount"`
	Filtered         bool    `json:"filtered"`
	FilterReason     string  `json:"filterReason,omitempty"`
}

// CreatorInfo summarizes a creator wallet's token history.
type CreatorInfo struct {
	CreatedTokens    int       `json:"createdTokens"`
	RuggedTokens     int       `json:"ruggedTokens"`
	SuccessfulTokens int       `json:"successfulTokens"`
	SuccessRate      float64   `json:"successRate"` // 0-1
	FirstTokenDate   time.Time `json:"firstTokenDate"`
	AverageHolding   float64   `json:"averageHolding"` // hours
}

// Holder is one entry in a token's holder distribution.
type Holder struct {
	Wallet string  `json:"wallet"`
	Amount float64 `json:"amount"`
}

// ChainReport is the Chain stage report.
type ChainReport struct {
	Address        string         `json:"address"`
	CreatorWallet  string         `json:"creatorWallet"`
	CreatorInfo    CreatorInfo    `json:"creatorInfo"`
	TopHolders     []Holder       `json:"topHolders,omitempty"`
	TopHoldersPct  float64        `json:"topHoldersPercentage"` // 0-100
	FundingPattern FundingPattern `json:"fundingPattern"`
	Filtered       bool           `json:"filtered"`
	FilterReason   string         `json:"filterReason,omitempty"`
}

// CombinedAnalysis fuses the four stage reports for one token. Immutable
// after the pipeline emits it.
type CombinedAnalysis struct {
	Address       string         `json:"address"`
	Market        MarketSnapshot `json:"market"`
	Security      SecurityReport `json:"security"`
	Router        RouterReport   `json:"router"`
	Chain         ChainReport    `json:"chain"`
	OverallScore  float64        `json:"overallScore"` // 0-100
	Passed        bool           `json:"passed"`
	FailedFilters []string       `json:"failedFilters"`
	Timestamp     time.Time      `json:"timestamp"`
}

// SourceHealth is one source's liveness probe result.
type SourceHealth struct {
	Source    string        `json:"source"`
	Healthy   bool          `json:"healthy"`
	Latency   time.Duration `json:"latencyMs"`
	Endpoint  string        `json:"endpoint"`
	Error     string        `json:"error,omitempty"`
	CheckedAt time.Time     `json:"checkedAt"`
}

// RunStatus is the lifecycle state of one aggregator cycle.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Run records one aggregator cycle.
type Run struct {
	ID         int64     `json:"id"`
	StartTime  time.Time `json:"startTime"`
	EndTime    time.Time `json:"endTime,omitempty"`
	Discovered int       `json:"discovered"`
	Processed  int       `json:"processed"`
	Passed     int       `json:"passed"`
	Errors     []string  `json:"errors,omitempty"`
	Status     RunStatus `json:"status"`
}

// Duration reports the run's wall time, zero while still running.
func (r *Run) Duration() time.Duration {
	if r.EndTime.IsZero() {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}

// BlacklistEntry is one excluded address with the operator's reason.
type BlacklistEntry struct {
	Address string    `json:"address"`
	Reason  string    `json:"reason,omitempty"`
	AddedAt time.Time `json:"addedAt"`
}
