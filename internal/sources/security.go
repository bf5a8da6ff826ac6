package sources

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/cache"
	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/metrics"
	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/ratelimit"
	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/types"
)

// suspiciousPatterns are symbol/name fragments that cost one safety point.
var suspiciousPatterns = []string{"test", "scam", "rug", "fork", "copy", "v2", "2.0", "inu2"}

// honeypotKeywords in a token name trip the honeypot heuristic outright.
var honeypotKeywords = []string{"honeypot", "honey pot", "cant sell", "can't sell", "no sell"}

type securityResponse struct {
	Address         string         `json:"address"`
	Symbol          string         `json:"symbol"`
	Name            string         `json:"name"`
	MintAuthority   bool           `json:"mintAuthority"`
	FreezeAuthority bool           `json:"freezeAuthority"`
	LiquidityLocked bool           `json:"liquidityLocked"`
	Holders         []types.Holder `json:"holders"`
}

// SecurityClient scores tokens for rug risk from authority flags, holder
// concentration and liquidity locking, and runs the honeypot heuristics.
type SecurityClient struct {
	rest restClient
	raw  *cache.Cache[types.SecurityReport]
}

// NewSecurityClient builds the security evaluator against baseURL.
func NewSecurityClient(baseURL string, limiter *ratelimit.Limiter, logger zerolog.Logger) *SecurityClient {
	return &SecurityClient{
		rest: newRESTClient(SourceSecurity, baseURL, limiter, logger),
		raw:  cache.New[types.SecurityReport](cacheBound),
	}
}

// Name returns the limiter/health source key.
func (c *SecurityClient) Name() string { return SourceSecurity }

// Health probes the upstream endpoint.
func (c *SecurityClient) Health(ctx context.Context) types.SourceHealth {
	return c.rest.probe(ctx, "/health")
}

// Analyze fetches the token's security profile, scores it, and applies the
// security slice of the criteria.
func (c *SecurityClient) Analyze(ctx context.Context, address string, criteria types.FilterCriteria) types.SecurityReport {
	address = types.NormalizeAddress(address)

	report, ok := c.raw.Get("security:" + address)
	if ok {
		metrics.RecordCacheHit(SourceSecurity)
	} else {
		metrics.RecordCacheMiss(SourceSecurity)
		var resp securityResponse
		if err := c.rest.getJSON(ctx, "/tokens/"+url.PathEscape(address)+"/security", &resp); err != nil {
			c.rest.logger.Warn().Str("address", address).Err(err).Msg("Security analysis degraded")
			return types.SecurityReport{
				Address:      address,
				Filtered:     true,
				FilterReason: degradeReason(err),
			}
		}
		if resp.Address == "" {
			return types.SecurityReport{
				Address:      address,
				Filtered:     true,
				FilterReason: reasonBadBdy,
			}
		}
		report = score(resp)
		c.raw.Set("security:"+address, report, securityTTL)
	}

	c.applyFilter(&report, criteria)
	return report
}

// score derives the 0-10 safety score. Deductions: -2 per retained
// authority, -3/-1 for holder concentration over 60/40, -3 for unlocked
// liquidity, -1 for a suspicious symbol or name. Floor is 0.
func score(resp securityResponse) types.SecurityReport {
	r := types.SecurityReport{
		Address:             types.NormalizeAddress(resp.Address),
		MintAuthority:       resp.MintAuthority,
		FreezeAuthority:     resp.FreezeAuthority,
		LiquidityLocked:     resp.LiquidityLocked,
		HolderConcentration: topHolderShare(resp.Holders),
		SafetyScore:         10,
	}

	if r.MintAuthority {
		r.SafetyScore -= 2
		r.Risks = append(r.Risks, "mint authority retained")
	}
	if r.FreezeAuthority {
		r.SafetyScore -= 2
		r.Risks = append(r.Risks, "freeze authority retained")
	}
	if r.HolderConcentration > 60 {
		r.SafetyScore -= 3
		r.Risks = append(r.Risks, fmt.Sprintf("extreme holder concentration: %.1f%%", r.HolderConcentration))
	} else if r.HolderConcentration > 40 {
		r.SafetyScore -= 1
		r.Warnings = append(r.Warnings, fmt.Sprintf("high holder concentration: %.1f%%", r.HolderConcentration))
	}
	if !r.LiquidityLocked {
		r.SafetyScore -= 3
		r.Risks = append(r.Risks, "liquidity not locked")
	}
	if suspiciousIdent(resp.Symbol) || suspiciousIdent(resp.Name) {
		r.SafetyScore -= 1
		r.Warnings = append(r.Warnings, "suspicious token name")
	}
	if r.SafetyScore < 0 {
		r.SafetyScore = 0
	}

	r.HoneypotRisk = honeypot(resp, r.HolderConcentration)
	if r.HoneypotRisk {
		r.Risks = append(r.Risks, "honeypot heuristics triggered")
	}
	return r
}

// honeypot: fewer than 5 known holders, over 90% in one wallet, or an
// indicator keyword in the name.
func honeypot(resp securityResponse, concentration float64) bool {
	// No known holders is the extreme under-5 case, not a pass.
	if len(resp.Holders) < 5 {
		return true
	}
	if concentration > 90 {
		return true
	}
	lower := strings.ToLower(resp.Name)
	for _, kw := range honeypotKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func suspiciousIdent(s string) bool {
	lower := strings.ToLower(s)
	for _, p := range suspiciousPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// topHolderShare is the largest holder's share of the known supply.
func topHolderShare(holders []types.Holder) float64 {
	var total, top float64
	for _, h := range holders {
		total += h.Amount
		if h.Amount > top {
			top = h.Amount
		}
	}
	if total <= 0 {
		return 0
	}
	return top / total * 100
}

// applyFilter: the score threshold is inclusive; honeypot risk rejects
// unless explicitly allowed.
func (c *SecurityClient) applyFilter(r *types.SecurityReport, criteria types.FilterCriteria) {
	if criteria.MinSafetyScore != nil && r.SafetyScore < *criteria.MinSafetyScore {
		r.Filtered = true
		r.FilterReason = fmt.Sprintf("Safety score too low: %g < %g", r.SafetyScore, *criteria.MinSafetyScore)
		return
	}
	if r.HoneypotRisk && !criteria.AllowHoneypot {
		r.Filtered = true
		r.FilterReason = "Honeypot risk detected"
	}
}

// Close releases the client cache.
func (c *SecurityClient) Close() { c.raw.Close() }
