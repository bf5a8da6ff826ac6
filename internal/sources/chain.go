package sources

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/cache"
	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/metrics"
	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/ratelimit"
	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/types"
)

type chainCreatorToken struct {
	Address    string `json:"address"`
	Rugged     bool   `json:"rugged"`
	Successful bool   `json:"successful"`
	CreatedAt  int64  `json:"createdAt"` // unix seconds
}

type chainResponse struct {
	Address        string              `json:"address"`
	Creator        string              `json:"creator"`
	Holders        []types.Holder      `json:"holders"`
	CreatorTokens  []chainCreatorToken `json:"creatorTokens"`
	FundingPattern string              `json:"fundingPattern"`
	AverageHolding float64             `json:"averageHoldingHours"`
}

// ChainClient analyzes the creator wallet's track record and the holder
// distribution straight from on-chain data.
type ChainClient struct {
	rest restClient
	raw  *cache.Cache[types.ChainReport]
}

// NewChainClient builds the chain evaluator against baseURL.
func NewChainClient(baseURL string, limiter *ratelimit.Limiter, logger zerolog.Logger) *ChainClient {
	return &ChainClient{
		rest: newRESTClient(SourceChain, baseURL, limiter, logger),
		raw:  cache.New[types.ChainReport](cacheBound),
	}
}

// Name returns the limiter/health source key.
func (c *ChainClient) Name() string { return SourceChain }

// Health probes the upstream endpoint.
func (c *ChainClient) Health(ctx context.Context) types.SourceHealth {
	return c.rest.probe(ctx, "/health")
}

// Analyze fetches creator and holder data and applies the chain slice of
// the criteria.
func (c *ChainClient) Analyze(ctx context.Context, address string, criteria types.FilterCriteria) types.ChainReport {
	address = types.NormalizeAddress(address)

	report, ok := c.raw.Get("chain:" + address)
	if ok {
		metrics.RecordCacheHit(SourceChain)
	} else {
		metrics.RecordCacheMiss(SourceChain)
		var resp chainResponse
		if err := c.rest.getJSON(ctx, "/tokens/"+url.PathEscape(address)+"/chain", &resp); err != nil {
			c.rest.logger.Warn().Str("address", address).Err(err).Msg("Chain analysis degraded")
			return types.ChainReport{
				Address:      address,
				Filtered:     true,
				FilterReason: degradeReason(err),
			}
		}
		if resp.Address == "" {
			return types.ChainReport{
				Address:      address,
				Filtered:     true,
				FilterReason: reasonBadBdy,
			}
		}
		report = chainReport(resp)
		c.raw.Set("chain:"+address, report, chainTTL)
	}

	c.applyFilter(&report, criteria)
	return report
}

func chainReport(resp chainResponse) types.ChainReport {
	r := types.ChainReport{
		Address:        types.NormalizeAddress(resp.Address),
		CreatorWallet:  resp.Creator,
		FundingPattern: fundingPattern(resp.FundingPattern),
		TopHolders:     topN(resp.Holders, 3),
		TopHoldersPct:  topHoldersPct(resp.Holders),
	}

	info := types.CreatorInfo{
		CreatedTokens:  len(resp.CreatorTokens),
		AverageHolding: resp.AverageHolding,
	}
	var first int64
	for _, t := range resp.CreatorTokens {
		if t.Rugged {
			info.RuggedTokens++
		}
		if t.Successful {
			info.SuccessfulTokens++
		}
		if t.CreatedAt > 0 && (first == 0 || t.CreatedAt < first) {
			first = t.CreatedAt
		}
	}
	if info.CreatedTokens > 0 {
		info.SuccessRate = float64(info.SuccessfulTokens) / float64(info.CreatedTokens)
	}
	if first > 0 {
		info.FirstTokenDate = time.Unix(first, 0)
	}
	r.CreatorInfo = info
	return r
}

func fundingPattern(s string) types.FundingPattern {
	switch types.FundingPattern(s) {
	case types.FundingSuspicious:
		return types.FundingSuspicious
	case types.FundingCoordinated:
		return types.FundingCoordinated
	default:
		return types.FundingOrganic
	}
}

// topHoldersPct is the top-3 holders' share of the known supply; 100 when
// no holders are known.
func topHoldersPct(holders []types.Holder) float64 {
	if len(holders) == 0 {
		return 100
	}
	sorted := topN(holders, len(holders))
	var total, top3 float64
	for i, h := range sorted {
		total += h.Amount
		if i < 3 {
			top3 += h.Amount
		}
	}
	if total <= 0 {
		return 100
	}
	return top3 / total * 100
}

func topN(holders []types.Holder, n int) []types.Holder {
	sorted := make([]types.Holder, len(holders))
	copy(sorted, holders)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Amount > sorted[j].Amount })
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

// applyFilter: both bounds are inclusive.
func (c *ChainClient) applyFilter(r *types.ChainReport, criteria types.FilterCriteria) {
	switch {
	case criteria.MaxCreatorRugs != nil && r.CreatorInfo.RuggedTokens > *criteria.MaxCreatorRugs:
		r.Filtered = true
		r.FilterReason = fmt.Sprintf("Creator rugged too many tokens: %d > %d",
			r.CreatorInfo.RuggedTokens, *criteria.MaxCreatorRugs)
	case criteria.MaxTopHoldersPct != nil && r.TopHoldersPct > *criteria.MaxTopHoldersPct:
		r.Filtered = true
		r.FilterReason = fmt.Sprintf("Top holders own too much: %.1f%% > %g%%",
			r.TopHoldersPct, *criteria.MaxTopHoldersPct)
	}
}

// Close releases the client cache.
func (c *ChainClient) Close() { c.raw.Close() }
