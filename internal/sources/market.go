package sources

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/cache"
	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/metrics"
	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/ratelimit"
	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/types"
)

// marketTokenResponse is the upstream token record. Unknown fields are
// ignored; a missing address is a contract mismatch.
type marketTokenResponse struct {
	Address    string  `json:"address"`
	Symbol     string  `json:"symbol"`
	Name       string  `json:"name"`
	PriceUSD   float64 `json:"priceUsd"`
	MarketCap  float64 `json:"marketCap"`
	Volume24h  float64 `json:"volume24h"`
	Liquidity  float64 `json:"liquidity"`
	LaunchedAt int64   `json:"launchedAt"` // unix seconds
}

type marketTrendingResponse struct {
	Tokens []marketTokenResponse `json:"tokens"`
}

// MarketClient discovers and evaluates tokens against market metrics:
// launch age, liquidity and 24h volume. It also serves the aggregator's
// trending feed.
type MarketClient struct {
	rest     restClient
	raw      *cache.Cache[types.MarketSnapshot]
	trending *cache.Cache[[]types.MarketSnapshot]
	now      func() time.Time
}

// NewMarketClient builds the market evaluator against baseURL.
func NewMarketClient(baseURL string, limiter *ratelimit.Limiter, logger zerolog.Logger) *MarketClient {
	return &MarketClient{
		rest:     newRESTClient(SourceMarket, baseURL, limiter, logger),
		raw:      cache.New[types.MarketSnapshot](cacheBound),
		trending: cache.New[[]types.MarketSnapshot](64),
		now:      time.Now,
	}
}

// Name returns the limiter/health source key.
func (c *MarketClient) Name() string { return SourceMarket }

// Health probes the upstream endpoint.
func (c *MarketClient) Health(ctx context.Context) types.SourceHealth {
	return c.rest.probe(ctx, "/health")
}

// Trending returns the latest launch candidates, newest first, capped at
// limit. Cached for 30 seconds per limit value.
func (c *MarketClient) Trending(ctx context.Context, limit int) ([]types.MarketSnapshot, error) {
	key := fmt.Sprintf("market:trending:%d", limit)
	if cached, ok := c.trending.Get(key); ok {
		metrics.RecordCacheHit(SourceMarket)
		return cached, nil
	}
	metrics.RecordCacheMiss(SourceMarket)

	var resp marketTrendingResponse
	path := fmt.Sprintf("/tokens/trending?limit=%d", limit)
	if err := c.rest.getJSON(ctx, path, &resp); err != nil {
		return nil, fmt.Errorf("trending: %w", err)
	}

	out := make([]types.MarketSnapshot, 0, len(resp.Tokens))
	for _, t := range resp.Tokens {
		if t.Address == "" {
			continue
		}
		out = append(out, c.snapshot(t))
	}
	c.trending.Set(key, out, trendingTTL)
	return out, nil
}

// Analyze fetches the token's market record and applies the market slice
// of the criteria. Upstream failure degrades to a filtered snapshot.
func (c *MarketClient) Analyze(ctx context.Context, address string, criteria types.FilterCriteria) types.MarketSnapshot {
	address = types.NormalizeAddress(address)

	snap, ok := c.raw.Get("market:" + address)
	if ok {
		metrics.RecordCacheHit(SourceMarket)
	} else {
		metrics.RecordCacheMiss(SourceMarket)
		var resp marketTokenResponse
		if err := c.rest.getJSON(ctx, "/tokens/"+url.PathEscape(address), &resp); err != nil {
			c.rest.logger.Warn().Str("address", address).Err(err).Msg("Market analysis degraded")
			return types.MarketSnapshot{
				Address:      address,
				Filtered:     true,
				FilterReason: degradeReason(err),
			}
		}
		if resp.Address == "" {
			return types.MarketSnapshot{
				Address:      address,
				Filtered:     true,
				FilterReason: reasonBadBdy,
			}
		}
		snap = c.snapshot(resp)
		c.raw.Set("market:"+address, snap, marketTTL)
	}

	c.applyFilter(&snap, criteria)
	return snap
}

func (c *MarketClient) snapshot(t marketTokenResponse) types.MarketSnapshot {
	launch := time.Unix(t.LaunchedAt, 0)
	age := c.now().Sub(launch).Hours()
	if t.LaunchedAt == 0 {
		age = 0
	}
	return types.MarketSnapshot{
		Address:    types.NormalizeAddress(t.Address),
		Symbol:     t.Symbol,
		Name:       t.Name,
		LaunchTime: launch,
		Price:      t.PriceUSD,
		MarketCap:  t.MarketCap,
		Volume24h:  t.Volume24h,
		Liquidity:  t.Liquidity,
		AgeHours:   age,
	}
}

// applyFilter sets the verdict for the market stage. Age bounds are
// inclusive on both ends.
func (c *MarketClient) applyFilter(s *types.MarketSnapshot, criteria types.FilterCriteria) {
	switch {
	case criteria.MinAge != nil && s.AgeHours < *criteria.MinAge:
		s.Filtered = true
		s.FilterReason = fmt.Sprintf("Token too new: %.1fh < %gh", s.AgeHours, *criteria.MinAge)
	case criteria.MaxAge != nil && s.AgeHours > *criteria.MaxAge:
		s.Filtered = true
		s.FilterReason = fmt.Sprintf("Token too old: %.1fh > %gh", s.AgeHours, *criteria.MaxAge)
	case criteria.MinLiquidity != nil && s.Liquidity < *criteria.MinLiquidity:
		s.Filtered = true
		s.FilterReason = fmt.Sprintf("Insufficient liquidity: $%.0f < $%g", s.Liquidity, *criteria.MinLiquidity)
	case criteria.MinVolume != nil && s.Volume24h < *criteria.MinVolume:
		s.Filtered = true
		s.FilterReason = fmt.Sprintf("Insufficient volume: $%.0f < $%g", s.Volume24h, *criteria.MinVolume)
	}
}

// Close releases the client caches.
func (c *MarketClient) Close() {
	c.raw.Close()
	c.trending.Close()
}
