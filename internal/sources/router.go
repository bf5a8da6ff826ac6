package sources

import (
	"context"
	"fmt"
	"net/url"

	"github.com/rs/zerolog"

	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/cache"
	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/metrics"
	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/ratelimit"
	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/types"
)

// referenceNotional is the fixed USD probe size for routing quotes.
const referenceNotional = 1000

type routerQuoteResponse struct {
	Address        string  `json:"address"`
	PriceImpactPct float64 `json:"priceImpactPct"` // percent
	RouteCount     int     `json:"routeCount"`
	Blacklisted    bool    `json:"blacklisted"`
	RouteVolume    float64 `json:"routeVolume"`
	Liquidity      float64 `json:"liquidity"`
}

// RouterClient probes swap routability: it requests a quote for a fixed
// reference notional and records slippage, spread and route count.
type RouterClient struct {
	rest restClient
	raw  *cache.Cache[types.RouterReport]
}

// NewRouterClient builds the router evaluator against baseURL.
func NewRouterClient(baseURL string, limiter *ratelimit.Limiter, logger zerolog.Logger) *RouterClient {
	return &RouterClient{
		rest: newRESTClient(SourceRouter, baseURL, limiter, logger),
		raw:  cache.New[types.RouterReport](cacheBound),
	}
}

// Name returns the limiter/health source key.
func (c *RouterClient) Name() string { return SourceRouter }

// Health probes the upstream endpoint.
func (c *RouterClient) Health(ctx context.Context) types.SourceHealth {
	return c.rest.probe(ctx, "/health")
}

// Analyze quotes a route for the token and applies the router slice of the
// criteria.
func (c *RouterClient) Analyze(ctx context.Context, address string, criteria types.FilterCriteria) types.RouterReport {
	address = types.NormalizeAddress(address)

	report, ok := c.raw.Get("router:" + address)
	if ok {
		metrics.RecordCacheHit(SourceRouter)
	} else {
		metrics.RecordCacheMiss(SourceRouter)
		var resp routerQuoteResponse
		path := fmt.Sprintf("/quote?address=%s&amount=%d", url.QueryEscape(address), referenceNotional)
		if err := c.rest.getJSON(ctx, path, &resp); err != nil {
			c.rest.logger.Warn().Str("address", address).Err(err).Msg("Router analysis degraded")
			return types.RouterReport{
				Address:      address,
				Filtered:     true,
				FilterReason: degradeReason(err),
			}
		}
		if resp.Address == "" {
			return types.RouterReport{
				Address:      address,
				Filtered:     true,
				FilterReason: reasonBadBdy,
			}
		}
		report = quote(resp)
		c.raw.Set("router:"+address, report, routerTTL)
	}

	c.applyFilter(&report, criteria)
	return report
}

// quote coerces the upstream quote. Spread and volume are estimators when
// the quote omits them: spread tracks slippage (x0.6 + 0.1pp) and volume
// falls back to 35% of pool liquidity. Deterministic given the quote.
func quote(resp routerQuoteResponse) types.RouterReport {
	r := types.RouterReport{
		Address:          types.NormalizeAddress(resp.Address),
		RoutingAvailable: resp.RouteCount > 0,
		SlippageEstimate: resp.PriceImpactPct,
		Blacklisted:      resp.Blacklisted,
		RouteCount:       resp.RouteCount,
	}
	r.Spread = r.SlippageEstimate*0.6 + 0.1
	if resp.RouteVolume > 0 {
		r.Volume24h = resp.RouteVolume
	} else {
		r.Volume24h = resp.Liquidity * 0.35
	}
	return r
}

// applyFilter: routing is only required when the criteria say so; the
// slippage bound is inclusive.
func (c *RouterClient) applyFilter(r *types.RouterReport, criteria types.FilterCriteria) {
	switch {
	case criteria.RequireRouting && !r.RoutingAvailable:
		r.Filtered = true
		r.FilterReason = "No routing available"
	case criteria.MaxSlippage != nil && r.SlippageEstimate > *criteria.MaxSlippage:
		r.Filtered = true
		r.FilterReason = fmt.Sprintf("Slippage too high: %.1f%% > %g%%", r.SlippageEstimate, *criteria.MaxSlippage)
	case r.Blacklisted && !criteria.AllowBlacklisted:
		r.Filtered = true
		r.FilterReason = "Token blacklisted by router"
	}
}

// Close releases the client cache.
func (c *RouterClient) Close() { c.raw.Close() }
