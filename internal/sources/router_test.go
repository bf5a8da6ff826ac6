package sources

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/types"
)

func TestRouterQuoteEstimators(t *testing.T) {
	r := quote(routerQuoteResponse{
		Address:        "addr",
		PriceImpactPct: 4,
		RouteCount:     3,
		Liquidity:      10000,
	})
	assert.True(t, r.RoutingAvailable)
	assert.Equal(t, 4.0, r.SlippageEstimate)
	assert.InDelta(t, 2.5, r.Spread, 0.001, "spread tracks slippage x0.6 + 0.1pp")
	assert.InDelta(t, 3500, r.Volume24h, 0.001, "volume falls back to 35%% of liquidity")

	withVolume := quote(routerQuoteResponse{Address: "addr", RouteCount: 1, RouteVolume: 9999})
	assert.Equal(t, 9999.0, withVolume.Volume24h, "quote volume wins when present")
}

func TestRouterSlippageBoundaryInclusive(t *testing.T) {
	c := &RouterClient{}
	criteria := types.FilterCriteria{MaxSlippage: types.Float(15)}

	at := quote(routerQuoteResponse{Address: "a", PriceImpactPct: 15, RouteCount: 2})
	c.applyFilter(&at, criteria)
	assert.False(t, at.Filtered, "slippage exactly at the cap is accepted")

	over := quote(routerQuoteResponse{Address: "a", PriceImpactPct: 15.1, RouteCount: 2})
	c.applyFilter(&over, criteria)
	require.True(t, over.Filtered)
	assert.Contains(t, over.FilterReason, "Slippage too high")
}

func TestRouterRequireRouting(t *testing.T) {
	c := &RouterClient{}
	unrouted := quote(routerQuoteResponse{Address: "a", RouteCount: 0})

	// Absent requireRouting means no constraint.
	relaxed := unrouted
	c.applyFilter(&relaxed, types.FilterCriteria{})
	assert.False(t, relaxed.Filtered)

	strict := unrouted
	c.applyFilter(&strict, types.FilterCriteria{RequireRouting: true})
	require.True(t, strict.Filtered)
	assert.Equal(t, "No routing available", strict.FilterReason)
}

func TestRouterBlacklist(t *testing.T) {
	c := &RouterClient{}
	banned := quote(routerQuoteResponse{Address: "a", RouteCount: 2, Blacklisted: true})

	blocked := banned
	c.applyFilter(&blocked, types.FilterCriteria{})
	require.True(t, blocked.Filtered)
	assert.Equal(t, "Token blacklisted by router", blocked.FilterReason)

	allowed := banned
	c.applyFilter(&allowed, types.FilterCriteria{AllowBlacklisted: true})
	assert.False(t, allowed.Filtered)
}

func TestRouterAnalyzeUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewRouterClient(srv.URL, testLimiter(t), zerolog.Nop())
	defer c.Close()

	report := c.Analyze(context.Background(), "addr", types.DefaultCriteria())
	require.True(t, report.Filtered)
	assert.Equal(t, "source unavailable", report.FilterReason)
}

func TestRouterAnalyzeEndToEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/quote", r.URL.Path)
		json.NewEncoder(w).Encode(routerQuoteResponse{
			Address:        "addr",
			PriceImpactPct: 3,
			RouteCount:     4,
			RouteVolume:    50000,
		})
	}))
	defer srv.Close()

	c := NewRouterClient(srv.URL, testLimiter(t), zerolog.Nop())
	defer c.Close()

	report := c.Analyze(context.Background(), "ADDR", types.DefaultCriteria())
	assert.False(t, report.Filtered)
	assert.Equal(t, 4, report.RouteCount)
	assert.Equal(t, "addr", report.Address)
}
