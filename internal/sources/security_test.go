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

// evenHolders builds n equal-amount holders so concentration stays low.
func evenHolders(n int) []types.Holder {
	out := make([]types.Holder, n)
	for i := range out {
		out[i] = types.Holder{Wallet: "w", Amount: 100}
	}
	return out
}

func TestSecurityScoring(t *testing.T) {
	clean := securityResponse{
		Address:         "addr",
		Symbol:          "OK",
		Name:            "Legit",
		LiquidityLocked: true,
		Holders:         evenHolders(10),
	}

	cases := []struct {
		name    string
		mutate  func(*securityResponse)
		score   float64
		hazards int
	}{
		{"clean token scores 10", func(r *securityResponse) {}, 10, 0},
		{"mint authority -2", func(r *securityResponse) { r.MintAuthority = true }, 8, 1},
		{"freeze authority -2", func(r *securityResponse) { r.FreezeAuthority = true }, 8, 1},
		{"unlocked liquidity -3", func(r *securityResponse) { r.LiquidityLocked = false }, 7, 1},
		{"suspicious name -1", func(r *securityResponse) { r.Name = "Legit Rug" }, 9, 0},
		{"concentration over 40 -1", func(r *securityResponse) {
			r.Holders = append(evenHolders(9), types.Holder{Wallet: "whale", Amount: 700})
		}, 9, 0},
		{"concentration over 60 -3", func(r *securityResponse) {
			r.Holders = append(evenHolders(5), types.Holder{Wallet: "whale", Amount: 5000})
		}, 7, 1},
		{"everything bad floors at 0", func(r *securityResponse) {
			r.MintAuthority = true
			r.FreezeAuthority = true
			r.LiquidityLocked = false
			r.Name = "Test Scam"
			r.Holders = append(evenHolders(5), types.Holder{Wallet: "whale", Amount: 5000})
		}, 0, 4},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := clean
			tc.mutate(&resp)
			report := score(resp)
			assert.Equal(t, tc.score, report.SafetyScore)
			assert.GreaterOrEqual(t, len(report.Risks), tc.hazards)
		})
	}
}

func TestSecurityHoneypotHeuristics(t *testing.T) {
	cases := []struct {
		name     string
		resp     securityResponse
		honeypot bool
	}{
		{"fewer than 5 holders", securityResponse{Address: "a", Name: "x", Holders: evenHolders(3)}, true},
		{"no known holders", securityResponse{Address: "a", Name: "x"}, true},
		{"single wallet over 90 percent", securityResponse{Address: "a", Name: "x",
			Holders: append(evenHolders(9), types.Holder{Wallet: "whale", Amount: 100000})}, true},
		{"indicator keyword in name", securityResponse{Address: "a", Name: "Honeypot Deluxe",
			Holders: evenHolders(10)}, true},
		{"healthy distribution", securityResponse{Address: "a", Name: "x",
			Holders: evenHolders(10)}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			report := score(tc.resp)
			assert.Equal(t, tc.honeypot, report.HoneypotRisk)
		})
	}
}

func TestSecurityFilterScoreBoundaryInclusive(t *testing.T) {
	// Unlocked liquidity and mint authority: 10 - 3 - 2 = 5.
	resp := securityResponse{
		Address:       "addr",
		Name:          "x",
		MintAuthority: true,
		Holders:       evenHolders(10),
	}
	report := score(resp)
	require.Equal(t, float64(5), report.SafetyScore)

	c := &SecurityClient{}
	at := report
	c.applyFilter(&at, types.FilterCriteria{MinSafetyScore: types.Float(5)})
	assert.False(t, at.Filtered, "score exactly at the threshold is accepted")

	below := report
	c.applyFilter(&below, types.FilterCriteria{MinSafetyScore: types.Float(6)})
	require.True(t, below.Filtered)
	assert.Equal(t, "Safety score too low: 5 < 6", below.FilterReason)
}

func TestSecurityAllowHoneypot(t *testing.T) {
	report := score(securityResponse{Address: "a", Name: "x", LiquidityLocked: true, Holders: evenHolders(3)})
	require.True(t, report.HoneypotRisk)

	c := &SecurityClient{}
	blocked := report
	c.applyFilter(&blocked, types.FilterCriteria{})
	assert.True(t, blocked.Filtered)
	assert.Equal(t, "Honeypot risk detected", blocked.FilterReason)

	allowed := report
	c.applyFilter(&allowed, types.FilterCriteria{AllowHoneypot: true})
	assert.False(t, allowed.Filtered)
}

func TestSecurityAnalyzeEndToEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(securityResponse{
			Address:         "addr",
			Name:            "Legit",
			LiquidityLocked: true,
			Holders:         evenHolders(20),
		})
	}))
	defer srv.Close()

	c := NewSecurityClient(srv.URL, testLimiter(t), zerolog.Nop())
	defer c.Close()

	report := c.Analyze(context.Background(), "ADDR", types.DefaultCriteria())
	assert.False(t, report.Filtered)
	assert.Equal(t, float64(10), report.SafetyScore)
	assert.Equal(t, "addr", report.Address)
}

func TestSecurityMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	c := NewSecurityClient(srv.URL, testLimiter(t), zerolog.Nop())
	defer c.Close()

	report := c.Analyze(context.Background(), "addr", types.DefaultCriteria())
	require.True(t, report.Filtered)
	assert.Equal(t, "malformed source response", report.FilterReason)
}
