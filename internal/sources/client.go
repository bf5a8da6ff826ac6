// Package sources implements the four upstream evaluator clients: Market,
// Security, Router and Chain. Each wraps HTTP behind the rate limiter,
// reads through its own TTL cache, coerces responses into typed reports
// and applies its stage's slice of the filter criteria. Upstream failure
// degrades the stage to a filtered report; Analyze never returns an error
// for remote trouble.
package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/metrics"
	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/ratelimit"
	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/types"
)

// Source keys, shared with the rate limiter and health monitor.
const (
	SourceMarket   = "market"
	SourceSecurity = "security"
	SourceRouter   = "router"
	SourceChain    = "chain"
)

// Cache TTLs per client.
const (
	marketTTL    = 60 * time.Second
	trendingTTL  = 30 * time.Second
	securityTTL  = 300 * time.Second
	routerTTL    = 120 * time.Second
	chainTTL     = 600 * time.Second
	cacheBound   = 4096
	reasonDown   = "source unavailable"
	reasonBadBdy = "malformed source response"
)

// restClient is the HTTP plumbing shared by the four evaluators.
type restClient struct {
	name    string
	baseURL string
	http    *http.Client
	limiter *ratelimit.Limiter
	logger  zerolog.Logger
}

func newRESTClient(name, baseURL string, limiter *ratelimit.Limiter, logger zerolog.Logger) restClient {
	return restClient{
		name:    name,
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		limiter: limiter,
		logger:  logger.With().Str("component", "sources").Str("source", name).Logger(),
	}
}

// getJSON fetches baseURL+path under the limiter and decodes the body into
// out. Transport errors and 5xx/429 are retried by the limiter; decode
// failures come back as ContractMismatch and are not.
func (c *restClient) getJSON(ctx context.Context, path string, out any) error {
	url := c.baseURL + path
	err := c.limiter.Execute(ctx, c.name, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return types.NewError(types.KindInvariant, c.name, err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return types.NewError(types.KindTransport, c.name, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			return &types.HTTPStatusError{
				StatusCode: resp.StatusCode,
				Status:     resp.Status,
				RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			}
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return types.NewError(types.KindContractMismatch, c.name,
				fmt.Errorf("decode %s: %w", path, err))
		}
		return nil
	})
	if err != nil {
		metrics.RecordSourceRequest(c.name, "error")
		return err
	}
	metrics.RecordSourceRequest(c.name, "ok")
	return nil
}

// probe measures one health-check round trip. Any 2xx-5xx response counts
// as alive; only transport failure marks the source down.
func (c *restClient) probe(ctx context.Context, path string) types.SourceHealth {
	h := types.SourceHealth{
		Source:    c.name,
		Endpoint:  c.baseURL,
		CheckedAt: time.Now(),
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		h.Error = err.Error()
		return h
	}
	start := time.Now()
	resp, err := c.http.Do(req)
	h.Latency = time.Since(start)
	if err != nil {
		h.Error = err.Error()
		metrics.SetSourceHealthy(c.name, false)
		return h
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	h.Healthy = true
	metrics.SetSourceHealthy(c.name, true)
	return h
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// degradeReason maps an exhausted getJSON error to the stage filter reason.
func degradeReason(err error) string {
	if types.KindOf(err) == types.KindContractMismatch {
		return reasonBadBdy
	}
	return reasonDown
}
