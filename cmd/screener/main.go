// Command screener runs the token discovery and evaluation daemon: the
// aggregation core plus the WebSocket gateway.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/aggregator"
	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/auth"
	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/config"
	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/events"
	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/gateway"
	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/health"
	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/hub"
	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/logging"
	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/pipeline"
	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/ratelimit"
	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/sources"
	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/store"
	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/workers"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	bootLogger := logging.New(logging.Config{Level: "info", Format: "json"})

	cfg, err := config.Load(bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("Starting screener")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	limiter := ratelimit.New(ratelimit.Config{
		MaxRetries: cfg.RetryAttempts,
		RetryBase:  cfg.RetryBase,
		RetryMax:   cfg.RetryMax,
		PerSource: map[string]ratelimit.Limits{
			sources.SourceMarket:   {RPS: cfg.MarketRPS, Burst: cfg.MarketBurst},
			sources.SourceSecurity: {RPS: cfg.SecurityRPS, Burst: cfg.SecurityBurst},
			sources.SourceRouter:   {RPS: cfg.RouterRPS, Burst: cfg.RouterBurst},
			sources.SourceChain:    {RPS: cfg.ChainRPS, Burst: cfg.ChainBurst},
		},
	}, logger)

	market := sources.NewMarketClient(cfg.MarketURL, limiter, logger)
	security := sources.NewSecurityClient(cfg.SecurityURL, limiter, logger)
	router := sources.NewRouterClient(cfg.RouterURL, limiter, logger)
	chain := sources.NewChainClient(cfg.ChainURL, limiter, logger)
	defer market.Close()
	defer security.Close()
	defer router.Close()
	defer chain.Close()

	monitor := health.New(health.Config{
		Interval: cfg.HealthInterval,
		CacheTTL: cfg.HealthCacheTTL,
	}, []health.Prober{market, security, router, chain}, limiter, logger)

	pipe := pipeline.New(pipeline.Config{
		BatchSize:     cfg.BatchSize,
		MaxConcurrent: cfg.MaxConcurrent,
		Timeout:       cfg.PipelineTimeout,
		CacheResults:  cfg.CacheResults,
	}, market, security, router, chain, logger)
	defer pipe.Close()

	h := hub.New(hub.Config{
		ClientBuffer:      cfg.HubClientBuffer,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ConnectionTimeout: cfg.ConnectionTimeout,
	}, logger)

	pool := workers.NewPool(cfg.MaxConcurrent, cfg.MaxConcurrent*32, logger)
	pool.Start(ctx)
	defer pool.Stop()

	pubs, cleanup := buildPublishers(cfg, h, pool, logger)
	defer cleanup()

	memStore := store.NewMemory()

	agg := aggregator.New(aggregator.Config{
		TickInterval:    cfg.TickInterval,
		MaxTokensPerRun: cfg.MaxTokensPerRun,
		ProcessedTTL:    cfg.ProcessedTTL,
		RunHistory:      cfg.RunHistory,
		Criteria:        cfg.Criteria(),
	}, market, pipe, monitor, memStore, pubs, logger)
	defer agg.Close()

	var jwtManager *auth.Manager
	if cfg.WSJWTSecret != "" {
		jwtManager = auth.NewManager(cfg.WSJWTSecret, 0)
	}

	gw := gateway.New(gateway.Config{
		Addr:            cfg.Addr,
		MaxConnections:  cfg.MaxConnections,
		MetricsInterval: cfg.MetricsInterval,
	}, h, monitor, agg, limiter, jwtManager, logger)

	monitor.Start(ctx)
	agg.Start(ctx)
	gw.Start(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("Shutting down")
	agg.Stop()
	monitor.Stop()
	gw.Shutdown()
	cancel()
}

// buildPublishers assembles the analysis fan-out: direct hub dispatch by
// default, JetStream publish plus a consumer bridge when NATS is
// configured, and a Kafka archive when brokers are configured.
func buildPublishers(cfg *config.Config, h *hub.Hub, pool *workers.Pool,
	logger zerolog.Logger) ([]aggregator.Publisher, func()) {

	var pubs []aggregator.Publisher
	var closers []func()

	if cfg.NATSURL != "" {
		bus, err := events.ConnectNATS(cfg.NATSURL, logger)
		if err != nil {
			logger.Fatal().Err(err).Str("url", cfg.NATSURL).Msg("NATS connection failed")
		}
		if err := bus.StartBridge(pool, h); err != nil {
			logger.Fatal().Err(err).Msg("NATS bridge failed")
		}
		pubs = append(pubs, bus)
		closers = append(closers, bus.Close)
	} else {
		pubs = append(pubs, events.NewDirect(h))
	}

	if cfg.KafkaBrokers != "" {
		archiver, err := events.NewKafkaArchiver(splitBrokers(cfg.KafkaBrokers), cfg.AnalysesTopic, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Kafka archiver failed")
		}
		pubs = append(pubs, archiver)
		closers = append(closers, archiver.Close)
	}

	return pubs, func() {
		for _, c := range closers {
			c()
		}
	}
}

func splitBrokers(brokers string) []string {
	var out []string
	for _, b := range strings.Split(brokers, ",") {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
