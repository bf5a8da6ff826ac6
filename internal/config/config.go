// Package config loads the engine's configuration from the environment.
// Priority: ENV vars > .env file > defaults.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/types"
)

// Config holds every knob the daemon reads at startup.
//
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr        string `env:"SCREENER_ADDR" envDefault:":8080"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Aggregator
	TickInterval    time.Duration `env:"TICK_INTERVAL" envDefault:"5m"`
	MaxTokensPerRun int           `env:"MAX_TOKENS_PER_RUN" envDefault:"30"`
	BatchSize       int           `env:"BATCH_SIZE" envDefault:"10"`
	MaxConcurrent   int           `env:"MAX_CONCURRENT" envDefault:"5"`
	PipelineTimeout time.Duration `env:"PIPELINE_TIMEOUT" envDefault:"30s"`
	CacheResults    bool          `env:"CACHE_RESULTS" envDefault:"true"`
	RunHistory      int           `env:"RUN_HISTORY" envDefault:"50"`
	ProcessedTTL    time.Duration `env:"PROCESSED_TTL" envDefault:"24h"`

	// Upstream source base URLs
	MarketURL   string `env:"MARKET_URL" envDefault:"https://api.dexscreener.com"`
	SecurityURL string `env:"SECURITY_URL" envDefault:"https://api.rugcheck.xyz"`
	RouterURL   string `env:"ROUTER_URL" envDefault:"https://quote-api.jup.ag"`
	ChainURL    string `env:"CHAIN_URL" envDefault:"https://pro-api.solscan.io"`

	// Per-source rate limits
	MarketRPS     float64 `env:"MARKET_RPS" envDefault:"5"`
	MarketBurst   int     `env:"MARKET_BURST" envDefault:"10"`
	SecurityRPS   float64 `env:"SECURITY_RPS" envDefault:"2"`
	SecurityBurst int     `env:"SECURITY_BURST" envDefault:"5"`
	RouterRPS     float64 `env:"ROUTER_RPS" envDefault:"10"`
	RouterBurst   int     `env:"ROUTER_BURST" envDefault:"20"`
	ChainRPS      float64 `env:"CHAIN_RPS" envDefault:"2"`
	ChainBurst    int     `env:"CHAIN_BURST" envDefault:"5"`

	// Retry schedule
	RetryAttempts int           `env:"RETRY_ATTEMPTS" envDefault:"3"`
	RetryBase     time.Duration `env:"RETRY_BASE" envDefault:"500ms"`
	RetryMax      time.Duration `env:"RETRY_MAX" envDefault:"30s"`

	// Health monitor
	HealthInterval time.Duration `env:"HEALTH_INTERVAL" envDefault:"60s"`
	HealthCacheTTL time.Duration `env:"HEALTH_CACHE_TTL" envDefault:"30s"`

	// Hub / gateway
	HubClientBuffer   int           `env:"HUB_CLIENT_BUFFER" envDefault:"256"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	ConnectionTimeout time.Duration `env:"CONNECTION_TIMEOUT" envDefault:"60s"`
	MaxConnections    int           `env:"MAX_CONNECTIONS" envDefault:"5000"`
	WSJWTSecret       string        `env:"WS_JWT_SECRET" envDefault:""`

	// Event bus (both optional; empty disables the transport)
	NATSURL       string `env:"NATS_URL" envDefault:""`
	KafkaBrokers  string `env:"KAFKA_BROKERS" envDefault:""`
	AnalysesTopic string `env:"ANALYSES_TOPIC" envDefault:"screener.analyses"`

	// Monitoring
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	// Default filter criteria. Negative numeric values mean "no constraint".
	FilterMinAge           float64 `env:"FILTER_MIN_AGE" envDefault:"1"`
	FilterMaxAge           float64 `env:"FILTER_MAX_AGE" envDefault:"168"`
	FilterMinLiquidity     float64 `env:"FILTER_MIN_LIQUIDITY" envDefault:"1000"`
	FilterMinVolume        float64 `env:"FILTER_MIN_VOLUME" envDefault:"500"`
	FilterMinSafetyScore   float64 `env:"FILTER_MIN_SAFETY_SCORE" envDefault:"6"`
	FilterAllowHoneypot    bool    `env:"FILTER_ALLOW_HONEYPOT" envDefault:"false"`
	FilterRequireRouting   bool    `env:"FILTER_REQUIRE_ROUTING" envDefault:"false"`
	FilterMaxSlippage      float64 `env:"FILTER_MAX_SLIPPAGE" envDefault:"15"`
	FilterAllowBlacklisted bool    `env:"FILTER_ALLOW_BLACKLISTED" envDefault:"false"`
	FilterMaxCreatorRugs   int     `env:"FILTER_MAX_CREATOR_RUGS" envDefault:"1"`
	FilterMaxTopHoldersPct float64 `env:"FILTER_MAX_TOP_HOLDERS_PCT" envDefault:"80"`
}

// Load reads configuration from the optional .env file and the environment,
// validates it, and logs the effective values.
func Load(logger zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logger.Debug().Msg("No .env file found, using environment variables only")
	} else {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	cfg.Log(logger)
	return cfg, nil
}

// Validate checks the loaded values for inconsistencies.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("SCREENER_ADDR is required")
	}
	if c.TickInterval < time.Second {
		return fmt.Errorf("TICK_INTERVAL must be >= 1s, got %s", c.TickInterval)
	}
	if c.MaxTokensPerRun < 1 {
		return fmt.Errorf("MAX_TOKENS_PER_RUN must be > 0, got %d", c.MaxTokensPerRun)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("BATCH_SIZE must be > 0, got %d", c.BatchSize)
	}
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("MAX_CONCURRENT must be > 0, got %d", c.MaxConcurrent)
	}
	if c.PipelineTimeout <= 0 {
		return fmt.Errorf("PIPELINE_TIMEOUT must be > 0, got %s", c.PipelineTimeout)
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("RETRY_ATTEMPTS must be >= 0, got %d", c.RetryAttempts)
	}
	if c.HubClientBuffer < 1 {
		return fmt.Errorf("HUB_CLIENT_BUFFER must be > 0, got %d", c.HubClientBuffer)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.ConnectionTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("CONNECTION_TIMEOUT (%s) must exceed HEARTBEAT_INTERVAL (%s)",
			c.ConnectionTimeout, c.HeartbeatInterval)
	}
	if c.FilterMinSafetyScore > 10 {
		return fmt.Errorf("FILTER_MIN_SAFETY_SCORE must be 0-10, got %.1f", c.FilterMinSafetyScore)
	}
	if c.FilterMaxTopHoldersPct > 100 {
		return fmt.Errorf("FILTER_MAX_TOP_HOLDERS_PCT must be 0-100, got %.1f", c.FilterMaxTopHoldersPct)
	}
	return nil
}

// Criteria builds the default filter criteria from the FILTER_* knobs.
// Negative numeric values disable the corresponding constraint.
func (c *Config) Criteria() types.FilterCriteria {
	fc := types.FilterCriteria{
		AllowHoneypot:    c.FilterAllowHoneypot,
		RequireRouting:   c.FilterRequireRouting,
		AllowBlacklisted: c.FilterAllowBlacklisted,
	}
	if c.FilterMinAge >= 0 {
		fc.MinAge = types.Float(c.FilterMinAge)
	}
	if c.FilterMaxAge >= 0 {
		fc.MaxAge = types.Float(c.FilterMaxAge)
	}
	if c.FilterMinLiquidity >= 0 {
		fc.MinLiquidity = types.Float(c.FilterMinLiquidity)
	}
	if c.FilterMinVolume >= 0 {
		fc.MinVolume = types.Float(c.FilterMinVolume)
	}
	if c.FilterMinSafetyScore >= 0 {
		fc.MinSafetyScore = types.Float(c.FilterMinSafetyScore)
	}
	if c.FilterMaxSlippage >= 0 {
		fc.MaxSlippage = types.Float(c.FilterMaxSlippage)
	}
	if c.FilterMaxCreatorRugs >= 0 {
		fc.MaxCreatorRugs = types.Int(c.FilterMaxCreatorRugs)
	}
	if c.FilterMaxTopHoldersPct >= 0 {
		fc.MaxTopHoldersPct = types.Float(c.FilterMaxTopHoldersPct)
	}
	return fc
}

// Log dumps the effective configuration. Secrets are reported as set/unset.
func (c *Config) Log(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr).
		Str("environment", c.Environment).
		Dur("tick_interval", c.TickInterval).
		Int("max_tokens_per_run", c.MaxTokensPerRun).
		Int("batch_size", c.BatchSize).
		Int("max_concurrent", c.MaxConcurrent).
		Dur("pipeline_timeout", c.PipelineTimeout).
		Bool("cache_results", c.CacheResults).
		Dur("processed_ttl", c.ProcessedTTL).
		Int("retry_attempts", c.RetryAttempts).
		Dur("health_interval", c.HealthInterval).
		Int("hub_client_buffer", c.HubClientBuffer).
		Int("max_connections", c.MaxConnections).
		Bool("jwt_auth", c.WSJWTSecret != "").
		Bool("nats_enabled", c.NATSURL != "").
		Bool("kafka_enabled", c.KafkaBrokers != "").
		Msg("Configuration loaded")
}
