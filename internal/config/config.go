// Package config defines all configuration for the market-making engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via MM_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"crossmm/internal/oms"
	"crossmm/internal/quoteengine"
	"crossmm/internal/risk"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun    bool            `mapstructure:"dry_run"`
	Symbol    SymbolConfig    `mapstructure:"symbol"`
	Wallet    WalletConfig    `mapstructure:"wallet"`
	Venue     VenueConfig     `mapstructure:"venue"`
	Quote     QuoteConfig     `mapstructure:"quote"`
	Risk      RiskConfig      `mapstructure:"risk"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Store     StoreConfig     `mapstructure:"store"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// SymbolConfig names the one source/destination instrument pair this engine
// makes markets in.
type SymbolConfig struct {
	Src string `mapstructure:"src"`
	Dst string `mapstructure:"dst"`
}

// WalletConfig holds the key used by the default Signer to authenticate
// destination-venue commands.
type WalletConfig struct {
	PrivateKey string `mapstructure:"private_key"`
	ChainID    int64  `mapstructure:"chain_id"`
}

// VenueConfig points at the source/destination stream and command endpoints
// plus the L2 API credential triplet.
type VenueConfig struct {
	SourceWSURL    string `mapstructure:"source_ws_url"`
	AccountWSURL   string `mapstructure:"account_ws_url"`
	CommandBaseURL string `mapstructure:"command_base_url"`
	APIKey         string `mapstructure:"api_key"`
	APISecret      string `mapstructure:"api_secret"`
	APIPassphrase  string `mapstructure:"api_passphrase"`
}

// QuoteConfig tunes the layered quote engine. Basis-point and
// ratio fields are float64 in YAML and converted to decimal.Decimal once at
// startup — the engine itself never touches float64.
type QuoteConfig struct {
	BaseSpreadBps            float64 `mapstructure:"base_spread_bps"`
	TickSpreadBps            float64 `mapstructure:"tick_spread_bps"`
	NumLayers                int     `mapstructure:"num_layers"`
	TotalLiquidity           float64 `mapstructure:"total_liquidity"`
	LayerLiquidityMultiplier float64 `mapstructure:"layer_liquidity_multiplier"`
	MinEdgeBps               float64 `mapstructure:"min_edge_bps"`
	MinRequoteMs             int64   `mapstructure:"min_requote_ms"`
	RequoteTickThreshold     float64 `mapstructure:"requote_tick_threshold"`
	StaleMs                  int64   `mapstructure:"stale_ms"`
	QuoteTTLMs               int64   `mapstructure:"quote_ttl_ms"`
	GammaMax                 float64 `mapstructure:"gamma_max"`
	Lambda                   float64 `mapstructure:"lambda"`
	Mu                       float64 `mapstructure:"mu"`
	TickSize                 float64 `mapstructure:"tick_size"`
	StepSize                 float64 `mapstructure:"step_size"`
	SideBidEnabled           bool    `mapstructure:"side_bid_enabled"`
	SideAskEnabled           bool    `mapstructure:"side_ask_enabled"`

	// TargetAssetRatio/RatioTolerance drive the gamma computation: the
	// fraction of total portfolio value (base + quote) the bot targets
	// holding in base asset, and the tolerance band before skew saturates.
	TargetAssetRatio float64 `mapstructure:"target_asset_ratio"`
	RatioTolerance   float64 `mapstructure:"ratio_tolerance"`
}

// EngineConfig converts QuoteConfig to the decimal-typed Config the quote
// engine consumes.
func (q QuoteConfig) EngineConfig() quoteengine.Config {
	return quoteengine.Config{
		BaseSpreadBps:            decimal.NewFromFloat(q.BaseSpreadBps),
		TickSpreadBps:            decimal.NewFromFloat(q.TickSpreadBps),
		NumLayers:                q.NumLayers,
		TotalLiquidity:           decimal.NewFromFloat(q.TotalLiquidity),
		LayerLiquidityMultiplier: decimal.NewFromFloat(q.LayerLiquidityMultiplier),
		MinEdgeBps:               decimal.NewFromFloat(q.MinEdgeBps),
		MinRequoteMs:             q.MinRequoteMs,
		RequoteTickThreshold:     decimal.NewFromFloat(q.RequoteTickThreshold),
		StaleMs:                  q.StaleMs,
		SidesEnabled:             quoteengine.Sides{Bid: q.SideBidEnabled, Ask: q.SideAskEnabled},
		GammaMax:                 decimal.NewFromFloat(q.GammaMax),
		Lambda:                   decimal.NewFromFloat(q.Lambda),
		Mu:                       decimal.NewFromFloat(q.Mu),
		TickSize:                 decimal.NewFromFloat(q.TickSize),
		StepSize:                 decimal.NewFromFloat(q.StepSize),
	}
}

// RiskConfig sets the OMS pre-trade gate thresholds and portfolio kill
// switch parameters.
type RiskConfig struct {
	MinQuoteSize        float64       `mapstructure:"min_quote_size"`
	MaxPositionSize     float64       `mapstructure:"max_position_size"`
	MaxSkew             float64       `mapstructure:"max_skew"`
	MaxDailyLoss        float64       `mapstructure:"max_daily_loss"`
	MaxOpenOrders       int           `mapstructure:"max_open_orders"`
	EmergencyStop       bool          `mapstructure:"emergency_stop"`
	KillSwitchDropPct   float64       `mapstructure:"kill_switch_drop_pct"`
	KillSwitchWindowSec int           `mapstructure:"kill_switch_window_sec"`
	CooldownAfterKill   time.Duration `mapstructure:"cooldown_after_kill"`
}

// Limits converts RiskConfig to the OMS's decimal-typed pre-trade gate.
func (r RiskConfig) Limits() oms.RiskLimits {
	return oms.RiskLimits{
		MinQuoteSize:    decimal.NewFromFloat(r.MinQuoteSize),
		MaxPositionSize: decimal.NewFromFloat(r.MaxPositionSize),
		MaxSkew:         decimal.NewFromFloat(r.MaxSkew),
		MaxDailyLoss:    decimal.NewFromFloat(r.MaxDailyLoss),
		MaxOpenOrders:   r.MaxOpenOrders,
	}
}

// KillSwitchConfig converts RiskConfig to the portfolio Monitor's config.
func (r RiskConfig) KillSwitchConfig() risk.Config {
	return risk.Config{
		KillSwitchDropPct: decimal.NewFromFloat(r.KillSwitchDropPct),
		KillSwitchWindow:  time.Duration(r.KillSwitchWindowSec) * time.Second,
		CooldownAfterKill: r.CooldownAfterKill,
	}
}

// RateLimitConfig sizes the outbound token bucket.
type RateLimitConfig struct {
	Capacity           float64 `mapstructure:"capacity"`
	MaxOrdersPerSecond float64 `mapstructure:"max_orders_per_second"`
}

// StoreConfig points at the relational store's DSN: a filesystem path for
// SQLite, or a postgres://.../postgresql://... URL for Postgres.
type StoreConfig struct {
	DSN string `mapstructure:"dsn"`
}

// LoggingConfig selects slog's level and output format.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: MM_PRIVATE_KEY, MM_API_KEY, MM_API_SECRET, MM_API_PASSPHRASE.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("MM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("MM_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	}
	if key := os.Getenv("MM_API_KEY"); key != "" {
		cfg.Venue.APIKey = key
	}
	if secret := os.Getenv("MM_API_SECRET"); secret != "" {
		cfg.Venue.APISecret = secret
	}
	if pass := os.Getenv("MM_API_PASSPHRASE"); pass != "" {
		cfg.Venue.APIPassphrase = pass
	}
	if v := os.Getenv("MM_DRY_RUN"); v == "true" || v == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// setDefaults seeds reasonable production defaults so a config file only
// needs to name what it overrides.
func setDefaults(v *viper.Viper) {
	v.SetDefault("quote.base_spread_bps", 8)
	v.SetDefault("quote.tick_spread_bps", 10)
	v.SetDefault("quote.num_layers", 10)
	v.SetDefault("quote.total_liquidity", 5000)
	v.SetDefault("quote.layer_liquidity_multiplier", 1.0)
	v.SetDefault("quote.target_asset_ratio", 1.0)
	v.SetDefault("quote.ratio_tolerance", 0.1)
	v.SetDefault("quote.gamma_max", 0.5)
	v.SetDefault("quote.lambda", 10)
	v.SetDefault("quote.mu", 0.8)
	v.SetDefault("quote.min_requote_ms", 100)
	v.SetDefault("quote.requote_tick_threshold", 1e-4)
	v.SetDefault("quote.stale_ms", 5000)
	v.SetDefault("quote.quote_ttl_ms", 2000)
	v.SetDefault("quote.side_bid_enabled", true)
	v.SetDefault("quote.side_ask_enabled", true)
	v.SetDefault("risk.max_open_orders", 50)
	v.SetDefault("risk.emergency_stop", false)
	v.SetDefault("rate_limit.capacity", 5)
	v.SetDefault("rate_limit.max_orders_per_second", 5)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Symbol.Src == "" {
		return fmt.Errorf("symbol.src is required")
	}
	if c.Symbol.Dst == "" {
		return fmt.Errorf("symbol.dst is required")
	}
	if !c.DryRun && c.Wallet.PrivateKey == "" {
		return fmt.Errorf("wallet.private_key is required (set MM_PRIVATE_KEY) unless dry_run is true")
	}
	if c.Venue.SourceWSURL == "" {
		return fmt.Errorf("venue.source_ws_url is required")
	}
	if c.Venue.AccountWSURL == "" {
		return fmt.Errorf("venue.account_ws_url is required")
	}
	if c.Venue.CommandBaseURL == "" {
		return fmt.Errorf("venue.command_base_url is required")
	}
	if c.Quote.NumLayers <= 0 {
		return fmt.Errorf("quote.num_layers must be > 0")
	}
	if c.Quote.TotalLiquidity <= 0 {
		return fmt.Errorf("quote.total_liquidity must be > 0")
	}
	if c.Quote.TickSize <= 0 {
		return fmt.Errorf("quote.tick_size must be > 0")
	}
	if c.Quote.StepSize <= 0 {
		return fmt.Errorf("quote.step_size must be > 0")
	}
	if !c.Quote.SideBidEnabled && !c.Quote.SideAskEnabled {
		return fmt.Errorf("quote: at least one of side_bid_enabled, side_ask_enabled must be true")
	}
	if c.Risk.MaxPositionSize <= 0 {
		return fmt.Errorf("risk.max_position_size must be > 0")
	}
	if c.Risk.MaxOpenOrders <= 0 {
		return fmt.Errorf("risk.max_open_orders must be > 0")
	}
	if c.RateLimit.Capacity <= 0 {
		return fmt.Errorf("rate_limit.capacity must be > 0")
	}
	if c.RateLimit.MaxOrdersPerSecond <= 0 {
		return fmt.Errorf("rate_limit.max_orders_per_second must be > 0")
	}
	if c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required")
	}
	return nil
}
