package config

import (
	"os"
	"path/filepath"
	"testing"
)

const validYAML = `
dry_run: true
symbol:
  src: BTC-USD
  dst: BTC-USD-PERP
venue:
  source_ws_url: wss://source.example/ws
  account_ws_url: wss://dest.example/ws
  command_base_url: https://dest.example/api
quote:
  base_spread_bps: 10
  tick_spread_bps: 2
  num_layers: 3
  total_liquidity: 1000
  layer_liquidity_multiplier: 0.5
  min_edge_bps: 1
  min_requote_ms: 250
  requote_tick_threshold: 1
  stale_ms: 2000
  gamma_max: 1
  lambda: 5
  mu: 2
  tick_size: 0.01
  step_size: 0.001
  side_bid_enabled: true
  side_ask_enabled: true
risk:
  min_quote_size: 0.001
  max_position_size: 5
  max_skew: 0.8
  max_daily_loss: 500
  max_open_orders: 20
rate_limit:
  capacity: 5
  max_orders_per_second: 5
store:
  dsn: /tmp/crossmm.db
logging:
  level: info
  format: json
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, validYAML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Symbol.Src != "BTC-USD" {
		t.Errorf("Symbol.Src = %q, want BTC-USD", cfg.Symbol.Src)
	}
	if cfg.Quote.NumLayers != 3 {
		t.Errorf("Quote.NumLayers = %d, want 3", cfg.Quote.NumLayers)
	}
	if !cfg.DryRun {
		t.Error("expected DryRun = true")
	}
}

func TestLoadPrivateKeyEnvOverride(t *testing.T) {
	path := writeConfig(t, validYAML)
	t.Setenv("MM_PRIVATE_KEY", "0xdeadbeef")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Wallet.PrivateKey != "0xdeadbeef" {
		t.Errorf("Wallet.PrivateKey = %q, want override from MM_PRIVATE_KEY", cfg.Wallet.PrivateKey)
	}
}

func TestValidateRejectsMissingSymbol(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `
venue:
  source_ws_url: wss://source.example/ws
  account_ws_url: wss://dest.example/ws
  command_base_url: https://dest.example/api
quote:
  num_layers: 1
  total_liquidity: 100
  tick_size: 0.01
  step_size: 0.001
  side_bid_enabled: true
risk:
  max_position_size: 1
  max_open_orders: 1
rate_limit:
  capacity: 1
  max_orders_per_second: 1
store:
  dsn: /tmp/crossmm.db
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Error("expected Validate to reject a config with no symbol.src")
	}
}

func TestValidateRequiresPrivateKeyUnlessDryRun(t *testing.T) {
	t.Parallel()
	cfg := &Config{
		Symbol: SymbolConfig{Src: "a", Dst: "b"},
		Venue: VenueConfig{
			SourceWSURL: "wss://a", AccountWSURL: "wss://b", CommandBaseURL: "https://c",
		},
		Quote: QuoteConfig{NumLayers: 1, TotalLiquidity: 1, TickSize: 0.01, StepSize: 0.001, SideBidEnabled: true},
		Risk:  RiskConfig{MaxPositionSize: 1, MaxOpenOrders: 1},
		RateLimit: RateLimitConfig{Capacity: 1, MaxOrdersPerSecond: 1},
		Store: StoreConfig{DSN: "/tmp/x.db"},
	}

	if err := cfg.Validate(); err == nil {
		t.Error("expected Validate to require wallet.private_key when dry_run is false")
	}

	cfg.DryRun = true
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate should pass in dry_run mode without a private key: %v", err)
	}
}

func TestEngineConfigConvertsAllFields(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, validYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	ec := cfg.Quote.EngineConfig()
	if ec.NumLayers != 3 {
		t.Errorf("NumLayers = %d, want 3", ec.NumLayers)
	}
	if !ec.SidesEnabled.Bid || !ec.SidesEnabled.Ask {
		t.Error("expected both sides enabled")
	}
	if ec.TickSize.String() != "0.01" {
		t.Errorf("TickSize = %s, want 0.01", ec.TickSize.String())
	}
}

func TestRiskLimitsAndKillSwitchConversion(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, validYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	limits := cfg.Risk.Limits()
	if limits.MaxOpenOrders != 20 {
		t.Errorf("MaxOpenOrders = %d, want 20", limits.MaxOpenOrders)
	}
	ks := cfg.Risk.KillSwitchConfig()
	if ks.KillSwitchWindow != 0 {
		t.Errorf("KillSwitchWindow = %v, want 0 (not set in fixture)", ks.KillSwitchWindow)
	}
}
