// Package config provides configuration management for the trading bot.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Sizing and ladder defaults, applied when the YAML leaves a field unset.
const (
	defaultLeverage         = 20
	defaultEquityPct        = 20.0
	defaultMaxTrades        = 6
	defaultE1TimeoutMinutes = 10
	defaultMaxDCALevels     = 5

	defaultTrailingCallbackPct = 0.5
	defaultBEBufferPct         = 0.1
	defaultHardSLPct           = 3.0
	defaultSafetySLPct         = 5.0
	defaultQuickTrailTrigger   = 1.0
	defaultQuickTrailBuffer    = 0.2

	defaultSnapMinPct         = 2.0
	defaultLimitBufferPct     = 0.2
	defaultResnapThresholdPct = 0.3
	defaultZoneRefreshMinutes = 15
	defaultZoneStaleMinutes   = 120

	defaultBatchWindowSeconds = 5
	defaultMaxFillsPerBatch   = 3
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Exchange    ExchangeConfig    `yaml:"exchange"`
	Telegram    TelegramConfig    `yaml:"telegram"`
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Trading     TradingConfig     `yaml:"trading"`
	DCA         DCAConfig         `yaml:"dca"`
	TakeProfit  TakeProfitConfig  `yaml:"take_profit"`
	StopLoss    StopLossConfig    `yaml:"stop_loss"`
	ScaleIn     ScaleInConfig     `yaml:"scale_in"`
	Zones       ZonesConfig       `yaml:"zones"`
	Batch       BatchConfig       `yaml:"batch"`
	Loops       LoopsConfig       `yaml:"loops"`
	Filters     FiltersConfig     `yaml:"filters"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // testnet | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// ExchangeConfig defines the derivatives exchange API settings.
type ExchangeConfig struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"` // optional override, defaults per mode
	WSURL     string `yaml:"ws_url"`   // optional public websocket override
}

// TelegramConfig defines the signal channel and notification settings.
type TelegramConfig struct {
	BotToken     string `yaml:"bot_token"`
	Channel      string `yaml:"channel"`        // channel id or title to listen on; empty = all
	NotifyChatID string `yaml:"notify_chat_id"` // chat for operator notifications
}

// ServerConfig defines the HTTP surface settings.
type ServerConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"` // empty disables auth on mutating routes
}

// StorageConfig defines storage settings.
type StorageConfig struct {
	Path string `yaml:"path"` // sqlite database file
}

// TradingConfig defines capital allocation and admission limits.
type TradingConfig struct {
	Leverage              int     `yaml:"leverage"`
	EquityPctPerTrade     float64 `yaml:"equity_pct_per_trade"`
	MaxSimultaneousTrades int     `yaml:"max_simultaneous_trades"`
	E1LimitOrder          bool    `yaml:"e1_limit_order"`
	E1TimeoutMinutes      int     `yaml:"e1_timeout_minutes"`
}

// DCAConfig defines the averaging ladder.
type DCAConfig struct {
	Multipliers []float64 `yaml:"multipliers"` // sizing per level, index 0 = E1
	SpacingPct  []float64 `yaml:"spacing_pct"` // distance from entry per level, index 0 = 0
	MaxLevels   int       `yaml:"max_levels"`  // DCA count beyond E1
	TPPcts      []float64 `yaml:"tp_pcts"`     // avg-based TP distances after a DCA fill
	TPShares    []float64 `yaml:"tp_shares"`   // close percentage per avg-based TP
}

// TakeProfitConfig defines the signal-target TP ladder.
type TakeProfitConfig struct {
	ClosePcts           []float64 `yaml:"close_pcts"` // per signal target, e.g. [50,10,10,10]
	TrailingCallbackPct float64   `yaml:"trailing_callback_pct"`
	BEBufferPct         float64   `yaml:"be_buffer_pct"`
}

// StopLossConfig defines the SL ladder parameters.
type StopLossConfig struct {
	HardSLPct            float64 `yaml:"hard_sl_pct"`   // below deepest DCA fill
	SafetySLPct          float64 `yaml:"safety_sl_pct"` // pre-DCA wide stop from entry
	QuickTrailTriggerPct float64 `yaml:"quick_trail_trigger_pct"`
	QuickTrailBufferPct  float64 `yaml:"quick_trail_buffer_pct"`
}

// ScaleInConfig defines pyramiding at TP2.
type ScaleInConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ZonesConfig defines zone snapping and refresh behavior.
type ZonesConfig struct {
	SnapMinPct         float64 `yaml:"snap_min_pct"`
	LimitBufferPct     float64 `yaml:"limit_buffer_pct"`
	ResnapThresholdPct float64 `yaml:"resnap_threshold_pct"`
	RefreshMinutes     int     `yaml:"refresh_minutes"`
	StaleMinutes       int     `yaml:"stale_minutes"`
	CandleInterval     string  `yaml:"candle_interval"` // exchange kline interval, e.g. "15"
	CandleCount        int     `yaml:"candle_count"`
	SwingLookback      int     `yaml:"swing_lookback"`
}

// BatchConfig defines admission batching.
type BatchConfig struct {
	WindowSeconds    int `yaml:"window_seconds"`
	MaxFillsPerBatch int `yaml:"max_fills_per_batch"`
}

// LoopsConfig defines loop periods. Values are Go durations ("2s", "30s").
type LoopsConfig struct {
	MonitorInterval string `yaml:"monitor_interval"`
	SafetyInterval  string `yaml:"safety_interval"`
	PnLSyncInterval string `yaml:"pnl_sync_interval"`
	InterTradeDelay string `yaml:"inter_trade_delay"`
}

// FiltersConfig defines signal admission filters.
type FiltersConfig struct {
	AllowedSymbols []string `yaml:"allowed_symbols"` // empty = all
	BlockedSymbols []string `yaml:"blocked_symbols"`
	MinLeverage    int      `yaml:"min_leverage"`
	MaxLeverage    int      `yaml:"max_leverage"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks that all configuration values are valid and consistent.
// Missing ladder fields are normalized to defaults first.
func (c *Config) Validate() error {
	c.normalize()

	if c.Environment.Mode != "testnet" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'testnet' or 'live'")
	}

	if c.Exchange.APIKey == "" {
		return fmt.Errorf("exchange.api_key is required")
	}
	if c.Exchange.APISecret == "" {
		return fmt.Errorf("exchange.api_secret is required")
	}

	if c.Trading.Leverage <= 0 || c.Trading.Leverage > 100 {
		return fmt.Errorf("trading.leverage must be in (0,100]")
	}
	if c.Trading.EquityPctPerTrade <= 0 || c.Trading.EquityPctPerTrade > 100 {
		return fmt.Errorf("trading.equity_pct_per_trade must be in (0,100]")
	}
	if c.Trading.MaxSimultaneousTrades <= 0 {
		return fmt.Errorf("trading.max_simultaneous_trades must be > 0")
	}
	if c.Trading.E1TimeoutMinutes <= 0 {
		return fmt.Errorf("trading.e1_timeout_minutes must be > 0")
	}

	if len(c.DCA.Multipliers) != len(c.DCA.SpacingPct) {
		return fmt.Errorf("dca.multipliers and dca.spacing_pct must have equal length")
	}
	if c.DCA.MaxLevels < 0 || c.DCA.MaxLevels >= len(c.DCA.Multipliers) {
		return fmt.Errorf("dca.max_levels must be in [0,%d)", len(c.DCA.Multipliers))
	}
	if c.DCA.SpacingPct[0] != 0 {
		return fmt.Errorf("dca.spacing_pct[0] must be 0 (E1 sits at the signal entry)")
	}
	for i := 1; i < len(c.DCA.SpacingPct); i++ {
		if c.DCA.SpacingPct[i] <= c.DCA.SpacingPct[i-1] {
			return fmt.Errorf("dca.spacing_pct must be strictly increasing")
		}
	}
	for i, m := range c.DCA.Multipliers {
		if m <= 0 {
			return fmt.Errorf("dca.multipliers[%d] must be > 0", i)
		}
	}
	if len(c.DCA.TPPcts) != len(c.DCA.TPShares) {
		return fmt.Errorf("dca.tp_pcts and dca.tp_shares must have equal length")
	}

	sum := 0.0
	for i, p := range c.TakeProfit.ClosePcts {
		if p <= 0 || p > 100 {
			return fmt.Errorf("take_profit.close_pcts[%d] must be in (0,100]", i)
		}
		sum += p
	}
	if sum > 100 {
		return fmt.Errorf("take_profit.close_pcts sum %.1f exceeds 100", sum)
	}
	dcaSum := 0.0
	for _, p := range c.DCA.TPShares {
		dcaSum += p
	}
	if dcaSum > 100 {
		return fmt.Errorf("dca.tp_shares sum %.1f exceeds 100", dcaSum)
	}

	if c.StopLoss.HardSLPct <= 0 || c.StopLoss.SafetySLPct <= 0 {
		return fmt.Errorf("stop_loss.hard_sl_pct and stop_loss.safety_sl_pct must be > 0")
	}
	if c.TakeProfit.TrailingCallbackPct <= 0 {
		return fmt.Errorf("take_profit.trailing_callback_pct must be > 0")
	}

	if c.Zones.SnapMinPct < 0 || c.Zones.ResnapThresholdPct <= 0 {
		return fmt.Errorf("zones.snap_min_pct must be >= 0 and zones.resnap_threshold_pct > 0")
	}
	if c.Zones.SwingLookback <= 0 || c.Zones.CandleCount <= 2*c.Zones.SwingLookback {
		return fmt.Errorf("zones.candle_count must exceed twice zones.swing_lookback")
	}

	if c.Batch.WindowSeconds <= 0 {
		return fmt.Errorf("batch.window_seconds must be > 0")
	}
	if c.Batch.MaxFillsPerBatch <= 0 || c.Batch.MaxFillsPerBatch > c.Trading.MaxSimultaneousTrades {
		return fmt.Errorf("batch.max_fills_per_batch must be in (0,%d]", c.Trading.MaxSimultaneousTrades)
	}

	if c.Filters.MinLeverage < 0 || (c.Filters.MaxLeverage > 0 && c.Filters.MaxLeverage < c.Filters.MinLeverage) {
		return fmt.Errorf("filters leverage bounds are inconsistent")
	}

	for _, field := range []struct {
		name, val string
	}{
		{"loops.monitor_interval", c.Loops.MonitorInterval},
		{"loops.safety_interval", c.Loops.SafetyInterval},
		{"loops.pnl_sync_interval", c.Loops.PnLSyncInterval},
		{"loops.inter_trade_delay", c.Loops.InterTradeDelay},
	} {
		if _, err := time.ParseDuration(field.val); err != nil {
			return fmt.Errorf("%s invalid: %w", field.name, err)
		}
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid port")
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}

	return nil
}

// normalize fills unset fields with the stock ladder.
func (c *Config) normalize() {
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}
	if c.Trading.Leverage == 0 {
		c.Trading.Leverage = defaultLeverage
	}
	if c.Trading.EquityPctPerTrade == 0 {
		c.Trading.EquityPctPerTrade = defaultEquityPct
	}
	if c.Trading.MaxSimultaneousTrades == 0 {
		c.Trading.MaxSimultaneousTrades = defaultMaxTrades
	}
	if c.Trading.E1TimeoutMinutes == 0 {
		c.Trading.E1TimeoutMinutes = defaultE1TimeoutMinutes
	}
	if len(c.DCA.Multipliers) == 0 {
		c.DCA.Multipliers = []float64{1, 2, 4, 8, 16, 32}
	}
	if len(c.DCA.SpacingPct) == 0 {
		c.DCA.SpacingPct = []float64{0, 3, 7, 12, 18, 25}
	}
	if c.DCA.MaxLevels == 0 {
		c.DCA.MaxLevels = defaultMaxDCALevels
	}
	if len(c.DCA.TPPcts) == 0 {
		c.DCA.TPPcts = []float64{0.5, 1.25}
	}
	if len(c.DCA.TPShares) == 0 {
		c.DCA.TPShares = []float64{50, 20}
	}
	if len(c.TakeProfit.ClosePcts) == 0 {
		c.TakeProfit.ClosePcts = []float64{50, 10, 10, 10}
	}
	if c.TakeProfit.TrailingCallbackPct == 0 {
		c.TakeProfit.TrailingCallbackPct = defaultTrailingCallbackPct
	}
	if c.TakeProfit.BEBufferPct == 0 {
		c.TakeProfit.BEBufferPct = defaultBEBufferPct
	}
	if c.StopLoss.HardSLPct == 0 {
		c.StopLoss.HardSLPct = defaultHardSLPct
	}
	if c.StopLoss.SafetySLPct == 0 {
		c.StopLoss.SafetySLPct = defaultSafetySLPct
	}
	if c.StopLoss.QuickTrailTriggerPct == 0 {
		c.StopLoss.QuickTrailTriggerPct = defaultQuickTrailTrigger
	}
	if c.StopLoss.QuickTrailBufferPct == 0 {
		c.StopLoss.QuickTrailBufferPct = defaultQuickTrailBuffer
	}
	if c.Zones.SnapMinPct == 0 {
		c.Zones.SnapMinPct = defaultSnapMinPct
	}
	if c.Zones.LimitBufferPct == 0 {
		c.Zones.LimitBufferPct = defaultLimitBufferPct
	}
	if c.Zones.ResnapThresholdPct == 0 {
		c.Zones.ResnapThresholdPct = defaultResnapThresholdPct
	}
	if c.Zones.RefreshMinutes == 0 {
		c.Zones.RefreshMinutes = defaultZoneRefreshMinutes
	}
	if c.Zones.StaleMinutes == 0 {
		c.Zones.StaleMinutes = defaultZoneStaleMinutes
	}
	if c.Zones.CandleInterval == "" {
		c.Zones.CandleInterval = "15"
	}
	if c.Zones.CandleCount == 0 {
		c.Zones.CandleCount = 100
	}
	if c.Zones.SwingLookback == 0 {
		c.Zones.SwingLookback = 5
	}
	if c.Batch.WindowSeconds == 0 {
		c.Batch.WindowSeconds = defaultBatchWindowSeconds
	}
	if c.Batch.MaxFillsPerBatch == 0 {
		c.Batch.MaxFillsPerBatch = defaultMaxFillsPerBatch
	}
	if c.Filters.MaxLeverage == 0 {
		c.Filters.MaxLeverage = 100
	}
	if c.Loops.MonitorInterval == "" {
		c.Loops.MonitorInterval = "2s"
	}
	if c.Loops.SafetyInterval == "" {
		c.Loops.SafetyInterval = "30s"
	}
	if c.Loops.PnLSyncInterval == "" {
		c.Loops.PnLSyncInterval = "2m"
	}
	if c.Loops.InterTradeDelay == "" {
		c.Loops.InterTradeDelay = "200ms"
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "data/bot.db"
	}
}

// IsTestnet returns true when the bot points at the exchange testnet.
func (c *Config) IsTestnet() bool {
	return c.Environment.Mode == "testnet"
}

// SumMultipliers is the divisor of the per-trade budget: the sum of the
// multipliers actually in play (E1 plus max_levels DCAs).
func (c *Config) SumMultipliers() float64 {
	total := 0.0
	for i := 0; i <= c.DCA.MaxLevels && i < len(c.DCA.Multipliers); i++ {
		total += c.DCA.Multipliers[i]
	}
	return total
}

// E1Margin returns the margin in quote currency for the primary entry.
func (c *Config) E1Margin(equity float64) float64 {
	budget := equity * c.Trading.EquityPctPerTrade / 100
	return budget / c.SumMultipliers()
}

// LevelMargin returns the margin for ladder slot i (0 = E1).
func (c *Config) LevelMargin(equity float64, level int) float64 {
	if level < 0 || level >= len(c.DCA.Multipliers) {
		return 0
	}
	return c.E1Margin(equity) * c.DCA.Multipliers[level]
}

// E1Timeout returns the entry-fill deadline as a duration.
func (c *Config) E1Timeout() time.Duration {
	return time.Duration(c.Trading.E1TimeoutMinutes) * time.Minute
}

// BatchWindow returns the admission debounce window.
func (c *Config) BatchWindow() time.Duration {
	return time.Duration(c.Batch.WindowSeconds) * time.Second
}

// SymbolAllowed applies the allow/block lists.
func (c *Config) SymbolAllowed(symbol string) bool {
	for _, blocked := range c.Filters.BlockedSymbols {
		if strings.EqualFold(blocked, symbol) {
			return false
		}
	}
	if len(c.Filters.AllowedSymbols) == 0 {
		return true
	}
	for _, allowed := range c.Filters.AllowedSymbols {
		if strings.EqualFold(allowed, symbol) {
			return true
		}
	}
	return false
}

// LeverageAllowed applies the signal leverage filter.
func (c *Config) LeverageAllowed(lev int) bool {
	if lev == 0 {
		return true // unstated leverage falls back to the configured default
	}
	if lev < c.Filters.MinLeverage {
		return false
	}
	if c.Filters.MaxLeverage > 0 && lev > c.Filters.MaxLeverage {
		return false
	}
	return true
}

func durationOr(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// MonitorInterval returns the price-monitor loop period.
func (c *Config) MonitorInterval() time.Duration {
	return durationOr(c.Loops.MonitorInterval, 2*time.Second)
}

// SafetyInterval returns the safety loop period.
func (c *Config) SafetyInterval() time.Duration {
	return durationOr(c.Loops.SafetyInterval, 30*time.Second)
}

// PnLSyncInterval returns the closed-PnL sync loop period.
func (c *Config) PnLSyncInterval() time.Duration {
	return durationOr(c.Loops.PnLSyncInterval, 2*time.Minute)
}

// InterTradeDelay returns the pause between trades inside a monitor tick.
func (c *Config) InterTradeDelay() time.Duration {
	return durationOr(c.Loops.InterTradeDelay, 200*time.Millisecond)
}

// ZoneRefresh returns the zone refresh loop period.
func (c *Config) ZoneRefresh() time.Duration {
	return time.Duration(c.Zones.RefreshMinutes) * time.Minute
}

// ZoneStale returns the external-zone staleness threshold.
func (c *Config) ZoneStale() time.Duration {
	return time.Duration(c.Zones.StaleMinutes) * time.Minute
}
