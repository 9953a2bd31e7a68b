// Package types also carries the configuration shapes loaded by
// internal/config from TOML files, per SPEC_FULL.md §6.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// RiskConfig is the risk manager's process-wide policy parameters.
type RiskConfig struct {
	RiskPerTradePct decimal.Decimal `mapstructure:"risk_per_trade_pct"`
	StopLossPct     decimal.Decimal `mapstructure:"stop_loss_pct"`
	MinOrderSize    decimal.Decimal `mapstructure:"min_order_size"`
	StepSize        decimal.Decimal `mapstructure:"step_size"`
}

// ExecutionConfig controls the simulated/live executor's cost model and
// which executor variant the CLI should use by default.
type ExecutionConfig struct {
	TakerFeePct  decimal.Decimal `mapstructure:"taker_fee_pct"`
	SlippagePct  decimal.Decimal `mapstructure:"slippage_pct"`
	OrderType    string          `mapstructure:"order_type"` // "market" | "limit"
	TickSize     decimal.Decimal `mapstructure:"tick_size"`
	StepSize     decimal.Decimal `mapstructure:"step_size"`
}

// APICredentials holds one environment's (testnet or production) exchange
// key pair.
type APICredentials struct {
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
	BaseURL   string `mapstructure:"base_url"`
	WSBaseURL string `mapstructure:"ws_base_url"`
}

// APIConfig groups the two credential sets addressed by --mode.
type APIConfig struct {
	Testnet    APICredentials `mapstructure:"testnet"`
	Production APICredentials `mapstructure:"production"`
}

// LoggingConfig controls zap's construction.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug|info|warn|error
	Format string `mapstructure:"format"` // console|json
}

// BacktestDefaults are the single-run subcommand's config-driven defaults.
type BacktestDefaults struct {
	Symbol         string          `mapstructure:"symbol"`
	Interval       Interval        `mapstructure:"interval"`
	StartDate      time.Time       `mapstructure:"start_date"`
	EndDate        time.Time       `mapstructure:"end_date"`
	InitialCapital decimal.Decimal `mapstructure:"initial_capital"`
	StrategyID     string          `mapstructure:"strategy_id"`
	Params         map[string]any  `mapstructure:"params"`
}

// BaseConfig is base.toml's root.
type BaseConfig struct {
	Risk      RiskConfig        `mapstructure:"risk"`
	Execution ExecutionConfig   `mapstructure:"execution"`
	Backtest  BacktestDefaults  `mapstructure:"backtest"`
	API       APIConfig         `mapstructure:"api"`
	Logging   LoggingConfig     `mapstructure:"logging"`
	Database  DatabaseConfig    `mapstructure:"database"`
}

// DatabaseConfig points at the sqlite file backing internal/persistence.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ParamRangeKind discriminates optimizer.toml's parameter range encodings.
type ParamRangeKind string

const (
	ParamRangeDiscreteInt     ParamRangeKind = "discrete_int"
	ParamRangeDiscreteDecimal ParamRangeKind = "discrete_decimal"
	ParamRangeLinearInt       ParamRangeKind = "linear_int"
	ParamRangeLinearDecimal   ParamRangeKind = "linear_decimal"
)

// ParamRange is one named parameter's sweep definition.
type ParamRange struct {
	Kind          ParamRangeKind    `mapstructure:"kind"`
	DiscreteInts  []int             `mapstructure:"discrete_ints,omitempty"`
	DiscreteDecs  []decimal.Decimal `mapstructure:"discrete_decimals,omitempty"`
	StartInt      int               `mapstructure:"start_int,omitempty"`
	EndInt        int               `mapstructure:"end_int,omitempty"`
	StepInt       int               `mapstructure:"step_int,omitempty"`
	StartDecimal  decimal.Decimal   `mapstructure:"start_decimal,omitempty"`
	EndDecimal    decimal.Decimal   `mapstructure:"end_decimal,omitempty"`
	StepDecimal   decimal.Decimal   `mapstructure:"step_decimal,omitempty"`
}

// AnalysisConfig is the analyzer's filter thresholds and scoring weights.
type AnalysisConfig struct {
	MinTotalTrades    int             `mapstructure:"min_total_trades"`
	MaxDrawdownPct    decimal.Decimal `mapstructure:"max_drawdown_pct"`
	WeightProfitFactor decimal.Decimal `mapstructure:"weight_profit_factor"`
	WeightCalmar       decimal.Decimal `mapstructure:"weight_calmar"`
	WeightPayoff       decimal.Decimal `mapstructure:"weight_payoff"`
}

// WfoWindowConfig configures the walk-forward optimizer's stepping.
type WfoWindowConfig struct {
	Enabled  bool `mapstructure:"enabled"`
	ISWeeks  int  `mapstructure:"is_weeks"`
	OOSWeeks int  `mapstructure:"oos_weeks"`
}

// OptimizerConfig is optimizer.toml's root.
type OptimizerConfig struct {
	StrategyID string                 `mapstructure:"strategy_id"`
	Symbol     string                 `mapstructure:"symbol"`
	Interval   Interval               `mapstructure:"interval"`
	Params     map[string]ParamRange  `mapstructure:"params"`
	Analysis   AnalysisConfig         `mapstructure:"analysis"`
	WFO        WfoWindowConfig        `mapstructure:"wfo"`
}

// BotConfig is one strategy instance's configuration, shared by
// portfolio.toml and live.toml.
type BotConfig struct {
	Symbol     string         `mapstructure:"symbol"`
	StrategyID string         `mapstructure:"strategy_id"`
	Interval   Interval       `mapstructure:"interval"`
	Leverage   int            `mapstructure:"leverage"`
	Enabled    bool           `mapstructure:"enabled"`
	Params     map[string]any `mapstructure:"params"`
}

// PortfolioConfig is portfolio.toml's root.
type PortfolioConfig struct {
	Bots []BotConfig `mapstructure:"bots"`
}

// LiveConfig is live.toml's root.
type LiveConfig struct {
	LiveTradingEnabled bool        `mapstructure:"live_trading_enabled"`
	BroadcastKlines    bool        `mapstructure:"broadcast_klines"`
	ReconcilePeriod    time.Duration `mapstructure:"reconcile_period"`
	Bots               []BotConfig `mapstructure:"bots"`
}

// ServerConfig configures the serve subcommand's HTTP/WS surface.
type ServerConfig struct {
	Addr           string        `mapstructure:"addr"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	EnableMetrics  bool          `mapstructure:"enable_metrics"`
}
