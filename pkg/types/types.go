// Package types provides the shared entity vocabulary for the trading backend:
// klines, order intents, executions, positions, signals, trades and reports.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Opposite returns the other side.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderType is the intent's execution style.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// PositionSide annotates a hedge-mode exchange's position direction.
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

// SideToPositionSide maps an order side to the position side it would open.
func SideToPositionSide(s OrderSide) PositionSide {
	if s == OrderSideBuy {
		return PositionSideLong
	}
	return PositionSideShort
}

// Interval is a kline/bar interval tag, e.g. "1m", "1h", "1d".
type Interval string

const (
	Interval1m Interval = "1m"
	Interval5m Interval = "5m"
	Interval15m Interval = "15m"
	Interval1h Interval = "1h"
	Interval4h Interval = "4h"
	Interval1d Interval = "1d"
)

// Kline is a completed time bar. Immutable once constructed.
type Kline struct {
	Symbol    string          `json:"symbol"`
	Interval  Interval        `json:"interval"`
	OpenTime  time.Time       `json:"openTime"`
	CloseTime time.Time       `json:"closeTime"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// Range is the bar's high-low spread, used by the simulated executor's
// slippage model.
func (k Kline) Range() decimal.Decimal {
	return k.High.Sub(k.Low)
}

// OrderRequest is an intent to trade: produced with zero quantity by a
// strategy, sized by the risk manager, consumed by an executor.
type OrderRequest struct {
	ClientOrderID string          `json:"clientOrderId"`
	Symbol        string          `json:"symbol"`
	Side          OrderSide       `json:"side"`
	Type          OrderType       `json:"type"`
	Quantity      decimal.Decimal `json:"quantity"`
	LimitPrice    *decimal.Decimal `json:"limitPrice,omitempty"`
	PositionSide  PositionSide    `json:"positionSide,omitempty"`
}

// Execution is a trade receipt. It is the sole mutator of portfolio state.
type Execution struct {
	ID            string          `json:"id"`
	ClientOrderID string          `json:"clientOrderId"`
	Symbol        string          `json:"symbol"`
	Side          OrderSide       `json:"side"`
	Price         decimal.Decimal `json:"price"`
	Quantity      decimal.Decimal `json:"quantity"`
	Fee           decimal.Decimal `json:"fee"`
	FeeAsset      string          `json:"feeAsset"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Position is an open exposure in one symbol. Quantity > 0 iff the position
// exists in the portfolio's map.
type Position struct {
	Symbol      string          `json:"symbol"`
	Side        OrderSide       `json:"side"`
	Quantity    decimal.Decimal `json:"quantity"`
	EntryPrice  decimal.Decimal `json:"entryPrice"`
	UpdatedAt   time.Time       `json:"updatedAt"`

	// StopLossPrice is set by the simulation driver when the position opens
	// and cleared when it closes. Zero value means "no stop tracked".
	StopLossPrice decimal.Decimal `json:"stopLossPrice,omitempty"`
}

// Signal is a strategy's output: a template order request plus a confidence
// used to scale risk capital.
type Signal struct {
	ID         string          `json:"id"`
	Symbol     string          `json:"symbol"`
	Timestamp  time.Time       `json:"timestamp"`
	Template   OrderRequest    `json:"template"`
	Confidence decimal.Decimal `json:"confidence"`
}

// Trade is a matched entry/exit pair, materialized by the simulation driver
// when a position transitions None->Some and then Some->None.
type Trade struct {
	ID     string    `json:"id"`
	Symbol string    `json:"symbol"`
	Entry  Execution `json:"entry"`
	Exit   Execution `json:"exit"`
}

// PnL returns the trade's realized profit, long or short aware.
func (t Trade) PnL() decimal.Decimal {
	diff := t.Exit.Price.Sub(t.Entry.Price)
	if t.Entry.Side == OrderSideSell {
		diff = diff.Neg()
	}
	return diff.Mul(t.Exit.Quantity).Sub(t.Entry.Fee).Sub(t.Exit.Fee)
}

// HoldingPeriod is the time between entry and exit executions.
func (t Trade) HoldingPeriod() time.Duration {
	return t.Exit.Timestamp.Sub(t.Entry.Timestamp)
}

// EquityCurvePoint is one (timestamp, equity) sample of a run's equity curve.
type EquityCurvePoint struct {
	Timestamp time.Time       `json:"timestamp"`
	Equity    decimal.Decimal `json:"equity"`
}

// PerformanceReport is computed from a sequence of trades and an equity
// curve. Ratio fields are pointers: nil means "undefined" (denominator was
// zero), not zero.
type PerformanceReport struct {
	RunID             string             `json:"runId"`
	TotalNetProfit    decimal.Decimal    `json:"totalNetProfit"`
	GrossProfit       decimal.Decimal    `json:"grossProfit"`
	GrossLoss         decimal.Decimal    `json:"grossLoss"`
	ProfitFactor      *decimal.Decimal   `json:"profitFactor,omitempty"`
	TotalReturnPct    decimal.Decimal    `json:"totalReturnPct"`
	MaxDrawdown       decimal.Decimal    `json:"maxDrawdown"`
	MaxDrawdownPct    decimal.Decimal    `json:"maxDrawdownPct"`
	SharpeRatio       *decimal.Decimal   `json:"sharpeRatio,omitempty"`
	CalmarRatio       *decimal.Decimal   `json:"calmarRatio,omitempty"`
	TotalTrades       int                `json:"totalTrades"`
	WinningTrades     int                `json:"winningTrades"`
	LosingTrades      int                `json:"losingTrades"`
	WinRatePct        *decimal.Decimal   `json:"winRatePct,omitempty"`
	AvgWin            decimal.Decimal    `json:"avgWin"`
	AvgLoss           decimal.Decimal    `json:"avgLoss"`
	PayoffRatio       *decimal.Decimal   `json:"payoffRatio,omitempty"`
	MeanHoldingPeriod time.Duration      `json:"meanHoldingPeriod"`

	// RiskMetricsExtra is a supplemental, optional VaR attachment. Not part
	// of the minimal spec contract but grounded on the teacher's sizing
	// package. No code in this module sets it, so it is always nil.
	RiskMetricsExtra *RiskMetricsExtra `json:"riskMetricsExtra,omitempty"`
}

// RiskMetricsExtra is the shape of a Value-at-Risk estimate over a run's
// period returns; nothing in this module computes one.
type RiskMetricsExtra struct {
	Percentile decimal.Decimal `json:"percentile"`
	VaR        decimal.Decimal `json:"var"`
}

// MonteCarloResult is a trade-sequence resampling enrichment over a
// completed run: percentile bands on final equity and max drawdown.
type MonteCarloResult struct {
	Iterations      int             `json:"iterations"`
	MedianReturn    decimal.Decimal `json:"medianReturn"`
	P5Return        decimal.Decimal `json:"p5Return"`
	P95Return       decimal.Decimal `json:"p95Return"`
	ProbabilityRuin decimal.Decimal `json:"probabilityRuin"`
	MaxDrawdownP95  decimal.Decimal `json:"maxDrawdownP95"`
}

// MarketState is the live engine's per-symbol mutable view, updated by
// incoming stream events and read by the trading path.
type MarketState struct {
	Symbol      string
	LastKline   *Kline
	MarkPrice   decimal.Decimal
	BestBid     decimal.Decimal
	BestAsk     decimal.Decimal
}

// RunStatus is a backtest/optimization run's lifecycle state.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// OptimizationJob is the parent record for a parameter sweep.
type OptimizationJob struct {
	ID        string    `json:"id"`
	Symbol    string    `json:"symbol"`
	Interval  Interval  `json:"interval"`
	StrategyID string   `json:"strategyId"`
	CreatedAt time.Time `json:"createdAt"`
}

// BacktestRun is one parameter combination's execution record within a job.
type BacktestRun struct {
	ID         string          `json:"id"`
	JobID      string          `json:"jobId"`
	ParamsJSON string          `json:"paramsJson"`
	Status     RunStatus       `json:"status"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	FinishedAt *time.Time      `json:"finishedAt,omitempty"`
}

// WfoJob is the parent record for a walk-forward optimization.
type WfoJob struct {
	ID         string    `json:"id"`
	OptJobID   string    `json:"optJobId"`
	ISWeeks    int       `json:"isWeeks"`
	OOSWeeks   int       `json:"oosWeeks"`
	CreatedAt  time.Time `json:"createdAt"`
}

// WfoRun links one walk's chosen parameters to its out-of-sample BacktestRun.
type WfoRun struct {
	ID          string    `json:"id"`
	WfoJobID    string    `json:"wfoJobId"`
	WalkIndex   int       `json:"walkIndex"`
	ParamsJSON  string    `json:"paramsJson"`
	OOSRunID    string    `json:"oosRunId"`
	CreatedAt   time.Time `json:"createdAt"`
}
