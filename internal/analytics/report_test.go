package analytics_test

import (
	"testing"
	"time"

	"github.com/atlas-desktop/trading-backend/internal/analytics"
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/shopspring/decimal"
)

func exec(price, qty float64, side types.OrderSide, t time.Time) types.Execution {
	return types.Execution{
		Price: decimal.NewFromFloat(price), Quantity: decimal.NewFromFloat(qty),
		Side: side, Timestamp: t,
	}
}

func TestCalculate_ProfitFactorAndWinRate(t *testing.T) {
	base := time.Now()
	trades := []types.Trade{
		{Entry: exec(100, 1, types.OrderSideBuy, base), Exit: exec(110, 1, types.OrderSideBuy, base.Add(time.Hour))},
		{Entry: exec(100, 1, types.OrderSideBuy, base), Exit: exec(95, 1, types.OrderSideBuy, base.Add(time.Hour))},
	}
	equity := []types.EquityCurvePoint{
		{Timestamp: base, Equity: decimal.NewFromInt(10000)},
		{Timestamp: base.Add(time.Hour), Equity: decimal.NewFromInt(10005)},
	}

	report := analytics.Calculate("run-1", trades, equity, decimal.NewFromInt(10000), types.Interval1h)

	if report.TotalTrades != 2 || report.WinningTrades != 1 || report.LosingTrades != 1 {
		t.Fatalf("unexpected trade counts: %+v", report)
	}
	if report.ProfitFactor == nil {
		t.Fatal("expected profit factor to be defined")
	}
	want := decimal.NewFromInt(10).Div(decimal.NewFromInt(5))
	if !report.ProfitFactor.Equal(want) {
		t.Fatalf("profit factor = %s, want %s", report.ProfitFactor, want)
	}
	if report.WinRatePct == nil || !report.WinRatePct.Equal(decimal.NewFromFloat(0.5)) {
		t.Fatalf("win rate = %v, want 0.5", report.WinRatePct)
	}
}

func TestCalculate_UndefinedWhenNoLosses(t *testing.T) {
	base := time.Now()
	trades := []types.Trade{
		{Entry: exec(100, 1, types.OrderSideBuy, base), Exit: exec(110, 1, types.OrderSideBuy, base.Add(time.Hour))},
	}
	equity := []types.EquityCurvePoint{
		{Timestamp: base, Equity: decimal.NewFromInt(10000)},
		{Timestamp: base.Add(time.Hour), Equity: decimal.NewFromInt(10010)},
	}

	report := analytics.Calculate("run-2", trades, equity, decimal.NewFromInt(10000), types.Interval1h)
	if report.ProfitFactor != nil {
		t.Fatal("expected profit factor to stay undefined when gross loss is zero")
	}
}

func TestPeriodsPerYear_VariesByInterval(t *testing.T) {
	if analytics.PeriodsPerYear(types.Interval1d) == analytics.PeriodsPerYear(types.Interval1h) {
		t.Fatal("expected different annualization factors for 1d vs 1h")
	}
	if analytics.PeriodsPerYear(types.Interval1h) != 252*24 {
		t.Fatalf("1h periods/year = %v, want %v", analytics.PeriodsPerYear(types.Interval1h), 252*24)
	}
}

func TestRunMonteCarlo_DeterministicUnderFixedSeed(t *testing.T) {
	base := time.Now()
	trades := []types.Trade{
		{Entry: exec(100, 1, types.OrderSideBuy, base), Exit: exec(110, 1, types.OrderSideBuy, base)},
		{Entry: exec(100, 1, types.OrderSideBuy, base), Exit: exec(90, 1, types.OrderSideBuy, base)},
	}
	cfg := analytics.MonteCarloConfig{Iterations: 200, Seed: 42}

	r1 := analytics.RunMonteCarlo(trades, cfg)
	r2 := analytics.RunMonteCarlo(trades, cfg)

	if !r1.MedianReturn.Equal(r2.MedianReturn) {
		t.Fatalf("same seed produced different medians: %s vs %s", r1.MedianReturn, r2.MedianReturn)
	}
	if r1.Iterations != 200 {
		t.Fatalf("iterations = %d, want 200", r1.Iterations)
	}
}
