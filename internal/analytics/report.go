// Package analytics computes a stateless PerformanceReport from a run's
// trades and equity curve, per SPEC_FULL.md §4.6.
package analytics

import (
	"math"
	"time"

	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/shopspring/decimal"
)

// PeriodsPerYear derives the annualization factor from a kline interval
// string, fixing the teacher's hardcoded *252 daily-only assumption.
func PeriodsPerYear(interval types.Interval) float64 {
	switch interval {
	case types.Interval1m:
		return 252 * 24 * 60
	case types.Interval5m:
		return 252 * 24 * 12
	case types.Interval15m:
		return 252 * 24 * 4
	case types.Interval1h:
		return 252 * 24
	case types.Interval4h:
		return 252 * 6
	case types.Interval1d:
		return 252
	default:
		return 252
	}
}

// Calculate computes a PerformanceReport from trades, an equity curve
// (chronological (timestamp, equity) points), the initial capital, and the
// run's interval (needed to annualize Sharpe).
func Calculate(runID string, trades []types.Trade, equityCurve []types.EquityCurvePoint, initialCapital decimal.Decimal, interval types.Interval) *types.PerformanceReport {
	report := &types.PerformanceReport{RunID: runID}

	var winCount, lossCount int
	var grossProfit, grossLoss decimal.Decimal
	var holdingSum int64

	for _, trade := range trades {
		pnl := trade.PnL()
		switch {
		case pnl.IsPositive():
			winCount++
			grossProfit = grossProfit.Add(pnl)
		case pnl.IsNegative():
			lossCount++
			grossLoss = grossLoss.Add(pnl.Abs())
		}
		holdingSum += int64(trade.HoldingPeriod())
	}

	report.TotalTrades = len(trades)
	report.WinningTrades = winCount
	report.LosingTrades = lossCount
	report.GrossProfit = grossProfit
	report.GrossLoss = grossLoss
	report.TotalNetProfit = grossProfit.Sub(grossLoss)

	if !grossLoss.IsZero() {
		pf := grossProfit.Div(grossLoss)
		report.ProfitFactor = &pf
	}
	if report.TotalTrades > 0 {
		wr := decimal.NewFromInt(int64(winCount)).Div(decimal.NewFromInt(int64(report.TotalTrades)))
		report.WinRatePct = &wr
		report.MeanHoldingPeriod = divDuration(holdingSum, report.TotalTrades)
	}
	if winCount > 0 {
		report.AvgWin = grossProfit.Div(decimal.NewFromInt(int64(winCount)))
	}
	if lossCount > 0 {
		report.AvgLoss = grossLoss.Div(decimal.NewFromInt(int64(lossCount)))
	}
	if !report.AvgLoss.IsZero() {
		pr := report.AvgWin.Div(report.AvgLoss)
		report.PayoffRatio = &pr
	}

	if len(equityCurve) > 0 && !initialCapital.IsZero() {
		finalEquity := equityCurve[len(equityCurve)-1].Equity
		report.TotalReturnPct = finalEquity.Sub(initialCapital).Div(initialCapital)
	}

	maxDD, maxDDPct := maxDrawdown(equityCurve)
	report.MaxDrawdown = maxDD
	report.MaxDrawdownPct = maxDDPct

	returns := periodReturns(equityCurve)
	if len(returns) > 1 {
		mean := meanFloat(returns)
		stdev := stdevFloat(returns, mean)
		if stdev > 0 {
			sharpe := (mean / stdev) * math.Sqrt(PeriodsPerYear(interval))
			sr := decimal.NewFromFloat(sharpe)
			report.SharpeRatio = &sr
		}
	}

	if !maxDDPct.IsZero() {
		calmar := report.TotalReturnPct.Div(maxDDPct)
		report.CalmarRatio = &calmar
	}

	return report
}

// periodReturns converts an equity curve into simple period-over-period
// returns as floats, the boundary where exact decimals give way to binary
// floating point for the statistical computations in §5/§9.
func periodReturns(equityCurve []types.EquityCurvePoint) []float64 {
	if len(equityCurve) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(equityCurve)-1)
	for i := 1; i < len(equityCurve); i++ {
		prev := equityCurve[i-1].Equity
		if prev.IsZero() {
			continue
		}
		ret, _ := equityCurve[i].Equity.Sub(prev).Div(prev).Float64()
		returns = append(returns, ret)
	}
	return returns
}

func maxDrawdown(equityCurve []types.EquityCurvePoint) (decimal.Decimal, decimal.Decimal) {
	if len(equityCurve) == 0 {
		return decimal.Zero, decimal.Zero
	}
	peak := equityCurve[0].Equity
	maxDD := decimal.Zero
	maxDDPct := decimal.Zero
	for _, point := range equityCurve {
		if point.Equity.GreaterThan(peak) {
			peak = point.Equity
		}
		dd := peak.Sub(point.Equity)
		if dd.GreaterThan(maxDD) {
			maxDD = dd
			if !peak.IsZero() {
				maxDDPct = dd.Div(peak)
			}
		}
	}
	return maxDD, maxDDPct
}

func meanFloat(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stdevFloat(values []float64, mean float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var sumSquares float64
	for _, v := range values {
		diff := v - mean
		sumSquares += diff * diff
	}
	return math.Sqrt(sumSquares / float64(len(values)-1))
}

func divDuration(sumNanos int64, n int) time.Duration {
	return time.Duration(sumNanos / int64(n))
}
