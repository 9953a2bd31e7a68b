// Package simulation implements the deterministic per-bar simulation core
// of SPEC_FULL.md §4.5, shared by the single-run backtester, the optimizer,
// the walk-forward optimizer, and (generalized) the portfolio backtester.
package simulation

import (
	"context"
	"fmt"

	"github.com/atlas-desktop/trading-backend/internal/executor"
	"github.com/atlas-desktop/trading-backend/internal/portfolio"
	"github.com/atlas-desktop/trading-backend/internal/risk"
	"github.com/atlas-desktop/trading-backend/internal/strategy"
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Config parameterizes one run of the driver.
type Config struct {
	Symbol         string
	Interval       types.Interval
	InitialCapital decimal.Decimal
	StopLossPct    decimal.Decimal
}

// Result is everything analytics needs plus the run's trades for
// persistence.
type Result struct {
	Trades      []types.Trade
	EquityCurve []types.EquityCurvePoint
}

// Driver runs a single ordered sequence of klines through
// strategy->risk->execute->portfolio->trade-match->equity-record, per
// SPEC_FULL.md §4.5. It is single-threaded: no goroutines are spawned in
// the hot loop, and it reads no wall clock other than bar-derived
// timestamps, satisfying the determinism requirements of §5.
type Driver struct {
	cfg       Config
	strategy  strategy.Strategy
	risk      *risk.Manager
	executor  executor.Executor
	portfolio *portfolio.Portfolio
	log       *zap.Logger

	pendingEntry *types.Execution
}

// New constructs a Driver over the given collaborators.
func New(cfg Config, strat strategy.Strategy, riskMgr *risk.Manager, exec executor.Executor, log *zap.Logger) *Driver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Driver{
		cfg:       cfg,
		strategy:  strat,
		risk:      riskMgr,
		executor:  exec,
		portfolio: portfolio.New(cfg.InitialCapital, log),
		log:       log,
	}
}

// Portfolio exposes the driver's portfolio (read-only use expected; callers
// should not mutate it directly).
func (d *Driver) Portfolio() *portfolio.Portfolio {
	return d.portfolio
}

// Run drives klines in order and returns the accumulated trades and equity
// curve. The caller runs analytics and persistence afterward.
func (d *Driver) Run(ctx context.Context, klines []types.Kline) (*Result, error) {
	result := &Result{}

	for _, kline := range klines {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		skipStrategy, err := d.checkStopLoss(kline, result)
		if err != nil {
			return result, fmt.Errorf("simulation: stop-loss check: %w", err)
		}

		if !skipStrategy {
			signal, err := d.strategy.Evaluate(kline)
			if err != nil {
				return result, fmt.Errorf("simulation: strategy evaluate: %w", err)
			}
			if signal != nil {
				if err := d.handleSignal(ctx, *signal, kline, result); err != nil {
					return result, fmt.Errorf("simulation: handle signal: %w", err)
				}
			}
		}

		equity, err := d.currentEquity(kline)
		if err != nil {
			return result, fmt.Errorf("simulation: equity record: %w", err)
		}
		result.EquityCurve = append(result.EquityCurve, types.EquityCurvePoint{
			Timestamp: kline.CloseTime, Equity: equity,
		})
	}

	return result, nil
}

// checkStopLoss implements §4.5 step 1: the stop-loss pre-check that
// precedes strategy evaluation.
func (d *Driver) checkStopLoss(kline types.Kline, result *Result) (skipStrategy bool, err error) {
	pos := d.portfolio.Position(d.cfg.Symbol)
	if pos == nil || !pos.Quantity.IsPositive() || pos.StopLossPrice.IsZero() {
		return false, nil
	}

	triggered := (pos.Side == types.OrderSideBuy && kline.Low.LessThanOrEqual(pos.StopLossPrice)) ||
		(pos.Side == types.OrderSideSell && kline.High.GreaterThanOrEqual(pos.StopLossPrice))
	if !triggered {
		return false, nil
	}

	closeExec := types.Execution{
		ID:            fmt.Sprintf("stop-%s-%d", d.cfg.Symbol, kline.CloseTime.UnixNano()),
		Symbol:        d.cfg.Symbol,
		Side:          pos.Side.Opposite(),
		Price:         pos.StopLossPrice,
		Quantity:      pos.Quantity,
		Timestamp:     kline.CloseTime,
	}
	if err := d.portfolio.ApplyExecution(closeExec); err != nil {
		return true, err
	}

	if d.pendingEntry != nil {
		result.Trades = append(result.Trades, types.Trade{
			ID:     fmt.Sprintf("trd-%s-%d", d.cfg.Symbol, kline.CloseTime.UnixNano()),
			Symbol: d.cfg.Symbol,
			Entry:  *d.pendingEntry,
			Exit:   closeExec,
		})
		d.pendingEntry = nil
	}
	d.portfolio.SetStopLoss(d.cfg.Symbol, decimal.Zero)

	return true, nil
}

// handleSignal implements §4.5 steps 3-4: signal handling and trade
// matching.
func (d *Driver) handleSignal(ctx context.Context, signal types.Signal, kline types.Kline, result *Result) error {
	equity, err := d.currentEquity(kline)
	if err != nil {
		return err
	}

	state := risk.PortfolioState{
		Equity:   equity,
		Cash:     d.portfolio.Cash(),
		Position: d.portfolio.Position(d.cfg.Symbol),
	}

	order, err := d.risk.EvaluateSignal(signal, state, kline.Close)
	if err != nil {
		// risk rejections are policy outcomes, not fatal: skip this bar.
		d.log.Debug("risk rejected signal", zap.Error(err), zap.String("symbol", d.cfg.Symbol))
		return nil
	}

	before := d.portfolio.Position(d.cfg.Symbol)

	exec, err := d.executor.Execute(ctx, *order, kline, nil, nil)
	if err != nil {
		return fmt.Errorf("executor: %w", err)
	}
	if err := d.portfolio.ApplyExecution(exec); err != nil {
		return fmt.Errorf("portfolio: %w", err)
	}

	after := d.portfolio.Position(d.cfg.Symbol)
	d.matchTrade(before, after, exec, result)

	return nil
}

// matchTrade implements §4.5 step 4's None<->Some transition matching.
func (d *Driver) matchTrade(before, after *types.Position, exec types.Execution, result *Result) {
	wasFlat := before == nil || !before.Quantity.IsPositive()
	isOpen := after != nil && after.Quantity.IsPositive()

	if wasFlat && isOpen {
		entry := exec
		d.pendingEntry = &entry
		stop := risk.StopLossPrice(exec.Price, exec.Side, d.cfg.StopLossPct)
		d.portfolio.SetStopLoss(d.cfg.Symbol, stop)
		return
	}

	if !wasFlat && !isOpen && d.pendingEntry != nil {
		result.Trades = append(result.Trades, types.Trade{
			ID:     fmt.Sprintf("trd-%s-%d", d.cfg.Symbol, exec.Timestamp.UnixNano()),
			Symbol: d.cfg.Symbol,
			Entry:  *d.pendingEntry,
			Exit:   exec,
		})
		d.pendingEntry = nil
		d.portfolio.SetStopLoss(d.cfg.Symbol, decimal.Zero)
	}
}

func (d *Driver) currentEquity(kline types.Kline) (decimal.Decimal, error) {
	return d.portfolio.TotalEquity(map[string]decimal.Decimal{d.cfg.Symbol: kline.Close})
}
