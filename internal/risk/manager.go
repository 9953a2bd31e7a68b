// Package risk implements the stateless sizing policy that turns a strategy
// signal into a sized order request.
package risk

import (
	"errors"
	"fmt"

	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Sentinel errors per SPEC_FULL.md §7's Risk error kind.
var (
	ErrInvalidParameters  = errors.New("risk: invalid parameters")
	ErrInvalidEntryPrice  = errors.New("risk: invalid entry price")
	ErrInsufficientEquity = errors.New("risk: insufficient equity")
	ErrInvalidStopLoss    = errors.New("risk: invalid stop-loss distance")
	ErrNoOrderNeeded      = errors.New("risk: no order needed")
	ErrBelowMinOrderSize  = errors.New("risk: order below minimum size")
)

var cashBuffer = decimal.NewFromFloat(0.95)

// PortfolioState is the minimal view the risk manager needs: equity, cash,
// and any open position in the signal's symbol.
type PortfolioState struct {
	Equity   decimal.Decimal
	Cash     decimal.Decimal
	Position *types.Position // nil if flat
}

// Manager is the stateless sizing policy of SPEC_FULL.md §4.2. It holds no
// mutable state beyond its validated construction-time parameters, so one
// instance may be shared across goroutines (the optimizer nonetheless builds
// one per run).
type Manager struct {
	log             *zap.Logger
	riskPerTradePct decimal.Decimal
	stopLossPct     decimal.Decimal
	minOrderSize    decimal.Decimal
	stepSize        decimal.Decimal
}

// NewManager validates risk_per_trade_pct and stop_loss_pct at construction.
func NewManager(riskPerTradePct, stopLossPct, minOrderSize, stepSize decimal.Decimal, log *zap.Logger) (*Manager, error) {
	if riskPerTradePct.LessThanOrEqual(decimal.Zero) || riskPerTradePct.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("%w: risk_per_trade_pct must be in (0,1), got %s", ErrInvalidParameters, riskPerTradePct)
	}
	if stopLossPct.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: stop_loss_pct must be > 0, got %s", ErrInvalidParameters, stopLossPct)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		log:             log,
		riskPerTradePct: riskPerTradePct,
		stopLossPct:     stopLossPct,
		minOrderSize:    minOrderSize,
		stepSize:        stepSize,
	}, nil
}

// EvaluateSignal implements the algorithm of SPEC_FULL.md §4.2.
func (m *Manager) EvaluateSignal(signal types.Signal, state PortfolioState, entryPrice decimal.Decimal) (*types.OrderRequest, error) {
	if entryPrice.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidEntryPrice
	}
	if state.Equity.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInsufficientEquity
	}

	side := signal.Template.Side

	if state.Position != nil && state.Position.Quantity.IsPositive() && state.Position.Side != side {
		closeSide := state.Position.Side.Opposite()
		return &types.OrderRequest{
			ClientOrderID: signal.Template.ClientOrderID,
			Symbol:        signal.Symbol,
			Side:          closeSide,
			Type:          types.OrderTypeMarket,
			Quantity:      state.Position.Quantity,
			PositionSide:  types.SideToPositionSide(state.Position.Side),
		}, nil
	}

	stopPrice := stopLossPrice(entryPrice, side, m.stopLossPct)
	stopLossDistance := entryPrice.Sub(stopPrice).Abs()
	if stopLossDistance.IsZero() {
		return nil, ErrInvalidStopLoss
	}

	riskCapital := state.Equity.Mul(m.riskPerTradePct).Mul(signal.Confidence)
	fromRisk := riskCapital.Div(m.stopLossPct)
	fromCashBuffer := state.Cash.Mul(cashBuffer)
	positionValue := decimal.Min(fromRisk, fromCashBuffer)

	targetQty := positionValue.Div(entryPrice).Round(6)
	if targetQty.LessThan(m.minOrderSize) {
		return nil, fmt.Errorf("%w: %s < %s", ErrBelowMinOrderSize, targetQty, m.minOrderSize)
	}

	qty := targetQty
	if state.Position != nil && state.Position.Side == side && state.Position.Quantity.IsPositive() {
		delta := targetQty.Sub(state.Position.Quantity)
		if !delta.IsPositive() {
			return nil, ErrNoOrderNeeded
		}
		qty = delta
	}

	qty = roundToStepSize(qty, m.stepSize)
	if qty.LessThanOrEqual(decimal.Zero) {
		return nil, ErrNoOrderNeeded
	}

	m.log.Debug("signal sized",
		zap.String("symbol", signal.Symbol), zap.String("side", string(side)),
		zap.String("qty", qty.String()), zap.String("entry", entryPrice.String()))

	return &types.OrderRequest{
		ClientOrderID: signal.Template.ClientOrderID,
		Symbol:        signal.Symbol,
		Side:          side,
		Type:          signal.Template.Type,
		Quantity:      qty,
		LimitPrice:    signal.Template.LimitPrice,
		PositionSide:  types.SideToPositionSide(side),
	}, nil
}

// stopLossPrice computes the stop price one stop_loss_pct away on the
// adverse side, used both here and by the simulation driver's stop-loss
// pre-check (SPEC_FULL.md §4.5 step 4).
func stopLossPrice(entry decimal.Decimal, side types.OrderSide, stopLossPct decimal.Decimal) decimal.Decimal {
	if side == types.OrderSideBuy {
		return entry.Mul(decimal.NewFromInt(1).Sub(stopLossPct))
	}
	return entry.Mul(decimal.NewFromInt(1).Add(stopLossPct))
}

// StopLossPrice exposes stopLossPrice to other packages (the simulation
// driver needs the identical formula when it sets a position's stop).
func StopLossPrice(entry decimal.Decimal, side types.OrderSide, stopLossPct decimal.Decimal) decimal.Decimal {
	return stopLossPrice(entry, side, stopLossPct)
}

func roundToStepSize(qty, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return qty
	}
	return qty.Div(step).Floor().Mul(step)
}
