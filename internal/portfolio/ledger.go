// Package portfolio implements the deterministic in-memory account ledger:
// cash plus per-symbol positions, mutated only by executions.
package portfolio

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Sentinel errors per SPEC_FULL.md §7's Executor error kind.
var (
	ErrInsufficientCash      = errors.New("portfolio: insufficient cash")
	ErrInvalidClosingQuantity = errors.New("portfolio: invalid closing quantity")
	ErrPositionNotFound      = errors.New("portfolio: position not found")
	ErrMissingPrice          = errors.New("portfolio: missing price for symbol")
)

// Portfolio is a deterministic ledger: cash plus a map of open positions.
// Safe for concurrent use — the live engine shares one instance between the
// trading loop and the reconciler.
type Portfolio struct {
	mu        sync.Mutex
	cash      decimal.Decimal
	positions map[string]*types.Position
	log       *zap.Logger
}

// New constructs a Portfolio seeded with the given starting cash.
func New(initialCash decimal.Decimal, log *zap.Logger) *Portfolio {
	if log == nil {
		log = zap.NewNop()
	}
	return &Portfolio{
		cash:      initialCash,
		positions: make(map[string]*types.Position),
		log:       log,
	}
}

// Cash returns the current cash balance.
func (p *Portfolio) Cash() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cash
}

// Position returns a copy of the position for symbol, or nil if flat.
func (p *Portfolio) Position(symbol string) *types.Position {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[symbol]
	if !ok {
		return nil
	}
	cp := *pos
	return &cp
}

// Positions returns a snapshot copy of all open positions, keyed by symbol.
func (p *Portfolio) Positions() map[string]types.Position {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]types.Position, len(p.positions))
	for sym, pos := range p.positions {
		out[sym] = *pos
	}
	return out
}

// ApplyExecution implements SPEC_FULL.md §4.1's update_with_execution
// operation. It is the sole mutator of portfolio state.
func (p *Portfolio) ApplyExecution(e types.Execution) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cost := e.Price.Mul(e.Quantity)
	newCash := p.cash
	if e.Side == types.OrderSideBuy {
		newCash = newCash.Sub(cost)
	} else {
		newCash = newCash.Add(cost)
	}
	newCash = newCash.Sub(e.Fee)
	if newCash.IsNegative() {
		return fmt.Errorf("%w: cash would go to %s applying %s %s %s @ %s",
			ErrInsufficientCash, newCash, e.Side, e.Quantity, e.Symbol, e.Price)
	}

	pos, exists := p.positions[e.Symbol]
	closing := exists && pos.Quantity.IsPositive() && pos.Side != e.Side

	if !exists {
		if closing {
			return fmt.Errorf("%w: no position to close for %s", ErrInvalidClosingQuantity, e.Symbol)
		}
		pos = &types.Position{Symbol: e.Symbol, Side: e.Side}
		p.positions[e.Symbol] = pos
	}

	if closing {
		if e.Quantity.GreaterThan(pos.Quantity) {
			return fmt.Errorf("%w: closing %s exceeds held %s on %s",
				ErrInvalidClosingQuantity, e.Quantity, pos.Quantity, e.Symbol)
		}
		pos.Quantity = pos.Quantity.Sub(e.Quantity)
	} else {
		// opening or adding to an existing same-side position (or flat).
		oldQty := pos.Quantity
		oldEntry := pos.EntryPrice
		newQty := oldQty.Add(e.Quantity)
		if newQty.IsPositive() {
			weighted := oldEntry.Mul(oldQty).Add(e.Price.Mul(e.Quantity)).Div(newQty)
			pos.EntryPrice = weighted
		}
		pos.Quantity = newQty
		if oldQty.IsZero() {
			pos.Side = e.Side
		}
	}
	pos.UpdatedAt = e.Timestamp

	if pos.Quantity.IsZero() {
		delete(p.positions, e.Symbol)
	}

	p.cash = newCash
	p.log.Debug("execution applied",
		zap.String("symbol", e.Symbol), zap.String("side", string(e.Side)),
		zap.String("qty", e.Quantity.String()), zap.String("price", e.Price.String()),
		zap.String("cash", p.cash.String()))
	return nil
}

// TotalEquity implements calculate_total_equity: cash plus the sum of each
// position's market value, valued from the given current-price map.
func (p *Portfolio) TotalEquity(prices map[string]decimal.Decimal) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	total := p.cash
	for symbol, pos := range p.positions {
		current, ok := prices[symbol]
		if !ok {
			return decimal.Zero, fmt.Errorf("%w: %s", ErrMissingPrice, symbol)
		}
		pnlPerUnit := current.Sub(pos.EntryPrice)
		if pos.Side == types.OrderSideSell {
			pnlPerUnit = pnlPerUnit.Neg()
		}
		marketValue := pos.EntryPrice.Mul(pos.Quantity).Add(pnlPerUnit.Mul(pos.Quantity))
		total = total.Add(marketValue)
	}
	return total, nil
}

// Overwrite replaces cash and the entire position map verbatim — used only
// by the reconciler, which treats the exchange as always authoritative.
func (p *Portfolio) Overwrite(cash decimal.Decimal, positions map[string]types.Position, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cash = cash
	p.positions = make(map[string]*types.Position, len(positions))
	for sym, pos := range positions {
		cp := pos
		cp.UpdatedAt = at
		p.positions[sym] = &cp
	}
}

// SetStopLoss sets or clears the tracked stop-loss price for a position.
func (p *Portfolio) SetStopLoss(symbol string, stopPrice decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pos, ok := p.positions[symbol]; ok {
		pos.StopLossPrice = stopPrice
	}
}
