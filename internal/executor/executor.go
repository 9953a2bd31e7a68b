// Package executor implements the pluggable executor variants of
// SPEC_FULL.md §4.3: they turn a sized OrderRequest plus market context into
// an Execution.
package executor

import (
	"context"
	"errors"

	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/shopspring/decimal"
)

// Sentinel errors per SPEC_FULL.md §7's Executor error kind.
var (
	ErrNonPositiveSpread = errors.New("executor: non-positive spread")
	ErrMissingBidAsk     = errors.New("executor: missing bid/ask")
)

// Executor is the capability set implemented by all variants.
type Executor interface {
	Execute(ctx context.Context, order types.OrderRequest, kline types.Kline, bestBid, bestAsk *decimal.Decimal) (types.Execution, error)
}

// roundQuantityToStep snaps a quantity toward zero to the step size.
func roundQuantityToStep(qty, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return qty
	}
	return qty.Div(step).Truncate(0).Mul(step)
}

// roundPriceToTick snaps a price to the nearest tick size.
func roundPriceToTick(price, tick decimal.Decimal) decimal.Decimal {
	if tick.IsZero() {
		return price
	}
	return price.DivRound(tick, 0).Mul(tick)
}
