package executor

import (
	"context"
	"fmt"

	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var tenth = decimal.NewFromFloat(0.1)

// LimitOrderExecutor places a post-only limit order inside the spread, per
// SPEC_FULL.md §4.3. The returned Execution acknowledges placement only — a
// later fill confirmation path (the exchange's user-data stream) updates the
// portfolio definitively.
type LimitOrderExecutor struct {
	adapter  ExchangeAdapter
	tickSize decimal.Decimal
	stepSize decimal.Decimal
	log      *zap.Logger
}

// NewLimitOrderExecutor constructs a LimitOrderExecutor.
func NewLimitOrderExecutor(adapter ExchangeAdapter, tickSize, stepSize decimal.Decimal, log *zap.Logger) *LimitOrderExecutor {
	if log == nil {
		log = zap.NewNop()
	}
	return &LimitOrderExecutor{adapter: adapter, tickSize: tickSize, stepSize: stepSize, log: log}
}

// Execute implements Executor.
func (l *LimitOrderExecutor) Execute(ctx context.Context, order types.OrderRequest, _ types.Kline, bestBid, bestAsk *decimal.Decimal) (types.Execution, error) {
	if bestBid == nil || bestAsk == nil {
		return types.Execution{}, ErrMissingBidAsk
	}
	spread := bestAsk.Sub(*bestBid)
	if !spread.IsPositive() {
		return types.Execution{}, ErrNonPositiveSpread
	}

	var price decimal.Decimal
	if order.Side == types.OrderSideBuy {
		price = bestBid.Add(spread.Mul(tenth))
	} else {
		price = bestAsk.Sub(spread.Mul(tenth))
	}
	price = roundPriceToTick(price, l.tickSize)

	qty := roundQuantityToStep(order.Quantity, l.stepSize)
	order.Quantity = qty
	order.LimitPrice = &price
	order.Type = types.OrderTypeLimit

	exec, err := l.adapter.PlaceOrder(ctx, order)
	if err != nil {
		return types.Execution{}, fmt.Errorf("limit executor: place order: %w", err)
	}
	l.log.Info("post-only limit order placed",
		zap.String("symbol", order.Symbol), zap.String("side", string(order.Side)),
		zap.String("price", price.String()), zap.String("qty", qty.String()))
	return exec, nil
}
