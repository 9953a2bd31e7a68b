package executor

import (
	"context"
	"fmt"

	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ExchangeAdapter is the abstract boundary this package executes against.
// Its concrete implementation (HMAC-signed REST/WS) lives in
// internal/exchange; per SPEC_FULL.md §9's Design Note, the choice of
// implementation is a boundary detail this package does not concern itself
// with.
type ExchangeAdapter interface {
	PlaceOrder(ctx context.Context, order types.OrderRequest) (types.Execution, error)
}

// LiveExecutor submits a market order to the exchange and translates its
// response into an Execution. Fees may arrive later from the exchange's
// fill stream; they are initialized to zero here and reconciled separately,
// per SPEC_FULL.md §4.3.
type LiveExecutor struct {
	adapter ExchangeAdapter
	log     *zap.Logger
}

// NewLiveExecutor constructs a LiveExecutor over the given adapter.
func NewLiveExecutor(adapter ExchangeAdapter, log *zap.Logger) *LiveExecutor {
	if log == nil {
		log = zap.NewNop()
	}
	return &LiveExecutor{adapter: adapter, log: log}
}

// Execute implements Executor.
func (l *LiveExecutor) Execute(ctx context.Context, order types.OrderRequest, _ types.Kline, _, _ *decimal.Decimal) (types.Execution, error) {
	exec, err := l.adapter.PlaceOrder(ctx, order)
	if err != nil {
		return types.Execution{}, fmt.Errorf("live executor: place order: %w", err)
	}
	l.log.Info("live order placed",
		zap.String("symbol", order.Symbol), zap.String("side", string(order.Side)),
		zap.String("qty", order.Quantity.String()), zap.String("execution_id", exec.ID))
	return exec, nil
}
