package executor

import (
	"context"

	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/atlas-desktop/trading-backend/pkg/utils"
	"github.com/shopspring/decimal"
)

// SimulatedExecutor fills backtest orders off the kline's close price,
// adjusted adversely by a fraction of the bar's range, per SPEC_FULL.md
// §4.3. It is side-effect-free.
type SimulatedExecutor struct {
	slippagePct decimal.Decimal
	takerFeePct decimal.Decimal
}

// NewSimulatedExecutor constructs a SimulatedExecutor with the given cost
// model parameters.
func NewSimulatedExecutor(slippagePct, takerFeePct decimal.Decimal) *SimulatedExecutor {
	return &SimulatedExecutor{slippagePct: slippagePct, takerFeePct: takerFeePct}
}

// Execute implements Executor.
func (s *SimulatedExecutor) Execute(_ context.Context, order types.OrderRequest, kline types.Kline, _, _ *decimal.Decimal) (types.Execution, error) {
	adverse := kline.Range().Mul(s.slippagePct)
	price := kline.Close
	if order.Side == types.OrderSideBuy {
		price = price.Add(adverse)
	} else {
		price = price.Sub(adverse)
	}

	fee := price.Mul(order.Quantity).Mul(s.takerFeePct)

	return types.Execution{
		ID:            utils.GenerateExecutionID(),
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Price:         price,
		Quantity:      order.Quantity,
		Fee:           fee,
		FeeAsset:      "USDT",
		Timestamp:     kline.CloseTime,
	}, nil
}
