package simulation_test

import (
	"context"
	"testing"
	"time"

	"github.com/atlas-desktop/trading-backend/internal/executor"
	"github.com/atlas-desktop/trading-backend/internal/risk"
	"github.com/atlas-desktop/trading-backend/internal/simulation"
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// scriptedStrategy emits a fixed signal on a given bar index, nil otherwise.
type scriptedStrategy struct {
	symbol string
	onBar  map[int]types.OrderSide
	i      int
}

func (s *scriptedStrategy) Evaluate(kline types.Kline) (*types.Signal, error) {
	defer func() { s.i++ }()
	side, ok := s.onBar[s.i]
	if !ok {
		return nil, nil
	}
	return &types.Signal{
		Symbol: s.symbol, Timestamp: kline.CloseTime, Confidence: decimal.NewFromInt(1),
		Template: types.OrderRequest{Symbol: s.symbol, Side: side, Type: types.OrderTypeMarket},
	}, nil
}

func bar(t time.Time, o, h, l, c float64) types.Kline {
	return types.Kline{
		Symbol: "BTC/USDT", OpenTime: t, CloseTime: t,
		Open: decimal.NewFromFloat(o), High: decimal.NewFromFloat(h),
		Low: decimal.NewFromFloat(l), Close: decimal.NewFromFloat(c),
	}
}

func TestDriver_SimpleLongRoundTrip(t *testing.T) {
	riskMgr, err := risk.NewManager(decimal.NewFromFloat(0.01), decimal.NewFromFloat(0.02),
		decimal.Zero, decimal.Zero, zap.NewNop())
	if err != nil {
		t.Fatalf("risk manager: %v", err)
	}
	exec := executor.NewSimulatedExecutor(decimal.Zero, decimal.NewFromFloat(0.0004))
	strat := &scriptedStrategy{symbol: "BTC/USDT", onBar: map[int]types.OrderSide{0: types.OrderSideBuy, 2: types.OrderSideSell}}

	d := simulation.New(simulation.Config{
		Symbol: "BTC/USDT", InitialCapital: decimal.NewFromInt(10000), StopLossPct: decimal.NewFromFloat(0.02),
	}, strat, riskMgr, exec, zap.NewNop())

	base := time.Now()
	klines := []types.Kline{
		bar(base, 100, 101, 99, 100),
		bar(base.Add(time.Hour), 100, 111, 99, 110),
		bar(base.Add(2*time.Hour), 110, 111, 104, 105),
	}

	result, err := d.Run(context.Background(), klines)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.Trades) != 1 {
		t.Fatalf("expected exactly one trade, got %d", len(result.Trades))
	}
	trade := result.Trades[0]
	if !trade.Exit.Price.Equal(decimal.NewFromInt(105)) {
		t.Fatalf("exit price = %s, want 105", trade.Exit.Price)
	}
}

func TestDriver_StopLossTriggerSkipsStrategyOnThatBar(t *testing.T) {
	riskMgr, err := risk.NewManager(decimal.NewFromFloat(0.01), decimal.NewFromFloat(0.02),
		decimal.Zero, decimal.Zero, zap.NewNop())
	if err != nil {
		t.Fatalf("risk manager: %v", err)
	}
	exec := executor.NewSimulatedExecutor(decimal.Zero, decimal.Zero)
	strat := &scriptedStrategy{symbol: "BTC/USDT", onBar: map[int]types.OrderSide{0: types.OrderSideBuy}}

	d := simulation.New(simulation.Config{
		Symbol: "BTC/USDT", InitialCapital: decimal.NewFromInt(10000), StopLossPct: decimal.NewFromFloat(0.02),
	}, strat, riskMgr, exec, zap.NewNop())

	base := time.Now()
	klines := []types.Kline{
		bar(base, 100, 100, 100, 100),             // buy signal fires here, entry=100, stop=98
		bar(base.Add(time.Hour), 99, 99, 97, 98),  // low 97 <= stop 98: synthetic stop close at 98
	}

	result, err := d.Run(context.Background(), klines)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.Trades) != 1 {
		t.Fatalf("expected exactly one trade from the stop-loss close, got %d", len(result.Trades))
	}
	if !result.Trades[0].Exit.Price.Equal(decimal.NewFromInt(98)) {
		t.Fatalf("exit price = %s, want 98", result.Trades[0].Exit.Price)
	}
}
