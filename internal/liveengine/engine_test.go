package liveengine_test

import (
	"context"
	"testing"
	"time"

	"github.com/atlas-desktop/trading-backend/internal/eventbus"
	"github.com/atlas-desktop/trading-backend/internal/exchange"
	"github.com/atlas-desktop/trading-backend/internal/executor"
	"github.com/atlas-desktop/trading-backend/internal/liveengine"
	"github.com/atlas-desktop/trading-backend/internal/portfolio"
	"github.com/atlas-desktop/trading-backend/internal/strategy"
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/shopspring/decimal"
)

// fakeAdapter implements exchange.Adapter with caller-controlled stream
// channels so a test can drive the engine's main loop deterministically.
type fakeAdapter struct {
	balances     []exchange.Balance
	positions    []exchange.ExchangePosition
	klines       chan types.Kline
	bookTickers  chan exchange.BookTicker
	markPrices   chan exchange.MarkPrice
	leverageCall []string
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		klines:      make(chan types.Kline, 16),
		bookTickers: make(chan exchange.BookTicker, 16),
		markPrices:  make(chan exchange.MarkPrice, 16),
	}
}

func (f *fakeAdapter) GetBalances(context.Context) ([]exchange.Balance, error)     { return f.balances, nil }
func (f *fakeAdapter) GetPositions(context.Context) ([]exchange.ExchangePosition, error) {
	return f.positions, nil
}
func (f *fakeAdapter) SetLeverage(_ context.Context, symbol string, _ int) error {
	f.leverageCall = append(f.leverageCall, symbol)
	return nil
}
func (f *fakeAdapter) PlaceOrder(context.Context, types.OrderRequest) (types.Execution, error) {
	return types.Execution{}, nil
}
func (f *fakeAdapter) SubscribeKlines(context.Context, []string, types.Interval) (<-chan types.Kline, error) {
	return f.klines, nil
}
func (f *fakeAdapter) SubscribeBookTicker(context.Context, []string) (<-chan exchange.BookTicker, error) {
	return f.bookTickers, nil
}
func (f *fakeAdapter) SubscribeMarkPrice(context.Context, []string) (<-chan exchange.MarkPrice, error) {
	return f.markPrices, nil
}

func bar(symbol string, at time.Time, close float64) types.Kline {
	c := decimal.NewFromFloat(close)
	return types.Kline{
		Symbol: symbol, Interval: types.Interval1h, OpenTime: at, CloseTime: at.Add(time.Hour),
		Open: c, High: c, Low: c, Close: c, Volume: decimal.NewFromInt(1),
	}
}

func testConfig() liveengine.Config {
	return liveengine.Config{
		Bots: []liveengine.BotConfig{
			{
				Symbol: "BTC/USDT", StrategyID: "momentum", Interval: types.Interval1h, Leverage: 3,
				Params:      map[string]any{"period": 2, "threshold": 0.01},
				StopLossPct: decimal.NewFromFloat(0.05),
			},
		},
		RiskPerTradePct: decimal.NewFromFloat(0.1),
		MinOrderSize:    decimal.NewFromFloat(0.0001),
		StepSize:        decimal.NewFromFloat(0.0001),
	}
}

func TestNew_RejectsEmptyBotList(t *testing.T) {
	_, err := liveengine.New(liveengine.Config{}, strategy.NewRegistry(nil), newFakeAdapter(), nil, nil, nil, nil, nil)
	if err == nil {
		t.Fatal("expected error for an empty bot list")
	}
}

func TestInit_RebuildsPortfolioFromExchangeAndSetsLeverage(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.balances = []exchange.Balance{{Asset: "USDT", Free: decimal.NewFromInt(5000)}}
	adapter.positions = []exchange.ExchangePosition{
		{Symbol: "BTC/USDT", Side: types.OrderSideBuy, Quantity: decimal.NewFromFloat(0.2), EntryPrice: decimal.NewFromInt(40000)},
	}

	pf := portfolio.New(decimal.Zero, nil)
	exec := executor.NewSimulatedExecutor(decimal.Zero, decimal.Zero)
	reg := strategy.NewRegistry(nil)

	eng, err := liveengine.New(testConfig(), reg, adapter, exec, pf, nil, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := eng.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if !pf.Cash().Equal(decimal.NewFromInt(5000)) {
		t.Fatalf("cash = %s, want 5000", pf.Cash())
	}
	pos := pf.Position("BTC/USDT")
	if pos == nil || !pos.Quantity.Equal(decimal.NewFromFloat(0.2)) {
		t.Fatalf("position = %+v, want 0.2 BTC/USDT", pos)
	}
	if len(adapter.leverageCall) != 1 || adapter.leverageCall[0] != "BTC/USDT" {
		t.Fatalf("expected leverage to be set once for BTC/USDT, got %v", adapter.leverageCall)
	}
}

func TestRun_RisingKlinesProduceATradeAndBroadcastPortfolioUpdate(t *testing.T) {
	adapter := newFakeAdapter()
	pf := portfolio.New(decimal.NewFromInt(10000), nil)
	exec := executor.NewSimulatedExecutor(decimal.Zero, decimal.Zero)
	reg := strategy.NewRegistry(nil)
	bus := eventbus.New(64, nil, nil)
	sub := bus.Subscribe()

	eng, err := liveengine.New(testConfig(), reg, adapter, exec, pf, bus, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.Subscribe(ctx); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	go eng.Run(ctx)

	base := time.Now()
	adapter.bookTickers <- exchange.BookTicker{Symbol: "BTC/USDT", BidPrice: decimal.NewFromInt(99), AskPrice: decimal.NewFromInt(101)}
	// Warm-up then a clear upward move so momentum crosses the 0.01 threshold.
	adapter.klines <- bar("BTC/USDT", base, 100)
	adapter.klines <- bar("BTC/USDT", base.Add(time.Hour), 100)
	adapter.klines <- bar("BTC/USDT", base.Add(2*time.Hour), 110)

	deadline := time.After(2 * time.Second)
	sawPortfolioUpdate := false
	for !sawPortfolioUpdate {
		select {
		case msg := <-sub.Messages():
			if msg.Kind == eventbus.KindPortfolio {
				sawPortfolioUpdate = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for a portfolio broadcast after a momentum signal")
		}
	}

	pos := pf.Position("BTC/USDT")
	if pos == nil || pos.Quantity.IsZero() {
		t.Fatalf("expected an open BTC/USDT position after the momentum signal fired, got %+v", pos)
	}
}

// TestRun_AddOnSignalSizesOffCurrentPriceNotStaleEntryPrice guards against
// handleKline reusing a position's historical fill price as the risk
// manager's entry price. Sized off the current close, the risk-parity
// target quantity after the price rise is below what's already held, so no
// add-on order should fire; sized off the stale fill price it would be
// above, producing a spurious second trade.
func TestRun_AddOnSignalSizesOffCurrentPriceNotStaleEntryPrice(t *testing.T) {
	adapter := newFakeAdapter()
	pf := portfolio.New(decimal.NewFromInt(1000000), nil)
	exec := executor.NewSimulatedExecutor(decimal.Zero, decimal.Zero)
	reg := strategy.NewRegistry(nil)
	bus := eventbus.New(64, nil, nil)
	sub := bus.Subscribe()

	cfg := liveengine.Config{
		Bots: []liveengine.BotConfig{
			{
				Symbol: "BTC/USDT", StrategyID: "momentum", Interval: types.Interval1h, Leverage: 1,
				Params:      map[string]any{"period": 2, "threshold": 0.01},
				StopLossPct: decimal.NewFromFloat(0.05),
			},
		},
		RiskPerTradePct: decimal.NewFromFloat(0.01),
		MinOrderSize:    decimal.NewFromFloat(0.0001),
		StepSize:        decimal.NewFromFloat(0.0001),
	}

	eng, err := liveengine.New(cfg, reg, adapter, exec, pf, bus, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.Subscribe(ctx); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	go eng.Run(ctx)

	base := time.Now()
	adapter.klines <- bar("BTC/USDT", base, 100)
	adapter.klines <- bar("BTC/USDT", base.Add(time.Hour), 100)
	adapter.klines <- bar("BTC/USDT", base.Add(2*time.Hour), 110) // opens the position at 110

	tradeCount := 0
	deadline := time.After(2 * time.Second)
waitFirst:
	for {
		select {
		case msg := <-sub.Messages():
			if msg.Kind == eventbus.KindTrade {
				tradeCount++
				break waitFirst
			}
		case <-deadline:
			t.Fatal("timed out waiting for the opening trade")
		}
	}

	adapter.klines <- bar("BTC/USDT", base.Add(3*time.Hour), 121) // still rising, position already open

	settleTimeout := time.After(500 * time.Millisecond)
loop:
	for {
		select {
		case msg := <-sub.Messages():
			if msg.Kind == eventbus.KindTrade {
				tradeCount++
			}
		case <-settleTimeout:
			break loop
		}
	}

	if tradeCount != 1 {
		t.Fatalf("trade count = %d, want 1 (a stale entry price would spuriously add on the second bar)", tradeCount)
	}
	pos := pf.Position("BTC/USDT")
	if pos == nil || !pos.EntryPrice.Equal(decimal.NewFromInt(110)) {
		t.Fatalf("position = %+v, want unchanged entry price 110 (no second fill)", pos)
	}
}

func TestRun_IgnoresUnconfiguredSymbolAndReturnsOnCancel(t *testing.T) {
	adapter := newFakeAdapter()
	pf := portfolio.New(decimal.NewFromInt(10000), nil)
	exec := executor.NewSimulatedExecutor(decimal.Zero, decimal.Zero)
	reg := strategy.NewRegistry(nil)

	eng, err := liveengine.New(testConfig(), reg, adapter, exec, pf, nil, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.Subscribe(ctx); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	// A kline for an unconfigured symbol is silently ignored, not fatal.
	adapter.klines <- bar("UNKNOWN/USDT", time.Now(), 1)
	adapter.klines <- bar("BTC/USDT", time.Now(), 100)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not return after context cancellation")
	}
}
