package reconciler_test

import (
	"context"
	"testing"
	"time"

	"github.com/atlas-desktop/trading-backend/internal/eventbus"
	"github.com/atlas-desktop/trading-backend/internal/exchange"
	"github.com/atlas-desktop/trading-backend/internal/portfolio"
	"github.com/atlas-desktop/trading-backend/internal/reconciler"
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/shopspring/decimal"
)

type fakeAdapter struct {
	balances  []exchange.Balance
	positions []exchange.ExchangePosition
}

func (f *fakeAdapter) GetBalances(context.Context) ([]exchange.Balance, error)     { return f.balances, nil }
func (f *fakeAdapter) GetPositions(context.Context) ([]exchange.ExchangePosition, error) {
	return f.positions, nil
}
func (f *fakeAdapter) SetLeverage(context.Context, string, int) error { return nil }
func (f *fakeAdapter) PlaceOrder(context.Context, types.OrderRequest) (types.Execution, error) {
	return types.Execution{}, nil
}
func (f *fakeAdapter) SubscribeKlines(context.Context, []string, types.Interval) (<-chan types.Kline, error) {
	return nil, nil
}
func (f *fakeAdapter) SubscribeBookTicker(context.Context, []string) (<-chan exchange.BookTicker, error) {
	return nil, nil
}
func (f *fakeAdapter) SubscribeMarkPrice(context.Context, []string) (<-chan exchange.MarkPrice, error) {
	return nil, nil
}

func TestReconcile_OverwritesLocalPortfolioFromExchangeTruth(t *testing.T) {
	// §8 scenario 6: local shows 0.5 BTC long @30000, cash 1000; exchange
	// reports 0.3 BTC long @29500, cash 1200. After reconciliation local
	// equals exchange exactly. Starting from 16000, the 15000 buy leaves the
	// scenario's 1000 cash.
	pf := portfolio.New(decimal.NewFromInt(16000), nil)
	if err := pf.ApplyExecution(types.Execution{
		Symbol: "BTC/USDT", Side: types.OrderSideBuy, Price: decimal.NewFromInt(30000), Quantity: decimal.NewFromFloat(0.5),
		Timestamp: time.Now(),
	}); err != nil {
		t.Fatalf("seed local position: %v", err)
	}

	adapter := &fakeAdapter{
		balances:  []exchange.Balance{{Asset: reconciler.QuoteAsset, Free: decimal.NewFromInt(1200)}},
		positions: []exchange.ExchangePosition{{Symbol: "BTC/USDT", Side: types.OrderSideBuy, Quantity: decimal.NewFromFloat(0.3), EntryPrice: decimal.NewFromInt(29500)}},
	}
	bus := eventbus.New(4, nil, nil)
	sub := bus.Subscribe()
	<-sub.Messages() // Connected

	r := reconciler.New(adapter, pf, bus, time.Minute, nil, nil)
	if err := r.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	if !pf.Cash().Equal(decimal.NewFromInt(1200)) {
		t.Fatalf("cash = %s, want 1200", pf.Cash())
	}
	pos := pf.Position("BTC/USDT")
	if pos == nil || !pos.Quantity.Equal(decimal.NewFromFloat(0.3)) || !pos.EntryPrice.Equal(decimal.NewFromInt(29500)) {
		t.Fatalf("position = %+v, want 0.3 @ 29500", pos)
	}

	select {
	case msg := <-sub.Messages():
		if msg.Kind != eventbus.KindPortfolio {
			t.Fatalf("expected a portfolio broadcast, got kind %s", msg.Kind)
		}
	default:
		t.Fatal("expected a portfolio snapshot to be broadcast after reconciliation")
	}
}

func TestReconcile_EmptyExchangePositionsClearsLocalState(t *testing.T) {
	pf := portfolio.New(decimal.NewFromInt(3000), nil)
	if err := pf.ApplyExecution(types.Execution{
		Symbol: "ETH/USDT", Side: types.OrderSideBuy, Price: decimal.NewFromInt(2000), Quantity: decimal.NewFromInt(1),
		Timestamp: time.Now(),
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	adapter := &fakeAdapter{balances: []exchange.Balance{{Asset: reconciler.QuoteAsset, Free: decimal.NewFromInt(500)}}}
	r := reconciler.New(adapter, pf, nil, time.Minute, nil, nil)
	if err := r.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	if len(pf.Positions()) != 0 {
		t.Fatalf("expected no positions after reconciling against an empty exchange position list, got %d", len(pf.Positions()))
	}
}
