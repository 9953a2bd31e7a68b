package portfolio_test

import (
	"testing"
	"time"

	"github.com/atlas-desktop/trading-backend/internal/portfolio"
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func exec(symbol string, side types.OrderSide, price, qty, fee float64) types.Execution {
	return types.Execution{
		ID:        "e1",
		Symbol:    symbol,
		Side:      side,
		Price:     decimal.NewFromFloat(price),
		Quantity:  decimal.NewFromFloat(qty),
		Fee:       decimal.NewFromFloat(fee),
		Timestamp: time.Now(),
	}
}

func TestApplyExecution_OpenThenAdd_WeightedEntry(t *testing.T) {
	p := portfolio.New(decimal.NewFromInt(10000), zap.NewNop())

	if err := p.ApplyExecution(exec("BTC/USDT", types.OrderSideBuy, 100, 1, 0)); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := p.ApplyExecution(exec("BTC/USDT", types.OrderSideBuy, 110, 1, 0)); err != nil {
		t.Fatalf("add: %v", err)
	}

	pos := p.Position("BTC/USDT")
	if pos == nil {
		t.Fatal("expected open position")
	}
	wantEntry := decimal.NewFromFloat(105)
	if !pos.EntryPrice.Equal(wantEntry) {
		t.Fatalf("entry price = %s, want %s", pos.EntryPrice, wantEntry)
	}
	if !pos.Quantity.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("quantity = %s, want 2", pos.Quantity)
	}

	wantCash := decimal.NewFromInt(10000).Sub(decimal.NewFromInt(100)).Sub(decimal.NewFromInt(110))
	if !p.Cash().Equal(wantCash) {
		t.Fatalf("cash = %s, want %s", p.Cash(), wantCash)
	}
}

func TestApplyExecution_ClosePartial(t *testing.T) {
	p := portfolio.New(decimal.NewFromInt(10000), zap.NewNop())
	_ = p.ApplyExecution(exec("BTC/USDT", types.OrderSideBuy, 100, 2, 0))

	if err := p.ApplyExecution(exec("BTC/USDT", types.OrderSideSell, 105, 1, 0)); err != nil {
		t.Fatalf("close: %v", err)
	}

	pos := p.Position("BTC/USDT")
	if pos == nil || !pos.Quantity.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected 1 remaining, got %+v", pos)
	}
}

func TestApplyExecution_CloseFullyRemovesPosition(t *testing.T) {
	p := portfolio.New(decimal.NewFromInt(10000), zap.NewNop())
	_ = p.ApplyExecution(exec("BTC/USDT", types.OrderSideBuy, 100, 1, 0))

	if err := p.ApplyExecution(exec("BTC/USDT", types.OrderSideSell, 110, 1, 0)); err != nil {
		t.Fatalf("close: %v", err)
	}
	if pos := p.Position("BTC/USDT"); pos != nil {
		t.Fatalf("expected no position after full close, got %+v", pos)
	}
}

func TestApplyExecution_ClosingMoreThanHeldFails(t *testing.T) {
	p := portfolio.New(decimal.NewFromInt(10000), zap.NewNop())
	_ = p.ApplyExecution(exec("BTC/USDT", types.OrderSideBuy, 100, 1, 0))

	err := p.ApplyExecution(exec("BTC/USDT", types.OrderSideSell, 100, 2, 0))
	if err == nil {
		t.Fatal("expected InvalidClosingQuantity")
	}
}

func TestApplyExecution_SellFromFlatOpensSellPosition(t *testing.T) {
	p := portfolio.New(decimal.NewFromInt(10000), zap.NewNop())
	// With no position held nothing is classified as closing, so a sell opens.
	if err := p.ApplyExecution(exec("BTC/USDT", types.OrderSideSell, 100, 1, 0)); err != nil {
		t.Fatalf("open sell: %v", err)
	}
	pos := p.Position("BTC/USDT")
	if pos == nil || pos.Side != types.OrderSideSell || !pos.Quantity.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected a 1-unit sell position, got %+v", pos)
	}
}

func TestApplyExecution_InsufficientCashFails(t *testing.T) {
	p := portfolio.New(decimal.NewFromInt(50), zap.NewNop())
	err := p.ApplyExecution(exec("BTC/USDT", types.OrderSideBuy, 100, 1, 0))
	if err == nil {
		t.Fatal("expected InsufficientCash")
	}
}

func TestTotalEquity_CashPlusPositions(t *testing.T) {
	p := portfolio.New(decimal.NewFromInt(1000), zap.NewNop())
	_ = p.ApplyExecution(exec("BTC/USDT", types.OrderSideBuy, 100, 2, 0))

	equity, err := p.TotalEquity(map[string]decimal.Decimal{"BTC/USDT": decimal.NewFromInt(110)})
	if err != nil {
		t.Fatalf("equity: %v", err)
	}
	// cash after buy: 1000 - 200 = 800; market value = 100*2 + (110-100)*2 = 220
	want := decimal.NewFromInt(800).Add(decimal.NewFromInt(220))
	if !equity.Equal(want) {
		t.Fatalf("equity = %s, want %s", equity, want)
	}
}

func TestTotalEquity_MissingPriceFails(t *testing.T) {
	p := portfolio.New(decimal.NewFromInt(1000), zap.NewNop())
	_ = p.ApplyExecution(exec("BTC/USDT", types.OrderSideBuy, 100, 1, 0))

	if _, err := p.TotalEquity(map[string]decimal.Decimal{}); err == nil {
		t.Fatal("expected PortfolioError for missing price")
	}
}
