package strategy_test

import (
	"testing"
	"time"

	"github.com/atlas-desktop/trading-backend/internal/strategy"
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/shopspring/decimal"
)

func klineAt(t time.Time, close float64) types.Kline {
	c := decimal.NewFromFloat(close)
	return types.Kline{
		Symbol: "BTC/USDT", Open: c, High: c, Low: c, Close: c,
		OpenTime: t, CloseTime: t,
	}
}

func TestRegistry_CreateUnknownFails(t *testing.T) {
	r := strategy.NewRegistry(nil)
	if _, err := r.Create("nonexistent", "BTC/USDT", nil); err == nil {
		t.Fatal("expected ErrStrategyNotFound")
	}
}

func TestRegistry_ListIncludesBuiltins(t *testing.T) {
	r := strategy.NewRegistry(nil)
	ids := r.List()
	want := map[string]bool{"momentum": false, "mean_reversion": false, "breakout": false}
	for _, id := range ids {
		if _, ok := want[id]; ok {
			want[id] = true
		}
	}
	for id, found := range want {
		if !found {
			t.Fatalf("expected %s to be registered", id)
		}
	}
}

func TestMomentumStrategy_WarmUpThenSignals(t *testing.T) {
	r := strategy.NewRegistry(nil)
	s, err := r.Create("momentum", "BTC/USDT", map[string]any{"period": 3, "threshold": 0.02})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	base := time.Now()
	prices := []float64{100, 100, 100, 110} // flat warm-up then a jump
	var lastSignal *types.Signal
	for i, p := range prices {
		sig, err := s.Evaluate(klineAt(base.Add(time.Duration(i)*time.Hour), p))
		if err != nil {
			t.Fatalf("evaluate: %v", err)
		}
		if i < 3 && sig != nil {
			t.Fatalf("expected no signal during warm-up at step %d", i)
		}
		if sig != nil {
			lastSignal = sig
		}
	}
	if lastSignal == nil {
		t.Fatal("expected a buy signal once momentum exceeds threshold")
	}
	if lastSignal.Template.Side != types.OrderSideBuy {
		t.Fatalf("side = %s, want buy", lastSignal.Template.Side)
	}
	if lastSignal.Template.Quantity.IsPositive() {
		t.Fatal("strategy signals must template quantity=0; sizing is the risk manager's job")
	}
}

func TestBreakoutStrategy_SignalsOnNewHigh(t *testing.T) {
	r := strategy.NewRegistry(nil)
	s, err := r.Create("breakout", "BTC/USDT", map[string]any{"period": 2})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	base := time.Now()
	_, _ = s.Evaluate(klineAt(base, 100))
	_, _ = s.Evaluate(klineAt(base.Add(time.Hour), 101))
	sig, err := s.Evaluate(klineAt(base.Add(2*time.Hour), 110))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if sig == nil || sig.Template.Side != types.OrderSideBuy {
		t.Fatalf("expected buy breakout signal, got %+v", sig)
	}
}
