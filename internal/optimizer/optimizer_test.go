package optimizer_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/atlas-desktop/trading-backend/internal/optimizer"
	"github.com/atlas-desktop/trading-backend/internal/simulation"
	"github.com/atlas-desktop/trading-backend/internal/strategy"
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/shopspring/decimal"
)

type fakeStore struct {
	mu   sync.Mutex
	runs []types.BacktestRun
	done int
}

func (s *fakeStore) InsertOptimizationJob(context.Context, types.OptimizationJob) error { return nil }

func (s *fakeStore) InsertBacktestRuns(_ context.Context, runs []types.BacktestRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, runs...)
	return nil
}

func (s *fakeStore) UpdateRunStatus(_ context.Context, _ string, status types.RunStatus, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == types.RunStatusCompleted || status == types.RunStatusFailed {
		s.done++
	}
	return nil
}

func (s *fakeStore) SaveRunResult(context.Context, types.BacktestRun, *types.PerformanceReport, *simulation.Result) error {
	return nil
}

func klineSeries(n int) []types.Kline {
	base := time.Now()
	out := make([]types.Kline, n)
	for i := 0; i < n; i++ {
		c := decimal.NewFromInt(int64(100 + i))
		out[i] = types.Kline{Symbol: "BTC/USDT", OpenTime: base.Add(time.Duration(i) * time.Hour), CloseTime: base.Add(time.Duration(i) * time.Hour), Open: c, High: c, Low: c, Close: c}
	}
	return out
}

func TestGenerateCombinations_TwoByThree(t *testing.T) {
	ranges := map[string]types.ParamRange{
		"a": {Kind: types.ParamRangeDiscreteInt, DiscreteInts: []int{1, 2}},
		"b": {Kind: types.ParamRangeLinearInt, StartInt: 10, EndInt: 20, StepInt: 5},
	}
	combos, err := optimizer.GenerateCombinations([]string{"a", "b"}, ranges)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(combos) != 6 {
		t.Fatalf("expected 2x3=6 combinations, got %d", len(combos))
	}
}

func TestGenerateCombinations_RejectsNonPositiveStep(t *testing.T) {
	ranges := map[string]types.ParamRange{
		"a": {Kind: types.ParamRangeLinearInt, StartInt: 1, EndInt: 10, StepInt: 0},
	}
	if _, err := optimizer.GenerateCombinations([]string{"a"}, ranges); err == nil {
		t.Fatal("expected an error for a zero step")
	}
}

func TestOptimizer_RunSweepCompletesAllRuns(t *testing.T) {
	registry := strategy.NewRegistry(nil)
	store := &fakeStore{}

	cfg := optimizer.Config{
		Symbol: "BTC/USDT", Interval: types.Interval1h, StrategyID: "momentum",
		InitialCapital: decimal.NewFromInt(10000), StopLossPct: decimal.NewFromFloat(0.02),
		RiskPerTradePct: decimal.NewFromFloat(0.01), NumWorkers: 2,
	}
	opt := optimizer.New(cfg, registry, store, klineSeries(20), nil, nil)

	ranges := map[string]types.ParamRange{
		"period":    {Kind: types.ParamRangeDiscreteInt, DiscreteInts: []int{3, 5}},
		"threshold": {Kind: types.ParamRangeDiscreteDecimal, DiscreteDecs: []decimal.Decimal{decimal.NewFromFloat(0.01), decimal.NewFromFloat(0.02), decimal.NewFromFloat(0.03)}},
	}

	jobID, err := opt.Run(context.Background(), []string{"period", "threshold"}, ranges)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if jobID == "" {
		t.Fatal("expected a non-empty job id")
	}
	if len(store.runs) != 6 {
		t.Fatalf("expected 6 inserted runs, got %d", len(store.runs))
	}
	if store.done != 6 {
		t.Fatalf("expected all 6 runs to reach a terminal status, got %d", store.done)
	}
}
