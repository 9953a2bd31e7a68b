package wfo_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/atlas-desktop/trading-backend/internal/analyzer"
	"github.com/atlas-desktop/trading-backend/internal/optimizer"
	"github.com/atlas-desktop/trading-backend/internal/simulation"
	"github.com/atlas-desktop/trading-backend/internal/strategy"
	"github.com/atlas-desktop/trading-backend/internal/wfo"
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/shopspring/decimal"
)

func TestGenerateWalks_NonOverlappingSteppingByISWeeks(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 7*20) // 20 weeks total

	walks := wfo.GenerateWalks(start, end, 4, 1)
	if len(walks) == 0 {
		t.Fatal("expected at least one walk")
	}
	for i, w := range walks {
		if w.Index != i {
			t.Fatalf("walk %d has index %d", i, w.Index)
		}
		if !w.OOSStart.Equal(w.ISEnd) {
			t.Fatalf("walk %d: OOS should start where IS ends", i)
		}
		if w.OOSEnd.After(end) {
			t.Fatalf("walk %d: OOS end %s exceeds overall end %s", i, w.OOSEnd, end)
		}
	}
	if len(walks) > 1 {
		wantNextStart := walks[0].ISStart.AddDate(0, 0, 7*4)
		if !walks[1].ISStart.Equal(wantNextStart) {
			t.Fatalf("walk 1 IS start = %s, want %s", walks[1].ISStart, wantNextStart)
		}
	}
}

type fakeWfoStore struct {
	mu      sync.Mutex
	runs    map[string][]types.BacktestRun
	reports map[string]*types.PerformanceReport
	wfoRuns []types.WfoRun
}

func newFakeWfoStore() *fakeWfoStore {
	return &fakeWfoStore{runs: make(map[string][]types.BacktestRun), reports: make(map[string]*types.PerformanceReport)}
}

func (s *fakeWfoStore) InsertOptimizationJob(context.Context, types.OptimizationJob) error { return nil }

func (s *fakeWfoStore) InsertBacktestRuns(_ context.Context, runs []types.BacktestRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(runs) > 0 {
		s.runs[runs[0].JobID] = append(s.runs[runs[0].JobID], runs...)
	}
	return nil
}

func (s *fakeWfoStore) UpdateRunStatus(_ context.Context, runID string, status types.RunStatus, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for jobID, runs := range s.runs {
		for i := range runs {
			if runs[i].ID == runID {
				s.runs[jobID][i].Status = status
			}
		}
	}
	return nil
}

func (s *fakeWfoStore) SaveRunResult(_ context.Context, run types.BacktestRun, report *types.PerformanceReport, _ *simulation.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports[run.ID] = report
	s.runs[run.JobID] = append(s.runs[run.JobID], run)
	return nil
}

func (s *fakeWfoStore) InsertWfoJob(context.Context, types.WfoJob) error { return nil }

func (s *fakeWfoStore) RunsForJob(_ context.Context, jobID string) ([]analyzer.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []analyzer.Candidate
	for _, run := range s.runs[jobID] {
		report, ok := s.reports[run.ID]
		if !ok {
			continue
		}
		out = append(out, analyzer.Candidate{Run: run, Report: report})
	}
	return out, nil
}

func (s *fakeWfoStore) InsertWfoRun(_ context.Context, run types.WfoRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wfoRuns = append(s.wfoRuns, run)
	return nil
}

func longKlineSeries(start time.Time, n int) []types.Kline {
	out := make([]types.Kline, n)
	for i := 0; i < n; i++ {
		c := decimal.NewFromInt(int64(100 + i%10))
		t := start.Add(time.Duration(i) * time.Hour)
		out[i] = types.Kline{Symbol: "BTC/USDT", OpenTime: t, CloseTime: t, Open: c, High: c, Low: c, Close: c}
	}
	return out
}

func TestWfoOptimizer_RunProducesWfoRuns(t *testing.T) {
	registry := strategy.NewRegistry(nil)
	store := newFakeWfoStore()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	klines := longKlineSeries(start, 24*7*10) // 10 weeks of hourly bars

	cfg := wfo.Config{
		Optimizer: optimizer.Config{
			Symbol: "BTC/USDT", Interval: types.Interval1h, StrategyID: "momentum",
			InitialCapital: decimal.NewFromInt(10000), StopLossPct: decimal.NewFromFloat(0.02),
			RiskPerTradePct: decimal.NewFromFloat(0.01), NumWorkers: 2,
		},
		Thresholds: analyzer.Thresholds{MinTotalTrades: 0, MaxDrawdownPctLimit: decimal.NewFromFloat(0.99)},
		Weights:    analyzer.Weights{ProfitFactor: decimal.NewFromFloat(1)},
	}
	opt := wfo.New(cfg, registry, store, nil, nil)

	ranges := map[string]types.ParamRange{
		"period": {Kind: types.ParamRangeDiscreteInt, DiscreteInts: []int{3, 5}},
	}

	jobID, err := opt.Run(context.Background(), klines, 4, 1, []string{"period"}, ranges)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if jobID == "" {
		t.Fatal("expected a non-empty wfo job id")
	}
}
