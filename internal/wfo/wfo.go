// Package wfo implements the walk-forward optimizer of SPEC_FULL.md §4.9:
// non-overlapping in-sample/out-of-sample windows stepped by IS_weeks, each
// walk re-running the optimizer and analyzer on its IS window and a single
// confirming simulation on its OOS window.
package wfo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/atlas-desktop/trading-backend/internal/analytics"
	"github.com/atlas-desktop/trading-backend/internal/analyzer"
	"github.com/atlas-desktop/trading-backend/internal/executor"
	"github.com/atlas-desktop/trading-backend/internal/metrics"
	"github.com/atlas-desktop/trading-backend/internal/optimizer"
	"github.com/atlas-desktop/trading-backend/internal/risk"
	"github.com/atlas-desktop/trading-backend/internal/simulation"
	"github.com/atlas-desktop/trading-backend/internal/strategy"
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/atlas-desktop/trading-backend/pkg/utils"
	"go.uber.org/zap"
)

// ErrNoWalks is returned when the overall range is too short for even one
// IS+OOS walk.
var ErrNoWalks = errors.New("wfo: overall range produces no walks")

// ErrNoSurvivor is returned for a walk whose IS optimization produces no
// analyzer survivor; that walk's OOS confirmation is skipped.
var ErrNoSurvivor = errors.New("wfo: no analyzer survivor for walk")

// Walk is one non-overlapping in-sample/out-of-sample period, per §4.9 step 1.
type Walk struct {
	Index    int
	ISStart  time.Time
	ISEnd    time.Time
	OOSStart time.Time
	OOSEnd   time.Time
}

// GenerateWalks steps walk k from overallStart+k*IS_weeks, stopping once the
// OOS end would exceed overallEnd.
func GenerateWalks(overallStart, overallEnd time.Time, isWeeks, oosWeeks int) []Walk {
	isDur := time.Duration(isWeeks) * 7 * 24 * time.Hour
	oosDur := time.Duration(oosWeeks) * 7 * 24 * time.Hour

	var walks []Walk
	for k := 0; ; k++ {
		start := overallStart.Add(time.Duration(k) * isDur)
		isEnd := start.Add(isDur)
		oosEnd := isEnd.Add(oosDur)
		if oosEnd.After(overallEnd) {
			break
		}
		walks = append(walks, Walk{Index: k, ISStart: start, ISEnd: isEnd, OOSStart: isEnd, OOSEnd: oosEnd})
	}
	return walks
}

// Store is the persistence surface WFO needs: everything the optimizer
// needs, plus job/run linkage specific to walk-forward.
type Store interface {
	optimizer.Store
	InsertWfoJob(ctx context.Context, job types.WfoJob) error
	RunsForJob(ctx context.Context, jobID string) ([]analyzer.Candidate, error)
	InsertWfoRun(ctx context.Context, run types.WfoRun) error
}

// Config carries the simulation collaborators' fixed parameters, shared
// across every walk's IS optimization and OOS confirmation.
type Config struct {
	Optimizer  optimizer.Config
	Thresholds analyzer.Thresholds
	Weights    analyzer.Weights
}

// Optimizer runs the walk-forward sweep described at §4.9.
type Optimizer struct {
	cfg      Config
	registry *strategy.Registry
	store    Store
	log      *zap.Logger
	metrics  *metrics.Registry
}

// New constructs a walk-forward Optimizer.
func New(cfg Config, registry *strategy.Registry, store Store, log *zap.Logger, reg *metrics.Registry) *Optimizer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Optimizer{cfg: cfg, registry: registry, store: store, log: log, metrics: reg}
}

// Run executes every walk over klines (a single symbol's full ordered
// series spanning [overallStart, overallEnd]), inserting a WfoJob up front
// and one WfoRun per walk that produces a survivor.
func (o *Optimizer) Run(ctx context.Context, klines []types.Kline, isWeeks, oosWeeks int, paramNames []string, ranges map[string]types.ParamRange) (string, error) {
	if len(klines) == 0 {
		return "", ErrNoWalks
	}
	overallStart := klines[0].OpenTime
	overallEnd := klines[len(klines)-1].CloseTime

	walks := GenerateWalks(overallStart, overallEnd, isWeeks, oosWeeks)
	if len(walks) == 0 {
		return "", ErrNoWalks
	}

	wfoJob := types.WfoJob{ID: utils.GenerateRunID(), ISWeeks: isWeeks, OOSWeeks: oosWeeks}
	if err := o.store.InsertWfoJob(ctx, wfoJob); err != nil {
		return "", fmt.Errorf("wfo: insert job: %w", err)
	}

	for _, walk := range walks {
		if err := o.runWalk(ctx, wfoJob.ID, walk, klines, paramNames, ranges); err != nil {
			if errors.Is(err, ErrNoSurvivor) {
				o.log.Warn("wfo walk produced no survivor", zap.Int("walk", walk.Index))
				continue
			}
			return wfoJob.ID, fmt.Errorf("wfo: walk %d: %w", walk.Index, err)
		}
	}

	return wfoJob.ID, nil
}

func (o *Optimizer) runWalk(ctx context.Context, wfoJobID string, walk Walk, klines []types.Kline, paramNames []string, ranges map[string]types.ParamRange) error {
	isKlines := sliceRange(klines, walk.ISStart, walk.ISEnd)
	oosKlines := sliceRange(klines, walk.OOSStart, walk.OOSEnd)
	if len(isKlines) == 0 || len(oosKlines) == 0 {
		return ErrNoSurvivor
	}

	opt := optimizer.New(o.cfg.Optimizer, o.registry, o.store, isKlines, o.log, o.metrics)
	jobID, err := opt.Run(ctx, paramNames, ranges)
	if err != nil {
		return fmt.Errorf("IS optimization: %w", err)
	}

	candidates, err := o.store.RunsForJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("fetch IS runs: %w", err)
	}
	ranked := analyzer.Rank(candidates, o.cfg.Thresholds, o.cfg.Weights)
	if len(ranked) == 0 {
		return ErrNoSurvivor
	}
	top := ranked[0]

	var params map[string]any
	if err := json.Unmarshal([]byte(top.Run.ParamsJSON), &params); err != nil {
		return fmt.Errorf("unmarshal chosen params: %w", err)
	}

	oosRun, report, result, err := o.runOOS(ctx, params, oosKlines)
	if err != nil {
		return fmt.Errorf("OOS confirmation: %w", err)
	}
	if err := o.store.InsertBacktestRuns(ctx, []types.BacktestRun{oosRun}); err != nil {
		return fmt.Errorf("persist OOS run: %w", err)
	}
	if err := o.store.SaveRunResult(ctx, oosRun, report, result); err != nil {
		return fmt.Errorf("persist OOS result: %w", err)
	}

	return o.store.InsertWfoRun(ctx, types.WfoRun{
		ID: utils.GenerateRunID(), WfoJobID: wfoJobID, WalkIndex: walk.Index,
		ParamsJSON: top.Run.ParamsJSON, OOSRunID: oosRun.ID,
	})
}

func (o *Optimizer) runOOS(ctx context.Context, params map[string]any, oosKlines []types.Kline) (types.BacktestRun, *types.PerformanceReport, *simulation.Result, error) {
	cfg := o.cfg.Optimizer
	strat, err := o.registry.Create(cfg.StrategyID, cfg.Symbol, params)
	if err != nil {
		return types.BacktestRun{}, nil, nil, err
	}
	riskMgr, err := risk.NewManager(cfg.RiskPerTradePct, cfg.StopLossPct, cfg.MinOrderSize, cfg.StepSize, o.log)
	if err != nil {
		return types.BacktestRun{}, nil, nil, err
	}
	exec := executor.NewSimulatedExecutor(cfg.SlippagePct, cfg.TakerFeePct)
	driver := simulation.New(simulation.Config{
		Symbol: cfg.Symbol, Interval: cfg.Interval, InitialCapital: cfg.InitialCapital, StopLossPct: cfg.StopLossPct,
	}, strat, riskMgr, exec, o.log)

	result, err := driver.Run(ctx, oosKlines)
	if err != nil {
		return types.BacktestRun{}, nil, nil, err
	}

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return types.BacktestRun{}, nil, nil, err
	}
	run := types.BacktestRun{ID: utils.GenerateRunID(), ParamsJSON: string(paramsJSON), Status: types.RunStatusCompleted}
	report := analytics.Calculate(run.ID, result.Trades, result.EquityCurve, cfg.InitialCapital, cfg.Interval)
	return run, report, result, nil
}

func sliceRange(klines []types.Kline, start, end time.Time) []types.Kline {
	var out []types.Kline
	for _, k := range klines {
		if !k.OpenTime.Before(start) && k.OpenTime.Before(end) {
			out = append(out, k)
		}
	}
	return out
}
