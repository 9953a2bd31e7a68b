// Package optimizer implements the parameter sweep of SPEC_FULL.md §4.7:
// Cartesian-product generation over a parameter space, executed by a bounded
// parallel worker pool, one simulation driver instance per run.
package optimizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/atlas-desktop/trading-backend/internal/analytics"
	"github.com/atlas-desktop/trading-backend/internal/executor"
	"github.com/atlas-desktop/trading-backend/internal/metrics"
	"github.com/atlas-desktop/trading-backend/internal/risk"
	"github.com/atlas-desktop/trading-backend/internal/simulation"
	"github.com/atlas-desktop/trading-backend/internal/strategy"
	"github.com/atlas-desktop/trading-backend/internal/workers"
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/atlas-desktop/trading-backend/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrInvalidStep is returned when a ParamRange's step is not positive.
var ErrInvalidStep = errors.New("optimizer: step must be positive")

// GenerateCombinations produces the Cartesian product of a named parameter
// space, per §4.7 step 1. Order is deterministic: params are iterated in
// the order given by names, which callers should derive from a sorted key
// list for reproducibility.
func GenerateCombinations(names []string, ranges map[string]types.ParamRange) ([]map[string]any, error) {
	valueSets := make([][]any, len(names))
	for i, name := range names {
		values, err := expandRange(ranges[name])
		if err != nil {
			return nil, fmt.Errorf("param %s: %w", name, err)
		}
		valueSets[i] = values
	}

	var combos []map[string]any
	var recurse func(i int, current map[string]any)
	recurse = func(i int, current map[string]any) {
		if i == len(names) {
			combo := make(map[string]any, len(current))
			for k, v := range current {
				combo[k] = v
			}
			combos = append(combos, combo)
			return
		}
		for _, v := range valueSets[i] {
			current[names[i]] = v
			recurse(i+1, current)
		}
	}
	recurse(0, map[string]any{})
	return combos, nil
}

func expandRange(r types.ParamRange) ([]any, error) {
	switch r.Kind {
	case types.ParamRangeDiscreteInt:
		out := make([]any, len(r.DiscreteInts))
		for i, v := range r.DiscreteInts {
			out[i] = v
		}
		return out, nil
	case types.ParamRangeDiscreteDecimal:
		out := make([]any, len(r.DiscreteDecs))
		for i, v := range r.DiscreteDecs {
			out[i] = v
		}
		return out, nil
	case types.ParamRangeLinearInt:
		if r.StepInt <= 0 {
			return nil, ErrInvalidStep
		}
		var out []any
		for v := r.StartInt; v <= r.EndInt; v += r.StepInt {
			out = append(out, v)
		}
		return out, nil
	case types.ParamRangeLinearDecimal:
		if !r.StepDecimal.IsPositive() {
			return nil, ErrInvalidStep
		}
		var out []any
		for v := r.StartDecimal; v.LessThanOrEqual(r.EndDecimal); v = v.Add(r.StepDecimal) {
			out = append(out, v)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown param range kind %q", r.Kind)
	}
}

// Store is the subset of internal/persistence this package needs.
type Store interface {
	InsertOptimizationJob(ctx context.Context, job types.OptimizationJob) error
	InsertBacktestRuns(ctx context.Context, runs []types.BacktestRun) error
	UpdateRunStatus(ctx context.Context, runID string, status types.RunStatus, errMsg string) error
	SaveRunResult(ctx context.Context, run types.BacktestRun, report *types.PerformanceReport, result *simulation.Result) error
}

// Config parameterizes one optimization job.
type Config struct {
	Symbol         string
	Interval       types.Interval
	StrategyID     string
	InitialCapital decimal.Decimal
	StopLossPct    decimal.Decimal
	RiskPerTradePct decimal.Decimal
	MinOrderSize   decimal.Decimal
	StepSize       decimal.Decimal
	SlippagePct    decimal.Decimal
	TakerFeePct    decimal.Decimal
	NumWorkers     int
}

// Optimizer runs the parameter sweep described at SPEC_FULL.md §4.7.
type Optimizer struct {
	cfg      Config
	registry *strategy.Registry
	store    Store
	log      *zap.Logger
	klines   []types.Kline
	metrics  *metrics.Registry
}

// New constructs an Optimizer over a fixed ordered kline series. reg may be
// nil, in which case run counts are not instrumented.
func New(cfg Config, registry *strategy.Registry, store Store, klines []types.Kline, log *zap.Logger, reg *metrics.Registry) *Optimizer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Optimizer{cfg: cfg, registry: registry, store: store, klines: klines, log: log, metrics: reg}
}

// Run executes the full sweep: job + pending runs inserted up front, then
// each run executed in the worker pool; the optimizer never re-ranks (that
// is the analyzer's job).
func (o *Optimizer) Run(ctx context.Context, paramNames []string, ranges map[string]types.ParamRange) (string, error) {
	combos, err := GenerateCombinations(paramNames, ranges)
	if err != nil {
		return "", fmt.Errorf("optimizer: generate combinations: %w", err)
	}

	job := types.OptimizationJob{
		ID: utils.GenerateRunID(), Symbol: o.cfg.Symbol, Interval: o.cfg.Interval, StrategyID: o.cfg.StrategyID,
	}
	if err := o.store.InsertOptimizationJob(ctx, job); err != nil {
		return "", fmt.Errorf("optimizer: insert job: %w", err)
	}

	runs := make([]types.BacktestRun, len(combos))
	for i, combo := range combos {
		paramsJSON, err := marshalParams(combo)
		if err != nil {
			return "", fmt.Errorf("optimizer: marshal params: %w", err)
		}
		runs[i] = types.BacktestRun{ID: utils.GenerateRunID(), JobID: job.ID, ParamsJSON: paramsJSON, Status: types.RunStatusPending}
	}
	if err := o.store.InsertBacktestRuns(ctx, runs); err != nil {
		return "", fmt.Errorf("optimizer: insert runs: %w", err)
	}

	pool := workers.NewPool(workers.PoolConfig{Name: "optimizer", NumWorkers: o.cfg.NumWorkers}, o.log)

	tasks := make([]workers.Task, len(runs))
	for i, run := range runs {
		run := run
		combo := combos[i]
		tasks[i] = func(ctx context.Context) error {
			return o.runOne(ctx, job.ID, run, combo)
		}
	}

	if err := pool.Run(ctx, tasks); err != nil {
		o.log.Warn("optimizer sweep completed with failures", zap.Error(err))
	}

	return job.ID, nil
}

// runOne executes a single parameter combination over a dedicated
// strategy/risk/executor/portfolio instance, per §4.7 step 3.
func (o *Optimizer) runOne(ctx context.Context, jobID string, run types.BacktestRun, params map[string]any) error {
	fail := func(err error) error {
		_ = o.store.UpdateRunStatus(ctx, run.ID, types.RunStatusFailed, err.Error())
		if o.metrics != nil {
			o.metrics.OptimizerRunsFailed.WithLabelValues(jobID).Inc()
		}
		return err
	}

	strat, err := o.registry.Create(o.cfg.StrategyID, o.cfg.Symbol, params)
	if err != nil {
		return fail(err)
	}

	riskMgr, err := risk.NewManager(o.cfg.RiskPerTradePct, o.cfg.StopLossPct, o.cfg.MinOrderSize, o.cfg.StepSize, o.log)
	if err != nil {
		return fail(err)
	}
	exec := executor.NewSimulatedExecutor(o.cfg.SlippagePct, o.cfg.TakerFeePct)

	driver := simulation.New(simulation.Config{
		Symbol: o.cfg.Symbol, Interval: o.cfg.Interval, InitialCapital: o.cfg.InitialCapital, StopLossPct: o.cfg.StopLossPct,
	}, strat, riskMgr, exec, o.log)

	result, err := driver.Run(ctx, o.klines)
	if err != nil {
		return fail(err)
	}

	report := analytics.Calculate(run.ID, result.Trades, result.EquityCurve, o.cfg.InitialCapital, o.cfg.Interval)

	if err := o.store.SaveRunResult(ctx, run, report, result); err != nil {
		return fail(err)
	}
	if o.metrics != nil {
		o.metrics.OptimizerRunsCompleted.WithLabelValues(jobID).Inc()
	}
	return o.store.UpdateRunStatus(ctx, run.ID, types.RunStatusCompleted, "")
}

func marshalParams(params map[string]any) (string, error) {
	b, err := json.Marshal(params)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
