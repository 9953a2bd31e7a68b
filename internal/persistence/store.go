// Package persistence is the sqlite-backed store behind every other
// component's durable state: historical klines, optimization jobs and their
// backtest runs, performance reports, trades, equity curves, and
// walk-forward jobs/runs, per SPEC_FULL.md §6. Grounded on
// internal/data/store.go (teacher)'s method-naming idiom — Save/Load
// pairs keyed by symbol/interval — and
// AlejandroRuiz99-polybot/internal/adapters/storage/sqlite.go's
// database/sql + embedded schema string + upsert-via-ON-CONFLICT pattern,
// which this package follows directly in place of the teacher's JSON-file
// cache (the teacher never persisted relationally; sqlite is this spec's
// requirement).
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/atlas-desktop/trading-backend/internal/analyzer"
	"github.com/atlas-desktop/trading-backend/internal/simulation"
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
	"go.uber.org/zap"
)

const schema = `
CREATE TABLE IF NOT EXISTS klines (
	symbol     TEXT NOT NULL,
	interval   TEXT NOT NULL,
	open_time  DATETIME NOT NULL,
	close_time DATETIME NOT NULL,
	open       TEXT NOT NULL,
	high       TEXT NOT NULL,
	low        TEXT NOT NULL,
	close      TEXT NOT NULL,
	volume     TEXT NOT NULL,
	PRIMARY KEY (symbol, interval, open_time)
);

CREATE TABLE IF NOT EXISTS optimization_jobs (
	id          TEXT PRIMARY KEY,
	symbol      TEXT NOT NULL,
	interval    TEXT NOT NULL,
	strategy_id TEXT NOT NULL,
	created_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS backtest_runs (
	id          TEXT PRIMARY KEY,
	job_id      TEXT NOT NULL,
	params_json TEXT NOT NULL,
	status      TEXT NOT NULL,
	error       TEXT,
	created_at  DATETIME NOT NULL,
	finished_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_backtest_runs_job ON backtest_runs(job_id);

CREATE TABLE IF NOT EXISTS performance_reports (
	run_id                 TEXT PRIMARY KEY,
	total_net_profit       TEXT NOT NULL,
	gross_profit           TEXT NOT NULL,
	gross_loss             TEXT NOT NULL,
	profit_factor          TEXT,
	total_return_pct       TEXT NOT NULL,
	max_drawdown           TEXT NOT NULL,
	max_drawdown_pct       TEXT NOT NULL,
	sharpe_ratio           TEXT,
	calmar_ratio           TEXT,
	total_trades           INTEGER NOT NULL,
	winning_trades         INTEGER NOT NULL,
	losing_trades          INTEGER NOT NULL,
	win_rate_pct           TEXT,
	avg_win                TEXT NOT NULL,
	avg_loss               TEXT NOT NULL,
	payoff_ratio           TEXT,
	mean_holding_period_ns INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS trades (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL,
	symbol     TEXT NOT NULL,
	entry_json TEXT NOT NULL,
	exit_json  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_run ON trades(run_id);

CREATE TABLE IF NOT EXISTS equity_curve_points (
	run_id TEXT NOT NULL,
	ts     DATETIME NOT NULL,
	equity TEXT NOT NULL,
	PRIMARY KEY (run_id, ts)
);

CREATE TABLE IF NOT EXISTS wfo_jobs (
	id         TEXT PRIMARY KEY,
	opt_job_id TEXT NOT NULL,
	is_weeks   INTEGER NOT NULL,
	oos_weeks  INTEGER NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS wfo_runs (
	id          TEXT PRIMARY KEY,
	wfo_job_id  TEXT NOT NULL,
	walk_index  INTEGER NOT NULL,
	params_json TEXT NOT NULL,
	oos_run_id  TEXT NOT NULL,
	created_at  DATETIME NOT NULL
);
`

// Store is the sqlite-backed implementation of optimizer.Store and
// wfo.Store, plus the kline cache consumed by the backfill/single-run/
// portfolio-run CLI paths.
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// Open opens (creating if absent) the sqlite database at path and applies
// the schema. Single-writer: sqlite tolerates only one writer connection at
// a time, so the pool is capped at one, matching the teacher's polybot
// reference.
func Open(path string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("persistence: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("persistence: apply schema: %w", err)
	}
	return &Store{db: db, log: log}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertKlines idempotently inserts klines on their (symbol, interval,
// open_time) natural key, per §6. Decimal fields are stored as their exact
// string representation, never as floats.
func (s *Store) UpsertKlines(ctx context.Context, klines []types.Kline) error {
	if len(klines) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("persistence: upsert klines: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO klines (symbol, interval, open_time, close_time, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, interval, open_time) DO UPDATE SET
			close_time = excluded.close_time,
			open       = excluded.open,
			high       = excluded.high,
			low        = excluded.low,
			close      = excluded.close,
			volume     = excluded.volume
	`)
	if err != nil {
		return fmt.Errorf("persistence: upsert klines: prepare: %w", err)
	}
	defer stmt.Close()

	for _, k := range klines {
		if _, err := stmt.ExecContext(ctx, k.Symbol, string(k.Interval), k.OpenTime, k.CloseTime,
			k.Open.String(), k.High.String(), k.Low.String(), k.Close.String(), k.Volume.String()); err != nil {
			return fmt.Errorf("persistence: upsert klines: exec: %w", err)
		}
	}
	return tx.Commit()
}

// GetKlines loads klines for one symbol/interval whose open_time falls in
// [start, end), ordered by open_time ascending.
func (s *Store) GetKlines(ctx context.Context, symbol string, interval types.Interval, start, end time.Time) ([]types.Kline, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, interval, open_time, close_time, open, high, low, close, volume
		FROM klines
		WHERE symbol = ? AND interval = ? AND open_time >= ? AND open_time < ?
		ORDER BY open_time ASC
	`, symbol, string(interval), start, end)
	if err != nil {
		return nil, fmt.Errorf("persistence: get klines: %w", err)
	}
	defer rows.Close()

	var out []types.Kline
	for rows.Next() {
		var k types.Kline
		var interval string
		var open, high, low, close, volume string
		if err := rows.Scan(&k.Symbol, &interval, &k.OpenTime, &k.CloseTime, &open, &high, &low, &close, &volume); err != nil {
			return nil, fmt.Errorf("persistence: get klines: scan: %w", err)
		}
		k.Interval = types.Interval(interval)
		k.Open, k.High, k.Low, k.Close, k.Volume = decStr(open), decStr(high), decStr(low), decStr(close), decStr(volume)
		out = append(out, k)
	}
	return out, rows.Err()
}

// InsertOptimizationJob implements optimizer.Store.
func (s *Store) InsertOptimizationJob(ctx context.Context, job types.OptimizationJob) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO optimization_jobs (id, symbol, interval, strategy_id, created_at) VALUES (?, ?, ?, ?, ?)
	`, job.ID, job.Symbol, string(job.Interval), job.StrategyID, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("persistence: insert optimization job: %w", err)
	}
	return nil
}

// InsertBacktestRuns implements optimizer.Store, batching the job's
// generated parameter combinations in a single transaction.
func (s *Store) InsertBacktestRuns(ctx context.Context, runs []types.BacktestRun) error {
	if len(runs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("persistence: insert backtest runs: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO backtest_runs (id, job_id, params_json, status, error, created_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("persistence: insert backtest runs: prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range runs {
		if _, err := stmt.ExecContext(ctx, r.ID, r.JobID, r.ParamsJSON, string(r.Status), nullIfEmpty(r.Error), r.CreatedAt, timePtrOrNil(r.FinishedAt)); err != nil {
			return fmt.Errorf("persistence: insert backtest runs: exec: %w", err)
		}
	}
	return tx.Commit()
}

// UpdateRunStatus implements optimizer.Store.
func (s *Store) UpdateRunStatus(ctx context.Context, runID string, status types.RunStatus, errMsg string) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		UPDATE backtest_runs SET status = ?, error = ?, finished_at = ? WHERE id = ?
	`, string(status), nullIfEmpty(errMsg), now, runID)
	if err != nil {
		return fmt.Errorf("persistence: update run status: %w", err)
	}
	return nil
}

// SaveRunResult implements optimizer.Store: persists the report plus the
// run's trades and equity curve in one transaction, per §6's "single *sql.Tx
// per run" requirement.
func (s *Store) SaveRunResult(ctx context.Context, run types.BacktestRun, report *types.PerformanceReport, result *simulation.Result) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("persistence: save run result: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO performance_reports
			(run_id, total_net_profit, gross_profit, gross_loss, profit_factor, total_return_pct,
			 max_drawdown, max_drawdown_pct, sharpe_ratio, calmar_ratio, total_trades, winning_trades,
			 losing_trades, win_rate_pct, avg_win, avg_loss, payoff_ratio, mean_holding_period_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			total_net_profit = excluded.total_net_profit,
			gross_profit     = excluded.gross_profit,
			gross_loss       = excluded.gross_loss,
			profit_factor    = excluded.profit_factor,
			total_return_pct = excluded.total_return_pct,
			max_drawdown     = excluded.max_drawdown,
			max_drawdown_pct = excluded.max_drawdown_pct,
			sharpe_ratio     = excluded.sharpe_ratio,
			calmar_ratio     = excluded.calmar_ratio,
			total_trades     = excluded.total_trades,
			winning_trades   = excluded.winning_trades,
			losing_trades    = excluded.losing_trades,
			win_rate_pct     = excluded.win_rate_pct,
			avg_win          = excluded.avg_win,
			avg_loss         = excluded.avg_loss,
			payoff_ratio     = excluded.payoff_ratio,
			mean_holding_period_ns = excluded.mean_holding_period_ns
	`, run.ID, report.TotalNetProfit.String(), report.GrossProfit.String(), report.GrossLoss.String(),
		decPtrStr(report.ProfitFactor), report.TotalReturnPct.String(), report.MaxDrawdown.String(),
		report.MaxDrawdownPct.String(), decPtrStr(report.SharpeRatio), decPtrStr(report.CalmarRatio),
		report.TotalTrades, report.WinningTrades, report.LosingTrades, decPtrStr(report.WinRatePct),
		report.AvgWin.String(), report.AvgLoss.String(), decPtrStr(report.PayoffRatio),
		report.MeanHoldingPeriod.Nanoseconds()); err != nil {
		return fmt.Errorf("persistence: save run result: report: %w", err)
	}

	if len(result.Trades) > 0 {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO trades (id, run_id, symbol, entry_json, exit_json) VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("persistence: save run result: prepare trades: %w", err)
		}
		for _, t := range result.Trades {
			entryJSON, err := json.Marshal(t.Entry)
			if err != nil {
				stmt.Close()
				return fmt.Errorf("persistence: save run result: marshal entry: %w", err)
			}
			exitJSON, err := json.Marshal(t.Exit)
			if err != nil {
				stmt.Close()
				return fmt.Errorf("persistence: save run result: marshal exit: %w", err)
			}
			if _, err := stmt.ExecContext(ctx, t.ID, run.ID, t.Symbol, string(entryJSON), string(exitJSON)); err != nil {
				stmt.Close()
				return fmt.Errorf("persistence: save run result: insert trade: %w", err)
			}
		}
		stmt.Close()
	}

	if len(result.EquityCurve) > 0 {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO equity_curve_points (run_id, ts, equity) VALUES (?, ?, ?)
			ON CONFLICT(run_id, ts) DO UPDATE SET equity = excluded.equity`)
		if err != nil {
			return fmt.Errorf("persistence: save run result: prepare equity curve: %w", err)
		}
		for _, p := range result.EquityCurve {
			if _, err := stmt.ExecContext(ctx, run.ID, p.Timestamp, p.Equity.String()); err != nil {
				stmt.Close()
				return fmt.Errorf("persistence: save run result: insert equity point: %w", err)
			}
		}
		stmt.Close()
	}

	return tx.Commit()
}

// InsertWfoJob implements wfo.Store.
func (s *Store) InsertWfoJob(ctx context.Context, job types.WfoJob) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wfo_jobs (id, opt_job_id, is_weeks, oos_weeks, created_at) VALUES (?, ?, ?, ?, ?)
	`, job.ID, job.OptJobID, job.ISWeeks, job.OOSWeeks, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("persistence: insert wfo job: %w", err)
	}
	return nil
}

// InsertWfoRun implements wfo.Store.
func (s *Store) InsertWfoRun(ctx context.Context, run types.WfoRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wfo_runs (id, wfo_job_id, walk_index, params_json, oos_run_id, created_at) VALUES (?, ?, ?, ?, ?, ?)
	`, run.ID, run.WfoJobID, run.WalkIndex, run.ParamsJSON, run.OOSRunID, run.CreatedAt)
	if err != nil {
		return fmt.Errorf("persistence: insert wfo run: %w", err)
	}
	return nil
}

// RunsForJob implements wfo.Store and backs the `analyze` subcommand: every
// completed run of a job, joined with its report.
func (s *Store) RunsForJob(ctx context.Context, jobID string) ([]analyzer.Candidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.job_id, r.params_json, r.status, r.error, r.created_at, r.finished_at,
		       p.total_net_profit, p.gross_profit, p.gross_loss, p.profit_factor, p.total_return_pct,
		       p.max_drawdown, p.max_drawdown_pct, p.sharpe_ratio, p.calmar_ratio, p.total_trades,
		       p.winning_trades, p.losing_trades, p.win_rate_pct, p.avg_win, p.avg_loss, p.payoff_ratio,
		       p.mean_holding_period_ns
		FROM backtest_runs r
		JOIN performance_reports p ON p.run_id = r.id
		WHERE r.job_id = ? AND r.status = ?
	`, jobID, string(types.RunStatusCompleted))
	if err != nil {
		return nil, fmt.Errorf("persistence: runs for job: %w", err)
	}
	defer rows.Close()
	return scanCandidates(rows)
}

// scanCandidates scans the shared backtest_runs JOIN performance_reports
// column set into analyzer.Candidate values, used by RunsForJob and
// runsMatching.
func scanCandidates(rows *sql.Rows) ([]analyzer.Candidate, error) {
	var out []analyzer.Candidate
	for rows.Next() {
		var run types.BacktestRun
		var report types.PerformanceReport
		var status, errStr sql.NullString
		var profitFactor, sharpe, calmar, winRate, payoff sql.NullString
		var totalNetProfit, grossProfit, grossLoss, totalReturnPct, maxDD, maxDDPct, avgWin, avgLoss string
		var meanHoldingNs int64

		if err := rows.Scan(&run.ID, &run.JobID, &run.ParamsJSON, &status, &errStr, &run.CreatedAt, &run.FinishedAt,
			&totalNetProfit, &grossProfit, &grossLoss, &profitFactor, &totalReturnPct, &maxDD, &maxDDPct,
			&sharpe, &calmar, &report.TotalTrades, &report.WinningTrades, &report.LosingTrades, &winRate,
			&avgWin, &avgLoss, &payoff, &meanHoldingNs); err != nil {
			return nil, fmt.Errorf("persistence: scan candidates: %w", err)
		}

		run.Status = types.RunStatus(status.String)
		run.Error = errStr.String
		report.RunID = run.ID
		report.TotalNetProfit = decStr(totalNetProfit)
		report.GrossProfit = decStr(grossProfit)
		report.GrossLoss = decStr(grossLoss)
		report.ProfitFactor = nullDecPtr(profitFactor)
		report.TotalReturnPct = decStr(totalReturnPct)
		report.MaxDrawdown = decStr(maxDD)
		report.MaxDrawdownPct = decStr(maxDDPct)
		report.SharpeRatio = nullDecPtr(sharpe)
		report.CalmarRatio = nullDecPtr(calmar)
		report.WinRatePct = nullDecPtr(winRate)
		report.AvgWin = decStr(avgWin)
		report.AvgLoss = decStr(avgLoss)
		report.PayoffRatio = nullDecPtr(payoff)
		report.MeanHoldingPeriod = time.Duration(meanHoldingNs)

		out = append(out, analyzer.Candidate{Run: run, Report: &report})
	}
	return out, rows.Err()
}

// ListOptimizationJobs backs the `GET /api/v1/jobs` endpoint: every job,
// newest first.
func (s *Store) ListOptimizationJobs(ctx context.Context) ([]types.OptimizationJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, symbol, interval, strategy_id, created_at FROM optimization_jobs ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("persistence: list optimization jobs: %w", err)
	}
	defer rows.Close()

	var out []types.OptimizationJob
	for rows.Next() {
		var job types.OptimizationJob
		var interval string
		if err := rows.Scan(&job.ID, &job.Symbol, &interval, &job.StrategyID, &job.CreatedAt); err != nil {
			return nil, fmt.Errorf("persistence: list optimization jobs: scan: %w", err)
		}
		job.Interval = types.Interval(interval)
		out = append(out, job)
	}
	return out, rows.Err()
}

// RunByID backs the `GET /api/v1/runs/{id}` endpoint: one run plus its
// report. A run with no report row is reported as not found; the run's
// status is not checked.
func (s *Store) RunByID(ctx context.Context, runID string) (*analyzer.Candidate, error) {
	runs, err := s.runsMatching(ctx, `r.id = ?`, runID)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("persistence: run %q not found", runID)
	}
	return &runs[0], nil
}

// WfoRunsForJob backs the `GET /api/v1/wfo/{id}` endpoint: every walk of one WFO
// job, each joined to its out-of-sample run's report.
func (s *Store) WfoRunsForJob(ctx context.Context, wfoJobID string) ([]types.WfoRun, []analyzer.Candidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, wfo_job_id, walk_index, params_json, oos_run_id, created_at
		FROM wfo_runs WHERE wfo_job_id = ? ORDER BY walk_index ASC
	`, wfoJobID)
	if err != nil {
		return nil, nil, fmt.Errorf("persistence: wfo runs for job: %w", err)
	}
	defer rows.Close()

	var walks []types.WfoRun
	var oosRunIDs []string
	for rows.Next() {
		var w types.WfoRun
		if err := rows.Scan(&w.ID, &w.WfoJobID, &w.WalkIndex, &w.ParamsJSON, &w.OOSRunID, &w.CreatedAt); err != nil {
			return nil, nil, fmt.Errorf("persistence: wfo runs for job: scan: %w", err)
		}
		walks = append(walks, w)
		oosRunIDs = append(oosRunIDs, w.OOSRunID)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var candidates []analyzer.Candidate
	for _, runID := range oosRunIDs {
		c, err := s.RunByID(ctx, runID)
		if err != nil {
			continue // OOS run may not have completed yet
		}
		candidates = append(candidates, *c)
	}
	return walks, candidates, nil
}

// runsMatching runs the same backtest_runs JOIN performance_reports query
// as RunsForJob, without its status filter, parameterized by a WHERE clause
// fragment; RunByID uses it.
func (s *Store) runsMatching(ctx context.Context, where string, arg string) ([]analyzer.Candidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.job_id, r.params_json, r.status, r.error, r.created_at, r.finished_at,
		       p.total_net_profit, p.gross_profit, p.gross_loss, p.profit_factor, p.total_return_pct,
		       p.max_drawdown, p.max_drawdown_pct, p.sharpe_ratio, p.calmar_ratio, p.total_trades,
		       p.winning_trades, p.losing_trades, p.win_rate_pct, p.avg_win, p.avg_loss, p.payoff_ratio,
		       p.mean_holding_period_ns
		FROM backtest_runs r
		JOIN performance_reports p ON p.run_id = r.id
		WHERE `+where, arg)
	if err != nil {
		return nil, fmt.Errorf("persistence: runs matching: %w", err)
	}
	defer rows.Close()
	return scanCandidates(rows)
}

func decStr(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func nullDecPtr(ns sql.NullString) *decimal.Decimal {
	if !ns.Valid {
		return nil
	}
	d := decStr(ns.String)
	return &d
}

func decPtrStr(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func timePtrOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
