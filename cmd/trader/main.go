// Package main is the trader CLI: subcommand dispatch over every
// SPEC_FULL.md §4 component, per §6's "stdlib flag + subcommand dispatch"
// design. Grounded on cmd/server/main.go (teacher)'s flag-parsing and zap
// bootstrap idiom, generalized from one fixed PhD-orchestrator wiring into
// one switch per subcommand, following
// AlejandroRuiz99-polybot/cmd/scanner/main.go's flag-per-mode style since
// neither repo reaches for a CLI framework.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atlas-desktop/trading-backend/internal/analytics"
	"github.com/atlas-desktop/trading-backend/internal/analyzer"
	"github.com/atlas-desktop/trading-backend/internal/api"
	"github.com/atlas-desktop/trading-backend/internal/config"
	"github.com/atlas-desktop/trading-backend/internal/eventbus"
	"github.com/atlas-desktop/trading-backend/internal/exchange"
	"github.com/atlas-desktop/trading-backend/internal/executor"
	"github.com/atlas-desktop/trading-backend/internal/liveengine"
	"github.com/atlas-desktop/trading-backend/internal/metrics"
	"github.com/atlas-desktop/trading-backend/internal/optimizer"
	"github.com/atlas-desktop/trading-backend/internal/persistence"
	"github.com/atlas-desktop/trading-backend/internal/portfolio"
	"github.com/atlas-desktop/trading-backend/internal/portfoliobacktester"
	"github.com/atlas-desktop/trading-backend/internal/reconciler"
	"github.com/atlas-desktop/trading-backend/internal/risk"
	"github.com/atlas-desktop/trading-backend/internal/simulation"
	"github.com/atlas-desktop/trading-backend/internal/strategy"
	"github.com/atlas-desktop/trading-backend/internal/wfo"
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

var subcommands = map[string]func([]string){
	"backfill":      runBackfill,
	"single-run":    runSingleRun,
	"optimize":      runOptimize,
	"analyze":       runAnalyze,
	"wfo":           runWfo,
	"portfolio-run": runPortfolioRun,
	"run":           runLive,
	"serve":         runServe,
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd, ok := subcommands[os.Args[1]]
	if !ok {
		printUsage()
		os.Exit(1)
	}
	cmd(os.Args[2:])
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: trader <backfill|single-run|optimize|analyze|wfo|portfolio-run|run|serve> [flags]")
}

// setupLogger builds a zap.Logger in the teacher's console-encoder style.
func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}
	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey: "time", LevelKey: "level", NameKey: "logger", CallerKey: "caller",
			MessageKey: "msg", StacktraceKey: "stacktrace", LineEnding: zapcore.DefaultLineEnding,
			EncodeLevel: zapcore.CapitalColorLevelEncoder, EncodeTime: zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder, EncodeCaller: zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
	log, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return log
}

func fatalf(log *zap.Logger, msg string, err error) {
	log.Fatal(msg, zap.Error(err))
}

// credentialsFor picks the API.testnet or API.production block by --mode.
func credentialsFor(cfg *types.BaseConfig, mode string) types.APICredentials {
	if mode == "production" || mode == "live" {
		return cfg.API.Production
	}
	return cfg.API.Testnet
}

// runBackfill fetches historical klines month-by-month concurrently via
// errgroup and upserts them idempotently on (symbol, interval, open_time).
func runBackfill(args []string) {
	fs := flag.NewFlagSet("backfill", flag.ExitOnError)
	configPath := fs.String("config", "base.toml", "path to base.toml")
	symbol := fs.String("symbol", "", "symbol to backfill, e.g. BTC/USDT")
	interval := fs.String("interval", "1h", "kline interval")
	months := fs.Int("months", 1, "number of months back from now")
	testnet := fs.Bool("testnet", true, "use testnet credentials")
	fs.Parse(args)

	log := setupLogger("info")
	defer log.Sync()

	cfg, err := config.LoadBase(*configPath)
	if err != nil {
		fatalf(log, "backfill: load config", err)
	}
	if *symbol == "" {
		log.Fatal("backfill: --symbol is required")
	}

	store, err := persistence.Open(cfg.Database.Path, log)
	if err != nil {
		fatalf(log, "backfill: open store", err)
	}
	defer store.Close()

	creds := credentialsFor(cfg, map[bool]string{true: "testnet", false: "production"}[*testnet])
	adapter := exchange.NewBinanceAdapter(exchange.Config{APIKey: creds.APIKey, APISecret: creds.APISecret, Testnet: *testnet}, log)

	end := time.Now().UTC()
	start := end.AddDate(0, -*months, 0)

	g, ctx := errgroup.WithContext(context.Background())
	for chunkStart := start; chunkStart.Before(end); chunkStart = chunkStart.AddDate(0, 1, 0) {
		chunkEnd := chunkStart.AddDate(0, 1, 0)
		if chunkEnd.After(end) {
			chunkEnd = end
		}
		cs, ce := chunkStart, chunkEnd
		g.Go(func() error {
			klines, err := adapter.FetchHistoricalKlines(ctx, *symbol, types.Interval(*interval), cs, ce)
			if err != nil {
				return fmt.Errorf("fetch %s..%s: %w", cs, ce, err)
			}
			return store.UpsertKlines(ctx, klines)
		})
	}
	if err := g.Wait(); err != nil {
		fatalf(log, "backfill: failed", err)
	}
	log.Info("backfill: complete", zap.String("symbol", *symbol), zap.String("interval", *interval), zap.Int("months", *months))
}

// runSingleRun backtests base.toml's [backtest] defaults over previously
// backfilled klines and prints the resulting performance report as JSON.
func runSingleRun(args []string) {
	fs := flag.NewFlagSet("single-run", flag.ExitOnError)
	configPath := fs.String("config", "base.toml", "path to base.toml")
	fs.Parse(args)

	log := setupLogger("info")
	defer log.Sync()

	cfg, err := config.LoadBase(*configPath)
	if err != nil {
		fatalf(log, "single-run: load config", err)
	}

	store, err := persistence.Open(cfg.Database.Path, log)
	if err != nil {
		fatalf(log, "single-run: open store", err)
	}
	defer store.Close()

	ctx := context.Background()
	bt := cfg.Backtest
	klines, err := store.GetKlines(ctx, bt.Symbol, bt.Interval, bt.StartDate, bt.EndDate)
	if err != nil {
		fatalf(log, "single-run: load klines", err)
	}
	if len(klines) == 0 {
		log.Fatal("single-run: no klines in range; run backfill first")
	}

	registry := strategy.NewRegistry(log)
	strat, err := registry.Create(bt.StrategyID, bt.Symbol, bt.Params)
	if err != nil {
		fatalf(log, "single-run: create strategy", err)
	}
	riskMgr, err := risk.NewManager(cfg.Risk.RiskPerTradePct, cfg.Risk.StopLossPct, cfg.Risk.MinOrderSize, cfg.Risk.StepSize, log)
	if err != nil {
		fatalf(log, "single-run: create risk manager", err)
	}
	exec := executor.NewSimulatedExecutor(cfg.Execution.SlippagePct, cfg.Execution.TakerFeePct)

	driver := simulation.New(simulation.Config{
		Symbol: bt.Symbol, Interval: bt.Interval, InitialCapital: bt.InitialCapital, StopLossPct: cfg.Risk.StopLossPct,
	}, strat, riskMgr, exec, log)

	result, err := driver.Run(ctx, klines)
	if err != nil {
		fatalf(log, "single-run: run", err)
	}

	report := analytics.Calculate(uuid.New().String(), result.Trades, result.EquityCurve, bt.InitialCapital, bt.Interval)
	printJSON(report)
}

// runOptimize runs optimizer.toml's parameter sweep against previously
// backfilled klines, persisting every run via internal/persistence.
func runOptimize(args []string) {
	fs := flag.NewFlagSet("optimize", flag.ExitOnError)
	baseConfigPath := fs.String("config", "base.toml", "path to base.toml")
	optConfigPath := fs.String("optimizer-config", "optimizer.toml", "path to optimizer.toml")
	workers := fs.Int("workers", 4, "parallel worker count")
	fs.Parse(args)

	log := setupLogger("info")
	defer log.Sync()

	base, err := config.LoadBase(*baseConfigPath)
	if err != nil {
		fatalf(log, "optimize: load base config", err)
	}
	optCfg, err := config.LoadOptimizer(*optConfigPath)
	if err != nil {
		fatalf(log, "optimize: load optimizer config", err)
	}

	store, err := persistence.Open(base.Database.Path, log)
	if err != nil {
		fatalf(log, "optimize: open store", err)
	}
	defer store.Close()

	ctx := context.Background()
	klines, err := store.GetKlines(ctx, optCfg.Symbol, optCfg.Interval, base.Backtest.StartDate, base.Backtest.EndDate)
	if err != nil {
		fatalf(log, "optimize: load klines", err)
	}
	if len(klines) == 0 {
		log.Fatal("optimize: no klines in range; run backfill first")
	}

	registry := strategy.NewRegistry(log)
	reg := metrics.NewRegistry(nil)

	paramNames := make([]string, 0, len(optCfg.Params))
	for name := range optCfg.Params {
		paramNames = append(paramNames, name)
	}

	opt := optimizer.New(optimizer.Config{
		Symbol: optCfg.Symbol, Interval: optCfg.Interval, StrategyID: optCfg.StrategyID,
		InitialCapital: base.Backtest.InitialCapital, StopLossPct: base.Risk.StopLossPct,
		RiskPerTradePct: base.Risk.RiskPerTradePct, MinOrderSize: base.Risk.MinOrderSize, StepSize: base.Risk.StepSize,
		SlippagePct: base.Execution.SlippagePct, TakerFeePct: base.Execution.TakerFeePct, NumWorkers: *workers,
	}, registry, store, klines, log, reg)

	jobID, err := opt.Run(ctx, paramNames, optCfg.Params)
	if err != nil {
		fatalf(log, "optimize: run", err)
	}
	log.Info("optimize: job complete", zap.String("job_id", jobID))
	fmt.Println(jobID)
}

// runAnalyze filters and ranks one optimization job's completed runs.
func runAnalyze(args []string) {
	fs := flag.NewFlagSet("analyze", flag.ExitOnError)
	baseConfigPath := fs.String("config", "base.toml", "path to base.toml")
	optConfigPath := fs.String("optimizer-config", "optimizer.toml", "path to optimizer.toml")
	jobID := fs.String("job", "", "optimization job id to analyze")
	top := fs.Int("top", 10, "number of ranked candidates to print")
	fs.Parse(args)

	log := setupLogger("info")
	defer log.Sync()

	if *jobID == "" {
		log.Fatal("analyze: --job is required")
	}

	base, err := config.LoadBase(*baseConfigPath)
	if err != nil {
		fatalf(log, "analyze: load base config", err)
	}
	optCfg, err := config.LoadOptimizer(*optConfigPath)
	if err != nil {
		fatalf(log, "analyze: load optimizer config", err)
	}

	store, err := persistence.Open(base.Database.Path, log)
	if err != nil {
		fatalf(log, "analyze: open store", err)
	}
	defer store.Close()

	candidates, err := store.RunsForJob(context.Background(), *jobID)
	if err != nil {
		fatalf(log, "analyze: load runs", err)
	}

	thresholds := analyzer.Thresholds{
		MinTotalTrades: optCfg.Analysis.MinTotalTrades, MaxDrawdownPctLimit: optCfg.Analysis.MaxDrawdownPct,
	}
	weights := analyzer.Weights{
		ProfitFactor: optCfg.Analysis.WeightProfitFactor, Calmar: optCfg.Analysis.WeightCalmar, Payoff: optCfg.Analysis.WeightPayoff,
	}
	ranked := analyzer.Rank(candidates, thresholds, weights)
	if len(ranked) > *top {
		ranked = ranked[:*top]
	}
	printRankedTable(ranked)
}

// printRankedTable renders analyzer.Rank's survivors as a ranked table,
// one row per candidate, widest-first by composite score.
func printRankedTable(ranked []analyzer.Ranked) {
	if len(ranked) == 0 {
		fmt.Println("no candidates survived the thresholds")
		return
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("#", "Run ID", "Score", "Profit Factor", "Calmar", "Payoff", "Max DD %", "Trades")
	for i, r := range ranked {
		table.Append(
			fmt.Sprintf("%d", i+1),
			r.Run.ID,
			r.Score.StringFixed(4),
			decimalOrDash(r.Report.ProfitFactor),
			decimalOrDash(r.Report.CalmarRatio),
			decimalOrDash(r.Report.PayoffRatio),
			r.Report.MaxDrawdownPct.StringFixed(2),
			fmt.Sprintf("%d", r.Report.TotalTrades),
		)
	}
	table.Render()
}

func decimalOrDash(d *decimal.Decimal) string {
	if d == nil {
		return "-"
	}
	return d.StringFixed(4)
}

// runWfo runs optimizer.toml's walk-forward windows over a full kline span.
func runWfo(args []string) {
	fs := flag.NewFlagSet("wfo", flag.ExitOnError)
	baseConfigPath := fs.String("config", "base.toml", "path to base.toml")
	optConfigPath := fs.String("optimizer-config", "optimizer.toml", "path to optimizer.toml")
	fs.Parse(args)

	log := setupLogger("info")
	defer log.Sync()

	base, err := config.LoadBase(*baseConfigPath)
	if err != nil {
		fatalf(log, "wfo: load base config", err)
	}
	optCfg, err := config.LoadOptimizer(*optConfigPath)
	if err != nil {
		fatalf(log, "wfo: load optimizer config", err)
	}
	if !optCfg.WFO.Enabled {
		log.Fatal("wfo: [wfo] section is not enabled in optimizer.toml")
	}

	store, err := persistence.Open(base.Database.Path, log)
	if err != nil {
		fatalf(log, "wfo: open store", err)
	}
	defer store.Close()

	ctx := context.Background()
	klines, err := store.GetKlines(ctx, optCfg.Symbol, optCfg.Interval, base.Backtest.StartDate, base.Backtest.EndDate)
	if err != nil {
		fatalf(log, "wfo: load klines", err)
	}
	if len(klines) == 0 {
		log.Fatal("wfo: no klines in range; run backfill first")
	}

	registry := strategy.NewRegistry(log)
	reg := metrics.NewRegistry(nil)

	paramNames := make([]string, 0, len(optCfg.Params))
	for name := range optCfg.Params {
		paramNames = append(paramNames, name)
	}

	wfoOpt := wfo.New(wfo.Config{
		Optimizer: optimizer.Config{
			Symbol: optCfg.Symbol, Interval: optCfg.Interval, StrategyID: optCfg.StrategyID,
			InitialCapital: base.Backtest.InitialCapital, StopLossPct: base.Risk.StopLossPct,
			RiskPerTradePct: base.Risk.RiskPerTradePct, MinOrderSize: base.Risk.MinOrderSize, StepSize: base.Risk.StepSize,
			SlippagePct: base.Execution.SlippagePct, TakerFeePct: base.Execution.TakerFeePct, NumWorkers: 4,
		},
		Thresholds: analyzer.Thresholds{MinTotalTrades: optCfg.Analysis.MinTotalTrades, MaxDrawdownPctLimit: optCfg.Analysis.MaxDrawdownPct},
		Weights: analyzer.Weights{
			ProfitFactor: optCfg.Analysis.WeightProfitFactor, Calmar: optCfg.Analysis.WeightCalmar, Payoff: optCfg.Analysis.WeightPayoff,
		},
	}, registry, store, log, reg)

	wfoJobID, err := wfoOpt.Run(ctx, klines, optCfg.WFO.ISWeeks, optCfg.WFO.OOSWeeks, paramNames, optCfg.Params)
	if err != nil {
		fatalf(log, "wfo: run", err)
	}
	log.Info("wfo: job complete", zap.String("wfo_job_id", wfoJobID))
	fmt.Println(wfoJobID)
}

// runPortfolioRun backtests portfolio.toml's bots together over one shared
// Portfolio, fetching each symbol's klines from the persisted cache.
func runPortfolioRun(args []string) {
	fs := flag.NewFlagSet("portfolio-run", flag.ExitOnError)
	baseConfigPath := fs.String("config", "base.toml", "path to base.toml")
	portfolioConfigPath := fs.String("portfolio-config", "portfolio.toml", "path to portfolio.toml")
	fs.Parse(args)

	log := setupLogger("info")
	defer log.Sync()

	base, err := config.LoadBase(*baseConfigPath)
	if err != nil {
		fatalf(log, "portfolio-run: load base config", err)
	}
	pfCfg, err := config.LoadPortfolio(*portfolioConfigPath)
	if err != nil {
		fatalf(log, "portfolio-run: load portfolio config", err)
	}

	store, err := persistence.Open(base.Database.Path, log)
	if err != nil {
		fatalf(log, "portfolio-run: open store", err)
	}
	defer store.Close()

	symbols := make([]portfoliobacktester.SymbolConfig, 0, len(pfCfg.Bots))
	for _, b := range pfCfg.Bots {
		if !b.Enabled {
			continue
		}
		symbols = append(symbols, portfoliobacktester.SymbolConfig{
			Symbol: b.Symbol, StrategyID: b.StrategyID, Params: b.Params, StopLossPct: base.Risk.StopLossPct,
		})
	}

	bt, err := portfoliobacktester.New(portfoliobacktester.Config{
		Interval: base.Backtest.Interval, InitialCapital: base.Backtest.InitialCapital,
		RiskPerTradePct: base.Risk.RiskPerTradePct, MinOrderSize: base.Risk.MinOrderSize, StepSize: base.Risk.StepSize,
		SlippagePct: base.Execution.SlippagePct, TakerFeePct: base.Execution.TakerFeePct, Symbols: symbols,
	}, strategy.NewRegistry(log), log)
	if err != nil {
		fatalf(log, "portfolio-run: construct backtester", err)
	}

	ctx := context.Background()
	klinesBySymbol, err := bt.FetchAll(ctx, func(ctx context.Context, symbol string, interval types.Interval) ([]types.Kline, error) {
		return store.GetKlines(ctx, symbol, interval, base.Backtest.StartDate, base.Backtest.EndDate)
	})
	if err != nil {
		fatalf(log, "portfolio-run: fetch klines", err)
	}

	result, err := bt.Run(ctx, klinesBySymbol)
	if err != nil {
		fatalf(log, "portfolio-run: run", err)
	}
	report := analytics.Calculate(uuid.New().String(), result.Trades, result.EquityCurve, base.Backtest.InitialCapital, base.Backtest.Interval)
	printJSON(report)
}

// runLive drives the live trading engine from live.toml. --mode=live is
// gated on live_trading_enabled plus an interactive countdown; any other
// mode runs against testnet/paper credentials with no confirmation.
func runLive(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	baseConfigPath := fs.String("config", "base.toml", "path to base.toml")
	liveConfigPath := fs.String("live-config", "live.toml", "path to live.toml")
	mode := fs.String("mode", "paper", "paper|testnet|live")
	fs.Parse(args)

	log := setupLogger("info")
	defer log.Sync()

	if *mode != "paper" && *mode != "testnet" && *mode != "live" {
		log.Fatal("run: --mode must be paper, testnet, or live")
	}

	base, err := config.LoadBase(*baseConfigPath)
	if err != nil {
		fatalf(log, "run: load base config", err)
	}
	liveCfg, err := config.LoadLive(*liveConfigPath)
	if err != nil {
		fatalf(log, "run: load live config", err)
	}

	if *mode == "live" {
		if !liveCfg.LiveTradingEnabled {
			log.Fatal("run: --mode=live requires live_trading_enabled=true in live.toml")
		}
		if !confirmLiveTrading(os.Stdin, os.Stdout, 10*time.Second) {
			log.Fatal("run: live trading confirmation timed out or was declined")
		}
	}

	store, err := persistence.Open(base.Database.Path, log)
	if err != nil {
		fatalf(log, "run: open store", err)
	}
	defer store.Close()

	creds := credentialsFor(base, *mode)
	adapter := exchange.NewBinanceAdapter(exchange.Config{APIKey: creds.APIKey, APISecret: creds.APISecret, Testnet: *mode != "live"}, log)

	bus := eventbus.New(0, nil, log)
	reg := metrics.NewRegistry(nil)
	pf := portfolio.New(base.Backtest.InitialCapital, log)

	var exec executor.Executor
	if *mode == "paper" {
		exec = executor.NewSimulatedExecutor(base.Execution.SlippagePct, base.Execution.TakerFeePct)
	} else if base.Execution.OrderType == "limit" {
		exec = executor.NewLimitOrderExecutor(adapter, base.Execution.TickSize, base.Execution.StepSize, log)
	} else {
		exec = executor.NewLiveExecutor(adapter, log)
	}

	bots := make([]liveengine.BotConfig, 0, len(liveCfg.Bots))
	for _, b := range liveCfg.Bots {
		if !b.Enabled {
			continue
		}
		bots = append(bots, liveengine.BotConfig{
			Symbol: b.Symbol, StrategyID: b.StrategyID, Interval: b.Interval, Leverage: b.Leverage,
			Params: b.Params, StopLossPct: base.Risk.StopLossPct,
		})
	}

	engine, err := liveengine.New(liveengine.Config{
		Bots: bots, RiskPerTradePct: base.Risk.RiskPerTradePct, MinOrderSize: base.Risk.MinOrderSize,
		StepSize: base.Risk.StepSize, BroadcastKlines: liveCfg.BroadcastKlines,
	}, strategy.NewRegistry(log), adapter, exec, pf, bus, reg, log)
	if err != nil {
		fatalf(log, "run: construct live engine", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := engine.Init(ctx); err != nil {
		fatalf(log, "run: init", err)
	}

	rec := reconciler.New(adapter, pf, bus, liveCfg.ReconcilePeriod, reg, log)
	engine.WireReconciler(rec)
	go rec.Run(ctx)

	if err := engine.Subscribe(ctx); err != nil {
		fatalf(log, "run: subscribe", err)
	}

	go func() {
		if err := engine.Run(ctx); err != nil {
			log.Error("run: engine stopped", zap.Error(err))
		}
	}()

	waitForSignal(log)
	cancel()
}

// confirmLiveTrading prompts for an explicit "yes" within timeout before
// live trading is allowed to start, per §6's interactive countdown.
func confirmLiveTrading(in *os.File, out *os.File, timeout time.Duration) bool {
	fmt.Fprintf(out, "LIVE TRADING requested. Type 'yes' within %s to continue: ", timeout)
	answer := make(chan string, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		if scanner.Scan() {
			answer <- scanner.Text()
		}
	}()
	select {
	case a := <-answer:
		return a == "yes"
	case <-time.After(timeout):
		return false
	}
}

// runServe starts the read-only HTTP/WS API peripheral.
func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	baseConfigPath := fs.String("config", "base.toml", "path to base.toml")
	addr := fs.String("addr", "", "override [server].addr from base.toml")
	fs.Parse(args)

	log := setupLogger("info")
	defer log.Sync()

	base, err := config.LoadBase(*baseConfigPath)
	if err != nil {
		fatalf(log, "serve: load base config", err)
	}
	serverCfg, err := config.LoadServer(*baseConfigPath)
	if err != nil {
		fatalf(log, "serve: load server config", err)
	}
	if *addr != "" {
		serverCfg.Addr = *addr
	}

	store, err := persistence.Open(base.Database.Path, log)
	if err != nil {
		fatalf(log, "serve: open store", err)
	}
	defer store.Close()

	bus := eventbus.New(0, nil, log)
	// Registered with the default registerer, which promhttp.Handler serves
	// on /metrics.
	reg := metrics.NewRegistry(prometheus.DefaultRegisterer)
	server := api.NewServer(log, serverCfg, store, bus, reg)

	go func() {
		if err := server.Start(); err != nil {
			log.Error("serve: server error", zap.Error(err))
		}
	}()

	waitForSignal(log)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Error("serve: shutdown error", zap.Error(err))
	}
}

func waitForSignal(log *zap.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info("shutdown signal received")
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
