// Package liveengine implements the cooperatively concurrent live trading
// loop of SPEC_FULL.md §4.11, grounded on
// internal/orchestrator/orchestrator.go's goroutine+ticker+ctx.Done() idiom
// for task lifecycle and internal/data/market_data.go's reconnect-monitor
// pattern (reconnection itself lives one layer down, in
// internal/exchange.BinanceAdapter.streamLoop; this package only consumes
// the already-resilient stream channels).
package liveengine

import (
	"context"
	"fmt"
	"time"

	"github.com/atlas-desktop/trading-backend/internal/eventbus"
	"github.com/atlas-desktop/trading-backend/internal/exchange"
	"github.com/atlas-desktop/trading-backend/internal/executor"
	"github.com/atlas-desktop/trading-backend/internal/metrics"
	"github.com/atlas-desktop/trading-backend/internal/portfolio"
	"github.com/atlas-desktop/trading-backend/internal/reconciler"
	"github.com/atlas-desktop/trading-backend/internal/risk"
	"github.com/atlas-desktop/trading-backend/internal/strategy"
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// BotConfig describes one configured bot from live.toml's `[[bots]]` array.
type BotConfig struct {
	Symbol      string
	StrategyID  string
	Interval    types.Interval
	Leverage    int
	Params      map[string]any
	StopLossPct decimal.Decimal
}

// Config parameterizes a live Engine.
type Config struct {
	Bots            []BotConfig
	RiskPerTradePct decimal.Decimal
	MinOrderSize    decimal.Decimal
	StepSize        decimal.Decimal
	BroadcastKlines bool
}

// liveEventKind tags the fan-in channel's tagged-union payload.
type liveEventKind int

const (
	eventKindBookTicker liveEventKind = iota
	eventKindMarkPrice
	eventKindKline
)

// liveEvent is the LiveEvent variant of §4.11's main loop: exactly one of
// the three pointer fields is populated, matching the kind tag.
type liveEvent struct {
	kind       liveEventKind
	bookTicker *exchange.BookTicker
	markPrice  *exchange.MarkPrice
	kline      *types.Kline
}

// bot is a configured bot's runtime state: its strategy, dedicated risk
// manager (stopLossPct is baked in at construction, per internal/risk's
// contract), and mutable market view.
type bot struct {
	cfg    BotConfig
	strat  strategy.Strategy
	risk   *risk.Manager
	market *types.MarketState
}

// Engine is the live trading loop. One Engine runs one exchange connection
// across all configured bots.
type Engine struct {
	adapter   exchange.Adapter
	executor  executor.Executor
	portfolio *portfolio.Portfolio
	bus       *eventbus.Bus
	metrics   *metrics.Registry
	log       *zap.Logger

	bots            map[string]*bot
	broadcastKlines bool
	reconcileNow    func(context.Context) error

	events chan liveEvent
}

// New constructs an Engine. Strategies are created from cfg.Bots via
// registry; leverage is not set here (New does no network I/O) — callers
// invoke Init for that.
func New(cfg Config, registry *strategy.Registry, adapter exchange.Adapter, exec executor.Executor, pf *portfolio.Portfolio, bus *eventbus.Bus, reg *metrics.Registry, log *zap.Logger) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if len(cfg.Bots) == 0 {
		return nil, fmt.Errorf("liveengine: at least one bot is required")
	}

	bots := make(map[string]*bot, len(cfg.Bots))
	for _, bc := range cfg.Bots {
		strat, err := registry.Create(bc.StrategyID, bc.Symbol, bc.Params)
		if err != nil {
			return nil, fmt.Errorf("liveengine: bot %s: create strategy: %w", bc.Symbol, err)
		}
		mgr, err := risk.NewManager(cfg.RiskPerTradePct, bc.StopLossPct, cfg.MinOrderSize, cfg.StepSize, log)
		if err != nil {
			return nil, fmt.Errorf("liveengine: bot %s: create risk manager: %w", bc.Symbol, err)
		}
		bots[bc.Symbol] = &bot{
			cfg:    bc,
			strat:  strat,
			risk:   mgr,
			market: &types.MarketState{Symbol: bc.Symbol},
		}
	}

	return &Engine{
		adapter:         adapter,
		executor:        exec,
		portfolio:       pf,
		bus:             bus,
		metrics:         reg,
		log:             log,
		bots:            bots,
		broadcastKlines: cfg.BroadcastKlines,
		events:          make(chan liveEvent, 10000),
	}, nil
}

// Init performs §4.11's initialization steps 1-3: rebuild the portfolio from
// the exchange's authoritative balances/positions and set per-symbol
// leverage. Step 4 (spawn the reconciler) and step 5 (subscribe to streams)
// are the caller's responsibility via Reconciler and Run, so tests can
// control their lifetimes independently.
func (e *Engine) Init(ctx context.Context) error {
	balances, err := e.adapter.GetBalances(ctx)
	if err != nil {
		return fmt.Errorf("liveengine: init: get balances: %w", err)
	}
	positions, err := e.adapter.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("liveengine: init: get positions: %w", err)
	}

	cash := decimal.Zero
	for _, b := range balances {
		if b.Asset == reconciler.QuoteAsset {
			cash = b.Free
			break
		}
	}
	newPositions := make(map[string]types.Position, len(positions))
	for _, p := range positions {
		newPositions[p.Symbol] = types.Position{Symbol: p.Symbol, Side: p.Side, Quantity: p.Quantity, EntryPrice: p.EntryPrice}
	}
	e.portfolio.Overwrite(cash, newPositions, time.Now())

	for symbol, b := range e.bots {
		if b.cfg.Leverage <= 0 {
			continue
		}
		if err := e.adapter.SetLeverage(ctx, symbol, b.cfg.Leverage); err != nil {
			return fmt.Errorf("liveengine: init: set leverage for %s: %w", symbol, err)
		}
	}
	return nil
}

// Subscribe opens the three stream families of §4.11 step 5 and starts
// forwarding typed events into the engine's fan-in channel. Each stream runs
// in its own goroutine; reconnection is handled beneath this layer by the
// adapter itself.
func (e *Engine) Subscribe(ctx context.Context) error {
	byInterval := make(map[types.Interval][]string)
	var allSymbols []string
	for symbol, b := range e.bots {
		byInterval[b.cfg.Interval] = append(byInterval[b.cfg.Interval], symbol)
		allSymbols = append(allSymbols, symbol)
	}

	for interval, symbols := range byInterval {
		klines, err := e.adapter.SubscribeKlines(ctx, symbols, interval)
		if err != nil {
			return fmt.Errorf("liveengine: subscribe klines (%s): %w", interval, err)
		}
		go func(ch <-chan types.Kline) {
			for k := range ch {
				k := k
				select {
				case e.events <- liveEvent{kind: eventKindKline, kline: &k}:
				case <-ctx.Done():
					return
				}
			}
		}(klines)
	}

	bookTickers, err := e.adapter.SubscribeBookTicker(ctx, allSymbols)
	if err != nil {
		return fmt.Errorf("liveengine: subscribe book ticker: %w", err)
	}
	go func() {
		for bt := range bookTickers {
			bt := bt
			select {
			case e.events <- liveEvent{kind: eventKindBookTicker, bookTicker: &bt}:
			case <-ctx.Done():
				return
			}
		}
	}()

	markPrices, err := e.adapter.SubscribeMarkPrice(ctx, allSymbols)
	if err != nil {
		return fmt.Errorf("liveengine: subscribe mark price: %w", err)
	}
	go func() {
		for mp := range markPrices {
			mp := mp
			select {
			case e.events <- liveEvent{kind: eventKindMarkPrice, markPrice: &mp}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// WireReconciler gives the engine a way to trigger an out-of-cycle
// reconciliation pass after an optimistic apply, per §4.11 step 5's
// "request an immediate reconciler pass". Step 4's own periodic goroutine
// (`go rec.Run(ctx)`) is started by the caller alongside Run; this only
// wires the on-demand trigger.
func (e *Engine) WireReconciler(rec *reconciler.Reconciler) {
	e.reconcileNow = rec.Reconcile
}

// Run is the single-threaded cooperative main loop: it receives the next
// LiveEvent and routes it, per §4.11's Main loop section. It returns when
// the fan-in channel closes or ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-e.events:
			if !ok {
				return nil
			}
			e.route(ctx, ev)
		}
	}
}

func (e *Engine) route(ctx context.Context, ev liveEvent) {
	switch ev.kind {
	case eventKindBookTicker:
		b, ok := e.bots[ev.bookTicker.Symbol]
		if !ok {
			return
		}
		b.market.BestBid = ev.bookTicker.BidPrice
		b.market.BestAsk = ev.bookTicker.AskPrice

	case eventKindMarkPrice:
		b, ok := e.bots[ev.markPrice.Symbol]
		if !ok {
			return
		}
		b.market.MarkPrice = ev.markPrice.Price

	case eventKindKline:
		b, ok := e.bots[ev.kline.Symbol]
		if !ok {
			return
		}
		b.market.LastKline = ev.kline
		e.handleKline(ctx, b, *ev.kline)
	}
}

// handleKline is the trading path, §4.11 Main loop "Kline" steps 1-6. Every
// failure is logged and absorbed here; per §7's live-engine policy, no
// single bot's error may stop the loop.
func (e *Engine) handleKline(ctx context.Context, b *bot, kline types.Kline) {
	if e.broadcastKlines {
		e.publishKline(kline)
	}

	signal, err := b.strat.Evaluate(kline)
	if err != nil {
		e.log.Error("liveengine: strategy evaluation failed", zap.String("symbol", kline.Symbol), zap.Error(err))
		e.publishLog("error", fmt.Sprintf("strategy error on %s: %v", kline.Symbol, err), kline.Symbol)
		return
	}
	if signal == nil {
		return
	}

	equity, err := e.portfolio.TotalEquity(e.markPrices())
	if err != nil {
		e.log.Error("liveengine: equity snapshot failed", zap.String("symbol", kline.Symbol), zap.Error(err))
		return
	}
	pos := e.portfolio.Position(kline.Symbol)
	state := risk.PortfolioState{Equity: equity, Cash: e.portfolio.Cash(), Position: pos}

	order, err := b.risk.EvaluateSignal(*signal, state, kline.Close)
	if err != nil {
		e.log.Info("liveengine: risk manager rejected signal", zap.String("symbol", kline.Symbol), zap.Error(err))
		e.publishLog("warn", fmt.Sprintf("risk rejected signal on %s: %v", kline.Symbol, err), kline.Symbol)
		return
	}

	var bestBid, bestAsk *decimal.Decimal
	if !b.market.BestBid.IsZero() {
		bid := b.market.BestBid
		bestBid = &bid
	}
	if !b.market.BestAsk.IsZero() {
		ask := b.market.BestAsk
		bestAsk = &ask
	}

	exec, err := e.executor.Execute(ctx, *order, kline, bestBid, bestAsk)
	if err != nil {
		e.log.Error("liveengine: execution failed", zap.String("symbol", kline.Symbol), zap.Error(err))
		e.publishLog("error", fmt.Sprintf("execution failed on %s: %v", kline.Symbol, err), kline.Symbol)
		return
	}

	if err := e.portfolio.ApplyExecution(exec); err != nil {
		e.log.Error("liveengine: optimistic apply failed", zap.String("symbol", kline.Symbol), zap.Error(err))
		return
	}
	e.publishPortfolio()
	e.publishTrade(exec)

	// Request an immediate reconciliation pass so the optimistic apply is
	// confirmed (or corrected) against the exchange without waiting for the
	// next periodic tick.
	if e.reconcileNow != nil {
		if err := e.reconcileNow(ctx); err != nil {
			e.log.Warn("liveengine: immediate reconcile pass failed", zap.Error(err))
		}
		e.publishPortfolio()
	}
}

func (e *Engine) markPrices() map[string]decimal.Decimal {
	prices := make(map[string]decimal.Decimal, len(e.bots))
	for symbol, b := range e.bots {
		if b.market.LastKline != nil {
			prices[symbol] = b.market.LastKline.Close
		} else if !b.market.MarkPrice.IsZero() {
			prices[symbol] = b.market.MarkPrice
		}
	}
	return prices
}

func (e *Engine) publishLog(severity, message, symbol string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Message{
		Kind: eventbus.KindLog,
		Log:  &eventbus.LogPayload{Severity: severity, Message: message, Symbol: symbol},
	})
}

func (e *Engine) publishKline(kline types.Kline) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Message{
		Kind:  eventbus.KindKline,
		Kline: &eventbus.KlineData{Symbol: kline.Symbol, Kline: kline},
	})
}

func (e *Engine) publishPortfolio() {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Message{
		Kind:      eventbus.KindPortfolio,
		Portfolio: &eventbus.PortfolioSnapshot{Cash: e.portfolio.Cash(), Positions: e.portfolio.Positions()},
	})
}

func (e *Engine) publishTrade(exec types.Execution) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Message{
		Kind:  eventbus.KindTrade,
		Trade: &types.Trade{ID: exec.ID, Symbol: exec.Symbol, Entry: exec},
	})
}
