// Package reconciler implements the source-of-truth auditor of
// SPEC_FULL.md §4.12: a periodic task that treats the exchange as always
// authoritative and overwrites the local portfolio with its state. Grounded
// on internal/orchestrator/orchestrator.go's ticker-loop background-task
// idiom, using golang.org/x/sync/errgroup for the concurrent balance and
// position fetch the teacher does sequentially.
package reconciler

import (
	"context"
	"time"

	"github.com/atlas-desktop/trading-backend/internal/eventbus"
	"github.com/atlas-desktop/trading-backend/internal/exchange"
	"github.com/atlas-desktop/trading-backend/internal/metrics"
	"github.com/atlas-desktop/trading-backend/internal/portfolio"
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultPeriod = 30 * time.Second

// QuoteAsset is the asset whose free balance becomes the portfolio's cash
// figure, per §4.12 step 3.
const QuoteAsset = "USDT"

// Reconciler audits the shared Portfolio against the exchange at a fixed
// period.
type Reconciler struct {
	adapter   exchange.Adapter
	portfolio *portfolio.Portfolio
	bus       *eventbus.Bus
	period    time.Duration
	metrics   *metrics.Registry
	log       *zap.Logger
}

// New constructs a Reconciler. period defaults to 30s if zero.
func New(adapter exchange.Adapter, pf *portfolio.Portfolio, bus *eventbus.Bus, period time.Duration, reg *metrics.Registry, log *zap.Logger) *Reconciler {
	if period <= 0 {
		period = defaultPeriod
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{adapter: adapter, portfolio: pf, bus: bus, period: period, metrics: reg, log: log}
}

// Run ticks at the configured period until ctx is cancelled. A failed pass
// never stops the loop; the next tick retries, per §7's
// "reconciler never exits on a single failed audit".
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Reconcile(ctx); err != nil {
				r.log.Error("reconciler: pass failed", zap.Error(err))
			}
		}
	}
}

// Reconcile performs one audit pass: concurrently fetch balances and
// positions, overwrite the portfolio verbatim, and broadcast the refreshed
// state, per §4.12 steps 1-5.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	var balances []exchange.Balance
	var positions []exchange.ExchangePosition

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		b, err := r.adapter.GetBalances(gctx)
		balances = b
		return err
	})
	g.Go(func() error {
		p, err := r.adapter.GetPositions(gctx)
		positions = p
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	cash := decimal.Zero
	for _, b := range balances {
		if b.Asset == QuoteAsset {
			cash = b.Free
			break
		}
	}

	newPositions := make(map[string]types.Position, len(positions))
	for _, p := range positions {
		newPositions[p.Symbol] = types.Position{
			Symbol: p.Symbol, Side: p.Side, Quantity: p.Quantity, EntryPrice: p.EntryPrice,
		}
	}

	r.recordDivergence(cash, newPositions)

	now := time.Now()
	r.portfolio.Overwrite(cash, newPositions, now)

	if r.metrics != nil {
		r.metrics.ReconcilerRuns.Inc()
	}

	if r.bus != nil {
		r.bus.Publish(eventbus.Message{
			Kind: eventbus.KindPortfolio,
			Portfolio: &eventbus.PortfolioSnapshot{
				Cash: r.portfolio.Cash(), Positions: r.portfolio.Positions(),
			},
		})
	}

	return nil
}

// recordDivergence compares the portfolio's pre-overwrite state against the
// exchange's authoritative figures and counts which fields disagreed, per
// §8 scenario 6. Read-only: it never mutates the portfolio itself.
func (r *Reconciler) recordDivergence(exchangeCash decimal.Decimal, exchangePositions map[string]types.Position) {
	if r.metrics == nil {
		return
	}
	if !r.portfolio.Cash().Equal(exchangeCash) {
		r.metrics.ReconcilerDivergences.WithLabelValues("cash").Inc()
	}
	local := r.portfolio.Positions()
	if len(local) != len(exchangePositions) {
		r.metrics.ReconcilerDivergences.WithLabelValues("position_count").Inc()
		return
	}
	for symbol, exch := range exchangePositions {
		loc, ok := local[symbol]
		if !ok || !loc.Quantity.Equal(exch.Quantity) || !loc.EntryPrice.Equal(exch.EntryPrice) || loc.Side != exch.Side {
			r.metrics.ReconcilerDivergences.WithLabelValues("position:" + symbol).Inc()
		}
	}
}
