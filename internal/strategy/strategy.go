// Package strategy provides the pluggable strategy contract of
// SPEC_FULL.md §4.4 plus a small set of representative strategies.
// Strategy authorship/formula correctness is an explicit Non-goal; these
// exist to exercise the contract, not to be traded as-is.
package strategy

import (
	"errors"
	"fmt"
	"sync"

	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/atlas-desktop/trading-backend/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrStrategyNotFound is returned by the registry when StrategyID is unknown.
var ErrStrategyNotFound = errors.New("strategy: not found")

// ErrInvalidParameters is returned at construction time for bad params.
var ErrInvalidParameters = errors.New("strategy: invalid parameters")

// Strategy is the per-bar evaluation contract. Implementations are
// stateful (they accumulate indicator history across calls) and must
// tolerate a warm-up period by returning nil until they have enough
// history. They must be safe to run one-per-goroutine in the parallel
// optimizer — the simulation core owns each instance exclusively, so no
// internal locking is required as long as one instance is never shared
// across goroutines.
type Strategy interface {
	Evaluate(kline types.Kline) (*types.Signal, error)
}

// Factory constructs a Strategy for a given symbol and parameter blob.
type Factory func(symbol string, params map[string]any) (Strategy, error)

// Registry is a StrategyID-keyed factory registry.
type Registry struct {
	mu    sync.RWMutex
	log   *zap.Logger
	items map[string]Factory
}

// NewRegistry constructs a Registry pre-populated with the built-in
// representative strategies.
func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Registry{log: log, items: make(map[string]Factory)}
	r.Register("momentum", func(symbol string, params map[string]any) (Strategy, error) {
		return newMomentumStrategy(symbol, params, log)
	})
	r.Register("mean_reversion", func(symbol string, params map[string]any) (Strategy, error) {
		return newMeanReversionStrategy(symbol, params, log)
	})
	r.Register("breakout", func(symbol string, params map[string]any) (Strategy, error) {
		return newBreakoutStrategy(symbol, params, log)
	})
	return r
}

// Register adds or replaces a factory under strategyID.
func (r *Registry) Register(strategyID string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[strategyID] = factory
}

// Create builds a Strategy instance, symbol-stamped, from configuration.
func (r *Registry) Create(strategyID, symbol string, params map[string]any) (Strategy, error) {
	r.mu.RLock()
	factory, ok := r.items[strategyID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStrategyNotFound, strategyID)
	}
	return factory(symbol, params)
}

// List returns the registered strategy ids.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.items))
	for id := range r.items {
		ids = append(ids, id)
	}
	return ids
}

func newSignal(symbol string, side types.OrderSide, confidence decimal.Decimal, kline types.Kline) *types.Signal {
	return &types.Signal{
		ID:         utils.GenerateSignalID(),
		Symbol:     symbol,
		Timestamp:  kline.CloseTime,
		Confidence: confidence,
		Template: types.OrderRequest{
			ClientOrderID: utils.GenerateClientOrderID(),
			Symbol:        symbol,
			Side:          side,
			Type:          types.OrderTypeMarket,
			Quantity:      decimal.Zero,
		},
	}
}

func intParam(params map[string]any, key string, def int) int {
	if v, ok := params[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case float64:
			return int(n)
		}
	}
	return def
}

func decimalParam(params map[string]any, key string, def decimal.Decimal) decimal.Decimal {
	if v, ok := params[key]; ok {
		switch n := v.(type) {
		case float64:
			return decimal.NewFromFloat(n)
		case string:
			if d, err := decimal.NewFromString(n); err == nil {
				return d
			}
		}
	}
	return def
}
