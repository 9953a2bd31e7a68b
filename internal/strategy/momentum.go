package strategy

import (
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// momentumStrategy trades the rate of change of close price over a lookback
// period. Grounded on the teacher's MomentumStrategy (internal/strategy
// before this rewrite), adapted to the Evaluate(kline)->*Signal contract.
type momentumStrategy struct {
	symbol    string
	log       *zap.Logger
	period    int
	threshold decimal.Decimal
	closes    []decimal.Decimal
}

func newMomentumStrategy(symbol string, params map[string]any, log *zap.Logger) (Strategy, error) {
	period := intParam(params, "period", 14)
	if period < 2 {
		return nil, ErrInvalidParameters
	}
	return &momentumStrategy{
		symbol:    symbol,
		log:       log,
		period:    period,
		threshold: decimalParam(params, "threshold", decimal.NewFromFloat(0.02)),
	}, nil
}

func (s *momentumStrategy) Evaluate(kline types.Kline) (*types.Signal, error) {
	s.closes = append(s.closes, kline.Close)
	if len(s.closes) > s.period+1 {
		s.closes = s.closes[len(s.closes)-(s.period+1):]
	}
	if len(s.closes) <= s.period {
		return nil, nil // warm-up
	}

	past := s.closes[0]
	if past.IsZero() {
		return nil, nil
	}
	momentum := kline.Close.Sub(past).Div(past)

	switch {
	case momentum.GreaterThan(s.threshold):
		confidence := decimal.Min(momentum.Div(s.threshold), decimal.NewFromInt(1))
		return newSignal(s.symbol, types.OrderSideBuy, confidence, kline), nil
	case momentum.LessThan(s.threshold.Neg()):
		confidence := decimal.Min(momentum.Abs().Div(s.threshold), decimal.NewFromInt(1))
		return newSignal(s.symbol, types.OrderSideSell, confidence, kline), nil
	default:
		return nil, nil
	}
}
