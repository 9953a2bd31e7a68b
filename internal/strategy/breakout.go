package strategy

import (
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// breakoutStrategy signals when the close breaks above/below the prior
// N-bar high/low range. Grounded on the teacher's BreakoutStrategy, adapted
// to the Evaluate(kline)->*Signal contract.
type breakoutStrategy struct {
	symbol   string
	log      *zap.Logger
	period   int
	highs    []decimal.Decimal
	lows     []decimal.Decimal
}

func newBreakoutStrategy(symbol string, params map[string]any, log *zap.Logger) (Strategy, error) {
	period := intParam(params, "period", 20)
	if period < 2 {
		return nil, ErrInvalidParameters
	}
	return &breakoutStrategy{symbol: symbol, log: log, period: period}, nil
}

func (s *breakoutStrategy) Evaluate(kline types.Kline) (*types.Signal, error) {
	priorHigh, priorLow, ready := s.priorRange()

	s.highs = append(s.highs, kline.High)
	s.lows = append(s.lows, kline.Low)
	if len(s.highs) > s.period {
		s.highs = s.highs[len(s.highs)-s.period:]
		s.lows = s.lows[len(s.lows)-s.period:]
	}

	if !ready {
		return nil, nil // warm-up
	}

	switch {
	case kline.Close.GreaterThan(priorHigh):
		return newSignal(s.symbol, types.OrderSideBuy, decimal.NewFromInt(1), kline), nil
	case kline.Close.LessThan(priorLow):
		return newSignal(s.symbol, types.OrderSideSell, decimal.NewFromInt(1), kline), nil
	default:
		return nil, nil
	}
}

func (s *breakoutStrategy) priorRange() (high, low decimal.Decimal, ready bool) {
	if len(s.highs) < s.period {
		return decimal.Zero, decimal.Zero, false
	}
	high, low = s.highs[0], s.lows[0]
	for i := 1; i < len(s.highs); i++ {
		high = decimal.Max(high, s.highs[i])
		low = decimal.Min(low, s.lows[i])
	}
	return high, low, true
}
