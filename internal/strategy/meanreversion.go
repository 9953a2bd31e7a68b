package strategy

import (
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// meanReversionStrategy signals against large deviations from a simple
// moving average. Grounded on the teacher's MeanReversionStrategy, adapted
// to the Evaluate(kline)->*Signal contract.
type meanReversionStrategy struct {
	symbol     string
	log        *zap.Logger
	period     int
	deviation  decimal.Decimal
	closes     []decimal.Decimal
}

func newMeanReversionStrategy(symbol string, params map[string]any, log *zap.Logger) (Strategy, error) {
	period := intParam(params, "period", 20)
	if period < 2 {
		return nil, ErrInvalidParameters
	}
	return &meanReversionStrategy{
		symbol:    symbol,
		log:       log,
		period:    period,
		deviation: decimalParam(params, "deviation_pct", decimal.NewFromFloat(0.03)),
	}, nil
}

func (s *meanReversionStrategy) Evaluate(kline types.Kline) (*types.Signal, error) {
	s.closes = append(s.closes, kline.Close)
	if len(s.closes) > s.period {
		s.closes = s.closes[len(s.closes)-s.period:]
	}
	if len(s.closes) < s.period {
		return nil, nil // warm-up
	}

	sum := decimal.Zero
	for _, c := range s.closes {
		sum = sum.Add(c)
	}
	mean := sum.Div(decimal.NewFromInt(int64(len(s.closes))))
	if mean.IsZero() {
		return nil, nil
	}
	deviation := kline.Close.Sub(mean).Div(mean)

	switch {
	case deviation.LessThan(s.deviation.Neg()):
		// price fell far below the mean: expect reversion upward
		confidence := decimal.Min(deviation.Abs().Div(s.deviation), decimal.NewFromInt(1))
		return newSignal(s.symbol, types.OrderSideBuy, confidence, kline), nil
	case deviation.GreaterThan(s.deviation):
		confidence := decimal.Min(deviation.Div(s.deviation), decimal.NewFromInt(1))
		return newSignal(s.symbol, types.OrderSideSell, confidence, kline), nil
	default:
		return nil, nil
	}
}
