package analytics

import (
	"math"
	"math/rand"
	"sort"

	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/shopspring/decimal"
)

// MonteCarloConfig parameterizes the resampling enrichment. Seed is
// required, not derived from wall clock, so a run is reproducible.
type MonteCarloConfig struct {
	Iterations    int
	Seed          int64
	RuinThreshold float64 // fraction of starting equity; 0.5 means a 50% loss
}

// RunMonteCarlo resamples a completed run's trade PnLs (bootstrap, with
// replacement) to estimate a distribution of outcomes the single observed
// trade ordering does not reveal. Grounded on the teacher's shuffle-based
// Monte Carlo simulator, adapted to seeded, replacement sampling and merged
// with the standalone simulator variant.
func RunMonteCarlo(trades []types.Trade, cfg MonteCarloConfig) types.MonteCarloResult {
	if len(trades) == 0 {
		return types.MonteCarloResult{}
	}

	iterations := cfg.Iterations
	if iterations <= 0 {
		iterations = 1000
	}
	ruinThreshold := cfg.RuinThreshold
	if ruinThreshold <= 0 {
		ruinThreshold = 0.5
	}

	returns := make([]float64, len(trades))
	for i, t := range trades {
		pnl, _ := t.PnL().Float64()
		returns[i] = pnl
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	n := len(returns)
	finalReturns := make([]float64, iterations)
	maxDrawdowns := make([]float64, iterations)
	ruinCount := 0

	for i := 0; i < iterations; i++ {
		sample := make([]float64, n)
		for j := 0; j < n; j++ {
			sample[j] = returns[rng.Intn(n)]
		}
		total, maxDD, ruined := simulatePath(sample, ruinThreshold)
		finalReturns[i] = total
		maxDrawdowns[i] = maxDD
		if ruined {
			ruinCount++
		}
	}

	sort.Float64s(finalReturns)
	sort.Float64s(maxDrawdowns)

	return types.MonteCarloResult{
		Iterations:      iterations,
		MedianReturn:    decimal.NewFromFloat(percentile(finalReturns, 50)),
		P5Return:        decimal.NewFromFloat(percentile(finalReturns, 5)),
		P95Return:       decimal.NewFromFloat(percentile(finalReturns, 95)),
		ProbabilityRuin: decimal.NewFromFloat(float64(ruinCount) / float64(iterations)),
		MaxDrawdownP95:  decimal.NewFromFloat(percentile(maxDrawdowns, 95)),
	}
}

// simulatePath walks a resampled PnL path starting from equity 1.0 and
// reports the final return, max drawdown, and whether equity ever fell
// through ruinThreshold.
func simulatePath(pnls []float64, ruinThreshold float64) (totalReturn, maxDD float64, ruined bool) {
	equity := 1.0
	peak := equity
	for _, pnl := range pnls {
		equity += pnl
		if equity > peak {
			peak = equity
		}
		if peak > 0 {
			if dd := (peak - equity) / peak; dd > maxDD {
				maxDD = dd
			}
		}
		if equity <= ruinThreshold {
			return equity - 1.0, maxDD, true
		}
	}
	return equity - 1.0, maxDD, false
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	index := (p / 100) * float64(len(sorted)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))
	if lower == upper {
		return sorted[lower]
	}
	weight := index - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}
