// Package analyzer implements the post-hoc scoring of SPEC_FULL.md §4.8:
// hard filters over a completed optimization job's runs, then a weighted
// normalized score used to rank the survivors. Grounded on the teacher's
// threshold-struct viability checker, adapted from a single-run pass/fail
// gate into a multi-run filter-then-rank.
package analyzer

import (
	"sort"

	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/shopspring/decimal"
)

// Thresholds are the analyzer's hard filters, per §4.8.
type Thresholds struct {
	MinTotalTrades    int
	MaxDrawdownPctLimit decimal.Decimal
}

// DefaultThresholds returns conservative default filters.
func DefaultThresholds() Thresholds {
	return Thresholds{MinTotalTrades: 30, MaxDrawdownPctLimit: decimal.NewFromFloat(0.20)}
}

// Weights are the composite score's per-metric weights.
type Weights struct {
	ProfitFactor decimal.Decimal
	Calmar       decimal.Decimal
	Payoff       decimal.Decimal
}

// Candidate is one run's report paired with the run that produced it.
type Candidate struct {
	Run    types.BacktestRun
	Report *types.PerformanceReport
}

// Ranked is a surviving candidate annotated with its composite score.
type Ranked struct {
	Candidate
	Score decimal.Decimal
}

// Rank filters candidates by the hard thresholds, normalizes the remaining
// {profit factor, Calmar, payoff} to [0,1], computes the weighted composite
// score, and returns survivors sorted descending by score. The analyzer
// never re-runs simulations; it is a pure function of already-computed
// reports.
func Rank(candidates []Candidate, thresholds Thresholds, weights Weights) []Ranked {
	survivors := filter(candidates, thresholds)
	if len(survivors) == 0 {
		return nil
	}

	pfNorm := normalizer(survivors, func(c Candidate) (decimal.Decimal, bool) {
		if c.Report.ProfitFactor == nil {
			return decimal.Zero, false
		}
		return *c.Report.ProfitFactor, true
	})
	calmarNorm := normalizer(survivors, func(c Candidate) (decimal.Decimal, bool) {
		if c.Report.CalmarRatio == nil {
			return decimal.Zero, false
		}
		return *c.Report.CalmarRatio, true
	})
	payoffNorm := normalizer(survivors, func(c Candidate) (decimal.Decimal, bool) {
		if c.Report.PayoffRatio == nil {
			return decimal.Zero, false
		}
		return *c.Report.PayoffRatio, true
	})

	ranked := make([]Ranked, len(survivors))
	for i, c := range survivors {
		score := pfNorm(c).Mul(weights.ProfitFactor).
			Add(calmarNorm(c).Mul(weights.Calmar)).
			Add(payoffNorm(c).Mul(weights.Payoff))
		ranked[i] = Ranked{Candidate: c, Score: score}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score.GreaterThan(ranked[j].Score)
	})

	return ranked
}

func filter(candidates []Candidate, thresholds Thresholds) []Candidate {
	var out []Candidate
	for _, c := range candidates {
		if c.Report.TotalTrades < thresholds.MinTotalTrades {
			continue
		}
		if c.Report.MaxDrawdownPct.GreaterThanOrEqual(thresholds.MaxDrawdownPctLimit) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// normalizer closes over the survivor set's min/max for one metric and
// returns a per-candidate [0,1] normalization function. When a candidate's
// metric is undefined (nil pointer), its normalized contribution is zero.
// When min == max across survivors, every defined value normalizes to 1,
// per §4.8.
func normalizer(survivors []Candidate, extract func(Candidate) (decimal.Decimal, bool)) func(Candidate) decimal.Decimal {
	var min, max decimal.Decimal
	first := true
	for _, c := range survivors {
		v, ok := extract(c)
		if !ok {
			continue
		}
		if first {
			min, max = v, v
			first = false
			continue
		}
		if v.LessThan(min) {
			min = v
		}
		if v.GreaterThan(max) {
			max = v
		}
	}

	return func(c Candidate) decimal.Decimal {
		v, ok := extract(c)
		if !ok {
			return decimal.Zero
		}
		if min.Equal(max) {
			return decimal.NewFromInt(1)
		}
		return v.Sub(min).Div(max.Sub(min))
	}
}
