package ledger

import (
	"context"
	"math"
	"sort"

	"github.com/scottgal/lucidrag-sub005/internal/model"
)

const (
	strategyHalfLifeHours = 7.0 * 24.0
	strategyMinSamples    = 3
)

// StrategyScore is the decay-weighted acceptance rate of one preprocessing
// strategy within a scope.
type StrategyScore struct {
	Strategy string  `json:"strategy"`
	Score    float64 `json:"score"`
	Samples  int     `json:"samples"`
}

// #region best-strategy

// RankStrategies scores every strategy label seen on annotated records of a
// scope. Each verdict is weighted by exp(-age/7d). Strategies with fewer than
// three verdicts are left out. Highest score first.
func (l *Ledger) RankStrategies(ctx context.Context, contentType, goal string) ([]StrategyScore, error) {
	recs, err := l.Query(ctx, model.LedgerFilter{ContentType: contentType, Goal: goal})
	if err != nil {
		return nil, err
	}

	type accum struct {
		weightedSum float64
		totalWeight float64
		count       int
	}
	now := l.now()
	byStrategy := make(map[string]*accum)
	for _, rec := range recs {
		if rec.Strategy == "" || rec.Outcome == model.OutcomePending {
			continue
		}
		ageHours := math.Max(0, now.Sub(rec.Timestamp).Hours())
		weight := math.Exp(-ageHours / strategyHalfLifeHours)
		a, ok := byStrategy[rec.Strategy]
		if !ok {
			a = &accum{}
			byStrategy[rec.Strategy] = a
		}
		if rec.Outcome == model.OutcomeAccepted {
			a.weightedSum += weight
		}
		a.totalWeight += weight
		a.count++
	}

	var out []StrategyScore
	for name, a := range byStrategy {
		if a.count < strategyMinSamples || a.totalWeight == 0 {
			continue
		}
		out = append(out, StrategyScore{Strategy: name, Score: a.weightedSum / a.totalWeight, Samples: a.count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Strategy < out[j].Strategy
	})
	return out, nil
}

// BestStrategy returns the top-ranked strategy. found is false when no
// strategy has enough verdicts.
func (l *Ledger) BestStrategy(ctx context.Context, contentType, goal string) (best StrategyScore, found bool, err error) {
	ranked, err := l.RankStrategies(ctx, contentType, goal)
	if err != nil || len(ranked) == 0 {
		return StrategyScore{}, false, err
	}
	return ranked[0], true, nil
}

// #endregion best-strategy
