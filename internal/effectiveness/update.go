package effectiveness

import (
	"math"
	"time"

	"github.com/scottgal/lucidrag-sub005/internal/model"
)

// #region pure-functions

// Decay returns rec's weight shrunk by DecayRate per elapsed day since
// LastEvaluated. Days are fractional. An unseen record (zero LastEvaluated)
// and a clock that runs backwards both yield no decay.
func Decay(rec model.EffectivenessRecord, now time.Time) float64 {
	if rec.LastEvaluated.IsZero() {
		return rec.Weight
	}
	days := now.Sub(rec.LastEvaluated).Hours() / 24
	if days <= 0 {
		return rec.Weight
	}
	return rec.Weight * math.Pow(rec.DecayRate, days)
}

// Agreed is the agreement table: a signal agrees with the verdict when it was
// strong (>0.5) on an accepted result or weak (<=0.5) on a rejected one.
func Agreed(accepted bool, relevantScore float64) bool {
	if accepted {
		return relevantScore > 0.5
	}
	return relevantScore <= 0.5
}

// LearningRate is 1/sqrt(evaluationCount+1), using the count before this
// evaluation.
func LearningRate(evaluationCount int) float64 {
	if evaluationCount < 0 {
		evaluationCount = 0
	}
	return 1 / math.Sqrt(float64(evaluationCount)+1)
}

// RelevantScore is the mean of rec's scores on the vectors c contributed to.
// When none of them is present it falls back to the signal's own strength.
func RelevantScore(rec model.LedgerRecord, c model.SignalContribution) float64 {
	if mean, ok := rec.Vectors.MeanOf(c.ContributedVectors); ok {
		return mean
	}
	return c.Strength
}

func clampWeight(w float64) float64 {
	return math.Min(model.MaxWeight, math.Max(model.MinWeight, w))
}

// #endregion pure-functions

// #region step

// Update describes one application of feedback to one key.
type Update struct {
	Key          model.EffectivenessKey `json:"key"`
	Agreed       bool                   `json:"agreed"`
	Before       float64                `json:"before"`
	Decayed      float64                `json:"decayed"`
	LearningRate float64                `json:"learning_rate"`
	After        float64                `json:"after"`
	Retired      bool                   `json:"retired"`
	// Skipped is set when the same ledger record was already applied to this key.
	Skipped bool `json:"skipped,omitempty"`
}

// Step computes the next state of cur for one verdict. It is pure: the caller
// owns Version and the applied ledger ids. Retirement is sticky; Step never clears it.
func Step(cur model.EffectivenessRecord, accepted bool, relevantScore float64, now time.Time, retireBelow float64) (model.EffectivenessRecord, Update) {
	next := cur
	decayed := Decay(cur, now)
	agreed := Agreed(accepted, relevantScore)
	lr := LearningRate(cur.EvaluationCount)
	delta := -lr
	if agreed {
		delta = lr
	}

	next.Weight = clampWeight(decayed + delta)
	next.EvaluationCount++
	if agreed {
		next.AgreementCount++
	} else {
		next.DisagreementCount++
	}
	next.LastEvaluated = now
	if next.Weight < retireBelow {
		next.IsRetired = true
	}

	return next, Update{
		Key:          cur.EffectivenessKey,
		Agreed:       agreed,
		Before:       cur.Weight,
		Decayed:      decayed,
		LearningRate: lr,
		After:        next.Weight,
		Retired:      next.IsRetired,
	}
}

// #endregion step
