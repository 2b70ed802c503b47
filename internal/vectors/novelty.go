package vectors

import (
	"context"
	"math"

	"github.com/scottgal/lucidrag-sub005/internal/signals"
)

// #region novelty

// novelty compares the current result against the latest prior record for
// the same content. ok is false when the lookup failed; the vector is then
// left absent rather than guessed.
func (s *Scorer) novelty(ctx context.Context, contentHash, caption string, confidence float64) (score float64, priorID string, ok bool) {
	if s.prior == nil || contentHash == "" {
		return 1.0, "", true
	}
	prior, found, err := s.prior.LatestFor(ctx, contentHash)
	if err != nil {
		s.logger.Warn("novelty: prior lookup failed, leaving vector absent",
			"content_hash", contentHash, "error", err)
		return 0, "", false
	}
	if !found {
		return 1.0, "", true
	}
	divergence := 1 - Jaccard(signals.Tokenize(caption), signals.Tokenize(prior.Caption))
	delta := math.Abs(confidence - prior.Confidence)
	return clamp(s.cfg.DivergenceWeight*divergence + s.cfg.ConfidenceWeight*delta), prior.ID, true
}

// Jaccard is |A∩B| / |A∪B| over token sets. Two empty sets are identical.
func Jaccard(a, b []string) float64 {
	setA := make(map[string]struct{}, len(a))
	for _, t := range a {
		setA[t] = struct{}{}
	}
	setB := make(map[string]struct{}, len(b))
	for _, t := range b {
		setB[t] = struct{}{}
	}
	if len(setA) == 0 && len(setB) == 0 {
		return 1
	}
	var inter int
	for t := range setA {
		if _, ok := setB[t]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}

// #endregion novelty
