// Package vectors scores one analysis on the six orthogonal quality vectors.
package vectors

import (
	"context"
	"log/slog"

	"github.com/scottgal/lucidrag-sub005/internal/contribution"
	"github.com/scottgal/lucidrag-sub005/internal/model"
	"github.com/scottgal/lucidrag-sub005/internal/signals"
)

// #region interfaces

// PriorLookup finds the most recent earlier ledger record for a content hash.
// found is false when the content has never been scored.
type PriorLookup interface {
	LatestFor(ctx context.Context, contentHash string) (rec model.LedgerRecord, found bool, err error)
}

// #endregion interfaces

// #region config

// Config tunes the novelty computation.
type Config struct {
	DivergenceWeight float64  // weight of caption divergence in NoveltyVsPrior
	ConfidenceWeight float64  // weight of the confidence delta in NoveltyVsPrior
	CaptionKeys      []string // signal keys searched for the caption, any order
}

// DefaultConfig returns the standard novelty weights and caption keys.
func DefaultConfig() Config {
	return Config{
		DivergenceWeight: 0.8,
		ConfidenceWeight: 0.2,
		CaptionKeys:      []string{"vision.caption", "caption", "llm.caption"},
	}
}

// #endregion config

// #region types

// Input is the signal bag of one analysis.
type Input struct {
	ContentHash string
	Signals     []model.Signal
	Metadata    *model.Metadata
}

// Result is what the scorer derives from an Input.
type Result struct {
	Vectors       model.VectorScores         `json:"vectors"`
	Overall       float64                    `json:"overall_score"`
	Contributions []model.SignalContribution `json:"contributions"`
	Caption       string                     `json:"caption,omitempty"`
	Confidence    float64                    `json:"confidence"`
	PriorID       string                     `json:"prior_id,omitempty"`
}

// #endregion types

// #region scorer

// Scorer computes VectorScores. It keeps no state between calls; the only
// I/O is the prior lookup for NoveltyVsPrior.
type Scorer struct {
	registry *signals.Registry
	prior    PriorLookup
	cfg      Config
	logger   *slog.Logger
}

// NewScorer creates a Scorer. prior may be nil, in which case every content
// is treated as first seen.
func NewScorer(registry *signals.Registry, prior PriorLookup, cfg Config, logger *slog.Logger) *Scorer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scorer{registry: registry, prior: prior, cfg: cfg, logger: logger}
}

// Score never fails on unknown or malformed signals; they are skipped and the
// vectors they would have fed stay absent. The only error is ctx's.
func (s *Scorer) Score(ctx context.Context, in Input) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	bag := append(append([]model.Signal(nil), in.Signals...), signals.FromMetadata(in.Metadata)...)
	ns := s.registry.NormalizeAll(bag)

	var res Result
	for _, v := range model.AllVectors {
		if v == model.VectorNoveltyVsPrior {
			continue
		}
		if score, ok := vectorScore(ns, v); ok {
			res.Vectors.Set(v, score)
		}
	}
	res.Contributions = contribution.Track(ns)
	res.Caption = s.caption(bag)
	res.Confidence = meanConfidence(ns)

	if novelty, priorID, ok := s.novelty(ctx, in.ContentHash, res.Caption, res.Confidence); ok {
		res.Vectors.Set(model.VectorNoveltyVsPrior, novelty)
		res.PriorID = priorID
	}
	res.Overall = res.Vectors.Overall()
	return res, nil
}

// vectorScore is the confidence-weighted mean strength of the signals that
// target v. When every applicable confidence is zero it falls back to the
// plain mean.
func vectorScore(ns []signals.Normalized, v model.VectorName) (float64, bool) {
	var weighted, weights, plain float64
	var n int
	for _, s := range ns {
		if !targets(s.Vectors, v) {
			continue
		}
		c := clamp(s.Signal.Confidence)
		weighted += c * s.Strength
		weights += c
		plain += s.Strength
		n++
	}
	if n == 0 {
		return 0, false
	}
	if weights == 0 {
		return clamp(plain / float64(n)), true
	}
	return clamp(weighted / weights), true
}

func targets(vs []model.VectorName, v model.VectorName) bool {
	for _, x := range vs {
		if x == v {
			return true
		}
	}
	return false
}

func meanConfidence(ns []signals.Normalized) float64 {
	if len(ns) == 0 {
		return 0
	}
	var sum float64
	for _, n := range ns {
		sum += clamp(n.Signal.Confidence)
	}
	return sum / float64(len(ns))
}

// caption picks the highest-confidence string among the caption keys. Ties go
// to the later signal.
func (s *Scorer) caption(bag []model.Signal) string {
	var best string
	bestConf := -1.0
	for _, sig := range bag {
		if !isCaptionKey(s.cfg.CaptionKeys, sig.Key) {
			continue
		}
		str, ok := sig.Value.(string)
		if !ok || str == "" {
			continue
		}
		if sig.Confidence >= bestConf {
			best, bestConf = str, sig.Confidence
		}
	}
	return best
}

func isCaptionKey(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

// #endregion scorer

// #region helpers

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// #endregion helpers
