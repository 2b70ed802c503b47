// Package replay rebuilds learned weights from the ledger. Weights are a
// derived view: replaying every annotated record in verdict order through a
// tracker whose clock follows the annotation times reproduces them.
package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/scottgal/lucidrag-sub005/internal/effectiveness"
	"github.com/scottgal/lucidrag-sub005/internal/model"
	"github.com/scottgal/lucidrag-sub005/internal/store"
)

// ErrTargetNotEmpty is returned when the rebuild target already holds weights.
var ErrTargetNotEmpty = errors.New("replay: target effectiveness store is not empty")

// #region types

// Summary reports what a Rebuild applied.
type Summary struct {
	Records int       `json:"records"`
	Signals int       `json:"signals"`
	Skipped int       `json:"skipped"`
	Keys    int       `json:"keys"`
	Retired int       `json:"retired"`
	From    time.Time `json:"from,omitzero"`
	To      time.Time `json:"to,omitzero"`
}

// #endregion types

// #region rebuild

// Rebuild replays the annotated records of src matching filter into dst,
// which must be empty. Records are applied in AnnotatedAt order (ties by
// Timestamp, then id) with the tracker clock pinned to each AnnotatedAt.
// Pending records are ignored; filter.Outcome narrows to one verdict.
func Rebuild(ctx context.Context, src store.LedgerStore, dst store.EffectivenessStore, filter model.LedgerFilter, cfg effectiveness.Config, logger *slog.Logger) (Summary, error) {
	if logger == nil {
		logger = slog.Default()
	}
	existing, err := dst.ListEffectiveness(ctx, model.EffectivenessFilter{IncludeRetired: true})
	if err != nil {
		return Summary{}, fmt.Errorf("replay: inspect target: %w", err)
	}
	if len(existing) > 0 {
		return Summary{}, fmt.Errorf("%w (%d records)", ErrTargetNotEmpty, len(existing))
	}

	filter.Limit = 0
	filter.Newest = false
	recs, err := src.QueryLedger(ctx, filter)
	if err != nil {
		return Summary{}, fmt.Errorf("replay: query ledger: %w", err)
	}
	annotated := Annotated(recs)

	var now time.Time
	tr := effectiveness.NewTracker(dst, cfg, logger, effectiveness.WithClock(func() time.Time { return now }))

	var sum Summary
	keys := make(map[model.EffectivenessKey]bool)
	for _, rec := range annotated {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		now = *rec.AnnotatedAt
		updates, err := tr.OnFeedback(ctx, rec, rec.Outcome == model.OutcomeAccepted)
		if err != nil {
			return sum, fmt.Errorf("replay: apply %s: %w", rec.ID, err)
		}
		sum.Records++
		for _, u := range updates {
			if u.Skipped {
				sum.Skipped++
				continue
			}
			sum.Signals++
			keys[u.Key] = true
		}
		if sum.From.IsZero() {
			sum.From = now
		}
		sum.To = now
	}
	sum.Keys = len(keys)

	final, err := dst.ListEffectiveness(ctx, model.EffectivenessFilter{IncludeRetired: true})
	if err != nil {
		return sum, fmt.Errorf("replay: summarize: %w", err)
	}
	for _, r := range final {
		if r.IsRetired {
			sum.Retired++
		}
	}
	logger.Info("replay: rebuild complete", "records", sum.Records, "signals", sum.Signals,
		"keys", sum.Keys, "retired", sum.Retired)
	return sum, nil
}

// Annotated returns the records that carry a verdict, in the order their
// verdicts were recorded.
func Annotated(recs []model.LedgerRecord) []model.LedgerRecord {
	out := make([]model.LedgerRecord, 0, len(recs))
	for _, r := range recs {
		if r.Outcome != model.OutcomePending && r.AnnotatedAt != nil {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.AnnotatedAt.Equal(*b.AnnotatedAt) {
			return a.AnnotatedAt.Before(*b.AnnotatedAt)
		}
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.ID < b.ID
	})
	return out
}

// #endregion rebuild
