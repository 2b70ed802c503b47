// Package storetest is a conformance suite every store.Backend must pass.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scottgal/lucidrag-sub005/internal/model"
	"github.com/scottgal/lucidrag-sub005/internal/store"
)

// Opener returns a fresh, empty backend. It should register its own cleanup.
type Opener func(t *testing.T) store.Backend

// Run executes the full suite against backends produced by open.
func Run(t *testing.T, open Opener) {
	t.Run("LedgerRoundTrip", func(t *testing.T) { testLedgerRoundTrip(t, open(t)) })
	t.Run("LedgerDuplicateID", func(t *testing.T) { testLedgerDuplicateID(t, open(t)) })
	t.Run("LedgerIdenticalContentDistinctIDs", func(t *testing.T) { testIdenticalContent(t, open(t)) })
	t.Run("LedgerAnnotateOnce", func(t *testing.T) { testAnnotateOnce(t, open(t)) })
	t.Run("LedgerQueryFilters", func(t *testing.T) { testQueryFilters(t, open(t)) })
	t.Run("LedgerNewestTieBreak", func(t *testing.T) { testNewestTieBreak(t, open(t)) })
	t.Run("EffectivenessRoundTrip", func(t *testing.T) { testEffectivenessRoundTrip(t, open(t)) })
	t.Run("EffectivenessVersionConflict", func(t *testing.T) { testVersionConflict(t, open(t)) })
	t.Run("EffectivenessConcurrentCreate", func(t *testing.T) { testConcurrentCreate(t, open(t)) })
	t.Run("EffectivenessTopAndList", func(t *testing.T) { testTopAndList(t, open(t)) })
	t.Run("EffectivenessSeparatorInKey", func(t *testing.T) { testSeparatorInKey(t, open(t)) })
	t.Run("RepairJournal", func(t *testing.T) { testRepairJournal(t, open(t)) })
}

// #region fixtures

var (
	base        = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	annotatedAt = time.Date(2026, 3, 3, 17, 45, 30, 250000000, time.UTC)
)

// LedgerRecord builds a pending record suitable for appending.
func LedgerRecord(id, hash string, ts time.Time) model.LedgerRecord {
	var v model.VectorScores
	v.Set(model.VectorOcrFidelity, 0.9)
	v.Set(model.VectorNoveltyVsPrior, 1)
	return model.LedgerRecord{
		ID:           id,
		ContentHash:  hash,
		Timestamp:    ts,
		ContentType:  "document",
		Goal:         "ocr",
		Vectors:      v,
		OverallScore: v.Overall(),
		Contributions: []model.SignalContribution{{
			SignalKey:          "TextLikeliness",
			Strength:           0.9,
			ContributedVectors: []model.VectorName{model.VectorOcrFidelity},
			PeerAgreement:      1,
		}},
		SourceModel:   "florence-2",
		Strategy:      "deskew",
		Caption:       "an invoice",
		Confidence:    0.8,
		IntegrityHash: "v1:test",
		Outcome:       model.OutcomePending,
	}
}

func effRecord(signal string, weight float64, version int64) model.EffectivenessRecord {
	return model.EffectivenessRecord{
		EffectivenessKey:  model.EffectivenessKey{SignalKey: signal, ContentType: "document", Goal: "ocr"},
		Weight:            weight,
		EvaluationCount:   3,
		AgreementCount:    2,
		DisagreementCount: 1,
		LastEvaluated:     time.Date(2026, 3, 2, 8, 30, 15, 123456000, time.UTC),
		DecayRate:         0.95,
		Version:           version,
		LastLedgerID:      "rec-1",
	}
}

// #endregion fixtures

// #region ledger-tests

func testLedgerRoundTrip(t *testing.T, b store.Backend) {
	ctx := context.Background()
	rec := LedgerRecord("rec-1", "hash-a", base)

	id, err := b.AppendLedger(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, "rec-1", id)

	got, err := b.GetLedger(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	_, absent := got.Vectors.Get(model.VectorMotionAgreement)
	assert.False(t, absent, "absent vectors must stay absent")

	_, err = b.GetLedger(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testLedgerDuplicateID(t *testing.T, b store.Backend) {
	ctx := context.Background()
	_, err := b.AppendLedger(ctx, LedgerRecord("dup", "h", base))
	require.NoError(t, err)

	other := LedgerRecord("dup", "other-hash", base.Add(time.Hour))
	_, err = b.AppendLedger(ctx, other)
	assert.ErrorIs(t, err, store.ErrDuplicateID)

	got, err := b.GetLedger(ctx, "dup")
	require.NoError(t, err)
	assert.Equal(t, "h", got.ContentHash, "original record must be untouched")
}

func testIdenticalContent(t *testing.T, b store.Backend) {
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		_, err := b.AppendLedger(ctx, LedgerRecord(id, "same", base))
		require.NoError(t, err)
	}
	recs, err := b.QueryLedger(ctx, model.LedgerFilter{ContentHash: "same"})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.NotEqual(t, recs[0].ID, recs[1].ID)

	require.NoError(t, b.AnnotateLedger(ctx, "a", model.OutcomeAccepted, "", annotatedAt))
	other, err := b.GetLedger(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomePending, other.Outcome)
}

func testAnnotateOnce(t *testing.T, b store.Backend) {
	ctx := context.Background()
	_, err := b.AppendLedger(ctx, LedgerRecord("r", "h", base))
	require.NoError(t, err)

	require.NoError(t, b.AnnotateLedger(ctx, "r", model.OutcomeRejected, "blurry text", annotatedAt))

	err = b.AnnotateLedger(ctx, "r", model.OutcomeAccepted, "changed my mind", annotatedAt)
	assert.ErrorIs(t, err, store.ErrAlreadyAnnotated)

	err = b.AnnotateLedger(ctx, "nope", model.OutcomeAccepted, "", annotatedAt)
	assert.ErrorIs(t, err, store.ErrNotFound)

	got, err := b.GetLedger(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeRejected, got.Outcome)
	assert.Equal(t, "blurry text", got.FeedbackText)
	require.NotNil(t, got.AnnotatedAt)
	assert.True(t, annotatedAt.Equal(*got.AnnotatedAt))

	want := LedgerRecord("r", "h", base)
	got.Outcome, got.FeedbackText, got.AnnotatedAt = want.Outcome, want.FeedbackText, want.AnnotatedAt
	assert.Equal(t, want, got, "only outcome fields may change")
}

func testQueryFilters(t *testing.T, b store.Backend) {
	ctx := context.Background()
	for i := range 4 {
		rec := LedgerRecord(fmt.Sprintf("q%d", i), "h1", base.Add(time.Duration(i)*time.Hour))
		if i == 3 {
			rec.ContentType = "image"
			rec.ContentHash = "h2"
		}
		_, err := b.AppendLedger(ctx, rec)
		require.NoError(t, err)
	}

	all, err := b.QueryLedger(ctx, model.LedgerFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 4)
	assert.Equal(t, "q0", all[0].ID)

	docs, err := b.QueryLedger(ctx, model.LedgerFilter{ContentType: "document", Goal: "ocr"})
	require.NoError(t, err)
	assert.Len(t, docs, 3)

	latest, err := b.QueryLedger(ctx, model.LedgerFilter{ContentHash: "h1", Newest: true, Limit: 1})
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, "q2", latest[0].ID)

	window, err := b.QueryLedger(ctx, model.LedgerFilter{From: base.Add(time.Hour), To: base.Add(3 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, window, 2)
	assert.Equal(t, "q1", window[0].ID)
	assert.Equal(t, "q2", window[1].ID)

	require.NoError(t, b.AnnotateLedger(ctx, "q1", model.OutcomeAccepted, "", annotatedAt))
	accepted, err := b.QueryLedger(ctx, model.LedgerFilter{Outcome: model.OutcomeAccepted})
	require.NoError(t, err)
	require.Len(t, accepted, 1)
	assert.Equal(t, "q1", accepted[0].ID)
}

func testNewestTieBreak(t *testing.T, b store.Backend) {
	ctx := context.Background()
	for _, id := range []string{"t1", "t2", "t3"} {
		_, err := b.AppendLedger(ctx, LedgerRecord(id, "same", base))
		require.NoError(t, err)
	}

	latest, err := b.QueryLedger(ctx, model.LedgerFilter{ContentHash: "same", Newest: true, Limit: 1})
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, "t3", latest[0].ID, "equal timestamps resolve to the last append")

	oldest, err := b.QueryLedger(ctx, model.LedgerFilter{ContentHash: "same"})
	require.NoError(t, err)
	require.Len(t, oldest, 3)
	assert.Equal(t, "t1", oldest[0].ID)
}

// #endregion ledger-tests

// #region effectiveness-tests

func testEffectivenessRoundTrip(t *testing.T, b store.Backend) {
	ctx := context.Background()
	rec := effRecord("TextLikeliness", 1.25, 1)

	_, err := b.GetEffectiveness(ctx, rec.EffectivenessKey)
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, b.UpsertEffectiveness(ctx, rec))
	got, err := b.GetEffectiveness(ctx, rec.EffectivenessKey)
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	next := got
	next.Weight = 0.05
	next.IsRetired = true
	next.Version = 2
	next.LastLedgerID = "rec-2"
	next.RecentLedgerIDs = []string{"rec-1", "rec-2"}
	require.NoError(t, b.UpsertEffectiveness(ctx, next))
	got, err = b.GetEffectiveness(ctx, rec.EffectivenessKey)
	require.NoError(t, err)
	assert.Equal(t, next, got)
}

func testVersionConflict(t *testing.T, b store.Backend) {
	ctx := context.Background()
	rec := effRecord("EdgeDensity", 1, 1)
	require.NoError(t, b.UpsertEffectiveness(ctx, rec))

	err := b.UpsertEffectiveness(ctx, rec)
	assert.ErrorIs(t, err, store.ErrTransientConflict, "second create must conflict")

	stale := rec
	stale.Version = 3
	err = b.UpsertEffectiveness(ctx, stale)
	assert.ErrorIs(t, err, store.ErrTransientConflict, "skipping a version must conflict")

	got, err := b.GetEffectiveness(ctx, rec.EffectivenessKey)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
}

func testConcurrentCreate(t *testing.T, b store.Backend) {
	ctx := context.Background()
	const writers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := range writers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := effRecord("Race", float64(i)/10, 1)
			if err := b.UpsertEffectiveness(ctx, rec); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins, "exactly one concurrent create may win")
}

func testTopAndList(t *testing.T, b store.Backend) {
	ctx := context.Background()
	recs := []model.EffectivenessRecord{
		effRecord("A", 0.5, 1),
		effRecord("B", 1.8, 1),
		effRecord("C", 1.1, 1),
	}
	retired := effRecord("D", 0.05, 1)
	retired.IsRetired = true
	other := effRecord("E", 2.0, 1)
	other.ContentType = "image"
	recs = append(recs, retired, other)
	for _, r := range recs {
		require.NoError(t, b.UpsertEffectiveness(ctx, r))
	}

	top, err := b.QueryTopEffectiveness(ctx, "document", "ocr", 2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "B", top[0].SignalKey)
	assert.Equal(t, "C", top[1].SignalKey)

	allTop, err := b.QueryTopEffectiveness(ctx, "document", "ocr", 0)
	require.NoError(t, err)
	assert.Len(t, allTop, 3, "retired records are excluded")

	list, err := b.ListEffectiveness(ctx, model.EffectivenessFilter{ContentType: "document", IncludeRetired: true})
	require.NoError(t, err)
	assert.Len(t, list, 4)

	everything, err := b.ListEffectiveness(ctx, model.EffectivenessFilter{IncludeRetired: true})
	require.NoError(t, err)
	assert.Len(t, everything, 5)
}

// Keys whose parts contain '|' must not share a row even when their joined
// forms are identical.
func testSeparatorInKey(t *testing.T, b store.Backend) {
	ctx := context.Background()
	first := effRecord("a|b", 1.8, 1)
	first.ContentType, first.Goal = "c", "g"
	second := effRecord("a", 0.3, 1)
	second.ContentType, second.Goal = "b|c", "g"
	require.Equal(t, first.EffectivenessKey.String(), second.EffectivenessKey.String())

	require.NoError(t, b.UpsertEffectiveness(ctx, first))
	require.NoError(t, b.UpsertEffectiveness(ctx, second), "a distinct key is a fresh create")

	got, err := b.GetEffectiveness(ctx, first.EffectivenessKey)
	require.NoError(t, err)
	assert.InDelta(t, 1.8, got.Weight, 1e-9)
	got, err = b.GetEffectiveness(ctx, second.EffectivenessKey)
	require.NoError(t, err)
	assert.InDelta(t, 0.3, got.Weight, 1e-9)

	list, err := b.ListEffectiveness(ctx, model.EffectivenessFilter{IncludeRetired: true})
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

// #endregion effectiveness-tests

// #region repair-tests

func testRepairJournal(t *testing.T, b store.Backend) {
	ctx := context.Background()
	first := model.PendingRepair{RecordID: "r1", Accepted: true, SignalKeys: []string{"a", "b"}, LastError: "boom", CreatedAt: base}
	second := model.PendingRepair{RecordID: "r2", SignalKeys: []string{"c"}, CreatedAt: base.Add(time.Minute)}
	require.NoError(t, b.SavePendingRepair(ctx, first))
	require.NoError(t, b.SavePendingRepair(ctx, second))

	list, err := b.ListPendingRepairs(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first, list[0])
	assert.Equal(t, second, list[1])

	first.SignalKeys = []string{"b"}
	first.LastError = ""
	require.NoError(t, b.SavePendingRepair(ctx, first))
	list, err = b.ListPendingRepairs(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, []string{"b"}, list[0].SignalKeys)

	require.NoError(t, b.ClearPendingRepair(ctx, "r1"))
	require.NoError(t, b.ClearPendingRepair(ctx, "unknown"))
	list, err = b.ListPendingRepairs(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "r2", list[0].RecordID)
}

// #endregion repair-tests
