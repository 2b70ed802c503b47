package replay

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scottgal/lucidrag-sub005/internal/effectiveness"
	"github.com/scottgal/lucidrag-sub005/internal/engine"
	"github.com/scottgal/lucidrag-sub005/internal/model"
	"github.com/scottgal/lucidrag-sub005/internal/store/memory"
)

func runSession(t *testing.T) (*Fixture, *memory.Store, []StepResult) {
	t.Helper()
	f, err := LoadFixture(filepath.Join("testdata", "session.json"))
	require.NoError(t, err)

	backend := memory.New()
	results, err := f.Run(context.Background(), backend, nil, engine.DefaultConfig(), nil)
	require.NoError(t, err)
	return f, backend, results
}

// #region fixture-tests

// TestFixtureSession is the regression baseline for the decay and
// learning-rate arithmetic: a change to either moves the final weights.
func TestFixtureSession(t *testing.T) {
	f, backend, results := runSession(t)

	require.Len(t, results, len(f.Steps))
	for i, r := range results {
		assert.Equal(t, f.Steps[i].ID, r.StepID)
		assert.NotEmpty(t, r.RecordID)
	}
	assert.Len(t, results[0].Updates, 2)
	assert.Empty(t, results[2].Updates, "s3 has no verdict")

	mismatches, err := f.Check(context.Background(), backend, 1e-5)
	require.NoError(t, err)
	assert.Empty(t, mismatches)
}

func TestCheckReportsDrift(t *testing.T) {
	f, backend, _ := runSession(t)
	f.Expected[0].Weight += 0.01
	f.Expected[1].Retired = false
	f.Expected = append(f.Expected, ExpectedWeight{SignalKey: "ocr.text", ContentType: "document", Goal: "ocr"})

	mismatches, err := f.Check(context.Background(), backend, 1e-5)
	require.NoError(t, err)
	require.Len(t, mismatches, 3)
	assert.Equal(t, "weight", mismatches[0].Field)
	assert.Equal(t, "retired", mismatches[1].Field)
	assert.Equal(t, "missing", mismatches[2].Got)
}

func TestLoadFixtureRequiresStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"description": "no start", "steps": []}`), 0o644))
	_, err := LoadFixture(path)
	assert.Error(t, err)
}

func TestCaptureRecordsFixture(t *testing.T) {
	f, backend, _ := runSession(t)
	want := map[string]bool{}
	for _, e := range f.Expected {
		want[model.EffectivenessKey{SignalKey: e.SignalKey, ContentType: e.ContentType, Goal: e.Goal}.String()] = true
	}

	f.Expected = nil
	require.NoError(t, f.Capture(context.Background(), backend))
	require.NotEmpty(t, f.Expected)
	for i := 1; i < len(f.Expected); i++ {
		prev := model.EffectivenessKey{SignalKey: f.Expected[i-1].SignalKey, ContentType: f.Expected[i-1].ContentType, Goal: f.Expected[i-1].Goal}
		cur := model.EffectivenessKey{SignalKey: f.Expected[i].SignalKey, ContentType: f.Expected[i].ContentType, Goal: f.Expected[i].Goal}
		assert.Less(t, prev.String(), cur.String())
	}
	got := map[string]bool{}
	for _, e := range f.Expected {
		got[model.EffectivenessKey{SignalKey: e.SignalKey, ContentType: e.ContentType, Goal: e.Goal}.String()] = true
	}
	for k := range want {
		assert.True(t, got[k], k)
	}

	path := filepath.Join(t.TempDir(), "recorded.json")
	require.NoError(t, f.Save(path))
	loaded, err := LoadFixture(path)
	require.NoError(t, err)

	fresh := memory.New()
	_, err = loaded.Run(context.Background(), fresh, nil, engine.DefaultConfig(), nil)
	require.NoError(t, err)
	mismatches, err := loaded.Check(context.Background(), fresh, 1e-9)
	require.NoError(t, err)
	assert.Empty(t, mismatches)
}

// #endregion fixture-tests

// #region rebuild-tests

func TestRebuildReproducesWeights(t *testing.T) {
	ctx := context.Background()
	_, live, _ := runSession(t)

	rebuilt := memory.New()
	sum, err := Rebuild(ctx, live, rebuilt, model.LedgerFilter{}, effectiveness.DefaultConfig(), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Records)
	assert.Equal(t, 6, sum.Signals)
	assert.Equal(t, 2, sum.Keys)
	assert.Equal(t, 1, sum.Retired)
	assert.Equal(t, time.Date(2026, 4, 6, 9, 0, 0, 0, time.UTC), sum.From)
	assert.Equal(t, time.Date(2026, 4, 9, 9, 0, 0, 0, time.UTC), sum.To)

	want, err := live.ListEffectiveness(ctx, model.EffectivenessFilter{IncludeRetired: true})
	require.NoError(t, err)
	got, err := rebuilt.ListEffectiveness(ctx, model.EffectivenessFilter{IncludeRetired: true})
	require.NoError(t, err)
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].EffectivenessKey, got[i].EffectivenessKey)
		assert.InDelta(t, want[i].Weight, got[i].Weight, 1e-12)
		assert.Equal(t, want[i].EvaluationCount, got[i].EvaluationCount)
		assert.Equal(t, want[i].AgreementCount, got[i].AgreementCount)
		assert.Equal(t, want[i].IsRetired, got[i].IsRetired)
		assert.True(t, want[i].LastEvaluated.Equal(got[i].LastEvaluated))
	}
}

func TestRebuildRefusesNonEmptyTarget(t *testing.T) {
	ctx := context.Background()
	_, live, _ := runSession(t)

	_, err := Rebuild(ctx, live, live, model.LedgerFilter{}, effectiveness.DefaultConfig(), nil)
	assert.ErrorIs(t, err, ErrTargetNotEmpty)
}

func TestRebuildOnlyRejections(t *testing.T) {
	ctx := context.Background()
	_, live, _ := runSession(t)

	rebuilt := memory.New()
	sum, err := Rebuild(ctx, live, rebuilt, model.LedgerFilter{Outcome: model.OutcomeRejected},
		effectiveness.DefaultConfig(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Records)

	rec, err := rebuilt.GetEffectiveness(ctx, model.EffectivenessKey{SignalKey: "TextLikeliness", ContentType: "document", Goal: "ocr"})
	require.NoError(t, err)
	assert.Equal(t, 0.0, rec.Weight, "a lone rejection of a strong signal")
	assert.True(t, rec.IsRetired)
}

func TestAnnotatedOrdersByVerdictTime(t *testing.T) {
	at := func(h int) *time.Time {
		ts := time.Date(2026, 4, 6, h, 0, 0, 0, time.UTC)
		return &ts
	}
	recs := []model.LedgerRecord{
		{ID: "late", Outcome: model.OutcomeAccepted, AnnotatedAt: at(12)},
		{ID: "pending", Outcome: model.OutcomePending},
		{ID: "early", Outcome: model.OutcomeRejected, AnnotatedAt: at(8)},
		{ID: "tie-b", Outcome: model.OutcomeAccepted, AnnotatedAt: at(10)},
		{ID: "tie-a", Outcome: model.OutcomeAccepted, AnnotatedAt: at(10)},
	}
	var ids []string
	for _, r := range Annotated(recs) {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"early", "tie-a", "tie-b", "late"}, ids)
}

// #endregion rebuild-tests
