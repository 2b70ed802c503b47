package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scottgal/lucidrag-sub005/internal/effectiveness"
	"github.com/scottgal/lucidrag-sub005/internal/ledger"
	"github.com/scottgal/lucidrag-sub005/internal/model"
	"github.com/scottgal/lucidrag-sub005/internal/store"
	"github.com/scottgal/lucidrag-sub005/internal/store/memory"
)

// #region fixtures

// flakyStore fails upserts for the listed signal keys while failing is set.
// A key in lostReply has its next upsert committed but reported as failed,
// after which both reads and writes of the key fail until heal.
type flakyStore struct {
	store.EffectivenessStore
	mu        sync.Mutex
	failing   map[string]bool
	lostReply map[string]bool
	down      map[string]bool
	calls     map[string]int
}

func (f *flakyStore) GetEffectiveness(ctx context.Context, key model.EffectivenessKey) (model.EffectivenessRecord, error) {
	f.mu.Lock()
	down := f.down[key.SignalKey]
	f.mu.Unlock()
	if down {
		return model.EffectivenessRecord{}, fmt.Errorf("flaky: %w", store.ErrBackendUnavailable)
	}
	return f.EffectivenessStore.GetEffectiveness(ctx, key)
}

func (f *flakyStore) UpsertEffectiveness(ctx context.Context, rec model.EffectivenessRecord) error {
	f.mu.Lock()
	f.calls[rec.SignalKey]++
	fail := f.failing[rec.SignalKey]
	lost := f.lostReply[rec.SignalKey]
	if lost {
		delete(f.lostReply, rec.SignalKey)
		f.failing[rec.SignalKey] = true
		f.down[rec.SignalKey] = true
	}
	f.mu.Unlock()
	if fail {
		return fmt.Errorf("flaky: %w", store.ErrBackendUnavailable)
	}
	if err := f.EffectivenessStore.UpsertEffectiveness(ctx, rec); err != nil {
		return err
	}
	if lost {
		return fmt.Errorf("flaky: reply lost: %w", store.ErrBackendUnavailable)
	}
	return nil
}

func (f *flakyStore) loseReply(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lostReply[key] = true
}

func (f *flakyStore) heal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing = map[string]bool{}
	f.down = map[string]bool{}
}

type harness struct {
	backend *memory.Store
	flaky   *flakyStore
	ledger  *ledger.Ledger
	orch    *Orchestrator
}

func newHarness(t *testing.T, failing ...string) *harness {
	t.Helper()
	backend := memory.New()
	flaky := &flakyStore{
		EffectivenessStore: backend,
		failing:            map[string]bool{},
		lostReply:          map[string]bool{},
		down:               map[string]bool{},
		calls:              map[string]int{},
	}
	for _, k := range failing {
		flaky.failing[k] = true
	}
	l := ledger.New(backend, nil)
	trCfg := effectiveness.DefaultConfig()
	trCfg.RetryBaseDelay = time.Microsecond
	tr := effectiveness.NewTracker(flaky, trCfg, nil)
	o := New(l, tr, backend, Config{MaxRetries: 2, BaseDelay: time.Microsecond}, nil)
	return &harness{backend: backend, flaky: flaky, ledger: l, orch: o}
}

func (h *harness) appendRecord(t *testing.T, keys ...string) string {
	t.Helper()
	var v model.VectorScores
	v.Set(model.VectorOcrFidelity, 0.9)
	rec := model.LedgerRecord{ContentHash: "h", ContentType: "document", Goal: "ocr", Vectors: v, SourceModel: "m"}
	for _, k := range keys {
		rec.Contributions = append(rec.Contributions, model.SignalContribution{
			SignalKey: k, Strength: 0.9, ContributedVectors: []model.VectorName{model.VectorOcrFidelity}, PeerAgreement: 1,
		})
	}
	id, err := h.ledger.Append(context.Background(), rec)
	require.NoError(t, err)
	return id
}

func (h *harness) weight(t *testing.T, key string) model.EffectivenessRecord {
	t.Helper()
	rec, err := h.backend.GetEffectiveness(context.Background(),
		model.EffectivenessKey{SignalKey: key, ContentType: "document", Goal: "ocr"})
	require.NoError(t, err)
	return rec
}

// #endregion fixtures

// #region submit-tests

func TestSubmitAnnotatesAndUpdates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id := h.appendRecord(t, "TextLikeliness", "ocr.confidence")

	res, err := h.orch.Submit(ctx, id, true, "looks right")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeAccepted, res.Outcome)
	assert.Len(t, res.Updates, 2)

	rec, err := h.ledger.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeAccepted, rec.Outcome)
	assert.Equal(t, "looks right", rec.FeedbackText)
	assert.Equal(t, 2.0, h.weight(t, "TextLikeliness").Weight)
	assert.Equal(t, 2.0, h.weight(t, "ocr.confidence").Weight)
}

func TestSubmitTwiceIsRejectedWithoutWeightChange(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id := h.appendRecord(t, "TextLikeliness")

	_, err := h.orch.Submit(ctx, id, true, "")
	require.NoError(t, err)
	_, err = h.orch.Submit(ctx, id, false, "changed my mind")
	assert.ErrorIs(t, err, store.ErrAlreadyAnnotated)

	assert.Equal(t, 1, h.weight(t, "TextLikeliness").EvaluationCount)
}

func TestSubmitUnknownRecord(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.Submit(context.Background(), "missing", true, "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSubmitPartialFailureJournalsAndRepairs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "ocr.confidence")
	id := h.appendRecord(t, "TextLikeliness", "ocr.confidence")

	res, err := h.orch.Submit(ctx, id, true, "")
	var partial *PartialFeedbackError
	require.ErrorAs(t, err, &partial)
	assert.ErrorIs(t, err, store.ErrBackendUnavailable)
	assert.Equal(t, []string{"ocr.confidence"}, partial.Failed)
	assert.Equal(t, 1, partial.Applied)
	assert.Len(t, res.Updates, 1)
	assert.Equal(t, 3, h.flaky.calls["ocr.confidence"], "one try plus two retries")

	// The healthy signal was updated atomically; the verdict is recorded.
	assert.Equal(t, 2.0, h.weight(t, "TextLikeliness").Weight)
	rec, err := h.ledger.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeAccepted, rec.Outcome)

	pending, err := h.backend.ListPendingRepairs(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].RecordID)
	assert.True(t, pending[0].Accepted)

	// Still failing: the entry stays.
	report, err := h.orch.Repair(ctx)
	require.NoError(t, err)
	assert.Equal(t, RepairReport{Pending: 1}, report)

	h.flaky.heal()
	report, err = h.orch.Repair(ctx)
	require.NoError(t, err)
	assert.Equal(t, RepairReport{Repaired: 1, Signals: 1}, report)
	assert.Equal(t, 2.0, h.weight(t, "ocr.confidence").Weight)
	assert.Equal(t, 1, h.weight(t, "TextLikeliness").EvaluationCount, "repair must not touch applied signals")

	pending, err = h.backend.ListPendingRepairs(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRepairSkipsCommittedWriteAfterLaterVerdict(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.flaky.loseReply("ocr.confidence")

	first := h.appendRecord(t, "ocr.confidence")
	_, err := h.orch.Submit(ctx, first, true, "")
	var partial *PartialFeedbackError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, []string{"ocr.confidence"}, partial.Failed)
	assert.Equal(t, 1, h.weight(t, "ocr.confidence").EvaluationCount, "the lost write did commit")

	h.flaky.heal()
	second := h.appendRecord(t, "ocr.confidence")
	_, err = h.orch.Submit(ctx, second, true, "")
	require.NoError(t, err)
	require.Equal(t, 2, h.weight(t, "ocr.confidence").EvaluationCount)

	report, err := h.orch.Repair(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Repaired)
	assert.Zero(t, report.Pending)

	got := h.weight(t, "ocr.confidence")
	assert.Equal(t, 2, got.EvaluationCount, "the first verdict must not apply twice")
	assert.Equal(t, second, got.LastLedgerID)
	assert.Equal(t, []string{first, second}, got.RecentLedgerIDs)

	pending, err := h.backend.ListPendingRepairs(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSubmitCompletesAfterCancellation(t *testing.T) {
	h := newHarness(t)
	id := h.appendRecord(t, "TextLikeliness")

	ctx, cancel := context.WithCancel(context.Background())
	rec, err := h.ledger.Get(ctx, id)
	require.NoError(t, err)
	require.NoError(t, h.ledger.AnnotateOutcome(ctx, id, true, ""))
	cancel()

	// apply runs on a context detached from cancellation.
	updates, failed, err := h.orch.apply(context.WithoutCancel(ctx), rec, true, nil)
	require.NoError(t, err)
	assert.Empty(t, failed)
	assert.Len(t, updates, 1)
}

func TestRepairDropsUnknownRecords(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.backend.SavePendingRepair(ctx, model.PendingRepair{
		RecordID: "ghost", SignalKeys: []string{"x"}, CreatedAt: time.Now(),
	}))

	report, err := h.orch.Repair(ctx)
	require.NoError(t, err)
	assert.Equal(t, RepairReport{}, report)
	pending, err := h.backend.ListPendingRepairs(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPartialFeedbackErrorMessage(t *testing.T) {
	err := &PartialFeedbackError{RecordID: "r", Failed: []string{"a", "b"}, Applied: 1, Err: errors.New("boom")}
	assert.Contains(t, err.Error(), "applied to 1 of 3 signals")
	assert.Contains(t, err.Error(), "a, b")
}

// #endregion submit-tests
