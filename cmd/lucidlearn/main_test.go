package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/scottgal/lucidrag-sub005/internal/audit"
	"github.com/scottgal/lucidrag-sub005/internal/effectiveness"
	"github.com/scottgal/lucidrag-sub005/internal/engine"
	"github.com/scottgal/lucidrag-sub005/internal/logging"
	"github.com/scottgal/lucidrag-sub005/internal/model"
	"github.com/scottgal/lucidrag-sub005/internal/orchestrator"
	"github.com/scottgal/lucidrag-sub005/internal/replay"
	"github.com/scottgal/lucidrag-sub005/internal/rpc"
	"github.com/scottgal/lucidrag-sub005/internal/store/memory"
)

// #region harness

type workspace struct {
	t       *testing.T
	db      string
	content string
	signals string
}

func newWorkspace(t *testing.T) *workspace {
	t.Helper()
	dir := t.TempDir()
	w := &workspace{
		t:       t,
		db:      filepath.Join(dir, "learn.db"),
		content: filepath.Join(dir, "invoice.png"),
		signals: filepath.Join(dir, "signals.json"),
	}
	require.NoError(t, os.WriteFile(w.content, []byte("not really a png"), 0o644))
	require.NoError(t, os.WriteFile(w.signals, []byte(`{
  "signals": [
    {"key": "TextLikeliness", "value": 0.9, "confidence": 0.9},
    {"key": "ocr.word_count", "value": 150, "confidence": 0.8},
    {"key": "vision.caption", "value": "a scanned invoice with a table", "confidence": 0.7}
  ],
  "metadata": {"tone": "formal", "complexity": 0.4}
}`), 0o644))
	return w
}

// run executes lucidlearn with the workspace database and returns the exit
// code, stdout and stderr.
func (w *workspace) run(args ...string) (int, []byte, []byte) {
	w.t.Helper()
	var stdout, stderr bytes.Buffer
	argv := append([]string{"lucidlearn", "--db", w.db}, args...)
	code := run(context.Background(), argv, &stdout, &stderr)
	return code, stdout.Bytes(), stderr.Bytes()
}

func (w *workspace) ok(v any, args ...string) {
	w.t.Helper()
	code, out, errOut := w.run(args...)
	require.Equal(w.t, exitOK, code, "stderr: %s", errOut)
	if v != nil {
		require.NoError(w.t, json.Unmarshal(out, v), "stdout: %s", out)
	}
}

func (w *workspace) score(extra ...string) scoreReport {
	w.t.Helper()
	var rep scoreReport
	args := append([]string{"score", "--signals", w.signals, "--model", "florence-2",
		"--content-type", "document", "--goal", "ocr"}, extra...)
	w.ok(&rep, append(args, w.content)...)
	return rep
}

// #endregion harness

// #region learning-tests

func TestScoreFeedbackTop(t *testing.T) {
	w := newWorkspace(t)

	rep := w.score()
	require.True(t, rep.Analysis.Persisted)
	require.NotEmpty(t, rep.Analysis.RecordID)
	assert.Nil(t, rep.Feedback)
	ocr, ok := rep.Analysis.Score.Vectors.Get(model.VectorOcrFidelity)
	require.True(t, ok)
	assert.Greater(t, ocr, 0.5)
	_, ok = rep.Analysis.Score.Vectors.Get(model.VectorStructuralAlignment)
	assert.True(t, ok, "metadata complexity feeds structural alignment")

	var res orchestrator.Result
	w.ok(&res, "feedback", "--accept", "true", "--feedback", "right", rep.Analysis.RecordID)
	assert.Equal(t, model.OutcomeAccepted, res.Outcome)
	assert.NotEmpty(t, res.Updates)

	var top struct {
		Signals []effectiveness.Ranked `json:"signals"`
	}
	w.ok(&top, "top", "--content-type", "document", "--goal", "ocr")
	require.NotEmpty(t, top.Signals)
	assert.InDelta(t, 2.0, top.Signals[0].EffectiveWeight, 1e-6)

	var weight struct {
		Weight float64 `json:"weight"`
	}
	w.ok(&weight, "weight", "--signal", "TextLikeliness", "--content-type", "document", "--goal", "ocr")
	assert.InDelta(t, 2.0, weight.Weight, 1e-6)
}

func TestScoreWithVerdictShowTopAndPrune(t *testing.T) {
	w := newWorkspace(t)
	w.score("--accept", "true")

	rep := w.score("--accept", "false", "--show-top", "5", "--prune", "--prune-threshold", "1.5")
	require.NotNil(t, rep.Feedback)
	assert.Equal(t, model.OutcomeRejected, rep.Feedback.Outcome)
	require.NotNil(t, rep.Pruned)
	assert.Equal(t, 2, *rep.Pruned)
	assert.Empty(t, rep.Top)

	var reinstated map[string]any
	w.ok(&reinstated, "reinstate", "--signal", "TextLikeliness", "--content-type", "document", "--goal", "ocr")

	var top struct {
		Signals []effectiveness.Ranked `json:"signals"`
	}
	w.ok(&top, "top", "-t", "document", "-g", "ocr")
	require.Len(t, top.Signals, 1)
	assert.Equal(t, "TextLikeliness", top.Signals[0].SignalKey)
}

func TestBatch(t *testing.T) {
	w := newWorkspace(t)
	path := filepath.Join(t.TempDir(), "batch.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
  {"content_hash": "a", "content_type": "image", "goal": "caption",
   "signals": [{"key": "vision.caption", "value": "a red bicycle", "confidence": 0.9}]},
  {"content_hash": "b", "content_type": "image",
   "signals": []}
]`), 0o644))

	var out struct {
		Items []rpc.BatchItem `json:"items"`
	}
	w.ok(&out, "batch", path)
	require.Len(t, out.Items, 2)
	assert.True(t, out.Items[0].Outcome.Persisted)
	assert.Equal(t, "invalid_argument", out.Items[1].Kind)
}

// #endregion learning-tests

// #region exit-code-tests

func TestExitCodes(t *testing.T) {
	w := newWorkspace(t)
	rep := w.score()

	code, _, errOut := w.run("feedback", "--accept", "true", "no-such-record")
	assert.Equal(t, exitNotFound, code)
	var failure map[string]string
	require.NoError(t, json.Unmarshal(errOut, &failure))
	assert.Equal(t, "not_found", failure["kind"])

	w.ok(nil, "feedback", "--accept", "false", rep.Analysis.RecordID)
	code, _, _ = w.run("feedback", "--accept", "true", rep.Analysis.RecordID)
	assert.Equal(t, exitAnnotated, code)

	tests := []struct {
		name string
		args []string
	}{
		{"missing goal", []string{"score", "--signals", w.signals, "--content-type", "document", w.content}},
		{"missing signals", []string{"score", "--content-type", "document", "--goal", "ocr", w.content}},
		{"no path", []string{"score", "--signals", w.signals}},
		{"bad verdict", []string{"feedback", "--accept", "maybe", rep.Analysis.RecordID}},
		{"verdict required", []string{"feedback", rep.Analysis.RecordID}},
		{"unknown flag", []string{"top", "--bogus"}},
		{"incomplete key", []string{"weight", "--signal", "TextLikeliness"}},
		{"bad outcome", []string{"ledger", "--outcome", "maybe"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, errOut := w.run(tt.args...)
			assert.Equal(t, exitUsage, code, "stderr: %s", errOut)
		})
	}
}

func TestLocalOnlyCommandsRejectRemote(t *testing.T) {
	w := newWorkspace(t)
	for _, cmd := range []string{"repair", "audit", "ledger", "rebuild", "strategy"} {
		code, _, _ := w.run("--remote", "127.0.0.1:1", cmd)
		assert.Equal(t, exitUsage, code, cmd)
	}
}

// #endregion exit-code-tests

// #region maintenance-tests

func TestLedgerAuditRebuild(t *testing.T) {
	w := newWorkspace(t)
	first := w.score("--accept", "true")
	w.score("--accept", "false", "--strategy", "deskew")
	w.score()

	var list struct {
		Records []model.LedgerRecord `json:"records"`
	}
	w.ok(&list, "ledger", "--limit", "2")
	require.Len(t, list.Records, 2)
	assert.Equal(t, model.OutcomePending, list.Records[0].Outcome, "newest first")

	w.ok(&list, "ledger", "--outcome", "accepted")
	require.Len(t, list.Records, 1)
	assert.Equal(t, first.Analysis.RecordID, list.Records[0].ID)

	var one struct {
		Record   model.LedgerRecord `json:"record"`
		Verified bool               `json:"verified"`
	}
	w.ok(&one, "ledger", "--id", first.Analysis.RecordID)
	assert.True(t, one.Verified)
	assert.Equal(t, model.OutcomeAccepted, one.Record.Outcome)

	var res audit.Result
	w.ok(&res, "audit")
	assert.True(t, res.Passed, res.Reason)
	assert.Equal(t, 3, res.Records)

	var rebuilt struct {
		Summary replay.Summary              `json:"summary"`
		Weights []model.EffectivenessRecord `json:"weights"`
	}
	w.ok(&rebuilt, "rebuild")
	assert.Equal(t, 2, rebuilt.Summary.Records)
	// Three analyzer signals plus meta.tone and meta.complexity.
	assert.Equal(t, 5, rebuilt.Summary.Keys)
	assert.Len(t, rebuilt.Weights, 5)

	into := filepath.Join(t.TempDir(), "rebuilt.db")
	w.ok(&rebuilt, "rebuild", "--into", into, "--outcome", "accepted")
	assert.Equal(t, 1, rebuilt.Summary.Records)
	code, _, _ := w.run("rebuild", "--into", into)
	assert.Equal(t, exitOther, code, "target already holds weights")

	var rep orchestrator.RepairReport
	w.ok(&rep, "repair")
	assert.Zero(t, rep.Pending)

	var strat map[string]any
	w.ok(&strat, "strategy", "-t", "document", "-g", "ocr")
	assert.Contains(t, strat, "ranking")
}

func TestReplayFixture(t *testing.T) {
	w := newWorkspace(t)
	var out struct {
		Steps      []replay.StepResult `json:"steps"`
		Mismatches []replay.Mismatch   `json:"mismatches"`
	}
	w.ok(&out, "replay", filepath.Join("..", "..", "internal", "replay", "testdata", "session.json"))
	assert.Len(t, out.Steps, 4)
	assert.Empty(t, out.Mismatches)

	code, _, _ := w.run("replay", "--tolerance", "1e-6", filepath.Join(t.TempDir(), "missing.json"))
	assert.Equal(t, exitUsage, code)

	recorded := filepath.Join(t.TempDir(), "recorded.json")
	var rec struct {
		Expected []replay.ExpectedWeight `json:"expected"`
	}
	w.ok(&rec, "replay", "--record", recorded, filepath.Join("..", "..", "internal", "replay", "testdata", "session.json"))
	assert.NotEmpty(t, rec.Expected)
	w.ok(&out, "replay", recorded)
	assert.Empty(t, out.Mismatches)
}

// #endregion maintenance-tests

// #region remote-tests

func TestRemote(t *testing.T) {
	backend := memory.New()
	eng := engine.New(backend, nil, engine.DefaultConfig(), logging.Discard())
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	gs := grpc.NewServer()
	rpc.NewServer(eng, logging.Discard()).Register(gs)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	w := newWorkspace(t)
	remote := []string{"--remote", lis.Addr().String()}

	var rep scoreReport
	w.ok(&rep, append(remote, "score", "--signals", w.signals, "-t", "document", "-g", "ocr", "--accept", "true", w.content)...)
	require.True(t, rep.Analysis.Persisted)
	require.NotNil(t, rep.Feedback)

	code, _, _ := w.run(append(remote, "feedback", "--accept", "false", rep.Analysis.RecordID)...)
	assert.Equal(t, exitAnnotated, code)

	var top struct {
		Signals []effectiveness.Ranked `json:"signals"`
	}
	w.ok(&top, append(remote, "top", "-t", "document", "-g", "ocr")...)
	assert.Len(t, top.Signals, 2)

	// The work happened on the server, not in the local database.
	_, err = os.Stat(w.db)
	assert.True(t, os.IsNotExist(err))
}

// #endregion remote-tests
