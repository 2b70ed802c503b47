package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sort"
	"time"

	"github.com/scottgal/lucidrag-sub005/internal/effectiveness"
	"github.com/scottgal/lucidrag-sub005/internal/engine"
	"github.com/scottgal/lucidrag-sub005/internal/model"
	"github.com/scottgal/lucidrag-sub005/internal/signals"
	"github.com/scottgal/lucidrag-sub005/internal/store"
)

// #region fixture-types

// Fixture is a scripted session: analyses at fixed offsets from Start, each
// optionally followed by a verdict, and the weights expected at the end.
type Fixture struct {
	Description string           `json:"description"`
	Start       time.Time        `json:"start"`
	Steps       []FixtureStep    `json:"steps"`
	Expected    []ExpectedWeight `json:"expected"`
}

// FixtureStep is one analysis and its optional verdict.
type FixtureStep struct {
	ID       string          `json:"id"`
	AtHours  float64         `json:"at_hours"`
	Analysis engine.Analysis `json:"analysis"`
	Verdict  *bool           `json:"verdict,omitempty"`
	Feedback string          `json:"feedback,omitempty"`
}

// ExpectedWeight is the stored state one key must reach.
type ExpectedWeight struct {
	SignalKey   string  `json:"signal_key"`
	ContentType string  `json:"content_type"`
	Goal        string  `json:"goal"`
	Weight      float64 `json:"weight"`
	Evaluations int     `json:"evaluations"`
	Retired     bool    `json:"retired"`
}

// StepResult captures what one step produced.
type StepResult struct {
	StepID   string                 `json:"step_id"`
	RecordID string                 `json:"record_id"`
	Overall  float64                `json:"overall_score"`
	Updates  []effectiveness.Update `json:"updates,omitempty"`
}

// Mismatch is one difference between expected and stored state.
type Mismatch struct {
	Key   string `json:"key"`
	Field string `json:"field"`
	Want  string `json:"want"`
	Got   string `json:"got"`
}

// #endregion fixture-types

// #region fixture-loader

// LoadFixture reads and parses a JSON fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	if f.Start.IsZero() {
		return nil, fmt.Errorf("parse fixture %s: start is required", path)
	}
	return &f, nil
}

// #endregion fixture-loader

// #region fixture-run

// Run plays the fixture through a fresh engine on backend. The engine clock
// reads Start plus the current step's offset, so decay between steps is
// exactly what the fixture describes.
func (f *Fixture) Run(ctx context.Context, backend store.Backend, registry *signals.Registry, cfg engine.Config, logger *slog.Logger) ([]StepResult, error) {
	now := f.Start
	eng := engine.New(backend, registry, cfg, logger, engine.WithClock(func() time.Time { return now }))

	results := make([]StepResult, 0, len(f.Steps))
	for _, step := range f.Steps {
		now = f.Start.Add(time.Duration(step.AtHours * float64(time.Hour)))
		out, err := eng.Analyze(ctx, step.Analysis)
		if err != nil {
			return results, fmt.Errorf("replay: step %s: %w", step.ID, err)
		}
		if !out.Persisted {
			return results, fmt.Errorf("replay: step %s: %w", step.ID, store.ErrBackendUnavailable)
		}
		res := StepResult{StepID: step.ID, RecordID: out.RecordID, Overall: out.Score.Overall}
		if step.Verdict != nil {
			fb, err := eng.Submit(ctx, out.RecordID, *step.Verdict, step.Feedback)
			if err != nil {
				return results, fmt.Errorf("replay: step %s: %w", step.ID, err)
			}
			res.Updates = fb.Updates
		}
		results = append(results, res)
	}
	return results, nil
}

// Check compares the stored records against Expected. Weights match within
// tolerance.
func (f *Fixture) Check(ctx context.Context, st store.EffectivenessStore, tolerance float64) ([]Mismatch, error) {
	var out []Mismatch
	for _, want := range f.Expected {
		key := model.EffectivenessKey{SignalKey: want.SignalKey, ContentType: want.ContentType, Goal: want.Goal}
		got, err := st.GetEffectiveness(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			out = append(out, Mismatch{Key: key.String(), Field: "record", Want: "present", Got: "missing"})
			continue
		}
		if err != nil {
			return out, err
		}
		if math.Abs(got.Weight-want.Weight) > tolerance {
			out = append(out, Mismatch{Key: key.String(), Field: "weight",
				Want: fmt.Sprintf("%.6f", want.Weight), Got: fmt.Sprintf("%.6f", got.Weight)})
		}
		if got.EvaluationCount != want.Evaluations {
			out = append(out, Mismatch{Key: key.String(), Field: "evaluations",
				Want: fmt.Sprint(want.Evaluations), Got: fmt.Sprint(got.EvaluationCount)})
		}
		if got.IsRetired != want.Retired {
			out = append(out, Mismatch{Key: key.String(), Field: "retired",
				Want: fmt.Sprint(want.Retired), Got: fmt.Sprint(got.IsRetired)})
		}
	}
	return out, nil
}

// #endregion fixture-run

// #region fixture-record

// Capture replaces Expected with every record in st, retired ones included,
// ordered by key. Run the fixture on a fresh backend first.
func (f *Fixture) Capture(ctx context.Context, st store.EffectivenessStore) error {
	recs, err := st.ListEffectiveness(ctx, model.EffectivenessFilter{IncludeRetired: true})
	if err != nil {
		return fmt.Errorf("replay: capture: %w", err)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].EffectivenessKey.Compare(recs[j].EffectivenessKey) < 0 })

	f.Expected = make([]ExpectedWeight, 0, len(recs))
	for _, r := range recs {
		f.Expected = append(f.Expected, ExpectedWeight{
			SignalKey:   r.SignalKey,
			ContentType: r.ContentType,
			Goal:        r.Goal,
			Weight:      r.Weight,
			Evaluations: r.EvaluationCount,
			Retired:     r.IsRetired,
		})
	}
	return nil
}

// Save writes the fixture as indented JSON.
func (f *Fixture) Save(path string) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("encode fixture: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write fixture %s: %w", path, err)
	}
	return nil
}

// #endregion fixture-record
