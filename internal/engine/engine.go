// Package engine runs the analysis pipeline: score a signal bag, record the
// analysis in the ledger, and route verdicts back into the learned weights.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/scottgal/lucidrag-sub005/internal/effectiveness"
	"github.com/scottgal/lucidrag-sub005/internal/ledger"
	"github.com/scottgal/lucidrag-sub005/internal/model"
	"github.com/scottgal/lucidrag-sub005/internal/orchestrator"
	"github.com/scottgal/lucidrag-sub005/internal/signals"
	"github.com/scottgal/lucidrag-sub005/internal/store"
	"github.com/scottgal/lucidrag-sub005/internal/vectors"
)

// ErrInvalidAnalysis is returned when an Analysis lacks a required field.
var ErrInvalidAnalysis = errors.New("engine: invalid analysis")

// #region config

// Config tunes the engine and the components it assembles.
type Config struct {
	Vectors   vectors.Config
	Tracker   effectiveness.Config
	Feedback  orchestrator.Config
	Workers   int     // concurrent analyses in a batch
	RateLimit float64 // analyses per second in a batch; 0 disables
	Burst     int
}

// DefaultConfig returns four batch workers and no rate limit.
func DefaultConfig() Config {
	return Config{
		Vectors:  vectors.DefaultConfig(),
		Tracker:  effectiveness.DefaultConfig(),
		Feedback: orchestrator.DefaultConfig(),
		Workers:  4,
		Burst:    1,
	}
}

// #endregion config

// #region recorder

// Recorder observes engine activity. internal/metrics implements it.
type Recorder interface {
	effectiveness.Recorder
	RecordAnalysis(status string, d time.Duration)
	RecordFeedback(outcome string, err error)
}

type nopRecorder struct{}

func (nopRecorder) RecordUpdate(effectiveness.Update)    {}
func (nopRecorder) RecordConflict()                      {}
func (nopRecorder) RecordRetired(int)                    {}
func (nopRecorder) RecordAnalysis(string, time.Duration) {}
func (nopRecorder) RecordFeedback(string, error)         {}

// #endregion recorder

// #region engine-struct

// Engine wires scorer, ledger, tracker and orchestrator over one Backend.
type Engine struct {
	backend  store.Backend
	scorer   *vectors.Scorer
	ledger   *ledger.Ledger
	tracker  *effectiveness.Tracker
	orch     *orchestrator.Orchestrator
	cfg      Config
	recorder Recorder
	logger   *slog.Logger
	tracer   trace.Tracer
}

type options struct {
	now      func() time.Time
	recorder Recorder
}

// Option configures an Engine.
type Option func(*options)

// WithClock pins the clock of the ledger and the tracker.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithRecorder attaches a metrics recorder to the engine and its tracker.
func WithRecorder(r Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// New assembles an Engine. A nil registry uses signals.Default().
func New(backend store.Backend, registry *signals.Registry, cfg Config, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = signals.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	o := options{recorder: nopRecorder{}}
	for _, opt := range opts {
		opt(&o)
	}

	var ledgerOpts []ledger.Option
	trackerOpts := []effectiveness.Option{effectiveness.WithRecorder(o.recorder)}
	if o.now != nil {
		ledgerOpts = append(ledgerOpts, ledger.WithClock(o.now))
		trackerOpts = append(trackerOpts, effectiveness.WithClock(o.now))
	}

	l := ledger.New(backend, logger.With("component", "ledger"), ledgerOpts...)
	tr := effectiveness.NewTracker(backend, cfg.Tracker, logger.With("component", "effectiveness"), trackerOpts...)
	return &Engine{
		backend:  backend,
		scorer:   vectors.NewScorer(registry, l, cfg.Vectors, logger.With("component", "vectors")),
		ledger:   l,
		tracker:  tr,
		orch:     orchestrator.New(l, tr, backend, cfg.Feedback, logger.With("component", "orchestrator")),
		cfg:      cfg,
		recorder: o.recorder,
		logger:   logger,
		tracer:   otel.Tracer("lucidlearn/engine"),
	}
}

// Ledger exposes the ledger service.
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }

// Tracker exposes the effectiveness tracker.
func (e *Engine) Tracker() *effectiveness.Tracker { return e.tracker }

// Backend exposes the store the engine runs on.
func (e *Engine) Backend() store.Backend { return e.backend }

// #endregion engine-struct

// #region analyze

// Analysis is one analyzer run to be scored.
type Analysis struct {
	ContentHash string          `json:"content_hash"`
	ContentType string          `json:"content_type"`
	Goal        string          `json:"goal"`
	SourceModel string          `json:"source_model"`
	Strategy    string          `json:"strategy,omitempty"`
	Signals     []model.Signal  `json:"signals"`
	Metadata    *model.Metadata `json:"metadata,omitempty"`
}

func (a Analysis) validate() error {
	switch {
	case a.ContentHash == "":
		return fmt.Errorf("%w: content hash is required", ErrInvalidAnalysis)
	case a.ContentType == "":
		return fmt.Errorf("%w: content type is required", ErrInvalidAnalysis)
	case a.Goal == "":
		return fmt.Errorf("%w: goal is required", ErrInvalidAnalysis)
	}
	return nil
}

// Outcome is the scored analysis. Persisted is false when the score was
// computed but the ledger could not be reached; RecordID is then empty.
type Outcome struct {
	RecordID  string         `json:"record_id,omitempty"`
	Persisted bool           `json:"persisted"`
	Score     vectors.Result `json:"score"`
}

// Analyze scores a and appends the result to the ledger. An unreachable
// backend does not fail the call: the score is returned unpersisted.
func (e *Engine) Analyze(ctx context.Context, a Analysis) (Outcome, error) {
	if err := a.validate(); err != nil {
		return Outcome{}, err
	}
	ctx, span := e.tracer.Start(ctx, "engine.Analyze",
		trace.WithAttributes(
			attribute.String("content.type", a.ContentType),
			attribute.String("goal", a.Goal),
			attribute.Int("signals", len(a.Signals)),
		))
	defer span.End()
	start := time.Now()

	res, err := e.scorer.Score(ctx, vectors.Input{ContentHash: a.ContentHash, Signals: a.Signals, Metadata: a.Metadata})
	if err != nil {
		e.recorder.RecordAnalysis(statusFor(err), time.Since(start))
		return Outcome{}, fmt.Errorf("engine: analyze: %w", err)
	}
	out := Outcome{Score: res}

	// A cancelled analysis never reaches the ledger.
	if err := ctx.Err(); err != nil {
		e.recorder.RecordAnalysis("cancelled", time.Since(start))
		return Outcome{}, fmt.Errorf("engine: analyze: %w", err)
	}

	id, err := e.ledger.Append(ctx, model.LedgerRecord{
		ContentHash:   a.ContentHash,
		ContentType:   a.ContentType,
		Goal:          a.Goal,
		Vectors:       res.Vectors,
		OverallScore:  res.Overall,
		Contributions: res.Contributions,
		SourceModel:   a.SourceModel,
		Strategy:      a.Strategy,
		Caption:       res.Caption,
		Confidence:    res.Confidence,
	})
	switch {
	case errors.Is(err, store.ErrBackendUnavailable):
		e.logger.Warn("engine: ledger unavailable, returning unpersisted score",
			"content_hash", a.ContentHash, "error", err)
		span.SetAttributes(attribute.Bool("persisted", false))
		e.recorder.RecordAnalysis("unpersisted", time.Since(start))
		return out, nil
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "append failed")
		e.recorder.RecordAnalysis(statusFor(err), time.Since(start))
		return Outcome{}, fmt.Errorf("engine: analyze: %w", err)
	}

	out.RecordID = id
	out.Persisted = true
	span.SetAttributes(attribute.String("ledger.id", id), attribute.Bool("persisted", true))
	e.recorder.RecordAnalysis("persisted", time.Since(start))
	e.logger.Debug("engine: analysis recorded", "record_id", id, "overall", res.Overall)
	return out, nil
}

func statusFor(err error) string {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "cancelled"
	}
	return "failed"
}

// #endregion analyze

// #region feedback

// Submit applies a verdict on a recorded analysis.
func (e *Engine) Submit(ctx context.Context, recordID string, accepted bool, feedbackText string) (orchestrator.Result, error) {
	ctx, span := e.tracer.Start(ctx, "engine.Submit",
		trace.WithAttributes(attribute.String("ledger.id", recordID), attribute.Bool("accepted", accepted)))
	defer span.End()

	res, err := e.orch.Submit(ctx, recordID, accepted, feedbackText)
	e.recorder.RecordFeedback(string(model.OutcomeFor(accepted)), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, store.Kind(err))
	}
	return res, err
}

// Repair re-applies feedback that a previous Submit could not finish.
func (e *Engine) Repair(ctx context.Context) (orchestrator.RepairReport, error) {
	return e.orch.Repair(ctx)
}

// #endregion feedback

// #region queries

// Top returns the strongest non-retired signals of a scope.
func (e *Engine) Top(ctx context.Context, contentType, goal string, limit int) ([]effectiveness.Ranked, error) {
	return e.tracker.GetTopDiscriminators(ctx, contentType, goal, limit)
}

// Prune retires weak signals in scope. threshold <= 0 uses the configured one.
func (e *Engine) Prune(ctx context.Context, contentType, goal string, threshold float64) (int, error) {
	return e.tracker.Prune(ctx, model.EffectivenessFilter{ContentType: contentType, Goal: goal}, threshold)
}

// Reinstate returns a retired signal to the ranking.
func (e *Engine) Reinstate(ctx context.Context, key model.EffectivenessKey) error {
	return e.tracker.Reinstate(ctx, key)
}

// Weight returns the decay-adjusted weight of key.
func (e *Engine) Weight(ctx context.Context, key model.EffectivenessKey) (float64, error) {
	return e.tracker.GetWeight(ctx, key)
}

// RecommendStrategy returns the preprocessing strategy with the best
// recent acceptance in scope, if any has enough samples.
func (e *Engine) RecommendStrategy(ctx context.Context, contentType, goal string) (ledger.StrategyScore, bool, error) {
	return e.ledger.BestStrategy(ctx, contentType, goal)
}

// #endregion queries
