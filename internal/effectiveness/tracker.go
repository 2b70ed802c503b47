// Package effectiveness learns how predictive each signal is for a content
// type and goal. Weights decay lazily at read time and move by a shrinking
// learning rate on every accept/reject verdict.
package effectiveness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/scottgal/lucidrag-sub005/internal/model"
	"github.com/scottgal/lucidrag-sub005/internal/store"
)

// #region config

// Config tunes the tracker.
type Config struct {
	DecayRate          float64       // decay per day for new records
	RetireThreshold    float64       // weights below this retire
	MaxConflictRetries int           // extra attempts after a version conflict
	RetryBaseDelay     time.Duration // first backoff between conflict retries
}

// DefaultConfig returns decay 0.95/day, retirement below 0.1 and three
// conflict retries.
func DefaultConfig() Config {
	return Config{
		DecayRate:          model.DefaultDecayRate,
		RetireThreshold:    model.RetireThreshold,
		MaxConflictRetries: 3,
		RetryBaseDelay:     5 * time.Millisecond,
	}
}

// #endregion config

// #region tracker

// Recorder observes tracker activity. internal/metrics implements it.
type Recorder interface {
	RecordUpdate(u Update)
	RecordConflict()
	RecordRetired(n int)
}

type nopRecorder struct{}

func (nopRecorder) RecordUpdate(Update) {}
func (nopRecorder) RecordConflict()     {}
func (nopRecorder) RecordRetired(int)   {}

// Tracker owns the read-modify-write cycle on effectiveness records. Writes
// to one key are serialized in-process by a per-key mutex and across
// processes by the store's version check; disjoint keys never contend.
type Tracker struct {
	store    store.EffectivenessStore
	cfg      Config
	now      func() time.Time
	locks    *keyedMutex
	reads    singleflight.Group
	recorder Recorder
	logger   *slog.Logger
	tracer   trace.Tracer
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(t *Tracker) { t.recorder = r }
}

// NewTracker creates a Tracker over st.
func NewTracker(st store.EffectivenessStore, cfg Config, logger *slog.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DecayRate <= 0 || cfg.DecayRate > 1 {
		cfg.DecayRate = model.DefaultDecayRate
	}
	if cfg.RetireThreshold <= 0 {
		cfg.RetireThreshold = model.RetireThreshold
	}
	t := &Tracker{
		store:    st,
		cfg:      cfg,
		now:      time.Now,
		locks:    newKeyedMutex(),
		recorder: nopRecorder{},
		logger:   logger,
		tracer:   otel.Tracer("lucidlearn/effectiveness"),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Tracker) clock() time.Time {
	return t.now().UTC().Truncate(time.Microsecond)
}

// #endregion tracker

// #region get-weight

// GetWeight returns the decay-adjusted weight for key, or 1.0 for a key that
// has never received feedback. Concurrent reads of one key share a single
// store round trip. A caller whose ctx ends stops waiting; the shared read
// runs on for the others.
func (t *Tracker) GetWeight(ctx context.Context, key model.EffectivenessKey) (float64, error) {
	readCtx := context.WithoutCancel(ctx)
	ch := t.reads.DoChan(key.ID(), func() (any, error) {
		rec, err := t.store.GetEffectiveness(readCtx, key)
		if errors.Is(err, store.ErrNotFound) {
			return model.DefaultWeight, nil
		}
		if err != nil {
			return nil, err
		}
		return Decay(rec, t.clock()), nil
	})

	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("effectiveness: get weight %s: %w", key, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return 0, fmt.Errorf("effectiveness: get weight %s: %w", key, res.Err)
		}
		return res.Val.(float64), nil
	}
}

// #endregion get-weight

// #region on-feedback

// OnFeedback applies a verdict on rec to every signal that contributed to it.
// Each key is updated on its own; a failure on one key does not stop the
// others. The returned error joins every per-key failure.
func (t *Tracker) OnFeedback(ctx context.Context, rec model.LedgerRecord, accepted bool) ([]Update, error) {
	ctx, span := t.tracer.Start(ctx, "effectiveness.OnFeedback",
		trace.WithAttributes(
			attribute.String("ledger.id", rec.ID),
			attribute.Bool("accepted", accepted),
			attribute.Int("contributions", len(rec.Contributions)),
		))
	defer span.End()

	updates := make([]Update, 0, len(rec.Contributions))
	var errs []error
	for _, c := range rec.Contributions {
		u, err := t.ApplyContribution(ctx, rec, c, accepted)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		updates = append(updates, u)
	}
	err := errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "partial feedback")
	}
	return updates, err
}

// ApplyContribution runs one read-compute-write cycle for the key of c. A
// version conflict re-reads and recomputes, up to MaxConflictRetries times,
// then surfaces store.ErrTransientConflict. Applying a ledger record that is
// among the key's last model.RecentLedgerWindow updates is a no-op reported
// as Skipped.
func (t *Tracker) ApplyContribution(ctx context.Context, rec model.LedgerRecord, c model.SignalContribution, accepted bool) (Update, error) {
	key := model.EffectivenessKey{SignalKey: c.SignalKey, ContentType: rec.ContentType, Goal: rec.Goal}
	relevant := RelevantScore(rec, c)

	unlock := t.locks.Lock(key.ID())
	defer unlock()

	var lastErr error
	for attempt := 0; attempt <= t.cfg.MaxConflictRetries; attempt++ {
		if attempt > 0 {
			t.recorder.RecordConflict()
			if err := t.backoff(ctx, attempt); err != nil {
				return Update{}, fmt.Errorf("effectiveness: apply %s: %w", key, err)
			}
		}

		cur, err := t.load(ctx, key)
		if err != nil {
			return Update{}, fmt.Errorf("effectiveness: apply %s: %w", key, err)
		}
		if cur.HasApplied(rec.ID) {
			return Update{Key: key, Before: cur.Weight, After: cur.Weight, Retired: cur.IsRetired, Skipped: true}, nil
		}

		next, u := Step(cur, accepted, relevant, t.clock(), t.cfg.RetireThreshold)
		next.Version = cur.Version + 1
		next.MarkApplied(rec.ID)

		err = t.store.UpsertEffectiveness(ctx, next)
		if err == nil {
			if u.Retired && !cur.IsRetired {
				t.logger.Info("effectiveness: signal retired", "key", key.String(), "weight", u.After)
				t.recorder.RecordRetired(1)
			}
			t.recorder.RecordUpdate(u)
			return u, nil
		}
		if !errors.Is(err, store.ErrTransientConflict) {
			return Update{}, fmt.Errorf("effectiveness: apply %s: %w", key, err)
		}
		lastErr = err
		t.logger.Debug("effectiveness: version conflict, retrying", "key", key.String(), "attempt", attempt+1)
	}
	return Update{}, fmt.Errorf("effectiveness: apply %s: gave up after %d attempts: %w",
		key, t.cfg.MaxConflictRetries+1, lastErr)
}

// load returns the stored record or a fresh neutral one at version 0.
func (t *Tracker) load(ctx context.Context, key model.EffectivenessKey) (model.EffectivenessRecord, error) {
	rec, err := t.store.GetEffectiveness(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		rec = model.NewEffectivenessRecord(key)
		rec.DecayRate = t.cfg.DecayRate
		return rec, nil
	}
	return rec, err
}

func (t *Tracker) backoff(ctx context.Context, attempt int) error {
	base := t.cfg.RetryBaseDelay * time.Duration(1<<(attempt-1))
	if base <= 0 {
		return ctx.Err()
	}
	jitter := time.Duration(rand.Int64N(int64(base)/2 + 1))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(base + jitter):
		return nil
	}
}

// #endregion on-feedback

// #region ranking

// Ranked is an effectiveness record with its decay-adjusted weight at query time.
type Ranked struct {
	model.EffectivenessRecord
	EffectiveWeight float64 `json:"effective_weight"`
}

// GetTopDiscriminators returns the non-retired records of a scope ordered by
// decay-adjusted weight, highest first. limit <= 0 returns all of them.
func (t *Tracker) GetTopDiscriminators(ctx context.Context, contentType, goal string, limit int) ([]Ranked, error) {
	recs, err := t.store.QueryTopEffectiveness(ctx, contentType, goal, 0)
	if err != nil {
		return nil, fmt.Errorf("effectiveness: top discriminators: %w", err)
	}
	now := t.clock()
	out := make([]Ranked, 0, len(recs))
	for _, r := range recs {
		if r.IsRetired {
			continue
		}
		out = append(out, Ranked{EffectivenessRecord: r, EffectiveWeight: Decay(r, now)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].EffectiveWeight != out[j].EffectiveWeight {
			return out[i].EffectiveWeight > out[j].EffectiveWeight
		}
		return out[i].SignalKey < out[j].SignalKey
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// #endregion ranking

// #region prune

// Prune retires every non-retired record in scope whose decay-adjusted weight
// is below threshold (<= 0 means the configured retire threshold) and returns
// how many it retired. Each candidate is re-read under its key lock before
// being marked, so a concurrent OnFeedback that lifted the weight wins.
func (t *Tracker) Prune(ctx context.Context, scope model.EffectivenessFilter, threshold float64) (int, error) {
	if threshold <= 0 {
		threshold = t.cfg.RetireThreshold
	}
	scope.IncludeRetired = false
	candidates, err := t.store.ListEffectiveness(ctx, scope)
	if err != nil {
		return 0, fmt.Errorf("effectiveness: prune: %w", err)
	}

	var retired int
	var errs []error
	for _, c := range candidates {
		if Decay(c, t.clock()) >= threshold {
			continue
		}
		ok, err := t.retire(ctx, c.EffectivenessKey, threshold)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			retired++
		}
	}
	if retired > 0 {
		t.recorder.RecordRetired(retired)
		t.logger.Info("effectiveness: pruned", "scope_content_type", scope.ContentType,
			"scope_goal", scope.Goal, "threshold", threshold, "retired", retired)
	}
	return retired, errors.Join(errs...)
}

func (t *Tracker) retire(ctx context.Context, key model.EffectivenessKey, threshold float64) (bool, error) {
	unlock := t.locks.Lock(key.ID())
	defer unlock()

	err := store.WithRetry(ctx, t.cfg.MaxConflictRetries, t.cfg.RetryBaseDelay, func() error {
		cur, err := t.store.GetEffectiveness(ctx, key)
		if err != nil {
			return err
		}
		if cur.IsRetired || Decay(cur, t.clock()) >= threshold {
			return errNothingToDo
		}
		cur.IsRetired = true
		cur.Version++
		return t.store.UpsertEffectiveness(ctx, cur)
	})
	if errors.Is(err, errNothingToDo) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("effectiveness: retire %s: %w", key, err)
	}
	return true, nil
}

var errNothingToDo = errors.New("nothing to do")

// #endregion prune

// #region reinstate

// Reinstate clears retirement on key and restores the neutral weight so the
// signal competes again from scratch. History counts are kept. Reinstating a
// record that is not retired is a no-op.
func (t *Tracker) Reinstate(ctx context.Context, key model.EffectivenessKey) error {
	unlock := t.locks.Lock(key.ID())
	defer unlock()

	err := store.WithRetry(ctx, t.cfg.MaxConflictRetries, t.cfg.RetryBaseDelay, func() error {
		cur, err := t.store.GetEffectiveness(ctx, key)
		if err != nil {
			return err
		}
		if !cur.IsRetired {
			return errNothingToDo
		}
		cur.IsRetired = false
		cur.Weight = model.DefaultWeight
		cur.LastEvaluated = t.clock()
		cur.Version++
		return t.store.UpsertEffectiveness(ctx, cur)
	})
	if errors.Is(err, errNothingToDo) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("effectiveness: reinstate %s: %w", key, err)
	}
	t.logger.Info("effectiveness: signal reinstated", "key", key.String())
	return nil
}

// #endregion reinstate
