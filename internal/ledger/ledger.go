// Package ledger is the append-only evidence log: one immutable record per
// analysis, annotated exactly once with the user's verdict.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/scottgal/lucidrag-sub005/internal/model"
	"github.com/scottgal/lucidrag-sub005/internal/store"
)

// #region ledger

// Ledger wraps a store.LedgerStore with id assignment, timestamping and
// integrity hashing.
type Ledger struct {
	store  store.LedgerStore
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides time.Now for timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a Ledger over st.
func New(st store.LedgerStore, logger *slog.Logger, opts ...Option) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Ledger{store: st, now: time.Now, logger: logger}
	for _, o := range opts {
		o(l)
	}
	return l
}

// #endregion ledger

// #region append

// Append stores rec as a new pending record and returns its id. An empty ID
// gets a fresh UUID and a zero Timestamp gets the current time. Timestamps are
// kept at microsecond precision so every backend round-trips them exactly.
// Returns store.ErrDuplicateID only when the caller supplied a colliding ID.
func (l *Ledger) Append(ctx context.Context, rec model.LedgerRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.now()
	}
	rec.Timestamp = rec.Timestamp.UTC().Truncate(time.Microsecond)
	rec.Outcome = model.OutcomePending
	rec.FeedbackText = ""
	rec.AnnotatedAt = nil
	rec.IntegrityHash = ComputeIntegrityHash(rec)

	id, err := l.store.AppendLedger(ctx, rec)
	if err != nil {
		return "", fmt.Errorf("ledger: append: %w", err)
	}
	l.logger.Debug("ledger: appended", "id", id, "content_hash", rec.ContentHash,
		"content_type", rec.ContentType, "goal", rec.Goal)
	return id, nil
}

// #endregion append

// #region annotate

// AnnotateOutcome records the verdict on a pending record. AnnotatedAt comes
// from the ledger clock. Returns
// store.ErrNotFound or store.ErrAlreadyAnnotated; a second verdict is refused
// even when it matches the first.
func (l *Ledger) AnnotateOutcome(ctx context.Context, id string, accepted bool, feedbackText string) error {
	if err := l.store.AnnotateLedger(ctx, id, model.OutcomeFor(accepted), feedbackText, l.now().UTC().Truncate(time.Microsecond)); err != nil {
		return fmt.Errorf("ledger: annotate: %w", err)
	}
	return nil
}

// #endregion annotate

// #region read

// Query returns the records matching filter without side effects.
func (l *Ledger) Query(ctx context.Context, filter model.LedgerFilter) ([]model.LedgerRecord, error) {
	recs, err := l.store.QueryLedger(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("ledger: query: %w", err)
	}
	return recs, nil
}

// Get returns one record.
func (l *Ledger) Get(ctx context.Context, id string) (model.LedgerRecord, error) {
	rec, err := l.store.GetLedger(ctx, id)
	if err != nil {
		return model.LedgerRecord{}, fmt.Errorf("ledger: get: %w", err)
	}
	return rec, nil
}

// LatestFor returns the newest record for contentHash, if any.
func (l *Ledger) LatestFor(ctx context.Context, contentHash string) (model.LedgerRecord, bool, error) {
	recs, err := l.store.QueryLedger(ctx, model.LedgerFilter{ContentHash: contentHash, Limit: 1, Newest: true})
	if err != nil {
		return model.LedgerRecord{}, false, fmt.Errorf("ledger: latest for %s: %w", contentHash, err)
	}
	if len(recs) == 0 {
		return model.LedgerRecord{}, false, nil
	}
	return recs[0], true, nil
}

// #endregion read
