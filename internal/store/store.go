// Package store defines the persistence contract the learning core depends on.
//
// Backends (memory, sqlite, postgres, redis) implement these interfaces with
// the atomicity the core relies on: every record read returns a complete
// record, ledger appends are all-or-nothing, and effectiveness upserts are
// version-checked so concurrent writers cannot silently overwrite each other.
package store

import (
	"context"
	"time"

	"github.com/scottgal/lucidrag-sub005/internal/model"
)

// #region ledger-store

// LedgerStore is the append-only record of analyses.
type LedgerStore interface {
	// AppendLedger stores rec as given. Returns ErrDuplicateID if rec.ID exists.
	AppendLedger(ctx context.Context, rec model.LedgerRecord) (string, error)
	// AnnotateLedger moves a pending record to its terminal outcome, stamping
	// AnnotatedAt with at. Returns ErrNotFound or ErrAlreadyAnnotated.
	AnnotateLedger(ctx context.Context, id string, outcome model.Outcome, feedbackText string, at time.Time) error
	QueryLedger(ctx context.Context, filter model.LedgerFilter) ([]model.LedgerRecord, error)
	// GetLedger returns ErrNotFound for an unknown id.
	GetLedger(ctx context.Context, id string) (model.LedgerRecord, error)
}

// #endregion ledger-store

// #region effectiveness-store

// EffectivenessStore holds the mutable learned weights.
type EffectivenessStore interface {
	// GetEffectiveness returns ErrNotFound when the key has never been written.
	GetEffectiveness(ctx context.Context, key model.EffectivenessKey) (model.EffectivenessRecord, error)
	// UpsertEffectiveness writes rec if the stored version equals rec.Version-1
	// (or the key is absent and rec.Version == 1). Otherwise it returns
	// ErrTransientConflict and leaves the stored record untouched.
	UpsertEffectiveness(ctx context.Context, rec model.EffectivenessRecord) error
	// QueryTopEffectiveness returns non-retired records of a scope ordered by
	// stored weight, descending. limit <= 0 returns all of them.
	QueryTopEffectiveness(ctx context.Context, contentType, goal string, limit int) ([]model.EffectivenessRecord, error)
	ListEffectiveness(ctx context.Context, filter model.EffectivenessFilter) ([]model.EffectivenessRecord, error)
}

// #endregion effectiveness-store

// #region repair-journal

// RepairJournal remembers signal updates that failed after their ledger
// record was annotated, so a later pass can finish them.
type RepairJournal interface {
	// SavePendingRepair replaces any existing entry for the same record.
	SavePendingRepair(ctx context.Context, r model.PendingRepair) error
	ListPendingRepairs(ctx context.Context) ([]model.PendingRepair, error)
	ClearPendingRepair(ctx context.Context, recordID string) error
}

// #endregion repair-journal

// #region backend

// Backend bundles every store a running engine needs.
type Backend interface {
	LedgerStore
	EffectivenessStore
	RepairJournal
	Ping(ctx context.Context) error
	Close() error
}

// Composite assembles a Backend from independent parts, e.g. a SQL ledger
// with a Redis-hosted effectiveness store. Close closes every distinct part.
type Composite struct {
	LedgerStore
	EffectivenessStore
	RepairJournal
	Pinger  func(ctx context.Context) error
	Closers []func() error
}

// Ping runs the configured health check, if any.
func (c *Composite) Ping(ctx context.Context) error {
	if c.Pinger == nil {
		return nil
	}
	return c.Pinger(ctx)
}

// Close closes every part and returns the first error.
func (c *Composite) Close() error {
	var first error
	for _, fn := range c.Closers {
		if err := fn(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// #endregion backend
