// Package memory is an in-process Backend. It backs tests and ephemeral
// runs; nothing survives Close.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/scottgal/lucidrag-sub005/internal/model"
	"github.com/scottgal/lucidrag-sub005/internal/store"
)

// #region store-struct

// Store keeps ledger, effectiveness and repair state in maps guarded by one
// RWMutex. Every read hands out a deep copy, so callers never observe a
// record mid-update.
type Store struct {
	mu            sync.RWMutex
	ledger        map[string]model.LedgerRecord
	order         []string
	effectiveness map[model.EffectivenessKey]model.EffectivenessRecord
	repairs       map[string]model.PendingRepair
	closed        bool
}

var _ store.Backend = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		ledger:        make(map[string]model.LedgerRecord),
		effectiveness: make(map[model.EffectivenessKey]model.EffectivenessRecord),
		repairs:       make(map[string]model.PendingRepair),
	}
}

// #endregion store-struct

// #region lifecycle

// Ping reports ErrBackendUnavailable after Close.
func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.ErrBackendUnavailable
	}
	return nil
}

// Close marks the store unavailable. Subsequent calls fail.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) checkOpen(op string) error {
	if s.closed {
		return fmt.Errorf("memory: %s: %w", op, store.ErrBackendUnavailable)
	}
	return nil
}

// #endregion lifecycle

// #region ledger

// AppendLedger stores a copy of rec.
func (s *Store) AppendLedger(_ context.Context, rec model.LedgerRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("append"); err != nil {
		return "", err
	}
	if _, exists := s.ledger[rec.ID]; exists {
		return "", fmt.Errorf("memory: append %s: %w", rec.ID, store.ErrDuplicateID)
	}
	s.ledger[rec.ID] = cloneLedger(rec)
	s.order = append(s.order, rec.ID)
	return rec.ID, nil
}

// AnnotateLedger sets the terminal outcome of a pending record.
func (s *Store) AnnotateLedger(_ context.Context, id string, outcome model.Outcome, feedbackText string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("annotate"); err != nil {
		return err
	}
	rec, ok := s.ledger[id]
	if !ok {
		return fmt.Errorf("memory: annotate %s: %w", id, store.ErrNotFound)
	}
	if rec.Outcome != model.OutcomePending {
		return fmt.Errorf("memory: annotate %s: %w", id, store.ErrAlreadyAnnotated)
	}
	now := at.UTC()
	rec.Outcome = outcome
	rec.FeedbackText = feedbackText
	rec.AnnotatedAt = &now
	s.ledger[id] = rec
	return nil
}

// QueryLedger scans records in timestamp order.
func (s *Store) QueryLedger(_ context.Context, filter model.LedgerFilter) ([]model.LedgerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen("query"); err != nil {
		return nil, err
	}
	var out []model.LedgerRecord
	for i := range s.order {
		// Newest-first breaks timestamp ties by latest insertion.
		id := s.order[i]
		if filter.Newest {
			id = s.order[len(s.order)-1-i]
		}
		rec := s.ledger[id]
		if filter.Matches(rec) {
			out = append(out, cloneLedger(rec))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if filter.Newest {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// GetLedger returns one record by id.
func (s *Store) GetLedger(_ context.Context, id string) (model.LedgerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen("get"); err != nil {
		return model.LedgerRecord{}, err
	}
	rec, ok := s.ledger[id]
	if !ok {
		return model.LedgerRecord{}, fmt.Errorf("memory: get %s: %w", id, store.ErrNotFound)
	}
	return cloneLedger(rec), nil
}

// #endregion ledger

// #region effectiveness

// GetEffectiveness returns the stored record for key.
func (s *Store) GetEffectiveness(_ context.Context, key model.EffectivenessKey) (model.EffectivenessRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen("get effectiveness"); err != nil {
		return model.EffectivenessRecord{}, err
	}
	rec, ok := s.effectiveness[key]
	if !ok {
		return model.EffectivenessRecord{}, fmt.Errorf("memory: get effectiveness %s: %w", key, store.ErrNotFound)
	}
	return cloneEffectiveness(rec), nil
}

// UpsertEffectiveness applies a version-checked write.
func (s *Store) UpsertEffectiveness(_ context.Context, rec model.EffectivenessRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("upsert effectiveness"); err != nil {
		return err
	}
	cur, ok := s.effectiveness[rec.EffectivenessKey]
	var stored int64
	if ok {
		stored = cur.Version
	}
	if rec.Version != stored+1 {
		return fmt.Errorf("memory: upsert %s (have v%d, want v%d): %w",
			rec.EffectivenessKey, stored, rec.Version-1, store.ErrTransientConflict)
	}
	s.effectiveness[rec.EffectivenessKey] = cloneEffectiveness(rec)
	return nil
}

// QueryTopEffectiveness orders a scope by stored weight.
func (s *Store) QueryTopEffectiveness(ctx context.Context, contentType, goal string, limit int) ([]model.EffectivenessRecord, error) {
	out, err := s.ListEffectiveness(ctx, model.EffectivenessFilter{ContentType: contentType, Goal: goal})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Weight > out[j].Weight })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListEffectiveness returns every record in scope, ordered by key.
func (s *Store) ListEffectiveness(_ context.Context, filter model.EffectivenessFilter) ([]model.EffectivenessRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen("list effectiveness"); err != nil {
		return nil, err
	}
	var out []model.EffectivenessRecord
	for _, rec := range s.effectiveness {
		if filter.Matches(rec) {
			out = append(out, cloneEffectiveness(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EffectivenessKey.Compare(out[j].EffectivenessKey) < 0 })
	return out, nil
}

func cloneEffectiveness(rec model.EffectivenessRecord) model.EffectivenessRecord {
	rec.RecentLedgerIDs = slices.Clone(rec.RecentLedgerIDs)
	return rec
}

// #endregion effectiveness

// #region repairs

// SavePendingRepair replaces the journal entry for r.RecordID.
func (s *Store) SavePendingRepair(_ context.Context, r model.PendingRepair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("save repair"); err != nil {
		return err
	}
	r.SignalKeys = append([]string(nil), r.SignalKeys...)
	s.repairs[r.RecordID] = r
	return nil
}

// ListPendingRepairs returns journal entries oldest first.
func (s *Store) ListPendingRepairs(_ context.Context) ([]model.PendingRepair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen("list repairs"); err != nil {
		return nil, err
	}
	out := make([]model.PendingRepair, 0, len(s.repairs))
	for _, r := range s.repairs {
		r.SignalKeys = append([]string(nil), r.SignalKeys...)
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ClearPendingRepair drops the entry for recordID. Missing entries are ignored.
func (s *Store) ClearPendingRepair(_ context.Context, recordID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("clear repair"); err != nil {
		return err
	}
	delete(s.repairs, recordID)
	return nil
}

// #endregion repairs

// #region clone

func cloneLedger(rec model.LedgerRecord) model.LedgerRecord {
	out := rec
	out.Vectors = cloneVectors(rec.Vectors)
	if rec.Contributions != nil {
		out.Contributions = make([]model.SignalContribution, len(rec.Contributions))
		for i, c := range rec.Contributions {
			c.ContributedVectors = append([]model.VectorName(nil), c.ContributedVectors...)
			out.Contributions[i] = c
		}
	}
	if rec.AnnotatedAt != nil {
		t := *rec.AnnotatedAt
		out.AnnotatedAt = &t
	}
	return out
}

func cloneVectors(v model.VectorScores) model.VectorScores {
	var out model.VectorScores
	for _, name := range model.AllVectors {
		if score, ok := v.Get(name); ok {
			out.Set(name, score)
		}
	}
	return out
}

// #endregion clone
