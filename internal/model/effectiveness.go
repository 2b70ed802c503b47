package model

import (
	"cmp"
	"slices"
	"strconv"
	"time"
)

// Weight bounds and defaults for effectiveness records.
const (
	MinWeight        = 0.0
	MaxWeight        = 2.0
	DefaultWeight    = 1.0
	DefaultDecayRate = 0.95
	RetireThreshold  = 0.1

	// RecentLedgerWindow bounds how many applied ledger ids a record keeps.
	RecentLedgerWindow = 16
)

// #region key

// EffectivenessKey scopes a weight to one signal within a content type and goal.
type EffectivenessKey struct {
	SignalKey   string `json:"signal_key"`
	ContentType string `json:"content_type"`
	Goal        string `json:"goal"`
}

// String renders the key as "signal|content_type|goal" for logs and errors.
// Parts may contain "|", so it is not an identity; use ID for that.
func (k EffectivenessKey) String() string {
	return k.SignalKey + "|" + k.ContentType + "|" + k.Goal
}

// ID is an unambiguous encoding of the key: each part is prefixed with its
// byte length, so distinct keys never share an ID.
func (k EffectivenessKey) ID() string {
	b := make([]byte, 0, len(k.SignalKey)+len(k.ContentType)+len(k.Goal)+12)
	for i, part := range [...]string{k.SignalKey, k.ContentType, k.Goal} {
		if i > 0 {
			b = append(b, '|')
		}
		b = strconv.AppendInt(b, int64(len(part)), 10)
		b = append(b, ':')
		b = append(b, part...)
	}
	return string(b)
}

// Compare orders keys by signal, then content type, then goal.
func (k EffectivenessKey) Compare(o EffectivenessKey) int {
	if c := cmp.Compare(k.SignalKey, o.SignalKey); c != 0 {
		return c
	}
	if c := cmp.Compare(k.ContentType, o.ContentType); c != 0 {
		return c
	}
	return cmp.Compare(k.Goal, o.Goal)
}

// #endregion key

// #region record

// EffectivenessRecord is the mutable learned weight for one key.
// Version increases by one on every successful upsert.
type EffectivenessRecord struct {
	EffectivenessKey
	Weight            float64   `json:"weight"`
	EvaluationCount   int       `json:"evaluation_count"`
	AgreementCount    int       `json:"agreement_count"`
	DisagreementCount int       `json:"disagreement_count"`
	LastEvaluated     time.Time `json:"last_evaluated"`
	DecayRate         float64   `json:"decay_rate"`
	IsRetired         bool      `json:"is_retired"`
	Version           int64     `json:"version"`
	LastLedgerID      string    `json:"last_ledger_id,omitempty"`
	// RecentLedgerIDs holds the newest RecentLedgerWindow ledger ids applied
	// to this key, LastLedgerID included.
	RecentLedgerIDs []string `json:"recent_ledger_ids,omitempty"`
}

// HasApplied reports whether ledger record id is among the recent updates.
func (r EffectivenessRecord) HasApplied(id string) bool {
	return id != "" && (r.LastLedgerID == id || slices.Contains(r.RecentLedgerIDs, id))
}

// MarkApplied makes id the latest applied ledger record. The window is
// copied, never appended in place.
func (r *EffectivenessRecord) MarkApplied(id string) {
	r.LastLedgerID = id
	if id == "" {
		return
	}
	keep := r.RecentLedgerIDs
	if n := len(keep); n >= RecentLedgerWindow {
		keep = keep[n-RecentLedgerWindow+1:]
	}
	recent := make([]string, 0, len(keep)+1)
	recent = append(recent, keep...)
	r.RecentLedgerIDs = append(recent, id)
}

// NewEffectivenessRecord returns the neutral record used for an unseen key.
func NewEffectivenessRecord(key EffectivenessKey) EffectivenessRecord {
	return EffectivenessRecord{
		EffectivenessKey: key,
		Weight:           DefaultWeight,
		DecayRate:        DefaultDecayRate,
	}
}

// #endregion record

// #region filter

// EffectivenessFilter scopes a scan over effectiveness records.
// Empty ContentType or Goal matches every value.
type EffectivenessFilter struct {
	ContentType    string
	Goal           string
	IncludeRetired bool
}

// Matches reports whether rec falls inside the filter scope.
func (f EffectivenessFilter) Matches(rec EffectivenessRecord) bool {
	if f.ContentType != "" && rec.ContentType != f.ContentType {
		return false
	}
	if f.Goal != "" && rec.Goal != f.Goal {
		return false
	}
	if !f.IncludeRetired && rec.IsRetired {
		return false
	}
	return true
}

// #endregion filter
