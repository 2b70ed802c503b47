package model

import "time"

// #region outcome

// Outcome is the user verdict on an analysis.
type Outcome string

const (
	OutcomePending  Outcome = "pending"
	OutcomeAccepted Outcome = "accepted"
	OutcomeRejected Outcome = "rejected"
)

// OutcomeFor maps an accept/reject decision to its terminal outcome.
func OutcomeFor(accepted bool) Outcome {
	if accepted {
		return OutcomeAccepted
	}
	return OutcomeRejected
}

// #endregion outcome

// #region ledger-record

// LedgerRecord is the immutable fact of one analysis. Only Outcome,
// FeedbackText and AnnotatedAt change after creation, and only once.
type LedgerRecord struct {
	ID            string               `json:"id"`
	ContentHash   string               `json:"content_hash"`
	Timestamp     time.Time            `json:"timestamp"`
	ContentType   string               `json:"content_type"`
	Goal          string               `json:"goal"`
	Vectors       VectorScores         `json:"vectors"`
	OverallScore  float64              `json:"overall_score"`
	Contributions []SignalContribution `json:"contributions"`
	SourceModel   string               `json:"source_model"`
	Strategy      string               `json:"strategy,omitempty"`
	Caption       string               `json:"caption,omitempty"`
	Confidence    float64              `json:"confidence"`
	IntegrityHash string               `json:"integrity_hash"`

	Outcome      Outcome    `json:"outcome"`
	FeedbackText string     `json:"feedback_text,omitempty"`
	AnnotatedAt  *time.Time `json:"annotated_at,omitempty"`
}

// #endregion ledger-record

// #region ledger-filter

// LedgerFilter narrows a ledger query. Zero-valued fields do not filter.
// Results are ordered by Timestamp ascending unless Newest is set.
type LedgerFilter struct {
	ContentType string
	Goal        string
	ContentHash string
	Outcome     Outcome
	From        time.Time // inclusive
	To          time.Time // exclusive
	Limit       int
	Newest      bool
}

// Matches reports whether rec satisfies every set criterion.
// Limit and ordering are the caller's concern.
func (f LedgerFilter) Matches(rec LedgerRecord) bool {
	if f.ContentType != "" && rec.ContentType != f.ContentType {
		return false
	}
	if f.Goal != "" && rec.Goal != f.Goal {
		return false
	}
	if f.ContentHash != "" && rec.ContentHash != f.ContentHash {
		return false
	}
	if f.Outcome != "" && rec.Outcome != f.Outcome {
		return false
	}
	if !f.From.IsZero() && rec.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !rec.Timestamp.Before(f.To) {
		return false
	}
	return true
}

// #endregion ledger-filter

// #region pending-repair

// PendingRepair lists the signals of an annotated record whose weight
// update did not complete and must be re-applied.
type PendingRepair struct {
	RecordID   string    `json:"record_id"`
	Accepted   bool      `json:"accepted"`
	SignalKeys []string  `json:"signal_keys"`
	LastError  string    `json:"last_error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// #endregion pending-repair
