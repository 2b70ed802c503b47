// Package orchestrator ties a user's verdict to both the ledger annotation
// and the effectiveness update of every contributing signal.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/scottgal/lucidrag-sub005/internal/effectiveness"
	"github.com/scottgal/lucidrag-sub005/internal/ledger"
	"github.com/scottgal/lucidrag-sub005/internal/model"
	"github.com/scottgal/lucidrag-sub005/internal/store"
)

// #region config

// Config bounds the per-signal retries inside Submit and Repair.
type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// DefaultConfig retries each signal three times starting at 20ms.
func DefaultConfig() Config {
	return Config{MaxRetries: 3, BaseDelay: 20 * time.Millisecond}
}

// #endregion config

// #region errors

// PartialFeedbackError reports a verdict that was recorded in the ledger but
// could not be applied to every signal. The failed signals are journaled for
// Repair.
type PartialFeedbackError struct {
	RecordID string
	Failed   []string
	Applied  int
	Err      error
}

func (e *PartialFeedbackError) Error() string {
	return fmt.Sprintf("orchestrator: feedback on %s applied to %d of %d signals (pending repair: %s): %v",
		e.RecordID, e.Applied, e.Applied+len(e.Failed), strings.Join(e.Failed, ", "), e.Err)
}

func (e *PartialFeedbackError) Unwrap() error { return e.Err }

// #endregion errors

// #region orchestrator-struct

// Orchestrator coordinates Ledger and Tracker.
type Orchestrator struct {
	ledger  *ledger.Ledger
	tracker *effectiveness.Tracker
	journal store.RepairJournal
	cfg     Config
	now     func() time.Time
	logger  *slog.Logger
}

// New creates an Orchestrator.
func New(l *ledger.Ledger, tr *effectiveness.Tracker, journal store.RepairJournal, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{ledger: l, tracker: tr, journal: journal, cfg: cfg, now: time.Now, logger: logger}
}

// Result summarizes a Submit.
type Result struct {
	RecordID string                 `json:"record_id"`
	Outcome  model.Outcome          `json:"outcome"`
	Updates  []effectiveness.Update `json:"updates"`
}

// #endregion orchestrator-struct

// #region submit

// Submit records the verdict on recordID and then applies it to every
// contributing signal. If the annotation fails (unknown id, second verdict)
// no weight moves. Once the annotation succeeds the weight updates run to
// completion even if ctx is cancelled; each signal is retried on its own and
// signals that still fail are journaled and reported in a
// *PartialFeedbackError.
func (o *Orchestrator) Submit(ctx context.Context, recordID string, accepted bool, feedbackText string) (Result, error) {
	rec, err := o.ledger.Get(ctx, recordID)
	if err != nil {
		return Result{}, fmt.Errorf("orchestrator: submit: %w", err)
	}
	if rec.Outcome != model.OutcomePending {
		return Result{}, fmt.Errorf("orchestrator: submit %s: %w", recordID, store.ErrAlreadyAnnotated)
	}
	if err := o.ledger.AnnotateOutcome(ctx, recordID, accepted, feedbackText); err != nil {
		return Result{}, fmt.Errorf("orchestrator: submit: %w", err)
	}

	res := Result{RecordID: recordID, Outcome: model.OutcomeFor(accepted)}
	updates, failed, applyErr := o.apply(context.WithoutCancel(ctx), rec, accepted, nil)
	res.Updates = updates
	if len(failed) == 0 {
		o.logger.Info("orchestrator: feedback applied", "record_id", recordID,
			"accepted", accepted, "signals", len(updates))
		return res, nil
	}

	journalErr := o.journal.SavePendingRepair(context.WithoutCancel(ctx), model.PendingRepair{
		RecordID:   recordID,
		Accepted:   accepted,
		SignalKeys: failed,
		LastError:  applyErr.Error(),
		CreatedAt:  o.now().UTC(),
	})
	if journalErr != nil {
		o.logger.Error("orchestrator: could not journal failed signals", "record_id", recordID,
			"signals", failed, "error", journalErr)
		applyErr = errors.Join(applyErr, journalErr)
	} else {
		o.logger.Warn("orchestrator: partial feedback journaled for repair", "record_id", recordID,
			"failed", failed, "error", applyErr)
	}
	return res, &PartialFeedbackError{RecordID: recordID, Failed: failed, Applied: len(updates), Err: applyErr}
}

// apply runs ApplyContribution for each contribution (or only those whose
// key is in only, when non-nil) with independent retries.
func (o *Orchestrator) apply(ctx context.Context, rec model.LedgerRecord, accepted bool, only map[string]bool) ([]effectiveness.Update, []string, error) {
	var updates []effectiveness.Update
	var failed []string
	var errs []error
	for _, c := range rec.Contributions {
		if only != nil && !only[c.SignalKey] {
			continue
		}
		var u effectiveness.Update
		err := store.WithRetry(ctx, o.cfg.MaxRetries, o.cfg.BaseDelay, func() error {
			var err error
			u, err = o.tracker.ApplyContribution(ctx, rec, c, accepted)
			return err
		})
		if err != nil {
			failed = append(failed, c.SignalKey)
			errs = append(errs, err)
			continue
		}
		updates = append(updates, u)
	}
	return updates, failed, errors.Join(errs...)
}

// #endregion submit

// #region repair

// RepairReport summarizes a Repair pass.
type RepairReport struct {
	Repaired int `json:"repaired"`
	Pending  int `json:"pending"`
	Signals  int `json:"signals_applied"`
}

// Repair re-applies journaled signal updates. An entry is cleared once every
// listed signal succeeds; otherwise it is rewritten with the signals that
// still fail. Signals that had in fact been applied, for instance when a
// write committed but reported an error, are skipped by the tracker while the
// record is within the key's last model.RecentLedgerWindow updates.
func (o *Orchestrator) Repair(ctx context.Context) (RepairReport, error) {
	entries, err := o.journal.ListPendingRepairs(ctx)
	if err != nil {
		return RepairReport{}, fmt.Errorf("orchestrator: repair: %w", err)
	}

	var report RepairReport
	var errs []error
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		rec, err := o.ledger.Get(ctx, entry.RecordID)
		if errors.Is(err, store.ErrNotFound) {
			o.logger.Warn("orchestrator: dropping repair for unknown record", "record_id", entry.RecordID)
			if err := o.journal.ClearPendingRepair(ctx, entry.RecordID); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if err != nil {
			errs = append(errs, err)
			report.Pending++
			continue
		}

		only := make(map[string]bool, len(entry.SignalKeys))
		for _, k := range entry.SignalKeys {
			only[k] = true
		}
		updates, failed, applyErr := o.apply(ctx, rec, entry.Accepted, only)
		report.Signals += len(updates)

		if len(failed) == 0 {
			if err := o.journal.ClearPendingRepair(ctx, entry.RecordID); err != nil {
				errs = append(errs, err)
				report.Pending++
				continue
			}
			report.Repaired++
			continue
		}
		entry.SignalKeys = failed
		entry.LastError = applyErr.Error()
		if err := o.journal.SavePendingRepair(ctx, entry); err != nil {
			errs = append(errs, err)
		}
		report.Pending++
	}
	if report.Repaired > 0 || report.Pending > 0 {
		o.logger.Info("orchestrator: repair pass", "repaired", report.Repaired, "pending", report.Pending)
	}
	if err := errors.Join(errs...); err != nil {
		return report, fmt.Errorf("orchestrator: repair: %w", err)
	}
	return report, nil
}

// #endregion repair
