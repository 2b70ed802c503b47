// Package audit checks the stored ledger and weights against the invariants
// the engine maintains. It reads only; nothing is repaired.
package audit

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/scottgal/lucidrag-sub005/internal/ledger"
	"github.com/scottgal/lucidrag-sub005/internal/model"
	"github.com/scottgal/lucidrag-sub005/internal/store"
)

// #region types

// Metric captures a single check.
type Metric struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Pass  bool    `json:"pass"`
	// Informational metrics never fail the audit.
	Informational bool `json:"informational,omitempty"`
}

// Finding names one record that failed a check.
type Finding struct {
	Check   string `json:"check"`
	Subject string `json:"subject"`
	Detail  string `json:"detail"`
}

// Result is the output of an audit.
type Result struct {
	Passed     bool      `json:"passed"`
	Reason     string    `json:"reason"`
	Records    int       `json:"ledger_records"`
	Weights    int       `json:"effectiveness_records"`
	MerkleRoot string    `json:"merkle_root,omitempty"`
	Metrics    []Metric  `json:"metrics"`
	Findings   []Finding `json:"findings,omitempty"`
}

// #endregion types

// #region auditor

// Auditor reads a ledger and an effectiveness store.
type Auditor struct {
	ledger      store.LedgerStore
	weights     store.EffectivenessStore
	maxFindings int
}

// New creates an Auditor. Findings are capped at maxFindings (<= 0 means 100)
// so a badly damaged store still yields a readable report.
func New(ls store.LedgerStore, es store.EffectivenessStore, maxFindings int) *Auditor {
	if maxFindings <= 0 {
		maxFindings = 100
	}
	return &Auditor{ledger: ls, weights: es, maxFindings: maxFindings}
}

// Run checks every ledger and effectiveness record.
func (a *Auditor) Run(ctx context.Context) (Result, error) {
	recs, err := a.ledger.QueryLedger(ctx, model.LedgerFilter{})
	if err != nil {
		return Result{}, fmt.Errorf("audit: read ledger: %w", err)
	}
	weights, err := a.weights.ListEffectiveness(ctx, model.EffectivenessFilter{IncludeRetired: true})
	if err != nil {
		return Result{}, fmt.Errorf("audit: read weights: %w", err)
	}

	r := &report{max: a.maxFindings}
	r.res.Records = len(recs)
	r.res.Weights = len(weights)

	a.checkLedger(r, recs)
	a.checkWeights(r, weights)
	a.checkProvenance(r, recs, weights)

	leaves := make([]string, 0, len(recs))
	for _, rec := range recs {
		leaves = append(leaves, rec.IntegrityHash)
	}
	sort.Strings(leaves)
	r.res.MerkleRoot = ledger.MerkleRoot(leaves)

	r.finish()
	return r.res, nil
}

// #endregion auditor

// #region ledger-checks

func (a *Auditor) checkLedger(r *report, recs []model.LedgerRecord) {
	var tampered, badOutcome, badVectors, badOverall float64
	for _, rec := range recs {
		if !ledger.Verify(rec) {
			tampered++
			r.find("integrity_hash", rec.ID, "stored hash does not match the record")
		}

		switch rec.Outcome {
		case model.OutcomePending:
			if rec.AnnotatedAt != nil || rec.FeedbackText != "" {
				badOutcome++
				r.find("outcome", rec.ID, "pending record carries annotation fields")
			}
		case model.OutcomeAccepted, model.OutcomeRejected:
			if rec.AnnotatedAt == nil {
				badOutcome++
				r.find("outcome", rec.ID, "annotated record has no annotation time")
			}
		default:
			badOutcome++
			r.find("outcome", rec.ID, fmt.Sprintf("unknown outcome %q", rec.Outcome))
		}

		for _, v := range rec.Vectors.Present() {
			score, _ := rec.Vectors.Get(v)
			if score < 0 || score > 1 || math.IsNaN(score) {
				badVectors++
				r.find("vector_range", rec.ID, fmt.Sprintf("%s=%g outside [0,1]", v, score))
			}
		}
		if math.Abs(rec.OverallScore-rec.Vectors.Overall()) > 1e-9 {
			badOverall++
			r.find("overall_score", rec.ID,
				fmt.Sprintf("overall %g, mean of present vectors %g", rec.OverallScore, rec.Vectors.Overall()))
		}
	}
	r.metric("ledger_integrity_failures", tampered)
	r.metric("ledger_outcome_failures", badOutcome)
	r.metric("ledger_vector_range_failures", badVectors)
	r.metric("ledger_overall_failures", badOverall)
}

// #endregion ledger-checks

// #region weight-checks

func (a *Auditor) checkWeights(r *report, weights []model.EffectivenessRecord) {
	var bounds, decay, counts, retired, stamps, retiredCount float64
	for _, w := range weights {
		subject := w.EffectivenessKey.String()
		if w.Weight < model.MinWeight || w.Weight > model.MaxWeight || math.IsNaN(w.Weight) {
			bounds++
			r.find("weight_bounds", subject, fmt.Sprintf("weight %g outside [0,2]", w.Weight))
		}
		if w.DecayRate <= 0 || w.DecayRate > 1 {
			decay++
			r.find("decay_rate", subject, fmt.Sprintf("decay rate %g outside (0,1]", w.DecayRate))
		}
		if w.EvaluationCount < 0 || w.AgreementCount < 0 || w.DisagreementCount < 0 ||
			w.AgreementCount+w.DisagreementCount != w.EvaluationCount {
			counts++
			r.find("counts", subject, fmt.Sprintf("%d agreements + %d disagreements != %d evaluations",
				w.AgreementCount, w.DisagreementCount, w.EvaluationCount))
		}
		if w.IsRetired {
			retiredCount++
			if w.EvaluationCount == 0 {
				retired++
				r.find("retired_history", subject, "retired without any evaluation")
			}
		}
		if w.EvaluationCount > 0 && w.LastEvaluated.IsZero() {
			stamps++
			r.find("last_evaluated", subject, "evaluated record has no evaluation time")
		}
	}
	r.metric("weight_bounds_failures", bounds)
	r.metric("decay_rate_failures", decay)
	r.metric("count_failures", counts)
	r.metric("retired_without_history", retired)
	r.metric("last_evaluated_failures", stamps)
	r.info("retired_signals", retiredCount)
}

// checkProvenance compares each key's evaluation count with the annotated
// ledger records it could have learned from. More evaluations than verdicts
// means weights moved without a recorded reason.
func (a *Auditor) checkProvenance(r *report, recs []model.LedgerRecord, weights []model.EffectivenessRecord) {
	verdicts := make(map[model.EffectivenessKey]int)
	for _, rec := range recs {
		if rec.Outcome == model.OutcomePending {
			continue
		}
		for _, c := range rec.Contributions {
			verdicts[model.EffectivenessKey{SignalKey: c.SignalKey, ContentType: rec.ContentType, Goal: rec.Goal}]++
		}
	}

	var unexplained, lagging float64
	for _, w := range weights {
		n := verdicts[w.EffectivenessKey]
		switch {
		case w.EvaluationCount > n:
			unexplained++
			r.find("provenance", w.EffectivenessKey.String(),
				fmt.Sprintf("%d evaluations but only %d annotated records", w.EvaluationCount, n))
		case w.EvaluationCount < n:
			lagging++
		}
	}
	r.metric("unexplained_evaluations", unexplained)
	// Lagging keys are expected while repairs are pending.
	r.info("lagging_keys", lagging)
}

// #endregion weight-checks

// #region report

type report struct {
	res      Result
	max      int
	failures []string
}

func (r *report) metric(name string, failures float64) {
	pass := failures == 0
	r.res.Metrics = append(r.res.Metrics, Metric{Name: name, Value: failures, Pass: pass})
	if !pass {
		r.failures = append(r.failures, fmt.Sprintf("%s=%g", name, failures))
	}
}

func (r *report) info(name string, v float64) {
	r.res.Metrics = append(r.res.Metrics, Metric{Name: name, Value: v, Pass: true, Informational: true})
}

func (r *report) find(check, subject, detail string) {
	if len(r.res.Findings) >= r.max {
		return
	}
	r.res.Findings = append(r.res.Findings, Finding{Check: check, Subject: subject, Detail: detail})
}

func (r *report) finish() {
	r.res.Passed = len(r.failures) == 0
	switch len(r.failures) {
	case 0:
		r.res.Reason = "all checks passed"
	case 1:
		r.res.Reason = "audit failed: " + r.failures[0]
	default:
		r.res.Reason = fmt.Sprintf("audit failed: %d checks: %s", len(r.failures), r.failures[0])
	}
}

// #endregion report
