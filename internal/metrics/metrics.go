// Package metrics holds the Prometheus collectors for the learning engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scottgal/lucidrag-sub005/internal/effectiveness"
	"github.com/scottgal/lucidrag-sub005/internal/store"
)

// Metrics owns a private registry so several engines (and tests) never
// collide on the process-wide default.
type Metrics struct {
	Registry *prometheus.Registry

	AnalysisTotal     *prometheus.CounterVec
	AnalysisDuration  prometheus.Histogram
	FeedbackTotal     *prometheus.CounterVec
	WeightUpdateTotal *prometheus.CounterVec
	ConflictTotal     prometheus.Counter
	RetiredTotal      prometheus.Counter
	WeightAfter       prometheus.Histogram
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		AnalysisTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lucidlearn_analysis_total",
				Help: "Analyses scored, by result",
			},
			[]string{"status"}, // persisted | unpersisted | failed | cancelled
		),
		AnalysisDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "lucidlearn_analysis_duration_seconds",
				Help:    "Time to score and record one analysis",
				Buckets: prometheus.DefBuckets,
			},
		),
		FeedbackTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lucidlearn_feedback_total",
				Help: "Feedback submissions, by outcome and error kind",
			},
			[]string{"outcome", "error"},
		),
		WeightUpdateTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lucidlearn_weight_update_total",
				Help: "Effectiveness updates, by agreement",
			},
			[]string{"agreed"},
		),
		ConflictTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "lucidlearn_version_conflict_total",
				Help: "Version-checked writes that lost to a concurrent writer",
			},
		),
		RetiredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "lucidlearn_signal_retired_total",
				Help: "Signals retired by feedback or prune",
			},
		),
		WeightAfter: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "lucidlearn_weight_after",
				Help:    "Weight written by each update",
				Buckets: prometheus.LinearBuckets(0, 0.25, 9),
			},
		),
	}
	m.Registry.MustRegister(
		m.AnalysisTotal, m.AnalysisDuration, m.FeedbackTotal,
		m.WeightUpdateTotal, m.ConflictTotal, m.RetiredTotal, m.WeightAfter,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// #region recorder

var _ effectiveness.Recorder = (*Metrics)(nil)

// RecordUpdate counts a weight update. Skipped updates are not counted.
func (m *Metrics) RecordUpdate(u effectiveness.Update) {
	if u.Skipped {
		return
	}
	agreed := "false"
	if u.Agreed {
		agreed = "true"
	}
	m.WeightUpdateTotal.WithLabelValues(agreed).Inc()
	m.WeightAfter.Observe(u.After)
}

func (m *Metrics) RecordConflict() { m.ConflictTotal.Inc() }

func (m *Metrics) RecordRetired(n int) { m.RetiredTotal.Add(float64(n)) }

// RecordAnalysis counts one analysis and observes its duration.
func (m *Metrics) RecordAnalysis(status string, d time.Duration) {
	m.AnalysisTotal.WithLabelValues(status).Inc()
	m.AnalysisDuration.Observe(d.Seconds())
}

// RecordFeedback counts one Submit. err is reduced to its store kind.
func (m *Metrics) RecordFeedback(outcome string, err error) {
	kind := store.Kind(err)
	if kind == "" {
		kind = "none"
	}
	m.FeedbackTotal.WithLabelValues(outcome, kind).Inc()
}

// #endregion recorder
