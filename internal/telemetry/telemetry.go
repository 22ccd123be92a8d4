// Package telemetry exports optimization progress as Prometheus metrics.
package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cwbudde/envopt/internal/store"
)

const namespace = "envopt"

// metricFields are the weighted metric columns of store.RecordFields.
var metricFields = store.RecordFields[3 : 3+store.MetricCount]

// Metrics holds the collectors shared by every run of a process.
type Metrics struct {
	rounds     *prometheus.CounterVec
	fitness    *prometheus.GaugeVec
	best       *prometheus.GaugeVec
	bestMetric *prometheus.GaugeVec
	evalTime   *prometheus.GaugeVec
	phases     *prometheus.HistogramVec
	runs       *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		rounds: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_total",
			Help:      "Rounds finished per run, round 0 included",
		}, []string{"run"}),
		fitness: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "round_fitness",
			Help:      "Best fitness of the latest round population",
		}, []string{"run"}),
		best: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "best_fitness",
			Help:      "Best fitness seen since the run started",
		}, []string{"run"}),
		bestMetric: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "best_metric",
			Help:      "Weighted metric of the best-so-far candidate",
		}, []string{"run", "metric"}),
		evalTime: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "evaluation_seconds",
			Help:      "Cumulative evaluation time of the run",
		}, []string{"run"}),
		phases: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Duration of one evaluation phase of a candidate",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14), // 0.1ms to ~1.6s
		}, []string{"phase"}),
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished runs by outcome",
		}, []string{"outcome"}),
	}
}

// NewRegistry returns a registry with the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the metrics of g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// RunFinished counts a run by outcome (completed, failed, cancelled).
func (m *Metrics) RunFinished(outcome string) {
	m.runs.WithLabelValues(outcome).Inc()
}

// Forget drops the per-run series of runID.
func (m *Metrics) Forget(runID string) {
	m.rounds.DeleteLabelValues(runID)
	m.fitness.DeleteLabelValues(runID)
	m.best.DeleteLabelValues(runID)
	m.evalTime.DeleteLabelValues(runID)
	for _, name := range metricFields {
		m.bestMetric.DeleteLabelValues(runID, name)
	}
}

// Recorder returns a store.Recorder updating the series of runID.
func (m *Metrics) Recorder(runID string) *Recorder {
	return &Recorder{m: m, runID: runID}
}

// Recorder implements store.Recorder and store.PhaseRecorder on top of
// Metrics.
type Recorder struct {
	m     *Metrics
	runID string
}

var (
	_ store.Recorder      = (*Recorder)(nil)
	_ store.PhaseRecorder = (*Recorder)(nil)
)

func (r *Recorder) WriteHeader(fields []string) error {
	if len(fields) != len(store.RecordFields) {
		return fmt.Errorf("telemetry: expected %d fields, got %d", len(store.RecordFields), len(fields))
	}
	return nil
}

func (r *Recorder) Record(rec store.RoundRecord) error {
	r.m.rounds.WithLabelValues(r.runID).Inc()
	r.m.fitness.WithLabelValues(r.runID).Set(rec.Fitness)
	r.m.best.WithLabelValues(r.runID).Set(rec.BestSoFar)
	r.m.evalTime.WithLabelValues(r.runID).Set(rec.ElapsedMS / 1000)
	for i, name := range metricFields {
		r.m.bestMetric.WithLabelValues(r.runID, name).Set(rec.Metrics[i])
	}
	return nil
}

func (r *Recorder) RecordPhase(phase string, d time.Duration) {
	r.m.phases.WithLabelValues(phase).Observe(d.Seconds())
}

// Close keeps the series so the final values stay visible; use
// Metrics.Forget to drop them.
func (r *Recorder) Close() error { return nil }
