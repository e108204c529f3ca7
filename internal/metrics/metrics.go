// Package metrics records executor activity as Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder holds the executor's collectors. A nil *Recorder is valid and
// records nothing.
type Recorder struct {
	steps         *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	tokens        prometheus.Counter
	contextTokens prometheus.Histogram
	runs          *prometheus.CounterVec
	compressions  *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewRecorder registers the collectors with reg. Passing nil uses a fresh
// private registry.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Recorder{
		steps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ember_steps_total",
			Help: "Executed steps by action and result",
		}, []string{"action", "result"}),
		stepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ember_step_duration_seconds",
			Help:    "Wall time of one step, including the model call",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		}, []string{"action"}),
		tokens: f.NewCounter(prometheus.CounterOpts{
			Name: "ember_llm_tokens_total",
			Help: "Tokens consumed by model calls",
		}),
		contextTokens: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ember_context_tokens",
			Help:    "Estimated tokens of each built step context",
			Buckets: []float64{500, 1000, 2000, 4000, 6000, 8000, 12000},
		}),
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ember_runs_total",
			Help: "Finished runs by stop reason",
		}, []string{"reason"}),
		compressions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ember_section_compressions_total",
			Help: "Prompt sections truncated to fit their limit",
		}, []string{"section"}),
		gatherer: reg,
	}
}

// Gatherer exposes the underlying registry.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveStep records one executed step.
func (r *Recorder) ObserveStep(action, result string, d time.Duration, tokensUsed int) {
	if r == nil {
		return
	}
	r.steps.WithLabelValues(action, result).Inc()
	r.stepDuration.WithLabelValues(action).Observe(d.Seconds())
	if tokensUsed > 0 {
		r.tokens.Add(float64(tokensUsed))
	}
}

// ObserveContext records the size of a built context and which sections
// had to be compressed.
func (r *Recorder) ObserveContext(totalTokens int, compressed []string) {
	if r == nil {
		return
	}
	r.contextTokens.Observe(float64(totalTokens))
	for _, s := range compressed {
		r.compressions.WithLabelValues(s).Inc()
	}
}

// ObserveStop records the reason a run ended.
func (r *Recorder) ObserveStop(reason string) {
	if r == nil {
		return
	}
	r.runs.WithLabelValues(reason).Inc()
}

// WriteTextfile writes the current metrics in the text exposition format,
// for node_exporter's textfile collector.
func (r *Recorder) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, r.Gatherer())
}
