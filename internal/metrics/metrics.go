// Package metrics exposes pipeline metrics through Prometheus collectors
// registered on a caller-supplied registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "phaseflow"

// Metrics holds the pipeline collectors. A nil *Metrics records nothing.
type Metrics struct {
	runs             *prometheus.CounterVec
	runDuration      prometheus.Histogram
	phaseAttempts    *prometheus.CounterVec
	phaseDuration    *prometheus.HistogramVec
	phaseRetries     *prometheus.CounterVec
	activePhases     prometheus.Gauge
	qualityVerdicts  *prometheus.CounterVec
	feedbackReceived *prometheus.CounterVec
	feedbackTimeouts prometheus.Counter
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Pipeline runs by final status.",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall clock duration of pipeline runs.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		phaseAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_attempts_total",
			Help:      "Agent invocations by phase and result.",
		}, []string{"phase", "result"}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_attempt_duration_seconds",
			Help:      "Duration of single agent invocations.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"phase"}),
		phaseRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_retries_total",
			Help:      "Retries consumed by phase.",
		}, []string{"phase"}),
		activePhases: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_phases",
			Help:      "Agent invocations currently holding a concurrency slot.",
		}),
		qualityVerdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quality_verdicts_total",
			Help:      "Quality gate verdicts by phase.",
		}, []string{"phase", "verdict"}),
		feedbackReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feedback_received_total",
			Help:      "Feedback responses by whether they changed the output.",
		}, []string{"applied"}),
		feedbackTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feedback_timeouts_total",
			Help:      "Checkpoints that timed out waiting for feedback.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.runs, m.runDuration, m.phaseAttempts, m.phaseDuration, m.phaseRetries,
		m.activePhases, m.qualityVerdicts, m.feedbackReceived, m.feedbackTimeouts,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// RunFinished records a finished run.
func (m *Metrics) RunFinished(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(status).Inc()
	m.runDuration.Observe(d.Seconds())
}

// PhaseAttempt records one agent invocation.
func (m *Metrics) PhaseAttempt(phase, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.phaseAttempts.WithLabelValues(phase, result).Inc()
	m.phaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// PhaseRetry records a consumed retry.
func (m *Metrics) PhaseRetry(phase string) {
	if m == nil {
		return
	}
	m.phaseRetries.WithLabelValues(phase).Inc()
}

// ActivePhases adjusts the active phase gauge.
func (m *Metrics) ActivePhases(delta float64) {
	if m == nil {
		return
	}
	m.activePhases.Add(delta)
}

// QualityVerdict records a quality gate decision.
func (m *Metrics) QualityVerdict(phase string, passed bool) {
	if m == nil {
		return
	}
	verdict := "failed"
	if passed {
		verdict = "passed"
	}
	m.qualityVerdicts.WithLabelValues(phase, verdict).Inc()
}

// FeedbackReceived records a feedback response.
func (m *Metrics) FeedbackReceived(applied bool) {
	if m == nil {
		return
	}
	label := "false"
	if applied {
		label = "true"
	}
	m.feedbackReceived.WithLabelValues(label).Inc()
}

// FeedbackTimeout records a checkpoint timeout.
func (m *Metrics) FeedbackTimeout() {
	if m == nil {
		return
	}
	m.feedbackTimeouts.Inc()
}
