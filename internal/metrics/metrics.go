// Package metrics exposes Prometheus collectors that report chat streaming activity.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels of a finished send.
const (
	OutcomeCompleted   = "completed"
	OutcomeCancelled   = "cancelled"
	OutcomeEmptyStream = "empty_stream"
	OutcomeError       = "error"
)

// Metrics holds the collectors. A nil *Metrics is valid and records nothing, so components can be
// used without a registry (tests, the terminal client).
type Metrics struct {
	sends          *prometheus.CounterVec
	rejected       *prometheus.CounterVec
	fragments      prometheus.Counter
	streamDuration *prometheus.HistogramVec
	streamsActive  prometheus.Gauge
	tokens         *prometheus.CounterVec
}

// MustNew constructs Metrics and registers the collectors with reg. A registration error panics,
// which mirrors promauto and surfaces duplicate registration early.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		sends: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "chatui",
				Subsystem: "conversation",
				Name:      "sends_total",
				Help:      "Finished sends by outcome.",
			},
			[]string{"outcome", "error_type"},
		),
		rejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "chatui",
				Subsystem: "conversation",
				Name:      "sends_rejected_total",
				Help:      "Sends refused before any message was appended.",
			},
			[]string{"reason"},
		),
		fragments: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "chatui",
				Subsystem: "stream",
				Name:      "fragments_total",
				Help:      "Non-empty fragments processed.",
			},
		),
		streamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "chatui",
				Subsystem: "stream",
				Name:      "duration_seconds",
				Help:      "Time from stream creation to finalize.",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"outcome"},
		),
		streamsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "chatui",
				Subsystem: "stream",
				Name:      "active",
				Help:      "Streams currently in flight.",
			},
		),
		tokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "chatui",
				Subsystem: "stream",
				Name:      "tokens_total",
				Help:      "Tokens reported by providers.",
			},
			[]string{"kind"},
		),
	}

	reg.MustRegister(m.sends, m.rejected, m.fragments, m.streamDuration, m.streamsActive, m.tokens)
	return m
}

// StreamStarted marks a stream as in flight.
func (m *Metrics) StreamStarted() {
	if m == nil {
		return
	}
	m.streamsActive.Inc()
}

// StreamFinished records a finished send.
func (m *Metrics) StreamFinished(outcome, errorType string, fragments int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.streamsActive.Dec()
	m.sends.WithLabelValues(outcome, errorType).Inc()
	m.fragments.Add(float64(fragments))
	m.streamDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// Rejected records a refused send.
func (m *Metrics) Rejected(reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(reason).Inc()
}

// Tokens records provider-reported token usage.
func (m *Metrics) Tokens(prompt, completion int) {
	if m == nil {
		return
	}
	m.tokens.WithLabelValues("prompt").Add(float64(prompt))
	m.tokens.WithLabelValues("completion").Add(float64(completion))
}
