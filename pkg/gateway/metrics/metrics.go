// Package metrics exposes Prometheus metrics for the voice gateway.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the gateway. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive prometheus.Gauge
	SessionsTotal  *prometheus.CounterVec
	SessionsSwept  prometheus.Counter

	SpeechTurnsTotal *prometheus.CounterVec
	TurnDuration     prometheus.Histogram
	AudioBytesTotal  *prometheus.CounterVec

	PipelineErrorsTotal *prometheus.CounterVec
}

// New creates a Metrics instance with all collectors registered.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "voxgate"
	}

	registry := prometheus.NewRegistry()

	sessionsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "voice_sessions_active",
			Help:      "Number of authenticated voice sessions",
		},
	)

	sessionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_sessions_total",
			Help:      "Total voice sessions by how they ended",
		},
		[]string{"status"},
	)

	sessionsSwept := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_sessions_swept_total",
			Help:      "Sessions evicted by the idle sweeper",
		},
	)

	speechTurnsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "speech_turns_total",
			Help:      "Completed speech pipeline runs by outcome",
		},
		[]string{"status"},
	)

	turnDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "speech_turn_duration_seconds",
			Help:      "End-to-end speech turn duration in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	audioBytesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Audio bytes processed by direction",
		},
		[]string{"direction"},
	)

	pipelineErrorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_errors_total",
			Help:      "Speech pipeline failures by stage",
		},
		[]string{"stage"},
	)

	registry.MustRegister(
		sessionsActive,
		sessionsTotal,
		sessionsSwept,
		speechTurnsTotal,
		turnDuration,
		audioBytesTotal,
		pipelineErrorsTotal,
	)

	return &Metrics{
		registry:            registry,
		SessionsActive:      sessionsActive,
		SessionsTotal:       sessionsTotal,
		SessionsSwept:       sessionsSwept,
		SpeechTurnsTotal:    speechTurnsTotal,
		TurnDuration:        turnDuration,
		AudioBytesTotal:     audioBytesTotal,
		PipelineErrorsTotal: pipelineErrorsTotal,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSessionStart records an authenticated session opening.
func (m *Metrics) RecordSessionStart() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

// RecordSessionEnd records a session closing.
func (m *Metrics) RecordSessionEnd(status string) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(status).Inc()
}

// RecordSwept records idle sessions evicted by one sweep pass.
func (m *Metrics) RecordSwept(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SessionsSwept.Add(float64(n))
}

// RecordTurn records a completed speech turn.
func (m *Metrics) RecordTurn(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SpeechTurnsTotal.WithLabelValues(status).Inc()
	m.TurnDuration.Observe(duration.Seconds())
}

// RecordAudioBytes records audio payload sizes.
func (m *Metrics) RecordAudioBytes(direction string, bytes int) {
	if m == nil || bytes <= 0 {
		return
	}
	m.AudioBytesTotal.WithLabelValues(direction).Add(float64(bytes))
}

// RecordPipelineError records a speech pipeline failure.
func (m *Metrics) RecordPipelineError(stage string) {
	if m == nil {
		return
	}
	m.PipelineErrorsTotal.WithLabelValues(stage).Inc()
}
