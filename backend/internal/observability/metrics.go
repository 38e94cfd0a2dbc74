package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "biochat"

// Metrics groups every collector the service exports.
type Metrics struct {
	// TurnsTotal counts turns by route (greeting, annotation, graph, rag, ...) and outcome.
	TurnsTotal *prometheus.CounterVec

	// StageDurationSeconds measures pipeline stage latency.
	StageDurationSeconds *prometheus.HistogramVec

	// ModelCallsTotal counts model invocations by model and outcome.
	ModelCallsTotal *prometheus.CounterVec

	// BackendErrorsTotal counts transport failures by service and reason.
	BackendErrorsTotal *prometheus.CounterVec

	// MemoryEventsTotal counts executed memory operations by event.
	MemoryEventsTotal *prometheus.CounterVec

	// RateLimitedTotal counts turns rejected at admission.
	RateLimitedTotal prometheus.Counter

	// PushSubscribers tracks connected websocket subscribers.
	PushSubscribers prometheus.Gauge
}

var (
	defaultMetrics *Metrics
	initOnce       sync.Once
)

// Get returns the process-wide metrics, registering them on first use.
func Get() *Metrics {
	initOnce.Do(func() {
		defaultMetrics = newMetrics()
	})
	return defaultMetrics
}

func newMetrics() *Metrics {
	return &Metrics{
		TurnsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "conversation",
				Name:      "turns_total",
				Help:      "Total turns handled by route and outcome",
			},
			[]string{"route", "outcome"},
		),
		StageDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "pipeline",
				Name:      "stage_duration_seconds",
				Help:      "Latency of pipeline stages in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"stage"},
		),
		ModelCallsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "model",
				Name:      "calls_total",
				Help:      "Total model invocations by model and outcome",
			},
			[]string{"model", "outcome"},
		),
		BackendErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "backend",
				Name:      "errors_total",
				Help:      "Total outbound call failures by service and reason",
			},
			[]string{"service", "reason"},
		),
		MemoryEventsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "memory",
				Name:      "events_total",
				Help:      "Total executed memory operations by event",
			},
			[]string{"event"},
		),
		RateLimitedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "admission",
				Name:      "rejected_total",
				Help:      "Total turns rejected by the rate limiter",
			},
		),
		PushSubscribers: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "push",
				Name:      "subscribers",
				Help:      "Connected push-event subscribers",
			},
		),
	}
}

// RecordTurn counts a finished turn.
func (m *Metrics) RecordTurn(route, outcome string) {
	m.TurnsTotal.WithLabelValues(route, outcome).Inc()
}

// ObserveStage records how long a stage took since start.
func (m *Metrics) ObserveStage(stage string, start time.Time) {
	m.StageDurationSeconds.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// RecordModelCall counts a model invocation.
func (m *Metrics) RecordModelCall(model string, err error) {
	m.ModelCallsTotal.WithLabelValues(model, outcome(err)).Inc()
}

// RecordBackendError counts an outbound failure.
func (m *Metrics) RecordBackendError(service, reason string) {
	m.BackendErrorsTotal.WithLabelValues(service, reason).Inc()
}

// RecordMemoryEvent counts an executed memory operation.
func (m *Metrics) RecordMemoryEvent(event string) {
	m.MemoryEventsTotal.WithLabelValues(event).Inc()
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
