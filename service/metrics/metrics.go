package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the checkout flow.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
type Metrics struct {
	// Flow state machine metrics
	transitionsTotal *prometheus.CounterVec
	flowsOpenedTotal prometheus.Counter
	flowsClosedTotal prometheus.Counter

	// Transaction API metrics
	apiRequestDuration *prometheus.HistogramVec

	// Payment polling metrics
	pollCyclesTotal *prometheus.CounterVec
	pollDuration    prometheus.Histogram
	activePollers   prometheus.Gauge
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		transitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "checkout_flow_transitions_total",
				Help: "Total number of flow state transitions by source, target and result",
			},
			[]string{"from", "to", "result"},
		),
		flowsOpenedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "checkout_flows_opened_total",
				Help: "Total number of checkout flow sessions opened",
			},
		),
		flowsClosedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "checkout_flows_closed_total",
				Help: "Total number of checkout flow sessions closed",
			},
		),
		apiRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "checkout_api_request_duration_seconds",
				Help:    "Duration of transaction API calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"operation", "result"},
		),
		pollCyclesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "checkout_payment_poll_cycles_total",
				Help: "Total number of payment status probes by outcome",
			},
			[]string{"outcome"},
		),
		pollDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "checkout_payment_poll_duration_seconds",
				Help:    "Duration of a single payment status probe in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
		),
		activePollers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "checkout_payment_pollers_active",
				Help: "Number of payment pollers currently running",
			},
		),
	}
}

// RecordTransition records a flow state transition attempt.
func (m *Metrics) RecordTransition(from, to, result string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(from, to, result).Inc()
}

// RecordFlowOpened increments the opened-session counter.
func (m *Metrics) RecordFlowOpened() {
	if m == nil {
		return
	}
	m.flowsOpenedTotal.Inc()
}

// RecordFlowClosed increments the closed-session counter.
func (m *Metrics) RecordFlowClosed() {
	if m == nil {
		return
	}
	m.flowsClosedTotal.Inc()
}

// RecordAPIRequest records the duration and result of a transaction API call.
func (m *Metrics) RecordAPIRequest(operation, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.apiRequestDuration.WithLabelValues(operation, result).Observe(duration.Seconds())
}

// RecordPollCycle records one payment status probe.
// Outcome is one of "pending", "paid", "error".
func (m *Metrics) RecordPollCycle(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.pollCyclesTotal.WithLabelValues(outcome).Inc()
	m.pollDuration.Observe(duration.Seconds())
}

// PollerStarted increments the active poller gauge.
func (m *Metrics) PollerStarted() {
	if m == nil {
		return
	}
	m.activePollers.Inc()
}

// PollerStopped decrements the active poller gauge.
func (m *Metrics) PollerStopped() {
	if m == nil {
		return
	}
	m.activePollers.Dec()
}
