// Package telemetry holds the Prometheus collectors and OpenTelemetry helpers
// shared by the RPC client, the RPC server and the auth guard.
package telemetry

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome label values.
const (
	OutcomeSuccess   = "success"
	OutcomeRemote    = "remote_error"
	OutcomeTimeout   = "timeout"
	OutcomeCanceled  = "canceled"
	OutcomeTransport = "transport_error"
	OutcomeRejected  = "rejected"
	OutcomeNotFound  = "not_found"
	OutcomeFailed    = "failed"
	OutcomeEvent     = "event"
)

// Metrics tracks RPC traffic. A nil *Metrics is valid and records nothing.
type Metrics struct {
	mu sync.Mutex

	callsTotal         *prometheus.CounterVec
	callDuration       *prometheus.HistogramVec
	pendingCalls       prometheus.Gauge
	publishedTotal     *prometheus.CounterVec
	serverMessages     *prometheus.CounterVec
	serverDuration     *prometheus.HistogramVec
	authRejections     *prometheus.CounterVec
	connectionAttempts *prometheus.CounterVec

	registerer prometheus.Registerer
	registered bool
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rpcflow",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newHistogramVec(subsystem, name, help string, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rpcflow",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		labels,
	)
}

// NewMetrics creates the collectors. A nil registerer means the default one.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		registerer:     registerer,
		callsTotal:     newCounterVec("client", "calls_total", "Total number of RPC calls by outcome", []string{"queue", "pattern", "outcome"}),
		callDuration:   newHistogramVec("client", "call_duration_seconds", "Time from publish to resolution of an RPC call", []string{"queue", "pattern"}),
		publishedTotal: newCounterVec("client", "published_total", "Total number of fire-and-forget messages published", []string{"queue", "pattern"}),
		pendingCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rpcflow",
			Subsystem: "client",
			Name:      "pending_calls",
			Help:      "RPC calls waiting for a reply",
		}),
		serverMessages:     newCounterVec("server", "messages_total", "Total number of deliveries handled by outcome", []string{"queue", "pattern", "outcome"}),
		serverDuration:     newHistogramVec("server", "handle_duration_seconds", "Time spent handling a delivery", []string{"queue", "pattern"}),
		authRejections:     newCounterVec("auth", "rejections_total", "Requests rejected by the auth guard", []string{"transport", "kind"}),
		connectionAttempts: newCounterVec("broker", "connection_attempts_total", "Broker dial attempts by outcome", []string{"outcome"}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.callsTotal,
		m.callDuration,
		m.publishedTotal,
		m.pendingCalls,
		m.serverMessages,
		m.serverDuration,
		m.authRejections,
		m.connectionAttempts,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

func (m *Metrics) CallStarted() {
	if m == nil {
		return
	}
	m.pendingCalls.Inc()
}

// CallFinished records a resolved call and releases its pending slot.
func (m *Metrics) CallFinished(queue, pattern, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.pendingCalls.Dec()
	m.callsTotal.WithLabelValues(queue, pattern, outcome).Inc()
	m.callDuration.WithLabelValues(queue, pattern).Observe(elapsed.Seconds())
}

func (m *Metrics) Published(queue, pattern string) {
	if m == nil {
		return
	}
	m.publishedTotal.WithLabelValues(queue, pattern).Inc()
}

func (m *Metrics) ServerHandled(queue, pattern, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.serverMessages.WithLabelValues(queue, pattern, outcome).Inc()
	m.serverDuration.WithLabelValues(queue, pattern).Observe(elapsed.Seconds())
}

func (m *Metrics) AuthRejected(transport, kind string) {
	if m == nil {
		return
	}
	m.authRejections.WithLabelValues(transport, kind).Inc()
}

func (m *Metrics) ConnectionAttempt(err error) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailed
	}
	m.connectionAttempts.WithLabelValues(outcome).Inc()
}

// Reset resets all metrics (useful for testing).
func (m *Metrics) Reset() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.callsTotal.Reset()
	m.callDuration.Reset()
	m.publishedTotal.Reset()
	m.pendingCalls.Set(0)
	m.serverMessages.Reset()
	m.serverDuration.Reset()
	m.authRejections.Reset()
	m.connectionAttempts.Reset()
}
