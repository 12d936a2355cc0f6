// Package prometheus provides a Prometheus implementation of the reshake.Metrics interface.
//
// All metrics follow Prometheus naming conventions and are registered with the
// default registry unless a custom registerer is supplied.
//
// # Metric Names
//
// All metrics use the configured namespace prefix (default: "reshake").
//
// # Counters
//
//	reshake_handshakes_started_total{role="initiator|responder"}
//	reshake_handshake_results_total{result="success|failure|timeout"}
//	reshake_handshake_errors_total{kind="PeerBlocked|Protocol|ResourceIO|Timeout"}
//	reshake_task_requests_total{path="direct|deferred|released|blocked"}
//	reshake_resource_operations_total{op="share|fetch",result="success|failure"}
//	reshake_messages_sent_total{kind="<kind>"}
//	reshake_messages_received_total{kind="<kind>"}
//	reshake_sessions_opened_total{direction="inbound|outbound"}
//	reshake_sessions_closed_total
//	reshake_events_emitted_total{state="<state>"}
//	reshake_events_dropped_total
//	reshake_task_requests_dropped_total
//
// # Histograms
//
//	reshake_handshake_duration_seconds
//
// # Gauges
//
//	reshake_blocked_peers
//
// # Example Usage
//
//	import (
//	    "github.com/blockberries/reshake"
//	    prommetrics "github.com/blockberries/reshake/prometheus"
//	    "github.com/prometheus/client_golang/prometheus/promhttp"
//	)
//
//	func main() {
//	    metrics := prommetrics.NewMetrics("myapp")
//
//	    cfg := reshake.NewConfig(key, dataDir, addrs,
//	        reshake.WithMetrics(metrics),
//	    )
//
//	    node, err := reshake.New(cfg)
//	    // ...
//
//	    http.Handle("/metrics", promhttp.Handler())
//	    http.ListenAndServe(":9090", nil)
//	}
package prometheus

import (
	"github.com/blockberries/reshake"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultNamespace is the default namespace for all metrics.
const DefaultNamespace = "reshake"

// Metrics implements the reshake.Metrics interface using Prometheus metrics.
//
// Metrics is safe for concurrent use.
type Metrics struct {
	// Handshake metrics
	handshakesStarted *prometheus.CounterVec
	handshakeResults  *prometheus.CounterVec
	handshakeDuration prometheus.Histogram
	handshakeErrors   *prometheus.CounterVec
	taskRequests      *prometheus.CounterVec
	blockedPeers      prometheus.Gauge

	// Resource metrics
	resourceOperations *prometheus.CounterVec

	// Session metrics
	messagesSent     *prometheus.CounterVec
	messagesReceived *prometheus.CounterVec
	sessionsOpened   *prometheus.CounterVec
	sessionsClosed   prometheus.Counter

	// Event metrics
	eventsEmitted       *prometheus.CounterVec
	eventsDropped       prometheus.Counter
	taskRequestsDropped prometheus.Counter
}

// Ensure Metrics implements reshake.Metrics.
var _ reshake.Metrics = (*Metrics)(nil)

// NewMetrics creates a new Prometheus metrics collector with the given namespace.
// If namespace is empty, DefaultNamespace ("reshake") is used.
//
// All metrics are registered with the default Prometheus registry. If
// registration fails (e.g., metrics already registered), this function will
// panic. To avoid panics, use NewMetricsWithRegisterer with a custom registry.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithRegisterer(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWithRegisterer creates a new Prometheus metrics collector with the given
// namespace and registerer.
//
// If namespace is empty, DefaultNamespace ("reshake") is used.
// If registerer is nil, metrics will not be registered automatically.
func NewMetricsWithRegisterer(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	m := &Metrics{
		handshakesStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handshakes_started_total",
				Help:      "Total number of resource handshakes started by role",
			},
			[]string{"role"},
		),
		handshakeResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handshake_results_total",
				Help:      "Total number of handshake results by outcome",
			},
			[]string{"result"},
		),
		handshakeDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "handshake_duration_seconds",
				Help:      "Histogram of successful handshake durations",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
			},
		),
		handshakeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handshake_errors_total",
				Help:      "Total number of handshake failures by kind",
			},
			[]string{"kind"},
		),
		taskRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_requests_total",
				Help:      "Total number of outbound task requests by path",
			},
			[]string{"path"},
		),
		blockedPeers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "blocked_peers",
				Help:      "Current number of peers on the block list",
			},
		),
		resourceOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resource_operations_total",
				Help:      "Total number of resource share and fetch calls by result",
			},
			[]string{"op", "result"},
		),
		messagesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_sent_total",
				Help:      "Total number of session messages sent by kind",
			},
			[]string{"kind"},
		),
		messagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_received_total",
				Help:      "Total number of session messages received by kind",
			},
			[]string{"kind"},
		),
		sessionsOpened: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_opened_total",
				Help:      "Total number of sessions opened by direction",
			},
			[]string{"direction"},
		),
		sessionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Total number of sessions closed",
		}),
		eventsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_emitted_total",
				Help:      "Total number of events emitted by state",
			},
			[]string{"state"},
		),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Total number of events dropped due to buffer full",
		}),
		taskRequestsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_requests_dropped_total",
			Help:      "Total number of inbound task requests dropped due to buffer full",
		}),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.handshakesStarted,
			m.handshakeResults,
			m.handshakeDuration,
			m.handshakeErrors,
			m.taskRequests,
			m.blockedPeers,
			m.resourceOperations,
			m.messagesSent,
			m.messagesReceived,
			m.sessionsOpened,
			m.sessionsClosed,
			m.eventsEmitted,
			m.eventsDropped,
			m.taskRequestsDropped,
		)
	}

	return m
}

// HandshakeStarted implements reshake.Metrics.
func (m *Metrics) HandshakeStarted(role string) {
	m.handshakesStarted.WithLabelValues(role).Inc()
}

// HandshakeResult implements reshake.Metrics.
func (m *Metrics) HandshakeResult(result string) {
	m.handshakeResults.WithLabelValues(result).Inc()
}

// HandshakeDuration implements reshake.Metrics.
func (m *Metrics) HandshakeDuration(seconds float64) {
	m.handshakeDuration.Observe(seconds)
}

// HandshakeError implements reshake.Metrics.
func (m *Metrics) HandshakeError(kind string) {
	m.handshakeErrors.WithLabelValues(kind).Inc()
}

// TaskRequest implements reshake.Metrics.
func (m *Metrics) TaskRequest(path string) {
	m.taskRequests.WithLabelValues(path).Inc()
}

// BlockedPeers implements reshake.Metrics.
func (m *Metrics) BlockedPeers(count int) {
	m.blockedPeers.Set(float64(count))
}

// ResourceOperation implements reshake.Metrics.
func (m *Metrics) ResourceOperation(op, result string) {
	m.resourceOperations.WithLabelValues(op, result).Inc()
}

// MessageSent implements reshake.Metrics.
func (m *Metrics) MessageSent(kind string) {
	m.messagesSent.WithLabelValues(kind).Inc()
}

// MessageReceived implements reshake.Metrics.
func (m *Metrics) MessageReceived(kind string) {
	m.messagesReceived.WithLabelValues(kind).Inc()
}

// SessionOpened implements reshake.Metrics.
func (m *Metrics) SessionOpened(direction string) {
	m.sessionsOpened.WithLabelValues(direction).Inc()
}

// SessionClosed implements reshake.Metrics.
func (m *Metrics) SessionClosed() {
	m.sessionsClosed.Inc()
}

// EventEmitted implements reshake.Metrics.
func (m *Metrics) EventEmitted(state string) {
	m.eventsEmitted.WithLabelValues(state).Inc()
}

// EventDropped implements reshake.Metrics.
func (m *Metrics) EventDropped() {
	m.eventsDropped.Inc()
}

// TaskRequestDropped implements reshake.Metrics.
func (m *Metrics) TaskRequestDropped() {
	m.taskRequestsDropped.Inc()
}
