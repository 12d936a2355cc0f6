package reshake

// Metrics defines the metrics collection interface for reshake.
// It is designed to be compatible with Prometheus and other metrics systems.
//
// Implementations must be safe for concurrent use.
//
// Metric naming convention:
//   - Counters: <name>_total (e.g., handshakes_started_total)
//   - Histograms: <name>_seconds (e.g., handshake_duration_seconds)
//   - Gauges: <name> (e.g., blocked_peers)
type Metrics interface {
	// Handshake metrics

	// HandshakeStarted increments when this node begins a handshake.
	// Labels: role (initiator, responder)
	HandshakeStarted(role string)

	// HandshakeResult records how a handshake ended.
	// Labels: result (success, failure, timeout)
	HandshakeResult(result string)

	// HandshakeDuration records the duration of a successful handshake.
	HandshakeDuration(seconds float64)

	// HandshakeError records a run of the error path.
	// Labels: kind (PeerBlocked, Protocol, ResourceIO, Timeout)
	HandshakeError(kind string)

	// TaskRequest records what happened to an outbound task request.
	// Labels: path (direct, deferred, released, blocked)
	TaskRequest(path string)

	// BlockedPeers sets the current size of the block list.
	BlockedPeers(count int)

	// Resource metrics

	// ResourceOperation records a share or fetch call.
	// Labels: op (share, fetch), result (success, failure)
	ResourceOperation(op, result string)

	// Session metrics

	// MessageSent records a message being sent.
	// Labels: kind (the message kind)
	MessageSent(kind string)

	// MessageReceived records a message being received.
	// Labels: kind (the message kind)
	MessageReceived(kind string)

	// SessionOpened increments when a session is opened.
	// Labels: direction (inbound, outbound)
	SessionOpened(direction string)

	// SessionClosed increments when a session is closed.
	SessionClosed()

	// Event metrics

	// EventEmitted records an event being emitted.
	// Labels: state (the handshake state)
	EventEmitted(state string)

	// EventDropped records an event being dropped due to buffer full.
	EventDropped()

	// TaskRequestDropped records an inbound task request being dropped due
	// to buffer full.
	TaskRequestDropped()
}

// NopMetrics is a no-op metrics implementation that discards all metrics.
// It is the default when no metrics collector is configured.
type NopMetrics struct{}

// Ensure NopMetrics implements Metrics.
var _ Metrics = NopMetrics{}

// HandshakeStarted implements Metrics.HandshakeStarted (no-op).
func (NopMetrics) HandshakeStarted(role string) {}

// HandshakeResult implements Metrics.HandshakeResult (no-op).
func (NopMetrics) HandshakeResult(result string) {}

// HandshakeDuration implements Metrics.HandshakeDuration (no-op).
func (NopMetrics) HandshakeDuration(seconds float64) {}

// HandshakeError implements Metrics.HandshakeError (no-op).
func (NopMetrics) HandshakeError(kind string) {}

// TaskRequest implements Metrics.TaskRequest (no-op).
func (NopMetrics) TaskRequest(path string) {}

// BlockedPeers implements Metrics.BlockedPeers (no-op).
func (NopMetrics) BlockedPeers(count int) {}

// ResourceOperation implements Metrics.ResourceOperation (no-op).
func (NopMetrics) ResourceOperation(op, result string) {}

// MessageSent implements Metrics.MessageSent (no-op).
func (NopMetrics) MessageSent(kind string) {}

// MessageReceived implements Metrics.MessageReceived (no-op).
func (NopMetrics) MessageReceived(kind string) {}

// SessionOpened implements Metrics.SessionOpened (no-op).
func (NopMetrics) SessionOpened(direction string) {}

// SessionClosed implements Metrics.SessionClosed (no-op).
func (NopMetrics) SessionClosed() {}

// EventEmitted implements Metrics.EventEmitted (no-op).
func (NopMetrics) EventEmitted(state string) {}

// EventDropped implements Metrics.EventDropped (no-op).
func (NopMetrics) EventDropped() {}

// TaskRequestDropped implements Metrics.TaskRequestDropped (no-op).
func (NopMetrics) TaskRequestDropped() {}
