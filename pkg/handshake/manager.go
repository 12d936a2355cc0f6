package handshake

import (
	"context"
	"time"

	"github.com/andres-erbsen/clock"
	reshakeotel "github.com/blockberries/reshake/otel"
	"github.com/blockberries/reshake/pkg/resource"
	"github.com/blockberries/reshake/pkg/wire"
	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.opentelemetry.io/otel/trace"
)

// Default values used when Config fields are left zero.
const (
	DefaultTimeout         = 20 * time.Second
	DefaultResourceTimeout = 60 * time.Second
	DefaultNonceTag        = "nonce"

	// DisconnectReason is sent to a peer whose handshake failed.
	DisconnectReason = "resource handshake failure"
)

// Roles reported to metrics and traces.
const (
	RoleInitiator = "initiator"
	RoleResponder = "responder"
)

// Transport is the peer session an Orchestrator is bound to.
type Transport interface {
	Send(msg wire.Message) error
	Disconnect(reason string)
}

// Exchange is the resource-exchange subsystem used to pass nonces.
type Exchange interface {
	WorkDir(tag string) (string, error)
	Path(identity, tag string) string
	ShareFile(ctx context.Context, path, tag string, opts resource.ShareOptions) (string, error)
	Fetch(ctx context.Context, ref, tag string, opts resource.FetchOptions) (resource.FetchResult, error)
	Unshare(ref string) bool
}

// BlockList is the set of peers refused further handshakes.
type BlockList interface {
	IsBlocked(peerID peer.ID) bool
	Block(peerID peer.ID, reason string) error
}

// Scheduler is the single-threaded loop that serializes handshake processing.
// Post and AfterFunc callbacks run on the loop; Go runs work off the loop.
type Scheduler interface {
	Post(fn func())
	AfterFunc(d time.Duration, fn func()) (stop func() bool)
	Go(work func())
}

// TaskComputer is notified when a session is closed because of a handshake failure.
type TaskComputer interface {
	SessionClosed(peerID peer.ID)
}

// TaskSink receives task requests from peers whose handshake succeeded.
type TaskSink interface {
	DeliverTask(peerID peer.ID, req wire.TaskRequest)
}

// Logger is the logging interface used by the handshake engine.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Metrics is the metrics interface used by the handshake engine.
type Metrics interface {
	HandshakeStarted(role string)
	HandshakeResult(result string)
	HandshakeDuration(seconds float64)
	HandshakeError(kind string)
	TaskRequest(path string)
	ResourceOperation(op, result string)
	MessageSent(kind string)
	MessageReceived(kind string)
}

// Tracer creates spans for handshake operations.
type Tracer interface {
	StartHandshake(ctx context.Context, peerID peer.ID, role string) (context.Context, trace.Span)
	StartShare(ctx context.Context, peerID peer.ID, path string) (context.Context, trace.Span)
	StartFetch(ctx context.Context, peerID peer.ID, ref string) (context.Context, trace.Span)
	EndHandshake(span trace.Span, result string, err error)
	EndOperation(span trace.Span, err error)
}

// EventState is the handshake lifecycle state reported in events.
type EventState int

const (
	// EventStarted is emitted when this node begins a handshake.
	EventStarted EventState = iota

	// EventSucceeded is emitted when both verdicts are accepted.
	EventSucceeded

	// EventFailed is emitted when the error path runs and the peer is blocked.
	EventFailed
)

// String returns a human-readable name for the event state.
func (s EventState) String() string {
	switch s {
	case EventStarted:
		return "Started"
	case EventSucceeded:
		return "Succeeded"
	case EventFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Event reports a handshake lifecycle change.
type Event struct {
	PeerID    peer.ID
	State     EventState
	Error     error
	Timestamp time.Time
}

// EventEmitter receives handshake events. EmitEvent must not block.
type EventEmitter interface {
	EmitEvent(event Event)
}

// Config contains configuration for the handshake Manager.
type Config struct {
	// LocalID is this node's identity; the nonce file is named after it.
	LocalID peer.ID

	// Tag is the resource tag nonce files are shared under.
	Tag string

	// Timeout bounds a handshake from start to both verdicts.
	Timeout time.Duration

	// ResourceTimeout bounds a single share or fetch call.
	ResourceTimeout time.Duration

	Clock    clock.Clock
	Logger   Logger
	Metrics  Metrics
	Tracer   Tracer
	Events   EventEmitter
	Computer TaskComputer
	Tasks    TaskSink

	// NewNonce generates nonces. Defaults to random UUIDs.
	NewNonce func() string
}

func (c *Config) applyDefaults() {
	if c.Tag == "" {
		c.Tag = DefaultNonceTag
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.ResourceTimeout == 0 {
		c.ResourceTimeout = DefaultResourceTimeout
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = nopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = nopMetrics{}
	}
	if c.Tracer == nil {
		c.Tracer = reshakeotel.NewTracer(nil)
	}
	if c.Events == nil {
		c.Events = nopEvents{}
	}
	if c.Computer == nil {
		c.Computer = nopComputer{}
	}
	if c.Tasks == nil {
		c.Tasks = nopTasks{}
	}
	if c.NewNonce == nil {
		c.NewNonce = uuid.NewString
	}
}

// Manager is the node-level handshake context shared by every peer session.
// It owns the handshake Store and consults the BlockList.
//
// Manager is NOT safe for concurrent use: every method, and every method of
// the Orchestrators it binds, must run on the Scheduler's loop.
type Manager struct {
	config    Config
	store     *Store
	blocked   BlockList
	exchange  Exchange
	scheduler Scheduler
}

// NewManager creates a handshake manager.
func NewManager(cfg Config, blocked BlockList, exchange Exchange, scheduler Scheduler) *Manager {
	cfg.applyDefaults()
	return &Manager{
		config:    cfg,
		store:     NewStore(),
		blocked:   blocked,
		exchange:  exchange,
		scheduler: scheduler,
	}
}

// Bind creates the Orchestrator for one peer session.
func (m *Manager) Bind(peerID peer.ID, transport Transport) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		m:         m,
		peerID:    peerID,
		transport: transport,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Status returns a snapshot of the live record for peerID.
func (m *Manager) Status(peerID peer.ID) (Status, bool) {
	rec := m.store.Get(peerID)
	if rec == nil {
		return Status{}, false
	}
	return rec.Status(), true
}

// Statuses returns snapshots of all live records.
func (m *Manager) Statuses() []Status {
	return m.store.Snapshot()
}

// IsBlocked reports whether peerID is on the block list.
func (m *Manager) IsBlocked(peerID peer.ID) bool {
	return m.blocked.IsBlocked(peerID)
}

type nopLogger struct{}

func (nopLogger) Debug(msg string, keysAndValues ...any) {}
func (nopLogger) Info(msg string, keysAndValues ...any)  {}
func (nopLogger) Warn(msg string, keysAndValues ...any)  {}
func (nopLogger) Error(msg string, keysAndValues ...any) {}

type nopMetrics struct{}

func (nopMetrics) HandshakeStarted(role string)        {}
func (nopMetrics) HandshakeResult(result string)       {}
func (nopMetrics) HandshakeDuration(seconds float64)   {}
func (nopMetrics) HandshakeError(kind string)          {}
func (nopMetrics) TaskRequest(path string)             {}
func (nopMetrics) ResourceOperation(op, result string) {}
func (nopMetrics) MessageSent(kind string)             {}
func (nopMetrics) MessageReceived(kind string)         {}

type nopEvents struct{}

func (nopEvents) EmitEvent(Event) {}

type nopComputer struct{}

func (nopComputer) SessionClosed(peer.ID) {}

type nopTasks struct{}

func (nopTasks) DeliverTask(peer.ID, wire.TaskRequest) {}
