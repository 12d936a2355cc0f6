package reshake

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/andres-erbsen/clock"
	reshakeotel "github.com/blockberries/reshake/otel"
	"github.com/blockberries/reshake/pkg/handshake"
	"github.com/blockberries/reshake/pkg/resource"
	"github.com/blockberries/reshake/pkg/session"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// Default configuration values.
const (
	DefaultHandshakeTimeout     = handshake.DefaultTimeout
	DefaultResourceFetchTimeout = handshake.DefaultResourceTimeout
	DefaultNonceTag             = handshake.DefaultNonceTag
	DefaultEventBufferSize      = 100
	DefaultTaskBufferSize       = 100
	DefaultMaxMessageSize       = session.DefaultMaxMessageSize
	DefaultMaxResourceSize      = resource.DefaultMaxSize
	DefaultMaxConcurrentServes  = 64
)

// TaskComputer is told when a session is dropped because its handshake
// failed, so it can abandon any work tied to the peer.
type TaskComputer interface {
	SessionClosed(peerID peer.ID)
}

// Config holds the configuration for a reshake node.
type Config struct {
	// PrivateKey is the Ed25519 private key for this node's identity.
	// This is required and must be provided by the application.
	PrivateKey ed25519.PrivateKey

	// DataDir is the root directory for shared and fetched resources.
	// This is required.
	DataDir string

	// ListenAddrs are the multiaddresses this node will listen on.
	// At least one address is required.
	ListenAddrs []multiaddr.Multiaddr

	// BlockListPath is the JSON file the block list is persisted to.
	// If empty, the block list lives in memory only.
	BlockListPath string

	// HandshakeTimeout bounds a resource handshake from start to both
	// verdicts. A handshake still unfinished when it elapses fails and the
	// peer is blocked.
	HandshakeTimeout time.Duration

	// NonceTag is the resource tag nonce files are shared under.
	NonceTag string

	// ResourceFetchTimeout bounds a single share or fetch call.
	ResourceFetchTimeout time.Duration

	// EventBufferSize is the buffer size for the handshake events channel.
	EventBufferSize int

	// TaskBufferSize is the buffer size for the incoming task requests channel.
	TaskBufferSize int

	// MaxMessageSize limits a single session frame, in bytes.
	MaxMessageSize int

	// MaxResourceSize limits a resource shared or fetched, in bytes.
	MaxResourceSize int64

	// MaxConcurrentServes caps resource requests served at once.
	MaxConcurrentServes int

	// DisableNAT turns off hole punching, relay and NAT port mapping.
	DisableNAT bool

	// Logger is the logger for the node. If nil, a NopLogger is used.
	// The logger must be safe for concurrent use.
	Logger Logger

	// Metrics is the metrics collector for the node. If nil, a NopMetrics is used.
	// The metrics collector must be safe for concurrent use.
	Metrics Metrics

	// Tracer creates handshake spans. If nil, a no-op tracer is used.
	Tracer *reshakeotel.Tracer

	// Clock drives handshake timers and timestamps. If nil, the wall clock is used.
	Clock clock.Clock

	// TaskComputer is notified of sessions dropped by a failed handshake. Optional.
	TaskComputer TaskComputer
}

// Validate reports the first problem with c. Zero optional fields are
// valid and get defaults; negative ones are rejected with ErrInvalidConfig.
func (c *Config) Validate() error {
	if c.PrivateKey == nil {
		return ErrMissingPrivateKey
	}
	if len(c.PrivateKey) != ed25519.PrivateKeySize {
		return fmt.Errorf("%w: expected %d bytes, got %d",
			ErrInvalidPrivateKey, ed25519.PrivateKeySize, len(c.PrivateKey))
	}
	if c.DataDir == "" {
		return ErrMissingDataDir
	}
	if len(c.ListenAddrs) == 0 {
		return ErrMissingListenAddrs
	}
	if c.NonceTag != "" {
		if err := resource.ValidateName(c.NonceTag); err != nil {
			return fmt.Errorf("%w: nonce tag: %v", ErrInvalidConfig, err)
		}
	}
	for _, f := range []struct {
		name     string
		negative bool
	}{
		{"handshake timeout", c.HandshakeTimeout < 0},
		{"resource fetch timeout", c.ResourceFetchTimeout < 0},
		{"event buffer size", c.EventBufferSize < 0},
		{"task buffer size", c.TaskBufferSize < 0},
		{"max message size", c.MaxMessageSize < 0},
		{"max resource size", c.MaxResourceSize < 0},
		{"max concurrent serves", c.MaxConcurrentServes < 0},
	} {
		if f.negative {
			return fmt.Errorf("%w: %s cannot be negative", ErrInvalidConfig, f.name)
		}
	}
	return nil
}

// applyDefaults sets default values for any unset optional fields.
func (c *Config) applyDefaults() {
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.ResourceFetchTimeout == 0 {
		c.ResourceFetchTimeout = DefaultResourceFetchTimeout
	}
	if c.NonceTag == "" {
		c.NonceTag = DefaultNonceTag
	}
	if c.EventBufferSize == 0 {
		c.EventBufferSize = DefaultEventBufferSize
	}
	if c.TaskBufferSize == 0 {
		c.TaskBufferSize = DefaultTaskBufferSize
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.MaxResourceSize == 0 {
		c.MaxResourceSize = DefaultMaxResourceSize
	}
	if c.MaxConcurrentServes == 0 {
		c.MaxConcurrentServes = DefaultMaxConcurrentServes
	}
	if c.Logger == nil {
		c.Logger = NopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = NopMetrics{}
	}
	if c.Tracer == nil {
		c.Tracer = reshakeotel.NewTracer(nil)
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
}

// ConfigOption is a functional option for configuring a Node.
type ConfigOption func(*Config)

// WithBlockListPath persists the block list to path.
func WithBlockListPath(path string) ConfigOption {
	return func(c *Config) {
		c.BlockListPath = path
	}
}

// WithHandshakeTimeout sets the handshake timeout duration.
func WithHandshakeTimeout(d time.Duration) ConfigOption {
	return func(c *Config) {
		c.HandshakeTimeout = d
	}
}

// WithNonceTag sets the resource tag nonce files are shared under.
func WithNonceTag(tag string) ConfigOption {
	return func(c *Config) {
		c.NonceTag = tag
	}
}

// WithResourceFetchTimeout sets the timeout for a single share or fetch.
func WithResourceFetchTimeout(d time.Duration) ConfigOption {
	return func(c *Config) {
		c.ResourceFetchTimeout = d
	}
}

// WithEventBufferSize sets the buffer size for the events channel.
func WithEventBufferSize(size int) ConfigOption {
	return func(c *Config) {
		c.EventBufferSize = size
	}
}

// WithTaskBufferSize sets the buffer size for the task requests channel.
func WithTaskBufferSize(size int) ConfigOption {
	return func(c *Config) {
		c.TaskBufferSize = size
	}
}

// WithMaxMessageSize sets the session frame size limit.
func WithMaxMessageSize(size int) ConfigOption {
	return func(c *Config) {
		c.MaxMessageSize = size
	}
}

// WithMaxResourceSize sets the resource size limit.
func WithMaxResourceSize(size int64) ConfigOption {
	return func(c *Config) {
		c.MaxResourceSize = size
	}
}

// WithMaxConcurrentServes caps resource requests served at once.
func WithMaxConcurrentServes(n int) ConfigOption {
	return func(c *Config) {
		c.MaxConcurrentServes = n
	}
}

// WithNAT enables or disables NAT traversal.
func WithNAT(enabled bool) ConfigOption {
	return func(c *Config) {
		c.DisableNAT = !enabled
	}
}

// WithLogger sets the logger for the node.
// The logger must be safe for concurrent use.
func WithLogger(l Logger) ConfigOption {
	return func(c *Config) {
		c.Logger = l
	}
}

// WithMetrics sets the metrics collector for the node.
// The metrics collector must be safe for concurrent use.
func WithMetrics(m Metrics) ConfigOption {
	return func(c *Config) {
		c.Metrics = m
	}
}

// WithTracer sets the tracer for handshake spans.
func WithTracer(t *reshakeotel.Tracer) ConfigOption {
	return func(c *Config) {
		c.Tracer = t
	}
}

// WithClock sets the clock used for handshake timers.
func WithClock(clk clock.Clock) ConfigOption {
	return func(c *Config) {
		c.Clock = clk
	}
}

// WithTaskComputer sets the task computer notified of dropped sessions.
func WithTaskComputer(tc TaskComputer) ConfigOption {
	return func(c *Config) {
		c.TaskComputer = tc
	}
}

// NewConfig creates a new Config with the required fields and applies
// any provided options. It applies defaults for unset optional fields
// but does not validate the configuration.
func NewConfig(
	privateKey ed25519.PrivateKey,
	dataDir string,
	listenAddrs []multiaddr.Multiaddr,
	opts ...ConfigOption,
) *Config {
	c := &Config{
		PrivateKey:  privateKey,
		DataDir:     dataDir,
		ListenAddrs: listenAddrs,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.applyDefaults()
	return c
}
