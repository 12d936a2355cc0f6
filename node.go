package reshake

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/blockberries/reshake/internal/eventdispatch"
	"github.com/blockberries/reshake/internal/eventloop"
	"github.com/blockberries/reshake/pkg/blocklist"
	"github.com/blockberries/reshake/pkg/handshake"
	"github.com/blockberries/reshake/pkg/protocol"
	"github.com/blockberries/reshake/pkg/resource"
	"github.com/blockberries/reshake/pkg/session"
	"github.com/blockberries/reshake/pkg/wire"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// Node is the main entry point for reshake.
// It aggregates all components and provides a unified public API.
//
// All public methods are thread-safe. Handshake processing itself runs on a
// single event loop owned by the node.
type Node struct {
	config *Config

	// Core components
	blocked       *blocklist.List
	gater         *protocol.ConnectionGater
	host          *protocol.Host
	resources     *resource.Manager
	loop          *eventloop.Loop
	handshakes    *handshake.Manager
	eventDispatch *eventdispatch.Dispatcher

	// Channels
	events chan HandshakeEvent
	tasks  chan IncomingTaskRequest

	// Sessions, one per peer
	sessions   map[peer.ID]*peerSession
	sessionsMu sync.RWMutex

	// Statistics
	peerStats   map[peer.ID]*peerStatsTracker
	peerStatsMu sync.RWMutex

	// Lifecycle
	ctx     context.Context
	cancel  context.CancelFunc
	pumpWG  sync.WaitGroup
	started bool
	stopped bool
	startMu sync.Mutex
}

// New creates a new reshake node with the given configuration.
// The node is not started until Start() is called.
func New(cfg *Config) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cfg.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())

	blocked, err := blocklist.New(cfg.BlockListPath, blocklist.WithClock(cfg.Clock))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create block list: %w", err)
	}

	gater := protocol.NewConnectionGater(blocked)

	hostConfig := protocol.DefaultHostConfig()
	hostConfig.PrivateKey = cfg.PrivateKey
	hostConfig.ListenAddrs = cfg.ListenAddrs
	hostConfig.Gater = gater
	hostConfig.EnableNAT = !cfg.DisableNAT

	libp2pHost, err := protocol.NewHost(ctx, hostConfig)
	if err != nil {
		cancel()
		_ = blocked.Close()
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	n := &Node{
		config:    cfg,
		blocked:   blocked,
		gater:     gater,
		host:      libp2pHost,
		events:    make(chan HandshakeEvent, cfg.EventBufferSize),
		tasks:     make(chan IncomingTaskRequest, cfg.TaskBufferSize),
		sessions:  make(map[peer.ID]*peerSession),
		peerStats: make(map[peer.ID]*peerStatsTracker),
		ctx:       ctx,
		cancel:    cancel,
	}

	n.resources = resource.NewManager(resource.Config{
		Root:                cfg.DataDir,
		MaxSize:             cfg.MaxResourceSize,
		MaxConcurrentServes: cfg.MaxConcurrentServes,
		OnSaturated: func() {
			cfg.Logger.Warn("resource serving saturated", "limit", cfg.MaxConcurrentServes)
		},
	}, libp2pHost)

	n.loop = eventloop.New(
		eventloop.WithClock(cfg.Clock),
		eventloop.WithPanicHandler(func(recovered any) {
			cfg.Logger.Error("panic in handshake loop", "panic", recovered)
		}),
	)

	n.eventDispatch = eventdispatch.NewDispatcher(cfg.EventBufferSize, cfg.Metrics)

	var computer handshake.TaskComputer
	if cfg.TaskComputer != nil {
		computer = cfg.TaskComputer
	}
	n.handshakes = handshake.NewManager(handshake.Config{
		LocalID:         libp2pHost.ID(),
		Tag:             cfg.NonceTag,
		Timeout:         cfg.HandshakeTimeout,
		ResourceTimeout: cfg.ResourceFetchTimeout,
		Clock:           cfg.Clock,
		Logger:          cfg.Logger,
		Metrics:         cfg.Metrics,
		Tracer:          cfg.Tracer,
		Events:          n.eventDispatch,
		Computer:        computer,
		Tasks:           n,
	}, &meteredBlockList{List: blocked, metrics: cfg.Metrics}, n.resources, n.loop)

	cfg.Metrics.BlockedPeers(blocked.Count())

	return n, nil
}

// Start starts the node and begins accepting sessions and resource requests.
// This must be called before the node can connect to peers.
func (n *Node) Start() error {
	n.startMu.Lock()
	defer n.startMu.Unlock()

	if n.stopped {
		return ErrNodeStopped
	}
	if n.started {
		return ErrNodeAlreadyStarted
	}

	n.host.SetStreamHandler(protocol.ResourceProtocolID, n.resources.HandleStream)
	n.host.SetStreamHandler(protocol.SessionProtocolID, n.handleSessionStream)
	n.host.OnDisconnected(n.handleDisconnected)

	n.pumpWG.Add(1)
	go n.pumpEvents()

	n.started = true
	n.config.Logger.Info("reshake node started", "peer", n.host.ID(), "addrs", n.host.Addrs())

	return nil
}

// Stop shuts down the node and releases all resources.
// It closes all sessions, stops the event loop, and flushes the block list.
// A stopped node cannot be restarted.
func (n *Node) Stop() error {
	n.startMu.Lock()
	defer n.startMu.Unlock()

	if !n.started {
		return ErrNodeNotStarted
	}

	n.cancel()

	n.host.RemoveStreamHandler(protocol.SessionProtocolID)
	n.host.RemoveStreamHandler(protocol.ResourceProtocolID)

	n.sessionsMu.RLock()
	open := make([]*peerSession, 0, len(n.sessions))
	for _, ps := range n.sessions {
		open = append(open, ps)
	}
	n.sessionsMu.RUnlock()
	for _, ps := range open {
		_ = ps.sess.Close()
	}

	// Shutdown components in reverse order of initialization
	n.resources.Close()
	n.loop.Close()
	n.eventDispatch.Close()
	n.pumpWG.Wait()

	var firstErr error
	if err := n.host.Close(); err != nil {
		firstErr = fmt.Errorf("failed to close host: %w", err)
	}
	if err := n.blocked.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to close block list: %w", err)
	}

	// The loop is closed, so nothing delivers tasks anymore.
	close(n.tasks)

	n.started = false
	n.stopped = true

	return firstErr
}

func (n *Node) isStarted() bool {
	n.startMu.Lock()
	defer n.startMu.Unlock()
	return n.started
}

// PeerID returns the local peer ID.
func (n *Node) PeerID() peer.ID {
	return n.host.ID()
}

// Addrs returns the multiaddresses the node is listening on.
func (n *Node) Addrs() []multiaddr.Multiaddr {
	return n.host.Addrs()
}

// AddrInfo returns the local peer.AddrInfo for sharing with other nodes.
func (n *Node) AddrInfo() peer.AddrInfo {
	return n.host.AddrInfo()
}

// Connect dials a peer and opens a session with it. It is a no-op if a
// session is already open. Blocked peers are refused.
func (n *Node) Connect(ctx context.Context, pi peer.AddrInfo) error {
	if !n.isStarted() {
		return ErrNodeNotStarted
	}
	if n.blocked.IsBlocked(pi.ID) {
		return NewPeerError(ErrCodePeerBlocked, "refusing to connect to blocked peer", pi.ID)
	}
	if n.hasSession(pi.ID) {
		return nil
	}

	if err := n.host.Connect(ctx, pi); err != nil {
		return &Error{Code: ErrCodeConnectionFailed, Message: "connect failed", PeerID: pi.ID, Cause: err, Retriable: true}
	}

	stream, err := n.host.NewStream(ctx, pi.ID, protocol.SessionProtocolID)
	if err != nil {
		return &Error{Code: ErrCodeConnectionFailed, Message: "failed to open session stream", PeerID: pi.ID, Cause: err, Retriable: true}
	}

	if err := n.openSession(ctx, pi.ID, stream, true); err != nil {
		_ = stream.Reset()
		if errors.Is(err, errDuplicateSession) {
			// The peer's own stream won the race.
			return nil
		}
		return err
	}
	return nil
}

// Disconnect closes the session with a peer, if any. The peer is not blocked.
func (n *Node) Disconnect(peerID peer.ID) error {
	n.sessionsMu.RLock()
	ps := n.sessions[peerID]
	n.sessionsMu.RUnlock()
	if ps == nil {
		return ErrNotConnected
	}
	return ps.sess.Close()
}

// ConnectedPeers returns the peers with an open session.
func (n *Node) ConnectedPeers() []peer.ID {
	n.sessionsMu.RLock()
	defer n.sessionsMu.RUnlock()
	ids := make([]peer.ID, 0, len(n.sessions))
	for id := range n.sessions {
		ids = append(ids, id)
	}
	return ids
}

func (n *Node) hasSession(peerID peer.ID) bool {
	n.sessionsMu.RLock()
	defer n.sessionsMu.RUnlock()
	_, ok := n.sessions[peerID]
	return ok
}

// handleSessionStream accepts an inbound session stream.
func (n *Node) handleSessionStream(stream network.Stream) {
	remote := stream.Conn().RemotePeer()
	if n.blocked.IsBlocked(remote) {
		_ = stream.Reset()
		return
	}
	if err := n.openSession(n.ctx, remote, stream, false); err != nil {
		n.config.Logger.Debug("rejecting session stream", "peer", remote, "error", err)
		_ = stream.Reset()
	}
}

var errDuplicateSession = errors.New("duplicate session")

// openSession registers a session for stream on the loop. When both peers
// open a stream at once, the stream opened by the lower peer ID wins on
// both sides.
func (n *Node) openSession(ctx context.Context, peerID peer.ID, stream network.Stream, outbound bool) error {
	ps := &peerSession{
		node:     n,
		peerID:   peerID,
		outbound: outbound,
		openedAt: n.config.Clock.Now(),
		stats:    n.statsFor(peerID),
	}

	var rejected error
	err := n.loop.Do(ctx, func() {
		n.sessionsMu.Lock()
		existing := n.sessions[peerID]
		if existing != nil {
			if existing.initiator() <= ps.initiator() {
				n.sessionsMu.Unlock()
				rejected = fmt.Errorf("%w with %s", errDuplicateSession, peerID)
				return
			}
			delete(n.sessions, peerID)
		}
		n.sessions[peerID] = ps
		n.sessionsMu.Unlock()
		n.host.ProtectSession(peerID)

		if existing != nil {
			n.config.Logger.Debug("replacing duplicate session", "peer", peerID)
			existing.orch.Close()
			go existing.sess.Close()
		}

		ps.orch = n.handshakes.Bind(peerID, ps)
		ps.sess = session.New(n.ctx, peerID, stream, ps, session.Options{
			MaxMessageSize: n.config.MaxMessageSize,
			ClosePeer:      n.host.Disconnect,
		})
	})
	if err != nil {
		return fmt.Errorf("failed to register session: %w", err)
	}
	if rejected != nil {
		return rejected
	}

	ps.stats.recordSessionStart()
	n.config.Metrics.SessionOpened(ps.direction())
	n.config.Logger.Debug("session opened", "peer", peerID, "direction", ps.direction())
	return nil
}

// removeSession forgets ps if it is still the registered session. Called on the loop.
func (n *Node) removeSession(ps *peerSession) {
	n.sessionsMu.Lock()
	defer n.sessionsMu.Unlock()
	if n.sessions[ps.peerID] == ps {
		delete(n.sessions, ps.peerID)
		n.host.UnprotectSession(ps.peerID)
	}
}

func (n *Node) handleDisconnected(peerID peer.ID) {
	n.sessionsMu.RLock()
	ps := n.sessions[peerID]
	n.sessionsMu.RUnlock()
	if ps != nil {
		_ = ps.sess.Close()
	}
}

// RequestTask asks peerID to let this node compute a task. The request is
// held until a resource handshake with the peer succeeds; the outcome is
// reported through Events(). It returns an error only if the node is not
// running, req is invalid, or there is no session with the peer.
func (n *Node) RequestTask(peerID peer.ID, req wire.TaskRequest) error {
	if !n.isStarted() {
		return ErrNodeNotStarted
	}
	if err := ValidateTaskRequest(req); err != nil {
		return err
	}

	n.sessionsMu.RLock()
	ps := n.sessions[peerID]
	n.sessionsMu.RUnlock()
	if ps == nil {
		return NewPeerError(ErrCodeNotConnected, "no session with peer", peerID)
	}

	_, span := n.config.Tracer.StartTaskRequest(n.ctx, peerID, req.TaskID)
	n.loop.Post(func() {
		ps.orch.RequestTask(req)
		n.config.Tracer.EndOperation(span, nil)
	})
	return nil
}

// DeliverTask implements handshake.TaskSink. It is called on the loop and
// never blocks: requests are dropped when the channel is full.
func (n *Node) DeliverTask(peerID peer.ID, req wire.TaskRequest) {
	select {
	case n.tasks <- IncomingTaskRequest{PeerID: peerID, Request: req, ReceivedAt: n.config.Clock.Now()}:
	default:
		n.config.Metrics.TaskRequestDropped()
		n.config.Logger.Warn("dropping task request, buffer full", "peer", peerID, "task", req.TaskID)
	}
}

// TaskRequests returns the channel of task requests received from peers
// whose handshake succeeded. It is closed by Stop.
func (n *Node) TaskRequests() <-chan IncomingTaskRequest {
	return n.tasks
}

// Events returns the channel for receiving handshake events.
// It is closed by Stop.
func (n *Node) Events() <-chan HandshakeEvent {
	return n.events
}

// pumpEvents converts dispatcher events to public events and keeps
// per-peer statistics.
func (n *Node) pumpEvents() {
	defer n.pumpWG.Done()
	defer close(n.events)

	for evt := range n.eventDispatch.Events() {
		switch evt.State {
		case handshake.EventSucceeded:
			n.statsFor(evt.PeerID).recordHandshake(true)
		case handshake.EventFailed:
			n.statsFor(evt.PeerID).recordHandshake(false)
		}

		select {
		case n.events <- toHandshakeEvent(evt):
		case <-n.ctx.Done():
			// Drain without blocking once stopping.
			select {
			case n.events <- toHandshakeEvent(evt):
			default:
			}
		}
	}
}

// HandshakeStatus returns the live handshake record for peerID, if any.
func (n *Node) HandshakeStatus(peerID peer.ID) (handshake.Status, bool) {
	var (
		status handshake.Status
		ok     bool
	)
	if err := n.loop.Do(context.Background(), func() {
		status, ok = n.handshakes.Status(peerID)
	}); err != nil {
		return handshake.Status{}, false
	}
	return status, ok
}

// HandshakeStatuses returns every live handshake record.
func (n *Node) HandshakeStatuses() []handshake.Status {
	var statuses []handshake.Status
	_ = n.loop.Do(context.Background(), func() {
		statuses = n.handshakes.Statuses()
	})
	return statuses
}

// BlockedPeers returns the block list entries, oldest first.
func (n *Node) BlockedPeers() []*blocklist.Entry {
	return n.blocked.Entries()
}

// IsBlocked reports whether peerID is on the block list.
func (n *Node) IsBlocked(peerID peer.ID) bool {
	return n.blocked.IsBlocked(peerID)
}

// BlockPeer adds peerID to the block list and drops its session.
func (n *Node) BlockPeer(peerID peer.ID, reason string) error {
	if err := n.blocked.Block(peerID, reason); err != nil {
		return err
	}
	n.config.Metrics.BlockedPeers(n.blocked.Count())

	n.sessionsMu.RLock()
	ps := n.sessions[peerID]
	n.sessionsMu.RUnlock()
	if ps != nil {
		go ps.sess.Disconnect(reason)
	}
	return nil
}

// UnblockPeer removes peerID from the block list.
func (n *Node) UnblockPeer(peerID peer.ID) error {
	if err := n.blocked.Unblock(peerID); err != nil {
		if errors.Is(err, blocklist.ErrNotBlocked) {
			return fmt.Errorf("%w: %s", ErrPeerNotBlocked, peerID)
		}
		return err
	}
	n.config.Metrics.BlockedPeers(n.blocked.Count())
	return nil
}

// meteredBlockList keeps the blocked-peers gauge current for blocks made by
// the handshake engine.
type meteredBlockList struct {
	*blocklist.List
	metrics Metrics
}

func (m *meteredBlockList) Block(peerID peer.ID, reason string) error {
	err := m.List.Block(peerID, reason)
	m.metrics.BlockedPeers(m.List.Count())
	return err
}
