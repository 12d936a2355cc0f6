package reshake

import (
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/libp2p/go-libp2p/core/peer"
)

// KindStats contains statistics for one message kind.
type KindStats struct {
	// Kind is the message kind name.
	Kind string

	// Sent is the number of messages of this kind sent.
	Sent int64

	// Received is the number of messages of this kind received.
	Received int64
}

// PeerStats contains statistics for a peer.
// All fields are safe to read without synchronization once returned
// from the API, as they are snapshot copies.
type PeerStats struct {
	// PeerID is the peer identifier.
	PeerID peer.ID

	// Connected indicates whether a session with the peer is open.
	Connected bool

	// IsOutbound indicates whether this node opened the current session.
	IsOutbound bool

	// ConnectedAt is when the current session was opened.
	// Zero value if not connected.
	ConnectedAt time.Time

	// TotalConnectTime is the cumulative duration of all sessions.
	TotalConnectTime time.Duration

	// MessagesSent is the total number of messages sent to this peer.
	MessagesSent int64

	// MessagesReceived is the total number of messages received from this peer.
	MessagesReceived int64

	// KindStats contains per-kind message counts.
	KindStats map[string]*KindStats

	// LastMessageAt is when a message was last sent or received.
	LastMessageAt time.Time

	// SessionCount is the total number of sessions opened with the peer.
	SessionCount int

	// HandshakesSucceeded counts handshakes that ended with both verdicts accepted.
	HandshakesSucceeded int

	// HandshakesFailed counts runs of the error path for this peer.
	HandshakesFailed int
}

// peerStatsTracker is the internal mutable stats tracker stored per peer.
type peerStatsTracker struct {
	mu    sync.RWMutex
	clock clock.Clock

	connectedAt      time.Time
	totalConnectTime time.Duration

	messagesSent     int64
	messagesReceived int64
	kinds            map[string]*KindStats

	lastMessageAt time.Time
	sessionCount  int
	succeeded     int
	failed        int
}

func newPeerStatsTracker(clk clock.Clock) *peerStatsTracker {
	return &peerStatsTracker{
		clock: clk,
		kinds: make(map[string]*KindStats),
	}
}

func (s *peerStatsTracker) recordSessionStart() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.connectedAt = s.clock.Now()
	s.sessionCount++
}

func (s *peerStatsTracker) recordSessionEnd() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connectedAt.IsZero() {
		s.totalConnectTime += s.clock.Now().Sub(s.connectedAt)
		s.connectedAt = time.Time{}
	}
}

func (s *peerStatsTracker) recordHandshake(succeeded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if succeeded {
		s.succeeded++
	} else {
		s.failed++
	}
}

func (s *peerStatsTracker) kind(name string) *KindStats {
	ks := s.kinds[name]
	if ks == nil {
		ks = &KindStats{Kind: name}
		s.kinds[name] = ks
	}
	return ks
}

func (s *peerStatsTracker) recordMessageSent(kind string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messagesSent++
	s.lastMessageAt = s.clock.Now()
	s.kind(kind).Sent++
}

func (s *peerStatsTracker) recordMessageReceived(kind string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messagesReceived++
	s.lastMessageAt = s.clock.Now()
	s.kind(kind).Received++
}

// snapshot returns a copy of the stats for external consumption.
func (s *peerStatsTracker) snapshot(peerID peer.ID, connected, isOutbound bool) *PeerStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &PeerStats{
		PeerID:              peerID,
		Connected:           connected,
		IsOutbound:          isOutbound,
		ConnectedAt:         s.connectedAt,
		TotalConnectTime:    s.totalConnectTime,
		MessagesSent:        s.messagesSent,
		MessagesReceived:    s.messagesReceived,
		KindStats:           make(map[string]*KindStats, len(s.kinds)),
		LastMessageAt:       s.lastMessageAt,
		SessionCount:        s.sessionCount,
		HandshakesSucceeded: s.succeeded,
		HandshakesFailed:    s.failed,
	}

	// If currently connected, add the current session duration
	if connected && !s.connectedAt.IsZero() {
		stats.TotalConnectTime += s.clock.Now().Sub(s.connectedAt)
	}

	for name, ks := range s.kinds {
		copied := *ks
		stats.KindStats[name] = &copied
	}

	return stats
}

// PeerStatistics returns statistics for a peer, or nil if the node has
// never had a session with it.
func (n *Node) PeerStatistics(peerID peer.ID) *PeerStats {
	n.peerStatsMu.RLock()
	tracker := n.peerStats[peerID]
	n.peerStatsMu.RUnlock()
	if tracker == nil {
		return nil
	}

	n.sessionsMu.RLock()
	ps := n.sessions[peerID]
	n.sessionsMu.RUnlock()

	return tracker.snapshot(peerID, ps != nil, ps != nil && ps.outbound)
}

// AllPeerStatistics returns statistics for every peer seen.
func (n *Node) AllPeerStatistics() map[peer.ID]*PeerStats {
	n.peerStatsMu.RLock()
	ids := make([]peer.ID, 0, len(n.peerStats))
	for id := range n.peerStats {
		ids = append(ids, id)
	}
	n.peerStatsMu.RUnlock()

	result := make(map[peer.ID]*PeerStats, len(ids))
	for _, id := range ids {
		if stats := n.PeerStatistics(id); stats != nil {
			result[id] = stats
		}
	}
	return result
}

// statsFor returns the tracker for peerID, creating it if needed.
func (n *Node) statsFor(peerID peer.ID) *peerStatsTracker {
	n.peerStatsMu.RLock()
	tracker := n.peerStats[peerID]
	n.peerStatsMu.RUnlock()
	if tracker != nil {
		return tracker
	}

	n.peerStatsMu.Lock()
	defer n.peerStatsMu.Unlock()
	if tracker = n.peerStats[peerID]; tracker == nil {
		tracker = newPeerStatsTracker(n.config.Clock)
		n.peerStats[peerID] = tracker
	}
	return tracker
}
