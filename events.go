package reshake

import (
	"time"

	"github.com/blockberries/reshake/pkg/handshake"
	"github.com/blockberries/reshake/pkg/wire"
	"github.com/libp2p/go-libp2p/core/peer"
)

// HandshakeState is the lifecycle state reported in a HandshakeEvent.
type HandshakeState int

const (
	// StateStarted indicates this node began a resource handshake with the peer.
	StateStarted HandshakeState = iota

	// StateSucceeded indicates both verdicts were accepted. Task requests
	// now flow in both directions.
	StateSucceeded

	// StateFailed indicates the handshake failed, the peer was blocked and
	// the session dropped.
	StateFailed
)

// String returns a human-readable representation of the handshake state.
func (s HandshakeState) String() string {
	switch s {
	case StateStarted:
		return "Started"
	case StateSucceeded:
		return "Succeeded"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// HandshakeEvent represents a handshake lifecycle change.
type HandshakeEvent struct {
	// PeerID is the peer this event relates to.
	PeerID peer.ID

	// State is the new handshake state.
	State HandshakeState

	// Error is set for StateFailed. It is an *Error whose code classifies
	// the failure.
	Error error

	// Timestamp is when this event occurred.
	Timestamp time.Time
}

// IsError returns true if this event represents an error condition.
func (e HandshakeEvent) IsError() bool {
	return e.Error != nil
}

func toHandshakeEvent(evt handshake.Event) HandshakeEvent {
	out := HandshakeEvent{
		PeerID:    evt.PeerID,
		State:     HandshakeState(evt.State),
		Timestamp: evt.Timestamp,
	}
	if rErr := FromHandshakeError(evt.Error); rErr != nil {
		out.Error = rErr
	}
	return out
}

// IncomingTaskRequest is a task request received from a peer whose
// handshake succeeded.
type IncomingTaskRequest struct {
	PeerID     peer.ID
	Request    wire.TaskRequest
	ReceivedAt time.Time
}
