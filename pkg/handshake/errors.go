package handshake

import (
	"errors"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"
)

// Kind classifies a handshake failure.
type Kind int

const (
	// KindPeerBlocked means the peer is already on the block list.
	KindPeerBlocked Kind = iota + 1

	// KindProtocol means an out-of-order message, missing state, or nonce mismatch.
	KindProtocol

	// KindResourceIO means a local write, a fetch, or a fetched-path check failed.
	KindResourceIO

	// KindTimeout means the handshake did not finish in time.
	KindTimeout
)

// String returns a human-readable name for the failure kind.
func (k Kind) String() string {
	switch k {
	case KindPeerBlocked:
		return "PeerBlocked"
	case KindProtocol:
		return "Protocol"
	case KindResourceIO:
		return "ResourceIO"
	case KindTimeout:
		return "Timeout"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

// Sentinel errors, one per Kind. Error values match them with errors.Is.
var (
	// ErrPeerBlocked indicates the peer is on the block list.
	ErrPeerBlocked = errors.New("peer blocked")

	// ErrProtocol indicates a handshake protocol violation.
	ErrProtocol = errors.New("handshake protocol error")

	// ErrResourceIO indicates a resource exchange or file failure.
	ErrResourceIO = errors.New("resource i/o error")

	// ErrTimeout indicates the handshake timed out.
	ErrTimeout = errors.New("handshake timeout")
)

// Error describes why a handshake with a peer failed.
type Error struct {
	Kind   Kind
	PeerID peer.ID
	Reason string
	Cause  error
}

// Error returns a human-readable error message.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("resource handshake with %s: %s: %v", e.PeerID, e.Reason, e.Cause)
	}
	return fmt.Sprintf("resource handshake with %s: %s", e.PeerID, e.Reason)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrPeerBlocked:
		return e.Kind == KindPeerBlocked
	case ErrProtocol:
		return e.Kind == KindProtocol
	case ErrResourceIO:
		return e.Kind == KindResourceIO
	case ErrTimeout:
		return e.Kind == KindTimeout
	}
	return false
}

func newError(kind Kind, peerID peer.ID, reason string, cause error) *Error {
	return &Error{Kind: kind, PeerID: peerID, Reason: reason, Cause: cause}
}
