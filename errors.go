package reshake

import (
	"errors"
	"fmt"

	"github.com/blockberries/reshake/pkg/handshake"
	"github.com/libp2p/go-libp2p/core/peer"
)

// ErrorCode classifies an *Error for programmatic handling.
type ErrorCode int

const (
	ErrCodeUnknown ErrorCode = iota
	ErrCodeConnectionFailed
	ErrCodePeerBlocked
	// ErrCodeHandshakeProtocol covers out-of-order messages, missing state
	// and nonce mismatches.
	ErrCodeHandshakeProtocol
	// ErrCodeResourceIO covers writing, sharing or fetching a nonce file.
	ErrCodeResourceIO
	ErrCodeHandshakeTimeout
	ErrCodeNotConnected
	ErrCodeInvalidConfig
)

var errorCodeNames = [...]string{
	ErrCodeUnknown:           "Unknown",
	ErrCodeConnectionFailed:  "ConnectionFailed",
	ErrCodePeerBlocked:       "PeerBlocked",
	ErrCodeHandshakeProtocol: "HandshakeProtocol",
	ErrCodeResourceIO:        "ResourceIO",
	ErrCodeHandshakeTimeout:  "HandshakeTimeout",
	ErrCodeNotConnected:      "NotConnected",
	ErrCodeInvalidConfig:     "InvalidConfig",
}

func (c ErrorCode) String() string {
	if c >= 0 && int(c) < len(errorCodeNames) {
		return errorCodeNames[c]
	}
	return fmt.Sprintf("ErrorCode(%d)", c)
}

// permanent reports whether a failure with this code keeps failing on retry.
// Every handshake failure is permanent because the peer stays blocked.
func (c ErrorCode) permanent() bool {
	switch c {
	case ErrCodePeerBlocked, ErrCodeHandshakeProtocol, ErrCodeResourceIO,
		ErrCodeHandshakeTimeout, ErrCodeInvalidConfig:
		return true
	}
	return false
}

// Error is the structured error returned by Node operations and carried on
// failed HandshakeEvents. errors.Is matches two *Error values by Code alone,
// so callers can test with &Error{Code: ErrCodePeerBlocked}.
type Error struct {
	Code    ErrorCode
	Message string
	// PeerID is empty when the error is not tied to a peer.
	PeerID    peer.ID
	Cause     error
	Retriable bool
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return "reshake: " + e.Message
	}
	return fmt.Sprintf("reshake: %s: %v", e.Message, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func asError(err error) (*Error, bool) {
	var rErr *Error
	ok := errors.As(err, &rErr)
	return rErr, ok
}

// IsRetriable reports whether err is an *Error marked retriable.
func IsRetriable(err error) bool {
	rErr, ok := asError(err)
	return ok && rErr.Retriable
}

// IsPermanent reports whether err is an *Error whose code cannot succeed on
// retry.
func IsPermanent(err error) bool {
	rErr, ok := asError(err)
	return ok && rErr.Code.permanent()
}

func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

func NewErrorWithCause(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func NewPeerError(code ErrorCode, message string, peerID peer.ID) *Error {
	return &Error{Code: code, Message: message, PeerID: peerID}
}

var handshakeKindCodes = map[handshake.Kind]ErrorCode{
	handshake.KindPeerBlocked: ErrCodePeerBlocked,
	handshake.KindProtocol:    ErrCodeHandshakeProtocol,
	handshake.KindResourceIO:  ErrCodeResourceIO,
	handshake.KindTimeout:     ErrCodeHandshakeTimeout,
}

// FromHandshakeError maps a handshake failure onto an *Error, keeping the
// original as Cause. Errors that are not *handshake.Error map to
// ErrCodeUnknown; nil maps to nil.
func FromHandshakeError(err error) *Error {
	if err == nil {
		return nil
	}
	var herr *handshake.Error
	if !errors.As(err, &herr) {
		return NewErrorWithCause(ErrCodeUnknown, "handshake failed", err)
	}
	return &Error{
		Code:    handshakeKindCodes[herr.Kind],
		Message: herr.Reason,
		PeerID:  herr.PeerID,
		Cause:   err,
	}
}

var (
	ErrPeerNotBlocked     = errors.New("peer is not blocked")
	ErrNotConnected       = errors.New("no session with peer")
	ErrInvalidTaskRequest = errors.New("invalid task request")
)

// Configuration errors returned by Config.Validate.
var (
	ErrInvalidConfig      = errors.New("invalid configuration")
	ErrMissingPrivateKey  = errors.New("private key is required")
	ErrInvalidPrivateKey  = errors.New("invalid private key")
	ErrMissingDataDir     = errors.New("data directory is required")
	ErrMissingListenAddrs = errors.New("at least one listen address is required")
)

// Lifecycle errors.
var (
	ErrNodeNotStarted     = errors.New("node not started")
	ErrNodeAlreadyStarted = errors.New("node already started")
	ErrNodeStopped        = errors.New("node stopped")
)
