// Package wire defines the messages exchanged over a reshake peer session
// and their frame encoding.
//
// A frame body is a single kind byte followed by the cramberry encoding of
// the message. Frames are length-delimited on the stream by the session layer.
package wire

import (
	"errors"
	"fmt"

	"github.com/blockberries/cramberry/pkg/cramberry"
)

// Kind identifies the type of a message.
type Kind uint8

const (
	// KindHandshakeStart announces a fetchable resource holding the sender's nonce.
	KindHandshakeStart Kind = iota + 1

	// KindHandshakeNonce echoes a nonce read back to its originator.
	KindHandshakeNonce

	// KindHandshakeVerdict carries the originator's verification decision.
	KindHandshakeVerdict

	// KindWantToComputeTask is the request-to-compute message gated by the handshake.
	KindWantToComputeTask

	// KindDisconnect tells the peer the session is being torn down.
	KindDisconnect
)

// String returns a human-readable name for the message kind.
func (k Kind) String() string {
	switch k {
	case KindHandshakeStart:
		return "HandshakeStart"
	case KindHandshakeNonce:
		return "HandshakeNonce"
	case KindHandshakeVerdict:
		return "HandshakeVerdict"
	case KindWantToComputeTask:
		return "WantToComputeTask"
	case KindDisconnect:
		return "Disconnect"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

// Sentinel errors for frame decoding.
var (
	// ErrEmptyFrame indicates a frame without a kind byte.
	ErrEmptyFrame = errors.New("empty frame")

	// ErrUnknownKind indicates a frame with an unrecognised kind byte.
	ErrUnknownKind = errors.New("unknown message kind")
)

// Message is implemented by every message that can travel over a session.
type Message interface {
	Kind() Kind
}

// HandshakeStart announces the content reference of the sender's nonce file.
type HandshakeStart struct {
	ContentRef string `cramberry:"1"`
}

// Kind implements Message.
func (HandshakeStart) Kind() Kind { return KindHandshakeStart }

// HandshakeNonce carries the nonce text read from a fetched resource.
type HandshakeNonce struct {
	Nonce string `cramberry:"1"`
}

// Kind implements Message.
func (HandshakeNonce) Kind() Kind { return KindHandshakeNonce }

// HandshakeVerdict reports whether an echoed nonce matched.
type HandshakeVerdict struct {
	Nonce    string `cramberry:"1"`
	Accepted bool   `cramberry:"2"`
}

// Kind implements Message.
func (HandshakeVerdict) Kind() Kind { return KindHandshakeVerdict }

// TaskRequest informs the peer that this node wants to compute a task.
// Its fields are opaque to the handshake layer.
type TaskRequest struct {
	// NodeName is the human-readable name of the requesting node.
	NodeName string `cramberry:"1"`

	// TaskID identifies the task the node wants to compute.
	TaskID string `cramberry:"2"`

	// PerfIndex is the benchmark result for this task type.
	PerfIndex float64 `cramberry:"3"`

	// Price is the offered price per hour.
	Price float64 `cramberry:"4"`

	// MaxResourceSize is the disk space the node can offer, in bytes.
	MaxResourceSize int64 `cramberry:"5"`

	// MaxMemorySize is the memory the node can offer, in bytes.
	MaxMemorySize int64 `cramberry:"6"`

	// NumCores is the number of CPU cores the node can offer.
	NumCores int32 `cramberry:"7"`
}

// Kind implements Message.
func (TaskRequest) Kind() Kind { return KindWantToComputeTask }

// Disconnect carries the reason a session is being closed.
type Disconnect struct {
	Reason string `cramberry:"1"`
}

// Kind implements Message.
func (Disconnect) Kind() Kind { return KindDisconnect }

// AppendFrame appends the frame body for msg to dst and returns the extended slice.
func AppendFrame(dst []byte, msg Message) ([]byte, error) {
	if msg == nil {
		return dst, fmt.Errorf("cannot encode nil message")
	}
	body, err := cramberry.Marshal(msg)
	if err != nil {
		return dst, fmt.Errorf("failed to encode %s: %w", msg.Kind(), err)
	}
	dst = append(dst, byte(msg.Kind()))
	return append(dst, body...), nil
}

// Encode returns the frame body for msg.
func Encode(msg Message) ([]byte, error) {
	return AppendFrame(nil, msg)
}

func decodeAs[T Message](body []byte) (Message, error) {
	var m T
	if err := cramberry.Unmarshal(body, &m); err != nil {
		return nil, err
	}
	return m, nil
}

var decoders = map[Kind]func([]byte) (Message, error){
	KindHandshakeStart:    decodeAs[HandshakeStart],
	KindHandshakeNonce:    decodeAs[HandshakeNonce],
	KindHandshakeVerdict:  decodeAs[HandshakeVerdict],
	KindWantToComputeTask: decodeAs[TaskRequest],
	KindDisconnect:        decodeAs[Disconnect],
}

// Decode parses a frame body produced by Encode.
func Decode(frame []byte) (Message, error) {
	if len(frame) == 0 {
		return nil, ErrEmptyFrame
	}

	kind := Kind(frame[0])
	decode, ok := decoders[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, frame[0])
	}
	msg, err := decode(frame[1:])
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", kind, err)
	}
	return msg, nil
}
