// Package session provides the per-peer message session a reshake node runs
// over a libp2p stream.
//
// A Session frames wire messages with cramberry length delimiters. Reads run
// on a background goroutine that decodes each frame and hands it to the
// session's Handler; writes are serialized by a mutex and may be issued from
// any goroutine.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/blockberries/cramberry/pkg/cramberry"
	"github.com/blockberries/reshake/internal/pool"
	"github.com/blockberries/reshake/pkg/wire"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
)

const (
	// DefaultMaxMessageSize is the default limit on a single frame.
	DefaultMaxMessageSize = 1 << 20

	// DefaultWriteTimeout bounds a single Send.
	DefaultWriteTimeout = 10 * time.Second

	// disconnectGrace bounds the best-effort Disconnect notice.
	disconnectGrace = time.Second
)

// ErrClosed is returned by Send on a closed session.
var ErrClosed = errors.New("session closed")

// ErrMessageTooLarge is reported for frames above the size limit.
var ErrMessageTooLarge = errors.New("message too large")

// Handler receives session callbacks. All callbacks for a session are made
// from its read goroutine and must not block for long.
type Handler interface {
	// HandleMessage is called for every decoded inbound message.
	HandleMessage(s *Session, msg wire.Message)

	// HandleDecodeError is called for a frame that could not be decoded.
	// The session stays open.
	HandleDecodeError(s *Session, err error)

	// HandleClosed is called once when the session ends. err is nil for an
	// orderly close.
	HandleClosed(s *Session, err error)
}

// PeerCloser closes every connection to a peer.
type PeerCloser func(peerID peer.ID) error

// Options configure a Session.
type Options struct {
	// MaxMessageSize limits inbound and outbound frames.
	MaxMessageSize int

	// WriteTimeout bounds a single Send.
	WriteTimeout time.Duration

	// ClosePeer is called by Disconnect after the stream is reset.
	ClosePeer PeerCloser
}

// Session is a framed message session with one peer.
type Session struct {
	peerID  peer.ID
	stream  network.Stream
	handler Handler
	opts    Options

	reader  *cramberry.MessageIterator
	writer  *cramberry.StreamWriter
	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
	closeMu   sync.RWMutex
	closed    bool
	closeErr  error
}

// New creates a session over stream and starts its read goroutine.
func New(ctx context.Context, peerID peer.ID, stream network.Stream, handler Handler, opts Options) *Session {
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = DefaultMaxMessageSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}

	sessCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		peerID:  peerID,
		stream:  stream,
		handler: handler,
		opts:    opts,
		reader:  cramberry.NewMessageIterator(stream),
		writer:  cramberry.NewStreamWriter(stream),
		ctx:     sessCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go s.readLoop()
	return s
}

// PeerID returns the remote peer.
func (s *Session) PeerID() peer.ID {
	return s.peerID
}

// Stream returns the underlying libp2p stream.
func (s *Session) Stream() network.Stream {
	return s.stream
}

// Send encodes msg and writes it as one frame.
func (s *Session) Send(msg wire.Message) error {
	return s.SendCtx(context.Background(), msg)
}

// SendCtx is Send with cancellation. The write deadline is the earlier of the
// context deadline and the session's write timeout.
func (s *Session) SendCtx(ctx context.Context, msg wire.Message) error {
	if s.IsClosed() {
		return ErrClosed
	}

	buf := pool.Get(pool.FrameSize)
	defer pool.Put(buf)

	frame, err := wire.AppendFrame(*buf, msg)
	if err != nil {
		return err
	}
	*buf = frame
	if len(frame) > s.opts.MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(frame))
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	deadline := time.Now().Add(s.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = s.stream.SetWriteDeadline(deadline)
	defer func() { _ = s.stream.SetWriteDeadline(time.Time{}) }()

	if err := s.writer.WriteDelimited(&frame); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("flush failed: %w", err)
	}
	return nil
}

func (s *Session) readLoop() {
	var loopErr error
	defer func() {
		s.finish(loopErr)
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		var frame []byte
		if !s.reader.Next(&frame) {
			if err := s.reader.Err(); err != nil && !errors.Is(err, io.EOF) && s.ctx.Err() == nil {
				loopErr = fmt.Errorf("read error: %w", err)
			}
			return
		}

		if len(frame) > s.opts.MaxMessageSize {
			s.handler.HandleDecodeError(s, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(frame)))
			continue
		}

		msg, err := wire.Decode(frame)
		if err != nil {
			s.handler.HandleDecodeError(s, err)
			continue
		}
		s.handler.HandleMessage(s, msg)
	}
}

// Disconnect sends a best-effort Disconnect notice, resets the stream and
// closes the connection to the peer.
func (s *Session) Disconnect(reason string) {
	if !s.IsClosed() {
		ctx, cancel := context.WithTimeout(s.ctx, disconnectGrace)
		_ = s.SendCtx(ctx, wire.Disconnect{Reason: reason})
		cancel()
	}

	s.markClosed()
	s.cancel()
	_ = s.stream.Reset()

	if s.opts.ClosePeer != nil {
		_ = s.opts.ClosePeer(s.peerID)
	}
}

// Close closes the session. It is safe to call multiple times.
func (s *Session) Close() error {
	if !s.markClosed() {
		s.closeMu.RLock()
		defer s.closeMu.RUnlock()
		return s.closeErr
	}
	s.cancel()

	err := s.stream.Close()
	s.closeMu.Lock()
	s.closeErr = err
	s.closeMu.Unlock()
	return err
}

// markClosed reports whether this call transitioned the session to closed.
func (s *Session) markClosed() bool {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	return true
}

func (s *Session) finish(err error) {
	s.closeOnce.Do(func() {
		s.markClosed()
		s.cancel()
		// Unblocks the remote writer if we stopped reading on our own.
		if err != nil {
			_ = s.stream.Reset()
		}
		close(s.done)
		s.handler.HandleClosed(s, err)
	})
}

// IsClosed reports whether the session is closed.
func (s *Session) IsClosed() bool {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	return s.closed
}

// Done returns a channel closed once the read goroutine has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}
