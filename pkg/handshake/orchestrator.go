package handshake

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/blockberries/reshake/pkg/resource"
	"github.com/blockberries/reshake/pkg/wire"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.opentelemetry.io/otel/trace"
)

const outboxDir = "outbox"

// Orchestrator drives the resource handshake with the peer of one session.
//
// The side that receives HandshakeStart fetches the referenced resource (the
// sender's nonce), and echoes its content back in HandshakeNonce. The
// originator compares the echo with the nonce it generated and answers with
// HandshakeVerdict. Both sides run both roles, so each ends with a local and
// a remote verdict.
//
// Every failure (blocked peer, file or fetch error, nonce mismatch, missing
// state, timeout) goes through a single error path that blocks the peer,
// drops its record and disconnects the session. There is no retry.
//
// Orchestrator is NOT safe for concurrent use; call it from the loop only.
type Orchestrator struct {
	m         *Manager
	peerID    peer.ID
	transport Transport

	ctx    context.Context
	cancel context.CancelFunc

	timerStop func() bool
	span      trace.Span
	reported  *Record
	closed    bool
}

// PeerID returns the remote peer of this session.
func (o *Orchestrator) PeerID() peer.ID {
	return o.peerID
}

// Closed reports whether the session has been torn down.
func (o *Orchestrator) Closed() bool {
	return o.closed
}

// RequestTask sends req to the peer, or holds it behind a handshake if none
// has succeeded yet. The outcome is observed only through side effects: the
// request appears on the wire, or the peer is blocked and the session dropped.
//
// While a handshake is in flight, req replaces the held request instead of
// restarting the handshake; only the latest request is released on success.
func (o *Orchestrator) RequestTask(req wire.TaskRequest) {
	if o.closed {
		o.m.config.Logger.Debug("dropping task request for closed session", "peer", o.peerID)
		return
	}

	if o.m.blocked.IsBlocked(o.peerID) {
		o.m.config.Metrics.TaskRequest("blocked")
		o.fail(newError(KindPeerBlocked, o.peerID, "peer blocked", nil))
		return
	}

	rec := o.m.store.Get(o.peerID)
	switch {
	case rec == nil:
		o.m.config.Metrics.TaskRequest("deferred")
		o.start(&req, RoleInitiator)
	case rec.Succeeded():
		o.m.config.Metrics.TaskRequest("direct")
		o.send(req)
	default:
		// A handshake is in flight; restarting it would invalidate the nonce
		// the peer is already fetching.
		o.m.config.Metrics.TaskRequest("deferred")
		rec.setPending(req)
	}
}

// HandleMessage dispatches an inbound message from the peer.
func (o *Orchestrator) HandleMessage(msg wire.Message) {
	if o.closed {
		return
	}
	o.m.config.Metrics.MessageReceived(msg.Kind().String())

	switch m := msg.(type) {
	case wire.HandshakeStart:
		o.handleStart(m)
	case wire.HandshakeNonce:
		o.handleNonce(m)
	case wire.HandshakeVerdict:
		o.handleVerdict(m)
	case wire.TaskRequest:
		o.handleTaskRequest(m)
	case wire.Disconnect:
		o.m.config.Logger.Info("peer is disconnecting", "peer", o.peerID, "reason", m.Reason)
	default:
		o.m.config.Logger.Debug("ignoring message", "peer", o.peerID, "kind", msg.Kind().String())
	}
}

// Close releases the orchestrator when its session ends. The peer's record
// is dropped so that a reconnect starts a fresh handshake.
func (o *Orchestrator) Close() {
	if o.closed {
		return
	}
	if rec := o.m.store.Get(o.peerID); rec != nil {
		o.release(rec)
	}
	o.m.store.Remove(o.peerID)
	if o.span != nil {
		o.m.config.Tracer.EndHandshake(o.span, "closed", nil)
		o.span = nil
	}
	o.shutdown()
}

func (o *Orchestrator) handleStart(msg wire.HandshakeStart) {
	if o.m.blocked.IsBlocked(o.peerID) {
		o.fail(newError(KindPeerBlocked, o.peerID, "peer blocked", nil))
		return
	}

	rec := o.m.store.Get(o.peerID)
	if rec == nil {
		if !o.start(nil, RoleResponder) {
			return
		}
		rec = o.m.store.Get(o.peerID)
	}
	o.download(rec, msg.ContentRef)
}

func (o *Orchestrator) handleNonce(msg wire.HandshakeNonce) {
	rec := o.m.store.Get(o.peerID)
	// A repeated echo is only accepted if it carries the same nonce.
	accepted := rec != nil && rec.VerifyLocal(msg.Nonce) && msg.Nonce == rec.Nonce()

	o.send(wire.HandshakeVerdict{Nonce: msg.Nonce, Accepted: accepted})

	if accepted {
		o.finalize()
		return
	}

	expected := "<none>"
	if rec != nil {
		expected = rec.Nonce()
	}
	o.fail(newError(KindProtocol, o.peerID,
		fmt.Sprintf("nonce mismatch: %s != %s", expected, msg.Nonce), nil))
}

func (o *Orchestrator) handleVerdict(msg wire.HandshakeVerdict) {
	rec := o.m.store.Get(o.peerID)
	if rec == nil {
		o.fail(newError(KindProtocol, o.peerID, "handshake not started", nil))
		return
	}

	rec.RecordRemoteVerdict(msg.Accepted)
	if rec.RemoteVerified() == VerdictRejected {
		o.fail(newError(KindProtocol, o.peerID,
			fmt.Sprintf("peer rejected nonce echo %q", msg.Nonce), nil))
		return
	}
	o.finalize()
}

func (o *Orchestrator) handleTaskRequest(req wire.TaskRequest) {
	rec := o.m.store.Get(o.peerID)
	if rec == nil || !rec.Succeeded() {
		o.fail(newError(KindProtocol, o.peerID, "task request before successful handshake", nil))
		return
	}
	o.m.config.Tasks.DeliverTask(o.peerID, req)
}

// start creates, writes and shares a fresh record. It returns false if the
// error path ran instead.
func (o *Orchestrator) start(pending *wire.TaskRequest, role string) bool {
	cfg := &o.m.config
	cfg.Logger.Info("starting resource handshake", "peer", o.peerID, "role", role)

	rec := newRecord(o.peerID, cfg.NewNonce(), pending, cfg.Clock.Now())

	dir, err := o.outbox()
	if err != nil {
		o.fail(newError(KindResourceIO, o.peerID, "resolving nonce directory", err))
		return false
	}
	if err := rec.Begin(dir); err != nil {
		o.fail(newError(KindResourceIO, o.peerID, fmt.Sprintf("writing nonce to dir %q", dir), err))
		return false
	}

	o.m.store.Set(rec)

	if o.span != nil {
		cfg.Tracer.EndHandshake(o.span, "replaced", nil)
	}
	_, o.span = cfg.Tracer.StartHandshake(o.ctx, o.peerID, role)
	cfg.Metrics.HandshakeStarted(role)
	o.emit(EventStarted, nil)

	o.armTimer(rec)
	o.share(rec)
	return true
}

// outbox returns the directory holding the nonce files this node serves,
// one per remote peer. It is kept apart from the fetched copies, which are
// stored under the identity of the peer that served them.
func (o *Orchestrator) outbox() (string, error) {
	dir, err := o.m.exchange.WorkDir(o.m.config.Tag)
	if err != nil {
		return "", err
	}
	dir = filepath.Join(dir, outboxDir)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	return dir, nil
}

// share publishes the nonce file to the peer under the local identity.
func (o *Orchestrator) share(rec *Record) {
	cfg := &o.m.config
	opts := resource.ShareOptions{
		Peers: []peer.ID{o.peerID},
		Name:  cfg.LocalID.String(),
	}

	want, err := resource.ContentRef([]byte(rec.Nonce()))
	if err != nil {
		o.fail(newError(KindResourceIO, o.peerID, "hashing nonce", err))
		return
	}

	var ref string
	parent := o.span
	o.async("share", func(ctx context.Context) error {
		ctx, span := cfg.Tracer.StartShare(withSpan(ctx, parent), o.peerID, rec.File())
		var err error
		ref, err = o.m.exchange.ShareFile(ctx, rec.File(), cfg.Tag, opts)
		cfg.Tracer.EndOperation(span, err)
		return err
	}, func(err error) {
		if !o.current(rec) {
			// The file may already hold a newer nonce; only withdraw our own.
			if err == nil && ref == want {
				o.m.exchange.Unshare(ref)
			}
			return
		}
		if err != nil {
			o.fail(newError(KindResourceIO, o.peerID, "sharing nonce", err))
			return
		}
		rec.setRef(ref)
		if ref != want {
			o.fail(newError(KindResourceIO, o.peerID,
				fmt.Sprintf("shared nonce file changed: got %s, expected %s", ref, want), nil))
			return
		}
		cfg.Logger.Debug("sending resource hash", "peer", o.peerID, "ref", ref)
		o.send(wire.HandshakeStart{ContentRef: ref})
	})
}

func (o *Orchestrator) download(rec *Record, ref string) {
	cfg := &o.m.config
	path := o.m.exchange.Path(o.peerID.String(), cfg.Tag)

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		o.fail(newError(KindResourceIO, o.peerID, "removing stale nonce file", err))
		return
	}

	var result resource.FetchResult
	parent := o.span
	o.async("fetch", func(ctx context.Context) error {
		ctx, span := cfg.Tracer.StartFetch(withSpan(ctx, parent), o.peerID, ref)
		var err error
		result, err = o.m.exchange.Fetch(ctx, ref, cfg.Tag, resource.FetchOptions{Peer: o.peerID})
		cfg.Tracer.EndOperation(span, err)
		return err
	}, func(err error) {
		if !o.current(rec) {
			return
		}
		if err != nil {
			o.fail(newError(KindResourceIO, o.peerID, fmt.Sprintf("fetching nonce %q", ref), err))
			return
		}
		o.nonceFetched(result, path)
	})
}

func (o *Orchestrator) nonceFetched(result resource.FetchResult, expected string) {
	if !samePath(result.Path, expected) {
		o.fail(newError(KindResourceIO, o.peerID,
			fmt.Sprintf("fetched nonce at %q, expected %q", result.Path, expected), nil))
		return
	}

	nonce, err := ReadNonce(expected)
	if err != nil {
		o.fail(newError(KindResourceIO, o.peerID,
			fmt.Sprintf("reading nonce from file %q", result.Path), err))
		return
	}

	if err := os.Remove(expected); err != nil {
		o.m.config.Logger.Warn("failed to remove nonce scratch file", "path", expected, "error", err)
	}

	o.send(wire.HandshakeNonce{Nonce: nonce})
}

// finalize is run after every verdict update. It is idempotent: the deferred
// request is released at most once per record.
func (o *Orchestrator) finalize() {
	cfg := &o.m.config

	rec := o.m.store.Get(o.peerID)
	if rec == nil || !rec.Finished() {
		return
	}

	o.stopTimer()

	if !rec.Succeeded() {
		o.fail(newError(KindProtocol, o.peerID,
			fmt.Sprintf("handshake rejected (local %s, remote %s)", rec.LocalVerified(), rec.RemoteVerified()), nil))
		return
	}

	if o.reported != rec {
		o.reported = rec
		cfg.Logger.Info("finished resource handshake", "peer", o.peerID)
		cfg.Metrics.HandshakeResult("success")
		cfg.Metrics.HandshakeDuration(cfg.Clock.Now().Sub(rec.CreatedAt()).Seconds())
		if o.span != nil {
			cfg.Tracer.EndHandshake(o.span, "success", nil)
			o.span = nil
		}
		o.emit(EventSucceeded, nil)
		o.release(rec)
	}

	if req, ok := rec.takePending(); ok {
		cfg.Metrics.TaskRequest("released")
		o.send(req)
	}
}

// fail is the single error path: log, block, drop the record, notify the
// task computer and disconnect. It runs at most once per session.
func (o *Orchestrator) fail(herr *Error) {
	if o.closed {
		return
	}
	cfg := &o.m.config

	cfg.Logger.Error("resource handshake error",
		"peer", o.peerID, "kind", herr.Kind.String(), "reason", herr.Error())

	if err := o.m.blocked.Block(o.peerID, herr.Error()); err != nil {
		cfg.Logger.Warn("failed to persist blocked peer", "peer", o.peerID, "error", err)
	}
	if rec := o.m.store.Get(o.peerID); rec != nil {
		o.release(rec)
	}
	o.m.store.Remove(o.peerID)
	cfg.Metrics.HandshakeError(herr.Kind.String())

	if o.span != nil {
		result := "failure"
		if herr.Kind == KindTimeout {
			result = "timeout"
		}
		cfg.Metrics.HandshakeResult(result)
		cfg.Tracer.EndHandshake(o.span, result, herr)
		o.span = nil
	}

	o.shutdown()
	o.emit(EventFailed, herr)

	cfg.Computer.SessionClosed(o.peerID)
	o.transport.Disconnect(DisconnectReason)
}

// release withdraws the record's nonce share and removes its file. It is
// safe to call more than once.
func (o *Orchestrator) release(rec *Record) {
	if ref := rec.takeRef(); ref != "" {
		o.m.exchange.Unshare(ref)
	}
	if file := rec.File(); file != "" {
		if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
			o.m.config.Logger.Warn("failed to remove nonce file", "path", file, "error", err)
		}
	}
}

func (o *Orchestrator) shutdown() {
	o.closed = true
	o.stopTimer()
	o.cancel()
}

func (o *Orchestrator) armTimer(rec *Record) {
	o.stopTimer()
	o.timerStop = o.m.scheduler.AfterFunc(o.m.config.Timeout, func() {
		o.onTimeout(rec)
	})
}

func (o *Orchestrator) stopTimer() {
	if o.timerStop != nil {
		o.timerStop()
		o.timerStop = nil
	}
}

func (o *Orchestrator) onTimeout(rec *Record) {
	if !o.current(rec) || rec.Succeeded() {
		return
	}
	o.fail(newError(KindTimeout, o.peerID, "timeout", nil))
}

// current reports whether rec is still the live record of an open session.
func (o *Orchestrator) current(rec *Record) bool {
	return !o.closed && o.m.store.Get(o.peerID) == rec
}

// async runs work off the loop and delivers its result back on the loop.
func (o *Orchestrator) async(op string, work func(ctx context.Context) error, done func(err error)) {
	cfg := &o.m.config
	ctx, cancel := context.WithTimeout(o.ctx, cfg.ResourceTimeout)

	o.m.scheduler.Go(func() {
		err := work(ctx)
		cancel()

		result := "success"
		if err != nil {
			result = "failure"
		}
		cfg.Metrics.ResourceOperation(op, result)

		// done runs even after close so it can undo work that outlived the
		// session.
		o.m.scheduler.Post(func() {
			done(err)
		})
	})
}

func (o *Orchestrator) send(msg wire.Message) {
	if err := o.transport.Send(msg); err != nil {
		o.m.config.Logger.Warn("failed to send message",
			"peer", o.peerID, "kind", msg.Kind().String(), "error", err)
		return
	}
	o.m.config.Metrics.MessageSent(msg.Kind().String())
}

func (o *Orchestrator) emit(state EventState, err error) {
	o.m.config.Events.EmitEvent(Event{
		PeerID:    o.peerID,
		State:     state,
		Error:     err,
		Timestamp: o.m.config.Clock.Now(),
	})
}

// withSpan parents resource spans under the handshake span.
func withSpan(ctx context.Context, span trace.Span) context.Context {
	if span == nil {
		return ctx
	}
	return trace.ContextWithSpan(ctx, span)
}

func samePath(a, b string) bool {
	a, b = filepath.Clean(a), filepath.Clean(b)
	if runtime.GOOS == "windows" {
		return strings.EqualFold(a, b)
	}
	return a == b
}
