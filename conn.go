package reshake

import (
	"time"

	"github.com/blockberries/reshake/pkg/handshake"
	"github.com/blockberries/reshake/pkg/session"
	"github.com/blockberries/reshake/pkg/wire"
	"github.com/libp2p/go-libp2p/core/peer"
)

// peerSession binds one libp2p session to its handshake orchestrator.
//
// Session callbacks arrive on the session's read goroutine and are posted to
// the node loop; the orchestrator field is only touched on the loop.
type peerSession struct {
	node     *Node
	peerID   peer.ID
	outbound bool
	openedAt time.Time
	stats    *peerStatsTracker

	sess *session.Session
	orch *handshake.Orchestrator
}

var (
	_ session.Handler     = (*peerSession)(nil)
	_ handshake.Transport = (*peerSession)(nil)
)

func (ps *peerSession) direction() string {
	if ps.outbound {
		return "outbound"
	}
	return "inbound"
}

// initiator returns the peer that opened the session stream.
func (ps *peerSession) initiator() peer.ID {
	if ps.outbound {
		return ps.node.PeerID()
	}
	return ps.peerID
}

// HandleMessage implements session.Handler.
func (ps *peerSession) HandleMessage(_ *session.Session, msg wire.Message) {
	ps.stats.recordMessageReceived(msg.Kind().String())
	ps.node.loop.Post(func() {
		ps.orch.HandleMessage(msg)
	})
}

// HandleDecodeError implements session.Handler.
func (ps *peerSession) HandleDecodeError(_ *session.Session, err error) {
	ps.node.config.Logger.Warn("dropping undecodable frame", "peer", ps.peerID, "error", err)
}

// HandleClosed implements session.Handler.
func (ps *peerSession) HandleClosed(_ *session.Session, err error) {
	if err != nil {
		ps.node.config.Logger.Debug("session ended", "peer", ps.peerID, "error", err)
	}
	ps.node.config.Metrics.SessionClosed()
	ps.stats.recordSessionEnd()
	ps.node.loop.Post(func() {
		ps.orch.Close()
		ps.node.removeSession(ps)
	})
}

// Send implements handshake.Transport. It is called on the loop.
func (ps *peerSession) Send(msg wire.Message) error {
	if err := ps.sess.Send(msg); err != nil {
		return err
	}
	ps.stats.recordMessageSent(msg.Kind().String())
	return nil
}

// Disconnect implements handshake.Transport. The notice and reset run off
// the loop.
func (ps *peerSession) Disconnect(reason string) {
	ps.node.loop.Go(func() {
		ps.sess.Disconnect(reason)
	})
}
