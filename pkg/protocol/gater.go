package protocol

import (
	"sync/atomic"

	"github.com/libp2p/go-libp2p/core/connmgr"
	"github.com/libp2p/go-libp2p/core/control"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// BlockedChecker reports whether a peer is on the block list.
type BlockedChecker interface {
	IsBlocked(peerID peer.ID) bool
}

// ConnectionGater enforces the block list at the connection level. A blocked
// peer can neither dial this node nor be dialed by it.
type ConnectionGater struct {
	checker BlockedChecker
	refused atomic.Uint64
}

var _ connmgr.ConnectionGater = (*ConnectionGater)(nil)

// NewConnectionGater creates a connection gater backed by the given block list.
func NewConnectionGater(checker BlockedChecker) *ConnectionGater {
	return &ConnectionGater{checker: checker}
}

// Refused returns how many dials and connections were refused so far.
func (g *ConnectionGater) Refused() uint64 {
	return g.refused.Load()
}

func (g *ConnectionGater) allow(p peer.ID) bool {
	if g.checker.IsBlocked(p) {
		g.refused.Add(1)
		return false
	}
	return true
}

// InterceptPeerDial refuses outbound dials to blocked peers.
func (g *ConnectionGater) InterceptPeerDial(p peer.ID) bool {
	return g.allow(p)
}

// InterceptAddrDial allows every address of a peer that passed InterceptPeerDial.
func (g *ConnectionGater) InterceptAddrDial(peer.ID, multiaddr.Multiaddr) bool {
	return true
}

// InterceptAccept allows every inbound connection; the peer is not known yet.
func (g *ConnectionGater) InterceptAccept(network.ConnMultiaddrs) bool {
	return true
}

// InterceptSecured refuses inbound and outbound connections once the secure
// channel has authenticated a blocked peer.
func (g *ConnectionGater) InterceptSecured(_ network.Direction, p peer.ID, _ network.ConnMultiaddrs) bool {
	return g.allow(p)
}

// InterceptUpgraded catches peers blocked while their connection was being upgraded.
func (g *ConnectionGater) InterceptUpgraded(conn network.Conn) (bool, control.DisconnectReason) {
	if !g.allow(conn.RemotePeer()) {
		return false, 0
	}
	return true, 0
}
