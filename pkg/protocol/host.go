package protocol

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync/atomic"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	libp2pquic "github.com/libp2p/go-libp2p/p2p/transport/quic"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	"github.com/multiformats/go-multiaddr"
)

// sessionTag protects connections that carry a reshake session from the
// connection manager's trimming.
const sessionTag = "reshake-session"

// HostConfig contains configuration for creating a libp2p host.
type HostConfig struct {
	// PrivateKey is the Ed25519 private key for the host identity.
	PrivateKey ed25519.PrivateKey

	// ListenAddrs are the multiaddresses to listen on. TCP and QUIC
	// (quic-v1) addresses are both supported.
	ListenAddrs []multiaddr.Multiaddr

	// Gater refuses blocked peers. Optional.
	Gater *ConnectionGater

	// EnableNAT turns on hole punching, relay and NAT port mapping.
	EnableNAT bool

	// ConnMgrLowWater and ConnMgrHighWater bound unprotected connections.
	// Connections carrying a session are protected and never trimmed.
	ConnMgrLowWater  int
	ConnMgrHighWater int
}

// DefaultHostConfig returns a HostConfig with sensible defaults.
func DefaultHostConfig() HostConfig {
	return HostConfig{
		ConnMgrLowWater:  32,
		ConnMgrHighWater: 128,
		EnableNAT:        true,
	}
}

// Host wraps a libp2p host with the operations a reshake node needs.
type Host struct {
	host    host.Host
	connMgr *connmgr.BasicConnMgr
	closed  atomic.Bool
}

// NewHost creates a libp2p host listening on cfg.ListenAddrs over TCP and QUIC.
func NewHost(ctx context.Context, cfg HostConfig) (*Host, error) {
	key, err := crypto.UnmarshalEd25519PrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to convert private key: %w", err)
	}

	cm, err := connmgr.NewConnManager(cfg.ConnMgrLowWater, cfg.ConnMgrHighWater, connmgr.WithGracePeriod(0))
	if err != nil {
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	opts := []libp2p.Option{
		libp2p.Identity(key),
		libp2p.ListenAddrs(cfg.ListenAddrs...),
		libp2p.ConnectionManager(cm),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Transport(libp2pquic.NewTransport),
	}
	if cfg.EnableNAT {
		opts = append(opts, libp2p.EnableHolePunching(), libp2p.EnableRelay(), libp2p.NATPortMap())
	}
	if cfg.Gater != nil {
		opts = append(opts, libp2p.ConnectionGater(cfg.Gater))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}
	return &Host{host: h, connMgr: cm}, nil
}

// ID returns the peer ID of this host.
func (h *Host) ID() peer.ID {
	return h.host.ID()
}

// Addrs returns the addresses this host is listening on.
func (h *Host) Addrs() []multiaddr.Multiaddr {
	return h.host.Addrs()
}

// AddrInfo returns the peer.AddrInfo other nodes use to dial this host.
func (h *Host) AddrInfo() peer.AddrInfo {
	return peer.AddrInfo{ID: h.host.ID(), Addrs: h.host.Addrs()}
}

// Running reports whether the host has not been closed.
func (h *Host) Running() bool {
	return !h.closed.Load()
}

// Connect dials a peer. The addresses are kept only as long as the
// connection lives; reshake does not maintain an address book.
func (h *Host) Connect(ctx context.Context, pi peer.AddrInfo) error {
	h.host.Peerstore().AddAddrs(pi.ID, pi.Addrs, peerstore.TempAddrTTL)
	if err := h.host.Connect(ctx, pi); err != nil {
		return fmt.Errorf("failed to connect to peer %s: %w", pi.ID, err)
	}
	return nil
}

// Disconnect closes every connection to a peer and drops its protection.
func (h *Host) Disconnect(peerID peer.ID) error {
	h.connMgr.Unprotect(peerID, sessionTag)
	return h.host.Network().ClosePeer(peerID)
}

// IsConnected reports whether there is an open connection to a peer.
func (h *Host) IsConnected(peerID peer.ID) bool {
	return h.host.Network().Connectedness(peerID) == network.Connected
}

// ProtectSession keeps the connections to peerID from being trimmed while a
// session is open.
func (h *Host) ProtectSession(peerID peer.ID) {
	h.connMgr.Protect(peerID, sessionTag)
}

// UnprotectSession releases the protection added by ProtectSession.
func (h *Host) UnprotectSession(peerID peer.ID) {
	h.connMgr.Unprotect(peerID, sessionTag)
}

// IsProtected reports whether peerID currently carries a session.
func (h *Host) IsProtected(peerID peer.ID) bool {
	return h.connMgr.IsProtected(peerID, sessionTag)
}

// SetStreamHandler registers a handler for a protocol.
func (h *Host) SetStreamHandler(protoID protocol.ID, handler network.StreamHandler) {
	h.host.SetStreamHandler(protoID, handler)
}

// RemoveStreamHandler removes the handler for a protocol.
func (h *Host) RemoveStreamHandler(protoID protocol.ID) {
	h.host.RemoveStreamHandler(protoID)
}

// NewStream opens a stream to a peer for the given protocol.
func (h *Host) NewStream(ctx context.Context, peerID peer.ID, protoID protocol.ID) (network.Stream, error) {
	return h.host.NewStream(ctx, peerID, protoID)
}

// OnDisconnected registers fn to be called whenever the last connection to
// a peer closes.
func (h *Host) OnDisconnected(fn func(peer.ID)) {
	h.host.Network().Notify(&network.NotifyBundle{
		DisconnectedF: func(n network.Network, conn network.Conn) {
			p := conn.RemotePeer()
			if n.Connectedness(p) != network.Connected {
				fn(p)
			}
		},
	})
}

// Close shuts down the host. Calling it more than once is safe.
func (h *Host) Close() error {
	if h.closed.Swap(true) {
		return nil
	}
	return h.host.Close()
}
