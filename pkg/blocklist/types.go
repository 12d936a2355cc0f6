// Package blocklist records peers that failed the resource handshake.
//
// A blocked peer is refused further handshakes and connections. Entries are
// never removed automatically; only an explicit Unblock or Clear lifts a
// block. The list lives in memory and is optionally persisted to a JSON file
// so blocks survive restarts.
package blocklist

import (
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// Entry describes a blocked peer.
type Entry struct {
	// PeerID is the blocked peer.
	PeerID peer.ID `json:"peer_id"`

	// Reason is the failure that caused the first block.
	Reason string `json:"reason"`

	// BlockedAt is when the peer was first blocked.
	BlockedAt time.Time `json:"blocked_at"`

	// LastReason is the reason given for the most recent block.
	LastReason string `json:"last_reason,omitempty"`

	// Hits counts how many times the peer was blocked, including the first.
	Hits int `json:"hits"`

	// UpdatedAt is when the entry last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a copy of the entry.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}

type listData struct {
	Version int               `json:"version"`
	Peers   map[string]*Entry `json:"peers"`
}
