package reshake

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/blockberries/reshake/pkg/handshake"
	"github.com/blockberries/reshake/pkg/protocol"
)

// DebugState represents the complete state of a Node for debugging purposes.
type DebugState struct {
	// Node identity
	PeerID string `json:"peer_id"`

	// Listen addresses
	ListenAddrs []string `json:"listen_addrs"`

	// Protocols served
	Protocols []string `json:"protocols"`

	// Open sessions
	Sessions []DebugSession `json:"sessions"`

	// Live handshake records
	Handshakes []handshake.Status `json:"handshakes"`

	// Resource exchange
	Resources DebugResources `json:"resources"`

	// Block list
	BlockList DebugBlockList `json:"block_list"`

	// Event delivery
	Events DebugEvents `json:"events"`

	// Configuration
	Config DebugConfig `json:"config"`

	// Statistics summary
	PeersWithStats int `json:"peers_with_stats"`

	// Timestamp when state was captured
	CapturedAt time.Time `json:"captured_at"`
}

// DebugSession represents one open session for debugging.
type DebugSession struct {
	PeerID    string    `json:"peer_id"`
	Direction string    `json:"direction"`
	OpenedAt  time.Time `json:"opened_at"`
}

// DebugResources represents resource exchange state for debugging.
type DebugResources struct {
	Shared  int `json:"shared"`
	Serving int `json:"serving"`
}

// DebugEvents counts handshake events offered to the application.
type DebugEvents struct {
	Emitted uint64 `json:"emitted"`
	Dropped uint64 `json:"dropped"`
}

// DebugBlockList represents block list state for debugging.
type DebugBlockList struct {
	Persistent bool               `json:"persistent"`
	Count      int                `json:"count"`
	Refused    uint64             `json:"refused_connections"`
	Peers      []DebugBlockedPeer `json:"peers,omitempty"`
}

// DebugBlockedPeer represents one block list entry for debugging.
type DebugBlockedPeer struct {
	PeerID    string    `json:"peer_id"`
	Reason    string    `json:"reason"`
	BlockedAt time.Time `json:"blocked_at"`
	Hits      int       `json:"hits"`
}

// DebugConfig represents configuration summary for debugging.
type DebugConfig struct {
	DataDir              string `json:"data_dir"`
	BlockListPath        string `json:"block_list_path,omitempty"`
	NonceTag             string `json:"nonce_tag"`
	HandshakeTimeout     string `json:"handshake_timeout"`
	ResourceFetchTimeout string `json:"resource_fetch_timeout"`
	MaxMessageSize       int    `json:"max_message_size"`
	MaxResourceSize      int64  `json:"max_resource_size"`
}

// DumpState captures the current state of the node for debugging.
// This is useful for troubleshooting handshake failures.
func (n *Node) DumpState() *DebugState {
	state := &DebugState{
		PeerID: n.PeerID().String(),
		Protocols: []string{
			string(protocol.SessionProtocolID),
			string(protocol.ResourceProtocolID),
		},
		Handshakes: n.HandshakeStatuses(),
		CapturedAt: n.config.Clock.Now(),
	}

	for _, addr := range n.Addrs() {
		state.ListenAddrs = append(state.ListenAddrs, addr.String())
	}

	n.sessionsMu.RLock()
	for _, ps := range n.sessions {
		state.Sessions = append(state.Sessions, DebugSession{
			PeerID:    ps.peerID.String(),
			Direction: ps.direction(),
			OpenedAt:  ps.openedAt,
		})
	}
	n.sessionsMu.RUnlock()
	sort.Slice(state.Sessions, func(i, j int) bool {
		return state.Sessions[i].PeerID < state.Sessions[j].PeerID
	})
	sort.Slice(state.Handshakes, func(i, j int) bool {
		return state.Handshakes[i].PeerID < state.Handshakes[j].PeerID
	})

	state.Resources = DebugResources{
		Shared:  n.resources.SharedCount(),
		Serving: n.resources.ActiveServes(),
	}
	state.BlockList = n.dumpBlockList()
	state.Events = DebugEvents{
		Emitted: n.eventDispatch.Emitted(),
		Dropped: n.eventDispatch.Dropped(),
	}
	state.Config = n.dumpConfig()

	n.peerStatsMu.RLock()
	state.PeersWithStats = len(n.peerStats)
	n.peerStatsMu.RUnlock()

	return state
}

func (n *Node) dumpBlockList() DebugBlockList {
	entries := n.blocked.Entries()
	bl := DebugBlockList{
		Persistent: n.blocked.Persistent(),
		Count:      len(entries),
		Refused:    n.gater.Refused(),
	}
	for _, e := range entries {
		bl.Peers = append(bl.Peers, DebugBlockedPeer{
			PeerID:    e.PeerID.String(),
			Reason:    e.Reason,
			BlockedAt: e.BlockedAt,
			Hits:      e.Hits,
		})
	}
	return bl
}

func (n *Node) dumpConfig() DebugConfig {
	return DebugConfig{
		DataDir:              n.config.DataDir,
		BlockListPath:        n.config.BlockListPath,
		NonceTag:             n.config.NonceTag,
		HandshakeTimeout:     n.config.HandshakeTimeout.String(),
		ResourceFetchTimeout: n.config.ResourceFetchTimeout.String(),
		MaxMessageSize:       n.config.MaxMessageSize,
		MaxResourceSize:      n.config.MaxResourceSize,
	}
}

// DumpStateJSON returns the node state as formatted JSON.
func (n *Node) DumpStateJSON() (string, error) {
	state := n.DumpState()
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal state: %w", err)
	}
	return string(data), nil
}

// DumpStateString returns a human-readable string representation of the node state.
func (n *Node) DumpStateString() string {
	state := n.DumpState()
	var sb strings.Builder

	section := func(title string, lines []string) {
		sb.WriteString(title + ":\n")
		if len(lines) == 0 {
			sb.WriteString("  (none)\n")
		}
		for _, l := range lines {
			sb.WriteString("  " + l + "\n")
		}
		sb.WriteString("\n")
	}

	sb.WriteString("=== Reshake Node Debug State ===\n\n")
	section("IDENTITY", []string{"Peer ID: " + state.PeerID})

	var lines []string
	for _, addr := range state.ListenAddrs {
		lines = append(lines, "- "+addr)
	}
	section("LISTEN ADDRESSES", lines)

	lines = nil
	for _, s := range state.Sessions {
		lines = append(lines, fmt.Sprintf("- %s (%s, since %s)", s.PeerID, s.Direction, s.OpenedAt.Format(time.RFC3339)))
	}
	section("SESSIONS", lines)

	lines = nil
	for _, h := range state.Handshakes {
		l := fmt.Sprintf("- %s: local=%s remote=%s", h.PeerID, h.LocalVerified, h.RemoteVerified)
		if h.PendingRequest {
			l += " (request pending)"
		}
		lines = append(lines, l)
	}
	section("HANDSHAKES", lines)

	section("RESOURCES", []string{
		fmt.Sprintf("Shared:  %d", state.Resources.Shared),
		fmt.Sprintf("Serving: %d", state.Resources.Serving),
	})

	lines = []string{
		fmt.Sprintf("Blocked:    %d peers", state.BlockList.Count),
		fmt.Sprintf("Persistent: %t", state.BlockList.Persistent),
		fmt.Sprintf("Refused:    %d connections", state.BlockList.Refused),
	}
	for _, p := range state.BlockList.Peers {
		lines = append(lines, fmt.Sprintf("- %s: %s (%d hits)", p.PeerID, p.Reason, p.Hits))
	}
	section("BLOCK LIST", lines)

	section("EVENTS", []string{
		fmt.Sprintf("Emitted: %d", state.Events.Emitted),
		fmt.Sprintf("Dropped: %d", state.Events.Dropped),
	})

	c := state.Config
	section("CONFIGURATION", []string{
		"Data Dir:          " + c.DataDir,
		"Nonce Tag:         " + c.NonceTag,
		"Handshake Timeout: " + c.HandshakeTimeout,
		"Fetch Timeout:     " + c.ResourceFetchTimeout,
		fmt.Sprintf("Max Message Size:  %d bytes", c.MaxMessageSize),
		fmt.Sprintf("Max Resource Size: %d bytes", c.MaxResourceSize),
	})

	section("STATISTICS", []string{fmt.Sprintf("Peers tracked: %d", state.PeersWithStats)})

	sb.WriteString("Captured at: " + state.CapturedAt.Format(time.RFC3339) + "\n")
	return sb.String()
}
