// Package protocol provides libp2p host management, the connection gater and
// the protocol identifiers used by reshake nodes.
package protocol

import "github.com/libp2p/go-libp2p/core/protocol"

const (
	// SessionProtocolID carries the framed session messages: the resource
	// handshake and task requests.
	SessionProtocolID protocol.ID = "/reshake/session/1.0.0"

	// ResourceProtocolID carries resource fetch requests and their payloads.
	ResourceProtocolID protocol.ID = "/reshake/resource/1.0.0"
)
