/*
Package reshake gates peer task requests behind a resource handshake run
over libp2p.

Two nodes with an open session prove to each other that they can exchange
resources before either accepts work from the other. Each side writes a fresh
nonce to a file, shares it with the peer through the resource exchange, and
announces its content reference. The peer fetches the file, reads the nonce
and echoes it back. The originator compares the echo against what it wrote
and returns a verdict. A peer is trusted once its own echo matched and it
accepted ours.

A failed handshake, whether by mismatch, rejection, resource error or
timeout, blocks the peer and tears the session down.

# Features

  - Symmetric resource handshake started by the first task request
  - Task requests deferred until the handshake completes
  - Persistent block list enforced at the connection gater
  - Content-addressed resource exchange over a dedicated libp2p protocol
  - Non-blocking handshake event notifications
  - Single-threaded handshake state machine with mockable clock
  - Optional Prometheus metrics and OpenTelemetry tracing

# Quick Start

Create a node:

	privateKey, _ := ed25519.GenerateKey(rand.Reader)
	listenAddr, _ := multiaddr.NewMultiaddr("/ip4/0.0.0.0/tcp/9000")

	cfg := reshake.NewConfig(privateKey, "./data",
		[]multiaddr.Multiaddr{listenAddr},
		reshake.WithBlockListPath("./data/blocked.json"),
	)

	node, err := reshake.New(cfg)
	if err != nil {
		// Handle error
	}

	node.Start()
	defer node.Stop()

Connect to a peer and ask it to compute a task:

	if err := node.Connect(ctx, peerInfo); err != nil {
		// Handle error
	}

	// Sent as soon as the handshake succeeds.
	node.RequestTask(peerInfo.ID, wire.TaskRequest{
		NodeName: "provider",
		TaskID:   "task-1",
		NumCores: 4,
	})

Accept requests from trusted peers:

	for req := range node.TaskRequests() {
		fmt.Printf("%s wants %s\n", req.PeerID, req.Request.TaskID)
	}

Monitor handshakes:

	for event := range node.Events() {
		switch event.State {
		case reshake.StateSucceeded:
			fmt.Printf("Trusted %s\n", event.PeerID)
		case reshake.StateFailed:
			fmt.Printf("Blocked %s: %v\n", event.PeerID, event.Error)
		}
	}

# Handshake Flow

 1. RequestTask on a peer without a record starts the handshake as initiator
 2. Starting a handshake writes a nonce file, shares it and sends HandshakeStart
 3. On HandshakeStart, start as responder if needed, then fetch the resource,
    read the nonce and send HandshakeNonce
 4. On HandshakeNonce, compare with the local nonce and send HandshakeVerdict
 5. On HandshakeVerdict, record whether the peer accepted our echo
 6. When both verdicts are known the handshake succeeds or fails
 7. On success, the deferred task request is sent
 8. On failure or timeout, the peer is blocked and disconnected

# Thread Safety

All public Node methods are safe for concurrent use. Handshake state is only
touched from the node's event loop. Channels (TaskRequests, Events) are
intended for a single consumer.

# Dependencies

  - github.com/libp2p/go-libp2p - P2P networking
  - github.com/blockberries/cramberry - Stream framing
  - github.com/andres-erbsen/clock - Mockable time
*/
package reshake
