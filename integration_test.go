package reshake

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Integration tests run two real nodes on the loopback interface.

const integrationTimeout = 15 * time.Second

func waitForEvent(t *testing.T, node *Node, peerID peer.ID, state HandshakeState) HandshakeEvent {
	t.Helper()
	deadline := time.After(integrationTimeout)
	for {
		select {
		case evt, ok := <-node.Events():
			require.True(t, ok, "events channel closed")
			if evt.PeerID == peerID && evt.State == state {
				return evt
			}
			if evt.State == StateFailed {
				t.Fatalf("unexpected handshake failure with %s: %v", evt.PeerID, evt.Error)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event from %s", state, peerID)
		}
	}
}

func waitForTask(t *testing.T, node *Node) IncomingTaskRequest {
	t.Helper()
	select {
	case req, ok := <-node.TaskRequests():
		require.True(t, ok, "task channel closed")
		return req
	case <-time.After(integrationTimeout):
		t.Fatal("timed out waiting for task request")
	}
	return IncomingTaskRequest{}
}

func connectNodes(t *testing.T, from, to *Node) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), integrationTimeout)
	defer cancel()
	require.NoError(t, from.Connect(ctx, to.AddrInfo()))
}

func TestIntegration_TaskRequestAfterHandshake(t *testing.T) {
	a := newStartedNode(t)
	b := newStartedNode(t)

	connectNodes(t, a, b)
	assert.Contains(t, a.ConnectedPeers(), b.PeerID())
	assert.True(t, a.host.IsProtected(b.PeerID()), "session connection should be protected")

	// Connecting again is a no-op.
	connectNodes(t, a, b)

	req := validTaskRequest()
	require.NoError(t, a.RequestTask(b.PeerID(), req))

	waitForEvent(t, a, b.PeerID(), StateStarted)
	waitForEvent(t, b, a.PeerID(), StateStarted)
	waitForEvent(t, a, b.PeerID(), StateSucceeded)
	waitForEvent(t, b, a.PeerID(), StateSucceeded)

	got := waitForTask(t, b)
	assert.Equal(t, a.PeerID(), got.PeerID)
	assert.Equal(t, req, got.Request)

	status, ok := a.HandshakeStatus(b.PeerID())
	require.True(t, ok)
	assert.True(t, status.Succeeded)
	assert.False(t, status.PendingRequest)

	// Requests flow directly in the other direction too.
	back := validTaskRequest()
	back.TaskID = "task-2"
	require.NoError(t, b.RequestTask(a.PeerID(), back))
	got = waitForTask(t, a)
	assert.Equal(t, b.PeerID(), got.PeerID)
	assert.Equal(t, "task-2", got.Request.TaskID)

	stats := a.PeerStatistics(b.PeerID())
	require.NotNil(t, stats)
	assert.True(t, stats.Connected)
	assert.True(t, stats.IsOutbound)
	assert.Equal(t, 1, stats.HandshakesSucceeded)
	assert.Positive(t, stats.MessagesSent)
	assert.Positive(t, stats.MessagesReceived)

	assert.False(t, a.IsBlocked(b.PeerID()))
	assert.False(t, b.IsBlocked(a.PeerID()))
}

func TestIntegration_ConcurrentHandshakesWithTwoPeers(t *testing.T) {
	a := newStartedNode(t)
	b := newStartedNode(t)
	c := newStartedNode(t)

	connectNodes(t, a, b)
	connectNodes(t, a, c)

	toB := validTaskRequest()
	toB.TaskID = "task-b"
	toC := validTaskRequest()
	toC.TaskID = "task-c"

	// Both handshakes run at once, each with its own nonce file.
	require.NoError(t, a.RequestTask(b.PeerID(), toB))
	require.NoError(t, a.RequestTask(c.PeerID(), toC))

	gotB := waitForTask(t, b)
	gotC := waitForTask(t, c)
	assert.Equal(t, "task-b", gotB.Request.TaskID)
	assert.Equal(t, "task-c", gotC.Request.TaskID)

	for _, p := range []peer.ID{b.PeerID(), c.PeerID()} {
		status, ok := a.HandshakeStatus(p)
		require.True(t, ok)
		assert.True(t, status.Succeeded)
		assert.False(t, a.IsBlocked(p))
	}
	assert.False(t, b.IsBlocked(a.PeerID()))
	assert.False(t, c.IsBlocked(a.PeerID()))

	// Nonce shares are withdrawn once the handshakes succeed.
	require.Eventually(t, func() bool {
		return a.resources.SharedCount() == 0 &&
			b.resources.SharedCount() == 0 &&
			c.resources.SharedCount() == 0
	}, integrationTimeout, 50*time.Millisecond)
}

func TestIntegration_NonceFilesUnderTag(t *testing.T) {
	a := newStartedNode(t, WithNonceTag("challenge"))
	b := newStartedNode(t, WithNonceTag("challenge"))

	connectNodes(t, a, b)
	require.NoError(t, a.RequestTask(b.PeerID(), validTaskRequest()))
	waitForEvent(t, a, b.PeerID(), StateSucceeded)

	state := a.DumpState()
	assert.Equal(t, "challenge", state.Config.NonceTag)
	require.Len(t, state.Sessions, 1)
	assert.Equal(t, "outbound", state.Sessions[0].Direction)
}

func TestIntegration_BlockPeerDropsSession(t *testing.T) {
	metrics := newTestMetrics()
	a := newStartedNode(t, WithMetrics(metrics))
	b := newStartedNode(t)

	connectNodes(t, a, b)
	require.NoError(t, a.RequestTask(b.PeerID(), validTaskRequest()))
	waitForEvent(t, a, b.PeerID(), StateSucceeded)
	waitForTask(t, b)

	require.NoError(t, a.BlockPeer(b.PeerID(), "misbehaving"))

	require.Eventually(t, func() bool {
		return !slices.Contains(a.ConnectedPeers(), b.PeerID()) &&
			!slices.Contains(b.ConnectedPeers(), a.PeerID()) &&
			!b.host.IsConnected(a.PeerID())
	}, integrationTimeout, 50*time.Millisecond)

	_, ok := a.HandshakeStatus(b.PeerID())
	assert.False(t, ok, "record is dropped with the session")
	assert.Equal(t, 1, metrics.blockedGauge())
	assert.Equal(t, 1, metrics.get("session_opened:outbound"))

	// The gater refuses the blocked peer in both directions.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.Error(t, b.Connect(ctx, a.AddrInfo()))
	assert.ErrorIs(t, a.Connect(ctx, b.AddrInfo()), &Error{Code: ErrCodePeerBlocked})
	assert.NotZero(t, a.gater.Refused(), "inbound dial from the blocked peer is refused by the gater")
	assert.False(t, a.host.IsProtected(b.PeerID()))
}

func TestIntegration_ReconnectStartsFreshHandshake(t *testing.T) {
	a := newStartedNode(t)
	b := newStartedNode(t)

	connectNodes(t, a, b)
	require.NoError(t, a.RequestTask(b.PeerID(), validTaskRequest()))
	waitForEvent(t, a, b.PeerID(), StateSucceeded)
	waitForTask(t, b)

	require.NoError(t, a.Disconnect(b.PeerID()))
	require.Eventually(t, func() bool {
		_, ok := a.HandshakeStatus(b.PeerID())
		return !ok && !slices.Contains(a.ConnectedPeers(), b.PeerID())
	}, integrationTimeout, 50*time.Millisecond)

	require.Eventually(t, func() bool {
		return !slices.Contains(b.ConnectedPeers(), a.PeerID())
	}, integrationTimeout, 50*time.Millisecond)

	connectNodes(t, a, b)
	require.NoError(t, a.RequestTask(b.PeerID(), validTaskRequest()))
	waitForEvent(t, a, b.PeerID(), StateStarted)
	waitForEvent(t, a, b.PeerID(), StateSucceeded)
	waitForTask(t, b)

	stats := a.PeerStatistics(b.PeerID())
	require.NotNil(t, stats)
	assert.Equal(t, 2, stats.SessionCount)
	assert.Equal(t, 2, stats.HandshakesSucceeded)
}
