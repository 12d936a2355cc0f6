package reshake

import (
	"sync"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeerStatsTracker_Messages(t *testing.T) {
	clk := clock.NewMock()
	tracker := newPeerStatsTracker(clk)

	tracker.recordMessageSent("HandshakeStart")
	tracker.recordMessageSent("HandshakeVerdict")
	clk.Add(time.Second)
	tracker.recordMessageReceived("HandshakeStart")
	tracker.recordMessageReceived("HandshakeNonce")
	tracker.recordMessageReceived("HandshakeNonce")

	stats := tracker.snapshot(peer.ID("test-peer"), true, true)
	assert.Equal(t, int64(2), stats.MessagesSent)
	assert.Equal(t, int64(3), stats.MessagesReceived)
	assert.Equal(t, clk.Now(), stats.LastMessageAt)

	require.Contains(t, stats.KindStats, "HandshakeStart")
	assert.Equal(t, int64(1), stats.KindStats["HandshakeStart"].Sent)
	assert.Equal(t, int64(1), stats.KindStats["HandshakeStart"].Received)
	assert.Equal(t, int64(2), stats.KindStats["HandshakeNonce"].Received)
	assert.Equal(t, int64(0), stats.KindStats["HandshakeNonce"].Sent)
}

func TestPeerStatsTracker_Sessions(t *testing.T) {
	clk := clock.NewMock()
	tracker := newPeerStatsTracker(clk)

	tracker.recordSessionStart()
	clk.Add(10 * time.Second)
	tracker.recordSessionEnd()

	stats := tracker.snapshot(peer.ID("test-peer"), false, false)
	assert.Equal(t, 1, stats.SessionCount)
	assert.Equal(t, 10*time.Second, stats.TotalConnectTime)
	assert.True(t, stats.ConnectedAt.IsZero())

	tracker.recordSessionStart()
	clk.Add(5 * time.Second)

	stats = tracker.snapshot(peer.ID("test-peer"), true, false)
	assert.Equal(t, 2, stats.SessionCount)
	assert.Equal(t, 15*time.Second, stats.TotalConnectTime, "open session time is included")
	assert.False(t, stats.ConnectedAt.IsZero())
}

func TestPeerStatsTracker_SessionEndWithoutStart(t *testing.T) {
	tracker := newPeerStatsTracker(clock.NewMock())
	tracker.recordSessionEnd()

	stats := tracker.snapshot(peer.ID("test-peer"), false, false)
	assert.Zero(t, stats.TotalConnectTime)
}

func TestPeerStatsTracker_Handshakes(t *testing.T) {
	tracker := newPeerStatsTracker(clock.NewMock())
	tracker.recordHandshake(true)
	tracker.recordHandshake(false)
	tracker.recordHandshake(false)

	stats := tracker.snapshot(peer.ID("test-peer"), false, false)
	assert.Equal(t, 1, stats.HandshakesSucceeded)
	assert.Equal(t, 2, stats.HandshakesFailed)
}

func TestPeerStatsTracker_SnapshotIsCopy(t *testing.T) {
	tracker := newPeerStatsTracker(clock.NewMock())
	tracker.recordMessageSent("HandshakeStart")

	stats := tracker.snapshot(peer.ID("test-peer"), true, false)
	stats.KindStats["HandshakeStart"].Sent = 100

	again := tracker.snapshot(peer.ID("test-peer"), true, false)
	assert.Equal(t, int64(1), again.KindStats["HandshakeStart"].Sent)
}

func TestPeerStatsTracker_Concurrent(t *testing.T) {
	tracker := newPeerStatsTracker(clock.New())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tracker.recordMessageSent("HandshakeStart")
				tracker.recordMessageReceived("HandshakeNonce")
				_ = tracker.snapshot(peer.ID("test-peer"), true, true)
			}
		}()
	}
	wg.Wait()

	stats := tracker.snapshot(peer.ID("test-peer"), true, true)
	assert.Equal(t, int64(1000), stats.MessagesSent)
	assert.Equal(t, int64(1000), stats.MessagesReceived)
}
