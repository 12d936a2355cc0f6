package blocklist

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParsePeerID(t *testing.T, s string) peer.ID {
	t.Helper()
	id, err := peer.Decode(s)
	if err != nil {
		t.Fatalf("failed to parse peer ID %q: %v", s, err)
	}
	return id
}

const testPeerIDStr = "QmYyQSo1c1Ym7orWxLYvCrM2EmxFTANf8wXmmE7DWjhx5N"
const testPeerID2Str = "QmcZf59bWwK5XFi76CZX8cbJ4BhTzzA3gU1ZjYZcYW3dwt"

func tempPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "blocklist.json")
}

func TestNew_InMemory(t *testing.T) {
	list, err := New("")
	require.NoError(t, err)
	defer list.Close()

	assert.False(t, list.Persistent())
	assert.Equal(t, 0, list.Count())

	peerID := mustParsePeerID(t, testPeerIDStr)
	require.NoError(t, list.Block(peerID, "nonce mismatch"))
	assert.True(t, list.IsBlocked(peerID))
	assert.NoError(t, list.Flush())
}

func TestNew_MissingFile(t *testing.T) {
	list, err := New(tempPath(t))
	require.NoError(t, err)
	defer list.Close()

	assert.True(t, list.Persistent())
	assert.Equal(t, 0, list.Count())
}

func TestNew_CorruptedFile(t *testing.T) {
	path := tempPath(t)
	require.NoError(t, os.WriteFile(path, []byte("not valid json{{{"), 0600))

	list, err := New(path)
	require.NoError(t, err, "New() should succeed with corrupted file")
	defer list.Close()

	assert.Equal(t, 0, list.Count())
	_, err = os.Stat(path + backupFileSuffix)
	assert.NoError(t, err, "backup file should have been created")
}

func TestBlock(t *testing.T) {
	mock := clock.NewMock()
	mock.Add(time.Hour)

	list, err := New("", WithClock(mock))
	require.NoError(t, err)
	defer list.Close()

	peerID := mustParsePeerID(t, testPeerIDStr)
	other := mustParsePeerID(t, testPeerID2Str)

	assert.False(t, list.IsBlocked(peerID))
	require.NoError(t, list.Block(peerID, "nonce mismatch"))

	assert.True(t, list.IsBlocked(peerID))
	assert.False(t, list.IsBlocked(other))

	entry, ok := list.Get(peerID)
	require.True(t, ok)
	assert.Equal(t, peerID, entry.PeerID)
	assert.Equal(t, "nonce mismatch", entry.Reason)
	assert.Equal(t, mock.Now(), entry.BlockedAt)
	assert.Equal(t, 1, entry.Hits)
}

func TestBlock_Repeat(t *testing.T) {
	mock := clock.NewMock()
	list, err := New("", WithClock(mock))
	require.NoError(t, err)
	defer list.Close()

	peerID := mustParsePeerID(t, testPeerIDStr)
	require.NoError(t, list.Block(peerID, "first"))
	first := mock.Now()

	mock.Add(time.Minute)
	require.NoError(t, list.Block(peerID, "second"))

	entry, ok := list.Get(peerID)
	require.True(t, ok)
	assert.Equal(t, "first", entry.Reason)
	assert.Equal(t, "second", entry.LastReason)
	assert.Equal(t, first, entry.BlockedAt)
	assert.Equal(t, mock.Now(), entry.UpdatedAt)
	assert.Equal(t, 2, entry.Hits)
	assert.Equal(t, 1, list.Count())
}

func TestUnblock(t *testing.T) {
	list, err := New("")
	require.NoError(t, err)
	defer list.Close()

	peerID := mustParsePeerID(t, testPeerIDStr)
	require.NoError(t, list.Block(peerID, "reason"))
	require.NoError(t, list.Unblock(peerID))
	assert.False(t, list.IsBlocked(peerID))

	err = list.Unblock(peerID)
	assert.True(t, errors.Is(err, ErrNotBlocked))
}

func TestGet_ReturnsCopy(t *testing.T) {
	list, err := New("")
	require.NoError(t, err)
	defer list.Close()

	peerID := mustParsePeerID(t, testPeerIDStr)
	require.NoError(t, list.Block(peerID, "reason"))

	entry, _ := list.Get(peerID)
	entry.Reason = "modified"

	again, _ := list.Get(peerID)
	assert.Equal(t, "reason", again.Reason)

	_, ok := list.Get(mustParsePeerID(t, testPeerID2Str))
	assert.False(t, ok)
}

func TestEntries_Ordered(t *testing.T) {
	mock := clock.NewMock()
	list, err := New("", WithClock(mock))
	require.NoError(t, err)
	defer list.Close()

	second := mustParsePeerID(t, testPeerID2Str)
	first := mustParsePeerID(t, testPeerIDStr)

	require.NoError(t, list.Block(first, "a"))
	mock.Add(time.Second)
	require.NoError(t, list.Block(second, "b"))

	entries := list.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, first, entries[0].PeerID)
	assert.Equal(t, second, entries[1].PeerID)
}

func TestClear(t *testing.T) {
	path := tempPath(t)
	list, err := New(path)
	require.NoError(t, err)
	defer list.Close()

	require.NoError(t, list.Block(mustParsePeerID(t, testPeerIDStr), "a"))
	require.NoError(t, list.Block(mustParsePeerID(t, testPeerID2Str), "b"))
	require.Equal(t, 2, list.Count())

	require.NoError(t, list.Clear())
	assert.Equal(t, 0, list.Count())

	reopened, err := New(path)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, 0, reopened.Count())
}

func TestPersistence(t *testing.T) {
	path := tempPath(t)
	peerID := mustParsePeerID(t, testPeerIDStr)

	list, err := New(path)
	require.NoError(t, err)
	require.NoError(t, list.Block(peerID, "nonce mismatch"))

	// The first block is saved immediately.
	reopened, err := New(path)
	require.NoError(t, err)
	assert.True(t, reopened.IsBlocked(peerID))
	entry, _ := reopened.Get(peerID)
	assert.Equal(t, "nonce mismatch", entry.Reason)
	require.NoError(t, reopened.Close())

	require.NoError(t, list.Close())
}

func TestBatchedRepeatBlocks(t *testing.T) {
	path := tempPath(t)
	peerID := mustParsePeerID(t, testPeerIDStr)

	list, err := New(path)
	require.NoError(t, err)
	require.NoError(t, list.Block(peerID, "first"))
	require.NoError(t, list.Block(peerID, "second"))

	snapshot, err := New(path)
	require.NoError(t, err)
	entry, _ := snapshot.Get(peerID)
	assert.Equal(t, 1, entry.Hits, "repeat block should not be saved before Flush")
	require.NoError(t, snapshot.Close())

	require.NoError(t, list.Flush())

	flushed, err := New(path)
	require.NoError(t, err)
	entry, _ = flushed.Get(peerID)
	assert.Equal(t, 2, entry.Hits)
	assert.Equal(t, "second", entry.LastReason)
	require.NoError(t, flushed.Close())

	require.NoError(t, list.Close())
}

func TestFlushLoop(t *testing.T) {
	path := tempPath(t)
	peerID := mustParsePeerID(t, testPeerIDStr)
	mock := clock.NewMock()

	list, err := New(path, WithClock(mock))
	require.NoError(t, err)
	defer list.Close()

	require.NoError(t, list.Block(peerID, "first"))
	require.NoError(t, list.Block(peerID, "second"))

	mock.Add(flushInterval)

	assert.Eventually(t, func() bool {
		list.mu.RLock()
		defer list.mu.RUnlock()
		return !list.dirty
	}, time.Second, 10*time.Millisecond)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var stored listData
	require.NoError(t, json.Unmarshal(data, &stored))
	assert.Equal(t, 2, stored.Peers[peerID.String()].Hits)
}

func TestClose_FlushesPending(t *testing.T) {
	path := tempPath(t)
	peerID := mustParsePeerID(t, testPeerIDStr)

	list, err := New(path)
	require.NoError(t, err)
	require.NoError(t, list.Block(peerID, "first"))
	require.NoError(t, list.Block(peerID, "second"))
	require.NoError(t, list.Close())

	reopened, err := New(path)
	require.NoError(t, err)
	defer reopened.Close()
	entry, _ := reopened.Get(peerID)
	assert.Equal(t, 2, entry.Hits)
}

func TestJSONFormat(t *testing.T) {
	path := tempPath(t)
	peerID := mustParsePeerID(t, testPeerIDStr)

	list, err := New(path)
	require.NoError(t, err)
	defer list.Close()
	require.NoError(t, list.Block(peerID, "nonce mismatch"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, float64(currentVersion), raw["version"])

	peers, ok := raw["peers"].(map[string]any)
	require.True(t, ok)
	entry, ok := peers[peerID.String()].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "nonce mismatch", entry["reason"])
	assert.Contains(t, entry, "blocked_at")
}

func TestDirectoryCreation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "blocklist.json")

	list, err := New(path)
	require.NoError(t, err)
	defer list.Close()

	require.NoError(t, list.Block(mustParsePeerID(t, testPeerIDStr), "reason"))
	_, err = os.Stat(path)
	assert.NoError(t, err)
	_, err = os.Stat(path + lockFileSuffix)
	assert.NoError(t, err, "lock file should have been created")
}

func TestConcurrency(t *testing.T) {
	list, err := New(tempPath(t))
	require.NoError(t, err)
	defer list.Close()

	peers := []peer.ID{mustParsePeerID(t, testPeerIDStr), mustParsePeerID(t, testPeerID2Str)}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_ = list.Block(peers[i%2], fmt.Sprintf("reason-%d", i))
		}(i)
		go func(i int) {
			defer wg.Done()
			_ = list.IsBlocked(peers[i%2])
			_ = list.Entries()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 2, list.Count())
	total := 0
	for _, e := range list.Entries() {
		total += e.Hits
	}
	assert.Equal(t, 50, total)
}

func TestFileLocking_TwoLists(t *testing.T) {
	path := tempPath(t)

	list1, err := New(path)
	require.NoError(t, err)
	defer list1.Close()
	list2, err := New(path)
	require.NoError(t, err)
	defer list2.Close()

	peer1 := mustParsePeerID(t, testPeerIDStr)
	peer2 := mustParsePeerID(t, testPeerID2Str)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = list1.Block(peer1, "list1")
		}()
		go func() {
			defer wg.Done()
			_ = list2.Block(peer2, "list2")
		}()
	}
	wg.Wait()

	// The file must still be valid JSON.
	reopened, err := New(path)
	require.NoError(t, err)
	defer reopened.Close()
	assert.GreaterOrEqual(t, reopened.Count(), 1)
}
