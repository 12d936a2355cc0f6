package blocklist

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/libp2p/go-libp2p/core/peer"
)

// flushInterval is how often repeat blocks are flushed to disk.
const flushInterval = 5 * time.Second

// ErrNotBlocked is returned by Unblock for a peer that is not blocked.
var ErrNotBlocked = errors.New("peer is not blocked")

// Option configures a List.
type Option func(*List)

// WithClock sets the clock used for entry timestamps and the flush ticker.
func WithClock(c clock.Clock) Option {
	return func(l *List) {
		l.clock = c
	}
}

// List is the set of blocked peers. It is safe for concurrent use.
//
// The first block of a peer is saved immediately. Repeat blocks only update
// counters; they are batched and flushed periodically.
type List struct {
	storage *storage
	clock   clock.Clock
	peers   map[string]*Entry
	mu      sync.RWMutex
	dirty   bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a block list. If path is empty the list is kept in memory only;
// otherwise existing entries are loaded from path and changes are saved to it.
// The returned List must be closed with Close.
func New(path string, opts ...Option) (*List, error) {
	ctx, cancel := context.WithCancel(context.Background())
	l := &List{
		clock:  clock.New(),
		peers:  make(map[string]*Entry),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	if path == "" {
		close(l.done)
		return l, nil
	}

	l.storage = newStorage(path)
	data, err := l.storage.load()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to load block list: %w", err)
	}
	l.peers = data.Peers

	go l.flushLoop(l.clock.Ticker(flushInterval))
	return l, nil
}

// Persistent reports whether the list is backed by a file.
func (l *List) Persistent() bool {
	return l.storage != nil
}

// Block adds peerID to the list. Blocking an already blocked peer keeps the
// original reason and timestamp and records the repeat.
func (l *List) Block(peerID peer.ID, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := peerID.String()
	now := l.clock.Now()

	if existing, ok := l.peers[key]; ok {
		existing.Hits++
		existing.LastReason = reason
		existing.UpdatedAt = now
		l.dirty = true
		return nil
	}

	l.peers[key] = &Entry{
		PeerID:     peerID,
		Reason:     reason,
		BlockedAt:  now,
		LastReason: reason,
		Hits:       1,
		UpdatedAt:  now,
	}
	return l.saveLocked()
}

// Unblock removes peerID from the list.
func (l *List) Unblock(peerID peer.ID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := peerID.String()
	if _, ok := l.peers[key]; !ok {
		return fmt.Errorf("%w: %s", ErrNotBlocked, peerID)
	}
	delete(l.peers, key)
	return l.saveLocked()
}

// IsBlocked reports whether peerID is on the list.
func (l *List) IsBlocked(peerID peer.ID) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.peers[peerID.String()]
	return ok
}

// Get returns a copy of the entry for peerID.
func (l *List) Get(peerID peer.ID) (*Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.peers[peerID.String()]
	return e.Clone(), ok
}

// Entries returns copies of all entries, oldest block first.
func (l *List) Entries() []*Entry {
	l.mu.RLock()
	result := make([]*Entry, 0, len(l.peers))
	for _, e := range l.peers {
		result = append(result, e.Clone())
	}
	l.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].BlockedAt.Equal(result[j].BlockedAt) {
			return result[i].PeerID < result[j].PeerID
		}
		return result[i].BlockedAt.Before(result[j].BlockedAt)
	})
	return result
}

// Count returns the number of blocked peers.
func (l *List) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.peers)
}

// Clear unblocks every peer.
func (l *List) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.peers = make(map[string]*Entry)
	return l.saveLocked()
}

// saveLocked persists the list. Must be called with the write lock held.
func (l *List) saveLocked() error {
	if l.storage == nil {
		l.dirty = false
		return nil
	}
	data := &listData{
		Version: currentVersion,
		Peers:   l.peers,
	}
	if err := l.storage.save(data); err != nil {
		return err
	}
	l.dirty = false
	return nil
}

func (l *List) flushLoop(ticker *clock.Ticker) {
	defer close(l.done)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			l.mu.Lock()
			if l.dirty {
				// Retried on the next tick.
				_ = l.saveLocked()
			}
			l.mu.Unlock()
		}
	}
}

// Flush saves pending changes.
func (l *List) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.dirty {
		return nil
	}
	return l.saveLocked()
}

// Close stops the background flush and saves pending changes. The List should
// not be used after Close.
func (l *List) Close() error {
	l.cancel()
	<-l.done
	return l.Flush()
}
