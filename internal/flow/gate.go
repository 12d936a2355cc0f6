// Package flow bounds how many resource transfers run at once.
package flow

import (
	"context"
	"errors"
	"sync"
)

// Default watermarks.
const (
	DefaultHighWatermark = 64
	DefaultLowWatermark  = 32
)

// ErrClosed is returned by Enter once the gate is closed.
var ErrClosed = errors.New("gate closed")

// Gate admits transfers until the high watermark is reached, then holds new
// ones back until enough have left to reach the low watermark.
// All methods are safe for concurrent use.
type Gate struct {
	mu     sync.Mutex
	high   int
	low    int
	active int
	full   bool
	closed bool

	// reopened is closed when the gate stops being full and replaced for
	// the next cycle.
	reopened chan struct{}

	onSaturated func()
}

// NewGate creates a gate with the given watermarks.
// If high <= 0, DefaultHighWatermark is used.
// If low <= 0, DefaultLowWatermark is used.
// If low >= high, low is set to high/2 (minimum 1).
func NewGate(high, low int) *Gate {
	if high <= 0 {
		high = DefaultHighWatermark
	}
	if low <= 0 {
		low = DefaultLowWatermark
	}
	if low >= high {
		low = max(high/2, 1)
	}
	return &Gate{
		high:     high,
		low:      low,
		reopened: make(chan struct{}),
	}
}

// OnSaturated sets a callback run each time the gate fills up.
func (g *Gate) OnSaturated(fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onSaturated = fn
}

// Enter admits one transfer, waiting while the gate is full. It returns
// ctx.Err() if ctx ends first and ErrClosed if the gate is closed.
func (g *Gate) Enter(ctx context.Context) error {
	for {
		g.mu.Lock()
		if g.closed {
			g.mu.Unlock()
			return ErrClosed
		}

		if !g.full {
			g.active++
			if g.active >= g.high {
				g.full = true
				if g.onSaturated != nil {
					g.onSaturated()
				}
			}
			g.mu.Unlock()
			return nil
		}

		wait := g.reopened
		g.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

// Leave marks one admitted transfer as finished.
func (g *Gate) Leave() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.active > 0 {
		g.active--
	}
	if g.full && g.active <= g.low {
		g.full = false
		close(g.reopened)
		g.reopened = make(chan struct{})
	}
}

// Active returns the number of admitted transfers.
func (g *Gate) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// Saturated reports whether new transfers are being held back.
func (g *Gate) Saturated() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.full
}

// Close rejects further transfers and releases every waiter.
func (g *Gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return
	}
	g.closed = true
	close(g.reopened)
}
