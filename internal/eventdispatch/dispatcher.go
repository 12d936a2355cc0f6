// Package eventdispatch delivers handshake events to the application without
// ever blocking the handshake loop.
package eventdispatch

import (
	"sync"
	"sync/atomic"

	"github.com/blockberries/reshake/pkg/handshake"
)

// Observer is told about every event offered to a Dispatcher.
type Observer interface {
	EventEmitted(state string)
	EventDropped()
}

// Dispatcher buffers handshake events for a single consumer. An event that
// does not fit in the buffer is dropped and counted.
type Dispatcher struct {
	events   chan handshake.Event
	observer Observer

	emitted atomic.Uint64
	dropped atomic.Uint64

	// mu orders sends against Close.
	mu     sync.RWMutex
	closed bool
}

// NewDispatcher creates a dispatcher buffering bufferSize events. observer
// may be nil.
func NewDispatcher(bufferSize int, observer Observer) *Dispatcher {
	return &Dispatcher{
		events:   make(chan handshake.Event, bufferSize),
		observer: observer,
	}
}

// EmitEvent queues event, dropping it when the buffer is full. Events
// emitted after Close are discarded without being counted.
func (d *Dispatcher) EmitEvent(event handshake.Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}

	select {
	case d.events <- event:
		d.emitted.Add(1)
		if d.observer != nil {
			d.observer.EventEmitted(event.State.String())
		}
	default:
		d.dropped.Add(1)
		if d.observer != nil {
			d.observer.EventDropped()
		}
	}
}

// Events returns the channel to consume. It is closed by Close.
func (d *Dispatcher) Events() <-chan handshake.Event {
	return d.events
}

// Emitted returns the number of events queued so far.
func (d *Dispatcher) Emitted() uint64 { return d.emitted.Load() }

// Dropped returns the number of events lost to a full buffer.
func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }

// Close closes the events channel. It is idempotent.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	close(d.events)
}

func (d *Dispatcher) IsClosed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.closed
}
