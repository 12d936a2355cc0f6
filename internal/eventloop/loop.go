// Package eventloop provides the single-threaded cooperative loop that
// serializes handshake processing. Inbound messages, timer firings and the
// completions of off-loop work are all delivered as callbacks on one
// goroutine, so state touched only from callbacks needs no locking.
package eventloop

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
)

// DefaultQueueSize is the default capacity of the callback queue.
const DefaultQueueSize = 1024

// ErrClosed is returned by Do after the loop has been closed.
var ErrClosed = errors.New("event loop closed")

// Loop runs callbacks one at a time on a dedicated goroutine.
//
// Post, Do, AfterFunc, Go and Close are safe for concurrent use.
type Loop struct {
	clock clock.Clock
	queue chan func()

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	workers sync.WaitGroup
	mu      sync.RWMutex
	closed  bool

	onPanic func(recovered any)
}

// Option configures a Loop.
type Option func(*Loop)

// WithClock sets the clock used for timers.
func WithClock(c clock.Clock) Option {
	return func(l *Loop) {
		l.clock = c
	}
}

// WithQueueSize sets the capacity of the callback queue.
func WithQueueSize(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.queue = make(chan func(), n)
		}
	}
}

// WithPanicHandler installs a handler for panics raised by callbacks.
// Without one, a panicking callback crashes the process.
func WithPanicHandler(fn func(recovered any)) Option {
	return func(l *Loop) {
		l.onPanic = fn
	}
}

// New creates and starts a loop.
func New(opts ...Option) *Loop {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Loop{
		clock:  clock.New(),
		queue:  make(chan func(), DefaultQueueSize),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	go l.run()
	return l
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		select {
		case <-l.ctx.Done():
			return
		case fn := <-l.queue:
			l.invoke(fn)
		}
	}
}

func (l *Loop) invoke(fn func()) {
	if l.onPanic != nil {
		defer func() {
			if r := recover(); r != nil {
				l.onPanic(r)
			}
		}()
	}
	fn()
}

// Post queues fn to run on the loop. Callbacks posted after Close are dropped.
// Post blocks while the queue is full; it must not be called from the loop
// goroutine with a full queue.
func (l *Loop) Post(fn func()) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- fn:
	case <-l.ctx.Done():
	}
}

// Do runs fn on the loop and waits for it to return.
// It must not be called from the loop goroutine.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})

	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return ErrClosed
	}
	select {
	case l.queue <- func() {
		defer close(finished)
		fn()
	}:
	case <-ctx.Done():
		l.mu.RUnlock()
		return ctx.Err()
	}
	l.mu.RUnlock()

	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AfterFunc runs fn on the loop once d has elapsed on the loop's clock.
// The returned stop function cancels the timer and reports whether it did
// so before the timer fired.
func (l *Loop) AfterFunc(d time.Duration, fn func()) (stop func() bool) {
	timer := l.clock.AfterFunc(d, func() {
		l.Post(fn)
	})
	return timer.Stop
}

// Go runs work on its own goroutine, off the loop. Work that needs to touch
// loop-owned state must Post its result back.
func (l *Loop) Go(work func()) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	l.workers.Add(1)
	go func() {
		defer l.workers.Done()
		work()
	}()
}

// Now returns the current time on the loop's clock.
func (l *Loop) Now() time.Time {
	return l.clock.Now()
}

// Close stops the loop. Pending callbacks are discarded; running workers are
// waited for. It is safe to call Close multiple times.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()

	l.cancel()
	<-l.done
	l.workers.Wait()
}

// Done returns a channel closed once the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}
