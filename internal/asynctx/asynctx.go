// Package asynctx provides a reusable single-goroutine fan-in funnel for
// work items that must be serialized onto one writer without blocking
// producers.
package asynctx

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by Send once Close has been called.
var ErrClosed = errors.New("asynctx: closed")

// Hooks customize Tx behavior around each processed item.
type Hooks[T any] struct {
	// OnError is called when process returns a non-nil error (item not delivered).
	OnError func(T, error)
	// OnAfter is called only after a successful process.
	OnAfter func(T)
	// OnDrop is called when the buffer is full; its returned error is
	// returned from Send. If nil, the overflow is silent.
	OnDrop func(T) error
}

// Tx funnels values of type T through one goroutine that calls process for
// each, in submission order. Send never blocks on a slow consumer: a full
// buffer triggers OnDrop instead.
type Tx[T any] struct {
	mu      sync.Mutex
	ch      chan T
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	process func(T) error
	hooks   Hooks[T]
	closed  atomic.Bool
}

// New constructs a Tx with a buffered channel of size buf, running process
// for every accepted item on a dedicated goroutine.
func New[T any](parent context.Context, buf int, process func(T) error, hooks Hooks[T]) *Tx[T] {
	ctx, cancel := context.WithCancel(parent)
	t := &Tx[T]{
		ch:      make(chan T, buf),
		ctx:     ctx,
		cancel:  cancel,
		process: process,
		hooks:   hooks,
	}
	t.wg.Add(1)
	go t.loop()
	return t
}

func (t *Tx[T]) loop() {
	defer t.wg.Done()
	for {
		select {
		case v, ok := <-t.ch:
			if !ok {
				return
			}
			if err := t.process(v); err != nil {
				if t.hooks.OnError != nil {
					t.hooks.OnError(v, err)
				}
				continue
			}
			if t.hooks.OnAfter != nil {
				t.hooks.OnAfter(v)
			}
		case <-t.ctx.Done():
			return
		}
	}
}

// Send queues v for asynchronous processing, or returns the OnDrop error
// (or ErrClosed) if it cannot be queued.
func (t *Tx[T]) Send(v T) error {
	if t.closed.Load() {
		return ErrClosed
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return ErrClosed
	}
	select {
	case t.ch <- v:
		return nil
	default:
		if t.hooks.OnDrop != nil {
			return t.hooks.OnDrop(v)
		}
		return nil
	}
}

// Close stops the worker and waits for it to exit. Safe to call more than
// once; only the first call has effect.
func (t *Tx[T]) Close() {
	if t.closed.Swap(true) {
		return
	}
	t.cancel()
	t.mu.Lock()
	close(t.ch)
	t.mu.Unlock()
	t.wg.Wait()
}
