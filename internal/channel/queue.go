// Package channel carries framed protocol messages between the agent and
// the host: bounded multi-producer queues on the inside, a websocket or
// raw-connection transport on the outside.
package channel

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/winrun-dev/winrun/internal/protocol"
)

var (
	ErrQueueClosed = errors.New("queue closed")
	ErrQueueFull   = errors.New("queue full")
)

// Queue is a bounded FIFO of protocol messages with many producers and a
// single consumer. The underlying channel is never closed so producers
// can race Close safely; consumers drain remaining messages after Close.
type Queue struct {
	ch     chan protocol.Message
	done   chan struct{}
	closed atomic.Bool
}

// NewQueue creates a queue holding at most capacity messages.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch:   make(chan protocol.Message, capacity),
		done: make(chan struct{}),
	}
}

// TryEnqueue adds a message without blocking. Returns ErrQueueFull when
// the queue is at capacity and ErrQueueClosed after Close.
func (q *Queue) TryEnqueue(msg protocol.Message) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}
	select {
	case q.ch <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// Enqueue adds a message, blocking until space frees up, the queue closes,
// or ctx is cancelled.
func (q *Queue) Enqueue(ctx context.Context, msg protocol.Message) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}
	select {
	case q.ch <- msg:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue removes the oldest message, blocking until one arrives, the
// queue closes and drains, or ctx is cancelled.
func (q *Queue) Dequeue(ctx context.Context) (protocol.Message, error) {
	// Buffered messages win over closure so a closed queue drains fully.
	select {
	case msg := <-q.ch:
		return msg, nil
	default:
	}
	select {
	case msg := <-q.ch:
		return msg, nil
	case <-q.done:
		select {
		case msg := <-q.ch:
			return msg, nil
		default:
			return nil, ErrQueueClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close marks the queue closed. Enqueued messages remain readable;
// subsequent enqueues fail. Idempotent.
func (q *Queue) Close() {
	if q.closed.CompareAndSwap(false, true) {
		close(q.done)
	}
}

// IsClosed reports whether Close has been called.
func (q *Queue) IsClosed() bool { return q.closed.Load() }

// Len returns the number of buffered messages.
func (q *Queue) Len() int { return len(q.ch) }
