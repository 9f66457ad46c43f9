package coordinator

import (
	"context"
	"sync"

	"github.com/mkerrow/strata/internal/store"
	"github.com/mkerrow/strata/internal/txn"
)

type opKind int

const (
	opWrite opKind = iota + 1
	opCheckpoint
)

// op is one unit of work for a store's writer goroutine. Write ops
// report on done; checkpoint ops report on ckpt. Both channels are
// buffered so the loop never blocks on a caller.
type op struct {
	kind opKind
	ctx  context.Context
	fn   func(w *txn.Writer) error
	done chan Completion
	ckpt chan checkpointOutcome
}

type checkpointOutcome struct {
	res store.CheckpointResult
	err error
}

// opQueue is the FIFO feeding one store's writer goroutine.
//
// Unbounded: submission never blocks, which keeps async Perform safe to
// call from observer callbacks. Thread-safe for external submission
// while the single writer goroutine drains.
//
// A one-buffered signal channel coalesces wakeups and lets the drain
// loop wait without polling; Close closes it, which wakes the loop for
// its final drain.
type opQueue struct {
	mu     sync.Mutex
	ops    []op
	closed bool
	signal chan struct{}
}

func newOpQueue() *opQueue {
	return &opQueue{
		ops:    make([]op, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue appends an op. Returns false once the queue is closed.
func (q *opQueue) Enqueue(o op) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.ops = append(q.ops, o)
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue pops the front op without blocking.
func (q *opQueue) TryDequeue() (op, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ops) == 0 {
		return op{}, false
	}
	o := q.ops[0]
	// Clear the slot so the backing array drops its references.
	q.ops[0] = op{}
	if len(q.ops) == 1 {
		q.ops = q.ops[:0]
	} else {
		q.ops = q.ops[1:]
	}
	return o, true
}

// Wait returns the wakeup channel for select-based draining.
func (q *opQueue) Wait() <-chan struct{} {
	return q.signal
}

func (q *opQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Drained reports a closed and empty queue, the loop's exit condition.
func (q *opQueue) Drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed && len(q.ops) == 0
}

// Close stops admission. Ops already queued still run; the closed
// signal channel keeps the drain loop awake until they are gone.
func (q *opQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
