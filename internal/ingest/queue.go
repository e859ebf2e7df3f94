// Package ingest owns the bounded FIFO between frame producers and the
// single processing task.
//
// Two producer paths with different capabilities:
// - Push blocks up to a timeout and may be called from any ordinary task.
//
// - TryPush never blocks and never allocates, the path reserved for
//   interrupt-style callers; a full queue drops the frame and counts it.
//
// One consumer only: the processing task's Pop.
package ingest

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/buslink/internal/frame"
)

// DefaultCapacity matches the historical default processing queue depth.
const DefaultCapacity = 10

var (
	ErrBadCapacity = errors.New("ingest: capacity must be positive")
	ErrTimeout     = errors.New("ingest: enqueue timed out")
	ErrClosed      = errors.New("ingest: queue closed")
)

// Stats is a snapshot of queue traffic.
type Stats struct {
	Accepted uint64
	Dropped  uint64
}

// Queue is a bounded multi-producer single-consumer FIFO of captured
// frames. Capacity is fixed at construction; there is no growth.
type Queue struct {
	ch        chan frame.Queued
	done      chan struct{}
	closeOnce sync.Once
	accepted  atomic.Uint64
	dropped   atomic.Uint64
}

// New builds a queue of the given capacity.
func New(capacity int) (*Queue, error) {
	if capacity <= 0 {
		return nil, ErrBadCapacity
	}
	return &Queue{
		ch:   make(chan frame.Queued, capacity),
		done: make(chan struct{}),
	}, nil
}

// Push enqueues qf, blocking up to timeout for space. A non-positive
// timeout degrades to a single non-blocking attempt.
func (q *Queue) Push(qf frame.Queued, timeout time.Duration) error {
	if timeout <= 0 {
		if q.TryPush(qf) {
			return nil
		}
		select {
		case <-q.done:
			return ErrClosed
		default:
			return ErrTimeout
		}
	}
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case q.ch <- qf:
		q.accepted.Add(1)
		return nil
	case <-q.done:
		return ErrClosed
	case <-timer.C:
		q.dropped.Add(1)
		return ErrTimeout
	}
}

// TryPush enqueues qf without blocking. A full or closed queue drops the
// frame; the only caller-visible signal is the false return and the drop
// counter.
func (q *Queue) TryPush(qf frame.Queued) bool {
	select {
	case <-q.done:
		return false
	default:
	}
	select {
	case q.ch <- qf:
		q.accepted.Add(1)
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// Pop blocks until a frame is available or the queue is closed. After
// Close, buffered frames continue to drain in order; ok=false only once
// the queue is closed and empty.
func (q *Queue) Pop() (frame.Queued, bool) {
	select {
	case qf := <-q.ch:
		return qf, true
	case <-q.done:
		select {
		case qf := <-q.ch:
			return qf, true
		default:
			return frame.Queued{}, false
		}
	}
}

// Close releases the consumer and rejects further producers. Idempotent.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
	})
}

func (q *Queue) Len() int { return len(q.ch) }
func (q *Queue) Cap() int { return cap(q.ch) }

func (q *Queue) Stats() Stats {
	return Stats{
		Accepted: q.accepted.Load(),
		Dropped:  q.dropped.Load(),
	}
}
