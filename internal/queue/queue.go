// Package queue provides the blocking frame FIFO shared by the router and
// every endpoint.
//
// Shutdown is two-phase. While holding, consumers block waiting for frames.
// After ReleaseHold, consumers drain what is buffered and then observe
// end-of-stream. Close additionally rejects new pushes.
package queue

import (
	"errors"
	"sync"

	"github.com/danmuck/wisund/internal/frame"
)

var ErrClosed = errors.New("queue: closed")

// compactAfter bounds how many consumed slots are kept before the backing
// slice is shifted down.
const compactAfter = 64

// Queue is a multi-producer FIFO of frames with blocking pop.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []frame.Frame
	head   int
	hold   bool
	closed bool
}

func New() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends f and wakes one waiting consumer. It never blocks.
func (q *Queue) Push(f frame.Frame) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.items = append(q.items, f)
	q.cond.Signal()
	return nil
}

// WaitAndPop blocks until a frame is available and returns it. The second
// result is false once the queue is released (or closed) and empty.
func (q *Queue) WaitAndPop() (frame.Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.lenLocked() == 0 {
		if !q.hold || q.closed {
			return frame.Frame{}, false
		}
		q.cond.Wait()
	}
	f := q.items[q.head]
	q.items[q.head] = frame.Frame{}
	q.head++
	switch {
	case q.head == len(q.items):
		q.items = q.items[:0]
		q.head = 0
	case q.head > compactAfter && q.head*2 > len(q.items):
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	return f, true
}

// More reports whether frames are buffered, regardless of hold state.
func (q *Queue) More() bool {
	return q.Len() > 0
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

// Hold arms blocking-wait behavior. It has no effect on a closed queue.
func (q *Queue) Hold() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.hold = true
}

// ReleaseHold lets consumers finish once the buffer is empty. Every blocked
// waiter is woken to re-check.
func (q *Queue) ReleaseHold() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.hold = false
	q.cond.Broadcast()
}

func (q *Queue) WantHold() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.hold
}

// Close releases the queue and rejects further pushes. Buffered frames
// remain drainable.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.hold = false
	q.cond.Broadcast()
}

func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *Queue) lenLocked() int {
	return len(q.items) - q.head
}
