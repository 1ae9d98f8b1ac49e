package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// DefaultCapacity is the queue capacity used when the config does not set one.
// At 2048-byte frames and 8 kHz mono S16_LE this buffers roughly 12 seconds
// of call audio.
const DefaultCapacity = 100

// ErrClosed is returned by [Queue.Push] after [Queue.Close], and by
// [Queue.Pop] once the queue is closed and fully drained. During shutdown it
// is the expected end-of-stream signal, not a failure.
var ErrClosed = errors.New("relay: queue closed")

// Queue is a bounded FIFO of audio frames between one producer (the capture
// adapter) and one consumer (the transport session).
//
// Push never blocks: when the queue is at capacity the incoming frame is
// discarded and the drop counter incremented, so already-buffered audio is
// never displaced by fresher audio. This favors delivering a continuous
// earlier segment over chasing real time.
//
// Push, Pop and Close are safe to call from different goroutines.
type Queue struct {
	mu     sync.Mutex
	frames chan Frame
	closed bool

	dropped atomic.Uint64

	// onDrop, when non-nil, is invoked outside the critical section for each
	// dropped frame. Used to mirror drops into a metrics counter.
	onDrop func()
}

// QueueOption configures a [Queue].
type QueueOption func(*Queue)

// WithDropHook registers fn to be called once per dropped frame.
func WithDropHook(fn func()) QueueOption {
	return func(q *Queue) { q.onDrop = fn }
}

// NewQueue creates a queue holding at most capacity frames. A capacity of
// zero or less falls back to [DefaultCapacity].
func NewQueue(capacity int, opts ...QueueOption) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	q := &Queue{
		frames: make(chan Frame, capacity),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Push enqueues f without blocking. If the queue is full, f is discarded and
// the drop counter incremented. Returns [ErrClosed] after Close.
func (q *Queue) Push(f Frame) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	var full bool
	select {
	case q.frames <- f:
	default:
		full = true
	}
	q.mu.Unlock()

	if full {
		q.dropped.Add(1)
		if q.onDrop != nil {
			q.onDrop()
		}
	}
	return nil
}

// Pop blocks until a frame is available, the queue is closed and drained, or
// ctx is done. Frames are delivered in strict insertion order. Once the queue
// is closed, remaining frames are still delivered; after the last one Pop
// returns [ErrClosed].
func (q *Queue) Pop(ctx context.Context) (Frame, error) {
	select {
	case f, ok := <-q.frames:
		if !ok {
			return Frame{}, ErrClosed
		}
		return f, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// Close marks the queue closed. Subsequent pushes are rejected; pending and
// future pops drain the remaining frames and then observe [ErrClosed].
// Safe to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.frames)
}

// Len reports the number of frames currently buffered.
func (q *Queue) Len() int {
	return len(q.frames)
}

// Dropped reports how many frames have been discarded because the queue was
// at capacity.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}
