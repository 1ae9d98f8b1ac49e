package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func frame(seq uint64) Frame {
	return Frame{Data: []byte{byte(seq)}, Seq: seq, Captured: time.Now()}
}

func TestQueue_PushPop_Order(t *testing.T) {
	q := NewQueue(10)

	for i := uint64(1); i <= 5; i++ {
		if err := q.Push(frame(i)); err != nil {
			t.Fatalf("Push(%d): %v", i, err)
		}
	}

	for i := uint64(1); i <= 5; i++ {
		f, err := q.Pop(context.Background())
		if err != nil {
			t.Fatalf("Pop: %v", err)
		}
		if f.Seq != i {
			t.Errorf("Pop order: got seq %d, want %d", f.Seq, i)
		}
	}
}

func TestQueue_DropNewest(t *testing.T) {
	q := NewQueue(3)

	for i := uint64(1); i <= 5; i++ {
		if err := q.Push(frame(i)); err != nil {
			t.Fatalf("Push(%d): %v", i, err)
		}
	}

	if got := q.Dropped(); got != 2 {
		t.Errorf("Dropped = %d, want 2", got)
	}
	if got := q.Len(); got != 3 {
		t.Errorf("Len = %d, want 3", got)
	}

	// The buffered frames are the earliest ones; the newest were discarded.
	for i := uint64(1); i <= 3; i++ {
		f, err := q.Pop(context.Background())
		if err != nil {
			t.Fatalf("Pop: %v", err)
		}
		if f.Seq != i {
			t.Errorf("got seq %d, want %d", f.Seq, i)
		}
	}
}

func TestQueue_DropHook(t *testing.T) {
	var drops int
	q := NewQueue(1, WithDropHook(func() { drops++ }))

	q.Push(frame(1))
	q.Push(frame(2))
	q.Push(frame(3))

	if drops != 2 {
		t.Errorf("drop hook fired %d times, want 2", drops)
	}
}

func TestQueue_PushAfterClose(t *testing.T) {
	q := NewQueue(10)
	q.Close()

	if err := q.Push(frame(1)); !errors.Is(err, ErrClosed) {
		t.Errorf("Push after Close = %v, want ErrClosed", err)
	}
}

func TestQueue_CloseDrainsThenSignalsEndOfStream(t *testing.T) {
	q := NewQueue(10)
	q.Push(frame(1))
	q.Push(frame(2))
	q.Close()

	for i := uint64(1); i <= 2; i++ {
		f, err := q.Pop(context.Background())
		if err != nil {
			t.Fatalf("Pop after Close: %v", err)
		}
		if f.Seq != i {
			t.Errorf("got seq %d, want %d", f.Seq, i)
		}
	}

	if _, err := q.Pop(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Pop on drained closed queue = %v, want ErrClosed", err)
	}
}

func TestQueue_CloseIdempotent(t *testing.T) {
	q := NewQueue(4)
	q.Close()
	q.Close() // must not panic
}

func TestQueue_PopRespectsContext(t *testing.T) {
	q := NewQueue(4)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Pop(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Pop on empty queue = %v, want DeadlineExceeded", err)
	}
}

func TestQueue_ConcurrentPushPopClose(t *testing.T) {
	q := NewQueue(8)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := uint64(1); i <= 200; i++ {
			if err := q.Push(frame(i)); errors.Is(err, ErrClosed) {
				return
			}
		}
		q.Close()
	}()

	var lastSeq uint64
	go func() {
		defer wg.Done()
		for {
			f, err := q.Pop(context.Background())
			if err != nil {
				return
			}
			if f.Seq <= lastSeq {
				t.Errorf("out-of-order delivery: %d after %d", f.Seq, lastSeq)
				return
			}
			lastSeq = f.Seq
		}
	}()

	wg.Wait()
}

// TestQueue_SaturationScenario reproduces the 150-frames-into-capacity-100
// situation: a producer far faster than the consumer. Exactly 50 frames are
// dropped, exactly 100 delivered in order, and the queue drains on close.
func TestQueue_SaturationScenario(t *testing.T) {
	q := NewQueue(100)

	for i := uint64(1); i <= 150; i++ {
		if err := q.Push(frame(i)); err != nil {
			t.Fatalf("Push(%d): %v", i, err)
		}
	}
	q.Close()

	if got := q.Dropped(); got != 50 {
		t.Errorf("Dropped = %d, want 50", got)
	}

	var delivered int
	var prev uint64
	for {
		f, err := q.Pop(context.Background())
		if errors.Is(err, ErrClosed) {
			break
		}
		if err != nil {
			t.Fatalf("Pop: %v", err)
		}
		if f.Seq <= prev {
			t.Fatalf("out of order: %d after %d", f.Seq, prev)
		}
		prev = f.Seq
		delivered++
	}

	if delivered != 100 {
		t.Errorf("delivered %d frames, want 100", delivered)
	}
	if q.Len() != 0 {
		t.Errorf("queue not empty after drain: %d", q.Len())
	}
}

func TestQueue_DefaultCapacity(t *testing.T) {
	for _, capacity := range []int{0, -5} {
		t.Run(fmt.Sprintf("capacity=%d", capacity), func(t *testing.T) {
			q := NewQueue(capacity)
			if got := cap(q.frames); got != DefaultCapacity {
				t.Errorf("cap = %d, want %d", got, DefaultCapacity)
			}
		})
	}
}
