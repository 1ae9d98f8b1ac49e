package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

// byteSource is an in-memory Source backed by a bytes.Reader.
type byteSource struct {
	*bytes.Reader
	closed bool
}

func newByteSource(data []byte) *byteSource {
	return &byteSource{Reader: bytes.NewReader(data)}
}

func (s *byteSource) Close() error {
	s.closed = true
	return nil
}

func TestCapture_FramesAndSequence(t *testing.T) {
	data := make([]byte, 4*16) // four 16-byte frames
	for i := range data {
		data[i] = byte(i)
	}
	src := newByteSource(data)
	q := NewQueue(10)

	c := NewCapture(src, q, 16)
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for want := uint64(1); want <= 4; want++ {
		f, err := q.Pop(context.Background())
		if err != nil {
			t.Fatalf("Pop: %v", err)
		}
		if f.Seq != want {
			t.Errorf("seq = %d, want %d", f.Seq, want)
		}
		if len(f.Data) != 16 {
			t.Errorf("frame %d: len = %d, want 16", want, len(f.Data))
		}
		if f.Captured.IsZero() {
			t.Errorf("frame %d: zero capture timestamp", want)
		}
	}

	if !src.closed {
		t.Error("source not closed after Run")
	}
}

func TestCapture_PartialFinalChunk(t *testing.T) {
	src := newByteSource(make([]byte, 40)) // 2 full 16-byte frames + 8 bytes
	q := NewQueue(10)

	c := NewCapture(src, q, 16)
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	sizes := []int{16, 16, 8}
	for i, want := range sizes {
		f, err := q.Pop(context.Background())
		if err != nil {
			t.Fatalf("Pop %d: %v", i, err)
		}
		if len(f.Data) != want {
			t.Errorf("frame %d: len = %d, want %d", i, len(f.Data), want)
		}
	}
}

// errAfterSource returns data once, then a non-EOF error. Capture must treat
// the error as end-of-stream and return nil.
type errAfterSource struct {
	data []byte
	read bool
}

func (s *errAfterSource) Read(p []byte) (int, error) {
	if s.read {
		return 0, errors.New("device vanished")
	}
	s.read = true
	return copy(p, s.data), nil
}

func (s *errAfterSource) Close() error { return nil }

func TestCapture_ReadErrorIsEndOfStream(t *testing.T) {
	q := NewQueue(10)
	c := NewCapture(&errAfterSource{data: make([]byte, 16)}, q, 16)

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run should swallow read errors as end-of-stream, got %v", err)
	}

	if _, err := q.Pop(context.Background()); err != nil {
		t.Fatalf("expected the frame read before the error: %v", err)
	}
}

func TestCapture_StopsWhenQueueCloses(t *testing.T) {
	src := newByteSource(make([]byte, 1024))
	q := NewQueue(2)
	q.Close()

	c := NewCapture(src, q, 16)
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run after queue close: %v", err)
	}
}

func TestCapture_CancelUnblocksRead(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	q := NewQueue(4)
	c := NewCapture(pr, q, 16)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	// Give the capture a moment to block in Read, then cancel.
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
