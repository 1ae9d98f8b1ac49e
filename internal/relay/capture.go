package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"
)

// DefaultFrameBytes is the chunk size read from the audio source per frame:
// 1024 samples of S16_LE mono.
const DefaultFrameBytes = 2048

// Source delivers raw audio bytes to a [Capture]. Read blocks until data is
// available; io.EOF (or any other read error) means the stream has ended.
// Close must unblock a pending Read.
type Source = io.ReadCloser

// PipeSource opens the named pipe written by the bridge's downlink pipeline.
// The open blocks until the pipeline has a writer attached, so the bridge
// processes must be started first.
func PipeSource(path string) (Source, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("relay: open pipe %q: %w", path, err)
	}
	return f, nil
}

// Capture reads fixed-size chunks from a [Source], stamps them with a
// sequence number and capture time, and pushes them into the queue. It is the
// single producer for its queue.
type Capture struct {
	src        Source
	queue      *Queue
	frameBytes int

	// onFrame, when non-nil, is invoked once per captured frame.
	onFrame func()
}

// CaptureOption configures a [Capture].
type CaptureOption func(*Capture)

// WithFrameHook registers fn to be called once per captured frame.
func WithFrameHook(fn func()) CaptureOption {
	return func(c *Capture) { c.onFrame = fn }
}

// NewCapture creates a capture adapter reading frameBytes-sized chunks from
// src into queue. A frameBytes of zero or less falls back to
// [DefaultFrameBytes].
func NewCapture(src Source, queue *Queue, frameBytes int, opts ...CaptureOption) *Capture {
	if frameBytes <= 0 {
		frameBytes = DefaultFrameBytes
	}
	c := &Capture{
		src:        src,
		queue:      queue,
		frameBytes: frameBytes,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run reads from the source until it ends or ctx is cancelled. Any read error
// is treated as end-of-stream: Run logs it and returns nil so the caller can
// drive an orderly teardown rather than an abort. A partial final chunk is
// still delivered.
//
// Run closes the source before returning. Because a blocking pipe read does
// not observe ctx directly, cancellation is propagated by closing the source,
// which unblocks the read.
func (c *Capture) Run(ctx context.Context) error {
	unblock := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			c.src.Close()
		case <-unblock:
		}
	}()
	defer func() {
		close(unblock)
		c.src.Close()
	}()

	var seq uint64
	for {
		buf := make([]byte, c.frameBytes)
		n, err := io.ReadFull(c.src, buf)
		if n > 0 {
			seq++
			pushErr := c.queue.Push(Frame{
				Data:     buf[:n],
				Seq:      seq,
				Captured: time.Now(),
			})
			if errors.Is(pushErr, ErrClosed) {
				return nil
			}
			if c.onFrame != nil {
				c.onFrame()
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				slog.Warn("audio source read error, treating as end of stream", "err", err)
			}
			return nil
		}
	}
}
