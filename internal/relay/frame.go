// Package relay carries captured call audio from the Bluetooth bridge to the
// transport layer. It defines the [Frame] unit, the bounded [Queue] connecting
// the capture side to the transport side, and the [Capture] adapter that reads
// raw PCM from an audio source and feeds the queue.
//
// The queue is the only state shared between the capture goroutine and the
// transport goroutine. It is bounded: under sustained load the producer never
// blocks and memory never grows past the configured capacity — fresh frames
// are dropped instead (see [Queue.Push]).
package relay

import "time"

// Frame is one discrete unit of captured call audio.
//
// Data is owned by the frame after construction and must not be modified by
// the producer once pushed. Seq is assigned by the capture adapter and is
// strictly increasing within one call; gaps seen by the consumer can only come
// from drop events, never from reordering.
type Frame struct {
	// Data is the raw PCM payload (S16_LE mono at the bridge sample rate).
	Data []byte

	// Seq is the monotonically increasing sequence number, starting at 1.
	Seq uint64

	// Captured marks when the frame was read from the audio source.
	Captured time.Time
}
