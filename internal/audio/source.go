package audio

import (
	"context"
	"errors"
	"io"
)

// ErrStreamClosed is returned by a Stream that has already been closed.
var ErrStreamClosed = errors.New("capture stream already closed")

// Format is the capture mode requested from a backend.
type Format struct {
	SampleRate int
	Channels   int
}

// Source opens microphone capture streams on one platform backend.
type Source interface {
	Open(format Format) (Stream, error)
	// CheckDevice reports whether a usable input device is reachable.
	CheckDevice(ctx context.Context) error
}

// Stream is one open capture. Capture blocks, writing PCM16-LE frames to w,
// until Close is called or the device fails.
type Stream interface {
	Capture(w io.Writer) error
	Close() error
}
