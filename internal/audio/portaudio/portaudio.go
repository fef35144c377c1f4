// Package portaudio is the PortAudio capture backend for package audio.
// Importing it requires cgo and the portaudio-2.0 headers.
package portaudio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	pa "github.com/gordonklaus/portaudio"

	"github.com/sjawhar/sofia/internal/audio"
)

const defaultFramesPerBuffer = 1024

// Init initializes the PortAudio library and returns its teardown.
func Init() (func(), error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}
	return func() { _ = pa.Terminate() }, nil
}

// Source captures from the default PortAudio input device.
type Source struct {
	FramesPerBuffer int
}

func (s Source) Open(format audio.Format) (audio.Stream, error) {
	frames := s.FramesPerBuffer
	if frames <= 0 {
		frames = defaultFramesPerBuffer
	}
	channels := format.Channels
	if channels <= 0 {
		channels = 1
	}

	buf := make([]int16, frames*channels)
	stream, err := pa.OpenDefaultStream(channels, 0, float64(format.SampleRate), frames, buf)
	if err != nil {
		return nil, fmt.Errorf("open portaudio stream at %d Hz: %w", format.SampleRate, err)
	}
	return newMic(stream, buf), nil
}

func (s Source) CheckDevice(_ context.Context) error {
	dev, err := pa.DefaultInputDevice()
	if err != nil {
		return fmt.Errorf("default input device: %w", err)
	}
	if dev == nil || dev.MaxInputChannels < 1 {
		return errors.New("default input device has no input channels")
	}
	return nil
}

// blockingStream is the part of *pa.Stream a Mic drives. Read fills the
// buffer the stream was opened with.
type blockingStream interface {
	Start() error
	Read() error
	Stop() error
	Close() error
}

// Mic is one PortAudio capture stream. Only the goroutine running Capture
// touches the native stream once it has started, apart from Stop, which
// unblocks a pending Read.
type Mic struct {
	stream blockingStream
	buf    []int16

	mu      sync.Mutex
	started bool
	closed  bool

	closeOnce sync.Once
	closeErr  error
}

func newMic(stream blockingStream, buf []int16) *Mic {
	return &Mic{stream: stream, buf: buf}
}

// Capture starts the stream and writes PCM16-LE to w until Close. The
// native stream is closed when Capture returns.
func (m *Mic) Capture(w io.Writer) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return audio.ErrStreamClosed
	}
	if err := m.stream.Start(); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("start portaudio stream: %w", err)
	}
	m.started = true
	m.mu.Unlock()

	defer func() { _ = m.closeNative() }()

	var out bytes.Buffer
	out.Grow(len(m.buf) * 2)
	for {
		if m.isClosed() {
			return nil
		}
		if err := m.stream.Read(); err != nil {
			if m.isClosed() {
				return nil
			}
			if strings.Contains(strings.ToLower(err.Error()), "overflow") {
				continue
			}
			return err
		}
		out.Reset()
		if err := binary.Write(&out, binary.LittleEndian, m.buf); err != nil {
			return err
		}
		if _, err := w.Write(out.Bytes()); err != nil {
			return err
		}
	}
}

// Close stops a running capture; Capture then closes the native stream.
// A stream that never started is closed here.
func (m *Mic) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return audio.ErrStreamClosed
	}
	m.closed = true
	started := m.started
	m.mu.Unlock()

	if started {
		if err := m.stream.Stop(); err != nil {
			return fmt.Errorf("stop portaudio stream: %w", err)
		}
		return nil
	}
	return m.closeNative()
}

func (m *Mic) closeNative() error {
	m.closeOnce.Do(func() {
		m.closeErr = m.stream.Close()
	})
	return m.closeErr
}

func (m *Mic) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
