package portaudio

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sjawhar/sofia/internal/audio"
)

// fakeStream blocks in Read until Stop, like a PortAudio blocking stream.
type fakeStream struct {
	buf []int16

	mu               sync.Mutex
	reading          bool
	reads            int
	stops            int
	closes           int
	closedDuringRead bool
	stopped          chan struct{}
	stopOnce         sync.Once
}

func newFakeStream(buf []int16) *fakeStream {
	return &fakeStream{buf: buf, stopped: make(chan struct{})}
}

func (f *fakeStream) Start() error { return nil }

func (f *fakeStream) Read() error {
	f.mu.Lock()
	f.reads++
	first := f.reads == 1
	f.reading = true
	for i := range f.buf {
		f.buf[i] = int16(i + 1)
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.reading = false
		f.mu.Unlock()
	}()

	if first {
		return nil
	}
	<-f.stopped
	return errors.New("stream stopped")
}

func (f *fakeStream) Stop() error {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
	f.stopOnce.Do(func() { close(f.stopped) })
	return nil
}

func (f *fakeStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	if f.reading {
		f.closedDuringRead = true
	}
	return nil
}

func (f *fakeStream) Reading() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reading && f.reads > 1
}

func TestMicCloseWaitsForReadToFinish(t *testing.T) {
	buf := make([]int16, 4)
	stream := newFakeStream(buf)
	mic := newMic(stream, buf)

	var out bytes.Buffer
	done := make(chan error, 1)
	go func() { done <- mic.Capture(&out) }()

	require.Eventually(t, stream.Reading, time.Second, time.Millisecond)
	require.NoError(t, mic.Close())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("capture did not return after Close")
	}

	stream.mu.Lock()
	defer stream.mu.Unlock()
	require.False(t, stream.closedDuringRead, "native stream closed while a read was pending")
	require.Equal(t, 1, stream.stops)
	require.Equal(t, 1, stream.closes)
	require.Equal(t, []byte{1, 0, 2, 0, 3, 0, 4, 0}, out.Bytes())
}

func TestMicCloseBeforeCapture(t *testing.T) {
	buf := make([]int16, 2)
	stream := newFakeStream(buf)
	mic := newMic(stream, buf)

	require.NoError(t, mic.Close())
	require.ErrorIs(t, mic.Close(), audio.ErrStreamClosed)
	require.ErrorIs(t, mic.Capture(&bytes.Buffer{}), audio.ErrStreamClosed)

	stream.mu.Lock()
	defer stream.mu.Unlock()
	require.Equal(t, 0, stream.stops)
	require.Equal(t, 1, stream.closes)
}
