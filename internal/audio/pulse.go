package audio

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/jfreymuth/pulse"
	pulseproto "github.com/jfreymuth/pulse/proto"
)

const pulseFragmentBytes = 640 // 20ms @ 16kHz mono s16

// PulseSource captures from a PulseAudio (or PipeWire-pulse) source.
// An empty or "default" Device selects the server default source.
type PulseSource struct {
	Device string
}

func (s PulseSource) Open(format Format) (Stream, error) {
	client, err := newPulseClient()
	if err != nil {
		return nil, err
	}

	source, err := s.resolve(client)
	if err != nil {
		client.Close()
		return nil, err
	}

	return &pulseStream{
		client: client,
		source: source,
		format: format,
		closed: make(chan struct{}),
	}, nil
}

func (s PulseSource) CheckDevice(_ context.Context) error {
	client, err := newPulseClient()
	if err != nil {
		return err
	}
	defer client.Close()

	_, err = s.resolve(client)
	return err
}

func (s PulseSource) resolve(client *pulse.Client) (*pulse.Source, error) {
	device := strings.TrimSpace(s.Device)
	if device == "" || strings.EqualFold(device, "default") {
		source, err := client.DefaultSource()
		if err != nil {
			return nil, fmt.Errorf("read default source: %w", err)
		}
		return source, nil
	}

	source, err := client.SourceByID(device)
	if err != nil {
		return nil, fmt.Errorf("resolve source %q: %w", device, err)
	}
	return source, nil
}

func newPulseClient() (*pulse.Client, error) {
	client, err := pulse.NewClient(
		pulse.ClientApplicationName("sofia"),
		pulse.ClientApplicationIconName("audio-input-microphone"),
	)
	if err != nil {
		return nil, fmt.Errorf("connect pulse server: %w", err)
	}
	return client, nil
}

type pulseStream struct {
	client *pulse.Client
	source *pulse.Source
	format Format

	mu       sync.Mutex
	record   *pulse.RecordStream
	isClosed bool
	closed   chan struct{}
}

func (p *pulseStream) Capture(w io.Writer) error {
	p.mu.Lock()
	if p.isClosed {
		p.mu.Unlock()
		return ErrStreamClosed
	}

	opts := []pulse.RecordOption{
		pulse.RecordSource(p.source),
		pulse.RecordSampleRate(p.format.SampleRate),
		pulse.RecordBufferFragmentSize(pulseFragmentBytes),
		pulse.RecordMediaName("sofia practice"),
	}
	if p.format.Channels <= 1 {
		opts = append(opts, pulse.RecordMono)
	}

	writer := pulse.NewWriter(writerFunc(func(b []byte) (int, error) {
		select {
		case <-p.closed:
			return 0, io.EOF
		default:
		}
		return w.Write(b)
	}), pulseproto.FormatInt16LE)

	record, err := p.client.NewRecord(writer, opts...)
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("create pulse record stream: %w", err)
	}
	p.record = record
	record.Start()
	p.mu.Unlock()

	<-p.closed
	return nil
}

func (p *pulseStream) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.isClosed {
		return ErrStreamClosed
	}
	p.isClosed = true
	close(p.closed)

	if p.record != nil {
		p.record.Stop()
		p.record.Close()
	}
	p.client.Close()
	return nil
}

// writerFunc adapts a function to io.Writer for pulse.NewWriter.
type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(b []byte) (int, error) {
	return f(b)
}
