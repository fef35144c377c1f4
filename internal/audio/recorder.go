package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	defaultSampleRate = 16000
	pcmChannels       = 1
	pcmBitDepth       = 16
)

var (
	// ErrAcquireInProgress is returned when another acquisition has not finished yet.
	ErrAcquireInProgress = errors.New("audio acquisition already in progress")
	// ErrAcquisition wraps failures to open a new capture.
	ErrAcquisition = errors.New("could not open microphone capture")
	// ErrRelease wraps non-benign failures while finalizing a capture.
	ErrRelease = errors.New("could not finalize microphone capture")
)

// Recorder owns the single live microphone capture and its audio artifacts.
type Recorder struct {
	audioDir string
	source   Source
	logger   *slog.Logger

	mu         sync.Mutex
	sampleRate int
	acquiring  bool
	active     *Recording

	encode func(rawPath, id string) (string, error)
	newID  func() string
}

// Recording is a handle to one open capture. Only the Recorder that created
// it may release it.
type Recording struct {
	ID        string
	StartedAt time.Time

	rawPath string
	rawFile *os.File
	stream  Stream
	bytes   atomic.Int64

	done       chan struct{}
	captureErr error

	mu       sync.Mutex
	released bool
}

// Bytes reports the PCM bytes written so far.
func (r *Recording) Bytes() int64 {
	return r.bytes.Load()
}

func NewRecorder(audioDir string, source Source, logger *slog.Logger) *Recorder {
	if audioDir == "" {
		audioDir = filepath.Join("data", "audio")
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &Recorder{
		audioDir:   audioDir,
		source:     source,
		logger:     logger,
		sampleRate: defaultSampleRate,
		newID:      uuid.NewString,
	}
	r.encode = r.defaultEncode
	return r
}

func (r *Recorder) SetSampleRate(sampleRate int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sampleRate > 0 {
		r.sampleRate = sampleRate
	}
}

// Acquiring reports whether an acquisition is currently in flight.
func (r *Recorder) Acquiring() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.acquiring
}

// Active returns the live recording, if any.
func (r *Recorder) Active() *Recording {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Acquire opens a new capture. A live capture is released and its audio
// discarded first. Concurrent callers get ErrAcquireInProgress.
func (r *Recorder) Acquire(ctx context.Context) (*Recording, error) {
	r.mu.Lock()
	if r.acquiring {
		r.mu.Unlock()
		return nil, ErrAcquireInProgress
	}
	r.acquiring = true
	previous := r.active
	format := Format{SampleRate: r.sampleRate, Channels: pcmChannels}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.acquiring = false
		r.mu.Unlock()
	}()

	if previous != nil {
		path, err := r.Release(previous)
		r.Discard(path)
		if err != nil {
			return nil, fmt.Errorf("release previous capture: %w", err)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(r.audioDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create audio directory: %w", ErrAcquisition, err)
	}

	id := r.newID()
	rawPath := filepath.Join(r.audioDir, id+".pcm")
	rawFile, err := os.OpenFile(rawPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open raw pcm file: %w", ErrAcquisition, err)
	}

	stream, err := r.source.Open(format)
	if err != nil {
		_ = rawFile.Close()
		_ = os.Remove(rawPath)
		return nil, fmt.Errorf("%w: %w", ErrAcquisition, err)
	}

	rec := &Recording{
		ID:        id,
		StartedAt: time.Now().UTC(),
		rawPath:   rawPath,
		rawFile:   rawFile,
		stream:    stream,
		done:      make(chan struct{}),
	}

	go func() {
		defer close(rec.done)
		rec.captureErr = stream.Capture(&countingWriter{rec: rec})
	}()

	r.mu.Lock()
	r.active = rec
	r.mu.Unlock()

	r.logger.Debug("capture acquired", "recording_id", id, "sample_rate", format.SampleRate)
	return rec, nil
}

// Release stops the capture and returns the path of its audio, or "" when
// nothing was captured. Releasing twice is a no-op.
func (r *Recorder) Release(rec *Recording) (string, error) {
	if rec == nil {
		return "", nil
	}

	rec.mu.Lock()
	if rec.released {
		rec.mu.Unlock()
		return "", nil
	}
	rec.released = true
	rec.mu.Unlock()

	r.mu.Lock()
	if r.active == rec {
		r.active = nil
	}
	sampleRate := r.sampleRate
	r.mu.Unlock()

	var releaseErr error
	if err := rec.stream.Close(); err != nil && !benignRelease(err) {
		releaseErr = fmt.Errorf("%w: close stream: %w", ErrRelease, err)
	}
	<-rec.done

	if rec.captureErr != nil && !benignRelease(rec.captureErr) {
		r.logger.Warn("capture ended with error", "recording_id", rec.ID, "error", rec.captureErr)
	}

	if err := rec.rawFile.Close(); err != nil && !benignRelease(err) && releaseErr == nil {
		releaseErr = fmt.Errorf("%w: close raw pcm file: %w", ErrRelease, err)
	}

	if rec.bytes.Load() == 0 {
		_ = os.Remove(rec.rawPath)
		return "", releaseErr
	}

	audioPath, err := r.encode(rec.rawPath, rec.ID)
	if err != nil {
		_ = os.Remove(rec.rawPath)
		return "", errors.Join(releaseErr, fmt.Errorf("%w: %w", ErrRelease, err))
	}
	_ = os.Remove(rec.rawPath)

	r.logger.Debug("capture released",
		"recording_id", rec.ID,
		"bytes", rec.bytes.Load(),
		"duration", pcmDuration(rec.bytes.Load(), sampleRate).String(),
	)
	return audioPath, releaseErr
}

// Discard removes a transient audio artifact. Failures are only logged.
func (r *Recorder) Discard(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		r.logger.Warn("discard audio failed", "path", path, "error", err)
	}
}

func benignRelease(err error) bool {
	return errors.Is(err, ErrStreamClosed) || errors.Is(err, os.ErrClosed) || errors.Is(err, io.EOF)
}

func pcmDuration(bytes int64, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	frameBytes := int64(pcmChannels * pcmBitDepth / 8)
	return time.Duration(bytes/frameBytes) * time.Second / time.Duration(sampleRate)
}

func (r *Recorder) defaultEncode(rawPath, id string) (string, error) {
	r.mu.Lock()
	sampleRate := r.sampleRate
	r.mu.Unlock()
	if sampleRate <= 0 {
		sampleRate = defaultSampleRate
	}

	wavPath := filepath.Join(r.audioDir, id+".wav")
	if err := pcmToWav(rawPath, wavPath, sampleRate); err != nil {
		return "", fmt.Errorf("encode wav: %w", err)
	}
	return wavPath, nil
}

func pcmToWav(rawPath, wavPath string, sampleRate int) error {
	pcmData, err := os.ReadFile(rawPath)
	if err != nil {
		return fmt.Errorf("read raw pcm data: %w", err)
	}

	out, err := os.OpenFile(wavPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open wav output: %w", err)
	}
	defer out.Close()

	if _, err := out.Write(wavHeader(len(pcmData), sampleRate, pcmChannels, pcmBitDepth)); err != nil {
		return fmt.Errorf("write wav header: %w", err)
	}
	if _, err := out.Write(pcmData); err != nil {
		return fmt.Errorf("write wav payload: %w", err)
	}
	return nil
}

func wavHeader(dataSize, sampleRate, channels, bitDepth int) []byte {
	byteRate := sampleRate * channels * bitDepth / 8
	blockAlign := channels * bitDepth / 8

	buf := bytes.NewBuffer(make([]byte, 0, 44))
	buf.WriteString("RIFF")
	_ = binary.Write(buf, binary.LittleEndian, uint32(36+dataSize))
	buf.WriteString("WAVEfmt ")
	for _, v := range []any{
		uint32(16),
		uint16(1),
		uint16(channels),
		uint32(sampleRate),
		uint32(byteRate),
		uint16(blockAlign),
		uint16(bitDepth),
	} {
		_ = binary.Write(buf, binary.LittleEndian, v)
	}
	buf.WriteString("data")
	_ = binary.Write(buf, binary.LittleEndian, uint32(dataSize))
	return buf.Bytes()
}

type countingWriter struct {
	rec *Recording
}

func (w *countingWriter) Write(p []byte) (int, error) {
	n, err := w.rec.rawFile.Write(p)
	w.rec.bytes.Add(int64(n))
	if err != nil {
		return n, fmt.Errorf("write raw pcm bytes: %w", err)
	}
	return n, nil
}
