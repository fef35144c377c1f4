// Package speech renders tutor replies to mp3 files with ElevenLabs, falling
// back to OpenAI text-to-speech.
package speech

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

var ErrMissingCredentials = errors.New("text-to-speech API key is not configured")

// Synthesizer writes spoken audio for text and returns the file path.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (string, error)
}

type Options struct {
	ElevenLabsKey     string
	ElevenLabsBaseURL string
	OpenAIKey         string
	OpenAIBaseURL     string
	VoiceID           string
	Model             string
	CacheDir          string
	Logger            *slog.Logger
}

// New builds the synthesizer for provider. "none" returns (nil, nil).
func New(provider string, opts Options) (Synthesizer, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "none":
		return nil, nil
	case "openai":
		return NewOpenAI(opts), nil
	case "", "elevenlabs":
		primary := NewElevenLabs(opts)
		if strings.TrimSpace(opts.OpenAIKey) == "" {
			return primary, nil
		}
		return &Fallback{Primary: primary, Secondary: NewOpenAI(opts), Logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown text-to-speech provider %q: supported providers are elevenlabs, openai, none", provider)
	}
}

// Fallback tries Primary and, on any error, Secondary.
type Fallback struct {
	Primary   Synthesizer
	Secondary Synthesizer
	Logger    *slog.Logger
}

func (f *Fallback) Synthesize(ctx context.Context, text string) (string, error) {
	path, err := f.Primary.Synthesize(ctx, text)
	if err == nil {
		return path, nil
	}

	if f.Logger != nil {
		f.Logger.Warn("primary text-to-speech failed, falling back", "error", err)
	}
	path, ferr := f.Secondary.Synthesize(ctx, text)
	if ferr != nil {
		return "", errors.Join(err, ferr)
	}
	return path, nil
}

// cachePath names the mp3 for one (provider, voice, model, text) tuple.
func cachePath(dir, provider, voice, model, text string) string {
	sum := sha256.Sum256([]byte(provider + "\x00" + voice + "\x00" + model + "\x00" + text))
	return filepath.Join(dir, provider+"-"+hex.EncodeToString(sum[:12])+".mp3")
}

func cached(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}

// writeAtomic stores data at path through a temporary file in the same dir.
func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create speech cache dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".speech-*")
	if err != nil {
		return fmt.Errorf("create speech file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write speech file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close speech file: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

func cacheDir(dir string) string {
	if strings.TrimSpace(dir) == "" {
		return filepath.Join("data", "speech")
	}
	return dir
}
