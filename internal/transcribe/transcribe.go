// Package transcribe turns one finished audio file into text through a cloud
// speech-to-text provider. Clients make exactly one request per call and
// never retry or delete the audio.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrMissingCredentials is returned when the provider API key is empty at call time.
var ErrMissingCredentials = errors.New("speech-to-text API key is not configured")

// Transcriber converts an audio file into text.
type Transcriber interface {
	Transcribe(ctx context.Context, path string) (string, error)
}

// Error is the TranscriptionFailure returned by every provider.
type Error struct {
	Provider string
	Path     string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transcribe %s (%s): %v", e.Path, e.Provider, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Options configures a provider client.
type Options struct {
	APIKey   string
	Model    string
	Language string
	BaseURL  string
}

// New builds the client for provider ("openai" or "deepgram").
func New(provider string, opts Options) (Transcriber, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "", "openai":
		return NewOpenAI(opts), nil
	case "deepgram":
		return NewDeepgram(opts), nil
	default:
		return nil, fmt.Errorf("unknown speech-to-text provider %q: supported providers are openai, deepgram", provider)
	}
}

func checkKey(provider, path, key string) error {
	if strings.TrimSpace(key) == "" {
		return &Error{Provider: provider, Path: path, Err: ErrMissingCredentials}
	}
	return nil
}
