package transcribe

import (
	"context"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const defaultWhisperModel = openai.Whisper1

// OpenAI transcribes with the Whisper transcription endpoint.
type OpenAI struct {
	opts Options
}

func NewOpenAI(opts Options) *OpenAI {
	if strings.TrimSpace(opts.Model) == "" {
		opts.Model = defaultWhisperModel
	}
	return &OpenAI{opts: opts}
}

func (c *OpenAI) Transcribe(ctx context.Context, path string) (string, error) {
	if err := checkKey("openai", path, c.opts.APIKey); err != nil {
		return "", err
	}

	config := openai.DefaultConfig(c.opts.APIKey)
	if c.opts.BaseURL != "" {
		config.BaseURL = c.opts.BaseURL
	}
	client := openai.NewClientWithConfig(config)

	resp, err := client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    c.opts.Model,
		FilePath: path,
		Language: c.opts.Language,
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		return "", &Error{Provider: "openai", Path: path, Err: err}
	}

	return strings.TrimSpace(resp.Text), nil
}
