package speech

import (
	"context"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const DefaultOpenAIVoice = openai.VoiceNova

type OpenAI struct {
	apiKey  string
	baseURL string
	voice   openai.SpeechVoice
	dir     string
}

func NewOpenAI(opts Options) *OpenAI {
	voice := openai.SpeechVoice(opts.VoiceID)
	if !openAIVoice(voice) {
		voice = DefaultOpenAIVoice
	}
	return &OpenAI{
		apiKey:  opts.OpenAIKey,
		baseURL: opts.OpenAIBaseURL,
		voice:   voice,
		dir:     cacheDir(opts.CacheDir),
	}
}

func (o *OpenAI) Synthesize(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("openai speech: empty text")
	}
	if strings.TrimSpace(o.apiKey) == "" {
		return "", fmt.Errorf("openai speech: %w", ErrMissingCredentials)
	}

	path := cachePath(o.dir, "openai", string(o.voice), string(openai.TTSModel1), text)
	if cached(path) {
		return path, nil
	}

	config := openai.DefaultConfig(o.apiKey)
	if o.baseURL != "" {
		config.BaseURL = o.baseURL
	}
	client := openai.NewClientWithConfig(config)

	resp, err := client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.TTSModel1,
		Input:          text,
		Voice:          o.voice,
		ResponseFormat: openai.SpeechResponseFormatMp3,
	})
	if err != nil {
		return "", fmt.Errorf("openai speech: %w", err)
	}
	defer func() { _ = resp.Close() }()

	data, err := io.ReadAll(resp)
	if err != nil {
		return "", fmt.Errorf("read openai speech: %w", err)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("openai speech: empty audio response")
	}

	if err := writeAtomic(path, data); err != nil {
		return "", err
	}
	return path, nil
}

func openAIVoice(v openai.SpeechVoice) bool {
	switch v {
	case openai.VoiceAlloy, openai.VoiceEcho, openai.VoiceFable, openai.VoiceOnyx, openai.VoiceNova, openai.VoiceShimmer:
		return true
	}
	return false
}
