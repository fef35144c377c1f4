package speech

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-resty/resty/v2"
)

const (
	elevenLabsBaseURL      = "https://api.elevenlabs.io"
	DefaultElevenLabsVoice = "21m00Tcm4TlvDq8ikWAM"
	DefaultElevenLabsModel = "eleven_multilingual_v2"
)

type ElevenLabs struct {
	client  *resty.Client
	apiKey  string
	voiceID string
	model   string
	dir     string
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

type elevenLabsRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

func NewElevenLabs(opts Options) *ElevenLabs {
	baseURL := opts.ElevenLabsBaseURL
	if baseURL == "" {
		baseURL = elevenLabsBaseURL
	}
	voice := opts.VoiceID
	if voice == "" {
		voice = DefaultElevenLabsVoice
	}
	model := opts.Model
	if model == "" || !strings.HasPrefix(model, "eleven_") {
		model = DefaultElevenLabsModel
	}

	return &ElevenLabs{
		client:  resty.New().SetBaseURL(baseURL),
		apiKey:  opts.ElevenLabsKey,
		voiceID: voice,
		model:   model,
		dir:     cacheDir(opts.CacheDir),
	}
}

func (e *ElevenLabs) Synthesize(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("elevenlabs: empty text")
	}
	if strings.TrimSpace(e.apiKey) == "" {
		return "", fmt.Errorf("elevenlabs: %w", ErrMissingCredentials)
	}

	path := cachePath(e.dir, "elevenlabs", e.voiceID, e.model, text)
	if cached(path) {
		return path, nil
	}

	resp, err := e.client.R().
		SetContext(ctx).
		SetHeader("xi-api-key", e.apiKey).
		SetHeader("Accept", "audio/mpeg").
		SetHeader("Content-Type", "application/json").
		SetPathParam("voice_id", e.voiceID).
		SetBody(elevenLabsRequest{
			Text:          text,
			ModelID:       e.model,
			VoiceSettings: voiceSettings{Stability: 0.5, SimilarityBoost: 0.75},
		}).
		Post("/v1/text-to-speech/{voice_id}")
	if err != nil {
		return "", fmt.Errorf("elevenlabs request: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("elevenlabs: status %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	if len(resp.Body()) == 0 {
		return "", fmt.Errorf("elevenlabs: empty audio response")
	}

	if err := writeAtomic(path, resp.Body()); err != nil {
		return "", err
	}
	return path, nil
}
