// Package llm sends a chat history to one of the supported model providers
// (OpenAI, Anthropic, Gemini) and returns the text of the reply.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
)

// DefaultMaxTokens applies when a call sets no limit and the provider requires one.
const DefaultMaxTokens = 1024

var (
	// ErrMissingKey is returned by NewClient when no API key is configured.
	ErrMissingKey = errors.New("model API key is not configured")
	// ErrEmptyReply is returned when the provider answers without any text.
	ErrEmptyReply = errors.New("model returned an empty reply")
	// ErrNoUserMessage is returned when a history has no user or assistant turn.
	ErrNoUserMessage = errors.New("conversation has no user message")
)

type Message struct {
	Role    string
	Content string
}

type Client interface {
	Complete(ctx context.Context, messages []Message, opts ...CallOption) (string, error)
}

// Error wraps a failed completion with the provider that produced it.
type Error struct {
	Provider string
	Model    string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s completion (%s): %v", e.Provider, e.Model, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// CallOption tunes a single completion.
type CallOption func(*callOptions)

type callOptions struct {
	temperature *float64
	maxTokens   int
}

func WithTemperature(t float64) CallOption {
	return func(o *callOptions) { o.temperature = &t }
}

func WithMaxTokens(n int) CallOption {
	return func(o *callOptions) { o.maxTokens = n }
}

func resolveCall(opts []CallOption) callOptions {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

type Option func(*clientOptions)

type clientOptions struct {
	baseURL string
}

// WithBaseURL points the client at another endpoint, e.g. a test server.
func WithBaseURL(url string) Option {
	return func(o *clientOptions) {
		o.baseURL = url
	}
}

// ParseModel splits "provider/model".
func ParseModel(model string) (provider, modelName string, err error) {
	parts := strings.SplitN(strings.TrimSpace(model), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid model format %q: expected provider/model_name", model)
	}
	return strings.ToLower(parts[0]), parts[1], nil
}

func NewClient(provider, apiKey, model string, opts ...Option) (Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("%s: %w", provider, ErrMissingKey)
	}

	o := &clientOptions{}
	for _, opt := range opts {
		opt(o)
	}

	switch provider {
	case ProviderOpenAI:
		return newOpenAIClient(apiKey, model, o)
	case ProviderAnthropic:
		return newAnthropicClient(apiKey, model, o)
	case ProviderGemini:
		return newGeminiClient(apiKey, model, o)
	default:
		return nil, fmt.Errorf("unknown LLM provider %q: supported providers are openai, anthropic, gemini", provider)
	}
}

// splitSystem separates the system prompt from the conversation turns.
// Several system messages are joined with a blank line; unknown roles are
// dropped.
func splitSystem(messages []Message) (string, []Message) {
	var system []string
	turns := make([]Message, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleUser, RoleAssistant:
			turns = append(turns, m)
		}
	}
	return strings.Join(system, "\n\n"), turns
}
