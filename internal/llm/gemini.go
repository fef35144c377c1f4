package llm

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

type geminiClient struct {
	client *genai.Client
	model  string
}

func newGeminiClient(apiKey, model string, opts *clientOptions) (*geminiClient, error) {
	config := &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI}
	if opts.baseURL != "" {
		config.HTTPOptions.BaseURL = opts.baseURL
	}

	client, err := genai.NewClient(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &geminiClient{client: client, model: model}, nil
}

// geminiContents maps the history onto Gemini contents. Assistant turns use
// the "model" role.
func geminiContents(messages []Message) (*genai.Content, []*genai.Content) {
	system, turns := splitSystem(messages)

	var instruction *genai.Content
	if system != "" {
		instruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}

	contents := make([]*genai.Content, 0, len(turns))
	for _, m := range turns {
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		contents = append(contents, &genai.Content{Role: role, Parts: []*genai.Part{{Text: m.Content}}})
	}
	return instruction, contents
}

func (c *geminiClient) Complete(ctx context.Context, messages []Message, opts ...CallOption) (string, error) {
	instruction, contents := geminiContents(messages)
	if len(contents) == 0 {
		return "", c.fail(ErrNoUserMessage)
	}

	call := resolveCall(opts)
	config := &genai.GenerateContentConfig{SystemInstruction: instruction}
	if call.temperature != nil {
		temp := float32(*call.temperature)
		config.Temperature = &temp
	}
	if call.maxTokens > 0 {
		config.MaxOutputTokens = int32(call.maxTokens)
	}

	result, err := c.client.Models.GenerateContent(ctx, c.model, contents, config)
	if err != nil {
		return "", c.fail(err)
	}

	text := strings.TrimSpace(result.Text())
	if text == "" {
		return "", c.fail(ErrEmptyReply)
	}
	return text, nil
}

func (c *geminiClient) fail(err error) error {
	return &Error{Provider: ProviderGemini, Model: c.model, Err: err}
}
