package llm

import (
	"context"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

type openaiClient struct {
	client *openai.Client
	model  string
}

func newOpenAIClient(apiKey, model string, opts *clientOptions) (*openaiClient, error) {
	config := openai.DefaultConfig(apiKey)
	if opts.baseURL != "" {
		config.BaseURL = opts.baseURL
	}
	return &openaiClient{client: openai.NewClientWithConfig(config), model: model}, nil
}

func (c *openaiClient) Complete(ctx context.Context, messages []Message, opts ...CallOption) (string, error) {
	system, turns := splitSystem(messages)
	if len(turns) == 0 {
		return "", c.fail(ErrNoUserMessage)
	}

	chat := make([]openai.ChatCompletionMessage, 0, len(turns)+1)
	if system != "" {
		chat = append(chat, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, m := range turns {
		chat = append(chat, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	call := resolveCall(opts)
	req := openai.ChatCompletionRequest{
		Model:     c.model,
		Messages:  chat,
		MaxTokens: call.maxTokens,
	}
	if call.temperature != nil {
		req.Temperature = float32(*call.temperature)
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", c.fail(err)
	}
	if len(resp.Choices) == 0 {
		return "", c.fail(ErrEmptyReply)
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", c.fail(ErrEmptyReply)
	}
	return text, nil
}

func (c *openaiClient) fail(err error) error {
	return &Error{Provider: ProviderOpenAI, Model: c.model, Err: err}
}
