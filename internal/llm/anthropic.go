package llm

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

type anthropicClient struct {
	client anthropic.Client
	model  string
}

func newAnthropicClient(apiKey, model string, opts *clientOptions) (*anthropicClient, error) {
	requestOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if opts.baseURL != "" {
		requestOpts = append(requestOpts, option.WithBaseURL(opts.baseURL))
	}
	return &anthropicClient{client: anthropic.NewClient(requestOpts...), model: model}, nil
}

func (c *anthropicClient) Complete(ctx context.Context, messages []Message, opts ...CallOption) (string, error) {
	system, turns := splitSystem(messages)
	if len(turns) == 0 {
		return "", c.fail(ErrNoUserMessage)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: DefaultMaxTokens,
		Messages:  make([]anthropic.MessageParam, 0, len(turns)),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	for _, m := range turns {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == RoleAssistant {
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(block))
		} else {
			params.Messages = append(params.Messages, anthropic.NewUserMessage(block))
		}
	}

	call := resolveCall(opts)
	if call.maxTokens > 0 {
		params.MaxTokens = int64(call.maxTokens)
	}
	if call.temperature != nil {
		params.Temperature = anthropic.Float(*call.temperature)
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", c.fail(err)
	}

	var b strings.Builder
	for i := range resp.Content {
		if resp.Content[i].Type == "text" {
			b.WriteString(resp.Content[i].Text)
		}
	}

	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", c.fail(ErrEmptyReply)
	}
	return text, nil
}

func (c *anthropicClient) fail(err error) error {
	return &Error{Provider: ProviderAnthropic, Model: c.model, Err: err}
}
