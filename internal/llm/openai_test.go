package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openAIReply(w http.ResponseWriter, content string) {
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 123,
		"model":   "gpt-4o-mini",
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
	})
}

func TestOpenAICompleteSendsCallOptions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req struct {
			Model       string  `json:"model"`
			Temperature float64 `json:"temperature"`
			MaxTokens   int     `json:"max_tokens"`
			Messages    []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o-mini", req.Model)
		assert.InDelta(t, 0.7, req.Temperature, 1e-6)
		assert.Equal(t, 150, req.MaxTokens)
		assert.Len(t, req.Messages, 2)
		assert.Equal(t, RoleSystem, req.Messages[0].Role)
		assert.Equal(t, RoleUser, req.Messages[1].Role)

		openAIReply(w, "  ¡Hola! ¿Cómo estás?  ")
	}))
	defer server.Close()

	client, err := NewClient("openai", "test-key", "gpt-4o-mini", WithBaseURL(server.URL+"/v1"))
	require.NoError(t, err)

	got, err := client.Complete(context.Background(),
		[]Message{{Role: RoleSystem, Content: "Eres Sofía."}, {Role: RoleUser, Content: "hola"}},
		WithTemperature(0.7), WithMaxTokens(150),
	)
	require.NoError(t, err)
	require.Equal(t, "¡Hola! ¿Cómo estás?", got)
}

func TestOpenAICompleteEmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 123,
			"model":   "gpt-4o-mini",
			"choices": []map[string]any{},
		})
	}))
	defer server.Close()

	client, err := newOpenAIClient("test-key", "gpt-4o-mini", &clientOptions{baseURL: server.URL + "/v1"})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), []Message{{Role: RoleUser, Content: "hola"}})
	require.ErrorIs(t, err, ErrEmptyReply)
}

func TestOpenAICompleteBlankContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		openAIReply(w, "   ")
	}))
	defer server.Close()

	client, err := newOpenAIClient("test-key", "gpt-4o-mini", &clientOptions{baseURL: server.URL + "/v1"})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), []Message{{Role: RoleUser, Content: "hola"}})
	require.ErrorIs(t, err, ErrEmptyReply)

	var llmErr *Error
	require.ErrorAs(t, err, &llmErr)
	require.Equal(t, ProviderOpenAI, llmErr.Provider)
	require.Equal(t, "gpt-4o-mini", llmErr.Model)
}

func TestOpenAICompleteJoinsSystemPrompts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Len(t, req.Messages, 2)
		assert.Equal(t, "Eres Sofía.\n\nHabla despacio.", req.Messages[0].Content)

		openAIReply(w, "Vale.")
	}))
	defer server.Close()

	client, err := newOpenAIClient("test-key", "gpt-4o-mini", &clientOptions{baseURL: server.URL + "/v1"})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), []Message{
		{Role: RoleSystem, Content: "Eres Sofía."},
		{Role: RoleUser, Content: "hola"},
		{Role: RoleSystem, Content: "Habla despacio."},
	})
	require.NoError(t, err)
}
