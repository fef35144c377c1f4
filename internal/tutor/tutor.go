// Package tutor holds the spoken Spanish conversation partner: short replies
// from a chat model, grounded on the recent turns of the conversation.
package tutor

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/sjawhar/sofia/internal/llm"
	"github.com/sjawhar/sofia/internal/storage"
)

const (
	DefaultHistory     = 10
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 150
)

const persona = `Eres Sofía, una profesora de español cercana y paciente que conversa por voz con estudiantes.

Reglas:
- Responde siempre en español, aunque el estudiante use otro idioma o mezcle idiomas.
- Responde con una a tres frases cortas y termina a menudo con una pregunta sencilla.
- El texto viene de un reconocimiento de voz: interpreta el sentido aunque haya errores o acento fuerte.
- No critiques nunca la pronunciación. Si no entiendes, pide amablemente que repita.
- Corrige los errores de gramática con suavidad, dando la forma correcta en la misma respuesta.
- Usa un vocabulario claro, adecuado para principiantes.`

// Fallbacks are the replies used when the model cannot answer.
var Fallbacks = []string{
	"¿Qué más quieres decir?",
	"¡Interesante! ¿Y qué más?",
	"¡Genial! Cuéntame más.",
	"¿De qué más quieres hablar?",
}

// History stores conversation turns.
type History interface {
	AppendTurn(turn storage.Turn) error
	RecentTurns(conversationID string, n int) ([]storage.Turn, error)
}

type Options struct {
	History     int
	Temperature float64
	MaxTokens   int
	Logger      *slog.Logger
}

type Tutor struct {
	client  llm.Client
	history History
	opts    Options
	logger  *slog.Logger
	pick    func(n int) int
	now     func() time.Time

	mu       sync.Mutex
	lastSent map[string]string
}

// New builds a tutor over client. history may be nil for stateless replies.
func New(client llm.Client, history History, opts Options) *Tutor {
	if opts.History <= 0 {
		opts.History = DefaultHistory
	}
	if opts.Temperature == 0 {
		opts.Temperature = DefaultTemperature
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Tutor{
		client:   client,
		history:  history,
		opts:     opts,
		logger:   logger,
		pick:     rand.IntN,
		now:      time.Now,
		lastSent: make(map[string]string),
	}
}

// Reply answers userText within the conversation. It never fails: model or
// storage errors are logged and a fallback reply is returned. The error is
// only reported for an empty message. A message identical to the previous
// one in the conversation is not sent again and yields ("", nil).
func (t *Tutor) Reply(ctx context.Context, conversationID, userText string) (string, error) {
	userText = strings.TrimSpace(userText)
	if userText == "" {
		return "", fmt.Errorf("tutor: empty message")
	}

	if !t.claim(conversationID, userText) {
		t.logger.Debug("duplicate chat message ignored", "conversation_id", conversationID)
		return "", nil
	}

	messages := []llm.Message{{Role: llm.RoleSystem, Content: persona}}
	messages = append(messages, t.recent(conversationID)...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: userText})

	reply, err := t.client.Complete(ctx, messages,
		llm.WithTemperature(t.opts.Temperature),
		llm.WithMaxTokens(t.opts.MaxTokens),
	)
	if err != nil {
		reply = t.fallback()
		t.logger.Warn("tutor reply failed, using fallback",
			"conversation_id", conversationID,
			"error", err,
			"fallback", reply,
		)
	}

	t.record(conversationID, llm.RoleUser, userText)
	t.record(conversationID, llm.RoleAssistant, reply)
	return reply, nil
}

// Forget clears the duplicate guard of a conversation.
func (t *Tutor) Forget(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.lastSent, conversationID)
}

func (t *Tutor) claim(conversationID, text string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.lastSent[conversationID] == text {
		return false
	}
	t.lastSent[conversationID] = text
	return true
}

func (t *Tutor) recent(conversationID string) []llm.Message {
	if t.history == nil {
		return nil
	}

	turns, err := t.history.RecentTurns(conversationID, t.opts.History)
	if err != nil {
		t.logger.Warn("load chat history failed", "conversation_id", conversationID, "error", err)
		return nil
	}

	out := make([]llm.Message, 0, len(turns))
	for _, turn := range turns {
		if turn.Role != llm.RoleUser && turn.Role != llm.RoleAssistant {
			continue
		}
		out = append(out, llm.Message{Role: turn.Role, Content: turn.Content})
	}
	return out
}

func (t *Tutor) record(conversationID, role, content string) {
	if t.history == nil {
		return
	}
	err := t.history.AppendTurn(storage.Turn{
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      t.now(),
	})
	if err != nil {
		t.logger.Warn("save chat turn failed", "conversation_id", conversationID, "role", role, "error", err)
	}
}

func (t *Tutor) fallback() string {
	return Fallbacks[t.pick(len(Fallbacks))]
}
