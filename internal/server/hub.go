package server

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/sjawhar/sofia/internal/storage"
)

// Hub fans events out to websocket subscribers. Slow subscribers drop
// messages rather than block the publisher.
type Hub struct {
	mu      sync.RWMutex
	clients map[chan []byte]struct{}
	logger  *slog.Logger
	now     func() time.Time
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[chan []byte]struct{}),
		logger:  logger,
		now:     time.Now,
	}
}

func (h *Hub) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan []byte) {
	h.mu.Lock()
	_, ok := h.clients[ch]
	delete(h.clients, ch)
	h.mu.Unlock()
	if ok {
		close(ch)
	}
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) Broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.clients {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (h *Hub) BroadcastStateChanged(episodeID, state string, listening bool) {
	h.broadcastEvent(StateChangedEvent{
		Event:     newEvent("state_changed", h.now()),
		EpisodeID: episodeID,
		State:     state,
		Listening: listening,
	})
}

func (h *Hub) BroadcastTranscript(episodeID, text string) {
	h.broadcastEvent(TranscriptEvent{
		Event:     newEvent("transcript", h.now()),
		EpisodeID: episodeID,
		Text:      text,
	})
}

func (h *Hub) BroadcastError(episodeID, message string) {
	h.broadcastEvent(ErrorEvent{
		Event:     newEvent("error", h.now()),
		EpisodeID: episodeID,
		Message:   message,
	})
}

func (h *Hub) BroadcastEpisodeEnded(ep storage.Episode) {
	h.broadcastEvent(EpisodeEndedEvent{
		Event:      newEvent("episode_ended", h.now()),
		EpisodeID:  ep.ID,
		Kind:       ep.Kind,
		Reason:     ep.Reason,
		Transcript: ep.Transcript,
		Accepted:   ep.Accepted,
		Error:      ep.Error,
		Duration:   ep.Duration().Seconds(),
	})
}

func (h *Hub) BroadcastTutorReply(conversationID, text, audioURL string) {
	h.broadcastEvent(TutorReplyEvent{
		Event:          newEvent("tutor_reply", h.now()),
		ConversationID: conversationID,
		Text:           text,
		AudioURL:       audioURL,
	})
}

func (h *Hub) broadcastEvent(event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("event marshal failed", "error", err)
		return
	}
	h.Broadcast(payload)
}
