package server

import "time"

const EventVersion = 1

type Event struct {
	Type      string `json:"type"`
	Version   int    `json:"version"`
	Timestamp string `json:"timestamp"`
}

type ConnectionEvent struct {
	Event
	Connected bool `json:"connected"`
}

type StateChangedEvent struct {
	Event
	EpisodeID string `json:"episode_id"`
	State     string `json:"state"`
	Listening bool   `json:"listening"`
}

type TranscriptEvent struct {
	Event
	EpisodeID string `json:"episode_id"`
	Text      string `json:"text"`
}

// ErrorEvent carries a soft failure of a running episode.
type ErrorEvent struct {
	Event
	EpisodeID string `json:"episode_id"`
	Message   string `json:"message"`
}

type EpisodeEndedEvent struct {
	Event
	EpisodeID  string  `json:"episode_id"`
	Kind       string  `json:"kind"`
	Reason     string  `json:"reason"`
	Transcript string  `json:"transcript"`
	Accepted   bool    `json:"accepted"`
	Error      string  `json:"error,omitempty"`
	Duration   float64 `json:"duration"`
}

type TutorReplyEvent struct {
	Event
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
	AudioURL       string `json:"audio_url,omitempty"`
}

func newEvent(eventType string, now time.Time) Event {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return Event{
		Type:      eventType,
		Version:   EventVersion,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	}
}
