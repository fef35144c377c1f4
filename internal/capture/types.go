package capture

import (
	"context"
	"time"

	"github.com/sjawhar/sofia/internal/audio"
)

// Recorder is the microphone resource manager driven by the controller.
type Recorder interface {
	Acquire(ctx context.Context) (*audio.Recording, error)
	Release(rec *audio.Recording) (string, error)
	Discard(path string)
	Acquiring() bool
}

type Transcriber interface {
	Transcribe(ctx context.Context, path string) (string, error)
}

// Predicate decides whether a transcript is an accepted answer. Returned
// errors and panics count as rejection.
type Predicate func(ctx context.Context, transcript string) (bool, error)

type PermissionChecker interface {
	Granted() bool
	Request(ctx context.Context) (bool, error)
}

// Observer is notified outside the controller lock.
type Observer interface {
	StateChanged(episodeID string, state State)
	TranscriptUpdated(episodeID, text string)
	// ErrorRaised reports a soft failure; the episode keeps running.
	ErrorRaised(episodeID string, err error)
	EpisodeEnded(result Result)
}

type Mode string

const (
	ModeManual Mode = "manual"
	ModeAuto   Mode = "auto"
)

type Reason string

const (
	ReasonAccepted  Reason = "accepted"
	ReasonTimeout   Reason = "timeout"
	ReasonStopped   Reason = "stopped"
	ReasonFailed    Reason = "failed"
	ReasonCancelled Reason = "cancelled"
)

// Result describes one finished episode.
type Result struct {
	EpisodeID      string
	Mode           Mode
	Reason         Reason
	Transcript     string
	AudioPath      string
	Err            error
	Ticks          int
	Skipped        int
	Transcriptions int
	Failures       int
	StartedAt      time.Time
	FinishedAt     time.Time
}

func (r Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Snapshot is the caller-visible view of the controller.
type Snapshot struct {
	EpisodeID  string
	State      State
	Listening  bool
	Transcript string
	Err        error
}
