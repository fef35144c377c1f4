// Package voice is the caller-facing surface of the capture core: listening
// state, the latest transcript, a displayable error and microphone permission.
package voice

import (
	"context"

	"github.com/sjawhar/sofia/internal/capture"
)

// Session exposes one capture controller to a screen or command.
type Session struct {
	ctrl       *capture.Controller
	permission capture.PermissionChecker
}

// Status is the serializable view of a Session.
type Status struct {
	EpisodeID  string `json:"episode_id,omitempty"`
	State      string `json:"state"`
	Listening  bool   `json:"listening"`
	Transcript string `json:"transcript"`
	Error      string `json:"error,omitempty"`
	Permission bool   `json:"permission"`
}

// NewSession wraps ctrl. permission may be nil when the platform grants
// microphone access implicitly.
func NewSession(ctrl *capture.Controller, permission capture.PermissionChecker) *Session {
	return &Session{ctrl: ctrl, permission: permission}
}

func (s *Session) Listening() bool    { return s.ctrl.Listening() }
func (s *Session) Transcript() string { return s.ctrl.Transcript() }
func (s *Session) Err() error         { return s.ctrl.Err() }

// ErrorMessage returns the user-facing text for the last surfaced error, or "".
func (s *Session) ErrorMessage() string { return Message(s.ctrl.Err()) }

func (s *Session) HasPermission() bool {
	return s.permission == nil || s.permission.Granted()
}

func (s *Session) RequestPermission(ctx context.Context) (bool, error) {
	if s.permission == nil {
		return true, nil
	}
	return s.permission.Request(ctx)
}

func (s *Session) Start(ctx context.Context) error {
	return s.ctrl.Start(ctx)
}

func (s *Session) StartWithAutoStop(ctx context.Context, predicate capture.Predicate) error {
	return s.ctrl.StartWithAutoStop(ctx, predicate)
}

func (s *Session) Stop(ctx context.Context) (string, error) {
	return s.ctrl.Stop(ctx)
}

// Wait blocks until the running episode ends.
func (s *Session) Wait(ctx context.Context) (capture.Result, error) {
	return s.ctrl.Wait(ctx)
}

// Close tears down any running episode. Safe to call repeatedly.
func (s *Session) Close() {
	s.ctrl.Close()
}

func (s *Session) Status() Status {
	snap := s.ctrl.Snapshot()
	return Status{
		EpisodeID:  snap.EpisodeID,
		State:      string(snap.State),
		Listening:  snap.Listening,
		Transcript: snap.Transcript,
		Error:      Message(snap.Err),
		Permission: s.HasPermission(),
	}
}
