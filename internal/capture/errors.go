package capture

import "errors"

var (
	// ErrPermissionDenied is surfaced when microphone access was refused; no episode starts.
	ErrPermissionDenied = errors.New("microphone permission denied")
	// ErrInactivityTimeout marks an episode that ended without an accepted answer.
	ErrInactivityTimeout = errors.New("listening stopped after inactivity")
	// ErrServiceUnavailable ends an episode after repeated transcription failures.
	ErrServiceUnavailable = errors.New("speech-to-text service unavailable")
	// ErrAlreadyListening is returned by Start while an episode is running.
	ErrAlreadyListening = errors.New("already listening")
	// ErrNotListening is returned by Stop when no episode is running.
	ErrNotListening = errors.New("not listening")
)
