package voice

import (
	"errors"

	"github.com/sjawhar/sofia/internal/audio"
	"github.com/sjawhar/sofia/internal/capture"
	"github.com/sjawhar/sofia/internal/transcribe"
)

const (
	msgPermission  = "Microphone access is off. Enable microphone access in your system settings and try again."
	msgTimeout     = "No answer heard for a while, so listening paused. Tap the microphone when you're ready."
	msgUnavailable = "Speech recognition is unavailable right now. Check your connection and try again."
	msgCredentials = "Speech recognition is not set up. Add your speech-to-text API key and restart."
	msgMicrophone  = "The microphone could not be opened. Close other apps using it and try again."
	msgTranscribe  = "Your answer could not be transcribed. Please try again."
	msgGeneric     = "Something went wrong while listening. Please try again."
)

// Message maps a surfaced error to text suitable for the user. Timeouts get
// a neutral message since they are an expected outcome.
func Message(err error) string {
	var terr *transcribe.Error
	switch {
	case err == nil:
		return ""
	case errors.Is(err, capture.ErrPermissionDenied):
		return msgPermission
	case errors.Is(err, capture.ErrInactivityTimeout):
		return msgTimeout
	case errors.Is(err, transcribe.ErrMissingCredentials):
		return msgCredentials
	case errors.Is(err, capture.ErrServiceUnavailable):
		return msgUnavailable
	case errors.Is(err, audio.ErrAcquisition), errors.Is(err, audio.ErrAcquireInProgress):
		return msgMicrophone
	case errors.As(err, &terr):
		return msgTranscribe
	default:
		return msgGeneric
	}
}
