package speech

import (
	"errors"
	"fmt"
)

// Common errors for the speech core.
var (
	// Backend errors
	ErrNotConfigured    = errors.New("no TTS backend configured")
	ErrBackendBusy      = errors.New("backend has a synthesis in flight")
	ErrEmptyText        = errors.New("empty synthesis text")
	ErrTransport        = errors.New("transport failure")
	ErrSynthesisTimeout = errors.New("timed out waiting for synthesis to finish")

	// Cache errors
	ErrCacheMiss = errors.New("no cached audio for card")

	// Player errors
	ErrPlaybackFailed  = errors.New("playback failed")
	ErrPlaybackStopped = errors.New("playback stopped")
	ErrNothingToPlay   = errors.New("no audio to play")

	// Orchestrator errors
	ErrCardNotFound = errors.New("card not found")
)

// RemoteError is an explicit failure reported by a backend's control
// plane. It is treated like a transport failure for fallback purposes,
// but the remote code and message are preserved for logging.
type RemoteError struct {
	Backend string
	Code    string
	Message string
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s remote error %s: %s", e.Backend, e.Code, e.Message)
}

// SpeechError wraps an underlying error with the component and action
// that produced it.
type SpeechError struct {
	Err       error
	Component string
	Action    string
}

// Error implements the error interface.
func (e *SpeechError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Component, e.Action, e.Err)
}

// Unwrap returns the underlying error.
func (e *SpeechError) Unwrap() error {
	return e.Err
}

// NewSpeechError wraps err with component and action context.
func NewSpeechError(err error, component, action string) *SpeechError {
	return &SpeechError{Err: err, Component: component, Action: action}
}
