package shared

import (
	"errors"
	"fmt"
)

var (
	ErrNoLogger              = errors.New("no logger provided")
	ErrNoConfig              = errors.New("no config provided")
	ErrNoServerURL           = errors.New("no server URL provided")
	ErrNoMediaDevices        = errors.New("no media devices provided")
	ErrClientNotInitialized  = errors.New("client not initialized")
	ErrSessionAlreadyRunning = errors.New("session already running")
	ErrChannelNotReady       = errors.New("data channel is not open")
	ErrMountNotFound         = errors.New("mount point not found")
	ErrNoAudioTrack          = errors.New("no audio track")
)

// MediaAccessError reports that the microphone could not be acquired.
type MediaAccessError struct {
	Err error
}

func (e *MediaAccessError) Error() string {
	return fmt.Sprintf("media access: %v", e.Err)
}

func (e *MediaAccessError) Unwrap() error {
	return e.Err
}

// HandshakeError reports that the offer/answer exchange ran out of attempts.
// Err is the failure of the last attempt.
type HandshakeError struct {
	Attempts int
	Err      error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// TransportError reports a failure of the connection object itself.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// StatusError is a non-2xx reply from the signaling server.
type StatusError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status code: %d, body: %s", e.Endpoint, e.StatusCode, e.Body)
}
