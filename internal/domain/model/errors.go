package model

import "errors"

// Error kinds of the coordination core. Handlers map these onto the wire
// responses and telemetry kinds; internal detail never reaches participants.
var (
	ErrMalformedMessage  = errors.New("malformed message")
	ErrUnknownSession    = errors.New("unknown session")
	ErrDuplicateSession  = errors.New("duplicate session")
	ErrAdmissionDenied   = errors.New("admission denied")
	ErrProbeFailed       = errors.New("probe failed")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrGameNotFound      = errors.New("game not found")
	ErrSceneNotFound     = errors.New("scene not found")
	ErrAlreadyWaiting    = errors.New("participant already waiting")
	ErrCapacityReached   = errors.New("participant capacity reached")
)
