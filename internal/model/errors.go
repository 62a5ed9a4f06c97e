package model

import "errors"

// Domain error taxonomy. Callers classify with errors.Is; the HTTP layer
// maps each sentinel to a status code.
var (
	// ErrValidation covers malformed coordinates and enum values.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound covers unknown driver, request, and assignment ids.
	ErrNotFound = errors.New("not found")
	// ErrConflict covers duplicate active requests for an orderId and
	// duplicate live attempts outside broadcast.
	ErrConflict = errors.New("conflict")
	// ErrInvalidState covers operations illegal for the current state,
	// e.g. responding to an attempt that is no longer assigned.
	ErrInvalidState = errors.New("invalid state")
	// ErrInvalidTransition covers illegal delivery request status jumps.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrUnsupportedMethod covers unknown matching methods.
	ErrUnsupportedMethod = errors.New("unsupported matching method")
	// ErrInfrastructure wraps persistence and transport failures; callers
	// may retry, the engine never swallows it.
	ErrInfrastructure = errors.New("infrastructure failure")
)
