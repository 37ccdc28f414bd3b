package model

import "errors"

var (
	// ErrCommandRequired is returned when a session creation request is missing the command.
	ErrCommandRequired = errors.New("command is required")

	// ErrNameRequired is returned when a session name is empty.
	ErrNameRequired = errors.New("session name is required")

	// ErrInvalidName is returned for names that cannot be used in a stream URL.
	ErrInvalidName = errors.New("invalid session name")

	// ErrSessionNotFound is returned when a session is not found.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExists is returned when a session name is already taken.
	ErrSessionExists = errors.New("session already exists")

	// ErrSessionDead is returned when an operation needs a live process and the session has none.
	ErrSessionDead = errors.New("session is not running")

	// ErrConcurrencyLimit is returned when the maximum number of concurrent sessions is reached.
	ErrConcurrencyLimit = errors.New("concurrent session limit exceeded")
)
