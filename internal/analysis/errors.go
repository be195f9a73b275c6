package analysis

import "errors"

var (
	// ErrInvalidSessionState is returned when a resume targets a node that
	// does not match the stored session node, the session does not exist,
	// or the session is already closed. The session is never mutated.
	ErrInvalidSessionState = errors.New("invalid session state")

	// ErrSessionExists is returned by start when an active session already
	// exists for the artefact.
	ErrSessionExists = errors.New("an active analysis session already exists for this artefact")

	// ErrValidation is returned for a malformed or missing value payload
	// for the current node. The session is never mutated.
	ErrValidation = errors.New("invalid action payload")

	// ErrSessionNotFound is returned by the session store when no session
	// exists for the key.
	ErrSessionNotFound = errors.New("analysis session not found")

	// ErrVersionConflict is returned by the session store when an update
	// races a concurrent write. Callers serialize per artefact, so seeing
	// this indicates a misbehaving second writer.
	ErrVersionConflict = errors.New("analysis session version conflict")

	// ErrGeneration wraps a content-generation service failure. The
	// session is left un-advanced so the same resume can be retried.
	ErrGeneration = errors.New("content generation failed")
)
