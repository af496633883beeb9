package domain

import "errors"

var (
	// ErrNotFound is returned when the addressed task, media or session does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalid marks input rejected before anything is persisted.
	ErrInvalid = errors.New("invalid input")
	// ErrConflict indicates that storage rejected a write against its constraints.
	ErrConflict = errors.New("conflict")
	// ErrUnauthorized covers missing, unknown and expired credentials alike.
	ErrUnauthorized = errors.New("unauthorized")
)
