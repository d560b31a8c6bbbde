package repository

import "errors"

// Sentinel kinds for store errors. Not-found, conflict and closed errors
// are the model package's.
var (
	ErrInvalidCommit = errors.New("invalid commit")
	ErrEmptyPath     = errors.New("store path is empty")
	ErrCorruptData   = errors.New("corrupt store data")
)
