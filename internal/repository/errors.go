package repository

import "errors"

// Store-level outcomes shared by the PostgreSQL and SQLite implementations.
var (
	ErrNotFound = errors.New("record not found")

	// ErrSessionNotInProgress is returned by conditional updates whose
	// "status = in_progress" guard matched no row.
	ErrSessionNotInProgress = errors.New("session is not in progress")

	// ErrSessionPastDeadline is returned when an autosave guard fails only
	// because the deadline has been reached.
	ErrSessionPastDeadline = errors.New("session deadline has passed")

	// ErrExamInUse is returned when an exam's questions cannot change because
	// a session on it is still in progress.
	ErrExamInUse = errors.New("exam has sessions in progress")
)
