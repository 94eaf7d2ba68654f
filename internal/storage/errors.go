package storage

import "errors"

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("record not found")

	// ErrRunCompleted is returned when completing a run that already reached a terminal status
	ErrRunCompleted = errors.New("run already completed")
)
