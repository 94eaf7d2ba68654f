package scheduler

import "errors"

var (
	// ErrJobNotFound is returned when triggering a job that does not exist
	ErrJobNotFound = errors.New("job not found")

	// ErrNotStarted is returned by Reload before Start
	ErrNotStarted = errors.New("scheduler not started")

	// ErrStopped is returned once the scheduler has been stopped
	ErrStopped = errors.New("scheduler stopped")
)
