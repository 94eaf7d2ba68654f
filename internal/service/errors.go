package service

import "errors"

var (
	// ErrJobNotFound is returned for operations on a job that does not exist
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidPause is returned when a pause request sets neither field
	ErrInvalidPause = errors.New("pause requires until or skip_runs")
)
