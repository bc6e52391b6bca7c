package pipeline

import "errors"

var (
	// ErrMissingDependency is returned by New when a required Deps field
	// is nil.
	ErrMissingDependency = errors.New("pipeline: missing required dependency")

	// ErrZoneQueueFull is returned when a phase transition could not be
	// enqueued because its target zone's queue was full. The operation
	// fails rather than blocking the producer zone.
	ErrZoneQueueFull = errors.New("pipeline: target zone queue full")
)
