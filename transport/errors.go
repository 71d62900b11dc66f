package transport

import "errors"

var (
	// ErrEdgeNotFound is returned when no attached edge matches a lookup.
	ErrEdgeNotFound = errors.New("edge not found")

	// ErrEdgeNotAttached is returned when detaching an edge that is not on
	// the server.
	ErrEdgeNotAttached = errors.New("edge not attached")

	// ErrServerDestroyed is returned when attaching to a destroyed server.
	ErrServerDestroyed = errors.New("server destroyed")

	// ErrServerIndexInUse is returned when two edges claim the same server
	// index.
	ErrServerIndexInUse = errors.New("server index in use")
)
