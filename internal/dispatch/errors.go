package dispatch

import "errors"

// Sentinel errors for the dispatch package.
var (
	// ErrAlreadyRunning is returned when Start is called on a running worker.
	ErrAlreadyRunning = errors.New("dispatch: worker is already running")

	// ErrNotRunning is returned when Stop is called on a stopped worker.
	ErrNotRunning = errors.New("dispatch: worker is not running")

	// ErrQueueFull is returned when a worker queue cannot accept more events.
	ErrQueueFull = errors.New("dispatch: queue is full")
)
