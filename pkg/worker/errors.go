package worker

import "errors"

var (
	// ErrNilProcessor indicates a pool was constructed without a processor.
	ErrNilProcessor = errors.New("worker: processor function cannot be nil")
	// ErrPoolNotStarted indicates work was submitted before Start.
	ErrPoolNotStarted = errors.New("worker: pool not started")
	// ErrPoolStopped indicates work was submitted after Stop.
	ErrPoolStopped = errors.New("worker: pool stopped")
	// ErrPoolAlreadyStarted indicates Start was called twice.
	ErrPoolAlreadyStarted = errors.New("worker: pool already started")
	// ErrQueueFull indicates the bounded queue rejected a work item.
	ErrQueueFull = errors.New("worker: queue full")
	// ErrStopTimeout indicates workers did not finish within the stop timeout.
	ErrStopTimeout = errors.New("worker: stop timeout")
)
