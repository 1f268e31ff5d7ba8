package queue

import "errors"

var (
	// ErrQueueFull indicates the channel's pending buffer is exhausted.
	ErrQueueFull = errors.New("channel queue is full")
	// ErrShuttingDown indicates the manager no longer accepts work.
	ErrShuttingDown = errors.New("queue manager is shutting down")
)
