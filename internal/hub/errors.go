package hub

import "errors"

var (
	ErrHubAlreadyRunning = errors.New("hub is already running")
	ErrHubNotRunning     = errors.New("hub is not running")
	ErrQueueFull         = errors.New("ingestion queue is full")
	ErrInvalidEvent      = errors.New("event has no session")
)
