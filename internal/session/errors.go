package session

import "errors"

var (
	ErrRateLimited     = errors.New("inbound rate limit exceeded")
	ErrNotInRoom       = errors.New("connection is not in a room")
	ErrMissingQueue    = errors.New("session manager has no ingestion queue")
	ErrMissingRegistry = errors.New("session manager has no room registry")
)
