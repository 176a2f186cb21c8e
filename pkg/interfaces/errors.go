package interfaces

import "errors"

// Common interface errors used across components
var (
	ErrNotFound         = errors.New("not found")
	ErrUnauthenticated  = errors.New("unauthenticated")
	ErrForbidden        = errors.New("forbidden")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrIdentityRequired = errors.New("connection has no resolved identity")
)
