package database

import (
	"errors"
	"fmt"

	"piccollab/pkg/interfaces"
)

var (
	ErrManagerClosed = errors.New("database manager is closed")
	ErrDuplicate     = errors.New("record already exists")
	ErrInvalidValue  = errors.New("invalid value")
	ErrTokenExpired  = fmt.Errorf("access token expired: %w", interfaces.ErrUnauthenticated)
)
