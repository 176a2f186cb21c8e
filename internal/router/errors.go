package router

import "errors"

var (
	ErrEncodeFailed   = errors.New("failed to encode outbound message")
	ErrSessionClosed  = errors.New("session is closed")
	ErrDeliveryFailed = errors.New("session did not accept the message")
)
