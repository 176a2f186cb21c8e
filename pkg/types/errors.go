package types

import "errors"

var (
	ErrMalformedMessage   = errors.New("malformed message")
	ErrUnknownMessageType = errors.New("unrecognized message type")
	ErrMissingEditAction  = errors.New("editAction is required for EDIT_ACTION")
	ErrInvalidPictureID   = errors.New("picture id must be a positive integer")
	ErrInvalidAccount     = errors.New("account must be 4-64 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidUserName    = errors.New("user name must be 1-64 characters")
	ErrInvalidSpaceRole   = errors.New("space role must be viewer, editor or admin")
)
