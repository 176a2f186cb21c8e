package types

import (
	"regexp"
	"strconv"

	"github.com/go-playground/validator/v10"
)

var (
	accountRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	validate     = validator.New(validator.WithRequiredStructEnabled())
)

// Validate checks the envelope shape. Unknown types are reported separately
// from malformed payloads so callers can choose the reply.
func (m *InboundMessage) Validate() error {
	if !IsInboundType(m.Type) {
		return ErrUnknownMessageType
	}
	if err := validate.Struct(m); err != nil {
		if m.Type == MessageTypeEditAction && m.EditAction == "" {
			return ErrMissingEditAction
		}
		return ErrMalformedMessage
	}
	return nil
}

// Validate checks the user fields a store insert relies on.
func (u *User) Validate() error {
	if !IsValidAccount(u.Account) {
		return ErrInvalidAccount
	}
	if len(u.Name) < 1 || len(u.Name) > 64 {
		return ErrInvalidUserName
	}
	return nil
}

// IsInboundType reports whether clients may send the given type.
func IsInboundType(t MessageType) bool {
	switch t {
	case MessageTypeEnterEdit,
		MessageTypeEditAction,
		MessageTypeExitEdit,
		MessageTypeSaveEdit:
		return true
	default:
		return false
	}
}

// IsKnownEditAction reports whether the code is one of the relayed actions.
func IsKnownEditAction(a EditAction) bool {
	_, ok := editActionLabels[a]
	return ok
}

// IsValidAccount checks the login account format.
func IsValidAccount(account string) bool {
	if len(account) < 4 || len(account) > 64 {
		return false
	}
	return accountRegex.MatchString(account)
}

// IsValidSpaceRole checks a space member role.
func IsValidSpaceRole(role string) bool {
	switch role {
	case SpaceRoleViewer, SpaceRoleEditor, SpaceRoleAdmin:
		return true
	default:
		return false
	}
}

// CanEdit reports whether a space member role grants picture editing.
func CanEdit(role string) bool {
	return role == SpaceRoleEditor || role == SpaceRoleAdmin
}

// ParsePictureID parses a decimal picture id as sent by clients.
func ParsePictureID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrInvalidPictureID
	}
	return id, nil
}
