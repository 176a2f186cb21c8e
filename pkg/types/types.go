package types

import (
	"time"
)

// MessageType is the closed set of envelope kinds exchanged over the edit socket.
type MessageType string

const (
	MessageTypeInfo       MessageType = "INFO"
	MessageTypeError      MessageType = "ERROR"
	MessageTypeInitState  MessageType = "INIT_STATE"
	MessageTypeEnterEdit  MessageType = "ENTER_EDIT"
	MessageTypeExitEdit   MessageType = "EXIT_EDIT"
	MessageTypeEditAction MessageType = "EDIT_ACTION"
	MessageTypeSaveEdit   MessageType = "SAVE_EDIT"
)

// EditAction is an operation code relayed from the editor to the other room members.
type EditAction string

const (
	EditActionZoomIn      EditAction = "ZOOM_IN"
	EditActionZoomOut     EditAction = "ZOOM_OUT"
	EditActionRotateLeft  EditAction = "ROTATE_LEFT"
	EditActionRotateRight EditAction = "ROTATE_RIGHT"
)

var editActionLabels = map[EditAction]string{
	EditActionZoomIn:      "zoom in",
	EditActionZoomOut:     "zoom out",
	EditActionRotateLeft:  "rotate left",
	EditActionRotateRight: "rotate right",
}

// Label returns the human readable name used in notes, or "" for unknown codes.
func (a EditAction) Label() string {
	return editActionLabels[a]
}

// User is an authenticated account as resolved during the handshake.
type User struct {
	ID        int64     `json:"id,string" db:"id"`
	Account   string    `json:"userAccount" db:"account"`
	Name      string    `json:"userName" db:"name"`
	Avatar    string    `json:"userAvatar,omitempty" db:"avatar"`
	Profile   string    `json:"userProfile,omitempty" db:"profile"`
	Role      string    `json:"userRole" db:"role"`
	CreatedAt time.Time `json:"createTime" db:"created_at"`
}

// UserView is the display-safe projection of a User sent to other clients.
type UserView struct {
	ID         int64     `json:"id,string"`
	Account    string    `json:"userAccount"`
	Name       string    `json:"userName"`
	Avatar     string    `json:"userAvatar,omitempty"`
	Profile    string    `json:"userProfile,omitempty"`
	Role       string    `json:"userRole"`
	CreateTime time.Time `json:"createTime"`
}

// View projects the user into its display-safe form. A nil user yields nil.
func (u *User) View() *UserView {
	if u == nil {
		return nil
	}
	return &UserView{
		ID:         u.ID,
		Account:    u.Account,
		Name:       u.Name,
		Avatar:     u.Avatar,
		Profile:    u.Profile,
		Role:       u.Role,
		CreateTime: u.CreatedAt,
	}
}

// DisplayName is the name used in notes, falling back to the account.
func (u *User) DisplayName() string {
	if u == nil {
		return "unknown user"
	}
	if u.Name != "" {
		return u.Name
	}
	return u.Account
}

// Space types, matching the values stored in spaces.type.
const (
	SpaceTypePrivate = 0
	SpaceTypeTeam    = 1
)

// Space member roles.
const (
	SpaceRoleViewer = "viewer"
	SpaceRoleEditor = "editor"
	SpaceRoleAdmin  = "admin"
)

// Picture is the editable resource a room is bound to.
type Picture struct {
	ID        int64     `json:"id,string" db:"id"`
	Name      string    `json:"name" db:"name"`
	URL       string    `json:"url" db:"url"`
	SpaceID   *int64    `json:"spaceId,string,omitempty" db:"space_id"`
	UserID    int64     `json:"userId,string" db:"user_id"`
	CreatedAt time.Time `json:"createTime" db:"created_at"`
}

// Space groups pictures; only team spaces allow collaborative editing.
type Space struct {
	ID        int64     `json:"id,string" db:"id"`
	Name      string    `json:"spaceName" db:"name"`
	Type      int       `json:"spaceType" db:"type"`
	OwnerID   int64     `json:"userId,string" db:"owner_id"`
	CreatedAt time.Time `json:"createTime" db:"created_at"`
}

// InboundMessage is the client to server envelope.
type InboundMessage struct {
	Type       MessageType `json:"type" validate:"required"`
	EditAction EditAction  `json:"editAction,omitempty" validate:"required_if=Type EDIT_ACTION"`
}

// OutboundMessage is the server to client envelope.
type OutboundMessage struct {
	Type       MessageType `json:"type"`
	Message    string      `json:"message"`
	EditAction EditAction  `json:"editAction,omitempty"`
	User       *UserView   `json:"user,omitempty"`
}
