package types

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDecodeInbound(t *testing.T) {
	tests := []struct {
		name       string
		payload    string
		wantType   MessageType
		wantAction EditAction
		wantErr    error
	}{
		{
			name:     "enter edit",
			payload:  `{"type":"ENTER_EDIT"}`,
			wantType: MessageTypeEnterEdit,
		},
		{
			name:       "edit action with code",
			payload:    `{"type":"EDIT_ACTION","editAction":"ZOOM_IN"}`,
			wantType:   MessageTypeEditAction,
			wantAction: EditActionZoomIn,
		},
		{
			name:       "edit action with unknown code still decodes",
			payload:    `{"type":"EDIT_ACTION","editAction":"FLIP"}`,
			wantType:   MessageTypeEditAction,
			wantAction: EditAction("FLIP"),
		},
		{
			name:     "save edit with surrounding whitespace",
			payload:  "  {\"type\":\"SAVE_EDIT\"}\n",
			wantType: MessageTypeSaveEdit,
		},
		{
			name:    "edit action without code",
			payload: `{"type":"EDIT_ACTION"}`,
			wantErr: ErrMissingEditAction,
		},
		{
			name:    "server only type",
			payload: `{"type":"INIT_STATE"}`,
			wantErr: ErrUnknownMessageType,
		},
		{
			name:    "unknown type",
			payload: `{"type":"DELETE_PICTURE"}`,
			wantErr: ErrUnknownMessageType,
		},
		{
			name:    "missing type",
			payload: `{}`,
			wantErr: ErrUnknownMessageType,
		},
		{
			name:    "not json",
			payload: `ENTER_EDIT`,
			wantErr: ErrMalformedMessage,
		},
		{
			name:    "wrong field type",
			payload: `{"type":42}`,
			wantErr: ErrMalformedMessage,
		},
		{
			name:    "empty",
			payload: ``,
			wantErr: ErrMalformedMessage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := DecodeInbound([]byte(tt.payload))
			if tt.wantErr != nil {
				require.True(t, errors.Is(err, tt.wantErr), "got %v, want %v", err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.wantType, msg.Type)
			require.Equal(t, tt.wantAction, msg.EditAction)
		})
	}
}

func TestEncodeOutbound_IDsAreDecimalStrings(t *testing.T) {
	req := require.New(t)
	const id int64 = 1876543210987654321

	msg := &OutboundMessage{
		Type:    MessageTypeEnterEdit,
		Message: "alice started editing",
		User:    &UserView{ID: id, Account: "alice", Name: "alice"},
	}

	data, err := EncodeOutbound(msg)
	req.NoError(err)

	var raw map[string]any
	req.NoError(json.Unmarshal(data, &raw))
	user, ok := raw["user"].(map[string]any)
	req.True(ok)
	req.Equal("1876543210987654321", user["id"])
	req.NotContains(string(data), `"editAction"`)
}

func TestOutbound_RoundTripPreservesNineteenDigitID(t *testing.T) {
	req := require.New(t)
	const id int64 = 9223372036854775807

	data, err := EncodeOutbound(&OutboundMessage{
		Type:       MessageTypeEditAction,
		Message:    "bob performed rotate left",
		EditAction: EditActionRotateLeft,
		User:       &UserView{ID: id, Name: "bob"},
	})
	req.NoError(err)
	req.Contains(string(data), `"id":"9223372036854775807"`)

	decoded, err := DecodeOutbound(data)
	req.NoError(err)
	req.Equal(id, decoded.User.ID)
	req.Equal(EditActionRotateLeft, decoded.EditAction)
}

func TestUser_View(t *testing.T) {
	req := require.New(t)
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	u := &User{ID: 7, Account: "alice", Name: "Alice", Role: "user", CreatedAt: created}

	v := u.View()
	req.Equal(int64(7), v.ID)
	req.Equal("Alice", v.Name)
	req.Equal(created, v.CreateTime)

	var nilUser *User
	req.Nil(nilUser.View())
	req.Equal("unknown user", nilUser.DisplayName())
	req.Equal("alice", (&User{Account: "alice"}).DisplayName())
}

func TestEditAction_Label(t *testing.T) {
	req := require.New(t)
	req.Equal("zoom in", EditActionZoomIn.Label())
	req.Equal("rotate right", EditActionRotateRight.Label())
	req.Empty(EditAction("FLIP").Label())
	req.True(IsKnownEditAction(EditActionZoomOut))
	req.False(IsKnownEditAction(EditAction("")))
}

func TestUser_Validate(t *testing.T) {
	tests := []struct {
		name    string
		user    User
		wantErr error
	}{
		{name: "valid", user: User{Account: "alice_01", Name: "Alice"}},
		{name: "short account", user: User{Account: "al", Name: "Alice"}, wantErr: ErrInvalidAccount},
		{name: "bad characters", user: User{Account: "alice!@#", Name: "Alice"}, wantErr: ErrInvalidAccount},
		{name: "empty name", user: User{Account: "alice", Name: ""}, wantErr: ErrInvalidUserName},
		{name: "long name", user: User{Account: "alice", Name: strings.Repeat("a", 65)}, wantErr: ErrInvalidUserName},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.wantErr, tt.user.Validate())
		})
	}
}

func TestParsePictureID(t *testing.T) {
	req := require.New(t)

	id, err := ParsePictureID("1234567890123456789")
	req.NoError(err)
	req.Equal(int64(1234567890123456789), id)

	for _, raw := range []string{"", "0", "-3", "abc", "99999999999999999999"} {
		_, err := ParsePictureID(raw)
		req.ErrorIs(err, ErrInvalidPictureID, raw)
	}
}

func TestSpaceRoles(t *testing.T) {
	req := require.New(t)
	req.True(IsValidSpaceRole(SpaceRoleViewer))
	req.False(IsValidSpaceRole("owner"))
	req.True(CanEdit(SpaceRoleAdmin))
	req.True(CanEdit(SpaceRoleEditor))
	req.False(CanEdit(SpaceRoleViewer))
}
