package integration

import (
	"encoding/json"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"piccollab/internal/api"
	"piccollab/pkg/types"
)

func TestEditRoom_FullSession(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t)

	alice := env.join(t, "alice")
	bob := env.join(t, "bob")
	joined := alice.expect(types.MessageTypeInfo)
	req.Equal(env.users["bob"].ID, joined.User.ID)
	req.Contains(joined.Message, "bob joined")

	// alice takes the lock; both see it.
	alice.send(`{"type":"ENTER_EDIT"}`)
	for _, c := range []*testClient{alice, bob} {
		msg := c.expect(types.MessageTypeEnterEdit)
		req.Equal(env.users["alice"].ID, msg.User.ID)
	}

	// Actions reach everyone but the editor.
	alice.sendMessage(&types.InboundMessage{Type: types.MessageTypeEditAction, EditAction: types.EditActionRotateLeft})
	action := bob.expect(types.MessageTypeEditAction)
	req.Equal(types.EditActionRotateLeft, action.EditAction)
	req.Equal("alice performed rotate left", action.Message)
	alice.sync()

	// bob cannot take the lock or act while alice holds it.
	bob.send(`{"type":"ENTER_EDIT"}`)
	bob.send(`{"type":"EDIT_ACTION","editAction":"ZOOM_IN"}`)
	bob.sync()
	alice.expectQuiet()

	// alice saves, which releases the lock; only the others are told.
	alice.send(`{"type":"SAVE_EDIT"}`)
	saved := bob.expect(types.MessageTypeSaveEdit)
	req.Equal("alice saved the edits", saved.Message)

	bob.send(`{"type":"ENTER_EDIT"}`)
	for _, c := range []*testClient{alice, bob} {
		msg := c.expect(types.MessageTypeEnterEdit)
		req.Equal(env.users["bob"].ID, msg.User.ID)
	}

	// A late joiner learns who is editing.
	carol := env.join(t, "carol")
	alice.expect(types.MessageTypeInfo)
	bob.expect(types.MessageTypeInfo)
	initState := carol.expect(types.MessageTypeInitState)
	req.Equal(env.users["bob"].ID, initState.User.ID)
	req.Equal("bob is editing", initState.Message)

	// The editor disconnecting frees the lock for the others.
	bob.leave()
	for _, c := range []*testClient{alice, carol} {
		exit := c.expect(types.MessageTypeExitEdit)
		req.Equal(env.users["bob"].ID, exit.User.ID)
		left := c.expect(types.MessageTypeInfo)
		req.Contains(left.Message, "bob left")
	}

	carol.send(`{"type":"ENTER_EDIT"}`)
	for _, c := range []*testClient{alice, carol} {
		msg := c.expect(types.MessageTypeEnterEdit)
		req.Equal(env.users["carol"].ID, msg.User.ID)
	}
}

func TestEditRoom_LateJoinerSeesEditor(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t)

	a := env.join(t, "alice")
	a.expectQuiet()

	a.send(`{"type":"ENTER_EDIT"}`)
	a.expect(types.MessageTypeEnterEdit)

	b := env.join(t, "bob")
	a.expect(types.MessageTypeInfo)
	initState := b.expect(types.MessageTypeInitState)
	req.Equal(env.users["alice"].ID, initState.User.ID)

	b.send(`{"type":"ENTER_EDIT"}`)
	b.sync()

	a.send(`{"type":"SAVE_EDIT"}`)
	b.expect(types.MessageTypeSaveEdit)
	a.expectQuiet()

	b.send(`{"type":"ENTER_EDIT"}`)
	for _, c := range []*testClient{a, b} {
		msg := c.expect(types.MessageTypeEnterEdit)
		req.Equal(env.users["bob"].ID, msg.User.ID)
	}
}

func TestEditRoom_ProtocolErrors(t *testing.T) {
	env := newTestEnv(t)
	alice := env.join(t, "alice")

	for _, payload := range []string{
		`not json`,
		`{"type":"DELETE_PICTURE"}`,
		`{"type":"EDIT_ACTION"}`,
		`{"type":"INIT_STATE"}`,
	} {
		alice.send(payload)
		alice.expect(types.MessageTypeError)
	}

	// The session survives protocol errors.
	alice.send(`{"type":"ENTER_EDIT"}`)
	alice.expect(types.MessageTypeEnterEdit)
}

func TestEditRoom_Handshake(t *testing.T) {
	env := newTestEnv(t)
	team := strconv.FormatInt(teamPicture, 10)

	tests := []struct {
		name       string
		token      string
		pictureID  string
		wantStatus int
	}{
		{"missing picture id", env.tokens["alice"], "", http.StatusBadRequest},
		{"invalid picture id", env.tokens["alice"], "seven", http.StatusBadRequest},
		{"no token", "", team, http.StatusUnauthorized},
		{"unknown token", "not-a-token", team, http.StatusUnauthorized},
		{"unknown picture", env.tokens["alice"], "404", http.StatusNotFound},
		{"picture outside team space", env.tokens["alice"], strconv.FormatInt(publicPicture, 10), http.StatusForbidden},
		{"viewer", env.tokens["dave"], team, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, status, err := env.dial(tt.token, tt.pictureID)
			require.Error(t, err)
			require.Nil(t, conn)
			require.Equal(t, tt.wantStatus, status)
		})
	}
}

func TestEditRoom_RoomsAPI(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t)

	alice := env.join(t, "alice")
	bob := env.join(t, "bob")
	alice.expect(types.MessageTypeInfo)

	alice.send(`{"type":"ENTER_EDIT"}`)
	bob.expect(types.MessageTypeEnterEdit)

	resp, err := http.Get(env.server.URL + "/api/rooms/" + strconv.FormatInt(teamPicture, 10))
	req.NoError(err)
	defer resp.Body.Close()
	req.Equal(http.StatusOK, resp.StatusCode)

	var room api.RoomView
	req.NoError(json.NewDecoder(resp.Body).Decode(&room))
	req.Equal(2, room.Members)
	req.NotNil(room.EditorID)
	req.Equal(env.users["alice"].ID, *room.EditorID)

	health, err := http.Get(env.server.URL + "/health")
	req.NoError(err)
	defer health.Body.Close()
	req.Equal(http.StatusOK, health.StatusCode)

	var body api.HealthResponse
	req.NoError(json.NewDecoder(health.Body).Decode(&body))
	req.Equal(2, body.Connections)
	req.Equal(1, body.EditLocks)
	req.NotNil(body.Queue)
	req.True(body.Queue.Running)
}

func TestEditRoom_ShutdownClosesSessions(t *testing.T) {
	env := newTestEnv(t)
	alice := env.join(t, "alice")

	require.NoError(t, env.app.Stop(t.Context()))

	deadline := time.After(waitTimeout)
	for {
		select {
		case _, ok := <-alice.messages:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("connection was not closed on shutdown")
		}
	}
}
