// Package integration runs the full server against a real SQLite database
// and real websocket clients.
package integration

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"piccollab/internal/app"
	"piccollab/internal/config"
	"piccollab/pkg/types"
)

const (
	teamPicture   int64 = 7
	publicPicture int64 = 8
	waitTimeout         = 2 * time.Second
)

// testEnv is a started application behind an httptest server with a seeded
// team space: alice (admin), bob and carol (editors), dave (viewer).
type testEnv struct {
	app    *app.Application
	server *httptest.Server
	tokens map[string]string
	users  map[string]*types.User
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	req := require.New(t)

	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(t.TempDir(), "piccollab.db")
	cfg.Queue.Workers = 2
	cfg.Queue.Capacity = 256
	cfg.Log.Level = "error"

	application, err := app.NewApplication(cfg, zerolog.Nop())
	req.NoError(err)
	req.NoError(application.Start(context.Background()))

	server := httptest.NewServer(application.Handler())
	t.Cleanup(func() {
		server.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = application.Stop(ctx)
	})

	env := &testEnv{
		app:    application,
		server: server,
		tokens: make(map[string]string),
		users:  make(map[string]*types.User),
	}
	env.seed(t)
	return env
}

func (env *testEnv) seed(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := env.app.Store()

	for _, name := range []string{"alice", "bob", "carol", "dave"} {
		user := &types.User{Account: name + "_acct", Name: name}
		req.NoError(store.CreateUser(ctx, user))
		token, err := store.IssueToken(ctx, user.ID, 0)
		req.NoError(err)
		env.users[name] = user
		env.tokens[name] = token
	}

	space := &types.Space{Name: "design", Type: types.SpaceTypeTeam, OwnerID: env.users["alice"].ID}
	req.NoError(store.CreateSpace(ctx, space))
	req.NoError(store.SetSpaceRole(ctx, space.ID, env.users["alice"].ID, types.SpaceRoleAdmin))
	req.NoError(store.SetSpaceRole(ctx, space.ID, env.users["bob"].ID, types.SpaceRoleEditor))
	req.NoError(store.SetSpaceRole(ctx, space.ID, env.users["carol"].ID, types.SpaceRoleEditor))
	req.NoError(store.SetSpaceRole(ctx, space.ID, env.users["dave"].ID, types.SpaceRoleViewer))

	req.NoError(store.CreatePicture(ctx, &types.Picture{
		ID: teamPicture, Name: "team logo", SpaceID: &space.ID, UserID: env.users["alice"].ID,
	}))
	req.NoError(store.CreatePicture(ctx, &types.Picture{
		ID: publicPicture, Name: "public banner", UserID: env.users["alice"].ID,
	}))
}

func (env *testEnv) editURL(pictureID string) string {
	u, _ := url.Parse(env.server.URL)
	u.Scheme = "ws"
	u.Path = app.EditPath
	q := u.Query()
	q.Set("pictureId", pictureID)
	u.RawQuery = q.Encode()
	return u.String()
}

// dial opens an edit socket and returns the handshake status on failure.
func (env *testEnv) dial(token, pictureID string) (*websocket.Conn, int, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, env.editURL(pictureID), header)
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	return conn, status, err
}

// testClient collects the messages one user receives.
type testClient struct {
	t        *testing.T
	name     string
	conn     *websocket.Conn
	messages chan *types.OutboundMessage
}

// join connects name to the team picture and waits for its own joined note,
// so the room membership is settled when join returns.
func (env *testEnv) join(t *testing.T, name string) *testClient {
	t.Helper()
	conn, status, err := env.dial(env.tokens[name], strconv.FormatInt(teamPicture, 10))
	require.NoError(t, err, "dial %s: status %d", name, status)

	c := &testClient{
		t:        t,
		name:     name,
		conn:     conn,
		messages: make(chan *types.OutboundMessage, 64),
	}
	go c.readLoop()
	t.Cleanup(func() { _ = conn.Close() })

	msg := c.expect(types.MessageTypeInfo)
	require.Equal(t, env.users[name].ID, msg.User.ID)
	return c
}

func (c *testClient) readLoop() {
	defer close(c.messages)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := types.DecodeOutbound(data)
		if err != nil {
			continue
		}
		c.messages <- msg
	}
}

func (c *testClient) send(payload string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, []byte(payload)))
}

func (c *testClient) sendMessage(msg *types.InboundMessage) {
	c.t.Helper()
	data, err := types.EncodeInbound(msg)
	require.NoError(c.t, err)
	c.send(string(data))
}

// expect waits for the next message and checks its type.
func (c *testClient) expect(want types.MessageType) *types.OutboundMessage {
	c.t.Helper()
	select {
	case msg, ok := <-c.messages:
		require.True(c.t, ok, "%s: connection closed while waiting for %s", c.name, want)
		require.Equal(c.t, want, msg.Type, "%s: unexpected message %q", c.name, msg.Message)
		return msg
	case <-time.After(waitTimeout):
		c.t.Fatalf("%s: timed out waiting for %s", c.name, want)
		return nil
	}
}

// sync sends an unknown type and waits for the error reply. Frames from one
// connection are processed in order, so everything sent before has been
// handled once it returns.
func (c *testClient) sync() {
	c.t.Helper()
	c.send(`{"type":"PING"}`)
	c.expect(types.MessageTypeError)
}

// expectQuiet asserts that nothing arrives for a short while.
func (c *testClient) expectQuiet() {
	c.t.Helper()
	select {
	case msg := <-c.messages:
		c.t.Fatalf("%s: unexpected %s %q", c.name, msg.Type, msg.Message)
	case <-time.After(100 * time.Millisecond):
	}
}

func (c *testClient) leave() {
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = c.conn.Close()
}
