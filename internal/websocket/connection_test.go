package websocket

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"piccollab/pkg/types"
)

// connectionPair upgrades one request and returns the server side wrapped in
// a Connection together with the raw client socket.
func connectionPair(t *testing.T, opts Options) (*Connection, *websocket.Conn) {
	t.Helper()
	serverSide := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverSide <- ws
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	conn := NewConnection(<-serverSide, &types.User{ID: 42, Name: "alice"}, 7, opts, zerolog.Nop())
	t.Cleanup(func() { _ = conn.Close() })
	return conn, client
}

func TestConnection_SendDeliversInOrder(t *testing.T) {
	req := require.New(t)
	conn, client := connectionPair(t, DefaultOptions())

	req.NotEmpty(conn.GetID())
	req.Equal(int64(7), conn.GetPictureID())
	req.Equal(int64(42), conn.GetUser().ID)

	for _, frame := range []string{"one", "two", "three"} {
		req.NoError(conn.Send([]byte(frame)))
	}

	req.NoError(client.SetReadDeadline(time.Now().Add(2 * time.Second)))
	for _, want := range []string{"one", "two", "three"} {
		messageType, data, err := client.ReadMessage()
		req.NoError(err)
		req.Equal(websocket.TextMessage, messageType)
		req.Equal(want, string(data))
	}
}

func TestConnection_CloseIsIdempotent(t *testing.T) {
	req := require.New(t)
	conn, client := connectionPair(t, DefaultOptions())

	req.True(conn.IsOpen())
	req.NoError(conn.Close())
	req.NoError(conn.Close())
	req.False(conn.IsOpen())
	req.ErrorIs(conn.Send([]byte("late")), ErrConnectionClosed)

	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("writer did not exit")
	}

	req.NoError(client.SetReadDeadline(time.Now().Add(2 * time.Second)))
	_, _, err := client.ReadMessage()
	req.True(websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestConnection_PingsKeepPeerAlive(t *testing.T) {
	req := require.New(t)
	opts := DefaultOptions()
	opts.PingInterval = 20 * time.Millisecond
	_, client := connectionPair(t, opts)

	pinged := make(chan struct{}, 1)
	client.SetPingHandler(func(string) error {
		select {
		case pinged <- struct{}{}:
		default:
		}
		return nil
	})

	go func() {
		for {
			if _, _, err := client.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-pinged:
	case <-time.After(2 * time.Second):
		req.Fail("no ping received")
	}
}
