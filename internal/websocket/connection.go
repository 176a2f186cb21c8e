package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"piccollab/pkg/types"
)

// Options tunes connection heartbeats, deadlines and buffers.
type Options struct {
	SendBuffer     int
	PingInterval   time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
	AllowedOrigins []string
}

func DefaultOptions() Options {
	return Options{
		SendBuffer:     256,
		PingInterval:   30 * time.Second,
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 4096,
	}
}

// Connection is one live edit session. All socket writes happen on a single
// writer goroutine fed by a buffered channel.
type Connection struct {
	id        string
	conn      *websocket.Conn
	user      *types.User
	pictureID int64
	opts      Options
	logger    zerolog.Logger

	send      chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

// NewConnection wraps an upgraded socket and starts its writer.
func NewConnection(conn *websocket.Conn, user *types.User, pictureID int64, opts Options, logger zerolog.Logger) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	c := &Connection{
		id:        id,
		conn:      conn,
		user:      user,
		pictureID: pictureID,
		opts:      opts,
		send:      make(chan []byte, opts.SendBuffer),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		logger: logger.With().
			Str("connection", id).
			Int64("user_id", user.ID).
			Int64("picture_id", pictureID).
			Logger(),
	}

	go c.writeLoop()

	return c
}

func (c *Connection) GetID() string        { return c.id }
func (c *Connection) GetUser() *types.User { return c.user }
func (c *Connection) GetPictureID() int64  { return c.pictureID }

// Send queues an encoded frame. It never blocks: a full buffer returns
// ErrSendBufferFull and the caller decides whether to drop the session.
func (c *Connection) Send(data []byte) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// IsOpen reports whether Close has not been called yet.
func (c *Connection) IsOpen() bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
		return true
	}
}

// Done is closed once the writer goroutine has exited.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Close stops the writer and closes the socket. Safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.opts.WriteTimeout))
			err = c.conn.Close()
		}
	})
	return err
}

func (c *Connection) writeLoop() {
	defer close(c.done)

	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				c.logger.Debug().Err(err).Msg("write failed, closing connection")
				_ = c.Close()
				return
			}

		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				c.logger.Debug().Err(err).Msg("ping failed, closing connection")
				_ = c.Close()
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) write(messageType int, data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}

// prepareRead installs the read limit, deadline and pong handler.
func (c *Connection) prepareRead() error {
	c.conn.SetReadLimit(c.opts.MaxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout)); err != nil {
		return err
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	})
	return nil
}
