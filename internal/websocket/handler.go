package websocket

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"piccollab/internal/logging"
	"piccollab/pkg/interfaces"
)

// Handler upgrades edit-socket requests and runs each connection's read loop.
type Handler struct {
	auth     interfaces.Authenticator
	sessions interfaces.SessionHandler
	opts     Options
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	active sync.Map // connection id -> *Connection
	wg     sync.WaitGroup
}

// NewHandler wires authentication and session handling into an http.Handler.
func NewHandler(auth interfaces.Authenticator, sessions interfaces.SessionHandler, opts Options, logger zerolog.Logger) *Handler {
	h := &Handler{
		auth:     auth,
		sessions: sessions,
		opts:     opts,
		logger:   logging.Module(logger, "websocket"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || lo.Contains(h.opts.AllowedOrigins, origin)
}

// ServeHTTP authenticates the request before upgrading so that refused
// handshakes get a plain HTTP status.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := h.auth.Authenticate(r)
	if err != nil {
		status := StatusFor(err)
		h.logger.Info().
			Err(err).
			Int("status", status).
			Str("remote", r.RemoteAddr).
			Msg("handshake refused")
		http.Error(w, http.StatusText(status), status)
		return
	}
	if identity == nil || identity.User == nil {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn := NewConnection(ws, identity.User, identity.PictureID, h.opts, h.logger)
	h.wg.Add(1)
	h.active.Store(conn.GetID(), conn)

	if err := h.sessions.Open(conn); err != nil {
		h.logger.Warn().Err(err).Str("connection", conn.GetID()).Msg("session open failed")
		h.active.Delete(conn.GetID())
		_ = conn.Close()
		h.wg.Done()
		return
	}

	go h.readLoop(conn)
}

// StatusFor maps handshake errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, interfaces.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, interfaces.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, interfaces.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, interfaces.ErrForbidden):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) readLoop(conn *Connection) {
	defer h.wg.Done()
	defer func() {
		_ = conn.Close()
		h.sessions.Close(conn)
		h.active.Delete(conn.GetID())
	}()

	if err := conn.prepareRead(); err != nil {
		conn.logger.Debug().Err(err).Msg("failed to set read deadline")
		return
	}

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				conn.logger.Info().Err(err).Msg("connection closed unexpectedly")
			}
			return
		}

		if messageType != websocket.TextMessage {
			conn.logger.Debug().Int("message_type", messageType).Msg("ignoring non-text frame")
			continue
		}

		if err := h.sessions.Receive(conn, data); err != nil {
			conn.logger.Warn().Err(err).Msg("inbound frame dropped")
		}
	}
}

// ActiveConnections is the number of upgraded connections still open.
func (h *Handler) ActiveConnections() int {
	n := 0
	h.active.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Shutdown closes every open connection and waits for their read loops, so
// each one runs its close transition.
func (h *Handler) Shutdown() {
	h.active.Range(func(_, v any) bool {
		_ = v.(*Connection).Close()
		return true
	})
	h.wg.Wait()
}
