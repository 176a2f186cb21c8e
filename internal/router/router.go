// Package router fans server messages out to the sessions of a picture room.
package router

import (
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"piccollab/internal/logging"
	"piccollab/pkg/interfaces"
	"piccollab/pkg/types"
)

// RoomDirectory lists the sessions currently in a room.
type RoomDirectory interface {
	Sessions(pictureID int64) []interfaces.Connection
}

// Stats counts deliveries since start.
type Stats struct {
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
	Evicted   uint64 `json:"evicted"`
}

// Router is the broadcast engine. Delivery is best effort: one slow or
// broken session never blocks or fails delivery to the others.
type Router struct {
	rooms  RoomDirectory
	logger zerolog.Logger

	delivered atomic.Uint64
	failed    atomic.Uint64
	evicted   atomic.Uint64
}

func NewRouter(rooms RoomDirectory, logger zerolog.Logger) *Router {
	return &Router{
		rooms:  rooms,
		logger: logging.Module(logger, "router"),
	}
}

// BroadcastToRoom encodes msg once and sends it to every open session in the
// room except exclude (which may be nil). It returns how many sessions
// accepted the frame.
func (r *Router) BroadcastToRoom(pictureID int64, msg *types.OutboundMessage, exclude interfaces.Connection) (int, error) {
	data, err := types.EncodeOutbound(msg)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrEncodeFailed, err)
	}

	excludeID := ""
	if exclude != nil {
		excludeID = exclude.GetID()
	}

	delivered := 0
	for _, session := range r.rooms.Sessions(pictureID) {
		if session.GetID() == excludeID || !session.IsOpen() {
			continue
		}
		if r.deliver(session, data) {
			delivered++
		}
	}

	r.logger.Debug().
		Int64("picture_id", pictureID).
		Str("type", string(msg.Type)).
		Int("sent_to", delivered).
		Msg("broadcast")
	return delivered, nil
}

// SendTo delivers msg to a single session.
func (r *Router) SendTo(conn interfaces.Connection, msg *types.OutboundMessage) error {
	if conn == nil || !conn.IsOpen() {
		return ErrSessionClosed
	}
	data, err := types.EncodeOutbound(msg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEncodeFailed, err)
	}
	if !r.deliver(conn, data) {
		return ErrDeliveryFailed
	}
	return nil
}

// deliver hands data to the session. A session that cannot accept a frame is
// closed; its read loop then runs the close transition.
func (r *Router) deliver(conn interfaces.Connection, data []byte) bool {
	err := conn.Send(data)
	if err == nil {
		r.delivered.Add(1)
		return true
	}

	r.failed.Add(1)
	logger := r.logger.With().Str("connection", conn.GetID()).Logger()
	if user := conn.GetUser(); user != nil {
		logger = logger.With().Int64("user_id", user.ID).Logger()
	}

	if conn.IsOpen() {
		r.evicted.Add(1)
		logger.Warn().Err(err).Msg("evicting session that cannot keep up")
		if cerr := conn.Close(); cerr != nil {
			logger.Debug().Err(cerr).Msg("close after failed send")
		}
	}
	return false
}

// Stats returns delivery counters.
func (r *Router) Stats() Stats {
	return Stats{
		Delivered: r.delivered.Load(),
		Failed:    r.failed.Load(),
		Evicted:   r.evicted.Load(),
	}
}
