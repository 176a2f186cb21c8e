// Package session implements the per-picture editing state machine: room
// membership on open and close, and the ENTER/EXIT/EDIT/SAVE transitions
// driven by events drained from the ingestion queue.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"piccollab/internal/hub"
	"piccollab/internal/logging"
	"piccollab/pkg/interfaces"
	"piccollab/pkg/types"
)

// Rooms is the membership registry.
type Rooms interface {
	Join(pictureID int64, conn interfaces.Connection) error
	Leave(pictureID int64, conn interfaces.Connection) int
	Contains(pictureID int64, conn interfaces.Connection) bool
}

// Locks is the per-picture edit lock table.
type Locks interface {
	TryAcquire(pictureID, userID int64) bool
	Release(pictureID, userID int64) bool
	CurrentEditor(pictureID int64) (int64, bool)
}

// Broadcaster delivers server messages.
type Broadcaster interface {
	BroadcastToRoom(pictureID int64, msg *types.OutboundMessage, exclude interfaces.Connection) (int, error)
	SendTo(conn interfaces.Connection, msg *types.OutboundMessage) error
}

// Publisher is the ingestion queue.
type Publisher interface {
	Publish(ev *hub.Event) error
}

// Deps are the collaborators of a Manager. Limiter may be nil.
type Deps struct {
	Rooms       Rooms
	Locks       Locks
	Broadcaster Broadcaster
	Users       interfaces.UserDirectory
	Queue       Publisher
	Limiter     *RateLimiter
}

// Notes sent to clients.
const (
	noteJoined      = "%s joined the editing session"
	noteEditing     = "%s is editing"
	noteEnterEdit   = "%s started editing"
	noteEditAction  = "%s performed %s"
	noteExitEdit    = "%s stopped editing"
	noteSaveEdit    = "%s saved the edits"
	noteLeft        = "%s left"
	noteUnknownType = "unrecognized message type"
	noteMalformed   = "malformed message"
	noteRateLimited = "too many messages, slow down"
)

const lookupTimeout = 5 * time.Second

// Manager is the session handler for the picture edit endpoint. It
// implements interfaces.SessionHandler for the connection side and
// hub.Processor for the worker side.
type Manager struct {
	rooms       Rooms
	locks       Locks
	broadcaster Broadcaster
	users       interfaces.UserDirectory
	queue       Publisher
	limiter     *RateLimiter
	logger      zerolog.Logger
}

var (
	_ interfaces.SessionHandler = (*Manager)(nil)
	_ hub.Processor             = (*Manager)(nil)
)

func NewManager(deps Deps, logger zerolog.Logger) (*Manager, error) {
	if deps.Rooms == nil || deps.Locks == nil || deps.Broadcaster == nil {
		return nil, ErrMissingRegistry
	}
	if deps.Queue == nil {
		return nil, ErrMissingQueue
	}
	return &Manager{
		rooms:       deps.Rooms,
		locks:       deps.Locks,
		broadcaster: deps.Broadcaster,
		users:       deps.Users,
		queue:       deps.Queue,
		limiter:     deps.Limiter,
		logger:      logging.Module(logger, "session"),
	}, nil
}

// Open admits conn to its picture room, announces it to the room and, if
// someone is editing, tells the newcomer who.
func (m *Manager) Open(conn interfaces.Connection) error {
	user := conn.GetUser()
	if user == nil {
		return interfaces.ErrIdentityRequired
	}
	pictureID := conn.GetPictureID()

	if err := m.rooms.Join(pictureID, conn); err != nil {
		return fmt.Errorf("join room %d: %w", pictureID, err)
	}

	m.logger.Info().
		Int64("picture_id", pictureID).
		Int64("user_id", user.ID).
		Str("connection", conn.GetID()).
		Msg("session opened")

	m.broadcast(pictureID, &types.OutboundMessage{
		Type:    types.MessageTypeInfo,
		Message: fmt.Sprintf(noteJoined, user.DisplayName()),
		User:    user.View(),
	}, nil)

	if editorID, ok := m.locks.CurrentEditor(pictureID); ok {
		editor := m.editorView(editorID)
		if err := m.broadcaster.SendTo(conn, &types.OutboundMessage{
			Type:    types.MessageTypeInitState,
			Message: fmt.Sprintf(noteEditing, editorName(editor)),
			User:    editor,
		}); err != nil {
			m.logger.Debug().Err(err).Str("connection", conn.GetID()).Msg("init state not delivered")
		}
	}
	return nil
}

// Receive applies the inbound rate limit and queues the frame for a worker.
func (m *Manager) Receive(conn interfaces.Connection, payload []byte) error {
	user := conn.GetUser()
	if user == nil {
		return interfaces.ErrIdentityRequired
	}

	if !m.limiter.Allow(user.ID) {
		m.reply(conn, types.MessageTypeError, noteRateLimited)
		return ErrRateLimited
	}

	err := m.queue.Publish(&hub.Event{
		Payload:    payload,
		Session:    conn,
		User:       user,
		PictureID:  conn.GetPictureID(),
		ReceivedAt: time.Now(),
	})
	if err != nil {
		m.logger.Warn().
			Err(err).
			Int64("picture_id", conn.GetPictureID()).
			Int64("user_id", user.ID).
			Msg("inbound event dropped")
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Close runs the disconnect transition on the caller's goroutine: leave the
// room, then release the lock, then tell the remaining members.
func (m *Manager) Close(conn interfaces.Connection) {
	user := conn.GetUser()
	pictureID := conn.GetPictureID()

	remaining := m.rooms.Leave(pictureID, conn)
	if user == nil {
		return
	}

	if m.locks.Release(pictureID, user.ID) {
		m.broadcast(pictureID, &types.OutboundMessage{
			Type:    types.MessageTypeExitEdit,
			Message: fmt.Sprintf(noteExitEdit, user.DisplayName()),
			User:    user.View(),
		}, nil)
	}

	if remaining > 0 {
		m.broadcast(pictureID, &types.OutboundMessage{
			Type:    types.MessageTypeInfo,
			Message: fmt.Sprintf(noteLeft, user.DisplayName()),
			User:    user.View(),
		}, nil)
	}

	m.logger.Info().
		Int64("picture_id", pictureID).
		Int64("user_id", user.ID).
		Str("connection", conn.GetID()).
		Int("remaining", remaining).
		Msg("session closed")
}

// Process decodes one queued frame and applies its transition.
func (m *Manager) Process(ctx context.Context, ev *hub.Event) {
	msg, err := types.DecodeInbound(ev.Payload)
	if err != nil {
		note := noteMalformed
		if errors.Is(err, types.ErrUnknownMessageType) {
			note = noteUnknownType
		}
		m.logger.Debug().
			Err(err).
			Int64("picture_id", ev.PictureID).
			Str("connection", ev.Session.GetID()).
			Msg("rejected inbound message")
		m.reply(ev.Session, types.MessageTypeError, note)
		return
	}

	switch msg.Type {
	case types.MessageTypeEnterEdit:
		m.enterEdit(ev)
	case types.MessageTypeEditAction:
		m.editAction(ev, msg.EditAction)
	case types.MessageTypeExitEdit:
		m.exitEdit(ev)
	case types.MessageTypeSaveEdit:
		m.saveEdit(ev)
	}
}

func (m *Manager) enterEdit(ev *hub.Event) {
	if editor, ok := m.locks.CurrentEditor(ev.PictureID); ok {
		m.logger.Debug().
			Int64("picture_id", ev.PictureID).
			Int64("user_id", ev.User.ID).
			Int64("editor_id", editor).
			Msg("enter edit ignored, picture already being edited")
		return
	}
	if !m.locks.TryAcquire(ev.PictureID, ev.User.ID) {
		return
	}

	// The session may have closed while this event sat in the queue; its close
	// transition already ran, so the lock it just took would never be freed.
	if !m.rooms.Contains(ev.PictureID, ev.Session) {
		m.locks.Release(ev.PictureID, ev.User.ID)
		m.logger.Debug().
			Int64("picture_id", ev.PictureID).
			Str("connection", ev.Session.GetID()).
			Msg("rolled back lock of closed session")
		return
	}

	m.broadcast(ev.PictureID, &types.OutboundMessage{
		Type:    types.MessageTypeEnterEdit,
		Message: fmt.Sprintf(noteEnterEdit, ev.User.DisplayName()),
		User:    ev.User.View(),
	}, nil)
}

func (m *Manager) editAction(ev *hub.Event, action types.EditAction) {
	if !m.isEditor(ev) {
		m.logger.Debug().
			Int64("picture_id", ev.PictureID).
			Int64("user_id", ev.User.ID).
			Msg("edit action from non-editor ignored")
		return
	}
	if !types.IsKnownEditAction(action) {
		m.logger.Info().
			Int64("picture_id", ev.PictureID).
			Str("edit_action", string(action)).
			Msg("unknown edit action ignored")
		return
	}

	m.broadcast(ev.PictureID, &types.OutboundMessage{
		Type:       types.MessageTypeEditAction,
		Message:    fmt.Sprintf(noteEditAction, ev.User.DisplayName(), action.Label()),
		EditAction: action,
		User:       ev.User.View(),
	}, ev.Session)
}

func (m *Manager) exitEdit(ev *hub.Event) {
	if !m.locks.Release(ev.PictureID, ev.User.ID) {
		return
	}
	m.broadcast(ev.PictureID, &types.OutboundMessage{
		Type:    types.MessageTypeExitEdit,
		Message: fmt.Sprintf(noteExitEdit, ev.User.DisplayName()),
		User:    ev.User.View(),
	}, nil)
}

func (m *Manager) saveEdit(ev *hub.Event) {
	if !m.locks.Release(ev.PictureID, ev.User.ID) {
		return
	}
	m.broadcast(ev.PictureID, &types.OutboundMessage{
		Type:    types.MessageTypeSaveEdit,
		Message: fmt.Sprintf(noteSaveEdit, ev.User.DisplayName()),
		User:    ev.User.View(),
	}, ev.Session)
}

func (m *Manager) isEditor(ev *hub.Event) bool {
	editor, ok := m.locks.CurrentEditor(ev.PictureID)
	return ok && editor == ev.User.ID
}

func (m *Manager) broadcast(pictureID int64, msg *types.OutboundMessage, exclude interfaces.Connection) {
	if _, err := m.broadcaster.BroadcastToRoom(pictureID, msg, exclude); err != nil {
		m.logger.Error().Err(err).Int64("picture_id", pictureID).Str("type", string(msg.Type)).Msg("broadcast failed")
	}
}

func (m *Manager) reply(conn interfaces.Connection, t types.MessageType, note string) {
	msg := &types.OutboundMessage{Type: t, Message: note, User: conn.GetUser().View()}
	if err := m.broadcaster.SendTo(conn, msg); err != nil {
		m.logger.Debug().Err(err).Str("connection", conn.GetID()).Msg("reply not delivered")
	}
}

// editorView resolves the editor's projection; a failed lookup still yields
// the id so clients can show something.
func (m *Manager) editorView(userID int64) *types.UserView {
	if m.users == nil {
		return &types.UserView{ID: userID}
	}
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()

	view, err := m.users.GetUserView(ctx, userID)
	if err != nil || view == nil {
		m.logger.Warn().Err(err).Int64("user_id", userID).Msg("editor lookup failed")
		return &types.UserView{ID: userID}
	}
	return view
}

func editorName(v *types.UserView) string {
	switch {
	case v.Name != "":
		return v.Name
	case v.Account != "":
		return v.Account
	default:
		return fmt.Sprintf("user %d", v.ID)
	}
}
