package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"piccollab/internal/editlock"
	"piccollab/internal/hub"
	"piccollab/internal/router"
	"piccollab/internal/websocket"
	"piccollab/pkg/interfaces"
	"piccollab/pkg/types"
)

type fakeConn struct {
	id        string
	user      *types.User
	pictureID int64

	mu     sync.Mutex
	frames []types.OutboundMessage
	closed bool
}

func (c *fakeConn) GetID() string        { return c.id }
func (c *fakeConn) GetUser() *types.User { return c.user }
func (c *fakeConn) GetPictureID() int64  { return c.pictureID }

func (c *fakeConn) Send(data []byte) error {
	var msg types.OutboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, msg)
	return nil
}

func (c *fakeConn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// drain returns and forgets everything received so far.
func (c *fakeConn) drain() []types.OutboundMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.frames
	c.frames = nil
	return out
}

func typesOf(msgs []types.OutboundMessage) []types.MessageType {
	out := make([]types.MessageType, len(msgs))
	for i, m := range msgs {
		out[i] = m.Type
	}
	return out
}

// inlineQueue processes every event on the publishing goroutine.
type inlineQueue struct {
	processor hub.Processor
	err       error
}

func (q *inlineQueue) Publish(ev *hub.Event) error {
	if q.err != nil {
		return q.err
	}
	q.processor.Process(context.Background(), ev)
	return nil
}

type staticUsers map[int64]*types.User

func (u staticUsers) GetUserView(ctx context.Context, userID int64) (*types.UserView, error) {
	user, ok := u[userID]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return user.View(), nil
}

type fixture struct {
	manager  *Manager
	registry *websocket.Registry
	locks    *editlock.Table
	queue    *inlineQueue
	users    staticUsers
}

func newFixture(t *testing.T, limiter *RateLimiter) *fixture {
	t.Helper()
	registry := websocket.NewRegistry(4, zerolog.Nop())
	locks := editlock.New()
	queue := &inlineQueue{}
	users := staticUsers{}

	m, err := NewManager(Deps{
		Rooms:       registry,
		Locks:       locks,
		Broadcaster: router.NewRouter(registry, zerolog.Nop()),
		Users:       users,
		Queue:       queue,
		Limiter:     limiter,
	}, zerolog.Nop())
	require.NoError(t, err)
	queue.processor = m

	return &fixture{manager: m, registry: registry, locks: locks, queue: queue, users: users}
}

func (f *fixture) connect(t *testing.T, id string, userID, pictureID int64) *fakeConn {
	t.Helper()
	user := &types.User{ID: userID, Account: id + "_acct", Name: id}
	f.users[userID] = user
	conn := &fakeConn{id: id, user: user, pictureID: pictureID}
	require.NoError(t, f.manager.Open(conn))
	return conn
}

func (f *fixture) send(t *testing.T, conn *fakeConn, payload string) {
	t.Helper()
	require.NoError(t, f.manager.Receive(conn, []byte(payload)))
}

func TestManager_NewManagerRequiresDeps(t *testing.T) {
	_, err := NewManager(Deps{}, zerolog.Nop())
	require.ErrorIs(t, err, ErrMissingRegistry)

	registry := websocket.NewRegistry(1, zerolog.Nop())
	_, err = NewManager(Deps{
		Rooms:       registry,
		Locks:       editlock.New(),
		Broadcaster: router.NewRouter(registry, zerolog.Nop()),
	}, zerolog.Nop())
	require.ErrorIs(t, err, ErrMissingQueue)
}

func TestManager_RoomSevenScenario(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, nil)

	// A opens on an empty room: joined note only, no INIT_STATE
	a := f.connect(t, "A", 1, 7)
	req.Equal([]types.MessageType{types.MessageTypeInfo}, typesOf(a.drain()))

	// A enters edit: the whole room (just A) hears ENTER_EDIT
	f.send(t, a, `{"type":"ENTER_EDIT"}`)
	msgs := a.drain()
	req.Equal([]types.MessageType{types.MessageTypeEnterEdit}, typesOf(msgs))
	req.Equal(int64(1), msgs[0].User.ID)

	// B opens: both hear INFO "B joined", B alone gets INIT_STATE naming A
	b := f.connect(t, "B", 2, 7)
	aMsgs := a.drain()
	req.Equal([]types.MessageType{types.MessageTypeInfo}, typesOf(aMsgs))
	req.Contains(aMsgs[0].Message, "B joined")
	bMsgs := b.drain()
	req.Equal([]types.MessageType{types.MessageTypeInfo, types.MessageTypeInitState}, typesOf(bMsgs))
	req.Equal(int64(1), bMsgs[1].User.ID)
	req.Equal("A", bMsgs[1].User.Name)

	// B tries to enter edit: ignored, A keeps the lock
	f.send(t, b, `{"type":"ENTER_EDIT"}`)
	req.Empty(a.drain())
	req.Empty(b.drain())
	editor, ok := f.locks.CurrentEditor(7)
	req.True(ok)
	req.Equal(int64(1), editor)

	// A saves: B hears SAVE_EDIT, A does not, lock is free
	f.send(t, a, `{"type":"SAVE_EDIT"}`)
	req.Empty(a.drain())
	req.Equal([]types.MessageType{types.MessageTypeSaveEdit}, typesOf(b.drain()))
	_, ok = f.locks.CurrentEditor(7)
	req.False(ok)

	// B enters edit: succeeds, both hear ENTER_EDIT
	f.send(t, b, `{"type":"ENTER_EDIT"}`)
	aMsgs, bMsgs = a.drain(), b.drain()
	req.Equal([]types.MessageType{types.MessageTypeEnterEdit}, typesOf(aMsgs))
	req.Equal([]types.MessageType{types.MessageTypeEnterEdit}, typesOf(bMsgs))
	req.Equal(int64(2), aMsgs[0].User.ID)
}

func TestManager_EditActionNeverEchoedToSender(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, nil)
	a := f.connect(t, "A", 1, 7)
	b := f.connect(t, "B", 2, 7)
	c := f.connect(t, "C", 3, 7)
	f.send(t, a, `{"type":"ENTER_EDIT"}`)
	a.drain()
	b.drain()
	c.drain()

	f.send(t, a, `{"type":"EDIT_ACTION","editAction":"ROTATE_LEFT"}`)

	req.Empty(a.drain())
	for _, conn := range []*fakeConn{b, c} {
		msgs := conn.drain()
		req.Len(msgs, 1)
		req.Equal(types.MessageTypeEditAction, msgs[0].Type)
		req.Equal(types.EditActionRotateLeft, msgs[0].EditAction)
		req.Equal("A performed rotate left", msgs[0].Message)
	}
}

func TestManager_EditActionIgnoredWhenNotAllowed(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, nil)
	a := f.connect(t, "A", 1, 7)
	b := f.connect(t, "B", 2, 7)

	a.drain()
	b.drain()

	// nobody is editing
	f.send(t, b, `{"type":"EDIT_ACTION","editAction":"ZOOM_IN"}`)
	req.Empty(a.drain())
	req.Empty(b.drain())

	// A is editing; B is not the editor
	f.send(t, a, `{"type":"ENTER_EDIT"}`)
	a.drain()
	b.drain()
	f.send(t, b, `{"type":"EDIT_ACTION","editAction":"ZOOM_IN"}`)
	req.Empty(a.drain())
	req.Empty(b.drain())

	// the editor sends an unknown code
	f.send(t, a, `{"type":"EDIT_ACTION","editAction":"FLIP"}`)
	req.Empty(a.drain())
	req.Empty(b.drain())
}

func TestManager_ExitEdit(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, nil)
	a := f.connect(t, "A", 1, 7)
	b := f.connect(t, "B", 2, 7)
	f.send(t, a, `{"type":"ENTER_EDIT"}`)
	a.drain()
	b.drain()

	// a non-holder exit does nothing
	f.send(t, b, `{"type":"EXIT_EDIT"}`)
	req.Empty(a.drain())
	req.True(f.locks.IsEditor(7, 1))

	// the holder's exit is broadcast to everyone
	f.send(t, a, `{"type":"EXIT_EDIT"}`)
	req.Equal([]types.MessageType{types.MessageTypeExitEdit}, typesOf(a.drain()))
	req.Equal([]types.MessageType{types.MessageTypeExitEdit}, typesOf(b.drain()))
	_, ok := f.locks.CurrentEditor(7)
	req.False(ok)
}

func TestManager_SaveEditByNonEditorIsIgnored(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, nil)
	a := f.connect(t, "A", 1, 7)
	b := f.connect(t, "B", 2, 7)
	f.send(t, a, `{"type":"ENTER_EDIT"}`)
	a.drain()
	b.drain()

	f.send(t, b, `{"type":"SAVE_EDIT"}`)

	req.True(f.locks.IsEditor(7, 1))
	req.Empty(a.drain())
	req.Empty(b.drain())
}

func TestManager_ProtocolErrorsGoToSenderOnly(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		note    string
	}{
		{"unknown type", `{"type":"DELETE_PICTURE"}`, noteUnknownType},
		{"server only type", `{"type":"INFO"}`, noteUnknownType},
		{"not json", `hello`, noteMalformed},
		{"edit action without code", `{"type":"EDIT_ACTION"}`, noteMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := require.New(t)
			f := newFixture(t, nil)
			a := f.connect(t, "A", 1, 7)
			b := f.connect(t, "B", 2, 7)
			a.drain()
			b.drain()

			f.send(t, a, tt.payload)

			msgs := a.drain()
			req.Len(msgs, 1)
			req.Equal(types.MessageTypeError, msgs[0].Type)
			req.Equal(tt.note, msgs[0].Message)
			req.NotNil(msgs[0].User)
			req.Equal(int64(1), msgs[0].User.ID)
			req.Empty(b.drain())
		})
	}
}

func TestManager_EditorDisconnectFreesLock(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, nil)
	a := f.connect(t, "A", 1, 7)
	b := f.connect(t, "B", 2, 7)
	f.send(t, a, `{"type":"ENTER_EDIT"}`)
	a.drain()
	b.drain()

	f.manager.Close(a)

	msgs := b.drain()
	req.Equal([]types.MessageType{types.MessageTypeExitEdit, types.MessageTypeInfo}, typesOf(msgs))
	req.Equal("A left", msgs[1].Message)
	req.Empty(a.drain())
	req.False(f.registry.Contains(7, a))

	f.send(t, b, `{"type":"ENTER_EDIT"}`)
	req.True(f.locks.IsEditor(7, 2))
}

func TestManager_LastMemberLeavingDropsRoom(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, nil)
	a := f.connect(t, "A", 1, 7)

	f.manager.Close(a)

	_, ok := f.registry.Room(7)
	req.False(ok)
	req.Equal(websocket.RegistryStats{}, f.registry.Stats())
}

func TestManager_InitStateFallsBackToEditorID(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, nil)

	// the editor's profile is gone from the directory
	req.True(f.locks.TryAcquire(7, 99))
	b := f.connect(t, "B", 2, 7)

	msgs := b.drain()
	req.Equal([]types.MessageType{types.MessageTypeInfo, types.MessageTypeInitState}, typesOf(msgs))
	req.Equal(int64(99), msgs[1].User.ID)
	req.Equal("user 99 is editing", msgs[1].Message)
}

func TestManager_EnterEditAfterCloseIsRolledBack(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, nil)
	a := f.connect(t, "A", 1, 7)
	b := f.connect(t, "B", 2, 7)

	// A's close transition runs before its queued ENTER_EDIT is processed
	f.manager.Close(a)
	b.drain()
	f.manager.Process(context.Background(), &hub.Event{
		Payload:   []byte(`{"type":"ENTER_EDIT"}`),
		Session:   a,
		User:      a.user,
		PictureID: 7,
	})

	_, ok := f.locks.CurrentEditor(7)
	req.False(ok)
	req.Empty(b.drain())
}

// interleavingLocks runs onCheck right after the first CurrentEditor lookup,
// between the check and the acquire of an ENTER_EDIT transition.
type interleavingLocks struct {
	*editlock.Table
	onCheck func()
}

func (l *interleavingLocks) CurrentEditor(pictureID int64) (int64, bool) {
	editor, ok := l.Table.CurrentEditor(pictureID)
	if l.onCheck != nil {
		hook := l.onCheck
		l.onCheck = nil
		hook()
	}
	return editor, ok
}

func TestManager_StaleEnterEditKeepsLiveSessionLock(t *testing.T) {
	req := require.New(t)
	registry := websocket.NewRegistry(4, zerolog.Nop())
	table := editlock.New()
	locks := &interleavingLocks{Table: table}
	queue := &inlineQueue{}
	m, err := NewManager(Deps{
		Rooms:       registry,
		Locks:       locks,
		Broadcaster: router.NewRouter(registry, zerolog.Nop()),
		Queue:       queue,
	}, zerolog.Nop())
	req.NoError(err)
	queue.processor = m

	user := &types.User{ID: 1, Account: "alice", Name: "alice"}
	stale := &fakeConn{id: "A1", user: user, pictureID: 7}
	live := &fakeConn{id: "A2", user: user, pictureID: 7}
	b := &fakeConn{id: "B", user: &types.User{ID: 2, Account: "bobby", Name: "bob"}, pictureID: 7}
	for _, c := range []*fakeConn{stale, live, b} {
		req.NoError(m.Open(c))
	}
	m.Close(stale)
	live.drain()
	b.drain()

	// The same user's live session takes the lock while the stale session's
	// queued ENTER_EDIT sits between its check and its acquire.
	locks.onCheck = func() { req.True(table.TryAcquire(7, user.ID)) }
	m.Process(context.Background(), &hub.Event{
		Payload:   []byte(`{"type":"ENTER_EDIT"}`),
		Session:   stale,
		User:      user,
		PictureID: 7,
	})

	editor, ok := table.CurrentEditor(7)
	req.True(ok)
	req.Equal(user.ID, editor)
	req.Empty(b.drain())
	req.Empty(live.drain())
}

func TestManager_OpenRequiresIdentity(t *testing.T) {
	f := newFixture(t, nil)
	err := f.manager.Open(&fakeConn{id: "anon", pictureID: 7})
	require.ErrorIs(t, err, interfaces.ErrIdentityRequired)
	require.Zero(t, f.registry.RoomSize(7))

	err = f.manager.Receive(&fakeConn{id: "anon", pictureID: 7}, []byte(`{}`))
	require.ErrorIs(t, err, interfaces.ErrIdentityRequired)
}

func TestManager_RateLimit(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, NewRateLimiter(2, time.Minute))
	a := f.connect(t, "A", 1, 7)
	a.drain()

	f.send(t, a, `{"type":"EXIT_EDIT"}`)
	f.send(t, a, `{"type":"EXIT_EDIT"}`)
	err := f.manager.Receive(a, []byte(`{"type":"ENTER_EDIT"}`))
	req.ErrorIs(err, ErrRateLimited)

	msgs := a.drain()
	req.Equal([]types.MessageType{types.MessageTypeError}, typesOf(msgs))
	_, ok := f.locks.CurrentEditor(7)
	req.False(ok)
}

func TestManager_QueueFullDropsEvent(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, nil)
	a := f.connect(t, "A", 1, 7)
	a.drain()
	f.queue.err = hub.ErrQueueFull

	err := f.manager.Receive(a, []byte(`{"type":"ENTER_EDIT"}`))
	req.True(errors.Is(err, hub.ErrQueueFull))
	req.Empty(a.drain())
	_, ok := f.locks.CurrentEditor(7)
	req.False(ok)
}

func TestManager_ConcurrentEnterEditHasOneWinner(t *testing.T) {
	req := require.New(t)
	registry := websocket.NewRegistry(4, zerolog.Nop())
	locks := editlock.New()
	h, err := hub.New(hub.Config{Workers: 4, Capacity: 256, Dispatch: hub.DispatchShared}, zerolog.Nop())
	req.NoError(err)

	m, err := NewManager(Deps{
		Rooms:       registry,
		Locks:       locks,
		Broadcaster: router.NewRouter(registry, zerolog.Nop()),
		Users:       staticUsers{},
		Queue:       h,
	}, zerolog.Nop())
	req.NoError(err)
	req.NoError(h.Start(context.Background(), m))
	defer func() { _ = h.Stop() }()

	const n = 32
	conns := make([]*fakeConn, n)
	for i := range conns {
		conns[i] = &fakeConn{id: string(rune('a' + i)), user: &types.User{ID: int64(i + 1), Name: "u"}, pictureID: 7}
		req.NoError(m.Open(conns[i]))
	}
	for _, c := range conns {
		c.drain()
	}

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *fakeConn) {
			defer wg.Done()
			_ = m.Receive(c, []byte(`{"type":"ENTER_EDIT"}`))
		}(c)
	}
	wg.Wait()

	req.Eventually(func() bool { return h.Stats().Processed == n }, 2*time.Second, 10*time.Millisecond)

	// exactly one ENTER_EDIT reached each member
	editor, ok := locks.CurrentEditor(7)
	req.True(ok)
	for _, c := range conns {
		msgs := c.drain()
		req.Len(msgs, 1)
		req.Equal(types.MessageTypeEnterEdit, msgs[0].Type)
		req.Equal(editor, msgs[0].User.ID)
	}
}

func TestRateLimiter(t *testing.T) {
	req := require.New(t)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(3, time.Minute)
	rl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		req.True(rl.Allow(1))
	}
	req.False(rl.Allow(1))
	req.True(rl.Allow(2))

	now = now.Add(time.Minute)
	req.True(rl.Allow(1))

	now = now.Add(10 * time.Minute)
	req.Equal(2, rl.Cleanup())

	var disabled *RateLimiter
	req.True(disabled.Allow(1))
	req.True(NewRateLimiter(0, time.Minute).Allow(1))
}
