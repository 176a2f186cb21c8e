package websocket

import (
	"sort"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"piccollab/internal/logging"
	"piccollab/pkg/interfaces"
)

const DefaultShards = 32

// Registry tracks which sessions are in which picture room. Rooms are spread
// over shards by picture id; each shard has its own lock.
type Registry struct {
	shards []*shard
	logger zerolog.Logger
}

type shard struct {
	mu    sync.RWMutex
	rooms map[int64]map[string]interfaces.Connection // pictureID -> connection id -> session
}

// RoomInfo summarizes one room.
type RoomInfo struct {
	PictureID int64    `json:"pictureId,string"`
	Members   int      `json:"members"`
	UserIDs   []string `json:"userIds"`
}

// RegistryStats is returned by Stats.
type RegistryStats struct {
	Rooms       int `json:"rooms"`
	Connections int `json:"connections"`
}

// NewRegistry creates a registry with n shards (DefaultShards when n <= 0).
func NewRegistry(n int, logger zerolog.Logger) *Registry {
	if n <= 0 {
		n = DefaultShards
	}
	r := &Registry{
		shards: make([]*shard, n),
		logger: logging.Module(logger, "registry"),
	}
	for i := range r.shards {
		r.shards[i] = &shard{rooms: make(map[int64]map[string]interfaces.Connection)}
	}
	return r
}

func (r *Registry) shardFor(pictureID int64) *shard {
	return r.shards[uint64(pictureID)%uint64(len(r.shards))]
}

// Join adds conn to the picture's room, creating the room on first join.
func (r *Registry) Join(pictureID int64, conn interfaces.Connection) error {
	if conn == nil {
		return ErrNilConnection
	}

	s := r.shardFor(pictureID)
	s.mu.Lock()
	room, ok := s.rooms[pictureID]
	if !ok {
		room = make(map[string]interfaces.Connection)
		s.rooms[pictureID] = room
	}
	room[conn.GetID()] = conn
	members := len(room)
	s.mu.Unlock()

	r.logger.Debug().
		Int64("picture_id", pictureID).
		Str("connection", conn.GetID()).
		Int("members", members).
		Msg("session joined room")
	return nil
}

// Leave removes conn from the room and returns how many sessions remain.
// Only the exact instance that joined is removed; the room is dropped when empty.
func (r *Registry) Leave(pictureID int64, conn interfaces.Connection) int {
	if conn == nil {
		return r.RoomSize(pictureID)
	}

	s := r.shardFor(pictureID)
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[pictureID]
	if !ok {
		return 0
	}
	if current, ok := room[conn.GetID()]; ok && current == conn {
		delete(room, conn.GetID())
	}
	remaining := len(room)
	if remaining == 0 {
		delete(s.rooms, pictureID)
	}

	r.logger.Debug().
		Int64("picture_id", pictureID).
		Str("connection", conn.GetID()).
		Int("members", remaining).
		Msg("session left room")
	return remaining
}

// Sessions returns a snapshot of the room's sessions.
func (r *Registry) Sessions(pictureID int64) []interfaces.Connection {
	s := r.shardFor(pictureID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.Values(s.rooms[pictureID])
}

// Contains reports whether this exact session is in the room.
func (r *Registry) Contains(pictureID int64, conn interfaces.Connection) bool {
	if conn == nil {
		return false
	}
	s := r.shardFor(pictureID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	current, ok := s.rooms[pictureID][conn.GetID()]
	return ok && current == conn
}

// RoomSize is the number of sessions in the room.
func (r *Registry) RoomSize(pictureID int64) int {
	s := r.shardFor(pictureID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms[pictureID])
}

// Room describes one room, or false if nobody is in it.
func (r *Registry) Room(pictureID int64) (RoomInfo, bool) {
	s := r.shardFor(pictureID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[pictureID]
	if !ok {
		return RoomInfo{}, false
	}
	return describe(pictureID, room), true
}

// Rooms describes every active room ordered by picture id.
func (r *Registry) Rooms() []RoomInfo {
	var out []RoomInfo
	for _, s := range r.shards {
		s.mu.RLock()
		for id, room := range s.rooms {
			out = append(out, describe(id, room))
		}
		s.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PictureID < out[j].PictureID })
	return out
}

// Stats counts rooms and sessions across all shards.
func (r *Registry) Stats() RegistryStats {
	var stats RegistryStats
	for _, s := range r.shards {
		s.mu.RLock()
		stats.Rooms += len(s.rooms)
		for _, room := range s.rooms {
			stats.Connections += len(room)
		}
		s.mu.RUnlock()
	}
	return stats
}

func describe(pictureID int64, room map[string]interfaces.Connection) RoomInfo {
	userIDs := lo.Uniq(lo.FilterMap(lo.Values(room), func(c interfaces.Connection, _ int) (string, bool) {
		if c.GetUser() == nil {
			return "", false
		}
		return strconv.FormatInt(c.GetUser().ID, 10), true
	}))
	sort.Strings(userIDs)
	return RoomInfo{PictureID: pictureID, Members: len(room), UserIDs: userIDs}
}
