// Package api serves the read-only operations endpoints: health and the
// live view of edit rooms.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"piccollab/internal/hub"
	"piccollab/internal/logging"
	"piccollab/internal/router"
	"piccollab/internal/websocket"
	"piccollab/pkg/types"
)

const healthTimeout = 5 * time.Second

// HealthChecker is the database probe.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// RoomLister is the part of the room registry the API reads.
type RoomLister interface {
	Rooms() []websocket.RoomInfo
	Room(pictureID int64) (websocket.RoomInfo, bool)
	Stats() websocket.RegistryStats
}

// EditorLookup reports who holds the edit lock of each room.
type EditorLookup interface {
	CurrentEditor(pictureID int64) (int64, bool)
	Snapshot() map[int64]int64
}

// Deps are the components the server reports on. Queue, Broadcast and
// Endpoint are optional.
type Deps struct {
	Database  HealthChecker
	Rooms     RoomLister
	Locks     EditorLookup
	Queue     interface{ Stats() hub.Stats }
	Broadcast interface{ Stats() router.Stats }
	Endpoint  interface{ ActiveConnections() int }
}

type Server struct {
	deps    Deps
	mux     *http.ServeMux
	started time.Time
	logger  zerolog.Logger
}

func NewServer(deps Deps, logger zerolog.Logger) *Server {
	s := &Server{
		deps:    deps,
		mux:     http.NewServeMux(),
		started: time.Now(),
		logger:  logging.Module(logger, "api"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.Handle("GET /health", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.healthCheck))))
	s.mux.Handle("GET /api/rooms", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.listRooms))))
	s.mux.Handle("GET /api/rooms/{pictureId}", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.getRoom))))
	s.mux.Handle("OPTIONS /api/", s.corsMiddleware(http.NotFoundHandler()))
}

// Handle mounts an extra handler, such as the edit endpoint, on the same mux.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// RoomView is a room as reported by the API.
type RoomView struct {
	PictureID int64    `json:"pictureId,string"`
	Members   int      `json:"members"`
	UserIDs   []string `json:"userIds"`
	EditorID  *int64   `json:"editorId,string,omitempty"`
}

type ListRoomsResponse struct {
	Rooms []RoomView `json:"rooms"`
}

type HealthResponse struct {
	Status      string                  `json:"status"`
	Timestamp   time.Time               `json:"timestamp"`
	Uptime      string                  `json:"uptime"`
	Database    string                  `json:"database"`
	Rooms       websocket.RegistryStats `json:"rooms"`
	EditLocks   int                     `json:"editLocks"`
	Connections int                     `json:"connections"`
	Queue       *hub.Stats              `json:"queue,omitempty"`
	Broadcast   *router.Stats           `json:"broadcast,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// GET /health. Responds 503 when the database probe fails.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"
	if err := s.deps.Database.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		dbStatus = "error: " + err.Error()
		s.logger.Warn().Err(err).Msg("health check failed")
	}

	rooms := s.deps.Rooms.Stats()
	response := HealthResponse{
		Status:      status,
		Timestamp:   time.Now(),
		Uptime:      time.Since(s.started).Round(time.Second).String(),
		Database:    dbStatus,
		Rooms:       rooms,
		Connections: rooms.Connections,
		EditLocks:   len(s.deps.Locks.Snapshot()),
	}
	if s.deps.Endpoint != nil {
		response.Connections = s.deps.Endpoint.ActiveConnections()
	}
	if s.deps.Queue != nil {
		response.Queue = lo.ToPtr(s.deps.Queue.Stats())
	}
	if s.deps.Broadcast != nil {
		response.Broadcast = lo.ToPtr(s.deps.Broadcast.Stats())
	}

	if status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(response)
}

// GET /api/rooms
func (s *Server) listRooms(w http.ResponseWriter, r *http.Request) {
	rooms := lo.Map(s.deps.Rooms.Rooms(), func(info websocket.RoomInfo, _ int) RoomView {
		return s.view(info)
	})
	json.NewEncoder(w).Encode(ListRoomsResponse{Rooms: rooms})
}

// GET /api/rooms/{pictureId}
func (s *Server) getRoom(w http.ResponseWriter, r *http.Request) {
	pictureID, err := types.ParsePictureID(r.PathValue("pictureId"))
	if err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	info, ok := s.deps.Rooms.Room(pictureID)
	if !ok {
		s.sendError(w, "Room not found", http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(s.view(info))
}

func (s *Server) view(info websocket.RoomInfo) RoomView {
	v := RoomView{PictureID: info.PictureID, Members: info.Members, UserIDs: info.UserIDs}
	if editor, ok := s.deps.Locks.CurrentEditor(info.PictureID); ok {
		v.EditorID = &editor
	}
	return v
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// ListenAndServe runs srv until ctx is done, then shuts it down within
// shutdownTimeout.
func ListenAndServe(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
