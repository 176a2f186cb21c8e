// Package app wires the components into a runnable server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"piccollab/internal/api"
	"piccollab/internal/config"
	"piccollab/internal/database"
	"piccollab/internal/editlock"
	"piccollab/internal/hub"
	"piccollab/internal/identity"
	"piccollab/internal/logging"
	"piccollab/internal/router"
	"piccollab/internal/session"
	"piccollab/internal/websocket"
)

// EditPath is where the collaborative edit socket is mounted.
const EditPath = "/ws/picture/edit"

// Application coordinates all system components.
type Application struct {
	config     *config.Config
	logger     zerolog.Logger
	dbManager  *database.Manager
	registry   *websocket.Registry
	locks      *editlock.Table
	router     *router.Router
	hub        *hub.Hub
	limiter    *session.RateLimiter
	sessions   *session.Manager
	wsHandler  *websocket.Handler
	apiServer  *api.Server
	httpServer *http.Server

	stopCleanup context.CancelFunc
	cleanupDone sync.WaitGroup
	stopOnce    sync.Once
}

// NewApplication builds every component in dependency order:
// Database → Registry/Locks → Router → Hub → Session → Identity → Handler → API.
func NewApplication(cfg *config.Config, logger zerolog.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// STEP 1: database and schema
	dbManager, err := database.NewManager(cfg.Store(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}
	applied, err := dbManager.Migrate()
	if err != nil {
		dbManager.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	logger.Info().Strs("applied", applied).Msg("database migrations applied")

	// STEP 2: room registry and edit locks
	registry := websocket.NewRegistry(websocket.DefaultShards, logger)
	locks := editlock.New()

	// STEP 3: broadcast engine
	messageRouter := router.NewRouter(registry, logger)

	// STEP 4: ingestion queue
	messageHub, err := hub.New(hub.Config{
		Workers:  cfg.Queue.Workers,
		Capacity: cfg.Queue.Capacity,
		Dispatch: cfg.Queue.Dispatch,
	}, logger)
	if err != nil {
		dbManager.Close()
		return nil, fmt.Errorf("failed to initialize message hub: %w", err)
	}

	// STEP 5: session handler
	limiter := session.NewRateLimiter(cfg.RateLimit.MessagesPerWindow, cfg.RateLimit.Window.Std())
	sessions, err := session.NewManager(session.Deps{
		Rooms:       registry,
		Locks:       locks,
		Broadcaster: messageRouter,
		Users:       dbManager,
		Queue:       messageHub,
		Limiter:     limiter,
	}, logger)
	if err != nil {
		dbManager.Close()
		return nil, fmt.Errorf("failed to initialize session manager: %w", err)
	}

	// STEP 6: handshake and edit endpoint
	resolver := identity.NewResolver(dbManager, cfg.Auth.CookieName, logger)
	wsHandler := websocket.NewHandler(resolver, sessions, websocket.Options{
		SendBuffer:     cfg.WebSocket.SendBuffer,
		PingInterval:   cfg.WebSocket.PingInterval.Std(),
		ReadTimeout:    cfg.WebSocket.ReadTimeout.Std(),
		WriteTimeout:   cfg.WebSocket.WriteTimeout.Std(),
		MaxMessageSize: cfg.WebSocket.MaxMessageSize,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	}, logger)

	// STEP 7: ops API, with the edit endpoint on the same mux
	apiServer := api.NewServer(api.Deps{
		Database:  dbManager,
		Rooms:     registry,
		Locks:     locks,
		Queue:     messageHub,
		Broadcast: messageRouter,
		Endpoint:  wsHandler,
	}, logger)
	apiServer.Handle(EditPath, wsHandler)

	httpServer := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout.Std(),
		WriteTimeout: cfg.HTTP.WriteTimeout.Std(),
	}

	return &Application{
		config:     cfg,
		logger:     logging.Module(logger, "app"),
		dbManager:  dbManager,
		registry:   registry,
		locks:      locks,
		router:     messageRouter,
		hub:        messageHub,
		limiter:    limiter,
		sessions:   sessions,
		wsHandler:  wsHandler,
		apiServer:  apiServer,
		httpServer: httpServer,
	}, nil
}

// Start launches the background components. It does not listen; use Run
// for that, or serve Handler yourself.
func (app *Application) Start(ctx context.Context) error {
	if err := app.hub.Start(ctx, app.sessions); err != nil {
		return fmt.Errorf("failed to start message hub: %w", err)
	}

	cleanupCtx, cancel := context.WithCancel(ctx)
	app.stopCleanup = cancel
	app.cleanupDone.Add(1)
	go func() {
		defer app.cleanupDone.Done()
		app.cleanupLoop(cleanupCtx)
	}()
	return nil
}

func (app *Application) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(app.limiter.Window())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := app.limiter.Cleanup(); removed > 0 {
				app.logger.Debug().Int("removed", removed).Msg("rate limiter cleaned up")
			}
		}
	}
}

// Run starts the application, serves HTTP until ctx is cancelled and then
// shuts everything down.
func (app *Application) Run(ctx context.Context) error {
	if err := app.Start(ctx); err != nil {
		return err
	}

	app.logger.Info().Str("addr", app.httpServer.Addr).Msg("piccollab listening")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return api.ListenAndServe(gctx, app.httpServer, app.config.HTTP.ShutdownTimeout.Std())
	})
	err := g.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), app.config.HTTP.ShutdownTimeout.Std())
	defer cancel()
	return errors.Join(err, app.Stop(stopCtx))
}

// Stop shuts down in reverse dependency order: HTTP → connections → Hub →
// Database. Every open connection runs its close transition first.
func (app *Application) Stop(ctx context.Context) error {
	var errs []error
	app.stopOnce.Do(func() {
		app.logger.Info().Msg("shutting down")

		// STEP 1: stop accepting new connections
		if err := app.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}

		// STEP 2: close edit sessions
		app.wsHandler.Shutdown()

		// STEP 3: stop message processing
		if app.stopCleanup != nil {
			app.stopCleanup()
			app.cleanupDone.Wait()
		}
		if err := app.hub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
			errs = append(errs, fmt.Errorf("hub shutdown: %w", err))
		}

		// STEP 4: close the database
		if err := app.dbManager.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database shutdown: %w", err))
		}

		app.logger.Info().Msg("shutdown complete")
	})
	return errors.Join(errs...)
}

// Handler is the root HTTP handler: ops API plus the edit endpoint.
func (app *Application) Handler() http.Handler {
	return app.apiServer
}

// Store exposes the database manager for administrative commands.
func (app *Application) Store() *database.Manager {
	return app.dbManager
}

func (app *Application) GetAddr() string {
	return app.httpServer.Addr
}
