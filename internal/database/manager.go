package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"piccollab/internal/logging"
	dbconfig "piccollab/pkg/database"
	"piccollab/pkg/interfaces"
	"piccollab/pkg/types"
)

// Manager is the SQLite store for users, spaces, pictures and access tokens.
// Reads run concurrently on the pool; writes go through one goroutine.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	logger       zerolog.Logger
	writeChannel chan writeOperation
	shutdown     chan struct{}
	loopDone     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database and starts the writer goroutine.
func NewManager(config *dbconfig.Config, logger zerolog.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	if dir := filepath.Dir(config.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := dbconfig.ApplyOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		logger:       logging.Module(logger, "database"),
		writeChannel: make(chan writeOperation, config.WriteBuffer),
		shutdown:     make(chan struct{}),
		loopDone:     make(chan struct{}),
	}

	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// Migrate applies pending migrations and validates the resulting schema.
func (m *Manager) Migrate() ([]string, error) {
	applied, err := dbconfig.NewMigrationManager(m.db).ApplyMigrations()
	if err != nil {
		return applied, err
	}
	if len(applied) > 0 {
		m.logger.Info().Strs("versions", applied).Msg("migrations applied")
	}
	if err := dbconfig.NewSchemaValidator(m.db).Validate(); err != nil {
		return applied, fmt.Errorf("schema validation failed: %w", err)
	}
	return applied, nil
}

func (m *Manager) writeLoop() {
	defer m.wg.Done()
	defer close(m.loopDone)

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(m.db)
			if err != nil && isRetryable(err) {
				m.logger.Warn().Err(err).Dur("retry_in", m.config.WriteRetryDelay).Msg("database write failed, retrying")
				time.Sleep(m.config.WriteRetryDelay)
				err = op.operation(m.db)
				if err != nil {
					m.logger.Error().Err(err).Msg("database write failed after retry")
				}
			}
			op.result <- err

		case <-m.shutdown:
			m.failPending()
			m.logger.Debug().Msg("write loop shutting down")
			return
		}
	}
}

// failPending answers every write still queued at shutdown.
func (m *Manager) failPending() {
	for {
		select {
		case op := <-m.writeChannel:
			op.result <- ErrManagerClosed
		default:
			return
		}
	}
}

// isRetryable reports lock contention; constraint violations fail immediately.
func isRetryable(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
}

func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return ErrManagerClosed
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.loopDone:
		// The writer is gone; a write that slipped in after the final drain
		// will never be answered.
		select {
		case err := <-result:
			return err
		default:
			return ErrManagerClosed
		}
	}
}

// CreateUser inserts a user. A zero ID lets SQLite assign one; the assigned
// ID is written back into u.
func (m *Manager) CreateUser(ctx context.Context, u *types.User) error {
	if err := u.Validate(); err != nil {
		return err
	}
	if u.Role == "" {
		u.Role = "user"
	}
	return m.executeWrite(ctx, func(db *sql.DB) error {
		var id any
		if u.ID != 0 {
			id = u.ID
		}
		res, err := db.ExecContext(ctx,
			`INSERT INTO users (id, account, name, avatar, profile, role) VALUES (?, ?, ?, ?, ?, ?)`,
			id, u.Account, u.Name, u.Avatar, u.Profile, u.Role,
		)
		if err != nil {
			if isConstraint(err) {
				return fmt.Errorf("%w: account %q", ErrDuplicate, u.Account)
			}
			return fmt.Errorf("failed to insert user: %w", err)
		}
		if u.ID == 0 {
			if u.ID, err = res.LastInsertId(); err != nil {
				return fmt.Errorf("failed to read user id: %w", err)
			}
		}
		return nil
	})
}

const userColumns = `u.id, u.account, u.name, u.avatar, u.profile, u.role, u.created_at`

func scanUser(row interface{ Scan(...any) error }) (*types.User, error) {
	var u types.User
	err := row.Scan(&u.ID, &u.Account, &u.Name, &u.Avatar, &u.Profile, &u.Role, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// GetUser loads a user by id.
func (m *Manager) GetUser(ctx context.Context, id int64) (*types.User, error) {
	u, err := scanUser(m.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users u WHERE u.id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("get user %d: %w", id, err)
	}
	return u, nil
}

// GetUserByAccount loads a user by account name.
func (m *Manager) GetUserByAccount(ctx context.Context, account string) (*types.User, error) {
	u, err := scanUser(m.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users u WHERE u.account = ?`, account))
	if err != nil {
		return nil, fmt.Errorf("get user %q: %w", account, err)
	}
	return u, nil
}

// GetUserView returns the display-safe projection of a user.
func (m *Manager) GetUserView(ctx context.Context, userID int64) (*types.UserView, error) {
	u, err := m.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return u.View(), nil
}

// IssueToken creates an access token for the user. A zero ttl never expires.
func (m *Manager) IssueToken(ctx context.Context, userID int64, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	var expires sql.NullTime
	if ttl > 0 {
		expires = sql.NullTime{Time: time.Now().UTC().Add(ttl), Valid: true}
	}

	err := m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO access_tokens (token, user_id, expires_at) VALUES (?, ?, ?)`,
			token, userID, expires,
		)
		if err != nil {
			if isConstraint(err) {
				return fmt.Errorf("user %d: %w", userID, interfaces.ErrNotFound)
			}
			return fmt.Errorf("failed to insert token: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// RevokeToken deletes an access token.
func (m *Manager) RevokeToken(ctx context.Context, token string) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `DELETE FROM access_tokens WHERE token = ?`, token)
		return err
	})
}

// GetUserByToken resolves an unexpired access token to its user.
func (m *Manager) GetUserByToken(ctx context.Context, token string) (*types.User, error) {
	var expires sql.NullTime
	var u types.User
	err := m.db.QueryRowContext(ctx,
		`SELECT `+userColumns+`, t.expires_at
		 FROM access_tokens t JOIN users u ON u.id = t.user_id
		 WHERE t.token = ?`, token,
	).Scan(&u.ID, &u.Account, &u.Name, &u.Avatar, &u.Profile, &u.Role, &u.CreatedAt, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to query token: %w", err)
	}
	if expires.Valid && time.Now().After(expires.Time) {
		return nil, ErrTokenExpired
	}
	return &u, nil
}

// CreateSpace inserts a space and writes the assigned id back.
func (m *Manager) CreateSpace(ctx context.Context, s *types.Space) error {
	if s.Type != types.SpaceTypePrivate && s.Type != types.SpaceTypeTeam {
		return fmt.Errorf("%w: space type %d", ErrInvalidValue, s.Type)
	}
	return m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`INSERT INTO spaces (name, type, owner_id) VALUES (?, ?, ?)`,
			s.Name, s.Type, s.OwnerID,
		)
		if err != nil {
			return fmt.Errorf("failed to insert space: %w", err)
		}
		s.ID, err = res.LastInsertId()
		return err
	})
}

// GetSpace loads a space by id.
func (m *Manager) GetSpace(ctx context.Context, id int64) (*types.Space, error) {
	var s types.Space
	err := m.db.QueryRowContext(ctx,
		`SELECT id, name, type, owner_id, created_at FROM spaces WHERE id = ?`, id,
	).Scan(&s.ID, &s.Name, &s.Type, &s.OwnerID, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("get space %d: %w", id, interfaces.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query space: %w", err)
	}
	return &s, nil
}

// SetSpaceRole grants or changes a member's role in a space.
func (m *Manager) SetSpaceRole(ctx context.Context, spaceID, userID int64, role string) error {
	if !types.IsValidSpaceRole(role) {
		return types.ErrInvalidSpaceRole
	}
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO space_users (space_id, user_id, role) VALUES (?, ?, ?)
			 ON CONFLICT (space_id, user_id) DO UPDATE SET role = excluded.role`,
			spaceID, userID, role,
		)
		if err != nil {
			if isConstraint(err) {
				return fmt.Errorf("space %d or user %d: %w", spaceID, userID, interfaces.ErrNotFound)
			}
			return fmt.Errorf("failed to set space role: %w", err)
		}
		return nil
	})
}

// GetSpaceRole returns the member's role, or ErrNotFound for non-members.
func (m *Manager) GetSpaceRole(ctx context.Context, spaceID, userID int64) (string, error) {
	var role string
	err := m.db.QueryRowContext(ctx,
		`SELECT role FROM space_users WHERE space_id = ? AND user_id = ?`, spaceID, userID,
	).Scan(&role)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", interfaces.ErrNotFound
		}
		return "", fmt.Errorf("failed to query space role: %w", err)
	}
	return role, nil
}

// CreatePicture inserts a picture and writes the assigned id back.
func (m *Manager) CreatePicture(ctx context.Context, p *types.Picture) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		var id any
		if p.ID != 0 {
			id = p.ID
		}
		res, err := db.ExecContext(ctx,
			`INSERT INTO pictures (id, name, url, space_id, user_id) VALUES (?, ?, ?, ?, ?)`,
			id, p.Name, p.URL, p.SpaceID, p.UserID,
		)
		if err != nil {
			return fmt.Errorf("failed to insert picture: %w", err)
		}
		if p.ID == 0 {
			p.ID, err = res.LastInsertId()
		}
		return err
	})
}

// GetPicture loads a picture by id.
func (m *Manager) GetPicture(ctx context.Context, id int64) (*types.Picture, error) {
	var p types.Picture
	var spaceID sql.NullInt64
	err := m.db.QueryRowContext(ctx,
		`SELECT id, name, url, space_id, user_id, created_at FROM pictures WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &p.URL, &spaceID, &p.UserID, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("get picture %d: %w", id, interfaces.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query picture: %w", err)
	}
	if spaceID.Valid {
		p.SpaceID = &spaceID.Int64
	}
	return &p, nil
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var n int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&n); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}

	return nil
}

// GetDB returns the underlying database connection
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close stops the writer goroutine and closes the pool. Safe to call twice.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	return nil
}

func isConstraint(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}
