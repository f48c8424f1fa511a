package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"portfolio-copilot/internal/session"
)

// TokenStore persists the single broker session in a SQLite table.
// It implements session.Persister.
type TokenStore struct {
	db  *sql.DB
	log *zap.Logger
}

// Open creates the database file (and its directory) if needed, enables WAL
// and ensures the schema.
func Open(dbPath string, log *zap.Logger) (*TokenStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite mkdir %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Info("session store opened", zap.String("backend", "sqlite"), zap.String("path", dbPath))
	return &TokenStore{db: db, log: log}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS kite_session (
			id           INTEGER PRIMARY KEY CHECK (id = 1),
			access_token TEXT    NOT NULL,
			user_id      TEXT    NOT NULL DEFAULT '',
			created_at   INTEGER NOT NULL,
			expires_at   INTEGER NOT NULL
		);
	`)
	return err
}

// Save replaces the stored session.
func (s *TokenStore) Save(ctx context.Context, sess session.Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kite_session (id, access_token, user_id, created_at, expires_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			access_token = excluded.access_token,
			user_id      = excluded.user_id,
			created_at   = excluded.created_at,
			expires_at   = excluded.expires_at`,
		sess.AccessToken, sess.UserID, sess.CreatedAt.UnixMilli(), sess.ExpiresAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("sqlite save session: %w", err)
	}
	return nil
}

// Load returns the stored session or session.ErrNoSession.
func (s *TokenStore) Load(ctx context.Context) (session.Session, error) {
	var (
		sess               session.Session
		created, expiresAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT access_token, user_id, created_at, expires_at FROM kite_session WHERE id = 1`,
	).Scan(&sess.AccessToken, &sess.UserID, &created, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Session{}, session.ErrNoSession
	}
	if err != nil {
		return session.Session{}, fmt.Errorf("sqlite load session: %w", err)
	}
	sess.CreatedAt = time.UnixMilli(created).UTC()
	sess.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	return sess, nil
}

// Clear removes the stored session. Clearing an empty store is not an error.
func (s *TokenStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kite_session`); err != nil {
		return fmt.Errorf("sqlite clear session: %w", err)
	}
	return nil
}

// Ping checks the database for the liveness checker.
func (s *TokenStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *TokenStore) Close() error {
	return s.db.Close()
}
