// Package credentials provides the bearer token used to authenticate the
// invoice stream. Token reads are synchronous and never touch the network.
package credentials

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNoToken is returned when no token has been stored.
var ErrNoToken = errors.New("no token stored")

// Static is an in-memory token holder. The zero value holds no token.
type Static struct {
	token atomic.Pointer[string]
}

// NewStatic creates a Static holding token.
func NewStatic(token string) *Static {
	s := &Static{}
	s.Set(token)
	return s
}

// Token returns the current token, or "" when none is set.
func (s *Static) Token() string {
	if t := s.token.Load(); t != nil {
		return *t
	}
	return ""
}

// Set replaces the token.
func (s *Static) Set(token string) {
	s.token.Store(&token)
}

// SQLiteStore persists tokens in a SQLite database and serves the most
// recently saved one from memory.
type SQLiteStore struct {
	db    *sql.DB
	cache Static
}

// OpenSQLite opens (or creates) the token database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open token database: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure token database: %w", err)
	}

	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS auth_tokens (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		token TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize token schema: %w", err)
	}

	s := &SQLiteStore{db: db}

	token, err := s.Load(ctx)
	switch {
	case errors.Is(err, ErrNoToken):
	case err != nil:
		db.Close()
		return nil, err
	default:
		s.cache.Set(token)
	}

	return s, nil
}

// Save stores token as the current credential.
func (s *SQLiteStore) Save(ctx context.Context, token string) error {
	if token == "" {
		return fmt.Errorf("token cannot be empty")
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO auth_tokens (token, created_at) VALUES (?, ?)`,
		token, time.Now().UTC()); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	s.cache.Set(token)
	return nil
}

// Load reads the most recently saved token from the database.
func (s *SQLiteStore) Load(ctx context.Context) (string, error) {
	var token string
	err := s.db.QueryRowContext(ctx,
		`SELECT token FROM auth_tokens ORDER BY id DESC LIMIT 1`).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoToken
	}
	if err != nil {
		return "", fmt.Errorf("load token: %w", err)
	}
	return token, nil
}

// Clear removes every stored token.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM auth_tokens`); err != nil {
		return fmt.Errorf("clear tokens: %w", err)
	}
	s.cache.Set("")
	return nil
}

// Token returns the cached current token.
func (s *SQLiteStore) Token() string {
	return s.cache.Token()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
