package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore persists resume tokens in SQLite for single-host
// deployments.
type SQLiteStore struct {
	db *sql.DB
}

// Ensure SQLiteStore implements TokenStore
var _ TokenStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS session_resume_tokens (
		session_id   TEXT PRIMARY KEY,
		tenant_id    TEXT NOT NULL,
		resume_token TEXT NOT NULL,
		updated_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_session_resume_tokens_tenant ON session_resume_tokens(tenant_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Get returns the session's resume token, if one is stored.
func (s *SQLiteStore) Get(ctx context.Context, sessionID string) (string, bool, error) {
	var token string
	err := s.db.QueryRowContext(ctx,
		`SELECT resume_token FROM session_resume_tokens WHERE session_id = ?`,
		sessionID,
	).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read resume token: %w", err)
	}
	return token, true, nil
}

// Set stores or replaces the session's resume token.
func (s *SQLiteStore) Set(ctx context.Context, sessionID, tenantID, token string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_resume_tokens (session_id, tenant_id, resume_token, updated_at)
		 VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(session_id) DO UPDATE SET
			resume_token = excluded.resume_token,
			updated_at   = CURRENT_TIMESTAMP`,
		sessionID, tenantID, token,
	)
	if err != nil {
		return fmt.Errorf("failed to store resume token: %w", err)
	}
	return nil
}

// Clear removes the session's resume token.
func (s *SQLiteStore) Clear(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM session_resume_tokens WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to clear resume token: %w", err)
	}
	return nil
}

// ClearTenant removes every token belonging to the tenant.
func (s *SQLiteStore) ClearTenant(ctx context.Context, tenantID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM session_resume_tokens WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return fmt.Errorf("failed to clear tenant resume tokens: %w", err)
	}
	return nil
}
