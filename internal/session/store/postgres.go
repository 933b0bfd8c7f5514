package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/agentcell/agentcell/internal/common/database"
)

// PostgresStore persists resume tokens in PostgreSQL.
type PostgresStore struct {
	db *database.DB
}

// Ensure PostgresStore implements TokenStore
var _ TokenStore = (*PostgresStore)(nil)

// NewPostgresStore creates the store and its schema.
func NewPostgresStore(ctx context.Context, db *database.DB) (*PostgresStore, error) {
	store := &PostgresStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize resume token schema: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS session_resume_tokens (
		session_id   TEXT PRIMARY KEY,
		tenant_id    TEXT NOT NULL,
		resume_token TEXT NOT NULL,
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE INDEX IF NOT EXISTS idx_session_resume_tokens_tenant ON session_resume_tokens(tenant_id);
	`
	_, err := s.db.Exec(ctx, schema)
	return err
}

// Get returns the session's resume token, if one is stored.
func (s *PostgresStore) Get(ctx context.Context, sessionID string) (string, bool, error) {
	var token string
	err := s.db.QueryRow(ctx,
		`SELECT resume_token FROM session_resume_tokens WHERE session_id = $1`,
		sessionID,
	).Scan(&token)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read resume token: %w", err)
	}
	return token, true, nil
}

// Set stores or replaces the session's resume token.
func (s *PostgresStore) Set(ctx context.Context, sessionID, tenantID, token string) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO session_resume_tokens (session_id, tenant_id, resume_token, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (session_id) DO UPDATE SET
			resume_token = EXCLUDED.resume_token,
			updated_at   = now()`,
		sessionID, tenantID, token,
	)
	if err != nil {
		return fmt.Errorf("failed to store resume token: %w", err)
	}
	return nil
}

// Clear removes the session's resume token.
func (s *PostgresStore) Clear(ctx context.Context, sessionID string) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM session_resume_tokens WHERE session_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to clear resume token: %w", err)
	}
	return nil
}

// ClearTenant removes every token belonging to the tenant.
func (s *PostgresStore) ClearTenant(ctx context.Context, tenantID string) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM session_resume_tokens WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return fmt.Errorf("failed to clear tenant resume tokens: %w", err)
	}
	return nil
}
