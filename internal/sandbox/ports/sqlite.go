package ports

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	apperrors "github.com/agentcell/agentcell/internal/common/errors"
)

// SQLiteStore persists port blocks in SQLite for single-host deployments.
type SQLiteStore struct {
	db *sql.DB
	// SQLite has no table-level lock statement; serialize allocations here.
	mu sync.Mutex
}

// Ensure SQLiteStore implements Store
var _ Store = (*SQLiteStore)(nil)

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
	CREATE TABLE IF NOT EXISTS tenant_port_blocks (
		tenant_id  TEXT PRIMARY KEY,
		start_port INTEGER NOT NULL,
		end_port   INTEGER NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_tenant_port_blocks_start ON tenant_port_blocks(start_port);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetBlock returns the tenant's block if one was ever allocated.
func (s *SQLiteStore) GetBlock(ctx context.Context, tenantID string) (*Block, bool, error) {
	block := &Block{TenantID: tenantID}
	err := s.db.QueryRowContext(ctx,
		`SELECT start_port, end_port FROM tenant_port_blocks WHERE tenant_id = ?`,
		tenantID,
	).Scan(&block.Start, &block.End)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read port block: %w", err)
	}
	return block, true, nil
}

// AllocateNext assigns the next monotonic block under the store mutex plus a
// transaction, mirroring the exclusive-lock semantics of the Postgres store.
func (s *SQLiteStore) AllocateNext(ctx context.Context, tenantID string, floor, ceiling, size int) (*Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Re-check under the lock
	existing := &Block{TenantID: tenantID}
	err = tx.QueryRowContext(ctx,
		`SELECT start_port, end_port FROM tenant_port_blocks WHERE tenant_id = ?`,
		tenantID,
	).Scan(&existing.Start, &existing.End)
	if err == nil {
		return existing, tx.Commit()
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to re-read port block: %w", err)
	}

	var maxEnd int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(end_port), ?) FROM tenant_port_blocks`,
		floor-1,
	).Scan(&maxEnd); err != nil {
		return nil, fmt.Errorf("failed to read max port: %w", err)
	}

	start := maxEnd + 1
	end := start + size - 1
	if end > ceiling {
		return nil, apperrors.PoolExhausted(ceiling)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tenant_port_blocks (tenant_id, start_port, end_port) VALUES (?, ?, ?)`,
		tenantID, start, end,
	); err != nil {
		return nil, fmt.Errorf("failed to insert port block: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit port block: %w", err)
	}

	return &Block{TenantID: tenantID, Start: start, End: end}, nil
}
