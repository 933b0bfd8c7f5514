package ports

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/agentcell/agentcell/internal/common/database"
	apperrors "github.com/agentcell/agentcell/internal/common/errors"
)

// PostgresStore persists port blocks in PostgreSQL.
type PostgresStore struct {
	db *database.DB
}

// Ensure PostgresStore implements Store
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates the store and its schema.
func NewPostgresStore(ctx context.Context, db *database.DB) (*PostgresStore, error) {
	store := &PostgresStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize port block schema: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tenant_port_blocks (
		tenant_id  TEXT PRIMARY KEY,
		start_port INTEGER NOT NULL,
		end_port   INTEGER NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_tenant_port_blocks_start ON tenant_port_blocks(start_port);
	`
	_, err := s.db.Exec(ctx, schema)
	return err
}

// GetBlock returns the tenant's block if one was ever allocated.
func (s *PostgresStore) GetBlock(ctx context.Context, tenantID string) (*Block, bool, error) {
	block := &Block{TenantID: tenantID}
	err := s.db.QueryRow(ctx,
		`SELECT start_port, end_port FROM tenant_port_blocks WHERE tenant_id = $1`,
		tenantID,
	).Scan(&block.Start, &block.End)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read port block: %w", err)
	}
	return block, true, nil
}

// AllocateNext assigns the next monotonic block inside a transaction holding
// an exclusive table lock. The lock is what makes concurrent first-logins
// safe: both transactions serialize on it, and the second one re-reads the
// max end the first one just wrote.
func (s *PostgresStore) AllocateNext(ctx context.Context, tenantID string, floor, ceiling, size int) (*Block, error) {
	var block *Block

	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `LOCK TABLE tenant_port_blocks IN EXCLUSIVE MODE`); err != nil {
			return fmt.Errorf("failed to lock port block table: %w", err)
		}

		// Re-check under the lock: the tenant may have been allocated by a
		// racing request between our read and this transaction.
		existing := &Block{TenantID: tenantID}
		err := tx.QueryRow(ctx,
			`SELECT start_port, end_port FROM tenant_port_blocks WHERE tenant_id = $1`,
			tenantID,
		).Scan(&existing.Start, &existing.End)
		if err == nil {
			block = existing
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("failed to re-read port block: %w", err)
		}

		var maxEnd int
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(end_port), $1) FROM tenant_port_blocks`,
			floor-1,
		).Scan(&maxEnd); err != nil {
			return fmt.Errorf("failed to read max port: %w", err)
		}

		start := maxEnd + 1
		end := start + size - 1
		if end > ceiling {
			return apperrors.PoolExhausted(ceiling)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO tenant_port_blocks (tenant_id, start_port, end_port) VALUES ($1, $2, $3)`,
			tenantID, start, end,
		); err != nil {
			return fmt.Errorf("failed to insert port block: %w", err)
		}

		block = &Block{TenantID: tenantID, Start: start, End: end}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return block, nil
}
