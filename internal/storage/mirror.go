package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tvl-threshold-alerts/internal/config"
)

var (
	// ErrNotConfigured indicates the mirror pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	createHistoryTableSQL = `CREATE TABLE IF NOT EXISTS protocol_history (
        name        TEXT PRIMARY KEY,
        tvl         NUMERIC NOT NULL,
        chain       TEXT NOT NULL,
        category    TEXT NOT NULL,
        first_seen  TIMESTAMPTZ NOT NULL,
        last_seen   TIMESTAMPTZ NOT NULL
    );`

	createAlertedTableSQL = `CREATE TABLE IF NOT EXISTS alerted_protocols (
        name        TEXT PRIMARY KEY,
        alerted_at  TIMESTAMPTZ NOT NULL DEFAULT now()
    );`

	upsertHistorySQL = `INSERT INTO protocol_history (
        name,
        tvl,
        chain,
        category,
        first_seen,
        last_seen
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    ON CONFLICT (name) DO UPDATE
    SET
        tvl        = EXCLUDED.tvl,
        chain      = EXCLUDED.chain,
        category   = EXCLUDED.category,
        first_seen = LEAST(protocol_history.first_seen, EXCLUDED.first_seen),
        last_seen  = GREATEST(protocol_history.last_seen, EXCLUDED.last_seen);`

	insertAlertedSQL = `INSERT INTO alerted_protocols (name) VALUES ($1)
    ON CONFLICT (name) DO NOTHING;`
)

// Mirror copies local state into an external database for querying. It is
// never the source of truth for alert gating.
type Mirror interface {
	SyncHistory(ctx context.Context, history History) error
	SyncAlerted(ctx context.Context, set AlertedSet) error
}

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	return pool, nil
}

// PostgresMirror writes history and alert state to PostgreSQL.
type PostgresMirror struct {
	pool *pgxpool.Pool
}

// NewPostgresMirror wires a pgx pool into a mirror.
func NewPostgresMirror(pool *pgxpool.Pool) *PostgresMirror {
	return &PostgresMirror{pool: pool}
}

// Close releases the underlying pool resources.
func (m *PostgresMirror) Close() {
	if m == nil || m.pool == nil {
		return
	}
	m.pool.Close()
}

func (m *PostgresMirror) getPool() (*pgxpool.Pool, error) {
	if m == nil || m.pool == nil {
		return nil, ErrNotConfigured
	}
	return m.pool, nil
}

// EnsureSchema creates the mirror tables when absent.
func (m *PostgresMirror) EnsureSchema(ctx context.Context) error {
	pool, err := m.getPool()
	if err != nil {
		return err
	}
	for _, stmt := range []string{createHistoryTableSQL, createAlertedTableSQL} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure mirror schema: %w", err)
		}
	}
	return nil
}

// SyncHistory upserts every ledger entry in one transaction.
func (m *PostgresMirror) SyncHistory(ctx context.Context, history History) error {
	pool, err := m.getPool()
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, entry := range history.Sorted() {
		batch.Queue(upsertHistorySQL,
			entry.Name,
			entry.TVL.String(),
			entry.Chain,
			entry.Category,
			entry.FirstSeen,
			entry.LastSeen,
		)
	}
	return m.sendBatch(ctx, pool, batch, "sync history")
}

// SyncAlerted inserts any names not yet mirrored.
func (m *PostgresMirror) SyncAlerted(ctx context.Context, set AlertedSet) error {
	pool, err := m.getPool()
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, name := range set.Sorted() {
		batch.Queue(insertAlertedSQL, name)
	}
	return m.sendBatch(ctx, pool, batch, "sync alerted")
}

func (m *PostgresMirror) sendBatch(ctx context.Context, pool *pgxpool.Pool, batch *pgx.Batch, op string) error {
	if batch.Len() == 0 {
		return nil
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%s: begin: %w", op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%s: commit: %w", op, err)
	}
	return nil
}

var _ Mirror = (*PostgresMirror)(nil)
