package postgres

import (
	"context"
	"errors"
	"fmt"

	"whale-cluster-engine/internal/infrastructure/config"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// schema creates the event tables. Transfers are immutable and keyed by their idempotency key;
// balance snapshots are keyed by (chain, address, snapshot_key).
const schema = `
CREATE TABLE IF NOT EXISTS whale_transfers (
	chain             TEXT             NOT NULL,
	tx_hash           TEXT             NOT NULL,
	log_index         BIGINT           NOT NULL,
	from_address      TEXT             NOT NULL,
	to_address        TEXT             NOT NULL,
	token             TEXT             NOT NULL DEFAULT '',
	amount_usd        DOUBLE PRECISION NOT NULL,
	ts                TIMESTAMPTZ      NOT NULL,
	from_entity_label TEXT             NOT NULL DEFAULT '',
	to_entity_label   TEXT             NOT NULL DEFAULT '',
	tags              TEXT[]           NOT NULL DEFAULT '{}',
	counterparty_type TEXT             NOT NULL DEFAULT 'none',
	provider          TEXT             NOT NULL DEFAULT '',
	method            TEXT             NOT NULL DEFAULT '',
	request_id        TEXT             NOT NULL DEFAULT '',
	ingested_at       TIMESTAMPTZ      NOT NULL,
	PRIMARY KEY (chain, tx_hash, log_index)
);
CREATE INDEX IF NOT EXISTS whale_transfers_ingested_idx ON whale_transfers (ingested_at);
CREATE INDEX IF NOT EXISTS whale_transfers_from_idx ON whale_transfers (chain, from_address, ts);
CREATE INDEX IF NOT EXISTS whale_transfers_to_idx ON whale_transfers (chain, to_address, ts);

CREATE TABLE IF NOT EXISTS whale_balances (
	chain        TEXT             NOT NULL,
	address      TEXT             NOT NULL,
	snapshot_key TEXT             NOT NULL,
	balance_usd  DOUBLE PRECISION NOT NULL,
	dormant_days INTEGER          NOT NULL,
	block_height BIGINT           NOT NULL DEFAULT 0,
	ts           TIMESTAMPTZ      NOT NULL,
	provider     TEXT             NOT NULL DEFAULT '',
	method       TEXT             NOT NULL DEFAULT '',
	request_id   TEXT             NOT NULL DEFAULT '',
	ingested_at  TIMESTAMPTZ      NOT NULL,
	PRIMARY KEY (chain, address, snapshot_key)
);
CREATE INDEX IF NOT EXISTS whale_balances_latest_idx ON whale_balances (chain, address, ts DESC);
`

// NewPool configures a PostgreSQL connection pool and verifies it with a ping
func NewPool(ctx context.Context, cfg config.PostgresConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates the event tables when missing
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create event schema: %w", err)
	}
	return nil
}

const pgErrUniqueViolation = "23505"

func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgErrUniqueViolation
}
