package postgres

import (
	"context"
	"fmt"
	"time"

	"whale-cluster-engine/internal/domain/entity"
	"whale-cluster-engine/internal/domain/repository"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ repository.EventRepository = (*EventStore)(nil)

const transferColumns = `chain, tx_hash, log_index, from_address, to_address, token, amount_usd, ts,
	from_entity_label, to_entity_label, tags, counterparty_type, provider, method, request_id, ingested_at`

const insertTransfer = `
INSERT INTO whale_transfers (` + transferColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
ON CONFLICT (chain, tx_hash, log_index) DO NOTHING`

const upsertBalance = `
INSERT INTO whale_balances (chain, address, snapshot_key, balance_usd, dormant_days, block_height, ts,
	provider, method, request_id, ingested_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (chain, address, snapshot_key) DO UPDATE SET
	balance_usd  = EXCLUDED.balance_usd,
	dormant_days = EXCLUDED.dormant_days,
	ts           = EXCLUDED.ts,
	provider     = EXCLUDED.provider,
	method       = EXCLUDED.method,
	request_id   = EXCLUDED.request_id,
	ingested_at  = EXCLUDED.ingested_at`

const selectLatestBalances = `
SELECT DISTINCT ON (address) chain, address, balance_usd, dormant_days, block_height, ts,
	provider, method, request_id, ingested_at
FROM whale_balances
WHERE chain = $1 AND address = ANY($2) AND ts <= $3
ORDER BY address, ts DESC, block_height DESC`

// EventStore is the PostgreSQL event repository
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates a new EventStore
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// InsertTransfer stores a transfer; false means its idempotency key already exists
func (s *EventStore) InsertTransfer(ctx context.Context, t *entity.TransferEvent) (bool, error) {
	tags := t.Tags
	if tags == nil {
		tags = []string{}
	}
	tag, err := s.pool.Exec(ctx, insertTransfer,
		t.Chain, t.TxHash, int64(t.LogIndex), t.FromAddress, t.ToAddress, t.Token, t.AmountUSD, t.Timestamp,
		t.FromEntityLabel, t.ToEntityLabel, tags, string(t.CounterpartyType),
		t.Provenance.Provider, t.Provenance.Method, t.Provenance.RequestID, t.IngestedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return false, nil
		}
		return false, fmt.Errorf("insert transfer: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpsertBalance stores a balance snapshot, replacing one with the same natural key
func (s *EventStore) UpsertBalance(ctx context.Context, b *entity.BalanceSnapshot) error {
	_, err := s.pool.Exec(ctx, upsertBalance,
		b.Chain, b.Address, b.Key(), b.BalanceUSD, b.DormantDays, int64(b.BlockHeight), b.Timestamp,
		b.Provenance.Provider, b.Provenance.Method, b.Provenance.RequestID, b.IngestedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert balance: %w", err)
	}
	return nil
}

// ListTransfersIngested returns transfers ingested within [from, to)
func (s *EventStore) ListTransfersIngested(ctx context.Context, from, to time.Time) ([]*entity.TransferEvent, error) {
	query := `SELECT ` + transferColumns + `
		FROM whale_transfers
		WHERE ingested_at >= $1 AND ingested_at < $2
		ORDER BY ingested_at, chain, tx_hash, log_index`
	return s.queryTransfers(ctx, "list ingested transfers", query, from, to)
}

// ListTransfers returns transfers on chain with timestamp within (from, to]
func (s *EventStore) ListTransfers(ctx context.Context, chain string, from, to time.Time) ([]*entity.TransferEvent, error) {
	query := `SELECT ` + transferColumns + `
		FROM whale_transfers
		WHERE chain = $1 AND ts > $2 AND ts <= $3
		ORDER BY ts, tx_hash, log_index`
	return s.queryTransfers(ctx, "list transfers", query, chain, from, to)
}

// ListTransfersForAddresses returns transfers on chain touching any of the addresses within (from, to]
func (s *EventStore) ListTransfersForAddresses(ctx context.Context, chain string, addresses []string, from, to time.Time) ([]*entity.TransferEvent, error) {
	if len(addresses) == 0 {
		return nil, nil
	}
	query := `SELECT ` + transferColumns + `
		FROM whale_transfers
		WHERE chain = $1 AND (from_address = ANY($2) OR to_address = ANY($2)) AND ts > $3 AND ts <= $4
		ORDER BY ts, tx_hash, log_index`
	return s.queryTransfers(ctx, "list address transfers", query, chain, addresses, from, to)
}

// LatestBalances returns the newest snapshot at or before asOf per address on chain
func (s *EventStore) LatestBalances(ctx context.Context, chain string, addresses []string, asOf time.Time) (map[string]*entity.BalanceSnapshot, error) {
	out := make(map[string]*entity.BalanceSnapshot, len(addresses))
	if len(addresses) == 0 {
		return out, nil
	}

	rows, err := s.pool.Query(ctx, selectLatestBalances, chain, addresses, asOf)
	if err != nil {
		return nil, fmt.Errorf("latest balances: %w", err)
	}
	snapshots, err := pgx.CollectRows(rows, scanBalance)
	if err != nil {
		return nil, fmt.Errorf("scan balances: %w", err)
	}
	for _, b := range snapshots {
		out[b.Address] = b
	}
	return out, nil
}

func (s *EventStore) queryTransfers(ctx context.Context, op, query string, args ...any) ([]*entity.TransferEvent, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	transfers, err := pgx.CollectRows(rows, scanTransfer)
	if err != nil {
		return nil, fmt.Errorf("%s: scan: %w", op, err)
	}
	return transfers, nil
}

func scanTransfer(row pgx.CollectableRow) (*entity.TransferEvent, error) {
	var (
		t        entity.TransferEvent
		logIndex int64
		cpType   string
	)
	err := row.Scan(
		&t.Chain, &t.TxHash, &logIndex, &t.FromAddress, &t.ToAddress, &t.Token, &t.AmountUSD, &t.Timestamp,
		&t.FromEntityLabel, &t.ToEntityLabel, &t.Tags, &cpType,
		&t.Provenance.Provider, &t.Provenance.Method, &t.Provenance.RequestID, &t.IngestedAt,
	)
	if err != nil {
		return nil, err
	}
	t.LogIndex = uint32(logIndex)
	t.CounterpartyType = entity.ParseCounterpartyType(cpType)
	t.Timestamp = t.Timestamp.UTC()
	t.IngestedAt = t.IngestedAt.UTC()
	if len(t.Tags) == 0 {
		t.Tags = nil
	}
	return &t, nil
}

func scanBalance(row pgx.CollectableRow) (*entity.BalanceSnapshot, error) {
	var (
		b           entity.BalanceSnapshot
		blockHeight int64
	)
	err := row.Scan(
		&b.Chain, &b.Address, &b.BalanceUSD, &b.DormantDays, &blockHeight, &b.Timestamp,
		&b.Provenance.Provider, &b.Provenance.Method, &b.Provenance.RequestID, &b.IngestedAt,
	)
	if err != nil {
		return nil, err
	}
	b.BlockHeight = uint64(blockHeight)
	b.Timestamp = b.Timestamp.UTC()
	b.IngestedAt = b.IngestedAt.UTC()
	return &b, nil
}
