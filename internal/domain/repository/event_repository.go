package repository

import (
	"context"
	"time"

	"whale-cluster-engine/internal/domain/entity"
)

// EventRepository defines the interface for ingested transfer and balance storage
type EventRepository interface {
	// InsertTransfer stores a transfer; returns false when (chain, txHash, logIndex) already exists
	InsertTransfer(ctx context.Context, e *entity.TransferEvent) (bool, error)

	// UpsertBalance stores a balance snapshot keyed by (address, chain, blockHeight-or-timestamp)
	UpsertBalance(ctx context.Context, b *entity.BalanceSnapshot) error

	// ListTransfersIngested returns transfers ingested within [from, to)
	ListTransfersIngested(ctx context.Context, from, to time.Time) ([]*entity.TransferEvent, error)

	// ListTransfers returns transfers on chain with timestamp within (from, to]
	ListTransfers(ctx context.Context, chain string, from, to time.Time) ([]*entity.TransferEvent, error)

	// ListTransfersForAddresses returns transfers on chain touching any of the addresses with timestamp within (from, to]
	ListTransfersForAddresses(ctx context.Context, chain string, addresses []string, from, to time.Time) ([]*entity.TransferEvent, error)

	// LatestBalances returns the newest snapshot at or before asOf per address on chain
	LatestBalances(ctx context.Context, chain string, addresses []string, asOf time.Time) (map[string]*entity.BalanceSnapshot, error)
}
