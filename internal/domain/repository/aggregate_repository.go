package repository

import (
	"context"

	"whale-cluster-engine/internal/domain/entity"
)

// AggregateRepository stores the latest aggregate snapshot per scope
type AggregateRepository interface {
	// ReplaceAggregates replaces every aggregate of scope with the given rows
	ReplaceAggregates(ctx context.Context, scope string, aggregates []*entity.ClusterAggregate) error

	// ListAggregates returns the latest aggregates of scope
	ListAggregates(ctx context.Context, scope string) ([]*entity.ClusterAggregate, error)
}

// QuantileRepository stores published chain quantiles
type QuantileRepository interface {
	// SaveQuantiles stores the latest quantiles of a chain
	SaveQuantiles(ctx context.Context, q *entity.ChainQuantiles) error

	// LoadQuantiles returns the latest stored quantiles of every chain
	LoadQuantiles(ctx context.Context) ([]*entity.ChainQuantiles, error)
}
