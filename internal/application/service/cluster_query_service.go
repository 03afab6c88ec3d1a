package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"whale-cluster-engine/internal/domain/entity"
	"whale-cluster-engine/internal/domain/repository"
	domain_service "whale-cluster-engine/internal/domain/service"
	"whale-cluster-engine/internal/infrastructure/logger"
)

// ClusterQueryService serves the read side: aggregate snapshots and point assignment lookups
type ClusterQueryService struct {
	aggregates repository.AggregateRepository
	states     repository.StateRepository
	logger     *logger.Logger
	now        func() time.Time
}

// NewClusterQueryService creates a new query service
func NewClusterQueryService(aggregates repository.AggregateRepository, states repository.StateRepository, log *logger.Logger) *ClusterQueryService {
	return &ClusterQueryService{
		aggregates: aggregates,
		states:     states,
		logger:     log.WithComponent("cluster-query-service"),
		now:        time.Now,
	}
}

// ListClusters returns the latest aggregate snapshot of chain, or of every chain when chain is
// empty. A positive window drops aggregates computed before now-window, so a stale snapshot
// reads as "temporarily unavailable" instead of current data.
func (s *ClusterQueryService) ListClusters(ctx context.Context, chain string, window time.Duration) ([]*entity.ClusterAggregate, error) {
	scope := strings.ToLower(strings.TrimSpace(chain))
	if scope == "" {
		scope = entity.AllScope
	}

	aggs, err := s.aggregates.ListAggregates(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to list aggregates for %s: %w", scope, err)
	}
	if window <= 0 {
		return aggs, nil
	}

	cutoff := s.now().Add(-window)
	out := aggs[:0]
	for _, a := range aggs {
		if !a.ComputedAt.Before(cutoff) {
			out = append(out, a)
		}
	}
	return out, nil
}

// GetAssignment returns the stabilized assignment of an address, or repository.ErrNotFound
func (s *ClusterQueryService) GetAssignment(ctx context.Context, address, chain string) (*entity.ClusterAssignment, error) {
	chain = strings.ToLower(strings.TrimSpace(chain))
	normalized, err := domain_service.NormalizeAddress(chain, address)
	if err != nil {
		return nil, err
	}
	return s.states.GetAssignment(ctx, entity.AddressKey{Address: normalized, Chain: chain})
}
