package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"whale-cluster-engine/internal/domain/entity"
	"whale-cluster-engine/internal/domain/repository"
)

var (
	_ repository.AggregateRepository = (*AggregateStore)(nil)
	_ repository.QuantileRepository  = (*AggregateStore)(nil)
)

// AggregateStore keeps the latest aggregate snapshot per scope and the published quantiles
type AggregateStore struct {
	mu         sync.RWMutex
	aggregates map[string][]*entity.ClusterAggregate
	quantiles  map[string]*entity.ChainQuantiles
}

// NewAggregateStore creates an empty aggregate store
func NewAggregateStore() *AggregateStore {
	return &AggregateStore{
		aggregates: make(map[string][]*entity.ClusterAggregate),
		quantiles:  make(map[string]*entity.ChainQuantiles),
	}
}

// ReplaceAggregates swaps the whole snapshot of scope
func (s *AggregateStore) ReplaceAggregates(_ context.Context, scope string, aggregates []*entity.ClusterAggregate) error {
	rows := make([]*entity.ClusterAggregate, 0, len(aggregates))
	for _, a := range aggregates {
		rows = append(rows, copyAggregate(a))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.aggregates[strings.ToLower(scope)] = rows
	return nil
}

// ListAggregates returns copies of the snapshot of scope
func (s *AggregateStore) ListAggregates(_ context.Context, scope string) ([]*entity.ClusterAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.aggregates[strings.ToLower(scope)]
	out := make([]*entity.ClusterAggregate, 0, len(rows))
	for _, a := range rows {
		out = append(out, copyAggregate(a))
	}
	return out, nil
}

// SaveQuantiles stores the latest quantiles of a chain
func (s *AggregateStore) SaveQuantiles(_ context.Context, q *entity.ChainQuantiles) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *q
	s.quantiles[strings.ToLower(q.Chain)] = &cp
	return nil
}

// LoadQuantiles returns the stored quantiles of every chain ordered by chain
func (s *AggregateStore) LoadQuantiles(_ context.Context) ([]*entity.ChainQuantiles, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*entity.ChainQuantiles, 0, len(s.quantiles))
	for _, q := range s.quantiles {
		cp := *q
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Chain < out[j].Chain })
	return out, nil
}

func copyAggregate(a *entity.ClusterAggregate) *entity.ClusterAggregate {
	cp := *a
	cp.MemberAddresses = append([]string(nil), a.MemberAddresses...)
	return &cp
}
