package entity

import (
	"context"
	"strings"

	domain "whale-cluster-engine/internal/domain/entity"
	domain_service "whale-cluster-engine/internal/domain/service"
	"whale-cluster-engine/internal/infrastructure/config"
)

var _ domain_service.EntityResolver = (*StaticResolver)(nil)

// StaticResolver serves entity labels pinned in configuration and defers everything else
// to an optional fallback resolver
type StaticResolver struct {
	entries  map[string]domain.EntityInfo
	fallback domain_service.EntityResolver
}

// NewStaticResolver indexes the configured entities. fallback may be nil.
// Entries with an unparseable address are ignored.
func NewStaticResolver(entities []config.StaticEntity, fallback domain_service.EntityResolver) *StaticResolver {
	entries := make(map[string]domain.EntityInfo, len(entities))
	for _, e := range entities {
		chain := strings.ToLower(strings.TrimSpace(e.Chain))
		address, err := domain_service.NormalizeAddress(chain, e.Address)
		if err != nil {
			continue
		}
		entries[chain+":"+address] = toEntityInfo(e.Label, e.Tags, e.CounterpartyType)
	}
	return &StaticResolver{entries: entries, fallback: fallback}
}

// ResolveEntity returns the pinned entity, the fallback's answer, or an empty info
func (r *StaticResolver) ResolveEntity(ctx context.Context, address, chain string) (domain.EntityInfo, error) {
	if info, ok := r.entries[chain+":"+address]; ok {
		return info, nil
	}
	if r.fallback != nil {
		return r.fallback.ResolveEntity(ctx, address, chain)
	}
	return domain.EntityInfo{CounterpartyType: domain.CounterpartyNone}, nil
}
