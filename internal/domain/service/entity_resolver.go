package service

import (
	"context"

	"whale-cluster-engine/internal/domain/entity"
)

// EntityResolver looks up known-entity labels and tags for an address.
// Results are authoritative; an error means the lookup is unavailable, not that the address is unknown.
type EntityResolver interface {
	ResolveEntity(ctx context.Context, address, chain string) (entity.EntityInfo, error)
}
