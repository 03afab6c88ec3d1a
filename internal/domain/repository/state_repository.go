package repository

import (
	"context"

	"whale-cluster-engine/internal/domain/entity"
)

// StateRepository persists the stabilizer state and the ClusterAssignment it carries
type StateRepository interface {
	// LoadStates returns the stored states for the keys; missing keys are absent from the map
	LoadStates(ctx context.Context, keys []entity.AddressKey) (map[entity.AddressKey]*entity.StabilizerState, error)

	// CommitStates writes states whose stored version equals state.Version and bumps the version.
	// States with a stale version are skipped and returned as conflicts; the rest commit together.
	CommitStates(ctx context.Context, states []*entity.StabilizerState) (conflicts []entity.AddressKey, err error)

	// GetAssignment returns the current assignment of an address or ErrNotFound
	GetAssignment(ctx context.Context, key entity.AddressKey) (*entity.ClusterAssignment, error)

	// ListAssignments returns every assignment on chain, or on all chains when chain is empty
	ListAssignments(ctx context.Context, chain string) ([]*entity.ClusterAssignment, error)
}
