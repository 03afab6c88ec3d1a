package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"whale-cluster-engine/internal/domain/entity"
	"whale-cluster-engine/internal/domain/repository"
)

var _ repository.StateRepository = (*StateStore)(nil)

// StateStore is an in-memory StateRepository with optimistic version checks
type StateStore struct {
	mu     sync.RWMutex
	states map[entity.AddressKey]*entity.StabilizerState
}

// NewStateStore creates an empty state store
func NewStateStore() *StateStore {
	return &StateStore{states: make(map[entity.AddressKey]*entity.StabilizerState)}
}

// LoadStates returns copies of the stored states for keys
func (s *StateStore) LoadStates(_ context.Context, keys []entity.AddressKey) (map[entity.AddressKey]*entity.StabilizerState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[entity.AddressKey]*entity.StabilizerState, len(keys))
	for _, k := range keys {
		if st, ok := s.states[k]; ok {
			out[k] = st.Clone()
		}
	}
	return out, nil
}

// CommitStates writes every state whose version matches the stored one under a single lock
func (s *StateStore) CommitStates(_ context.Context, states []*entity.StabilizerState) ([]entity.AddressKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var conflicts []entity.AddressKey
	for _, st := range states {
		key := st.Key()
		var stored int64
		if cur, ok := s.states[key]; ok {
			stored = cur.Version
		}
		if stored != st.Version {
			conflicts = append(conflicts, key)
			continue
		}
		cp := st.Clone()
		cp.Version = stored + 1
		s.states[key] = cp
	}
	return conflicts, nil
}

// GetAssignment returns the current assignment of key or repository.ErrNotFound
func (s *StateStore) GetAssignment(_ context.Context, key entity.AddressKey) (*entity.ClusterAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.states[key]
	if !ok || st.Assignment == nil {
		return nil, repository.ErrNotFound
	}
	return st.Clone().Assignment, nil
}

// ListAssignments returns assignments on chain, or every chain when chain is empty
func (s *StateStore) ListAssignments(_ context.Context, chain string) ([]*entity.ClusterAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*entity.ClusterAssignment
	for k, st := range s.states {
		if st.Assignment == nil || (chain != "" && !strings.EqualFold(k.Chain, chain)) {
			continue
		}
		out = append(out, st.Clone().Assignment)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Chain != out[j].Chain {
			return out[i].Chain < out[j].Chain
		}
		return out[i].Address < out[j].Address
	})
	return out, nil
}
