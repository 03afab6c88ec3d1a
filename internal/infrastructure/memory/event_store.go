package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"whale-cluster-engine/internal/domain/entity"
	"whale-cluster-engine/internal/domain/repository"
)

var _ repository.EventRepository = (*EventStore)(nil)

// EventStore is an in-memory EventRepository. Records are copied on the way in and out.
type EventStore struct {
	mu        sync.RWMutex
	transfers map[string]*entity.TransferEvent
	balances  map[string]*entity.BalanceSnapshot
}

// NewEventStore creates an empty event store
func NewEventStore() *EventStore {
	return &EventStore{
		transfers: make(map[string]*entity.TransferEvent),
		balances:  make(map[string]*entity.BalanceSnapshot),
	}
}

// InsertTransfer stores a transfer unless its idempotency key is already present
func (s *EventStore) InsertTransfer(_ context.Context, e *entity.TransferEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := e.Key()
	if _, ok := s.transfers[key]; ok {
		return false, nil
	}
	s.transfers[key] = copyTransfer(e)
	return true, nil
}

// UpsertBalance stores a balance snapshot, replacing one with the same natural key
func (s *EventStore) UpsertBalance(_ context.Context, b *entity.BalanceSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *b
	s.balances[b.Key()] = &cp
	return nil
}

// ListTransfersIngested returns transfers ingested within [from, to) ordered by ingestion time
func (s *EventStore) ListTransfersIngested(_ context.Context, from, to time.Time) ([]*entity.TransferEvent, error) {
	return s.collect(func(t *entity.TransferEvent) bool {
		return !t.IngestedAt.Before(from) && t.IngestedAt.Before(to)
	}, func(a, b *entity.TransferEvent) bool {
		return a.IngestedAt.Before(b.IngestedAt)
	}), nil
}

// ListTransfers returns transfers on chain with timestamp within (from, to]
func (s *EventStore) ListTransfers(_ context.Context, chain string, from, to time.Time) ([]*entity.TransferEvent, error) {
	return s.collect(func(t *entity.TransferEvent) bool {
		return strings.EqualFold(t.Chain, chain) && t.Timestamp.After(from) && !t.Timestamp.After(to)
	}, byTimestamp), nil
}

// ListTransfersForAddresses returns transfers on chain touching any of the addresses within (from, to]
func (s *EventStore) ListTransfersForAddresses(_ context.Context, chain string, addresses []string, from, to time.Time) ([]*entity.TransferEvent, error) {
	wanted := make(map[string]struct{}, len(addresses))
	for _, a := range addresses {
		wanted[a] = struct{}{}
	}
	return s.collect(func(t *entity.TransferEvent) bool {
		if !strings.EqualFold(t.Chain, chain) || !t.Timestamp.After(from) || t.Timestamp.After(to) {
			return false
		}
		_, fromOK := wanted[t.FromAddress]
		_, toOK := wanted[t.ToAddress]
		return fromOK || toOK
	}, byTimestamp), nil
}

// LatestBalances returns the newest snapshot at or before asOf per address
func (s *EventStore) LatestBalances(_ context.Context, chain string, addresses []string, asOf time.Time) (map[string]*entity.BalanceSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[string]struct{}, len(addresses))
	for _, a := range addresses {
		wanted[a] = struct{}{}
	}

	out := make(map[string]*entity.BalanceSnapshot)
	for _, b := range s.balances {
		if !strings.EqualFold(b.Chain, chain) || b.Timestamp.After(asOf) {
			continue
		}
		if _, ok := wanted[b.Address]; !ok {
			continue
		}
		if prev, ok := out[b.Address]; ok && !b.Timestamp.After(prev.Timestamp) {
			continue
		}
		cp := *b
		out[b.Address] = &cp
	}
	return out, nil
}

func (s *EventStore) collect(keep func(*entity.TransferEvent) bool, less func(a, b *entity.TransferEvent) bool) []*entity.TransferEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*entity.TransferEvent
	for _, t := range s.transfers {
		if keep(t) {
			out = append(out, copyTransfer(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if less(out[i], out[j]) {
			return true
		}
		if less(out[j], out[i]) {
			return false
		}
		return out[i].Key() < out[j].Key()
	})
	return out
}

func byTimestamp(a, b *entity.TransferEvent) bool {
	return a.Timestamp.Before(b.Timestamp)
}

func copyTransfer(e *entity.TransferEvent) *entity.TransferEvent {
	cp := *e
	cp.Tags = append([]string(nil), e.Tags...)
	return &cp
}
