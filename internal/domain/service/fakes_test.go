package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"whale-cluster-engine/internal/domain/entity"
	"whale-cluster-engine/internal/domain/repository"
)

var errStoreDown = errors.New("store down")

// fakeEvents serves ListTransfers from a fixed slice, optionally failing per chain
type fakeEvents struct {
	repository.EventRepository
	transfers []*entity.TransferEvent
	failFor   map[string]bool
}

func (f *fakeEvents) ListTransfers(_ context.Context, chain string, from, to time.Time) ([]*entity.TransferEvent, error) {
	if f.failFor[chain] {
		return nil, errStoreDown
	}
	var out []*entity.TransferEvent
	for _, t := range f.transfers {
		if t.Chain == chain && t.Timestamp.After(from) && !t.Timestamp.After(to) {
			out = append(out, t)
		}
	}
	return out, nil
}

type fakeQuantileStore struct {
	saved map[string]*entity.ChainQuantiles
}

func (f *fakeQuantileStore) SaveQuantiles(_ context.Context, q *entity.ChainQuantiles) error {
	if f.saved == nil {
		f.saved = make(map[string]*entity.ChainQuantiles)
	}
	cp := *q
	f.saved[q.Chain] = &cp
	return nil
}

func (f *fakeQuantileStore) LoadQuantiles(_ context.Context) ([]*entity.ChainQuantiles, error) {
	out := make([]*entity.ChainQuantiles, 0, len(f.saved))
	for _, q := range f.saved {
		cp := *q
		out = append(out, &cp)
	}
	return out, nil
}

// fakeResolver returns fixed entity info per address, or err for every lookup when set
type fakeResolver struct {
	entities map[string]entity.EntityInfo
	err      error
	calls    int
}

func (f *fakeResolver) ResolveEntity(_ context.Context, address, chain string) (entity.EntityInfo, error) {
	f.calls++
	if f.err != nil {
		return entity.EntityInfo{}, f.err
	}
	return f.entities[chain+":"+address], nil
}

func transfer(chain, from, to string, amount float64, ts time.Time, idx uint32) *entity.TransferEvent {
	return &entity.TransferEvent{
		TxHash:           fmt.Sprintf("0x%x", ts.UnixNano()+int64(idx)),
		LogIndex:         idx,
		FromAddress:      from,
		ToAddress:        to,
		Chain:            chain,
		Token:            "USDC",
		AmountUSD:        amount,
		Timestamp:        ts,
		CounterpartyType: entity.CounterpartyNone,
		IngestedAt:       ts,
	}
}
