package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"whale-cluster-engine/internal/domain/entity"
	"whale-cluster-engine/internal/domain/repository"
	domain_service "whale-cluster-engine/internal/domain/service"
	"whale-cluster-engine/internal/infrastructure/logger"
	"whale-cluster-engine/internal/infrastructure/metrics"

	"go.uber.org/zap"
)

const (
	kindTransfer = "transfer"
	kindBalance  = "balance"
)

// IngestResult summarizes one ingested batch
type IngestResult struct {
	Accepted   int `json:"accepted"`
	Duplicates int `json:"duplicates"`
	Malformed  int `json:"malformed"`
}

// IngestionService validates, normalizes and idempotently stores incoming records
type IngestionService struct {
	events  repository.EventRepository
	metrics *metrics.Metrics
	logger  *logger.Logger
	now     func() time.Time
}

// NewIngestionService creates a new ingestion service
func NewIngestionService(events repository.EventRepository, m *metrics.Metrics, log *logger.Logger) *IngestionService {
	return &IngestionService{
		events:  events,
		metrics: m,
		logger:  log.WithComponent("ingestion-service"),
		now:     time.Now,
	}
}

// IngestTransfers stores a batch of transfers. Malformed records are skipped and counted;
// re-delivered records (same chain, txHash, logIndex) are dropped as duplicates.
// A storage error aborts the remainder of the batch.
func (s *IngestionService) IngestTransfers(ctx context.Context, transfers []*entity.TransferEvent) (IngestResult, error) {
	var result IngestResult
	seen := make(map[string]struct{}, len(transfers))
	ingestedAt := s.now().UTC()

	for _, raw := range transfers {
		t, err := NormalizeTransfer(raw)
		if err != nil {
			result.Malformed++
			s.metrics.EventsMalformed.WithLabelValues(kindTransfer).Inc()
			s.logger.Warn("Skipping malformed transfer", zap.Error(err))
			continue
		}
		s.metrics.EventsIn.WithLabelValues(kindTransfer, t.Chain).Inc()

		key := t.Key()
		if _, dup := seen[key]; dup {
			result.Duplicates++
			s.metrics.EventsDuplicate.WithLabelValues(kindTransfer, t.Chain).Inc()
			continue
		}
		seen[key] = struct{}{}

		t.IngestedAt = ingestedAt
		inserted, err := s.events.InsertTransfer(ctx, t)
		if err != nil && !errors.Is(err, repository.ErrDuplicateKey) {
			return result, fmt.Errorf("failed to store transfer %s: %w", key, err)
		}
		if !inserted {
			result.Duplicates++
			s.metrics.EventsDuplicate.WithLabelValues(kindTransfer, t.Chain).Inc()
			continue
		}

		result.Accepted++
		s.metrics.EventsStored.WithLabelValues(kindTransfer, t.Chain).Inc()
		if lag := ingestedAt.Sub(t.Timestamp); lag >= 0 {
			s.metrics.IngestLag.WithLabelValues(t.Chain).Observe(lag.Seconds())
		}
	}

	if result.Malformed > 0 || result.Duplicates > 0 {
		s.logger.Info("Ingested transfer batch",
			zap.Int("accepted", result.Accepted),
			zap.Int("duplicates", result.Duplicates),
			zap.Int("malformed", result.Malformed))
	}
	return result, nil
}

// IngestBalances stores a batch of balance snapshots keyed by (address, chain, blockHeight-or-timestamp)
func (s *IngestionService) IngestBalances(ctx context.Context, balances []*entity.BalanceSnapshot) (IngestResult, error) {
	var result IngestResult
	seen := make(map[string]struct{}, len(balances))
	ingestedAt := s.now().UTC()

	for _, raw := range balances {
		b, err := NormalizeBalance(raw)
		if err != nil {
			result.Malformed++
			s.metrics.EventsMalformed.WithLabelValues(kindBalance).Inc()
			s.logger.Warn("Skipping malformed balance snapshot", zap.Error(err))
			continue
		}
		s.metrics.EventsIn.WithLabelValues(kindBalance, b.Chain).Inc()

		key := b.Key()
		if _, dup := seen[key]; dup {
			result.Duplicates++
			s.metrics.EventsDuplicate.WithLabelValues(kindBalance, b.Chain).Inc()
			continue
		}
		seen[key] = struct{}{}

		b.IngestedAt = ingestedAt
		if err := s.events.UpsertBalance(ctx, b); err != nil {
			return result, fmt.Errorf("failed to store balance %s: %w", key, err)
		}
		result.Accepted++
		s.metrics.EventsStored.WithLabelValues(kindBalance, b.Chain).Inc()
	}
	return result, nil
}

// NormalizeTransfer validates a transfer and returns a canonical copy
func NormalizeTransfer(raw *entity.TransferEvent) (*entity.TransferEvent, error) {
	if raw == nil {
		return nil, fmt.Errorf("%w: nil transfer", domain_service.ErrMalformedEvidence)
	}
	t := *raw
	t.Chain = strings.ToLower(strings.TrimSpace(t.Chain))
	t.TxHash = strings.TrimSpace(t.TxHash)

	switch {
	case t.Chain == "":
		return nil, fmt.Errorf("%w: transfer %s has no chain", domain_service.ErrMalformedEvidence, t.TxHash)
	case t.TxHash == "":
		return nil, fmt.Errorf("%w: transfer on %s has no tx hash", domain_service.ErrMalformedEvidence, t.Chain)
	case t.LogIndex == entity.UnknownLogIndex:
		return nil, fmt.Errorf("%w: transfer %s has no log index", domain_service.ErrMalformedEvidence, t.TxHash)
	case t.Timestamp.IsZero():
		return nil, fmt.Errorf("%w: transfer %s has no timestamp", domain_service.ErrMalformedEvidence, t.TxHash)
	case math.IsNaN(t.AmountUSD) || math.IsInf(t.AmountUSD, 0) || t.AmountUSD < 0:
		return nil, fmt.Errorf("%w: transfer %s has invalid amount %v", domain_service.ErrMalformedEvidence, t.TxHash, t.AmountUSD)
	}

	var err error
	if t.FromAddress, err = domain_service.NormalizeAddress(t.Chain, t.FromAddress); err != nil {
		return nil, fmt.Errorf("transfer %s from: %w", t.TxHash, err)
	}
	if t.ToAddress, err = domain_service.NormalizeAddress(t.Chain, t.ToAddress); err != nil {
		return nil, fmt.Errorf("transfer %s to: %w", t.TxHash, err)
	}
	if _, evm := domain_service.EVMChains[t.Chain]; evm {
		t.TxHash = strings.ToLower(t.TxHash)
	}

	t.Timestamp = t.Timestamp.UTC()
	t.CounterpartyType = entity.ParseCounterpartyType(string(t.CounterpartyType))
	tags := make([]string, 0, len(raw.Tags))
	for _, tag := range raw.Tags {
		if tag = strings.ToLower(strings.TrimSpace(tag)); tag != "" {
			tags = append(tags, tag)
		}
	}
	t.Tags = tags
	return &t, nil
}

// NormalizeBalance validates a balance snapshot and returns a canonical copy
func NormalizeBalance(raw *entity.BalanceSnapshot) (*entity.BalanceSnapshot, error) {
	if raw == nil {
		return nil, fmt.Errorf("%w: nil balance", domain_service.ErrMalformedEvidence)
	}
	b := *raw
	b.Chain = strings.ToLower(strings.TrimSpace(b.Chain))

	switch {
	case b.Chain == "":
		return nil, fmt.Errorf("%w: balance of %s has no chain", domain_service.ErrMalformedEvidence, b.Address)
	case b.Timestamp.IsZero():
		return nil, fmt.Errorf("%w: balance of %s has no timestamp", domain_service.ErrMalformedEvidence, b.Address)
	case math.IsNaN(b.BalanceUSD) || math.IsInf(b.BalanceUSD, 0) || b.BalanceUSD < 0:
		return nil, fmt.Errorf("%w: balance of %s is invalid: %v", domain_service.ErrMalformedEvidence, b.Address, b.BalanceUSD)
	case b.DormantDays < 0:
		return nil, fmt.Errorf("%w: balance of %s has negative dormancy", domain_service.ErrMalformedEvidence, b.Address)
	}

	var err error
	if b.Address, err = domain_service.NormalizeAddress(b.Chain, b.Address); err != nil {
		return nil, fmt.Errorf("balance: %w", err)
	}
	b.Timestamp = b.Timestamp.UTC()
	return &b, nil
}
