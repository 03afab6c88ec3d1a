package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"whale-cluster-engine/internal/domain/entity"
	"whale-cluster-engine/internal/domain/repository"
	domain_service "whale-cluster-engine/internal/domain/service"
	"whale-cluster-engine/internal/infrastructure/logger"
	"whale-cluster-engine/internal/infrastructure/memory"
	"whale-cluster-engine/internal/infrastructure/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

var bucket0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var testFloors = entity.ThresholdFloors{
	Q70USD:       50_000,
	Q85USD:       100_000,
	Q80NetInUSD:  100_000,
	Q80NetOutUSD: 100_000,
	Q80DefiUSD:   50_000,
}

type testEngine struct {
	events     *memory.EventStore
	states     repository.StateRepository
	aggregates *memory.AggregateStore
	lock       *memory.Lock
	metrics    *metrics.Metrics
	ingestion  *IngestionService
	clustering *ClusteringService
	query      *ClusterQueryService
}

func newTestEngine(t *testing.T, states repository.StateRepository) *testEngine {
	t.Helper()
	log := logger.NewNop()
	if states == nil {
		states = memory.NewStateStore()
	}
	e := &testEngine{
		events:     memory.NewEventStore(),
		states:     states,
		aggregates: memory.NewAggregateStore(),
		lock:       memory.NewLock(),
		metrics:    metrics.NewMetrics(prometheus.NewRegistry()),
	}

	policy := entity.ThresholdPolicy{"ethereum": testFloors}
	estimator := domain_service.NewQuantileEstimator(e.events, e.aggregates, policy,
		domain_service.QuantileConfig{Chains: []string{"ethereum"}}, log)
	stabilizer := domain_service.NewStabilizer(domain_service.DefaultStabilizerConfig())

	e.ingestion = NewIngestionService(e.events, e.metrics, log)
	e.clustering = NewClusteringService(
		e.events, e.states, e.aggregates, estimator,
		domain_service.NewSignalNormalizer(nil, nil, log),
		domain_service.NewRuleClassifier(domain_service.DefaultRulePolicy()),
		stabilizer,
		domain_service.NewClusterAggregator(nil),
		e.lock,
		ClusteringConfig{Chains: []string{"ethereum"}, Workers: 3, BatchSize: 2},
		e.metrics, log,
	)
	t.Cleanup(e.clustering.Stop)
	e.query = NewClusterQueryService(e.aggregates, e.states, log)
	return e
}

// ingestAt ingests transfers as if received at the given instant
func (e *testEngine) ingestAt(t *testing.T, at time.Time, transfers ...*entity.TransferEvent) IngestResult {
	t.Helper()
	e.ingestion.now = func() time.Time { return at }
	res, err := e.ingestion.IngestTransfers(context.Background(), transfers)
	require.NoError(t, err)
	return res
}

func addr(n int) string {
	return fmt.Sprintf("0x%040x", n)
}

func newTransfer(from, to string, amount float64, ts time.Time, logIndex uint32) *entity.TransferEvent {
	return &entity.TransferEvent{
		TxHash:      fmt.Sprintf("0x%064x", ts.UnixNano()),
		LogIndex:    logIndex,
		FromAddress: from,
		ToAddress:   to,
		Chain:       "ethereum",
		Token:       "USDT",
		AmountUSD:   amount,
		Timestamp:   ts,
		Provenance:  entity.Provenance{Provider: "test", Method: "fixture"},
	}
}
