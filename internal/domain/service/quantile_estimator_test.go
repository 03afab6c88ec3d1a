package service

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"whale-cluster-engine/internal/domain/entity"
	"whale-cluster-engine/internal/infrastructure/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testFloors = entity.ThresholdFloors{
	Q70USD:       50_000,
	Q85USD:       100_000,
	Q80NetInUSD:  100_000,
	Q80NetOutUSD: 100_000,
	Q80DefiUSD:   50_000,
}

func TestQuantile(t *testing.T) {
	sorted := []float64{10, 20, 30, 40, 50}

	assert.Equal(t, 0.0, Quantile(nil, 0.5))
	assert.Equal(t, 10.0, Quantile(sorted, 0))
	assert.Equal(t, 50.0, Quantile(sorted, 1))
	assert.Equal(t, 30.0, Quantile(sorted, 0.5))
	assert.InDelta(t, 38.0, Quantile(sorted, 0.7), 1e-9)
	assert.InDelta(t, 44.0, Quantile(sorted, 0.85), 1e-9)
}

func TestComputeQuantiles_FallbackBelowMinSamples(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	var transfers []*entity.TransferEvent
	for i := 0; i < 199; i++ {
		// Tiny amounts would produce a near-zero q70 if they were used
		transfers = append(transfers, transfer("base", "0xa", "0xb", 1, now.Add(-time.Duration(i)*time.Minute), uint32(i)))
	}

	q := ComputeQuantiles("base", transfers, testFloors, 200, now)

	assert.True(t, q.Fallback)
	assert.Equal(t, 199, q.SampleCount)
	assert.Equal(t, testFloors.Q70USD, q.Q70USD)
	assert.Equal(t, testFloors.Q85USD, q.Q85USD)
	assert.Equal(t, testFloors.Q80DefiUSD, q.Q80DefiUSD)
}

func TestComputeQuantiles_DuplicatesDoNotCountAsSamples(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	one := transfer("base", "0xa", "0xb", 1_000, now, 0)
	transfers := make([]*entity.TransferEvent, 0, 300)
	for i := 0; i < 300; i++ {
		transfers = append(transfers, one)
	}

	q := ComputeQuantiles("base", transfers, testFloors, 200, now)

	assert.True(t, q.Fallback)
	assert.Equal(t, 1, q.SampleCount)
}

func TestComputeQuantiles_Monotonicity(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for run := 0; run < 50; run++ {
		var transfers []*entity.TransferEvent
		n := 200 + rng.Intn(300)
		for i := 0; i < n; i++ {
			amount := rng.ExpFloat64() * 80_000
			tr := transfer("ethereum",
				[]string{"0xa", "0xb", "0xc", "0xd"}[rng.Intn(4)],
				[]string{"0xe", "0xf", "0x1"}[rng.Intn(3)],
				amount, now.Add(-time.Duration(rng.Intn(30*24))*time.Hour), uint32(i))
			if rng.Intn(4) == 0 {
				tr.Tags = []string{"swap"}
			}
			transfers = append(transfers, tr)
		}

		q := ComputeQuantiles("ethereum", transfers, entity.ThresholdFloors{}, 200, now)

		require.False(t, q.Fallback)
		assert.GreaterOrEqual(t, q.Q70USD, 0.0)
		assert.GreaterOrEqual(t, q.Q85USD, q.Q70USD)
		assert.GreaterOrEqual(t, q.Q80NetInUSD, 0.0)
		assert.GreaterOrEqual(t, q.Q80NetOutUSD, 0.0)
		assert.GreaterOrEqual(t, q.Q80DefiUSD, 0.0)
	}
}

func TestQuantileEstimator_GetThresholds(t *testing.T) {
	policy := entity.ThresholdPolicy{"ethereum": testFloors}
	est := NewQuantileEstimator(&fakeEvents{}, nil, policy, QuantileConfig{Chains: []string{"ethereum"}}, logger.NewNop())

	q, err := est.GetThresholds("ethereum")
	require.NoError(t, err)
	assert.True(t, q.Fallback)
	assert.Equal(t, 50_000.0, q.Q70USD)

	_, err = est.GetThresholds("solana")
	assert.ErrorIs(t, err, ErrQuantileUnavailable)
}

func TestQuantileEstimator_RecomputePublishes(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	var transfers []*entity.TransferEvent
	for i := 0; i < 250; i++ {
		transfers = append(transfers, transfer("ethereum", "0xa", "0xb", float64(1000*(i+1)), now.Add(-time.Duration(i)*time.Hour), uint32(i)))
	}
	store := &fakeQuantileStore{}
	policy := entity.ThresholdPolicy{entity.DefaultPolicyKey: testFloors}
	est := NewQuantileEstimator(&fakeEvents{transfers: transfers}, store, policy,
		QuantileConfig{Chains: []string{"ethereum"}}, logger.NewNop())

	results, err := est.Recompute(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Fallback)
	assert.Equal(t, 250, results[0].SampleCount)

	q, err := est.GetThresholds("ethereum")
	require.NoError(t, err)
	assert.Equal(t, results[0].Q70USD, q.Q70USD)
	assert.Contains(t, store.saved, "ethereum")

	// A fresh estimator warms from the store instead of serving floors
	warm := NewQuantileEstimator(&fakeEvents{}, store, policy, QuantileConfig{}, logger.NewNop())
	require.NoError(t, warm.Warm(context.Background()))
	q2, err := warm.GetThresholds("ethereum")
	require.NoError(t, err)
	assert.False(t, q2.Fallback)
	assert.Equal(t, q.Q85USD, q2.Q85USD)
}

func TestQuantileEstimator_ChainFailureIsolated(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	policy := entity.ThresholdPolicy{entity.DefaultPolicyKey: testFloors}
	events := &fakeEvents{
		transfers: []*entity.TransferEvent{transfer("base", "0xa", "0xb", 10, now.Add(-time.Hour), 0)},
		failFor:   map[string]bool{"ethereum": true},
	}
	est := NewQuantileEstimator(events, nil, policy,
		QuantileConfig{Chains: []string{"ethereum", "base"}}, logger.NewNop())

	results, err := est.Recompute(context.Background(), now)
	require.Error(t, err)
	assert.ErrorIs(t, err, errStoreDown)
	require.Len(t, results, 1)
	assert.Equal(t, "base", results[0].Chain)
	assert.True(t, results[0].Fallback)
}

func TestQuantileEstimator_NoFloorAndSparseChain(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	est := NewQuantileEstimator(&fakeEvents{}, nil, entity.ThresholdPolicy{},
		QuantileConfig{Chains: []string{"tron"}}, logger.NewNop())

	_, err := est.RecomputeChain(context.Background(), "tron", now)
	assert.ErrorIs(t, err, ErrQuantileUnavailable)
}
