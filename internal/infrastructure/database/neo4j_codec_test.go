package database

import (
	"testing"
	"time"

	"whale-cluster-engine/internal/domain/entity"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateCodec_RoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	st := &entity.StabilizerState{
		Address: "0xa1",
		Chain:   "ethereum",
		Buckets: []entity.BucketVote{
			{BucketStart: at.Add(-30 * time.Minute), ClusterType: entity.ClusterCEXInflow, Confidence: 0.85, ReasonCodes: []string{"EXCHANGE_DEST"}, ThreadKeys: []string{"ethereum:0xa1:CEX_INFLOW"}},
		},
		Assignment: &entity.ClusterAssignment{
			Address:        "0xa1",
			Chain:          "ethereum",
			CurrentCluster: entity.ClusterCEXInflow,
			Confidence:     0.85,
			ConfirmedAt:    at,
			CoolDownUntil:  at.Add(6 * time.Hour),
			ReasonCodes:    []string{"EXCHANGE_DEST"},
			Transitions:    2,
		},
		Version:   3,
		UpdatedAt: at,
	}

	row, err := stateParams(st)
	require.NoError(t, err)
	assert.Equal(t, "ethereum:0xa1", row["key"])

	// The driver hands lists back as []any
	row["reason_codes"] = []any{"EXCHANGE_DEST"}
	got, err := stateFromRow(row)
	require.NoError(t, err)
	assert.Equal(t, st, got)
}

func TestStateCodec_NoAssignment(t *testing.T) {
	st := &entity.StabilizerState{Address: "0xa1", Chain: "ethereum"}
	row, err := stateParams(st)
	require.NoError(t, err)
	assert.Equal(t, "", row["current_cluster"])
	assert.Nil(t, row["confirmed_at"])

	got, err := stateFromRow(row)
	require.NoError(t, err)
	assert.Nil(t, got.Assignment)
}

func TestStateCodec_CorruptBuckets(t *testing.T) {
	_, err := stateFromRow(map[string]any{"chain": "ethereum", "address": "0xa1", "buckets": "{"})
	assert.Error(t, err)
}

func TestAggregateCodec(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	a := &entity.ClusterAggregate{
		ClusterID:       "all:distribution",
		ClusterType:     entity.ClusterDistribution,
		Scope:           "all",
		MembersCount:    2,
		SumBalanceUSD:   10,
		NetFlow24h:      -5,
		RiskScore:       0.5,
		Confidence:      0.75,
		MemberAddresses: []string{"base:0xa", "ethereum:0xb"},
		ComputedAt:      at,
	}
	row := aggregateParams(a)
	row["member_addresses"] = []any{"base:0xa", "ethereum:0xb"}
	assert.Equal(t, a, aggregateFromRow(row))

	aggs := []*entity.ClusterAggregate{
		{ClusterType: entity.ClusterAccumulation},
		{ClusterType: entity.ClusterDormantWaking},
		{ClusterType: entity.ClusterCEXInflow},
	}
	sortAggregates(aggs)
	assert.Equal(t, entity.ClusterDormantWaking, aggs[0].ClusterType)
	assert.Equal(t, entity.ClusterAccumulation, aggs[2].ClusterType)
}

func TestQuantileCodec(t *testing.T) {
	q := &entity.ChainQuantiles{
		Chain: "base", Q70USD: 1, Q85USD: 2, Q80NetInUSD: 3, Q80NetOutUSD: 4, Q80DefiUSD: 5,
		SampleCount: 250, ComputedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	assert.Equal(t, q, quantilesFromRow(quantileParams(q)))
}
