package service

import (
	"context"
	"testing"
	"time"

	"whale-cluster-engine/internal/domain/entity"
	"whale-cluster-engine/internal/domain/repository"
	domain_service "whale-cluster-engine/internal/domain/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListClusters_Window(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	computed := bucket0.Add(bucketWidth)
	require.NoError(t, e.aggregates.ReplaceAggregates(ctx, "ethereum", []*entity.ClusterAggregate{
		{ClusterID: "ethereum:cex_inflow", ClusterType: entity.ClusterCEXInflow, Scope: "ethereum", MembersCount: 1, ComputedAt: computed},
	}))

	e.query.now = func() time.Time { return computed.Add(10 * time.Minute) }

	fresh, err := e.query.ListClusters(ctx, " Ethereum", time.Hour)
	require.NoError(t, err)
	assert.Len(t, fresh, 1)

	stale, err := e.query.ListClusters(ctx, "ethereum", 5*time.Minute)
	require.NoError(t, err)
	assert.Empty(t, stale)

	none, err := e.query.ListClusters(ctx, "", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestGetAssignment_NormalizesAddress(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	seedCEXInflow(t, e, 2)
	for i := 0; i < 2; i++ {
		_, err := e.clustering.RunCycle(ctx, bucket0.Add(time.Duration(i)*bucketWidth))
		require.NoError(t, err)
	}

	upper := "0x" + "00000000000000000000000000000000000000A1"
	got, err := e.query.GetAssignment(ctx, upper, "ETHEREUM")
	require.NoError(t, err)
	assert.Equal(t, whale, got.Address)

	_, err = e.query.GetAssignment(ctx, addr(0xFF), "ethereum")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	_, err = e.query.GetAssignment(ctx, "not-an-address", "ethereum")
	assert.ErrorIs(t, err, domain_service.ErrMalformedEvidence)
}
