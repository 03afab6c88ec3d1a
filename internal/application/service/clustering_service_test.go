package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"whale-cluster-engine/internal/domain/entity"
	"whale-cluster-engine/internal/domain/repository"
	domain_service "whale-cluster-engine/internal/domain/service"
	"whale-cluster-engine/internal/infrastructure/memory"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bucketWidth = 15 * time.Minute

var (
	whale   = addr(0xA1)
	deposit = addr(0xB1)
)

// depositTo builds a high-value transfer from whale to a labelled exchange deposit address
func depositTo(amount float64, ts time.Time, logIndex uint32) *entity.TransferEvent {
	t := newTransfer(whale, deposit, amount, ts, logIndex)
	t.ToEntityLabel = "Binance 7"
	return t
}

// seedCEXInflow ingests one exchange deposit into each of the first n buckets
func seedCEXInflow(t *testing.T, e *testEngine, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		start := bucket0.Add(time.Duration(i) * bucketWidth)
		e.ingestAt(t, start.Add(5*time.Minute), depositTo(150_000+float64(i)*50_000, start.Add(4*time.Minute), 0))
	}
}

func TestRunCycle_ConfirmsAfterTwoBuckets(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	seedCEXInflow(t, e, 2)

	first, err := e.clustering.RunCycle(ctx, bucket0)
	require.NoError(t, err)
	assert.False(t, first.Skipped)
	assert.Equal(t, bucket0.Add(bucketWidth), first.EvaluatedAt)
	assert.Equal(t, 1, first.Transfers)
	// The exchange side is never a whale subject
	assert.Equal(t, 1, first.Evidence)
	assert.Equal(t, 1, first.Candidates)
	assert.Equal(t, 1, first.Addresses)
	assert.Equal(t, 0, first.Confirmed)
	assert.Equal(t, 0.0, first.KeepRate["ethereum"])

	_, err = e.query.GetAssignment(ctx, whale, "ethereum")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	second, err := e.clustering.RunCycle(ctx, bucket0.Add(bucketWidth))
	require.NoError(t, err)
	assert.Equal(t, 1, second.Confirmed)
	assert.Equal(t, 1.0, second.KeepRate["ethereum"])

	got, err := e.query.GetAssignment(ctx, whale, "ethereum")
	require.NoError(t, err)
	assert.Equal(t, entity.ClusterCEXInflow, got.CurrentCluster)
	assert.Equal(t, bucket0.Add(2*bucketWidth), got.ConfirmedAt)
	assert.Equal(t, got.ConfirmedAt.Add(6*time.Hour), got.CoolDownUntil)
	assert.InDelta(t, 0.85, got.Confidence, 1e-9)
	assert.Contains(t, got.ReasonCodes, domain_service.ReasonExchangeDest)
	assert.Contains(t, got.ReasonCodes, domain_service.ReasonHighValue)

	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.Transitions.WithLabelValues("ethereum", "NONE", "CEX_INFLOW")))
	assert.Equal(t, 2.0, testutil.ToFloat64(e.metrics.CycleRuns.WithLabelValues("success")))
}

func TestRunCycle_AggregatesMatchAssignments(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	seedCEXInflow(t, e, 2)
	e.ingestion.now = func() time.Time { return bucket0 }
	_, err := e.ingestion.IngestBalances(ctx, []*entity.BalanceSnapshot{
		{Address: whale, Chain: "ethereum", BalanceUSD: 2_000_000, Timestamp: bucket0.Add(-time.Hour)},
	})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := e.clustering.RunCycle(ctx, bucket0.Add(time.Duration(i)*bucketWidth))
		require.NoError(t, err)
	}

	for _, scope := range []string{"ethereum", ""} {
		aggs, err := e.query.ListClusters(ctx, scope, 0)
		require.NoError(t, err)
		require.Len(t, aggs, 1, "scope %q", scope)
		agg := aggs[0]
		assert.Equal(t, entity.ClusterCEXInflow, agg.ClusterType)
		assert.Equal(t, 1, agg.MembersCount)
		assert.Equal(t, agg.MembersCount, len(agg.MemberAddresses))
		assert.Equal(t, 2_000_000.0, agg.SumBalanceUSD)
		assert.Equal(t, -350_000.0, agg.NetFlow24h)
		assert.Equal(t, bucket0.Add(2*bucketWidth), agg.ComputedAt)
		assert.Greater(t, agg.RiskScore, 0.0)
	}

	all, err := e.query.ListClusters(ctx, "", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"ethereum:" + whale}, all[0].MemberAddresses)
	assert.Equal(t, "all:cex_inflow", all[0].ClusterID)
}

func TestRunCycle_ReplayIsIdempotent(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	seedCEXInflow(t, e, 2)

	// Bucket 0 replayed: its thread keys merge, it still counts once
	for _, b := range []time.Time{bucket0, bucket0, bucket0.Add(bucketWidth)} {
		_, err := e.clustering.RunCycle(ctx, b)
		require.NoError(t, err)
	}
	first, err := e.query.GetAssignment(ctx, whale, "ethereum")
	require.NoError(t, err)

	report, err := e.clustering.RunCycle(ctx, bucket0)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Confirmed)

	again, err := e.query.GetAssignment(ctx, whale, "ethereum")
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.Equal(t, int64(0), again.Transitions)
}

func TestRunCycle_SingleBucketNeverConfirms(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	start := bucket0
	// Several deposits inside one bucket are one vote
	e.ingestAt(t, start.Add(5*time.Minute),
		depositTo(150_000, start.Add(1*time.Minute), 0),
		depositTo(160_000, start.Add(2*time.Minute), 1),
		depositTo(170_000, start.Add(3*time.Minute), 2),
	)

	report, err := e.clustering.RunCycle(ctx, bucket0)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Candidates)
	assert.Equal(t, 0, report.Confirmed)

	_, err = e.query.GetAssignment(ctx, whale, "ethereum")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestRunCycle_SkipsChainWithoutThresholds(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	seedCEXInflow(t, e, 2)

	for i := 0; i < 2; i++ {
		start := bucket0.Add(time.Duration(i) * bucketWidth)
		tr := &entity.TransferEvent{
			TxHash:        fmt.Sprintf("tron-%d", i),
			FromAddress:   "TWhaleAddress",
			ToAddress:     "TExchange",
			ToEntityLabel: "Binance hot wallet",
			Chain:         "tron",
			AmountUSD:     5_000_000,
			Timestamp:     start.Add(4 * time.Minute),
		}
		e.ingestAt(t, start.Add(6*time.Minute), tr)
	}

	var last *CycleReport
	for i := 0; i < 2; i++ {
		report, err := e.clustering.RunCycle(ctx, bucket0.Add(time.Duration(i)*bucketWidth))
		require.NoError(t, err)
		assert.Equal(t, []string{"tron"}, report.SkippedChains)
		last = report
	}
	assert.Equal(t, 1, last.Confirmed)

	_, err := e.query.GetAssignment(ctx, "TWhaleAddress", "tron")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	_, err = e.query.GetAssignment(ctx, whale, "ethereum")
	assert.NoError(t, err)
	assert.Equal(t, 2.0, testutil.ToFloat64(e.metrics.ChainsSkipped.WithLabelValues("tron", "quantile_unavailable")))
}

func TestRunCycle_SkippedWhenLockHeld(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	seedCEXInflow(t, e, 1)

	release, ok, err := e.lock.TryLock(ctx, fmt.Sprintf("whale-cycle:%d", bucket0.Unix()), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	report, err := e.clustering.RunCycle(ctx, bucket0)
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Equal(t, 0, report.Candidates)

	require.NoError(t, release(ctx))
	report, err = e.clustering.RunCycle(ctx, bucket0)
	require.NoError(t, err)
	assert.False(t, report.Skipped)
	assert.Equal(t, 1, report.Candidates)
}

// conflictingStates rejects the first n commits of every state as stale
type conflictingStates struct {
	*memory.StateStore
	mu        sync.Mutex
	remaining int
}

func (c *conflictingStates) CommitStates(ctx context.Context, states []*entity.StabilizerState) ([]entity.AddressKey, error) {
	c.mu.Lock()
	reject := c.remaining > 0
	if reject {
		c.remaining--
	}
	c.mu.Unlock()

	if !reject {
		return c.StateStore.CommitStates(ctx, states)
	}
	keys := make([]entity.AddressKey, 0, len(states))
	for _, s := range states {
		keys = append(keys, s.Key())
	}
	return keys, nil
}

func TestRunCycle_RetriesConflictOnce(t *testing.T) {
	states := &conflictingStates{StateStore: memory.NewStateStore(), remaining: 1}
	e := newTestEngine(t, states)
	ctx := context.Background()
	seedCEXInflow(t, e, 2)

	for i := 0; i < 2; i++ {
		report, err := e.clustering.RunCycle(ctx, bucket0.Add(time.Duration(i)*bucketWidth))
		require.NoError(t, err)
		assert.Equal(t, 0, report.Conflicts)
	}

	got, err := e.query.GetAssignment(ctx, whale, "ethereum")
	require.NoError(t, err)
	assert.Equal(t, entity.ClusterCEXInflow, got.CurrentCluster)
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.AssignmentConflicts.WithLabelValues("ethereum")))
}

func TestRunCycle_DropsPersistentConflict(t *testing.T) {
	states := &conflictingStates{StateStore: memory.NewStateStore(), remaining: 100}
	e := newTestEngine(t, states)
	ctx := context.Background()
	seedCEXInflow(t, e, 2)

	for i := 0; i < 2; i++ {
		report, err := e.clustering.RunCycle(ctx, bucket0.Add(time.Duration(i)*bucketWidth))
		require.NoError(t, err)
		assert.Equal(t, 1, report.Conflicts)
		assert.Equal(t, 0, report.Confirmed)
	}

	_, err := e.query.GetAssignment(ctx, whale, "ethereum")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestRunDueCycles_CatchesUpMissedBuckets(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	seedCEXInflow(t, e, 3)

	// First run only processes the bucket that just closed
	reports, err := e.clustering.RunDueCycles(ctx, bucket0.Add(bucketWidth+time.Minute))
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, bucket0, reports[0].BucketStart)

	// Two ticks missed: both closed buckets are processed in order
	reports, err = e.clustering.RunDueCycles(ctx, bucket0.Add(3*bucketWidth+time.Minute))
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, bucket0.Add(bucketWidth), reports[0].BucketStart)
	assert.Equal(t, bucket0.Add(2*bucketWidth), reports[1].BucketStart)
	assert.Equal(t, 1, reports[0].Confirmed)

	// Same tick again is a no-op
	reports, err = e.clustering.RunDueCycles(ctx, bucket0.Add(3*bucketWidth+2*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, reports)
}

func TestRunDueCycles_BoundsCatchUp(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := e.clustering.RunDueCycles(ctx, bucket0.Add(time.Minute))
	require.NoError(t, err)

	reports, err := e.clustering.RunDueCycles(ctx, bucket0.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, reports, 8)
	assert.Equal(t, bucket0.Add(24*time.Hour-bucketWidth), reports[7].BucketStart)
}

// flakyStates fails the first n state loads that include the given address
type flakyStates struct {
	*memory.StateStore
	address   string
	mu        sync.Mutex
	remaining int
}

func (f *flakyStates) LoadStates(ctx context.Context, keys []entity.AddressKey) (map[entity.AddressKey]*entity.StabilizerState, error) {
	f.mu.Lock()
	fail := false
	for _, k := range keys {
		if k.Address == f.address && f.remaining > 0 {
			f.remaining--
			fail = true
			break
		}
	}
	f.mu.Unlock()

	if fail {
		return nil, errors.New("neo4j: session expired")
	}
	return f.StateStore.LoadStates(ctx, keys)
}

func TestRunDueCycles_PartialLoadFailureRetriesWholeBucket(t *testing.T) {
	states := &flakyStates{StateStore: memory.NewStateStore(), address: whale, remaining: 1}
	e := newTestEngine(t, states)
	ctx := context.Background()
	other := addr(0xA2)
	for i := 0; i < 2; i++ {
		start := bucket0.Add(time.Duration(i) * bucketWidth)
		second := newTransfer(other, deposit, 200_000, start.Add(3*time.Minute), 0)
		second.ToEntityLabel = "Binance 7"
		e.ingestAt(t, start.Add(5*time.Minute), depositTo(200_000, start.Add(4*time.Minute), 0), second)
	}

	_, err := e.clustering.RunDueCycles(ctx, bucket0.Add(time.Minute))
	require.NoError(t, err)

	reports, err := e.clustering.RunDueCycles(ctx, bucket0.Add(bucketWidth+time.Minute))
	require.Error(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, bucket0, reports[0].BucketStart)

	// Nothing of the failed bucket was written
	stored, err := states.StateStore.LoadStates(ctx, []entity.AddressKey{
		{Address: whale, Chain: "ethereum"},
		{Address: other, Chain: "ethereum"},
	})
	require.NoError(t, err)
	assert.Empty(t, stored)

	// The failed bucket is processed again before the next one
	reports, err = e.clustering.RunDueCycles(ctx, bucket0.Add(2*bucketWidth+time.Minute))
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, bucket0, reports[0].BucketStart)
	assert.Equal(t, 2, reports[1].Confirmed)

	for _, a := range []string{whale, other} {
		got, err := e.query.GetAssignment(ctx, a, "ethereum")
		require.NoError(t, err, a)
		assert.Equal(t, entity.ClusterCEXInflow, got.CurrentCluster)
	}
}

func TestRunCycle_DormantWalletWakes(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	wake := bucket0.Add(4 * time.Minute)
	e.ingestion.now = func() time.Time { return wake }
	_, err := e.ingestion.IngestBalances(ctx, []*entity.BalanceSnapshot{
		{Address: whale, Chain: "ethereum", BalanceUSD: 2_000_000, DormantDays: 45, Timestamp: wake},
	})
	require.NoError(t, err)
	e.ingestAt(t, wake.Add(time.Minute), newTransfer(whale, addr(0xC1), 75_000, wake, 0))

	report, err := e.clustering.RunCycle(ctx, bucket0)
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.Candidates.WithLabelValues("ethereum", string(entity.ClusterDormantWaking))))
	assert.GreaterOrEqual(t, report.Candidates, 1)

	stored, err := e.states.LoadStates(ctx, []entity.AddressKey{{Address: whale, Chain: "ethereum"}})
	require.NoError(t, err)
	st := stored[entity.AddressKey{Address: whale, Chain: "ethereum"}]
	require.NotNil(t, st)
	require.Len(t, st.Buckets, 1)
	assert.Equal(t, entity.ClusterDormantWaking, st.Buckets[0].ClusterType)
	assert.InDelta(t, 0.9, st.Buckets[0].Confidence, 1e-9)
	assert.Contains(t, st.Buckets[0].ReasonCodes, domain_service.ReasonFirstTxLarge)
}

func TestRunCycle_DormantWalletWokeBeforeSignalWindow(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	snapAt := bucket0.Add(-72 * time.Hour)
	e.ingestion.now = func() time.Time { return snapAt }
	_, err := e.ingestion.IngestBalances(ctx, []*entity.BalanceSnapshot{
		{Address: whale, Chain: "ethereum", BalanceUSD: 2_000_000, DormantDays: 45, Timestamp: snapAt},
	})
	require.NoError(t, err)

	earlier := bucket0.Add(-48 * time.Hour)
	e.ingestAt(t, earlier.Add(time.Minute), newTransfer(whale, addr(0xC1), 60_000, earlier, 0))
	e.ingestAt(t, bucket0.Add(5*time.Minute), newTransfer(whale, addr(0xC2), 75_000, bucket0.Add(4*time.Minute), 0))

	_, err = e.clustering.RunCycle(ctx, bucket0)
	require.NoError(t, err)
	assert.Equal(t, 0.0, testutil.ToFloat64(e.metrics.Candidates.WithLabelValues("ethereum", string(entity.ClusterDormantWaking))))
}
