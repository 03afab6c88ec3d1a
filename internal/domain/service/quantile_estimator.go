package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"whale-cluster-engine/internal/domain/entity"
	"whale-cluster-engine/internal/domain/repository"
	"whale-cluster-engine/internal/infrastructure/logger"

	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

// DeFiTags are the free-text tags that mark a transfer as DeFi activity
var DeFiTags = map[string]struct{}{
	"swap":      {},
	"lend":      {},
	"stake":     {},
	"bridge":    {},
	"yield":     {},
	"liquidity": {},
	"perps":     {},
}

// QuantileConfig tunes the rolling window estimation
type QuantileConfig struct {
	Window     time.Duration
	MinSamples int
	Chains     []string
}

// QuantileEstimator maintains rolling per-chain thresholds and publishes the latest snapshot.
// Classification only ever reads the published snapshot and never waits on a recompute.
type QuantileEstimator struct {
	events    repository.EventRepository
	store     repository.QuantileRepository
	policy    entity.ThresholdPolicy
	config    QuantileConfig
	published *xsync.Map[string, *entity.ChainQuantiles]
	logger    *logger.Logger
}

// NewQuantileEstimator creates a new quantile estimator. store may be nil.
func NewQuantileEstimator(
	events repository.EventRepository,
	store repository.QuantileRepository,
	policy entity.ThresholdPolicy,
	config QuantileConfig,
	logger *logger.Logger,
) *QuantileEstimator {
	if config.Window <= 0 {
		config.Window = 30 * 24 * time.Hour
	}
	if config.MinSamples <= 0 {
		config.MinSamples = 200
	}
	return &QuantileEstimator{
		events:    events,
		store:     store,
		policy:    policy,
		config:    config,
		published: xsync.NewMap[string, *entity.ChainQuantiles](),
		logger:    logger.WithComponent("quantile-estimator"),
	}
}

// GetThresholds returns the most recently published quantiles of chain.
// Before the first recompute it serves the static floors flagged as fallback.
func (q *QuantileEstimator) GetThresholds(chain string) (*entity.ChainQuantiles, error) {
	chain = strings.ToLower(chain)
	if published, ok := q.published.Load(chain); ok {
		out := *published
		return &out, nil
	}

	floors, ok := q.policy.FloorsFor(chain)
	if !ok {
		return nil, fmt.Errorf("%w: chain %s", ErrQuantileUnavailable, chain)
	}
	fallback := fallbackQuantiles(chain, floors, 0, time.Time{})
	return &fallback, nil
}

// Warm publishes previously stored quantiles so a restart does not start from floors
func (q *QuantileEstimator) Warm(ctx context.Context) error {
	if q.store == nil {
		return nil
	}
	stored, err := q.store.LoadQuantiles(ctx)
	if err != nil {
		return fmt.Errorf("failed to load stored quantiles: %w", err)
	}
	for _, s := range stored {
		q.published.Store(strings.ToLower(s.Chain), s)
	}
	q.logger.Info("Warmed quantiles from store", zap.Int("chains", len(stored)))
	return nil
}

// Recompute recomputes every configured chain. One chain failing does not stop the others;
// its previously published snapshot stays in place.
func (q *QuantileEstimator) Recompute(ctx context.Context, now time.Time) ([]*entity.ChainQuantiles, error) {
	var (
		results []*entity.ChainQuantiles
		errs    []error
	)
	for _, chain := range q.config.Chains {
		res, err := q.RecomputeChain(ctx, chain, now)
		if err != nil {
			q.logger.Error("Failed to recompute chain quantiles",
				zap.String("chain", chain),
				zap.Error(err))
			errs = append(errs, err)
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

// RecomputeChain recomputes and publishes the quantiles of one chain
func (q *QuantileEstimator) RecomputeChain(ctx context.Context, chain string, now time.Time) (*entity.ChainQuantiles, error) {
	chain = strings.ToLower(chain)

	transfers, err := q.events.ListTransfers(ctx, chain, now.Add(-q.config.Window), now)
	if err != nil {
		return nil, fmt.Errorf("failed to load transfers for %s: %w", chain, err)
	}

	floors, hasFloors := q.policy.FloorsFor(chain)
	if len(transfers) < q.config.MinSamples && !hasFloors {
		return nil, fmt.Errorf("%w: chain %s has %d samples and no fallback floor",
			ErrQuantileUnavailable, chain, len(transfers))
	}

	result := ComputeQuantiles(chain, transfers, floors, q.config.MinSamples, now)

	if q.store != nil {
		if err := q.store.SaveQuantiles(ctx, &result); err != nil {
			// Publishing still happens; the store only serves restarts
			q.logger.Warn("Failed to persist chain quantiles", zap.String("chain", chain), zap.Error(err))
		}
	}
	q.published.Store(chain, &result)

	q.logger.Info("Published chain quantiles",
		zap.String("chain", chain),
		zap.Int("samples", result.SampleCount),
		zap.Bool("fallback", result.Fallback),
		zap.Float64("q70_usd", result.Q70USD),
		zap.Float64("q85_usd", result.Q85USD))

	out := result
	return &out, nil
}

// ComputeQuantiles derives ChainQuantiles from a window of transfers.
// Below minSamples the floors are returned unchanged and the result is flagged as fallback.
func ComputeQuantiles(chain string, transfers []*entity.TransferEvent, floors entity.ThresholdFloors, minSamples int, now time.Time) entity.ChainQuantiles {
	transfers = dedupeTransfers(transfers)
	if len(transfers) < minSamples {
		return fallbackQuantiles(chain, floors, len(transfers), now)
	}

	amounts := make([]float64, 0, len(transfers))
	defi := make([]float64, 0)
	for _, t := range transfers {
		amounts = append(amounts, t.AmountUSD)
		if isDeFiTransfer(t) {
			defi = append(defi, t.AmountUSD)
		}
	}
	netIn, netOut := dailyNetFlows(transfers)

	sort.Float64s(amounts)
	result := entity.ChainQuantiles{
		Chain:        chain,
		Q70USD:       Quantile(amounts, 0.70),
		Q85USD:       Quantile(amounts, 0.85),
		Q80DefiUSD:   seriesQuantile(defi, 0.80, minSamples, floors.Q80DefiUSD),
		Q80NetInUSD:  seriesQuantile(netIn, 0.80, minSamples, floors.Q80NetInUSD),
		Q80NetOutUSD: seriesQuantile(netOut, 0.80, minSamples, floors.Q80NetOutUSD),
		SampleCount:  len(amounts),
		ComputedAt:   now,
	}
	return sanitizeQuantiles(result)
}

// Quantile returns the p-quantile of sorted values using linear interpolation between closest ranks
func Quantile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[n-1]
	}
	idx := p * float64(n-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	return sorted[lo] + (sorted[hi]-sorted[lo])*(idx-float64(lo))
}

func seriesQuantile(values []float64, p float64, minSamples int, floor float64) float64 {
	if len(values) < minSamples && floor > 0 {
		return floor
	}
	sort.Float64s(values)
	return Quantile(values, p)
}

func fallbackQuantiles(chain string, floors entity.ThresholdFloors, samples int, now time.Time) entity.ChainQuantiles {
	return sanitizeQuantiles(entity.ChainQuantiles{
		Chain:        chain,
		Q70USD:       floors.Q70USD,
		Q85USD:       floors.Q85USD,
		Q80NetInUSD:  floors.Q80NetInUSD,
		Q80NetOutUSD: floors.Q80NetOutUSD,
		Q80DefiUSD:   floors.Q80DefiUSD,
		SampleCount:  samples,
		Fallback:     true,
		ComputedAt:   now,
	})
}

// sanitizeQuantiles keeps every threshold non-negative and q85 >= q70
func sanitizeQuantiles(q entity.ChainQuantiles) entity.ChainQuantiles {
	for _, v := range []*float64{&q.Q70USD, &q.Q85USD, &q.Q80NetInUSD, &q.Q80NetOutUSD, &q.Q80DefiUSD} {
		if *v < 0 || math.IsNaN(*v) {
			*v = 0
		}
	}
	if q.Q85USD < q.Q70USD {
		q.Q85USD = q.Q70USD
	}
	return q
}

// dailyNetFlows returns positive per-(address, day) net inflows and the magnitudes of net outflows
func dailyNetFlows(transfers []*entity.TransferEvent) (netIn, netOut []float64) {
	type dayKey struct {
		address string
		day     int64
	}
	flows := make(map[dayKey]float64)
	for _, t := range transfers {
		day := t.Timestamp.UTC().Truncate(24 * time.Hour).Unix()
		if t.FromAddress == t.ToAddress {
			continue
		}
		flows[dayKey{t.ToAddress, day}] += t.AmountUSD
		flows[dayKey{t.FromAddress, day}] -= t.AmountUSD
	}
	for _, f := range flows {
		switch {
		case f > 0:
			netIn = append(netIn, f)
		case f < 0:
			netOut = append(netOut, -f)
		}
	}
	return netIn, netOut
}

func isDeFiTransfer(t *entity.TransferEvent) bool {
	if t.CounterpartyType.IsProtocol() {
		return true
	}
	for _, tag := range t.Tags {
		if _, ok := DeFiTags[tag]; ok {
			return true
		}
	}
	return false
}

// dedupeTransfers drops re-delivered transfers sharing the same idempotency key
func dedupeTransfers(transfers []*entity.TransferEvent) []*entity.TransferEvent {
	seen := make(map[string]struct{}, len(transfers))
	out := make([]*entity.TransferEvent, 0, len(transfers))
	for _, t := range transfers {
		k := t.Key()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, t)
	}
	return out
}
