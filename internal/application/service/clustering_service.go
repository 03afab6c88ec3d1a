package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"whale-cluster-engine/internal/domain/entity"
	"whale-cluster-engine/internal/domain/repository"
	domain_service "whale-cluster-engine/internal/domain/service"
	"whale-cluster-engine/internal/infrastructure/logger"
	"whale-cluster-engine/internal/infrastructure/metrics"
	"whale-cluster-engine/internal/infrastructure/retry"

	"github.com/alitto/pond/v2"
	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CycleLock guarantees a single writer per bucket across replicas
type CycleLock interface {
	// TryLock acquires key for ttl. ok is false when another holder owns it.
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, ok bool, err error)
}

// ClusteringConfig tunes the clustering cycle
type ClusteringConfig struct {
	Chains         []string
	Workers        int
	BatchSize      int
	EvidenceWindow time.Duration
	LockTTL        time.Duration
	// MaxCatchUp bounds how many missed buckets RunDueCycles processes in one call
	MaxCatchUp int
}

// CycleReport summarizes one clustering cycle
type CycleReport struct {
	RunID         string             `json:"run_id"`
	BucketStart   time.Time          `json:"bucket_start"`
	EvaluatedAt   time.Time          `json:"evaluated_at"`
	Skipped       bool               `json:"skipped"`
	Transfers     int                `json:"transfers"`
	Evidence      int                `json:"evidence"`
	Candidates    int                `json:"candidates"`
	Addresses     int                `json:"addresses"`
	Confirmed     int                `json:"confirmed"`
	Suppressed    int                `json:"suppressed"`
	Conflicts     int                `json:"conflicts"`
	SkippedChains []string           `json:"skipped_chains,omitempty"`
	KeepRate      map[string]float64 `json:"keep_rate"`
	Aggregates    int                `json:"aggregates"`
	Duration      time.Duration      `json:"duration"`
}

// ClusteringService runs the scheduled classify -> stabilize -> aggregate cycle
type ClusteringService struct {
	events     repository.EventRepository
	states     repository.StateRepository
	aggregates repository.AggregateRepository
	estimator  *domain_service.QuantileEstimator
	normalizer *domain_service.SignalNormalizer
	classifier *domain_service.RuleClassifier
	stabilizer *domain_service.Stabilizer
	aggregator *domain_service.ClusterAggregator
	lock       CycleLock
	pool       pond.Pool
	config     ClusteringConfig
	metrics    *metrics.Metrics
	logger     *logger.Logger

	mu         sync.Mutex
	lastBucket time.Time
}

// NewClusteringService creates a new clustering service
func NewClusteringService(
	events repository.EventRepository,
	states repository.StateRepository,
	aggregates repository.AggregateRepository,
	estimator *domain_service.QuantileEstimator,
	normalizer *domain_service.SignalNormalizer,
	classifier *domain_service.RuleClassifier,
	stabilizer *domain_service.Stabilizer,
	aggregator *domain_service.ClusterAggregator,
	lock CycleLock,
	config ClusteringConfig,
	m *metrics.Metrics,
	log *logger.Logger,
) *ClusteringService {
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.EvidenceWindow <= 0 {
		config.EvidenceWindow = domain_service.SignalWindow
	}
	if config.LockTTL <= 0 {
		config.LockTTL = stabilizer.Config().BucketWidth
	}
	if config.MaxCatchUp <= 0 {
		config.MaxCatchUp = 8
	}
	return &ClusteringService{
		events:     events,
		states:     states,
		aggregates: aggregates,
		estimator:  estimator,
		normalizer: normalizer,
		classifier: classifier,
		stabilizer: stabilizer,
		aggregator: aggregator,
		lock:       lock,
		pool:       pond.NewPool(config.Workers),
		config:     config,
		metrics:    m,
		logger:     log.WithComponent("clustering-service"),
	}
}

// Stop waits for running tasks and releases the worker pool
func (s *ClusteringService) Stop() {
	s.pool.StopAndWait()
}

// RunDueCycles processes every bucket that closed before firedAt and has not been processed
// by this instance yet, oldest first, bounded by MaxCatchUp
func (s *ClusteringService) RunDueCycles(ctx context.Context, firedAt time.Time) ([]*CycleReport, error) {
	width := s.stabilizer.Config().BucketWidth
	due := s.stabilizer.BucketStart(firedAt).Add(-width)

	s.mu.Lock()
	next := due
	if !s.lastBucket.IsZero() {
		next = s.lastBucket.Add(width)
		if earliest := due.Add(-time.Duration(s.config.MaxCatchUp-1) * width); next.Before(earliest) {
			s.logger.Warn("Dropping missed buckets beyond catch-up limit",
				zap.Time("from", next),
				zap.Time("to", earliest))
			next = earliest
		}
	}
	s.mu.Unlock()

	var reports []*CycleReport
	for b := next; !b.After(due); b = b.Add(width) {
		report, err := s.RunCycle(ctx, b)
		if report != nil {
			reports = append(reports, report)
		}
		if err != nil {
			return reports, err
		}
		s.mu.Lock()
		s.lastBucket = b
		s.mu.Unlock()
	}
	return reports, nil
}

// RunCycle classifies, stabilizes and aggregates the bucket starting at bucketStart.
// Transfers are selected by ingestion time; evaluation happens at the bucket end.
func (s *ClusteringService) RunCycle(ctx context.Context, bucketStart time.Time) (*CycleReport, error) {
	started := time.Now()
	bucketStart = s.stabilizer.BucketStart(bucketStart)
	evalAt := bucketStart.Add(s.stabilizer.Config().BucketWidth)
	report := &CycleReport{
		RunID:       uuid.NewString(),
		BucketStart: bucketStart,
		EvaluatedAt: evalAt,
		KeepRate:    make(map[string]float64),
	}
	log := s.logger.WithFields(map[string]interface{}{
		"run_id":       report.RunID,
		"bucket_start": bucketStart.Format(time.RFC3339),
	})

	release, ok, err := s.lock.TryLock(ctx, fmt.Sprintf("whale-cycle:%d", bucketStart.Unix()), s.config.LockTTL)
	if err != nil {
		s.metrics.CycleRuns.WithLabelValues("error").Inc()
		return report, fmt.Errorf("failed to acquire cycle lock: %w", err)
	}
	if !ok {
		report.Skipped = true
		s.metrics.CycleRuns.WithLabelValues("skipped").Inc()
		log.Info("Cycle already handled by another instance")
		return report, nil
	}
	defer func() {
		if err := release(context.Background()); err != nil {
			log.Warn("Failed to release cycle lock", zap.Error(err))
		}
	}()

	if err := s.classifyAndStabilize(ctx, report, bucketStart, evalAt, log); err != nil {
		s.metrics.CycleRuns.WithLabelValues("error").Inc()
		log.Error("Cycle failed before commit, retrying next interval", zap.Error(err))
		return report, err
	}
	if err := s.aggregate(ctx, report, evalAt, log); err != nil {
		s.metrics.CycleRuns.WithLabelValues("error").Inc()
		log.Error("Aggregation failed, previous aggregates stay visible", zap.Error(err))
		return report, err
	}

	report.Duration = time.Since(started)
	s.metrics.CycleRuns.WithLabelValues("success").Inc()
	s.metrics.CycleDuration.Observe(report.Duration.Seconds())
	s.metrics.LastSuccessfulCycle.Set(float64(time.Now().Unix()))

	log.Info("Cycle completed",
		zap.Int("transfers", report.Transfers),
		zap.Int("evidence", report.Evidence),
		zap.Int("candidates", report.Candidates),
		zap.Int("addresses", report.Addresses),
		zap.Int("confirmed", report.Confirmed),
		zap.Int("suppressed", report.Suppressed),
		zap.Int("conflicts", report.Conflicts),
		zap.Strings("skipped_chains", report.SkippedChains),
		zap.Duration("duration", report.Duration))
	return report, nil
}

// chainBatch is the per-chain input of the classification phase
type chainBatch struct {
	chain      string
	thresholds *entity.ChainQuantiles
	transfers  []*entity.TransferEvent
	window     map[string][]*entity.TransferEvent
	balances   map[string]*entity.BalanceSnapshot
}

func (s *ClusteringService) classifyAndStabilize(ctx context.Context, report *CycleReport, bucketStart, evalAt time.Time, log *logger.Logger) error {
	transfers, err := s.events.ListTransfersIngested(ctx, bucketStart, evalAt)
	if err != nil {
		return fmt.Errorf("failed to load bucket transfers: %w", err)
	}
	report.Transfers = len(transfers)

	batches := s.prepareChains(ctx, report, transfers, evalAt, log)
	candidates, highValue, evidence, err := s.classify(ctx, batches, evalAt)
	if err != nil {
		return err
	}
	report.Evidence = evidence
	report.Candidates = len(candidates)

	decisions, err := s.stabilize(ctx, bucketStart, candidates, log)
	if err != nil {
		return err
	}
	report.Addresses = len(decisions)

	committed, err := s.commit(ctx, bucketStart, candidates, decisions, report, log)
	if err != nil {
		return err
	}
	s.observeDecisions(committed, report)

	return s.updateKeepRate(ctx, highValue, report)
}

// prepareChains groups the bucket by chain and loads thresholds, signal windows and balances.
// A chain whose thresholds or context cannot be loaded is skipped without affecting the others.
func (s *ClusteringService) prepareChains(ctx context.Context, report *CycleReport, transfers []*entity.TransferEvent, evalAt time.Time, log *logger.Logger) []*chainBatch {
	byChain := make(map[string][]*entity.TransferEvent)
	for _, t := range transfers {
		byChain[t.Chain] = append(byChain[t.Chain], t)
	}
	chains := make([]string, 0, len(byChain))
	for chain := range byChain {
		chains = append(chains, chain)
	}
	sort.Strings(chains)

	var batches []*chainBatch
	for _, chain := range chains {
		thresholds, err := s.estimator.GetThresholds(chain)
		if err != nil {
			s.skipChain(report, chain, "quantile_unavailable", err, log)
			continue
		}

		list := byChain[chain]
		addrSet := make(map[string]struct{})
		for _, t := range list {
			addrSet[t.FromAddress] = struct{}{}
			addrSet[t.ToAddress] = struct{}{}
		}
		addrs := sortedKeys(addrSet)

		balances, err := s.events.LatestBalances(ctx, chain, addrs, evalAt)
		if err != nil {
			s.skipChain(report, chain, "store_error", err, log)
			continue
		}
		windowStart := evalAt.Add(-s.config.EvidenceWindow)
		recent, err := s.events.ListTransfersForAddresses(ctx, chain, addrs, windowStart, evalAt)
		if err != nil {
			s.skipChain(report, chain, "store_error", err, log)
			continue
		}
		history, err := s.historySinceSnapshots(ctx, chain, balances, windowStart, evalAt)
		if err != nil {
			s.skipChain(report, chain, "store_error", err, log)
			continue
		}

		batches = append(batches, &chainBatch{
			chain:      chain,
			thresholds: thresholds,
			transfers:  list,
			window:     indexByAddress(mergeTransfers(recent, history)),
			balances:   balances,
		})
	}
	return batches
}

// historySinceSnapshots loads the transfers of dormant addresses whose snapshot predates the
// signal window, from the snapshot's own instant onward, so an earlier wake-up is not missed.
func (s *ClusteringService) historySinceSnapshots(
	ctx context.Context,
	chain string,
	balances map[string]*entity.BalanceSnapshot,
	windowStart, evalAt time.Time,
) ([]*entity.TransferEvent, error) {
	var (
		addrs    []string
		earliest time.Time
	)
	for addr, snap := range balances {
		if snap == nil || snap.DormantDays <= 0 || snap.Timestamp.After(windowStart) {
			continue
		}
		addrs = append(addrs, addr)
		if earliest.IsZero() || snap.Timestamp.Before(earliest) {
			earliest = snap.Timestamp
		}
	}
	if len(addrs) == 0 {
		return nil, nil
	}
	sort.Strings(addrs)
	// The range is exclusive at its start
	return s.events.ListTransfersForAddresses(ctx, chain, addrs, earliest.Add(-time.Nanosecond), evalAt)
}

func (s *ClusteringService) skipChain(report *CycleReport, chain, reason string, err error, log *logger.Logger) {
	report.SkippedChains = append(report.SkippedChains, chain)
	s.metrics.ChainsSkipped.WithLabelValues(chain, reason).Inc()
	log.Error("Skipping chain for this cycle",
		zap.String("chain", chain),
		zap.String("reason", reason),
		zap.Error(err))
}

// classify normalizes and classifies every transfer on the worker pool. It returns the
// candidates, the keys of addresses that carried high-value evidence and the evidence count.
func (s *ClusteringService) classify(ctx context.Context, batches []*chainBatch, evalAt time.Time) ([]*entity.ClusterCandidate, map[entity.AddressKey]struct{}, int, error) {
	var (
		mu         sync.Mutex
		evidence   int
		candidates []*entity.ClusterCandidate
		highValue  = make(map[entity.AddressKey]struct{})
		scope      = domain_service.NewResolutionScope()
	)

	group := s.pool.NewGroupContext(ctx)
	groupCtx := group.Context()
	for _, b := range batches {
		for start := 0; start < len(b.transfers); start += s.config.BatchSize {
			end := start + s.config.BatchSize
			if end > len(b.transfers) {
				end = len(b.transfers)
			}
			batch, chunk := b, b.transfers[start:end]

			group.Submit(func() {
				var (
					local    []*entity.ClusterCandidate
					localHV  []entity.AddressKey
					localEvs int
				)
				for _, t := range chunk {
					if groupCtx.Err() != nil {
						return
					}
					window := append(append([]*entity.TransferEvent(nil), batch.window[t.FromAddress]...), batch.window[t.ToAddress]...)
					for _, ev := range s.normalizer.Normalize(groupCtx, scope, t, window, batch.balances, evalAt) {
						ev := ev
						localEvs++
						s.metrics.EvidenceRecords.WithLabelValues(batch.chain).Inc()
						if ev.EntityResolutionFailed {
							s.metrics.EntityLookupFailed.WithLabelValues(batch.chain).Inc()
						}
						if s.classifier.IsHighValue(&ev, batch.thresholds) {
							localHV = append(localHV, ev.Key())
						}
						if cand := s.classifier.Classify(&ev, batch.thresholds); cand != nil {
							s.metrics.Candidates.WithLabelValues(batch.chain, string(cand.ClusterType)).Inc()
							local = append(local, cand)
						}
					}
				}

				mu.Lock()
				evidence += localEvs
				candidates = append(candidates, local...)
				for _, k := range localHV {
					highValue[k] = struct{}{}
				}
				mu.Unlock()
			})
		}
	}

	if err := group.Wait(); err != nil && !errors.Is(err, pond.ErrGroupStopped) {
		return nil, nil, 0, fmt.Errorf("classification failed: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, 0, fmt.Errorf("classification cancelled: %w", err)
	}
	return candidates, highValue, evidence, nil
}

// partitionCandidates groups candidates per address and assigns each address to exactly one
// partition so no two workers ever decide for the same address
func (s *ClusteringService) partitionCandidates(candidates []*entity.ClusterCandidate) []map[entity.AddressKey][]*entity.ClusterCandidate {
	n := s.config.Workers
	parts := make([]map[entity.AddressKey][]*entity.ClusterCandidate, n)
	for i := range parts {
		parts[i] = make(map[entity.AddressKey][]*entity.ClusterCandidate)
	}
	for _, c := range candidates {
		key := c.Key()
		p := xxhash.Sum64String(key.String()) % uint64(n)
		parts[p][key] = append(parts[p][key], c)
	}
	return parts
}

// stabilize applies the bucket's candidates to the stored state of every address.
// Nothing is written here; decisions are committed together afterwards.
func (s *ClusteringService) stabilize(ctx context.Context, bucketStart time.Time, candidates []*entity.ClusterCandidate, log *logger.Logger) (map[entity.AddressKey]domain_service.StabilizerDecision, error) {
	var (
		mu        sync.Mutex
		decisions = make(map[entity.AddressKey]domain_service.StabilizerDecision)
		loadErrs  []error
	)

	group := s.pool.NewGroupContext(ctx)
	for _, part := range s.partitionCandidates(candidates) {
		if len(part) == 0 {
			continue
		}
		part := part
		group.Submit(func() {
			keys := make([]entity.AddressKey, 0, len(part))
			for k := range part {
				keys = append(keys, k)
			}
			stored, err := s.states.LoadStates(ctx, keys)
			if err != nil {
				log.Error("Failed to load stabilizer states for partition", zap.Int("addresses", len(keys)), zap.Error(err))
				mu.Lock()
				loadErrs = append(loadErrs, err)
				mu.Unlock()
				return
			}

			local := make(map[entity.AddressKey]domain_service.StabilizerDecision, len(keys))
			for _, k := range keys {
				local[k] = s.stabilizer.Apply(stored[k], k, bucketStart, part[k])
			}

			mu.Lock()
			for k, d := range local {
				decisions[k] = d
			}
			mu.Unlock()
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, pond.ErrGroupStopped) {
		return nil, fmt.Errorf("stabilization failed: %w", err)
	}
	// A bucket is published whole or not at all
	if len(loadErrs) > 0 {
		return nil, fmt.Errorf("failed to load stabilizer states: %w", errors.Join(loadErrs...))
	}
	return decisions, nil
}

// commit writes every decided state in one batch. Addresses rejected for a stale version are
// reloaded and decided again once; a second rejection leaves that address for the next cycle.
func (s *ClusteringService) commit(
	ctx context.Context,
	bucketStart time.Time,
	candidates []*entity.ClusterCandidate,
	decisions map[entity.AddressKey]domain_service.StabilizerDecision,
	report *CycleReport,
	log *logger.Logger,
) ([]domain_service.StabilizerDecision, error) {
	states := make([]*entity.StabilizerState, 0, len(decisions))
	for _, d := range decisions {
		states = append(states, d.State)
	}

	conflicts, err := s.states.CommitStates(ctx, states)
	if err != nil {
		return nil, fmt.Errorf("failed to commit stabilizer states: %w", err)
	}

	if len(conflicts) > 0 {
		for _, k := range conflicts {
			s.metrics.AssignmentConflicts.WithLabelValues(k.Chain).Inc()
		}
		log.Warn("Assignment conflicts detected, retrying affected addresses", zap.Int("addresses", len(conflicts)))

		byKey := make(map[entity.AddressKey][]*entity.ClusterCandidate)
		for _, c := range candidates {
			byKey[c.Key()] = append(byKey[c.Key()], c)
		}
		reloaded, err := s.states.LoadStates(ctx, conflicts)
		if err != nil {
			return nil, fmt.Errorf("failed to reload conflicting states: %w", err)
		}
		retried := make([]*entity.StabilizerState, 0, len(conflicts))
		for _, k := range conflicts {
			d := s.stabilizer.Apply(reloaded[k], k, bucketStart, byKey[k])
			decisions[k] = d
			retried = append(retried, d.State)
		}

		stillConflicting, err := s.states.CommitStates(ctx, retried)
		if err != nil {
			return nil, fmt.Errorf("failed to commit retried states: %w", err)
		}
		for _, k := range stillConflicting {
			delete(decisions, k)
			report.Conflicts++
			log.Warn("Dropping address from this cycle",
				zap.String("chain", k.Chain),
				zap.String("address", k.Address),
				zap.Error(domain_service.ErrConcurrentAssignmentConflict))
		}
	}

	out := make([]domain_service.StabilizerDecision, 0, len(decisions))
	for _, d := range decisions {
		out = append(out, d)
	}
	return out, nil
}

func (s *ClusteringService) observeDecisions(decisions []domain_service.StabilizerDecision, report *CycleReport) {
	for _, d := range decisions {
		switch {
		case d.Confirmed:
			report.Confirmed++
			from := string(d.From)
			if from == "" {
				from = "NONE"
			}
			s.metrics.Transitions.WithLabelValues(d.State.Chain, from, string(d.To)).Inc()
		case d.Suppressed:
			report.Suppressed++
			s.metrics.SuppressedInCoolOff.WithLabelValues(d.State.Chain).Inc()
		}
	}
}

// updateKeepRate records, per chain, the share of high-value addresses that hold a confirmed cluster
func (s *ClusteringService) updateKeepRate(ctx context.Context, highValue map[entity.AddressKey]struct{}, report *CycleReport) error {
	if len(highValue) == 0 {
		return nil
	}
	keys := make([]entity.AddressKey, 0, len(highValue))
	for k := range highValue {
		keys = append(keys, k)
	}
	stored, err := s.states.LoadStates(ctx, keys)
	if err != nil {
		// Keep rate is a monitoring signal; the cycle itself already committed
		s.logger.Warn("Failed to compute keep rate", zap.Error(err))
		return nil
	}

	total := make(map[string]int)
	kept := make(map[string]int)
	for _, k := range keys {
		total[k.Chain]++
		if st, ok := stored[k]; ok && st.Assignment != nil {
			kept[k.Chain]++
		}
	}
	for chain, n := range total {
		rate := float64(kept[chain]) / float64(n)
		report.KeepRate[chain] = rate
		s.metrics.KeepRate.WithLabelValues(chain).Set(rate)
	}
	return nil
}

// aggregate rebuilds every scope from the full assignment snapshot after all commits are done
func (s *ClusteringService) aggregate(ctx context.Context, report *CycleReport, evalAt time.Time, log *logger.Logger) error {
	assignments, err := s.states.ListAssignments(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to list assignments: %w", err)
	}

	byChain := make(map[string][]string)
	for _, a := range assignments {
		byChain[a.Chain] = append(byChain[a.Chain], a.Address)
	}

	members := make(map[entity.AddressKey]domain_service.MemberMetrics, len(assignments))
	for chain, addrs := range byChain {
		balances, err := s.events.LatestBalances(ctx, chain, addrs, evalAt)
		if err != nil {
			return fmt.Errorf("failed to load member balances for %s: %w", chain, err)
		}
		recent, err := s.events.ListTransfersForAddresses(ctx, chain, addrs, evalAt.Add(-s.config.EvidenceWindow), evalAt)
		if err != nil {
			return fmt.Errorf("failed to load member transfers for %s: %w", chain, err)
		}
		window := indexByAddress(recent)
		for _, addr := range addrs {
			m := domain_service.MemberMetrics{
				NetFlow24h: domain_service.ComputeSignal(addr, window[addr], evalAt, nil).NetFlow24h,
			}
			if b, ok := balances[addr]; ok {
				m.BalanceUSD = b.BalanceUSD
			}
			members[entity.AddressKey{Address: addr, Chain: chain}] = m
		}
	}

	scopes := make(map[string]struct{})
	for _, c := range s.config.Chains {
		scopes[c] = struct{}{}
	}
	for c := range byChain {
		scopes[c] = struct{}{}
	}
	scopes[entity.AllScope] = struct{}{}

	for _, scope := range sortedKeys(scopes) {
		aggs := s.aggregator.Aggregate(scope, assignments, members, evalAt)
		err := retry.Do(ctx, retry.StorePolicy(), s.logger, "replace aggregates "+scope, func(ctx context.Context) error {
			return s.aggregates.ReplaceAggregates(ctx, scope, aggs)
		})
		if err != nil {
			return err
		}
		s.metrics.ObserveAggregates(scope, aggs)
		report.Aggregates += len(aggs)
	}

	log.Debug("Aggregates replaced", zap.Int("scopes", len(scopes)), zap.Int("assignments", len(assignments)))
	return nil
}

func mergeTransfers(lists ...[]*entity.TransferEvent) []*entity.TransferEvent {
	seen := make(map[string]struct{})
	var out []*entity.TransferEvent
	for _, list := range lists {
		for _, t := range list {
			if _, dup := seen[t.Key()]; dup {
				continue
			}
			seen[t.Key()] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}

func indexByAddress(transfers []*entity.TransferEvent) map[string][]*entity.TransferEvent {
	idx := make(map[string][]*entity.TransferEvent)
	for _, t := range transfers {
		idx[t.FromAddress] = append(idx[t.FromAddress], t)
		if t.ToAddress != t.FromAddress {
			idx[t.ToAddress] = append(idx[t.ToAddress], t)
		}
	}
	return idx
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
