package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"whale-cluster-engine/internal/application/service"
	"whale-cluster-engine/internal/domain/entity"
	"whale-cluster-engine/internal/infrastructure/logger"
	"whale-cluster-engine/internal/infrastructure/metrics"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// CycleRunner runs the clustering cycles that are due
type CycleRunner interface {
	RunDueCycles(ctx context.Context, firedAt time.Time) ([]*service.CycleReport, error)
}

// QuantileRefresher publishes per-chain thresholds
type QuantileRefresher interface {
	Warm(ctx context.Context) error
	Recompute(ctx context.Context, now time.Time) ([]*entity.ChainQuantiles, error)
}

// Config holds the schedules
type Config struct {
	CycleSchedule    string
	QuantileSchedule string
	SettleDelay      time.Duration
	CycleTimeout     time.Duration
	QuantileTimeout  time.Duration
	RunOnStart       bool
}

// Scheduler fires the clustering cycle and the quantile recompute on cron schedules.
// A cycle waits SettleDelay after its tick so late events of the closed bucket are ingested.
type Scheduler struct {
	cron      *cron.Cron
	cycles    CycleRunner
	quantiles QuantileRefresher
	metrics   *metrics.Metrics
	config    Config
	logger    *logger.Logger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler; Start registers and starts the jobs
func NewScheduler(cycles CycleRunner, quantiles QuantileRefresher, m *metrics.Metrics, cfg Config, log *logger.Logger) *Scheduler {
	if cfg.CycleSchedule == "" {
		cfg.CycleSchedule = "*/15 * * * *"
	}
	if cfg.QuantileSchedule == "" {
		cfg.QuantileSchedule = "@hourly"
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = 14 * time.Minute
	}
	if cfg.QuantileTimeout <= 0 {
		cfg.QuantileTimeout = 10 * time.Minute
	}
	log = log.WithComponent("scheduler")
	return &Scheduler{
		cron:      cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.Recover(logger.NewCronAdapter(log)))),
		cycles:    cycles,
		quantiles: quantiles,
		metrics:   m,
		config:    cfg,
		logger:    log,
		now:       time.Now,
	}
}

// Start warms and recomputes the quantiles, then starts both schedules
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if err := s.quantiles.Warm(ctx); err != nil {
		s.logger.Warn("Starting without stored quantiles", zap.Error(err))
	}
	s.RecomputeQuantiles(s.now())

	if _, err := s.cron.AddFunc(s.config.CycleSchedule, func() { s.RunCycles(s.now()) }); err != nil {
		return fmt.Errorf("invalid cycle schedule %q: %w", s.config.CycleSchedule, err)
	}
	if _, err := s.cron.AddFunc(s.config.QuantileSchedule, func() { s.RecomputeQuantiles(s.now()) }); err != nil {
		return fmt.Errorf("invalid quantile schedule %q: %w", s.config.QuantileSchedule, err)
	}
	s.cron.Start()
	s.logger.Info("Scheduler started",
		zap.String("cycle_schedule", s.config.CycleSchedule),
		zap.String("quantile_schedule", s.config.QuantileSchedule),
		zap.Duration("settle_delay", s.config.SettleDelay))

	if s.config.RunOnStart {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.RunCycles(s.now())
		}()
	}
	return nil
}

// Stop cancels running jobs and waits for them to return
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
	return nil
}

// RunCycles waits out the settle delay and runs every due cycle for a tick fired at firedAt
func (s *Scheduler) RunCycles(firedAt time.Time) {
	ctx := s.context()
	if s.config.SettleDelay > 0 {
		timer := time.NewTimer(s.config.SettleDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.CycleTimeout)
	defer cancel()

	reports, err := s.cycles.RunDueCycles(ctx, firedAt)
	if err != nil {
		s.logger.Error("Clustering cycle failed", zap.Time("fired_at", firedAt), zap.Error(err))
		return
	}
	for _, r := range reports {
		if r.Skipped {
			s.logger.Debug("Cycle skipped, lock held elsewhere", zap.Time("bucket_start", r.BucketStart))
		}
	}
}

// RecomputeQuantiles refreshes the published thresholds and exports them as gauges
func (s *Scheduler) RecomputeQuantiles(now time.Time) {
	ctx, cancel := context.WithTimeout(s.context(), s.config.QuantileTimeout)
	defer cancel()

	results, err := s.quantiles.Recompute(ctx, now)
	for _, q := range results {
		s.metrics.ObserveQuantiles(q)
	}
	if err != nil {
		s.logger.Error("Quantile recompute incomplete", zap.Error(err))
	}
}

func (s *Scheduler) context() context.Context {
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}
