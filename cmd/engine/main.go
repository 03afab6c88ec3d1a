package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	app_service "whale-cluster-engine/internal/application/service"
	"whale-cluster-engine/internal/domain/repository"
	domain_service "whale-cluster-engine/internal/domain/service"
	"whale-cluster-engine/internal/infrastructure/api"
	"whale-cluster-engine/internal/infrastructure/cache"
	"whale-cluster-engine/internal/infrastructure/config"
	"whale-cluster-engine/internal/infrastructure/database"
	"whale-cluster-engine/internal/infrastructure/entity"
	"whale-cluster-engine/internal/infrastructure/logger"
	"whale-cluster-engine/internal/infrastructure/memory"
	"whale-cluster-engine/internal/infrastructure/messaging"
	"whale-cluster-engine/internal/infrastructure/metrics"
	"whale-cluster-engine/internal/infrastructure/postgres"
	"whale-cluster-engine/internal/infrastructure/scheduler"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

const connectTimeout = 2 * time.Minute

// healthChecks collects the health checks of every backend that was wired
type healthChecks map[string]api.HealthCheck

type snapshotStores struct {
	fx.Out

	States     repository.StateRepository
	Aggregates repository.AggregateRepository
	Quantiles  repository.QuantileRepository
}

func main() {
	// Load configuration
	cfg, err := config.LoadFile(os.Getenv("WHALE_CONFIG_FILE"))
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Create logger
	log, err := logger.NewLogger(cfg.App.LogLevel, cfg.App.LogEncoding)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		fx.Supply(cfg),
		fx.Supply(log),
		fx.Supply(&cfg.NATS),
		fx.Supply(&cfg.Neo4J),
		fx.Supply(healthChecks{}),

		// Infrastructure providers
		fx.Provide(
			provideMetrics,
			provideEventStore,
			provideSnapshotStores,
			provideRedis,
			provideCycleLock,
			provideEntityResolver,
		),

		// Domain services
		fx.Provide(
			provideQuantileEstimator,
			func(resolver domain_service.EntityResolver, cfg *config.Config, log *logger.Logger) *domain_service.SignalNormalizer {
				return domain_service.NewSignalNormalizer(resolver, cfg.EntityService.KnownExchanges, log)
			},
			func(cfg *config.Config) *domain_service.RuleClassifier {
				return domain_service.NewRuleClassifier(cfg.Rules)
			},
			func(cfg *config.Config) *domain_service.Stabilizer {
				return domain_service.NewStabilizer(cfg.Stabilizer)
			},
			func(cfg *config.Config) *domain_service.ClusterAggregator {
				return domain_service.NewClusterAggregator(domain_service.NewWeightedRiskPolicy(cfg.Risk))
			},
		),

		// Application providers
		fx.Provide(
			app_service.NewIngestionService,
			app_service.NewClusterQueryService,
			provideClusteringService,
			func(ingestion *app_service.IngestionService, cfg *config.NATSConfig, log *logger.Logger) *messaging.NATSConsumer {
				return messaging.NewNATSConsumer(cfg, ingestion, log)
			},
		),

		// Lifecycle hooks
		fx.Invoke(startConsumer),
		fx.Invoke(startScheduler),
		fx.Invoke(startAPIServer),

		fx.WithLogger(func() fxevent.Logger {
			return fxevent.NopLogger
		}),
	)

	ctx := context.Background()
	if err := app.Start(ctx); err != nil {
		log.Error("Failed to start application", zap.Error(err))
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down application...")

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.Stop(stopCtx); err != nil {
		log.Error("Failed to stop application gracefully", zap.Error(err))
		os.Exit(1)
	}

	log.Info("Application stopped successfully")
}

func provideMetrics() *metrics.Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return metrics.NewMetrics(reg)
}

// provideEventStore uses Postgres when a DSN is configured and the in-memory store otherwise
func provideEventStore(lc fx.Lifecycle, cfg *config.Config, checks healthChecks, log *logger.Logger) (repository.EventRepository, error) {
	if cfg.Postgres.DSN == "" {
		log.Warn("No postgres DSN configured, events are kept in memory")
		return memory.NewEventStore(), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return nil, err
	}
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	checks["postgres"] = func(ctx context.Context) error { return pool.Ping(ctx) }
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pool.Close()
			return nil
		},
	})
	log.Info("Event store backed by postgres")
	return postgres.NewEventStore(pool), nil
}

// provideSnapshotStores uses Neo4j for states, aggregates and quantiles when enabled
func provideSnapshotStores(lc fx.Lifecycle, cfg *config.Config, checks healthChecks, log *logger.Logger) (snapshotStores, error) {
	if !cfg.Neo4J.Enabled {
		log.Warn("Neo4J is disabled, snapshots are kept in memory")
		aggregates := memory.NewAggregateStore()
		return snapshotStores{
			States:     memory.NewStateStore(),
			Aggregates: aggregates,
			Quantiles:  aggregates,
		}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	client := database.NewNeo4JClient(&cfg.Neo4J, log)
	if err := client.Connect(ctx); err != nil {
		return snapshotStores{}, fmt.Errorf("failed to connect to Neo4J: %w", err)
	}
	checks["neo4j"] = func(ctx context.Context) error {
		if !client.IsConnected(ctx) {
			return fmt.Errorf("neo4j unreachable")
		}
		return nil
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return client.Close(ctx)
		},
	})

	aggregates := database.NewNeo4jAggregateRepository(client)
	return snapshotStores{
		States:     database.NewNeo4jStateRepository(client, log),
		Aggregates: aggregates,
		Quantiles:  aggregates,
	}, nil
}

// provideRedis returns nil when redis is disabled
func provideRedis(lc fx.Lifecycle, cfg *config.Config, checks healthChecks) (*redis.Client, error) {
	if !cfg.Redis.Enabled {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	rdb, err := cache.NewClient(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}
	checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return rdb.Close()
		},
	})
	return rdb, nil
}

func provideCycleLock(rdb *redis.Client, log *logger.Logger) app_service.CycleLock {
	if rdb == nil {
		log.Warn("Redis is disabled, cycle lock is process-local")
		return memory.NewLock()
	}
	return cache.NewLock(rdb)
}

// provideEntityResolver layers static entries over the cached entity service
func provideEntityResolver(cfg *config.Config, rdb *redis.Client, log *logger.Logger) domain_service.EntityResolver {
	var remote domain_service.EntityResolver
	if cfg.EntityService.BaseURL != "" {
		remote = entity.NewHTTPResolver(cfg.EntityService, log)
		if rdb != nil {
			remote = cache.NewEntityCache(remote, rdb, cfg.Redis.EntityCacheTTL, log)
		}
	}
	return entity.NewStaticResolver(cfg.EntityService.Static, remote)
}

func provideQuantileEstimator(events repository.EventRepository, store repository.QuantileRepository, cfg *config.Config, log *logger.Logger) *domain_service.QuantileEstimator {
	return domain_service.NewQuantileEstimator(events, store, cfg.Quantiles.Fallback,
		domain_service.QuantileConfig{
			Window:     cfg.Quantiles.Window,
			MinSamples: cfg.Quantiles.MinSamples,
			Chains:     cfg.App.Chains,
		}, log)
}

func provideClusteringService(
	lc fx.Lifecycle,
	events repository.EventRepository,
	states repository.StateRepository,
	aggregates repository.AggregateRepository,
	estimator *domain_service.QuantileEstimator,
	normalizer *domain_service.SignalNormalizer,
	classifier *domain_service.RuleClassifier,
	stabilizer *domain_service.Stabilizer,
	aggregator *domain_service.ClusterAggregator,
	lock app_service.CycleLock,
	m *metrics.Metrics,
	cfg *config.Config,
	log *logger.Logger,
) *app_service.ClusteringService {
	svc := app_service.NewClusteringService(events, states, aggregates, estimator, normalizer,
		classifier, stabilizer, aggregator, lock,
		app_service.ClusteringConfig{
			Chains:         cfg.App.Chains,
			Workers:        cfg.App.WorkerPoolSize,
			BatchSize:      cfg.App.BatchSize,
			EvidenceWindow: cfg.Cycle.EvidenceWindow,
			LockTTL:        cfg.Redis.LockTTL,
		}, m, log)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			svc.Stop()
			return nil
		},
	})
	return svc
}

// startConsumer connects the ingestion feed
func startConsumer(lc fx.Lifecycle, consumer *messaging.NATSConsumer, checks healthChecks, cfg *config.Config, log *logger.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("NATS Configuration",
				zap.String("url", cfg.NATS.URL),
				zap.String("stream_name", cfg.NATS.StreamName),
				zap.String("subject_prefix", cfg.NATS.SubjectPrefix),
				zap.Bool("enabled", cfg.NATS.Enabled),
			)
			if err := consumer.Start(ctx); err != nil {
				return fmt.Errorf("failed to connect to NATS: %w", err)
			}
			if cfg.NATS.Enabled {
				checks["nats"] = func(context.Context) error {
					if !consumer.IsConnected() {
						return fmt.Errorf("nats disconnected")
					}
					return nil
				}
			}
			return nil
		},
		OnStop: func(context.Context) error {
			return consumer.Stop()
		},
	})
}

// startScheduler runs the clustering cycle and the quantile recompute on their schedules
func startScheduler(
	lc fx.Lifecycle,
	clustering *app_service.ClusteringService,
	estimator *domain_service.QuantileEstimator,
	m *metrics.Metrics,
	cfg *config.Config,
	log *logger.Logger,
) {
	sched := scheduler.NewScheduler(clustering, estimator, m, scheduler.Config{
		CycleSchedule:    cfg.Cycle.Schedule,
		QuantileSchedule: cfg.Quantiles.RecomputeSchedule,
		SettleDelay:      cfg.Cycle.SettleDelay,
		RunOnStart:       cfg.Cycle.RunOnStart,
	}, log)
	lc.Append(fx.Hook{
		OnStart: sched.Start,
		OnStop:  sched.Stop,
	})
}

// startAPIServer serves health, metrics and the read API
func startAPIServer(
	lc fx.Lifecycle,
	query *app_service.ClusterQueryService,
	m *metrics.Metrics,
	checks healthChecks,
	cfg *config.Config,
	log *logger.Logger,
) {
	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		metricsHandler = m.Handler()
	}
	server := api.NewServer(cfg.App.HTTPPort, query, metricsHandler, checks, log)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			server.Start()
			return nil
		},
		OnStop: server.Stop,
	})
}
