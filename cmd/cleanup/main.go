package main

import (
	"context"
	"flag"
	"os"
	"time"

	"whale-cluster-engine/internal/domain/entity"
	domain_service "whale-cluster-engine/internal/domain/service"
	"whale-cluster-engine/internal/infrastructure/config"
	"whale-cluster-engine/internal/infrastructure/database"
	"whale-cluster-engine/internal/infrastructure/logger"

	"go.uber.org/zap"
)

// cleanup removes snapshot nodes that can no longer influence a cycle: wallets without an
// assignment whose bucket history fell out of the confirmation window, and aggregate snapshots
// of chains that are no longer configured.
func main() {
	grace := flag.Duration("grace", 24*time.Hour, "extra age beyond the stabilizer window before an idle wallet is removed")
	flag.Parse()

	cfg, err := config.LoadFile(os.Getenv("WHALE_CONFIG_FILE"))
	if err != nil {
		panic(err)
	}

	log, err := logger.NewLogger(cfg.App.LogLevel, cfg.App.LogEncoding)
	if err != nil {
		panic(err)
	}
	log = log.WithComponent("cleanup")

	if !cfg.Neo4J.Enabled {
		log.Info("Neo4J is disabled, nothing to clean up")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	client := database.NewNeo4JClient(&cfg.Neo4J, log)
	if err := client.Connect(ctx); err != nil {
		log.Fatal("Failed to connect to Neo4j", zap.Error(err))
	}
	defer client.Close(ctx)

	stab := cfg.Stabilizer
	if stab.BucketWidth <= 0 || stab.Window <= 0 {
		def := domain_service.DefaultStabilizerConfig()
		stab.BucketWidth, stab.Window = def.BucketWidth, def.Window
	}
	cutoff := time.Now().UTC().Add(-time.Duration(stab.Window)*stab.BucketWidth - *grace)

	states := database.NewNeo4jStateRepository(client, log)
	wallets, err := states.PruneIdleWallets(ctx, cutoff)
	if err != nil {
		log.Error("Failed to prune idle wallets", zap.Error(err))
		os.Exit(1)
	}

	keep := append([]string{entity.AllScope}, cfg.App.Chains...)
	aggregates, err := database.NewNeo4jAggregateRepository(client).PruneScopes(ctx, keep)
	if err != nil {
		log.Error("Failed to prune aggregate scopes", zap.Error(err))
		os.Exit(1)
	}

	log.Info("Cleanup completed",
		zap.Int64("wallets_deleted", wallets),
		zap.Int64("aggregates_deleted", aggregates),
		zap.Time("cutoff", cutoff),
		zap.Strings("scopes_kept", keep))
}
