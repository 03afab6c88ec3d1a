package database

import (
	"context"
	"fmt"

	"whale-cluster-engine/internal/infrastructure/config"
	"whale-cluster-engine/internal/infrastructure/logger"
	"whale-cluster-engine/internal/infrastructure/retry"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"
)

// Neo4JClient handles Neo4J database operations for the snapshot store
type Neo4JClient struct {
	driver neo4j.DriverWithContext
	config *config.Neo4JConfig
	logger *logger.Logger
}

// NewNeo4JClient creates a new Neo4J client
func NewNeo4JClient(cfg *config.Neo4JConfig, logger *logger.Logger) *Neo4JClient {
	return &Neo4JClient{
		config: cfg,
		logger: logger.WithComponent("neo4j-client"),
	}
}

// Connect connects to Neo4J, retrying while the database comes up, and sets up the schema
func (n *Neo4JClient) Connect(ctx context.Context) error {
	n.logger.Info("Connecting to Neo4J database", zap.String("uri", n.config.URI))

	driver, err := neo4j.NewDriverWithContext(
		n.config.URI,
		neo4j.BasicAuth(n.config.Username, n.config.Password, ""),
		func(config *neo4j.Config) {
			if n.config.MaxConnectionPoolSize > 0 {
				config.MaxConnectionPoolSize = n.config.MaxConnectionPoolSize
			}
			if n.config.ConnectionAcquisitionTimeout > 0 {
				config.ConnectionAcquisitionTimeout = n.config.ConnectionAcquisitionTimeout
			}
			if n.config.ConnectTimeout > 0 {
				config.SocketConnectTimeout = n.config.ConnectTimeout
			}
		},
	)
	if err != nil {
		n.logger.Error("Failed to create Neo4J driver", zap.Error(err))
		return fmt.Errorf("failed to create Neo4J driver: %w", err)
	}

	err = retry.Do(ctx, retry.ConnectPolicy(), n.logger, "neo4j connectivity", func(ctx context.Context) error {
		return driver.VerifyConnectivity(ctx)
	})
	if err != nil {
		_ = driver.Close(ctx)
		n.logger.Error("Failed to verify Neo4J connectivity", zap.Error(err))
		return fmt.Errorf("failed to verify Neo4J connectivity: %w", err)
	}

	n.driver = driver
	n.logger.Info("Successfully connected to Neo4J database")

	if err := n.setupSchema(ctx); err != nil {
		return fmt.Errorf("failed to setup schema: %w", err)
	}
	return nil
}

// Close closes the Neo4J connection
func (n *Neo4JClient) Close(ctx context.Context) error {
	if n.driver != nil {
		n.logger.Info("Closing Neo4J connection")
		return n.driver.Close(ctx)
	}
	return nil
}

// Session opens a session on the configured database
func (n *Neo4JClient) Session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return n.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   mode,
		DatabaseName: n.config.Database,
	})
}

// setupSchema creates the necessary constraints and indexes
func (n *Neo4JClient) setupSchema(ctx context.Context) error {
	session := n.Session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	constraints := []string{
		"CREATE CONSTRAINT wallet_key IF NOT EXISTS FOR (w:Wallet) REQUIRE w.key IS UNIQUE",
		"CREATE CONSTRAINT cluster_type IF NOT EXISTS FOR (c:Cluster) REQUIRE c.type IS UNIQUE",
		"CREATE CONSTRAINT quantiles_chain IF NOT EXISTS FOR (q:ChainQuantiles) REQUIRE q.chain IS UNIQUE",
	}
	for _, constraint := range constraints {
		_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
			return tx.Run(ctx, constraint, nil)
		})
		if err != nil {
			n.logger.Warn("Failed to create constraint", zap.String("constraint", constraint), zap.Error(err))
		}
	}

	indexes := []string{
		"CREATE INDEX wallet_chain IF NOT EXISTS FOR (w:Wallet) ON (w.chain)",
		"CREATE INDEX wallet_current_cluster IF NOT EXISTS FOR (w:Wallet) ON (w.current_cluster)",
		"CREATE INDEX aggregate_scope IF NOT EXISTS FOR (a:ClusterAggregate) ON (a.scope)",
	}
	for _, index := range indexes {
		_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
			return tx.Run(ctx, index, nil)
		})
		if err != nil {
			n.logger.Warn("Failed to create index", zap.String("index", index), zap.Error(err))
		}
	}

	n.logger.Info("Schema setup completed")
	return nil
}

// IsConnected checks if connected to Neo4J
func (n *Neo4JClient) IsConnected(ctx context.Context) bool {
	if n.driver == nil {
		return false
	}
	return n.driver.VerifyConnectivity(ctx) == nil
}

// collect runs a read query and returns every record as a map
func (n *Neo4JClient) collect(ctx context.Context, query string, params map[string]any) ([]map[string]any, error) {
	session := n.Session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		records, err := result.Collect(ctx)
		if err != nil {
			return nil, err
		}
		rows := make([]map[string]any, 0, len(records))
		for _, r := range records {
			rows = append(rows, r.AsMap())
		}
		return rows, nil
	})
	if err != nil {
		return nil, err
	}
	return out.([]map[string]any), nil
}
