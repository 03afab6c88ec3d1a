package database

import (
	"context"
	"fmt"
	"strings"

	"whale-cluster-engine/internal/domain/entity"
	"whale-cluster-engine/internal/domain/repository"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

var (
	_ repository.AggregateRepository = (*Neo4jAggregateRepository)(nil)
	_ repository.QuantileRepository  = (*Neo4jAggregateRepository)(nil)
)

// Neo4jAggregateRepository stores aggregate snapshots and published quantiles
type Neo4jAggregateRepository struct {
	client *Neo4JClient
}

// NewNeo4jAggregateRepository creates a new Neo4j-based aggregate repository
func NewNeo4jAggregateRepository(client *Neo4JClient) *Neo4jAggregateRepository {
	return &Neo4jAggregateRepository{client: client}
}

// ReplaceAggregates swaps the snapshot of scope in one transaction so readers never see a mix
func (r *Neo4jAggregateRepository) ReplaceAggregates(ctx context.Context, scope string, aggregates []*entity.ClusterAggregate) error {
	scope = strings.ToLower(scope)
	rows := make([]map[string]any, 0, len(aggregates))
	for _, a := range aggregates {
		rows = append(rows, aggregateParams(a))
	}

	session := r.client.Session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `MATCH (a:ClusterAggregate {scope: $scope}) DETACH DELETE a`,
			map[string]any{"scope": scope}); err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, nil
		}
		_, err := tx.Run(ctx, `
			UNWIND $rows AS row
			CREATE (a:ClusterAggregate)
			SET a = row, a.scope = $scope
			WITH a, row
			MERGE (c:Cluster {type: row.cluster_type})
			CREATE (a)-[:SUMMARIZES]->(c)`,
			map[string]any{"scope": scope, "rows": rows})
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("failed to replace aggregates of %s: %w", scope, err)
	}
	return nil
}

// ListAggregates returns the snapshot of scope in rule priority order
func (r *Neo4jAggregateRepository) ListAggregates(ctx context.Context, scope string) ([]*entity.ClusterAggregate, error) {
	rows, err := r.client.collect(ctx, `
		MATCH (a:ClusterAggregate {scope: $scope})
		RETURN a.cluster_id AS cluster_id, a.cluster_type AS cluster_type, a.scope AS scope,
			a.members_count AS members_count, a.sum_balance_usd AS sum_balance_usd,
			a.net_flow_24h AS net_flow_24h, a.risk_score AS risk_score, a.confidence AS confidence,
			a.member_addresses AS member_addresses, a.computed_at AS computed_at`,
		map[string]any{"scope": strings.ToLower(scope)})
	if err != nil {
		return nil, fmt.Errorf("failed to list aggregates of %s: %w", scope, err)
	}

	out := make([]*entity.ClusterAggregate, 0, len(rows))
	for _, row := range rows {
		out = append(out, aggregateFromRow(row))
	}
	sortAggregates(out)
	return out, nil
}

// SaveQuantiles stores the latest quantiles of a chain
func (r *Neo4jAggregateRepository) SaveQuantiles(ctx context.Context, q *entity.ChainQuantiles) error {
	session := r.client.Session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	row := quantileParams(q)
	row["chain"] = strings.ToLower(q.Chain)
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return tx.Run(ctx, `MERGE (q:ChainQuantiles {chain: $row.chain}) SET q = $row`,
			map[string]any{"row": row})
	})
	if err != nil {
		return fmt.Errorf("failed to save quantiles of %s: %w", q.Chain, err)
	}
	return nil
}

// LoadQuantiles returns the stored quantiles of every chain ordered by chain
func (r *Neo4jAggregateRepository) LoadQuantiles(ctx context.Context) ([]*entity.ChainQuantiles, error) {
	rows, err := r.client.collect(ctx, `
		MATCH (q:ChainQuantiles)
		RETURN q.chain AS chain, q.q70_usd AS q70_usd, q.q85_usd AS q85_usd,
			q.q80_net_in_usd AS q80_net_in_usd, q.q80_net_out_usd AS q80_net_out_usd,
			q.q80_defi_usd AS q80_defi_usd, q.sample_count AS sample_count,
			q.fallback AS fallback, q.computed_at AS computed_at
		ORDER BY chain`, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load quantiles: %w", err)
	}
	out := make([]*entity.ChainQuantiles, 0, len(rows))
	for _, row := range rows {
		out = append(out, quantilesFromRow(row))
	}
	return out, nil
}

// PruneScopes deletes aggregate snapshots of every scope not listed in keep
func (r *Neo4jAggregateRepository) PruneScopes(ctx context.Context, keep []string) (int64, error) {
	scopes := make([]string, 0, len(keep))
	for _, s := range keep {
		scopes = append(scopes, strings.ToLower(s))
	}

	session := r.client.Session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	deleted, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			MATCH (a:ClusterAggregate)
			WHERE NOT a.scope IN $scopes
			DETACH DELETE a
			RETURN count(a) AS deleted`,
			map[string]any{"scopes": scopes})
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}
		v, _ := rec.Get("deleted")
		return asInt64(v), nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune aggregate scopes: %w", err)
	}
	return deleted.(int64), nil
}
