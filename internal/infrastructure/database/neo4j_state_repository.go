package database

import (
	"context"
	"fmt"
	"time"

	"whale-cluster-engine/internal/domain/entity"
	"whale-cluster-engine/internal/domain/repository"
	"whale-cluster-engine/internal/infrastructure/logger"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"
)

var _ repository.StateRepository = (*Neo4jStateRepository)(nil)

// walletProperties is the SET clause shared by both commit statements. The ASSIGNED edge
// always points at the node of the current cluster so the graph mirrors the assignments.
const walletProperties = `
	SET w.chain = row.chain,
		w.address = row.address,
		w.version = row.version + 1,
		w.buckets = row.buckets,
		w.updated_at = row.updated_at,
		w.current_cluster = row.current_cluster,
		w.previous_cluster = row.previous_cluster,
		w.confidence = row.confidence,
		w.confirmed_at = row.confirmed_at,
		w.cool_down_until = row.cool_down_until,
		w.reason_codes = row.reason_codes,
		w.transitions = row.transitions
	WITH w, row
	OPTIONAL MATCH (w)-[old:ASSIGNED]->()
	DELETE old
	WITH DISTINCT w, row
	FOREACH (_ IN CASE WHEN row.current_cluster <> '' THEN [1] ELSE [] END |
		MERGE (c:Cluster {type: row.current_cluster})
		MERGE (w)-[:ASSIGNED]->(c))
	RETURN w.key AS key`

const createWallets = `
	UNWIND $rows AS row
	MERGE (w:Wallet {key: row.key})
	ON CREATE SET w.version = 0
	WITH w, row
	WHERE w.version = 0` + walletProperties

const updateWallets = `
	UNWIND $rows AS row
	MATCH (w:Wallet {key: row.key})
	WHERE w.version = row.version` + walletProperties

const walletColumns = `
	RETURN w.chain AS chain, w.address AS address, w.version AS version, w.buckets AS buckets,
		w.updated_at AS updated_at, w.current_cluster AS current_cluster,
		w.previous_cluster AS previous_cluster, w.confidence AS confidence,
		w.confirmed_at AS confirmed_at, w.cool_down_until AS cool_down_until,
		w.reason_codes AS reason_codes, w.transitions AS transitions`

// Neo4jStateRepository implements StateRepository on (:Wallet) nodes linked to (:Cluster) nodes
type Neo4jStateRepository struct {
	client *Neo4JClient
	logger *logger.Logger
}

// NewNeo4jStateRepository creates a new Neo4j-based state repository
func NewNeo4jStateRepository(client *Neo4JClient, logger *logger.Logger) *Neo4jStateRepository {
	return &Neo4jStateRepository{
		client: client,
		logger: logger.WithComponent("neo4j-state-repository"),
	}
}

// LoadStates returns the stored states for keys
func (r *Neo4jStateRepository) LoadStates(ctx context.Context, keys []entity.AddressKey) (map[entity.AddressKey]*entity.StabilizerState, error) {
	out := make(map[entity.AddressKey]*entity.StabilizerState, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, k.String())
	}

	rows, err := r.client.collect(ctx, `
		MATCH (w:Wallet) WHERE w.key IN $keys`+walletColumns, map[string]any{"keys": ids})
	if err != nil {
		return nil, fmt.Errorf("failed to load stabilizer states: %w", err)
	}
	for _, row := range rows {
		st, err := stateFromRow(row)
		if err != nil {
			return nil, err
		}
		out[st.Key()] = st
	}
	return out, nil
}

// CommitStates writes every state whose stored version matches in a single write transaction
func (r *Neo4jStateRepository) CommitStates(ctx context.Context, states []*entity.StabilizerState) ([]entity.AddressKey, error) {
	if len(states) == 0 {
		return nil, nil
	}

	var created, updated []map[string]any
	for _, st := range states {
		row, err := stateParams(st)
		if err != nil {
			return nil, err
		}
		if st.Version == 0 {
			created = append(created, row)
		} else {
			updated = append(updated, row)
		}
	}

	session := r.client.Session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	result, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		written := make(map[string]struct{}, len(states))
		for _, stmt := range []struct {
			query string
			rows  []map[string]any
		}{{createWallets, created}, {updateWallets, updated}} {
			if len(stmt.rows) == 0 {
				continue
			}
			res, err := tx.Run(ctx, stmt.query, map[string]any{"rows": stmt.rows})
			if err != nil {
				return nil, err
			}
			records, err := res.Collect(ctx)
			if err != nil {
				return nil, err
			}
			for _, rec := range records {
				if key, ok := rec.Get("key"); ok {
					written[asString(key)] = struct{}{}
				}
			}
		}
		return written, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to commit stabilizer states: %w", err)
	}

	written := result.(map[string]struct{})
	var conflicts []entity.AddressKey
	for _, st := range states {
		if _, ok := written[st.Key().String()]; !ok {
			conflicts = append(conflicts, st.Key())
		}
	}
	if len(conflicts) > 0 {
		r.logger.Debug("Stale state versions rejected", zap.Int("conflicts", len(conflicts)))
	}
	return conflicts, nil
}

// GetAssignment returns the current assignment of key or repository.ErrNotFound
func (r *Neo4jStateRepository) GetAssignment(ctx context.Context, key entity.AddressKey) (*entity.ClusterAssignment, error) {
	rows, err := r.client.collect(ctx, `
		MATCH (w:Wallet {key: $key}) WHERE w.current_cluster <> ''`+walletColumns,
		map[string]any{"key": key.String()})
	if err != nil {
		return nil, fmt.Errorf("failed to get assignment: %w", err)
	}
	if len(rows) == 0 {
		return nil, repository.ErrNotFound
	}
	return assignmentFromRow(rows[0]), nil
}

// ListAssignments returns assignments on chain, or every chain when chain is empty
func (r *Neo4jStateRepository) ListAssignments(ctx context.Context, chain string) ([]*entity.ClusterAssignment, error) {
	rows, err := r.client.collect(ctx, `
		MATCH (w:Wallet)-[:ASSIGNED]->(:Cluster)
		WHERE $chain = '' OR w.chain = $chain`+walletColumns+`
		ORDER BY chain, address`,
		map[string]any{"chain": chain})
	if err != nil {
		return nil, fmt.Errorf("failed to list assignments: %w", err)
	}
	out := make([]*entity.ClusterAssignment, 0, len(rows))
	for _, row := range rows {
		if a := assignmentFromRow(row); a != nil {
			out = append(out, a)
		}
	}
	return out, nil
}

// PruneIdleWallets deletes wallets that hold no assignment and whose bucket history was last
// touched before cutoff. Such nodes can no longer contribute a confirmation.
func (r *Neo4jStateRepository) PruneIdleWallets(ctx context.Context, cutoff time.Time) (int64, error) {
	session := r.client.Session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	deleted, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			MATCH (w:Wallet)
			WHERE coalesce(w.current_cluster, '') = '' AND w.updated_at < $cutoff
			DETACH DELETE w
			RETURN count(w) AS deleted`,
			map[string]any{"cutoff": cutoff.UTC()})
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
		return 0, fmt.Errorf("failed to prune idle wallets: %w", err)
	}
	r.logger.Info("Pruned idle wallets", zap.Int64("deleted", deleted.(int64)), zap.Time("cutoff", cutoff))
	return deleted.(int64), nil
}
