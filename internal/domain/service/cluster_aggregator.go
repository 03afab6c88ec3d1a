package service

import (
	"sort"
	"strings"
	"time"

	"whale-cluster-engine/internal/domain/entity"
)

// MemberMetrics is the per-address input of aggregation
type MemberMetrics struct {
	BalanceUSD float64
	NetFlow24h float64
}

// ClusterAggregator groups confirmed assignments into per-scope cluster summaries
type ClusterAggregator struct {
	risk RiskPolicy
}

// NewClusterAggregator creates a new aggregator. A nil policy uses the default weights.
func NewClusterAggregator(risk RiskPolicy) *ClusterAggregator {
	if risk == nil {
		risk = NewWeightedRiskPolicy(DefaultRiskWeights())
	}
	return &ClusterAggregator{risk: risk}
}

// ClusterID returns the stable id of a cluster type within a scope
func ClusterID(scope string, clusterType entity.ClusterType) string {
	return strings.ToLower(scope) + ":" + strings.ToLower(string(clusterType))
}

// Aggregate builds one aggregate per active cluster type in scope. scope is a chain name or
// entity.AllScope. In the all scope member addresses are rendered as chain:address.
func (a *ClusterAggregator) Aggregate(
	scope string,
	assignments []*entity.ClusterAssignment,
	metrics map[entity.AddressKey]MemberMetrics,
	now time.Time,
) []*entity.ClusterAggregate {
	scope = strings.ToLower(scope)
	byType := make(map[entity.ClusterType]*entity.ClusterAggregate)
	confidenceSum := make(map[entity.ClusterType]float64)
	seen := make(map[entity.AddressKey]struct{})

	for _, asg := range assignments {
		if asg == nil || !asg.CurrentCluster.IsValid() {
			continue
		}
		if scope != entity.AllScope && !strings.EqualFold(asg.Chain, scope) {
			continue
		}
		key := entity.AddressKey{Address: asg.Address, Chain: asg.Chain}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		agg, ok := byType[asg.CurrentCluster]
		if !ok {
			agg = &entity.ClusterAggregate{
				ClusterID:   ClusterID(scope, asg.CurrentCluster),
				ClusterType: asg.CurrentCluster,
				Scope:       scope,
				ComputedAt:  now,
			}
			byType[asg.CurrentCluster] = agg
		}

		m := metrics[key]
		agg.MembersCount++
		agg.SumBalanceUSD += m.BalanceUSD
		agg.NetFlow24h += m.NetFlow24h
		confidenceSum[asg.CurrentCluster] += asg.Confidence
		if scope == entity.AllScope {
			agg.MemberAddresses = append(agg.MemberAddresses, key.String())
		} else {
			agg.MemberAddresses = append(agg.MemberAddresses, asg.Address)
		}
	}

	out := make([]*entity.ClusterAggregate, 0, len(byType))
	for _, t := range entity.AllClusterTypes {
		agg, ok := byType[t]
		if !ok {
			continue
		}
		agg.Confidence = confidenceSum[t] / float64(agg.MembersCount)
		agg.RiskScore = a.risk(t, agg.Confidence, agg.NetFlow24h)
		sort.Strings(agg.MemberAddresses)
		out = append(out, agg)
	}
	return out
}
