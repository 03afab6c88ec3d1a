package database

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"whale-cluster-engine/internal/domain/entity"
)

// stateParams flattens a stabilizer state into Wallet node properties.
// Buckets are stored as a JSON string; the assignment stays queryable as plain properties.
func stateParams(st *entity.StabilizerState) (map[string]any, error) {
	buckets, err := json.Marshal(st.Buckets)
	if err != nil {
		return nil, fmt.Errorf("failed to encode buckets of %s: %w", st.Key(), err)
	}
	row := map[string]any{
		"key":              st.Key().String(),
		"chain":            st.Chain,
		"address":          st.Address,
		"version":          st.Version,
		"buckets":          string(buckets),
		"updated_at":       st.UpdatedAt.UTC(),
		"current_cluster":  "",
		"previous_cluster": "",
		"confidence":       nil,
		"confirmed_at":     nil,
		"cool_down_until":  nil,
		"reason_codes":     []string{},
		"transitions":      int64(0),
	}
	if a := st.Assignment; a != nil {
		row["current_cluster"] = string(a.CurrentCluster)
		row["previous_cluster"] = string(a.PreviousCluster)
		row["confidence"] = a.Confidence
		row["confirmed_at"] = a.ConfirmedAt.UTC()
		row["cool_down_until"] = a.CoolDownUntil.UTC()
		row["reason_codes"] = append([]string{}, a.ReasonCodes...)
		row["transitions"] = a.Transitions
	}
	return row, nil
}

// stateFromRow rebuilds a stabilizer state from Wallet node properties
func stateFromRow(row map[string]any) (*entity.StabilizerState, error) {
	st := &entity.StabilizerState{
		Chain:     asString(row["chain"]),
		Address:   asString(row["address"]),
		Version:   asInt64(row["version"]),
		UpdatedAt: asTime(row["updated_at"]),
	}
	if raw := asString(row["buckets"]); raw != "" {
		if err := json.Unmarshal([]byte(raw), &st.Buckets); err != nil {
			return nil, fmt.Errorf("failed to decode buckets of %s: %w", st.Key(), err)
		}
	}
	st.Assignment = assignmentFromRow(row)
	return st, nil
}

// assignmentFromRow returns nil when the node holds no confirmed cluster
func assignmentFromRow(row map[string]any) *entity.ClusterAssignment {
	current := entity.ClusterType(asString(row["current_cluster"]))
	if current == entity.ClusterNone {
		return nil
	}
	return &entity.ClusterAssignment{
		Address:         asString(row["address"]),
		Chain:           asString(row["chain"]),
		CurrentCluster:  current,
		PreviousCluster: entity.ClusterType(asString(row["previous_cluster"])),
		Confidence:      asFloat64(row["confidence"]),
		ConfirmedAt:     asTime(row["confirmed_at"]),
		CoolDownUntil:   asTime(row["cool_down_until"]),
		ReasonCodes:     asStrings(row["reason_codes"]),
		Transitions:     asInt64(row["transitions"]),
	}
}

func aggregateParams(a *entity.ClusterAggregate) map[string]any {
	return map[string]any{
		"cluster_id":       a.ClusterID,
		"cluster_type":     string(a.ClusterType),
		"scope":            a.Scope,
		"members_count":    int64(a.MembersCount),
		"sum_balance_usd":  a.SumBalanceUSD,
		"net_flow_24h":     a.NetFlow24h,
		"risk_score":       a.RiskScore,
		"confidence":       a.Confidence,
		"member_addresses": append([]string{}, a.MemberAddresses...),
		"computed_at":      a.ComputedAt.UTC(),
	}
}

func aggregateFromRow(row map[string]any) *entity.ClusterAggregate {
	return &entity.ClusterAggregate{
		ClusterID:       asString(row["cluster_id"]),
		ClusterType:     entity.ClusterType(asString(row["cluster_type"])),
		Scope:           asString(row["scope"]),
		MembersCount:    int(asInt64(row["members_count"])),
		SumBalanceUSD:   asFloat64(row["sum_balance_usd"]),
		NetFlow24h:      asFloat64(row["net_flow_24h"]),
		RiskScore:       asFloat64(row["risk_score"]),
		Confidence:      asFloat64(row["confidence"]),
		MemberAddresses: asStrings(row["member_addresses"]),
		ComputedAt:      asTime(row["computed_at"]),
	}
}

// sortAggregates restores the rule priority order the aggregator produced
func sortAggregates(aggs []*entity.ClusterAggregate) {
	sort.SliceStable(aggs, func(i, j int) bool {
		return aggs[i].ClusterType.Priority() < aggs[j].ClusterType.Priority()
	})
}

func quantileParams(q *entity.ChainQuantiles) map[string]any {
	return map[string]any{
		"chain":           q.Chain,
		"q70_usd":         q.Q70USD,
		"q85_usd":         q.Q85USD,
		"q80_net_in_usd":  q.Q80NetInUSD,
		"q80_net_out_usd": q.Q80NetOutUSD,
		"q80_defi_usd":    q.Q80DefiUSD,
		"sample_count":    int64(q.SampleCount),
		"fallback":        q.Fallback,
		"computed_at":     q.ComputedAt.UTC(),
	}
}

func quantilesFromRow(row map[string]any) *entity.ChainQuantiles {
	return &entity.ChainQuantiles{
		Chain:        asString(row["chain"]),
		Q70USD:       asFloat64(row["q70_usd"]),
		Q85USD:       asFloat64(row["q85_usd"]),
		Q80NetInUSD:  asFloat64(row["q80_net_in_usd"]),
		Q80NetOutUSD: asFloat64(row["q80_net_out_usd"]),
		Q80DefiUSD:   asFloat64(row["q80_defi_usd"]),
		SampleCount:  int(asInt64(row["sample_count"])),
		Fallback:     asBool(row["fallback"]),
		ComputedAt:   asTime(row["computed_at"]),
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func asFloat64(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	default:
		return 0
	}
}

func asTime(v any) time.Time {
	t, ok := v.(time.Time)
	if !ok {
		return time.Time{}
	}
	return t.UTC()
}

func asStrings(v any) []string {
	switch list := v.(type) {
	case []string:
		if len(list) == 0 {
			return nil
		}
		return append([]string(nil), list...)
	case []any:
		if len(list) == 0 {
			return nil
		}
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
