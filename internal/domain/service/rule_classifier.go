package service

import (
	"fmt"
	"math"

	"whale-cluster-engine/internal/domain/entity"
)

// Reason codes attached to candidates
const (
	ReasonDormant          = "DORMANT_ADDRESS"
	ReasonFirstTxLarge     = "FIRST_TX_ABOVE_THRESHOLD"
	ReasonExchangeDest     = "DESTINATION_EXCHANGE"
	ReasonAmountAboveQ85   = "AMOUNT_ABOVE_Q85"
	ReasonDeFiTag          = "DEFI_TAG"
	ReasonDeFiCounterparty = "DEFI_COUNTERPARTY"
	ReasonDeFiAmount       = "AMOUNT_ABOVE_Q80_DEFI"
	ReasonNetOutflow       = "NET_OUTFLOW_ABOVE_Q80"
	ReasonLowCexRatio      = "LOW_CEX_RATIO"
	ReasonManyRecipients   = "MANY_RECIPIENTS"
	ReasonNetInflow        = "NET_INFLOW_ABOVE_Q80"
	ReasonPositiveNetFlow  = "POSITIVE_NET_FLOW"
	ReasonHighValue        = "HIGH_VALUE_BYPASS"
	ReasonNoEntityData     = "ENTITY_DATA_UNAVAILABLE"
)

// RulePolicy holds the static floors and limits the rules combine with chain quantiles
type RulePolicy struct {
	DormancyDays        int     `mapstructure:"dormancy_days"`
	PrefilterFloorUSD   float64 `mapstructure:"prefilter_floor_usd"`
	HighValueFloorUSD   float64 `mapstructure:"high_value_floor_usd"`
	DormantFloorUSD     float64 `mapstructure:"dormant_floor_usd"`
	CEXInflowFloorUSD   float64 `mapstructure:"cex_inflow_floor_usd"`
	DeFiFloorUSD        float64 `mapstructure:"defi_floor_usd"`
	NetOutFloorUSD      float64 `mapstructure:"net_out_floor_usd"`
	NetInFloorUSD       float64 `mapstructure:"net_in_floor_usd"`
	ToCexRatioMax       float64 `mapstructure:"to_cex_ratio_max"`
	MinUniqueRecipients int     `mapstructure:"min_unique_recipients"`
}

// DefaultRulePolicy returns the production rule floors
func DefaultRulePolicy() RulePolicy {
	return RulePolicy{
		DormancyDays:        30,
		PrefilterFloorUSD:   10_000,
		HighValueFloorUSD:   100_000,
		DormantFloorUSD:     50_000,
		CEXInflowFloorUSD:   100_000,
		DeFiFloorUSD:        50_000,
		NetOutFloorUSD:      100_000,
		NetInFloorUSD:       100_000,
		ToCexRatioMax:       0.5,
		MinUniqueRecipients: 3,
	}
}

// rule is one priority-ordered predicate. match returns the confidence and reason codes when it fires.
type rule struct {
	cluster entity.ClusterType
	match   func(ev *entity.NormalizedEvidence, q *entity.ChainQuantiles) (float64, []string, bool)
}

// RuleClassifier evaluates the ordered rule list against normalized evidence.
// The first matching rule wins, so at most one candidate is produced per record.
type RuleClassifier struct {
	policy RulePolicy
	rules  []rule
}

// NewRuleClassifier creates a classifier with the standard rule order
func NewRuleClassifier(policy RulePolicy) *RuleClassifier {
	c := &RuleClassifier{policy: policy}
	c.rules = []rule{
		{cluster: entity.ClusterDormantWaking, match: c.dormantWaking},
		{cluster: entity.ClusterCEXInflow, match: c.cexInflow},
		{cluster: entity.ClusterDeFiActivity, match: c.defiActivity},
		{cluster: entity.ClusterDistribution, match: c.distribution},
		{cluster: entity.ClusterAccumulation, match: c.accumulation},
	}
	return c
}

// Policy returns the classifier's rule policy
func (c *RuleClassifier) Policy() RulePolicy {
	return c.policy
}

// Classify returns the candidate of the first matching rule, or nil when the record is
// filtered out or no rule matches
func (c *RuleClassifier) Classify(ev *entity.NormalizedEvidence, q *entity.ChainQuantiles) *entity.ClusterCandidate {
	if ev == nil || q == nil {
		return nil
	}
	highValue := c.IsHighValue(ev, q)
	if !c.passesPrefilter(ev, q, highValue) {
		return nil
	}

	for _, r := range c.rules {
		confidence, reasons, ok := r.match(ev, q)
		if !ok {
			continue
		}
		if highValue {
			reasons = append(reasons, ReasonHighValue)
		}
		if ev.EntityResolutionFailed {
			reasons = append(reasons, ReasonNoEntityData)
		}
		return &entity.ClusterCandidate{
			Address:     ev.Address,
			Chain:       ev.Chain,
			ClusterType: r.cluster,
			Confidence:  confidence,
			ReasonCodes: reasons,
			EvaluatedAt: ev.EvaluatedAt,
			TxHash:      ev.TxHash,
			HighValue:   highValue,
		}
	}
	return nil
}

// IsHighValue reports whether the record clears the high-value bypass threshold
func (c *RuleClassifier) IsHighValue(ev *entity.NormalizedEvidence, q *entity.ChainQuantiles) bool {
	return ev.AmountUSD >= math.Max(q.Q85USD, c.policy.HighValueFloorUSD)
}

func (c *RuleClassifier) passesPrefilter(ev *entity.NormalizedEvidence, q *entity.ChainQuantiles, highValue bool) bool {
	if highValue {
		return true
	}
	if ev.AmountUSD < math.Max(q.Q70USD, c.policy.PrefilterFloorUSD) {
		return false
	}
	return c.hasEvidence(ev)
}

// hasEvidence reports whether the record carries any behavioral evidence at all
func (c *RuleClassifier) hasEvidence(ev *entity.NormalizedEvidence) bool {
	switch {
	case ev.DormantDays >= c.policy.DormancyDays:
		return true
	case ev.CounterpartyLabel != "", ev.DestinationIsExchange, ev.CounterpartyType.IsProtocol():
		return true
	case len(ev.Tags) > 0:
		return true
	case ev.Direction != entity.DirectionUnknown && ev.Signal.NetFlow24h != 0:
		return true
	default:
		return false
	}
}

func (c *RuleClassifier) dormantWaking(ev *entity.NormalizedEvidence, q *entity.ChainQuantiles) (float64, []string, bool) {
	threshold := math.Max(q.Q70USD, c.policy.DormantFloorUSD)
	if ev.DormantDays < c.policy.DormancyDays || ev.FirstTxUSD < threshold {
		return 0, nil, false
	}
	return 0.90, []string{
		fmt.Sprintf("%s:%dd", ReasonDormant, ev.DormantDays),
		ReasonFirstTxLarge,
	}, true
}

func (c *RuleClassifier) cexInflow(ev *entity.NormalizedEvidence, q *entity.ChainQuantiles) (float64, []string, bool) {
	if !ev.DestinationIsExchange || ev.AmountUSD < math.Max(q.Q85USD, c.policy.CEXInflowFloorUSD) {
		return 0, nil, false
	}
	return 0.85, []string{ReasonExchangeDest, ReasonAmountAboveQ85}, true
}

func (c *RuleClassifier) defiActivity(ev *entity.NormalizedEvidence, q *entity.ChainQuantiles) (float64, []string, bool) {
	var reasons []string
	if ev.HasTag(DeFiTags) {
		reasons = append(reasons, ReasonDeFiTag)
	}
	if ev.CounterpartyType.IsProtocol() {
		reasons = append(reasons, ReasonDeFiCounterparty)
	}
	if len(reasons) == 0 || ev.AmountUSD < math.Max(q.Q80DefiUSD, c.policy.DeFiFloorUSD) {
		return 0, nil, false
	}
	return 0.80, append(reasons, ReasonDeFiAmount), true
}

func (c *RuleClassifier) distribution(ev *entity.NormalizedEvidence, q *entity.ChainQuantiles) (float64, []string, bool) {
	s := ev.Signal
	if s.NetFlow24h >= -math.Max(q.Q80NetOutUSD, c.policy.NetOutFloorUSD) ||
		s.ToCexRatio >= c.policy.ToCexRatioMax ||
		s.UniqueRecipients24h < c.policy.MinUniqueRecipients {
		return 0, nil, false
	}
	return 0.75, []string{ReasonNetOutflow, ReasonLowCexRatio, ReasonManyRecipients}, true
}

func (c *RuleClassifier) accumulation(ev *entity.NormalizedEvidence, q *entity.ChainQuantiles) (float64, []string, bool) {
	net := ev.Signal.NetFlow24h
	switch {
	case net >= math.Max(q.Q80NetInUSD, c.policy.NetInFloorUSD):
		return 0.80, []string{ReasonNetInflow}, true
	case net > 0:
		return 0.40, []string{ReasonPositiveNetFlow}, true
	default:
		return 0, nil, false
	}
}
