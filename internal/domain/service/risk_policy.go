package service

import (
	"math"
	"strings"

	"whale-cluster-engine/internal/domain/entity"
)

// RiskPolicy scores a cluster from its type, aggregate confidence and net flow.
// Higher severity, higher confidence and larger net outflow never lower the score.
type RiskPolicy func(clusterType entity.ClusterType, confidence, netFlowUSD float64) float64

// RiskWeights parameterizes the weighted risk policy. All values are tunable.
type RiskWeights struct {
	Severity         map[string]float64 `mapstructure:"severity"`
	SeverityWeight   float64            `mapstructure:"severity_weight"`
	ConfidenceWeight float64            `mapstructure:"confidence_weight"`
	OutflowWeight    float64            `mapstructure:"outflow_weight"`
	OutflowScaleUSD  float64            `mapstructure:"outflow_scale_usd"`
}

// DefaultRiskWeights returns the shipped weighting
func DefaultRiskWeights() RiskWeights {
	return RiskWeights{
		Severity: map[string]float64{
			string(entity.ClusterCEXInflow):     1.0,
			string(entity.ClusterDistribution):  0.9,
			string(entity.ClusterDormantWaking): 0.8,
			string(entity.ClusterDeFiActivity):  0.5,
			string(entity.ClusterAccumulation):  0.3,
		},
		SeverityWeight:   0.5,
		ConfidenceWeight: 0.2,
		OutflowWeight:    0.3,
		OutflowScaleUSD:  1_000_000,
	}
}

// NewWeightedRiskPolicy returns a policy producing a score in [0, 1]: a weighted mean of
// cluster severity, confidence and a saturating net outflow factor
func NewWeightedRiskPolicy(w RiskWeights) RiskPolicy {
	def := DefaultRiskWeights()
	if len(w.Severity) == 0 {
		w.Severity = def.Severity
	}
	if w.OutflowScaleUSD <= 0 {
		w.OutflowScaleUSD = def.OutflowScaleUSD
	}
	if w.SeverityWeight < 0 || w.ConfidenceWeight < 0 || w.OutflowWeight < 0 ||
		w.SeverityWeight+w.ConfidenceWeight+w.OutflowWeight == 0 {
		w.SeverityWeight, w.ConfidenceWeight, w.OutflowWeight = def.SeverityWeight, def.ConfidenceWeight, def.OutflowWeight
	}
	total := w.SeverityWeight + w.ConfidenceWeight + w.OutflowWeight

	// Config loaders lower-case map keys
	severities := make(map[entity.ClusterType]float64, len(w.Severity))
	for k, v := range w.Severity {
		severities[entity.ClusterType(strings.ToUpper(k))] = clamp01(v)
	}

	return func(clusterType entity.ClusterType, confidence, netFlowUSD float64) float64 {
		severity := severities[clusterType]
		outflow := 0.0
		if netFlowUSD < 0 {
			outflow = -netFlowUSD / (-netFlowUSD + w.OutflowScaleUSD)
		}
		score := (w.SeverityWeight*severity + w.ConfidenceWeight*clamp01(confidence) + w.OutflowWeight*outflow) / total
		return math.Round(score*1e4) / 1e4
	}
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
