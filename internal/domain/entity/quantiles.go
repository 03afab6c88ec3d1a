package entity

import (
	"strings"
	"time"
)

// ChainQuantiles holds the rolling statistical thresholds for one chain
type ChainQuantiles struct {
	Chain        string    `json:"chain"`
	Q70USD       float64   `json:"q70_usd"`
	Q85USD       float64   `json:"q85_usd"`
	Q80NetInUSD  float64   `json:"q80_net_in_usd"`
	Q80NetOutUSD float64   `json:"q80_net_out_usd"`
	Q80DefiUSD   float64   `json:"q80_defi_usd"`
	SampleCount  int       `json:"sample_count"`
	Fallback     bool      `json:"fallback"`
	ComputedAt   time.Time `json:"computed_at"`
}

// ThresholdFloors are the static per-chain values used when samples are insufficient
type ThresholdFloors struct {
	Q70USD       float64 `mapstructure:"q70_usd" json:"q70_usd"`
	Q85USD       float64 `mapstructure:"q85_usd" json:"q85_usd"`
	Q80NetInUSD  float64 `mapstructure:"q80_net_in_usd" json:"q80_net_in_usd"`
	Q80NetOutUSD float64 `mapstructure:"q80_net_out_usd" json:"q80_net_out_usd"`
	Q80DefiUSD   float64 `mapstructure:"q80_defi_usd" json:"q80_defi_usd"`
}

// IsZero reports whether no floor is configured
func (f ThresholdFloors) IsZero() bool {
	return f == ThresholdFloors{}
}

// DefaultPolicyKey is the ThresholdPolicy entry used for chains without their own floors
const DefaultPolicyKey = "default"

// ThresholdPolicy maps chain -> fallback floors. The "default" entry covers unlisted chains.
type ThresholdPolicy map[string]ThresholdFloors

// FloorsFor returns the floors configured for chain, falling back to the default entry
func (p ThresholdPolicy) FloorsFor(chain string) (ThresholdFloors, bool) {
	if f, ok := p[strings.ToLower(chain)]; ok && !f.IsZero() {
		return f, true
	}
	if f, ok := p[DefaultPolicyKey]; ok && !f.IsZero() {
		return f, true
	}
	return ThresholdFloors{}, false
}
