package entity

import (
	"time"
)

// ClusterType represents a behavioral cluster a whale address can belong to
type ClusterType string

const (
	ClusterDormantWaking ClusterType = "DORMANT_WAKING" // Long-dormant wallet moving funds again
	ClusterCEXInflow     ClusterType = "CEX_INFLOW"     // Large transfer into a centralized exchange
	ClusterDeFiActivity  ClusterType = "DEFI_ACTIVITY"  // Large interaction with DeFi protocols
	ClusterDistribution  ClusterType = "DISTRIBUTION"   // Net outflow spread over several recipients
	ClusterAccumulation  ClusterType = "ACCUMULATION"   // Net inflow
	ClusterNone          ClusterType = ""
)

// AllClusterTypes lists the cluster types in rule priority order
var AllClusterTypes = []ClusterType{
	ClusterDormantWaking,
	ClusterCEXInflow,
	ClusterDeFiActivity,
	ClusterDistribution,
	ClusterAccumulation,
}

// Priority returns the rule priority of the cluster type (0 is highest, -1 unknown)
func (c ClusterType) Priority() int {
	for i, t := range AllClusterTypes {
		if t == c {
			return i
		}
	}
	return -1
}

// IsValid checks if the cluster type is one of the known types
func (c ClusterType) IsValid() bool {
	return c.Priority() >= 0
}

// ClusterCandidate is the rule classifier output for one address at one evaluation instant
type ClusterCandidate struct {
	Address     string      `json:"address"`
	Chain       string      `json:"chain"`
	ClusterType ClusterType `json:"cluster_type"`
	Confidence  float64     `json:"confidence"`
	ReasonCodes []string    `json:"reason_codes"`
	EvaluatedAt time.Time   `json:"evaluated_at"`
	TxHash      string      `json:"tx_hash,omitempty"`
	HighValue   bool        `json:"high_value"`
}

// ThreadKey deduplicates repeated identical evidence inside one bucket
func (c *ClusterCandidate) ThreadKey() string {
	return c.Chain + ":" + c.Address + ":" + string(c.ClusterType)
}

// Key returns the candidate's address key
func (c *ClusterCandidate) Key() AddressKey {
	return AddressKey{Address: c.Address, Chain: c.Chain}
}

// ClusterAssignment is the stabilized, externally visible cluster of an address
type ClusterAssignment struct {
	Address         string      `json:"address"`
	Chain           string      `json:"chain"`
	CurrentCluster  ClusterType `json:"current_cluster"`
	PreviousCluster ClusterType `json:"previous_cluster,omitempty"`
	Confidence      float64     `json:"confidence"`
	ConfirmedAt     time.Time   `json:"confirmed_at"`
	CoolDownUntil   time.Time   `json:"cool_down_until"`
	ReasonCodes     []string    `json:"reason_codes,omitempty"`
	Transitions     int64       `json:"transitions"`
}

// InCoolDown reports whether the assignment is locked at t
func (a *ClusterAssignment) InCoolDown(t time.Time) bool {
	return a != nil && t.Before(a.CoolDownUntil)
}

// StabilizerStatus is the hysteresis state of an address
type StabilizerStatus string

const (
	StatusUnconfirmed StabilizerStatus = "UNCONFIRMED"
	StatusConfirmed   StabilizerStatus = "CONFIRMED"
	StatusCoolingDown StabilizerStatus = "COOLING_DOWN"
)

// BucketVote is the representative candidate of one 15-minute bucket
type BucketVote struct {
	BucketStart time.Time   `json:"bucket_start"`
	ClusterType ClusterType `json:"cluster_type"`
	Confidence  float64     `json:"confidence"`
	ReasonCodes []string    `json:"reason_codes,omitempty"`
	ThreadKeys  []string    `json:"thread_keys"`
}

// StabilizerState is the persisted hysteresis state of one (address, chain)
type StabilizerState struct {
	Address    string             `json:"address"`
	Chain      string             `json:"chain"`
	Buckets    []BucketVote       `json:"buckets"`
	Assignment *ClusterAssignment `json:"assignment,omitempty"`
	// Version is the optimistic concurrency token; 0 means never stored
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Key returns the state's address key
func (s *StabilizerState) Key() AddressKey {
	return AddressKey{Address: s.Address, Chain: s.Chain}
}

// Status derives the state machine status at t
func (s *StabilizerState) Status(t time.Time) StabilizerStatus {
	switch {
	case s.Assignment == nil:
		return StatusUnconfirmed
	case s.Assignment.InCoolDown(t):
		return StatusCoolingDown
	default:
		return StatusConfirmed
	}
}

// Clone returns a deep copy of the state
func (s *StabilizerState) Clone() *StabilizerState {
	if s == nil {
		return nil
	}
	out := *s
	out.Buckets = make([]BucketVote, len(s.Buckets))
	for i, b := range s.Buckets {
		b.ReasonCodes = append([]string(nil), b.ReasonCodes...)
		b.ThreadKeys = append([]string(nil), b.ThreadKeys...)
		out.Buckets[i] = b
	}
	if s.Assignment != nil {
		a := *s.Assignment
		a.ReasonCodes = append([]string(nil), s.Assignment.ReasonCodes...)
		out.Assignment = &a
	}
	return &out
}

// AllScope is the aggregation scope spanning every chain
const AllScope = "all"

// ClusterAggregate is one cluster type's summary within a scope (a chain or "all")
type ClusterAggregate struct {
	ClusterID       string      `json:"cluster_id"`
	ClusterType     ClusterType `json:"cluster_type"`
	Scope           string      `json:"scope"`
	MembersCount    int         `json:"members_count"`
	SumBalanceUSD   float64     `json:"sum_balance_usd"`
	NetFlow24h      float64     `json:"net_flow_24h"`
	RiskScore       float64     `json:"risk_score"`
	Confidence      float64     `json:"confidence"`
	MemberAddresses []string    `json:"member_addresses"`
	ComputedAt      time.Time   `json:"computed_at"`
}
