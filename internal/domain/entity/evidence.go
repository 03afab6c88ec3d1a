package entity

import (
	"time"
)

// Direction is the flow direction of a transfer from the subject address' point of view
type Direction string

const (
	DirectionIn      Direction = "in"
	DirectionOut     Direction = "out"
	DirectionUnknown Direction = "unknown"
)

// EntityInfo is what the entity/tag service knows about an address
type EntityInfo struct {
	Label            string           `json:"label,omitempty"`
	Tags             []string         `json:"tags,omitempty"`
	CounterpartyType CounterpartyType `json:"counterparty_type,omitempty"`
}

// IsEmpty reports whether no entity knowledge is present
func (e EntityInfo) IsEmpty() bool {
	return e.Label == "" && len(e.Tags) == 0 && !e.CounterpartyType.IsProtocol()
}

// BehavioralSignal is the rolling 24h aggregate for one (address, chain).
// It is derived from the event window at evaluation time and never persisted.
type BehavioralSignal struct {
	InflowUSD           float64 `json:"inflow_usd"`
	OutflowUSD          float64 `json:"outflow_usd"`
	NetFlow24h          float64 `json:"net_flow_24h"`
	ToCexRatio          float64 `json:"to_cex_ratio"`
	UniqueRecipients24h int     `json:"unique_recipients_24h"`
}

// NormalizedEvidence is the uniform evaluation record fed to the rule classifier
type NormalizedEvidence struct {
	Address     string    `json:"address"`
	Chain       string    `json:"chain"`
	TxHash      string    `json:"tx_hash"`
	LogIndex    uint32    `json:"log_index"`
	AmountUSD   float64   `json:"amount_usd"`
	Direction   Direction `json:"direction"`
	Timestamp   time.Time `json:"timestamp"`
	EvaluatedAt time.Time `json:"evaluated_at"`

	// Dormancy
	DormantDays int     `json:"dormant_days"`
	FirstTxUSD  float64 `json:"first_tx_usd"`

	// Counterparty knowledge
	CounterpartyAddress    string           `json:"counterparty_address"`
	CounterpartyLabel      string           `json:"counterparty_label,omitempty"`
	CounterpartyType       CounterpartyType `json:"counterparty_type"`
	DestinationIsExchange  bool             `json:"destination_is_exchange"`
	Tags                   []string         `json:"tags,omitempty"`
	EntityResolutionFailed bool             `json:"entity_resolution_failed"`

	Signal BehavioralSignal `json:"signal"`
}

// Key returns the subject address key
func (e *NormalizedEvidence) Key() AddressKey {
	return AddressKey{Address: e.Address, Chain: e.Chain}
}

// HasTag reports whether any of the given tags is present on the evidence
func (e *NormalizedEvidence) HasTag(tags map[string]struct{}) bool {
	for _, t := range e.Tags {
		if _, ok := tags[t]; ok {
			return true
		}
	}
	return false
}
