package entity

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// CounterpartyType is the protocol category of a known counterparty
type CounterpartyType string

const (
	CounterpartyAMM     CounterpartyType = "amm"
	CounterpartyLending CounterpartyType = "lending"
	CounterpartyBridge  CounterpartyType = "bridge"
	CounterpartyPerps   CounterpartyType = "perps"
	CounterpartyNone    CounterpartyType = "none"
)

// IsProtocol reports whether the counterparty is a DeFi protocol
func (c CounterpartyType) IsProtocol() bool {
	switch c {
	case CounterpartyAMM, CounterpartyLending, CounterpartyBridge, CounterpartyPerps:
		return true
	default:
		return false
	}
}

// ParseCounterpartyType maps free-form input onto a CounterpartyType, defaulting to none
func ParseCounterpartyType(s string) CounterpartyType {
	switch CounterpartyType(strings.ToLower(strings.TrimSpace(s))) {
	case CounterpartyAMM:
		return CounterpartyAMM
	case CounterpartyLending:
		return CounterpartyLending
	case CounterpartyBridge:
		return CounterpartyBridge
	case CounterpartyPerps:
		return CounterpartyPerps
	default:
		return CounterpartyNone
	}
}

// Provenance records where an ingested record came from
type Provenance struct {
	Provider  string `json:"provider"`
	Method    string `json:"method"`
	RequestID string `json:"request_id"`
}

// UnknownLogIndex marks a transfer decoded without a log index
const UnknownLogIndex uint32 = math.MaxUint32

// TransferEvent represents one normalized on-chain transfer
type TransferEvent struct {
	TxHash           string           `json:"tx_hash"`
	LogIndex         uint32           `json:"log_index"`
	FromAddress      string           `json:"from_address"`
	ToAddress        string           `json:"to_address"`
	Chain            string           `json:"chain"`
	Token            string           `json:"token"`
	AmountUSD        float64          `json:"amount_usd"`
	Timestamp        time.Time        `json:"timestamp"`
	FromEntityLabel  string           `json:"from_entity_label,omitempty"`
	ToEntityLabel    string           `json:"to_entity_label,omitempty"`
	Tags             []string         `json:"tags,omitempty"`
	CounterpartyType CounterpartyType `json:"counterparty_type,omitempty"`
	Provenance       Provenance       `json:"provenance"`
	IngestedAt       time.Time        `json:"ingested_at"`
}

// Key returns the idempotency key (chain, txHash, logIndex)
func (t *TransferEvent) Key() string {
	return fmt.Sprintf("%s:%s:%d", strings.ToLower(t.Chain), strings.ToLower(t.TxHash), t.LogIndex)
}

// Involves reports whether address is either side of the transfer
func (t *TransferEvent) Involves(address string) bool {
	return t.FromAddress == address || t.ToAddress == address
}

// BalanceSnapshot is a point-in-time balance observation for an address
type BalanceSnapshot struct {
	Address     string     `json:"address"`
	Chain       string     `json:"chain"`
	BalanceUSD  float64    `json:"balance_usd"`
	DormantDays int        `json:"dormant_days"`
	BlockHeight uint64     `json:"block_height"`
	Timestamp   time.Time  `json:"timestamp"`
	Provenance  Provenance `json:"provenance"`
	IngestedAt  time.Time  `json:"ingested_at"`
}

// Key returns the natural key (address, chain, blockHeight-or-timestamp)
func (b *BalanceSnapshot) Key() string {
	if b.BlockHeight > 0 {
		return fmt.Sprintf("%s:%s:%d", strings.ToLower(b.Chain), b.Address, b.BlockHeight)
	}
	return fmt.Sprintf("%s:%s:t%d", strings.ToLower(b.Chain), b.Address, b.Timestamp.UnixNano())
}

// AddressKey identifies a tracked address on a chain
type AddressKey struct {
	Address string `json:"address"`
	Chain   string `json:"chain"`
}

// String renders the key as chain:address
func (k AddressKey) String() string {
	return k.Chain + ":" + k.Address
}
