package messaging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"whale-cluster-engine/internal/domain/entity"
)

// transferMessage is the wire form of a transfer. Pointer fields tell a missing
// value apart from zero so the ingestion layer can reject incomplete records.
type transferMessage struct {
	TxHash           string            `json:"tx_hash"`
	LogIndex         *uint32           `json:"log_index"`
	From             string            `json:"from"`
	To               string            `json:"to"`
	Chain            string            `json:"chain"`
	Token            string            `json:"token"`
	AmountUSD        *float64          `json:"amount_usd"`
	Timestamp        *time.Time        `json:"timestamp"`
	FromEntityLabel  string            `json:"from_entity_label"`
	ToEntityLabel    string            `json:"to_entity_label"`
	Tags             []string          `json:"tags"`
	CounterpartyType string            `json:"counterparty_type"`
	Provenance       entity.Provenance `json:"provenance"`
}

type balanceMessage struct {
	Address     string            `json:"address"`
	Chain       string            `json:"chain"`
	BalanceUSD  *float64          `json:"balance_usd"`
	DormantDays int               `json:"dormant_days"`
	BlockHeight uint64            `json:"block_height"`
	Timestamp   *time.Time        `json:"timestamp"`
	Provenance  entity.Provenance `json:"provenance"`
}

// DecodeTransfers accepts a single JSON object or an array of them.
// Records with a missing log index, amount or timestamp decode with invalid values and are
// counted as malformed downstream; only undecodable payloads return an error.
func DecodeTransfers(data []byte) ([]*entity.TransferEvent, error) {
	var msgs []transferMessage
	if err := decodeOneOrMany(data, &msgs); err != nil {
		return nil, fmt.Errorf("invalid transfer payload: %w", err)
	}

	out := make([]*entity.TransferEvent, 0, len(msgs))
	for _, m := range msgs {
		t := &entity.TransferEvent{
			TxHash:           m.TxHash,
			FromAddress:      m.From,
			ToAddress:        m.To,
			Chain:            m.Chain,
			Token:            m.Token,
			LogIndex:         entity.UnknownLogIndex,
			AmountUSD:        math.NaN(),
			FromEntityLabel:  m.FromEntityLabel,
			ToEntityLabel:    m.ToEntityLabel,
			Tags:             m.Tags,
			CounterpartyType: entity.CounterpartyType(m.CounterpartyType),
			Provenance:       m.Provenance,
		}
		if m.LogIndex != nil {
			t.LogIndex = *m.LogIndex
		}
		if m.AmountUSD != nil {
			t.AmountUSD = *m.AmountUSD
		}
		if m.Timestamp != nil {
			t.Timestamp = *m.Timestamp
		}
		out = append(out, t)
	}
	return out, nil
}

// DecodeBalances accepts a single JSON object or an array of them
func DecodeBalances(data []byte) ([]*entity.BalanceSnapshot, error) {
	var msgs []balanceMessage
	if err := decodeOneOrMany(data, &msgs); err != nil {
		return nil, fmt.Errorf("invalid balance payload: %w", err)
	}

	out := make([]*entity.BalanceSnapshot, 0, len(msgs))
	for _, m := range msgs {
		b := &entity.BalanceSnapshot{
			Address:     m.Address,
			Chain:       m.Chain,
			BalanceUSD:  math.NaN(),
			DormantDays: m.DormantDays,
			BlockHeight: m.BlockHeight,
			Provenance:  m.Provenance,
		}
		if m.BalanceUSD != nil {
			b.BalanceUSD = *m.BalanceUSD
		}
		if m.Timestamp != nil {
			b.Timestamp = *m.Timestamp
		}
		out = append(out, b)
	}
	return out, nil
}

func decodeOneOrMany[T any](data []byte, out *[]T) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("empty payload")
	}
	if data[0] == '[' {
		return json.Unmarshal(data, out)
	}
	var one T
	if err := json.Unmarshal(data, &one); err != nil {
		return err
	}
	*out = append(*out, one)
	return nil
}
