package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"whale-cluster-engine/internal/domain/entity"
	"whale-cluster-engine/internal/infrastructure/logger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

// EVMChains are chains whose addresses are 20-byte hex and case-insensitive
var EVMChains = map[string]struct{}{
	"ethereum":  {},
	"arbitrum":  {},
	"optimism":  {},
	"base":      {},
	"polygon":   {},
	"bsc":       {},
	"avalanche": {},
	"linea":     {},
	"zksync":    {},
}

// SignalWindow is the lookback used for behavioral signals
const SignalWindow = 24 * time.Hour

// DefaultKnownExchanges are exchange names matched against entity labels
var DefaultKnownExchanges = []string{
	"binance", "coinbase", "kraken", "okx", "okex", "bybit", "bitfinex",
	"huobi", "htx", "kucoin", "gate.io", "gemini", "bitstamp", "crypto.com", "upbit", "bitget", "mexc",
}

// NormalizeAddress validates an address and returns its canonical form for the chain.
// EVM addresses are lower-cased hex; other chains keep their case-sensitive encoding.
func NormalizeAddress(chain, address string) (string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", fmt.Errorf("%w: empty address", ErrMalformedEvidence)
	}
	if _, ok := EVMChains[strings.ToLower(chain)]; !ok {
		return address, nil
	}
	if !common.IsHexAddress(address) {
		return "", fmt.Errorf("%w: invalid %s address %q", ErrMalformedEvidence, chain, address)
	}
	return strings.ToLower(common.HexToAddress(address).Hex()), nil
}

// ResolutionScope memoizes entity lookups for the duration of one cycle
type ResolutionScope struct {
	results *xsync.Map[string, resolution]
}

type resolution struct {
	info entity.EntityInfo
	err  error
}

// NewResolutionScope creates an empty lookup memo
func NewResolutionScope() *ResolutionScope {
	return &ResolutionScope{results: xsync.NewMap[string, resolution]()}
}

// SignalNormalizer turns transfers plus entity metadata into NormalizedEvidence records
type SignalNormalizer struct {
	resolver  EntityResolver
	exchanges []string
	logger    *logger.Logger
}

// NewSignalNormalizer creates a new signal normalizer. resolver may be nil, in which case
// only the labels carried on the ingested events are used.
func NewSignalNormalizer(resolver EntityResolver, knownExchanges []string, logger *logger.Logger) *SignalNormalizer {
	if len(knownExchanges) == 0 {
		knownExchanges = DefaultKnownExchanges
	}
	exchanges := make([]string, 0, len(knownExchanges))
	for _, e := range knownExchanges {
		if e = strings.ToLower(strings.TrimSpace(e)); e != "" {
			exchanges = append(exchanges, e)
		}
	}
	return &SignalNormalizer{
		resolver:  resolver,
		exchanges: exchanges,
		logger:    logger.WithComponent("signal-normalizer"),
	}
}

// IsExchange reports whether a label or tag set identifies a centralized exchange
func (n *SignalNormalizer) IsExchange(label string, tags []string) bool {
	for _, t := range tags {
		if t == "cex" || t == "exchange" {
			return true
		}
	}
	label = strings.ToLower(label)
	if label == "" {
		return false
	}
	for _, e := range n.exchanges {
		if containsWord(label, e) {
			return true
		}
	}
	return false
}

// containsWord reports whether name occurs in label delimited by non-alphanumerics,
// so "okx" matches "OKX 3" and "okx:hot" but not "tokxn".
func containsWord(label, name string) bool {
	for from := 0; from+len(name) <= len(label); {
		i := strings.Index(label[from:], name)
		if i < 0 {
			return false
		}
		start, end := from+i, from+i+len(name)
		if (start == 0 || !isAlnum(label[start-1])) && (end == len(label) || !isAlnum(label[end])) {
			return true
		}
		from = start + 1
	}
	return false
}

func isAlnum(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= '0' && c <= '9'
}

// Normalize produces the evidence records of one transfer: one per whale-candidate side.
// window holds the transfers of both sides: the last 24h for the behavioral signal, and for
// an address with a balance snapshot everything since that snapshot so the first transfer
// after dormancy can be told apart. balances holds the latest snapshot per address.
func (n *SignalNormalizer) Normalize(
	ctx context.Context,
	scope *ResolutionScope,
	t *entity.TransferEvent,
	window []*entity.TransferEvent,
	balances map[string]*entity.BalanceSnapshot,
	evaluatedAt time.Time,
) []entity.NormalizedEvidence {
	if t.FromAddress == t.ToAddress {
		ev, ok := n.evidenceFor(ctx, scope, t, t.FromAddress, t.ToAddress, entity.DirectionUnknown, window, balances, evaluatedAt)
		if !ok {
			return nil
		}
		return []entity.NormalizedEvidence{ev}
	}

	out := make([]entity.NormalizedEvidence, 0, 2)
	if ev, ok := n.evidenceFor(ctx, scope, t, t.FromAddress, t.ToAddress, entity.DirectionOut, window, balances, evaluatedAt); ok {
		out = append(out, ev)
	}
	if ev, ok := n.evidenceFor(ctx, scope, t, t.ToAddress, t.FromAddress, entity.DirectionIn, window, balances, evaluatedAt); ok {
		out = append(out, ev)
	}
	return out
}

func (n *SignalNormalizer) evidenceFor(
	ctx context.Context,
	scope *ResolutionScope,
	t *entity.TransferEvent,
	subject, counterparty string,
	direction entity.Direction,
	window []*entity.TransferEvent,
	balances map[string]*entity.BalanceSnapshot,
	evaluatedAt time.Time,
) (entity.NormalizedEvidence, bool) {
	// Known exchanges and protocols are counterparties, never whale subjects
	subjectInfo, _ := n.resolve(ctx, scope, subject, t.Chain, eventLabel(t, subject), nil, entity.CounterpartyNone)
	if n.IsExchange(subjectInfo.Label, subjectInfo.Tags) || subjectInfo.CounterpartyType.IsProtocol() {
		return entity.NormalizedEvidence{}, false
	}

	cpInfo, err := n.resolve(ctx, scope, counterparty, t.Chain, eventLabel(t, counterparty), t.Tags, t.CounterpartyType)
	resolutionFailed := err != nil
	if resolutionFailed {
		n.logger.Warn("Entity resolution unavailable, classifying without entity data",
			zap.String("chain", t.Chain),
			zap.String("address", counterparty),
			zap.String("tx_hash", t.TxHash),
			zap.Error(err))
		cpInfo = entity.EntityInfo{CounterpartyType: entity.CounterpartyNone}
	}

	ev := entity.NormalizedEvidence{
		Address:                subject,
		Chain:                  t.Chain,
		TxHash:                 t.TxHash,
		LogIndex:               t.LogIndex,
		AmountUSD:              t.AmountUSD,
		Direction:              direction,
		Timestamp:              t.Timestamp,
		EvaluatedAt:            evaluatedAt,
		CounterpartyAddress:    counterparty,
		CounterpartyLabel:      cpInfo.Label,
		CounterpartyType:       cpInfo.CounterpartyType,
		Tags:                   cpInfo.Tags,
		EntityResolutionFailed: resolutionFailed,
	}
	if ev.CounterpartyType == "" {
		ev.CounterpartyType = entity.CounterpartyNone
	}
	ev.DestinationIsExchange = direction == entity.DirectionOut && n.IsExchange(cpInfo.Label, cpInfo.Tags)

	if snap, ok := balances[subject]; ok && snap != nil {
		ev.DormantDays = snap.DormantDays
		if isFirstTransferSince(t, subject, snap.Timestamp, window) {
			ev.FirstTxUSD = t.AmountUSD
		}
	}

	ev.Signal = ComputeSignal(subject, window, evaluatedAt, func(tr *entity.TransferEvent) bool {
		info, err := n.resolve(ctx, scope, tr.ToAddress, tr.Chain, tr.ToEntityLabel, nil, entity.CounterpartyNone)
		if err != nil {
			return false
		}
		return n.IsExchange(info.Label, info.Tags)
	})

	return ev, true
}

// resolve merges entity service data with what the ingested event carried. On lookup failure
// the error is returned so the caller can drop entity data for that record.
func (n *SignalNormalizer) resolve(
	ctx context.Context,
	scope *ResolutionScope,
	address, chain, eventLabel string,
	eventTags []string,
	eventType entity.CounterpartyType,
) (entity.EntityInfo, error) {
	var resolved resolution
	if n.resolver != nil {
		key := chain + ":" + address
		if scope != nil {
			if cached, ok := scope.results.Load(key); ok {
				resolved = cached
			} else {
				resolved = n.lookup(ctx, address, chain)
				scope.results.Store(key, resolved)
			}
		} else {
			resolved = n.lookup(ctx, address, chain)
		}
	}
	if resolved.err != nil {
		return entity.EntityInfo{}, resolved.err
	}

	info := resolved.info
	if info.Label == "" {
		info.Label = eventLabel
	}
	if !info.CounterpartyType.IsProtocol() && eventType.IsProtocol() {
		info.CounterpartyType = eventType
	}
	info.Tags = mergeTags(info.Tags, eventTags)
	return info, nil
}

func (n *SignalNormalizer) lookup(ctx context.Context, address, chain string) resolution {
	info, err := n.resolver.ResolveEntity(ctx, address, chain)
	if err != nil {
		if !errors.Is(err, ErrEntityResolutionUnavailable) {
			err = fmt.Errorf("%w: %v", ErrEntityResolutionUnavailable, err)
		}
		return resolution{err: err}
	}
	return resolution{info: info}
}

// ComputeSignal derives the rolling 24h behavioral signal of address at evaluatedAt.
// Re-delivered transfers (same idempotency key) are counted once.
func ComputeSignal(address string, window []*entity.TransferEvent, evaluatedAt time.Time, toExchange func(*entity.TransferEvent) bool) entity.BehavioralSignal {
	var (
		signal     entity.BehavioralSignal
		toCex      float64
		recipients = make(map[string]struct{})
		seen       = make(map[string]struct{})
		start      = evaluatedAt.Add(-SignalWindow)
	)
	for _, t := range window {
		if !t.Timestamp.After(start) || t.Timestamp.After(evaluatedAt) || !t.Involves(address) {
			continue
		}
		if _, dup := seen[t.Key()]; dup {
			continue
		}
		seen[t.Key()] = struct{}{}
		if t.FromAddress == t.ToAddress {
			continue
		}

		if t.ToAddress == address {
			signal.InflowUSD += t.AmountUSD
			continue
		}
		signal.OutflowUSD += t.AmountUSD
		recipients[t.ToAddress] = struct{}{}
		if toExchange != nil && toExchange(t) {
			toCex += t.AmountUSD
		}
	}

	signal.NetFlow24h = signal.InflowUSD - signal.OutflowUSD
	signal.UniqueRecipients24h = len(recipients)
	if signal.OutflowUSD > 0 {
		signal.ToCexRatio = toCex / signal.OutflowUSD
	}
	return signal
}

// isFirstTransferSince reports whether t is the earliest transfer of address at or after since.
// A snapshot written at the waking block shares the waking transfer's timestamp.
func isFirstTransferSince(t *entity.TransferEvent, address string, since time.Time, window []*entity.TransferEvent) bool {
	if t.Timestamp.Before(since) {
		return false
	}
	for _, other := range window {
		if other.Key() == t.Key() || !other.Involves(address) || other.Timestamp.Before(since) {
			continue
		}
		if other.Timestamp.Before(t.Timestamp) ||
			(other.Timestamp.Equal(t.Timestamp) && other.Key() < t.Key()) {
			return false
		}
	}
	return true
}

func eventLabel(t *entity.TransferEvent, address string) string {
	if address == t.ToAddress {
		return t.ToEntityLabel
	}
	return t.FromEntityLabel
}

func mergeTags(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, t := range list {
			if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
				set[t] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
