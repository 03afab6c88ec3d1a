package service

import (
	"sort"
	"time"

	"whale-cluster-engine/internal/domain/entity"
)

// StabilizerConfig tunes the hysteresis engine
type StabilizerConfig struct {
	BucketWidth   time.Duration `mapstructure:"bucket_width"`
	Window        int           `mapstructure:"window"`
	Confirmations int           `mapstructure:"confirmations"`
	CoolDown      time.Duration `mapstructure:"cool_down"`
}

// DefaultStabilizerConfig returns 15 minute buckets with 2-of-3 confirmation and a 6 hour cool-down
func DefaultStabilizerConfig() StabilizerConfig {
	return StabilizerConfig{
		BucketWidth:   15 * time.Minute,
		Window:        3,
		Confirmations: 2,
		CoolDown:      6 * time.Hour,
	}
}

// StabilizerDecision is the outcome of applying one bucket of candidates to an address
type StabilizerDecision struct {
	State *entity.StabilizerState
	// Confirmed is set when the assignment was created or changed
	Confirmed bool
	From      entity.ClusterType
	To        entity.ClusterType
	// Suppressed is set when a different cluster reached confirmation during cool-down
	Suppressed bool
}

// Stabilizer decides when candidate labels become a committed ClusterAssignment.
// It holds no state of its own; every call works on the state passed in.
type Stabilizer struct {
	config StabilizerConfig
}

// NewStabilizer creates a stabilizer, filling unset config fields with defaults
func NewStabilizer(config StabilizerConfig) *Stabilizer {
	def := DefaultStabilizerConfig()
	if config.BucketWidth <= 0 {
		config.BucketWidth = def.BucketWidth
	}
	if config.Window <= 0 {
		config.Window = def.Window
	}
	if config.Confirmations <= 0 {
		config.Confirmations = def.Confirmations
	}
	if config.CoolDown <= 0 {
		config.CoolDown = def.CoolDown
	}
	return &Stabilizer{config: config}
}

// Config returns the effective configuration
func (s *Stabilizer) Config() StabilizerConfig {
	return s.config
}

// BucketStart returns the start of the bucket containing t
func (s *Stabilizer) BucketStart(t time.Time) time.Time {
	return t.UTC().Truncate(s.config.BucketWidth)
}

// Apply records one bucket of candidates for an address and returns the resulting state.
// The input state is never modified; a nil state means the address has no history yet.
// Candidates for other addresses are ignored.
func (s *Stabilizer) Apply(state *entity.StabilizerState, key entity.AddressKey, bucketStart time.Time, candidates []*entity.ClusterCandidate) StabilizerDecision {
	next := state.Clone()
	if next == nil {
		next = &entity.StabilizerState{Address: key.Address, Chain: key.Chain}
	}
	bucketStart = s.BucketStart(bucketStart)
	decision := StabilizerDecision{State: next}

	vote, ok := buildVote(key, bucketStart, candidates)
	if !ok {
		return decision
	}
	next.Buckets = s.mergeBucket(next.Buckets, vote)

	evalAt := bucketStart.Add(s.config.BucketWidth)
	if evalAt.After(next.UpdatedAt) {
		next.UpdatedAt = evalAt
	}

	winner, confidence, reasons := s.confirmedType(next.Buckets)
	if winner == entity.ClusterNone {
		return decision
	}

	current := next.Assignment
	switch {
	case current == nil:
		next.Assignment = &entity.ClusterAssignment{
			Address:        key.Address,
			Chain:          key.Chain,
			CurrentCluster: winner,
			Confidence:     confidence,
			ConfirmedAt:    evalAt,
			CoolDownUntil:  evalAt.Add(s.config.CoolDown),
			ReasonCodes:    reasons,
		}
		decision.Confirmed = true
		decision.To = winner
	case current.CurrentCluster == winner:
		// Re-confirmation of the current cluster leaves the assignment untouched
	case current.InCoolDown(evalAt):
		decision.Suppressed = true
	default:
		next.Assignment = &entity.ClusterAssignment{
			Address:         key.Address,
			Chain:           key.Chain,
			CurrentCluster:  winner,
			PreviousCluster: current.CurrentCluster,
			Confidence:      confidence,
			ConfirmedAt:     evalAt,
			CoolDownUntil:   evalAt.Add(s.config.CoolDown),
			ReasonCodes:     reasons,
			Transitions:     current.Transitions + 1,
		}
		decision.Confirmed = true
		decision.From = current.CurrentCluster
		decision.To = winner
	}
	return decision
}

// buildVote picks the bucket's representative candidate after threadKey deduplication
func buildVote(key entity.AddressKey, bucketStart time.Time, candidates []*entity.ClusterCandidate) (entity.BucketVote, bool) {
	best := make(map[string]*entity.ClusterCandidate)
	for _, c := range candidates {
		if c == nil || c.Address != key.Address || c.Chain != key.Chain || !c.ClusterType.IsValid() {
			continue
		}
		tk := c.ThreadKey()
		if prev, ok := best[tk]; !ok || c.Confidence > prev.Confidence {
			best[tk] = c
		}
	}
	if len(best) == 0 {
		return entity.BucketVote{}, false
	}

	vote := entity.BucketVote{BucketStart: bucketStart}
	var chosen *entity.ClusterCandidate
	for tk, c := range best {
		vote.ThreadKeys = append(vote.ThreadKeys, tk)
		if chosen == nil || outranks(c.ClusterType, c.Confidence, chosen.ClusterType, chosen.Confidence) {
			chosen = c
		}
	}
	sort.Strings(vote.ThreadKeys)
	vote.ClusterType = chosen.ClusterType
	vote.Confidence = chosen.Confidence
	vote.ReasonCodes = append([]string(nil), chosen.ReasonCodes...)
	return vote, true
}

// mergeBucket inserts the vote, merging with a replayed bucket of the same start, and keeps
// only the most recent Window buckets
func (s *Stabilizer) mergeBucket(buckets []entity.BucketVote, vote entity.BucketVote) []entity.BucketVote {
	merged := false
	for i := range buckets {
		if !buckets[i].BucketStart.Equal(vote.BucketStart) {
			continue
		}
		keys := make(map[string]struct{})
		for _, k := range buckets[i].ThreadKeys {
			keys[k] = struct{}{}
		}
		for _, k := range vote.ThreadKeys {
			keys[k] = struct{}{}
		}
		if outranks(vote.ClusterType, vote.Confidence, buckets[i].ClusterType, buckets[i].Confidence) {
			buckets[i].ClusterType = vote.ClusterType
			buckets[i].Confidence = vote.Confidence
			buckets[i].ReasonCodes = vote.ReasonCodes
		}
		buckets[i].ThreadKeys = buckets[i].ThreadKeys[:0]
		for k := range keys {
			buckets[i].ThreadKeys = append(buckets[i].ThreadKeys, k)
		}
		sort.Strings(buckets[i].ThreadKeys)
		merged = true
		break
	}
	if !merged {
		buckets = append(buckets, vote)
	}

	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].BucketStart.Before(buckets[j].BucketStart)
	})
	if len(buckets) > s.config.Window {
		buckets = buckets[len(buckets)-s.config.Window:]
	}
	return buckets
}

// confirmedType returns the cluster holding at least Confirmations of the retained buckets,
// with its mean confidence and the reasons of its latest bucket
func (s *Stabilizer) confirmedType(buckets []entity.BucketVote) (entity.ClusterType, float64, []string) {
	counts := make(map[entity.ClusterType]int)
	sums := make(map[entity.ClusterType]float64)
	latest := make(map[entity.ClusterType][]string)
	for _, b := range buckets {
		counts[b.ClusterType]++
		sums[b.ClusterType] += b.Confidence
		latest[b.ClusterType] = b.ReasonCodes
	}

	winner := entity.ClusterNone
	for _, t := range entity.AllClusterTypes {
		n := counts[t]
		if n < s.config.Confirmations {
			continue
		}
		if winner == entity.ClusterNone || n > counts[winner] {
			winner = t
		}
	}
	if winner == entity.ClusterNone {
		return entity.ClusterNone, 0, nil
	}
	return winner, sums[winner] / float64(counts[winner]), append([]string(nil), latest[winner]...)
}

// outranks orders candidates by confidence, then by rule priority
func outranks(a entity.ClusterType, aConf float64, b entity.ClusterType, bConf float64) bool {
	if aConf != bConf {
		return aConf > bConf
	}
	return a.Priority() < b.Priority()
}
