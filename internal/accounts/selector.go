package accounts

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"nbpilot/internal/logging"
)

// Selection is the outcome of a rotation decision.
type Selection struct {
	Account Account
	Reason  string // human-readable, for logs only
}

// Selector applies the registry's rotation strategy to eligible accounts.
type Selector struct {
	reg   *Registry
	intn  func(n int) int
	mu    sync.Mutex
	randM sync.Mutex
}

// SelectorOption customizes a Selector.
type SelectorOption func(*Selector)

// WithRandSource makes the random strategy deterministic.
func WithRandSource(src rand.Source) SelectorOption {
	return func(s *Selector) {
		r := rand.New(src)
		s.intn = func(n int) int {
			s.randM.Lock()
			defer s.randM.Unlock()
			return r.Intn(n)
		}
	}
}

// NewSelector creates a selector over reg.
func NewSelector(reg *Registry, opts ...SelectorOption) *Selector {
	s := &Selector{reg: reg, intn: rand.Intn}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SelectAccount picks the next account not in excluding. A nil Selection with
// a nil error means no account is eligible.
func (s *Selector) SelectAccount(excluding ExcludeSet) (*Selection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.reg.Now()
	strategy := s.reg.Strategy()
	cursor := s.reg.Cursor()

	eligible := Eligible(s.reg.List(), excluding, now)
	if len(eligible) == 0 {
		logging.AccountsDebug("No eligible accounts (excluded=%d)", excluding.Len())
		return nil, nil
	}

	acc, reason := Pick(strategy, eligible, cursor, s.intn)

	if strategy == StrategyRoundRobin {
		if err := s.reg.SetCursor(acc.ID); err != nil {
			return nil, fmt.Errorf("failed to persist round-robin cursor: %w", err)
		}
	}

	logging.Accounts("Selected %s (%s) via %s", acc.MaskedEmail(), acc.ID, reason)
	return &Selection{Account: acc, Reason: reason}, nil
}

// Eligible filters accounts that are enabled, not excluded and not rate limited.
func Eligible(all []Account, excluding ExcludeSet, now time.Time) []Account {
	out := make([]Account, 0, len(all))
	for _, acc := range all {
		if excluding.Has(acc.ID) || !acc.Eligible(now) {
			continue
		}
		out = append(out, acc)
	}
	return out
}

// Pick applies strategy to a non-empty eligible slice.
func Pick(strategy Strategy, eligible []Account, cursor string, intn func(int) int) (Account, string) {
	switch strategy {
	case StrategyRoundRobin:
		return pickRoundRobin(eligible, cursor)
	case StrategyFailover:
		return pickFailover(eligible)
	case StrategyRandom:
		acc := eligible[intn(len(eligible))]
		return acc, fmt.Sprintf("random: 1 of %d", len(eligible))
	default:
		return pickLeastUsed(eligible)
	}
}

func pickLeastUsed(eligible []Account) (Account, string) {
	best := eligible[0]
	for _, acc := range eligible[1:] {
		br, ar := best.Quota.Ratio(), acc.Quota.Ratio()
		switch {
		case ar < br:
			best = acc
		case ar == br && acc.Priority < best.Priority:
			best = acc
		case ar == br && acc.Priority == best.Priority && acc.ID < best.ID:
			best = acc
		}
	}
	return best, fmt.Sprintf("least used: %d/%d", best.Quota.Used, best.Quota.Limit)
}

// pickRoundRobin takes the first id strictly after cursor in sorted order,
// wrapping to the smallest id.
func pickRoundRobin(eligible []Account, cursor string) (Account, string) {
	sorted := make([]Account, len(eligible))
	copy(sorted, eligible)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	for _, acc := range sorted {
		if acc.ID > cursor {
			return acc, fmt.Sprintf("round robin: next after %q", cursor)
		}
	}
	return sorted[0], "round robin: wrapped"
}

func pickFailover(eligible []Account) (Account, string) {
	best := eligible[0]
	for _, acc := range eligible[1:] {
		switch {
		case acc.Priority < best.Priority:
			best = acc
		case acc.Priority == best.Priority && acc.ConsecutiveFailures < best.ConsecutiveFailures:
			best = acc
		case acc.Priority == best.Priority && acc.ConsecutiveFailures == best.ConsecutiveFailures && acc.ID < best.ID:
			best = acc
		}
	}
	return best, fmt.Sprintf("failover: priority %d, %d failures", best.Priority, best.ConsecutiveFailures)
}
