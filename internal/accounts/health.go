package accounts

import (
	"sync"
	"time"
)

// HealthScoreConfig configures the health score system
type HealthScoreConfig struct {
	Initial             int     `json:"initial"`
	SuccessReward       int     `json:"success_reward"`
	RateLimitPenalty    int     `json:"rate_limit_penalty"`
	FailurePenalty      int     `json:"failure_penalty"`
	RecoveryRatePerHour float64 `json:"recovery_rate_per_hour"`
	MinUsable           int     `json:"min_usable"`
	MaxScore            int     `json:"max_score"`
}

// DefaultHealthScoreConfig returns sensible defaults
func DefaultHealthScoreConfig() HealthScoreConfig {
	return HealthScoreConfig{
		Initial:             70,
		SuccessReward:       1,
		RateLimitPenalty:    15,
		FailurePenalty:      25,
		RecoveryRatePerHour: 5,
		MinUsable:           30,
		MaxScore:            100,
	}
}

// HealthTracker keeps an in-memory score per account. Scores are reported in
// health checks only and never change selection order.
type HealthTracker struct {
	cfg         HealthScoreConfig
	scores      map[string]int
	lastUpdates map[string]time.Time
	now         func() time.Time
	mu          sync.Mutex
}

// NewHealthTracker creates a new health tracker
func NewHealthTracker(cfg HealthScoreConfig) *HealthTracker {
	return &HealthTracker{
		cfg:         cfg,
		scores:      make(map[string]int),
		lastUpdates: make(map[string]time.Time),
		now:         time.Now,
	}
}

// Score returns the effective score for an account, applying time recovery.
func (ht *HealthTracker) Score(id string) int {
	ht.mu.Lock()
	defer ht.mu.Unlock()
	return ht.scoreLocked(id)
}

// Usable reports whether the score is at or above the usable threshold.
func (ht *HealthTracker) Usable(id string) bool {
	return ht.Score(id) >= ht.cfg.MinUsable
}

func (ht *HealthTracker) scoreLocked(id string) int {
	now := ht.now()
	score, ok := ht.scores[id]
	if !ok {
		ht.scores[id] = ht.cfg.Initial
		ht.lastUpdates[id] = now
		return ht.cfg.Initial
	}

	recovered := int(now.Sub(ht.lastUpdates[id]).Hours() * ht.cfg.RecoveryRatePerHour)
	if recovered > 0 {
		score = min(score+recovered, ht.cfg.MaxScore)
		ht.scores[id] = score
		ht.lastUpdates[id] = now
	}
	return score
}

func (ht *HealthTracker) adjust(id string, delta int) {
	ht.mu.Lock()
	defer ht.mu.Unlock()

	score := ht.scoreLocked(id) + delta
	score = max(0, min(score, ht.cfg.MaxScore))
	ht.scores[id] = score
	ht.lastUpdates[id] = ht.now()
}

// RecordSuccess boosts score
func (ht *HealthTracker) RecordSuccess(id string) { ht.adjust(id, ht.cfg.SuccessReward) }

// RecordRateLimit penalizes score
func (ht *HealthTracker) RecordRateLimit(id string) { ht.adjust(id, -ht.cfg.RateLimitPenalty) }

// RecordFailure penalizes score
func (ht *HealthTracker) RecordFailure(id string) { ht.adjust(id, -ht.cfg.FailurePenalty) }

// Forget drops an account's score.
func (ht *HealthTracker) Forget(id string) {
	ht.mu.Lock()
	defer ht.mu.Unlock()
	delete(ht.scores, id)
	delete(ht.lastUpdates, id)
}
