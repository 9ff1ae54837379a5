// Package accounts manages the configured Google accounts: encrypted
// credentials, runtime state (quota, health, login outcomes), rotation
// strategies, and persistence of the account registry file.
package accounts

import (
	"fmt"
	"strings"
	"time"
)

// SessionStatus is the last known authentication status of an account.
type SessionStatus string

const (
	StatusUnknown     SessionStatus = "unknown"
	StatusValid       SessionStatus = "valid"
	StatusExpired     SessionStatus = "expired"
	StatusFailed      SessionStatus = "failed"
	StatusRateLimited SessionStatus = "rate_limited"
)

// Strategy is a process-wide account rotation policy.
type Strategy string

const (
	StrategyLeastUsed  Strategy = "least_used"
	StrategyRoundRobin Strategy = "round_robin"
	StrategyFailover   Strategy = "failover"
	StrategyRandom     Strategy = "random"
)

// Strategies lists every supported strategy in display order.
var Strategies = []Strategy{StrategyLeastUsed, StrategyRoundRobin, StrategyFailover, StrategyRandom}

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	for _, st := range Strategies {
		if string(st) == strings.TrimSpace(s) {
			return st, nil
		}
	}
	return "", &ConfigError{Reason: fmt.Sprintf("invalid strategy %q (valid: %v)", s, Strategies)}
}

// Quota tracks advisory request usage within a reset window.
type Quota struct {
	Used    int       `json:"used"`
	Limit   int       `json:"limit"`
	ResetAt time.Time `json:"resetAt"`
}

// Remaining returns the unused quota, never negative.
func (q Quota) Remaining() int {
	if q.Used >= q.Limit {
		return 0
	}
	return q.Limit - q.Used
}

// Ratio returns used/max(limit,1).
func (q Quota) Ratio() float64 {
	limit := q.Limit
	if limit < 1 {
		limit = 1
	}
	return float64(q.Used) / float64(limit)
}

// Credentials is the plaintext credential bundle. Never persisted or logged.
type Credentials struct {
	Password string
	TOTPSeed string
}

// HasTOTP reports whether a second-factor seed is configured.
func (c Credentials) HasTOTP() bool { return c.TOTPSeed != "" }

// SealedCredentials holds encrypted credential blobs as stored on disk.
type SealedCredentials struct {
	Password string `json:"password,omitempty"`
	TOTPSeed string `json:"totpSeed,omitempty"`
}

// Empty reports whether no credentials are stored.
func (s SealedCredentials) Empty() bool { return s.Password == "" }

// AccountConfig is the operator-controlled part of an account.
type AccountConfig struct {
	ID          string            `json:"id"`
	Email       string            `json:"email"`
	Credentials SealedCredentials `json:"credentials"`
	Priority    int               `json:"priority"`
	Enabled     bool              `json:"enabled"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// AccountState is the runtime state owned by the Registry.
type AccountState struct {
	SessionStatus       SessionStatus `json:"sessionStatus"`
	Quota               Quota         `json:"quota"`
	LastActivity        time.Time     `json:"lastActivity,omitempty"`
	LastLoginAttempt    time.Time     `json:"lastLoginAttempt,omitempty"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	RateLimitResetAt    time.Time     `json:"rateLimitResetAt,omitempty"`
}

// Account is a configured identity plus its runtime state.
// Values handed out by the Registry are copies.
type Account struct {
	AccountConfig
	AccountState

	// Deterministic location of the persisted authentication state
	StateFilePath string `json:"-"`
}

// MaskedEmail returns the email in loggable form.
func (a Account) MaskedEmail() string { return MaskEmail(a.Email) }

// IsRateLimited reports whether the account is still cooling down at now.
func (a Account) IsRateLimited(now time.Time) bool {
	return a.SessionStatus == StatusRateLimited && now.Before(a.RateLimitResetAt)
}

// Eligible reports whether the account may be selected at now.
func (a Account) Eligible(now time.Time) bool {
	return a.Enabled && !a.IsRateLimited(now)
}

// MaskEmail keeps the first character of the local part and the domain.
//
//	MaskEmail("john@example.com") == "j***@example.com"
func MaskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		if email == "" {
			return ""
		}
		return email[:1] + "***"
	}
	return email[:1] + "***" + email[at:]
}

// ExcludeSet is an immutable set of account ids.
type ExcludeSet struct {
	ids map[string]struct{}
}

// NewExcludeSet builds a set from ids.
func NewExcludeSet(ids ...string) ExcludeSet {
	m := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return ExcludeSet{ids: m}
}

// With returns a new set containing the receiver's ids plus id.
func (e ExcludeSet) With(id string) ExcludeSet {
	m := make(map[string]struct{}, len(e.ids)+1)
	for k := range e.ids {
		m[k] = struct{}{}
	}
	m[id] = struct{}{}
	return ExcludeSet{ids: m}
}

// Has reports membership.
func (e ExcludeSet) Has(id string) bool {
	_, ok := e.ids[id]
	return ok
}

// Len returns the number of excluded ids.
func (e ExcludeSet) Len() int { return len(e.ids) }
