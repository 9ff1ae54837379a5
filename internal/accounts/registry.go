package accounts

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"nbpilot/internal/logging"

	"github.com/google/uuid"
)

const registryVersion = 1

// registryFile is the disk format of accounts.json.
type registryFile struct {
	Version          int        `json:"version"`
	Strategy         Strategy   `json:"strategy"`
	Cursor           string     `json:"roundRobinCursor,omitempty"`
	CurrentAccountID string     `json:"currentAccountId,omitempty"`
	Accounts         []*Account `json:"accounts"`
}

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	Path        string // accounts.json
	AuthDir     string // per-account auth state files
	ProfilesDir string // per-account browser profiles
	Credentials *CredentialStore
	Health      *HealthTracker

	DefaultStrategy Strategy
	QuotaLimit      int
	QuotaWindow     time.Duration

	Now func() time.Time
}

// Registry owns every Account. Getters return copies and every mutation is
// persisted before the method returns.
type Registry struct {
	path        string
	authDir     string
	profilesDir string
	creds       *CredentialStore
	health      *HealthTracker
	quotaLimit  int
	window      time.Duration
	now         func() time.Time

	accounts  []*Account
	strategy  Strategy
	cursor    string
	currentID string
	lastSaved [32]byte

	mu sync.RWMutex
}

// NewRegistry creates a registry and loads the registry file if present.
func NewRegistry(opts RegistryOptions) (*Registry, error) {
	if opts.Path == "" {
		return nil, &ConfigError{Reason: "registry path required"}
	}
	if opts.Credentials == nil {
		return nil, &ConfigError{Reason: "credential store required"}
	}
	if opts.Health == nil {
		opts.Health = NewHealthTracker(DefaultHealthScoreConfig())
	}
	if opts.DefaultStrategy == "" {
		opts.DefaultStrategy = StrategyLeastUsed
	}
	if opts.QuotaLimit <= 0 {
		opts.QuotaLimit = 50
	}
	if opts.QuotaWindow <= 0 {
		opts.QuotaWindow = 24 * time.Hour
	}
	if opts.AuthDir == "" {
		opts.AuthDir = filepath.Join(filepath.Dir(opts.Path), "auth")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	r := &Registry{
		path:        opts.Path,
		authDir:     opts.AuthDir,
		profilesDir: opts.ProfilesDir,
		creds:       opts.Credentials,
		health:      opts.Health,
		quotaLimit:  opts.QuotaLimit,
		window:      opts.QuotaWindow,
		now:         opts.Now,
		strategy:    opts.DefaultStrategy,
	}

	if err := r.Load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return r, nil
}

// Load replaces in-memory state with the registry file contents.
func (r *Registry) Load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return err
	}

	var file registryFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse account registry %s: %w", r.path, err)
	}
	if file.Version != registryVersion {
		return fmt.Errorf("unknown account registry version %d", file.Version)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if file.Strategy != "" {
		r.strategy = file.Strategy
	}
	r.cursor = file.Cursor
	r.currentID = file.CurrentAccountID
	r.accounts = make([]*Account, 0, len(file.Accounts))
	for _, acc := range file.Accounts {
		if acc == nil || acc.ID == "" {
			continue
		}
		if acc.SessionStatus == "" {
			acc.SessionStatus = StatusUnknown
		}
		acc.StateFilePath = r.statePath(acc.ID)
		r.accounts = append(r.accounts, acc)
	}
	r.lastSaved = sha256.Sum256(data)

	logging.AccountsDebug("Loaded %d accounts from %s (strategy=%s)", len(r.accounts), r.path, r.strategy)
	return nil
}

// Reload re-reads the file unless it matches what this process last wrote.
// Returns true when in-memory state changed.
func (r *Registry) Reload() (bool, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return false, err
	}
	if r.sameFile(data) {
		return false, nil
	}
	if err := r.Load(); err != nil {
		return false, err
	}
	return true, nil
}

// Save persists the registry.
func (r *Registry) Save() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saveUnlocked()
}

func (r *Registry) saveUnlocked() error {
	file := registryFile{
		Version:          registryVersion,
		Strategy:         r.strategy,
		Cursor:           r.cursor,
		CurrentAccountID: r.currentID,
		Accounts:         r.accounts,
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".accounts-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		os.Remove(tmpName)
		return err
	}
	r.lastSaved = sha256.Sum256(data)
	return nil
}

func (r *Registry) statePath(id string) string {
	return filepath.Join(r.authDir, id+".json")
}

func (r *Registry) findLocked(id string) *Account {
	for _, acc := range r.accounts {
		if acc.ID == id {
			return acc
		}
	}
	return nil
}

// normalize applies lazy quota and rate-limit resets as of now.
func (r *Registry) normalize(acc *Account, now time.Time) {
	if acc.Quota.Limit <= 0 {
		acc.Quota.Limit = r.quotaLimit
	}
	if acc.Quota.ResetAt.IsZero() {
		acc.Quota.ResetAt = now.Add(r.window)
	} else if !now.Before(acc.Quota.ResetAt) {
		periods := now.Sub(acc.Quota.ResetAt)/r.window + 1
		acc.Quota.ResetAt = acc.Quota.ResetAt.Add(periods * r.window)
		acc.Quota.Used = 0
	}
	if acc.SessionStatus == StatusRateLimited && !now.Before(acc.RateLimitResetAt) {
		acc.SessionStatus = StatusUnknown
		acc.RateLimitResetAt = time.Time{}
	}
}

func (r *Registry) snapshot(acc *Account, now time.Time) Account {
	c := *acc
	r.normalize(&c, now)
	return c
}

// mutate runs fn on the stored account under the write lock and persists.
func (r *Registry) mutate(id string, fn func(acc *Account, now time.Time)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	acc := r.findLocked(id)
	if acc == nil {
		return notFound(id)
	}
	now := r.now()
	r.normalize(acc, now)
	fn(acc, now)
	return r.saveUnlocked()
}

// Add registers an account, or updates the credentials of an existing account
// with the same email. Returns the account id.
func (r *Registry) Add(email, password, totpSeed string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" || !strings.Contains(email, "@") {
		return "", &ConfigError{Reason: fmt.Sprintf("invalid email %q", MaskEmail(email))}
	}
	if password == "" {
		return "", &ConfigError{Reason: "password required"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()

	for _, existing := range r.accounts {
		if strings.EqualFold(existing.Email, email) {
			sealed, err := r.creds.SealCredentials(existing.ID, Credentials{Password: password, TOTPSeed: totpSeed})
			if err != nil {
				return "", err
			}
			existing.Credentials = sealed
			existing.UpdatedAt = now
			logging.Accounts("Updated credentials for %s (%s)", MaskEmail(email), existing.ID)
			return existing.ID, r.saveUnlocked()
		}
	}

	id := uuid.New().String()
	sealed, err := r.creds.SealCredentials(id, Credentials{Password: password, TOTPSeed: totpSeed})
	if err != nil {
		return "", err
	}

	acc := &Account{
		AccountConfig: AccountConfig{
			ID:          id,
			Email:       email,
			Credentials: sealed,
			Priority:    r.nextPriorityLocked(),
			Enabled:     true,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		AccountState: AccountState{
			SessionStatus: StatusUnknown,
			Quota:         Quota{Limit: r.quotaLimit, ResetAt: now.Add(r.window)},
		},
		StateFilePath: r.statePath(id),
	}
	r.accounts = append(r.accounts, acc)

	logging.Accounts("Added account %s (%s)", MaskEmail(email), id)
	return id, r.saveUnlocked()
}

func (r *Registry) nextPriorityLocked() int {
	p := 1
	for _, acc := range r.accounts {
		if acc.Priority >= p {
			p = acc.Priority + 1
		}
	}
	return p
}

// Remove deletes an account together with its auth state and profile.
// Returns false when the id is unknown.
func (r *Registry) Remove(id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := -1
	for i, acc := range r.accounts {
		if acc.ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		return false, nil
	}

	removed := r.accounts[idx]
	r.accounts = append(r.accounts[:idx], r.accounts[idx+1:]...)
	if r.currentID == id {
		r.currentID = ""
	}
	if r.cursor == id {
		r.cursor = ""
	}
	r.health.Forget(id)

	if err := os.Remove(removed.StateFilePath); err != nil && !os.IsNotExist(err) {
		logging.AccountsWarn("Failed to remove auth state for %s: %v", id, err)
	}
	if r.profilesDir != "" {
		if err := os.RemoveAll(filepath.Join(r.profilesDir, id)); err != nil {
			logging.AccountsWarn("Failed to remove profile for %s: %v", id, err)
		}
	}

	logging.Accounts("Removed account %s (%s)", removed.MaskedEmail(), id)
	return true, r.saveUnlocked()
}

// Get returns a copy of the account.
func (r *Registry) Get(id string) (Account, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	acc := r.findLocked(id)
	if acc == nil {
		return Account{}, false
	}
	return r.snapshot(acc, r.now()), true
}

// List returns copies of all accounts in insertion order.
func (r *Registry) List() []Account {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	out := make([]Account, len(r.accounts))
	for i, acc := range r.accounts {
		out[i] = r.snapshot(acc, now)
	}
	return out
}

// Len returns the number of configured accounts.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.accounts)
}

// Credentials decrypts the stored credential bundle.
func (r *Registry) Credentials(id string) (Credentials, error) {
	r.mu.RLock()
	acc := r.findLocked(id)
	var sealed SealedCredentials
	if acc != nil {
		sealed = acc.Credentials
	}
	r.mu.RUnlock()

	if acc == nil {
		return Credentials{}, notFound(id)
	}
	if sealed.Empty() {
		return Credentials{}, &ConfigError{AccountID: id, Err: ErrNoCredentials}
	}
	return r.creds.OpenCredentials(id, sealed)
}

// Update edits the operator-controlled fields of an account.
func (r *Registry) Update(id string, fn func(*AccountConfig)) error {
	return r.mutate(id, func(acc *Account, now time.Time) {
		origID := acc.ID
		fn(&acc.AccountConfig)
		acc.ID = origID
		acc.UpdatedAt = now
	})
}

// SetCredentials replaces the stored credentials.
func (r *Registry) SetCredentials(id string, c Credentials) error {
	sealed, err := r.creds.SealCredentials(id, c)
	if err != nil {
		return err
	}
	return r.Update(id, func(cfg *AccountConfig) { cfg.Credentials = sealed })
}

// RecordLoginSuccess resets failures and marks the session valid.
func (r *Registry) RecordLoginSuccess(id string) error {
	err := r.mutate(id, func(acc *Account, now time.Time) {
		acc.ConsecutiveFailures = 0
		acc.SessionStatus = StatusValid
		acc.LastLoginAttempt = now
	})
	if err == nil {
		r.health.RecordSuccess(id)
	}
	return err
}

// RecordLoginFailure counts a failed login and marks the session failed.
func (r *Registry) RecordLoginFailure(id string) error {
	err := r.mutate(id, func(acc *Account, now time.Time) {
		acc.ConsecutiveFailures++
		acc.SessionStatus = StatusFailed
		acc.LastLoginAttempt = now
	})
	if err == nil {
		r.health.RecordFailure(id)
	}
	return err
}

// MarkValid records a successful verification without a login.
func (r *Registry) MarkValid(id string) error {
	return r.mutate(id, func(acc *Account, _ time.Time) {
		acc.SessionStatus = StatusValid
		acc.ConsecutiveFailures = 0
	})
}

// MarkExpired records that the persisted session is no longer usable.
func (r *Registry) MarkExpired(id string) error {
	return r.mutate(id, func(acc *Account, _ time.Time) {
		acc.SessionStatus = StatusExpired
	})
}

// MarkRateLimited excludes the account from selection until the given time.
func (r *Registry) MarkRateLimited(id string, until time.Time) error {
	err := r.mutate(id, func(acc *Account, _ time.Time) {
		acc.SessionStatus = StatusRateLimited
		acc.RateLimitResetAt = until
	})
	if err == nil {
		r.health.RecordRateLimit(id)
	}
	return err
}

// RecordUsage counts one request against the account's quota. Exceeding the
// limit is reported through ErrQuotaExhausted but the usage is still recorded.
func (r *Registry) RecordUsage(id string) error {
	var exhausted bool
	err := r.mutate(id, func(acc *Account, now time.Time) {
		acc.Quota.Used++
		acc.LastActivity = now
		exhausted = acc.Quota.Used > acc.Quota.Limit
	})
	if err != nil {
		return err
	}
	if exhausted {
		return fmt.Errorf("account %s: %w", id, ErrQuotaExhausted)
	}
	return nil
}

// Strategy returns the persisted rotation strategy.
func (r *Registry) Strategy() Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.strategy
}

// SetStrategy changes the process-wide rotation strategy.
func (r *Registry) SetStrategy(s Strategy) error {
	if _, err := ParseStrategy(string(s)); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategy = s
	logging.Accounts("Rotation strategy set to %s", s)
	return r.saveUnlocked()
}

// Cursor returns the id of the last round-robin pick.
func (r *Registry) Cursor() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cursor
}

// SetCursor advances the round-robin cursor.
func (r *Registry) SetCursor(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cursor = id
	return r.saveUnlocked()
}

// CurrentAccountID returns the last successfully authenticated account.
func (r *Registry) CurrentAccountID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentID
}

// SetCurrentAccountID records the authenticated account.
func (r *Registry) SetCurrentAccountID(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id != "" && r.findLocked(id) == nil {
		return notFound(id)
	}
	r.currentID = id
	return r.saveUnlocked()
}

// Health returns the health tracker.
func (r *Registry) Health() *HealthTracker { return r.health }

// Path returns the registry file location.
func (r *Registry) Path() string { return r.path }

// Now returns the registry clock.
func (r *Registry) Now() time.Time { return r.now() }

// sameFile reports whether data equals the last persisted contents.
func (r *Registry) sameFile(data []byte) bool {
	sum := sha256.Sum256(data)
	r.mu.RLock()
	defer r.mu.RUnlock()
	return bytes.Equal(sum[:], r.lastSaved[:])
}
