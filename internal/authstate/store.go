// Package authstate persists per-account browser authentication state
// (cookies) and answers the cheap local validity question without touching
// the network.
package authstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"nbpilot/internal/logging"
)

// CriticalCookies are the Google session cookies whose presence and expiry
// decide local validity.
var CriticalCookies = []string{"SID", "HSID", "SSID", "APISID", "SAPISID"}

// SessionExpiry marks a session cookie with no expiry.
const SessionExpiry = -1

// Cookie is one persisted browser cookie. Expires is epoch seconds, or -1 for
// a session cookie.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite,omitempty"`
}

// IsExpired reports whether the cookie has expired at now.
func (c Cookie) IsExpired(now time.Time) bool {
	if c.Expires == SessionExpiry || c.Expires <= 0 {
		return false
	}
	return c.Expires <= float64(now.Unix())
}

// State is the persisted authentication state of one account.
type State struct {
	Cookies []Cookie  `json:"cookies"`
	SavedAt time.Time `json:"savedAt"`
}

// IsStateValid reports whether at least one critical cookie is present and
// none of the present critical cookies has expired.
func IsStateValid(st *State, now time.Time) bool {
	if st == nil {
		return false
	}
	found := 0
	for _, c := range st.Cookies {
		if !isCritical(c.Name) {
			continue
		}
		if c.IsExpired(now) {
			logging.AuthDebug("Critical cookie %s expired", c.Name)
			return false
		}
		found++
	}
	return found > 0
}

func isCritical(name string) bool {
	for _, n := range CriticalCookies {
		if n == name {
			return true
		}
	}
	return false
}

// Store reads and writes <dir>/<accountID>.json.
type Store struct {
	dir        string
	legacyPath string
	now        func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithLegacyPath sets the single-account state file used before rotation.
func WithLegacyPath(path string) Option {
	return func(s *Store) { s.legacyPath = path }
}

// WithClock overrides the validity clock.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a store rooted at dir.
func NewStore(dir string, opts ...Option) *Store {
	s := &Store{dir: dir, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the state file for an account.
func (s *Store) Path(accountID string) string {
	return filepath.Join(s.dir, accountID+".json")
}

// HasState reports whether a state file exists.
func (s *Store) HasState(accountID string) bool {
	_, err := os.Stat(s.Path(accountID))
	return err == nil
}

// IsLocallyValid reads the state and applies IsStateValid.
func (s *Store) IsLocallyValid(accountID string) bool {
	st, err := s.Read(accountID)
	if err != nil {
		if !os.IsNotExist(err) {
			logging.AuthWarn("Unreadable auth state for %s: %v", accountID, err)
		}
		return false
	}
	return IsStateValid(st, s.now())
}

// Read loads an account's state. A missing file yields an os.IsNotExist error.
func (s *Store) Read(accountID string) (*State, error) {
	return readFile(s.Path(accountID))
}

// Write atomically replaces an account's state.
func (s *Store) Write(accountID string, st *State) error {
	if st.SavedAt.IsZero() {
		st.SavedAt = s.now()
	}
	if err := writeFileAtomic(s.Path(accountID), st); err != nil {
		return fmt.Errorf("failed to write auth state for %s: %w", accountID, err)
	}
	logging.AuthDebug("Saved auth state for %s (%d cookies)", accountID, len(st.Cookies))
	return nil
}

// Clear deletes an account's state. Missing files are not an error.
func (s *Store) Clear(accountID string) error {
	if err := os.Remove(s.Path(accountID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear auth state for %s: %w", accountID, err)
	}
	return nil
}

// HasValidLegacyState reports whether the pre-rotation single-account state
// exists and is locally valid.
func (s *Store) HasValidLegacyState() bool {
	if s.legacyPath == "" {
		return false
	}
	st, err := readFile(s.legacyPath)
	if err != nil {
		return false
	}
	return IsStateValid(st, s.now())
}

// ReadLegacy loads the legacy state.
func (s *Store) ReadLegacy() (*State, error) {
	if s.legacyPath == "" {
		return nil, os.ErrNotExist
	}
	return readFile(s.legacyPath)
}

func readFile(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to parse auth state %s: %w", path, err)
	}
	return &st, nil
}

func writeFileAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
