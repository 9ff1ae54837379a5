package auth

import (
	"context"
	"fmt"
	"os"
	"time"

	"nbpilot/internal/authstate"
	"nbpilot/internal/browser"
	"nbpilot/internal/logging"
)

// ProbeError is an inconclusive probe. It is logged, never surfaced.
type ProbeError struct {
	AccountID string
	Err       error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("live probe for %s inconclusive: %v", e.AccountID, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// ProbeConfig bounds the live probe.
type ProbeConfig struct {
	Target       Target
	Settle       time.Duration // how long redirects may take to land
	PollInterval time.Duration
	Timeout      time.Duration // whole probe budget
}

// Probe detects server-side revocation by loading the application with the
// persisted cookies in a throwaway context.
type Probe struct {
	launcher browser.Launcher
	states   *authstate.Store
	locks    *AccountLocks
	cfg      ProbeConfig
}

// NewProbe creates a live session probe.
func NewProbe(l browser.Launcher, states *authstate.Store, locks *AccountLocks, cfg ProbeConfig) *Probe {
	if cfg.Settle <= 0 {
		cfg.Settle = 3 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	return &Probe{launcher: l, states: states, locks: locks, cfg: cfg}
}

// Probe returns false only when the application redirects to the sign-in
// host. Inconclusive probes fail open and return true.
func (p *Probe) Probe(ctx context.Context, accountID string) bool {
	timer := logging.StartTimer(logging.CategoryAuth, "live probe "+accountID)
	defer timer.Stop()

	valid, err := p.probe(ctx, accountID)
	if err != nil {
		logging.AuthWarn("%v (treating session as valid)", &ProbeError{AccountID: accountID, Err: err})
		return true
	}
	logging.Auth("Live probe for %s: valid=%v", accountID, valid)
	return valid
}

func (p *Probe) probe(ctx context.Context, accountID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	release, err := p.locks.Acquire(ctx, accountID)
	if err != nil {
		return false, fmt.Errorf("waiting for account lock: %w", err)
	}
	defer release()

	state, err := p.states.Read(accountID)
	if err != nil {
		if os.IsNotExist(err) {
			// Nothing to probe with: definitely not signed in.
			return false, nil
		}
		return false, err
	}

	page, err := p.launcher.Open(ctx, browser.OpenOptions{Cookies: state.Cookies})
	if err != nil {
		return false, fmt.Errorf("open throwaway context: %w", err)
	}
	defer func() {
		if cerr := page.Close(); cerr != nil {
			logging.AuthDebug("probe context close: %v", cerr)
		}
	}()

	if err := page.Navigate(ctx, p.cfg.Target.AppURL); err != nil {
		return false, err
	}

	final, err := p.settle(ctx, page)
	if err != nil {
		return false, err
	}
	logging.AuthDebug("Probe for %s landed on %s", accountID, final)
	return !p.cfg.Target.IsSignInURL(final), nil
}

// settle polls the URL for the settle window, returning early once the
// sign-in host shows up.
func (p *Probe) settle(ctx context.Context, page browser.Page) (string, error) {
	deadline := time.NewTimer(p.cfg.Settle)
	defer deadline.Stop()
	tick := time.NewTicker(p.cfg.PollInterval)
	defer tick.Stop()

	for {
		current, err := page.CurrentURL(ctx)
		if err != nil {
			return "", err
		}
		if p.cfg.Target.IsSignInURL(current) {
			return current, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return page.CurrentURL(ctx)
		case <-tick.C:
		}
	}
}
