// Package orchestrator drives startup authentication across the account pool
// and exposes the Service facade used by the CLI and HTTP layers.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"nbpilot/internal/accounts"
	"nbpilot/internal/auth"
	"nbpilot/internal/logging"
)

// ErrExhausted means every eligible account failed to authenticate.
var ErrExhausted = errors.New("all accounts exhausted")

// Phase is a state of the startup machine.
type Phase string

const (
	PhaseLoadAccounts   Phase = "load_accounts"
	PhaseSelectAccount  Phase = "select_account"
	PhaseVerifyLocal    Phase = "verify_local"
	PhaseVerifyLive     Phase = "verify_live"
	PhaseReauthenticate Phase = "reauthenticate"
	PhaseTryFallback    Phase = "try_fallback"
	PhaseReady          Phase = "ready"
	PhaseFailed         Phase = "failed"
)

// StateChecker answers the cheap, local authentication questions.
type StateChecker interface {
	IsLocallyValid(accountID string) bool
	HasValidLegacyState() bool
}

// Prober performs the live session check.
type Prober interface {
	Probe(ctx context.Context, accountID string) bool
}

// Authenticator signs accounts in.
type Authenticator interface {
	PerformLogin(ctx context.Context, accountID string, opts auth.LoginOptions) auth.LoginResult
	PerformManualLogin(ctx context.Context, accountID string, timeout time.Duration) auth.LoginResult
}

// SessionCloser tears down live sessions before their cookies go stale.
type SessionCloser interface {
	CloseAll() int
}

// StartupOptions tunes re-authentication.
type StartupOptions struct {
	AutoLogin      bool
	ManualFallback bool
	ShowBrowser    bool
	LoginTimeout   time.Duration
	ManualTimeout  time.Duration
}

// StartupResult is the outcome of Startup. A failed authentication still
// reports Success: the server runs unauthenticated.
type StartupResult struct {
	Success       bool     `json:"success"`
	ServerStarted bool     `json:"serverStarted"`
	Authenticated bool     `json:"authenticated"`
	AccountID     string   `json:"accountId,omitempty"`
	AccountEmail  string   `json:"accountEmail,omitempty"` // masked
	Error         string   `json:"error,omitempty"`
	Message       string   `json:"message"`
	Details       []string `json:"details,omitempty"`
	Final         Phase    `json:"final"`
	Path          []Phase  `json:"path"`

	// Number of accounts TryFallback selected.
	FallbackAttempts int `json:"fallbackAttempts"`
}

func (r *StartupResult) enter(p Phase) {
	r.Path = append(r.Path, p)
}

func (r *StartupResult) step(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	r.Details = append(r.Details, msg)
	logging.Boot("startup: %s", msg)
}

// Orchestrator runs the startup state machine.
type Orchestrator struct {
	reg      *accounts.Registry
	selector *accounts.Selector
	states   StateChecker
	prober   Prober
	login    Authenticator
	sessions SessionCloser
	opts     StartupOptions
}

// NewOrchestrator wires the startup machine. sessions may be nil.
func NewOrchestrator(reg *accounts.Registry, selector *accounts.Selector, states StateChecker, prober Prober, login Authenticator, sessions SessionCloser, opts StartupOptions) *Orchestrator {
	return &Orchestrator{
		reg:      reg,
		selector: selector,
		states:   states,
		prober:   prober,
		login:    login,
		sessions: sessions,
		opts:     opts,
	}
}

// Startup authenticates one account, preferring the last successful one.
func (o *Orchestrator) Startup(ctx context.Context) StartupResult {
	timer := logging.StartTimer(logging.CategoryBoot, "startup authentication")
	defer timer.Stop()

	res := StartupResult{Success: true, ServerStarted: true}

	res.enter(PhaseLoadAccounts)
	all := o.reg.List()
	if len(all) == 0 {
		if o.states.HasValidLegacyState() {
			res.step("no accounts configured; legacy authentication state is valid")
			return o.ready(res, accounts.Account{}, "authenticated with legacy state")
		}
		res.step("no accounts configured")
		return o.failed(res, errors.New("no accounts configured"))
	}
	res.step("loaded %d accounts (strategy %s)", len(all), o.reg.Strategy())

	res.enter(PhaseSelectAccount)
	acc, reason, err := o.initialAccount()
	if err != nil {
		return o.failed(res, err)
	}
	if acc == nil {
		res.step("no eligible account")
		return o.failed(res, ErrExhausted)
	}
	res.step("selected %s (%s)", acc.MaskedEmail(), reason)

	if o.authenticate(ctx, &res, *acc, o.opts.ManualFallback) {
		return o.ready(res, *acc, "authenticated")
	}

	res.step("%s failed; trying fallback accounts", acc.MaskedEmail())
	next, ok := o.TryFallback(ctx, &res, accounts.NewExcludeSet(acc.ID))
	if !ok {
		return o.failed(res, ErrExhausted)
	}
	return o.ready(res, next, "authenticated with fallback account")
}

// initialAccount prefers the persisted current account when it is still
// eligible; otherwise the selector decides.
func (o *Orchestrator) initialAccount() (*accounts.Account, string, error) {
	if id := o.reg.CurrentAccountID(); id != "" {
		if acc, ok := o.reg.Get(id); ok && acc.Eligible(o.reg.Now()) {
			return &acc, "current account", nil
		}
	}
	sel, err := o.selector.SelectAccount(accounts.NewExcludeSet())
	if err != nil || sel == nil {
		return nil, "", err
	}
	return &sel.Account, sel.Reason, nil
}

// TryFallback selects accounts outside excluded until one authenticates.
// Each level excludes one more account, so recursion depth is bounded by the
// number of accounts.
func (o *Orchestrator) TryFallback(ctx context.Context, res *StartupResult, excluded accounts.ExcludeSet) (accounts.Account, bool) {
	if excluded.Len() > o.reg.Len() {
		return accounts.Account{}, false
	}
	if err := ctx.Err(); err != nil {
		res.step("fallback aborted: %v", err)
		return accounts.Account{}, false
	}

	sel, err := o.selector.SelectAccount(excluded)
	if err != nil {
		res.step("fallback selection failed: %v", err)
		return accounts.Account{}, false
	}
	if sel == nil {
		res.step("no fallback accounts left (%d excluded)", excluded.Len())
		return accounts.Account{}, false
	}
	res.enter(PhaseTryFallback)
	res.FallbackAttempts++
	res.step("fallback to %s (%s)", sel.Account.MaskedEmail(), sel.Reason)

	if o.authenticate(ctx, res, sel.Account, false) {
		return sel.Account, true
	}
	return o.TryFallback(ctx, res, excluded.With(sel.Account.ID))
}

// authenticate runs VerifyLocal, VerifyLive and, on failure, Reauthenticate.
func (o *Orchestrator) authenticate(ctx context.Context, res *StartupResult, acc accounts.Account, allowManual bool) bool {
	email := acc.MaskedEmail()

	res.enter(PhaseVerifyLocal)
	if !o.states.IsLocallyValid(acc.ID) {
		res.step("%s: local state missing or expired", email)
		o.markExpired(acc.ID)
		return o.Reauthenticate(ctx, res, acc, allowManual)
	}

	res.enter(PhaseVerifyLive)
	if !o.prober.Probe(ctx, acc.ID) {
		res.step("%s: live probe redirected to sign-in", email)
		o.markExpired(acc.ID)
		return o.Reauthenticate(ctx, res, acc, allowManual)
	}

	res.step("%s: session verified", email)
	if err := o.reg.MarkValid(acc.ID); err != nil {
		logging.BootWarn("mark %s valid: %v", acc.ID, err)
	}
	return true
}

// Reauthenticate closes live sessions, then tries the automated login and,
// if allowed, the manual flow.
func (o *Orchestrator) Reauthenticate(ctx context.Context, res *StartupResult, acc accounts.Account, allowManual bool) bool {
	email := acc.MaskedEmail()
	res.enter(PhaseReauthenticate)
	if o.sessions != nil {
		if n := o.sessions.CloseAll(); n > 0 {
			res.step("closed %d sessions before re-authentication", n)
		}
	}

	if o.opts.AutoLogin && !acc.Credentials.Empty() {
		lr := o.login.PerformLogin(ctx, acc.ID, auth.LoginOptions{ShowBrowser: o.opts.ShowBrowser, Timeout: o.opts.LoginTimeout})
		if lr.Success {
			res.step("%s: automated login succeeded in %v", email, lr.Duration.Round(time.Millisecond))
			return true
		}
		if lr.RequiresManualIntervention {
			res.step("%s: automated login needs manual intervention: %v", email, lr.Error)
		} else {
			res.step("%s: automated login failed: %v", email, lr.Error)
		}
	}

	if !allowManual {
		return false
	}
	if ctx.Err() != nil {
		return false
	}
	res.step("%s: waiting for manual login", email)
	lr := o.login.PerformManualLogin(ctx, acc.ID, o.opts.ManualTimeout)
	if lr.Success {
		res.step("%s: manual login succeeded", email)
		return true
	}
	res.step("%s: manual login failed: %v", email, lr.Error)
	return false
}

func (o *Orchestrator) markExpired(id string) {
	if err := o.reg.MarkExpired(id); err != nil {
		logging.BootWarn("mark %s expired: %v", id, err)
	}
}

func (o *Orchestrator) ready(res StartupResult, acc accounts.Account, msg string) StartupResult {
	res.Authenticated = true
	res.Final = PhaseReady
	res.enter(PhaseReady)
	res.Message = msg
	if acc.ID != "" {
		res.AccountID = acc.ID
		res.AccountEmail = acc.MaskedEmail()
		if err := o.reg.SetCurrentAccountID(acc.ID); err != nil {
			logging.BootWarn("persist current account: %v", err)
		}
	}
	logging.Boot("Startup ready: %s", msg)
	return res
}

func (o *Orchestrator) failed(res StartupResult, err error) StartupResult {
	res.Authenticated = false
	res.Final = PhaseFailed
	res.enter(PhaseFailed)
	res.Error = err.Error()
	res.Message = "server started without authentication"
	logging.BootWarn("Startup unauthenticated: %v", err)
	return res
}
