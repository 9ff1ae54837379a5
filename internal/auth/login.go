package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/pquerna/otp/totp"

	"nbpilot/internal/accounts"
	"nbpilot/internal/authstate"
	"nbpilot/internal/browser"
	"nbpilot/internal/logging"
)

// Selectors locates the sign-in form elements.
type Selectors struct {
	Email        string
	EmailNext    string
	Password     string
	PasswordNext string
	TOTP         string
	TOTPNext     string
	// Any visible match means a challenge we never try to solve.
	Captcha []string
}

// GoogleSelectors matches the Google sign-in flow.
func GoogleSelectors() Selectors {
	return Selectors{
		Email:        `input[type="email"]`,
		EmailNext:    "#identifierNext",
		Password:     `input[type="password"][name="Passwd"]`,
		PasswordNext: "#passwordNext",
		TOTP:         `input[name="totpPin"]`,
		TOTPNext:     "#totpNext",
		Captcha: []string{
			"#captchaimg",
			`iframe[src*="recaptcha"]`,
			`iframe[title*="reCAPTCHA"]`,
		},
	}
}

// Challenge paths the automator knows how to answer.
var handledChallenges = []string{"/challenge/pwd", "/challenge/totp"}

// LoginOptions controls one login attempt.
type LoginOptions struct {
	ShowBrowser bool
	Timeout     time.Duration
}

// LoginResult is the outcome of a login attempt.
type LoginResult struct {
	Success                    bool
	Duration                   time.Duration
	Error                      error
	RequiresManualIntervention bool
}

// LoginFailure describes why a login did not complete.
type LoginFailure struct {
	AccountID          string
	Reason             string
	ManualIntervention bool
}

func (e *LoginFailure) Error() string {
	if e.ManualIntervention {
		return fmt.Sprintf("login for %s needs manual intervention: %s", e.AccountID, e.Reason)
	}
	return fmt.Sprintf("login for %s failed: %s", e.AccountID, e.Reason)
}

// IsManualIntervention reports whether err is a LoginFailure that a human must resolve.
func IsManualIntervention(err error) bool {
	var lf *LoginFailure
	return errors.As(err, &lf) && lf.ManualIntervention
}

// LoginConfig configures the LoginAutomator.
type LoginConfig struct {
	Target        Target
	Selectors     Selectors
	ProfilesDir   string // per-account persistent profiles; empty uses incognito
	Timeout       time.Duration
	ManualTimeout time.Duration
	PollInterval  time.Duration
}

// LoginAutomator signs accounts in through a controlled browser.
type LoginAutomator struct {
	reg      *accounts.Registry
	states   *authstate.Store
	launcher browser.Launcher
	locks    *AccountLocks
	cfg      LoginConfig
	now      func() time.Time
}

// NewLoginAutomator creates a login automator.
func NewLoginAutomator(reg *accounts.Registry, states *authstate.Store, l browser.Launcher, locks *AccountLocks, cfg LoginConfig) *LoginAutomator {
	if cfg.Selectors.Email == "" {
		cfg.Selectors = GoogleSelectors()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.ManualTimeout <= 0 {
		cfg.ManualTimeout = 10 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &LoginAutomator{
		reg:      reg,
		states:   states,
		launcher: l,
		locks:    locks,
		cfg:      cfg,
		now:      time.Now,
	}
}

func (a *LoginAutomator) profileDir(id string) string {
	if a.cfg.ProfilesDir == "" {
		return ""
	}
	return filepath.Join(a.cfg.ProfilesDir, id)
}

// PerformLogin signs the account in with its stored credentials. CAPTCHAs and
// unrecognised challenges end the attempt with RequiresManualIntervention.
func (a *LoginAutomator) PerformLogin(ctx context.Context, accountID string, opts LoginOptions) LoginResult {
	start := time.Now()
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = a.cfg.Timeout
	}

	err := a.login(ctx, accountID, opts.ShowBrowser, timeout)
	return a.finish(accountID, start, err)
}

// PerformManualLogin opens a visible browser at the application and waits
// for an operator to finish signing in.
func (a *LoginAutomator) PerformManualLogin(ctx context.Context, accountID string, timeout time.Duration) LoginResult {
	start := time.Now()
	if timeout <= 0 {
		timeout = a.cfg.ManualTimeout
	}

	err := a.manualLogin(ctx, accountID, timeout)
	return a.finish(accountID, start, err)
}

func (a *LoginAutomator) finish(accountID string, start time.Time, err error) LoginResult {
	res := LoginResult{Success: err == nil, Duration: time.Since(start), Error: err}
	if err == nil {
		if rerr := a.reg.RecordLoginSuccess(accountID); rerr != nil {
			logging.AuthWarn("record login success for %s: %v", accountID, rerr)
		}
		logging.Auth("Login succeeded for %s in %v", accountID, res.Duration)
		return res
	}

	res.RequiresManualIntervention = IsManualIntervention(err)
	if !errors.Is(err, accounts.ErrAccountNotFound) {
		if rerr := a.reg.RecordLoginFailure(accountID); rerr != nil {
			logging.AuthWarn("record login failure for %s: %v", accountID, rerr)
		}
	}
	logging.AuthWarn("Login failed for %s after %v: %v", accountID, res.Duration, err)
	return res
}

func (a *LoginAutomator) login(ctx context.Context, accountID string, visible bool, timeout time.Duration) error {
	acc, ok := a.reg.Get(accountID)
	if !ok {
		return &accounts.ConfigError{AccountID: accountID, Err: accounts.ErrAccountNotFound}
	}
	creds, err := a.reg.Credentials(accountID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	release, err := a.locks.Acquire(ctx, accountID)
	if err != nil {
		return fmt.Errorf("waiting for account lock: %w", err)
	}
	defer release()

	logging.Auth("Automated login for %s (visible=%v)", acc.MaskedEmail(), visible)

	page, err := a.launcher.Open(ctx, browser.OpenOptions{Visible: visible, ProfileDir: a.profileDir(accountID)})
	if err != nil {
		return fmt.Errorf("open browser: %w", err)
	}
	defer page.Close()

	if err := page.Navigate(ctx, a.cfg.Target.loginURL()); err != nil {
		return err
	}

	flow := &loginFlow{
		a:         a,
		page:      page,
		accountID: accountID,
		email:     acc.Email,
		creds:     creds,
	}
	if err := flow.run(ctx); err != nil {
		return err
	}
	return a.persistCookies(ctx, accountID, page)
}

func (a *LoginAutomator) manualLogin(ctx context.Context, accountID string, timeout time.Duration) error {
	acc, ok := a.reg.Get(accountID)
	if !ok {
		return &accounts.ConfigError{AccountID: accountID, Err: accounts.ErrAccountNotFound}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	release, err := a.locks.Acquire(ctx, accountID)
	if err != nil {
		return fmt.Errorf("waiting for account lock: %w", err)
	}
	defer release()

	logging.Auth("Manual login for %s: complete sign-in in the browser window (timeout %v)", acc.MaskedEmail(), timeout)

	page, err := a.launcher.Open(ctx, browser.OpenOptions{Visible: true, ProfileDir: a.profileDir(accountID)})
	if err != nil {
		return fmt.Errorf("open browser: %w", err)
	}
	defer page.Close()

	if err := page.Navigate(ctx, a.cfg.Target.AppURL); err != nil {
		return err
	}

	tick := time.NewTicker(a.cfg.PollInterval)
	defer tick.Stop()
	for {
		current, err := page.CurrentURL(ctx)
		if err == nil && a.cfg.Target.IsAppURL(current) {
			return a.persistCookies(ctx, accountID, page)
		}
		select {
		case <-ctx.Done():
			return &LoginFailure{AccountID: accountID, Reason: "manual login timed out"}
		case <-tick.C:
		}
	}
}

func (a *LoginAutomator) persistCookies(ctx context.Context, accountID string, page browser.FormPage) error {
	cookies, err := page.Cookies(ctx)
	if err != nil {
		return fmt.Errorf("read cookies: %w", err)
	}
	state := &authstate.State{Cookies: cookies, SavedAt: a.now()}
	if !authstate.IsStateValid(state, a.now()) {
		return &LoginFailure{AccountID: accountID, Reason: "signed in but no session cookies were issued"}
	}
	return a.states.Write(accountID, state)
}

// loginFlow walks the sign-in pages: each poll inspects the current page and
// answers whatever step is showing.
type loginFlow struct {
	a         *LoginAutomator
	page      browser.FormPage
	accountID string
	email     string
	creds     accounts.Credentials

	emailSent    bool
	passwordSent bool
	totpSent     bool
}

func (f *loginFlow) fail(reason string) error {
	return &LoginFailure{AccountID: f.accountID, Reason: reason}
}

func (f *loginFlow) manual(reason string) error {
	return &LoginFailure{AccountID: f.accountID, Reason: reason, ManualIntervention: true}
}

func (f *loginFlow) run(ctx context.Context) error {
	sel := f.a.cfg.Selectors
	tick := time.NewTicker(f.a.cfg.PollInterval)
	defer tick.Stop()

	for {
		done, err := f.step(ctx, sel)
		if done || err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return f.fail(fmt.Sprintf("timed out (%v)", ctx.Err()))
		case <-tick.C:
		}
	}
}

func (f *loginFlow) visible(ctx context.Context, selector string) bool {
	ok, err := f.page.Visible(ctx, selector)
	return err == nil && ok
}

// step performs at most one action. done is true once the browser is back on
// the application.
func (f *loginFlow) step(ctx context.Context, sel Selectors) (done bool, err error) {
	current, err := f.page.CurrentURL(ctx)
	if err != nil {
		return false, nil
	}
	target := f.a.cfg.Target
	if target.IsAppURL(current) {
		return true, nil
	}

	for _, c := range sel.Captcha {
		if f.visible(ctx, c) {
			return false, f.manual("CAPTCHA challenge")
		}
	}

	if target.IsSignInURL(current) {
		if path := challengePath(current); path != "" && !isHandledChallenge(path) {
			return false, f.manual(fmt.Sprintf("unsupported verification step %s", path))
		}
		if strings.Contains(current, "/signin/rejected") {
			return false, f.fail("sign-in rejected by identity provider")
		}
	}

	switch {
	case f.visible(ctx, sel.TOTP):
		if !f.creds.HasTOTP() {
			return false, f.manual("one-time code requested but no TOTP seed is stored")
		}
		if f.totpSent {
			return false, nil
		}
		code, err := totp.GenerateCode(normalizeSeed(f.creds.TOTPSeed), f.a.now())
		if err != nil {
			return false, &accounts.CredentialError{AccountID: f.accountID, Err: fmt.Errorf("invalid TOTP seed: %w", err)}
		}
		if err := f.submit(ctx, sel.TOTP, code, sel.TOTPNext); err != nil {
			return false, err
		}
		f.totpSent = true
		logging.AuthDebug("Submitted one-time code for %s", f.accountID)

	case f.visible(ctx, sel.Password):
		if f.passwordSent {
			return false, nil
		}
		if err := f.submit(ctx, sel.Password, f.creds.Password, sel.PasswordNext); err != nil {
			return false, err
		}
		f.passwordSent = true
		logging.AuthDebug("Submitted password for %s", f.accountID)

	case f.visible(ctx, sel.Email):
		if f.emailSent {
			return false, nil
		}
		if err := f.submit(ctx, sel.Email, f.email, sel.EmailNext); err != nil {
			return false, err
		}
		f.emailSent = true
		logging.AuthDebug("Submitted identifier for %s", f.accountID)
	}
	return false, nil
}

func (f *loginFlow) submit(ctx context.Context, field, value, next string) error {
	if err := f.page.Input(ctx, field, value); err != nil {
		return f.fail(fmt.Sprintf("fill %s: %v", field, err))
	}
	if err := f.page.Click(ctx, next); err != nil {
		return f.fail(fmt.Sprintf("click %s: %v", next, err))
	}
	return nil
}

func challengePath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	i := strings.Index(u.Path, "/challenge/")
	if i < 0 {
		return ""
	}
	return u.Path[i:]
}

func isHandledChallenge(path string) bool {
	for _, h := range handledChallenges {
		if strings.HasPrefix(path, h) {
			return true
		}
	}
	return false
}

func normalizeSeed(seed string) string {
	return strings.ToUpper(strings.ReplaceAll(seed, " ", ""))
}
