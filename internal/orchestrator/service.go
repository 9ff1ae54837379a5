package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"

	"nbpilot/internal/accounts"
	"nbpilot/internal/auth"
	"nbpilot/internal/authstate"
	"nbpilot/internal/browser"
	"nbpilot/internal/config"
	"nbpilot/internal/logging"
	"nbpilot/internal/session"
)

// ErrNotAuthenticated is returned when a session is requested before any
// account has authenticated.
var ErrNotAuthenticated = errors.New("no authenticated account")

// legacyAccountID marks sessions opened with the pre-rotation state.
const legacyAccountID = "legacy"

// AccountHealth is one row of HealthCheck.
type AccountHealth struct {
	AccountID      string   `json:"accountId"`
	Email          string   `json:"email"` // masked
	Enabled        bool     `json:"enabled"`
	Status         string   `json:"status"`
	SessionValid   bool     `json:"sessionValid"`
	QuotaUsed      int      `json:"quotaUsed"`
	QuotaLimit     int      `json:"quotaLimit"`
	QuotaRemaining int      `json:"quotaRemaining"`
	HealthScore    int      `json:"healthScore"`
	Issues         []string `json:"issues"`
}

// Status summarizes the service.
type Status struct {
	Authenticated  bool           `json:"authenticated"`
	AccountID      string         `json:"accountId,omitempty"`
	AccountEmail   string         `json:"accountEmail,omitempty"`
	Strategy       string         `json:"strategy"`
	Accounts       int            `json:"accounts"`
	Sessions       int            `json:"sessions"`
	MaxSessions    int            `json:"maxSessions"`
	BrowserRunning bool           `json:"browserRunning"`
	LastStartup    *StartupResult `json:"lastStartup,omitempty"`
}

// Deps are the collaborators of a Service. Prober and Login default to the
// rod-backed implementations over Launcher.
type Deps struct {
	Config   *config.Config
	Registry *accounts.Registry
	States   *authstate.Store
	Launcher browser.Launcher
	Locks    *auth.AccountLocks
	Prober   Prober
	Login    Authenticator
	Selector *accounts.Selector
}

// Service is the API exposed to the CLI and HTTP layers.
type Service struct {
	cfg      *config.Config
	target   auth.Target
	reg      *accounts.Registry
	states   *authstate.Store
	selector *accounts.Selector
	launcher browser.Launcher
	locks    *auth.AccountLocks
	prober   Prober
	login    Authenticator
	pool     *session.Pool
	orch     *Orchestrator

	manager *browser.Manager // nil when Launcher was injected
	watcher *accounts.RegistryWatcher

	mu            sync.RWMutex
	authenticated bool
	lastStartup   *StartupResult
}

// Open builds a Service from configuration: credential store, registry,
// browser manager, login automator, probe and session pool.
func Open(cfg *config.Config) (*Service, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	creds, err := accounts.OpenCredentialStore(cfg.MasterKeyPath())
	if err != nil {
		return nil, err
	}

	strategy, err := accounts.ParseStrategy(cfg.Accounts.Strategy)
	if err != nil {
		return nil, err
	}

	reg, err := accounts.NewRegistry(accounts.RegistryOptions{
		Path:            cfg.RegistryPath(),
		AuthDir:         cfg.AuthStateDir(),
		ProfilesDir:     cfg.ProfilesDir(),
		Credentials:     creds,
		DefaultStrategy: strategy,
		QuotaLimit:      cfg.Accounts.QuotaLimit,
		QuotaWindow:     cfg.GetQuotaWindow(),
	})
	if err != nil {
		return nil, err
	}

	bcfg := browser.DefaultConfig()
	bcfg.ChromeBin = cfg.Browser.ChromeBin
	bcfg.Headless = cfg.Browser.Headless
	if cfg.Browser.ViewportWidth > 0 {
		bcfg.ViewportWidth = cfg.Browser.ViewportWidth
	}
	if cfg.Browser.ViewportHeight > 0 {
		bcfg.ViewportHeight = cfg.Browser.ViewportHeight
	}
	bcfg.NavigationTimeout = cfg.GetNavigationTimeout()
	manager := browser.NewManager(bcfg)

	svc := NewService(Deps{
		Config:   cfg,
		Registry: reg,
		States:   authstate.NewStore(cfg.AuthStateDir(), authstate.WithLegacyPath(cfg.LegacyStatePath())),
		Launcher: manager,
	})
	svc.manager = manager
	return svc, nil
}

// NewService wires a Service from explicit collaborators.
func NewService(d Deps) *Service {
	cfg := d.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	target := auth.Target{
		AppURL:     cfg.Target.AppURL,
		SignInHost: cfg.Target.SignInHost,
		LoginURL:   cfg.Target.LoginURL,
	}
	if target.AppURL == "" {
		target = auth.DefaultTarget()
	}

	s := &Service{
		cfg:      cfg,
		target:   target,
		reg:      d.Registry,
		states:   d.States,
		selector: d.Selector,
		launcher: d.Launcher,
		locks:    d.Locks,
		prober:   d.Prober,
		login:    d.Login,
	}
	if s.locks == nil {
		s.locks = auth.NewAccountLocks()
	}
	if s.selector == nil {
		s.selector = accounts.NewSelector(s.reg)
	}
	if s.prober == nil {
		s.prober = auth.NewProbe(s.launcher, s.states, s.locks, auth.ProbeConfig{
			Target:  target,
			Settle:  cfg.GetProbeSettle(),
			Timeout: cfg.GetProbeTimeout(),
		})
	}
	if s.login == nil {
		s.login = auth.NewLoginAutomator(s.reg, s.states, s.launcher, s.locks, auth.LoginConfig{
			Target:        target,
			ProfilesDir:   cfg.ProfilesDir(),
			Timeout:       cfg.GetLoginTimeout(),
			ManualTimeout: cfg.GetManualLoginTimeout(),
		})
	}

	s.pool = session.NewPool(s.openSession, session.Config{
		MaxSessions:    cfg.Sessions.MaxSessions,
		SessionTimeout: cfg.GetSessionTimeout(),
		SweepInterval:  cfg.GetSweepInterval(),
	})
	s.orch = NewOrchestrator(s.reg, s.selector, s.states, s.prober, s.login, s.pool, StartupOptions{
		AutoLogin:      cfg.Accounts.AutoLogin,
		ManualFallback: cfg.Accounts.ManualLoginFallback,
		ShowBrowser:    !cfg.Browser.Headless,
		LoginTimeout:   cfg.GetLoginTimeout(),
		ManualTimeout:  cfg.GetManualLoginTimeout(),
	})
	return s
}

// Registry exposes the account registry.
func (s *Service) Registry() *accounts.Registry { return s.reg }

// Start launches background work: the idle session sweep and the registry
// file watcher.
func (s *Service) Start(ctx context.Context) error {
	s.pool.Start(ctx)

	w, err := accounts.NewRegistryWatcher(s.reg, func() {
		logging.Accounts("Registry reloaded from disk (%d accounts)", s.reg.Len())
	})
	if err != nil {
		return fmt.Errorf("registry watcher: %w", err)
	}
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("registry watcher: %w", err)
	}
	s.mu.Lock()
	s.watcher = w
	s.mu.Unlock()
	return nil
}

// Close stops background work, closes every session and shuts the browser down.
func (s *Service) Close(ctx context.Context) error {
	s.pool.Stop()
	s.pool.CloseAll()

	s.mu.Lock()
	w := s.watcher
	s.watcher = nil
	s.mu.Unlock()
	if w != nil {
		w.Stop()
	}

	if s.manager != nil {
		return s.manager.Shutdown(ctx)
	}
	return nil
}

// Startup runs the startup state machine and records the outcome.
func (s *Service) Startup(ctx context.Context) StartupResult {
	res := s.orch.Startup(ctx)
	s.mu.Lock()
	s.authenticated = res.Authenticated
	s.lastStartup = &res
	s.mu.Unlock()
	return res
}

// SelectAccount applies the rotation strategy.
func (s *Service) SelectAccount(excluding ...string) (*accounts.Selection, error) {
	return s.selector.SelectAccount(accounts.NewExcludeSet(excluding...))
}

// PerformLogin runs the automated login for one account.
func (s *Service) PerformLogin(ctx context.Context, id string, opts auth.LoginOptions) auth.LoginResult {
	if _, ok := s.reg.Get(id); !ok {
		return auth.LoginResult{Error: &accounts.ConfigError{AccountID: id, Err: accounts.ErrAccountNotFound}}
	}
	s.pool.CloseAll()
	res := s.login.PerformLogin(ctx, id, opts)
	if res.Success {
		s.setCurrent(id)
	}
	return res
}

// SetupAuth (re)authenticates an account for the HTTP layer: the automated
// login first, then the visible manual flow when configured. An empty id
// means the current account, or the selector's choice.
func (s *Service) SetupAuth(ctx context.Context, id string, show bool) (auth.LoginResult, error) {
	if id == "" {
		id = s.reg.CurrentAccountID()
	}
	if id == "" {
		sel, err := s.SelectAccount()
		if err != nil {
			return auth.LoginResult{}, err
		}
		if sel == nil {
			return auth.LoginResult{}, fmt.Errorf("setup auth: %w", ErrExhausted)
		}
		id = sel.Account.ID
	}
	if _, ok := s.reg.Get(id); !ok {
		return auth.LoginResult{}, &accounts.ConfigError{AccountID: id, Err: accounts.ErrAccountNotFound}
	}

	s.pool.CloseAll()
	res := s.login.PerformLogin(ctx, id, auth.LoginOptions{ShowBrowser: show, Timeout: s.cfg.GetLoginTimeout()})
	if !res.Success && s.cfg.Accounts.ManualLoginFallback && ctx.Err() == nil {
		logging.Auth("Automated login for %s did not finish; opening manual login", id)
		res = s.login.PerformManualLogin(ctx, id, s.cfg.GetManualLoginTimeout())
	}
	if res.Success {
		s.setCurrent(id)
	}
	return res, nil
}

func (s *Service) setCurrent(id string) {
	if err := s.reg.SetCurrentAccountID(id); err != nil {
		logging.AccountsWarn("persist current account: %v", err)
	}
	s.mu.Lock()
	s.authenticated = true
	s.mu.Unlock()
}

// ProbeLiveSession runs the live probe for one account.
func (s *Service) ProbeLiveSession(ctx context.Context, id string) bool {
	return s.prober.Probe(ctx, id)
}

// ListAccounts returns every account; credentials stay sealed.
func (s *Service) ListAccounts() []accounts.Account {
	return s.reg.List()
}

// AddAccount registers an account. priority <= 0 keeps the assigned one.
func (s *Service) AddAccount(email, password, totpSeed string, priority int) (string, error) {
	id, err := s.reg.Add(email, password, totpSeed)
	if err != nil {
		return "", err
	}
	if priority > 0 {
		if err := s.reg.Update(id, func(c *accounts.AccountConfig) { c.Priority = priority }); err != nil {
			return id, err
		}
	}
	return id, nil
}

// RemoveAccount deletes an account and closes its sessions.
func (s *Service) RemoveAccount(id string) (bool, error) {
	s.closeSessionsFor(id)
	return s.reg.Remove(id)
}

// SetRotationStrategy persists a new strategy.
func (s *Service) SetRotationStrategy(name string) error {
	strategy, err := accounts.ParseStrategy(name)
	if err != nil {
		return err
	}
	return s.reg.SetStrategy(strategy)
}

// GetOrCreateSession returns the session for a notebook key.
func (s *Service) GetOrCreateSession(ctx context.Context, key string) (session.Info, error) {
	sess, err := s.pool.GetOrCreate(ctx, key)
	if err != nil {
		return session.Info{}, err
	}
	return sess.Info(), nil
}

// Do runs one automation step on a session and counts it against the
// session's account quota.
func (s *Service) Do(ctx context.Context, sessionID string, fn func(ctx context.Context, page browser.Page) error) error {
	info, ok := s.pool.Get(sessionID)
	if !ok {
		return session.ErrSessionNotFound
	}
	if err := s.pool.Do(ctx, sessionID, fn); err != nil {
		return err
	}
	if info.AccountID == legacyAccountID {
		return nil
	}
	if err := s.reg.RecordUsage(info.AccountID); err != nil {
		if errors.Is(err, accounts.ErrQuotaExhausted) {
			logging.AccountsWarn("%v", err)
			return nil
		}
		return err
	}
	return nil
}

// CloseSession closes one session.
func (s *Service) CloseSession(id string) bool { return s.pool.Close(id) }

// ResetSession clears one session's conversation.
func (s *Service) ResetSession(id string) bool { return s.pool.Reset(id) }

// ListSessions returns live sessions.
func (s *Service) ListSessions() []session.Info { return s.pool.List() }

func (s *Service) closeSessionsFor(accountID string) {
	for _, info := range s.pool.List() {
		if info.AccountID == accountID {
			s.pool.Close(info.ID)
		}
	}
}

func (s *Service) isAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authenticated
}

// openSession is the pool's Opener: a page seeded with the current
// account's cookies, navigated to the notebook. Account sessions need a
// successful startup or login first.
func (s *Service) openSession(ctx context.Context, key string) (browser.Page, string, error) {
	id := s.reg.CurrentAccountID()
	if id != "" && !s.isAuthenticated() {
		return nil, "", ErrNotAuthenticated
	}

	var state *authstate.State
	var err error
	switch {
	case id != "":
		release, lerr := s.locks.Acquire(ctx, id)
		if lerr != nil {
			return nil, "", lerr
		}
		defer release()
		state, err = s.states.Read(id)
	case s.reg.Len() == 0 && s.states.HasValidLegacyState():
		id = legacyAccountID
		state, err = s.states.ReadLegacy()
	default:
		return nil, "", ErrNotAuthenticated
	}
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", ErrNotAuthenticated
		}
		return nil, "", err
	}

	page, err := s.launcher.Open(ctx, browser.OpenOptions{Cookies: state.Cookies})
	if err != nil {
		return nil, "", err
	}
	if err := page.Navigate(ctx, s.notebookURL(key)); err != nil {
		_ = page.Close()
		return nil, "", err
	}
	return page, id, nil
}

func (s *Service) notebookURL(key string) string {
	if strings.HasPrefix(key, "https://") || strings.HasPrefix(key, "http://") {
		return key
	}
	base := strings.TrimSuffix(s.target.AppURL, "/")
	return base + "/notebook/" + url.PathEscape(key)
}

// HealthCheck reports per-account health without touching the network.
func (s *Service) HealthCheck() []AccountHealth {
	now := s.reg.Now()
	health := s.reg.Health()
	list := s.reg.List()
	out := make([]AccountHealth, 0, len(list))

	for _, acc := range list {
		h := AccountHealth{
			AccountID:      acc.ID,
			Email:          acc.MaskedEmail(),
			Enabled:        acc.Enabled,
			Status:         string(acc.SessionStatus),
			SessionValid:   s.states.IsLocallyValid(acc.ID),
			QuotaUsed:      acc.Quota.Used,
			QuotaLimit:     acc.Quota.Limit,
			QuotaRemaining: acc.Quota.Remaining(),
			HealthScore:    health.Score(acc.ID),
			Issues:         []string{},
		}
		if !acc.Enabled {
			h.Issues = append(h.Issues, "disabled")
		}
		if !h.SessionValid {
			h.Issues = append(h.Issues, "no valid session")
		}
		if acc.IsRateLimited(now) {
			h.Issues = append(h.Issues, fmt.Sprintf("rate limited until %s", acc.RateLimitResetAt.Format("2006-01-02 15:04")))
		}
		if h.QuotaRemaining == 0 {
			h.Issues = append(h.Issues, fmt.Sprintf("quota exhausted until %s", acc.Quota.ResetAt.Format("2006-01-02 15:04")))
		}
		if acc.ConsecutiveFailures > 0 {
			h.Issues = append(h.Issues, fmt.Sprintf("%d consecutive login failures", acc.ConsecutiveFailures))
		}
		if !health.Usable(acc.ID) {
			h.Issues = append(h.Issues, fmt.Sprintf("low health score (%d)", h.HealthScore))
		}
		if _, err := s.reg.Credentials(acc.ID); err != nil {
			h.Issues = append(h.Issues, "credentials unreadable")
		}
		out = append(out, h)
	}
	return out
}

// Status summarizes authentication, rotation and pool state.
func (s *Service) Status() Status {
	st := Status{
		Strategy:    string(s.reg.Strategy()),
		Accounts:    s.reg.Len(),
		Sessions:    s.pool.Len(),
		MaxSessions: s.cfg.Sessions.MaxSessions,
	}
	if s.manager != nil {
		st.BrowserRunning = s.manager.IsConnected()
	}

	s.mu.RLock()
	st.Authenticated = s.authenticated
	st.LastStartup = s.lastStartup
	s.mu.RUnlock()

	if id := s.reg.CurrentAccountID(); id != "" {
		st.AccountID = id
		if acc, ok := s.reg.Get(id); ok {
			st.AccountEmail = acc.MaskedEmail()
		}
	}
	return st
}
