package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"

	"nbpilot/internal/authstate"
	"nbpilot/internal/logging"
)

// Config holds browser configuration.
type Config struct {
	// Connect to an already running Chrome instead of launching one.
	ControlURL        string
	ChromeBin         string
	Headless          bool
	ViewportWidth     int
	ViewportHeight    int
	NavigationTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Headless:          true,
		ViewportWidth:     1024,
		ViewportHeight:    768,
		NavigationTimeout: 30 * time.Second,
	}
}

func (c Config) navTimeout() time.Duration {
	if c.NavigationTimeout <= 0 {
		return 30 * time.Second
	}
	return c.NavigationTimeout
}

// Manager owns a shared Chrome for throwaway incognito contexts and launches
// dedicated processes for headed windows and persistent profiles.
type Manager struct {
	cfg Config

	mu         sync.RWMutex
	browser    *rod.Browser
	launcher   *launcher.Launcher
	controlURL string
	pages      map[string]*rodPage
}

var _ Launcher = (*Manager)(nil)

// NewManager creates a new browser manager. Chrome starts lazily.
func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:   cfg,
		pages: make(map[string]*rodPage),
	}
}

// Start connects to an existing Chrome or launches a new one.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// If we already have a browser, verify it's still alive
	if m.browser != nil {
		if _, err := m.browser.Version(); err == nil {
			return nil
		}
		logging.BrowserWarn("Stale browser connection detected, reconnecting...")
		_ = m.browser.Close()
		m.browser = nil
		m.controlURL = ""
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	controlURL := m.cfg.ControlURL
	if controlURL == "" {
		l := m.newLauncher(m.cfg.Headless, "")
		url, err := l.Launch()
		if err != nil {
			return fmt.Errorf("launch chrome: %w", err)
		}
		m.launcher = l
		controlURL = url
	}

	// The connection outlives the caller's context; pages carry their own.
	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}

	m.browser = b
	m.controlURL = controlURL
	logging.Browser("Browser connected (headless=%v)", m.cfg.Headless)
	return nil
}

func (m *Manager) ensureStarted(ctx context.Context) error {
	m.mu.RLock()
	if m.browser != nil {
		m.mu.RUnlock()
		return nil
	}
	m.mu.RUnlock()
	return m.Start(ctx)
}

func (m *Manager) newLauncher(headless bool, profileDir string) *launcher.Launcher {
	l := launcher.New().Headless(headless)
	if m.cfg.ChromeBin != "" {
		l = l.Bin(m.cfg.ChromeBin)
	}
	if profileDir != "" {
		l = l.UserDataDir(profileDir)
	}
	return l
}

// IsConnected returns whether the shared browser is connected.
func (m *Manager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browser != nil
}

// OpenCount returns the number of pages not yet closed.
func (m *Manager) OpenCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pages)
}

// Open creates a page in a fresh context. Visible or profile-backed pages get
// their own Chrome process, everything else an incognito context of the
// shared browser.
func (m *Manager) Open(ctx context.Context, opts OpenOptions) (FormPage, error) {
	var (
		owner *rod.Browser
		proc  *launcher.Launcher
		err   error
	)

	if opts.Visible || opts.ProfileDir != "" {
		headless := m.cfg.Headless && !opts.Visible
		proc = m.newLauncher(headless, opts.ProfileDir)
		url, lerr := proc.Launch()
		if lerr != nil {
			return nil, fmt.Errorf("launch chrome: %w", lerr)
		}
		owner = rod.New().ControlURL(url)
		if err := owner.Connect(); err != nil {
			proc.Kill()
			return nil, fmt.Errorf("connect to chrome: %w", err)
		}
	} else {
		if err := m.ensureStarted(ctx); err != nil {
			return nil, err
		}
		m.mu.RLock()
		shared := m.browser
		m.mu.RUnlock()
		if shared == nil {
			return nil, errors.New("browser not connected")
		}
		owner, err = shared.Incognito()
		if err != nil {
			return nil, fmt.Errorf("incognito context: %w", err)
		}
	}

	rp := &rodPage{
		id:         uuid.NewString(),
		owner:      owner,
		proc:       proc,
		keepData:   opts.ProfileDir != "",
		navTimeout: m.cfg.navTimeout(),
		release:    m.forget,
	}

	page, err := owner.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		rp.closeOwner()
		return nil, fmt.Errorf("create page: %w", err)
	}
	rp.page = page

	if m.cfg.ViewportWidth > 0 && m.cfg.ViewportHeight > 0 {
		if err := (proto.EmulationSetDeviceMetricsOverride{
			Width:             m.cfg.ViewportWidth,
			Height:            m.cfg.ViewportHeight,
			DeviceScaleFactor: 1.0,
			Mobile:            false,
		}).Call(page); err != nil {
			logging.BrowserDebug("failed to set viewport: %v", err)
		}
	}

	if len(opts.Cookies) > 0 {
		if err := page.SetCookies(ToCookieParams(opts.Cookies)); err != nil {
			_ = rp.Close()
			return nil, fmt.Errorf("set cookies: %w", err)
		}
	}

	m.mu.Lock()
	m.pages[rp.id] = rp
	m.mu.Unlock()

	logging.BrowserDebug("Opened page %s (visible=%v profile=%v cookies=%d)", rp.id, opts.Visible, opts.ProfileDir != "", len(opts.Cookies))
	return rp, nil
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	delete(m.pages, id)
	m.mu.Unlock()
}

// Shutdown closes tracked pages and the shared browser.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	pages := make([]*rodPage, 0, len(m.pages))
	for _, p := range m.pages {
		pages = append(pages, p)
	}
	m.mu.Unlock()

	for _, p := range pages {
		_ = p.Close()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var err error
	if m.browser != nil {
		err = m.browser.Close()
		m.browser = nil
	}
	if m.launcher != nil {
		m.launcher.Cleanup()
		m.launcher = nil
	}
	m.controlURL = ""
	logging.Browser("Browser shut down")
	return err
}

// rodPage adapts a rod page and the context that owns it.
type rodPage struct {
	id         string
	page       *rod.Page
	owner      *rod.Browser       // incognito context or dedicated browser
	proc       *launcher.Launcher // non-nil for dedicated processes
	keepData   bool
	navTimeout time.Duration
	release    func(id string)

	mu     sync.Mutex
	closed bool
}

func (p *rodPage) live() (*rod.Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.page == nil {
		return nil, ErrClosed
	}
	return p.page, nil
}

func (p *rodPage) Navigate(ctx context.Context, url string) error {
	page, err := p.live()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.navTimeout)
	defer cancel()
	if err := page.Context(ctx).Navigate(url); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	// Best effort: redirects are observed by the caller polling CurrentURL.
	_ = page.Context(ctx).WaitLoad()
	return nil
}

func (p *rodPage) CurrentURL(ctx context.Context) (string, error) {
	page, err := p.live()
	if err != nil {
		return "", err
	}
	info, err := page.Context(ctx).Info()
	if err != nil {
		return "", fmt.Errorf("page info: %w", err)
	}
	return info.URL, nil
}

func (p *rodPage) Visible(ctx context.Context, selector string) (bool, error) {
	page, err := p.live()
	if err != nil {
		return false, err
	}
	has, el, err := page.Context(ctx).Has(selector)
	if err != nil || !has {
		return false, err
	}
	return el.Visible()
}

func (p *rodPage) element(ctx context.Context, selector string) (*rod.Element, error) {
	page, err := p.live()
	if err != nil {
		return nil, err
	}
	el, err := page.Context(ctx).Element(selector)
	if err != nil {
		return nil, fmt.Errorf("element %s not found: %w", selector, err)
	}
	return el, nil
}

func (p *rodPage) Input(ctx context.Context, selector, text string) error {
	el, err := p.element(ctx, selector)
	if err != nil {
		return err
	}
	// Replace any prefilled value.
	_ = el.SelectAllText()
	return el.Input(text)
}

func (p *rodPage) Click(ctx context.Context, selector string) error {
	el, err := p.element(ctx, selector)
	if err != nil {
		return err
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

func (p *rodPage) Cookies(ctx context.Context) ([]authstate.Cookie, error) {
	if _, err := p.live(); err != nil {
		return nil, err
	}
	cookies, err := p.owner.Context(ctx).GetCookies()
	if err != nil {
		return nil, fmt.Errorf("get cookies: %w", err)
	}
	return FromNetworkCookies(cookies), nil
}

// Close closes the page and its context. Safe to call more than once.
func (p *rodPage) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	page := p.page
	p.mu.Unlock()

	var err error
	if page != nil {
		err = page.Close()
	}
	p.closeOwner()
	if p.release != nil {
		p.release(p.id)
	}
	return err
}

func (p *rodPage) closeOwner() {
	if p.owner != nil {
		_ = p.owner.Close()
	}
	if p.proc != nil {
		if p.keepData {
			// Cleanup would delete the persistent profile.
			p.proc.Kill()
		} else {
			p.proc.Cleanup()
		}
	}
}
