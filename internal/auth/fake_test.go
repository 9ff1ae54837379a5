package auth

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"nbpilot/internal/accounts"
	"nbpilot/internal/authstate"
	"nbpilot/internal/browser"
)

var testTarget = Target{
	AppURL:     "https://app.test/",
	SignInHost: "signin.test",
	LoginURL:   "https://signin.test/v3/signin/identifier",
}

const (
	identifierURL = "https://signin.test/v3/signin/identifier"
	passwordURL   = "https://signin.test/v3/signin/challenge/pwd"
	totpURL       = "https://signin.test/v3/signin/challenge/totp"
	homeURL       = "https://app.test/notebook"
)

// fakeSite scripts what the browser shows: which selectors are visible on
// each URL, where navigations redirect and where clicks lead.
type fakeSite struct {
	screens   map[string][]string
	redirects map[string]string
	clicks    map[string]string
	cookies   []authstate.Cookie
	urlErr    error // every CurrentURL call fails with it when set
}

func googleFlow(withTOTP bool) *fakeSite {
	sel := GoogleSelectors()
	site := &fakeSite{
		screens: map[string][]string{
			identifierURL: {sel.Email},
			passwordURL:   {sel.Password},
			totpURL:       {sel.TOTP},
		},
		redirects: map[string]string{},
		clicks: map[string]string{
			sel.EmailNext:    passwordURL,
			sel.PasswordNext: homeURL,
		},
		cookies: validCookies(),
	}
	if withTOTP {
		site.clicks[sel.PasswordNext] = totpURL
		site.clicks[sel.TOTPNext] = homeURL
	}
	return site
}

func validCookies() []authstate.Cookie {
	exp := float64(time.Now().Add(24 * time.Hour).Unix())
	return []authstate.Cookie{
		{Name: "SID", Value: "sid", Domain: ".signin.test", Path: "/", Expires: exp},
		{Name: "HSID", Value: "hsid", Domain: ".signin.test", Path: "/", Expires: exp},
		{Name: "NID", Value: "nid", Domain: ".signin.test", Path: "/", Expires: authstate.SessionExpiry},
	}
}

type fakePage struct {
	site *fakeSite

	mu      sync.Mutex
	url     string
	inputs  map[string]string
	clicked []string
	closed  int
}

func (p *fakePage) Navigate(ctx context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed > 0 {
		return browser.ErrClosed
	}
	if to, ok := p.site.redirects[url]; ok {
		url = to
	}
	p.url = url
	return nil
}

func (p *fakePage) CurrentURL(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed > 0 {
		return "", browser.ErrClosed
	}
	if p.site.urlErr != nil {
		return "", p.site.urlErr
	}
	return p.url, nil
}

func (p *fakePage) setURL(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = url
}

func (p *fakePage) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

func (p *fakePage) Visible(ctx context.Context, selector string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.site.screens[p.url] {
		if s == selector {
			return true, nil
		}
	}
	return false, nil
}

func (p *fakePage) Input(ctx context.Context, selector, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inputs == nil {
		p.inputs = make(map[string]string)
	}
	p.inputs[selector] = text
	return nil
}

func (p *fakePage) Click(ctx context.Context, selector string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clicked = append(p.clicked, selector)
	if to, ok := p.site.clicks[selector]; ok {
		p.url = to
	}
	return nil
}

func (p *fakePage) Cookies(ctx context.Context) ([]authstate.Cookie, error) {
	return p.site.cookies, nil
}

func (p *fakePage) input(selector string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inputs[selector]
}

func (p *fakePage) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakeLauncher struct {
	site *fakeSite
	err  error

	mu    sync.Mutex
	pages []*fakePage
	opts  []browser.OpenOptions
}

func (l *fakeLauncher) Open(ctx context.Context, opts browser.OpenOptions) (browser.FormPage, error) {
	if l.err != nil {
		return nil, l.err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	p := &fakePage{site: l.site}
	l.pages = append(l.pages, p)
	l.opts = append(l.opts, opts)
	return p, nil
}

func (l *fakeLauncher) lastPage() *fakePage {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pages) == 0 {
		return nil
	}
	return l.pages[len(l.pages)-1]
}

func (l *fakeLauncher) lastOpts() browser.OpenOptions {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.opts[len(l.opts)-1]
}

var errLaunch = errors.New("chrome not found")

type authEnv struct {
	dir    string
	reg    *accounts.Registry
	states *authstate.Store
	locks  *AccountLocks
}

func newAuthEnv(t *testing.T) *authEnv {
	t.Helper()
	dir := t.TempDir()
	cs, err := accounts.NewCredentialStore([]byte("auth-test-secret"))
	require.NoError(t, err)
	reg, err := accounts.NewRegistry(accounts.RegistryOptions{
		Path:        filepath.Join(dir, "accounts.json"),
		AuthDir:     filepath.Join(dir, "auth"),
		ProfilesDir: filepath.Join(dir, "profiles"),
		Credentials: cs,
		QuotaLimit:  50,
		QuotaWindow: 24 * time.Hour,
	})
	require.NoError(t, err)
	return &authEnv{
		dir:    dir,
		reg:    reg,
		states: authstate.NewStore(filepath.Join(dir, "auth")),
		locks:  NewAccountLocks(),
	}
}
