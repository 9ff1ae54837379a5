package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"nbpilot/internal/accounts"
	"nbpilot/internal/auth"
	"nbpilot/internal/authstate"
	"nbpilot/internal/browser"
)

type fakeStates struct {
	valid  map[string]bool
	legacy bool
}

func (f *fakeStates) IsLocallyValid(id string) bool { return f.valid[id] }
func (f *fakeStates) HasValidLegacyState() bool     { return f.legacy }

type fakeProber struct {
	mu     sync.Mutex
	result map[string]bool // missing ids fail open
	calls  []string
}

func (f *fakeProber) Probe(ctx context.Context, id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, id)
	v, ok := f.result[id]
	return !ok || v
}

type fakeAuth struct {
	mu          sync.Mutex
	auto        map[string]auth.LoginResult
	manual      map[string]auth.LoginResult
	autoCalls   []string
	manualCalls []string
	onSuccess   func(id string)
}

var errLoginFailed = errors.New("wrong password")

func (f *fakeAuth) PerformLogin(ctx context.Context, id string, opts auth.LoginOptions) auth.LoginResult {
	f.mu.Lock()
	f.autoCalls = append(f.autoCalls, id)
	res, ok := f.auto[id]
	f.mu.Unlock()
	if !ok {
		res = auth.LoginResult{Error: errLoginFailed}
	}
	if res.Success && f.onSuccess != nil {
		f.onSuccess(id)
	}
	return res
}

func (f *fakeAuth) PerformManualLogin(ctx context.Context, id string, timeout time.Duration) auth.LoginResult {
	f.mu.Lock()
	f.manualCalls = append(f.manualCalls, id)
	res, ok := f.manual[id]
	f.mu.Unlock()
	if !ok {
		res = auth.LoginResult{Error: errors.New("manual login timed out")}
	}
	return res
}

type countingCloser struct {
	mu    sync.Mutex
	calls int
}

func (c *countingCloser) CloseAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return 0
}

var testEpoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestRegistry(t *testing.T, dir string) *accounts.Registry {
	t.Helper()
	cs, err := accounts.NewCredentialStore([]byte("orchestrator-test-secret"))
	require.NoError(t, err)
	reg, err := accounts.NewRegistry(accounts.RegistryOptions{
		Path:        filepath.Join(dir, "accounts.json"),
		AuthDir:     filepath.Join(dir, "auth"),
		ProfilesDir: filepath.Join(dir, "profiles"),
		Credentials: cs,
		QuotaLimit:  3,
		QuotaWindow: time.Hour,
		Now:         func() time.Time { return testEpoch },
	})
	require.NoError(t, err)
	return reg
}

// addAccounts registers n accounts with priorities 1..n and returns their ids
// in priority order.
func addAccounts(t *testing.T, reg *accounts.Registry, emails ...string) []string {
	t.Helper()
	ids := make([]string, 0, len(emails))
	for _, e := range emails {
		id, err := reg.Add(e, "pw-"+e, "")
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func sortedCopy(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	return out
}

// stubPage / stubLauncher back the Service's session opener.
type stubPage struct {
	mu     sync.Mutex
	url    string
	closed bool
}

func (p *stubPage) Navigate(ctx context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = url
	return nil
}

func (p *stubPage) CurrentURL(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

func (p *stubPage) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *stubPage) Visible(ctx context.Context, selector string) (bool, error) { return false, nil }
func (p *stubPage) Input(ctx context.Context, selector, text string) error     { return nil }
func (p *stubPage) Click(ctx context.Context, selector string) error           { return nil }
func (p *stubPage) Cookies(ctx context.Context) ([]authstate.Cookie, error)    { return nil, nil }

func (p *stubPage) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type stubLauncher struct {
	mu    sync.Mutex
	pages []*stubPage
	opts  []browser.OpenOptions
}

func (l *stubLauncher) Open(ctx context.Context, opts browser.OpenOptions) (browser.FormPage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := &stubPage{}
	l.pages = append(l.pages, p)
	l.opts = append(l.opts, opts)
	return p, nil
}

func validState() *authstate.State {
	exp := float64(time.Now().Add(24 * time.Hour).Unix())
	return &authstate.State{Cookies: []authstate.Cookie{
		{Name: "SID", Value: "sid", Domain: ".google.com", Path: "/", Expires: exp},
	}}
}
