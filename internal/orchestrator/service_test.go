package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nbpilot/internal/accounts"
	"nbpilot/internal/auth"
	"nbpilot/internal/authstate"
	"nbpilot/internal/browser"
	"nbpilot/internal/config"
	"nbpilot/internal/session"
)

type serviceEnv struct {
	cfg      *config.Config
	reg      *accounts.Registry
	states   *authstate.Store
	launcher *stubLauncher
	prober   *fakeProber
	login    *fakeAuth
	svc      *Service
}

func newServiceEnv(t *testing.T) *serviceEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.Sessions.MaxSessions = 2

	env := &serviceEnv{
		cfg:      cfg,
		reg:      newTestRegistry(t, dir),
		states:   authstate.NewStore(cfg.AuthStateDir(), authstate.WithLegacyPath(cfg.LegacyStatePath())),
		launcher: &stubLauncher{},
		prober:   &fakeProber{result: map[string]bool{}},
		login:    &fakeAuth{auto: map[string]auth.LoginResult{}, manual: map[string]auth.LoginResult{}},
	}
	env.svc = NewService(Deps{
		Config:   cfg,
		Registry: env.reg,
		States:   env.states,
		Launcher: env.launcher,
		Prober:   env.prober,
		Login:    env.login,
	})
	t.Cleanup(func() { _ = env.svc.Close(context.Background()) })
	return env
}

func (e *serviceEnv) signIn(t *testing.T, email string) string {
	t.Helper()
	id, err := e.svc.AddAccount(email, "pw", "", 0)
	require.NoError(t, err)
	require.NoError(t, e.states.Write(id, validState()))
	e.svc.setCurrent(id)
	return id
}

func noop(ctx context.Context, page browser.Page) error { return nil }

func TestService_SessionRequiresAuthentication(t *testing.T) {
	env := newServiceEnv(t)
	_, err := env.svc.AddAccount("a@example.com", "pw", "", 0)
	require.NoError(t, err)

	_, err = env.svc.GetOrCreateSession(context.Background(), "nb-1")
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.Empty(t, env.launcher.pages)
}

func TestService_FailedStartupBlocksSessions(t *testing.T) {
	env := newServiceEnv(t)
	id := env.signIn(t, "a@example.com")
	env.prober.result[id] = false

	res := env.svc.Startup(context.Background())
	require.False(t, res.Authenticated, res.Details)

	_, err := env.svc.GetOrCreateSession(context.Background(), "nb-1")
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.Empty(t, env.launcher.pages, "revoked cookies must not be loaded into a session")
	assert.False(t, env.svc.Status().Authenticated)
}

func TestService_SessionNeedsLoginAfterRestart(t *testing.T) {
	env := newServiceEnv(t)
	id, err := env.svc.AddAccount("a@example.com", "pw", "", 0)
	require.NoError(t, err)
	require.NoError(t, env.states.Write(id, validState()))
	require.NoError(t, env.reg.SetCurrentAccountID(id))

	_, err = env.svc.GetOrCreateSession(context.Background(), "nb-1")
	assert.ErrorIs(t, err, ErrNotAuthenticated)

	env.login.auto[id] = auth.LoginResult{Success: true}
	require.True(t, env.svc.PerformLogin(context.Background(), id, auth.LoginOptions{}).Success)
	info, err := env.svc.GetOrCreateSession(context.Background(), "nb-1")
	require.NoError(t, err)
	assert.Equal(t, id, info.AccountID)
}

func TestService_SessionUsesCurrentAccount(t *testing.T) {
	env := newServiceEnv(t)
	id := env.signIn(t, "a@example.com")

	info, err := env.svc.GetOrCreateSession(context.Background(), "abc-123")
	require.NoError(t, err)

	assert.Equal(t, id, info.AccountID)
	require.Len(t, env.launcher.pages, 1)
	assert.Len(t, env.launcher.opts[0].Cookies, 1)
	assert.False(t, env.launcher.opts[0].Visible)
	u, _ := env.launcher.pages[0].CurrentURL(context.Background())
	assert.Equal(t, "https://notebooklm.google.com/notebook/abc-123", u)

	again, err := env.svc.GetOrCreateSession(context.Background(), "abc-123")
	require.NoError(t, err)
	assert.Equal(t, info.ID, again.ID)
}

func TestService_DoRecordsUsage(t *testing.T) {
	env := newServiceEnv(t)
	id := env.signIn(t, "a@example.com")
	info, err := env.svc.GetOrCreateSession(context.Background(), "https://notebooklm.google.com/notebook/x")
	require.NoError(t, err)

	// Quota limit is 3; going over is logged, not returned.
	for i := 0; i < 4; i++ {
		require.NoError(t, env.svc.Do(context.Background(), info.ID, noop))
	}

	acc, _ := env.reg.Get(id)
	assert.Equal(t, 4, acc.Quota.Used)
	got, _ := env.svc.pool.Get(info.ID)
	assert.Equal(t, 4, got.MessageCount)

	boom := errors.New("step failed")
	err = env.svc.Do(context.Background(), info.ID, func(ctx context.Context, page browser.Page) error { return boom })
	assert.ErrorIs(t, err, boom)
	acc, _ = env.reg.Get(id)
	assert.Equal(t, 4, acc.Quota.Used, "failed steps are not counted")

	assert.ErrorIs(t, env.svc.Do(context.Background(), "missing", noop), session.ErrSessionNotFound)
}

func TestService_LegacySession(t *testing.T) {
	env := newServiceEnv(t)
	data, err := json.Marshal(validState())
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(env.cfg.LegacyStatePath()), 0o700))
	require.NoError(t, os.WriteFile(env.cfg.LegacyStatePath(), data, 0o600))

	info, err := env.svc.GetOrCreateSession(context.Background(), "nb")
	require.NoError(t, err)
	assert.Equal(t, legacyAccountID, info.AccountID)
	require.NoError(t, env.svc.Do(context.Background(), info.ID, noop))
}

func TestService_RemoveAccountClosesItsSessions(t *testing.T) {
	env := newServiceEnv(t)
	id := env.signIn(t, "a@example.com")
	_, err := env.svc.GetOrCreateSession(context.Background(), "nb")
	require.NoError(t, err)

	removed, err := env.svc.RemoveAccount(id)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Empty(t, env.svc.ListSessions())
	assert.True(t, env.launcher.pages[0].isClosed())
	assert.False(t, env.states.HasState(id))
}

func TestService_CloseAndResetSession(t *testing.T) {
	env := newServiceEnv(t)
	env.signIn(t, "a@example.com")
	info, err := env.svc.GetOrCreateSession(context.Background(), "nb")
	require.NoError(t, err)

	assert.True(t, env.svc.ResetSession(info.ID))
	assert.True(t, env.svc.CloseSession(info.ID))
	assert.False(t, env.svc.CloseSession(info.ID))
	assert.False(t, env.svc.ResetSession(info.ID))
}

func TestService_AddAccountWithPriority(t *testing.T) {
	env := newServiceEnv(t)
	id, err := env.svc.AddAccount("a@example.com", "pw", "", 7)
	require.NoError(t, err)

	acc, ok := env.reg.Get(id)
	require.True(t, ok)
	assert.Equal(t, 7, acc.Priority)
	assert.Len(t, env.svc.ListAccounts(), 1)
}

func TestService_SetRotationStrategy(t *testing.T) {
	env := newServiceEnv(t)

	require.NoError(t, env.svc.SetRotationStrategy("round_robin"))
	assert.Equal(t, accounts.StrategyRoundRobin, env.reg.Strategy())

	err := env.svc.SetRotationStrategy("fastest")
	var cfgErr *accounts.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, accounts.StrategyRoundRobin, env.reg.Strategy())
}

func TestService_HealthCheck(t *testing.T) {
	env := newServiceEnv(t)
	good := env.signIn(t, "good@example.com")
	bad, err := env.svc.AddAccount("bad@example.com", "pw", "", 0)
	require.NoError(t, err)
	require.NoError(t, env.reg.RecordLoginFailure(bad))
	require.NoError(t, env.reg.RecordLoginFailure(bad))
	for i := 0; i < 3; i++ {
		_ = env.reg.RecordUsage(bad)
	}

	byID := map[string]AccountHealth{}
	for _, h := range env.svc.HealthCheck() {
		byID[h.AccountID] = h
	}
	require.Len(t, byID, 2)

	g := byID[good]
	assert.True(t, g.SessionValid)
	assert.Equal(t, 3, g.QuotaRemaining)
	assert.Empty(t, g.Issues)
	assert.Equal(t, "g***@example.com", g.Email)

	b := byID[bad]
	assert.False(t, b.SessionValid)
	assert.Zero(t, b.QuotaRemaining)
	assert.Contains(t, b.Issues, "no valid session")
	assert.Contains(t, b.Issues, "2 consecutive login failures")
	assert.Contains(t, b.Issues, "low health score (20)")
	assert.Len(t, b.Issues, 4)
}

func TestService_StartupUpdatesStatus(t *testing.T) {
	env := newServiceEnv(t)
	id, err := env.svc.AddAccount("a@example.com", "pw", "", 0)
	require.NoError(t, err)
	require.NoError(t, env.states.Write(id, validState()))

	res := env.svc.Startup(context.Background())
	require.True(t, res.Authenticated, res.Details)

	st := env.svc.Status()
	assert.True(t, st.Authenticated)
	assert.Equal(t, id, st.AccountID)
	assert.Equal(t, "least_used", st.Strategy)
	assert.Equal(t, 1, st.Accounts)
	require.NotNil(t, st.LastStartup)
	assert.Equal(t, PhaseReady, st.LastStartup.Final)
}

func TestService_SetupAuthFallsBackToManual(t *testing.T) {
	env := newServiceEnv(t)
	id, err := env.svc.AddAccount("a@example.com", "pw", "", 0)
	require.NoError(t, err)
	env.login.manual[id] = auth.LoginResult{Success: true}

	res, err := env.svc.SetupAuth(context.Background(), "", true)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{id}, env.login.autoCalls)
	assert.Equal(t, []string{id}, env.login.manualCalls)
	assert.Equal(t, id, env.reg.CurrentAccountID())
	assert.True(t, env.svc.Status().Authenticated)
}

func TestService_SetupAuthUnknownAccount(t *testing.T) {
	env := newServiceEnv(t)
	_, err := env.svc.SetupAuth(context.Background(), "missing", false)
	assert.ErrorIs(t, err, accounts.ErrAccountNotFound)
}

func TestService_PerformLoginSetsCurrent(t *testing.T) {
	env := newServiceEnv(t)
	id, err := env.svc.AddAccount("a@example.com", "pw", "", 0)
	require.NoError(t, err)
	env.login.auto[id] = auth.LoginResult{Success: true}

	res := env.svc.PerformLogin(context.Background(), id, auth.LoginOptions{})
	assert.True(t, res.Success)
	assert.Equal(t, id, env.reg.CurrentAccountID())

	res = env.svc.PerformLogin(context.Background(), "missing", auth.LoginOptions{})
	assert.ErrorIs(t, res.Error, accounts.ErrAccountNotFound)
}

func TestService_PerformLoginClosesAllSessions(t *testing.T) {
	env := newServiceEnv(t)
	env.signIn(t, "a@example.com")
	info, err := env.svc.GetOrCreateSession(context.Background(), "nb")
	require.NoError(t, err)

	other, err := env.svc.AddAccount("b@example.com", "pw", "", 0)
	require.NoError(t, err)
	env.login.auto[other] = auth.LoginResult{Success: true}

	require.True(t, env.svc.PerformLogin(context.Background(), other, auth.LoginOptions{}).Success)
	_, ok := env.svc.pool.Get(info.ID)
	assert.False(t, ok, "sessions from the previous login must be closed")
	assert.True(t, env.launcher.pages[0].isClosed())
}

func TestService_StartWatchesRegistry(t *testing.T) {
	env := newServiceEnv(t)
	require.NoError(t, env.svc.Start(context.Background()))
	require.NoError(t, env.svc.Close(context.Background()))
}
