package auth

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nbpilot/internal/accounts"
)

const testSeed = "JBSWY3DPEHPK3PXP"

func newTestAutomator(env *authEnv, l *fakeLauncher) *LoginAutomator {
	return NewLoginAutomator(env.reg, env.states, l, env.locks, LoginConfig{
		Target:       testTarget,
		ProfilesDir:  filepath.Join(env.dir, "profiles"),
		Timeout:      time.Second,
		PollInterval: 2 * time.Millisecond,
	})
}

func TestPerformLogin_Success(t *testing.T) {
	env := newAuthEnv(t)
	id, err := env.reg.Add("user@example.com", "hunter2", "")
	require.NoError(t, err)

	l := &fakeLauncher{site: googleFlow(false)}
	res := newTestAutomator(env, l).PerformLogin(context.Background(), id, LoginOptions{})

	require.True(t, res.Success, "login error: %v", res.Error)
	assert.False(t, res.RequiresManualIntervention)

	page := l.lastPage()
	sel := GoogleSelectors()
	assert.Equal(t, "user@example.com", page.input(sel.Email))
	assert.Equal(t, "hunter2", page.input(sel.Password))
	assert.Equal(t, 1, page.closeCount())

	opts := l.lastOpts()
	assert.False(t, opts.Visible)
	assert.Equal(t, filepath.Join(env.dir, "profiles", id), opts.ProfileDir)

	assert.True(t, env.states.IsLocallyValid(id))
	acc, _ := env.reg.Get(id)
	assert.Equal(t, accounts.StatusValid, acc.SessionStatus)
	assert.Zero(t, acc.ConsecutiveFailures)
}

func TestPerformLogin_TOTP(t *testing.T) {
	env := newAuthEnv(t)
	id, err := env.reg.Add("user@example.com", "hunter2", testSeed)
	require.NoError(t, err)

	l := &fakeLauncher{site: googleFlow(true)}
	a := newTestAutomator(env, l)
	fixed := time.Now()
	a.now = func() time.Time { return fixed }

	res := a.PerformLogin(context.Background(), id, LoginOptions{ShowBrowser: true})
	require.True(t, res.Success, "login error: %v", res.Error)

	want, err := totp.GenerateCode(testSeed, fixed)
	require.NoError(t, err)
	assert.Equal(t, want, l.lastPage().input(GoogleSelectors().TOTP))
	assert.True(t, l.lastOpts().Visible)
}

func TestPerformLogin_TOTPWithoutSeed(t *testing.T) {
	env := newAuthEnv(t)
	id, err := env.reg.Add("user@example.com", "hunter2", "")
	require.NoError(t, err)

	l := &fakeLauncher{site: googleFlow(true)}
	res := newTestAutomator(env, l).PerformLogin(context.Background(), id, LoginOptions{})

	assert.False(t, res.Success)
	assert.True(t, res.RequiresManualIntervention)
	assert.False(t, env.states.HasState(id))
}

func TestPerformLogin_Captcha(t *testing.T) {
	env := newAuthEnv(t)
	id, err := env.reg.Add("user@example.com", "hunter2", "")
	require.NoError(t, err)

	site := googleFlow(false)
	site.screens[passwordURL] = append(site.screens[passwordURL], "#captchaimg")
	l := &fakeLauncher{site: site}

	res := newTestAutomator(env, l).PerformLogin(context.Background(), id, LoginOptions{})

	assert.False(t, res.Success)
	assert.True(t, res.RequiresManualIntervention)
	var lf *LoginFailure
	require.ErrorAs(t, res.Error, &lf)
	assert.Contains(t, lf.Reason, "CAPTCHA")

	acc, _ := env.reg.Get(id)
	assert.Equal(t, accounts.StatusFailed, acc.SessionStatus)
	assert.Equal(t, 1, acc.ConsecutiveFailures)
	assert.Equal(t, 1, l.lastPage().closeCount())
}

func TestPerformLogin_UnknownChallenge(t *testing.T) {
	env := newAuthEnv(t)
	id, err := env.reg.Add("user@example.com", "hunter2", "")
	require.NoError(t, err)

	site := googleFlow(false)
	site.clicks[GoogleSelectors().PasswordNext] = "https://signin.test/v3/signin/challenge/ipp/collect"
	l := &fakeLauncher{site: site}

	res := newTestAutomator(env, l).PerformLogin(context.Background(), id, LoginOptions{})
	assert.False(t, res.Success)
	assert.True(t, res.RequiresManualIntervention)
}

func TestPerformLogin_Timeout(t *testing.T) {
	env := newAuthEnv(t)
	id, err := env.reg.Add("user@example.com", "hunter2", "")
	require.NoError(t, err)

	// The identifier screen never advances.
	site := googleFlow(false)
	delete(site.clicks, GoogleSelectors().EmailNext)
	l := &fakeLauncher{site: site}

	res := newTestAutomator(env, l).PerformLogin(context.Background(), id, LoginOptions{Timeout: 30 * time.Millisecond})

	assert.False(t, res.Success)
	assert.False(t, res.RequiresManualIntervention)
	var lf *LoginFailure
	require.ErrorAs(t, res.Error, &lf)
	assert.Contains(t, lf.Reason, "timed out")
}

func TestPerformLogin_UnknownAccount(t *testing.T) {
	env := newAuthEnv(t)
	l := &fakeLauncher{site: googleFlow(false)}

	res := newTestAutomator(env, l).PerformLogin(context.Background(), "missing", LoginOptions{})
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Error, accounts.ErrAccountNotFound)
	assert.Nil(t, l.lastPage())
}

func TestPerformLogin_NoSessionCookies(t *testing.T) {
	env := newAuthEnv(t)
	id, err := env.reg.Add("user@example.com", "hunter2", "")
	require.NoError(t, err)

	site := googleFlow(false)
	site.cookies = nil
	l := &fakeLauncher{site: site}

	res := newTestAutomator(env, l).PerformLogin(context.Background(), id, LoginOptions{})
	assert.False(t, res.Success)
	assert.False(t, env.states.HasState(id))
}

func TestPerformManualLogin(t *testing.T) {
	env := newAuthEnv(t)
	id, err := env.reg.Add("user@example.com", "pw", "")
	require.NoError(t, err)

	site := googleFlow(false)
	site.redirects[testTarget.AppURL] = identifierURL
	l := &fakeLauncher{site: site}

	done := make(chan LoginResult, 1)
	go func() {
		done <- newTestAutomator(env, l).PerformManualLogin(context.Background(), id, time.Second)
	}()

	require.Eventually(t, func() bool {
		p := l.lastPage()
		if p == nil {
			return false
		}
		u, _ := p.CurrentURL(context.Background())
		return u == identifierURL
	}, time.Second, time.Millisecond)
	assert.True(t, l.lastOpts().Visible)
	l.lastPage().setURL(homeURL)

	res := <-done
	require.True(t, res.Success, "manual login error: %v", res.Error)
	assert.True(t, env.states.IsLocallyValid(id))
}

func TestPerformManualLogin_Timeout(t *testing.T) {
	env := newAuthEnv(t)
	id, err := env.reg.Add("user@example.com", "pw", "")
	require.NoError(t, err)

	site := googleFlow(false)
	site.redirects[testTarget.AppURL] = identifierURL
	l := &fakeLauncher{site: site}

	res := newTestAutomator(env, l).PerformManualLogin(context.Background(), id, 20*time.Millisecond)
	assert.False(t, res.Success)
	assert.False(t, env.states.HasState(id))
}
