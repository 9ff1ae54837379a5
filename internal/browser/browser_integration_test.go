//go:build integration

package browser_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"nbpilot/internal/authstate"
	"nbpilot/internal/browser"
)

func TestManager_OpenNavigateCookies_Integration(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/redirect":
			http.Redirect(w, r, "/landing", http.StatusFound)
		case "/form":
			fmt.Fprintln(w, `<html><body><input id="identifierId"><button id="identifierNext">Next</button></body></html>`)
		default:
			if c, err := r.Cookie("SID"); err == nil {
				fmt.Fprintf(w, "<html><body>sid=%s</body></html>", c.Value)
				return
			}
			fmt.Fprintln(w, "<html><body>anonymous</body></html>")
		}
	}))
	defer ts.Close()

	cfg := browser.DefaultConfig()
	cfg.NavigationTimeout = 10 * time.Second
	m := browser.NewManager(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	defer func() { _ = m.Shutdown(context.Background()) }()

	host := strings.Split(strings.TrimPrefix(ts.URL, "http://"), ":")[0]
	page, err := m.Open(ctx, browser.OpenOptions{
		Cookies: []authstate.Cookie{{Name: "SID", Value: "abc", Domain: host, Path: "/", Expires: authstate.SessionExpiry}},
	})
	require.NoError(t, err)
	require.Equal(t, 1, m.OpenCount())

	require.NoError(t, page.Navigate(ctx, ts.URL+"/redirect"))
	url, err := page.CurrentURL(ctx)
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(url, "/landing"), "expected redirect to settle, got %s", url)

	cookies, err := page.Cookies(ctx)
	require.NoError(t, err)
	found := false
	for _, c := range cookies {
		if c.Name == "SID" && c.Value == "abc" {
			found = true
		}
	}
	require.True(t, found, "seeded cookie should be readable from the context")

	require.NoError(t, page.Navigate(ctx, ts.URL+"/form"))
	visible, err := page.Visible(ctx, "#identifierId")
	require.NoError(t, err)
	require.True(t, visible)
	require.NoError(t, page.Input(ctx, "#identifierId", "user@example.com"))
	require.NoError(t, page.Click(ctx, "#identifierNext"))

	missing, err := page.Visible(ctx, "#captchaimg")
	require.NoError(t, err)
	require.False(t, missing)

	require.NoError(t, page.Close())
	require.NoError(t, page.Close())
	require.Equal(t, 0, m.OpenCount())

	_, err = page.CurrentURL(ctx)
	require.ErrorIs(t, err, browser.ErrClosed)
}
