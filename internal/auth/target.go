package auth

import (
	"net/url"
	"strings"
)

// Target describes the automated application and its identity provider.
type Target struct {
	AppURL     string // entry URL of the application
	SignInHost string // identity provider host, e.g. accounts.google.com
	LoginURL   string // sign-in entry point that continues to AppURL
}

// DefaultTarget points at NotebookLM behind Google sign-in.
func DefaultTarget() Target {
	return Target{
		AppURL:     "https://notebooklm.google.com/",
		SignInHost: "accounts.google.com",
		LoginURL:   "https://accounts.google.com/ServiceLogin?continue=https%3A%2F%2Fnotebooklm.google.com%2F",
	}
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

func hostMatches(host, want string) bool {
	want = strings.ToLower(want)
	return host != "" && (host == want || strings.HasSuffix(host, "."+want))
}

// IsSignInURL reports whether raw is on (or under) the sign-in host.
func (t Target) IsSignInURL(raw string) bool {
	return hostMatches(hostOf(raw), t.SignInHost)
}

// IsAppURL reports whether raw is on the application's host.
func (t Target) IsAppURL(raw string) bool {
	return hostMatches(hostOf(raw), hostOf(t.AppURL))
}

func (t Target) loginURL() string {
	if t.LoginURL != "" {
		return t.LoginURL
	}
	return t.AppURL
}
