// Package browser is the automation layer boundary: small capability
// interfaces consumed by the auth and session packages, implemented over
// go-rod.
package browser

import (
	"context"
	"errors"

	"nbpilot/internal/authstate"
)

// ErrClosed is returned by operations on a closed page.
var ErrClosed = errors.New("page closed")

// Page is the handful of operations the session pool and probe need.
type Page interface {
	Navigate(ctx context.Context, url string) error
	CurrentURL(ctx context.Context) (string, error)
	Close() error
}

// FormPage adds what the login automator needs to drive a sign-in form.
type FormPage interface {
	Page
	// Visible reports whether selector matches a visible element right now.
	Visible(ctx context.Context, selector string) (bool, error)
	Input(ctx context.Context, selector, text string) error
	Click(ctx context.Context, selector string) error
	// Cookies returns every cookie of the page's browser context.
	Cookies(ctx context.Context) ([]authstate.Cookie, error)
}

// OpenOptions controls how a page's browser context is created.
type OpenOptions struct {
	// Visible opens a headed window regardless of the headless setting.
	Visible bool
	// Cookies seed the new context before the first navigation.
	Cookies []authstate.Cookie
	// ProfileDir pins a persistent Chrome user-data directory. Empty means a
	// throwaway incognito context.
	ProfileDir string
}

// Launcher opens pages in fresh browser contexts.
type Launcher interface {
	Open(ctx context.Context, opts OpenOptions) (FormPage, error)
}
