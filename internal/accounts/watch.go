package accounts

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"nbpilot/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// RegistryWatcher reloads a Registry when another process rewrites its file
// (for example the CLI adding an account while the server runs).
type RegistryWatcher struct {
	reg         *Registry
	watcher     *fsnotify.Watcher
	debounceDur time.Duration
	onReload    func()

	mu      sync.Mutex
	pending time.Time
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewRegistryWatcher creates a watcher. onReload, if set, runs after each
// reload that changed in-memory state.
func NewRegistryWatcher(reg *Registry, onReload func()) (*RegistryWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &RegistryWatcher{
		reg:         reg,
		watcher:     w,
		debounceDur: 250 * time.Millisecond,
		onReload:    onReload,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start watches the registry's directory. Non-blocking.
func (rw *RegistryWatcher) Start(ctx context.Context) error {
	rw.mu.Lock()
	if rw.running {
		rw.mu.Unlock()
		return nil
	}
	rw.running = true
	rw.mu.Unlock()

	// Watch the directory: saves replace the file via rename.
	dir := filepath.Dir(rw.reg.Path())
	if err := rw.watcher.Add(dir); err != nil {
		return err
	}
	logging.AccountsDebug("RegistryWatcher: watching %s", dir)

	go rw.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the loop to exit.
func (rw *RegistryWatcher) Stop() {
	rw.mu.Lock()
	if !rw.running {
		rw.mu.Unlock()
		rw.watcher.Close()
		return
	}
	rw.running = false
	rw.mu.Unlock()

	close(rw.stopCh)
	<-rw.doneCh
	if err := rw.watcher.Close(); err != nil {
		logging.AccountsWarn("RegistryWatcher: error closing watcher: %v", err)
	}
}

func (rw *RegistryWatcher) run(ctx context.Context) {
	defer close(rw.doneCh)

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	target := filepath.Clean(rw.reg.Path())
	for {
		select {
		case <-ctx.Done():
			return
		case <-rw.stopCh:
			return
		case event, ok := <-rw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			rw.mu.Lock()
			rw.pending = time.Now().Add(rw.debounceDur)
			rw.mu.Unlock()
		case err, ok := <-rw.watcher.Errors:
			if !ok {
				return
			}
			logging.AccountsWarn("RegistryWatcher error: %v", err)
		case <-ticker.C:
			rw.flush()
		}
	}
}

func (rw *RegistryWatcher) flush() {
	rw.mu.Lock()
	due := !rw.pending.IsZero() && time.Now().After(rw.pending)
	if due {
		rw.pending = time.Time{}
	}
	rw.mu.Unlock()
	if !due {
		return
	}

	changed, err := rw.reg.Reload()
	if err != nil {
		logging.AccountsWarn("RegistryWatcher: reload failed: %v", err)
		return
	}
	if changed {
		logging.Accounts("Account registry reloaded from disk (%d accounts)", rw.reg.Len())
		if rw.onReload != nil {
			rw.onReload()
		}
	}
}
