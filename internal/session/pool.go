package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"nbpilot/internal/browser"
	"nbpilot/internal/logging"
)

// Opener creates the page behind a new session and reports which account
// it is signed in as.
type Opener func(ctx context.Context, key string) (page browser.Page, accountID string, err error)

// Config bounds the pool.
type Config struct {
	MaxSessions    int
	SessionTimeout time.Duration
	SweepInterval  time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxSessions:    10,
		SessionTimeout: 15 * time.Minute,
		SweepInterval:  time.Minute,
	}
}

// Option customizes a Pool.
type Option func(*Pool)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// Pool owns every live session.
type Pool struct {
	cfg    Config
	opener Opener
	now    func() time.Time
	group  singleflight.Group

	mu       sync.Mutex
	byID     map[string]*Session
	byKey    map[string]*Session
	pending  int           // creations holding a reserved slot
	released chan struct{} // closed and replaced when a slot may have freed up
	gen      uint64        // bumped by CloseAll

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates an empty pool.
func NewPool(opener Opener, cfg Config, opts ...Option) *Pool {
	def := DefaultConfig()
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = def.MaxSessions
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = def.SessionTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	p := &Pool{
		cfg:      cfg,
		opener:   opener,
		now:      time.Now,
		byID:     make(map[string]*Session),
		byKey:    make(map[string]*Session),
		released: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	logging.Session("Session pool ready (max %d, idle timeout %v)", cfg.MaxSessions, cfg.SessionTimeout)
	return p
}

// GetOrCreate returns the live session for key, creating it if needed.
// Concurrent calls for the same key share one creation.
func (p *Pool) GetOrCreate(ctx context.Context, key string) (*Session, error) {
	if s := p.lookup(key); s != nil {
		return s, nil
	}

	v, err, shared := p.group.Do(key, func() (any, error) {
		if s := p.lookup(key); s != nil {
			return s, nil
		}
		return p.create(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		logging.SessionDebug("Joined in-flight creation for %s", key)
	}
	return v.(*Session), nil
}

// lookup returns the live session for key. An idle-expired session is
// closed and treated as absent.
func (p *Pool) lookup(key string) *Session {
	now := p.now()
	p.mu.Lock()
	s, ok := p.byKey[key]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	if s.idleSince(now) > p.cfg.SessionTimeout {
		p.removeLocked(s)
		p.mu.Unlock()
		logging.Session("Session %s for %s expired on access", s.ID, key)
		p.closeSession(s)
		return nil
	}
	p.mu.Unlock()
	s.touch(now)
	return s
}

func (p *Pool) create(ctx context.Context, key string) (*Session, error) {
	gen, err := p.reserve(ctx)
	if err != nil {
		return nil, err
	}

	page, accountID, err := p.opener(ctx, key)

	p.mu.Lock()
	p.pending--
	p.notifyLocked()
	if err != nil {
		p.mu.Unlock()
		logging.SessionWarn("Failed to open session for %s: %v", key, err)
		return nil, err
	}
	if gen != p.gen {
		p.mu.Unlock()
		if cerr := page.Close(); cerr != nil && !errors.Is(cerr, browser.ErrClosed) {
			logging.SessionWarn("Closing discarded page for %s: %v", key, cerr)
		}
		logging.Session("Discarded session for %s: pool was reset during creation", key)
		return nil, ErrPoolReset
	}
	s := newSession(uuid.New().String(), key, accountID, page, p.now())
	p.byID[s.ID] = s
	p.byKey[key] = s
	total := len(p.byID)
	p.mu.Unlock()

	logging.Session("Created session %s for %s (account %s, %d/%d)", s.ID, key, accountID, total, p.cfg.MaxSessions)
	return s, nil
}

// reserve claims a slot for a creation, evicting least recently active
// idle sessions as needed. When every slot belongs to an in-flight creation
// or a running step it waits for one of them to finish. It returns the pool
// generation the slot was claimed in.
func (p *Pool) reserve(ctx context.Context) (uint64, error) {
	for {
		p.mu.Lock()
		var evicted []*Session
		for len(p.byID)+p.pending >= p.cfg.MaxSessions {
			lru := p.evictableLocked()
			if lru == nil {
				break
			}
			p.removeLocked(lru)
			evicted = append(evicted, lru)
		}
		if len(p.byID)+p.pending < p.cfg.MaxSessions {
			p.pending++
			gen := p.gen
			p.mu.Unlock()
			for _, s := range evicted {
				logging.Session("Evicting session %s for %s (least recently active)", s.ID, s.Key)
				p.closeHeld(s)
			}
			return gen, nil
		}
		wait := p.released
		p.mu.Unlock()

		for _, s := range evicted {
			p.closeHeld(s)
		}
		logging.SessionDebug("%v; waiting", &CapacityError{Max: p.cfg.MaxSessions})
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-wait:
		}
	}
}

// evictableLocked returns the least recently active session with no step
// running, holding its op slot. Sessions in the middle of a step are skipped.
func (p *Pool) evictableLocked() *Session {
	candidates := make([]*Session, 0, len(p.byID))
	for _, s := range p.byID {
		candidates = append(candidates, s)
	}
	sort.Slice(candidates, func(i, j int) bool {
		ai, aj := candidates[i].LastActivity(), candidates[j].LastActivity()
		if !ai.Equal(aj) {
			return ai.Before(aj)
		}
		return candidates[i].ID < candidates[j].ID
	})
	for _, s := range candidates {
		if s.op.TryAcquire(1) {
			return s
		}
	}
	return nil
}

// notifyLocked wakes creations waiting for a slot.
func (p *Pool) notifyLocked() {
	close(p.released)
	p.released = make(chan struct{})
}

func (p *Pool) removeLocked(s *Session) {
	delete(p.byID, s.ID)
	if cur, ok := p.byKey[s.Key]; ok && cur == s {
		delete(p.byKey, s.Key)
	}
}

// closeSession waits for any running step to finish, then closes the page.
func (p *Pool) closeSession(s *Session) {
	_ = s.op.Acquire(context.Background(), 1)
	p.closeHeld(s)
}

// closeHeld closes a session whose op slot the caller holds.
func (p *Pool) closeHeld(s *Session) {
	defer s.op.Release(1)
	if err := s.close(); err != nil && !errors.Is(err, browser.ErrClosed) {
		logging.SessionWarn("Closing session %s: %v", s.ID, err)
	}
}

// Do runs one automation step against the session's page. Steps on the same
// session run one at a time; each completed step counts as a message.
func (p *Pool) Do(ctx context.Context, id string, fn func(ctx context.Context, page browser.Page) error) error {
	p.mu.Lock()
	s, ok := p.byID[id]
	p.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	if err := s.op.Acquire(ctx, 1); err != nil {
		return err
	}
	defer func() {
		s.op.Release(1)
		p.mu.Lock()
		p.notifyLocked()
		p.mu.Unlock()
	}()

	if s.Closed() {
		return ErrSessionClosed
	}
	s.touch(p.now())
	err := fn(ctx, s.page)

	s.mu.Lock()
	s.lastActivity = p.now()
	if err == nil {
		s.messageCount++
	}
	s.mu.Unlock()
	return err
}

// Get returns a snapshot of one session.
func (p *Pool) Get(id string) (Info, bool) {
	p.mu.Lock()
	s, ok := p.byID[id]
	p.mu.Unlock()
	if !ok {
		return Info{}, false
	}
	return s.Info(), true
}

// List returns every live session, most recently active first.
func (p *Pool) List() []Info {
	p.mu.Lock()
	out := make([]Info, 0, len(p.byID))
	for _, s := range p.byID {
		out = append(out, s.Info())
	}
	p.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].LastActivity.After(out[j].LastActivity)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of live sessions.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byID)
}

// Close tears down one session. Returns false if it does not exist.
func (p *Pool) Close(id string) bool {
	p.mu.Lock()
	s, ok := p.byID[id]
	if ok {
		p.removeLocked(s)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	p.closeSession(s)
	logging.Session("Closed session %s for %s", s.ID, s.Key)
	return true
}

// Reset clears a session's conversation without closing its page.
func (p *Pool) Reset(id string) bool {
	p.mu.Lock()
	s, ok := p.byID[id]
	p.mu.Unlock()
	if !ok {
		return false
	}
	s.reset(p.now())
	logging.SessionDebug("Reset session %s", id)
	return true
}

// Sweep closes sessions idle longer than the session timeout.
func (p *Pool) Sweep(now time.Time) int {
	p.mu.Lock()
	var stale []*Session
	for _, s := range p.byID {
		if s.idleSince(now) > p.cfg.SessionTimeout {
			stale = append(stale, s)
		}
	}
	for _, s := range stale {
		p.removeLocked(s)
	}
	p.mu.Unlock()

	for _, s := range stale {
		p.closeSession(s)
	}
	if len(stale) > 0 {
		logging.Session("Swept %d idle sessions", len(stale))
	}
	return len(stale)
}

// CloseAll tears down every session. Called before re-authentication, since
// live sessions hold cookies from the context being replaced. Creations
// already in flight discard their page and fail with ErrPoolReset.
func (p *Pool) CloseAll() int {
	p.mu.Lock()
	p.gen++
	all := make([]*Session, 0, len(p.byID))
	for _, s := range p.byID {
		all = append(all, s)
	}
	p.byID = make(map[string]*Session)
	p.byKey = make(map[string]*Session)
	p.mu.Unlock()

	for _, s := range all {
		p.closeSession(s)
	}
	if len(all) > 0 {
		logging.Session("Closed all %d sessions", len(all))
	}
	return len(all)
}

// Start runs the idle sweep in the background until Stop or ctx is done.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		tick := time.NewTicker(p.cfg.SweepInterval)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				p.Sweep(p.now())
			}
		}
	}()
}

// Stop halts the background sweep. Sessions stay open; see CloseAll.
func (p *Pool) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}
