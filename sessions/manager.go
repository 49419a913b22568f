package sessions

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ggoodman/sportstream-go/auth"
	"github.com/ggoodman/sportstream-go/frame"
	"github.com/google/uuid"
)

// Config bounds a Manager.
type Config struct {
	MaxSessions    int
	MaxPerIdentity int
	OutboxSize     int
	IdleTimeout    time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxSessions:    10000,
		MaxPerIdentity: 16,
		OutboxSize:     DefaultOutboxSize,
		IdleTimeout:    60 * time.Second,
	}
}

// CloseHook runs synchronously after a session is closed and before Close
// returns. subscriptions holds the channels the session was subscribed to.
type CloseHook func(s *Session, reason Reason, subscriptions []string)

// Stats is a manager snapshot.
type Stats struct {
	Open     int          `json:"open"`
	ByKind   map[Kind]int `json:"byKind"`
	Dropped  uint64       `json:"dropped"`
	Draining bool         `json:"draining"`
}

// Manager owns session lifecycles.
type Manager struct {
	cfg      Config
	verifier auth.Verifier
	log      *slog.Logger
	now      func() time.Time
	hooks    []CloseHook

	mu          sync.Mutex
	sessions    map[string]*Session
	perIdentity map[string]int
	draining    bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithClock overrides the time source used for heartbeats.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithCloseHook registers fn to run on every close.
func WithCloseHook(fn CloseHook) Option {
	return func(m *Manager) { m.hooks = append(m.hooks, fn) }
}

// NewManager creates a Manager. A nil verifier rejects every token while
// still admitting anonymous sessions.
func NewManager(cfg Config, verifier auth.Verifier, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = def.MaxSessions
	}
	if cfg.MaxPerIdentity <= 0 {
		cfg.MaxPerIdentity = def.MaxPerIdentity
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = def.OutboxSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if verifier == nil {
		verifier = auth.Deny
	}
	m := &Manager{
		cfg:         cfg,
		verifier:    verifier,
		log:         slog.Default(),
		now:         time.Now,
		sessions:    make(map[string]*Session),
		perIdentity: make(map[string]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// IdleTimeout is the heartbeat deadline applied to sessions.
func (m *Manager) IdleTimeout() time.Duration { return m.cfg.IdleTimeout }

// Authenticate resolves token to an identity. An empty token is anonymous.
func (m *Manager) Authenticate(ctx context.Context, token string) (auth.Identity, error) {
	if token == "" {
		return auth.Anonymous, nil
	}
	return m.verifier.Verify(ctx, token)
}

// Open authenticates token and creates a session.
func (m *Manager) Open(ctx context.Context, kind Kind, token string) (*Session, error) {
	id, err := m.Authenticate(ctx, token)
	if err != nil {
		m.log.InfoContext(ctx, "session.open.auth_fail", slog.String("kind", string(kind)), slog.String("err", err.Error()))
		return nil, err
	}
	return m.OpenIdentity(ctx, kind, id)
}

// OpenIdentity creates a session for an already verified identity.
func (m *Manager) OpenIdentity(ctx context.Context, kind Kind, id auth.Identity) (*Session, error) {
	m.mu.Lock()
	switch {
	case m.draining:
		m.mu.Unlock()
		return nil, frame.Errorf(frame.CodeOverloaded, "server is draining")
	case len(m.sessions) >= m.cfg.MaxSessions:
		m.mu.Unlock()
		m.log.WarnContext(ctx, "session.open.overloaded", slog.Int("max", m.cfg.MaxSessions))
		return nil, frame.Errorf(frame.CodeOverloaded, "session limit reached")
	case !id.IsAnonymous() && m.perIdentity[id.UserID] >= m.cfg.MaxPerIdentity:
		m.mu.Unlock()
		m.log.WarnContext(ctx, "session.open.identity_limit", slog.String("user_id", id.UserID))
		return nil, frame.Errorf(frame.CodeOverloaded, "too many sessions for this identity")
	}
	s := newSession(uuid.NewString(), kind, id, m.cfg.OutboxSize, m.now())
	m.sessions[s.id] = s
	if !id.IsAnonymous() {
		m.perIdentity[id.UserID]++
	}
	m.mu.Unlock()

	m.log.DebugContext(ctx, "session.open.ok",
		slog.String("session_id", s.id),
		slog.String("kind", string(kind)),
		slog.String("tier", id.Tier.String()),
	)
	return s, nil
}

// Get returns the live session with id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Touch records inbound activity on a session.
func (m *Manager) Touch(id string) error {
	s, ok := m.Get(id)
	if !ok {
		return frame.Errorf(frame.CodeNotFound, "session %s not found", id)
	}
	s.touch(m.now())
	return nil
}

// Upgrade re-authenticates a session with token. A session bound to a user
// may not switch to a different user.
func (m *Manager) Upgrade(ctx context.Context, id, token string) (auth.Identity, error) {
	s, ok := m.Get(id)
	if !ok {
		return auth.Identity{}, frame.Errorf(frame.CodeNotFound, "session %s not found", id)
	}
	next, err := m.Authenticate(ctx, token)
	if err != nil {
		return auth.Identity{}, err
	}

	// Verification may block; the session can close or upgrade meanwhile.
	m.mu.Lock()
	if cur, ok := m.sessions[id]; !ok || cur != s {
		m.mu.Unlock()
		return auth.Identity{}, frame.Errorf(frame.CodeNotFound, "session %s not found", id)
	}
	prev := s.Identity()
	if next == prev {
		m.mu.Unlock()
		return next, nil
	}
	if !prev.IsAnonymous() && next.UserID != prev.UserID {
		m.mu.Unlock()
		return auth.Identity{}, frame.Errorf(frame.CodeAuthFailed, "token belongs to a different identity")
	}
	if prev.IsAnonymous() && !next.IsAnonymous() {
		if m.perIdentity[next.UserID] >= m.cfg.MaxPerIdentity {
			m.mu.Unlock()
			return auth.Identity{}, frame.Errorf(frame.CodeOverloaded, "too many sessions for this identity")
		}
		m.perIdentity[next.UserID]++
	}
	s.setIdentity(next)
	m.mu.Unlock()

	m.log.InfoContext(ctx, "session.upgrade",
		slog.String("session_id", id),
		slog.String("from", prev.Tier.String()),
		slog.String("to", next.Tier.String()),
	)
	return next, nil
}

// Close ends a session. It is idempotent and reports whether this call
// closed it. Close hooks have run by the time it returns.
func (m *Manager) Close(id string, reason Reason) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
		if uid := s.Identity().UserID; uid != "" {
			if m.perIdentity[uid]--; m.perIdentity[uid] <= 0 {
				delete(m.perIdentity, uid)
			}
		}
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	subs, closed := s.close(reason)
	if !closed {
		return false
	}
	for _, hook := range m.hooks {
		hook(s, reason, subs)
	}
	m.log.Debug("session.close",
		slog.String("session_id", id),
		slog.String("reason", string(reason)),
		slog.Uint64("dropped", s.Dropped()),
	)
	return true
}

// Revoke closes a session on administrator request.
func (m *Manager) Revoke(id string) bool { return m.Close(id, ReasonRevoked) }

// RevokeUser closes every session belonging to userID.
func (m *Manager) RevokeUser(userID string) int {
	n := 0
	for _, s := range m.List() {
		if s.Identity().UserID == userID && m.Revoke(s.id) {
			n++
		}
	}
	return n
}

// List returns the live sessions ordered by creation time.
func (m *Manager) List() []*Session {
	m.mu.Lock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].createdAt.Before(out[j].createdAt) })
	return out
}

// Stats returns manager counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{Open: len(m.sessions), ByKind: make(map[Kind]int), Draining: m.draining}
	for _, s := range m.sessions {
		st.ByKind[s.kind]++
		st.Dropped += s.Dropped()
	}
	return st
}

// Reap closes every session whose last activity is older than the idle
// timeout and returns their ids.
func (m *Manager) Reap() []string {
	cutoff := m.now().Add(-m.cfg.IdleTimeout)
	var expired []string
	for _, s := range m.List() {
		if !s.LastSeen().After(cutoff) && m.Close(s.id, ReasonHeartbeatExpired) {
			expired = append(expired, s.id)
		}
	}
	return expired
}

// Run reaps expired sessions every quarter of the idle timeout until ctx is
// done.
func (m *Manager) Run(ctx context.Context) error {
	t := time.NewTicker(max(m.cfg.IdleTimeout/4, 10*time.Millisecond))
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if ids := m.Reap(); len(ids) > 0 {
				m.log.InfoContext(ctx, "session.heartbeat.expired", slog.Int("count", len(ids)))
			}
		}
	}
}

// Drain stops admitting sessions, closes idle ones immediately and lets the
// rest finish their in-flight work until ctx is done. Whatever remains is
// then closed, which cancels its outstanding work.
func (m *Manager) Drain(ctx context.Context) error {
	m.mu.Lock()
	m.draining = true
	m.mu.Unlock()

	live := m.List()
	m.log.InfoContext(ctx, "session.drain.start", slog.Int("sessions", len(live)))

	var wg sync.WaitGroup
	for _, s := range live {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.waitIdle(ctx) == nil {
				m.Close(s.id, ReasonDrain)
			}
		}()
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = frame.FromContext(ctx.Err())
	}
	for _, s := range m.List() {
		m.Close(s.id, ReasonDrain)
	}
	m.log.InfoContext(ctx, "session.drain.done")
	return err
}

// Draining reports whether Drain has been called.
func (m *Manager) Draining() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.draining
}
