package sessions

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/sportstream-go/auth"
	"github.com/ggoodman/sportstream-go/frame"
)

// Kind is the transport a session was opened on.
type Kind string

const (
	KindSSE       Kind = "sse"
	KindWebSocket Kind = "websocket"
)

// Reason explains why a session ended. It is the cause attached to the
// session context.
type Reason string

const (
	ReasonClientClosed     Reason = "client_closed"
	ReasonHeartbeatExpired Reason = "heartbeat_expired"
	ReasonRevoked          Reason = "revoked"
	ReasonDrain            Reason = "drain"
	ReasonPolicyViolation  Reason = "policy_violation"
	ReasonError            Reason = "error"
)

func (r Reason) Error() string { return "session closed: " + string(r) }

// Code maps the reason onto the error taxonomy. A clean close has no code.
func (r Reason) Code() frame.Code {
	switch r {
	case ReasonHeartbeatExpired:
		return frame.CodeHeartbeatExpired
	case ReasonRevoked:
		return frame.CodeAuthFailed
	case ReasonPolicyViolation:
		return frame.CodePolicyViolation
	case ReasonError:
		return frame.CodeInternal
	}
	return ""
}

// CloseCode is the WebSocket close code sent for r.
func (r Reason) CloseCode() int {
	if r == ReasonDrain {
		return frame.CloseGoingAway
	}
	return frame.CloseCode(r.Code())
}

// Session is the server-side state of one live client transport. It is safe
// for concurrent use.
type Session struct {
	id        string
	kind      Kind
	createdAt time.Time
	outbox    *Outbox
	lastSeen  atomic.Int64
	// identity is read by the channel registry while mu is held.
	identity atomic.Pointer[auth.Identity]

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu       sync.Mutex
	subs     map[string]time.Time
	closed   bool
	reason   Reason
	inflight int
	idle     chan struct{}
}

func newSession(id string, kind Kind, identity auth.Identity, outboxSize int, now time.Time) *Session {
	ctx, cancel := context.WithCancelCause(context.Background())
	s := &Session{
		id:        id,
		kind:      kind,
		createdAt: now,
		outbox:    NewOutbox(outboxSize),
		ctx:       ctx,
		cancel:    cancel,
		subs:      make(map[string]time.Time),
	}
	s.identity.Store(&identity)
	s.lastSeen.Store(now.UnixNano())
	return s
}

func (s *Session) ID() string { return s.id }

// SessionID is ID under the name the channel registry expects.
func (s *Session) SessionID() string { return s.id }
func (s *Session) Kind() Kind { return s.kind }
func (s *Session) CreatedAt() time.Time { return s.createdAt }

func (s *Session) Identity() auth.Identity { return *s.identity.Load() }

func (s *Session) setIdentity(id auth.Identity) { s.identity.Store(&id) }

func (s *Session) Tier() auth.Tier { return s.Identity().Tier }

// LastSeen is the time of the last inbound frame or heartbeat.
func (s *Session) LastSeen() time.Time { return time.Unix(0, s.lastSeen.Load()) }

func (s *Session) touch(now time.Time) { s.lastSeen.Store(now.UnixNano()) }

// Enqueue places f on the outbox without blocking.
func (s *Session) Enqueue(f *frame.Frame) bool { return s.outbox.Push(f) }

func (s *Session) Outbox() *Outbox { return s.outbox }
func (s *Session) Dropped() uint64 { return s.outbox.Dropped() }

// Context is cancelled when the session closes; its cause is the Reason.
func (s *Session) Context() context.Context { return s.ctx }
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// Reason returns why the session closed, or "" while it is open.
func (s *Session) Reason() Reason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Subscriptions returns the subscribed channel names in sorted order.
func (s *Session) Subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.subs))
	for name := range s.subs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (s *Session) Subscribed(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[channel]
	return ok
}

// AddSubscription runs join and records channel in the subscription set as a
// single step with respect to close, so a closed session never gains a
// membership. A repeated subscription calls join again and keeps the
// original subscribed-at time.
func (s *Session) AddSubscription(channel string, limit int, now time.Time, join func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return frame.Errorf(frame.CodeNotFound, "session %s is closed", s.id)
	}
	_, already := s.subs[channel]
	if !already && limit > 0 && len(s.subs) >= limit {
		return frame.Errorf(frame.CodeOverloaded, "subscription limit of %d reached", limit)
	}
	if err := join(); err != nil {
		return err
	}
	if !already {
		s.subs[channel] = now
	}
	return nil
}

// RemoveSubscription runs leave and drops channel from the subscription set.
func (s *Session) RemoveSubscription(channel string, leave func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[channel]
	leave()
	delete(s.subs, channel)
	return ok
}

// BeginWork registers an in-flight operation. The returned func must be
// called exactly once when the work ends.
func (s *Session) BeginWork() (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, frame.Errorf(frame.CodeNotFound, "session %s is closed", s.id)
	}
	s.inflight++
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.inflight--
			if s.inflight == 0 && s.idle != nil {
				close(s.idle)
				s.idle = nil
			}
			s.mu.Unlock()
		})
	}, nil
}

// InFlight returns the number of registered operations.
func (s *Session) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight
}

func (s *Session) waitIdle(ctx context.Context) error {
	s.mu.Lock()
	if s.inflight == 0 {
		s.mu.Unlock()
		return nil
	}
	if s.idle == nil {
		s.idle = make(chan struct{})
	}
	ch := s.idle
	s.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close marks the session closed and returns the channels it was subscribed
// to. It reports false if the session was already closed.
func (s *Session) close(reason Reason) ([]string, bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, false
	}
	s.closed = true
	s.reason = reason
	subs := make([]string, 0, len(s.subs))
	for name := range s.subs {
		subs = append(subs, name)
	}
	s.subs = make(map[string]time.Time)
	s.mu.Unlock()
	s.cancel(reason)
	return subs, true
}

// Info is an administrative view of a session.
type Info struct {
	ID            string    `json:"id"`
	Kind          Kind      `json:"kind"`
	UserID        string    `json:"userId,omitempty"`
	Tier          auth.Tier `json:"tier"`
	Subscriptions []string  `json:"subscriptions"`
	Queued        int       `json:"queued"`
	Dropped       uint64    `json:"dropped"`
	CreatedAt     time.Time `json:"createdAt"`
	LastSeen      time.Time `json:"lastSeen"`
}

func (s *Session) Info() Info {
	id := s.Identity()
	return Info{
		ID:            s.id,
		Kind:          s.kind,
		UserID:        id.UserID,
		Tier:          id.Tier,
		Subscriptions: s.Subscriptions(),
		Queued:        s.outbox.Len(),
		Dropped:       s.outbox.Dropped(),
		CreatedAt:     s.createdAt,
		LastSeen:      s.LastSeen(),
	}
}
