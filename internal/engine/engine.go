// Package engine routes inbound frames from a session to the channel
// registry, the query service and the session manager, and fans published
// events out to subscribers locally and across processes.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/sportstream-go/auth"
	"github.com/ggoodman/sportstream-go/channels"
	"github.com/ggoodman/sportstream-go/fanout"
	"github.com/ggoodman/sportstream-go/frame"
	"github.com/ggoodman/sportstream-go/internal/logctx"
	"github.com/ggoodman/sportstream-go/query"
	"github.com/ggoodman/sportstream-go/sessions"
	"github.com/google/uuid"
)

const (
	DefaultMaxSubscriptions = 64
	DefaultQueryTimeout     = 10 * time.Second
)

// Engine is the dispatcher between transports and the gateway components.
// It holds no per-session state of its own.
type Engine struct {
	sessions *sessions.Manager
	registry *channels.Registry
	queries  *query.Service
	bus      fanout.Bus
	log      *slog.Logger
	now      func() time.Time
	id       string // process-unique origin for fan-out

	maxSubscriptions int
	queryTimeout     time.Duration
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets a custom logger for the Engine.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithBus forwards locally published events to other processes and
// republishes theirs. Without a bus channels are process-local.
func WithBus(b fanout.Bus) EngineOption { return func(e *Engine) { e.bus = b } }

// WithMaxSubscriptions caps the channels a single session may join.
func WithMaxSubscriptions(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.maxSubscriptions = n
		}
	}
}

// WithQueryTimeout bounds every query frame.
func WithQueryTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.queryTimeout = d
		}
	}
}

func WithClock(now func() time.Time) EngineOption { return func(e *Engine) { e.now = now } }

func NewEngine(mgr *sessions.Manager, reg *channels.Registry, qs *query.Service, opts ...EngineOption) *Engine {
	e := &Engine{
		sessions:         mgr,
		registry:         reg,
		queries:          qs,
		log:              slog.Default(),
		now:              time.Now,
		id:               uuid.NewString(),
		maxSubscriptions: DefaultMaxSubscriptions,
		queryTimeout:     DefaultQueryTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// ID is the origin stamped on events this process forwards to the bus.
func (e *Engine) ID() string { return e.id }

// Sessions returns the session manager.
func (e *Engine) Sessions() *sessions.Manager { return e.sessions }

// Registry returns the channel registry.
func (e *Engine) Registry() *channels.Registry { return e.registry }

// Queries returns the query service.
func (e *Engine) Queries() *query.Service { return e.queries }

// ScrubOnClose returns a close hook that removes a closed session from
// every channel it belonged to.
func ScrubOnClose(reg *channels.Registry, log *slog.Logger) sessions.CloseHook {
	if log == nil {
		log = slog.Default()
	}
	return func(s *sessions.Session, reason sessions.Reason, subs []string) {
		for _, name := range subs {
			reg.Unsubscribe(s.ID(), name)
		}
		// Catch memberships added concurrently with close.
		if n := reg.Scrub(s.ID()); n > 0 {
			log.Debug("session.scrub.late", slog.String("session_id", s.ID()), slog.Int("channels", n))
		}
	}
}

// SessionContext attaches the session log group to ctx.
func SessionContext(ctx context.Context, s *sessions.Session) context.Context {
	id := s.Identity()
	return logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: s.ID(),
		UserID:    id.UserID,
		Tier:      id.Tier.String(),
		Transport: string(s.Kind()),
	})
}

// HandleFrame processes one inbound frame and returns the reply addressed to
// its correlation id. Event frames produced as a side effect, such as the
// retained events of a subscribe, are enqueued on the session before the
// reply is returned.
func (e *Engine) HandleFrame(ctx context.Context, s *sessions.Session, f *frame.Frame) *frame.Frame {
	_ = e.sessions.Touch(s.ID())
	ctx = logctx.WithFrameData(ctx, &logctx.FrameData{
		Type:          string(f.Type),
		CorrelationID: f.CorrelationID,
		Channel:       f.Channel,
	})

	reply, err := e.dispatch(ctx, s, f)
	if err != nil {
		return e.errorFrame(ctx, err, f.CorrelationID)
	}
	return reply
}

func (e *Engine) dispatch(ctx context.Context, s *sessions.Session, f *frame.Frame) (*frame.Frame, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	switch f.Type {
	case frame.TypePing:
		return frame.Pong(f.CorrelationID), nil
	case frame.TypeSubscribe:
		if err := e.Subscribe(ctx, s, f.Channel); err != nil {
			return nil, err
		}
		return frame.Ack(f.CorrelationID, f.Channel, nil), nil
	case frame.TypeUnsubscribe:
		e.Unsubscribe(s, f.Channel)
		return frame.Ack(f.CorrelationID, f.Channel, nil), nil
	case frame.TypeQuery:
		return e.query(ctx, s, f)
	case frame.TypeAuthenticate:
		return e.authenticate(ctx, s, f)
	case frame.TypeHello:
		return nil, frame.Errorf(frame.CodeInvalidFrame, "session already established")
	}
	return nil, frame.Errorf(frame.CodeInvalidFrame, "%s frames are not accepted from clients", f.Type)
}

func (e *Engine) errorFrame(ctx context.Context, err error, correlationID string) *frame.Frame {
	code := frame.CodeOf(err)
	if code == frame.CodeInternal {
		fe, ok := frame.As(err)
		if !ok || fe.Ref == "" {
			fe = frame.Internal(err)
			err = fe
		}
		e.log.ErrorContext(ctx, "engine.frame.internal", slog.String("ref", fe.Ref), slog.String("err", err.Error()))
	} else {
		e.log.DebugContext(ctx, "engine.frame.fail", slog.String("code", code.String()), slog.String("err", err.Error()))
	}
	return frame.ErrorFrame(err, correlationID)
}

// Subscribe joins s to name. The session's subscription set and the
// channel's membership change together.
func (e *Engine) Subscribe(ctx context.Context, s *sessions.Session, name string) error {
	if !channels.ValidName(name) {
		return frame.Errorf(frame.CodeInvalidFrame, "invalid channel name %q", name)
	}
	return s.AddSubscription(name, e.maxSubscriptions, e.now(), func() error {
		return e.registry.Subscribe(ctx, s, name)
	})
}

// Unsubscribe removes s from name. It is not an error if s was not a member.
func (e *Engine) Unsubscribe(s *sessions.Session, name string) {
	s.RemoveSubscription(name, func() { e.registry.Unsubscribe(s.ID(), name) })
}

func (e *Engine) query(ctx context.Context, s *sessions.Session, f *frame.Frame) (*frame.Frame, error) {
	res, err := e.Query(ctx, s, f)
	if err != nil {
		return nil, err
	}
	return frame.Ack(f.CorrelationID, "", frame.QueryResult{ETag: res.ETag, Data: res.Body}), nil
}

// Query runs a query frame under the session's lifetime and the per-query
// deadline. Closing the session cancels it.
func (e *Engine) Query(ctx context.Context, s *sessions.Session, f *frame.Frame) (query.Result, error) {
	p, err := f.Query()
	if err != nil {
		return query.Result{}, err
	}
	done, err := s.BeginWork()
	if err != nil {
		return query.Result{}, err
	}
	defer done()

	qctx, cancel := context.WithTimeout(ctx, e.queryTimeout)
	defer cancel()
	stop := context.AfterFunc(s.Context(), cancel)
	defer stop()

	res, err := e.queries.Query(qctx, s.Tier(), query.FromPayload(p))
	if err != nil {
		return query.Result{}, frame.FromContext(err)
	}
	return res, nil
}

// AuthResult is the payload of the ack answering an authenticate frame.
type AuthResult struct {
	UserID  string    `json:"userId,omitempty"`
	Tier    auth.Tier `json:"tier"`
	Dropped []string  `json:"dropped,omitempty"`
}

func (e *Engine) authenticate(ctx context.Context, s *sessions.Session, f *frame.Frame) (*frame.Frame, error) {
	token := f.Token
	if token == "" && len(f.Payload) > 0 {
		var p struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return nil, frame.Errorf(frame.CodeInvalidFrame, "invalid authenticate payload: %v", err)
		}
		token = p.Token
	}
	if token == "" {
		return nil, frame.Errorf(frame.CodeAuthFailed, "authenticate requires a token")
	}
	id, err := e.sessions.Upgrade(ctx, s.ID(), token)
	if err != nil {
		return nil, err
	}
	dropped := e.enforceTier(s, id.Tier)
	return frame.Ack(f.CorrelationID, "", AuthResult{UserID: id.UserID, Tier: id.Tier, Dropped: dropped}), nil
}

// enforceTier removes subscriptions the session's tier no longer admits.
func (e *Engine) enforceTier(s *sessions.Session, tier auth.Tier) []string {
	var dropped []string
	for _, name := range s.Subscriptions() {
		need, err := e.registry.MinTier(name)
		if err != nil || tier.AtLeast(need) {
			continue
		}
		e.Unsubscribe(s, name)
		dropped = append(dropped, name)
	}
	return dropped
}

// Publish sends payload to every local subscriber of channel and forwards it
// to the bus. It implements sportsdata.Publisher.
func (e *Engine) Publish(ctx context.Context, channel string, payload any) error {
	_, err := e.PublishWith(ctx, channel, payload, channels.PublishOptions{Publisher: e.id, Privileged: true})
	return err
}

// PublishWith publishes with explicit options and reports the number of local
// subscribers reached.
func (e *Engine) PublishWith(ctx context.Context, channel string, payload any, opts channels.PublishOptions) (int, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return 0, err
	}
	n, err := e.registry.Publish(ctx, channel, raw, opts)
	if err != nil {
		return 0, err
	}
	if e.bus != nil {
		msg := fanout.Message{
			Origin:      e.id,
			Channel:     channel,
			Type:        string(frame.TypeEvent),
			Payload:     raw,
			PublishedAt: e.now().UTC(),
		}
		if err := e.bus.Publish(ctx, msg); err != nil {
			e.log.WarnContext(ctx, "fanout.publish.fail", slog.String("channel", channel), slog.String("err", err.Error()))
		}
	}
	return n, nil
}

// Active lists channels under prefix with at least one local subscriber.
func (e *Engine) Active(prefix string) []string { return e.registry.Active(prefix) }

func encodePayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, frame.Errorf(frame.CodeInvalidFrame, "payload is not valid JSON")
		}
		return p, nil
	case []byte:
		return encodePayload(json.RawMessage(p))
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}

// Run republishes events from other processes until ctx is done. Without a
// bus it only waits.
func (e *Engine) Run(ctx context.Context) error {
	if e.bus == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	return e.bus.Subscribe(ctx, func(ctx context.Context, m fanout.Message) error {
		if m.Origin == e.id {
			return nil
		}
		_, err := e.registry.Publish(ctx, m.Channel, m.Payload, channels.PublishOptions{Publisher: "fanout:" + m.Origin, Privileged: true})
		if err != nil {
			e.log.WarnContext(ctx, "fanout.republish.fail", slog.String("channel", m.Channel), slog.String("origin", m.Origin), slog.String("err", err.Error()))
		}
		return nil
	})
}
