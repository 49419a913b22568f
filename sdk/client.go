package sdk

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"maps"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/sportstream-go/frame"
	"github.com/ggoodman/sportstream-go/sessions"
	"github.com/google/uuid"
)

// State is a client connection state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
	StateReconnecting
	StateFailed
)

var stateNames = [...]string{"idle", "connecting", "open", "closing", "closed", "reconnecting", "failed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

var (
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("sdk: client closed")
	// ErrFailed is returned once reconnect attempts are exhausted.
	ErrFailed = errors.New("sdk: reconnect attempts exhausted")
	// ErrAlreadyStarted is returned by a second Connect.
	ErrAlreadyStarted = errors.New("sdk: already connected")

	errDeadConnection = errors.New("sdk: no server traffic within two heartbeats")
)

// Config holds the client settings.
type Config struct {
	URL   string
	Token string
	// BaseDelay and MaxDelay bound the reconnect backoff.
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	// Heartbeat is the ping interval. A connection without server traffic
	// for twice this long is treated as dead.
	Heartbeat        time.Duration
	HandshakeTimeout time.Duration
	// QueueSize bounds frames held while the connection is not open.
	QueueSize   int
	EventBuffer int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		BaseDelay:        time.Second,
		MaxDelay:         30 * time.Second,
		MaxAttempts:      5,
		Heartbeat:        30 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		QueueSize:        1024,
		EventBuffer:      256,
	}
}

// Option configures a Client.
type Option func(*Client)

// WithDialer replaces the WebSocket dialer.
func WithDialer(d Dialer) Option { return func(c *Client) { c.dialer = d } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithJitter overrides the jitter source used for backoff.
func WithJitter(fn func() float64) Option { return func(c *Client) { c.jitter = fn } }

type call struct {
	f  *frame.Frame
	ch chan *frame.Frame
}

// Client keeps a gateway session alive across disconnects. Subscriptions
// and outstanding queries are replayed on every reconnect. It is safe for
// concurrent use.
type Client struct {
	cfg    Config
	dialer Dialer
	log    *slog.Logger
	jitter func() float64

	events  chan *frame.Frame
	queue   *sessions.Outbox
	stop    chan struct{}
	done    chan struct{}
	opened  chan struct{}
	openedO sync.Once

	lastSeen      atomic.Int64
	droppedEvents atomic.Uint64

	mu        sync.Mutex
	state     State
	started   bool
	closing   bool
	err       error
	subs      map[string]struct{}
	pending   map[string]*call
	listeners []func(from, to State)
	sessionID string
	tier      string
}

// New creates an idle client.
func New(cfg Config, opts ...Option) *Client {
	def := DefaultConfig()
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = def.Heartbeat
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}
	c := &Client{
		cfg:     cfg,
		dialer:  WebSocketDialer{},
		log:     slog.Default(),
		jitter:  rand.Float64,
		events:  make(chan *frame.Frame, cfg.EventBuffer),
		queue:   sessions.NewOutbox(cfg.QueueSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		opened:  make(chan struct{}),
		subs:    make(map[string]struct{}),
		pending: make(map[string]*call),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns the id and tier from the last welcome.
func (c *Client) Session() (id, tier string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID, c.tier
}

// Err returns why the client stopped, or nil while it is running.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// OnStateChange registers fn to run after every transition. fn runs on the
// client's goroutine and must not block.
func (c *Client) OnStateChange(fn func(from, to State)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// Events delivers channel events and unsolicited errors. It is closed when
// the client stops. When the buffer is full the oldest event is dropped.
func (c *Client) Events() <-chan *frame.Frame { return c.events }

// DroppedEvents counts events discarded because Events was not drained.
func (c *Client) DroppedEvents() uint64 { return c.droppedEvents.Load() }

// Connect starts the connection loop and waits until the first session is
// open, the client stops, or ctx is done. The loop keeps running in the
// background after Connect returns.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.closing:
		c.mu.Unlock()
		return ErrClosed
	case c.started:
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.mu.Unlock()

	go c.run()

	select {
	case <-c.opened:
		if err := c.Err(); err != nil {
			return err
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the client. Outstanding queries fail with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		<-c.done
		return nil
	}
	c.closing = true
	started, stopped := c.started, c.err != nil
	c.mu.Unlock()

	if stopped {
		if started {
			<-c.done
		}
		return nil
	}

	if !started {
		close(c.done)
		c.finish(StateClosed, ErrClosed)
		return nil
	}
	c.setState(StateClosing)
	close(c.stop)
	<-c.done
	return nil
}

// Subscribe adds channel to the subscription set. The subscribe frame is
// sent now if the connection is open and on every reconnect.
func (c *Client) Subscribe(channel string) error {
	if channel == "" {
		return frame.Errorf(frame.CodeInvalidFrame, "channel is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing || c.err != nil {
		return ErrClosed
	}
	c.subs[channel] = struct{}{}
	if c.state == StateOpen {
		c.queue.Push(&frame.Frame{Type: frame.TypeSubscribe, CorrelationID: uuid.NewString(), Channel: channel})
	}
	return nil
}

// Unsubscribe removes channel from the subscription set.
func (c *Client) Unsubscribe(channel string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing || c.err != nil {
		return ErrClosed
	}
	if _, ok := c.subs[channel]; !ok {
		return nil
	}
	delete(c.subs, channel)
	if c.state == StateOpen {
		c.queue.Push(&frame.Frame{Type: frame.TypeUnsubscribe, CorrelationID: uuid.NewString(), Channel: channel})
	}
	return nil
}

// Subscriptions returns the subscription set in sorted order.
func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for name := range c.subs {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Send queues f for delivery. Frames queued while disconnected are flushed
// when the next session opens; the oldest are dropped past QueueSize.
func (c *Client) Send(f *frame.Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing || c.err != nil {
		return ErrClosed
	}
	c.queue.Push(f)
	return nil
}

// Query runs a read on the gateway and waits for its result. The query is
// re-sent with the same correlation id if the connection drops first.
func (c *Client) Query(ctx context.Context, path string, params map[string]string) (frame.QueryResult, error) {
	b, err := json.Marshal(frame.QueryPayload{Method: "GET", Path: path, Query: params})
	if err != nil {
		return frame.QueryResult{}, err
	}
	cl := &call{
		f:  &frame.Frame{Type: frame.TypeQuery, CorrelationID: uuid.NewString(), Payload: b},
		ch: make(chan *frame.Frame, 1),
	}

	c.mu.Lock()
	if c.closing || c.err != nil {
		c.mu.Unlock()
		return frame.QueryResult{}, ErrClosed
	}
	c.pending[cl.f.CorrelationID] = cl
	if c.state == StateOpen {
		c.queue.Push(cl.f)
	}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, cl.f.CorrelationID)
		c.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return frame.QueryResult{}, frame.FromContext(ctx.Err())
	case reply, ok := <-cl.ch:
		if !ok {
			if err := c.Err(); err != nil {
				return frame.QueryResult{}, err
			}
			return frame.QueryResult{}, ErrClosed
		}
		if reply.Type == frame.TypeError {
			return frame.QueryResult{}, payloadError(reply.Payload)
		}
		var res frame.QueryResult
		if err := json.Unmarshal(reply.Payload, &res); err != nil {
			return frame.QueryResult{}, frame.Errorf(frame.CodeInvalidFrame, "invalid query result: %v", err)
		}
		return res, nil
	}
}

func payloadError(raw json.RawMessage) error {
	var p frame.ErrorPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.Code == "" {
		return frame.Errorf(frame.CodeInternal, "unreadable error frame")
	}
	return frame.Errorf(p.Code, "%s", p.Message)
}

func (c *Client) setState(to State) {
	c.mu.Lock()
	from := c.state
	if from == to {
		c.mu.Unlock()
		return
	}
	c.state = to
	ls := slices.Clone(c.listeners)
	c.mu.Unlock()
	c.notify(ls, from, to)
}

func (c *Client) notify(ls []func(from, to State), from, to State) {
	c.log.Debug("sdk.state", slog.String("from", from.String()), slog.String("to", to.String()))
	for _, fn := range ls {
		fn(from, to)
	}
}

// finish moves to a terminal state and releases every waiter.
func (c *Client) finish(to State, err error) {
	c.mu.Lock()
	from := c.state
	c.state = to
	c.err = err
	pending := c.pending
	c.pending = make(map[string]*call)
	ls := slices.Clone(c.listeners)
	c.mu.Unlock()

	for _, cl := range pending {
		close(cl.ch)
	}
	close(c.events)
	c.openedO.Do(func() { close(c.opened) })
	if from != to {
		c.notify(ls, from, to)
	}
}

func (c *Client) stopping() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

func (c *Client) run() {
	defer close(c.done)
	attempt := 0
	for {
		c.setState(StateConnecting)
		conn, err := c.handshake()
		if err == nil {
			attempt = 0
			err = c.serve(conn)
		}
		if c.stopping() {
			c.finish(StateClosed, ErrClosed)
			return
		}
		c.setState(StateClosed)
		c.log.Info("sdk.connection.lost", slog.String("err", err.Error()), slog.Int("attempt", attempt))
		if fatal(err) {
			c.finish(StateFailed, err)
			return
		}
		if attempt >= c.cfg.MaxAttempts {
			c.finish(StateFailed, ErrFailed)
			return
		}

		c.setState(StateReconnecting)
		d := Backoff(attempt, c.cfg.BaseDelay, c.cfg.MaxDelay, c.jitter())
		attempt++
		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-c.stop:
			t.Stop()
			c.finish(StateClosed, ErrClosed)
			return
		}
	}
}

// fatal reports whether err means retrying with the same token is pointless.
func fatal(err error) bool {
	var code frame.Code
	var ce *CloseError
	if errors.As(err, &ce) {
		code = frame.CodeFromClose(ce.Code)
	} else if fe, ok := frame.As(err); ok {
		code = fe.Code
	}
	switch code {
	case frame.CodeAuthFailed, frame.CodeTierDenied, frame.CodePolicyViolation:
		return true
	}
	return false
}

// handshake dials and exchanges hello for welcome.
func (c *Client) handshake() (Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout)
	defer cancel()
	go func() {
		select {
		case <-c.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	conn, err := c.dialer.Dial(ctx, c.cfg.URL)
	if err != nil {
		return nil, err
	}
	timer := time.AfterFunc(c.cfg.HandshakeTimeout, func() { conn.Close() })
	defer timer.Stop()
	stop := context.AfterFunc(ctx, func() {
		if c.stopping() {
			conn.Close()
		}
	})
	defer stop()

	hello := &frame.Frame{Type: frame.TypeHello, Token: c.cfg.Token, ProtocolVersion: frame.ProtocolVersion}
	if err := conn.WriteFrame(hello); err != nil {
		conn.Close()
		return nil, err
	}
	reply, err := conn.ReadFrame()
	if err != nil {
		conn.Close()
		return nil, err
	}
	switch reply.Type {
	case frame.TypeWelcome:
	case frame.TypeError:
		conn.Close()
		return nil, payloadError(reply.Payload)
	default:
		conn.Close()
		return nil, frame.Errorf(frame.CodePolicyViolation, "expected welcome, got %s", reply.Type)
	}

	c.mu.Lock()
	c.sessionID, c.tier = reply.SessionID, reply.Tier
	c.mu.Unlock()
	return conn, nil
}

// serve runs one open connection until it ends. It is the only writer on
// conn.
func (c *Client) serve(conn Conn) error {
	c.lastSeen.Store(time.Now().UnixNano())

	c.mu.Lock()
	from := c.state
	c.state = StateOpen
	replay := make([]*frame.Frame, 0, len(c.subs)+len(c.pending))
	for _, name := range slices.Sorted(maps.Keys(c.subs)) {
		replay = append(replay, &frame.Frame{Type: frame.TypeSubscribe, CorrelationID: uuid.NewString(), Channel: name})
	}
	for _, cl := range c.pending {
		replay = append(replay, cl.f)
	}
	ls := slices.Clone(c.listeners)
	c.mu.Unlock()
	c.notify(ls, from, StateOpen)
	c.openedO.Do(func() { close(c.opened) })

	readErr := make(chan error, 1)
	go func() {
		for {
			f, err := conn.ReadFrame()
			if err != nil {
				readErr <- err
				return
			}
			c.lastSeen.Store(time.Now().UnixNano())
			c.dispatch(f)
		}
	}()
	end := func(err error) error {
		conn.Close()
		<-readErr
		return err
	}

	write := func(frames []*frame.Frame) error {
		for _, f := range frames {
			if err := conn.WriteFrame(f); err != nil {
				return err
			}
		}
		return nil
	}
	if err := write(append(replay, c.queue.Drain()...)); err != nil {
		return end(err)
	}

	hb := time.NewTicker(c.cfg.Heartbeat)
	defer hb.Stop()
	for {
		select {
		case err := <-readErr:
			conn.Close()
			return err
		case <-c.stop:
			_ = write(c.queue.Drain())
			return end(ErrClosed)
		case <-c.queue.Wake():
			if err := write(c.queue.Drain()); err != nil {
				return end(err)
			}
		case <-hb.C:
			if time.Since(time.Unix(0, c.lastSeen.Load())) > 2*c.cfg.Heartbeat {
				c.log.Warn("sdk.heartbeat.dead")
				return end(errDeadConnection)
			}
			if err := conn.WriteFrame(&frame.Frame{Type: frame.TypePing, CorrelationID: uuid.NewString()}); err != nil {
				return end(err)
			}
		}
	}
}

func (c *Client) dispatch(f *frame.Frame) {
	switch f.Type {
	case frame.TypePong:
		return
	case frame.TypeAck, frame.TypeError:
		if f.CorrelationID != "" {
			c.mu.Lock()
			cl, ok := c.pending[f.CorrelationID]
			if ok {
				delete(c.pending, f.CorrelationID)
			}
			c.mu.Unlock()
			if ok {
				cl.ch <- f
				return
			}
		}
		if f.Type == frame.TypeAck {
			return
		}
	}
	c.deliver(f)
}

func (c *Client) deliver(f *frame.Frame) {
	for {
		select {
		case c.events <- f:
			return
		default:
		}
		select {
		case <-c.events:
			c.droppedEvents.Add(1)
		default:
		}
	}
}
