package engine

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/sportstream-go/auth"
	"github.com/ggoodman/sportstream-go/cache"
	"github.com/ggoodman/sportstream-go/channels"
	"github.com/ggoodman/sportstream-go/fanout"
	"github.com/ggoodman/sportstream-go/frame"
	"github.com/ggoodman/sportstream-go/query"
	"github.com/ggoodman/sportstream-go/sessions"
)

// tokenVerifier accepts tokens of the form "user:tier".
var tokenVerifier = auth.VerifierFunc(func(ctx context.Context, tok string) (auth.Identity, error) {
	user, tier, ok := strings.Cut(tok, ":")
	t, err := auth.ParseTier(tier)
	if !ok || user == "" || err != nil {
		return auth.Identity{}, frame.Errorf(frame.CodeAuthFailed, "bad token")
	}
	return auth.Identity{UserID: user, Tier: t}, nil
})

func newEngine(t *testing.T, opts ...EngineOption) *Engine {
	t.Helper()
	reg := channels.New(channels.DefaultConfig())
	mgr := sessions.NewManager(sessions.DefaultConfig(), tokenVerifier, sessions.WithCloseHook(ScrubOnClose(reg, nil)))
	c, err := cache.New(64)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	qs := query.NewService(c)
	qs.Handle("/api/echo/{word}", time.Minute, auth.TierAnonymous, func(ctx context.Context, p query.Params) (any, error) {
		return map[string]string{"word": p.Get("word")}, nil
	})
	qs.Handle("/api/slow", 0, auth.TierAnonymous, func(ctx context.Context, p query.Params) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	return NewEngine(mgr, reg, qs, opts...)
}

func open(t *testing.T, e *Engine, token string) *sessions.Session {
	t.Helper()
	s, err := e.Sessions().Open(context.Background(), sessions.KindWebSocket, token)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s
}

func errorCode(t *testing.T, f *frame.Frame) frame.Code {
	t.Helper()
	if f.Type != frame.TypeError {
		return ""
	}
	var p frame.ErrorPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	return p.Code
}

func TestHandleFrame_Basics(t *testing.T) {
	e := newEngine(t)
	s := open(t, e, "")
	ctx := context.Background()

	tests := []struct {
		name     string
		in       *frame.Frame
		wantType frame.Type
		wantCode frame.Code
	}{
		{"ping", &frame.Frame{Type: frame.TypePing, CorrelationID: "p1"}, frame.TypePong, ""},
		{"subscribe", &frame.Frame{Type: frame.TypeSubscribe, CorrelationID: "s1", Channel: "pressure.g1"}, frame.TypeAck, ""},
		{"unsubscribe unknown", &frame.Frame{Type: frame.TypeUnsubscribe, CorrelationID: "u1", Channel: "pressure.g2"}, frame.TypeAck, ""},
		{"invalid channel", &frame.Frame{Type: frame.TypeSubscribe, CorrelationID: "s2", Channel: "nodots"}, frame.TypeError, frame.CodeInvalidFrame},
		{"unknown family", &frame.Frame{Type: frame.TypeSubscribe, CorrelationID: "s3", Channel: "weather.austin"}, frame.TypeError, frame.CodeNotFound},
		{"tier gate", &frame.Frame{Type: frame.TypeSubscribe, CorrelationID: "s4", Channel: "game.nfl.g1"}, frame.TypeError, frame.CodeTierDenied},
		{"server frame", &frame.Frame{Type: frame.TypeEvent, CorrelationID: "e1"}, frame.TypeError, frame.CodeInvalidFrame},
		{"second hello", &frame.Frame{Type: frame.TypeHello, CorrelationID: "h1"}, frame.TypeError, frame.CodeInvalidFrame},
		{"missing channel", &frame.Frame{Type: frame.TypeSubscribe, CorrelationID: "s5"}, frame.TypeError, frame.CodeInvalidFrame},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := e.HandleFrame(ctx, s, tt.in)
			if reply.Type != tt.wantType {
				t.Fatalf("want %s got %s (%s)", tt.wantType, reply.Type, reply.Payload)
			}
			if reply.CorrelationID != tt.in.CorrelationID {
				t.Fatalf("want correlation id %q got %q", tt.in.CorrelationID, reply.CorrelationID)
			}
			if got := errorCode(t, reply); got != tt.wantCode {
				t.Fatalf("want code %q got %q", tt.wantCode, got)
			}
		})
	}
	if want, got := []string{"pressure.g1"}, s.Subscriptions(); len(got) != 1 || got[0] != want[0] {
		t.Fatalf("want subscriptions %v got %v", want, got)
	}
}

func TestSubscribe_ReceivesPublishedEvents(t *testing.T) {
	e := newEngine(t)
	s := open(t, e, "")
	ctx := context.Background()

	if err := e.Publish(ctx, "pressure.g1", map[string]int{"n": 1}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if reply := e.HandleFrame(ctx, s, &frame.Frame{Type: frame.TypeSubscribe, Channel: "pressure.g1"}); reply.Type != frame.TypeAck {
		t.Fatalf("subscribe failed: %s", reply.Payload)
	}
	if err := e.Publish(ctx, "pressure.g1", map[string]int{"n": 2}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := s.Outbox().Drain()
	if want := 2; len(got) != want {
		t.Fatalf("want %d events got %d", want, len(got))
	}
	for i, f := range got {
		if f.Type != frame.TypeEvent || f.Seq != uint64(i+1) {
			t.Fatalf("event %d: unexpected frame %+v", i, f)
		}
	}
	if want, got := []string{"pressure.g1"}, e.Active("pressure."); len(got) != 1 || got[0] != want[0] {
		t.Fatalf("want active %v got %v", want, got)
	}
}

func TestSubscribe_Limit(t *testing.T) {
	e := newEngine(t, WithMaxSubscriptions(1))
	s := open(t, e, "")
	ctx := context.Background()

	e.HandleFrame(ctx, s, &frame.Frame{Type: frame.TypeSubscribe, Channel: "pressure.a"})
	reply := e.HandleFrame(ctx, s, &frame.Frame{Type: frame.TypeSubscribe, Channel: "pressure.b"})
	if want, got := frame.CodeOverloaded, errorCode(t, reply); want != got {
		t.Fatalf("want %s got %s", want, got)
	}
	// Re-subscribing to a channel already held does not count against the cap.
	if reply := e.HandleFrame(ctx, s, &frame.Frame{Type: frame.TypeSubscribe, Channel: "pressure.a"}); reply.Type != frame.TypeAck {
		t.Fatalf("idempotent subscribe failed: %s", reply.Payload)
	}
	if want, got := 1, len(e.Registry().Members("pressure.a")); want != got {
		t.Fatalf("want %d member got %d", want, got)
	}
}

func TestUnsubscribe_LeavesNoTrace(t *testing.T) {
	e := newEngine(t)
	s := open(t, e, "")
	ctx := context.Background()

	if reply := e.HandleFrame(ctx, s, &frame.Frame{Type: frame.TypeSubscribe, CorrelationID: "s1", Channel: "pressure.g1"}); reply.Type != frame.TypeAck {
		t.Fatalf("subscribe failed: %s", reply.Payload)
	}
	if err := e.Publish(ctx, "pressure.g1", map[string]int{"n": 1}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if reply := e.HandleFrame(ctx, s, &frame.Frame{Type: frame.TypeUnsubscribe, CorrelationID: "u1", Channel: "pressure.g1"}); reply.Type != frame.TypeAck {
		t.Fatalf("unsubscribe failed: %s", reply.Payload)
	}
	if want, got := 1, len(s.Outbox().Drain()); want != got {
		t.Fatalf("want %d event before unsubscribe got %d", want, got)
	}

	if got := e.Registry().Members("pressure.g1"); len(got) != 0 {
		t.Fatalf("session still a member: %v", got)
	}
	if got := s.Subscriptions(); len(got) != 0 {
		t.Fatalf("channel still in session subscriptions: %v", got)
	}
	if got := e.Active("pressure."); len(got) != 0 {
		t.Fatalf("channel still active: %v", got)
	}

	if err := e.Publish(ctx, "pressure.g1", map[string]int{"n": 2}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := s.Outbox().Drain(); len(got) != 0 {
		t.Fatalf("want no events after unsubscribe got %d", len(got))
	}
}

func TestQuery(t *testing.T) {
	e := newEngine(t, WithQueryTimeout(50*time.Millisecond))
	s := open(t, e, "")
	ctx := context.Background()

	payload, _ := json.Marshal(frame.QueryPayload{Path: "/api/echo/hello"})
	reply := e.HandleFrame(ctx, s, &frame.Frame{Type: frame.TypeQuery, CorrelationID: "q1", Payload: payload})
	if reply.Type != frame.TypeAck || reply.CorrelationID != "q1" {
		t.Fatalf("unexpected reply %+v", reply)
	}
	var res frame.QueryResult
	if err := json.Unmarshal(reply.Payload, &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if want, got := `{"word":"hello"}`, string(res.Data); want != got {
		t.Fatalf("want %s got %s", want, got)
	}
	if res.ETag == "" {
		t.Fatalf("want etag")
	}

	payload, _ = json.Marshal(frame.QueryPayload{Path: "/api/slow"})
	reply = e.HandleFrame(ctx, s, &frame.Frame{Type: frame.TypeQuery, CorrelationID: "q2", Payload: payload})
	if want, got := frame.CodeTimeout, errorCode(t, reply); want != got {
		t.Fatalf("want %s got %s", want, got)
	}
	if n := s.InFlight(); n != 0 {
		t.Fatalf("want no in-flight work got %d", n)
	}
}

func TestQuery_CancelledOnClose(t *testing.T) {
	e := newEngine(t, WithQueryTimeout(5*time.Second))
	s := open(t, e, "")
	payload, _ := json.Marshal(frame.QueryPayload{Path: "/api/slow"})

	done := make(chan *frame.Frame, 1)
	go func() {
		done <- e.HandleFrame(context.Background(), s, &frame.Frame{Type: frame.TypeQuery, CorrelationID: "q", Payload: payload})
	}()
	deadline := time.Now().Add(time.Second)
	for s.InFlight() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	e.Sessions().Close(s.ID(), sessions.ReasonClientClosed)

	select {
	case reply := <-done:
		if want, got := frame.CodeTimeout, errorCode(t, reply); want != got {
			t.Fatalf("want %s got %s", want, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("query not cancelled by session close")
	}
}

func TestAuthenticate_UpgradeAndDowngrade(t *testing.T) {
	e := newEngine(t)
	s := open(t, e, "")
	ctx := context.Background()

	reply := e.HandleFrame(ctx, s, &frame.Frame{Type: frame.TypeAuthenticate, CorrelationID: "a1", Token: "u1:professional"})
	if reply.Type != frame.TypeAck {
		t.Fatalf("authenticate failed: %s", reply.Payload)
	}
	if want, got := auth.TierProfessional, s.Tier(); want != got {
		t.Fatalf("want tier %s got %s", want, got)
	}
	for _, ch := range []string{"insights.nfl.g1", "game.nfl.g1"} {
		if reply := e.HandleFrame(ctx, s, &frame.Frame{Type: frame.TypeSubscribe, Channel: ch}); reply.Type != frame.TypeAck {
			t.Fatalf("subscribe %s: %s", ch, reply.Payload)
		}
	}

	reply = e.HandleFrame(ctx, s, &frame.Frame{Type: frame.TypeAuthenticate, CorrelationID: "a2", Token: "u1:starter"})
	var res AuthResult
	if err := json.Unmarshal(reply.Payload, &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(res.Dropped) != 1 || res.Dropped[0] != "insights.nfl.g1" {
		t.Fatalf("want insights subscription dropped got %v", res.Dropped)
	}
	if len(e.Registry().Members("insights.nfl.g1")) != 0 {
		t.Fatalf("registry still lists the dropped membership")
	}

	reply = e.HandleFrame(ctx, s, &frame.Frame{Type: frame.TypeAuthenticate, Token: "u2:enterprise"})
	if want, got := frame.CodeAuthFailed, errorCode(t, reply); want != got {
		t.Fatalf("want %s got %s", want, got)
	}
	reply = e.HandleFrame(ctx, s, &frame.Frame{Type: frame.TypeAuthenticate})
	if want, got := frame.CodeAuthFailed, errorCode(t, reply); want != got {
		t.Fatalf("want %s got %s", want, got)
	}
}

func TestClose_ScrubsRegistry(t *testing.T) {
	e := newEngine(t)
	s := open(t, e, "")
	ctx := context.Background()
	e.HandleFrame(ctx, s, &frame.Frame{Type: frame.TypeSubscribe, Channel: "pressure.g1"})
	e.HandleFrame(ctx, s, &frame.Frame{Type: frame.TypeSubscribe, Channel: "pressure.g2"})

	e.Sessions().Close(s.ID(), sessions.ReasonClientClosed)
	for _, ch := range []string{"pressure.g1", "pressure.g2"} {
		if n := len(e.Registry().Members(ch)); n != 0 {
			t.Fatalf("%s: want no members after close got %d", ch, n)
		}
	}
	reply := e.HandleFrame(ctx, s, &frame.Frame{Type: frame.TypeSubscribe, Channel: "pressure.g3"})
	if want, got := frame.CodeNotFound, errorCode(t, reply); want != got {
		t.Fatalf("want %s got %s", want, got)
	}
}

func TestFanout_AcrossEngines(t *testing.T) {
	bus := fanout.NewLoopback()
	t.Cleanup(func() { _ = bus.Close() })
	a := newEngine(t, WithBus(bus))
	b := newEngine(t, WithBus(bus))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.Run(ctx) }()
	go func() { _ = b.Run(ctx) }()
	deadline := time.Now().Add(time.Second)
	for bus.Subscribers() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	sa := open(t, a, "")
	sb := open(t, b, "")
	a.HandleFrame(ctx, sa, &frame.Frame{Type: frame.TypeSubscribe, Channel: "pressure.g1"})
	b.HandleFrame(ctx, sb, &frame.Frame{Type: frame.TypeSubscribe, Channel: "pressure.g1"})

	if err := a.Publish(ctx, "pressure.g1", map[string]int{"n": 1}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline = time.Now().Add(2 * time.Second)
	for sb.Outbox().Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	got := sb.Outbox().Drain()
	if len(got) != 1 || string(got[0].Payload) != `{"n":1}` {
		t.Fatalf("remote subscriber: unexpected events %+v", got)
	}
	// The publishing process must not apply its own event a second time.
	time.Sleep(50 * time.Millisecond)
	if n := len(sa.Outbox().Drain()); n != 1 {
		t.Fatalf("local subscriber: want 1 event got %d", n)
	}
}
