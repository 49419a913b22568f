package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/sportstream-go/frame"
	"github.com/ggoodman/sportstream-go/gateway"
	"github.com/ggoodman/sportstream-go/sessions"
	"github.com/gorilla/websocket"
)

func dial(t *testing.T, f *fixture) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
	conn, res, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	res.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, f *frame.Frame) {
	t.Helper()
	b, err := f.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func recv(t *testing.T, conn *websocket.Conn) *frame.Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var f frame.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return &f
}

// closeCode reads until the server closes and returns the close code.
func closeCode(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return ce.Code
		}
		t.Fatalf("want close frame got %v", err)
	}
}

func hello(t *testing.T, conn *websocket.Conn, token string) *frame.Frame {
	t.Helper()
	send(t, conn, &frame.Frame{Type: frame.TypeHello, Token: token, ProtocolVersion: frame.ProtocolVersion})
	w := recv(t, conn)
	if w.Type != frame.TypeWelcome {
		t.Fatalf("want welcome got %s (%s)", w.Type, w.Payload)
	}
	return w
}

func TestWebSocket_Session(t *testing.T) {
	f := newFixture(t, setup{})
	conn := dial(t, f)

	w := hello(t, conn, "ada:starter")
	if w.SessionID == "" || w.Tier != "starter" {
		t.Fatalf("unexpected welcome %+v", w)
	}

	send(t, conn, &frame.Frame{Type: frame.TypePing, CorrelationID: "p1"})
	if got := recv(t, conn); got.Type != frame.TypePong || got.CorrelationID != "p1" {
		t.Fatalf("want pong p1 got %+v", got)
	}

	send(t, conn, &frame.Frame{Type: frame.TypeSubscribe, CorrelationID: "s1", Channel: "game.nfl.g1"})
	if got := recv(t, conn); got.Type != frame.TypeAck || got.CorrelationID != "s1" {
		t.Fatalf("want ack s1 got %+v", got)
	}

	if err := f.eng.Publish(context.Background(), "game.nfl.g1", map[string]int{"q": 4}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	ev := recv(t, conn)
	if ev.Type != frame.TypeEvent || ev.Channel != "game.nfl.g1" || ev.Seq != 1 || string(ev.Payload) != `{"q":4}` {
		t.Fatalf("unexpected event %+v", ev)
	}

	send(t, conn, &frame.Frame{Type: frame.TypeQuery, CorrelationID: "q1", Payload: json.RawMessage(`{"path":"/api/echo/go"}`)})
	ack := recv(t, conn)
	if ack.Type != frame.TypeAck || ack.CorrelationID != "q1" {
		t.Fatalf("want ack q1 got %+v", ack)
	}
	var qr frame.QueryResult
	if err := json.Unmarshal(ack.Payload, &qr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if want, got := `{"word":"go"}`, string(qr.Data); want != got {
		t.Fatalf("want %s got %s", want, got)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus","correlationId":"b1"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	bad := recv(t, conn)
	if bad.Type != frame.TypeError || bad.CorrelationID != "b1" {
		t.Fatalf("want error b1 got %+v", bad)
	}

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	deadline := time.Now().Add(2 * time.Second)
	for f.eng.Sessions().Stats().Open > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if want, got := 0, f.eng.Sessions().Stats().Open; want != got {
		t.Fatalf("want %d open got %d", want, got)
	}
	if got := f.eng.Registry().Members("game.nfl.g1"); len(got) != 0 {
		t.Fatalf("closed session still a member: %v", got)
	}
}

func TestWebSocket_HandshakeFailures(t *testing.T) {
	tests := []struct {
		name  string
		first string
		want  int
	}{
		{"timeout", "", frame.ClosePolicyViolation},
		{"not hello", `{"type":"ping"}`, frame.ClosePolicyViolation},
		{"bad version", `{"type":"hello","protocolVersion":2}`, frame.ClosePolicyViolation},
		{"malformed", `{"type":`, frame.ClosePolicyViolation},
		{"bad token", `{"type":"hello","protocolVersion":1,"token":"nope"}`, frame.CloseAuthFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, setup{cfg: gateway.Config{HelloTimeout: 100 * time.Millisecond}})
			conn := dial(t, f)
			if tt.first != "" {
				if err := conn.WriteMessage(websocket.TextMessage, []byte(tt.first)); err != nil {
					t.Fatalf("write: %v", err)
				}
			}
			if got := closeCode(t, conn); got != tt.want {
				t.Fatalf("want close %d got %d", tt.want, got)
			}
			if want, got := 0, f.eng.Sessions().Stats().Open; want != got {
				t.Fatalf("want no session got %d", got)
			}
		})
	}
}

func TestWebSocket_IdleExpires(t *testing.T) {
	f := newFixture(t, setup{sessions: sessions.Config{IdleTimeout: 150 * time.Millisecond}})
	conn := dial(t, f)
	hello(t, conn, "")

	if want, got := frame.CloseHeartbeatExpired, closeCode(t, conn); want != got {
		t.Fatalf("want close %d got %d", want, got)
	}
}

func TestWebSocket_MalformedFramesKeepSessionAlive(t *testing.T) {
	f := newFixture(t, setup{sessions: sessions.Config{IdleTimeout: 200 * time.Millisecond}})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = f.eng.Sessions().Run(ctx) }()

	conn := dial(t, f)
	hello(t, conn, "")
	deadline := time.Now().Add(600 * time.Millisecond)
	for time.Now().Before(deadline) {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":`)); err != nil {
			t.Fatalf("write: %v", err)
		}
		if r := recv(t, conn); r.Type != frame.TypeError {
			t.Fatalf("want error reply got %s", r.Type)
		}
		time.Sleep(50 * time.Millisecond)
	}

	send(t, conn, &frame.Frame{Type: frame.TypePing, CorrelationID: "p1"})
	if r := recv(t, conn); r.Type != frame.TypePong || r.CorrelationID != "p1" {
		t.Fatalf("want pong got %s (%s)", r.Type, r.Payload)
	}
}

func TestWebSocket_Revoke(t *testing.T) {
	f := newFixture(t, setup{})
	conn := dial(t, f)
	w := hello(t, conn, "ada:starter")

	if !f.eng.Sessions().Revoke(w.SessionID) {
		t.Fatalf("revoke reported no session")
	}
	if want, got := frame.CloseAuthFailed, closeCode(t, conn); want != got {
		t.Fatalf("want close %d got %d", want, got)
	}
}

func TestDrain(t *testing.T) {
	f := newFixture(t, setup{})
	conn := dial(t, f)
	hello(t, conn, "")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := f.h.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if want, got := frame.CloseGoingAway, closeCode(t, conn); want != got {
		t.Fatalf("want close %d got %d", want, got)
	}

	res := get(t, f.srv.URL+"/stream?channel=pressure.g1", nil)
	if want, got := http.StatusServiceUnavailable, res.StatusCode; want != got {
		t.Fatalf("want %d got %d", want, got)
	}
	res = get(t, f.srv.URL+"/api/health", nil)
	if want, got := http.StatusServiceUnavailable, res.StatusCode; want != got {
		t.Fatalf("health: want %d got %d", want, got)
	}
}
