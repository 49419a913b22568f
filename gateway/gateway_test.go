package gateway_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/sportstream-go/auth"
	"github.com/ggoodman/sportstream-go/cache"
	"github.com/ggoodman/sportstream-go/channels"
	"github.com/ggoodman/sportstream-go/frame"
	"github.com/ggoodman/sportstream-go/gateway"
	"github.com/ggoodman/sportstream-go/internal/engine"
	"github.com/ggoodman/sportstream-go/query"
	"github.com/ggoodman/sportstream-go/sessions"
	"github.com/ggoodman/sportstream-go/storage/memory"
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

type fixture struct {
	h   *gateway.Handler
	eng *engine.Engine
	srv *httptest.Server
}

type setup struct {
	cfg      gateway.Config
	sessions sessions.Config
	opts     []gateway.Option
}

func newFixture(t *testing.T, st setup) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))

	reg := channels.New(channels.DefaultConfig(), channels.WithLogger(log))
	mgr := sessions.NewManager(st.sessions, tokenVerifier,
		sessions.WithLogger(log),
		sessions.WithCloseHook(engine.ScrubOnClose(reg, log)),
	)
	c, err := cache.New(64)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	qs := query.NewService(c)
	qs.Handle("/api/echo/{word}", time.Minute, auth.TierAnonymous, func(ctx context.Context, p query.Params) (any, error) {
		return map[string]string{"word": p.Get("word")}, nil
	})
	qs.Handle("/api/private", time.Minute, auth.TierStarter, func(ctx context.Context, p query.Params) (any, error) {
		return map[string]bool{"private": true}, nil
	})
	qs.Handle("/api/fresh", 0, auth.TierAnonymous, func(ctx context.Context, p query.Params) (any, error) {
		return map[string]string{"fresh": "yes"}, nil
	})
	eng := engine.NewEngine(mgr, reg, qs, engine.WithLogger(log))

	opts := append([]gateway.Option{gateway.WithLogger(log), gateway.WithCache(c)}, st.opts...)
	h := gateway.New(st.cfg, eng, opts...)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &fixture{h: h, eng: eng, srv: srv}
}

func do(t *testing.T, req *http.Request) *http.Response {
	t.Helper()
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", req.Method, req.URL, err)
	}
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func get(t *testing.T, url string, hdr map[string]string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, url, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	return do(t, req)
}

func decodeError(t *testing.T, res *http.Response) frame.ErrorPayload {
	t.Helper()
	var p frame.ErrorPayload
	if err := json.NewDecoder(res.Body).Decode(&p); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return p
}

func TestHeaders_CORSAndSecurity(t *testing.T) {
	f := newFixture(t, setup{cfg: gateway.Config{
		AllowedOrigins: []string{"https://app.example"},
		FallbackOrigin: "https://www.example",
	}})

	tests := []struct {
		origin string
		want   string
	}{
		{"https://app.example", "https://app.example"},
		{"https://evil.example", "https://www.example"},
		{"", "https://www.example"},
	}
	for _, tt := range tests {
		res := get(t, f.srv.URL+"/api/health", map[string]string{"Origin": tt.origin})
		if got := res.Header.Get("Access-Control-Allow-Origin"); got != tt.want {
			t.Fatalf("origin %q: want %q got %q", tt.origin, tt.want, got)
		}
		for k, want := range map[string]string{
			"X-Frame-Options":        "DENY",
			"X-Content-Type-Options": "nosniff",
			"Referrer-Policy":        "strict-origin-when-cross-origin",
			"Content-Type":           "application/json",
		} {
			if got := res.Header.Get(k); got != want {
				t.Fatalf("%s: want %q got %q", k, want, got)
			}
		}
		if res.Header.Get("Content-Security-Policy") == "" {
			t.Fatalf("missing Content-Security-Policy")
		}
	}

	req, _ := http.NewRequest(http.MethodOptions, f.srv.URL+"/api/mlb/teams", nil)
	req.Header.Set("Origin", "https://app.example")
	res := do(t, req)
	if want, got := http.StatusOK, res.StatusCode; want != got {
		t.Fatalf("preflight: want %d got %d", want, got)
	}
	if b, _ := io.ReadAll(res.Body); len(b) != 0 {
		t.Fatalf("preflight: want empty body got %q", b)
	}
	if got := res.Header.Get("Access-Control-Allow-Methods"); !strings.Contains(got, "GET") {
		t.Fatalf("preflight: unexpected allow-methods %q", got)
	}
}

func TestQuery_ETagAndCacheControl(t *testing.T) {
	f := newFixture(t, setup{})

	res := get(t, f.srv.URL+"/api/echo/hi", nil)
	if want, got := http.StatusOK, res.StatusCode; want != got {
		t.Fatalf("want %d got %d", want, got)
	}
	body, _ := io.ReadAll(res.Body)
	if want, got := `{"word":"hi"}`, string(body); want != got {
		t.Fatalf("want %s got %s", want, got)
	}
	etag := res.Header.Get("ETag")
	if etag == "" {
		t.Fatalf("missing ETag")
	}
	if cc := res.Header.Get("Cache-Control"); !strings.HasPrefix(cc, "public, max-age=") {
		t.Fatalf("unexpected Cache-Control %q", cc)
	}

	res = get(t, f.srv.URL+"/api/echo/hi", map[string]string{"If-None-Match": etag})
	if want, got := http.StatusNotModified, res.StatusCode; want != got {
		t.Fatalf("want %d got %d", want, got)
	}
	res = get(t, f.srv.URL+"/api/echo/hi", map[string]string{"If-None-Match": `"other", ` + etag})
	if want, got := http.StatusNotModified, res.StatusCode; want != got {
		t.Fatalf("list match: want %d got %d", want, got)
	}

	res = get(t, f.srv.URL+"/api/fresh", nil)
	if want, got := "no-cache", res.Header.Get("Cache-Control"); want != got {
		t.Fatalf("want %q got %q", want, got)
	}

	res = get(t, f.srv.URL+"/api/nope", nil)
	if want, got := http.StatusNotFound, res.StatusCode; want != got {
		t.Fatalf("want %d got %d", want, got)
	}
	if want, got := frame.CodeNotFound, decodeError(t, res).Code; want != got {
		t.Fatalf("want %s got %s", want, got)
	}
}

func TestQuery_TierFromBearerOrSession(t *testing.T) {
	f := newFixture(t, setup{})

	res := get(t, f.srv.URL+"/api/private", nil)
	if want, got := http.StatusUnauthorized, res.StatusCode; want != got {
		t.Fatalf("anonymous: want %d got %d", want, got)
	}
	if want, got := frame.CodeAuthFailed, decodeError(t, res).Code; want != got {
		t.Fatalf("want %s got %s", want, got)
	}

	res = get(t, f.srv.URL+"/api/private", map[string]string{"Authorization": "Bearer ada:starter"})
	if want, got := http.StatusOK, res.StatusCode; want != got {
		t.Fatalf("bearer: want %d got %d", want, got)
	}
	if cc := res.Header.Get("Cache-Control"); !strings.HasPrefix(cc, "private, max-age=") {
		t.Fatalf("unexpected Cache-Control %q", cc)
	}

	res = get(t, f.srv.URL+"/api/private", map[string]string{"Authorization": "Bearer garbage"})
	if want, got := http.StatusUnauthorized, res.StatusCode; want != got {
		t.Fatalf("bad bearer: want %d got %d", want, got)
	}

	s, err := f.eng.Sessions().Open(context.Background(), sessions.KindWebSocket, "bob:professional")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	res = get(t, f.srv.URL+"/api/private", map[string]string{"X-Session-Id": s.ID()})
	if want, got := http.StatusOK, res.StatusCode; want != got {
		t.Fatalf("session: want %d got %d", want, got)
	}
	res = get(t, f.srv.URL+"/api/private", map[string]string{"X-Session-Id": "unknown"})
	if want, got := http.StatusUnauthorized, res.StatusCode; want != got {
		t.Fatalf("unknown session: want %d got %d", want, got)
	}
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

func TestHealthAndStatus(t *testing.T) {
	f := newFixture(t, setup{
		cfg: gateway.Config{Version: "1.2.3"},
		opts: []gateway.Option{
			gateway.WithPinger("redis", failingPinger{}),
			gateway.WithStatusDocument(func() (json.RawMessage, error) {
				return json.RawMessage(`{"status":"operational"}`), nil
			}),
		},
	})

	res := get(t, f.srv.URL+"/api/health", nil)
	if want, got := http.StatusOK, res.StatusCode; want != got {
		t.Fatalf("want %d got %d", want, got)
	}
	var h gateway.Health
	if err := json.NewDecoder(res.Body).Decode(&h); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if h.Version != "1.2.3" || h.Status != "degraded" || h.Services["redis"] != "unavailable" || h.Services["sessions"] != "ok" {
		t.Fatalf("unexpected health %+v", h)
	}

	res = get(t, f.srv.URL+"/api/status", nil)
	var st gateway.Status
	if err := json.NewDecoder(res.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Cache == nil || string(st.Document) != `{"status":"operational"}` || st.Version != "1.2.3" {
		t.Fatalf("unexpected status %+v", st)
	}

	res = get(t, f.srv.URL+"/api/schema/frame", nil)
	var schema map[string]any
	if err := json.NewDecoder(res.Body).Decode(&schema); err != nil {
		t.Fatalf("schema: %v", err)
	}
}

func TestContact(t *testing.T) {
	store, err := memory.New(16)
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	f := newFixture(t, setup{opts: []gateway.Option{gateway.WithStorage(store)}})

	post := func(ctype, body string) *http.Response {
		req, _ := http.NewRequest(http.MethodPost, f.srv.URL+"/api/contact", strings.NewReader(body))
		req.Header.Set("Content-Type", ctype)
		return do(t, req)
	}

	res := post("application/json", `{"name":"Ada","email":"ada@example.com","message":"hi"}`)
	if want, got := http.StatusCreated, res.StatusCode; want != got {
		t.Fatalf("want %d got %d", want, got)
	}
	if want, got := 1, store.Len(); want != got {
		t.Fatalf("want %d stored got %d", want, got)
	}

	tests := []struct {
		name, ctype, body string
	}{
		{"wrong content type", "text/plain", `{"name":"Ada","message":"hi"}`},
		{"bad email", "application/json", `{"name":"Ada","email":"nope","message":"hi"}`},
		{"missing message", "application/json", `{"name":"Ada"}`},
		{"unknown field", "application/json", `{"name":"Ada","message":"hi","admin":true}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := post(tt.ctype, tt.body)
			if want, got := http.StatusBadRequest, res.StatusCode; want != got {
				t.Fatalf("want %d got %d", want, got)
			}
			if want, got := frame.CodeInvalidFrame, decodeError(t, res).Code; want != got {
				t.Fatalf("want %s got %s", want, got)
			}
		})
	}
}

func TestContact_WithoutStorage(t *testing.T) {
	f := newFixture(t, setup{})
	req, _ := http.NewRequest(http.MethodPost, f.srv.URL+"/api/contact", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	if want, got := http.StatusNotFound, do(t, req).StatusCode; want != got {
		t.Fatalf("want %d got %d", want, got)
	}
}

func TestAdmin(t *testing.T) {
	disabled := newFixture(t, setup{})
	res := get(t, disabled.srv.URL+"/api/admin/sessions", map[string]string{"Authorization": "Bearer x"})
	if want, got := http.StatusNotFound, res.StatusCode; want != got {
		t.Fatalf("disabled: want %d got %d", want, got)
	}

	f := newFixture(t, setup{cfg: gateway.Config{AdminToken: "s3cret"}})
	admin := map[string]string{"Authorization": "Bearer s3cret"}

	res = get(t, f.srv.URL+"/api/admin/sessions", map[string]string{"Authorization": "Bearer wrong"})
	if want, got := http.StatusUnauthorized, res.StatusCode; want != got {
		t.Fatalf("wrong token: want %d got %d", want, got)
	}

	s, err := f.eng.Sessions().Open(context.Background(), sessions.KindSSE, "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := f.eng.Subscribe(context.Background(), s, "pressure.g1"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	res = get(t, f.srv.URL+"/api/admin/sessions", admin)
	var list struct {
		Sessions []sessions.Info `json:"sessions"`
	}
	if err := json.NewDecoder(res.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Sessions) != 1 || list.Sessions[0].ID != s.ID() {
		t.Fatalf("unexpected sessions %+v", list.Sessions)
	}

	req, _ := http.NewRequest(http.MethodPost, f.srv.URL+"/api/admin/publish", strings.NewReader(`{"channel":"pressure.g1","payload":{"v":1}}`))
	req.Header.Set("Authorization", "Bearer s3cret")
	res = do(t, req)
	if want, got := http.StatusAccepted, res.StatusCode; want != got {
		t.Fatalf("publish: want %d got %d", want, got)
	}
	var pub map[string]int
	_ = json.NewDecoder(res.Body).Decode(&pub)
	if want, got := 1, pub["delivered"]; want != got {
		t.Fatalf("want %d delivered got %d", want, got)
	}

	req, _ = http.NewRequest(http.MethodDelete, f.srv.URL+"/api/admin/sessions/"+s.ID(), nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	if want, got := http.StatusNoContent, do(t, req).StatusCode; want != got {
		t.Fatalf("revoke: want %d got %d", want, got)
	}
	if want, got := sessions.ReasonRevoked, s.Reason(); want != got {
		t.Fatalf("want reason %s got %s", want, got)
	}
	req, _ = http.NewRequest(http.MethodDelete, f.srv.URL+"/api/admin/sessions/"+s.ID(), nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	if want, got := http.StatusNotFound, do(t, req).StatusCode; want != got {
		t.Fatalf("second revoke: want %d got %d", want, got)
	}
}

type sseEvent struct {
	event string
	id    string
	data  string
}

// readSSE parses events from r onto the returned channel until r fails.
func readSSE(r io.Reader) <-chan sseEvent {
	ch := make(chan sseEvent, 64)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(r)
		var ev sseEvent
		for sc.Scan() {
			line := sc.Text()
			switch {
			case line == "":
				ch <- ev
				ev = sseEvent{}
			case strings.HasPrefix(line, "event: "):
				ev.event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "id: "):
				ev.id = strings.TrimPrefix(line, "id: ")
			case strings.HasPrefix(line, "data: "):
				ev.data = strings.TrimPrefix(line, "data: ")
			}
		}
	}()
	return ch
}

func nextSSE(t *testing.T, ch <-chan sseEvent) sseEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatalf("stream ended")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for SSE event")
	}
	return sseEvent{}
}

func TestSSE_StreamsChannelEvents(t *testing.T) {
	f := newFixture(t, setup{cfg: gateway.Config{SSEHeartbeat: 100 * time.Millisecond}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/stream?channel=pressure.g1&channel=pressure.g2", nil)
	req.Header.Set("Accept", "text/event-stream")
	res := do(t, req)
	if want, got := "text/event-stream", res.Header.Get("Content-Type"); want != got {
		t.Fatalf("want %q got %q", want, got)
	}
	if want, got := "no-cache", res.Header.Get("Cache-Control"); want != got {
		t.Fatalf("want %q got %q", want, got)
	}
	events := readSSE(res.Body)

	ev := nextSSE(t, events)
	if want, got := "connection", ev.event; want != got {
		t.Fatalf("want %s got %s", want, got)
	}
	var conn gateway.Connection
	if err := json.Unmarshal([]byte(ev.data), &conn); err != nil {
		t.Fatalf("decode connection: %v", err)
	}
	if conn.Tier != "anonymous" || len(conn.Channels) != 2 || conn.SessionID == "" {
		t.Fatalf("unexpected connection %+v", conn)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(f.eng.Active("pressure.")) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := f.eng.Publish(context.Background(), "pressure.g1", map[string]int{"home": 3}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for {
		ev = nextSSE(t, events)
		if ev.event != "heartbeat" {
			break
		}
	}
	if want, got := "pressure_update", ev.event; want != got {
		t.Fatalf("want %s got %s", want, got)
	}
	if want, got := "1", ev.id; want != got {
		t.Fatalf("want id %s got %s", want, got)
	}
	var fr frame.Frame
	if err := json.Unmarshal([]byte(ev.data), &fr); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if fr.Channel != "pressure.g1" || string(fr.Payload) != `{"home":3}` {
		t.Fatalf("unexpected frame %+v", fr)
	}

	for ev.event != "heartbeat" {
		ev = nextSSE(t, events)
	}

	cancel()
	deadline = time.Now().Add(2 * time.Second)
	for f.eng.Sessions().Stats().Open > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if want, got := 0, f.eng.Sessions().Stats().Open; want != got {
		t.Fatalf("want %d open sessions got %d", want, got)
	}
	if got := f.eng.Registry().Members("pressure.g1"); len(got) != 0 {
		t.Fatalf("closed session still a member: %v", got)
	}
}

func TestSSE_Errors(t *testing.T) {
	f := newFixture(t, setup{})

	res := get(t, f.srv.URL+"/stream?channel=pressure.g1&token=bad", nil)
	if want, got := http.StatusUnauthorized, res.StatusCode; want != got {
		t.Fatalf("bad token: want %d got %d", want, got)
	}

	res = get(t, f.srv.URL+"/stream?channel=game.nfl.g1", nil)
	events := readSSE(res.Body)
	if want, got := "connection", nextSSE(t, events).event; want != got {
		t.Fatalf("want %s got %s", want, got)
	}
	ev := nextSSE(t, events)
	if want, got := "error", ev.event; want != got {
		t.Fatalf("want %s got %s", want, got)
	}
	var p frame.ErrorPayload
	_ = json.Unmarshal([]byte(ev.data), &p)
	if want, got := frame.CodeTierDenied, p.Code; want != got {
		t.Fatalf("want %s got %s", want, got)
	}
	if _, ok := <-events; ok {
		t.Fatalf("want stream to close after error")
	}
}
