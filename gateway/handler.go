package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/sportstream-go/cache"
	"github.com/ggoodman/sportstream-go/frame"
	"github.com/ggoodman/sportstream-go/internal/engine"
	"github.com/ggoodman/sportstream-go/internal/logctx"
	"github.com/ggoodman/sportstream-go/storage"
	"github.com/ggoodman/sportstream-go/upstream"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var _ http.Handler = (*Handler)(nil)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	authorizationHeader = "Authorization"
	sessionIDHeader     = "X-Session-Id"

	contentSecurityPolicy = "default-src 'none'; frame-ancestors 'none'; base-uri 'none'"
)

// Config holds the transport settings.
type Config struct {
	// AllowedOrigins are echoed in Access-Control-Allow-Origin. Any other
	// origin receives FallbackOrigin.
	AllowedOrigins []string
	FallbackOrigin string
	Version        string
	// AdminToken guards the admin routes. Empty disables them.
	AdminToken   string
	HelloTimeout time.Duration
	SSEHeartbeat time.Duration
	WriteTimeout time.Duration
	// MaxFrameBytes bounds a single inbound WebSocket message.
	MaxFrameBytes int64
}

// DefaultConfig returns the default transport settings.
func DefaultConfig() Config {
	return Config{
		Version:       "dev",
		HelloTimeout:  5 * time.Second,
		SSEHeartbeat:  30 * time.Second,
		WriteTimeout:  10 * time.Second,
		MaxFrameBytes: 64 << 10,
	}
}

// Option configures the Handler.
type Option func(*Handler)

// WithLogger sets the logger used by the handler.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithStorage enables POST /api/contact.
func WithStorage(s storage.Storage) Option { return func(h *Handler) { h.store = s } }

// WithCache reports cache statistics on /api/status.
func WithCache(c *cache.Cache) Option { return func(h *Handler) { h.cache = c } }

// WithFetcher reports upstream breaker state on /api/health and /api/status.
func WithFetcher(f *upstream.Fetcher) Option { return func(h *Handler) { h.fetcher = f } }

// WithPinger adds a named dependency to the health report.
func WithPinger(name string, p Pinger) Option {
	return func(h *Handler) { h.pingers[name] = p }
}

// WithStatusDocument merges the document returned by fn into /api/status.
func WithStatusDocument(fn func() (json.RawMessage, error)) Option {
	return func(h *Handler) { h.statusDoc = fn }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(h *Handler) { h.now = now } }

// Pinger is a dependency that can report its reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the HTTP query surface, the SSE stream and WebSocket
// sessions on a single http.Handler.
type Handler struct {
	cfg     Config
	eng     *engine.Engine
	log     *slog.Logger
	now     func() time.Time
	mux     *http.ServeMux
	store   storage.Storage
	cache   *cache.Cache
	fetcher *upstream.Fetcher
	pingers map[string]Pinger

	statusDoc func() (json.RawMessage, error)

	upgrader websocket.Upgrader
	started  time.Time
	draining atomic.Bool
}

// New builds a Handler around eng.
func New(cfg Config, eng *engine.Engine, opts ...Option) *Handler {
	def := DefaultConfig()
	if cfg.HelloTimeout <= 0 {
		cfg.HelloTimeout = def.HelloTimeout
	}
	if cfg.SSEHeartbeat <= 0 {
		cfg.SSEHeartbeat = def.SSEHeartbeat
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = def.MaxFrameBytes
	}
	if cfg.Version == "" {
		cfg.Version = def.Version
	}

	h := &Handler{cfg: cfg, eng: eng, log: slog.Default(), now: time.Now, pingers: make(map[string]Pinger)}
	for _, opt := range opts {
		opt(h)
	}
	if _, ok := h.log.Handler().(logctx.Handler); !ok {
		h.log = slog.New(logctx.Handler{Handler: h.log.Handler()})
	}
	h.started = h.now()
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("OPTIONS /", h.handlePreflight)
	mux.HandleFunc("GET /api/health", h.handleHealth)
	mux.HandleFunc("GET /api/status", h.handleStatus)
	mux.HandleFunc("GET /api/schema/frame", h.handleFrameSchema)
	mux.HandleFunc("POST /api/contact", h.handleContact)
	mux.HandleFunc("GET /api/admin/sessions", h.admin(h.handleListSessions))
	mux.HandleFunc("DELETE /api/admin/sessions/{id}", h.admin(h.handleRevokeSession))
	mux.HandleFunc("POST /api/admin/publish", h.admin(h.handlePublish))
	mux.HandleFunc("GET /api/", h.handleQuery)
	mux.HandleFunc("GET /stream", h.handleSSE)
	mux.HandleFunc("/", h.handleNotFound)
	h.mux = mux
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r = r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	}))
	if websocket.IsWebSocketUpgrade(r) {
		h.serveWebSocket(w, r)
		return
	}
	h.setCommonHeaders(w, r)
	h.mux.ServeHTTP(w, r)
}

// Drain stops accepting new streams and drains every session within ctx.
func (h *Handler) Drain(ctx context.Context) error {
	h.draining.Store(true)
	h.log.InfoContext(ctx, "gateway.drain.start")
	err := h.eng.Sessions().Drain(ctx)
	h.log.InfoContext(ctx, "gateway.drain.done", slog.Bool("deadline", err != nil))
	return err
}

func (h *Handler) allowedOrigin(origin string) bool {
	return origin != "" && slices.Contains(h.cfg.AllowedOrigins, origin)
}

func (h *Handler) setCommonHeaders(w http.ResponseWriter, r *http.Request) {
	hdr := w.Header()
	hdr.Set("X-Frame-Options", "DENY")
	hdr.Set("X-Content-Type-Options", "nosniff")
	hdr.Set("Referrer-Policy", "strict-origin-when-cross-origin")
	hdr.Set("Content-Security-Policy", contentSecurityPolicy)
	hdr.Add("Vary", "Origin")

	origin := r.Header.Get("Origin")
	switch {
	case h.allowedOrigin(origin):
		hdr.Set("Access-Control-Allow-Origin", origin)
	case h.cfg.FallbackOrigin != "":
		hdr.Set("Access-Control-Allow-Origin", h.cfg.FallbackOrigin)
	}
	hdr.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	hdr.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, If-None-Match, "+sessionIDHeader)
	hdr.Set("Access-Control-Expose-Headers", "ETag")
	hdr.Set("Access-Control-Allow-Credentials", "true")
	hdr.Set("Access-Control-Max-Age", "600")
}

// checkOrigin admits browsers from allowed origins and every non-browser
// client. With no allow-list configured every origin is admitted.
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || len(h.cfg.AllowedOrigins) == 0 || h.allowedOrigin(origin)
}

func (h *Handler) handlePreflight(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleNotFound(w http.ResponseWriter, r *http.Request) {
	h.writeError(w, r, frame.Errorf(frame.CodeNotFound, "no route for %s %s", r.Method, r.URL.Path))
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError emits the {code, message} body with the status for the error
// code. Internal errors are logged with a reference the client can quote.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := frame.CodeOf(err)
	if code == frame.CodeInternal {
		fe, ok := frame.As(err)
		if !ok || fe.Ref == "" {
			fe = frame.Internal(err)
			err = fe
		}
		h.log.ErrorContext(r.Context(), "http.request.internal", slog.String("ref", fe.Ref), slog.String("err", err.Error()))
	}
	h.writeJSON(w, frame.HTTPStatus(code), frame.PayloadOf(err))
}

func bearerToken(r *http.Request) string {
	v := r.Header.Get(authorizationHeader)
	if len(v) > 7 && strings.EqualFold(v[:7], "bearer ") {
		return strings.TrimSpace(v[7:])
	}
	return ""
}

func (h *Handler) admin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.cfg.AdminToken == "" {
			h.handleNotFound(w, r)
			return
		}
		tok := bearerToken(r)
		if subtle.ConstantTimeCompare([]byte(tok), []byte(h.cfg.AdminToken)) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="admin"`)
			h.writeError(w, r, frame.Errorf(frame.CodeAuthFailed, "admin token required"))
			h.log.WarnContext(r.Context(), "admin.auth.fail")
			return
		}
		next(w, r)
	}
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
