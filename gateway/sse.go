package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/sportstream-go/frame"
	"github.com/ggoodman/sportstream-go/internal/engine"
	"github.com/ggoodman/sportstream-go/sessions"
)

// SSE event names.
const (
	sseConnection     = "connection"
	ssePressureUpdate = "pressure_update"
	sseGameUpdate     = "game_update"
	sseEvent          = "event"
	sseHeartbeat      = "heartbeat"
	sseError          = "error"
)

// sseEventName maps a channel to the SSE event type its events are sent as.
func sseEventName(channel string) string {
	switch {
	case strings.HasPrefix(channel, "pressure."):
		return ssePressureUpdate
	case strings.HasPrefix(channel, "game."):
		return sseGameUpdate
	}
	return sseEvent
}

// lockedWriteFlusher serializes writes and flushes and refuses to write once
// ctx is done.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
	rc  *http.ResponseController
	// timeout bounds each event write.
	timeout time.Duration
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Flusher.Flush()
}

func (l *lockedWriteFlusher) deadline() {
	if l.rc != nil && l.timeout > 0 {
		_ = l.rc.SetWriteDeadline(time.Now().Add(l.timeout))
	}
}

// writeSSEEvent writes one event with an optional id and flushes it.
func writeSSEEvent(wf *lockedWriteFlusher, event, id string, payload []byte) error {
	wf.deadline()
	if event != "" {
		if _, err := fmt.Fprintf(wf, "event: %s\n", event); err != nil {
			return fmt.Errorf("write SSE event type: %w", err)
		}
	}
	if id != "" {
		if _, err := fmt.Fprintf(wf, "id: %s\n", id); err != nil {
			return fmt.Errorf("write SSE event id: %w", err)
		}
	}
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("write SSE data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("write SSE terminator: %w", err)
	}
	wf.Flush()
	return nil
}

func writeSSEJSON(wf *lockedWriteFlusher, event string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode SSE %s: %w", event, err)
	}
	return writeSSEEvent(wf, event, "", b)
}

// Connection is the data of the first SSE event on a stream.
type Connection struct {
	SessionID string   `json:"sessionId"`
	Tier      string   `json:"tier"`
	Channels  []string `json:"channels"`
}

func streamChannels(r *http.Request) []string {
	var out []string
	for _, v := range r.URL.Query()["channel"] {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				out = append(out, name)
			}
		}
	}
	return out
}

func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Header.Get("Accept") != "" {
		if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
			h.log.WarnContext(ctx, "sse.accept.unsupported", slog.String("accept", r.Header.Get("Accept")))
			w.WriteHeader(http.StatusNotAcceptable)
			return
		}
	}
	if h.draining.Load() {
		h.writeError(w, r, frame.Errorf(frame.CodeOverloaded, "server is draining"))
		return
	}
	f, ok := w.(http.Flusher)
	if !ok {
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		h.writeError(w, r, frame.Internal(fmt.Errorf("response writer cannot flush")))
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearerToken(r)
	}
	mgr := h.eng.Sessions()
	s, err := mgr.Open(ctx, sessions.KindSSE, token)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	ctx = engine.SessionContext(ctx, s)
	h.log.InfoContext(ctx, "sse.open")

	reason := sessions.ReasonClientClosed
	defer func() {
		if mgr.Close(s.ID(), reason) {
			h.log.InfoContext(ctx, "sse.close", slog.String("reason", string(reason)))
		}
	}()

	hdr := w.Header()
	hdr.Set("Content-Type", eventStreamMediaType.String())
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx, rc: http.NewResponseController(w), timeout: h.cfg.WriteTimeout}

	names := streamChannels(r)
	if err := writeSSEJSON(wf, sseConnection, Connection{SessionID: s.ID(), Tier: s.Tier().String(), Channels: names}); err != nil {
		return
	}
	for _, name := range names {
		if err := h.eng.Subscribe(ctx, s, name); err != nil {
			h.log.InfoContext(ctx, "sse.subscribe.fail", slog.String("channel", name), slog.String("err", err.Error()))
			_ = writeSSEJSON(wf, sseError, frame.PayloadOf(err))
			reason = sessions.ReasonPolicyViolation
			return
		}
	}

	hb := time.NewTicker(h.cfg.SSEHeartbeat)
	defer hb.Stop()
	out := s.Outbox()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.Done():
			if code := s.Reason().Code(); code != "" {
				_ = writeSSEJSON(wf, sseError, frame.PayloadOf(frame.Errorf(code, "%s", s.Reason())))
			}
			return
		case <-hb.C:
			if err := writeSSEJSON(wf, sseHeartbeat, map[string]int64{"timestamp": h.now().UnixMilli()}); err != nil {
				reason = sessions.ReasonError
				return
			}
			_ = mgr.Touch(s.ID())
		case <-out.Wake():
			for _, fr := range out.Drain() {
				if err := h.writeSSEFrame(wf, fr); err != nil {
					h.log.DebugContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
					reason = sessions.ReasonError
					return
				}
			}
		}
	}
}

func (h *Handler) writeSSEFrame(wf *lockedWriteFlusher, fr *frame.Frame) error {
	b, err := fr.Encode()
	if err != nil {
		return err
	}
	switch fr.Type {
	case frame.TypeEvent:
		return writeSSEEvent(wf, sseEventName(fr.Channel), fmt.Sprint(fr.Seq), b)
	case frame.TypeError:
		return writeSSEEvent(wf, sseError, "", b)
	}
	return writeSSEEvent(wf, string(fr.Type), "", b)
}
