package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ggoodman/sportstream-go/frame"
	"github.com/ggoodman/sportstream-go/internal/engine"
	"github.com/ggoodman/sportstream-go/sessions"
	"github.com/gorilla/websocket"
)

const closeWriteWait = time.Second

func (h *Handler) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.draining.Load() {
		h.setCommonHeaders(w, r)
		h.writeError(w, r, frame.Errorf(frame.CodeOverloaded, "server is draining"))
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied.
		h.log.InfoContext(ctx, "ws.upgrade.fail", slog.String("err", err.Error()))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(h.cfg.MaxFrameBytes)

	s, ok := h.handshake(ctx, conn)
	if !ok {
		return
	}
	ctx = engine.SessionContext(ctx, s)
	h.log.InfoContext(ctx, "ws.open")

	mgr := h.eng.Sessions()
	var wg sync.WaitGroup
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(ctx, conn, s)
	}()

	reason := h.readLoop(ctx, conn, s, &wg)
	mgr.Close(s.ID(), reason)
	<-writerDone
	wg.Wait()
	h.log.InfoContext(ctx, "ws.close", slog.String("reason", string(s.Reason())))
}

// closeConn sends a close frame with code and closes the connection.
func closeConn(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait))
	_ = conn.Close()
}

// handshake waits for the hello frame and opens the session. On failure the
// connection is closed and no session exists.
func (h *Handler) handshake(ctx context.Context, conn *websocket.Conn) (*sessions.Session, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.HelloTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			h.log.InfoContext(ctx, "ws.hello.timeout")
			closeConn(conn, frame.ClosePolicyViolation, "hello timeout")
			return nil, false
		}
		h.log.InfoContext(ctx, "ws.hello.read_fail", slog.String("err", err.Error()))
		closeConn(conn, frame.ClosePolicyViolation, "hello required")
		return nil, false
	}

	f, err := frame.Decode(data)
	switch {
	case err != nil:
	case f.Type != frame.TypeHello:
		err = frame.Errorf(frame.CodePolicyViolation, "first frame must be hello, got %s", f.Type)
	case f.ProtocolVersion != frame.ProtocolVersion:
		err = frame.Errorf(frame.CodePolicyViolation, "unsupported protocol version %d", f.ProtocolVersion)
	}
	if err != nil {
		h.log.InfoContext(ctx, "ws.hello.invalid", slog.String("err", err.Error()))
		h.rejectHandshake(conn, frame.Wrap(frame.CodePolicyViolation, err, "invalid hello"), f)
		return nil, false
	}

	s, err := h.eng.Sessions().Open(ctx, sessions.KindWebSocket, f.Token)
	if err != nil {
		h.rejectHandshake(conn, err, f)
		return nil, false
	}

	welcome := &frame.Frame{
		Type:          frame.TypeWelcome,
		CorrelationID: f.CorrelationID,
		SessionID:     s.ID(),
		Tier:          s.Tier().String(),
	}
	b, err := welcome.Encode()
	if err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
		err = conn.WriteMessage(websocket.TextMessage, b)
	}
	if err != nil {
		h.log.InfoContext(ctx, "ws.welcome.fail", slog.String("err", err.Error()))
		h.eng.Sessions().Close(s.ID(), sessions.ReasonError)
		return nil, false
	}
	return s, true
}

func (h *Handler) rejectHandshake(conn *websocket.Conn, err error, f *frame.Frame) {
	var corr string
	if f != nil {
		corr = f.CorrelationID
	}
	if b, eerr := frame.ErrorFrame(err, corr).Encode(); eerr == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
		_ = conn.WriteMessage(websocket.TextMessage, b)
	}
	code := frame.CodeOf(err)
	closeConn(conn, frame.CloseCode(code), code.String())
}

// readLoop reads frames until the connection fails or the session ends and
// returns the close reason the failure implies.
func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, s *sessions.Session, wg *sync.WaitGroup) sessions.Reason {
	idle := h.eng.Sessions().IdleTimeout()
	for {
		_ = conn.SetReadDeadline(time.Now().Add(idle))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return readFailureReason(err)
		}

		// Any inbound frame counts as liveness, even one that fails to decode.
		_ = h.eng.Sessions().Touch(s.ID())
		f, err := frame.Decode(data)
		if err != nil {
			var corr string
			if f != nil {
				corr = f.CorrelationID
			}
			h.log.DebugContext(ctx, "ws.frame.invalid", slog.String("err", err.Error()))
			s.Enqueue(frame.ErrorFrame(err, corr))
			continue
		}
		if f.Type == frame.TypeQuery {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.Enqueue(h.eng.HandleFrame(ctx, s, f))
			}()
			continue
		}
		if reply := h.eng.HandleFrame(ctx, s, f); reply != nil {
			s.Enqueue(reply)
		}
	}
}

func readFailureReason(err error) sessions.Reason {
	var ne net.Error
	switch {
	case errors.As(err, &ne) && ne.Timeout():
		return sessions.ReasonHeartbeatExpired
	case errors.Is(err, websocket.ErrReadLimit):
		return sessions.ReasonPolicyViolation
	}
	return sessions.ReasonClientClosed
}

// writeLoop drains the outbox onto the connection. When the session ends it
// flushes what is queued and closes the connection with the reason's code.
func (h *Handler) writeLoop(ctx context.Context, conn *websocket.Conn, s *sessions.Session) {
	out := s.Outbox()
	for {
		select {
		case <-out.Wake():
			if err := h.writeFrames(conn, out.Drain()); err != nil {
				h.log.DebugContext(ctx, "ws.write.fail", slog.String("err", err.Error()))
				h.eng.Sessions().Close(s.ID(), sessions.ReasonError)
				<-s.Done()
				_ = conn.Close()
				return
			}
		case <-s.Done():
			_ = h.writeFrames(conn, out.Drain())
			reason := s.Reason()
			closeConn(conn, reason.CloseCode(), string(reason))
			return
		}
	}
}

func (h *Handler) writeFrames(conn *websocket.Conn, frames []*frame.Frame) error {
	for _, f := range frames {
		b, err := f.Encode()
		if err != nil {
			return err
		}
		_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
			return err
		}
	}
	return nil
}
