package sdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ggoodman/sportstream-go/frame"
	"github.com/gorilla/websocket"
)

// Conn is one established transport. ReadFrame is called from a single
// goroutine and WriteFrame from another; Close may be called from any.
type Conn interface {
	ReadFrame() (*frame.Frame, error)
	WriteFrame(f *frame.Frame) error
	Close() error
}

// Dialer opens transports to the gateway.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// CloseError reports the close code the server ended the connection with.
type CloseError struct {
	Code int
	Text string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("connection closed with code %d: %s", e.Code, e.Text)
}

// Unwrap exposes the error code the close code stands for, so
// errors.Is(err, frame.ErrAuthFailed) holds for a 4001 close.
func (e *CloseError) Unwrap() error {
	code := frame.CodeFromClose(e.Code)
	if code == "" {
		return nil
	}
	return &frame.Error{Code: code, Message: e.Text}
}

// WebSocketDialer dials the gateway over WebSocket.
type WebSocketDialer struct {
	Dialer       *websocket.Dialer
	Header       http.Header
	WriteTimeout time.Duration
}

func (d WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, res, err := dialer.DialContext(ctx, url, d.Header)
	if res != nil && res.Body != nil {
		res.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	wt := d.WriteTimeout
	if wt <= 0 {
		wt = 10 * time.Second
	}
	return &wsConn{ws: ws, writeTimeout: wt}, nil
}

type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
}

func (c *wsConn) ReadFrame() (*frame.Frame, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return nil, &CloseError{Code: ce.Code, Text: ce.Text}
		}
		return nil, err
	}
	var f frame.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return &f, nil
}

func (c *wsConn) WriteFrame(f *frame.Frame) error {
	b, err := f.Encode()
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

func (c *wsConn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.ws.Close()
}
