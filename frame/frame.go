// Package frame defines the uniform frame representation exchanged between
// clients and the gateway over every transport, together with the error
// taxonomy surfaced to clients.
package frame

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the only protocol version accepted in a hello frame.
const ProtocolVersion = 1

// Type enumerates the frame kinds understood by the gateway.
type Type string

const (
	TypeHello        Type = "hello"
	TypeWelcome      Type = "welcome"
	TypeAuthenticate Type = "authenticate"
	TypeSubscribe    Type = "subscribe"
	TypeUnsubscribe  Type = "unsubscribe"
	TypeQuery        Type = "query"
	TypeEvent        Type = "event"
	TypeAck          Type = "ack"
	TypeError        Type = "error"
	TypePing         Type = "ping"
	TypePong         Type = "pong"
)

var knownTypes = map[Type]struct{}{
	TypeHello: {}, TypeWelcome: {}, TypeAuthenticate: {}, TypeSubscribe: {},
	TypeUnsubscribe: {}, TypeQuery: {}, TypeEvent: {}, TypeAck: {},
	TypeError: {}, TypePing: {}, TypePong: {},
}

// Valid reports whether t is a known frame type.
func (t Type) Valid() bool {
	_, ok := knownTypes[t]
	return ok
}

// Frame is the wire and in-process representation of a single message.
type Frame struct {
	Type            Type            `json:"type" jsonschema:"enum=hello,enum=welcome,enum=authenticate,enum=subscribe,enum=unsubscribe,enum=query,enum=event,enum=ack,enum=error,enum=ping,enum=pong"`
	CorrelationID   string          `json:"correlationId,omitempty"`
	Channel         string          `json:"channel,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Seq             uint64          `json:"seq,omitempty"`
	Token           string          `json:"token,omitempty"`
	ProtocolVersion int             `json:"protocolVersion,omitempty"`
	SessionID       string          `json:"sessionId,omitempty"`
	Tier            string          `json:"tier,omitempty"`
}

// QueryPayload is the payload of a query frame.
type QueryPayload struct {
	Method string            `json:"method,omitempty"`
	Path   string            `json:"path"`
	Query  map[string]string `json:"query,omitempty"`
}

// QueryResult is the payload of the ack frame answering a query.
type QueryResult struct {
	ETag string          `json:"etag,omitempty"`
	Data json.RawMessage `json:"data"`
}

// ErrorPayload is the payload of an error frame and the body of HTTP errors.
type ErrorPayload struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// Decode parses and validates a single inbound frame. Validation failures are
// reported as InvalidFrame errors; the returned frame carries whatever
// correlation id could be recovered so the caller can echo it.
func Decode(b []byte) (*Frame, error) {
	var f Frame
	dec := json.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(&f); err != nil {
		var probe struct {
			CorrelationID string `json:"correlationId"`
		}
		_ = json.Unmarshal(b, &probe)
		return &Frame{CorrelationID: probe.CorrelationID}, Errorf(CodeInvalidFrame, "malformed frame: %v", err)
	}
	if err := f.Validate(); err != nil {
		return &f, err
	}
	return &f, nil
}

// Validate checks the shape rules that depend on the frame type.
func (f *Frame) Validate() error {
	if f.Type == "" {
		return Errorf(CodeInvalidFrame, "missing frame type")
	}
	if !f.Type.Valid() {
		return Errorf(CodeInvalidFrame, "unknown frame type %q", f.Type)
	}
	switch f.Type {
	case TypeSubscribe, TypeUnsubscribe:
		if f.Channel == "" {
			return Errorf(CodeInvalidFrame, "%s requires a channel", f.Type)
		}
	case TypeQuery:
		var q QueryPayload
		if len(f.Payload) == 0 {
			return Errorf(CodeInvalidFrame, "query requires a payload")
		}
		if err := json.Unmarshal(f.Payload, &q); err != nil {
			return Errorf(CodeInvalidFrame, "invalid query payload: %v", err)
		}
		if q.Path == "" {
			return Errorf(CodeInvalidFrame, "query payload requires a path")
		}
	}
	return nil
}

// Query decodes the payload of a query frame.
func (f *Frame) Query() (QueryPayload, error) {
	var q QueryPayload
	if err := json.Unmarshal(f.Payload, &q); err != nil {
		return q, Errorf(CodeInvalidFrame, "invalid query payload: %v", err)
	}
	if q.Method == "" {
		q.Method = "GET"
	}
	return q, nil
}

// Encode marshals f for the wire.
func (f *Frame) Encode() ([]byte, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return b, nil
}

// Pong builds the reply to a ping.
func Pong(correlationID string) *Frame {
	return &Frame{Type: TypePong, CorrelationID: correlationID}
}

// Ack builds an acknowledgement carrying an optional payload.
func Ack(correlationID, channel string, payload any) *Frame {
	f := &Frame{Type: TypeAck, CorrelationID: correlationID, Channel: channel}
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			f.Payload = b
		}
	}
	return f
}

// Event builds an event frame for a channel.
func Event(channel string, seq uint64, payload json.RawMessage) *Frame {
	return &Frame{Type: TypeEvent, Channel: channel, Seq: seq, Payload: payload}
}

// ErrorFrame converts err to an error frame addressed to correlationID.
// Internal errors never carry their underlying message.
func ErrorFrame(err error, correlationID string) *Frame {
	p := PayloadOf(err)
	b, _ := json.Marshal(p)
	return &Frame{Type: TypeError, CorrelationID: correlationID, Payload: b}
}

// PayloadOf converts err to its client-visible form.
func PayloadOf(err error) ErrorPayload {
	code := CodeOf(err)
	msg := code.String()
	if fe, ok := As(err); ok && fe.Message != "" && code != CodeInternal {
		msg = fe.Message
	}
	if code == CodeInternal {
		if fe, ok := As(err); ok && fe.Ref != "" {
			msg = "internal error (ref " + fe.Ref + ")"
		} else {
			msg = "internal error"
		}
	}
	return ErrorPayload{Code: code, Message: msg}
}
