// Package fanout carries channel events between gateway processes. Each
// process publishes the events its producers generate and republishes, to its
// local registry, the events other processes publish.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Message is the envelope exchanged on the bus.
type Message struct {
	// Origin identifies the publishing process so it can skip its own events.
	Origin      string          `msgpack:"origin"`
	Channel     string          `msgpack:"channel"`
	Type        string          `msgpack:"type"`
	Payload     json.RawMessage `msgpack:"payload"`
	PublishedAt time.Time       `msgpack:"publishedAt"`
}

// Handler receives messages from a subscription. Returning an error ends the
// subscription with that error.
type Handler func(ctx context.Context, m Message) error

// Bus is a cross-process broadcast. Delivery is best effort: a subscriber
// that is not connected when a message is published does not receive it.
type Bus interface {
	Publish(ctx context.Context, m Message) error
	// Subscribe delivers every message to h until ctx is done or h fails.
	Subscribe(ctx context.Context, h Handler) error
	Close() error
}

// Encode renders m in its wire form.
func Encode(m Message) ([]byte, error) {
	b, err := msgpack.Marshal(&m)
	if err != nil {
		return nil, fmt.Errorf("encode fanout message: %w", err)
	}
	return b, nil
}

// Decode parses the wire form produced by Encode.
func Decode(b []byte) (Message, error) {
	var m Message
	if err := msgpack.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("decode fanout message: %w", err)
	}
	return m, nil
}
