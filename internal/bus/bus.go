// Package bus relays "emit event E with payload P" across every running
// server process. Callers always Emit through an EventBus; only the bus
// delivers to the local Sink, so each logical emission reaches every socket
// exactly once no matter how many replicas are running.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
)

const (
	Channel    = "ws-events"
	CounterKey = "ws:notifications:count"

	EventEmail          = "email_event"
	EventMailboxAdded   = "mailboxAdded"
	EventMailboxUpdated = "mailboxUpdated"
	EventClientAdded    = "clientAdded"
	EventNotification   = "notifications:new"
	EventNotifyCount    = "notifications:count"
)

// Sink receives every event this process should push to its own clients.
type Sink interface {
	Broadcast(event string, payload json.RawMessage)
}

type EventBus interface {
	Emit(ctx context.Context, event string, payload any) error

	// NotificationCount reads the shared counter, not the local cache, so
	// late joiners see the cluster-wide value.
	NotificationCount(ctx context.Context) (int64, error)

	Close() error
}

type Notification struct {
	Title   string `json:"title,omitempty"`
	Message string `json:"message"`
	Meta    any    `json:"meta,omitempty"`
}

type CountPayload struct {
	Count int64 `json:"count"`
}

// envelope is the wire format on Channel.
type envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Count   *int64          `json:"count,omitempty"`
}

func encodePayload(event string, payload any) (json.RawMessage, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return raw, nil
}

func broadcastCount(sink Sink, count int64) {
	raw, _ := json.Marshal(CountPayload{Count: count})
	sink.Broadcast(EventNotifyCount, raw)
}
