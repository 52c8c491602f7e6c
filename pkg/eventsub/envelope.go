// Package eventsub implements the EventSub WebSocket session machine, the
// subscription reconciler, and the notification handler feeding the queue.
package eventsub

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope message types.
const (
	TypeWelcome      = "session_welcome"
	TypeKeepalive    = "session_keepalive"
	TypeReconnect    = "session_reconnect"
	TypeNotification = "notification"
	TypeClose        = "close"
)

// Metadata is the outer frame header every envelope carries.
type Metadata struct {
	MessageID        string `json:"message_id"`
	MessageType      string `json:"message_type"`
	MessageTimestamp string `json:"message_timestamp"`
}

// Envelope is one decoded WebSocket frame. The payload shape depends on the
// message type and is decoded on demand.
type Envelope struct {
	Metadata Metadata        `json:"metadata"`
	Payload  json.RawMessage `json:"payload"`
}

func parseEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &env, nil
}

// sessionPayload is the payload of welcome and reconnect envelopes.
type sessionPayload struct {
	Session struct {
		ID           string `json:"id"`
		ReconnectURL string `json:"reconnect_url"`
	} `json:"session"`
}

func (e *Envelope) session() (*sessionPayload, error) {
	var p sessionPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode session payload: %w", err)
	}
	return &p, nil
}

// notificationPayload is the payload of notification envelopes.
type notificationPayload struct {
	Subscription struct {
		Type string `json:"type"`
	} `json:"subscription"`
	Event json.RawMessage `json:"event"`
}

func (e *Envelope) notification() (*notificationPayload, error) {
	var p notificationPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode notification payload: %w", err)
	}
	return &p, nil
}

// epochSeconds converts the envelope's ISO-8601 timestamp to epoch seconds
// with sub-second precision.
func epochSeconds(ts string) (float64, error) {
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return 0, fmt.Errorf("parse timestamp %q: %w", ts, err)
	}
	return float64(parsed.UnixNano()) / float64(time.Second), nil
}
