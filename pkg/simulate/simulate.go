// Package simulate builds synthetic EventSub frames for manual and
// integration testing. Message ids carry the "test_" prefix so the
// notification pipeline dispatches them without archiving.
package simulate

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cabana-dev/cabana/pkg/alert"
)

// payloads holds canned event bodies per topic. Topics without an entry get
// an empty object, which still exercises classification and dispatch.
var payloads = map[string]string{
	"channel.follow":       `{"user_id": "1337", "user_login": "tester", "user_name": "Tester", "followed_at": "2024-01-01T00:00:00Z"}`,
	"channel.subscribe":    `{"user_id": "1337", "user_login": "tester", "user_name": "Tester", "tier": "1000", "is_gift": false}`,
	"channel.cheer":        `{"user_id": "1337", "user_login": "tester", "user_name": "Tester", "bits": 100, "message": "cheer100 nice"}`,
	"channel.raid":         `{"from_broadcaster_user_id": "1337", "from_broadcaster_user_login": "tester", "viewers": 42}`,
	"channel.chat.message": `{"chatter_user_id": "1337", "chatter_user_login": "tester", "message": {"text": "hello"}}`,
	"stream.online":        `{"id": "9001", "type": "live", "started_at": "2024-01-01T00:00:00Z"}`,
	"stream.offline":       `{}`,
}

func messageID() string {
	return alert.TestIDPrefix + uuid.NewString()
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func frame(messageType string, payload any) []byte {
	env := map[string]any{
		"metadata": map[string]string{
			"message_id":        messageID(),
			"message_type":      messageType,
			"message_timestamp": timestamp(),
		},
		"payload": payload,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		// Inputs are all marshalable maps; this cannot fail.
		panic(fmt.Sprintf("simulate: marshal frame: %v", err))
	}
	return raw
}

// Notification returns a synthetic notification frame for topic, using the
// canned payload when one exists.
func Notification(topic string) []byte {
	body, ok := payloads[topic]
	if !ok {
		body = "{}"
	}
	return frame("notification", map[string]any{
		"subscription": map[string]string{"type": topic},
		"event":        json.RawMessage(body),
	})
}

// Welcome returns a session_welcome frame for sessionID.
func Welcome(sessionID string) []byte {
	return frame("session_welcome", map[string]any{
		"session": map[string]string{"id": sessionID},
	})
}

// Reconnect returns a session_reconnect frame pointing at url.
func Reconnect(url string) []byte {
	return frame("session_reconnect", map[string]any{
		"session": map[string]string{"id": "", "reconnect_url": url},
	})
}

// Keepalive returns a session_keepalive frame.
func Keepalive() []byte {
	return frame("session_keepalive", map[string]any{})
}

// Close returns a close frame.
func Close() []byte {
	return frame("close", map[string]any{})
}

// Topics lists the topics with canned payloads.
func Topics() []string {
	topics := make([]string, 0, len(payloads))
	for topic := range payloads {
		topics = append(topics, topic)
	}
	return topics
}
