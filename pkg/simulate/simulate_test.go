package simulate

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cabana-dev/cabana/pkg/alert"
)

type envelope struct {
	Metadata struct {
		MessageID        string `json:"message_id"`
		MessageType      string `json:"message_type"`
		MessageTimestamp string `json:"message_timestamp"`
	} `json:"metadata"`
	Payload json.RawMessage `json:"payload"`
}

func decode(t *testing.T, raw []byte) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	return env
}

func TestNotificationCarriesTestPrefix(t *testing.T) {
	env := decode(t, Notification("channel.follow"))
	assert.Equal(t, "notification", env.Metadata.MessageType)
	assert.True(t, strings.HasPrefix(env.Metadata.MessageID, alert.TestIDPrefix))
	assert.NotEmpty(t, env.Metadata.MessageTimestamp)

	var payload struct {
		Subscription struct {
			Type string `json:"type"`
		} `json:"subscription"`
		Event json.RawMessage `json:"event"`
	}
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, "channel.follow", payload.Subscription.Type)
	assert.Contains(t, string(payload.Event), "followed_at")
}

func TestNotificationUnknownTopicGetsEmptyEvent(t *testing.T) {
	env := decode(t, Notification("channel.mystery"))
	var payload struct {
		Event json.RawMessage `json:"event"`
	}
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.JSONEq(t, `{}`, string(payload.Event))
}

func TestNotificationIDsAreUnique(t *testing.T) {
	a := decode(t, Notification("channel.follow"))
	b := decode(t, Notification("channel.follow"))
	assert.NotEqual(t, a.Metadata.MessageID, b.Metadata.MessageID)
}

func TestSessionFrames(t *testing.T) {
	welcome := decode(t, Welcome("sess-A"))
	assert.Equal(t, "session_welcome", welcome.Metadata.MessageType)
	assert.Contains(t, string(welcome.Payload), `"sess-A"`)

	reconnect := decode(t, Reconnect("wss://example/ws"))
	assert.Equal(t, "session_reconnect", reconnect.Metadata.MessageType)
	assert.Contains(t, string(reconnect.Payload), "wss://example/ws")

	assert.Equal(t, "session_keepalive", decode(t, Keepalive()).Metadata.MessageType)
	assert.Equal(t, "close", decode(t, Close()).Metadata.MessageType)
}
