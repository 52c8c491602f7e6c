package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cabana.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const validYAML = `
client_id: abc123
client_secret: shhh
redirect_uri: http://localhost:5000/callback
scopes:
  - channel:read:subscriptions
  - moderator:read:followers
channels:
  channel.follow: ["1234", ~]
  channel.raid:
queue_skip:
  - channel.chat.message
storage:
  type: json
  path: testdata/db
`

func TestLoad_Valid(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, "abc123", cfg.ClientID)
	assert.Equal(t, "shhh", cfg.ClientSecret)
	assert.Equal(t, "localhost:5000", cfg.ListenAddr())
	assert.Equal(t, "/callback", cfg.CallbackPath())
	assert.Len(t, cfg.Scopes, 2)
	assert.True(t, cfg.QueueSkip["channel.chat.message"])
	assert.Equal(t, DefaultMaxReconnect, cfg.MaxReconnect)
	assert.Equal(t, StorageJSON, cfg.Storage.Type)

	t.Run("bare topic normalizes to one self subscription", func(t *testing.T) {
		require.Len(t, cfg.Channels["channel.raid"], 1)
		assert.Nil(t, cfg.Channels["channel.raid"][0])
	})

	t.Run("explicit list keeps nil entries", func(t *testing.T) {
		follows := cfg.Channels["channel.follow"]
		require.Len(t, follows, 2)
		require.NotNil(t, follows[0])
		assert.Equal(t, "1234", *follows[0])
		assert.Nil(t, follows[1])
	})
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
client_id: abc
client_secret: def
redirect_uri: http://localhost:8080/cb
`))
	require.NoError(t, err)

	assert.Equal(t, StorageSQLite, cfg.Storage.Type)
	assert.Equal(t, "db/cabana.db", cfg.Storage.Path)
	assert.Equal(t, 90, cfg.MaxAge())
	assert.Equal(t, "0 4 * * *", cfg.Retention.Schedule)
}

func TestLoad_ExplicitZeroMaxReconnect(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
client_id: abc
client_secret: def
redirect_uri: http://localhost:8080/cb
max_reconnect: 0
`))
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.MaxReconnect)
}

func TestLoad_UnknownKeyRejected(t *testing.T) {
	_, err := Load(writeConfig(t, `
client_id: abc
client_secret: def
redirect_uri: http://localhost:8080/cb
frobnicate: true
`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing client_id", "client_secret: x\nredirect_uri: http://h:1/cb\n"},
		{"missing client_secret", "client_id: x\nredirect_uri: http://h:1/cb\n"},
		{"missing redirect_uri", "client_id: x\nclient_secret: y\n"},
		{"bad storage type", "client_id: x\nclient_secret: y\nredirect_uri: http://h:1/cb\nstorage:\n  type: carrier-pigeon\n"},
		{"postgres without dsn", "client_id: x\nclient_secret: y\nredirect_uri: http://h:1/cb\nstorage:\n  type: postgres\n"},
		{"negative max_reconnect", "client_id: x\nclient_secret: y\nredirect_uri: http://h:1/cb\nmax_reconnect: -1\n"},
		{"bad cron schedule", "client_id: x\nclient_secret: y\nredirect_uri: http://h:1/cb\nretention:\n  schedule: whenever\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			require.Error(t, err)

			var verr *ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("CABANA_TEST_SECRET", "from-env")

	cfg, err := Load(writeConfig(t, `
client_id: abc
client_secret: "{{.CABANA_TEST_SECRET}}"
redirect_uri: http://localhost:8080/cb
`))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.ClientSecret)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CABANA_STORAGE_TYPE", "json")
	t.Setenv("CABANA_STORAGE_PATH", "/tmp/cabana-test")

	cfg, err := Load(writeConfig(t, `
client_id: abc
client_secret: def
redirect_uri: http://localhost:8080/cb
storage:
  type: sqlite
  path: db/cabana.db
`))
	require.NoError(t, err)
	assert.Equal(t, StorageJSON, cfg.Storage.Type)
	assert.Equal(t, "/tmp/cabana-test", cfg.Storage.Path)
}

func TestFromEnv(t *testing.T) {
	t.Setenv("CABANA_CLIENT_ID", "env-client")
	t.Setenv("CABANA_CLIENT_SECRET", "env-secret")
	t.Setenv("CABANA_REDIRECT_URI", "http://127.0.0.1:9000/oauth")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "env-client", cfg.ClientID)
	assert.Equal(t, "127.0.0.1:9000", cfg.ListenAddr())
	assert.Equal(t, "/oauth", cfg.CallbackPath())
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfigNotFound)

	var lerr *LoadError
	assert.ErrorAs(t, err, &lerr)
}

func TestExpandEnv_PreservesLiteralDollar(t *testing.T) {
	t.Setenv("CABANA_TEST_VAR", "value")

	out := ExpandEnv([]byte("pattern: ^secret.*$\nkey: {{.CABANA_TEST_VAR}}\n"))
	assert.Contains(t, string(out), "^secret.*$")
	assert.Contains(t, string(out), "key: value")
}
