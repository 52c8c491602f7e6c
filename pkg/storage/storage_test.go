package storage

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitize(t *testing.T) {
	assert.Equal(t, "channel_follow", sanitize("channel.follow"))
	assert.Equal(t, "channel_chat_message", sanitize("channel.chat.message"))
	assert.Equal(t, "a_b_c", sanitize("a b;c"))
	assert.Equal(t, "plain_name", sanitize("plain_name"))
}

func TestPrimaryKey(t *testing.T) {
	assert.Equal(t, "name", primaryKey(TableTokens, []string{"data", "name"}))
	assert.Equal(t, "message_id", primaryKey("channel_follow", []string{"data", "message_id", "timestamp"}))
	assert.Equal(t, "name", primaryKey("subs", []string{"name", "version"}))
	assert.Equal(t, "aaa", primaryKey("misc", []string{"aaa", "bbb"}))
}

func TestParseWhere(t *testing.T) {
	t.Run("empty clause matches all", func(t *testing.T) {
		conds, err := parseWhere("", nil)
		require.NoError(t, err)
		assert.Empty(t, conds)
	})

	t.Run("single equality", func(t *testing.T) {
		conds, err := parseWhere("message_id = ?", []any{"m1"})
		require.NoError(t, err)
		require.Len(t, conds, 1)
		assert.Equal(t, "message_id", conds[0].col)
		assert.Equal(t, "m1", conds[0].val)
	})

	t.Run("multiple AND terms", func(t *testing.T) {
		conds, err := parseWhere("a = ? AND b = ?", []any{"1", "2"})
		require.NoError(t, err)
		require.Len(t, conds, 2)
		assert.Equal(t, "b", conds[1].col)
	})

	t.Run("rejects other operators", func(t *testing.T) {
		_, err := parseWhere("a < ?", []any{"1"})
		assert.ErrorIs(t, err, ErrUnsupportedWhere)
	})

	t.Run("rejects parameter count mismatch", func(t *testing.T) {
		_, err := parseWhere("a = ?", []any{"1", "2"})
		assert.ErrorIs(t, err, ErrUnsupportedWhere)
	})
}

// backendsUnderTest returns the backends that need no external service.
func backendsUnderTest(t *testing.T) map[string]Storage {
	t.Helper()
	ctx := context.Background()
	logger := slog.Default()

	jsonStore, err := NewJSON(t.TempDir(), logger)
	require.NoError(t, err)

	sqliteStore, err := NewSQLite(ctx, filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = jsonStore.Close()
		_ = sqliteStore.Close()
	})
	return map[string]Storage{"json": jsonStore, "sqlite": sqliteStore}
}

func TestTokenRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, st := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			loaded, err := st.LoadToken(ctx, "twitch")
			require.NoError(t, err)
			assert.Nil(t, loaded, "absent token must load as nil, not error")

			require.NoError(t, st.SaveToken(ctx, "twitch", []byte(`{"access":"a1"}`)))
			loaded, err = st.LoadToken(ctx, "twitch")
			require.NoError(t, err)
			assert.JSONEq(t, `{"access":"a1"}`, string(loaded))

			// Overwrite, not append.
			require.NoError(t, st.SaveToken(ctx, "twitch", []byte(`{"access":"a2"}`)))
			loaded, err = st.LoadToken(ctx, "twitch")
			require.NoError(t, err)
			assert.JSONEq(t, `{"access":"a2"}`, string(loaded))
		})
	}
}

func TestQueueSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, st := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			loaded, err := st.LoadQueue(ctx, "alerts")
			require.NoError(t, err)
			assert.Nil(t, loaded)

			snapshot := []byte(`[{"message_id":"a","priority":1}]`)
			require.NoError(t, st.SaveQueue(ctx, "alerts", snapshot))
			loaded, err = st.LoadQueue(ctx, "alerts")
			require.NoError(t, err)
			assert.JSONEq(t, string(snapshot), string(loaded))
		})
	}
}

func TestArchiveUpsertIdempotence(t *testing.T) {
	ctx := context.Background()
	for name, st := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			record := map[string]any{
				"message_id": "m1",
				"data":       map[string]any{"user_id": "42"},
				"timestamp":  "1704067200.5",
			}
			// Same envelope ingested twice upserts exactly one row.
			require.NoError(t, st.Insert(ctx, "channel.follow", record, true))
			require.NoError(t, st.Insert(ctx, "channel.follow", record, true))

			rows, err := st.Query(ctx, "channel.follow", "message_id = ?", "m1")
			require.NoError(t, err)
			require.Len(t, rows, 1)
			assert.Equal(t, "m1", rows[0]["message_id"])
			assert.JSONEq(t, `{"user_id":"42"}`, rows[0]["data"])
		})
	}
}

func TestQueryMissingTableIsEmpty(t *testing.T) {
	ctx := context.Background()
	for name, st := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			rows, err := st.Query(ctx, "never.created", "")
			require.NoError(t, err)
			assert.Empty(t, rows)
			assert.NoError(t, st.Delete(ctx, "never.created", "message_id = ?", "x"))
		})
	}
}

func TestArchiveColumnEvolution(t *testing.T) {
	ctx := context.Background()
	for name, st := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, st.Insert(ctx, "channel.raid", map[string]any{
				"message_id": "m1", "timestamp": "10",
			}, true))
			// A later record carries a field the table has not seen.
			require.NoError(t, st.Insert(ctx, "channel.raid", map[string]any{
				"message_id": "m2", "timestamp": "11", "viewers": 250,
			}, true))

			rows, err := st.Query(ctx, "channel.raid", "message_id = ?", "m2")
			require.NoError(t, err)
			require.Len(t, rows, 1)
			assert.Equal(t, "250", rows[0]["viewers"])
		})
	}
}

func TestDeleteByCondition(t *testing.T) {
	ctx := context.Background()
	for name, st := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, st.Insert(ctx, "channel.follow", map[string]any{"message_id": "m1", "keep": "no"}, true))
			require.NoError(t, st.Insert(ctx, "channel.follow", map[string]any{"message_id": "m2", "keep": "yes"}, true))

			require.NoError(t, st.Delete(ctx, "channel.follow", "keep = ?", "no"))

			rows, err := st.Query(ctx, "channel.follow", "")
			require.NoError(t, err)
			require.Len(t, rows, 1)
			assert.Equal(t, "m2", rows[0]["message_id"])
		})
	}
}

func TestCleanUpRetention(t *testing.T) {
	ctx := context.Background()
	now := float64(time.Now().Unix())
	for name, st := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			old := now - 100*24*3600
			require.NoError(t, st.Insert(ctx, "channel.follow", map[string]any{
				"message_id": "old", "timestamp": old,
			}, true))
			require.NoError(t, st.Insert(ctx, "channel.follow", map[string]any{
				"message_id": "new", "timestamp": now,
			}, true))
			// Rows without a parseable timestamp are left alone.
			require.NoError(t, st.Insert(ctx, "channel.follow", map[string]any{
				"message_id": "odd", "timestamp": "",
			}, true))
			require.NoError(t, st.SaveToken(ctx, "twitch", []byte(`{}`)))

			removed, err := st.CleanUp(ctx, 90*24*time.Hour)
			require.NoError(t, err)
			assert.EqualValues(t, 1, removed)

			rows, err := st.Query(ctx, "channel.follow", "")
			require.NoError(t, err)
			assert.Len(t, rows, 2)

			tok, err := st.LoadToken(ctx, "twitch")
			require.NoError(t, err)
			assert.NotNil(t, tok, "CleanUp must never touch the fixed tables")
		})
	}
}
