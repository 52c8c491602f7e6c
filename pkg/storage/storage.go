// Package storage provides uniform persistence for tokens, queue snapshots,
// and per-topic event archives, with interchangeable backends.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"time"
)

// Fixed namespaces. Archive tables are created dynamically; these are
// provisioned up front and are never touched by CleanUp.
const (
	TableTokens   = "tokens"
	TableQueues   = "queues"
	TableVersions = "subpub_versions"
)

// Storage is the persistence contract shared by all components.
//
// Load operations return (nil, nil) when the requested resource is absent;
// absence is not an error. Query and Delete against a table that does not
// exist yet behave as if the table were empty, because archive tables only
// come into existence with their first Insert.
type Storage interface {
	// SaveToken atomically overwrites the token stored under name.
	SaveToken(ctx context.Context, name string, data []byte) error
	// LoadToken returns the stored token, or nil when absent.
	LoadToken(ctx context.Context, name string) ([]byte, error)

	// SaveQueue atomically overwrites the queue snapshot stored under name.
	SaveQueue(ctx context.Context, name string, data []byte) error
	// LoadQueue returns the stored snapshot, or nil when absent.
	LoadQueue(ctx context.Context, name string) ([]byte, error)

	// Insert writes one record into table, creating the table on first use.
	// With upsert, an existing row with the same primary key is replaced.
	// The primary key is "name" for the fixed tables, else "message_id" when
	// the record carries one, else "name", else the first column in sorted
	// order. Non-string values are stored JSON-encoded.
	Insert(ctx context.Context, table string, record map[string]any, upsert bool) error

	// Query returns the rows of table matching the where clause with bound
	// parameters. SQL backends accept any engine-supported clause; document
	// backends support the "col = ? [AND col = ?]..." subset and reject
	// anything else with ErrUnsupportedWhere. An empty clause matches all.
	Query(ctx context.Context, table, where string, params ...any) ([]map[string]string, error)

	// Delete removes the rows of table matching the where clause.
	Delete(ctx context.Context, table, where string, params ...any) error

	// CleanUp removes archive rows whose timestamp column is older than
	// maxAge, returning the number of rows removed. Rows without a
	// timestamp and the fixed tables are left alone.
	CleanUp(ctx context.Context, maxAge time.Duration) (int64, error)

	Close() error
}

// Config selects and parameterizes a backend.
type Config struct {
	Type string // sqlite, json, postgres, redis, mongo
	Path string // sqlite file or json directory
	DSN  string // postgres, redis, or mongo connection string
}

// New opens the backend named by cfg.Type.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (Storage, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Type {
	case "sqlite":
		return NewSQLite(ctx, cfg.Path, logger)
	case "postgres":
		return NewPostgres(ctx, cfg.DSN, logger)
	case "json":
		return NewJSON(cfg.Path, logger)
	case "redis":
		return NewRedis(ctx, cfg.DSN, logger)
	case "mongo":
		return NewMongo(ctx, cfg.DSN, logger)
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

var nonWord = regexp.MustCompile(`\W+`)

// sanitize replaces every run of non-word characters with a single
// underscore. Every table and column name passes through here before it
// reaches an underlying engine.
func sanitize(identifier string) string {
	return nonWord.ReplaceAllString(identifier, "_")
}

func isFixedTable(table string) bool {
	switch table {
	case TableTokens, TableQueues, TableVersions:
		return true
	}
	return false
}

// primaryKey resolves the upsert key column from the sanitized, sorted
// column list of a record.
func primaryKey(table string, cols []string) string {
	if isFixedTable(table) {
		return "name"
	}
	for _, col := range cols {
		if col == "message_id" {
			return col
		}
	}
	for _, col := range cols {
		if col == "name" {
			return col
		}
	}
	if len(cols) == 0 {
		return ""
	}
	return cols[0]
}

func sortedColumns(record map[string]string) []string {
	cols := make([]string, 0, len(record))
	for col := range record {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}

// textValue renders a record value to its stored TEXT form.
func textValue(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	case json.RawMessage:
		return string(t), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode value: %w", err)
	}
	return string(b), nil
}

// textRecord sanitizes column names and renders all values to text.
func textRecord(record map[string]any) (map[string]string, error) {
	out := make(map[string]string, len(record))
	for col, v := range record {
		text, err := textValue(v)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", col, err)
		}
		out[sanitize(col)] = text
	}
	return out, nil
}

// cutoffEpoch converts a retention window into the epoch-seconds floor.
func cutoffEpoch(maxAge time.Duration) float64 {
	return float64(time.Now().Add(-maxAge).UnixNano()) / float64(time.Second)
}
