package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "cabana:table:"

// redisTablesKey is a set of every archive table name, so CleanUp can find
// them without scanning the whole keyspace.
const redisTablesKey = "cabana:tables"

// RedisStore keeps each table as one hash keyed by primary key, with records
// serialized as JSON objects of string fields.
type RedisStore struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedis connects to the redis instance at dsn (redis:// URL).
func NewRedis(ctx context.Context, dsn string, logger *slog.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, NewError("redis", "parse dsn", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, NewError("redis", "ping", err)
	}
	logger.Info("Storage ready", "backend", "redis", "addr", opts.Addr)
	return &RedisStore{client: client, logger: logger}, nil
}

func (s *RedisStore) SaveToken(ctx context.Context, name string, data []byte) error {
	return s.Insert(ctx, TableTokens, map[string]any{"name": name, "data": data}, true)
}

func (s *RedisStore) LoadToken(ctx context.Context, name string) ([]byte, error) {
	return s.loadBlob(ctx, TableTokens, name)
}

func (s *RedisStore) SaveQueue(ctx context.Context, name string, data []byte) error {
	return s.Insert(ctx, TableQueues, map[string]any{"name": name, "data": data}, true)
}

func (s *RedisStore) LoadQueue(ctx context.Context, name string) ([]byte, error) {
	return s.loadBlob(ctx, TableQueues, name)
}

func (s *RedisStore) loadBlob(ctx context.Context, table, name string) ([]byte, error) {
	raw, err := s.client.HGet(ctx, redisKeyPrefix+table, name).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, NewError("redis", "load "+table, err)
	}
	rec := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, NewError("redis", "load "+table, fmt.Errorf("%w: %v", ErrBadSnapshot, err))
	}
	return []byte(rec["data"]), nil
}

func (s *RedisStore) Insert(ctx context.Context, table string, record map[string]any, upsert bool) error {
	table = sanitize(table)
	rec, err := textRecord(record)
	if err != nil {
		return NewError("redis", "insert "+table, err)
	}
	cols := sortedColumns(rec)
	if len(cols) == 0 {
		return NewError("redis", "insert "+table, errors.New("empty record"))
	}
	pk := primaryKey(table, cols)
	key := rec[pk]

	encoded, err := json.Marshal(rec)
	if err != nil {
		return NewError("redis", "insert "+table, err)
	}

	if upsert {
		err = s.client.HSet(ctx, redisKeyPrefix+table, key, encoded).Err()
	} else {
		var set bool
		set, err = s.client.HSetNX(ctx, redisKeyPrefix+table, key, encoded).Result()
		if err == nil && !set {
			return NewError("redis", "insert "+table, fmt.Errorf("duplicate key %q", key))
		}
	}
	if err != nil {
		return NewError("redis", "insert "+table, err)
	}
	if !isFixedTable(table) {
		if err := s.client.SAdd(ctx, redisTablesKey, table).Err(); err != nil {
			return NewError("redis", "insert "+table, err)
		}
	}
	return nil
}

func (s *RedisStore) Query(ctx context.Context, table, where string, params ...any) ([]map[string]string, error) {
	table = sanitize(table)
	conds, err := parseWhere(where, params)
	if err != nil {
		return nil, NewError("redis", "query "+table, err)
	}

	all, err := s.client.HGetAll(ctx, redisKeyPrefix+table).Result()
	if err != nil {
		return nil, NewError("redis", "query "+table, err)
	}

	keys := make([]string, 0, len(all))
	for key := range all {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var out []map[string]string
	for _, key := range keys {
		rec := map[string]string{}
		if err := json.Unmarshal([]byte(all[key]), &rec); err != nil {
			return nil, NewError("redis", "query "+table, fmt.Errorf("%w: %v", ErrBadSnapshot, err))
		}
		if matches(rec, conds) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *RedisStore) Delete(ctx context.Context, table, where string, params ...any) error {
	table = sanitize(table)
	conds, err := parseWhere(where, params)
	if err != nil {
		return NewError("redis", "delete "+table, err)
	}

	all, err := s.client.HGetAll(ctx, redisKeyPrefix+table).Result()
	if err != nil {
		return NewError("redis", "delete "+table, err)
	}

	var doomed []string
	for key, raw := range all {
		rec := map[string]string{}
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		if matches(rec, conds) {
			doomed = append(doomed, key)
		}
	}
	if len(doomed) == 0 {
		return nil
	}
	if err := s.client.HDel(ctx, redisKeyPrefix+table, doomed...).Err(); err != nil {
		return NewError("redis", "delete "+table, err)
	}
	return nil
}

func (s *RedisStore) CleanUp(ctx context.Context, maxAge time.Duration) (int64, error) {
	tables, err := s.client.SMembers(ctx, redisTablesKey).Result()
	if err != nil {
		return 0, NewError("redis", "clean up", err)
	}

	cutoff := cutoffEpoch(maxAge)
	var removed int64
	for _, table := range tables {
		all, err := s.client.HGetAll(ctx, redisKeyPrefix+table).Result()
		if err != nil {
			return removed, NewError("redis", "clean up "+table, err)
		}
		var doomed []string
		for key, raw := range all {
			rec := map[string]string{}
			if err := json.Unmarshal([]byte(raw), &rec); err != nil {
				continue
			}
			ts, err := strconv.ParseFloat(rec["timestamp"], 64)
			if err != nil {
				continue
			}
			if ts < cutoff {
				doomed = append(doomed, key)
			}
		}
		if len(doomed) == 0 {
			continue
		}
		if err := s.client.HDel(ctx, redisKeyPrefix+table, doomed...).Err(); err != nil {
			return removed, NewError("redis", "clean up "+table, err)
		}
		removed += int64(len(doomed))
	}
	return removed, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
