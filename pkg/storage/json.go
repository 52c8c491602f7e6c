package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// JSONStore keeps every table as one JSON file in a directory: a map from
// primary key to record. Writes go through a temp file and an atomic rename
// so a crash mid-write never leaves a truncated table behind.
type JSONStore struct {
	dir    string
	logger *slog.Logger

	mu sync.Mutex
}

// NewJSON opens the directory-backed store, creating dir if needed.
func NewJSON(dir string, logger *slog.Logger) (*JSONStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, NewError("json", "open", err)
	}
	logger.Info("Storage ready", "backend", "json", "dir", dir)
	return &JSONStore{dir: dir, logger: logger}, nil
}

func (s *JSONStore) SaveToken(ctx context.Context, name string, data []byte) error {
	return s.Insert(ctx, TableTokens, map[string]any{"name": name, "data": data}, true)
}

func (s *JSONStore) LoadToken(_ context.Context, name string) ([]byte, error) {
	return s.loadBlob(TableTokens, name)
}

func (s *JSONStore) SaveQueue(ctx context.Context, name string, data []byte) error {
	return s.Insert(ctx, TableQueues, map[string]any{"name": name, "data": data}, true)
}

func (s *JSONStore) LoadQueue(_ context.Context, name string) ([]byte, error) {
	return s.loadBlob(TableQueues, name)
}

func (s *JSONStore) loadBlob(table, name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readTable(table)
	if err != nil {
		return nil, err
	}
	rec, ok := records[name]
	if !ok {
		return nil, nil
	}
	return []byte(rec["data"]), nil
}

func (s *JSONStore) Insert(_ context.Context, table string, record map[string]any, upsert bool) error {
	table = sanitize(table)
	rec, err := textRecord(record)
	if err != nil {
		return NewError("json", "insert "+table, err)
	}
	cols := sortedColumns(rec)
	if len(cols) == 0 {
		return NewError("json", "insert "+table, errors.New("empty record"))
	}
	pk := primaryKey(table, cols)
	key := rec[pk]

	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readTable(table)
	if err != nil {
		return err
	}
	if _, exists := records[key]; exists && !upsert {
		return NewError("json", "insert "+table, fmt.Errorf("duplicate key %q", key))
	}
	records[key] = rec
	return s.writeTable(table, records)
}

func (s *JSONStore) Query(_ context.Context, table, where string, params ...any) ([]map[string]string, error) {
	table = sanitize(table)
	conds, err := parseWhere(where, params)
	if err != nil {
		return nil, NewError("json", "query "+table, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readTable(table)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(records))
	for key := range records {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var out []map[string]string
	for _, key := range keys {
		if matches(records[key], conds) {
			out = append(out, records[key])
		}
	}
	return out, nil
}

func (s *JSONStore) Delete(_ context.Context, table, where string, params ...any) error {
	table = sanitize(table)
	conds, err := parseWhere(where, params)
	if err != nil {
		return NewError("json", "delete "+table, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readTable(table)
	if err != nil {
		return err
	}
	changed := false
	for key, rec := range records {
		if matches(rec, conds) {
			delete(records, key)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.writeTable(table, records)
}

func (s *JSONStore) CleanUp(_ context.Context, maxAge time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, NewError("json", "clean up", err)
	}

	cutoff := cutoffEpoch(maxAge)
	var removed int64
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		table := strings.TrimSuffix(entry.Name(), ".json")
		if isFixedTable(table) {
			continue
		}
		records, err := s.readTable(table)
		if err != nil {
			return removed, err
		}
		changed := false
		for key, rec := range records {
			ts, err := strconv.ParseFloat(rec["timestamp"], 64)
			if err != nil {
				continue
			}
			if ts < cutoff {
				delete(records, key)
				changed = true
				removed++
			}
		}
		if changed {
			if err := s.writeTable(table, records); err != nil {
				return removed, err
			}
		}
	}
	return removed, nil
}

func (s *JSONStore) Close() error {
	return nil
}

func (s *JSONStore) tablePath(table string) string {
	return filepath.Join(s.dir, table+".json")
}

// readTable loads one table file; a missing file is an empty table.
func (s *JSONStore) readTable(table string) (map[string]map[string]string, error) {
	data, err := os.ReadFile(s.tablePath(table))
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]map[string]string{}, nil
	}
	if err != nil {
		return nil, NewError("json", "read "+table, err)
	}
	records := map[string]map[string]string{}
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, NewError("json", "read "+table, fmt.Errorf("%w: %v", ErrBadSnapshot, err))
	}
	return records, nil
}

// writeTable persists one table file atomically: write a sibling temp file,
// then rename it over the target.
func (s *JSONStore) writeTable(table string, records map[string]map[string]string) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return NewError("json", "write "+table, err)
	}

	target := s.tablePath(table)
	tmp, err := os.CreateTemp(s.dir, table+".*.tmp")
	if err != nil {
		return NewError("json", "write "+table, err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return NewError("json", "write "+table, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return NewError("json", "write "+table, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		_ = os.Remove(tmp.Name())
		return NewError("json", "write "+table, err)
	}
	return nil
}
