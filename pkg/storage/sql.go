package storage

import (
	"context"
	stdsql "database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // register "pgx" driver with database/sql
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// dialect captures the few places where sqlite and postgres differ. The rest
// of the SQL backend is shared; sqlx.Rebind handles placeholder style.
type dialect struct {
	name        string
	tableExists string // one bound param: table name
	listTables  string // returns all table names in the current schema
	castReal    string // expression rendering the timestamp column as a float
}

var sqliteDialect = dialect{
	name:        "sqlite",
	tableExists: `SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = ?`,
	listTables:  `SELECT name FROM sqlite_master WHERE type = 'table'`,
	castReal:    `CAST(NULLIF(timestamp, '') AS REAL)`,
}

var postgresDialect = dialect{
	name:        "postgres",
	tableExists: `SELECT 1 FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = ?`,
	listTables:  `SELECT table_name FROM information_schema.tables WHERE table_schema = current_schema()`,
	castReal:    `CAST(NULLIF(timestamp, '') AS DOUBLE PRECISION)`,
}

// SQLStore implements Storage over a relational engine. One instance serves
// both the sqlite and postgres backends; they differ only in the dialect and
// how the pool is tuned at open.
type SQLStore struct {
	db      *sqlx.DB
	dialect dialect
	logger  *slog.Logger

	// mu serializes DDL (table creation, column evolution) and guards the
	// column cache. Row-level statements go straight to the pool.
	mu      sync.Mutex
	columns map[string]map[string]bool
}

// NewSQLite opens (or creates) the sqlite database at path and migrates the
// fixed tables. The pool is capped at one connection: sqlite allows a single
// writer, and serializing through one connection avoids "database is locked"
// errors under concurrent component writes.
func NewSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLStore, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, NewError("sqlite", "open", err)
	}
	db.SetMaxOpenConns(1)

	// WAL keeps readers and the single writer from blocking each other.
	// NORMAL synchronous is durable across application crashes, which is the
	// failure mode the queue snapshot protects against.
	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA synchronous = NORMAL`,
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, NewError("sqlite", "configure", err)
		}
	}

	s := &SQLStore{db: db, dialect: sqliteDialect, logger: logger, columns: make(map[string]map[string]bool)}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("Storage ready", "backend", "sqlite", "path", path)
	return s, nil
}

// NewPostgres connects to the postgres database at dsn and migrates the
// fixed tables.
func NewPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*SQLStore, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, NewError("postgres", "open", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, NewError("postgres", "ping", err)
	}

	s := &SQLStore{db: db, dialect: postgresDialect, logger: logger, columns: make(map[string]map[string]bool)}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("Storage ready", "backend", "postgres")
	return s, nil
}

// migrate applies the embedded fixed-table migrations. Archive tables are
// not migrated here; they are created dynamically on first Insert.
func (s *SQLStore) migrate() error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return NewError(s.dialect.name, "migration source", err)
	}

	var m *migrate.Migrate
	switch s.dialect.name {
	case "postgres":
		drv, derr := migratepg.WithInstance(s.db.DB, &migratepg.Config{})
		if derr != nil {
			return NewError(s.dialect.name, "migration driver", derr)
		}
		m, err = migrate.NewWithInstance("iofs", source, "cabana", drv)
	default:
		drv, derr := migratesqlite.WithInstance(s.db.DB, &migratesqlite.Config{})
		if derr != nil {
			return NewError(s.dialect.name, "migration driver", derr)
		}
		m, err = migrate.NewWithInstance("iofs", source, "cabana", drv)
	}
	if err != nil {
		return NewError(s.dialect.name, "migrate", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return NewError(s.dialect.name, "migrate", err)
	}

	// Close only the source. Closing the migrate instance would also close
	// the database driver, which closes the shared *sql.DB underneath us.
	if err := source.Close(); err != nil {
		return NewError(s.dialect.name, "migration source close", err)
	}
	return nil
}

func (s *SQLStore) SaveToken(ctx context.Context, name string, data []byte) error {
	return s.Insert(ctx, TableTokens, map[string]any{"name": name, "data": data}, true)
}

func (s *SQLStore) LoadToken(ctx context.Context, name string) ([]byte, error) {
	return s.loadBlob(ctx, TableTokens, name)
}

func (s *SQLStore) SaveQueue(ctx context.Context, name string, data []byte) error {
	return s.Insert(ctx, TableQueues, map[string]any{"name": name, "data": data}, true)
}

func (s *SQLStore) LoadQueue(ctx context.Context, name string) ([]byte, error) {
	return s.loadBlob(ctx, TableQueues, name)
}

func (s *SQLStore) loadBlob(ctx context.Context, table, name string) ([]byte, error) {
	var data string
	query := s.db.Rebind(fmt.Sprintf(`SELECT data FROM %s WHERE name = ?`, table))
	err := s.db.GetContext(ctx, &data, query, name)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, NewError(s.dialect.name, "load "+table, err)
	}
	return []byte(data), nil
}

func (s *SQLStore) Insert(ctx context.Context, table string, record map[string]any, upsert bool) error {
	table = sanitize(table)
	rec, err := textRecord(record)
	if err != nil {
		return NewError(s.dialect.name, "insert "+table, err)
	}
	cols := sortedColumns(rec)
	if len(cols) == 0 {
		return NewError(s.dialect.name, "insert "+table, errors.New("empty record"))
	}
	pk := primaryKey(table, cols)

	if err := s.ensureTable(ctx, table, cols, pk); err != nil {
		return err
	}

	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		placeholders[i] = "?"
		args[i] = rec[col]
	}

	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
		table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	if upsert {
		var sets []string
		for _, col := range cols {
			if col != pk {
				sets = append(sets, fmt.Sprintf("%s = excluded.%s", col, col))
			}
		}
		if len(sets) == 0 {
			query += fmt.Sprintf(` ON CONFLICT (%s) DO NOTHING`, pk)
		} else {
			query += fmt.Sprintf(` ON CONFLICT (%s) DO UPDATE SET %s`, pk, strings.Join(sets, ", "))
		}
	}

	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return NewError(s.dialect.name, "insert "+table, err)
	}
	return nil
}

func (s *SQLStore) Query(ctx context.Context, table, where string, params ...any) ([]map[string]string, error) {
	table = sanitize(table)
	exists, err := s.tableExists(ctx, table)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}

	query := fmt.Sprintf(`SELECT * FROM %s`, table)
	if strings.TrimSpace(where) != "" {
		query += ` WHERE ` + where
	}

	rows, err := s.db.QueryxContext(ctx, s.db.Rebind(query), params...)
	if err != nil {
		return nil, NewError(s.dialect.name, "query "+table, err)
	}
	defer rows.Close()

	var out []map[string]string
	for rows.Next() {
		raw := map[string]any{}
		if err := rows.MapScan(raw); err != nil {
			return nil, NewError(s.dialect.name, "query "+table, err)
		}
		rec := make(map[string]string, len(raw))
		for col, v := range raw {
			switch t := v.(type) {
			case nil:
				rec[col] = ""
			case []byte:
				rec[col] = string(t)
			case string:
				rec[col] = t
			default:
				rec[col] = fmt.Sprint(t)
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, NewError(s.dialect.name, "query "+table, err)
	}
	return out, nil
}

func (s *SQLStore) Delete(ctx context.Context, table, where string, params ...any) error {
	table = sanitize(table)
	exists, err := s.tableExists(ctx, table)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}

	query := fmt.Sprintf(`DELETE FROM %s`, table)
	if strings.TrimSpace(where) != "" {
		query += ` WHERE ` + where
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), params...); err != nil {
		return NewError(s.dialect.name, "delete "+table, err)
	}
	return nil
}

func (s *SQLStore) CleanUp(ctx context.Context, maxAge time.Duration) (int64, error) {
	var tables []string
	if err := s.db.SelectContext(ctx, &tables, s.dialect.listTables); err != nil {
		return 0, NewError(s.dialect.name, "list tables", err)
	}

	cutoff := cutoffEpoch(maxAge)
	var removed int64
	for _, table := range tables {
		if isFixedTable(table) || table == "schema_migrations" {
			continue
		}
		cols, err := s.tableColumns(ctx, table)
		if err != nil {
			return removed, err
		}
		if !cols["timestamp"] {
			continue
		}
		query := s.db.Rebind(fmt.Sprintf(`DELETE FROM %s WHERE %s < ?`, table, s.dialect.castReal))
		res, err := s.db.ExecContext(ctx, query, cutoff)
		if err != nil {
			return removed, NewError(s.dialect.name, "clean up "+table, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			removed += n
		}
	}
	return removed, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) tableExists(ctx context.Context, table string) (bool, error) {
	s.mu.Lock()
	_, known := s.columns[table]
	s.mu.Unlock()
	if known || isFixedTable(table) {
		return true, nil
	}

	var one int
	err := s.db.GetContext(ctx, &one, s.db.Rebind(s.dialect.tableExists), table)
	if errors.Is(err, stdsql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, NewError(s.dialect.name, "table lookup", err)
	}
	return true, nil
}

// ensureTable creates the archive table on first insert and evolves its
// columns when later records carry new fields. All columns are TEXT.
func (s *SQLStore) ensureTable(ctx context.Context, table string, cols []string, pk string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	known, cached := s.columns[table]
	if !cached {
		exists, err := s.tableExistsLocked(ctx, table)
		if err != nil {
			return err
		}
		if !exists {
			defs := make([]string, len(cols))
			for i, col := range cols {
				defs[i] = col + " TEXT"
			}
			ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s, PRIMARY KEY (%s))`,
				table, strings.Join(defs, ", "), pk)
			if _, err := s.db.ExecContext(ctx, ddl); err != nil {
				return NewError(s.dialect.name, "create table "+table, err)
			}
			known = make(map[string]bool, len(cols))
			for _, col := range cols {
				known[col] = true
			}
			s.columns[table] = known
			s.logger.Info("Created archive table", "table", table, "columns", len(cols))
			return nil
		}
		known, err = s.fetchColumns(ctx, table)
		if err != nil {
			return err
		}
		s.columns[table] = known
	}

	for _, col := range cols {
		if known[col] {
			continue
		}
		ddl := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s TEXT`, table, col)
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return NewError(s.dialect.name, "alter table "+table, err)
		}
		known[col] = true
		s.logger.Info("Added archive column", "table", table, "column", col)
	}
	return nil
}

func (s *SQLStore) tableExistsLocked(ctx context.Context, table string) (bool, error) {
	var one int
	err := s.db.GetContext(ctx, &one, s.db.Rebind(s.dialect.tableExists), table)
	if errors.Is(err, stdsql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, NewError(s.dialect.name, "table lookup", err)
	}
	return true, nil
}

func (s *SQLStore) tableColumns(ctx context.Context, table string) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cols, ok := s.columns[table]; ok {
		return cols, nil
	}
	cols, err := s.fetchColumns(ctx, table)
	if err != nil {
		return nil, err
	}
	s.columns[table] = cols
	return cols, nil
}

// fetchColumns learns a table's column set from an empty result set, which
// works identically on both dialects.
func (s *SQLStore) fetchColumns(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := s.db.QueryxContext(ctx, fmt.Sprintf(`SELECT * FROM %s LIMIT 0`, table))
	if err != nil {
		return nil, NewError(s.dialect.name, "describe "+table, err)
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return nil, NewError(s.dialect.name, "describe "+table, err)
	}
	cols := make(map[string]bool, len(names))
	for _, name := range names {
		cols[name] = true
	}
	return cols, rows.Err()
}
