// Package storagetest provides shared backend fixtures for storage
// integration tests. CI points the tests at service containers via CI_*
// environment variables; local runs start testcontainers once per package.
package storagetest

import (
	"context"
	"crypto/rand"
	stdsql "database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var (
	pgConnStr string
	pgOnce    sync.Once
	pgErr     error

	redisAddr string
	redisOnce sync.Once
	redisErr  error
)

// PostgresDSN returns a connection string scoped to a fresh schema for this
// test, so parallel tests cannot see each other's tables.
func PostgresDSN(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	base := basePostgres(t)
	schema := generateSchemaName(t)

	db, err := stdsql.Open("pgx", base)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA %s", schema))
	require.NoError(t, err)
	_ = db.Close()

	t.Cleanup(func() {
		db, err := stdsql.Open("pgx", base)
		if err != nil {
			t.Logf("warning: could not connect to drop schema %s: %v", schema, err)
			return
		}
		defer func() { _ = db.Close() }()
		if _, err := db.ExecContext(context.Background(),
			fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schema)); err != nil {
			t.Logf("warning: failed to drop schema %s: %v", schema, err)
		}
	})

	separator := "?"
	if strings.Contains(base, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%ssearch_path=%s", base, separator, schema)
}

func basePostgres(t *testing.T) string {
	if dsn := os.Getenv("CI_DATABASE_URL"); dsn != "" {
		t.Log("Using external PostgreSQL from CI_DATABASE_URL")
		return dsn
	}

	pgOnce.Do(func() {
		ctx := context.Background()
		t.Log("Starting shared PostgreSQL testcontainer")

		container, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			pgErr = fmt.Errorf("start postgres container: %w", err)
			return
		}
		connStr, err := container.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			pgErr = fmt.Errorf("postgres connection string: %w", err)
			return
		}
		pgConnStr = connStr
	})

	require.NoError(t, pgErr, "shared postgres container")
	return pgConnStr
}

// RedisURL returns a redis connection URL, from CI_REDIS_URL or a shared
// testcontainer.
func RedisURL(t *testing.T) string {
	t.Helper()
	if u := os.Getenv("CI_REDIS_URL"); u != "" {
		t.Log("Using external Redis from CI_REDIS_URL")
		return u
	}

	redisOnce.Do(func() {
		ctx := context.Background()
		t.Log("Starting shared Redis testcontainer")

		container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "redis:7-alpine",
				ExposedPorts: []string{"6379/tcp"},
				WaitingFor: wait.ForLog("Ready to accept connections").
					WithStartupTimeout(30 * time.Second),
			},
			Started: true,
		})
		if err != nil {
			redisErr = fmt.Errorf("start redis container: %w", err)
			return
		}
		host, err := container.Host(ctx)
		if err != nil {
			redisErr = err
			return
		}
		port, err := container.MappedPort(ctx, "6379/tcp")
		if err != nil {
			redisErr = err
			return
		}
		redisAddr = fmt.Sprintf("redis://%s:%s", host, port.Port())
	})

	require.NoError(t, redisErr, "shared redis container")
	return redisAddr
}

func generateSchemaName(t *testing.T) string {
	name := strings.ToLower(t.Name())
	name = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, name)
	if len(name) > 40 {
		name = name[:40]
	}

	random := make([]byte, 4)
	if _, err := rand.Read(random); err != nil {
		t.Fatalf("generate schema suffix: %v", err)
	}
	return fmt.Sprintf("test_%s_%s", name, hex.EncodeToString(random))
}
