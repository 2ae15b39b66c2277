// Package testutil holds integration-test helpers, in-memory stores and data factories.
package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// RequireEnv returns an environment variable or skips the test if missing.
func RequireEnv(t testing.TB, key string) string {
	t.Helper()
	value := os.Getenv(key)
	if value == "" {
		t.Skipf("%s not set", key)
	}
	return value
}

const advisoryLockID int64 = 730730

// AcquireDBLock grabs a global advisory lock to serialize DB tests.
func AcquireDBLock(ctx context.Context, pool *pgxpool.Pool) (func() error, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", advisoryLockID); err != nil {
		conn.Release()
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	unlock := func() error {
		defer conn.Release()
		if _, err := conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", advisoryLockID); err != nil {
			return fmt.Errorf("release advisory lock: %w", err)
		}
		return nil
	}

	return unlock, nil
}

// Schema migration names, in dependency order.
const (
	SchemaAccounts = "000001_accounts_api_keys"
	SchemaRules    = "000002_rules"
	SchemaEvents   = "000003_events"
)

// ResetSchema drops and recreates the tables of the named migrations.
// Down migrations run in reverse order, then up migrations in order.
func ResetSchema(ctx context.Context, pool *pgxpool.Pool, names ...string) error {
	root, err := ProjectRoot()
	if err != nil {
		return err
	}

	for i := len(names) - 1; i >= 0; i-- {
		if err := execFile(ctx, pool, filepath.Join(root, "migrations", names[i]+".down.sql")); err != nil {
			return fmt.Errorf("apply %s down migration: %w", names[i], err)
		}
	}
	for _, name := range names {
		if err := execFile(ctx, pool, filepath.Join(root, "migrations", name+".up.sql")); err != nil {
			return fmt.Errorf("apply %s up migration: %w", name, err)
		}
	}
	return nil
}

// ResetAllSchemas recreates every table.
func ResetAllSchemas(ctx context.Context, pool *pgxpool.Pool) error {
	return ResetSchema(ctx, pool, SchemaAccounts, SchemaRules, SchemaEvents)
}

func execFile(ctx context.Context, pool *pgxpool.Pool, path string) error {
	sql, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if _, err := pool.Exec(ctx, string(sql)); err != nil {
		return err
	}
	return nil
}

// FlushRedis clears the current Redis database.
func FlushRedis(ctx context.Context, client *redis.Client) error {
	return client.FlushDB(ctx).Err()
}

// ProjectRoot returns the project root directory.
func ProjectRoot() (string, error) {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return "", fmt.Errorf("failed to resolve testutil path")
	}
	root := filepath.Clean(filepath.Join(filepath.Dir(filename), "..", ".."))
	return root, nil
}

// NewTestPool connects to TEST_DATABASE_URL or skips.
func NewTestPool(t testing.TB) *pgxpool.Pool {
	t.Helper()
	dsn := RequireEnv(t, "TEST_DATABASE_URL")
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

// NewTestRedis connects to TEST_REDIS_URL or skips.
func NewTestRedis(t testing.TB) *redis.Client {
	t.Helper()
	url := RequireEnv(t, "TEST_REDIS_URL")
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("ping redis: %v", err)
	}
	return client
}
