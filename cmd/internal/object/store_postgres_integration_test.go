package object

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Integration tests are enabled when BURNBOX_DATABASE_URL is set.
// In non-CI runs, unreachable Postgres skips these tests to keep local runs fast.

func TestPostgresStore(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	t.Cleanup(pool.Close)

	runStoreSuite(t, func(t *testing.T) Store {
		schema := mustMigrateTestSchema(t, pool)
		st, err := NewPostgresStore(pool, WithSchema(schema))
		require.NoError(t, err)
		return st
	})
}

func TestPostgresStore_EngineConcurrentConsume(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	t.Cleanup(pool.Close)
	schema := mustMigrateTestSchema(t, pool)

	st, err := NewPostgresStore(pool, WithSchema(schema))
	require.NoError(t, err)
	engine, err := NewEngine(st)
	require.NoError(t, err)

	ctx := context.Background()
	r, err := st.Create(ctx, newTestRecord(t, time.Now().UTC(), true))
	require.NoError(t, err)

	success, rejected := consumeConcurrently(t, engine, r.ID, 12)
	assert.Equal(t, 1, success)
	assert.Equal(t, 11, rejected)
}

func TestMigrate_Idempotent(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	t.Cleanup(pool.Close)
	schema := mustMigrateTestSchema(t, pool)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	applied, err := Migrate(ctx, pool, schema)
	require.NoError(t, err)
	assert.Empty(t, applied)
}

func TestNewPostgresStore_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewPostgresStore(nil)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = NewPostgresStore(&pgxpool.Pool{}, WithSchema(" "))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

// ---- helpers ----

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("BURNBOX_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: BURNBOX_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse BURNBOX_DATABASE_URL: %v", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pingCancel()

	c, err := pool.Acquire(pingCtx)
	if err != nil {
		pool.Close()
		if shouldSkipIntegration(err) {
			t.Skipf("integration test skipped: Postgres unreachable (BURNBOX_DATABASE_URL set): %v", err)
		}
		t.Fatalf("acquire: %v", err)
	}
	c.Release()

	return pool
}

func shouldSkipIntegration(err error) bool {
	if err == nil {
		return false
	}
	if os.Getenv("CI") != "" {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "context deadline exceeded") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "dial tcp") ||
		strings.Contains(msg, "no such host")
}

// mustMigrateTestSchema runs the real migrations into a throwaway schema.
func mustMigrateTestSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	schema := "burnbox_it_" + strings.ToLower(newID(t))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	applied, err := Migrate(ctx, pool, schema)
	if err != nil {
		t.Fatalf("migrate %s: %v", schema, err)
	}
	if len(applied) == 0 {
		t.Fatalf("expected migrations to be applied in %s", schema)
	}
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	return schema
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}
