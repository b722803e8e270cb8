package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/commerce-harvester/internal/config"
)

// testContext creates a context with timeout for tests
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func testPostgresConfig() *config.PostgresConfig {
	return &config.PostgresConfig{
		Host:           envOr("POSTGRES_HOST", "localhost"),
		Port:           envOr("POSTGRES_PORT", "5432"),
		Database:       envOr("POSTGRES_DB", "harvester_test"),
		User:           envOr("POSTGRES_USER", "harvester"),
		Password:       envOr("POSTGRES_PASSWORD", "harvester_dev_password"),
		MaxConnections: 10,
	}
}

func testClickHouseConfig() *config.ClickHouseConfig {
	return &config.ClickHouseConfig{
		Host:     envOr("CLICKHOUSE_HOST", "localhost"),
		Port:     envOr("CLICKHOUSE_PORT", "9000"),
		Database: envOr("CLICKHOUSE_DB", "harvester_test"),
		User:     envOr("CLICKHOUSE_USER", "default"),
		Password: envOr("CLICKHOUSE_PASSWORD", ""),
	}
}

// migrationsDir resolves a migrations directory from the package directory
func migrationsDir(t *testing.T, name string) string {
	t.Helper()
	dir, err := filepath.Abs(filepath.Join("..", "..", "migrations", name))
	if err != nil {
		t.Fatalf("failed to resolve migrations: %v", err)
	}
	return dir
}

// setupPostgres connects to the test database and applies the migrations.
// The test is skipped when Postgres is unreachable.
func setupPostgres(t *testing.T) *PostgresDB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := testPostgresConfig()
	db, err := NewPostgresDB(testContext(t), cfg)
	if err != nil {
		t.Skipf("Skipping test - Postgres not available: %v", err)
	}
	t.Cleanup(db.Close)

	if err := RunMigrations(cfg.URL(), migrationsDir(t, "postgres")); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}

	ctx := testContext(t)
	if _, err := db.Pool().Exec(ctx, `TRUNCATE imported_items, fetch_error_log, provider_accounts`); err != nil {
		t.Fatalf("failed to reset tables: %v", err)
	}
	return db
}
