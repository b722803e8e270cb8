package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/commerce-harvester/internal/logging"
)

// DefaultClickHouseMigrations is the migrations directory relative to the repo root
const DefaultClickHouseMigrations = "migrations/clickhouse"

const clickHouseLedger = `CREATE TABLE IF NOT EXISTS harvester_migrations (
	name String,
	applied_at DateTime64(3, 'UTC') DEFAULT now64(3)
) ENGINE = MergeTree ORDER BY name`

// RunClickHouseMigrations applies the *.sql files of migrationsPath in name
// order. Applied files are recorded in harvester_migrations and skipped on
// later runs.
func RunClickHouseMigrations(ctx context.Context, db *ClickHouseDB, migrationsPath string) ([]string, error) {
	log := logging.FromContext(ctx).WithComponent("clickhouse-migrate")

	files, err := migrationFiles(migrationsPath)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		log.Info("no clickhouse migration files found")
		return nil, nil
	}

	if err := db.Exec(ctx, clickHouseLedger); err != nil {
		return nil, fmt.Errorf("failed to create migration ledger: %w", err)
	}
	done, err := appliedClickHouseMigrations(ctx, db)
	if err != nil {
		return nil, err
	}

	var applied []string
	for _, name := range files {
		if done[name] {
			continue
		}
		content, err := os.ReadFile(filepath.Join(migrationsPath, name)) // #nosec G304 - path is built from the trusted migrations directory
		if err != nil {
			return applied, fmt.Errorf("failed to read migration file %s: %w", name, err)
		}

		for i, stmt := range splitSQLStatements(string(content)) {
			if err := db.Exec(ctx, stmt); err != nil {
				log.WithError(err).WithFields(map[string]interface{}{
					"file":      name,
					"statement": i + 1,
				}).Error("clickhouse migration statement failed")
				return applied, fmt.Errorf("failed to execute statement %d in %s: %w", i+1, name, err)
			}
		}
		if err := db.Exec(ctx, "INSERT INTO harvester_migrations (name) VALUES (?)", name); err != nil {
			return applied, fmt.Errorf("failed to record migration %s: %w", name, err)
		}
		log.WithField("file", name).Info("applied clickhouse migration")
		applied = append(applied, name)
	}
	return applied, nil
}

func appliedClickHouseMigrations(ctx context.Context, db *ClickHouseDB) (map[string]bool, error) {
	rows, err := db.Conn().Query(ctx, "SELECT name FROM harvester_migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read migration ledger: %w", err)
	}
	defer rows.Close()

	done := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan migration ledger: %w", err)
		}
		done[name] = true
	}
	return done, rows.Err()
}

// migrationFiles lists the *.up.sql or plain *.sql files of dir, sorted.
// Down migrations are not run against ClickHouse.
func migrationFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}
	var files []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".sql") || strings.HasSuffix(name, ".down.sql") {
			continue
		}
		files = append(files, name)
	}
	sort.Strings(files)
	return files, nil
}

// splitSQLStatements splits a file into statements on trailing semicolons,
// dropping comment-only lines. ClickHouse rejects the trailing semicolon, so
// it is removed.
func splitSQLStatements(content string) []string {
	var statements []string
	var current strings.Builder

	flush := func() {
		stmt := strings.TrimSuffix(strings.TrimSpace(current.String()), ";")
		if stmt != "" {
			statements = append(statements, stmt)
		}
		current.Reset()
	}

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteString("\n")
		if strings.HasSuffix(trimmed, ";") {
			flush()
		}
	}
	flush()
	return statements
}
