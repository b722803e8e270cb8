// Package main provides a CLI tool for running database migrations.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/commerce-harvester/internal/app"
	"github.com/commerce-harvester/internal/config"
	"github.com/commerce-harvester/internal/logging"
	"github.com/commerce-harvester/internal/storage"
)

func main() {
	var (
		action = flag.String("action", "up", "Migration action: up, down, version")
		dbType = flag.String("db", "postgres", "Database type: postgres, clickhouse")
		path   = flag.String("path", "", "Migrations directory (default: migrations/<db>)")
	)
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		logging.Fatalf("Failed to load config: %v", err)
	}
	logger := app.SetupLogger(cfg).WithComponent("migrate")

	switch *dbType {
	case "postgres":
		dir := *path
		if dir == "" {
			dir = storage.DefaultPostgresMigrations
		}
		if err := runPostgresMigrations(logger, cfg, *action, dir); err != nil {
			logger.WithError(err).Fatal("Postgres migration failed")
		}
	case "clickhouse":
		dir := *path
		if dir == "" {
			dir = storage.DefaultClickHouseMigrations
		}
		if err := runClickHouseMigrations(logger, cfg, *action, dir); err != nil {
			logger.WithError(err).Fatal("ClickHouse migration failed")
		}
	default:
		logger.Fatalf("Unknown database type: %s", *dbType)
	}
}

func runPostgresMigrations(logger *logging.Logger, cfg *config.Config, action, dir string) error {
	databaseURL := cfg.Database.Postgres.URL()

	switch action {
	case "up":
		logger.Info("Running Postgres migrations...")
		if err := storage.RunMigrations(databaseURL, dir); err != nil {
			return err
		}
		logger.Info("Postgres migrations completed successfully")

	case "down":
		logger.Info("Rolling back Postgres migration...")
		if err := storage.RollbackMigrations(databaseURL, dir); err != nil {
			return err
		}
		logger.Info("Postgres migration rolled back successfully")

	case "version":
		version, dirty, err := storage.MigrationVersion(databaseURL, dir)
		if err != nil {
			return err
		}
		logger.WithFields(map[string]interface{}{
			"version": version,
			"dirty":   dirty,
		}).Info("Current Postgres migration version")

	default:
		return fmt.Errorf("unknown action: %s", action)
	}

	return nil
}

func runClickHouseMigrations(logger *logging.Logger, cfg *config.Config, action, dir string) error {
	if action != "up" {
		return fmt.Errorf("ClickHouse migrations only support 'up' action")
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return fmt.Errorf("migrations directory not found: %s", dir)
	}

	ctx := logging.WithLogger(context.Background(), logger)
	db, err := storage.NewClickHouseDB(ctx, &cfg.Database.ClickHouse)
	if err != nil {
		return fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.WithError(err).Warn("Error closing ClickHouse connection")
		}
	}()

	applied, err := storage.RunClickHouseMigrations(ctx, db, dir)
	if err != nil {
		return err
	}
	logger.WithField("applied", len(applied)).Info("ClickHouse migrations completed successfully")
	return nil
}
