// Package main provides the admin API server of the harvester.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/commerce-harvester/internal/app"
	"github.com/commerce-harvester/internal/config"
	"github.com/commerce-harvester/internal/logging"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logging.Fatalf("Failed to load configuration: %v", err)
	}

	logger := app.SetupLogger(cfg).WithComponent("server")
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	ctx := context.Background()
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize")
	}
	defer a.Close()

	server, err := a.NewAPIServer()
	if err != nil {
		logger.WithError(err).Fatal("Failed to create API server")
	}

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.WithError(err).Error("Server failed")
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	logger.Info("Server stopped")
}
