// Package main provides the harvest worker: queue consumers for every
// registered provider, the periodic sweep and rate monitor, and the admin API.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/commerce-harvester/internal/app"
	"github.com/commerce-harvester/internal/config"
	"github.com/commerce-harvester/internal/job"
	"github.com/commerce-harvester/internal/logging"
	"github.com/commerce-harvester/internal/queue"
	"github.com/commerce-harvester/internal/ratelimit"
)

const shutdownTimeout = 30 * time.Second

func main() {
	serveAPI := flag.Bool("api", true, "Serve the admin API from this process")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		logging.Fatalf("Failed to load configuration: %v", err)
	}
	logger := app.SetupLogger(cfg).WithComponent("worker")
	logger.WithFields(map[string]interface{}{
		"max_retries":    cfg.Harvest.MaxRetries,
		"fetch_cadence":  cfg.Harvest.FetchCadence.String(),
		"sweep_interval": cfg.Harvest.SweepInterval.String(),
		"rate_limit":     cfg.RateLimit.String(),
	}).Info("worker starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize")
	}
	defer a.Close()

	sink, closeSink, err := a.EventSinks(ctx)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create event sinks")
	}

	fetchWorker, err := a.NewFetchWorker(sink)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create fetch worker")
	}

	limiter := ratelimit.NewLocalLimiter()
	consumers := make([]*queue.Consumer, 0, len(a.Registry.Types()))
	for _, provider := range a.Registry.Types() {
		c, err := queue.NewConsumer(queue.ConsumerConfig{
			Queue:        a.Queue,
			Provider:     provider,
			Handler:      fetchWorker.Handle,
			Concurrency:  cfg.Queue.Concurrency,
			PollInterval: cfg.Queue.PollInterval,
			Limiter:      limiter,
			Rates:        a.Rates,
			Logger:       logger,
		})
		if err != nil {
			logger.WithError(err).Fatalf("Failed to create consumer for %s", provider)
		}
		if err := c.Start(ctx); err != nil {
			logger.WithError(err).Fatalf("Failed to start consumer for %s", provider)
		}
		consumers = append(consumers, c)
	}

	monitorJob, err := a.NewRateMonitorJob()
	if err != nil {
		logger.WithError(err).Fatal("Failed to create rate monitor job")
	}
	runner, err := job.NewRunner(job.RunnerConfig{
		Scheduler:       a.Scheduler,
		RateMonitor:     monitorJob,
		SweepInterval:   cfg.Harvest.SweepInterval,
		MonitorInterval: cfg.Harvest.MonitorInterval,
		Logger:          logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create job runner")
	}
	runner.Start()

	metricsLogger, err := ratelimit.NewMetricsLogger(&ratelimit.MetricsLoggerConfig{
		Metrics:    a.Metrics,
		Controller: a.Rates,
		Logger:     logger.Slog(),
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create rate metrics logger")
	}
	metricsLogger.Start(ctx)

	serverErr := make(chan error, 1)
	var stopServer func(context.Context) error
	if *serveAPI {
		server, err := a.NewAPIServer()
		if err != nil {
			logger.WithError(err).Fatal("Failed to create admin API server")
		}
		go func() { serverErr <- server.Start() }()
		stopServer = server.Shutdown
	}

	logger.WithField("providers", len(consumers)).Info("worker started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.WithField("signal", sig.String()).Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.WithError(err).Error("admin API server failed")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		defer close(done)

		if stopServer != nil {
			if err := stopServer(shutdownCtx); err != nil {
				logger.WithError(err).Warn("admin API shutdown failed")
			}
		}
		if err := runner.Stop(); err != nil {
			logger.WithError(err).Warn("job runner shutdown failed")
		}
		// cancelled fetches release their attempt back to the queue before
		// the sinks are flushed
		for _, c := range consumers {
			c.Stop()
		}
		metricsLogger.Stop()
		if err := closeSink(shutdownCtx); err != nil {
			logger.WithError(err).Warn("failed to flush event sinks")
		}
	}()

	select {
	case <-done:
		logger.Info("worker stopped")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown deadline exceeded, exiting")
	}
	cancel()
}
