// Package app wires the harvester's components from configuration. The
// worker, the admin server and harvestctl share it.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/commerce-harvester/internal/adapter"
	"github.com/commerce-harvester/internal/api"
	"github.com/commerce-harvester/internal/circuitbreaker"
	"github.com/commerce-harvester/internal/config"
	"github.com/commerce-harvester/internal/events"
	"github.com/commerce-harvester/internal/job"
	"github.com/commerce-harvester/internal/logging"
	"github.com/commerce-harvester/internal/queue"
	"github.com/commerce-harvester/internal/ratelimit"
	"github.com/commerce-harvester/internal/retry"
	"github.com/commerce-harvester/internal/storage"
	"github.com/commerce-harvester/internal/types"
	"github.com/commerce-harvester/internal/worker"
)

// App holds the connections, stores and services of one process
type App struct {
	Config *config.Config
	Logger *logging.Logger

	Postgres *storage.PostgresDB
	Redis    *storage.RedisClient

	Accounts *storage.AccountRepository
	ErrorLog *storage.ErrorLogRepository
	Items    *storage.ItemRepository

	Queue     *queue.RedisQueue
	Rates     *ratelimit.Controller
	Metrics   *ratelimit.Metrics
	Breakers  *circuitbreaker.Manager
	Registry  *adapter.Registry
	Scheduler *job.Scheduler
}

// SetupLogger initializes the global logger from configuration
func SetupLogger(cfg *config.Config) *logging.Logger {
	logging.InitGlobalLogger(
		logging.ParseLogLevel(cfg.Logging.Level),
		logging.ParseLogFormat(cfg.Logging.Format),
	)
	return logging.GetGlobalLogger()
}

// New connects to Postgres and Redis and builds every shared component
func New(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	a := &App{Config: cfg, Logger: logger}

	pg, err := storage.NewPostgresDB(ctx, &cfg.Database.Postgres)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}
	a.Postgres = pg

	rc, err := storage.NewRedisClient(ctx, &cfg.Database.Redis)
	if err != nil {
		pg.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	a.Redis = rc

	if err := a.build(); err != nil {
		a.Close()
		return nil, err
	}
	logger.Info("connections established")
	return a, nil
}

func (a *App) build() error {
	cfg := a.Config
	client := a.Redis.Client()

	a.Accounts = storage.NewAccountRepository(a.Postgres)
	a.ErrorLog = storage.NewErrorLogRepository(a.Postgres)
	a.Items = storage.NewItemRepository(a.Postgres)

	q, err := queue.NewRedisQueue(client, queue.Options{
		KeyPrefix:         cfg.Queue.KeyPrefix,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create task queue: %w", err)
	}
	a.Queue = q

	a.Breakers = circuitbreaker.NewManager(BreakerTemplate(cfg.Providers))

	// providers need the controller as pacer and the controller needs the
	// providers' static defaults, so the defaults are filled in afterwards
	defaults := ratelimit.NewDefaultRates(cfg.RateLimit)
	a.Metrics = ratelimit.NewMetrics(client, cfg.RateLimit.KeyPrefix)
	rates, err := ratelimit.NewController(&ratelimit.ControllerConfig{
		Redis:    client,
		Defaults: defaults,
		Settings: cfg.RateLimit,
		Metrics:  a.Metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to create rate controller: %w", err)
	}
	a.Rates = rates

	registry, err := NewRegistry(cfg.Providers, rates, a.Breakers)
	if err != nil {
		return err
	}
	for _, t := range registry.Types() {
		p, _ := registry.Get(t)
		defaults.SetIfAbsent(t, p.StaticRateDefault())
	}
	a.Registry = registry

	scheduler, err := job.NewScheduler(job.SchedulerConfig{
		Accounts:          a.Accounts,
		Publisher:         a.Queue,
		Providers:         a.Registry,
		FetchCadence:      cfg.Harvest.FetchCadence,
		InitialDelay:      cfg.Harvest.InitialEnqueueDelay,
		OrphanTimeout:     cfg.Harvest.OrphanTimeout,
		StaleFetchTimeout: cfg.Harvest.StaleFetchTimeout,
		Logger:            a.Logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	a.Scheduler = scheduler
	return nil
}

// BreakerTemplate builds the per-provider breaker configuration. Only
// failures of the provider itself count.
func BreakerTemplate(cfg config.ProvidersConfig) func(types.ProviderType) *circuitbreaker.Config {
	return func(p types.ProviderType) *circuitbreaker.Config {
		c := circuitbreaker.DefaultConfig(p)
		if cfg.BreakerConsecutiveFailures > 0 {
			c.ConsecutiveFailures = cfg.BreakerConsecutiveFailures
		}
		if cfg.BreakerOpenTimeout > 0 {
			c.OpenTimeout = cfg.BreakerOpenTimeout
		}
		c.IsFailure = adapter.IsBreakerFailure
		return c
	}
}

// NewRegistry registers the Shopify, Etsy and Stripe providers
func NewRegistry(cfg config.ProvidersConfig, pacer adapter.Pacer, breakers *circuitbreaker.Manager) (*adapter.Registry, error) {
	client := func(baseURL string) adapter.ClientConfig {
		return adapter.ClientConfig{
			BaseURL:  baseURL,
			Timeout:  cfg.RequestTimeout,
			Pacer:    pacer,
			Breakers: breakers,
			PageSize: cfg.PageSize,
		}
	}

	registry, err := adapter.NewRegistry(
		adapter.NewShopifyProvider(client(cfg.ShopifyBaseURL)),
		adapter.NewEtsyProvider(client(cfg.EtsyBaseURL), cfg.EtsyAPIKey),
		adapter.NewStripeProvider(client(cfg.StripeBaseURL)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register providers: %w", err)
	}
	return registry, nil
}

// Backoff selects the Retriable delay policy
func Backoff(cfg config.HarvestConfig) retry.Backoff {
	if cfg.RetryDefaultDelay > 0 {
		return retry.FixedBackoff(cfg.RetryDefaultDelay)
	}
	return retry.DefaultBackoff()
}

// NewFetchWorker builds the fetch worker emitting to sink
func (a *App) NewFetchWorker(sink events.Sink) (*worker.FetchWorker, error) {
	return worker.NewFetchWorker(worker.Config{
		Accounts:            a.Accounts,
		ErrorLog:            a.ErrorLog,
		Items:               a.Items,
		Publisher:           a.Queue,
		Rates:               a.Rates,
		Providers:           a.Registry,
		Events:              sink,
		MaxRetries:          a.Config.Harvest.MaxRetries,
		RateLimitRetryDelay: a.Config.RateLimit.Cooldown(),
		Backoff:             Backoff(a.Config.Harvest),
		Logger:              a.Logger,
	})
}

// EventSinks builds the configured downstream sinks. The returned close
// function flushes buffered rows and closes the ClickHouse connection.
func (a *App) EventSinks(ctx context.Context) (events.Sink, func(context.Context) error, error) {
	sinks := []events.Sink{events.NewLogSink(a.Logger)}
	closeFn := func(context.Context) error { return nil }

	if a.Config.Events.RedisEnabled {
		rs, err := events.NewRedisSink(a.Redis.Client(), "")
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create redis event sink: %w", err)
		}
		sinks = append(sinks, rs)
	}

	if a.Config.Events.ClickHouseEnabled {
		ch, err := storage.NewClickHouseDB(ctx, &a.Config.Database.ClickHouse)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
		}
		cs, err := events.NewClickHouseSink(events.ClickHouseSinkConfig{
			Conn:          ch.Conn(),
			BatchSize:     a.Config.Events.BatchSize,
			FlushInterval: a.Config.Events.FlushInterval,
			Logger:        a.Logger,
		})
		if err != nil {
			_ = ch.Close()
			return nil, nil, fmt.Errorf("failed to create clickhouse event sink: %w", err)
		}
		cs.Start()
		sinks = append(sinks, cs)
		closeFn = func(ctx context.Context) error {
			err := cs.Close(ctx)
			if cerr := ch.Close(); err == nil {
				err = cerr
			}
			return err
		}
	}

	return events.NewMultiSink(sinks...), closeFn, nil
}

// NewRateMonitorJob builds the job resetting recovered provider rates
func (a *App) NewRateMonitorJob() (*job.RateMonitorJob, error) {
	return job.NewRateMonitorJob(a.Rates, a.Queue, a.Registry, a.Logger)
}

// NewAPIServer builds the admin API server
func (a *App) NewAPIServer() (*api.Server, error) {
	return api.NewServer(&api.ServerConfig{
		Host:              a.Config.Server.Host,
		Port:              a.Config.Server.Port,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
		RequestsPerSecond: a.Config.Server.RequestsPerSecond,
		Burst:             a.Config.Server.Burst,
	}, api.Dependencies{
		Sweeper:   a.Scheduler,
		Accounts:  a.Accounts,
		ErrorLog:  a.ErrorLog,
		Rates:     a.Rates,
		Queue:     a.Queue,
		Providers: a.Registry,
		Breakers:  a.Breakers,
		Logger:    a.Logger,
	})
}

// Close releases the connections
func (a *App) Close() {
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.WithError(err).Warn("failed to close Redis connection")
		}
	}
	if a.Postgres != nil {
		a.Postgres.Close()
	}
}
