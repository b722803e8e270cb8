package job

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/commerce-harvester/internal/logging"
)

// Job names registered with the runner
const (
	SweepJobName       = "sweep"
	RateMonitorJobName = "rate-monitor"
)

// RunnerConfig configures a Runner
type RunnerConfig struct {
	Scheduler   *Scheduler
	RateMonitor *RateMonitorJob

	SweepInterval   time.Duration
	MonitorInterval time.Duration
	// JobTimeout bounds a single run of either job. Default: the job's interval.
	JobTimeout time.Duration
	Logger     *logging.Logger
}

// Runner runs the sweep and the rate monitor on gocron in singleton mode, so
// a slow run is never overlapped by the next one.
type Runner struct {
	cron   gocron.Scheduler
	logger *logging.Logger

	startedMu sync.Mutex
	started   bool
}

// NewRunner registers the jobs; call Start to begin running them
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Scheduler == nil {
		return nil, fmt.Errorf("scheduler cannot be nil")
	}
	if cfg.RateMonitor == nil {
		return nil, fmt.Errorf("rate monitor job cannot be nil")
	}
	if cfg.SweepInterval <= 0 || cfg.MonitorInterval <= 0 {
		return nil, fmt.Errorf("job intervals must be positive")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.GetGlobalLogger()
	}

	cron, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("failed to create job scheduler: %w", err)
	}
	r := &Runner{cron: cron, logger: cfg.Logger.WithComponent("runner")}

	timeout := func(interval time.Duration) time.Duration {
		if cfg.JobTimeout > 0 {
			return cfg.JobTimeout
		}
		return interval
	}

	sweepTimeout := timeout(cfg.SweepInterval)
	_, err = cron.NewJob(
		gocron.DurationJob(cfg.SweepInterval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
			defer cancel()
			if _, err := cfg.Scheduler.RunSweep(ctx); err != nil {
				r.logger.WithError(err).Error("sweep finished with errors")
			}
		}),
		gocron.WithStartAt(gocron.WithStartImmediately()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName(SweepJobName),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register sweep job: %w", err)
	}

	monitorTimeout := timeout(cfg.MonitorInterval)
	_, err = cron.NewJob(
		gocron.DurationJob(cfg.MonitorInterval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), monitorTimeout)
			defer cancel()
			cfg.RateMonitor.Run(ctx)
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName(RateMonitorJobName),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register rate monitor job: %w", err)
	}

	r.logger.WithFields(map[string]interface{}{
		"sweep_interval":   cfg.SweepInterval.String(),
		"monitor_interval": cfg.MonitorInterval.String(),
	}).Info("registered periodic jobs")
	return r, nil
}

// Start begins running the jobs
func (r *Runner) Start() {
	r.startedMu.Lock()
	defer r.startedMu.Unlock()
	if r.started {
		return
	}
	r.cron.Start()
	r.started = true
	r.logger.WithField("job_count", len(r.cron.Jobs())).Info("runner started")
}

// Stop waits for running jobs to finish and stops the runner
func (r *Runner) Stop() error {
	r.startedMu.Lock()
	defer r.startedMu.Unlock()
	if !r.started {
		return nil
	}
	r.started = false
	if err := r.cron.Shutdown(); err != nil {
		return fmt.Errorf("failed to stop job scheduler: %w", err)
	}
	r.logger.Info("runner stopped")
	return nil
}

// JobNames returns the names of the registered jobs
func (r *Runner) JobNames() []string {
	jobs := r.cron.Jobs()
	names := make([]string, 0, len(jobs))
	for _, j := range jobs {
		names = append(names, j.Name())
	}
	return names
}
