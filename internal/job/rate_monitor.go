package job

import (
	"context"
	"fmt"

	"github.com/commerce-harvester/internal/logging"
	"github.com/commerce-harvester/internal/ratelimit"
	"github.com/commerce-harvester/internal/types"
)

// RateMonitor decides whether a provider's reduced rate can be reset.
// *ratelimit.Controller implements it.
type RateMonitor interface {
	MonitorAndMaybeReset(ctx context.Context, provider types.ProviderType, inspector ratelimit.TaskInspector) (ratelimit.MonitorResult, error)
}

// RateMonitorJob runs the rate limit monitor for every registered provider
type RateMonitorJob struct {
	monitor   RateMonitor
	inspector ratelimit.TaskInspector
	providers ProviderSource
	logger    *logging.Logger
}

// NewRateMonitorJob creates the job; inspector is usually the task queue
func NewRateMonitorJob(monitor RateMonitor, inspector ratelimit.TaskInspector, providers ProviderSource, logger *logging.Logger) (*RateMonitorJob, error) {
	if monitor == nil {
		return nil, fmt.Errorf("rate monitor cannot be nil")
	}
	if inspector == nil {
		return nil, fmt.Errorf("task inspector cannot be nil")
	}
	if providers == nil {
		return nil, fmt.Errorf("provider source cannot be nil")
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &RateMonitorJob{
		monitor:   monitor,
		inspector: inspector,
		providers: providers,
		logger:    logger.WithComponent("rate-monitor"),
	}, nil
}

// Run checks every provider and returns the results. A failing provider is
// logged and skipped.
func (j *RateMonitorJob) Run(ctx context.Context) []ratelimit.MonitorResult {
	var results []ratelimit.MonitorResult
	for _, provider := range j.providers.Types() {
		res, err := j.monitor.MonitorAndMaybeReset(ctx, provider, j.inspector)
		if err != nil {
			j.logger.WithError(err).WithField("provider", string(provider)).Error("rate monitor check failed")
			continue
		}
		results = append(results, res)

		log := j.logger.WithFields(map[string]interface{}{
			"provider": string(provider),
			"rate":     res.Rate.String(),
			"reason":   res.Reason,
		})
		if res.Reset {
			log.Info("rate reset to provider default")
		} else {
			log.Debug("rate left unchanged")
		}
	}
	return results
}
