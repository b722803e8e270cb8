// Package job holds the periodic jobs of the harvester: the scheduling sweep,
// orphan recovery and the rate limit monitor.
package job

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	harvesterrors "github.com/commerce-harvester/internal/errors"
	"github.com/commerce-harvester/internal/logging"
	"github.com/commerce-harvester/internal/models"
	"github.com/commerce-harvester/internal/queue"
	"github.com/commerce-harvester/internal/retry"
	"github.com/commerce-harvester/internal/types"
)

// AccountStore is the account persistence the scheduler needs
type AccountStore interface {
	Get(ctx context.Context, id string) (*models.ProviderAccount, error)
	// ListCandidates returns active authorized accounts of a provider in one of statuses
	ListCandidates(ctx context.Context, provider types.ProviderType, statuses []types.FetchStatus) ([]*models.ProviderAccount, error)
	// ListOrphaned returns scheduled accounts waiting since before
	// scheduledBefore and in_progress accounts started before startedBefore.
	// A pending retry waits from its due time.
	ListOrphaned(ctx context.Context, provider types.ProviderType, scheduledBefore, startedBefore time.Time) ([]*models.ProviderAccount, error)
	// Schedule starts newAttempt at retryCount if the account is still in
	// `from` under expectedAttempt ("" matches no attempt). It returns false
	// when it is not.
	Schedule(ctx context.Context, id string, from types.FetchStatus, expectedAttempt, newAttempt string, retryCount int, now time.Time) (bool, error)
	// Revert undoes a Schedule whose message could not be published
	Revert(ctx context.Context, prev *models.ProviderAccount, attemptID string) error
}

// Publisher enqueues harvest messages
type Publisher interface {
	Publish(ctx context.Context, msg *queue.Message, delay time.Duration) error
}

// ProviderSource lists the registered provider types
type ProviderSource interface {
	Types() []types.ProviderType
}

// SchedulerConfig configures a Scheduler
type SchedulerConfig struct {
	Accounts  AccountStore
	Publisher Publisher
	Providers ProviderSource

	// FetchCadence is how long a successful account rests before it is due. Default: 24h.
	FetchCadence time.Duration
	// InitialDelay is the publish delay of swept accounts. Default: 60s.
	InitialDelay time.Duration
	// OrphanTimeout reschedules scheduled accounts whose message was lost,
	// counted from the message's due time. Default: 3h.
	OrphanTimeout time.Duration
	// StaleFetchTimeout reschedules in_progress accounts abandoned by their worker. Default: 2h.
	StaleFetchTimeout time.Duration
	// PublishRetry retries a failed publish before the account is reverted
	PublishRetry *retry.Config

	Logger       *logging.Logger
	Now          func() time.Time
	NewAttemptID func() string
}

// SweepResult summarizes one sweep
type SweepResult struct {
	Providers       int           `json:"providers"`
	Candidates      int           `json:"candidates"`
	Scheduled       int           `json:"scheduled"`
	NotDue          int           `json:"notDue"`
	Recovered       int           `json:"recovered"`
	Raced           int           `json:"raced"`
	PublishFailures int           `json:"publishFailures"`
	Duration        time.Duration `json:"duration"`
}

// Scheduler moves eligible accounts into scheduled and publishes their
// harvest messages.
type Scheduler struct {
	accounts          AccountStore
	publisher         Publisher
	providers         ProviderSource
	cadence           time.Duration
	initialDelay      time.Duration
	orphanTimeout     time.Duration
	staleFetchTimeout time.Duration
	publishRetry      *retry.Config
	logger            *logging.Logger
	now               func() time.Time
	newAttemptID      func() string
}

// NewScheduler validates the configuration and creates a scheduler
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Accounts == nil {
		return nil, fmt.Errorf("account store cannot be nil")
	}
	if cfg.Publisher == nil {
		return nil, fmt.Errorf("publisher cannot be nil")
	}
	if cfg.Providers == nil {
		return nil, fmt.Errorf("provider source cannot be nil")
	}
	if cfg.FetchCadence <= 0 {
		cfg.FetchCadence = 24 * time.Hour
	}
	if cfg.InitialDelay < 0 {
		cfg.InitialDelay = 0
	} else if cfg.InitialDelay == 0 {
		cfg.InitialDelay = time.Minute
	}
	if cfg.OrphanTimeout <= 0 {
		cfg.OrphanTimeout = 3 * time.Hour
	}
	if cfg.StaleFetchTimeout <= 0 {
		cfg.StaleFetchTimeout = 2 * time.Hour
	}
	if cfg.PublishRetry == nil {
		cfg.PublishRetry = retry.DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.GetGlobalLogger()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewAttemptID == nil {
		cfg.NewAttemptID = uuid.NewString
	}

	return &Scheduler{
		accounts:          cfg.Accounts,
		publisher:         cfg.Publisher,
		providers:         cfg.Providers,
		cadence:           cfg.FetchCadence,
		initialDelay:      cfg.InitialDelay,
		orphanTimeout:     cfg.OrphanTimeout,
		staleFetchTimeout: cfg.StaleFetchTimeout,
		publishRetry:      cfg.PublishRetry,
		logger:            cfg.Logger.WithComponent("scheduler"),
		now:               cfg.Now,
		newAttemptID:      cfg.NewAttemptID,
	}, nil
}

// FetchCadence returns the cadence guard period
func (s *Scheduler) FetchCadence() time.Duration {
	return s.cadence
}

// RunSweep schedules every due candidate of every registered provider and
// recovers orphaned attempts. A failure for one account or provider does not
// stop the sweep; the first listing error is returned after it completes.
func (s *Scheduler) RunSweep(ctx context.Context) (SweepResult, error) {
	start := s.now()
	var res SweepResult
	var firstErr error

	for _, provider := range s.providers.Types() {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Providers++
		log := s.logger.WithField("provider", string(provider))

		candidates, err := s.accounts.ListCandidates(ctx, provider, types.SchedulableStatuses)
		if err != nil {
			log.WithError(err).Error("failed to list sweep candidates")
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to list candidates for %s: %w", provider, err)
			}
			continue
		}

		now := s.now()
		for _, acc := range candidates {
			res.Candidates++
			if !acc.IsDue(now, s.cadence) {
				res.NotDue++
				continue
			}
			s.count(&res, s.schedule(ctx, acc, s.initialDelay, 0), false)
		}

		orphans, err := s.accounts.ListOrphaned(ctx, provider, now.Add(-s.orphanTimeout), now.Add(-s.staleFetchTimeout))
		if err != nil {
			log.WithError(err).Error("failed to list orphaned accounts")
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to list orphans for %s: %w", provider, err)
			}
			continue
		}
		for _, acc := range orphans {
			log.WithFields(map[string]interface{}{
				"account_id":  acc.ID,
				"status":      string(acc.FetchStatus),
				"attempt_id":  acc.CurrentAttempt(),
				"retry_count": acc.RetryCount,
			}).Warn("recovering orphaned attempt")
			// the retry budget carries over to the new attempt
			s.count(&res, s.schedule(ctx, acc, 0, acc.RetryCount), true)
		}
	}

	res.Duration = s.now().Sub(start)
	s.logger.WithFields(map[string]interface{}{
		"providers":        res.Providers,
		"candidates":       res.Candidates,
		"scheduled":        res.Scheduled,
		"not_due":          res.NotDue,
		"recovered":        res.Recovered,
		"raced":            res.Raced,
		"publish_failures": res.PublishFailures,
		"duration":         res.Duration.String(),
	}).Info("sweep completed")
	return res, firstErr
}

type scheduleResult int

const (
	scheduled scheduleResult = iota
	raced
	publishFailed
)

func (s *Scheduler) count(res *SweepResult, r scheduleResult, recovery bool) {
	switch r {
	case scheduled:
		if recovery {
			res.Recovered++
		} else {
			res.Scheduled++
		}
	case raced:
		res.Raced++
	case publishFailed:
		res.PublishFailures++
	}
}

// schedule starts a new attempt for acc at retryCount and publishes its
// message. A publish that still fails after the retries reverts the account.
func (s *Scheduler) schedule(ctx context.Context, acc *models.ProviderAccount, delay time.Duration, retryCount int) scheduleResult {
	log := s.logger.WithFields(map[string]interface{}{
		"provider":   string(acc.ProviderType),
		"account_id": acc.ID,
	})

	attemptID := s.newAttemptID()
	ok, err := s.accounts.Schedule(ctx, acc.ID, acc.FetchStatus, acc.CurrentAttempt(), attemptID, retryCount, s.now())
	if err != nil {
		log.WithError(err).Error("failed to schedule account")
		return publishFailed
	}
	if !ok {
		log.Debug("account changed since listing, skipped")
		return raced
	}

	msg := queue.NewMessage(acc.ProviderType, acc.ID, attemptID, retryCount)
	err = retry.WithExponentialBackoff(ctx, s.publishRetry, func(ctx context.Context, _ int) error {
		return s.publisher.Publish(ctx, msg, delay)
	})
	if err == nil {
		log.WithFields(map[string]interface{}{
			"attempt_id": attemptID,
			"delay":      delay.String(),
		}).Debug("account scheduled")
		return scheduled
	}

	log = log.WithError(err)
	if rerr := s.accounts.Revert(ctx, acc, attemptID); rerr != nil {
		log.WithField("revert_error", rerr.Error()).Error("publish failed and account could not be reverted")
		return publishFailed
	}
	log.Error("publish failed, account reverted")
	return publishFailed
}

// ForceRefetch schedules an account immediately regardless of cadence. Only a
// live in_progress fetch blocks it.
func (s *Scheduler) ForceRefetch(ctx context.Context, accountID string) (*models.ProviderAccount, error) {
	acc, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !acc.IsActive || !acc.HasAccessToken() {
		return nil, harvesterrors.ErrAccountNotAuthorized
	}
	if acc.FetchStatus == types.FetchStatusInProgress && !s.isStale(acc) {
		return nil, harvesterrors.ErrFetchInProgress
	}

	switch s.schedule(ctx, acc, 0, 0) {
	case raced:
		return nil, harvesterrors.ErrStaleTransition
	case publishFailed:
		return nil, fmt.Errorf("failed to enqueue refetch of %s", accountID)
	}

	s.logger.WithFields(map[string]interface{}{
		"provider":    string(acc.ProviderType),
		"account_id":  acc.ID,
		"from_status": string(acc.FetchStatus),
	}).Info("forced refetch scheduled")
	return s.accounts.Get(ctx, accountID)
}

func (s *Scheduler) isStale(acc *models.ProviderAccount) bool {
	if acc.FetchStartedAt == nil {
		return true
	}
	return s.now().Sub(*acc.FetchStartedAt) >= s.staleFetchTimeout
}
