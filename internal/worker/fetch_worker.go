// Package worker runs harvest attempts delivered by the task queue and drives
// each provider account through its fetch state machine.
package worker

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/commerce-harvester/internal/adapter"
	harvesterrors "github.com/commerce-harvester/internal/errors"
	"github.com/commerce-harvester/internal/events"
	"github.com/commerce-harvester/internal/logging"
	"github.com/commerce-harvester/internal/models"
	"github.com/commerce-harvester/internal/queue"
	"github.com/commerce-harvester/internal/ratelimit"
	"github.com/commerce-harvester/internal/retry"
	"github.com/commerce-harvester/internal/types"
)

// Outcome is what one Execute call did with its message
type Outcome string

const (
	// OutcomeDuplicate means the message did not match the account's current
	// attempt and was ignored
	OutcomeDuplicate Outcome = "duplicate_delivery"
	// OutcomeThrottled means admission was denied and the message re-published
	OutcomeThrottled Outcome = "throttled"
	// OutcomeSuccess means the fetch completed
	OutcomeSuccess Outcome = "success"
	// OutcomeRetryScheduled means a retryable failure was re-published with a delay
	OutcomeRetryScheduled Outcome = "retry_scheduled"
	// OutcomeFailed means the account reached the failed state
	OutcomeFailed Outcome = "failed"
	// OutcomeReleased means the handler was cancelled mid-attempt and the
	// message re-published at the same retry count
	OutcomeReleased Outcome = "released"
)

// releaseTimeout bounds the writes that hand an interrupted attempt back
const releaseTimeout = 5 * time.Second

// AccountStore is the account persistence the worker needs. Every write is a
// compare-and-set on the account's attempt id and fails with
// errors.ErrStaleTransition when the account moved on.
type AccountStore interface {
	// Claim moves a scheduled account to in_progress if attemptID and
	// retryCount match. It returns false when they do not.
	Claim(ctx context.Context, accountID, attemptID string, retryCount int, now time.Time) (*models.ProviderAccount, bool, error)
	// Requeue moves an in_progress account back to scheduled at retryCount,
	// due at dueAt
	Requeue(ctx context.Context, accountID, attemptID string, retryCount int, now, dueAt time.Time) error
	// SaveCursor persists the cursor of an in_progress account
	SaveCursor(ctx context.Context, accountID, attemptID string, cursor types.Cursor) error
	// Complete moves an in_progress account to success
	Complete(ctx context.Context, accountID, attemptID string, now time.Time) error
	// Fail moves an in_progress account to failed
	Fail(ctx context.Context, accountID, attemptID string, now time.Time) error
	// ListByUser returns every account of a user
	ListByUser(ctx context.Context, userID string) ([]*models.ProviderAccount, error)
}

// ErrorLogStore appends terminal failures. Append is idempotent per
// (account, attempt) and reports whether a row was written.
type ErrorLogStore interface {
	Append(ctx context.Context, entry *models.ErrorLogEntry) (bool, error)
}

// ItemStore upserts imported items by (account, item type, external id) and
// returns the items that were newly inserted.
type ItemStore interface {
	UpsertItems(ctx context.Context, items []*models.ImportedItem) ([]*models.ImportedItem, error)
}

// Publisher enqueues harvest messages
type Publisher interface {
	Publish(ctx context.Context, msg *queue.Message, delay time.Duration) error
}

// RateController is the shared admission control the worker consults
type RateController interface {
	TryAcquire(ctx context.Context, provider types.ProviderType) ratelimit.Admission
	ReduceRate(ctx context.Context, provider types.ProviderType, providedLimit *int) (ratelimit.Reduction, error)
}

// Providers resolves a provider type to its adapter. *adapter.Registry implements it.
type Providers interface {
	Get(t types.ProviderType) (adapter.Provider, error)
}

// Config configures a FetchWorker
type Config struct {
	Accounts  AccountStore
	ErrorLog  ErrorLogStore
	Items     ItemStore
	Publisher Publisher
	Rates     RateController
	Providers Providers
	Events    events.Sink

	// MaxRetries is the number of retries before a retryable failure is terminal. Default: 10.
	MaxRetries int
	// RateLimitRetryDelay is the delay after a rate-limit signal. Default: 1h.
	RateLimitRetryDelay time.Duration
	// Backoff computes Retriable delays when upstream gave no hint
	Backoff retry.Backoff

	Logger *logging.Logger
	Now    func() time.Time
}

// FetchWorker executes one harvest attempt per message
type FetchWorker struct {
	accounts            AccountStore
	errorLog            ErrorLogStore
	items               ItemStore
	publisher           Publisher
	rates               RateController
	providers           Providers
	events              events.Sink
	maxRetries          int
	rateLimitRetryDelay time.Duration
	backoff             retry.Backoff
	logger              *logging.Logger
	now                 func() time.Time
}

// NewFetchWorker validates the configuration and creates a worker
func NewFetchWorker(cfg Config) (*FetchWorker, error) {
	if cfg.Accounts == nil {
		return nil, fmt.Errorf("account store cannot be nil")
	}
	if cfg.ErrorLog == nil {
		return nil, fmt.Errorf("error log store cannot be nil")
	}
	if cfg.Items == nil {
		return nil, fmt.Errorf("item store cannot be nil")
	}
	if cfg.Publisher == nil {
		return nil, fmt.Errorf("publisher cannot be nil")
	}
	if cfg.Rates == nil {
		return nil, fmt.Errorf("rate controller cannot be nil")
	}
	if cfg.Providers == nil {
		return nil, fmt.Errorf("provider registry cannot be nil")
	}
	if cfg.Events == nil {
		cfg.Events = events.Discard{}
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 10
	}
	if cfg.RateLimitRetryDelay <= 0 {
		cfg.RateLimitRetryDelay = time.Hour
	}
	if cfg.Backoff.InitialDelay <= 0 {
		cfg.Backoff = retry.DefaultBackoff()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.GetGlobalLogger()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &FetchWorker{
		accounts:            cfg.Accounts,
		errorLog:            cfg.ErrorLog,
		items:               cfg.Items,
		publisher:           cfg.Publisher,
		rates:               cfg.Rates,
		providers:           cfg.Providers,
		events:              cfg.Events,
		maxRetries:          cfg.MaxRetries,
		rateLimitRetryDelay: cfg.RateLimitRetryDelay,
		backoff:             cfg.Backoff,
		logger:              cfg.Logger.WithComponent("worker"),
		now:                 cfg.Now,
	}, nil
}

// Handle adapts Execute to a queue handler
func (w *FetchWorker) Handle(ctx context.Context, msg *queue.Message) error {
	_, err := w.Execute(ctx, msg)
	return err
}

// storeError marks a persistence failure raised from inside a fetch so it is
// not mistaken for an upstream failure.
type storeError struct{ err error }

func (e *storeError) Error() string { return e.err.Error() }
func (e *storeError) Unwrap() error { return e.err }

// Execute runs one harvest attempt. Classification outcomes are never
// returned as errors; only infrastructure failures are.
func (w *FetchWorker) Execute(ctx context.Context, msg *queue.Message) (Outcome, error) {
	log := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"component":   "worker",
		"provider":    string(msg.ProviderType),
		"account_id":  msg.AccountID,
		"attempt_id":  msg.AttemptID,
		"retry_count": msg.RetryCount,
	})

	provider, err := w.providers.Get(msg.ProviderType)
	if err != nil {
		log.WithError(err).Error("message for unregistered provider dropped")
		return OutcomeDuplicate, err
	}

	account, claimed, err := w.accounts.Claim(ctx, msg.AccountID, msg.AttemptID, msg.RetryCount, w.now())
	if stderrors.Is(err, harvesterrors.ErrAccountNotFound) {
		log.WithField("outcome", string(OutcomeDuplicate)).Warn("account no longer exists")
		return OutcomeDuplicate, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to claim account %s: %w", msg.AccountID, err)
	}
	if !claimed {
		log.WithField("outcome", string(OutcomeDuplicate)).Info("stale or duplicate delivery ignored")
		return OutcomeDuplicate, nil
	}

	if ctx.Err() != nil {
		return w.release(ctx, log, msg)
	}
	if adm := w.rates.TryAcquire(ctx, msg.ProviderType); !adm.Allowed {
		if ctx.Err() != nil {
			return w.release(ctx, log, msg)
		}
		return w.throttle(ctx, log, msg, adm)
	}

	cursor := account.LastAPIItemsDates.Clone()
	imported := 0
	fetchErr := provider.Fetch(ctx, account, cursor, func(ctx context.Context, page *adapter.Page) error {
		n, next, err := w.storePage(ctx, account, cursor, page)
		imported += n
		cursor = next
		return err
	})

	if fetchErr == nil {
		return w.complete(ctx, log, account, imported)
	}

	if ctx.Err() != nil {
		return w.release(ctx, log, msg)
	}
	var se *storeError
	if stderrors.As(fetchErr, &se) {
		// The account stays in_progress; stale-fetch recovery reschedules it
		return "", fmt.Errorf("fetch of account %s aborted: %w", account.ID, se.err)
	}

	signal := provider.Classifier().Classify(fetchErr)
	log = log.WithError(fetchErr).WithField("signal", signal.String())

	switch signal.Kind {
	case retry.KindRateLimited:
		red, err := w.rates.ReduceRate(ctx, msg.ProviderType, signal.ProvidedLimit)
		if err != nil {
			log.WithField("rate_error", err.Error()).Error("failed to reduce shared rate")
		} else {
			log = log.WithFields(map[string]interface{}{
				"rate_previous": red.Previous.String(),
				"rate_current":  red.Current.String(),
			})
		}
		return w.retryOrFail(ctx, log, account, msg, fetchErr, signal, w.rateLimitRetryDelay, imported)
	case retry.KindRetriable:
		next := msg.RetryCount + 1
		delay := w.backoff.Delay(next)
		if signal.RetryAfterSeconds != nil {
			delay = time.Duration(*signal.RetryAfterSeconds) * time.Second
		}
		return w.retryOrFail(ctx, log, account, msg, fetchErr, signal, delay, imported)
	default:
		return w.fail(ctx, log, account, msg, fetchErr, signal, false, imported)
	}
}

// storePage upserts a page and advances the cursor. It returns the number of
// newly inserted items and the cursor after the page.
func (w *FetchWorker) storePage(ctx context.Context, account *models.ProviderAccount, cursor types.Cursor, page *adapter.Page) (int, types.Cursor, error) {
	now := w.now()
	items := make([]*models.ImportedItem, 0, len(page.Items))
	for _, raw := range page.Items {
		items = append(items, &models.ImportedItem{
			AccountID:    account.ID,
			UserID:       account.UserID,
			ProviderType: account.ProviderType,
			ItemType:     page.ItemType,
			ExternalID:   raw.ExternalID,
			OccurredAt:   raw.OccurredAt,
			AmountMinor:  raw.AmountMinor,
			Currency:     raw.Currency,
			Payload:      raw.Payload,
			ImportedAt:   now,
		})
	}

	var inserted []*models.ImportedItem
	if len(items) > 0 {
		var err error
		inserted, err = w.items.UpsertItems(ctx, items)
		if err != nil {
			return 0, cursor, &storeError{fmt.Errorf("failed to upsert items: %w", err)}
		}
	}
	for _, it := range inserted {
		ev := events.ItemImportedEvent{
			AccountID:    account.ID,
			UserID:       account.UserID,
			ProviderType: account.ProviderType,
			Item:         it,
			OccurredAt:   now,
		}
		if err := w.events.ItemImported(ctx, ev); err != nil {
			w.logger.WithError(err).WithField("account_id", account.ID).Debug("item event not emitted")
		}
	}

	if !cursor.Advances(page.Cursor) {
		return len(inserted), cursor, nil
	}
	next := cursor.Merge(page.Cursor)
	if err := w.accounts.SaveCursor(ctx, account.ID, account.CurrentAttempt(), next); err != nil {
		return len(inserted), cursor, &storeError{fmt.Errorf("failed to save cursor: %w", err)}
	}
	return len(inserted), next, nil
}

func (w *FetchWorker) throttle(ctx context.Context, log *logging.Logger, msg *queue.Message, adm ratelimit.Admission) (Outcome, error) {
	now := w.now()
	if err := w.accounts.Requeue(ctx, msg.AccountID, msg.AttemptID, msg.RetryCount, now, now.Add(adm.Wait)); err != nil {
		return "", fmt.Errorf("failed to requeue throttled account %s: %w", msg.AccountID, err)
	}
	if err := w.publisher.Publish(ctx, msg.WithRetry(msg.RetryCount), adm.Wait); err != nil {
		return "", fmt.Errorf("failed to re-publish throttled message: %w", err)
	}
	log.WithField("wait", adm.Wait.String()).Debug("admission denied, message delayed")
	return OutcomeThrottled, nil
}

// release hands an interrupted attempt back to the queue at the same retry
// count. The handler context is already cancelled, so the writes run on a
// detached context bounded by releaseTimeout.
func (w *FetchWorker) release(ctx context.Context, log *logging.Logger, msg *queue.Message) (Outcome, error) {
	cause := ctx.Err()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	now := w.now()
	if err := w.accounts.Requeue(ctx, msg.AccountID, msg.AttemptID, msg.RetryCount, now, now); err != nil {
		return "", fmt.Errorf("fetch of account %s interrupted (%v) and not released: %w", msg.AccountID, cause, err)
	}
	if err := w.publisher.Publish(ctx, msg.WithRetry(msg.RetryCount), 0); err != nil {
		return "", fmt.Errorf("fetch of account %s interrupted (%v) and not re-published: %w", msg.AccountID, cause, err)
	}
	log.WithFields(map[string]interface{}{
		"outcome": string(OutcomeReleased),
		"cause":   cause.Error(),
	}).Warn("harvest interrupted, attempt released")
	return OutcomeReleased, nil
}

func (w *FetchWorker) retryOrFail(ctx context.Context, log *logging.Logger, account *models.ProviderAccount, msg *queue.Message, cause error, signal retry.Signal, delay time.Duration, imported int) (Outcome, error) {
	next := msg.RetryCount + 1
	if next > w.maxRetries {
		return w.fail(ctx, log, account, msg, cause, signal, true, imported)
	}

	now := w.now()
	if err := w.accounts.Requeue(ctx, account.ID, msg.AttemptID, next, now, now.Add(delay)); err != nil {
		return "", fmt.Errorf("failed to requeue account %s: %w", account.ID, err)
	}
	if err := w.publisher.Publish(ctx, msg.WithRetry(next), delay); err != nil {
		return "", fmt.Errorf("failed to publish retry for account %s: %w", account.ID, err)
	}

	log.WithFields(map[string]interface{}{
		"outcome":     string(OutcomeRetryScheduled),
		"next_retry":  next,
		"retry_delay": delay.String(),
	}).Warn("harvest failed, retry scheduled")
	return OutcomeRetryScheduled, nil
}

func (w *FetchWorker) fail(ctx context.Context, log *logging.Logger, account *models.ProviderAccount, msg *queue.Message, cause error, signal retry.Signal, exhausted bool, imported int) (Outcome, error) {
	now := w.now()
	if err := w.accounts.Fail(ctx, account.ID, msg.AttemptID, now); err != nil {
		return "", fmt.Errorf("failed to mark account %s failed: %w", account.ID, err)
	}

	classification := retry.Describe(signal, exhausted)
	entry := &models.ErrorLogEntry{
		AccountID:      account.ID,
		AttemptID:      msg.AttemptID,
		RawMessage:     cause.Error(),
		Classification: classification,
		RetryCount:     msg.RetryCount,
		CreatedAt:      now,
	}
	if _, err := w.errorLog.Append(ctx, entry); err != nil {
		log.WithField("log_error", err.Error()).Error("failed to append error log entry")
	}

	log.WithFields(map[string]interface{}{
		"outcome":        string(OutcomeFailed),
		"classification": classification,
		"exhausted":      exhausted,
	}).Error("harvest failed")

	w.emitCompleted(ctx, account, msg.AttemptID, false, classification, imported, now)
	return OutcomeFailed, nil
}

func (w *FetchWorker) complete(ctx context.Context, log *logging.Logger, account *models.ProviderAccount, imported int) (Outcome, error) {
	now := w.now()
	if err := w.accounts.Complete(ctx, account.ID, account.CurrentAttempt(), now); err != nil {
		return "", fmt.Errorf("failed to complete account %s: %w", account.ID, err)
	}
	log.WithFields(map[string]interface{}{
		"outcome":        string(OutcomeSuccess),
		"items_imported": imported,
	}).Info("harvest completed")

	w.emitCompleted(ctx, account, account.CurrentAttempt(), true, "", imported, now)
	return OutcomeSuccess, nil
}

// emitCompleted sends the cycle event. AllProvidersFetched is computed from
// the user's accounts after this one's final write.
func (w *FetchWorker) emitCompleted(ctx context.Context, account *models.ProviderAccount, attemptID string, success bool, errMsg string, imported int, now time.Time) {
	all := false
	if success {
		accounts, err := w.accounts.ListByUser(ctx, account.UserID)
		if err != nil {
			w.logger.WithError(err).WithField("user_id", account.UserID).Warn("failed to aggregate user accounts")
		} else {
			all = AllProvidersFetched(accounts)
		}
	}

	ev := events.FetchCompletedEvent{
		AccountID:           account.ID,
		UserID:              account.UserID,
		ProviderType:        account.ProviderType,
		AttemptID:           attemptID,
		Success:             success,
		AllProvidersFetched: all,
		ItemsImported:       imported,
		Error:               errMsg,
		CompletedAt:         now,
	}
	if err := w.events.FetchCompleted(ctx, ev); err != nil {
		w.logger.WithError(err).WithField("account_id", account.ID).Warn("fetch completed event not emitted")
	}
}

// AllProvidersFetched reports whether every active authorized account in
// accounts is in success. It is false when there is no such account.
func AllProvidersFetched(accounts []*models.ProviderAccount) bool {
	seen := false
	for _, a := range accounts {
		if !a.IsActive || !a.HasAccessToken() {
			continue
		}
		seen = true
		if a.FetchStatus != types.FetchStatusSuccess {
			return false
		}
	}
	return seen
}
