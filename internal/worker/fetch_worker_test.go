package worker

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commerce-harvester/internal/adapter"
	harvesterrors "github.com/commerce-harvester/internal/errors"
	"github.com/commerce-harvester/internal/models"
	"github.com/commerce-harvester/internal/queue"
	"github.com/commerce-harvester/internal/ratelimit"
	"github.com/commerce-harvester/internal/retry"
	"github.com/commerce-harvester/internal/testutil"
	"github.com/commerce-harvester/internal/types"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeRates admits everything unless deny is set and records reductions
type fakeRates struct {
	deny       bool
	wait       time.Duration
	reductions []*int
}

func (f *fakeRates) TryAcquire(ctx context.Context, p types.ProviderType) ratelimit.Admission {
	if f.deny {
		return ratelimit.Admission{Allowed: false, Wait: f.wait}
	}
	return ratelimit.Admission{Allowed: true}
}

func (f *fakeRates) ReduceRate(ctx context.Context, p types.ProviderType, provided *int) (ratelimit.Reduction, error) {
	f.reductions = append(f.reductions, provided)
	return ratelimit.Reduction{Previous: 2, Current: 1}, nil
}

type fixture struct {
	accounts  *testutil.AccountStore
	errorLog  *testutil.ErrorLog
	items     *testutil.ItemStore
	publisher *testutil.Publisher
	sink      *testutil.Sink
	rates     RateController
	provider  *testutil.Provider
	worker    *FetchWorker
}

func newFixture(t *testing.T, provider *testutil.Provider, rates RateController, accounts ...*models.ProviderAccount) *fixture {
	t.Helper()
	if rates == nil {
		rates = &fakeRates{}
	}
	f := &fixture{
		accounts:  testutil.NewAccountStore(accounts...),
		errorLog:  &testutil.ErrorLog{},
		items:     &testutil.ItemStore{},
		publisher: &testutil.Publisher{},
		sink:      &testutil.Sink{},
		rates:     rates,
		provider:  provider,
	}
	registry, err := adapter.NewRegistry(provider)
	require.NoError(t, err)

	w, err := NewFetchWorker(Config{
		Accounts:            f.accounts,
		ErrorLog:            f.errorLog,
		Items:               f.items,
		Publisher:           f.publisher,
		Rates:               rates,
		Providers:           registry,
		Events:              f.sink,
		MaxRetries:          3,
		RateLimitRetryDelay: time.Hour,
		Now:                 func() time.Time { return testNow },
	})
	require.NoError(t, err)
	f.worker = w
	return f
}

func page(itemType types.ItemType, cursor string, ids ...string) *adapter.Page {
	p := &adapter.Page{ItemType: itemType, Cursor: types.Cursor{string(itemType): cursor}}
	for _, id := range ids {
		p.Items = append(p.Items, adapter.RawItem{ExternalID: id, OccurredAt: testNow, AmountMinor: 100, Currency: "USD"})
	}
	return p
}

func httpErr(status int, header http.Header) error {
	if header == nil {
		header = http.Header{}
	}
	resp := &http.Response{StatusCode: status, Header: header}
	return harvesterrors.NewHTTPError(string(types.ProviderShopify), resp, []byte("upstream failure"))
}

func TestNewFetchWorker_Validation(t *testing.T) {
	_, err := NewFetchWorker(Config{})
	assert.Error(t, err)
}

func TestExecute_Success(t *testing.T) {
	provider := testutil.NewProvider(types.ProviderShopify, testutil.FetchScript{
		Pages: []*adapter.Page{
			page(types.ItemTypeOrder, "2024-02-01T00:00:00Z", "1", "2"),
			page(types.ItemTypeOrder, "2024-02-02T00:00:00Z", "2", "3"),
		},
	})
	acc := testutil.Scheduled("acc-1", "user-1", types.ProviderShopify, "att-1", 0)
	f := newFixture(t, provider, nil, acc)

	outcome, err := f.worker.Execute(context.Background(), queue.NewMessage(types.ProviderShopify, "acc-1", "att-1", 0))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, outcome)

	got := f.accounts.Snapshot("acc-1")
	assert.Equal(t, types.FetchStatusSuccess, got.FetchStatus)
	require.NotNil(t, got.LastSuccessfulCall)
	assert.Equal(t, testNow, *got.LastSuccessfulCall)
	assert.Equal(t, "2024-02-02T00:00:00Z", got.LastAPIItemsDates["order"])

	assert.Equal(t, 3, f.items.Count())
	assert.Len(t, f.sink.Items, 3, "one event per newly inserted item")
	require.Len(t, f.sink.Completed, 1)
	assert.True(t, f.sink.Completed[0].Success)
	assert.True(t, f.sink.Completed[0].AllProvidersFetched)
	assert.Equal(t, 3, f.sink.Completed[0].ItemsImported)
	assert.Empty(t, f.publisher.Messages())
}

func TestExecute_AllProvidersFetchedAggregate(t *testing.T) {
	provider := testutil.NewProvider(types.ProviderShopify)
	acc := testutil.Scheduled("acc-1", "user-1", types.ProviderShopify, "att-1", 0)
	other := testutil.Account("acc-2", "user-1", types.ProviderEtsy, types.FetchStatusScheduled)
	f := newFixture(t, provider, nil, acc, other)

	_, err := f.worker.Execute(context.Background(), queue.NewMessage(types.ProviderShopify, "acc-1", "att-1", 0))
	require.NoError(t, err)
	require.Len(t, f.sink.Completed, 1)
	assert.False(t, f.sink.Completed[0].AllProvidersFetched)
}

func TestExecute_DuplicateDelivery(t *testing.T) {
	tests := []struct {
		name    string
		account *models.ProviderAccount
		msg     *queue.Message
	}{
		{
			name:    "already in progress",
			account: testutil.Account("acc-1", "user-1", types.ProviderShopify, types.FetchStatusInProgress),
			msg:     queue.NewMessage(types.ProviderShopify, "acc-1", "att-1", 0),
		},
		{
			name:    "stale attempt",
			account: testutil.Scheduled("acc-1", "user-1", types.ProviderShopify, "att-2", 0),
			msg:     queue.NewMessage(types.ProviderShopify, "acc-1", "att-1", 0),
		},
		{
			name:    "stale retry count",
			account: testutil.Scheduled("acc-1", "user-1", types.ProviderShopify, "att-1", 2),
			msg:     queue.NewMessage(types.ProviderShopify, "acc-1", "att-1", 1),
		},
		{
			name:    "account gone",
			account: testutil.Account("acc-9", "user-1", types.ProviderShopify, types.FetchStatusIdle),
			msg:     queue.NewMessage(types.ProviderShopify, "acc-1", "att-1", 0),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := testutil.NewProvider(types.ProviderShopify)
			f := newFixture(t, provider, nil, tt.account)
			before := f.accounts.Snapshot(tt.account.ID)

			outcome, err := f.worker.Execute(context.Background(), tt.msg)
			require.NoError(t, err)
			assert.Equal(t, OutcomeDuplicate, outcome)
			assert.Zero(t, provider.Calls())
			assert.Empty(t, f.publisher.Messages())
			assert.Empty(t, f.sink.Completed)
			assert.Equal(t, before, f.accounts.Snapshot(tt.account.ID))
		})
	}
}

func TestExecute_Throttled(t *testing.T) {
	provider := testutil.NewProvider(types.ProviderShopify)
	acc := testutil.Scheduled("acc-1", "user-1", types.ProviderShopify, "att-1", 1)
	rates := &fakeRates{deny: true, wait: 400 * time.Millisecond}
	f := newFixture(t, provider, rates, acc)

	outcome, err := f.worker.Execute(context.Background(), queue.NewMessage(types.ProviderShopify, "acc-1", "att-1", 1))
	require.NoError(t, err)
	assert.Equal(t, OutcomeThrottled, outcome)
	assert.Zero(t, provider.Calls())

	got := f.accounts.Snapshot("acc-1")
	assert.Equal(t, types.FetchStatusScheduled, got.FetchStatus)
	assert.Equal(t, 1, got.RetryCount, "throttling does not consume a retry")

	last, ok := f.publisher.Last()
	require.True(t, ok)
	assert.Equal(t, 400*time.Millisecond, last.Delay)
	assert.Equal(t, 1, last.Message.RetryCount)
	assert.Equal(t, "att-1", last.Message.AttemptID)
}

func TestExecute_RetriableWithHintKeepsCursor(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "30")
	provider := testutil.NewProvider(types.ProviderShopify, testutil.FetchScript{Err: httpErr(http.StatusServiceUnavailable, h)})
	acc := testutil.Scheduled("acc-1", "user-1", types.ProviderShopify, "att-1", 0)
	acc.LastAPIItemsDates = types.Cursor{"order": "2024-01-01T00:00:00Z"}
	f := newFixture(t, provider, nil, acc)

	outcome, err := f.worker.Execute(context.Background(), queue.NewMessage(types.ProviderShopify, "acc-1", "att-1", 0))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetryScheduled, outcome)

	got := f.accounts.Snapshot("acc-1")
	assert.Equal(t, types.FetchStatusScheduled, got.FetchStatus)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, types.Cursor{"order": "2024-01-01T00:00:00Z"}, got.LastAPIItemsDates)

	last, ok := f.publisher.Last()
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, last.Delay)
	assert.Equal(t, 1, last.Message.RetryCount)
	assert.Empty(t, f.errorLog.Entries("acc-1"))
}

func TestExecute_RetriableWithoutHintUsesBackoff(t *testing.T) {
	provider := testutil.NewProvider(types.ProviderShopify, testutil.FetchScript{Err: httpErr(http.StatusBadGateway, nil)})
	acc := testutil.Scheduled("acc-1", "user-1", types.ProviderShopify, "att-1", 1)
	f := newFixture(t, provider, nil, acc)

	_, err := f.worker.Execute(context.Background(), queue.NewMessage(types.ProviderShopify, "acc-1", "att-1", 1))
	require.NoError(t, err)

	last, ok := f.publisher.Last()
	require.True(t, ok)
	assert.Equal(t, retry.DefaultBackoff().Delay(2), last.Delay)
	assert.Equal(t, 2, last.Message.RetryCount)
}

func TestExecute_RateLimitedReducesRate(t *testing.T) {
	h := http.Header{}
	h.Set("X-RateLimit-Limit", "4")
	provider := testutil.NewProvider(types.ProviderShopify, testutil.FetchScript{Err: httpErr(http.StatusTooManyRequests, h)})
	acc := testutil.Scheduled("acc-1", "user-1", types.ProviderShopify, "att-1", 0)
	rates := &fakeRates{}
	f := newFixture(t, provider, rates, acc)

	outcome, err := f.worker.Execute(context.Background(), queue.NewMessage(types.ProviderShopify, "acc-1", "att-1", 0))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetryScheduled, outcome)
	require.Len(t, rates.reductions, 1)

	last, ok := f.publisher.Last()
	require.True(t, ok)
	assert.Equal(t, time.Hour, last.Delay)
}

func TestExecute_FatalFailsOnce(t *testing.T) {
	provider := testutil.NewProvider(types.ProviderShopify, testutil.FetchScript{Err: httpErr(http.StatusUnauthorized, nil)})
	acc := testutil.Scheduled("acc-1", "user-1", types.ProviderShopify, "att-1", 0)
	f := newFixture(t, provider, nil, acc)

	outcome, err := f.worker.Execute(context.Background(), queue.NewMessage(types.ProviderShopify, "acc-1", "att-1", 0))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)

	assert.Equal(t, types.FetchStatusFailed, f.accounts.Snapshot("acc-1").FetchStatus)
	entries := f.errorLog.Entries("acc-1")
	require.Len(t, entries, 1)
	assert.Equal(t, "att-1", entries[0].AttemptID)
	assert.Contains(t, entries[0].Classification, "Fatal")
	assert.Empty(t, f.publisher.Messages())

	require.Len(t, f.sink.Completed, 1)
	assert.False(t, f.sink.Completed[0].Success)
	assert.NotEmpty(t, f.sink.Completed[0].Error)
}

func TestExecute_RetriesExhausted(t *testing.T) {
	failure := testutil.FetchScript{Err: httpErr(http.StatusServiceUnavailable, nil)}
	provider := testutil.NewProvider(types.ProviderShopify, failure, failure, failure, failure, failure)
	acc := testutil.Scheduled("acc-1", "user-1", types.ProviderShopify, "att-1", 0)
	f := newFixture(t, provider, nil, acc)

	msg := queue.NewMessage(types.ProviderShopify, "acc-1", "att-1", 0)
	var outcomes []Outcome
	for i := 0; i < 6; i++ {
		outcome, err := f.worker.Execute(context.Background(), msg)
		require.NoError(t, err)
		outcomes = append(outcomes, outcome)
		if last, ok := f.publisher.Last(); ok {
			msg = last.Message
		}
	}

	assert.Equal(t, []Outcome{
		OutcomeRetryScheduled, OutcomeRetryScheduled, OutcomeRetryScheduled,
		OutcomeFailed, OutcomeDuplicate, OutcomeDuplicate,
	}, outcomes)
	assert.Equal(t, 4, provider.Calls())
	assert.Len(t, f.publisher.Messages(), 3)

	entries := f.errorLog.Entries("acc-1")
	require.Len(t, entries, 1, "exactly one error log entry per exhausted attempt")
	assert.Contains(t, entries[0].Classification, "Retries exhausted")
	assert.Equal(t, 3, entries[0].RetryCount)
}

func TestExecute_CursorPersistedPerPageAndMonotonic(t *testing.T) {
	provider := testutil.NewProvider(types.ProviderShopify,
		testutil.FetchScript{
			Pages: []*adapter.Page{page(types.ItemTypeOrder, "2024-02-05T00:00:00Z", "1")},
			Err:   httpErr(http.StatusServiceUnavailable, nil),
		},
		testutil.FetchScript{
			// An older page never moves the cursor back
			Pages: []*adapter.Page{page(types.ItemTypeOrder, "2024-02-01T00:00:00Z", "1")},
		},
	)
	acc := testutil.Scheduled("acc-1", "user-1", types.ProviderShopify, "att-1", 0)
	f := newFixture(t, provider, nil, acc)

	_, err := f.worker.Execute(context.Background(), queue.NewMessage(types.ProviderShopify, "acc-1", "att-1", 0))
	require.NoError(t, err)
	assert.Equal(t, "2024-02-05T00:00:00Z", f.accounts.Snapshot("acc-1").LastAPIItemsDates["order"])

	last, _ := f.publisher.Last()
	outcome, err := f.worker.Execute(context.Background(), last.Message)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, outcome)

	cursors := provider.Cursors()
	require.Len(t, cursors, 2)
	assert.Equal(t, "2024-02-05T00:00:00Z", cursors[1]["order"], "retry resumes from the persisted cursor")
	assert.Equal(t, "2024-02-05T00:00:00Z", f.accounts.Snapshot("acc-1").LastAPIItemsDates["order"])
	assert.Equal(t, 1, f.items.Count(), "reprocessed page does not duplicate items")
	assert.Len(t, f.sink.Items, 1)
}

func TestExecute_StoreFailureIsReturned(t *testing.T) {
	provider := testutil.NewProvider(types.ProviderShopify, testutil.FetchScript{
		Pages: []*adapter.Page{page(types.ItemTypeOrder, "2024-02-01T00:00:00Z", "1")},
	})
	acc := testutil.Scheduled("acc-1", "user-1", types.ProviderShopify, "att-1", 0)
	f := newFixture(t, provider, nil, acc)
	f.items.Err = errors.New("connection refused")

	_, err := f.worker.Execute(context.Background(), queue.NewMessage(types.ProviderShopify, "acc-1", "att-1", 0))
	require.Error(t, err)
	assert.Equal(t, types.FetchStatusInProgress, f.accounts.Snapshot("acc-1").FetchStatus)
	assert.Empty(t, f.errorLog.Entries("acc-1"))
	assert.Empty(t, f.publisher.Messages())
}

// cancelOnAdmit admits the request and then cancels the handler context, as a
// shutdown arriving mid-fetch would
type cancelOnAdmit struct {
	fakeRates
	cancel context.CancelFunc
}

func (c *cancelOnAdmit) TryAcquire(ctx context.Context, p types.ProviderType) ratelimit.Admission {
	c.cancel()
	return ratelimit.Admission{Allowed: true}
}

func TestExecute_InterruptedFetchIsReleased(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider := testutil.NewProvider(types.ProviderShopify, testutil.FetchScript{
		Pages: []*adapter.Page{page(types.ItemTypeOrder, "2024-02-01T00:00:00Z", "1")},
		Err:   context.Canceled,
	})
	acc := testutil.Scheduled("acc-1", "user-1", types.ProviderShopify, "att-1", 2)
	f := newFixture(t, provider, &cancelOnAdmit{cancel: cancel}, acc)

	outcome, err := f.worker.Execute(ctx, queue.NewMessage(types.ProviderShopify, "acc-1", "att-1", 2))
	require.NoError(t, err)
	assert.Equal(t, OutcomeReleased, outcome)
	assert.Equal(t, 1, provider.Calls())

	got := f.accounts.Snapshot("acc-1")
	assert.Equal(t, types.FetchStatusScheduled, got.FetchStatus)
	assert.Equal(t, 2, got.RetryCount, "an interruption does not consume a retry")
	assert.Equal(t, "2024-02-01T00:00:00Z", got.LastAPIItemsDates["order"])

	last, ok := f.publisher.Last()
	require.True(t, ok)
	assert.Zero(t, last.Delay)
	assert.Equal(t, "att-1", last.Message.AttemptID)
	assert.Equal(t, 2, last.Message.RetryCount)
	assert.Empty(t, f.errorLog.Entries("acc-1"))
	assert.Empty(t, f.sink.Completed)

	// the re-published message claims the account again
	outcome, err = f.worker.Execute(context.Background(), last.Message)
	require.NoError(t, err)
	assert.NotEqual(t, OutcomeDuplicate, outcome)
}

func TestExecute_CancelledBeforeFetchIsReleased(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	provider := testutil.NewProvider(types.ProviderShopify)
	acc := testutil.Scheduled("acc-1", "user-1", types.ProviderShopify, "att-1", 0)
	f := newFixture(t, provider, nil, acc)

	outcome, err := f.worker.Execute(ctx, queue.NewMessage(types.ProviderShopify, "acc-1", "att-1", 0))
	require.NoError(t, err)
	assert.Equal(t, OutcomeReleased, outcome)
	assert.Zero(t, provider.Calls())
	assert.Equal(t, types.FetchStatusScheduled, f.accounts.Snapshot("acc-1").FetchStatus)
	assert.Len(t, f.publisher.Messages(), 1)
}

func TestExecute_LongRetryHintRecordsDueTime(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "14400")
	provider := testutil.NewProvider(types.ProviderShopify, testutil.FetchScript{Err: httpErr(http.StatusServiceUnavailable, h)})
	acc := testutil.Scheduled("acc-1", "user-1", types.ProviderShopify, "att-1", 2)
	f := newFixture(t, provider, nil, acc)

	outcome, err := f.worker.Execute(context.Background(), queue.NewMessage(types.ProviderShopify, "acc-1", "att-1", 2))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetryScheduled, outcome)

	got := f.accounts.Snapshot("acc-1")
	assert.Equal(t, 3, got.RetryCount)
	require.NotNil(t, got.NextAttemptAt)
	assert.Equal(t, testNow.Add(4*time.Hour), *got.NextAttemptAt)
}

func TestExecute_UnknownProvider(t *testing.T) {
	f := newFixture(t, testutil.NewProvider(types.ProviderShopify), nil)
	_, err := f.worker.Execute(context.Background(), queue.NewMessage(types.ProviderEtsy, "acc-1", "att-1", 0))
	assert.ErrorIs(t, err, harvesterrors.ErrUnknownProvider)
}

func TestExecute_SharedRateSequence(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	clock := testNow
	controller, err := ratelimit.NewController(&ratelimit.ControllerConfig{
		Redis: client,
		Now:   func() time.Time { return clock },
	})
	require.NoError(t, err)

	limited := testutil.FetchScript{Err: httpErr(http.StatusTooManyRequests, nil)}
	provider := testutil.NewProvider(types.ProviderShopify, limited, limited)
	acc := testutil.Scheduled("acc-1", "user-1", types.ProviderShopify, "att-1", 0)
	f := newFixture(t, provider, controller, acc)

	ctx := context.Background()
	rate, err := controller.CurrentRate(ctx, types.ProviderShopify)
	require.NoError(t, err)
	assert.Equal(t, ratelimit.Rate(2), rate)

	_, err = f.worker.Execute(ctx, queue.NewMessage(types.ProviderShopify, "acc-1", "att-1", 0))
	require.NoError(t, err)
	rate, err = controller.CurrentRate(ctx, types.ProviderShopify)
	require.NoError(t, err)
	assert.Equal(t, ratelimit.Rate(1), rate)

	clock = clock.Add(2 * time.Second)
	last, _ := f.publisher.Last()
	_, err = f.worker.Execute(ctx, last.Message)
	require.NoError(t, err)
	rate, err = controller.CurrentRate(ctx, types.ProviderShopify)
	require.NoError(t, err)
	assert.Equal(t, ratelimit.Rate(1), rate, "the rate never drops below the floor")
}

func TestAllProvidersFetched(t *testing.T) {
	inactive := testutil.Account("c", "u", types.ProviderStripe, types.FetchStatusFailed)
	inactive.IsActive = false

	assert.False(t, AllProvidersFetched(nil))
	assert.True(t, AllProvidersFetched([]*models.ProviderAccount{
		testutil.Account("a", "u", types.ProviderShopify, types.FetchStatusSuccess),
		inactive,
	}))
	assert.False(t, AllProvidersFetched([]*models.ProviderAccount{
		testutil.Account("a", "u", types.ProviderShopify, types.FetchStatusSuccess),
		testutil.Account("b", "u", types.ProviderEtsy, types.FetchStatusFailed),
	}))
}
