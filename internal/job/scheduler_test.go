package job

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	harvesterrors "github.com/commerce-harvester/internal/errors"
	"github.com/commerce-harvester/internal/models"
	"github.com/commerce-harvester/internal/queue"
	"github.com/commerce-harvester/internal/ratelimit"
	"github.com/commerce-harvester/internal/retry"
	"github.com/commerce-harvester/internal/testutil"
	"github.com/commerce-harvester/internal/types"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type staticProviders []types.ProviderType

func (s staticProviders) Types() []types.ProviderType { return s }

func timePtr(t time.Time) *time.Time { return &t }

func newTestScheduler(t *testing.T, store *testutil.AccountStore, pub *testutil.Publisher) *Scheduler {
	t.Helper()
	n := 0
	s, err := NewScheduler(SchedulerConfig{
		Accounts:          store,
		Publisher:         pub,
		Providers:         staticProviders{types.ProviderShopify, types.ProviderEtsy},
		FetchCadence:      24 * time.Hour,
		InitialDelay:      time.Minute,
		OrphanTimeout:     3 * time.Hour,
		StaleFetchTimeout: 2 * time.Hour,
		PublishRetry:      &retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
		Now:               func() time.Time { return testNow },
		NewAttemptID: func() string {
			n++
			return fmt.Sprintf("attempt-%d", n)
		},
	})
	require.NoError(t, err)
	return s
}

func TestNewScheduler_Validation(t *testing.T) {
	_, err := NewScheduler(SchedulerConfig{})
	assert.Error(t, err)
}

func TestRunSweep_SchedulesEligibleAccounts(t *testing.T) {
	idle := testutil.Account("idle", "u1", types.ProviderShopify, types.FetchStatusIdle)

	fresh := testutil.Account("fresh", "u1", types.ProviderShopify, types.FetchStatusSuccess)
	fresh.LastSuccessfulCall = timePtr(testNow.Add(-time.Hour))

	due := testutil.Account("due", "u2", types.ProviderEtsy, types.FetchStatusSuccess)
	due.LastSuccessfulCall = timePtr(testNow.Add(-25 * time.Hour))

	noToken := testutil.Account("no-token", "u2", types.ProviderEtsy, types.FetchStatusIdle)
	noToken.AccessToken = nil

	inactive := testutil.Account("inactive", "u2", types.ProviderEtsy, types.FetchStatusIdle)
	inactive.IsActive = false

	failed := testutil.Account("failed", "u3", types.ProviderShopify, types.FetchStatusFailed)

	store := testutil.NewAccountStore(idle, fresh, due, noToken, inactive, failed)
	pub := &testutil.Publisher{}
	s := newTestScheduler(t, store, pub)

	res, err := s.RunSweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Providers)
	assert.Equal(t, 3, res.Candidates)
	assert.Equal(t, 2, res.Scheduled)
	assert.Equal(t, 1, res.NotDue)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	for _, m := range msgs {
		assert.Equal(t, time.Minute, m.Delay)
		assert.Zero(t, m.Message.RetryCount)
		acc := store.Snapshot(m.Message.AccountID)
		assert.Equal(t, types.FetchStatusScheduled, acc.FetchStatus)
		assert.Equal(t, m.Message.AttemptID, acc.CurrentAttempt())
		assert.Equal(t, testNow, *acc.FetchScheduledAt)
	}

	assert.Equal(t, types.FetchStatusSuccess, store.Snapshot("fresh").FetchStatus)
	assert.Equal(t, types.FetchStatusFailed, store.Snapshot("failed").FetchStatus)
	assert.Equal(t, types.FetchStatusIdle, store.Snapshot("no-token").FetchStatus)
}

func TestRunSweep_CadenceFallsBackToScheduledAt(t *testing.T) {
	acc := testutil.Account("a", "u", types.ProviderShopify, types.FetchStatusSuccess)
	acc.FetchScheduledAt = timePtr(testNow.Add(-2 * time.Hour))
	store := testutil.NewAccountStore(acc)
	pub := &testutil.Publisher{}

	res, err := newTestScheduler(t, store, pub).RunSweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.NotDue)
	assert.Empty(t, pub.Messages())
}

func TestRunSweep_PublishFailureRevertsAndContinues(t *testing.T) {
	a := testutil.Account("a", "u", types.ProviderShopify, types.FetchStatusIdle)
	b := testutil.Account("b", "u", types.ProviderShopify, types.FetchStatusSuccess)
	b.LastSuccessfulCall = timePtr(testNow.Add(-48 * time.Hour))
	store := testutil.NewAccountStore(a, b)

	pub := &testutil.Publisher{Fail: func(m *queue.Message) error {
		if m.AccountID == "a" {
			return errors.New("redis unavailable")
		}
		return nil
	}}

	res, err := newTestScheduler(t, store, pub).RunSweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Scheduled)
	assert.Equal(t, 1, res.PublishFailures)

	reverted := store.Snapshot("a")
	assert.Equal(t, types.FetchStatusIdle, reverted.FetchStatus)
	assert.Nil(t, reverted.AttemptID)
	assert.Nil(t, reverted.FetchScheduledAt)

	assert.Equal(t, types.FetchStatusScheduled, store.Snapshot("b").FetchStatus)
	require.Len(t, pub.Messages(), 1)
	assert.Equal(t, "b", pub.Messages()[0].Message.AccountID)
}

func TestRunSweep_RecoversOrphans(t *testing.T) {
	lost := testutil.Scheduled("lost", "u", types.ProviderShopify, "old-1", 2)
	lost.FetchScheduledAt = timePtr(testNow.Add(-4 * time.Hour))

	queued := testutil.Scheduled("queued", "u", types.ProviderShopify, "old-2", 0)
	queued.FetchScheduledAt = timePtr(testNow.Add(-time.Minute))

	abandoned := testutil.Account("abandoned", "u", types.ProviderShopify, types.FetchStatusInProgress)
	old := "old-3"
	abandoned.AttemptID = &old
	abandoned.FetchStartedAt = timePtr(testNow.Add(-3 * time.Hour))

	running := testutil.Account("running", "u", types.ProviderShopify, types.FetchStatusInProgress)
	running.FetchStartedAt = timePtr(testNow.Add(-10 * time.Minute))

	store := testutil.NewAccountStore(lost, queued, abandoned, running)
	pub := &testutil.Publisher{}

	res, err := newTestScheduler(t, store, pub).RunSweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Recovered)

	for id, retries := range map[string]int{"lost": 2, "abandoned": 0} {
		acc := store.Snapshot(id)
		assert.Equal(t, types.FetchStatusScheduled, acc.FetchStatus, id)
		assert.Equal(t, retries, acc.RetryCount, "%s keeps its retry count", id)
		assert.Contains(t, acc.CurrentAttempt(), "attempt-", id)
	}
	assert.Equal(t, "old-2", store.Snapshot("queued").CurrentAttempt())
	assert.Equal(t, types.FetchStatusInProgress, store.Snapshot("running").FetchStatus)
	for _, m := range pub.Messages() {
		assert.Zero(t, m.Delay)
	}
}

func TestRunSweep_PendingRetryIsNotAnOrphan(t *testing.T) {
	requeuedAt := testNow.Add(-3*time.Hour - time.Minute)

	waiting := testutil.Scheduled("waiting", "u", types.ProviderShopify, "att-1", 3)
	waiting.FetchScheduledAt = timePtr(requeuedAt)
	waiting.NextAttemptAt = timePtr(requeuedAt.Add(4 * time.Hour))

	overdue := testutil.Scheduled("overdue", "u", types.ProviderShopify, "att-2", 3)
	overdue.FetchScheduledAt = timePtr(requeuedAt.Add(-time.Hour))
	overdue.NextAttemptAt = timePtr(requeuedAt)

	store := testutil.NewAccountStore(waiting, overdue)
	pub := &testutil.Publisher{}

	res, err := newTestScheduler(t, store, pub).RunSweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Recovered)

	got := store.Snapshot("waiting")
	assert.Equal(t, "att-1", got.CurrentAttempt(), "a retry still waiting on its hint is left alone")
	assert.Equal(t, 3, got.RetryCount)

	got = store.Snapshot("overdue")
	assert.NotEqual(t, "att-2", got.CurrentAttempt())
	assert.Equal(t, 3, got.RetryCount)
	assert.Nil(t, got.NextAttemptAt)

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "overdue", msgs[0].Message.AccountID)
	assert.Equal(t, 3, msgs[0].Message.RetryCount)
}

func TestRunSweep_ListingErrorDoesNotPanic(t *testing.T) {
	store := testutil.NewAccountStore()
	store.Err = errors.New("database down")
	_, err := newTestScheduler(t, store, &testutil.Publisher{}).RunSweep(context.Background())
	assert.Error(t, err)
}

func TestForceRefetch(t *testing.T) {
	live := testutil.Account("live", "u", types.ProviderShopify, types.FetchStatusInProgress)
	live.FetchStartedAt = timePtr(testNow.Add(-time.Minute))

	stale := testutil.Account("stale", "u", types.ProviderShopify, types.FetchStatusInProgress)
	stale.FetchStartedAt = timePtr(testNow.Add(-5 * time.Hour))

	fresh := testutil.Account("fresh", "u", types.ProviderShopify, types.FetchStatusSuccess)
	fresh.LastSuccessfulCall = timePtr(testNow.Add(-time.Minute))
	fresh.RetryCount = 0

	failed := testutil.Account("failed", "u", types.ProviderShopify, types.FetchStatusFailed)
	failed.RetryCount = 7

	unauthorized := testutil.Account("unauthorized", "u", types.ProviderShopify, types.FetchStatusIdle)
	unauthorized.AccessToken = nil

	tests := []struct {
		id      string
		wantErr error
	}{
		{id: "live", wantErr: harvesterrors.ErrFetchInProgress},
		{id: "stale"},
		{id: "fresh"},
		{id: "failed"},
		{id: "unauthorized", wantErr: harvesterrors.ErrAccountNotAuthorized},
		{id: "missing", wantErr: harvesterrors.ErrAccountNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			store := testutil.NewAccountStore(live, stale, fresh, failed, unauthorized)
			pub := &testutil.Publisher{}
			s := newTestScheduler(t, store, pub)

			acc, err := s.ForceRefetch(context.Background(), tt.id)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Empty(t, pub.Messages())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, types.FetchStatusScheduled, acc.FetchStatus)
			assert.Zero(t, acc.RetryCount)

			last, ok := pub.Last()
			require.True(t, ok)
			assert.Zero(t, last.Delay)
			assert.Equal(t, acc.CurrentAttempt(), last.Message.AttemptID)
		})
	}
}

type fakeMonitor struct {
	fail  types.ProviderType
	calls []types.ProviderType
}

func (f *fakeMonitor) MonitorAndMaybeReset(ctx context.Context, p types.ProviderType, _ ratelimit.TaskInspector) (ratelimit.MonitorResult, error) {
	f.calls = append(f.calls, p)
	if p == f.fail {
		return ratelimit.MonitorResult{}, errors.New("redis unavailable")
	}
	return ratelimit.MonitorResult{Provider: p, Reset: true, Reason: "no pending tasks", Rate: 2}, nil
}

type noTasks struct{}

func (noTasks) HasPendingTasks(context.Context, types.ProviderType) (bool, error) { return false, nil }

func TestRateMonitorJob(t *testing.T) {
	mon := &fakeMonitor{fail: types.ProviderEtsy}
	j, err := NewRateMonitorJob(mon, noTasks{}, staticProviders{types.ProviderShopify, types.ProviderEtsy, types.ProviderStripe}, nil)
	require.NoError(t, err)

	results := j.Run(context.Background())
	assert.Len(t, mon.calls, 3, "a failing provider does not stop the pass")
	require.Len(t, results, 2)
	assert.Equal(t, types.ProviderShopify, results[0].Provider)
	assert.Equal(t, types.ProviderStripe, results[1].Provider)

	_, err = NewRateMonitorJob(nil, noTasks{}, staticProviders{}, nil)
	assert.Error(t, err)
}

func TestRunner(t *testing.T) {
	store := testutil.NewAccountStore(testutil.Account("a", "u", types.ProviderShopify, types.FetchStatusIdle))
	pub := &testutil.Publisher{}
	sched := newTestScheduler(t, store, pub)
	mon, err := NewRateMonitorJob(&fakeMonitor{}, noTasks{}, staticProviders{types.ProviderShopify}, nil)
	require.NoError(t, err)

	r, err := NewRunner(RunnerConfig{
		Scheduler:       sched,
		RateMonitor:     mon,
		SweepInterval:   time.Hour,
		MonitorInterval: time.Hour,
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{SweepJobName, RateMonitorJobName}, r.JobNames())

	r.Start()
	require.Eventually(t, func() bool { return len(pub.Messages()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, r.Stop())
	require.NoError(t, r.Stop())

	_, err = NewRunner(RunnerConfig{Scheduler: sched, RateMonitor: mon})
	assert.Error(t, err)
}

var _ AccountStore = (*testutil.AccountStore)(nil)

func TestStatusViewUsesCadence(t *testing.T) {
	acc := testutil.Account("a", "u", types.ProviderShopify, types.FetchStatusSuccess)
	acc.LastSuccessfulCall = timePtr(testNow)
	s := newTestScheduler(t, testutil.NewAccountStore(acc), &testutil.Publisher{})

	view := acc.StatusView(s.FetchCadence(), &models.ErrorLogEntry{Classification: "Fatal: x", CreatedAt: testNow})
	require.NotNil(t, view.NextDueAt)
	assert.Equal(t, testNow.Add(24*time.Hour), *view.NextDueAt)
	assert.Equal(t, "Fatal: x", *view.LastError)
}
