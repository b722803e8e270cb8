package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commerce-harvester/internal/types"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func setupQueue(t *testing.T) (*RedisQueue, *testClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	clock := &testClock{t: time.Date(2024, 1, 2, 3, 0, 0, 0, time.UTC)}
	q, err := NewRedisQueue(client, Options{VisibilityTimeout: 10 * time.Minute, Now: clock.Now})
	require.NoError(t, err)
	return q, clock
}

func TestNewRedisQueue_RequiresClient(t *testing.T) {
	_, err := NewRedisQueue(nil, Options{})
	assert.Error(t, err)
}

func TestRedisQueue_PublishImmediate(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	msg := NewMessage(types.ProviderShopify, "acc-1", "att-1", 0)
	require.NoError(t, q.Publish(ctx, msg, 0))

	d, err := q.Reserve(ctx, types.ProviderShopify, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, msg.ID, d.Message.ID)
	assert.Equal(t, "acc-1", d.Message.AccountID)
	assert.False(t, d.Message.EnqueuedAt.IsZero())

	st, err := q.Stats(ctx, types.ProviderShopify)
	require.NoError(t, err)
	assert.Equal(t, Stats{Provider: types.ProviderShopify, Processing: 1}, st)

	require.NoError(t, q.Ack(ctx, types.ProviderShopify, d.Raw))
	pending, err := q.HasPendingTasks(ctx, types.ProviderShopify)
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestRedisQueue_DelayedPromotion(t *testing.T) {
	q, clock := setupQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Publish(ctx, NewMessage(types.ProviderEtsy, "acc-2", "att-2", 1), 30*time.Second))

	pending, err := q.HasPendingTasks(ctx, types.ProviderEtsy)
	require.NoError(t, err)
	assert.True(t, pending, "delayed messages count as pending")

	msgs, dues, err := q.Delayed(ctx, types.ProviderEtsy)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, clock.Now().Add(30*time.Second).UnixMilli(), dues[0].UnixMilli())

	n, err := q.Promote(ctx, types.ProviderEtsy)
	require.NoError(t, err)
	assert.Zero(t, n)

	d, err := q.Reserve(ctx, types.ProviderEtsy, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, d)

	clock.Advance(31 * time.Second)
	n, err = q.Promote(ctx, types.ProviderEtsy)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	d, err = q.Reserve(ctx, types.ProviderEtsy, 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, 1, d.Message.RetryCount)
}

func TestRedisQueue_ProvidersArePartitioned(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Publish(ctx, NewMessage(types.ProviderStripe, "acc-3", "att-3", 0), 0))

	d, err := q.Reserve(ctx, types.ProviderShopify, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, d)

	pending, err := q.HasPendingTasks(ctx, types.ProviderShopify)
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestRedisQueue_RecoverStuck(t *testing.T) {
	q, clock := setupQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Publish(ctx, NewMessage(types.ProviderShopify, "acc-4", "att-4", 0), 0))
	d, err := q.Reserve(ctx, types.ProviderShopify, 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, d)

	n, err := q.RecoverStuck(ctx, types.ProviderShopify)
	require.NoError(t, err)
	assert.Zero(t, n, "within visibility timeout")

	clock.Advance(11 * time.Minute)
	n, err = q.RecoverStuck(ctx, types.ProviderShopify)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	st, err := q.Stats(ctx, types.ProviderShopify)
	require.NoError(t, err)
	assert.EqualValues(t, 1, st.Ready)
	assert.EqualValues(t, 0, st.Processing)
}

func TestRedisQueue_PublishValidates(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	assert.Error(t, q.Publish(ctx, nil, 0))
	assert.Error(t, q.Publish(ctx, &Message{ProviderType: types.ProviderEtsy, AccountID: "acc"}, 0))
}

func TestMessage_WithRetry(t *testing.T) {
	m := NewMessage(types.ProviderEtsy, "acc", "att", 0)
	next := m.WithRetry(3)

	assert.NotEqual(t, m.ID, next.ID)
	assert.Equal(t, m.AttemptID, next.AttemptID)
	assert.Equal(t, 3, next.RetryCount)
	assert.Equal(t, 0, m.RetryCount)
}
