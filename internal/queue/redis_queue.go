package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/commerce-harvester/internal/types"
)

const (
	// DefaultKeyPrefix namespaces queue keys
	DefaultKeyPrefix = "harvest:queue:"

	// DefaultVisibilityTimeout is how long a reserved message may stay
	// unacknowledged before the sweeper returns it to the ready list.
	DefaultVisibilityTimeout = 30 * time.Minute

	promoteBatch = 100
)

// promoteScript moves due members of a delayed set onto the ready list.
var promoteScript = redis.NewScript(`
	local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
	for _, member in ipairs(due) do
		redis.call('ZREM', KEYS[1], member)
		redis.call('RPUSH', KEYS[2], member)
	end
	return #due
`)

// Delivery is a reserved message. Raw is the exact stored payload and is
// needed to acknowledge it.
type Delivery struct {
	Message *Message
	Raw     string
}

// Stats counts the messages of one provider by queue stage.
type Stats struct {
	Provider   types.ProviderType `json:"provider"`
	Delayed    int64              `json:"delayed"`
	Ready      int64              `json:"ready"`
	Processing int64              `json:"processing"`
}

// Pending is the total of all stages
func (s Stats) Pending() int64 {
	return s.Delayed + s.Ready + s.Processing
}

// RedisQueue is a delayed work queue partitioned by provider type.
//
// Per provider it keeps a delayed sorted set scored by due time, a ready list,
// a processing list of reserved messages and a reservation-time set used by
// the sweeper. The queue never retries on its own; a handler failure is
// acknowledged like a success.
type RedisQueue struct {
	client            redis.Cmdable
	keyPrefix         string
	visibilityTimeout time.Duration
	now               func() time.Time
}

// Options configures a RedisQueue.
type Options struct {
	KeyPrefix         string
	VisibilityTimeout time.Duration
	Now               func() time.Time
}

// NewRedisQueue creates a queue on the given client
func NewRedisQueue(client redis.Cmdable, opts Options) (*RedisQueue, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = DefaultKeyPrefix
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &RedisQueue{
		client:            client,
		keyPrefix:         opts.KeyPrefix,
		visibilityTimeout: opts.VisibilityTimeout,
		now:               opts.Now,
	}, nil
}

func (q *RedisQueue) delayedKey(p types.ProviderType) string {
	return q.keyPrefix + "delayed:" + string(p)
}

func (q *RedisQueue) readyKey(p types.ProviderType) string {
	return q.keyPrefix + "ready:" + string(p)
}

func (q *RedisQueue) processingKey(p types.ProviderType) string {
	return q.keyPrefix + "processing:" + string(p)
}

func (q *RedisQueue) reservedKey(p types.ProviderType) string {
	return q.keyPrefix + "reserved:" + string(p)
}

// Publish enqueues a message to become ready after delay.
func (q *RedisQueue) Publish(ctx context.Context, msg *Message, delay time.Duration) error {
	if msg == nil {
		return errors.New("message cannot be nil")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if err := msg.Validate(); err != nil {
		return err
	}

	now := q.now()
	msg.EnqueuedAt = now
	raw, err := encodeMessage(msg)
	if err != nil {
		return err
	}

	if delay <= 0 {
		if err := q.client.RPush(ctx, q.readyKey(msg.ProviderType), raw).Err(); err != nil {
			return fmt.Errorf("failed to publish message %s: %w", msg.ID, err)
		}
		return nil
	}

	due := now.Add(delay).UnixMilli()
	if err := q.client.ZAdd(ctx, q.delayedKey(msg.ProviderType), redis.Z{Score: float64(due), Member: raw}).Err(); err != nil {
		return fmt.Errorf("failed to publish message %s: %w", msg.ID, err)
	}
	return nil
}

// Promote moves every due delayed message of a provider onto its ready list
// and returns how many were moved.
func (q *RedisQueue) Promote(ctx context.Context, provider types.ProviderType) (int, error) {
	nowMs := strconv.FormatInt(q.now().UnixMilli(), 10)
	total := 0
	for {
		n, err := promoteScript.Run(ctx, q.client,
			[]string{q.delayedKey(provider), q.readyKey(provider)},
			nowMs, promoteBatch,
		).Int()
		if err != nil {
			return total, fmt.Errorf("failed to promote %s messages: %w", provider, err)
		}
		total += n
		if n < promoteBatch {
			return total, nil
		}
	}
}

// Reserve blocks up to timeout for a ready message and moves it to the
// processing list. It returns nil when nothing became ready.
func (q *RedisQueue) Reserve(ctx context.Context, provider types.ProviderType, timeout time.Duration) (*Delivery, error) {
	raw, err := q.client.BLMove(ctx, q.readyKey(provider), q.processingKey(provider), "LEFT", "RIGHT", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to reserve %s message: %w", provider, err)
	}

	_ = q.client.ZAdd(ctx, q.reservedKey(provider), redis.Z{Score: float64(q.now().UnixMilli()), Member: raw}).Err()

	msg, err := decodeMessage(raw)
	if err != nil {
		// Unreadable payloads are dropped so they cannot wedge the list
		_ = q.Ack(ctx, provider, raw)
		return nil, err
	}
	return &Delivery{Message: msg, Raw: raw}, nil
}

// Ack removes a reserved message.
func (q *RedisQueue) Ack(ctx context.Context, provider types.ProviderType, raw string) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.processingKey(provider), 1, raw)
	pipe.ZRem(ctx, q.reservedKey(provider), raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to ack %s message: %w", provider, err)
	}
	return nil
}

// RecoverStuck returns reserved messages older than the visibility timeout to
// the ready list. A processing entry without a reservation time (the reserver
// crashed in between) starts its timer now.
func (q *RedisQueue) RecoverStuck(ctx context.Context, provider types.ProviderType) (int, error) {
	members, err := q.client.LRange(ctx, q.processingKey(provider), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list %s processing messages: %w", provider, err)
	}

	now := q.now()
	recovered := 0
	for _, raw := range members {
		score, err := q.client.ZScore(ctx, q.reservedKey(provider), raw).Result()
		if errors.Is(err, redis.Nil) {
			_ = q.client.ZAdd(ctx, q.reservedKey(provider), redis.Z{Score: float64(now.UnixMilli()), Member: raw}).Err()
			continue
		}
		if err != nil {
			return recovered, fmt.Errorf("failed to read reservation time: %w", err)
		}
		if now.Sub(time.UnixMilli(int64(score))) <= q.visibilityTimeout {
			continue
		}

		pipe := q.client.TxPipeline()
		rem := pipe.LRem(ctx, q.processingKey(provider), 1, raw)
		pipe.ZRem(ctx, q.reservedKey(provider), raw)
		if _, err := pipe.Exec(ctx); err != nil {
			return recovered, fmt.Errorf("failed to recover message: %w", err)
		}
		if rem.Val() == 0 {
			// Acked concurrently
			continue
		}
		if err := q.client.RPush(ctx, q.readyKey(provider), raw).Err(); err != nil {
			return recovered, fmt.Errorf("failed to requeue recovered message: %w", err)
		}
		recovered++
	}
	return recovered, nil
}

// Stats counts a provider's messages per stage
func (q *RedisQueue) Stats(ctx context.Context, provider types.ProviderType) (Stats, error) {
	pipe := q.client.Pipeline()
	delayed := pipe.ZCard(ctx, q.delayedKey(provider))
	ready := pipe.LLen(ctx, q.readyKey(provider))
	processing := pipe.LLen(ctx, q.processingKey(provider))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Stats{}, fmt.Errorf("failed to read %s queue stats: %w", provider, err)
	}
	return Stats{
		Provider:   provider,
		Delayed:    delayed.Val(),
		Ready:      ready.Val(),
		Processing: processing.Val(),
	}, nil
}

// HasPendingTasks reports whether any scheduled, ready or reserved message
// exists for the provider.
func (q *RedisQueue) HasPendingTasks(ctx context.Context, provider types.ProviderType) (bool, error) {
	st, err := q.Stats(ctx, provider)
	if err != nil {
		return false, err
	}
	return st.Pending() > 0, nil
}

// Delayed returns the delayed messages of a provider with their due times,
// earliest first.
func (q *RedisQueue) Delayed(ctx context.Context, provider types.ProviderType) ([]*Message, []time.Time, error) {
	zs, err := q.client.ZRangeWithScores(ctx, q.delayedKey(provider), 0, -1).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list delayed %s messages: %w", provider, err)
	}
	msgs := make([]*Message, 0, len(zs))
	dues := make([]time.Time, 0, len(zs))
	for _, z := range zs {
		raw, ok := z.Member.(string)
		if !ok {
			continue
		}
		m, err := decodeMessage(raw)
		if err != nil {
			continue
		}
		msgs = append(msgs, m)
		dues = append(dues, time.UnixMilli(int64(z.Score)))
	}
	return msgs, dues, nil
}
