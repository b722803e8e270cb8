package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultChannelPrefix namespaces the pub/sub channels
	DefaultChannelPrefix = "harvest:events:"

	itemImportedChannel   = "item_imported"
	fetchCompletedChannel = "fetch_completed"
)

// RedisSink publishes events as JSON on Redis pub/sub channels
// <prefix>item_imported and <prefix>fetch_completed.
type RedisSink struct {
	client redis.Cmdable
	prefix string
}

// NewRedisSink creates a sink; an empty prefix uses DefaultChannelPrefix
func NewRedisSink(client redis.Cmdable, prefix string) (*RedisSink, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisSink{client: client, prefix: prefix}, nil
}

// ItemImportedChannel returns the channel item events are published on
func (s *RedisSink) ItemImportedChannel() string {
	return s.prefix + itemImportedChannel
}

// FetchCompletedChannel returns the channel cycle events are published on
func (s *RedisSink) FetchCompletedChannel() string {
	return s.prefix + fetchCompletedChannel
}

func (s *RedisSink) publish(ctx context.Context, channel string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := s.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

// ItemImported implements Sink
func (s *RedisSink) ItemImported(ctx context.Context, ev ItemImportedEvent) error {
	return s.publish(ctx, s.ItemImportedChannel(), ev)
}

// FetchCompleted implements Sink
func (s *RedisSink) FetchCompleted(ctx context.Context, ev FetchCompletedEvent) error {
	return s.publish(ctx, s.FetchCompletedChannel(), ev)
}
