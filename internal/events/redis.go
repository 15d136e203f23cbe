package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisSink publishes events as JSON on a pub/sub channel and appends them to a capped list
// so late subscribers can catch up.
type RedisSink struct {
	client     redis.Cmdable
	channel    string
	backlogKey string
	backlog    int64
}

// NewRedisSink returns a sink publishing on channel. backlog <= 0 disables the catch-up list.
func NewRedisSink(client redis.Cmdable, channel string, backlog int64) *RedisSink {
	return &RedisSink{client: client, channel: channel, backlogKey: channel + ":backlog", backlog: backlog}
}

func (s *RedisSink) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event %d: %w", e.Sequence, err)
	}
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish event %d: %w", e.Sequence, err)
	}
	if s.backlog <= 0 {
		return nil
	}
	if err := s.client.LPush(ctx, s.backlogKey, payload).Err(); err != nil {
		return fmt.Errorf("failed to append event %d to backlog: %w", e.Sequence, err)
	}
	if err := s.client.LTrim(ctx, s.backlogKey, 0, s.backlog-1).Err(); err != nil {
		return fmt.Errorf("failed to trim backlog: %w", err)
	}
	return nil
}
