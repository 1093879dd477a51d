package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSink appends events to a roughly capped Redis stream so that downstream
// consumers (audit log writers, dashboards) can tail them.
type RedisSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisSink connects to redisURL and verifies the connection.
func NewRedisSink(redisURL, stream string, maxLen int64) (*RedisSink, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisSinkWithClient(client, stream, maxLen), nil
}

func NewRedisSinkWithClient(client *redis.Client, stream string, maxLen int64) *RedisSink {
	return &RedisSink{client: client, stream: stream, maxLen: maxLen}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Deliver(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"id":      event.ID,
			"type":    string(event.Type),
			"payload": string(payload),
		},
	}
	if s.maxLen > 0 {
		// Approximate trimming lets Redis cut whole radix nodes.
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (s *RedisSink) Recent(ctx context.Context, limit int64) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	messages, err := s.client.XRevRangeN(ctx, s.stream, "+", "-", limit).Result()
	if err != nil {
		return nil, fmt.Errorf("read audit stream: %w", err)
	}
	events := make([]Event, 0, len(messages))
	for _, message := range messages {
		raw, ok := message.Values["payload"].(string)
		if !ok {
			return nil, fmt.Errorf("audit entry %s has no payload", message.ID)
		}
		var event Event
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			return nil, fmt.Errorf("unmarshal audit entry %s: %w", message.ID, err)
		}
		events = append(events, event)
	}
	return events, nil
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}

func (s *RedisSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
