package events

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const DefaultStream = "taskrec:events"

// RedisPublisher appends events to a Redis stream.
type RedisPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewRedisPublisher(redisAddr, stream string) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if stream == "" {
		stream = DefaultStream
	}

	return &RedisPublisher{
		client: client,
		stream: stream,
		maxLen: 10000,
	}, nil
}

// SetMaxLen caps the stream length. Zero disables trimming.
func (p *RedisPublisher) SetMaxLen(n int64) {
	p.maxLen = n
}

func (p *RedisPublisher) Stream() string {
	return p.stream
}

func (p *RedisPublisher) Publish(ctx context.Context, e Event) error {
	payload, err := e.ToJSON()
	if err != nil {
		return err
	}

	return p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Values: []any{
			"type", string(e.Type),
			"session_id", e.SessionID,
			"payload", payload,
		},
	}).Err()
}

// Read returns up to count events starting at stream id start ("-" for the
// beginning).
func (p *RedisPublisher) Read(ctx context.Context, start string, count int64) ([]Event, error) {
	if start == "" {
		start = "-"
	}

	msgs, err := p.client.XRangeN(ctx, p.stream, start, "+", count).Result()
	if err != nil {
		return nil, err
	}

	out := make([]Event, 0, len(msgs))
	for _, msg := range msgs {
		raw, ok := msg.Values["payload"].(string)
		if !ok {
			continue
		}
		e, err := EventFromJSON(raw)
		if err != nil {
			continue
		}
		out = append(out, e)
	}

	return out, nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
