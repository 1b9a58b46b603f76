package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// pollTimeout bounds each blocking BLMOVE so Receive notices cancellation.
const pollTimeout = time.Second

// RedisBroker keeps pending tasks in a Redis list. A received task moves to
// "<queue>:processing" until it is acknowledged.
type RedisBroker struct {
	client     *goredis.Client
	queue      string
	processing string
}

// NewRedisBroker connects to the Redis server at url and checks it answers.
func NewRedisBroker(ctx context.Context, url, queue string) (*RedisBroker, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisBroker{client: client, queue: queue, processing: queue + ":processing"}, nil
}

func (b *RedisBroker) Publish(ctx context.Context, t Task) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	if err := b.client.LPush(ctx, b.queue, body).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (b *RedisBroker) Receive(ctx context.Context) (*Delivery, error) {
	for {
		raw, err := b.client.BLMove(ctx, b.queue, b.processing, "RIGHT", "LEFT", pollTimeout).Result()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if errors.Is(err, goredis.ErrClosed) {
			return nil, ErrBrokerClosed
		}
		if err != nil {
			return nil, fmt.Errorf("redis receive: %w", err)
		}

		var t Task
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			slog.Error("redis: dropping undecodable task", "queue", b.queue, "error", err)
			b.client.LRem(ctx, b.processing, 1, raw)
			continue
		}
		return &Delivery{
			Task: t,
			ack: func(ctx context.Context) error {
				return b.client.LRem(ctx, b.processing, 1, raw).Err()
			},
		}, nil
	}
}

func (b *RedisBroker) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		err := b.client.LMove(ctx, b.processing, b.queue, "RIGHT", "RIGHT").Err()
		if errors.Is(err, goredis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("redis recover: %w", err)
		}
		n++
	}
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}
