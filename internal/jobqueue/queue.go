package jobqueue

import (
	"context"
	"errors"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Queue is a FIFO of jobs.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	// Dequeue waits up to timeout and returns nil when nothing arrived.
	Dequeue(ctx context.Context, timeout time.Duration) (*Job, error)
}

type redisQueue struct {
	client *redis.Client
	key    string
}

func NewRedisQueue(client *redis.Client, key string) Queue {
	if client == nil {
		return nil
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "drawledger:jobs"
	}
	return &redisQueue{client: client, key: key}
}

func (q *redisQueue) Enqueue(ctx context.Context, job Job) error {
	if job.ID == "" || job.Type == "" {
		return ErrInvalidJob
	}
	data, err := Encode(job)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.key, data).Err()
}

func (q *redisQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	res, err := q.client.BRPop(ctx, timeout, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// BRPOP replies with [key, value].
	if len(res) != 2 {
		return nil, ErrInvalidJob
	}
	job, err := Decode([]byte(res[1]))
	if err != nil {
		return nil, err
	}
	return &job, nil
}
