package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kylemclaren/device-tasks/internal/config"
)

const (
	// how long one BLPOP waits before Dequeue re-checks ctx and Close
	blockTimeout = time.Second

	defaultEnqueueTimeout = 5 * time.Second
)

// NewRedisClient connects to Redis and verifies the connection
func NewRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address cannot be empty")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// RedisQueue implements Queue with a Redis list, shared by every worker process
type RedisQueue struct {
	client *redis.Client
	key    string
	closed atomic.Bool
}

// NewRedisQueue uses the list <prefix>:jobs. The client is owned by the caller.
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	return &RedisQueue{client: client, key: prefix + ":jobs"}
}

// Enqueue pushes a job to the tail of the list
func (rq *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	if rq.closed.Load() {
		return ErrClosed
	}
	// Set timeout if not provided
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultEnqueueTimeout)
		defer cancel()
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := rq.client.RPush(ctx, rq.key, data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

// Dequeue pops from the head of the list, blocking until a job arrives
func (rq *RedisQueue) Dequeue(ctx context.Context) (Job, error) {
	for {
		if rq.closed.Load() {
			return Job{}, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return Job{}, err
		}

		res, err := rq.client.BLPop(ctx, blockTimeout, rq.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return Job{}, ctx.Err()
			}
			return Job{}, fmt.Errorf("failed to dequeue job: %w", err)
		}

		// BLPOP returns [key, value]
		var job Job
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			return Job{}, fmt.Errorf("failed to unmarshal job: %w", err)
		}
		return job, nil
	}
}

// Len returns the number of waiting jobs
func (rq *RedisQueue) Len(ctx context.Context) (int64, error) {
	return rq.client.LLen(ctx, rq.key).Result()
}

// Close stops Dequeue; it does not close the shared client
func (rq *RedisQueue) Close() error {
	rq.closed.Store(true)
	return nil
}
