package queue

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"device-control/internal/config"
	"device-control/internal/firmware"
	"device-control/internal/models"
)

// RedisQueue hands triggered build ids from the API to worker processes.
type RedisQueue struct {
	client     *redis.Client
	readyKey   string
	pendingKey string
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisQueueWithClient(client, cfg.DispatchQueue)
}

// NewRedisQueueWithClient builds a queue on an existing client.
func NewRedisQueueWithClient(client *redis.Client, name string) *RedisQueue {
	if name == "" {
		name = "firmware:dispatch"
	}
	return &RedisQueue{
		client:     client,
		readyKey:   name + ":ready",
		pendingKey: name + ":pending",
	}
}

// Schedule enqueues id for a worker. Ids already waiting are not queued twice.
func (q *RedisQueue) Schedule(ctx context.Context, id models.JobID) error {
	res, err := enqueueScript.Run(ctx, q.client, []string{q.pendingKey, q.readyKey}, string(id)).Int()
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", id, err)
	}
	if res == 0 {
		return fmt.Errorf("enqueue %s: %w", id, firmware.ErrAlreadyScheduled)
	}
	return nil
}

// Dequeue pops the oldest waiting id, or returns "" when the queue is empty.
func (q *RedisQueue) Dequeue(ctx context.Context) (models.JobID, error) {
	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey, q.pendingKey}).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	id, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return models.JobID(id), nil
}

// Depth returns how many ids are waiting.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

var enqueueScript = redis.NewScript(`
if redis.call('SADD', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('RPUSH', KEYS[2], ARGV[1])
return 1
`)

var dequeueScript = redis.NewScript(`
local id = redis.call('LPOP', KEYS[1])
if id then
  redis.call('SREM', KEYS[2], id)
  return id
end
return nil
`)
