package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// redisUpdateRetries bounds optimistic-lock retries when tabs race.
const redisUpdateRetries = 16

// RedisAdapter persists the queue in Redis for deployments where several
// portal tabs or kiosk sessions share one backing store. Update uses WATCH
// plus a transactional pipeline, retried on contention, to keep the
// read-modify-write atomic across clients.
type RedisAdapter struct {
	rdb *redis.Client
}

func NewRedisAdapter(rdb *redis.Client) *RedisAdapter {
	return &RedisAdapter{rdb: rdb}
}

func (r *RedisAdapter) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("queue: redis get: %w", err)
	}
	return v, nil
}

func (r *RedisAdapter) Set(ctx context.Context, key string, value []byte) error {
	if err := r.rdb.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("queue: redis set: %w", err)
	}
	return nil
}

func (r *RedisAdapter) Delete(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("queue: redis del: %w", err)
	}
	return nil
}

func (r *RedisAdapter) Update(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) error {
	txn := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			current = nil
		} else if err != nil {
			return err
		}
		next, err := fn(current)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next == nil {
				pipe.Del(ctx, key)
			} else {
				pipe.Set(ctx, key, next, 0)
			}
			return nil
		})
		return err
	}

	for i := 0; i < redisUpdateRetries; i++ {
		err := r.rdb.Watch(ctx, txn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue // another client touched the key; retry
		}
		if err != nil {
			return fmt.Errorf("queue: redis update: %w", err)
		}
		return nil
	}
	return fmt.Errorf("queue: redis update: contention on %q exceeded %d retries", key, redisUpdateRetries)
}

func (r *RedisAdapter) Close() error {
	return r.rdb.Close()
}
