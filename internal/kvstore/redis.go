package kvstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the production Store backed by a single redis.Client
// (dragonfly-compatible, per spec §6's DRAGONFLY_PASSWORD env var).
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore dials addr and pings it once so construction fails fast if
// the KV store is unreachable (mirrors the teacher's dedupe-store pattern).
func NewRedisStore(ctx context.Context, addr, password string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kvstore get %q: %w", key, err)
	}
	return v, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("kvstore set %q: %w", key, err)
	}
	return nil
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("kvstore setnx %q: %w", key, err)
	}
	return ok, nil
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("kvstore del: %w", err)
	}
	return nil
}

// IncrWithExpire performs INCR then EXPIRE in one pipeline so the counter
// and its TTL never observably diverge (spec §3 RateLimitCounter).
func (s *RedisStore) IncrWithExpire(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("kvstore incr-expire %q: %w", key, err)
	}
	return incr.Val(), nil
}

func (s *RedisStore) RPush(ctx context.Context, key string, values ...string) error {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	if err := s.client.RPush(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("kvstore rpush %q: %w", key, err)
	}
	return nil
}

func (s *RedisStore) LRangeAll(ctx context.Context, key string) ([]string, error) {
	vals, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("kvstore lrange %q: %w", key, err)
	}
	return vals, nil
}

func (s *RedisStore) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("kvstore scan %q: %w", pattern, err)
	}
	return keys, nil
}

func (s *RedisStore) Publish(ctx context.Context, channel, message string) error {
	if err := s.client.Publish(ctx, channel, message).Err(); err != nil {
		return fmt.Errorf("kvstore publish %q: %w", channel, err)
	}
	return nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("kvstore expire %q: %w", key, err)
	}
	return nil
}

// redisSubscription adapts *redis.PubSub to Subscription, re-emitting only
// the message payload (channel name is already known to the caller).
type redisSubscription struct {
	pubsub *redis.PubSub
	out    chan string
	cancel context.CancelFunc
}

func (s *RedisStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := s.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("kvstore subscribe %q: %w", channel, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &redisSubscription{pubsub: pubsub, out: make(chan string, 64), cancel: cancel}

	go func() {
		defer close(sub.out)
		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case sub.out <- msg.Payload:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return sub, nil
}

func (s *redisSubscription) Messages() <-chan string { return s.out }

func (s *redisSubscription) Close() error {
	s.cancel()
	return s.pubsub.Close()
}
