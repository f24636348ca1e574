// Package kv holds the authoritative agent and task state in Redis: typed
// operations over one logical keyspace plus channel pub/sub.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a key or hash field does not exist.
var ErrNotFound = errors.New("kv: not found")

// Message is one pub/sub delivery.
type Message struct {
	Channel string
	Payload []byte
}

// Store is the key/value surface the hub and agents share. JSON is the
// default encoding for structured values.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error

	HSet(ctx context.Context, key, field string, val []byte) error
	HGet(ctx context.Context, key, field string) ([]byte, error)
	HGetAll(ctx context.Context, key string) (map[string][]byte, error)

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ZRem(ctx context.Context, key string, members ...string) error

	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe delivers messages until the returned stop function is
	// called or ctx is cancelled.
	Subscribe(ctx context.Context, channel string) (<-chan Message, func())

	Close() error
}

// RedisStore implements Store on go-redis.
type RedisStore struct {
	client *redis.Client
	logger *slog.Logger
}

// Open connects to Redis using a redis:// URL and verifies the connection.
func Open(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse kv url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping kv at %s: %w", opts.Addr, err)
	}
	return &RedisStore{
		client: client,
		logger: slog.Default().With("component", "kv"),
	}, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return val, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, val, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("del: %w", err)
	}
	return nil
}

func (s *RedisStore) HSet(ctx context.Context, key, field string, val []byte) error {
	if err := s.client.HSet(ctx, key, field, val).Err(); err != nil {
		return fmt.Errorf("hset %s.%s: %w", key, field, err)
	}
	return nil
}

func (s *RedisStore) HGet(ctx context.Context, key, field string) ([]byte, error) {
	val, err := s.client.HGet(ctx, key, field).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("hget %s.%s: %w", key, field, err)
	}
	return val, nil
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", key, err)
	}
	out := make(map[string][]byte, len(vals))
	for k, v := range vals {
		out[k] = []byte(v)
	}
	return out, nil
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("zadd %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	members, err := s.client.ZRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange %s: %w", key, err)
	}
	return members, nil
}

func (s *RedisStore) ZRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.client.ZRem(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("zrem %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := s.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

func (s *RedisStore) Subscribe(ctx context.Context, channel string) (<-chan Message, func()) {
	sub := s.client.Subscribe(ctx, channel)
	out := make(chan Message, 64)

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		defer close(out)
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- Message{Channel: m.Channel, Payload: []byte(m.Payload)}:
				default:
					s.logger.Warn("kv subscriber lagging, dropping message", "channel", m.Channel)
				}
			}
		}
	}()

	stop := func() {
		cancel()
		_ = sub.Close()
	}
	return out, stop
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// GetJSON loads and decodes a JSON value.
func GetJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// SetJSON encodes and stores a JSON value.
func SetJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Set(ctx, key, data, ttl)
}
