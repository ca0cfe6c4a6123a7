package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/muaviaUsmani/backupagent/internal/job"
)

// DefaultRedisKey holds the pending report list when REPORT_STORE=redis
const DefaultRedisKey = "backupagent:pending_reports"

// RedisStore keeps the pending report list as one JSON string value
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisClient parses redisURL and verifies the connection
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// NewRedisStore creates a store under key; empty key uses DefaultRedisKey
func NewRedisStore(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{client: client, key: key}
}

// Load reads the list. A missing key is an empty queue.
func (s *RedisStore) Load(ctx context.Context) ([]job.PendingReport, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read pending reports: %w", err)
	}

	entries, err := decodeEntries(data)
	if err != nil {
		return nil, fmt.Errorf("redis key %s: %w", s.key, err)
	}
	return entries, nil
}

// Save overwrites the list with a single SET
func (s *RedisStore) Save(ctx context.Context, entries []job.PendingReport) error {
	data, err := encodeEntries(entries)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save pending reports: %w", err)
	}
	return nil
}

// Close closes the underlying client
func (s *RedisStore) Close() error {
	return s.client.Close()
}
