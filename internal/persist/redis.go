package persist

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/knoguchi/recall/internal/cache"
)

const (
	entryKeyPrefix = "recall:entry:"
	snapshotKey    = "recall:snapshot:v1"
)

// RedisStore is a DurableStore backed by Redis. Entries are stored as JSON
// under a per-query key with the cache TTL so Redis expires them in step
// with the in-memory tiers.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

var _ DurableStore = (*RedisStore)(nil)

// NewRedisStore connects to the Redis instance described by a redis:// URL
// and verifies the connection with a ping.
func NewRedisStore(ctx context.Context, url string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, &Error{Backend: "redis", Err: err}
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, &Error{Backend: "redis", Err: err}
	}

	return &RedisStore{client: client, ttl: ttl}, nil
}

func (s *RedisStore) PutEntry(ctx context.Context, entry *cache.Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return &Error{Backend: "redis", Err: err}
	}
	if err := s.client.Set(ctx, entryKeyPrefix+entry.NormalizedQuery, data, s.ttl).Err(); err != nil {
		return &Error{Backend: "redis", Err: err}
	}
	return nil
}

func (s *RedisStore) GetEntry(ctx context.Context, normalizedQuery string) (*cache.Entry, error) {
	data, err := s.client.Get(ctx, entryKeyPrefix+normalizedQuery).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &Error{Backend: "redis", Err: err}
	}

	var entry cache.Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, &Error{Backend: "redis", Err: err}
	}
	return &entry, nil
}

func (s *RedisStore) PutSnapshot(ctx context.Context, data []byte) error {
	if err := s.client.Set(ctx, snapshotKey, data, 0).Err(); err != nil {
		return &Error{Backend: "redis", Err: err}
	}
	return nil
}

func (s *RedisStore) GetSnapshot(ctx context.Context) ([]byte, error) {
	data, err := s.client.Get(ctx, snapshotKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &Error{Backend: "redis", Err: err}
	}
	return data, nil
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
