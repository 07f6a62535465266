package revoke

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// DefaultKeyPrefix namespaces revocation markers. Keys are the raw token
// string under this prefix.
const DefaultKeyPrefix = "sentra:revoked:"

// marker is the stored value; only key presence matters.
const marker = "1"

// RedisConfig holds connection settings for the revocation store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	KeyPrefix string

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

var _ Store = (*RedisStore)(nil)

// RedisStore implements Store on a Redis key space with per-key expiry.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisStore connects to Redis and verifies connectivity before
// returning. The client is owned by the returned store.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client, keyPrefix: cfg.KeyPrefix}, nil
}

// NewRedisStoreWithClient wraps a pre-configured client. Useful for testing
// with miniredis.
func NewRedisStoreWithClient(client redis.UniversalClient, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStore) key(token string) string {
	return s.keyPrefix + token
}

func (s *RedisStore) Revoke(ctx context.Context, token string, ttl time.Duration) error {
	if ttl <= 0 {
		// Already expired: the token is unusable without a marker.
		return nil
	}
	if err := s.client.Set(ctx, s.key(token), marker, ttl).Err(); err != nil {
		return fmt.Errorf("write revocation marker: %w", err)
	}
	return nil
}

func (s *RedisStore) RevokeIfAbsent(ctx context.Context, token string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, nil
	}
	created, err := s.client.SetNX(ctx, s.key(token), marker, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("write revocation marker: %w", err)
	}
	return created, nil
}

func (s *RedisStore) IsRevoked(ctx context.Context, token string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(token)).Result()
	if err != nil {
		return false, fmt.Errorf("check revocation marker: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
