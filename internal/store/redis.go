package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eldtechnologies/gchat/internal/crypto"
	"github.com/eldtechnologies/gchat/internal/metrics"
	"github.com/eldtechnologies/gchat/internal/models"
)

// RedisStore handles Redis operations for login sessions and send cooldowns.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis store.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// sessionKey returns the key for a login session.
func sessionKey(token string) string {
	return fmt.Sprintf("session:%s", token)
}

// cooldownKey returns the key for an author's send cooldown.
func cooldownKey(author string) string {
	return fmt.Sprintf("cooldown:%s", author)
}

// CreateSession stores a new session for username.
func (s *RedisStore) CreateSession(ctx context.Context, username string, ttl time.Duration) (*models.Session, error) {
	defer metrics.ObserveSince(metrics.RedisLatency, time.Now())

	token, err := crypto.NewSessionToken()
	if err != nil {
		return nil, err
	}

	if err := s.client.Set(ctx, sessionKey(token), username, ttl).Err(); err != nil {
		return nil, err
	}

	return &models.Session{
		Token:     token,
		Username:  username,
		ExpiresAt: time.Now().Add(ttl).UTC(),
	}, nil
}

// GetSession returns the username bound to token, or "" when the session does not exist.
func (s *RedisStore) GetSession(ctx context.Context, token string) (string, error) {
	defer metrics.ObserveSince(metrics.RedisLatency, time.Now())

	username, err := s.client.Get(ctx, sessionKey(token)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return username, err
}

// DeleteSession removes a session.
func (s *RedisStore) DeleteSession(ctx context.Context, token string) error {
	return s.client.Del(ctx, sessionKey(token)).Err()
}

// AcquireCooldown claims the author's send slot for window.
// When the slot is already held it returns false and the time left on it.
func (s *RedisStore) AcquireCooldown(ctx context.Context, author string, window time.Duration) (bool, time.Duration, error) {
	defer metrics.ObserveSince(metrics.RedisLatency, time.Now())

	key := cooldownKey(author)
	ok, err := s.client.SetNX(ctx, key, "1", window).Result()
	if err != nil {
		return false, 0, err
	}
	if ok {
		return true, 0, nil
	}

	remaining, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return false, 0, err
	}
	if remaining < 0 {
		// Key vanished between SETNX and PTTL
		remaining = 0
	}
	return false, remaining, nil
}

// ReleaseCooldown frees the author's send slot after a failed store.
func (s *RedisStore) ReleaseCooldown(ctx context.Context, author string) error {
	return s.client.Del(ctx, cooldownKey(author)).Err()
}
