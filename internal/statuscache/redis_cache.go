// Package statuscache keeps the latest submission status per client in
// Redis so reviewer dashboards can poll without touching Postgres.
package statuscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultTTL = 5 * time.Minute

// Entry is the cached view of a client's submission status.
type Entry struct {
	ClientID     string     `json:"clientId"`
	SubmissionID string     `json:"submissionId,omitempty"`
	Status       string     `json:"status"`
	Notes        string     `json:"submissionNotes,omitempty"`
	SubmittedBy  string     `json:"submittedBy,omitempty"`
	SubmittedAt  *time.Time `json:"submittedAt,omitempty"`
	CachedAt     time.Time  `json:"cachedAt"`
}

type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache connects to redisURL and verifies the connection.
func NewRedisCache(ctx context.Context, redisURL string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisCacheWithClient(client, ttl), nil
}

func NewRedisCacheWithClient(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisCache{
		client: client,
		prefix: "submission-status:",
		ttl:    ttl,
	}
}

func (c *RedisCache) key(clientID string) string {
	return c.prefix + clientID
}

// Get returns ok=false on a cache miss.
func (c *RedisCache) Get(ctx context.Context, clientID string) (Entry, bool, error) {
	raw, err := c.client.Get(ctx, c.key(clientID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("read submission status: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("decode submission status: %w", err)
	}
	return entry, true, nil
}

func (c *RedisCache) Set(ctx context.Context, entry Entry) error {
	if entry.CachedAt.IsZero() {
		entry.CachedAt = time.Now().UTC()
	}
	encoded, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode submission status: %w", err)
	}
	if err := c.client.Set(ctx, c.key(entry.ClientID), encoded, c.ttl).Err(); err != nil {
		return fmt.Errorf("write submission status: %w", err)
	}
	return nil
}

func (c *RedisCache) Invalidate(ctx context.Context, clientID string) error {
	if err := c.client.Del(ctx, c.key(clientID)).Err(); err != nil {
		return fmt.Errorf("invalidate submission status: %w", err)
	}
	return nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
