// Package cache provides a Redis-backed cache for board snapshots.
//
// The cache is strictly best-effort: the service layer treats every miss
// or Redis error as a cache miss and falls through to Postgres. A nil
// *SnapshotCache disables caching entirely.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"taskboard/api/internal/store"
)

// ErrMiss is returned when the snapshot is not cached.
var ErrMiss = errors.New("cache miss")

type SnapshotCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSnapshotCache connects to Redis and verifies the connection.
func NewSnapshotCache(redisURL string, ttl time.Duration) (*SnapshotCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &SnapshotCache{client: client, ttl: ttl}, nil
}

// NewSnapshotCacheWithClient creates a cache from an existing Redis client.
func NewSnapshotCacheWithClient(client *redis.Client, ttl time.Duration) *SnapshotCache {
	return &SnapshotCache{client: client, ttl: ttl}
}

func (c *SnapshotCache) key(boardID string) string {
	return "board:" + boardID
}

// GetSnapshot returns the cached snapshot for a board, or ErrMiss.
func (c *SnapshotCache) GetSnapshot(ctx context.Context, boardID string) (store.BoardSnapshot, error) {
	if c == nil {
		return store.BoardSnapshot{}, ErrMiss
	}
	data, err := c.client.Get(ctx, c.key(boardID)).Result()
	if err == redis.Nil {
		return store.BoardSnapshot{}, ErrMiss
	}
	if err != nil {
		return store.BoardSnapshot{}, fmt.Errorf("get snapshot: %w", err)
	}
	var snapshot store.BoardSnapshot
	if err := json.Unmarshal([]byte(data), &snapshot); err != nil {
		return store.BoardSnapshot{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return snapshot, nil
}

// SetSnapshot caches a snapshot with the configured TTL.
func (c *SnapshotCache) SetSnapshot(ctx context.Context, snapshot store.BoardSnapshot) error {
	if c == nil {
		return nil
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := c.client.Set(ctx, c.key(snapshot.ID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("set snapshot: %w", err)
	}
	return nil
}

// Invalidate drops the cached snapshot for a board.
func (c *SnapshotCache) Invalidate(ctx context.Context, boardID string) error {
	if c == nil {
		return nil
	}
	if err := c.client.Del(ctx, c.key(boardID)).Err(); err != nil {
		return fmt.Errorf("invalidate snapshot: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (c *SnapshotCache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}

// Ping checks if Redis is reachable.
func (c *SnapshotCache) Ping(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.client.Ping(ctx).Err()
}
