// Package redis keeps thread memory in Redis so several API replicas share
// it without a SQL store.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultKeyPrefix = "sqlflow:memory:"

// MemoryStore stores each thread's memory under prefix+threadID.
type MemoryStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewMemoryStore returns a store on rdb. An empty prefix means
// DefaultKeyPrefix. A zero ttl keeps entries until deleted; otherwise each
// Put refreshes the expiry.
func NewMemoryStore(rdb *redis.Client, prefix string, ttl time.Duration) *MemoryStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &MemoryStore{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (s *MemoryStore) key(threadID string) string { return s.prefix + threadID }

func (s *MemoryStore) Get(ctx context.Context, threadID string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, s.key(threadID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get thread memory: %w", err)
	}
	return v, true, nil
}

func (s *MemoryStore) Put(ctx context.Context, threadID, text string) error {
	if err := s.rdb.Set(ctx, s.key(threadID), text, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to put thread memory: %w", err)
	}
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, threadID string) error {
	if err := s.rdb.Del(ctx, s.key(threadID)).Err(); err != nil {
		return fmt.Errorf("failed to delete thread memory: %w", err)
	}
	return nil
}
