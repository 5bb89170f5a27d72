// Package store persists request records so results survive across process
// instances and are fetchable after a restart. Redis is the production
// backend; a process-local map serves tests and dev setups without Redis.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/arc-self/apps/fragment-service/internal/domain"
)

// RecordStore persists and retrieves request records. Failures map to
// ErrStateStoreUnavailable; the coordinator treats them as soft and keeps
// serving from memory.
type RecordStore interface {
	Save(ctx context.Context, rec *domain.RequestRecord) error
	Load(ctx context.Context, requestID string) (*domain.RequestRecord, error)
	Delete(ctx context.Context, requestID string) error
	Ping(ctx context.Context) error
}

// recordKey is the Redis key for one request record.
func recordKey(requestID string) string {
	return "req:" + requestID
}

// ── Redis backend ─────────────────────────────────────────────────────────

type redisStore struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisStore wraps an existing Redis client. Records expire after ttl.
func NewRedisStore(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) RecordStore {
	return &redisStore{rdb: rdb, ttl: ttl, logger: logger}
}

func (s *redisStore) Save(ctx context.Context, rec *domain.RequestRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", rec.RequestID, err)
	}
	if err := s.rdb.Set(ctx, recordKey(rec.RequestID), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("%w: set %s: %v", domain.ErrStateStoreUnavailable, rec.RequestID, err)
	}
	return nil
}

func (s *redisStore) Load(ctx context.Context, requestID string) (*domain.RequestRecord, error) {
	raw, err := s.rdb.Get(ctx, recordKey(requestID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: request %q", domain.ErrNotFound, requestID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %v", domain.ErrStateStoreUnavailable, requestID, err)
	}
	var rec domain.RequestRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record %s: %w", requestID, err)
	}
	return &rec, nil
}

func (s *redisStore) Delete(ctx context.Context, requestID string) error {
	if err := s.rdb.Del(ctx, recordKey(requestID)).Err(); err != nil {
		return fmt.Errorf("%w: del %s: %v", domain.ErrStateStoreUnavailable, requestID, err)
	}
	return nil
}

func (s *redisStore) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: ping: %v", domain.ErrStateStoreUnavailable, err)
	}
	return nil
}

// ── In-memory backend ─────────────────────────────────────────────────────

type memoryStore struct {
	mu      sync.RWMutex
	records map[string][]byte
}

// NewMemoryStore returns a map-backed RecordStore for tests and local runs.
// No TTL handling; records live until deleted.
func NewMemoryStore() RecordStore {
	return &memoryStore{records: make(map[string][]byte)}
}

func (s *memoryStore) Save(_ context.Context, rec *domain.RequestRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", rec.RequestID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.RequestID] = raw
	return nil
}

func (s *memoryStore) Load(_ context.Context, requestID string) (*domain.RequestRecord, error) {
	s.mu.RLock()
	raw, ok := s.records[requestID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: request %q", domain.ErrNotFound, requestID)
	}
	var rec domain.RequestRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record %s: %w", requestID, err)
	}
	return &rec, nil
}

func (s *memoryStore) Delete(_ context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, requestID)
	return nil
}

func (s *memoryStore) Ping(context.Context) error { return nil }
