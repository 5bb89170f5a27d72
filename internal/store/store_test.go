package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/arc-self/apps/fragment-service/internal/domain"
)

func newRedisStore(t *testing.T) (RecordStore, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, time.Hour, zaptest.NewLogger(t)), mr
}

func sampleRecord(id string) *domain.RequestRecord {
	return &domain.RequestRecord{
		RequestID:   id,
		Query:       "What is the capital of France?",
		SubmittedAt: time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC),
		Stage:       domain.StageComplete,
		Terminal:    &domain.TerminalState{OK: true},
	}
}

func TestRedisStore_SaveLoad(t *testing.T) {
	s, _ := newRedisStore(t)
	ctx := context.Background()

	rec := sampleRecord("r1")
	require.NoError(t, s.Save(ctx, rec))

	loaded, err := s.Load(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, rec.RequestID, loaded.RequestID)
	assert.Equal(t, rec.Query, loaded.Query)
	require.NotNil(t, loaded.Terminal)
	assert.True(t, loaded.Terminal.OK)
}

func TestRedisStore_LoadMissing(t *testing.T) {
	s, _ := newRedisStore(t)

	_, err := s.Load(context.Background(), "ghost")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRedisStore_TTLSet(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, sampleRecord("r1")))
	ttl := mr.TTL("req:r1")
	assert.Equal(t, time.Hour, ttl)

	mr.FastForward(2 * time.Hour)
	_, err := s.Load(ctx, "r1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRedisStore_Delete(t *testing.T) {
	s, _ := newRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, sampleRecord("r1")))
	require.NoError(t, s.Delete(ctx, "r1"))

	_, err := s.Load(ctx, "r1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRedisStore_UnavailableMapsToStateStoreError(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	s := NewRedisStore(client, time.Hour, zaptest.NewLogger(t))

	mr.Close()

	err := s.Save(context.Background(), sampleRecord("r1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStateStoreUnavailable)

	assert.Error(t, s.Ping(context.Background()))
}

func TestMemoryStore_RoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, sampleRecord("r1")))

	loaded, err := s.Load(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "r1", loaded.RequestID)

	// Loads return copies: mutating one must not affect the stored record.
	loaded.Query = "mutated"
	again, err := s.Load(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "What is the capital of France?", again.Query)

	require.NoError(t, s.Delete(ctx, "r1"))
	_, err = s.Load(ctx, "r1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	assert.NoError(t, s.Ping(ctx))
}
