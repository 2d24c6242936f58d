package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/pps/internal/domain"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisQueue_EnqueueDequeue(t *testing.T) {
	_, client := newTestRedis(t)
	q := NewRedisQueue(client, "")
	ctx := context.Background()

	first := NewJob("tx-1", time.Now())
	second := NewJob("tx-2", time.Now())
	require.NoError(t, q.Enqueue(ctx, first))
	require.NoError(t, q.Enqueue(ctx, second))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, "tx-1", got.TransactionID)

	got, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tx-2", got.TransactionID)
}

func TestRedisQueue_DecodeError(t *testing.T) {
	mr, client := newTestRedis(t)
	q := NewRedisQueue(client, "jobs")

	_, err := mr.Lpush("jobs", "not-json")
	require.NoError(t, err)

	_, err = q.Dequeue(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode job")
}

func TestRedisQueue_DequeueStopsOnContext(t *testing.T) {
	_, client := newTestRedis(t)
	q := NewRedisQueue(client, "")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "unexpected error: %v", err)
}

func TestRedisQueue_Closed(t *testing.T) {
	_, client := newTestRedis(t)
	q := NewRedisQueue(client, "")
	require.NoError(t, q.Close())

	err := q.Enqueue(context.Background(), NewJob("tx-1", time.Now()))
	assert.ErrorIs(t, err, domain.ErrQueueClosed)

	_, err = q.Dequeue(context.Background())
	assert.ErrorIs(t, err, domain.ErrQueueClosed)
}

func TestRedisLocker_LeaseLifecycle(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewRedisLocker(client)
	ctx := context.Background()

	unlock, ok, err := l.TryLock(ctx, "tx-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists(leaseKeyPrefix+"tx-1"))

	_, ok, err = l.TryLock(ctx, "tx-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	held, err := l.Held(ctx, "tx-1")
	require.NoError(t, err)
	assert.True(t, held)

	require.NoError(t, unlock(ctx))
	require.NoError(t, unlock(ctx))

	held, err = l.Held(ctx, "tx-1")
	require.NoError(t, err)
	assert.False(t, held)
}

func TestRedisLocker_ExpiredOwnerDoesNotReleaseNewLease(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewRedisLocker(client)
	ctx := context.Background()

	staleUnlock, ok, err := l.TryLock(ctx, "tx-1", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	_, ok, err = l.TryLock(ctx, "tx-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, staleUnlock(ctx))

	held, err := l.Held(ctx, "tx-1")
	require.NoError(t, err)
	assert.True(t, held)
}

func TestRedisLocker_Release(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewRedisLocker(client)
	ctx := context.Background()

	_, ok, err := l.TryLock(ctx, "queued:tx-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, l.Release(ctx, "queued:tx-1"))
	assert.False(t, mr.Exists(leaseKeyPrefix+"queued:tx-1"))
	require.NoError(t, l.Release(ctx, "queued:tx-1"))

	_, ok, err = l.TryLock(ctx, "queued:tx-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLocker_ConnectionError(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewRedisLocker(client)
	mr.Close()

	_, ok, err := l.TryLock(context.Background(), "tx-1", time.Minute)
	require.Error(t, err)
	assert.False(t, ok)
}
