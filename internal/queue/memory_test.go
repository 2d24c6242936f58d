package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/pps/internal/domain"
)

func TestMemoryQueue_FIFO(t *testing.T) {
	q := NewMemoryQueue(4)
	ctx := context.Background()

	for _, id := range []string{"tx-1", "tx-2", "tx-3"} {
		if err := q.Enqueue(ctx, NewJob(id, time.Now())); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
	if q.Len() != 3 {
		t.Fatalf("expected 3 jobs buffered, got %d", q.Len())
	}

	for _, want := range []string{"tx-1", "tx-2", "tx-3"} {
		job, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if job.TransactionID != want {
			t.Fatalf("expected %s, got %s", want, job.TransactionID)
		}
		if job.ID == "" {
			t.Fatal("expected job id to be set")
		}
	}
}

func TestMemoryQueue_FullDoesNotBlock(t *testing.T) {
	q := NewMemoryQueue(1)
	ctx := context.Background()

	if err := q.Enqueue(ctx, NewJob("tx-1", time.Now())); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, NewJob("tx-2", time.Now())); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestMemoryQueue_DequeueHonoursContext(t *testing.T) {
	q := NewMemoryQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := q.Dequeue(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestMemoryQueue_Close(t *testing.T) {
	q := NewMemoryQueue(1)

	done := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		done <- err
	}()

	if err := q.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	// Повторное закрытие не паникует.
	_ = q.Close()

	select {
	case err := <-done:
		if !errors.Is(err, domain.ErrQueueClosed) {
			t.Fatalf("expected ErrQueueClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("dequeue was not released by close")
	}

	if err := q.Enqueue(context.Background(), NewJob("tx-1", time.Now())); !errors.Is(err, domain.ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed on enqueue, got %v", err)
	}
}

func TestMemoryLocker_Exclusive(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	unlock, ok, err := l.TryLock(ctx, "tx-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected lease, got ok=%v err=%v", ok, err)
	}
	if _, ok, _ := l.TryLock(ctx, "tx-1", time.Minute); ok {
		t.Fatal("second lease must not be granted")
	}
	if _, ok, _ := l.TryLock(ctx, "tx-2", time.Minute); !ok {
		t.Fatal("lease for another key must be granted")
	}

	held, _ := l.Held(ctx, "tx-1")
	if !held {
		t.Fatal("expected lease to be held")
	}

	if err := unlock(ctx); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	held, _ = l.Held(ctx, "tx-1")
	if held {
		t.Fatal("expected lease to be released")
	}
}

func TestMemoryLocker_Expiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewMemoryLocker()
	l.now = func() time.Time { return now }
	ctx := context.Background()

	staleUnlock, ok, _ := l.TryLock(ctx, "tx-1", time.Second)
	if !ok {
		t.Fatal("expected first lease")
	}

	now = now.Add(2 * time.Second)
	held, _ := l.Held(ctx, "tx-1")
	if held {
		t.Fatal("expired lease must not be reported as held")
	}

	_, ok, _ = l.TryLock(ctx, "tx-1", time.Minute)
	if !ok {
		t.Fatal("expected lease after expiry")
	}

	// Истёкший владелец не снимает новый lease.
	_ = staleUnlock(ctx)
	held, _ = l.Held(ctx, "tx-1")
	if !held {
		t.Fatal("stale unlock released a foreign lease")
	}
}

func TestMemoryLocker_ReleaseIgnoresOwner(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	if _, ok, _ := l.TryLock(ctx, "queued:tx-1", time.Minute); !ok {
		t.Fatal("expected mark")
	}
	if err := l.Release(ctx, "queued:tx-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if held, _ := l.Held(ctx, "queued:tx-1"); held {
		t.Fatal("expected mark to be released")
	}
	if err := l.Release(ctx, "queued:tx-1"); err != nil {
		t.Fatalf("second release: %v", err)
	}
}
