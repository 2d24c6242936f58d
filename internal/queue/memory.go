package queue

import (
	"context"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/pps/internal/domain"
)

const defaultMemoryQueueSize = 1024

// MemoryQueue — очередь задач на буферизованном канале, живёт в рамках процесса.
type MemoryQueue struct {
	jobs chan Job
	done chan struct{}
	once sync.Once
}

// NewMemoryQueue создаёт очередь с буфером size.
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = defaultMemoryQueueSize
	}
	return &MemoryQueue{
		jobs: make(chan Job, size),
		done: make(chan struct{}),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	select {
	case <-q.done:
		return domain.ErrQueueClosed
	default:
	}

	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return domain.ErrQueueClosed
	default:
		return ErrQueueFull
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (Job, error) {
	select {
	case job := <-q.jobs:
		return job, nil
	case <-ctx.Done():
		return Job{}, ctx.Err()
	case <-q.done:
		return Job{}, domain.ErrQueueClosed
	}
}

// Len возвращает число задач в буфере.
func (q *MemoryQueue) Len() int {
	return len(q.jobs)
}

func (q *MemoryQueue) Close() error {
	q.once.Do(func() { close(q.done) })
	return nil
}

// MemoryLocker хранит lease в памяти процесса с истечением по ttl.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]memoryLease
	now    func() time.Time
	seq    uint64
}

type memoryLease struct {
	token     uint64
	expiresAt time.Time
}

// NewMemoryLocker создаёт in-process Locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		leases: make(map[string]memoryLease),
		now:    time.Now,
	}
}

func (l *MemoryLocker) TryLock(_ context.Context, key string, ttl time.Duration) (UnlockFunc, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if lease, ok := l.leases[key]; ok && now.Before(lease.expiresAt) {
		return nil, false, nil
	}

	l.seq++
	token := l.seq
	l.leases[key] = memoryLease{token: token, expiresAt: now.Add(ttl)}

	unlock := func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		// Чужой lease (после истечения нашего) не трогаем.
		if lease, ok := l.leases[key]; ok && lease.token == token {
			delete(l.leases, key)
		}
		return nil
	}
	return unlock, true, nil
}

func (l *MemoryLocker) Held(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lease, ok := l.leases[key]
	if !ok {
		return false, nil
	}
	if !l.now().Before(lease.expiresAt) {
		delete(l.leases, key)
		return false, nil
	}
	return true, nil
}

func (l *MemoryLocker) Release(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.leases, key)
	return nil
}

var (
	_ Queue  = (*MemoryQueue)(nil)
	_ Locker = (*MemoryLocker)(nil)
)
