package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrQueueFull возвращается, если буфер очереди заполнен.
// Транзакция при этом уже сохранена и будет подобрана recovery sweep.
var ErrQueueFull = errors.New("job queue is full")

// Job — задача на запуск оркестрации одной транзакции.
type Job struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transaction_id"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
}

// NewJob создаёт задачу для транзакции.
func NewJob(transactionID string, now time.Time) Job {
	return Job{
		ID:            uuid.NewString(),
		TransactionID: transactionID,
		EnqueuedAt:    now.UTC(),
	}
}

// Queue — брокер задач между приёмом запросов и воркерами.
type Queue interface {
	// Enqueue кладёт задачу и не ждёт её исполнения.
	Enqueue(ctx context.Context, job Job) error
	// Dequeue блокируется до появления задачи, отмены ctx или закрытия очереди.
	Dequeue(ctx context.Context) (Job, error)
	Close() error
}

// UnlockFunc снимает lease. Повторный вызов безопасен.
type UnlockFunc func(ctx context.Context) error

// Locker выдаёт lease на запуск оркестрации транзакции: не более одного держателя на ключ.
type Locker interface {
	// TryLock не блокируется: acquired=false, если lease уже занят.
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock UnlockFunc, acquired bool, err error)
	// Held сообщает, что lease по ключу сейчас занят.
	Held(ctx context.Context, key string) (bool, error)
	// Release снимает lease по ключу независимо от владельца.
	Release(ctx context.Context, key string) error
}
