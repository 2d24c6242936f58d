package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vladislavdragonenkov/pps/internal/domain"
)

const (
	// DefaultRedisKey — список задач по умолчанию.
	DefaultRedisKey = "pps:jobs"

	defaultBlockTimeout = time.Second
	leaseKeyPrefix      = "pps:lease:"
)

// releaseScript снимает lease только владельцу токена.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisQueue — очередь задач на списке Redis: LPUSH на запись, BRPOP на чтение.
// Клиент принадлежит вызывающему коду, Close его не закрывает.
type RedisQueue struct {
	client       *redis.Client
	key          string
	blockTimeout time.Duration
	closed       atomic.Bool
}

// NewRedisQueue создаёт очередь поверх готового клиента.
func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisQueue{
		client:       client,
		key:          key,
		blockTimeout: defaultBlockTimeout,
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	if q.closed.Load() {
		return domain.ErrQueueClosed
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("push job: %w", err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (Job, error) {
	for {
		if q.closed.Load() {
			return Job{}, domain.ErrQueueClosed
		}
		if err := ctx.Err(); err != nil {
			return Job{}, err
		}

		values, err := q.client.BRPop(ctx, q.blockTimeout, q.key).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Job{}, ctxErr
			}
			return Job{}, fmt.Errorf("pop job: %w", err)
		}
		// BRPOP отвечает парой [key, value].
		if len(values) != 2 {
			return Job{}, fmt.Errorf("pop job: unexpected reply of %d elements", len(values))
		}

		var job Job
		if err := json.Unmarshal([]byte(values[1]), &job); err != nil {
			return Job{}, fmt.Errorf("decode job: %w", err)
		}
		return job, nil
	}
}

// Len возвращает длину списка задач.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

func (q *RedisQueue) Close() error {
	q.closed.Store(true)
	return nil
}

// RedisLocker реализует lease через SET NX PX и снятие compare-and-delete скриптом.
type RedisLocker struct {
	client *redis.Client
}

// NewRedisLocker создаёт Locker поверх клиента Redis.
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, bool, error) {
	token := uuid.NewString()
	leaseKey := leaseKeyPrefix + key

	ok, err := l.client.SetNX(ctx, leaseKey, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	var released atomic.Bool
	unlock := func(ctx context.Context) error {
		if !released.CompareAndSwap(false, true) {
			return nil
		}
		err := releaseScript.Run(ctx, l.client, []string{leaseKey}, token).Err()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("release lease %s: %w", key, err)
		}
		return nil
	}
	return unlock, true, nil
}

func (l *RedisLocker) Held(ctx context.Context, key string) (bool, error) {
	n, err := l.client.Exists(ctx, leaseKeyPrefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("check lease %s: %w", key, err)
	}
	return n > 0, nil
}

func (l *RedisLocker) Release(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, leaseKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("release lease %s: %w", key, err)
	}
	return nil
}

var (
	_ Queue  = (*RedisQueue)(nil)
	_ Locker = (*RedisLocker)(nil)
)
