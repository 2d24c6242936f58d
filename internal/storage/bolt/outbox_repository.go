package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "github.com/boltdb/bolt"

	"github.com/vladislavdragonenkov/pps/internal/domain"
)

const (
	outboxStatusPending = "pending"
	outboxStatusFailed  = "failed"
)

type outboxRecord struct {
	ID            string    `json:"id"`
	AggregateType string    `json:"aggregate_type"`
	AggregateID   string    `json:"aggregate_id"`
	EventType     string    `json:"event_type"`
	Payload       []byte    `json:"payload"`
	Status        string    `json:"status"`
	AttemptCount  int       `json:"attempt_count"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (r outboxRecord) toDomain() domain.OutboxMessage {
	return domain.OutboxMessage{
		ID:            r.ID,
		AggregateType: r.AggregateType,
		AggregateID:   r.AggregateID,
		EventType:     r.EventType,
		Payload:       r.Payload,
		CreatedAt:     r.CreatedAt.UTC(),
	}
}

// OutboxRepository читает события, которые Store записал вместе с переходами.
// Ключ бакета — монотонная последовательность, поэтому курсор отдаёт события в порядке записи.
type OutboxRepository struct {
	store *Store
}

func enqueueOutbox(tx *bolt.Tx, msg domain.OutboxMessage, now time.Time) error {
	outbox := tx.Bucket(bucketOutbox)
	seq, err := outbox.NextSequence()
	if err != nil {
		return fmt.Errorf("outbox sequence: %w", err)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	key := sequenceKey(seq)
	rec := outboxRecord{
		ID:            msg.ID,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		Payload:       msg.Payload,
		Status:        outboxStatusPending,
		CreatedAt:     msg.CreatedAt,
		UpdatedAt:     now,
	}
	if err := putJSON(outbox, key, rec); err != nil {
		return err
	}
	return tx.Bucket(bucketOutboxIndex).Put([]byte(msg.ID), key)
}

func (r *OutboxRepository) PullPending(_ context.Context, limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = 100
	}

	result := make([]domain.OutboxMessage, 0, limit)
	err := r.store.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketOutbox).Cursor()
		for k, v := c.First(); k != nil && len(result) < limit; k, v = c.Next() {
			var rec outboxRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode outbox message: %w", err)
			}
			if rec.Status == outboxStatusPending {
				result = append(result, rec.toDomain())
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *OutboxRepository) Stats(_ context.Context) (domain.OutboxStats, error) {
	var stats domain.OutboxStats
	err := r.store.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOutbox).ForEach(func(_, v []byte) error {
			var rec outboxRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode outbox message: %w", err)
			}
			if rec.Status != outboxStatusPending {
				return nil
			}
			stats.PendingCount++
			if stats.OldestPendingAt.IsZero() || rec.CreatedAt.Before(stats.OldestPendingAt) {
				stats.OldestPendingAt = rec.CreatedAt.UTC()
			}
			return nil
		})
	})
	return stats, err
}

// MarkSent удаляет отправленное событие.
func (r *OutboxRepository) MarkSent(_ context.Context, id string) error {
	return r.store.db.Update(func(tx *bolt.Tx) error {
		index := tx.Bucket(bucketOutboxIndex)
		key := index.Get([]byte(id))
		if key == nil {
			return domain.ErrOutboxPublish
		}
		key = append([]byte(nil), key...)
		if err := tx.Bucket(bucketOutbox).Delete(key); err != nil {
			return err
		}
		return index.Delete([]byte(id))
	})
}

// MarkFailed оставляет событие в бакете со статусом failed для разбора.
func (r *OutboxRepository) MarkFailed(_ context.Context, id string) error {
	return r.store.db.Update(func(tx *bolt.Tx) error {
		key := tx.Bucket(bucketOutboxIndex).Get([]byte(id))
		if key == nil {
			return domain.ErrOutboxPublish
		}
		outbox := tx.Bucket(bucketOutbox)
		raw := outbox.Get(key)
		if raw == nil {
			return domain.ErrOutboxPublish
		}
		var rec outboxRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("decode outbox message: %w", err)
		}
		rec.Status = outboxStatusFailed
		rec.AttemptCount++
		rec.UpdatedAt = r.store.now().UTC()
		return putJSON(outbox, append([]byte(nil), key...), rec)
	})
}

var _ domain.OutboxRepository = (*OutboxRepository)(nil)
