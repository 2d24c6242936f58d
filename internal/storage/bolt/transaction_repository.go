package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "github.com/boltdb/bolt"

	"github.com/vladislavdragonenkov/pps/internal/domain"
)

type transactionRecord struct {
	ID                string    `json:"id"`
	UserID            string    `json:"user_id"`
	PackageID         string    `json:"package_id"`
	Status            string    `json:"status"`
	ExternalReference string    `json:"external_reference,omitempty"`
	PaymentArtifact   string    `json:"payment_artifact,omitempty"`
	FailureReason     string    `json:"failure_reason,omitempty"`
	Attempt           int       `json:"attempt"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func toRecord(t domain.Transaction) transactionRecord {
	return transactionRecord{
		ID:                t.ID,
		UserID:            t.UserID,
		PackageID:         t.PackageID,
		Status:            string(t.Status),
		ExternalReference: t.ExternalReference,
		PaymentArtifact:   t.PaymentArtifact,
		FailureReason:     t.FailureReason,
		Attempt:           t.Attempt,
		CreatedAt:         t.CreatedAt,
		UpdatedAt:         t.UpdatedAt,
	}
}

func (r transactionRecord) toDomain() domain.Transaction {
	return domain.Transaction{
		ID:                r.ID,
		UserID:            r.UserID,
		PackageID:         r.PackageID,
		Status:            domain.TransactionStatus(r.Status),
		ExternalReference: r.ExternalReference,
		PaymentArtifact:   r.PaymentArtifact,
		FailureReason:     r.FailureReason,
		Attempt:           r.Attempt,
		CreatedAt:         r.CreatedAt.UTC(),
		UpdatedAt:         r.UpdatedAt.UTC(),
	}
}

type statusChangeRecord struct {
	From       string    `json:"from,omitempty"`
	To         string    `json:"to"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

func getTransaction(tx *bolt.Tx, id string) (domain.Transaction, error) {
	raw := tx.Bucket(bucketTransactions).Get([]byte(id))
	if raw == nil {
		return domain.Transaction{}, domain.ErrTransactionNotFound
	}
	var rec transactionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return domain.Transaction{}, fmt.Errorf("decode transaction %s: %w", id, err)
	}
	return rec.toDomain(), nil
}

// appendChange дописывает историю и событие outbox в текущей read-write транзакции.
func appendChange(tx *bolt.Tx, t domain.Transaction, from domain.TransactionStatus, reason string, now time.Time) error {
	history, err := tx.Bucket(bucketHistory).CreateBucketIfNotExists([]byte(t.ID))
	if err != nil {
		return fmt.Errorf("create history bucket: %w", err)
	}
	seq, err := history.NextSequence()
	if err != nil {
		return fmt.Errorf("history sequence: %w", err)
	}
	change := statusChangeRecord{From: string(from), To: string(t.Status), Reason: reason, OccurredAt: t.UpdatedAt}
	if err := putJSON(history, sequenceKey(seq), change); err != nil {
		return err
	}

	msg, err := domain.NewTransactionEvent(t, from)
	if err != nil {
		return err
	}
	return enqueueOutbox(tx, msg, now)
}

// Create сохраняет новую транзакцию, если для пары (user, package) нет активной.
func (s *Store) Create(_ context.Context, t domain.Transaction) (domain.Transaction, error) {
	if err := t.Validate(); err != nil {
		return domain.Transaction{}, err
	}

	now := s.now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		items := tx.Bucket(bucketTransactions)
		if items.Get([]byte(t.ID)) != nil {
			return domain.ErrTransactionConflict
		}
		pairs := tx.Bucket(bucketActivePairs)
		key := pairKey(t.UserID, t.PackageID)
		if !t.Status.IsTerminal() {
			if pairs.Get(key) != nil {
				return domain.ErrTransactionConflict
			}
			if err := pairs.Put(key, []byte(t.ID)); err != nil {
				return err
			}
		}
		if err := putJSON(items, []byte(t.ID), toRecord(t)); err != nil {
			return err
		}
		return appendChange(tx, t, "", "", now)
	})
	if err != nil {
		return domain.Transaction{}, err
	}
	return t, nil
}

// Transition применяет переход, если он разрешён графом статусов.
func (s *Store) Transition(_ context.Context, id string, to domain.TransactionStatus, fields domain.TransitionFields) (domain.Transaction, error) {
	now := s.now().UTC()

	var next domain.Transaction
	err := s.db.Update(func(tx *bolt.Tx) error {
		current, err := getTransaction(tx, id)
		if err != nil {
			return err
		}
		if !domain.CanTransition(current.Status, to) {
			return domain.ErrInvalidTransition
		}

		next = current.Apply(to, fields, now)
		if err := putJSON(tx.Bucket(bucketTransactions), []byte(id), toRecord(next)); err != nil {
			return err
		}
		if next.Status.IsTerminal() {
			if err := tx.Bucket(bucketActivePairs).Delete(pairKey(next.UserID, next.PackageID)); err != nil {
				return err
			}
		}
		return appendChange(tx, next, current.Status, fields.FailureReason, now)
	})
	if err != nil {
		return domain.Transaction{}, err
	}
	return next, nil
}

// Get возвращает транзакцию по идентификатору.
func (s *Store) Get(_ context.Context, id string) (domain.Transaction, error) {
	var t domain.Transaction
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		t, err = getTransaction(tx, id)
		return err
	})
	return t, err
}

func (s *Store) scan(match func(domain.Transaction) bool) ([]domain.Transaction, error) {
	result := make([]domain.Transaction, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTransactions).ForEach(func(_, v []byte) error {
			var rec transactionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode transaction: %w", err)
			}
			if t := rec.toDomain(); match(t) {
				result = append(result, t)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListByUser возвращает транзакции пользователя, новые первыми.
func (s *Store) ListByUser(_ context.Context, userID string, limit int) ([]domain.Transaction, error) {
	result, err := s.scan(func(t domain.Transaction) bool { return t.UserID == userID })
	if err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ListActive возвращает неконечные транзакции, самые давние первыми.
func (s *Store) ListActive(_ context.Context, updatedBefore time.Time, limit int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	result, err := s.scan(func(t domain.Transaction) bool {
		return !t.Status.IsTerminal() && !t.UpdatedAt.After(updatedBefore)
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].UpdatedAt.Equal(result[j].UpdatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].UpdatedAt.Before(result[j].UpdatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// History возвращает историю статусов в порядке записи.
func (s *Store) History(_ context.Context, id string) ([]domain.StatusChange, error) {
	changes := make([]domain.StatusChange, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		history := tx.Bucket(bucketHistory).Bucket([]byte(id))
		if history == nil {
			return domain.ErrTransactionNotFound
		}
		return history.ForEach(func(_, v []byte) error {
			var rec statusChangeRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode status change: %w", err)
			}
			changes = append(changes, domain.StatusChange{
				TransactionID: id,
				From:          domain.TransactionStatus(rec.From),
				To:            domain.TransactionStatus(rec.To),
				Reason:        rec.Reason,
				OccurredAt:    rec.OccurredAt.UTC(),
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return changes, nil
}

var _ domain.TransactionRepository = (*Store)(nil)
