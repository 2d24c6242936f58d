package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/pps/internal/domain"
)

type pairKey struct {
	userID    string
	packageID string
}

// Store — in-memory реализация хранилища транзакций вместе с историей статусов и outbox.
// Все три коллекции меняются под одним мьютексом, поэтому переход статуса атомарен.
type Store struct {
	mu      sync.RWMutex
	items   map[string]domain.Transaction
	active  map[pairKey]string
	history map[string][]domain.StatusChange
	outbox  *outboxRepositoryInMemory
	now     func() time.Time
}

// NewStore возвращает in-memory хранилище для локальной разработки и тестов.
func NewStore() *Store {
	s := &Store{
		items:   make(map[string]domain.Transaction),
		active:  make(map[pairKey]string),
		history: make(map[string][]domain.StatusChange),
		now:     time.Now,
	}
	s.outbox = &outboxRepositoryInMemory{store: s, records: make(map[string]*outboxRecord)}
	return s
}

// Outbox возвращает outbox, который пополняется переходами этого хранилища.
func (s *Store) Outbox() domain.OutboxRepository {
	return s.outbox
}

// Create сохраняет новую транзакцию, если для пары (user, package) нет активной.
func (s *Store) Create(_ context.Context, tx domain.Transaction) (domain.Transaction, error) {
	if err := tx.Validate(); err != nil {
		return domain.Transaction{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.items[tx.ID]; exists {
		return domain.Transaction{}, domain.ErrTransactionConflict
	}
	key := pairKey{userID: tx.UserID, packageID: tx.PackageID}
	if !tx.Status.IsTerminal() {
		if _, busy := s.active[key]; busy {
			return domain.Transaction{}, domain.ErrTransactionConflict
		}
	}

	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = s.now().UTC()
	}
	if tx.UpdatedAt.IsZero() {
		tx.UpdatedAt = tx.CreatedAt
	}

	msg, err := domain.NewTransactionEvent(tx, "")
	if err != nil {
		return domain.Transaction{}, err
	}

	s.items[tx.ID] = tx
	if !tx.Status.IsTerminal() {
		s.active[key] = tx.ID
	}
	s.history[tx.ID] = append(s.history[tx.ID], domain.NewStatusChange(tx.ID, "", tx.Status, "", tx.CreatedAt))
	s.outbox.enqueueLocked(msg)
	return tx, nil
}

// Transition меняет статус транзакции, если он достижим из текущего.
func (s *Store) Transition(_ context.Context, id string, to domain.TransactionStatus, fields domain.TransitionFields) (domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.items[id]
	if !ok {
		return domain.Transaction{}, domain.ErrTransactionNotFound
	}
	if !domain.CanTransition(current.Status, to) {
		return domain.Transaction{}, domain.ErrInvalidTransition
	}

	next := current.Apply(to, fields, s.now())
	msg, err := domain.NewTransactionEvent(next, current.Status)
	if err != nil {
		return domain.Transaction{}, err
	}

	s.items[id] = next
	if next.Status.IsTerminal() {
		key := pairKey{userID: next.UserID, packageID: next.PackageID}
		if s.active[key] == id {
			delete(s.active, key)
		}
	}
	s.history[id] = append(s.history[id], domain.NewStatusChange(id, current.Status, to, fields.FailureReason, next.UpdatedAt))
	s.outbox.enqueueLocked(msg)
	return next, nil
}

// Get возвращает транзакцию или ErrTransactionNotFound.
func (s *Store) Get(_ context.Context, id string) (domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.items[id]
	if !ok {
		return domain.Transaction{}, domain.ErrTransactionNotFound
	}
	return tx, nil
}

// ListByUser возвращает транзакции пользователя, ограничивая выборку limit (если >0).
func (s *Store) ListByUser(_ context.Context, userID string, limit int) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Transaction, 0)
	for _, tx := range s.items {
		if tx.UserID == userID {
			result = append(result, tx)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ListActive возвращает неконечные транзакции, не обновлявшиеся с updatedBefore, старые первыми.
func (s *Store) ListActive(_ context.Context, updatedBefore time.Time, limit int) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Transaction, 0, len(s.active))
	for _, id := range s.active {
		tx := s.items[id]
		if tx.UpdatedAt.After(updatedBefore) {
			continue
		}
		result = append(result, tx)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.Before(result[j].UpdatedAt)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// History возвращает копию истории статусов транзакции.
func (s *Store) History(_ context.Context, id string) ([]domain.StatusChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.items[id]; !ok {
		return nil, domain.ErrTransactionNotFound
	}
	changes := s.history[id]
	result := make([]domain.StatusChange, len(changes))
	copy(result, changes)
	return result, nil
}

var _ domain.TransactionRepository = (*Store)(nil)
