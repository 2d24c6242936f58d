package domain

import (
	"context"
	"time"
)

// TransactionRepository описывает требования к хранилищу транзакций покупки.
type TransactionRepository interface {
	// Create сохраняет новую транзакцию. Возвращает ErrTransactionConflict, если для пары
	// (user, package) уже есть транзакция в неконечном статусе.
	Create(ctx context.Context, tx Transaction) (Transaction, error)
	// Transition атомарно меняет статус и вспомогательные поля, добавляя запись истории и событие outbox.
	// Возвращает ErrInvalidTransition для недостижимого статуса и ErrTransactionNotFound для неизвестного id.
	Transition(ctx context.Context, id string, to TransactionStatus, fields TransitionFields) (Transaction, error)
	// Get возвращает транзакцию по идентификатору или ErrTransactionNotFound.
	Get(ctx context.Context, id string) (Transaction, error)
	// ListByUser возвращает транзакции пользователя, новые первыми; limit <= 0 означает без ограничения.
	ListByUser(ctx context.Context, userID string, limit int) ([]Transaction, error)
	// ListActive возвращает неконечные транзакции, не обновлявшиеся с updatedBefore.
	ListActive(ctx context.Context, updatedBefore time.Time, limit int) ([]Transaction, error)
	// History возвращает историю статусов в порядке записи.
	History(ctx context.Context, id string) ([]StatusChange, error)
}

// CatalogRepository даёт доступ к справочным данным пользователей и пакетов.
type CatalogRepository interface {
	GetUser(ctx context.Context, id string) (User, error)
	GetPackage(ctx context.Context, id string) (Package, error)
}
