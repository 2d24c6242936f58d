package domain

import (
	"context"
	"time"
)

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(ctx context.Context, event OutboxMessage) error
}

// OutboxRepository отдаёт сохранённые события для публикации.
// События добавляются хранилищем транзакций в одной атомарной записи с переходом статуса.
type OutboxRepository interface {
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// Step задаёт константы шагов оркестрации для метрик, логов и трейсов.
type Step string

const (
	StepPrecondition        Step = "precondition"
	StepEligibilityCheck    Step = "eligibility_check"
	StepEligibilityWait     Step = "eligibility_wait"
	StepPaymentInitiation   Step = "payment_initiation"
	StepRetryBudgetExceeded Step = "retry_budget"
)

// Типы событий outbox для транзакций покупки.
const (
	OutboxAggregateTransaction = "purchase_transaction"

	EventTypePurchaseCreated       = "purchase.created"
	EventTypePurchaseStatusChanged = "purchase.status_changed"
	EventTypePurchaseSucceeded     = "purchase.succeeded"
	EventTypePurchaseFailed        = "purchase.failed"
)

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}
