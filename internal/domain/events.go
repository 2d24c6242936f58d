package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TransactionEvent — payload события outbox об изменении транзакции.
type TransactionEvent struct {
	TransactionID     string            `json:"transaction_id"`
	UserID            string            `json:"user_id"`
	PackageID         string            `json:"package_id"`
	From              TransactionStatus `json:"from,omitempty"`
	Status            TransactionStatus `json:"status"`
	ExternalReference string            `json:"external_reference,omitempty"`
	PaymentArtifact   string            `json:"payment_artifact,omitempty"`
	Reason            string            `json:"reason,omitempty"`
	Attempt           int               `json:"attempt"`
	OccurredAt        time.Time         `json:"occurred_at"`
}

// EventTypeFor выбирает тип события по новому статусу.
func EventTypeFor(from, to TransactionStatus) string {
	switch {
	case from == "" && to == TransactionStatusPending:
		return EventTypePurchaseCreated
	case to == TransactionStatusSuccess:
		return EventTypePurchaseSucceeded
	case to.IsFailure():
		return EventTypePurchaseFailed
	default:
		return EventTypePurchaseStatusChanged
	}
}

// NewTransactionEvent собирает outbox-сообщение для записанного состояния транзакции.
func NewTransactionEvent(tx Transaction, from TransactionStatus) (OutboxMessage, error) {
	payload, err := json.Marshal(TransactionEvent{
		TransactionID:     tx.ID,
		UserID:            tx.UserID,
		PackageID:         tx.PackageID,
		From:              from,
		Status:            tx.Status,
		ExternalReference: tx.ExternalReference,
		PaymentArtifact:   tx.PaymentArtifact,
		Reason:            tx.FailureReason,
		Attempt:           tx.Attempt,
		OccurredAt:        tx.UpdatedAt,
	})
	if err != nil {
		return OutboxMessage{}, fmt.Errorf("marshal transaction event: %w", err)
	}

	return OutboxMessage{
		ID:            uuid.NewString(),
		AggregateType: OutboxAggregateTransaction,
		AggregateID:   tx.ID,
		EventType:     EventTypeFor(from, tx.Status),
		Payload:       payload,
		CreatedAt:     tx.UpdatedAt,
	}, nil
}
