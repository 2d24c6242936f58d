package domain

import "time"

// StatusChange описывает переход в истории статусов транзакции.
// При создании транзакции From пустой, To равен PENDING.
type StatusChange struct {
	TransactionID string
	From          TransactionStatus
	To            TransactionStatus
	Reason        string
	OccurredAt    time.Time
}

// NewStatusChange фиксирует переход from -> to на момент now.
func NewStatusChange(transactionID string, from, to TransactionStatus, reason string, now time.Time) StatusChange {
	return StatusChange{
		TransactionID: transactionID,
		From:          from,
		To:            to,
		Reason:        reason,
		OccurredAt:    now.UTC(),
	}
}
