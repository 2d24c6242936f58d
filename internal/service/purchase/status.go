package purchase

import (
	"context"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/pps/internal/domain"
)

// StatusView — публичное представление транзакции.
type StatusView struct {
	TransactionID     string                   `json:"transaction_id"`
	UserID            string                   `json:"user_id"`
	PackageID         string                   `json:"package_id"`
	Status            domain.TransactionStatus `json:"status"`
	ExternalReference string                   `json:"external_reference,omitempty"`
	PaymentArtifact   string                   `json:"payment_artifact,omitempty"`
	Reason            string                   `json:"reason,omitempty"`
	Terminal          bool                     `json:"terminal"`
	Attempt           int                      `json:"attempt"`
	CreatedAt         time.Time                `json:"created_at"`
	UpdatedAt         time.Time                `json:"updated_at"`
}

// NewStatusView строит представление из транзакции.
func NewStatusView(tx domain.Transaction) StatusView {
	return StatusView{
		TransactionID:     tx.ID,
		UserID:            tx.UserID,
		PackageID:         tx.PackageID,
		Status:            tx.Status,
		ExternalReference: tx.ExternalReference,
		PaymentArtifact:   tx.PaymentArtifact,
		Reason:            tx.FailureReason,
		Terminal:          tx.Status.IsTerminal(),
		Attempt:           tx.Attempt,
		CreatedAt:         tx.CreatedAt,
		UpdatedAt:         tx.UpdatedAt,
	}
}

// StatusService читает состояние транзакций напрямую из хранилища, не дожидаясь оркестрации.
type StatusService struct {
	transactions domain.TransactionRepository
}

// NewStatusService создаёт сервис чтения статусов.
func NewStatusService(transactions domain.TransactionRepository) *StatusService {
	return &StatusService{transactions: transactions}
}

// GetStatus возвращает снимок транзакции или domain.ErrTransactionNotFound.
func (s *StatusService) GetStatus(ctx context.Context, transactionID string) (StatusView, error) {
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return StatusView{}, domain.ErrTransactionIDRequired
	}
	tx, err := s.transactions.Get(ctx, transactionID)
	if err != nil {
		return StatusView{}, err
	}
	return NewStatusView(tx), nil
}

// ListByUser возвращает транзакции пользователя, новые первыми.
func (s *StatusService) ListByUser(ctx context.Context, userID string, limit int) ([]StatusView, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, domain.ErrUserIDRequired
	}
	txs, err := s.transactions.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	views := make([]StatusView, 0, len(txs))
	for _, tx := range txs {
		views = append(views, NewStatusView(tx))
	}
	return views, nil
}

// History возвращает историю статусов транзакции.
func (s *StatusService) History(ctx context.Context, transactionID string) ([]domain.StatusChange, error) {
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return nil, domain.ErrTransactionIDRequired
	}
	return s.transactions.History(ctx, transactionID)
}
