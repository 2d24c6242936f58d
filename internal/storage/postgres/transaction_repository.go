package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/pps/internal/domain"
)

const transactionColumns = `id, user_id, package_id, status, external_reference, payment_artifact,
		failure_reason, attempt, created_at, updated_at`

// activeStatusesSQL должен совпадать с условием частичного индекса purchase_transactions_active_pair_uq.
const activeStatusesSQL = `('PENDING', 'CHECKING_ELIGIBILITY', 'WAITING_FOR_ELIGIBILITY', 'INITIATING_PAYMENT')`

type transactionRepository struct {
	store *Store
	now   func() time.Time
}

// NewTransactionRepository создаёт PostgreSQL-реализацию TransactionRepository.
func NewTransactionRepository(store *Store) domain.TransactionRepository {
	return &transactionRepository{store: store, now: time.Now}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (domain.Transaction, error) {
	var (
		tx     domain.Transaction
		status string
	)
	if err := row.Scan(
		&tx.ID, &tx.UserID, &tx.PackageID, &status, &tx.ExternalReference, &tx.PaymentArtifact,
		&tx.FailureReason, &tx.Attempt, &tx.CreatedAt, &tx.UpdatedAt,
	); err != nil {
		return domain.Transaction{}, err
	}
	tx.Status = domain.TransactionStatus(status)
	tx.CreatedAt = tx.CreatedAt.UTC()
	tx.UpdatedAt = tx.UpdatedAt.UTC()
	return tx, nil
}

func (r *transactionRepository) Create(ctx context.Context, t domain.Transaction) (domain.Transaction, error) {
	if err := t.Validate(); err != nil {
		return domain.Transaction{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if t.CreatedAt.IsZero() {
		t.CreatedAt = r.now().UTC()
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	msg, err := domain.NewTransactionEvent(t, "")
	if err != nil {
		return domain.Transaction{}, err
	}

	err = r.store.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO purchase_transactions (`+transactionColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`,
			t.ID, t.UserID, t.PackageID, string(t.Status), t.ExternalReference, t.PaymentArtifact,
			t.FailureReason, t.Attempt, t.CreatedAt, t.UpdatedAt,
		); err != nil {
			if isUniqueViolation(err) {
				return domain.ErrTransactionConflict
			}
			return fmt.Errorf("insert transaction: %w", err)
		}
		if err := insertStatusChange(ctx, tx, domain.NewStatusChange(t.ID, "", t.Status, "", t.CreatedAt)); err != nil {
			return err
		}
		return insertOutboxMessage(ctx, tx, msg)
	})
	if err != nil {
		return domain.Transaction{}, err
	}
	return t, nil
}

func (r *transactionRepository) Transition(ctx context.Context, id string, to domain.TransactionStatus, fields domain.TransitionFields) (domain.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var next domain.Transaction
	err := r.store.withTx(ctx, func(tx *sql.Tx) error {
		current, err := scanTransaction(tx.QueryRowContext(ctx, `
			SELECT `+transactionColumns+`
			FROM purchase_transactions
			WHERE id = $1
			FOR UPDATE
		`, id))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.ErrTransactionNotFound
			}
			return fmt.Errorf("select transaction for update: %w", err)
		}
		if !domain.CanTransition(current.Status, to) {
			return domain.ErrInvalidTransition
		}

		next = current.Apply(to, fields, r.now())
		res, err := tx.ExecContext(ctx, `
			UPDATE purchase_transactions
			SET status = $3,
			    external_reference = $4,
			    payment_artifact = $5,
			    failure_reason = $6,
			    attempt = $7,
			    updated_at = $8
			WHERE id = $1 AND status = $2
		`,
			id, string(current.Status), string(next.Status), next.ExternalReference, next.PaymentArtifact,
			next.FailureReason, next.Attempt, next.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("update transaction status: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected for transaction update: %w", err)
		}
		if affected == 0 {
			return domain.ErrInvalidTransition
		}

		change := domain.NewStatusChange(id, current.Status, to, fields.FailureReason, next.UpdatedAt)
		if err := insertStatusChange(ctx, tx, change); err != nil {
			return err
		}
		msg, err := domain.NewTransactionEvent(next, current.Status)
		if err != nil {
			return err
		}
		return insertOutboxMessage(ctx, tx, msg)
	})
	if err != nil {
		return domain.Transaction{}, err
	}
	return next, nil
}

func (r *transactionRepository) Get(ctx context.Context, id string) (domain.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	t, err := scanTransaction(r.store.db.QueryRowContext(ctx, `
		SELECT `+transactionColumns+`
		FROM purchase_transactions
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Transaction{}, domain.ErrTransactionNotFound
		}
		return domain.Transaction{}, fmt.Errorf("select transaction: %w", err)
	}
	return t, nil
}

func (r *transactionRepository) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	query := `
		SELECT ` + transactionColumns + `
		FROM purchase_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
	`

	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = r.store.db.QueryContext(ctx, query+" LIMIT $2", userID, limit)
	} else {
		rows, err = r.store.db.QueryContext(ctx, query, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("list transactions by user: %w", err)
	}
	return collectTransactions(rows)
}

func (r *transactionRepository) ListActive(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}

	rows, err := r.store.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM purchase_transactions
		WHERE status IN `+activeStatusesSQL+`
		  AND updated_at <= $1
		ORDER BY updated_at, id
		LIMIT $2
	`, updatedBefore.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list active transactions: %w", err)
	}
	return collectTransactions(rows)
}

func (r *transactionRepository) History(ctx context.Context, id string) ([]domain.StatusChange, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.store.db.QueryContext(ctx, `
		SELECT transaction_id, from_status, to_status, reason, occurred_at
		FROM transaction_status_history
		WHERE transaction_id = $1
		ORDER BY id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("list status history: %w", err)
	}
	defer rows.Close()

	changes := make([]domain.StatusChange, 0)
	for rows.Next() {
		var (
			change   domain.StatusChange
			from, to string
		)
		if err := rows.Scan(&change.TransactionID, &from, &to, &change.Reason, &change.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan status change: %w", err)
		}
		change.From = domain.TransactionStatus(from)
		change.To = domain.TransactionStatus(to)
		change.OccurredAt = change.OccurredAt.UTC()
		changes = append(changes, change)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status history: %w", err)
	}

	// Транзакция без истории не существует: Create всегда пишет первую запись.
	if len(changes) == 0 {
		return nil, domain.ErrTransactionNotFound
	}
	return changes, nil
}

func collectTransactions(rows *sql.Rows) ([]domain.Transaction, error) {
	defer rows.Close()

	result := make([]domain.Transaction, 0)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return result, nil
}

func insertStatusChange(ctx context.Context, tx *sql.Tx, change domain.StatusChange) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO transaction_status_history (transaction_id, from_status, to_status, reason, occurred_at)
		VALUES ($1,$2,$3,$4,$5)
	`, change.TransactionID, string(change.From), string(change.To), change.Reason, change.OccurredAt); err != nil {
		return fmt.Errorf("insert status change: %w", err)
	}
	return nil
}

var _ domain.TransactionRepository = (*transactionRepository)(nil)
