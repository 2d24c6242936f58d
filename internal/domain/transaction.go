package domain

import (
	"time"

	"github.com/google/uuid"
)

// TransactionStatus описывает жизненный цикл покупки пакета.
type TransactionStatus string

const (
	// TransactionStatusPending — покупка принята, оркестрация ещё не начиналась.
	TransactionStatusPending TransactionStatus = "PENDING"
	// TransactionStatusCheckingEligibility — отправлен запрос проверки доступности предложения.
	TransactionStatusCheckingEligibility TransactionStatus = "CHECKING_ELIGIBILITY"
	// TransactionStatusWaitingForEligibility — оператор выдал external reference, ждём подтверждения.
	TransactionStatusWaitingForEligibility TransactionStatus = "WAITING_FOR_ELIGIBILITY"
	// TransactionStatusInitiatingPayment — доступность подтверждена, инициируем оплату.
	TransactionStatusInitiatingPayment TransactionStatus = "INITIATING_PAYMENT"
	// TransactionStatusSuccess — оплата инициирована, payment artifact сохранён.
	TransactionStatusSuccess TransactionStatus = "SUCCESS"
	// TransactionStatusFailedEligibilityCheck — оператор отклонил проверку доступности.
	TransactionStatusFailedEligibilityCheck TransactionStatus = "FAILED_ELIGIBILITY_CHECK"
	// TransactionStatusFailedEligibilityTimeout — подтверждение не пришло за отведённое число попыток.
	TransactionStatusFailedEligibilityTimeout TransactionStatus = "FAILED_ELIGIBILITY_TIMEOUT"
	// TransactionStatusFailedPaymentInitiation — оператор отклонил инициацию оплаты.
	TransactionStatusFailedPaymentInitiation TransactionStatus = "FAILED_PAYMENT_INITIATION"
	// TransactionStatusFailedPrecondition — нет пользователя, пакета или внешней сессии.
	TransactionStatusFailedPrecondition TransactionStatus = "FAILED_PRECONDITION"
)

// AllTransactionStatuses перечисляет статусы в порядке жизненного цикла.
var AllTransactionStatuses = []TransactionStatus{
	TransactionStatusPending,
	TransactionStatusCheckingEligibility,
	TransactionStatusWaitingForEligibility,
	TransactionStatusInitiatingPayment,
	TransactionStatusSuccess,
	TransactionStatusFailedEligibilityCheck,
	TransactionStatusFailedEligibilityTimeout,
	TransactionStatusFailedPaymentInitiation,
	TransactionStatusFailedPrecondition,
}

// TerminalTransactionStatuses возвращает все конечные статусы.
func TerminalTransactionStatuses() []TransactionStatus {
	result := make([]TransactionStatus, 0, 5)
	for _, status := range AllTransactionStatuses {
		if status.IsTerminal() {
			result = append(result, status)
		}
	}
	return result
}

// IsTerminal сообщает, что после этого статуса записи в транзакцию запрещены.
func (s TransactionStatus) IsTerminal() bool {
	switch s {
	case TransactionStatusSuccess,
		TransactionStatusFailedEligibilityCheck,
		TransactionStatusFailedEligibilityTimeout,
		TransactionStatusFailedPaymentInitiation,
		TransactionStatusFailedPrecondition:
		return true
	default:
		return false
	}
}

// IsFailure сообщает, что статус является одним из FAILED_*.
func (s TransactionStatus) IsFailure() bool {
	return s.IsTerminal() && s != TransactionStatusSuccess
}

// Valid проверяет, что статус входит в словарь.
func (s TransactionStatus) Valid() bool {
	for _, status := range AllTransactionStatuses {
		if s == status {
			return true
		}
	}
	return false
}

func (s TransactionStatus) String() string {
	return string(s)
}

// transitions описывает прямые переходы автомата. Переход в FAILED_PRECONDITION
// и повторный вход в CHECKING_ELIGIBILITY проверяются отдельно в CanTransition.
var transitions = map[TransactionStatus][]TransactionStatus{
	TransactionStatusPending: {
		TransactionStatusCheckingEligibility,
	},
	TransactionStatusCheckingEligibility: {
		TransactionStatusWaitingForEligibility,
		TransactionStatusFailedEligibilityCheck,
	},
	TransactionStatusWaitingForEligibility: {
		TransactionStatusInitiatingPayment,
		TransactionStatusFailedEligibilityTimeout,
	},
	TransactionStatusInitiatingPayment: {
		TransactionStatusSuccess,
		TransactionStatusFailedPaymentInitiation,
	},
}

// CanTransition проверяет достижимость статуса to из from.
func CanTransition(from, to TransactionStatus) bool {
	if !from.Valid() || !to.Valid() || from.IsTerminal() {
		return false
	}
	if to == TransactionStatusFailedPrecondition {
		return true
	}
	// Повторная попытка начинает протокол заново с проверки доступности.
	if to == TransactionStatusCheckingEligibility && from != TransactionStatusPending {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// FailureStatusFor возвращает FAILED_* статус для шага, на котором закончился бюджет повторов.
func FailureStatusFor(current TransactionStatus) TransactionStatus {
	switch current {
	case TransactionStatusCheckingEligibility:
		return TransactionStatusFailedEligibilityCheck
	case TransactionStatusWaitingForEligibility:
		return TransactionStatusFailedEligibilityTimeout
	case TransactionStatusInitiatingPayment:
		return TransactionStatusFailedPaymentInitiation
	default:
		return TransactionStatusFailedPrecondition
	}
}

// Transaction хранит состояние одной попытки покупки пакета.
type Transaction struct {
	ID                string
	UserID            string
	PackageID         string
	Status            TransactionStatus
	ExternalReference string
	PaymentArtifact   string
	// FailureReason сохраняет сообщение оператора или текст последней ошибки.
	FailureReason string
	// Attempt — номер текущей попытки оркестрации, 0 до первого запуска.
	Attempt   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewTransaction создаёт транзакцию в статусе PENDING.
func NewTransaction(userID, packageID string, now time.Time) Transaction {
	now = now.UTC()
	return Transaction{
		ID:        uuid.NewString(),
		UserID:    userID,
		PackageID: packageID,
		Status:    TransactionStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Validate проверяет обязательные поля новой транзакции.
func (t Transaction) Validate() error {
	if t.ID == "" {
		return ErrTransactionIDRequired
	}
	if t.UserID == "" {
		return ErrUserIDRequired
	}
	if t.PackageID == "" {
		return ErrPackageIDRequired
	}
	if !t.Status.Valid() {
		return ErrInvalidStatus
	}
	return nil
}

// TransitionFields задаёт вспомогательные поля, обновляемые вместе со статусом.
// Пустые строки означают "не менять".
type TransitionFields struct {
	ExternalReference string
	PaymentArtifact   string
	FailureReason     string
	// ResetReference очищает external reference и payment artifact перед новой попыткой.
	ResetReference bool
	// StartAttempt увеличивает счётчик попыток.
	StartAttempt bool
}

// Apply применяет переход к копии транзакции. Достижимость статуса проверяет вызывающий код.
func (t Transaction) Apply(to TransactionStatus, fields TransitionFields, now time.Time) Transaction {
	if fields.ResetReference {
		t.ExternalReference = ""
		t.PaymentArtifact = ""
		t.FailureReason = ""
	}
	if fields.StartAttempt {
		t.Attempt++
	}
	if fields.ExternalReference != "" {
		t.ExternalReference = fields.ExternalReference
	}
	if fields.PaymentArtifact != "" {
		t.PaymentArtifact = fields.PaymentArtifact
	}
	if fields.FailureReason != "" {
		t.FailureReason = fields.FailureReason
	}
	t.Status = to
	t.UpdatedAt = now.UTC()
	return t
}
