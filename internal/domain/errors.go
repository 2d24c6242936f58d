package domain

import (
	"errors"
	"fmt"
)

var (
	// Ошибка отсутствующего идентификатора транзакции.
	ErrTransactionIDRequired = errors.New("transaction id is required")
	// Ошибка отсутствующего идентификатора пользователя.
	ErrUserIDRequired = errors.New("user_id is required")
	// Ошибка отсутствующего идентификатора пакета.
	ErrPackageIDRequired = errors.New("package_id is required")
	// Ошибка статуса вне словаря TransactionStatus.
	ErrInvalidStatus = errors.New("invalid transaction status")
	// ErrTransactionNotFound возвращается, если транзакция не найдена в хранилище.
	ErrTransactionNotFound = errors.New("transaction not found")
	// ErrTransactionConflict — для пары (user, package) уже есть активная транзакция.
	ErrTransactionConflict = errors.New("active transaction already exists for user and package")
	// ErrInvalidTransition — статус недостижим из текущего, в том числе из конечного.
	ErrInvalidTransition = errors.New("invalid transaction status transition")
	// ErrUserNotFound возвращается каталогом для неизвестного пользователя.
	ErrUserNotFound = errors.New("user not found")
	// ErrPackageNotFound возвращается каталогом для неизвестного пакета.
	ErrPackageNotFound = errors.New("package not found")
	// ErrCredentialMissing — у пользователя нет внешней сессии оператора (token_id).
	ErrCredentialMissing = errors.New("user has no carrier session credential")
	// ErrCarrierUnavailable — сетевая ошибка, таймаут или некорректный ответ оператора; можно повторить.
	ErrCarrierUnavailable = errors.New("carrier temporary error")
	// ErrCarrierDeclined — оператор вернул неуспешный статус (бизнес-ошибка).
	ErrCarrierDeclined = errors.New("carrier declined request")
	// ErrEligibilityTimeout — подтверждение доступности не получено за все попытки опроса.
	ErrEligibilityTimeout = errors.New("eligibility confirmation timed out")
	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
	// ErrQueueClosed — очередь задач остановлена.
	ErrQueueClosed = errors.New("job queue is closed")
)

// ErrorKind классифицирует исход шага оркестрации.
type ErrorKind string

const (
	// ErrorKindPrecondition — нет пользователя, пакета или сессии; конечный исход.
	ErrorKindPrecondition ErrorKind = "precondition"
	// ErrorKindBusiness — оператор явно отказал; конечный исход.
	ErrorKindBusiness ErrorKind = "business"
	// ErrorKindTimeout — оператор не подтвердил доступность вовремя; конечный исход.
	ErrorKindTimeout ErrorKind = "timeout"
	// ErrorKindTransient — транспортная ошибка, задача может быть повторена целиком.
	ErrorKindTransient ErrorKind = "transient"
)

// StepError — типизированный результат неуспешного шага оркестрации.
type StepError struct {
	Kind ErrorKind
	Step Step
	// Status — статус транзакции после ошибки. Для transient это последний записанный статус.
	Status TransactionStatus
	Err    error
}

func (e *StepError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s step failed (%s)", e.Step, e.Kind)
	}
	return fmt.Sprintf("%s step failed (%s): %v", e.Step, e.Kind, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Terminal сообщает, что транзакция уже переведена в конечный статус.
func (e *StepError) Terminal() bool {
	return e.Kind != ErrorKindTransient
}

// KindOf возвращает вид ошибки шага. Ошибки без StepError считаются transient.
func KindOf(err error) ErrorKind {
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		return stepErr.Kind
	}
	return ErrorKindTransient
}

// IsTransient проверяет, что ошибку имеет смысл повторить на уровне задачи.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == ErrorKindTransient
}

// IsConflict проверяет, является ли ошибка конфликтом активной транзакции.
func IsConflict(err error) bool {
	return errors.Is(err, ErrTransactionConflict)
}
