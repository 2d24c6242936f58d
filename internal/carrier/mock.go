package carrier

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/vladislavdragonenkov/pps/internal/domain"
)

// MockCalls — счётчики вызовов MockClient.
type MockCalls struct {
	Profile           int
	Eligibility       int
	EligibilityStatus int
	Payment           int
}

// MockClient — конфигурируемая заглушка CarrierClient для тестов и локального запуска.
// Ошибки из *Errs выдаются по одной на вызов, после чего возвращается настроенный ответ.
type MockClient struct {
	mu sync.Mutex

	Profile    domain.ProfileResponse
	ProfileErr error

	Eligibility     domain.EligibilityResponse
	EligibilityErrs []error

	Status     domain.EligibilityStatusResponse
	StatusErrs []error
	// StatusSequence, если задан, отдаётся по порядку до последнего элемента.
	StatusSequence []domain.EligibilityStatusResponse

	Payment     domain.PaymentResponse
	PaymentErrs []error

	LastEligibilityRequest domain.EligibilityRequest
	LastPaymentReference   string

	calls MockCalls
}

// NewMockClient возвращает mock с успешным сценарием по умолчанию.
func NewMockClient() *MockClient {
	ok := domain.CarrierResult{Status: domain.CarrierStatusOK, Message: "success"}
	return &MockClient{
		Profile:     domain.ProfileResponse{CarrierResult: ok, MSISDN: "8123456789"},
		Eligibility: domain.EligibilityResponse{CarrierResult: ok, ExternalReference: "TX123"},
		Status: domain.EligibilityStatusResponse{
			CarrierResult: ok,
			Eligibility:   json.RawMessage(`{"eligible":true}`),
		},
		Payment: domain.PaymentResponse{CarrierResult: ok, PaymentArtifact: "QR_DATA"},
	}
}

// Calls возвращает снимок счётчиков.
func (m *MockClient) Calls() MockCalls {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// LastRequest возвращает последний запрос проверки права на покупку.
func (m *MockClient) LastRequest() domain.EligibilityRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.LastEligibilityRequest
}

func popErr(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (m *MockClient) GetProfile(_ context.Context, _ string) (domain.ProfileResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls.Profile++
	if m.ProfileErr != nil {
		return domain.ProfileResponse{}, m.ProfileErr
	}
	return m.Profile, nil
}

func (m *MockClient) CheckEligibility(_ context.Context, _ string, req domain.EligibilityRequest) (domain.EligibilityResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls.Eligibility++
	m.LastEligibilityRequest = req
	if err := popErr(&m.EligibilityErrs); err != nil {
		return domain.EligibilityResponse{}, err
	}
	return m.Eligibility, nil
}

func (m *MockClient) CheckEligibilityStatus(_ context.Context, _ string, _ string) (domain.EligibilityStatusResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls.EligibilityStatus++
	if err := popErr(&m.StatusErrs); err != nil {
		return domain.EligibilityStatusResponse{}, err
	}
	if n := len(m.StatusSequence); n > 0 {
		resp := m.StatusSequence[0]
		if n > 1 {
			m.StatusSequence = m.StatusSequence[1:]
		}
		return resp, nil
	}
	return m.Status, nil
}

func (m *MockClient) InitiatePayment(_ context.Context, _ string, externalReference string, _ domain.EligibilityRequest) (domain.PaymentResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls.Payment++
	m.LastPaymentReference = externalReference
	if err := popErr(&m.PaymentErrs); err != nil {
		return domain.PaymentResponse{}, err
	}
	return m.Payment, nil
}

var _ domain.CarrierClient = (*MockClient)(nil)
