package carrier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/pps/internal/domain"
)

// ErrCircuitOpen возвращается без обращения к оператору, пока breaker открыт.
// Оборачивает domain.ErrCarrierUnavailable, поэтому задача будет повторена.
var ErrCircuitOpen = fmt.Errorf("%w: circuit breaker is open", domain.ErrCarrierUnavailable)

// CircuitState — состояние circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CircuitBreaker открывается после maxFailures подряд ошибок транспорта
// и пропускает пробный запрос через resetTimeout.
type CircuitBreaker struct {
	maxFailures  int
	resetTimeout time.Duration
	now          func() time.Time

	mu          sync.Mutex
	failures    int
	lastFailure time.Time
	state       CircuitState
	// trial — пробный запрос half-open ещё не завершён.
	trial  bool
	logger *log.Entry
}

// NewCircuitBreaker создаёт новый circuit breaker.
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration, logger *log.Entry) *CircuitBreaker {
	if logger == nil {
		logger = log.WithField("component", "circuit-breaker")
	}
	if maxFailures <= 0 {
		maxFailures = 5
	}

	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		now:          time.Now,
		state:        CircuitClosed,
		logger:       logger,
	}
}

// State возвращает текущее состояние.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Execute выполняет операцию через circuit breaker.
func (cb *CircuitBreaker) Execute(operation string, fn func() error) error {
	cb.mu.Lock()
	switch cb.state {
	case CircuitOpen:
		if cb.now().Sub(cb.lastFailure) < cb.resetTimeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.state = CircuitHalfOpen
		cb.logger.WithField("operation", operation).Info("Circuit breaker half-open")
	case CircuitHalfOpen:
		// В half-open к оператору идёт один пробный запрос, остальные отклоняются до его исхода.
		if cb.trial {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
	}
	isTrial := cb.state == CircuitHalfOpen
	if isTrial {
		cb.trial = true
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if isTrial {
		cb.trial = false
	}

	// Отмена контекста вызывающей стороной не говорит о состоянии оператора.
	if err != nil && !errors.Is(err, context.Canceled) {
		cb.failures++
		cb.lastFailure = cb.now()

		if cb.state == CircuitHalfOpen || cb.failures >= cb.maxFailures {
			if cb.state != CircuitOpen {
				cb.logger.WithFields(log.Fields{
					"operation": operation,
					"failures":  cb.failures,
				}).Warn("Circuit breaker opened")
			}
			cb.state = CircuitOpen
		}
		return err
	}
	if err != nil {
		return err
	}

	if cb.state == CircuitHalfOpen {
		cb.logger.WithField("operation", operation).Info("Circuit breaker closed")
	}
	cb.state = CircuitClosed
	cb.failures = 0
	return nil
}

// BreakerClient защищает CarrierClient общим circuit breaker.
// Неуспешный статус оператора ошибкой транспорта не считается и breaker не открывает.
type BreakerClient struct {
	next    domain.CarrierClient
	breaker *CircuitBreaker
}

// NewBreakerClient оборачивает клиента оператора.
func NewBreakerClient(next domain.CarrierClient, breaker *CircuitBreaker) *BreakerClient {
	return &BreakerClient{next: next, breaker: breaker}
}

func (c *BreakerClient) GetProfile(ctx context.Context, token string) (domain.ProfileResponse, error) {
	var resp domain.ProfileResponse
	err := c.breaker.Execute("get_profile", func() error {
		var err error
		resp, err = c.next.GetProfile(ctx, token)
		return err
	})
	return resp, err
}

func (c *BreakerClient) CheckEligibility(ctx context.Context, token string, req domain.EligibilityRequest) (domain.EligibilityResponse, error) {
	var resp domain.EligibilityResponse
	err := c.breaker.Execute("check_eligibility", func() error {
		var err error
		resp, err = c.next.CheckEligibility(ctx, token, req)
		return err
	})
	return resp, err
}

func (c *BreakerClient) CheckEligibilityStatus(ctx context.Context, token, externalReference string) (domain.EligibilityStatusResponse, error) {
	var resp domain.EligibilityStatusResponse
	err := c.breaker.Execute("check_eligibility_status", func() error {
		var err error
		resp, err = c.next.CheckEligibilityStatus(ctx, token, externalReference)
		return err
	})
	return resp, err
}

func (c *BreakerClient) InitiatePayment(ctx context.Context, token, externalReference string, req domain.EligibilityRequest) (domain.PaymentResponse, error) {
	var resp domain.PaymentResponse
	err := c.breaker.Execute("initiate_payment", func() error {
		var err error
		resp, err = c.next.InitiatePayment(ctx, token, externalReference, req)
		return err
	})
	return resp, err
}

var _ domain.CarrierClient = (*BreakerClient)(nil)
