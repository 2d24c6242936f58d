package purchase

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/pps/internal/domain"
	"github.com/vladislavdragonenkov/pps/internal/metrics"
)

const (
	defaultPollMaxAttempts = 6
	defaultPollInterval    = 2 * time.Second
)

// PollerConfig задаёт бюджет опроса подтверждения доступности.
type PollerConfig struct {
	MaxAttempts int
	// Interval — постоянная пауза между попытками. Ноль допустим.
	Interval time.Duration
}

// DefaultPollerConfig возвращает 6 попыток с интервалом 2s.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		MaxAttempts: defaultPollMaxAttempts,
		Interval:    defaultPollInterval,
	}
}

// PollResult — подтверждённый ответ и число потраченных попыток.
type PollResult struct {
	Response domain.EligibilityStatusResponse
	Attempts int
}

// Poller опрашивает оператора до подтверждения доступности или исчерпания попыток.
type Poller struct {
	carrier domain.CarrierClient
	config  PollerConfig
	logger  *log.Entry
	metrics *metrics.PurchaseMetrics
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewPoller создаёт Poller. MaxAttempts <= 0 и отрицательный Interval заменяются значениями по умолчанию.
func NewPoller(carrier domain.CarrierClient, config PollerConfig, logger *log.Entry, m *metrics.PurchaseMetrics) *Poller {
	if logger == nil {
		logger = log.WithField("component", "eligibility-poller")
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaultPollMaxAttempts
	}
	if config.Interval < 0 {
		config.Interval = defaultPollInterval
	}
	return &Poller{
		carrier: carrier,
		config:  config,
		logger:  logger,
		metrics: m,
		sleep:   sleepContext,
	}
}

// Config возвращает нормализованную конфигурацию.
func (p *Poller) Config() PollerConfig {
	return p.config
}

// Await возвращает первый подтверждённый ответ. Ошибка транспорта засчитывается как
// неподтверждённая попытка. После последней попытки пауза не делается.
// Исчерпание бюджета оборачивает domain.ErrEligibilityTimeout, отмена ctx возвращает ctx.Err().
func (p *Poller) Await(ctx context.Context, token, externalReference string) (PollResult, error) {
	var (
		lastErr     error
		lastMessage string
	)

	for attempt := 1; attempt <= p.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			p.metrics.RecordPollAttempts(attempt - 1)
			return PollResult{Attempts: attempt - 1}, err
		}

		resp, err := p.carrier.CheckEligibilityStatus(ctx, token, externalReference)
		entry := p.logger.WithFields(log.Fields{
			"external_reference": externalReference,
			"attempt":            attempt,
			"max_attempts":       p.config.MaxAttempts,
		})
		switch {
		case err != nil:
			lastErr = err
			entry.WithError(err).Warn("eligibility status request failed")
		case resp.Confirmed():
			entry.Debug("eligibility confirmed")
			p.metrics.RecordPollAttempts(attempt)
			return PollResult{Response: resp, Attempts: attempt}, nil
		default:
			lastErr = nil
			lastMessage = resp.Message
			entry.WithField("carrier_status", resp.Status).Debug("eligibility not confirmed yet")
		}

		if attempt == p.config.MaxAttempts {
			break
		}
		if err := p.sleep(ctx, p.config.Interval); err != nil {
			p.metrics.RecordPollAttempts(attempt)
			return PollResult{Attempts: attempt}, err
		}
	}

	p.metrics.RecordPollAttempts(p.config.MaxAttempts)
	result := PollResult{Attempts: p.config.MaxAttempts}
	if lastErr != nil {
		return result, fmt.Errorf("%w after %d attempts: last error: %v", domain.ErrEligibilityTimeout, p.config.MaxAttempts, lastErr)
	}
	if lastMessage != "" {
		return result, fmt.Errorf("%w after %d attempts: %s", domain.ErrEligibilityTimeout, p.config.MaxAttempts, lastMessage)
	}
	return result, fmt.Errorf("%w after %d attempts", domain.ErrEligibilityTimeout, p.config.MaxAttempts)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
