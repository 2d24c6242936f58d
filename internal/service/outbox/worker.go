package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/pps/internal/domain"
)

var (
	deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pps_outbox_deliveries_total",
		Help: "Outbox deliveries of purchase events grouped by event type and outcome.",
	}, []string{"event_type", "outcome"})
	backlogSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pps_outbox_pending_records",
		Help: "Purchase events waiting in the transactional outbox.",
	})
	backlogAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pps_outbox_oldest_pending_age_seconds",
		Help: "Age in seconds of the oldest undelivered purchase event.",
	})
)

// Исходы доставки для метрики pps_outbox_deliveries_total.
const (
	outcomeSent       = "sent"
	outcomeRetry      = "retry"
	outcomeDeadLetter = "dead_letter"
	outcomeDLQFailed  = "dlq_failed"
)

// Config параметры доставки событий покупки из outbox.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	// MaxAttempts — попыток публикации одного события за цикл, после чего оно уходит в DLQ.
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultConfig возвращает конфигурацию по умолчанию.
func DefaultConfig() Config {
	return Config{
		PollInterval: time.Second,
		BatchSize:    100,
		MaxAttempts:  3,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     2 * time.Second,
	}
}

func (c Config) normalized() Config {
	defaults := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.PollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaults.MaxAttempts
	}
	if c.InitialDelay < 0 {
		c.InitialDelay = 0
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	return c
}

// backoff возвращает паузу после неудачной попытки attempt (с 1): InitialDelay·2^(attempt-1), не больше MaxDelay.
func (c Config) backoff(attempt int) time.Duration {
	delay := c.InitialDelay
	for i := 1; i < attempt && delay < c.MaxDelay; i++ {
		delay *= 2
	}
	if delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	return delay
}

// Worker доставляет события жизненного цикла транзакций из outbox в брокер.
// События, не доставленные за MaxAttempts попыток, уходят в DLQ и помечаются failed.
type Worker struct {
	repo   domain.OutboxRepository
	broker domain.OutboxPublisher
	dlq    domain.OutboxPublisher
	cfg    Config
	logger *log.Entry

	sleep func(ctx context.Context, d time.Duration) error
}

// NewWorker создаёт воркер. dlq может быть nil: тогда недоставленные события только помечаются failed.
func NewWorker(repo domain.OutboxRepository, broker, dlq domain.OutboxPublisher, cfg Config, logger *log.Entry) *Worker {
	if logger == nil {
		logger = log.WithField("component", "outbox-worker")
	}
	return &Worker{
		repo:   repo,
		broker: broker,
		dlq:    dlq,
		cfg:    cfg.normalized(),
		logger: logger,
		sleep:  sleepCtx,
	}
}

// Run опрашивает outbox до отмены ctx. Возвращает nil после остановки, чтобы воркер жил в errgroup.
func (w *Worker) Run(ctx context.Context) error {
	if w.repo == nil || w.broker == nil {
		w.logger.Warn("outbox worker is disabled: repo or publisher is nil")
		return nil
	}

	w.logger.WithFields(log.Fields{
		"poll_interval": w.cfg.PollInterval,
		"batch_size":    w.cfg.BatchSize,
		"max_attempts":  w.cfg.MaxAttempts,
	}).Info("outbox worker started")

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		w.ProcessOnce(ctx)
		select {
		case <-ctx.Done():
			w.logger.Info("outbox worker stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// BatchResult — итог одного цикла опроса.
type BatchResult struct {
	Pulled int
	Sent   int
	Failed int
}

// ProcessOnce забирает пачку pending-событий и доставляет их в порядке записи.
func (w *Worker) ProcessOnce(ctx context.Context) BatchResult {
	var result BatchResult
	if ctx.Err() != nil {
		return result
	}
	defer w.observeBacklog(ctx)

	events, err := w.repo.PullPending(ctx, w.cfg.BatchSize)
	if err != nil {
		w.logger.WithError(err).Warn("failed to pull pending outbox messages")
		return result
	}
	result.Pulled = len(events)

	for _, event := range events {
		if ctx.Err() != nil {
			break
		}
		if w.deliver(ctx, event) {
			result.Sent++
		} else {
			result.Failed++
		}
	}
	return result
}

// deliver публикует одно событие и фиксирует исход в outbox. Возвращает true, если событие доставлено.
func (w *Worker) deliver(ctx context.Context, event domain.OutboxMessage) bool {
	entry := w.logger.WithFields(log.Fields{
		"outbox_id":      event.ID,
		"transaction_id": event.AggregateID,
		"event_type":     event.EventType,
	})

	publishErr := w.publish(ctx, event)
	if publishErr == nil {
		deliveries.WithLabelValues(event.EventType, outcomeSent).Inc()
		if err := w.repo.MarkSent(ctx, event.ID); err != nil {
			entry.WithError(err).Warn("failed to mark outbox message as sent")
		}
		return true
	}
	if ctx.Err() != nil {
		// Остановка посреди повторов: событие остаётся pending до следующего запуска.
		return false
	}

	entry.WithError(publishErr).Error("outbox publish failed after retries")
	deliveries.WithLabelValues(event.EventType, outcomeDeadLetter).Inc()
	if err := w.deadLetter(ctx, event, publishErr); err != nil {
		entry.WithError(err).Warn("failed to publish to DLQ")
		deliveries.WithLabelValues(event.EventType, outcomeDLQFailed).Inc()
	}
	if err := w.repo.MarkFailed(ctx, event.ID); err != nil {
		entry.WithError(err).Warn("failed to mark outbox message as failed")
	}
	return false
}

func (w *Worker) publish(ctx context.Context, event domain.OutboxMessage) error {
	var err error
	for attempt := 1; ; attempt++ {
		if err = w.broker.Publish(ctx, event); err == nil {
			return nil
		}
		if attempt >= w.cfg.MaxAttempts {
			return fmt.Errorf("publish %s after %d attempts: %w", event.EventType, attempt, err)
		}
		deliveries.WithLabelValues(event.EventType, outcomeRetry).Inc()
		if sleepErr := w.sleep(ctx, w.cfg.backoff(attempt)); sleepErr != nil {
			return sleepErr
		}
	}
}

func (w *Worker) observeBacklog(ctx context.Context) {
	stats, err := w.repo.Stats(ctx)
	if err != nil {
		w.logger.WithError(err).Warn("failed to collect outbox backlog stats")
		return
	}
	backlogSize.Set(float64(stats.PendingCount))

	age := 0.0
	if stats.PendingCount > 0 && !stats.OldestPendingAt.IsZero() {
		age = max(time.Since(stats.OldestPendingAt).Seconds(), 0)
	}
	backlogAge.Set(age)
}

// deadLetterRecord — тело сообщения в DLQ: исходное событие и причина отказа.
type deadLetterRecord struct {
	OutboxID      string          `json:"outbox_id"`
	TransactionID string          `json:"transaction_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	Error         string          `json:"error"`
	Attempts      int             `json:"attempts"`
	FailedAt      time.Time       `json:"failed_at"`
}

func (w *Worker) deadLetter(ctx context.Context, event domain.OutboxMessage, cause error) error {
	if w.dlq == nil {
		return nil
	}

	body, err := json.Marshal(deadLetterRecord{
		OutboxID:      event.ID,
		TransactionID: event.AggregateID,
		EventType:     event.EventType,
		Payload:       json.RawMessage(event.Payload),
		Error:         cause.Error(),
		Attempts:      w.cfg.MaxAttempts,
		FailedAt:      time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}

	letter := event
	letter.Payload = body
	if err := w.dlq.Publish(ctx, letter); err != nil {
		return fmt.Errorf("publish to dlq: %w", err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
