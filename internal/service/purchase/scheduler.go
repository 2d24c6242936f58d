package purchase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/vladislavdragonenkov/pps/internal/domain"
	"github.com/vladislavdragonenkov/pps/internal/metrics"
	"github.com/vladislavdragonenkov/pps/internal/queue"
)

const (
	defaultWorkers          = 4
	defaultLeaseTTL         = 10 * time.Minute
	defaultRecoveryInterval = 30 * time.Second
	defaultStaleAfter       = 2 * time.Minute
	defaultRecoveryBatch    = 100
)

// Результаты приёма покупки для метрик.
const (
	SubmissionAccepted = "accepted"
	SubmissionConflict = "conflict"
	SubmissionRejected = "rejected"
)

// SchedulerConfig задаёт пул воркеров, повторы и recovery sweep.
type SchedulerConfig struct {
	Workers  int
	Retry    RetryConfig
	LeaseTTL time.Duration
	// RecoveryInterval <= 0 отключает recovery sweep.
	RecoveryInterval time.Duration
	StaleAfter       time.Duration
	RecoveryBatch    int
}

// DefaultSchedulerConfig возвращает конфигурацию по умолчанию.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Workers:          defaultWorkers,
		Retry:            DefaultRetryConfig(),
		LeaseTTL:         defaultLeaseTTL,
		RecoveryInterval: defaultRecoveryInterval,
		StaleAfter:       defaultStaleAfter,
		RecoveryBatch:    defaultRecoveryBatch,
	}
}

// Submission — результат приёма покупки.
type Submission struct {
	TransactionID string                   `json:"transaction_id"`
	JobID         string                   `json:"job_id"`
	Status        domain.TransactionStatus `json:"status"`
	// Queued=false: задача не поставлена, транзакцию подберёт recovery sweep.
	Queued bool `json:"queued"`
}

// Scheduler принимает покупки и исполняет задачи оркестрации в фоне.
type Scheduler struct {
	transactions domain.TransactionRepository
	queue        queue.Queue
	locker       queue.Locker
	runner       Runner
	config       SchedulerConfig
	logger       *log.Entry
	metrics      *metrics.PurchaseMetrics
	now          func() time.Time
	sleep        func(ctx context.Context, d time.Duration) error
}

// NewScheduler создаёт планировщик. metrics может быть nil.
func NewScheduler(
	transactions domain.TransactionRepository,
	q queue.Queue,
	locker queue.Locker,
	runner Runner,
	config SchedulerConfig,
	logger *log.Entry,
	m *metrics.PurchaseMetrics,
) *Scheduler {
	if logger == nil {
		logger = log.WithField("component", "purchase-scheduler")
	}
	if locker == nil {
		locker = queue.NewMemoryLocker()
	}
	defaults := DefaultSchedulerConfig()
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.LeaseTTL <= 0 {
		config.LeaseTTL = defaults.LeaseTTL
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = defaults.StaleAfter
	}
	if config.RecoveryBatch <= 0 {
		config.RecoveryBatch = defaults.RecoveryBatch
	}
	config.Retry = config.Retry.normalized()

	return &Scheduler{
		transactions: transactions,
		queue:        q,
		locker:       locker,
		runner:       runner,
		config:       config,
		logger:       logger,
		metrics:      m,
		now:          time.Now,
		sleep:        sleepContext,
	}
}

// Submit создаёт транзакцию PENDING и ставит задачу, не дожидаясь оркестрации.
// Для пары с активной транзакцией возвращает domain.ErrTransactionConflict.
func (s *Scheduler) Submit(ctx context.Context, userID, packageID string) (Submission, error) {
	userID = strings.TrimSpace(userID)
	packageID = strings.TrimSpace(packageID)
	if userID == "" {
		s.metrics.RecordSubmission(SubmissionRejected)
		return Submission{}, domain.ErrUserIDRequired
	}
	if packageID == "" {
		s.metrics.RecordSubmission(SubmissionRejected)
		return Submission{}, domain.ErrPackageIDRequired
	}

	now := s.now()
	tx, err := s.transactions.Create(ctx, domain.NewTransaction(userID, packageID, now))
	if err != nil {
		if domain.IsConflict(err) {
			s.metrics.RecordSubmission(SubmissionConflict)
			return Submission{}, err
		}
		s.metrics.RecordSubmission(SubmissionRejected)
		return Submission{}, fmt.Errorf("create transaction: %w", err)
	}
	s.metrics.RecordSubmission(SubmissionAccepted)

	submission := Submission{TransactionID: tx.ID, Status: tx.Status}
	job := queue.NewJob(tx.ID, now)
	if _, err := s.markQueued(ctx, tx.ID); err != nil {
		s.logger.WithError(err).WithField("transaction_id", tx.ID).Debug("failed to mark purchase job as queued")
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		s.clearQueued(tx.ID)
		s.metrics.RecordEnqueueFailure()
		s.logger.WithError(err).WithField("transaction_id", tx.ID).Warn("failed to enqueue purchase job, left for recovery")
		return submission, nil
	}

	submission.JobID = job.ID
	submission.Queued = true
	s.logger.WithFields(log.Fields{
		"transaction_id": tx.ID,
		"job_id":         job.ID,
		"user_id":        userID,
		"package_id":     packageID,
	}).Info("purchase accepted")
	return submission, nil
}

// Run запускает воркеры и recovery sweep до отмены ctx или закрытия очереди.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.WithFields(log.Fields{
		"workers":      s.config.Workers,
		"max_attempts": s.config.Retry.MaxAttempts,
	}).Info("purchase scheduler started")
	defer s.logger.Info("purchase scheduler stopped")

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.config.Workers; i++ {
		worker := i + 1
		g.Go(func() error {
			return s.work(ctx, worker)
		})
	}
	if s.config.RecoveryInterval > 0 {
		g.Go(func() error {
			s.recoveryLoop(ctx)
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) work(ctx context.Context, worker int) error {
	logger := s.logger.WithField("worker", worker)
	for {
		job, err := s.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, domain.ErrQueueClosed) {
				return nil
			}
			logger.WithError(err).Warn("failed to dequeue purchase job")
			if err := s.sleep(ctx, time.Second); err != nil {
				return nil
			}
			continue
		}
		s.Process(ctx, job)
	}
}

// Process исполняет одну задачу под lease транзакции.
func (s *Scheduler) Process(ctx context.Context, job queue.Job) {
	logger := s.logger.WithFields(log.Fields{
		"transaction_id": job.TransactionID,
		"job_id":         job.ID,
	})
	s.clearQueued(job.TransactionID)

	unlock, acquired, err := s.locker.TryLock(ctx, job.TransactionID, s.config.LeaseTTL)
	if err != nil {
		logger.WithError(err).Warn("failed to acquire run lease, left for recovery")
		return
	}
	if !acquired {
		logger.Debug("transaction is already being orchestrated, skipping job")
		return
	}
	defer func() {
		if err := unlock(context.Background()); err != nil {
			logger.WithError(err).Warn("failed to release run lease")
		}
	}()

	s.execute(ctx, logger, job.TransactionID)
}

// execute повторяет транзиентные ошибки в пределах бюджета и затем записывает FAILED_*.
func (s *Scheduler) execute(ctx context.Context, logger *log.Entry, transactionID string) {
	retry := s.config.Retry
	delay := retry.InitialDelay

	var lastErr error
	for attempt := 1; attempt <= retry.MaxAttempts; attempt++ {
		err := s.runner.Run(ctx, transactionID)
		if err == nil {
			if attempt > 1 {
				logger.WithField("attempt", attempt).Info("purchase job succeeded after retry")
			}
			return
		}
		lastErr = err

		if !domain.IsTransient(err) {
			return
		}
		if ctx.Err() != nil {
			logger.WithError(err).Info("purchase job interrupted by shutdown, left for recovery")
			return
		}

		if attempt < retry.MaxAttempts {
			s.metrics.RecordJobRetry()
			logger.WithFields(log.Fields{
				"attempt": attempt,
				"delay":   delay,
			}).WithError(err).Warn("purchase job failed, retrying")

			if err := s.sleep(ctx, delay); err != nil {
				return
			}
			delay = retry.nextDelay(delay)
		}
	}

	s.metrics.RecordRetryExhausted()
	logger.WithFields(log.Fields{
		"max_attempts": retry.MaxAttempts,
	}).WithError(lastErr).Error("purchase job failed after all retry attempts")

	cause := fmt.Errorf("%s: %d attempts: %w", domain.StepRetryBudgetExceeded, retry.MaxAttempts, lastErr)
	if err := s.runner.Fail(ctx, transactionID, cause); err != nil {
		logger.WithError(err).Error("failed to record purchase failure")
	}
}

func (s *Scheduler) recoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.RecoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Recover(ctx); err != nil && ctx.Err() == nil {
				s.logger.WithError(err).Warn("recovery sweep failed")
			}
		}
	}
}

// Recover ставит задачи для зависших неконечных транзакций без активного lease.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	stale, err := s.transactions.ListActive(ctx, s.now().Add(-s.config.StaleAfter), s.config.RecoveryBatch)
	if err != nil {
		return 0, fmt.Errorf("list active transactions: %w", err)
	}

	recovered := 0
	for _, tx := range stale {
		held, err := s.locker.Held(ctx, tx.ID)
		if err != nil {
			return recovered, err
		}
		if held {
			continue
		}
		marked, err := s.markQueued(ctx, tx.ID)
		if err != nil {
			return recovered, err
		}
		if !marked {
			// Задача уже ждёт в очереди.
			continue
		}
		if err := s.queue.Enqueue(ctx, queue.NewJob(tx.ID, s.now())); err != nil {
			s.clearQueued(tx.ID)
			return recovered, fmt.Errorf("enqueue recovered job: %w", err)
		}
		recovered++
		s.metrics.RecordRecovered()
		s.logger.WithFields(log.Fields{
			"transaction_id": tx.ID,
			"status":         tx.Status,
			"updated_at":     tx.UpdatedAt,
		}).Info("stale purchase re-enqueued")
	}
	return recovered, nil
}

// queuedKey — ключ отметки о задаче транзакции, ждущей в очереди.
func queuedKey(transactionID string) string {
	return "queued:" + transactionID
}

// markQueued ставит отметку на StaleAfter. false, если задача уже в очереди.
// Отметку снимает воркер при выборке задачи; потерянная задача перестаёт блокировать recovery по истечении отметки.
func (s *Scheduler) markQueued(ctx context.Context, transactionID string) (bool, error) {
	_, marked, err := s.locker.TryLock(ctx, queuedKey(transactionID), s.config.StaleAfter)
	if err != nil {
		return false, fmt.Errorf("mark job queued: %w", err)
	}
	return marked, nil
}

func (s *Scheduler) clearQueued(transactionID string) {
	if err := s.locker.Release(context.Background(), queuedKey(transactionID)); err != nil {
		s.logger.WithError(err).WithField("transaction_id", transactionID).Warn("failed to clear queued mark")
	}
}
