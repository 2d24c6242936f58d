package purchase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/pps/internal/domain"
	"github.com/vladislavdragonenkov/pps/internal/metrics"
)

const tracerName = "pps/purchase"

// Runner — то, что планировщик запускает для каждой задачи.
type Runner interface {
	Run(ctx context.Context, transactionID string) error
	Fail(ctx context.Context, transactionID string, cause error) error
}

// Orchestrator проводит одну попытку протокола покупки:
// проверка доступности, опрос подтверждения, инициация оплаты.
type Orchestrator struct {
	transactions domain.TransactionRepository
	catalog      domain.CatalogRepository
	carrier      domain.CarrierClient
	poller       *Poller
	logger       *log.Entry
	metrics      *metrics.PurchaseMetrics
	tracer       trace.Tracer
}

// NewOrchestrator создаёт оркестратор. metrics может быть nil.
func NewOrchestrator(
	transactions domain.TransactionRepository,
	catalog domain.CatalogRepository,
	carrier domain.CarrierClient,
	poller *Poller,
	logger *log.Entry,
	m *metrics.PurchaseMetrics,
) *Orchestrator {
	if logger == nil {
		logger = log.WithField("component", "purchase-orchestrator")
	}
	if poller == nil {
		poller = NewPoller(carrier, DefaultPollerConfig(), logger, m)
	}
	return &Orchestrator{
		transactions: transactions,
		catalog:      catalog,
		carrier:      carrier,
		poller:       poller,
		logger:       logger,
		metrics:      m,
		tracer:       otel.Tracer(tracerName),
	}
}

// purchaseRun — данные одной попытки, собранные на шаге предусловий.
type purchaseRun struct {
	tx      domain.Transaction
	token   string
	request domain.EligibilityRequest
}

// Run выполняет одну попытку оркестрации. Для конечной транзакции ничего не делает.
// Ошибка всегда либо *domain.StepError, либо транзиентная ошибка хранилища.
func (o *Orchestrator) Run(ctx context.Context, transactionID string) (err error) {
	ctx, span := o.tracer.Start(ctx, "purchase.Run", trace.WithAttributes(
		attribute.String("transaction.id", transactionID),
	))
	defer span.End()

	start := time.Now()
	o.metrics.RecordRunStarted()
	logger := o.logger.WithField("transaction_id", transactionID)

	tx, err := o.transactions.Get(ctx, transactionID)
	if err != nil {
		if errors.Is(err, domain.ErrTransactionNotFound) {
			err = &domain.StepError{Kind: domain.ErrorKindPrecondition, Step: domain.StepPrecondition, Err: err}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "load transaction")
		logger.WithError(err).Warn("failed to load transaction")
		o.metrics.RecordRunFinished(string(domain.KindOf(err)), time.Since(start))
		return err
	}
	if tx.Status.IsTerminal() {
		logger.WithField("status", tx.Status).Debug("transaction already finished, skipping run")
		o.metrics.RecordRunFinished(string(tx.Status), time.Since(start))
		return nil
	}

	defer func() {
		outcome := runOutcome(err)
		span.SetAttributes(attribute.String("purchase.outcome", outcome))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
		o.metrics.RecordRunFinished(outcome, time.Since(start))
	}()

	var run purchaseRun
	if err := o.step(ctx, domain.StepPrecondition, func(ctx context.Context) error {
		var stepErr error
		run, stepErr = o.checkPreconditions(ctx, tx)
		return stepErr
	}); err != nil {
		return o.report(logger, err)
	}

	if err := o.step(ctx, domain.StepEligibilityCheck, func(ctx context.Context) error {
		return o.checkEligibility(ctx, &run)
	}); err != nil {
		return o.report(logger, err)
	}

	if err := o.step(ctx, domain.StepEligibilityWait, func(ctx context.Context) error {
		return o.awaitEligibility(ctx, &run)
	}); err != nil {
		return o.report(logger, err)
	}

	if err := o.step(ctx, domain.StepPaymentInitiation, func(ctx context.Context) error {
		return o.initiatePayment(ctx, &run)
	}); err != nil {
		return o.report(logger, err)
	}

	logger.WithFields(log.Fields{
		"external_reference": run.tx.ExternalReference,
		"attempt":            run.tx.Attempt,
	}).Info("purchase completed")
	return nil
}

// Fail записывает FAILED_* статус для шага, на котором остановилась транзакция.
// Конечную транзакцию не трогает.
func (o *Orchestrator) Fail(ctx context.Context, transactionID string, cause error) error {
	tx, err := o.transactions.Get(ctx, transactionID)
	if err != nil {
		return err
	}
	if tx.Status.IsTerminal() {
		return nil
	}

	reason := "retry budget exhausted"
	if cause != nil {
		reason = cause.Error()
	}
	to := domain.FailureStatusFor(tx.Status)
	if _, err := o.transactions.Transition(ctx, transactionID, to, domain.TransitionFields{FailureReason: reason}); err != nil {
		return fmt.Errorf("record %s: %w", to, err)
	}

	o.logger.WithFields(log.Fields{
		"transaction_id": transactionID,
		"from":           tx.Status,
		"status":         to,
		"reason":         reason,
	}).Warn("purchase failed after retry budget")
	return nil
}

func (o *Orchestrator) checkPreconditions(ctx context.Context, tx domain.Transaction) (purchaseRun, error) {
	user, err := o.catalog.GetUser(ctx, tx.UserID)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			return purchaseRun{}, o.failPrecondition(ctx, tx, err)
		}
		return purchaseRun{}, transientError(domain.StepPrecondition, tx.Status, fmt.Errorf("load user: %w", err))
	}
	if !user.HasCredential() {
		return purchaseRun{}, o.failPrecondition(ctx, tx, domain.ErrCredentialMissing)
	}

	pkg, err := o.catalog.GetPackage(ctx, tx.PackageID)
	if err != nil {
		if errors.Is(err, domain.ErrPackageNotFound) {
			return purchaseRun{}, o.failPrecondition(ctx, tx, err)
		}
		return purchaseRun{}, transientError(domain.StepPrecondition, tx.Status, fmt.Errorf("load package: %w", err))
	}

	msisdn, err := o.resolveMSISDN(ctx, tx, user)
	if err != nil {
		return purchaseRun{}, err
	}

	return purchaseRun{
		tx:      tx,
		token:   user.TokenID,
		request: domain.NewEligibilityRequest(pkg, msisdn),
	}, nil
}

// resolveMSISDN берёт номер из справочника, а если его нет, запрашивает профиль у оператора.
func (o *Orchestrator) resolveMSISDN(ctx context.Context, tx domain.Transaction, user domain.User) (string, error) {
	if msisdn := domain.NormalizeMSISDN(user.MSISDN); msisdn != "" {
		return msisdn, nil
	}

	profile, err := o.carrier.GetProfile(ctx, user.TokenID)
	if err != nil {
		return "", transientError(domain.StepPrecondition, tx.Status, fmt.Errorf("get profile: %w", err))
	}
	msisdn := domain.NormalizeMSISDN(profile.MSISDN)
	if !profile.Success() || msisdn == "" {
		return "", o.failPrecondition(ctx, tx, declined("profile", profile.CarrierResult))
	}
	return msisdn, nil
}

func (o *Orchestrator) failPrecondition(ctx context.Context, tx domain.Transaction, cause error) error {
	return o.finish(ctx, tx.ID, domain.StepPrecondition, domain.ErrorKindPrecondition,
		domain.TransactionStatusFailedPrecondition, domain.TransitionFields{FailureReason: cause.Error()}, cause)
}

func (o *Orchestrator) checkEligibility(ctx context.Context, run *purchaseRun) error {
	fields := domain.TransitionFields{StartAttempt: true}
	if run.tx.Status != domain.TransactionStatusPending {
		// Повтор начинается с чистого external reference.
		fields.ResetReference = true
	}
	tx, err := o.transactions.Transition(ctx, run.tx.ID, domain.TransactionStatusCheckingEligibility, fields)
	if err != nil {
		return transientError(domain.StepEligibilityCheck, run.tx.Status, fmt.Errorf("enter %s: %w", domain.TransactionStatusCheckingEligibility, err))
	}
	run.tx = tx

	resp, err := o.carrier.CheckEligibility(ctx, run.token, run.request)
	if err != nil {
		return transientError(domain.StepEligibilityCheck, tx.Status, err)
	}
	reference := strings.TrimSpace(resp.ExternalReference)
	if !resp.Success() || reference == "" {
		cause := declined("eligibility check", resp.CarrierResult)
		return o.finish(ctx, tx.ID, domain.StepEligibilityCheck, domain.ErrorKindBusiness,
			domain.TransactionStatusFailedEligibilityCheck, domain.TransitionFields{FailureReason: reasonFor(resp.CarrierResult, "empty external reference")}, cause)
	}

	tx, err = o.transactions.Transition(ctx, tx.ID, domain.TransactionStatusWaitingForEligibility, domain.TransitionFields{ExternalReference: reference})
	if err != nil {
		return transientError(domain.StepEligibilityCheck, run.tx.Status, fmt.Errorf("enter %s: %w", domain.TransactionStatusWaitingForEligibility, err))
	}
	run.tx = tx
	return nil
}

func (o *Orchestrator) awaitEligibility(ctx context.Context, run *purchaseRun) error {
	result, err := o.poller.Await(ctx, run.token, run.tx.ExternalReference)
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("poll.attempts", result.Attempts))
	if err != nil {
		if errors.Is(err, domain.ErrEligibilityTimeout) {
			return o.finish(ctx, run.tx.ID, domain.StepEligibilityWait, domain.ErrorKindTimeout,
				domain.TransactionStatusFailedEligibilityTimeout, domain.TransitionFields{FailureReason: err.Error()}, err)
		}
		return transientError(domain.StepEligibilityWait, run.tx.Status, err)
	}

	tx, err := o.transactions.Transition(ctx, run.tx.ID, domain.TransactionStatusInitiatingPayment, domain.TransitionFields{})
	if err != nil {
		return transientError(domain.StepEligibilityWait, run.tx.Status, fmt.Errorf("enter %s: %w", domain.TransactionStatusInitiatingPayment, err))
	}
	run.tx = tx
	return nil
}

func (o *Orchestrator) initiatePayment(ctx context.Context, run *purchaseRun) error {
	resp, err := o.carrier.InitiatePayment(ctx, run.token, run.tx.ExternalReference, run.request)
	if err != nil {
		return transientError(domain.StepPaymentInitiation, run.tx.Status, err)
	}
	artifact := strings.TrimSpace(resp.PaymentArtifact)
	if !resp.Success() || artifact == "" {
		cause := declined("payment initiation", resp.CarrierResult)
		return o.finish(ctx, run.tx.ID, domain.StepPaymentInitiation, domain.ErrorKindBusiness,
			domain.TransactionStatusFailedPaymentInitiation, domain.TransitionFields{FailureReason: reasonFor(resp.CarrierResult, "empty payment artifact")}, cause)
	}

	tx, err := o.transactions.Transition(ctx, run.tx.ID, domain.TransactionStatusSuccess, domain.TransitionFields{PaymentArtifact: artifact})
	if err != nil {
		return transientError(domain.StepPaymentInitiation, run.tx.Status, fmt.Errorf("enter %s: %w", domain.TransactionStatusSuccess, err))
	}
	run.tx = tx
	return nil
}

// finish переводит транзакцию в конечный FAILED_* статус и возвращает типизированную ошибку шага.
// Если запись не удалась, ошибка транзиентная и задача будет повторена.
func (o *Orchestrator) finish(
	ctx context.Context,
	id string,
	step domain.Step,
	kind domain.ErrorKind,
	to domain.TransactionStatus,
	fields domain.TransitionFields,
	cause error,
) error {
	if _, err := o.transactions.Transition(ctx, id, to, fields); err != nil {
		return transientError(step, "", fmt.Errorf("record %s: %w", to, err))
	}
	return &domain.StepError{Kind: kind, Step: step, Status: to, Err: cause}
}

// step оборачивает шаг в span и замеряет длительность.
func (o *Orchestrator) step(ctx context.Context, step domain.Step, fn func(ctx context.Context) error) error {
	ctx, span := o.tracer.Start(ctx, "purchase."+string(step))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	o.metrics.RecordStepDuration(string(step), time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(domain.KindOf(err)))
	}
	return err
}

func (o *Orchestrator) report(logger *log.Entry, err error) error {
	var stepErr *domain.StepError
	if !errors.As(err, &stepErr) {
		logger.WithError(err).Warn("purchase attempt failed")
		return err
	}
	entry := logger.WithFields(log.Fields{
		"step": stepErr.Step,
		"kind": stepErr.Kind,
	})
	if stepErr.Terminal() {
		entry.WithField("status", stepErr.Status).WithError(stepErr.Err).Info("purchase finished with failure")
	} else {
		entry.WithError(stepErr.Err).Warn("purchase attempt failed with transient error")
	}
	return err
}

// outcome — метка результата попытки для метрик: конечный статус либо вид ошибки.
func runOutcome(err error) string {
	if err == nil {
		return string(domain.TransactionStatusSuccess)
	}
	var stepErr *domain.StepError
	if errors.As(err, &stepErr) && stepErr.Terminal() && stepErr.Status != "" {
		return string(stepErr.Status)
	}
	return string(domain.ErrorKindTransient)
}

func transientError(step domain.Step, status domain.TransactionStatus, err error) error {
	return &domain.StepError{Kind: domain.ErrorKindTransient, Step: step, Status: status, Err: err}
}

func declined(operation string, result domain.CarrierResult) error {
	return fmt.Errorf("%w: %s: status %q: %s", domain.ErrCarrierDeclined, operation, result.Status, result.Message)
}

func reasonFor(result domain.CarrierResult, fallback string) string {
	if msg := strings.TrimSpace(result.Message); msg != "" && !result.Success() {
		return msg
	}
	return fallback
}

var _ Runner = (*Orchestrator)(nil)
