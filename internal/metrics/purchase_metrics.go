package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PurchaseMetrics содержит метрики оркестрации покупок и планировщика задач.
// Методы безопасны для nil-получателя.
type PurchaseMetrics struct {
	// Оркестрация
	runsStarted  prometheus.Counter
	outcomes     *prometheus.CounterVec
	runDuration  prometheus.Histogram
	stepDuration *prometheus.HistogramVec
	runsInFlight prometheus.Gauge
	pollAttempts prometheus.Histogram

	// Приём заявок и планировщик
	submissions     *prometheus.CounterVec
	jobRetries      prometheus.Counter
	retryExhausted  prometheus.Counter
	enqueueFailures prometheus.Counter
	recovered       prometheus.Counter
}

// NewPurchaseMetrics регистрирует метрики в DefaultRegisterer.
func NewPurchaseMetrics() *PurchaseMetrics {
	return NewPurchaseMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewPurchaseMetricsWithRegisterer регистрирует метрики в переданном registerer.
// Повторная регистрация возвращает уже существующие коллекторы.
func NewPurchaseMetricsWithRegisterer(registerer prometheus.Registerer) *PurchaseMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &PurchaseMetrics{
		runsStarted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "pps_purchase_runs_total",
			Help: "Total number of orchestration runs started",
		}),
		outcomes: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "pps_purchase_outcomes_total",
			Help: "Total number of orchestration runs by resulting status",
		}, []string{"status"}),
		runDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "pps_purchase_run_duration_seconds",
			Help:    "Duration of orchestration runs in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
		}),
		stepDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "pps_purchase_step_duration_seconds",
			Help:    "Duration of individual orchestration steps in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 15.0},
		}, []string{"step"}),
		runsInFlight: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "pps_purchase_runs_in_flight",
			Help: "Number of orchestration runs currently executing",
		}),
		pollAttempts: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "pps_eligibility_poll_attempts",
			Help:    "Number of eligibility status polls per wait step",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10},
		}),
		submissions: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "pps_purchase_submissions_total",
			Help: "Total number of purchase submissions by result",
		}, []string{"result"}),
		jobRetries: registerCounter(registerer, prometheus.CounterOpts{
			Name: "pps_scheduler_job_retries_total",
			Help: "Total number of job retries after transient errors",
		}),
		retryExhausted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "pps_scheduler_retry_exhausted_total",
			Help: "Total number of jobs that spent the whole retry budget",
		}),
		enqueueFailures: registerCounter(registerer, prometheus.CounterOpts{
			Name: "pps_scheduler_enqueue_failures_total",
			Help: "Total number of jobs that could not be enqueued",
		}),
		recovered: registerCounter(registerer, prometheus.CounterOpts{
			Name: "pps_scheduler_recovered_total",
			Help: "Total number of stale transactions re-enqueued by the recovery sweep",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogram(registerer prometheus.Registerer, opts prometheus.HistogramOpts) prometheus.Histogram {
	collector := prometheus.NewHistogram(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Histogram)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}

// RecordRunStarted увеличивает счётчик запусков и число активных запусков.
func (m *PurchaseMetrics) RecordRunStarted() {
	if m == nil {
		return
	}
	m.runsStarted.Inc()
	m.runsInFlight.Inc()
}

// RecordRunFinished фиксирует статус транзакции после запуска и его длительность.
func (m *PurchaseMetrics) RecordRunFinished(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.runsInFlight.Dec()
	m.outcomes.WithLabelValues(status).Inc()
	m.runDuration.Observe(duration.Seconds())
}

// RecordStepDuration записывает время выполнения шага.
func (m *PurchaseMetrics) RecordStepDuration(step string, duration time.Duration) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// RecordPollAttempts записывает число опросов статуса доступности.
func (m *PurchaseMetrics) RecordPollAttempts(attempts int) {
	if m == nil {
		return
	}
	m.pollAttempts.Observe(float64(attempts))
}

// RecordSubmission считает заявки: accepted, conflict или rejected.
func (m *PurchaseMetrics) RecordSubmission(result string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(result).Inc()
}

// RecordJobRetry увеличивает счётчик повторов задачи.
func (m *PurchaseMetrics) RecordJobRetry() {
	if m == nil {
		return
	}
	m.jobRetries.Inc()
}

// RecordRetryExhausted увеличивает счётчик задач, исчерпавших бюджет повторов.
func (m *PurchaseMetrics) RecordRetryExhausted() {
	if m == nil {
		return
	}
	m.retryExhausted.Inc()
}

// RecordEnqueueFailure увеличивает счётчик неудачных постановок в очередь.
func (m *PurchaseMetrics) RecordEnqueueFailure() {
	if m == nil {
		return
	}
	m.enqueueFailures.Inc()
}

// RecordRecovered увеличивает счётчик транзакций, возвращённых в очередь.
func (m *PurchaseMetrics) RecordRecovered() {
	if m == nil {
		return
	}
	m.recovered.Inc()
}
