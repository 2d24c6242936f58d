package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/pps/internal/messaging/kafka"
)

const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
	StorageDriverBolt     = "bolt"

	QueueDriverMemory = "memory"
	QueueDriverRedis  = "redis"
)

// Переменные окружения сервиса.
const (
	EnvHTTPAddr                = "PPS_HTTP_ADDR"
	EnvMetricsAddr             = "PPS_METRICS_ADDR"
	EnvGRPCHealthAddr          = "PPS_GRPC_HEALTH_ADDR"
	EnvStorageDriver           = "PPS_STORAGE_DRIVER"
	EnvPostgresDSN             = "PPS_POSTGRES_DSN"
	EnvPostgresAutoMigrate     = "PPS_POSTGRES_AUTO_MIGRATE"
	EnvBoltPath                = "PPS_BOLT_PATH"
	EnvQueueDriver             = "PPS_QUEUE_DRIVER"
	EnvRedisAddr               = "PPS_REDIS_ADDR"
	EnvRedisPassword           = "PPS_REDIS_PASSWORD"
	EnvRedisDB                 = "PPS_REDIS_DB"
	EnvQueueKey                = "PPS_QUEUE_KEY"
	EnvWorkers                 = "PPS_WORKERS"
	EnvQueueSize               = "PPS_QUEUE_SIZE"
	EnvTaskMaxAttempts         = "PPS_TASK_MAX_ATTEMPTS"
	EnvTaskRetryDelay          = "PPS_TASK_RETRY_DELAY"
	EnvTaskMaxRetryDelay       = "PPS_TASK_MAX_RETRY_DELAY"
	EnvEligibilityMaxAttempts  = "PPS_ELIGIBILITY_MAX_ATTEMPTS"
	EnvEligibilityInterval     = "PPS_ELIGIBILITY_INTERVAL"
	EnvRecoveryInterval        = "PPS_RECOVERY_INTERVAL"
	EnvRecoveryStaleAfter      = "PPS_RECOVERY_STALE_AFTER"
	EnvCarrierBaseURL          = "PPS_CARRIER_BASE_URL"
	EnvCarrierTimeout          = "PPS_CARRIER_TIMEOUT"
	EnvCarrierMock             = "PPS_CARRIER_MOCK"
	EnvCatalogFile             = "PPS_CATALOG_FILE"
	EnvKafkaBrokers            = "PPS_KAFKA_BROKERS"
	EnvKafkaTopic              = "PPS_KAFKA_TOPIC"
	EnvOutboxPollInterval      = "PPS_OUTBOX_POLL_INTERVAL"
	EnvOutboxBatchSize         = "PPS_OUTBOX_BATCH_SIZE"
	EnvOutboxMaxAttempts       = "PPS_OUTBOX_MAX_ATTEMPTS"
	EnvOTLPEndpoint            = "PPS_OTLP_ENDPOINT"
	EnvLogLevel                = "PPS_LOG_LEVEL"
	EnvLogFormat               = "PPS_LOG_FORMAT"
)

const (
	defaultCarrierBreakerLimit = 5
	defaultCarrierBreakerReset = 30 * time.Second
	defaultOutboxBacklogLimit  = 1000
)

// Config описывает настройки запуска сервиса.
type Config struct {
	HTTPAddr       string
	MetricsAddr    string
	GRPCHealthAddr string

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool
	BoltPath            string

	QueueDriver   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	QueueKey      string
	QueueSize     int

	Workers           int
	TaskMaxAttempts   int
	TaskRetryDelay    time.Duration
	TaskMaxRetryDelay time.Duration

	EligibilityMaxAttempts int
	EligibilityInterval    time.Duration

	RecoveryInterval   time.Duration
	RecoveryStaleAfter time.Duration

	CarrierBaseURL string
	CarrierTimeout time.Duration
	CarrierMock    bool
	CatalogFile    string

	KafkaBrokers       string
	KafkaTopic         string
	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int

	OTLPEndpoint string
	LogLevel     string
	LogFormat    string
}

// DefaultConfig возвращает настройки для локального запуска без внешних зависимостей.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:       ":8080",
		MetricsAddr:    ":9090",
		GRPCHealthAddr: ":50051",

		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,
		BoltPath:            "pps.db",

		QueueDriver: QueueDriverMemory,
		RedisAddr:   "localhost:6379",
		QueueKey:    "pps:jobs",
		QueueSize:   1024,

		Workers:           4,
		TaskMaxAttempts:   3,
		TaskRetryDelay:    time.Second,
		TaskMaxRetryDelay: 30 * time.Second,

		EligibilityMaxAttempts: 6,
		EligibilityInterval:    2 * time.Second,

		RecoveryInterval:   30 * time.Second,
		RecoveryStaleAfter: 2 * time.Minute,

		CarrierTimeout: 30 * time.Second,
		CarrierMock:    true,

		KafkaTopic:         kafka.TopicPurchaseEvents,
		OutboxPollInterval: time.Second,
		OutboxBatchSize:    100,
		OutboxMaxAttempts:  3,

		LogLevel:  "info",
		LogFormat: "text",
	}
}

type envLookup func(key string) (string, bool)

// ConfigFromEnv читает конфигурацию из окружения. Некорректное значение не
// прерывает запуск: остаётся значение по умолчанию и добавляется предупреждение.
func ConfigFromEnv(lookup envLookup) (Config, []string) {
	cfg := DefaultConfig()
	var warnings []string

	warn := func(key, raw string, err error) {
		warnings = append(warnings, fmt.Sprintf("invalid %s=%q: %v; using default", key, raw, err))
	}

	str := func(key string, dst *string) {
		if raw, ok := lookup(key); ok && strings.TrimSpace(raw) != "" {
			*dst = strings.TrimSpace(raw)
		}
	}
	boolean := func(key string, dst *bool) {
		raw, ok := lookup(key)
		if !ok || strings.TrimSpace(raw) == "" {
			return
		}
		v, err := parseBool(raw)
		if err != nil {
			warn(key, raw, err)
			return
		}
		*dst = v
	}
	integer := func(key string, dst *int, valid func(int) bool, rule string) {
		raw, ok := lookup(key)
		if !ok || strings.TrimSpace(raw) == "" {
			return
		}
		v, err := parseInt(raw, valid, rule)
		if err != nil {
			warn(key, raw, err)
			return
		}
		*dst = v
	}
	duration := func(key string, dst *time.Duration, valid func(time.Duration) bool, rule string) {
		raw, ok := lookup(key)
		if !ok || strings.TrimSpace(raw) == "" {
			return
		}
		v, err := parseDuration(raw, valid, rule)
		if err != nil {
			warn(key, raw, err)
			return
		}
		*dst = v
	}

	positive := func(v int) bool { return v > 0 }
	nonNegative := func(v int) bool { return v >= 0 }
	positiveDuration := func(v time.Duration) bool { return v > 0 }
	nonNegativeDuration := func(v time.Duration) bool { return v >= 0 }

	str(EnvHTTPAddr, &cfg.HTTPAddr)
	str(EnvMetricsAddr, &cfg.MetricsAddr)
	str(EnvGRPCHealthAddr, &cfg.GRPCHealthAddr)

	if raw, ok := lookup(EnvStorageDriver); ok && strings.TrimSpace(raw) != "" {
		driver := strings.ToLower(strings.TrimSpace(raw))
		switch driver {
		case StorageDriverMemory, StorageDriverPostgres, StorageDriverBolt:
			cfg.StorageDriver = driver
		default:
			warn(EnvStorageDriver, raw, fmt.Errorf("unsupported storage driver"))
		}
	}
	str(EnvPostgresDSN, &cfg.PostgresDSN)
	boolean(EnvPostgresAutoMigrate, &cfg.PostgresAutoMigrate)
	str(EnvBoltPath, &cfg.BoltPath)

	if raw, ok := lookup(EnvQueueDriver); ok && strings.TrimSpace(raw) != "" {
		driver := strings.ToLower(strings.TrimSpace(raw))
		switch driver {
		case QueueDriverMemory, QueueDriverRedis:
			cfg.QueueDriver = driver
		default:
			warn(EnvQueueDriver, raw, fmt.Errorf("unsupported queue driver"))
		}
	}
	str(EnvRedisAddr, &cfg.RedisAddr)
	if raw, ok := lookup(EnvRedisPassword); ok {
		cfg.RedisPassword = raw
	}
	integer(EnvRedisDB, &cfg.RedisDB, nonNegative, "must be >= 0")
	str(EnvQueueKey, &cfg.QueueKey)
	integer(EnvQueueSize, &cfg.QueueSize, positive, "must be > 0")

	integer(EnvWorkers, &cfg.Workers, positive, "must be > 0")
	integer(EnvTaskMaxAttempts, &cfg.TaskMaxAttempts, positive, "must be > 0")
	duration(EnvTaskRetryDelay, &cfg.TaskRetryDelay, nonNegativeDuration, "must be >= 0")
	duration(EnvTaskMaxRetryDelay, &cfg.TaskMaxRetryDelay, nonNegativeDuration, "must be >= 0")

	integer(EnvEligibilityMaxAttempts, &cfg.EligibilityMaxAttempts, positive, "must be > 0")
	duration(EnvEligibilityInterval, &cfg.EligibilityInterval, nonNegativeDuration, "must be >= 0")

	duration(EnvRecoveryInterval, &cfg.RecoveryInterval, positiveDuration, "must be > 0")
	duration(EnvRecoveryStaleAfter, &cfg.RecoveryStaleAfter, positiveDuration, "must be > 0")

	str(EnvCarrierBaseURL, &cfg.CarrierBaseURL)
	duration(EnvCarrierTimeout, &cfg.CarrierTimeout, positiveDuration, "must be > 0")
	boolean(EnvCarrierMock, &cfg.CarrierMock)
	str(EnvCatalogFile, &cfg.CatalogFile)

	str(EnvKafkaBrokers, &cfg.KafkaBrokers)
	str(EnvKafkaTopic, &cfg.KafkaTopic)
	duration(EnvOutboxPollInterval, &cfg.OutboxPollInterval, positiveDuration, "must be > 0")
	integer(EnvOutboxBatchSize, &cfg.OutboxBatchSize, positive, "must be > 0")
	integer(EnvOutboxMaxAttempts, &cfg.OutboxMaxAttempts, positive, "must be > 0")

	str(EnvOTLPEndpoint, &cfg.OTLPEndpoint)
	str(EnvLogLevel, &cfg.LogLevel)
	str(EnvLogFormat, &cfg.LogFormat)

	return cfg, warnings
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("expected one of true/false/yes/no/on/off/1/0")
	}
}

func parseInt(raw string, valid func(int) bool, rule string) (int, error) {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if valid != nil && !valid(value) {
		return 0, fmt.Errorf("%s", rule)
	}
	return value, nil
}

func parseDuration(raw string, valid func(time.Duration) bool, rule string) (time.Duration, error) {
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if valid != nil && !valid(value) {
		return 0, fmt.Errorf("%s", rule)
	}
	return value, nil
}
