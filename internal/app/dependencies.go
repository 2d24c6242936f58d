package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/pps/internal/carrier"
	"github.com/vladislavdragonenkov/pps/internal/domain"
	"github.com/vladislavdragonenkov/pps/internal/health"
	"github.com/vladislavdragonenkov/pps/internal/queue"
	"github.com/vladislavdragonenkov/pps/internal/storage/bolt"
	"github.com/vladislavdragonenkov/pps/internal/storage/memory"
	"github.com/vladislavdragonenkov/pps/internal/storage/postgres"
)

// Dependencies содержит инфраструктуру, собранную по конфигурации.
type Dependencies struct {
	Transactions domain.TransactionRepository
	Outbox       domain.OutboxRepository
	Catalog      domain.CatalogRepository
	Carrier      domain.CarrierClient
	Queue        queue.Queue
	Locker       queue.Locker
	Logger       *log.Entry

	checks  map[string]health.Checker
	closers []func() error
}

// NewDependencies собирает хранилище, справочник, очередь и клиента оператора.
// При ошибке уже открытые ресурсы закрываются.
func NewDependencies(ctx context.Context, cfg Config, logger *log.Entry) (deps *Dependencies, err error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}
	deps = &Dependencies{
		Logger: logger,
		checks: make(map[string]health.Checker),
	}
	defer func() {
		if err != nil {
			deps.Close()
			deps = nil
		}
	}()

	if err = deps.initStorage(ctx, cfg); err != nil {
		return deps, err
	}
	if err = deps.initCatalog(cfg); err != nil {
		return deps, err
	}
	if err = deps.initQueue(ctx, cfg); err != nil {
		return deps, err
	}
	if err = deps.initCarrier(cfg); err != nil {
		return deps, err
	}

	deps.checks["outbox"] = health.BacklogChecker("outbox", defaultOutboxBacklogLimit, func(ctx context.Context) (int, error) {
		stats, err := deps.Outbox.Stats(ctx)
		return stats.PendingCount, err
	})

	return deps, nil
}

// initStorage открывает хранилище транзакций. Outbox всегда берётся из того же
// хранилища, чтобы событие записывалось вместе с переходом статуса.
func (d *Dependencies) initStorage(ctx context.Context, cfg Config) error {
	logger := d.Logger.WithField("storage_driver", cfg.StorageDriver)

	switch cfg.StorageDriver {
	case "", StorageDriverMemory:
		store := memory.NewStore()
		d.Transactions = store
		d.Outbox = store.Outbox()
		logger.Info("using in-memory transaction store")

	case StorageDriverPostgres:
		if cfg.PostgresDSN == "" {
			return errors.New("postgres dsn is required for postgres storage driver")
		}
		store, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		d.closers = append(d.closers, store.Close)

		if cfg.PostgresAutoMigrate {
			if err := store.MigrateUp(ctx, 0); err != nil {
				return fmt.Errorf("apply postgres migrations: %w", err)
			}
			logger.Info("postgres migrations applied")
		}

		d.Transactions = postgres.NewTransactionRepository(store)
		d.Outbox = postgres.NewOutboxRepository(store)
		d.Catalog = postgres.NewCatalogRepository(store)
		d.checks["storage"] = health.NewSimpleChecker("storage", store.Ping)
		logger.Info("using postgres transaction store")

	case StorageDriverBolt:
		store, err := bolt.Open(cfg.BoltPath)
		if err != nil {
			return err
		}
		d.closers = append(d.closers, store.Close)
		d.Transactions = store
		d.Outbox = store.Outbox()
		logger.WithField("path", cfg.BoltPath).Info("using bolt transaction store")

	default:
		return fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
	return nil
}

// initCatalog использует таблицы postgres, если они доступны, иначе in-memory
// справочник, который можно заполнить из PPS_CATALOG_FILE.
func (d *Dependencies) initCatalog(cfg Config) error {
	if d.Catalog != nil && cfg.CatalogFile == "" {
		return nil
	}

	catalog := memory.NewCatalogRepository()
	if cfg.CatalogFile != "" {
		users, packages, err := catalog.LoadCatalogFile(cfg.CatalogFile)
		if err != nil {
			return fmt.Errorf("load catalog: %w", err)
		}
		d.Logger.WithFields(log.Fields{
			"file":     cfg.CatalogFile,
			"users":    users,
			"packages": packages,
		}).Info("catalog loaded")
	} else {
		d.Logger.Warn("catalog file is not set, catalog is empty")
	}
	d.Catalog = catalog
	return nil
}

func (d *Dependencies) initQueue(ctx context.Context, cfg Config) error {
	switch cfg.QueueDriver {
	case "", QueueDriverMemory:
		q := queue.NewMemoryQueue(cfg.QueueSize)
		d.Queue = q
		d.Locker = queue.NewMemoryLocker()
		d.closers = append(d.closers, q.Close)
		d.checks["queue"] = health.BacklogChecker("queue", cfg.QueueSize, func(context.Context) (int, error) {
			return q.Len(), nil
		})

	case QueueDriverRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		d.closers = append(d.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
		}

		q := queue.NewRedisQueue(client, cfg.QueueKey)
		d.Queue = q
		d.Locker = queue.NewRedisLocker(client)
		d.closers = append(d.closers, q.Close)
		d.checks["queue"] = health.BacklogChecker("queue", cfg.QueueSize, func(ctx context.Context) (int, error) {
			n, err := q.Len(ctx)
			return int(n), err
		})
		d.Logger.WithFields(log.Fields{
			"addr": cfg.RedisAddr,
			"key":  cfg.QueueKey,
		}).Info("using redis job queue")

	default:
		return fmt.Errorf("unsupported queue driver %q", cfg.QueueDriver)
	}
	return nil
}

// initCarrier создаёт клиента оператора. Реальный клиент оборачивается в circuit breaker.
func (d *Dependencies) initCarrier(cfg Config) error {
	if cfg.CarrierMock || cfg.CarrierBaseURL == "" {
		if !cfg.CarrierMock {
			d.Logger.Warn("carrier base url is not set, using mock carrier")
		}
		d.Carrier = carrier.NewMockClient()
		return nil
	}

	logger := d.Logger.WithField("layer", "carrier")
	client, err := carrier.NewHTTPClient(carrier.Options{
		BaseURL: cfg.CarrierBaseURL,
		Timeout: cfg.CarrierTimeout,
		Signer:  carrier.TokenSigner{},
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	breaker := carrier.NewCircuitBreaker(defaultCarrierBreakerLimit, defaultCarrierBreakerReset, logger)
	d.Carrier = carrier.NewBreakerClient(client, breaker)
	d.Logger.WithField("base_url", cfg.CarrierBaseURL).Info("using carrier http client")
	return nil
}

// RegisterChecks добавляет проверки компонентов в health handler.
func (d *Dependencies) RegisterChecks(h *health.Handler) {
	for name, checker := range d.checks {
		h.RegisterChecker(name, checker)
	}
}

// Close освобождает ресурсы в обратном порядке открытия.
func (d *Dependencies) Close() {
	if d == nil {
		return
	}
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			d.Logger.WithError(err).Warn("failed to close dependency")
		}
	}
	d.closers = nil
}
