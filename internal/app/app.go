package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/vladislavdragonenkov/pps/internal/api/httpapi"
	"github.com/vladislavdragonenkov/pps/internal/health"
	"github.com/vladislavdragonenkov/pps/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/pps/internal/metrics"
	"github.com/vladislavdragonenkov/pps/internal/service/outbox"
	"github.com/vladislavdragonenkov/pps/internal/service/purchase"
	"github.com/vladislavdragonenkov/pps/internal/version"
)

const (
	shutdownTimeout    = 5 * time.Second
	grpcHealthService  = "pps.PurchaseService"
	grpcHealthInterval = 5 * time.Second
	readHeaderTimeout  = 5 * time.Second
)

// service — собранное приложение без открытых сокетов.
type service struct {
	cfg       Config
	logger    *log.Entry
	deps      *Dependencies
	producer  *kafka.Producer
	scheduler *purchase.Scheduler
	status    *purchase.StatusService
	outbox    *outbox.Worker
	router    http.Handler
	health    *health.Handler

	shutdownTracing func(context.Context) error
}

// newService собирает зависимости и сервисы по конфигурации.
func newService(ctx context.Context, cfg Config, logger *log.Entry) (*service, error) {
	shutdownTracing, err := initTracing(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		return nil, err
	}

	deps, err := NewDependencies(ctx, cfg, logger)
	if err != nil {
		_ = shutdownTracing(ctx)
		return nil, err
	}

	// Брокер опционален: без него события outbox пишутся в лог.
	producer, _ := initKafkaProducer(cfg.KafkaBrokers, logger)
	publisher, dlq := outboxPublishers(producer, cfg.KafkaTopic, logger)

	purchaseMetrics := metrics.NewPurchaseMetrics()
	serviceLogger := logger.WithField("layer", "purchase")

	poller := purchase.NewPoller(deps.Carrier, purchase.PollerConfig{
		MaxAttempts: cfg.EligibilityMaxAttempts,
		Interval:    cfg.EligibilityInterval,
	}, serviceLogger, purchaseMetrics)
	orchestrator := purchase.NewOrchestrator(deps.Transactions, deps.Catalog, deps.Carrier, poller, serviceLogger, purchaseMetrics)

	schedulerCfg := purchase.DefaultSchedulerConfig()
	schedulerCfg.Workers = cfg.Workers
	schedulerCfg.Retry.MaxAttempts = cfg.TaskMaxAttempts
	schedulerCfg.Retry.InitialDelay = cfg.TaskRetryDelay
	schedulerCfg.Retry.MaxDelay = cfg.TaskMaxRetryDelay
	schedulerCfg.RecoveryInterval = cfg.RecoveryInterval
	schedulerCfg.StaleAfter = cfg.RecoveryStaleAfter
	scheduler := purchase.NewScheduler(deps.Transactions, deps.Queue, deps.Locker, orchestrator, schedulerCfg, serviceLogger, purchaseMetrics)

	status := purchase.NewStatusService(deps.Transactions)

	httpLogger := logger.WithField("layer", "http")
	router := httpapi.NewRouter(
		httpapi.NewHandler(scheduler, status, httpLogger),
		httpapi.NewMetrics(prometheus.DefaultRegisterer),
		httpLogger,
	)

	v, _, _ := version.Info()
	healthHandler := health.NewHandler(v)
	deps.RegisterChecks(healthHandler)

	outboxCfg := outbox.DefaultConfig()
	outboxCfg.PollInterval = cfg.OutboxPollInterval
	outboxCfg.BatchSize = cfg.OutboxBatchSize
	outboxCfg.MaxAttempts = cfg.OutboxMaxAttempts
	worker := outbox.NewWorker(deps.Outbox, publisher, dlq, outboxCfg, logger.WithField("component", "outbox-worker"))

	return &service{
		cfg:             cfg,
		logger:          logger,
		deps:            deps,
		producer:        producer,
		scheduler:       scheduler,
		status:          status,
		outbox:          worker,
		router:          router,
		health:          healthHandler,
		shutdownTracing: shutdownTracing,
	}, nil
}

// close освобождает ресурсы после остановки всех горутин.
func (s *service) close() {
	closeKafka(s.producer, s.logger)
	s.deps.Close()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.shutdownTracing(ctx); err != nil {
		s.logger.WithError(err).Warn("failed to shutdown tracer provider")
	}
}

// Run запускает HTTP API, сервер метрик, gRPC health, воркеры и outbox
// до отмены ctx. Возвращает первую ошибку запуска любого из компонентов.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")

	svc, err := newService(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.close()

	apiSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: svc.router, ReadHeaderTimeout: readHeaderTimeout}
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux(svc.health), ReadHeaderTimeout: readHeaderTimeout}
	grpcServer, healthServer := newGRPCServer(logger)

	lis, err := net.Listen("tcp", cfg.GRPCHealthAddr)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.WithField("addr", cfg.HTTPAddr).Info("http api listening")
		return serveHTTP(apiSrv)
	})
	g.Go(func() error {
		logger.Infof("metrics available at %s/metrics", cfg.MetricsAddr)
		logger.Infof("health checks: %s/healthz, %s/livez, %s/readyz", cfg.MetricsAddr, cfg.MetricsAddr, cfg.MetricsAddr)
		return serveHTTP(metricsSrv)
	})
	g.Go(func() error {
		logger.WithField("addr", cfg.GRPCHealthAddr).Info("grpc health server listening")
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		svc.health.SyncGRPC(gctx, healthServer, grpcHealthService, grpcHealthInterval)
		return nil
	})
	g.Go(func() error {
		return svc.scheduler.Run(gctx)
	})
	g.Go(func() error {
		return svc.outbox.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received, stopping servers")
		shutdownHTTP(apiSrv, logger)
		shutdownHTTP(metricsSrv, logger)
		stopGRPC(grpcServer, healthServer, logger)
		return nil
	})

	err = g.Wait()
	logger.Info("all components stopped")
	if err != nil {
		return err
	}
	return ctx.Err()
}

func metricsMux(healthHandler *health.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/livez", health.LivenessHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)
	return mux
}

// newGRPCServer создаёт gRPC сервер со стандартным health-сервисом и reflection.
func newGRPCServer(logger *log.Entry) (*grpc.Server, *grpchealth.Server) {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok2 := are.ExistingCollector.(*promgrpc.ServerMetrics); ok2 {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}

	server := grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(grpcMetrics.StreamServerInterceptor()),
	)

	healthServer := grpchealth.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, healthServer)
	reflection.Register(server)
	grpcMetrics.InitializeMetrics(server)

	return server, healthServer
}

func serveHTTP(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).WithField("addr", srv.Addr).Warn("http shutdown with error")
	}
}

// stopGRPC пробует GracefulStop и принудительно останавливает сервер по таймауту.
func stopGRPC(server *grpc.Server, healthServer *grpchealth.Server, logger *log.Entry) {
	healthServer.Shutdown()

	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownTimeout):
		logger.Warn("graceful stop timed out, forcing grpc stop")
		server.Stop()
	}
}
