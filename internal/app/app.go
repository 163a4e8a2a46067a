// Package app собирает сервис расписания подарков: хранилище, очередь доставки, воркеры и gRPC.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/vladislavdragonenkov/giftsched/internal/clock"
	healthcheck "github.com/vladislavdragonenkov/giftsched/internal/health"
	"github.com/vladislavdragonenkov/giftsched/internal/metrics"
	"github.com/vladislavdragonenkov/giftsched/internal/service/delivery"
	grpcsvc "github.com/vladislavdragonenkov/giftsched/internal/service/grpc"
	"github.com/vladislavdragonenkov/giftsched/internal/service/idempotency"
	"github.com/vladislavdragonenkov/giftsched/internal/service/inventory"
	"github.com/vladislavdragonenkov/giftsched/internal/service/outbox"
	"github.com/vladislavdragonenkov/giftsched/internal/service/payment"
	"github.com/vladislavdragonenkov/giftsched/internal/service/reconcile"
	"github.com/vladislavdragonenkov/giftsched/internal/service/saga"
	"github.com/vladislavdragonenkov/giftsched/internal/tracing"
	"github.com/vladislavdragonenkov/giftsched/internal/version"
)

const (
	serviceName         = "giftsched"
	shutdownTimeout     = 5 * time.Second
	healthWatchInterval = 10 * time.Second
)

// Run поднимает сервис и блокируется до отмены ctx или падения gRPC сервера.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")
	if err := cfg.Validate(); err != nil {
		return err
	}

	shutdownTracing, err := tracing.Init(tracing.Config{
		Enabled:     cfg.TracingEnabled,
		ServiceName: serviceName,
		Environment: cfg.Environment,
		Logger:      logger.WithField("component", "tracing"),
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.WithError(err).Warn("tracing shutdown with error")
		}
	}()

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeWith(deps.closeFn, "storage", logger)

	queueDeps, err := initQueue(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeWith(queueDeps.closeFn, "redis", logger)

	cipher, err := initCipher(cfg, logger)
	if err != nil {
		return err
	}
	mailer, err := initMailer(cfg, logger)
	if err != nil {
		return err
	}

	sink, _ := openNotificationSink(cfg, logger)
	defer sink.Close()

	clk := clock.NewRealClock()
	pipelineMetrics := metrics.NewPipelineMetrics()
	queue := queueDeps.queue

	dispatcher := delivery.NewDispatcher(deps.uow, queue, cipher, clk, cfg.QueueMaxAttempts, logger.WithField("component", "dispatcher"))

	// Настоящего платёжного провайдера нет: mock за circuit breaker.
	gateway := payment.NewGuardedGateway(
		payment.NewMockGateway(),
		payment.NewCircuitBreaker(payment.BreakerConfig{
			MaxFailures: cfg.PaymentBreakerFailures,
			Cooldown:    cfg.PaymentBreakerReset,
			Clock:       clk,
			Logger:      logger.WithField("component", "payment"),
		}),
	)

	orchestrator := saga.NewOrchestrator(deps.uow, deps.wallet, gateway, queue, dispatcher,
		saga.WithLogger(logger.WithField("component", "saga")),
		saga.WithClock(clk),
		saga.WithMetrics(pipelineMetrics),
		saga.WithIdempotency(deps.idempotencyRepo, cfg.IdempotencyTTL),
		saga.WithPaymentTimeout(cfg.PaymentTimeout),
		saga.WithCurrency(cfg.PaymentCurrency),
		saga.WithLowStockThreshold(cfg.LowStockThreshold),
	)

	reconciler := reconcile.NewReconciler(deps.uow, queue, reconcile.Config{
		Logger:   logger.WithField("component", "reconciler"),
		Clock:    clk,
		Metrics:  pipelineMetrics,
		Locker:   queueDeps.locker,
		Interval: cfg.ReconcileInterval,
	})
	views := reconcile.NewViews(deps.uow, queue, clk, pipelineMetrics, cfg.ViewsPageSize)
	admin := reconcile.NewAdmin(queue, clk, logger.WithField("component", "queue-admin"),
		reconcile.WithRedelivery(deps.uow, dispatcher.Enqueue),
	)
	intake := inventory.NewIntake(deps.uow, cipher, clk, logger.WithField("component", "inventory"))

	if deps.memoryStore != nil && cfg.SeedDemoData {
		if err := seedDemoData(ctx, deps.memoryStore, intake, logger); err != nil {
			return err
		}
	}

	deliveryWorker := delivery.NewWorker(queue, deps.uow, mailer,
		delivery.WithLogger(logger.WithField("component", "delivery-worker")),
		delivery.WithClock(clk),
		delivery.WithMetrics(pipelineMetrics),
		delivery.WithPollInterval(cfg.QueuePollInterval),
		delivery.WithConcurrency(cfg.WorkerConcurrency),
		delivery.WithTerminalHook(reconciler.OnTerminal),
	)
	outboxRelay := outbox.NewRelay(deps.outboxRepo,
		outbox.NewRouter(dispatcher.Enqueue, sink.Notifier()),
		outbox.Config{
			Logger:       logger.WithField("component", "outbox-relay"),
			Clock:        clk,
			Metrics:      pipelineMetrics,
			DeadLetter:   sink.DeadLetter(),
			PollInterval: cfg.OutboxPollInterval,
			BatchSize:    cfg.OutboxBatchSize,
			Attempts:     cfg.OutboxMaxAttempts,
			Backoff:      cfg.OutboxRetryDelay,
		},
	)
	sweeper := idempotency.NewSweeper(deps.idempotencyRepo, idempotency.Config{
		Logger:    logger.WithField("component", "idempotency-sweeper"),
		Clock:     clk,
		Metrics:   pipelineMetrics,
		Locker:    queueDeps.locker,
		Interval:  cfg.IdempotencyCleanupInterval,
		BatchSize: cfg.IdempotencyCleanupBatchSize,
	})
	janitor := inventory.NewJanitor(deps.uow, inventory.JanitorOptions{
		Logger:   logger.WithField("component", "reservation-janitor"),
		Clock:    clk,
		TTL:      cfg.ReservationTTL,
		Interval: cfg.JanitorInterval,
	})

	stopWorkers := startWorkers(logger, map[string]func(context.Context){
		"delivery":            deliveryWorker.Run,
		"reconciler":          reconciler.Run,
		"outbox":              outboxRelay.Run,
		"idempotency-cleanup": sweeper.Run,
		"reservation-janitor": janitor.Run,
	})
	defer stopWorkers()

	giftService := grpcsvc.NewService(orchestrator, views, admin, intake, logger.WithField("layer", "grpc"))
	grpcMetrics := promgrpc.NewServerMetrics()
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()))
	if err := prometheus.Register(grpcMetrics); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			logger.WithError(err).Warn("failed to register grpc metrics")
		} else if existing, ok := are.ExistingCollector.(*promgrpc.ServerMetrics); ok {
			grpcMetrics = existing
		}
	}

	grpcsvc.RegisterGiftSchedulingServer(grpcServer, giftService)
	grpcMetrics.InitializeMetrics(grpcServer)
	reflection.Register(grpcServer)

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(grpcsvc.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	healthHandler := healthcheck.NewHandler(version.Version())
	if deps.storageChecker != nil {
		healthHandler.RegisterChecker("storage", deps.storageChecker)
	}
	if queueDeps.checker != nil {
		healthHandler.RegisterChecker("redis", queueDeps.checker)
	}
	healthHandler.RegisterChecker("delivery_queue", healthcheck.NewQueueChecker(views))
	go healthHandler.Watch(ctx, healthWatchInterval, func(resp healthcheck.Response) {
		syncServingStatus(healthServer, resp, logger)
	})

	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)
	defer shutdownHTTP(metricsSrv, logger)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}
	return serveGRPC(ctx, grpcServer, healthServer, lis, logger)
}

// serveGRPC обслуживает lis до отмены ctx. Остановка: health уходит в NOT_SERVING, затем GracefulStop
// не дольше shutdownTimeout, после чего соединения рвутся.
func serveGRPC(ctx context.Context, srv *grpc.Server, hs *health.Server, lis net.Listener, logger *log.Entry) error {
	served := make(chan error, 1)
	go func() {
		logger.WithField("addr", lis.Addr().String()).Info("grpc server listening")
		served <- srv.Serve(lis)
	}()

	select {
	case err := <-served:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutdown requested, draining grpc server")
	hs.Shutdown()
	drained := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(shutdownTimeout):
		logger.Warn("graceful stop timed out, closing connections")
		srv.Stop()
	}
	return ctx.Err()
}

// startWorkers запускает фоновые циклы; возвращённая функция отменяет их и ждёт завершения.
func startWorkers(logger *log.Entry, workers map[string]func(context.Context)) func() {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for name, run := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.WithField("worker", name).Debug("worker started")
			run(ctx)
		}()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			done := make(chan struct{})
			go func() {
				wg.Wait()
				close(done)
			}()
			select {
			case <-done:
				logger.Info("background workers stopped")
			case <-time.After(shutdownTimeout):
				logger.Warn("background workers did not stop in time")
			}
		})
	}
}

// syncServingStatus переносит общий статус проверок в gRPC health: NOT_SERVING, пока зависимость недоступна.
func syncServingStatus(srv *health.Server, resp healthcheck.Response, logger *log.Entry) {
	status := healthpb.HealthCheckResponse_SERVING
	if resp.Status == healthcheck.StatusUnhealthy {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		logger.WithField("failing", resp.Failing()).Warn("dependencies unhealthy, grpc health set to NOT_SERVING")
	} else {
		logger.WithField("status", resp.Status).Info("grpc health set to SERVING")
	}
	srv.SetServingStatus("", status)
	srv.SetServingStatus(grpcsvc.ServiceName, status)
}

// startMetricsServer запускает HTTP-обработчик /metrics и health-пробы.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	srv := &http.Server{Addr: addr, Handler: observabilityMux(healthHandler), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/readyz, %s/livez", addr, addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// observabilityMux отдаёт метрики Prometheus и пробы здоровья.
func observabilityMux(healthHandler *healthcheck.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("GET /healthz", healthHandler)
	mux.HandleFunc("GET /readyz", healthHandler.ReadinessHandler)
	mux.HandleFunc("GET /livez", healthcheck.LivenessHandler)
	return mux
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("metrics shutdown with error")
	}
}

func closeWith(closeFn func() error, name string, logger *log.Entry) {
	if closeFn == nil {
		return
	}
	if err := closeFn(); err != nil {
		logger.WithError(err).WithField("resource", name).Warn("close failed")
	}
}
