package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/xela07ax/agentguard/internal/app"
	"github.com/xela07ax/agentguard/internal/audit"
	"github.com/xela07ax/agentguard/internal/broadcast"
	"github.com/xela07ax/agentguard/internal/engine"
	"github.com/xela07ax/agentguard/internal/infra"
	"github.com/xela07ax/agentguard/internal/permission"
	"github.com/xela07ax/agentguard/internal/vault"
)

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("gateway stopped with error", zap.Error(err))
	}
}

func run(cfg *infra.Config, logger *zap.Logger) error {
	// Контекст для управления жизненным циклом фоновых горутин
	// SIGTERM отменяет его и останавливает слушателей
	appCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Инфраструктура и ресурсы
	rdb, err := app.NewRedis(appCtx, cfg.Redis)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}

	stores, err := app.NewStores(cfg.Store.Backend, rdb)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := engine.NewMetrics(reg)

	// Аудит: данные полетят в базу пачками
	auditStore, err := app.NewAuditStorage(appCtx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer auditStore.Close()
	agentFS := audit.NewAgentFS(auditStore.Sink, logger,
		audit.WithBufferSize(cfg.Audit.BufferSize),
		audit.WithBatchSize(cfg.Audit.BatchSize),
		audit.WithFlushInterval(cfg.Audit.FlushInterval),
		audit.WithFillGauge(metrics.AuditBufferFill),
	)
	agentFS.Start()
	defer agentFS.Stop()

	// 2. Control Plane: отзыв агентов между инстансами
	var (
		bus       *engine.RevocationBus
		local     *engine.LocalRevocation
		publisher vault.RevocationPublisher
	)
	if rdb != nil {
		bus = engine.NewRevocationBus(rdb, infra.RedisChanRevocation, logger)
		publisher = bus
	} else {
		logger.Warn("redis is not configured, revocations stay local to this instance")
		local = engine.NewLocalRevocation(logger)
		publisher = local
	}

	keyVault, err := app.NewVault(cfg, stores, publisher, logger)
	if err != nil {
		return err
	}
	limiter := app.NewLimiter(cfg, stores, logger)
	permissions := permission.NewEngine(keyVault, logger)

	venues, err := engine.ParseVenues(cfg.Venues)
	if err != nil {
		return err
	}

	// 3. Execution Layer (подписант + надежность)
	signer := broadcast.NewMock(cfg.Broadcast.MockMinLatency, cfg.Broadcast.MockMaxLatency, cfg.Broadcast.MockFailVenues...)
	safeSigner := engine.NewReliabilityWrapper(signer, cfg.Broadcast.ReliabilityConfig, metrics, logger)

	// 4. Core (сборка пайплайна)
	gw := engine.NewGateway(limiter, keyVault, permissions, venues, agentFS, metrics, logger)
	swaps := engine.NewSwapService(gw, safeSigner, logger)

	if bus != nil {
		go bus.Listen(appCtx, keyVault, swaps)
	} else {
		local.Bind(swaps)
	}

	// 5. Серверы
	metricsSrv := &http.Server{
		Addr:    cfg.Metrics.Addr,
		Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}

	publicSrv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      engine.NewSwapHandler(gw, swaps, logger).Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	servers := []*http.Server{metricsSrv, publicSrv}

	console, err := app.NewConsole(cfg, keyVault, limiter, auditStore.Reader, logger)
	switch {
	case err == nil:
		servers = append(servers, &http.Server{
			Addr:         cfg.Console.Addr,
			Handler:      console,
			ReadTimeout:  cfg.Console.ReadTimeout,
			WriteTimeout: cfg.Console.WriteTimeout,
		})
	case len(cfg.Auth.PrivateKey) == 0:
		logger.Warn("auth private key is not configured, console API is disabled")
	default:
		return err
	}

	// gRPC: health-сервис для балансировщика
	grpcSrv := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return err
	}

	errCh := make(chan error, len(servers)+1)
	go func() {
		logger.Info("gRPC health server started", zap.String("addr", cfg.GRPC.Addr))
		if err := grpcSrv.Serve(lis); err != nil {
			errCh <- err
		}
	}()
	for _, srv := range servers {
		go func() {
			logger.Info("http server started", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	// 6. Graceful Shutdown
	var runErr error
	select {
	case <-appCtx.Done():
		logger.Info("gateway stopping...")
	case runErr = <-errCh:
		logger.Error("server failed", zap.Error(runErr))
	}

	healthSrv.Shutdown()

	// Даем 5 секунд на завершение запросов
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", zap.String("addr", srv.Addr), zap.Error(err))
		}
	}
	grpcSrv.GracefulStop()

	logger.Info("gateway exited properly")
	return runErr
}
