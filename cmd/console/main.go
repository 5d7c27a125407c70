package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/agentguard/internal/app"
	"github.com/xela07ax/agentguard/internal/engine"
	"github.com/xela07ax/agentguard/internal/infra"
)

// Отдельная админка для раздельного деплоя: работает с теми же Redis-сторами,
// что и шлюзы, и рассылает им сигналы отзыва.
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

	if cfg.Store.Backend != infra.StoreRedis {
		logger.Fatal("standalone console requires store.backend=redis")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Инициализация ресурсов
	rdb, err := app.NewRedis(ctx, cfg.Redis)
	if err != nil || rdb == nil {
		logger.Fatal("redis is required", zap.Error(err))
	}
	defer rdb.Close()

	stores, err := app.NewStores(cfg.Store.Backend, rdb)
	if err != nil {
		logger.Fatal("stores", zap.Error(err))
	}

	// Журнал пишут шлюзы; консоли он нужен только для чтения
	auditStore, err := app.NewAuditStorage(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal("audit storage", zap.Error(err))
	}
	defer auditStore.Close()

	// 2. Инициализация слоев (Dependency Injection)
	bus := engine.NewRevocationBus(rdb, infra.RedisChanRevocation, logger)
	keyVault, err := app.NewVault(cfg, stores, bus, logger)
	if err != nil {
		logger.Fatal("vault", zap.Error(err))
	}
	console, err := app.NewConsole(cfg, keyVault, app.NewLimiter(cfg, stores, logger), auditStore.Reader, logger)
	if err != nil {
		logger.Fatal("console", zap.Error(err))
	}

	// 3. Запуск сервера
	srv := &http.Server{
		Addr:         cfg.Console.Addr,
		Handler:      console,
		ReadTimeout:  cfg.Console.ReadTimeout,
		WriteTimeout: cfg.Console.WriteTimeout,
	}
	go func() {
		logger.Info("Console API started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("console shutdown failed", zap.Error(err))
	}
}
