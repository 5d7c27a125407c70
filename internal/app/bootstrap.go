// Package app собирает компоненты шлюза из конфигурации. Общий для cmd/gateway и cmd/console.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/agentguard/internal/audit"
	"github.com/xela07ax/agentguard/internal/console/handler"
	"github.com/xela07ax/agentguard/internal/console/server"
	"github.com/xela07ax/agentguard/internal/console/service"
	"github.com/xela07ax/agentguard/internal/domain"
	"github.com/xela07ax/agentguard/internal/infra"
	"github.com/xela07ax/agentguard/internal/infra/auth"
	"github.com/xela07ax/agentguard/internal/ratelimit"
	"github.com/xela07ax/agentguard/internal/repository/postgres"
	"github.com/xela07ax/agentguard/internal/store"
	"github.com/xela07ax/agentguard/internal/vault"
)

// Stores — общее состояние шлюза. Для нескольких инстансов нужен backend redis.
type Stores struct {
	Credentials store.Store[domain.AgentCredential]
	Permissions store.Store[domain.TransactionPermission]
	Windows     store.Store[domain.RateWindow]
	Overrides   store.Store[domain.RateLimits]
}

func NewStores(backend string, rdb *redis.Client) (Stores, error) {
	switch backend {
	case infra.StoreMemory:
		return Stores{
			Credentials: store.NewMemory[domain.AgentCredential](),
			Permissions: store.NewMemory[domain.TransactionPermission](),
			Windows:     store.NewMemory[domain.RateWindow](store.WithTTL(ratelimit.Window)),
			Overrides:   store.NewMemory[domain.RateLimits](),
		}, nil
	case infra.StoreRedis:
		if rdb == nil {
			return Stores{}, fmt.Errorf("store backend redis requires redis.addr")
		}
		return Stores{
			Credentials: store.NewRedis[domain.AgentCredential](rdb, infra.RedisPrefixCredentials),
			Permissions: store.NewRedis[domain.TransactionPermission](rdb, infra.RedisPrefixPermissions),
			Windows:     store.NewRedis[domain.RateWindow](rdb, infra.RedisPrefixRateWindows, store.WithTTL(ratelimit.Window)),
			Overrides:   store.NewRedis[domain.RateLimits](rdb, infra.RedisPrefixRateLimits),
		}, nil
	default:
		return Stores{}, fmt.Errorf("unknown store backend %q", backend)
	}
}

// NewRedis подключается и проверяет Redis. Пустой адрес — Redis не используется.
func NewRedis(ctx context.Context, cfg infra.RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis unreachable: %w", err)
	}
	return rdb, nil
}

// MasterKeyProvider — файл (секрет, смонтированный в контейнер) или переменная окружения.
func MasterKeyProvider(cfg infra.VaultConfig) vault.SecretProvider {
	if cfg.MasterKeyFile != "" {
		return vault.FileProvider{Path: cfg.MasterKeyFile}
	}
	return vault.EnvProvider{Name: cfg.MasterKeyEnv}
}

// NewVault собирает хранилище ключей. publisher может быть nil: отзыв тогда
// никуда не рассылается.
func NewVault(cfg *infra.Config, stores Stores, publisher vault.RevocationPublisher, logger *zap.Logger) (*vault.Vault, error) {
	var opts []vault.Option
	if publisher != nil {
		opts = append(opts, vault.WithRevocationPublisher(publisher))
	}
	return vault.New(MasterKeyProvider(cfg.Vault), stores.Credentials, stores.Permissions, logger, opts...)
}

func NewLimiter(cfg *infra.Config, stores Stores, logger *zap.Logger) *ratelimit.Limiter {
	return ratelimit.New(stores.Windows, stores.Overrides, logger, ratelimit.WithDefaults(cfg.RateLimit))
}

// AuditStorage — куда пишется журнал и откуда его читает консоль.
type AuditStorage struct {
	Sink   audit.StorageInterface
	Reader service.ExecutionProvider // nil, если журнал идет только в лог
	Close  func() error              // освобождает пул после остановки AgentFS
}

// NewAuditStorage — Postgres, если задан database.url, иначе журнал в zap.
func NewAuditStorage(ctx context.Context, cfg infra.DatabaseConfig, logger *zap.Logger) (*AuditStorage, error) {
	if cfg.URL == "" {
		logger.Warn("database.url is empty, audit goes to log only")
		return &AuditStorage{
			Sink:  audit.NewLogSink(logger.Named("audit")),
			Close: func() error { return nil },
		}, nil
	}

	db, err := postgres.Open(cfg.URL, cfg.MaxConns, cfg.MinConns)
	if err != nil {
		return nil, err
	}
	if err := prepare(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	repo := postgres.NewAuditRepo(db)
	return &AuditStorage{Sink: repo, Reader: repo, Close: db.Close}, nil
}

func prepare(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}
	return postgres.NewAuditRepo(db).EnsureSchema(ctx)
}

// NewConsole собирает административный API. Без приватного RSA-ключа консоль не стартует.
// executions может быть nil: тогда /v1/executions отвечает 503.
func NewConsole(
	cfg *infra.Config,
	v service.AgentVault,
	limiter service.RateLimitAdmin,
	executions service.ExecutionProvider,
	logger *zap.Logger,
) (*server.ConsoleServer, error) {
	privateKey, err := auth.ParseRSAPrivateKey(cfg.Auth.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("console auth: %w", err)
	}
	authSvc, err := service.NewAuthService(cfg.Auth.Operators, privateKey, cfg.Auth.TokenTTL, cfg.Auth.BcryptCost)
	if err != nil {
		return nil, err
	}

	// Отдельный публичный ключ нужен, когда токены выпускает другой инстанс консоли
	var validator auth.TokenValidator = authSvc
	if len(cfg.Auth.PublicKey) > 0 {
		pub, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("console auth: %w", err)
		}
		validator = auth.NewBaseValidator(pub)
	}

	return server.NewConsoleServer(
		logger,
		validator,
		handler.NewAuthHandler(authSvc),
		handler.NewAgentHandler(service.NewAgentService(v, logger)),
		handler.NewRateLimitHandler(service.NewRateLimitService(limiter, logger)),
		handler.NewAuditHandler(service.NewAuditService(executions)),
	), nil
}
