package engine

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Статус в сигнале "agent_id:status"
const statusRevoked = "revoked"

// RevocationApplier — локальная реакция на отзыв (vault.Vault.ApplyRevocation).
type RevocationApplier interface {
	ApplyRevocation(ctx context.Context, agentID string) error
}

// InflightCanceler прерывает исполняющиеся свопы агента (SwapService).
type InflightCanceler interface {
	CancelAgent(agentID string) int
}

// RevocationBus рассылает отзывы через Redis Pub/Sub и принимает их от других инстансов.
type RevocationBus struct {
	rdb     *redis.Client
	channel string
	logger  *zap.Logger
}

func NewRevocationBus(rdb *redis.Client, channel string, logger *zap.Logger) *RevocationBus {
	return &RevocationBus{
		rdb:     rdb,
		channel: channel,
		logger:  logger.Named("revocation"),
	}
}

// PublishRevocation реализует vault.RevocationPublisher.
func (b *RevocationBus) PublishRevocation(ctx context.Context, agentID string) error {
	if err := b.rdb.Publish(ctx, b.channel, agentID+":"+statusRevoked).Err(); err != nil {
		return fmt.Errorf("revocation: publish: %w", err)
	}
	return nil
}

// parseSignal разбирает "agent_id:status". agent_id может сам содержать ':'.
func parseSignal(payload string) (agentID, status string, ok bool) {
	i := strings.LastIndexByte(payload, ':')
	if i <= 0 || i == len(payload)-1 {
		return "", "", false
	}
	return payload[:i], payload[i+1:], true
}

// Listen блокируется до отмены ctx. Каждый отзыв применяется локально и
// прерывает исполняющиеся свопы агента, чтобы ключ не ушел после отзыва.
func (b *RevocationBus) Listen(ctx context.Context, vault RevocationApplier, inflight InflightCanceler) {
	b.logger.Info("revocation listener started", zap.String("chan", b.channel))

	ListenResilient(ctx, b.rdb, b.logger, b.channel, func(ctx context.Context, payload string) {
		agentID, status, ok := parseSignal(payload)
		if !ok || status != statusRevoked {
			b.logger.Error("invalid signal format", zap.String("payload", payload))
			return
		}

		cancelled := 0
		if inflight != nil {
			cancelled = inflight.CancelAgent(agentID)
		}
		if err := vault.ApplyRevocation(ctx, agentID); err != nil {
			b.logger.Error("apply revocation failed", zap.String("agent_id", agentID), zap.Error(err))
			return
		}
		b.logger.Info("revocation applied",
			zap.String("agent_id", agentID),
			zap.Int("inflight_cancelled", cancelled))
	})

	b.logger.Info("revocation listener stopped")
}

// LocalRevocation — рассылка отзыва внутри одного процесса, когда Redis не
// настроен: вместо Pub/Sub сразу прерывает исполняющиеся свопы агента.
// Получатель привязывается через Bind после сборки SwapService.
type LocalRevocation struct {
	inflight atomic.Pointer[InflightCanceler]
	logger   *zap.Logger
}

func NewLocalRevocation(logger *zap.Logger) *LocalRevocation {
	return &LocalRevocation{logger: logger.Named("revocation")}
}

// Bind задает получателя отзывов. До вызова отзыв только логируется.
func (l *LocalRevocation) Bind(inflight InflightCanceler) {
	l.inflight.Store(&inflight)
}

// PublishRevocation реализует vault.RevocationPublisher.
func (l *LocalRevocation) PublishRevocation(_ context.Context, agentID string) error {
	cancelled := 0
	if p := l.inflight.Load(); p != nil && *p != nil {
		cancelled = (*p).CancelAgent(agentID)
	}
	l.logger.Info("revocation applied locally",
		zap.String("agent_id", agentID),
		zap.Int("inflight_cancelled", cancelled))
	return nil
}
