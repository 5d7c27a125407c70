package engine

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/agentguard/internal/audit"
	"github.com/xela07ax/agentguard/internal/domain"
	"github.com/xela07ax/agentguard/internal/permission"
	"github.com/xela07ax/agentguard/internal/secret"
	"github.com/xela07ax/agentguard/internal/signature"
)

type RateLimiter interface {
	IsAllowed(ctx context.Context, identity, action string) (bool, error)
}

type CredentialVault interface {
	GetPublicIdentity(ctx context.Context, agentID string) (common.Address, error)
	GetDecryptedKey(ctx context.Context, agentID string) (*secret.KeyHandle, error)
}

type PermissionEngine interface {
	Debit(ctx context.Context, agentID string, target common.Address, selector domain.Selector, amount *big.Int) (permission.Debit, error)
	Release(ctx context.Context, agentID string, target common.Address, selector domain.Selector, d permission.Debit) error
}

// AuthorizationResult — итог пайплайна. Key заполнен только для OutcomeApproved;
// владелец результата обязан вызвать Close сразу после передачи ключа подписанту.
type AuthorizationResult struct {
	Outcome domain.Outcome `json:"outcome"`
	Reason  string         `json:"reason,omitempty"`

	Key      *secret.KeyHandle `json:"-"`
	Identity common.Address    `json:"-"`
	Venue    string            `json:"-"`
	Target   common.Address    `json:"-"`
	Selector domain.Selector   `json:"-"`
	Debit    permission.Debit  `json:"-"`
}

func (r *AuthorizationResult) Approved() bool {
	return r.Outcome == domain.OutcomeApproved
}

// Close зануляет ключ. Повторный вызов безопасен.
func (r *AuthorizationResult) Close() error {
	return r.Key.Close()
}

func reject(outcome domain.Outcome, reason string) AuthorizationResult {
	return AuthorizationResult{Outcome: outcome, Reason: reason}
}

// Gateway — пайплайн авторизации: Rate Limiter → Signature → Permission → Vault.
// Отказ на любом шаге не доходит до следующего.
type Gateway struct {
	limiter     RateLimiter
	vault       CredentialVault
	permissions PermissionEngine
	venues      Venues
	auditor     audit.Auditor
	metrics     *Metrics
	logger      *zap.Logger
}

func NewGateway(
	limiter RateLimiter,
	vault CredentialVault,
	permissions PermissionEngine,
	venues Venues,
	auditor audit.Auditor,
	metrics *Metrics,
	logger *zap.Logger,
) *Gateway {
	return &Gateway{
		limiter:     limiter,
		vault:       vault,
		permissions: permissions,
		venues:      venues,
		auditor:     auditor,
		metrics:     metrics,
		logger:      logger.Named("gateway"),
	}
}

// AuthorizeSwap прогоняет запрос через пайплайн и пишет решение в аудит.
func (g *Gateway) AuthorizeSwap(ctx context.Context, req domain.SwapAuthorizationRequest) AuthorizationResult {
	start := time.Now()
	g.metrics.TotalRequests.WithLabelValues(audit.ActionAuthorize, req.Venue()).Inc()

	res := g.decide(ctx, &req)
	g.record(ctx, audit.ActionAuthorize, &req, &res, start, "")
	return res
}

func (g *Gateway) decide(ctx context.Context, req *domain.SwapAuthorizationRequest) AuthorizationResult {
	// 1. Rate Limiter (самый дешевый шаг). Попытка засчитывается даже при последующем отказе.
	allowed, err := g.limiter.IsAllowed(ctx, req.Identity(), domain.ActionSwap)
	if err != nil {
		g.logger.Error("rate limiter unavailable", zap.Error(err))
		return reject(domain.OutcomeVaultError, domain.ReasonStoreUnavailable)
	}
	if !allowed {
		return reject(domain.OutcomeRateLimited, "")
	}

	// 2. Подпись проверяется против публичной идентичности агента
	identity, err := g.vault.GetPublicIdentity(ctx, req.AgentID)
	if err != nil {
		return g.vaultFailure(err)
	}
	if !signature.Validate(req, identity) {
		return reject(domain.OutcomeInvalidSignature, "")
	}

	// 3. Площадка определяет контракт и селектор гранта
	venue, ok := g.venues[req.Venue()]
	if !ok {
		return reject(domain.OutcomePermissionDenied, domain.ReasonVenueNotConfigured)
	}
	if !venue.Allows(req.TokenIn, req.TokenOut) {
		return reject(domain.OutcomePermissionDenied, domain.ReasonVenueAssetForbidden)
	}

	// 4. Проверка и атомарное списание дневного лимита
	debit, err := g.permissions.Debit(ctx, req.AgentID, venue.Target, venue.Selector, req.AmountIn)
	if err != nil {
		return g.vaultFailure(err)
	}
	if !debit.Allowed {
		return reject(domain.OutcomePermissionDenied, debit.Reason)
	}

	res := AuthorizationResult{
		Outcome:  domain.OutcomeApproved,
		Identity: identity,
		Venue:    req.Venue(),
		Target:   venue.Target,
		Selector: venue.Selector,
		Debit:    debit,
	}

	// 5. Ключ расшифровывается последним. Если не вышло — списание возвращается.
	key, err := g.vault.GetDecryptedKey(ctx, req.AgentID)
	if err != nil {
		g.release(ctx, req.AgentID, &res)
		return g.vaultFailure(err)
	}
	res.Key = key
	return res
}

func (g *Gateway) vaultFailure(err error) AuthorizationResult {
	switch {
	case errors.Is(err, domain.ErrAgentNotFound):
		return reject(domain.OutcomeAgentNotFound, "")
	case errors.Is(err, domain.ErrDecryptionFailed):
		g.metrics.IntegrityFaults.Inc()
		return reject(domain.OutcomeVaultError, domain.ReasonDecryptionFailed)
	default:
		g.logger.Error("credential store unavailable", zap.Error(err))
		return reject(domain.OutcomeVaultError, domain.ReasonStoreUnavailable)
	}
}

// release — компенсация списания. Контекст отвязан от отмены запроса:
// возврат должен дойти даже если клиент ушел или агент отозван.
func (g *Gateway) release(ctx context.Context, agentID string, res *AuthorizationResult) {
	ctx = context.WithoutCancel(ctx)
	if err := g.permissions.Release(ctx, agentID, res.Target, res.Selector, res.Debit); err != nil {
		g.logger.Error("debit release failed",
			zap.String("agent_id", agentID),
			zap.String("trace_id", TraceID(ctx)),
			zap.Error(err))
		return
	}
	g.metrics.Releases.Inc()
}

func (g *Gateway) record(ctx context.Context, action string, req *domain.SwapAuthorizationRequest, res *AuthorizationResult, start time.Time, txHash string) {
	duration := time.Since(start)
	g.metrics.RequestDuration.WithLabelValues(action, req.Venue(), string(res.Outcome)).Observe(duration.Seconds())
	g.metrics.Decisions.WithLabelValues(string(res.Outcome), res.Reason).Inc()

	amount := ""
	if req.AmountIn != nil {
		amount = req.AmountIn.String()
	}

	g.auditor.Log(audit.AuditEvent{
		ID:         uuid.New().String(),
		TraceID:    TraceID(ctx),
		AgentID:    req.AgentID,
		Identity:   req.Identity(),
		Action:     action,
		Venue:      req.Venue(),
		TokenIn:    req.TokenIn.Hex(),
		TokenOut:   req.TokenOut.Hex(),
		AmountIn:   amount,
		Outcome:    string(res.Outcome),
		Reason:     res.Reason,
		TxHash:     txHash,
		Timestamp:  start,
		DurationMs: duration.Milliseconds(),
	})

	fields := []zap.Field{
		zap.String("trace_id", TraceID(ctx)),
		zap.String("action", action),
		zap.String("agent_id", req.AgentID),
		zap.String("outcome", string(res.Outcome)),
		zap.String("reason", res.Reason),
	}
	if res.Outcome.IsRejection() || res.Approved() {
		g.logger.Debug("swap decision", fields...)
	} else {
		g.logger.Warn("swap decision", fields...)
	}
}
