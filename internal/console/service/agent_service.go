package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	consoledomain "github.com/xela07ax/agentguard/internal/console/domain"
	"github.com/xela07ax/agentguard/internal/domain"
	"github.com/xela07ax/agentguard/internal/vault"
)

// AgentVault описывает административную часть хранилища ключей
type AgentVault interface {
	Store(ctx context.Context, agentID, privateKeyHex string, grants []domain.PermissionGrant) (common.Address, error)
	Describe(ctx context.Context, agentID string) (*vault.AgentInfo, error)
	Revoke(ctx context.Context, agentID string) error
}

type AgentService struct {
	vault  AgentVault
	logger *zap.Logger
}

func NewAgentService(v AgentVault, logger *zap.Logger) *AgentService {
	return &AgentService{
		vault:  v,
		logger: logger.Named("agent-service"),
	}
}

// Register — онбординг агента. operator пишется в лог для подотчетности.
func (s *AgentService) Register(ctx context.Context, operator string, req consoledomain.RegisterAgentRequest) (*consoledomain.RegisterAgentResponse, error) {
	identity, err := s.vault.Store(ctx, req.AgentID, req.PrivateKey, req.Grants())
	if err != nil {
		level := s.logger.Warn
		if !isClientError(err) {
			level = s.logger.Error
		}
		level("agent registration failed",
			zap.String("agent_id", req.AgentID),
			zap.String("operator", operator),
			zap.Error(err))
		return nil, err
	}

	s.logger.Info("agent registered",
		zap.String("agent_id", req.AgentID),
		zap.String("identity", identity.Hex()),
		zap.Int("permissions", len(req.Permissions)),
		zap.String("operator", operator))

	return &consoledomain.RegisterAgentResponse{AgentID: req.AgentID, PublicIdentity: identity}, nil
}

func (s *AgentService) GetAgent(ctx context.Context, agentID string) (*vault.AgentInfo, error) {
	info, err := s.vault.Describe(ctx, agentID)
	if err != nil && !errors.Is(err, domain.ErrAgentNotFound) {
		s.logger.Error("failed to fetch agent details", zap.String("id", agentID), zap.Error(err))
	}
	return info, err
}

// Revoke удаляет ключ и учет агента. Сигнал остальным инстансам шлет сам Vault.
func (s *AgentService) Revoke(ctx context.Context, operator, agentID string) error {
	if err := s.vault.Revoke(ctx, agentID); err != nil {
		s.logger.Error("agent revocation failed",
			zap.String("agent_id", agentID),
			zap.String("operator", operator),
			zap.Error(err))
		return fmt.Errorf("revoke %s: %w", agentID, err)
	}

	s.logger.Info("agent revoked",
		zap.String("agent_id", agentID),
		zap.String("operator", operator))
	return nil
}

// isClientError — ошибки входных данных, а не сбой хранилища.
func isClientError(err error) bool {
	return errors.Is(err, domain.ErrAgentExists) ||
		errors.Is(err, domain.ErrInvalidKeyMaterial) ||
		errors.Is(err, domain.ErrInvalidPermission)
}
