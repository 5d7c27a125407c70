package service

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/xela07ax/agentguard/internal/domain"
)

// RateLimitAdmin — административная часть лимитера запросов
type RateLimitAdmin interface {
	GetRemainingQuota(ctx context.Context, identity string) (domain.Quota, error)
	SetLimits(ctx context.Context, identity string, limits domain.RateLimits) error
	ResetLimits(ctx context.Context, identity string) error
}

type RateLimitService struct {
	limiter RateLimitAdmin
	logger  *zap.Logger
}

func NewRateLimitService(l RateLimitAdmin, logger *zap.Logger) *RateLimitService {
	return &RateLimitService{limiter: l, logger: logger.Named("ratelimit-service")}
}

// NormalizeIdentity приводит адрес к виду, под которым его учитывает шлюз (EIP-55).
func NormalizeIdentity(raw string) (string, error) {
	if !common.IsHexAddress(raw) {
		return "", fmt.Errorf("invalid identity %q", raw)
	}
	return common.HexToAddress(raw).Hex(), nil
}

func (s *RateLimitService) Quota(ctx context.Context, identity string) (domain.Quota, error) {
	return s.limiter.GetRemainingQuota(ctx, identity)
}

func (s *RateLimitService) Set(ctx context.Context, operator, identity string, limits domain.RateLimits) error {
	if err := s.limiter.SetLimits(ctx, identity, limits); err != nil {
		return err
	}
	s.logger.Info("rate limits overridden",
		zap.String("identity", identity),
		zap.String("operator", operator))
	return nil
}

func (s *RateLimitService) Reset(ctx context.Context, operator, identity string) error {
	if err := s.limiter.ResetLimits(ctx, identity); err != nil {
		return err
	}
	s.logger.Info("rate limits reset to defaults",
		zap.String("identity", identity),
		zap.String("operator", operator))
	return nil
}
