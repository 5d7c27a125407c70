package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/agentguard/internal/audit"
	"github.com/xela07ax/agentguard/internal/broadcast"
	"github.com/xela07ax/agentguard/internal/domain"
)

var errAgentRevoked = errors.New("agent revoked during execution")

// ExecutionResult — итог execute: решение пайплайна и, если дошло, квитанция.
type ExecutionResult struct {
	ExecutionID string             `json:"execution_id"`
	Outcome     domain.Outcome     `json:"outcome"`
	Reason      string             `json:"reason,omitempty"`
	Receipt     *broadcast.Receipt `json:"receipt,omitempty"`
}

// SwapService — авторизация плюс однократная передача ключа подписанту.
// При сбое отправки списание возвращается (saga).
type SwapService struct {
	gw          *Gateway
	broadcaster broadcast.Broadcaster
	logger      *zap.Logger

	mu       sync.Mutex
	inflight map[string]map[string]context.CancelCauseFunc // agentID -> executionID -> cancel
}

func NewSwapService(gw *Gateway, b broadcast.Broadcaster, logger *zap.Logger) *SwapService {
	return &SwapService{
		gw:          gw,
		broadcaster: b,
		logger:      logger.Named("swap"),
		inflight:    make(map[string]map[string]context.CancelCauseFunc),
	}
}

func (s *SwapService) track(agentID, execID string, cancel context.CancelCauseFunc) func() {
	s.mu.Lock()
	if s.inflight[agentID] == nil {
		s.inflight[agentID] = make(map[string]context.CancelCauseFunc)
	}
	s.inflight[agentID][execID] = cancel
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.inflight[agentID], execID)
		if len(s.inflight[agentID]) == 0 {
			delete(s.inflight, agentID)
		}
		s.mu.Unlock()
	}
}

// CancelAgent прерывает все исполняющиеся свопы агента. Возвращает их количество.
func (s *SwapService) CancelAgent(agentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cancel := range s.inflight[agentID] {
		cancel(errAgentRevoked)
	}
	return len(s.inflight[agentID])
}

// Execute авторизует своп и отправляет транзакцию. Ключ закрывается сразу после отправки.
func (s *SwapService) Execute(ctx context.Context, req domain.SwapAuthorizationRequest) ExecutionResult {
	start := time.Now()
	execID := uuid.New().String()
	s.gw.metrics.TotalRequests.WithLabelValues(audit.ActionExecute, req.Venue()).Inc()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	defer s.track(req.AgentID, execID, cancel)()

	res := s.gw.decide(ctx, &req)
	if !res.Approved() {
		s.gw.record(ctx, audit.ActionExecute, &req, &res, start, "")
		return ExecutionResult{ExecutionID: execID, Outcome: res.Outcome, Reason: res.Reason}
	}

	tx := broadcast.TxDescriptor{
		ExecutionID:  execID,
		AgentID:      req.AgentID,
		Venue:        res.Venue,
		From:         res.Identity,
		Target:       res.Target,
		Selector:     res.Selector,
		User:         req.UserAddress,
		TokenIn:      req.TokenIn,
		TokenOut:     req.TokenOut,
		AmountIn:     req.AmountIn,
		MinAmountOut: req.MinAmountOut,
	}

	receipt, err := s.broadcaster.Broadcast(ctx, res.Key, tx)
	if cerr := res.Close(); cerr != nil {
		s.logger.Error("key handle close failed", zap.String("execution_id", execID), zap.Error(cerr))
	}

	if err != nil {
		s.gw.release(ctx, req.AgentID, &res)

		reason := domain.ReasonBroadcastFailed
		switch {
		case errors.Is(context.Cause(ctx), errAgentRevoked):
			reason = domain.ReasonAgentRevoked
		case CircuitOpen(err):
			reason = domain.ReasonCircuitOpen
		}
		s.logger.Warn("broadcast failed, debit released",
			zap.String("execution_id", execID),
			zap.String("agent_id", req.AgentID),
			zap.String("reason", reason),
			zap.Error(err))

		failed := reject(domain.OutcomeBroadcastFailed, reason)
		s.gw.record(ctx, audit.ActionExecute, &req, &failed, start, "")
		return ExecutionResult{ExecutionID: execID, Outcome: failed.Outcome, Reason: failed.Reason}
	}

	s.gw.record(ctx, audit.ActionExecute, &req, &res, start, receipt.TxHash.Hex())
	s.logger.Info("swap executed",
		zap.String("execution_id", execID),
		zap.String("agent_id", req.AgentID),
		zap.String("venue", res.Venue),
		zap.String("tx_hash", receipt.TxHash.Hex()),
		zap.Uint64("block", receipt.BlockNumber))

	return ExecutionResult{
		ExecutionID: execID,
		Outcome:     res.Outcome,
		Receipt:     &receipt,
	}
}
