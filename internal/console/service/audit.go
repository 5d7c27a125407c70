package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/xela07ax/agentguard/internal/audit"
	consoledomain "github.com/xela07ax/agentguard/internal/console/domain"
)

const (
	DefaultExecutionsLimit = 50
	MaxExecutionsLimit     = 100
)

// ErrAuditUnavailable — журнал пишется только в лог (database.url не задан), читать нечего.
var ErrAuditUnavailable = errors.New("audit storage is not configured")

// ExecutionProvider описывает контракт для чтения журнала исполнений.
// Реализуется postgres.AuditRepo.
type ExecutionProvider interface {
	FetchExecutions(ctx context.Context, f audit.ExecutionFilter) (audit.ExecutionPage, error)
}

type AuditService struct {
	repo ExecutionProvider
}

// NewAuditService принимает nil, если Postgres не настроен.
func NewAuditService(repo ExecutionProvider) *AuditService {
	return &AuditService{repo: repo}
}

// FetchExecutions приводит limit к [1, MaxExecutionsLimit] и считает hasMore по общему числу записей.
func (s *AuditService) FetchExecutions(ctx context.Context, f audit.ExecutionFilter) (*consoledomain.ExecutionHistoryResponse, error) {
	if s.repo == nil {
		return nil, ErrAuditUnavailable
	}
	if f.Limit <= 0 {
		f.Limit = DefaultExecutionsLimit
	}
	f.Limit = min(f.Limit, MaxExecutionsLimit)
	f.Offset = max(f.Offset, 0)

	page, err := s.repo.FetchExecutions(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("audit_service: failed to fetch executions: %w", err)
	}

	events := page.Events
	if events == nil {
		events = []audit.AuditEvent{}
	}
	return &consoledomain.ExecutionHistoryResponse{
		User:       f.Identity,
		AgentID:    f.AgentID,
		Total:      page.Total,
		Executions: events,
		Pagination: consoledomain.Pagination{
			Limit:   f.Limit,
			Offset:  f.Offset,
			HasMore: f.Offset+len(events) < page.Total,
		},
	}, nil
}
