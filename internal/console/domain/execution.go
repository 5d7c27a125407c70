package domain

import "github.com/xela07ax/agentguard/internal/audit"

// ExecutionHistoryResponse — страница журнала исполнений свопов
type ExecutionHistoryResponse struct {
	User       string             `json:"user,omitempty"`
	AgentID    string             `json:"agent_id,omitempty"`
	Total      int                `json:"total"`
	Executions []audit.AuditEvent `json:"executions"`
	Pagination Pagination         `json:"pagination"`
}

type Pagination struct {
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"hasMore"`
}
