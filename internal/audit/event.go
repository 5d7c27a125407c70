package audit

import "time"

// Действия, которые попадают в журнал
const (
	ActionAuthorize = "authorize"
	ActionExecute   = "execute"
	ActionRevoke    = "revoke"
)

type AuditEvent struct {
	ID       string `json:"id"`       // UUID события
	TraceID  string `json:"trace_id"` // Сквозной ID запроса
	AgentID  string `json:"agent_id"` // Чьим ключом должна уйти транзакция
	Identity string `json:"identity"` // Адрес пользователя (ключ rate limit)
	Action   string `json:"action"`   // authorize | execute | revoke

	// Что запрашивали (суммы строкой: uint256 не влезает в int64)
	Venue    string `json:"venue"`
	TokenIn  string `json:"token_in"`
	TokenOut string `json:"token_out"`
	AmountIn string `json:"amount_in"`

	// Результат
	Outcome    string    `json:"outcome"` // approved, rate_limited, permission_denied, ...
	Reason     string    `json:"reason"`
	TxHash     string    `json:"tx_hash,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	DurationMs int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}
