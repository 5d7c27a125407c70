package audit

// ExecutionFilter — выборка записей журнала с action=execute.
// Должен быть задан хотя бы один из Identity и AgentID.
type ExecutionFilter struct {
	Identity string // адрес пользователя в checksum-формате
	AgentID  string
	Limit    int
	Offset   int
}

// ExecutionPage — страница журнала исполнений, новые сверху.
type ExecutionPage struct {
	Events []AuditEvent
	Total  int // всего записей под фильтром
}
