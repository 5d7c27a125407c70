package handler

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/xela07ax/agentguard/internal/audit"
	"github.com/xela07ax/agentguard/internal/console/service"
)

type AuditHandler struct {
	service *service.AuditService
}

func NewAuditHandler(s *service.AuditService) *AuditHandler {
	return &AuditHandler{service: s}
}

// intParam — неотрицательное целое из query; пустое значение дает def.
func intParam(q url.Values, name string, def int) (int, bool) {
	raw := q.Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// Executions возвращает журнал исполнений по пользователю и/или агенту.
// GET /v1/executions?user=...&agent_id=...&limit=...&offset=...
func (h *AuditHandler) Executions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.ExecutionFilter{AgentID: strings.TrimSpace(q.Get("agent_id"))}

	if raw := strings.TrimSpace(q.Get("user")); raw != "" {
		identity, err := service.NormalizeIdentity(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.Identity = identity
	}
	if f.Identity == "" && f.AgentID == "" {
		writeError(w, http.StatusBadRequest, "user or agent_id required")
		return
	}

	var ok bool
	if f.Limit, ok = intParam(q, "limit", service.DefaultExecutionsLimit); !ok || f.Limit == 0 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	if f.Offset, ok = intParam(q, "offset", 0); !ok {
		writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}

	resp, err := h.service.FetchExecutions(r.Context(), f)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, resp)
	case errors.Is(err, service.ErrAuditUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "failed to fetch execution history")
	}
}
