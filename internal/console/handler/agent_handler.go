package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	consoledomain "github.com/xela07ax/agentguard/internal/console/domain"
	"github.com/xela07ax/agentguard/internal/console/service"
	"github.com/xela07ax/agentguard/internal/domain"
)

type AgentHandler struct {
	service *service.AgentService
}

func NewAgentHandler(s *service.AgentService) *AgentHandler {
	return &AgentHandler{service: s}
}

// Create — онбординг агента.
// POST /v1/agents
func (h *AgentHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req consoledomain.RegisterAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := h.service.Register(r.Context(), operator(r), req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, resp)
	case errors.Is(err, domain.ErrAgentExists):
		writeError(w, http.StatusConflict, "agent already exists")
	case errors.Is(err, domain.ErrInvalidKeyMaterial):
		writeError(w, http.StatusBadRequest, "invalid key material")
	case errors.Is(err, domain.ErrInvalidPermission):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// Get — карточка агента с текущим расходом.
// GET /v1/agents/{id}
func (h *AgentHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	info, err := h.service.GetAgent(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, info)
	case errors.Is(err, domain.ErrAgentNotFound):
		writeError(w, http.StatusNotFound, "agent not found")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// Revoke — идемпотентный отзыв агента.
// DELETE /v1/agents/{id}
func (h *AgentHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// Ждем и стор, и рассылку сигнала: ответ 204 означает, что ключ больше не выдается
	if err := h.service.Revoke(r.Context(), operator(r), id); err != nil {
		writeError(w, http.StatusInternalServerError, "revocation failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
