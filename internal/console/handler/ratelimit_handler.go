package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xela07ax/agentguard/internal/console/service"
	"github.com/xela07ax/agentguard/internal/domain"
)

type RateLimitHandler struct {
	service *service.RateLimitService
}

func NewRateLimitHandler(s *service.RateLimitService) *RateLimitHandler {
	return &RateLimitHandler{service: s}
}

func identityParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	identity, err := service.NormalizeIdentity(chi.URLParam(r, "identity"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return identity, true
}

// Get — заявленные квоты.
// GET /v1/rate-limits/{identity}
func (h *RateLimitHandler) Get(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityParam(w, r)
	if !ok {
		return
	}
	q, err := h.service.Quota(r.Context(), identity)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// Set — персональные лимиты.
// PUT /v1/rate-limits/{identity}
func (h *RateLimitHandler) Set(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityParam(w, r)
	if !ok {
		return
	}
	var limits domain.RateLimits
	if err := json.NewDecoder(r.Body).Decode(&limits); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := h.service.Set(r.Context(), operator(r), identity, limits)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, domain.ErrInvalidLimits):
		writeError(w, http.StatusBadRequest, "invalid rate limits")
	default:
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
	}
}

// Reset — возврат к лимитам по умолчанию. Счетчики текущих окон не трогаются.
// DELETE /v1/rate-limits/{identity}
func (h *RateLimitHandler) Reset(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityParam(w, r)
	if !ok {
		return
	}
	if err := h.service.Reset(r.Context(), operator(r), identity); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
