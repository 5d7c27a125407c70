package handler

import (
	"encoding/json"
	"net/http"

	consoledomain "github.com/xela07ax/agentguard/internal/console/domain"
	"github.com/xela07ax/agentguard/internal/infra/auth"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, consoledomain.ErrorResponse{Error: msg})
}

// operator — имя оператора из токена (для журнала действий).
func operator(r *http.Request) string {
	if c, ok := auth.ClaimsFromContext(r.Context()); ok {
		return c.UserID
	}
	return ""
}
