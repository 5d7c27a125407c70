package domain

import (
	"github.com/golang-jwt/jwt/v5"
)

// Скоупы консоли
const (
	ScopeAgentsWrite     = "agents.write"
	ScopeAgentsRead      = "agents.read"
	ScopeRateLimitsRead  = "ratelimits.read"
	ScopeRateLimitsWrite = "ratelimits.write"
	ScopeAuditRead       = "audit.read"
)

type CustomClaims struct {
	UserID string          `json:"user_id"`
	Scopes map[string]bool `json:"scopes"` // "agents.write": true
	jwt.RegisteredClaims
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"` // Всегда "Bearer"
	ExpiresIn   int64  `json:"expires_in"`
}

// Operator — администратор консоли. Хэш пароля приходит из конфига (bcrypt).
type Operator struct {
	Username     string   `mapstructure:"username"`
	PasswordHash string   `mapstructure:"password_hash" json:"-"` // Никогда не отдаем наружу
	Scopes       []string `mapstructure:"scopes"`
}

// ScopeSet превращает список скоупов оператора в набор для JWT.
func (o Operator) ScopeSet() map[string]bool {
	set := make(map[string]bool, len(o.Scopes))
	for _, s := range o.Scopes {
		set[s] = true
	}
	return set
}
