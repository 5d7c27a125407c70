package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xela07ax/agentguard/internal/console/handler"
	"github.com/xela07ax/agentguard/internal/domain"
	"github.com/xela07ax/agentguard/internal/infra/auth"
)

type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger

	// Интерфейс для проверки токенов (RS256)
	// Реализуется через embedding BaseValidator в AuthService
	authValidator auth.TokenValidator

	authHandler      *handler.AuthHandler      // /auth/token
	agentHandler     *handler.AgentHandler     // /v1/agents
	rateLimitHandler *handler.RateLimitHandler // /v1/rate-limits
	auditHandler     *handler.AuditHandler     // /v1/executions
}

// NewConsoleServer инициализирует сервер админки со всеми зависимостями
func NewConsoleServer(
	logger *zap.Logger,
	validator auth.TokenValidator,
	authH *handler.AuthHandler,
	agentH *handler.AgentHandler,
	rateLimitH *handler.RateLimitHandler,
	auditH *handler.AuditHandler,
) *ConsoleServer {
	s := &ConsoleServer{
		router:           chi.NewRouter(),
		logger:           logger.Named("console-api"),
		authValidator:    validator,
		authHandler:      authH,
		agentHandler:     agentH,
		rateLimitHandler: rateLimitH,
		auditHandler:     auditH,
	}

	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ ---
	r.Group(func(r chi.Router) {
		r.Post("/auth/token", s.authHandler.Login)
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	})

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР (Требуют RS256 токен) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.authValidator, s.logger))

		// Управление Агентами (онбординг, отзыв)
		r.Route("/v1/agents", func(r chi.Router) {
			r.With(auth.RequireScope(domain.ScopeAgentsWrite)).Post("/", s.agentHandler.Create)
			r.Route("/{id}", func(r chi.Router) {
				r.With(auth.RequireScope(domain.ScopeAgentsRead)).Get("/", s.agentHandler.Get)
				r.With(auth.RequireScope(domain.ScopeAgentsWrite)).Delete("/", s.agentHandler.Revoke)
			})
		})

		// Лимиты запросов по идентичности пользователя
		r.Route("/v1/rate-limits/{identity}", func(r chi.Router) {
			r.With(auth.RequireScope(domain.ScopeRateLimitsRead)).Get("/", s.rateLimitHandler.Get)
			r.With(auth.RequireScope(domain.ScopeRateLimitsWrite)).Put("/", s.rateLimitHandler.Set)
			r.With(auth.RequireScope(domain.ScopeRateLimitsWrite)).Delete("/", s.rateLimitHandler.Reset)
		})

		// Журнал исполнений (только чтение)
		r.With(auth.RequireScope(domain.ScopeAuditRead)).Get("/v1/executions", s.auditHandler.Executions)
	})
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
