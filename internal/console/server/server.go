package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/xela07ax/fleet-orchestrator/internal/console/handler"
	"github.com/xela07ax/fleet-orchestrator/internal/domain"
	"github.com/xela07ax/fleet-orchestrator/internal/infra/auth"
	"go.uber.org/zap"
)

// ConsoleServer: ops API оркестратора.
type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger

	// Проверка токенов операторов (RS256)
	validator auth.TokenValidator

	authHandler  *handler.AuthHandler  // /auth/token
	fleetHandler *handler.FleetHandler // /health, /v1/...
}

func NewConsoleServer(logger *zap.Logger, validator auth.TokenValidator, authH *handler.AuthHandler, fleetH *handler.FleetHandler) *ConsoleServer {
	s := &ConsoleServer{
		router:       chi.NewRouter(),
		logger:       logger.Named("console-api"),
		validator:    validator,
		authHandler:  authH,
		fleetHandler: fleetH,
	}
	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ ---
	r.Group(func(r chi.Router) {
		r.Post("/auth/token", s.authHandler.Login)
		r.Get("/health", s.fleetHandler.Health)
	})

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР (RS256 токен) ---
	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.validator, s.logger))

		// Чтение состояния флота
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireScope(domain.ScopeRead))
			r.Get("/summary", s.fleetHandler.Summary)
			r.Get("/sessions/{id}", s.fleetHandler.Session)
			r.Get("/endpoints", s.fleetHandler.Endpoints)
			r.Get("/report", s.fleetHandler.Report)
			r.Get("/events", s.fleetHandler.Events)
		})

		// Управление емкостью
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireScope(domain.ScopeControl))
			r.Post("/sessions/scale-up", s.fleetHandler.ScaleUp)
			r.Post("/sessions/scale-down", s.fleetHandler.ScaleDown)
			r.Post("/reconcile", s.fleetHandler.Reconcile)
		})
	})
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
