package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/rpcyber/botnet-commander/internal/correlator"
	"github.com/rpcyber/botnet-commander/internal/dispatch"
	"github.com/rpcyber/botnet-commander/internal/registry"
	"github.com/rpcyber/botnet-commander/internal/store"
)

// RouterConfig holds all dependencies needed to build the HTTP router,
// populated once in main after every component has been constructed.
type RouterConfig struct {
	Store      *store.Gateway
	Registry   *registry.Manager
	Scheduler  *dispatch.Scheduler
	Correlator *correlator.Correlator
	Logger     *zap.Logger
}

// NewRouter builds the fully configured Chi router for the HTTP control
// plane: agent inventory/history/dispatch under /agents, the execution
// timeout under /timeout, and a Prometheus /metrics endpoint.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	metrics := NewMetrics(cfg.Registry, cfg.Correlator)
	agentHandler := NewAgentHandler(cfg.Store, cfg.Registry, cfg.Scheduler, metrics, cfg.Logger)
	timeoutHandler := NewTimeoutHandler(cfg.Scheduler)

	r.Get("/agents/count", agentHandler.Count)
	r.Get("/agents/{entity}/list", agentHandler.List)
	r.Get("/agents/{entity}/history", agentHandler.History)
	r.Post("/agents/{entity}/cmd", agentHandler.Cmd)
	r.Post("/agents/{entity}/script", agentHandler.Script)
	r.Delete("/agents/{entity}/delete", agentHandler.Delete)

	r.Get("/timeout", timeoutHandler.Get)
	r.Put("/timeout", timeoutHandler.Set)

	r.Handle("/metrics", metrics.Handler())

	return r
}
