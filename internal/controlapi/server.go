// Package controlapi is the local HTTP command/query surface plus
// Server-Sent-Events stream for operating the trading backend (§6).
//
// It starts/stops/pauses agents, flips the global trading switch,
// marks per-environment credentials loaded/unloaded, switches the
// active environment, and answers read-only queries over agents,
// orders, positions, fills, markets, balance, system status, and the
// risk snapshot. Agent lifecycle, order lifecycle, and reconciliation
// summary events are broadcast to connected SSE clients via
// internal/events. Kill-switch changes are not broadcast; their state
// is read through the risk snapshot query.
package controlapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"kalshibot/internal/agent"
	"kalshibot/internal/config"
	"kalshibot/internal/events"
	"kalshibot/internal/execution"
	"kalshibot/internal/exchange"
	"kalshibot/internal/marketcache"
	"kalshibot/internal/permission"
	"kalshibot/internal/risk"
	"kalshibot/internal/store"
)

// EnvResources bundles the per-environment collaborators the control
// API reads from: one REST client, execution engine, and market cache
// per environment (live and demo run fully independent stacks).
type EnvResources struct {
	Client *exchange.Client
	Engine *execution.Engine
	Cache  *marketcache.Cache
}

// Server runs the control API's HTTP server and SSE broadcaster.
type Server struct {
	cfg    config.ControlAPIConfig
	agents map[string]*agent.Agent
	gate   *permission.Gate
	risk   *risk.Manager
	store  *store.Store
	bus    *events.Bus
	envs   map[string]EnvResources // keyed by kalshitypes.Environment string value

	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer builds a Server and registers every route on its own mux.
func NewServer(
	cfg config.ControlAPIConfig,
	agents map[string]*agent.Agent,
	gate *permission.Gate,
	riskMgr *risk.Manager,
	st *store.Store,
	bus *events.Bus,
	envs map[string]EnvResources,
	logger *slog.Logger,
) *Server {
	s := &Server{
		cfg:    cfg,
		agents: agents,
		gate:   gate,
		risk:   riskMgr,
		store:  st,
		bus:    bus,
		envs:   envs,
		logger: logger.With("component", "control-api"),
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // the SSE stream is long-lived; per-handler deadlines apply elsewhere
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/agents", s.handleListAgents)
	mux.HandleFunc("POST /api/agents/{id}/start", s.handleAgentStart)
	mux.HandleFunc("POST /api/agents/{id}/stop", s.handleAgentStop)
	mux.HandleFunc("POST /api/agents/{id}/pause", s.handleAgentPause)
	mux.HandleFunc("POST /api/agents/{id}/resume", s.handleAgentResume)
	mux.HandleFunc("POST /api/agents/{id}/mode", s.handleAgentMode)

	mux.HandleFunc("POST /api/trading/global", s.handleSetGlobalTrading)
	mux.HandleFunc("POST /api/environments/active", s.handleSetActiveEnvironment)
	mux.HandleFunc("POST /api/environments/{env}/credentials", s.handleSetCredentialsLoaded)

	mux.HandleFunc("GET /api/orders", s.handleOrders)
	mux.HandleFunc("GET /api/positions", s.handlePositions)
	mux.HandleFunc("GET /api/fills", s.handleFills)
	mux.HandleFunc("GET /api/markets", s.handleMarkets)
	mux.HandleFunc("GET /api/balance", s.handleBalance)
	mux.HandleFunc("GET /api/system", s.handleSystem)
	mux.HandleFunc("GET /api/risk", s.handleRisk)

	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /health", s.handleHealth)
}

// Start runs the HTTP server until it is shut down. Blocks; run it in
// its own goroutine.
func (s *Server) Start() error {
	if !s.cfg.Enabled {
		s.logger.Info("control api disabled, not starting")
		return nil
	}
	s.logger.Info("control api starting", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("control api server error: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down within a bounded timeout.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
