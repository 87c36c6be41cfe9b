// Kalshi automated trading backend — an event-driven backend for
// running multiple trading agents against Kalshi's binary-outcome
// prediction markets, live and demo environments side by side.
//
// Architecture:
//
//	main.go                    — entry point: loads config, wires every
//	                             environment's stack, starts goroutines,
//	                             waits for SIGINT/SIGTERM
//	internal/config            — YAML + KALSHI_* env var configuration
//	internal/kalshiauth         — RSA-PSS request signing
//	internal/exchange           — REST client + WebSocket feed per environment
//	internal/dispatch           — single-consumer WS event fan-out
//	internal/marketcache        — shared ticker -> MarketState map
//	internal/agent, strategy    — agent lifecycle + maker/taker strategies
//	internal/permission         — the one choke point every order passes through
//	internal/execution          — order submission, fills, position tracking
//	internal/discovery          — market enumeration + subscription driver
//	internal/reconcile          — startup/periodic/reconnect truth sync
//	internal/risk               — portfolio-level exposure and kill switch
//	internal/store              — MongoDB persistence (optional)
//	internal/events, controlapi — event bus + local HTTP/SSE control surface
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-viper/mapstructure/v2"

	"kalshibot/internal/agent"
	"kalshibot/internal/config"
	"kalshibot/internal/controlapi"
	"kalshibot/internal/dispatch"
	"kalshibot/internal/discovery"
	"kalshibot/internal/events"
	"kalshibot/internal/exchange"
	"kalshibot/internal/execution"
	"kalshibot/internal/kalshiauth"
	"kalshibot/internal/kalshitypes"
	"kalshibot/internal/marketcache"
	"kalshibot/internal/permission"
	"kalshibot/internal/reconcile"
	"kalshibot/internal/risk"
	"kalshibot/internal/store"
	"kalshibot/internal/strategy"
)

// envStack is every goroutine-driving component built for one
// environment (live or demo). Both environments can run concurrently;
// only the gate's active environment actually forwards orders.
type envStack struct {
	env        kalshitypes.Environment
	client     *exchange.Client
	feed       *exchange.WSFeed
	cache      *marketcache.Cache
	dispatcher *dispatch.Dispatcher
	engine     *execution.Engine
	discoverer *discovery.Discoverer
	reconciler *reconcile.Reconciler
}

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("KALSHI_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()
	riskMgr := risk.NewManager(cfg.Risk, logger)
	gate := permission.New(riskMgr, cfg.Risk.CooldownAfterKill, logger)

	st, err := store.Open(ctx, cfg.Store.MongoURI, cfg.Store.Database, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close(context.Background())

	stacks := make(map[kalshitypes.Environment]*envStack)
	envResources := make(map[string]controlapi.EnvResources)

	for name, envCfg := range cfg.Environments {
		env := kalshitypes.Environment(name)
		if !envCfg.HasCredentials() {
			logger.Warn("environment has no credentials, skipping", "environment", name)
			continue
		}

		stack, err := buildEnvStack(ctx, env, envCfg, cfg.Discovery, cfg.Reconciliation, cfg.Execution, riskMgr, st, bus, logger)
		if err != nil {
			logger.Error("failed to build environment stack", "environment", name, "error", err)
			os.Exit(1)
		}
		stacks[env] = stack
		envResources[name] = controlapi.EnvResources{Client: stack.client, Engine: stack.engine, Cache: stack.cache}
		gate.SetEnvCredentialsLoaded(env, true)
	}

	if len(stacks) == 0 {
		logger.Error("no environment has usable credentials, nothing to run")
		os.Exit(1)
	}

	gate.SetActiveEnvironment(kalshitypes.Environment(cfg.ActiveEnvironment))
	gate.SetGlobalEnabled(cfg.GlobalTradingEnabled)
	gate.OnSubmit(func(intent kalshitypes.TradeIntent, env kalshitypes.Environment) {
		stack, ok := stacks[env]
		if !ok {
			logger.Warn("dropped intent for environment with no stack", "environment", env)
			return
		}
		stack.engine.Submit(intent, env)
	})

	// Reconcile every environment's truth before any agent is enabled.
	for _, stack := range stacks {
		stack.reconciler.Reconcile(ctx)
	}

	agents, err := buildAgents(cfg, stacks, gate, logger)
	if err != nil {
		logger.Error("failed to build agents", "error", err)
		os.Exit(1)
	}

	controlSrv := controlapi.NewServer(cfg.ControlAPI, agents, gate, riskMgr, st, bus, envResources, logger)

	go riskMgr.Run(ctx)
	go gate.Run(ctx)

	for _, stack := range stacks {
		stack := stack
		go func() {
			if err := stack.feed.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("ws feed stopped", "environment", stack.env, "error", err)
			}
		}()
		go func() {
			if err := stack.dispatcher.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("dispatcher stopped", "environment", stack.env, "error", err)
			}
		}()
		go stack.discoverer.Run(ctx)
		go stack.reconciler.Run(ctx)
	}

	for _, a := range agents {
		go a.Run(ctx)
	}

	go func() {
		if err := controlSrv.Start(); err != nil {
			logger.Error("control api failed", "error", err)
		}
	}()

	logger.Info("kalshi trading backend started",
		"active_environment", cfg.ActiveEnvironment,
		"environments", len(stacks),
		"agents", len(agents),
		"global_trading_enabled", cfg.GlobalTradingEnabled,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if err := controlSrv.Stop(); err != nil {
		logger.Error("failed to stop control api", "error", err)
	}
	cancel()
}

// buildEnvStack wires one environment's client, feed, dispatcher,
// execution engine, discoverer, and reconciler together, then warm
// starts the engine from persisted state.
func buildEnvStack(
	ctx context.Context,
	env kalshitypes.Environment,
	envCfg config.EnvConfig,
	discoveryCfg config.DiscoveryConfig,
	reconcileCfg config.ReconciliationConfig,
	executionCfg config.ExecutionConfig,
	riskMgr *risk.Manager,
	st *store.Store,
	bus *events.Bus,
	logger *slog.Logger,
) (*envStack, error) {
	signer, err := kalshiauth.NewFromFile(envCfg.APIKeyID, envCfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load signer for %s: %w", env, err)
	}

	client := exchange.NewClient(envCfg.RESTBaseURL, env, signer, logger)
	feed := exchange.NewWSFeed(envCfg.WSURL, signer, logger)
	cache := marketcache.New()
	d := dispatch.New(feed, cache, logger)

	eng := execution.New(executionCfg, client, riskMgr, st, bus, env, logger)
	if err := eng.WarmStart(ctx); err != nil {
		logger.Warn("warm start failed, continuing with empty state", "environment", env, "error", err)
	}
	d.OnFill(eng.HandleFill)
	d.OnOrderUpdate(eng.HandleOrderUpdate)

	disc := discovery.New(discoveryCfg, client, cache, st, feed, env, logger)
	rec := reconcile.New(reconcileCfg, client, eng, st, bus, env, logger)
	feed.OnReconnect = func() { rec.Reconcile(ctx) }

	return &envStack{
		env: env, client: client, feed: feed, cache: cache,
		dispatcher: d, engine: eng, discoverer: disc, reconciler: rec,
	}, nil
}

// buildAgents instantiates one agent per configured entry, binding each
// to the active environment's market cache and that environment's
// execution engine for position lookups.
func buildAgents(cfg *config.Config, stacks map[kalshitypes.Environment]*envStack, gate *permission.Gate, logger *slog.Logger) (map[string]*agent.Agent, error) {
	active := kalshitypes.Environment(cfg.ActiveEnvironment)
	activeStack, ok := stacks[active]
	if !ok {
		return nil, fmt.Errorf("active environment %q has no built stack", cfg.ActiveEnvironment)
	}

	agents := make(map[string]*agent.Agent, len(cfg.Agents))
	for id, agCfg := range cfg.Agents {
		strat, err := buildStrategy(id, agCfg, activeStack, gate, logger)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", id, err)
		}

		a := agent.New(id, id, activeStack.cache, gate, strat, logger)
		gate.SetAgentMode(id, kalshitypes.AgentMode(agCfg.Mode))
		a.SetMode(kalshitypes.AgentMode(agCfg.Mode))
		if agCfg.Enabled {
			a.Enable()
		}
		agents[id] = a
	}
	return agents, nil
}

func buildStrategy(id string, agCfg config.AgentConfig, stack *envStack, gate *permission.Gate, logger *slog.Logger) (agent.Strategy, error) {
	switch agCfg.Strategy {
	case "maker":
		var mc strategy.MakerConfig
		if err := mapstructure.Decode(agCfg.Params, &mc); err != nil {
			return nil, fmt.Errorf("decode maker params: %w", err)
		}
		return strategy.NewMaker(id, mc, stack.cache, gate, stack.engine.Position, logger), nil
	case "taker":
		var tc strategy.TakerConfig
		if err := mapstructure.Decode(agCfg.Params, &tc); err != nil {
			return nil, fmt.Errorf("decode taker params: %w", err)
		}
		return strategy.NewTaker(id, tc, stack.cache, gate, logger), nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", agCfg.Strategy)
	}
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
