// Package permission is the single choke point every TradeIntent passes
// through before it can reach the execution engine. Three configuration
// gates and a fourth risk gate are evaluated in order on Submit; any
// failing gate silently drops the intent (§4.8).
package permission

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"kalshibot/internal/kalshitypes"
	"kalshibot/internal/risk"
)

// SubmitHandler is invoked for every intent that clears all gates.
type SubmitHandler func(intent kalshitypes.TradeIntent, env kalshitypes.Environment)

// Gate holds the live configuration state the three permission gates
// read, plus the risk-manager-derived kill windows the fourth gate
// reads. All fields are updated by the control API and read by agent
// goroutines concurrently; last-writer-wins, no coordination (§5).
type Gate struct {
	mu                   sync.RWMutex
	globalEnabled        bool
	activeEnvironment    kalshitypes.Environment
	envCredentialsLoaded map[kalshitypes.Environment]bool
	agentModes           map[string]kalshitypes.AgentMode

	riskMgr  *risk.Manager
	cooldown time.Duration

	killMu          sync.RWMutex
	globalKillUntil time.Time
	marketKillUntil map[string]time.Time

	onSubmit SubmitHandler
	logger   *slog.Logger
}

// New creates a gate. cooldown should match the risk manager's
// configured CooldownAfterKill; it determines how long a market (or the
// whole book) stays closed after a kill signal.
func New(riskMgr *risk.Manager, cooldown time.Duration, logger *slog.Logger) *Gate {
	return &Gate{
		envCredentialsLoaded: make(map[kalshitypes.Environment]bool),
		agentModes:           make(map[string]kalshitypes.AgentMode),
		riskMgr:              riskMgr,
		cooldown:             cooldown,
		marketKillUntil:      make(map[string]time.Time),
		logger:               logger.With("component", "permission"),
	}
}

// OnSubmit registers the downstream callback invoked for intents that
// pass every gate. Must be called before Run.
func (g *Gate) OnSubmit(h SubmitHandler) { g.onSubmit = h }

// SetGlobalEnabled is gate 1: the master trading switch.
func (g *Gate) SetGlobalEnabled(enabled bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.globalEnabled = enabled
}

// SetActiveEnvironment selects which environment's credential flag gate
// 2 consults.
func (g *Gate) SetActiveEnvironment(env kalshitypes.Environment) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.activeEnvironment = env
}

// Status snapshots the gate configuration for the control API's system
// query; it never affects Submit's behavior.
type Status struct {
	GlobalEnabled     bool
	ActiveEnvironment kalshitypes.Environment
	EnvCredsLoaded    map[kalshitypes.Environment]bool
	AgentModes        map[string]kalshitypes.AgentMode
}

// Status returns a snapshot of the current gate configuration.
func (g *Gate) Status() Status {
	g.mu.RLock()
	defer g.mu.RUnlock()

	creds := make(map[kalshitypes.Environment]bool, len(g.envCredentialsLoaded))
	for k, v := range g.envCredentialsLoaded {
		creds[k] = v
	}
	modes := make(map[string]kalshitypes.AgentMode, len(g.agentModes))
	for k, v := range g.agentModes {
		modes[k] = v
	}
	return Status{
		GlobalEnabled:     g.globalEnabled,
		ActiveEnvironment: g.activeEnvironment,
		EnvCredsLoaded:    creds,
		AgentModes:        modes,
	}
}

// SetEnvCredentialsLoaded is gate 2: whether the active environment has
// a signer configured.
func (g *Gate) SetEnvCredentialsLoaded(env kalshitypes.Environment, loaded bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.envCredentialsLoaded[env] = loaded
}

// SetAgentMode is gate 3: only ModeAuto agents are forwarded.
func (g *Gate) SetAgentMode(agentID string, mode kalshitypes.AgentMode) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.agentModes[agentID] = mode
}

// Run drains the risk manager's kill channel, recording kill windows for
// the fourth gate until ctx is cancelled.
func (g *Gate) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-g.riskMgr.KillCh():
			g.recordKill(sig)
		}
	}
}

func (g *Gate) recordKill(sig risk.KillSignal) {
	until := time.Now().Add(g.cooldown)

	g.killMu.Lock()
	defer g.killMu.Unlock()

	if sig.MarketTicker == "" {
		g.globalKillUntil = until
		g.logger.Warn("global kill switch engaged", "reason", sig.Reason, "until", until)
		return
	}
	g.marketKillUntil[sig.MarketTicker] = until
	g.logger.Warn("market kill switch engaged", "ticker", sig.MarketTicker, "reason", sig.Reason, "until", until)
}

func (g *Gate) killed(ticker string) bool {
	g.killMu.RLock()
	defer g.killMu.RUnlock()

	now := time.Now()
	if now.Before(g.globalKillUntil) {
		return true
	}
	return now.Before(g.marketKillUntil[ticker])
}

// Submit evaluates all four gates against intent. On pass, the
// registered handler is invoked with the active environment. On
// failure, the intent is dropped without error (§4.8).
func (g *Gate) Submit(intent kalshitypes.TradeIntent) {
	g.mu.RLock()
	enabled := g.globalEnabled
	env := g.activeEnvironment
	credsLoaded := g.envCredentialsLoaded[env]
	mode := g.agentModes[intent.AgentID]
	g.mu.RUnlock()

	if !enabled {
		g.logger.Debug("dropped intent: global trading disabled", "agent", intent.AgentID)
		return
	}
	if !credsLoaded {
		g.logger.Debug("dropped intent: credentials not loaded", "agent", intent.AgentID, "env", env)
		return
	}
	if mode != kalshitypes.ModeAuto {
		g.logger.Debug("dropped intent: agent not in auto mode", "agent", intent.AgentID, "mode", mode)
		return
	}
	if g.killed(intent.MarketTicker) {
		g.logger.Debug("dropped intent: risk kill switch active", "agent", intent.AgentID, "ticker", intent.MarketTicker)
		return
	}

	if g.onSubmit != nil {
		g.onSubmit(intent, env)
	}
}
