// Package agent runs the cooperative lifecycle shared by every trading
// strategy: wait for a market-cache update (or a heartbeat timeout),
// respect pause, skip when disabled, invoke the strategy, and isolate
// whatever the strategy does wrong so one agent's failure never affects
// another (§4.7).
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"kalshibot/internal/kalshitypes"
	"kalshibot/internal/marketcache"
	"kalshibot/internal/permission"
)

// heartbeat is the maximum time the run loop waits for a cache update
// notification before waking anyway.
const heartbeat = 60 * time.Second

// errBackoff is how long the run loop sleeps after a strategy failure
// before resuming ACTIVE. Var, not const, so tests can shrink it.
var errBackoff = 5 * time.Second

// Strategy is implemented by a concrete trading strategy. OnMarketUpdate
// is invoked every time the run loop wakes with the agent unpaused and
// enabled; it reads the cache and submits TradeIntents through the
// permission gate. It never calls REST directly (§4.7).
type Strategy interface {
	OnMarketUpdate(ctx context.Context) error
}

// StateChangeHandler is invoked whenever an agent's lifecycle state
// changes, for forwarding to the control API's event stream.
type StateChangeHandler func(kalshitypes.AgentRecord)

// Agent wraps a Strategy with the shared lifecycle state machine.
type Agent struct {
	id       string
	name     string
	cache    *marketcache.Cache
	gate     *permission.Gate
	strategy Strategy

	lifecycle atomic.Value // kalshitypes.AgentLifecycle
	enabled   atomic.Bool
	mode      atomic.Value // kalshitypes.AgentMode

	mu        sync.Mutex
	paused    bool
	pauseWait chan struct{}

	onStateChange StateChangeHandler

	logger *slog.Logger
}

// New creates an agent. It starts disabled, in FullStop mode, not
// paused, in the INITIALIZING lifecycle state.
func New(id, name string, cache *marketcache.Cache, gate *permission.Gate, strategy Strategy, logger *slog.Logger) *Agent {
	a := &Agent{
		id:        id,
		name:      name,
		cache:     cache,
		gate:      gate,
		strategy:  strategy,
		pauseWait: make(chan struct{}),
		logger:    logger.With("component", "agent", "agent_id", id, "agent_name", name),
	}
	close(a.pauseWait) // not paused: reads return immediately
	a.lifecycle.Store(kalshitypes.LifecycleInitializing)
	a.mode.Store(kalshitypes.ModeFullStop)
	return a
}

// OnStateChange registers the handler invoked on every lifecycle
// transition. Must be called before Run.
func (a *Agent) OnStateChange(h StateChangeHandler) { a.onStateChange = h }

// Enable allows the agent to act on cache updates.
func (a *Agent) Enable() { a.enabled.Store(true) }

// Disable makes the agent sit IDLE on every wake, regardless of mode.
func (a *Agent) Disable() { a.enabled.Store(false) }

// SetMode updates this agent's submission policy and propagates it to
// the permission layer's third gate.
func (a *Agent) SetMode(mode kalshitypes.AgentMode) {
	a.mode.Store(mode)
	a.gate.SetAgentMode(a.id, mode)
}

// Pause blocks the run loop at its next wake until Resume is called.
// Pause is a gate the loop checks every cycle, not a state it forgets on
// wake (§4.7 step 3).
func (a *Agent) Pause() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.paused {
		return
	}
	a.paused = true
	a.pauseWait = make(chan struct{})
	a.setLifecycle(kalshitypes.LifecyclePaused)
}

// Resume releases a paused agent.
func (a *Agent) Resume() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.paused {
		return
	}
	a.paused = false
	close(a.pauseWait)
}

// Record returns a snapshot of this agent for the control API.
func (a *Agent) Record() kalshitypes.AgentRecord {
	return kalshitypes.AgentRecord{
		AgentID:   a.id,
		Name:      a.name,
		Enabled:   a.enabled.Load(),
		Mode:      a.mode.Load().(kalshitypes.AgentMode),
		Lifecycle: a.lifecycle.Load().(kalshitypes.AgentLifecycle),
	}
}

// Run blocks until ctx is cancelled. It implements the eight-step loop
// in §4.7.
func (a *Agent) Run(ctx context.Context) {
	a.mu.Lock()
	paused := a.paused
	a.mu.Unlock()
	if !paused {
		a.setLifecycle(kalshitypes.LifecycleActive)
	}

	for {
		select {
		case <-ctx.Done():
			a.setLifecycle(kalshitypes.LifecycleStopped)
			return
		case <-a.cache.Updated():
		case <-time.After(heartbeat):
			if a.currentLifecycle() != kalshitypes.LifecyclePaused {
				a.setLifecycle(kalshitypes.LifecycleIdle)
			}
			continue
		}

		if !a.waitUnlessPaused(ctx) {
			a.setLifecycle(kalshitypes.LifecycleStopped)
			return
		}

		if !a.enabled.Load() {
			a.setLifecycle(kalshitypes.LifecycleIdle)
			continue
		}

		a.setLifecycle(kalshitypes.LifecycleActive)
		a.invoke(ctx)
	}
}

// waitUnlessPaused blocks until unpaused or ctx is cancelled. Returns
// false if ctx was cancelled first.
func (a *Agent) waitUnlessPaused(ctx context.Context) bool {
	for {
		a.mu.Lock()
		paused := a.paused
		ch := a.pauseWait
		a.mu.Unlock()

		if !paused {
			return true
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return false
		}
	}
}

// invoke runs the strategy with panic/error isolation: a failing
// strategy goes ERROR, broadcasts, backs off, then resumes ACTIVE,
// without affecting any other agent (§4.7 step 8).
func (a *Agent) invoke(ctx context.Context) {
	err := a.safeCall(ctx)
	if err == nil {
		return
	}

	a.logger.Error("strategy error", "error", err)
	a.setLifecycle(kalshitypes.LifecycleError)
	time.Sleep(errBackoff)
	a.setLifecycle(kalshitypes.LifecycleActive)
}

func (a *Agent) safeCall(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &strategyPanic{value: r}
		}
	}()
	return a.strategy.OnMarketUpdate(ctx)
}

func (a *Agent) currentLifecycle() kalshitypes.AgentLifecycle {
	return a.lifecycle.Load().(kalshitypes.AgentLifecycle)
}

func (a *Agent) setLifecycle(s kalshitypes.AgentLifecycle) {
	a.lifecycle.Store(s)
	if a.onStateChange != nil {
		a.onStateChange(a.Record())
	}
}

type strategyPanic struct{ value any }

func (p *strategyPanic) Error() string {
	return fmt.Sprintf("strategy panicked: %v", p.value)
}
