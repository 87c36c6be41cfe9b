package strategy

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"kalshibot/internal/config"
	"kalshibot/internal/kalshitypes"
	"kalshibot/internal/marketcache"
	"kalshibot/internal/permission"
	"kalshibot/internal/risk"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testGate() *permission.Gate {
	rm := risk.NewManager(config.RiskConfig{CooldownAfterKill: time.Minute}, testLogger())
	g := permission.New(rm, time.Minute, testLogger())
	g.SetGlobalEnabled(true)
	g.SetActiveEnvironment(kalshitypes.Demo)
	g.SetEnvCredentialsLoaded(kalshitypes.Demo, true)
	g.SetAgentMode("maker-1", kalshitypes.ModeAuto)
	g.SetAgentMode("taker-1", kalshitypes.ModeAuto)
	return g
}

func flatPositions(kalshitypes.Position) kalshitypes.Position { return kalshitypes.Position{} }

func TestMakerQuotesBothSidesWhenFlat(t *testing.T) {
	t.Parallel()
	cache := marketcache.New()
	cache.UpsertFromTicker("T1", 40, 55, 42, 10, 5, 1000)
	cache.UpdateStatus("T1", kalshitypes.StatusOpen)

	gate := testGate()
	var submitted []kalshitypes.TradeIntent
	gate.OnSubmit(func(intent kalshitypes.TradeIntent, env kalshitypes.Environment) {
		submitted = append(submitted, intent)
	})

	m := NewMaker("maker-1", MakerConfig{NotionalCents: 1000, MaxSkew: 0.5, RequoteCooldown: time.Hour}, cache, gate, func(string) kalshitypes.Position { return kalshitypes.Position{} }, testLogger())

	if err := m.OnMarketUpdate(context.Background()); err != nil {
		t.Fatalf("OnMarketUpdate: %v", err)
	}

	if len(submitted) != 2 {
		t.Fatalf("submitted = %d intents, want 2", len(submitted))
	}
}

func TestMakerSkipsOverexposedSide(t *testing.T) {
	t.Parallel()
	cache := marketcache.New()
	cache.UpsertFromTicker("T1", 40, 55, 42, 10, 5, 1000)
	cache.UpdateStatus("T1", kalshitypes.StatusOpen)

	gate := testGate()
	var submitted []kalshitypes.TradeIntent
	gate.OnSubmit(func(intent kalshitypes.TradeIntent, env kalshitypes.Environment) {
		submitted = append(submitted, intent)
	})

	heavyYes := func(string) kalshitypes.Position { return kalshitypes.Position{YesCount: 90, NoCount: 10} }
	m := NewMaker("maker-1", MakerConfig{NotionalCents: 1000, MaxSkew: 0.5, RequoteCooldown: time.Hour}, cache, gate, heavyYes, testLogger())

	m.OnMarketUpdate(context.Background())

	for _, intent := range submitted {
		if intent.Side == kalshitypes.SideYes {
			t.Error("expected yes side to be skipped when already heavily long yes")
		}
	}
	if len(submitted) != 1 {
		t.Fatalf("submitted = %d intents, want 1 (no side only)", len(submitted))
	}
}

func TestMakerRespectsRequoteCooldown(t *testing.T) {
	t.Parallel()
	cache := marketcache.New()
	cache.UpsertFromTicker("T1", 40, 55, 42, 10, 5, 1000)
	cache.UpdateStatus("T1", kalshitypes.StatusOpen)

	gate := testGate()
	calls := 0
	gate.OnSubmit(func(kalshitypes.TradeIntent, kalshitypes.Environment) { calls++ })

	m := NewMaker("maker-1", MakerConfig{NotionalCents: 1000, MaxSkew: 0.5, RequoteCooldown: time.Hour}, cache, gate, flatPositions, testLogger())

	m.OnMarketUpdate(context.Background())
	m.OnMarketUpdate(context.Background())

	if calls != 2 {
		t.Errorf("calls = %d, want 2 (second pass should be on cooldown)", calls)
	}
}
