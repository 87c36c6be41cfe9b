package strategy

import (
	"context"
	"testing"
	"time"

	"kalshibot/internal/kalshitypes"
	"kalshibot/internal/marketcache"
)

func TestTakerCrossesOnOrderbookImbalance(t *testing.T) {
	t.Parallel()
	cache := marketcache.New()
	cache.UpsertFromTicker("T1", 40, 55, 42, 10, 5, 1000)
	cache.ApplyOrderbookSnapshot("T1", kalshitypes.OrderbookSide{40: 90}, kalshitypes.OrderbookSide{55: 10}, 1, 1000)

	gate := testGate()
	var submitted []kalshitypes.TradeIntent
	gate.OnSubmit(func(intent kalshitypes.TradeIntent, env kalshitypes.Environment) {
		submitted = append(submitted, intent)
	})

	tk := NewTaker("taker-1", TakerConfig{FlowWindow: time.Minute, ImbalanceThreshold: 0.15, BaseCount: 1, Cooldown: time.Hour}, cache, gate, testLogger())
	tk.OnMarketUpdate(context.Background())

	if len(submitted) != 1 {
		t.Fatalf("submitted = %d, want 1", len(submitted))
	}
	if submitted[0].Side != kalshitypes.SideYes {
		t.Errorf("side = %v, want yes (yes depth dominates)", submitted[0].Side)
	}
}

func TestTakerSkipsBelowThreshold(t *testing.T) {
	t.Parallel()
	cache := marketcache.New()
	cache.UpsertFromTicker("T1", 40, 55, 42, 10, 5, 1000)
	cache.ApplyOrderbookSnapshot("T1", kalshitypes.OrderbookSide{40: 52}, kalshitypes.OrderbookSide{55: 48}, 1, 1000)

	gate := testGate()
	calls := 0
	gate.OnSubmit(func(kalshitypes.TradeIntent, kalshitypes.Environment) { calls++ })

	tk := NewTaker("taker-1", TakerConfig{FlowWindow: time.Minute, ImbalanceThreshold: 0.15, BaseCount: 1, Cooldown: time.Hour}, cache, gate, testLogger())
	tk.OnMarketUpdate(context.Background())

	if calls != 0 {
		t.Errorf("calls = %d, want 0 (imbalance below threshold)", calls)
	}
}

func TestTakerFallsBackToTradeFlowWithoutOrderbook(t *testing.T) {
	t.Parallel()
	cache := marketcache.New()
	cache.UpsertFromTicker("T1", 40, 55, 42, 10, 5, 1000)
	now := time.Now()
	cache.AppendTrade("T1", kalshitypes.Trade{TradeID: "t1", Count: 9, Side: kalshitypes.SideYes, Timestamp: now})
	cache.AppendTrade("T1", kalshitypes.Trade{TradeID: "t2", Count: 1, Side: kalshitypes.SideNo, Timestamp: now})

	gate := testGate()
	var submitted []kalshitypes.TradeIntent
	gate.OnSubmit(func(intent kalshitypes.TradeIntent, env kalshitypes.Environment) {
		submitted = append(submitted, intent)
	})

	tk := NewTaker("taker-1", TakerConfig{FlowWindow: time.Minute, ImbalanceThreshold: 0.15, BaseCount: 1, Cooldown: time.Hour}, cache, gate, testLogger())
	tk.OnMarketUpdate(context.Background())

	if len(submitted) != 1 {
		t.Fatalf("submitted = %d, want 1", len(submitted))
	}
	if submitted[0].Side != kalshitypes.SideYes {
		t.Errorf("side = %v, want yes (trade flow favors yes)", submitted[0].Side)
	}
}

func TestTakerRespectsCooldown(t *testing.T) {
	t.Parallel()
	cache := marketcache.New()
	cache.UpsertFromTicker("T1", 40, 55, 42, 10, 5, 1000)
	cache.ApplyOrderbookSnapshot("T1", kalshitypes.OrderbookSide{40: 90}, kalshitypes.OrderbookSide{55: 10}, 1, 1000)

	gate := testGate()
	calls := 0
	gate.OnSubmit(func(kalshitypes.TradeIntent, kalshitypes.Environment) { calls++ })

	tk := NewTaker("taker-1", TakerConfig{FlowWindow: time.Minute, ImbalanceThreshold: 0.15, BaseCount: 1, Cooldown: time.Hour}, cache, gate, testLogger())
	tk.OnMarketUpdate(context.Background())
	tk.OnMarketUpdate(context.Background())

	if calls != 1 {
		t.Errorf("calls = %d, want 1 (second pass on cooldown)", calls)
	}
}
