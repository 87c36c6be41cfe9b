package risk

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"kalshibot/internal/config"
)

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		MaxPositionPerMarketCents: 10000,
		MaxGlobalExposureCents:    50000,
		MaxMarketsActive:          5,
		KillSwitchDropPct:         0.10, // 10%
		KillSwitchWindowSec:       60,
		MaxDailyLossCents:         5000,
		CooldownAfterKill:         5 * time.Minute,
	}
}

func newTestManager() *Manager {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewManager(testRiskConfig(), logger)
}

func TestProcessReportUnderLimits(t *testing.T) {
	t.Parallel()
	rm := newTestManager()

	rm.processReport(PositionReport{
		MarketTicker:  "m1",
		ExposureCents: 5000,
		RealizedPnL:   0,
		UnrealizedPnL: 0,
		MidPrice:      50,
		Timestamp:     time.Now(),
	})

	if rm.killSwitchActive {
		t.Error("kill switch should not fire for report under limits")
	}

	select {
	case sig := <-rm.killCh:
		t.Errorf("unexpected kill signal: %+v", sig)
	default:
	}
}

func TestProcessReportPerMarketBreach(t *testing.T) {
	t.Parallel()
	rm := newTestManager()

	rm.processReport(PositionReport{
		MarketTicker:  "m1",
		ExposureCents: 15000, // exceeds 10000 limit
		MidPrice:      50,
		Timestamp:     time.Now(),
	})

	if !rm.killSwitchActive {
		t.Error("kill switch should fire for per-market breach")
	}

	select {
	case sig := <-rm.killCh:
		if sig.MarketTicker != "m1" {
			t.Errorf("kill signal market = %q, want m1", sig.MarketTicker)
		}
	default:
		t.Error("expected kill signal on channel")
	}
}

func TestProcessReportGlobalBreach(t *testing.T) {
	t.Parallel()
	rm := newTestManager()

	rm.processReport(PositionReport{MarketTicker: "m1", ExposureCents: 9000, MidPrice: 50, Timestamp: time.Now()})
	rm.processReport(PositionReport{MarketTicker: "m2", ExposureCents: 9000, MidPrice: 50, Timestamp: time.Now()})
	rm.processReport(PositionReport{MarketTicker: "m3", ExposureCents: 9000, MidPrice: 50, Timestamp: time.Now()})
	rm.processReport(PositionReport{MarketTicker: "m4", ExposureCents: 9000, MidPrice: 50, Timestamp: time.Now()})
	rm.processReport(PositionReport{MarketTicker: "m5", ExposureCents: 9000, MidPrice: 50, Timestamp: time.Now()})
	rm.processReport(PositionReport{MarketTicker: "m6", ExposureCents: 9000, MidPrice: 50, Timestamp: time.Now()})

	// total = 54000 > 50000 global limit
	if !rm.killSwitchActive {
		t.Error("kill switch should fire for global exposure breach")
	}

	drained := 0
	for {
		select {
		case <-rm.killCh:
			drained++
		default:
			goto done
		}
	}
done:
	if drained == 0 {
		t.Error("expected at least one kill signal")
	}
}

func TestProcessReportDailyLossBreach(t *testing.T) {
	t.Parallel()
	rm := newTestManager()

	rm.processReport(PositionReport{
		MarketTicker:  "m1",
		ExposureCents: 1000,
		RealizedPnL:   -3000,
		UnrealizedPnL: -2500,
		MidPrice:      50,
		Timestamp:     time.Now(),
	})

	// total PnL = -3000 + -2500 = -5500 < -5000 threshold
	if !rm.killSwitchActive {
		t.Error("kill switch should fire for daily loss breach")
	}
}

func TestCheckPriceMovementNormal(t *testing.T) {
	t.Parallel()
	rm := newTestManager()

	now := time.Now()

	rm.processReport(PositionReport{
		MarketTicker: "m1",
		MidPrice:     50,
		Timestamp:    now,
	})

	rm.processReport(PositionReport{
		MarketTicker: "m1",
		MidPrice:     52, // 4% move, below 10% threshold
		Timestamp:    now.Add(10 * time.Second),
	})

	select {
	case <-rm.killCh:
		t.Error("should not fire kill for 4% move")
	default:
	}
}

func TestCheckPriceMovementSpike(t *testing.T) {
	t.Parallel()
	rm := newTestManager()

	now := time.Now()

	rm.processReport(PositionReport{
		MarketTicker: "m1",
		MidPrice:     50,
		Timestamp:    now,
	})

	rm.processReport(PositionReport{
		MarketTicker: "m1",
		MidPrice:     35, // 30% drop, exceeds 10% threshold
		Timestamp:    now.Add(10 * time.Second),
	})

	if !rm.killSwitchActive {
		t.Error("kill switch should fire for 30% price spike")
	}
}

func TestRemainingBudget(t *testing.T) {
	t.Parallel()
	rm := newTestManager()

	remaining := rm.RemainingBudget("m1")
	if remaining != 10000 { // min(per-market 10000, global 50000)
		t.Errorf("remaining = %v, want 10000", remaining)
	}

	rm.processReport(PositionReport{
		MarketTicker:  "m1",
		ExposureCents: 6000,
		MidPrice:      50,
		Timestamp:     time.Now(),
	})

	remaining = rm.RemainingBudget("m1")
	if remaining != 4000 { // 10000 - 6000 per-market; 50000 - 6000 global; min = 4000
		t.Errorf("remaining = %v, want 4000", remaining)
	}
}

func TestRemainingBudgetGlobalConstrained(t *testing.T) {
	t.Parallel()
	rm := newTestManager()

	for i := 0; i < 5; i++ {
		rm.processReport(PositionReport{
			MarketTicker:  "other-" + string(rune('A'+i)),
			ExposureCents: 9500,
			MidPrice:      50,
			Timestamp:     time.Now(),
		})
	}
	for {
		select {
		case <-rm.killCh:
		default:
			goto done2
		}
	}
done2:

	// total exposure = 47500. global remaining = 50000 - 47500 = 2500.
	// per-market m1 = 10000 (no position). min(10000, 2500) = 2500.
	remaining := rm.RemainingBudget("m1")
	if remaining != 2500 {
		t.Errorf("remaining = %v, want 2500 (global constrained)", remaining)
	}
}

func TestIsKillSwitchCooldown(t *testing.T) {
	t.Parallel()
	rm := newTestManager()

	rm.cfg.CooldownAfterKill = 100 * time.Millisecond
	rm.processReport(PositionReport{
		MarketTicker:  "m1",
		ExposureCents: 20000, // exceeds per-market limit
		MidPrice:      50,
		Timestamp:     time.Now(),
	})

	if !rm.IsKillSwitchActive() {
		t.Error("kill switch should be active immediately after breach")
	}

	time.Sleep(150 * time.Millisecond)

	if rm.IsKillSwitchActive() {
		t.Error("kill switch should expire after cooldown")
	}
}

func TestRemoveMarketRecomputesTotals(t *testing.T) {
	t.Parallel()
	rm := newTestManager()

	now := time.Now()
	rm.processReport(PositionReport{MarketTicker: "m1", ExposureCents: 6000, RealizedPnL: 500, MidPrice: 50, Timestamp: now})
	rm.processReport(PositionReport{MarketTicker: "m2", ExposureCents: 7000, RealizedPnL: 300, MidPrice: 50, Timestamp: now})

	if got := rm.totalExposure; got != 13000 {
		t.Fatalf("totalExposure before remove = %v, want 13000", got)
	}
	if got := rm.totalRealizedPnL; got != 800 {
		t.Fatalf("totalRealizedPnL before remove = %v, want 800", got)
	}

	rm.RemoveMarket("m2")

	if got := rm.totalExposure; got != 6000 {
		t.Fatalf("totalExposure after remove = %v, want 6000", got)
	}
	if got := rm.totalRealizedPnL; got != 500 {
		t.Fatalf("totalRealizedPnL after remove = %v, want 500", got)
	}
}

func TestGetRiskSnapshotReflectsState(t *testing.T) {
	t.Parallel()
	rm := newTestManager()

	rm.processReport(PositionReport{MarketTicker: "m1", ExposureCents: 4000, RealizedPnL: 200, UnrealizedPnL: -50, MidPrice: 50, Timestamp: time.Now()})

	snap := rm.GetRiskSnapshot()
	if snap.GlobalExposureCents != 4000 {
		t.Errorf("GlobalExposureCents = %d, want 4000", snap.GlobalExposureCents)
	}
	if snap.MaxGlobalExposureCents != 50000 {
		t.Errorf("MaxGlobalExposureCents = %d, want 50000", snap.MaxGlobalExposureCents)
	}
	if snap.MarketsActive != 1 {
		t.Errorf("MarketsActive = %d, want 1", snap.MarketsActive)
	}
	if snap.TotalUnrealizedPnL != -50 {
		t.Errorf("TotalUnrealizedPnL = %d, want -50", snap.TotalUnrealizedPnL)
	}
}
