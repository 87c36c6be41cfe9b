// Package risk enforces portfolio-level risk limits across all active
// markets.
//
// The risk manager runs as a standalone goroutine that receives
// PositionReports from the execution engine for every market with an
// open position and checks them against configured limits:
//
//   - Per-market exposure:  caps cent exposure in any single market
//   - Global exposure:      caps total cent exposure across all markets
//   - Daily loss:           triggers kill switch if realized+unrealized PnL
//     exceeds threshold
//   - Rapid price movement: triggers kill switch if mid-price moves more
//     than KillSwitchDropPct within KillSwitchWindowSec seconds
//
// When a limit is breached, the manager emits a KillSignal on KillCh().
// The permission layer's risk gate is the one reader of this channel: it
// stops forwarding new intents for the killed market (or for every
// market, on a global kill). Resting orders are not cancelled on a kill.
// After a kill, the kill switch stays active for CooldownAfterKill
// (§4.8, §11).
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"kalshibot/internal/config"
	"kalshibot/internal/kalshitypes"
)

// PositionReport is sent by the execution engine whenever a market's
// position or mark-to-market PnL changes.
type PositionReport struct {
	MarketTicker  string
	YesCount      int
	NoCount       int
	MidPrice      float64 // current mid price in cents, used for movement detection
	ExposureCents int64   // total position value in cents
	UnrealizedPnL int64
	RealizedPnL   int64
	Timestamp     time.Time
}

// KillSignal tells listeners to cancel resting orders and stop
// forwarding new intents. An empty MarketTicker means a global kill.
type KillSignal struct {
	MarketTicker string
	Reason       string
}

// priceAnchor stores a reference price at a point in time for detecting
// rapid price movements within a rolling window.
type priceAnchor struct {
	price     float64
	timestamp time.Time
}

// Manager enforces risk limits across all active markets. It aggregates
// position reports, checks limits, and emits kill signals when breached.
type Manager struct {
	cfg    config.RiskConfig
	logger *slog.Logger

	mu               sync.RWMutex
	positions        map[string]PositionReport
	totalExposure    int64
	totalRealizedPnL int64
	killSwitchActive bool
	killSwitchUntil  time.Time
	killReason       string
	priceAnchors     map[string]priceAnchor

	reportCh chan PositionReport
	killCh   chan KillSignal
}

// NewManager creates a risk manager.
func NewManager(cfg config.RiskConfig, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:          cfg,
		logger:       logger.With("component", "risk"),
		positions:    make(map[string]PositionReport),
		priceAnchors: make(map[string]priceAnchor),
		reportCh:     make(chan PositionReport, 100),
		killCh:       make(chan KillSignal, 10),
	}
}

// Run starts the risk monitoring loop.
func (rm *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case report := <-rm.reportCh:
			rm.processReport(report)
		case <-ticker.C:
			rm.clearExpiredKillSwitch()
		}
	}
}

// Report submits a position report (non-blocking).
func (rm *Manager) Report(report PositionReport) {
	select {
	case rm.reportCh <- report:
	default:
		rm.logger.Warn("risk report channel full, dropping report", "ticker", report.MarketTicker)
	}
}

// KillCh returns the channel for reading kill signals.
func (rm *Manager) KillCh() <-chan KillSignal {
	return rm.killCh
}

// RemoveMarket cleans up state for a stopped market.
func (rm *Manager) RemoveMarket(ticker string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	delete(rm.positions, ticker)
	delete(rm.priceAnchors, ticker)

	rm.totalExposure = 0
	rm.totalRealizedPnL = 0
	for _, pos := range rm.positions {
		rm.totalExposure += pos.ExposureCents
		rm.totalRealizedPnL += pos.RealizedPnL
	}
}

// IsKillSwitchActive reports whether the kill switch is currently
// engaged, clearing it first if the cooldown has elapsed.
func (rm *Manager) IsKillSwitchActive() bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if !rm.killSwitchActive {
		return false
	}
	if time.Now().After(rm.killSwitchUntil) {
		rm.killSwitchActive = false
		rm.logger.Info("kill switch cooldown expired")
		return false
	}
	return true
}

// RemainingBudget returns the additional cent exposure allowed for
// ticker: the minimum of per-market headroom and global headroom. Zero
// means either limit is already exceeded.
func (rm *Manager) RemainingBudget(ticker string) int64 {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	var currentExposure int64
	if pos, ok := rm.positions[ticker]; ok {
		currentExposure = pos.ExposureCents
	}

	perMarket := rm.cfg.MaxPositionPerMarketCents - currentExposure
	global := rm.cfg.MaxGlobalExposureCents - rm.totalExposure

	remaining := perMarket
	if global < remaining {
		remaining = global
	}
	if remaining < 0 {
		return 0
	}
	return remaining
}

// GetRiskSnapshot returns current aggregate risk metrics for the
// control API.
func (rm *Manager) GetRiskSnapshot() kalshitypes.RiskSnapshot {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	var totalUnrealizedPnL int64
	for _, pos := range rm.positions {
		totalUnrealizedPnL += pos.UnrealizedPnL
	}

	return kalshitypes.RiskSnapshot{
		GlobalExposureCents:    rm.totalExposure,
		MaxGlobalExposureCents: rm.cfg.MaxGlobalExposureCents,
		KillSwitchActive:       rm.killSwitchActive,
		KillSwitchUntil:        rm.killSwitchUntil,
		KillSwitchReason:       rm.killReason,
		TotalRealizedPnL:       rm.totalRealizedPnL,
		TotalUnrealizedPnL:     totalUnrealizedPnL,
		MarketsActive:          len(rm.positions),
	}
}

func (rm *Manager) processReport(report PositionReport) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.positions[report.MarketTicker] = report

	rm.totalExposure = 0
	rm.totalRealizedPnL = 0
	var totalUnrealizedPnL int64
	for _, pos := range rm.positions {
		rm.totalExposure += pos.ExposureCents
		rm.totalRealizedPnL += pos.RealizedPnL
		totalUnrealizedPnL += pos.UnrealizedPnL
	}

	if report.ExposureCents > rm.cfg.MaxPositionPerMarketCents {
		rm.emitKill(report.MarketTicker, "per-market position limit breached")
	}

	if rm.totalExposure > rm.cfg.MaxGlobalExposureCents {
		rm.emitKill("", "global exposure limit breached")
	}

	totalPnL := rm.totalRealizedPnL + totalUnrealizedPnL
	if totalPnL < -rm.cfg.MaxDailyLossCents {
		rm.emitKill("", "max daily loss breached")
	}

	rm.checkPriceMovement(report)
}

// checkPriceMovement detects rapid price swings using a rolling anchor.
// On each report, it compares mid-price to the anchor set at the start
// of the window. If the anchor is older than KillSwitchWindowSec, it
// resets. If price moved more than KillSwitchDropPct from anchor, the
// kill switch fires.
func (rm *Manager) checkPriceMovement(report PositionReport) {
	window := time.Duration(rm.cfg.KillSwitchWindowSec) * time.Second

	anchor, ok := rm.priceAnchors[report.MarketTicker]
	if !ok || report.Timestamp.Sub(anchor.timestamp) > window {
		rm.priceAnchors[report.MarketTicker] = priceAnchor{price: report.MidPrice, timestamp: report.Timestamp}
		return
	}

	if anchor.price == 0 {
		return
	}

	pctChange := (report.MidPrice - anchor.price) / anchor.price
	if pctChange < 0 {
		pctChange = -pctChange
	}

	if pctChange > rm.cfg.KillSwitchDropPct {
		rm.emitKill(report.MarketTicker, fmt.Sprintf("rapid price movement: %.1f%% in %ds", pctChange*100, rm.cfg.KillSwitchWindowSec))
	}
}

func (rm *Manager) clearExpiredKillSwitch() {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.killSwitchActive && time.Now().After(rm.killSwitchUntil) {
		rm.killSwitchActive = false
		rm.logger.Info("kill switch cooldown expired")
	}
}

// emitKill activates the kill switch, starts the cooldown timer, and
// sends a KillSignal. If the kill channel is full, the stale signal is
// drained first so the latest reason is always delivered.
func (rm *Manager) emitKill(ticker, reason string) {
	rm.killSwitchActive = true
	rm.killSwitchUntil = time.Now().Add(rm.cfg.CooldownAfterKill)
	rm.killReason = reason

	rm.logger.Error("kill switch engaged", "ticker", ticker, "reason", reason, "cooldown_until", rm.killSwitchUntil)

	sig := KillSignal{MarketTicker: ticker, Reason: reason}
	select {
	case rm.killCh <- sig:
	default:
		select {
		case <-rm.killCh:
		default:
		}
		rm.killCh <- sig
	}
}
