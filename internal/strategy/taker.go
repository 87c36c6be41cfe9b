package strategy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"kalshibot/internal/kalshitypes"
	"kalshibot/internal/marketcache"
	"kalshibot/internal/permission"
)

// TakerConfig tunes the momentum/imbalance taker.
type TakerConfig struct {
	FlowWindow         time.Duration // recent-trade window used when no orderbook is available
	ImbalanceThreshold float64       // minimum |imbalance| to trade
	BaseCount          int           // contracts per order
	Cooldown           time.Duration // minimum gap between orders on the same ticker
}

// Taker reads order-book imbalance (falling back to recent trade-flow
// direction when no book is cached yet) and crosses the spread on every
// open market where the signal exceeds the configured threshold. It
// mirrors the original system's volume-direction and orderbook-imbalance
// agents collapsed into a single signal (§4.7, §12).
type Taker struct {
	cfg     TakerConfig
	cache   *marketcache.Cache
	gate    *permission.Gate
	agentID string

	mu       sync.Mutex
	lastTrade map[string]time.Time // last order timestamp per ticker, cooldown guard

	logger *slog.Logger
}

// NewTaker creates a momentum/imbalance taker for agentID.
func NewTaker(agentID string, cfg TakerConfig, cache *marketcache.Cache, gate *permission.Gate, logger *slog.Logger) *Taker {
	return &Taker{
		cfg:       cfg,
		cache:     cache,
		gate:      gate,
		agentID:   agentID,
		lastTrade: make(map[string]time.Time),
		logger:    logger.With("component", "strategy", "strategy", "taker", "agent_id", agentID),
	}
}

// OnMarketUpdate scans every open market for a strong directional signal.
func (t *Taker) OnMarketUpdate(ctx context.Context) error {
	now := time.Now()
	for ticker, state := range t.cache.GetAll() {
		if state.Status != kalshitypes.StatusOpen {
			continue
		}
		if !t.offCooldown(ticker, now) {
			continue
		}

		imbalance, ok := t.signal(state, now)
		if !ok {
			continue
		}
		abs := absFloat(imbalance)
		if abs < t.cfg.ImbalanceThreshold {
			continue
		}

		t.cross(ticker, state, imbalance, abs)
		t.markTraded(ticker, now)
	}
	return nil
}

func (t *Taker) offCooldown(ticker string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	last, ok := t.lastTrade[ticker]
	return !ok || now.Sub(last) >= t.cfg.Cooldown
}

func (t *Taker) markTraded(ticker string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastTrade[ticker] = now
}

// signal returns a value in [-1, 1]: positive means yes-side flow or
// depth dominates, negative means no-side dominates. Prefers live
// orderbook depth; falls back to recent trade-flow volume within
// FlowWindow when no book is cached for this market yet.
func (t *Taker) signal(state kalshitypes.MarketState, now time.Time) (float64, bool) {
	if state.Orderbook != nil {
		yesVol := sumQty(state.Orderbook.Yes)
		noVol := sumQty(state.Orderbook.No)
		total := yesVol + noVol
		if total > 0 {
			return float64(yesVol-noVol) / float64(total), true
		}
	}

	cutoff := now.Add(-t.cfg.FlowWindow)
	var yesVol, noVol int
	for _, trade := range state.RecentTrades {
		if trade.Timestamp.Before(cutoff) {
			continue
		}
		if trade.Side == kalshitypes.SideYes {
			yesVol += trade.Count
		} else {
			noVol += trade.Count
		}
	}
	total := yesVol + noVol
	if total == 0 {
		return 0, false
	}
	return float64(yesVol-noVol) / float64(total), true
}

func (t *Taker) cross(ticker string, state kalshitypes.MarketState, imbalance, confidence float64) {
	side := kalshitypes.SideYes
	price := state.YesAsk
	if imbalance < 0 {
		side = kalshitypes.SideNo
		price = state.NoAsk
	}
	if price < 1 || price > 99 {
		return
	}

	intent := kalshitypes.TradeIntent{
		AgentID:       t.agentID,
		ClientOrderID: newClientOrderID(),
		MarketTicker:  ticker,
		Action:        kalshitypes.ActionBuy,
		Side:          side,
		OrderType:     kalshitypes.OrderTypeLimit,
		Price:         price,
		Count:         t.cfg.BaseCount,
		Confidence:    confidence,
		GeneratedAtMs: time.Now().UnixMilli(),
	}

	t.logger.Info("crossing spread", "ticker", ticker, "side", side, "price", price, "imbalance", imbalance)
	t.gate.Submit(intent)
}

func sumQty(side kalshitypes.OrderbookSide) int {
	total := 0
	for _, qty := range side {
		total += qty
	}
	return total
}
