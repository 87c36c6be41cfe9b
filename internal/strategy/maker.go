// Package strategy implements reference agent strategies against the
// shared MarketState/TradeIntent contracts: a spread-capture maker and a
// momentum/imbalance taker (§4.7, §12).
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

// PositionProvider returns the execution engine's current view of a
// market's position, used to skew maker quotes away from an already
// heavy side. Returns the zero Position if none is tracked yet.
type PositionProvider func(ticker string) kalshitypes.Position

// MakerConfig tunes the spread-capture maker.
type MakerConfig struct {
	NotionalCents   int64         // target notional per side, in cents
	MaxSkew         float64       // |NetDelta| above which that side is skipped
	RequoteCooldown time.Duration // minimum gap between intents on the same ticker
}

// Maker posts symmetric bid/ask buy intents on every open market,
// joining the best bid on each side and sizing by configured notional.
// It skews away from whichever side its current inventory already
// favors, rather than maintaining a persistent resting-order book: the
// execution engine, not the strategy, owns order lifecycle (§4.7, §4.9).
type Maker struct {
	cfg       MakerConfig
	cache     *marketcache.Cache
	gate      *permission.Gate
	positions PositionProvider
	agentID   string

	mu        sync.Mutex
	lastQuote map[string]time.Time

	logger *slog.Logger
}

// NewMaker creates a spread-capture maker for agentID.
func NewMaker(agentID string, cfg MakerConfig, cache *marketcache.Cache, gate *permission.Gate, positions PositionProvider, logger *slog.Logger) *Maker {
	return &Maker{
		cfg:       cfg,
		cache:     cache,
		gate:      gate,
		positions: positions,
		agentID:   agentID,
		lastQuote: make(map[string]time.Time),
		logger:    logger.With("component", "strategy", "strategy", "maker", "agent_id", agentID),
	}
}

// OnMarketUpdate scans every open market and emits quote intents.
func (m *Maker) OnMarketUpdate(ctx context.Context) error {
	now := time.Now()
	for ticker, state := range m.cache.GetAll() {
		if state.Status != kalshitypes.StatusOpen {
			continue
		}
		if !m.readyToQuote(ticker, now) {
			continue
		}
		m.quote(ticker, state)
	}
	return nil
}

func (m *Maker) readyToQuote(ticker string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if last, ok := m.lastQuote[ticker]; ok && now.Sub(last) < m.cfg.RequoteCooldown {
		return false
	}
	m.lastQuote[ticker] = now
	return true
}

func (m *Maker) quote(ticker string, state kalshitypes.MarketState) {
	skew := netDelta(m.positions(ticker))

	if skew <= m.cfg.MaxSkew && state.YesBid > 0 {
		m.submitQuote(ticker, kalshitypes.SideYes, state.YesBid)
	}
	if skew >= -m.cfg.MaxSkew && state.NoBid > 0 {
		m.submitQuote(ticker, kalshitypes.SideNo, state.NoBid)
	}
}

func (m *Maker) submitQuote(ticker string, side kalshitypes.Side, price int) {
	if price < 1 || price > 99 {
		return
	}
	count := int(m.cfg.NotionalCents / int64(price))
	if count < 1 {
		count = 1
	}

	intent := kalshitypes.TradeIntent{
		AgentID:       m.agentID,
		ClientOrderID: newClientOrderID(),
		MarketTicker:  ticker,
		Action:        kalshitypes.ActionBuy,
		Side:          side,
		OrderType:     kalshitypes.OrderTypeLimit,
		Price:         price,
		Count:         count,
		Confidence:    1 - absFloat(netDelta(m.positions(ticker))),
		GeneratedAtMs: time.Now().UnixMilli(),
	}

	m.logger.Debug("quote generated", "ticker", ticker, "side", side, "price", price, "count", count)
	m.gate.Submit(intent)
}

// netDelta returns inventory skew in [-1, 1]: +1 fully long yes, -1
// fully long no, 0 balanced or flat.
func netDelta(p kalshitypes.Position) float64 {
	total := p.YesCount + p.NoCount
	if total == 0 {
		return 0
	}
	return float64(p.YesCount-p.NoCount) / float64(total)
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
