// Package marketcache holds the concurrent ticker -> MarketState map
// that every agent and the control API read from. It
// is the one place WebSocket and discovery updates land before being
// observed elsewhere (§4.6).
package marketcache

import (
	"sync"

	"kalshibot/internal/kalshitypes"
)

// Cache is a mutex-guarded map of market ticker to state, with a
// single-slot update notifier so an agent's run loop can wake on any
// change without buffering a backlog of them (§5).
type Cache struct {
	mu      sync.RWMutex
	markets map[string]*kalshitypes.MarketState

	notify chan struct{}
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{
		markets: make(map[string]*kalshitypes.MarketState),
		notify:  make(chan struct{}, 1),
	}
}

// Get returns a copy of the state for ticker, or false if not present.
func (c *Cache) Get(ticker string) (kalshitypes.MarketState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.markets[ticker]
	if !ok {
		return kalshitypes.MarketState{}, false
	}
	return *m, true
}

// GetAll returns a copy of every tracked market, keyed by ticker.
func (c *Cache) GetAll() map[string]kalshitypes.MarketState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]kalshitypes.MarketState, len(c.markets))
	for ticker, m := range c.markets {
		out[ticker] = *m
	}
	return out
}

// Size returns the number of tracked markets.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.markets)
}

// entry returns the live pointer for ticker, creating an empty entry if
// absent. Caller must hold c.mu for writing.
func (c *Cache) entry(ticker string) *kalshitypes.MarketState {
	m, ok := c.markets[ticker]
	if !ok {
		m = &kalshitypes.MarketState{Ticker: ticker, Status: kalshitypes.StatusOpen}
		c.markets[ticker] = m
	}
	return m
}

// UpsertFromTicker applies a ticker_v2-style quote update.
func (c *Cache) UpsertFromTicker(ticker string, yesBid, noBid, lastPrice int, volume, openInt int64, updatedMs int64) {
	c.mu.Lock()
	c.entry(ticker).ApplyQuote(yesBid, noBid, lastPrice, volume, openInt, updatedMs)
	c.mu.Unlock()
	c.signal()
}

// ApplyOrderbookSnapshot replaces a market's full depth.
func (c *Cache) ApplyOrderbookSnapshot(ticker string, yes, no kalshitypes.OrderbookSide, seq int64, updatedMs int64) {
	c.mu.Lock()
	c.entry(ticker).ApplyOrderbookSnapshot(yes, no, seq, updatedMs)
	c.mu.Unlock()
	c.signal()
}

// ApplyOrderbookDelta mutates one price level. Returns false without
// applying the mutation if ticker is not yet tracked (a delta cannot
// arrive before its corresponding snapshot in valid protocol use).
func (c *Cache) ApplyOrderbookDelta(ticker string, side kalshitypes.Side, price, qty int, seq int64, updatedMs int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.markets[ticker]
	if !ok {
		return false
	}
	m.ApplyOrderbookPatch(side, price, qty, seq, updatedMs)
	c.signal()
	return true
}

// AppendTrade records a public trade print in the bounded history.
func (c *Cache) AppendTrade(ticker string, t kalshitypes.Trade) {
	c.mu.Lock()
	c.entry(ticker).AppendTrade(t)
	c.mu.Unlock()
	c.signal()
}

// UpdateStatus sets a market's lifecycle status, e.g. on close/settle.
func (c *Cache) UpdateStatus(ticker string, status kalshitypes.MarketStatus) {
	c.mu.Lock()
	c.entry(ticker).Status = status
	c.mu.Unlock()
	c.signal()
}

// UpsertFromDiscovery merges a freshly discovered market snapshot. A new
// ticker is stored as given; for a tracked ticker only the metadata
// (event, series, status, opportunity score) is refreshed, keeping the
// WebSocket-owned prices, orderbook, and recent trades already held.
func (c *Cache) UpsertFromDiscovery(m *kalshitypes.MarketState) {
	c.mu.Lock()
	if existing, ok := c.markets[m.Ticker]; ok {
		existing.EventID = m.EventID
		existing.SeriesID = m.SeriesID
		existing.Status = m.Status
		existing.OpportunityScore = m.OpportunityScore
	} else {
		c.markets[m.Ticker] = m
	}
	c.mu.Unlock()
	c.signal()
}

// SetOpportunityScore attaches discovery's non-authoritative ranking
// score to a tracked market.
func (c *Cache) SetOpportunityScore(ticker string, score float64) {
	c.mu.Lock()
	if m, ok := c.markets[ticker]; ok {
		m.OpportunityScore = score
	}
	c.mu.Unlock()
}

// Remove drops a market from the cache, e.g. once settled and reconciled.
func (c *Cache) Remove(ticker string) {
	c.mu.Lock()
	delete(c.markets, ticker)
	c.mu.Unlock()
}

// Updated returns the capacity-1 notification channel: a receive
// unblocks once at least one update has landed since the last receive.
// Multiple updates between receives coalesce into a single wakeup.
func (c *Cache) Updated() <-chan struct{} { return c.notify }

// signal performs a non-blocking send, safe to call with or without
// c.mu held: channel sends need no external synchronization.
func (c *Cache) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}
