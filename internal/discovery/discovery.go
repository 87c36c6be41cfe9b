// Package discovery runs the periodic market enumeration loop: it
// paginates the exchange's market listing, upserts every market into
// the shared cache and persistence, maps exchange status onto the
// internal lifecycle, and drives WebSocket subscriptions to match
// (§4.10).
package discovery

import (
	"context"
	"log/slog"
	"math"
	"time"

	"kalshibot/internal/config"
	"kalshibot/internal/exchange"
	"kalshibot/internal/kalshitypes"
	"kalshibot/internal/marketcache"
	"kalshibot/internal/store"
)

// Discoverer owns the periodic discovery loop for one environment.
type Discoverer struct {
	cfg    config.DiscoveryConfig
	client *exchange.Client
	cache  *marketcache.Cache
	store  *store.Store
	feed   *exchange.WSFeed
	env    kalshitypes.Environment
	logger *slog.Logger

	subscribed map[string]bool
}

// New creates a Discoverer wired to one environment's client, cache,
// store, and WebSocket feed.
func New(cfg config.DiscoveryConfig, client *exchange.Client, cache *marketcache.Cache, st *store.Store, feed *exchange.WSFeed, env kalshitypes.Environment, logger *slog.Logger) *Discoverer {
	return &Discoverer{
		cfg: cfg, client: client, cache: cache, store: st, feed: feed, env: env,
		logger:     logger.With("component", "discovery", "environment", env),
		subscribed: make(map[string]bool),
	}
}

// Run performs one immediate discovery pass, then repeats on cfg.Interval
// until ctx is cancelled.
func (d *Discoverer) Run(ctx context.Context) {
	d.runOnce(ctx)

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.runOnce(ctx)
		}
	}
}

// runOnce paginates the full market listing once, yielding between
// pages so discovery never starves other goroutines.
func (d *Discoverer) runOnce(ctx context.Context) {
	cursor := ""
	for {
		markets, next, err := d.client.GetMarkets(ctx, cursor, d.cfg.PageLimit)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(d.cfg.PageBackoff):
			}
			continue // retry the same cursor
		}

		for _, m := range markets {
			d.upsert(ctx, m)
		}

		if next == "" {
			return
		}
		cursor = next

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// upsert records one market's latest snapshot and reconciles its
// subscription state against the mapped lifecycle status.
func (d *Discoverer) upsert(ctx context.Context, m *kalshitypes.MarketState) {
	m.OpportunityScore = opportunityScore(*m)
	d.cache.UpsertFromDiscovery(m)

	if err := d.store.UpsertMarket(ctx, *m); err != nil {
		d.logger.Warn("persist market failed", "ticker", m.Ticker, "error", err)
		// persistence failure never blocks the trading path (§9); fall
		// through to the subscription decision regardless.
	}

	d.reconcileSubscription(m.Ticker, wantSubscription(m.Status))
}

// wantSubscription maps the internal lifecycle status onto the desired
// WebSocket subscription state: ACTIVE (open) and WATCHLIST (halted)
// markets stay subscribed, everything else does not (§4.10).
func wantSubscription(status kalshitypes.MarketStatus) bool {
	return status == kalshitypes.StatusOpen || status == kalshitypes.StatusHalted
}

// reconcileSubscription updates the desired set unconditionally: the
// WebSocket feed's own `desired` map (internal/exchange/ws.go) is what
// actually survives reconnects and gets replayed, so a send failure here
// (e.g. mid-reconnect) is transient and logged, not a reason to retry the
// same ticker forever on every discovery pass.
func (d *Discoverer) reconcileSubscription(ticker string, want bool) {
	switch {
	case want && !d.subscribed[ticker]:
		d.subscribed[ticker] = true
		if err := d.feed.Subscribe([]string{ticker}); err != nil {
			d.logger.Debug("subscribe send deferred to reconnect replay", "ticker", ticker, "error", err)
		}
	case !want && d.subscribed[ticker]:
		delete(d.subscribed, ticker)
		if err := d.feed.Unsubscribe([]string{ticker}); err != nil {
			d.logger.Debug("unsubscribe send deferred to reconnect replay", "ticker", ticker, "error", err)
		}
	}
}

// opportunityScore ranks a market for strategy/control-API consumption:
// spread * sqrt(volume) * min(open_interest as a liquidity proxy, 1),
// adapted from the teacher's Gamma-API liquidity/volume formula to
// Kalshi's integer-cent spread and open_interest fields (§11).
func opportunityScore(m kalshitypes.MarketState) float64 {
	if m.Volume <= 0 {
		return 0
	}
	liquidity := float64(m.OpenInt)
	if liquidity > 1 {
		liquidity = 1
	}
	return float64(m.Spread) * math.Sqrt(float64(m.Volume)) * liquidity
}
