// Package dispatch runs the single consumer that drains a WebSocket
// feed's event stream and fans each message out by concrete type: book
// and trade data land in the market cache, fills and order updates are
// handed to whichever handlers the execution engine registered (§4.5).
package dispatch

import (
	"context"
	"log/slog"

	"kalshibot/internal/exchange"
	"kalshibot/internal/kalshitypes"
	"kalshibot/internal/marketcache"
)

// FillHandler is invoked for every private fill notification.
type FillHandler func(exchange.FillEvent)

// OrderUpdateHandler is invoked for every private order lifecycle
// notification.
type OrderUpdateHandler func(exchange.OrderUpdateEvent)

// Dispatcher owns the single goroutine that reads a feed's event
// channel. There must be exactly one Dispatcher per WSFeed: concurrent
// consumers would reorder orderbook deltas relative to their snapshots.
type Dispatcher struct {
	feed  *exchange.WSFeed
	cache *marketcache.Cache

	onFill        FillHandler
	onOrderUpdate OrderUpdateHandler

	logger *slog.Logger
}

// New creates a dispatcher bound to feed and cache. Register handlers
// with OnFill/OnOrderUpdate before calling Run.
func New(feed *exchange.WSFeed, cache *marketcache.Cache, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		feed:   feed,
		cache:  cache,
		logger: logger.With("component", "dispatcher"),
	}
}

// OnFill registers the handler invoked for fill events.
func (d *Dispatcher) OnFill(h FillHandler) { d.onFill = h }

// OnOrderUpdate registers the handler invoked for order lifecycle events.
func (d *Dispatcher) OnOrderUpdate(h OrderUpdateHandler) { d.onOrderUpdate = h }

// Run drains the feed until ctx is cancelled or the channel closes.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-d.feed.Events():
			if !ok {
				return nil
			}
			d.route(msg)
		}
	}
}

func (d *Dispatcher) route(msg exchange.WSMessage) {
	switch evt := msg.(type) {
	case exchange.TickerEvent:
		d.cache.UpsertFromTicker(evt.MarketTicker, evt.YesBid, evt.NoBid, evt.LastPrice, evt.Volume, evt.OpenInterest, evt.TsMs)

	case exchange.OrderbookSnapshotEvent:
		d.cache.ApplyOrderbookSnapshot(evt.MarketTicker, kalshitypes.OrderbookSide(evt.Yes), kalshitypes.OrderbookSide(evt.No), evt.Seq, evt.TsMs)

	case exchange.OrderbookDeltaEvent:
		side := kalshitypes.SideYes
		if evt.Side == "no" {
			side = kalshitypes.SideNo
		}
		if !d.cache.ApplyOrderbookDelta(evt.MarketTicker, side, evt.Price, evt.Delta, evt.Seq, evt.TsMs) {
			d.logger.Warn("orderbook delta for untracked market, dropping", "ticker", evt.MarketTicker)
		}

	case exchange.TradeEvent:
		takerSide := kalshitypes.SideYes
		if evt.TakerSide == "no" {
			takerSide = kalshitypes.SideNo
		}
		d.cache.AppendTrade(evt.MarketTicker, kalshitypes.Trade{
			TradeID: evt.TradeID,
			Price:   evt.YesPrice,
			Count:   evt.Count,
			Side:    takerSide,
		})

	case exchange.MarketLifecycleEvent:
		d.cache.UpdateStatus(evt.MarketTicker, evt.Status)

	case exchange.FillEvent:
		if d.onFill != nil {
			d.onFill(evt)
		} else {
			d.logger.Warn("no fill handler registered, dropping fill", "fill_id", evt.FillID)
		}

	case exchange.OrderUpdateEvent:
		if d.onOrderUpdate != nil {
			d.onOrderUpdate(evt)
		} else {
			d.logger.Warn("no order update handler registered, dropping", "order_id", evt.OrderID)
		}

	default:
		d.logger.Debug("unhandled message type")
	}
}
