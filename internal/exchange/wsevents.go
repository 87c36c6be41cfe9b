package exchange

import "kalshibot/internal/kalshitypes"

// WSMessage is the sum type emitted on a WSFeed's single event channel.
// The dispatcher (internal/dispatch) type-switches on the concrete type
// instead of reading from separate per-kind channels (§4.5).
type WSMessage interface {
	wsMessage()
}

// TickerEvent carries a best-bid/ask and trade-price update for one
// market (channel: ticker_v2).
type TickerEvent struct {
	MarketTicker string
	YesBid       int
	NoBid        int
	LastPrice    int
	Volume       int64
	OpenInterest int64
	Seq          int64
	TsMs         int64
}

func (TickerEvent) wsMessage() {}

// OrderbookSnapshotEvent replaces a market's full depth (channel:
// orderbook_snapshot).
type OrderbookSnapshotEvent struct {
	MarketTicker string
	Yes          map[int]int
	No           map[int]int
	Seq          int64
	TsMs         int64
}

func (OrderbookSnapshotEvent) wsMessage() {}

// OrderbookDeltaEvent mutates one price level (channel: orderbook_delta).
// Consumers must verify Seq == previous Seq + 1 before applying it.
type OrderbookDeltaEvent struct {
	MarketTicker string
	Side         string
	Price        int
	Delta        int
	Seq          int64
	TsMs         int64
}

func (OrderbookDeltaEvent) wsMessage() {}

// TradeEvent is a public trade print (channel: trade).
type TradeEvent struct {
	MarketTicker string
	TradeID      string
	YesPrice     int
	NoPrice      int
	Count        int
	TakerSide    string
	TsMs         int64
}

func (TradeEvent) wsMessage() {}

// FillEvent is a private execution notification on the authenticated
// user channel (channel: fill).
type FillEvent struct {
	FillID       string
	OrderID      string
	MarketTicker string
	Side         string
	Action       string
	Price        int
	Count        int
	IsTaker      bool
	TsMs         int64
}

func (FillEvent) wsMessage() {}

// MarketLifecycleEvent reports a market's exchange status changing
// (channel: market_lifecycle). It carries status only: orderbook and
// trade history stay intact across a status change (§8).
type MarketLifecycleEvent struct {
	MarketTicker string
	Status       kalshitypes.MarketStatus
	TsMs         int64
}

func (MarketLifecycleEvent) wsMessage() {}

// OrderUpdateEvent is a private order lifecycle notification (channel:
// order_update).
type OrderUpdateEvent struct {
	OrderID        string
	ClientOrderID  string
	MarketTicker   string
	Status         string
	RemainingCount int
	TsMs           int64
}

func (OrderUpdateEvent) wsMessage() {}
