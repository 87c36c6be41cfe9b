// Package kalshitypes defines the shared data model used across all
// packages: market state, trade intents, orders, fills, positions, and
// agent records. It has no dependencies on internal packages so it can
// be imported by any layer.
package kalshitypes

import "time"

// Environment identifies an isolated Kalshi deployment: each has its own
// credentials, REST/WS endpoints, and persisted state.
type Environment string

const (
	Live Environment = "live"
	Demo Environment = "demo"
)

// MarketStatus is the internal lifecycle state a market is mapped into
// by discovery, independent of the exchange's own status string.
type MarketStatus string

const (
	StatusOpen    MarketStatus = "open"
	StatusClosed  MarketStatus = "closed"
	StatusSettled MarketStatus = "settled"
	StatusHalted  MarketStatus = "halted"
)

// Side is which contract side an order or position refers to.
type Side string

const (
	SideYes Side = "yes"
	SideNo  Side = "no"
)

// Action is the direction of a trade intent or order.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
)

// OrderType distinguishes limit from market orders.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// OrderStatus is the lifecycle state of a submitted order.
type OrderStatus string

const (
	OrderPending         OrderStatus = "pending"
	OrderResting         OrderStatus = "resting"
	OrderFilled          OrderStatus = "filled"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderCancelled       OrderStatus = "cancelled"
	OrderExpired         OrderStatus = "expired"
	OrderFailed          OrderStatus = "failed"
)

// IsTerminal reports whether the order will never change state again.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderExpired:
		return true
	default:
		return false
	}
}

// Trade is one public trade print, kept in a market's bounded history.
type Trade struct {
	TradeID   string
	Price     int
	Count     int
	Side      Side
	Timestamp time.Time
}

// OrderbookSide maps price (1-99 cents) to resting quantity on that side.
type OrderbookSide map[int]int

// Orderbook is the full depth for one market, tracked by sequence number
// so gaps can be detected (§4.4).
type Orderbook struct {
	Yes OrderbookSide
	No  OrderbookSide
	Seq int64
}

// BestBid returns the highest priced level with nonzero quantity, or 0
// if the side is empty.
func (s OrderbookSide) BestBid() int {
	best := 0
	for price, qty := range s {
		if qty > 0 && price > best {
			best = price
		}
	}
	return best
}

// MaxTrades bounds the per-market trade history (§3).
const MaxTrades = 100

// MarketState is the cache's unit of storage: one entry per subscribed
// ticker. Mutated exclusively by the ingest pipeline (dispatcher,
// discovery) under the cache's single mutex; see internal/marketcache.
type MarketState struct {
	Ticker   string
	EventID  string
	SeriesID string
	Status   MarketStatus

	YesBid     int
	NoBid      int
	YesAsk     int
	NoAsk      int
	LastPrice  int
	Volume     int64
	OpenInt    int64

	// Derived, recomputed atomically with the inputs above on every write.
	Spread             int
	Midpoint           float64
	ImpliedProbability float64

	LastUpdatedMs int64

	Orderbook    *Orderbook
	RecentTrades []Trade

	// OpportunityScore is attached by discovery (§11), not authoritative
	// for subscription decisions.
	OpportunityScore float64
}

// deriveInvariants recomputes every derived field from the four quoted
// prices, enforcing yes_ask = 100 - no_bid and no_ask = 100 - yes_bid.
func (m *MarketState) deriveInvariants() {
	m.YesAsk = 100 - m.NoBid
	m.NoAsk = 100 - m.YesBid
	m.Spread = m.YesAsk - m.YesBid
	m.Midpoint = float64(m.YesBid+m.YesAsk) / 2
	m.ImpliedProbability = float64(m.YesBid) / 100
}

// ApplyQuote sets the yes_bid/no_bid inputs and recomputes every derived
// field in one step. Callers must hold the cache's write lock.
func (m *MarketState) ApplyQuote(yesBid, noBid, lastPrice int, volume, openInt int64, updatedMs int64) {
	m.YesBid = yesBid
	m.NoBid = noBid
	m.LastPrice = lastPrice
	m.Volume = volume
	m.OpenInt = openInt
	m.LastUpdatedMs = updatedMs
	m.deriveInvariants()
}

// ApplyOrderbookSnapshot replaces the book wholesale and rederives best
// bids/asks from it. seq==1 or an absent prior book is always a snapshot.
func (m *MarketState) ApplyOrderbookSnapshot(yes, no OrderbookSide, seq int64, updatedMs int64) {
	m.Orderbook = &Orderbook{Yes: yes, No: no, Seq: seq}
	m.rederiveFromBook(updatedMs)
}

// ApplyOrderbookPatch mutates existing levels in place (qty=0 deletes)
// and rederives best bids/asks. Caller has already checked seq == prev+1.
func (m *MarketState) ApplyOrderbookPatch(side Side, price, qty int, seq int64, updatedMs int64) {
	if m.Orderbook == nil {
		m.Orderbook = &Orderbook{Yes: OrderbookSide{}, No: OrderbookSide{}}
	}
	target := m.Orderbook.Yes
	if side == SideNo {
		target = m.Orderbook.No
	}
	if qty == 0 {
		delete(target, price)
	} else {
		target[price] = qty
	}
	m.Orderbook.Seq = seq
	m.rederiveFromBook(updatedMs)
}

func (m *MarketState) rederiveFromBook(updatedMs int64) {
	if m.Orderbook == nil {
		return
	}
	m.YesBid = m.Orderbook.Yes.BestBid()
	m.NoBid = m.Orderbook.No.BestBid()
	m.LastUpdatedMs = updatedMs
	m.deriveInvariants()
}

// AppendTrade pushes a trade onto the bounded FIFO, evicting the oldest
// entry once MaxTrades is exceeded.
func (m *MarketState) AppendTrade(t Trade) {
	m.RecentTrades = append(m.RecentTrades, t)
	if len(m.RecentTrades) > MaxTrades {
		m.RecentTrades = m.RecentTrades[len(m.RecentTrades)-MaxTrades:]
	}
}

// TradeIntent is the immutable value an agent emits to the permission
// layer. Never mutated after creation.
type TradeIntent struct {
	AgentID       string
	ClientOrderID string
	MarketTicker  string
	Action        Action
	Side          Side
	OrderType     OrderType
	Price         int
	Count         int
	Confidence    float64
	GeneratedAtMs int64
}

// Order is the execution engine's mutable record of a live or completed
// order. Identity is the exchange-assigned OrderID.
type Order struct {
	OrderID         string
	ClientOrderID   string
	AgentID         string
	MarketTicker    string
	Side            Side
	Action          Action
	Price           int
	Count           int
	RemainingCount  int
	Status          OrderStatus
	Environment     Environment
	CreatedAtMs     int64
}

// Fill is one append-only execution record, deduplicated by FillID.
type Fill struct {
	FillID       string
	OrderID      string
	MarketTicker string
	Price        int
	Count        int
	Side         Side
	Action       Action
	Taker        bool
	FilledAtMs   int64
	Environment  Environment
}

// Position is the net holding for one (market, environment) pair.
// Overwritten wholesale by reconciliation; updated incrementally by fills
// between reconciliation runs.
type Position struct {
	MarketTicker  string
	Environment   Environment
	YesCount      int
	NoCount       int
	AvgYesPrice   float64
	AvgNoPrice    float64
	RealizedPnL   int64
	UnrealizedPnL int64
	UpdatedAtMs   int64
}

// AgentMode controls whether an agent's intents are forwarded by the
// permission layer; only Auto is forwarded.
type AgentMode string

const (
	ModeAuto     AgentMode = "auto"
	ModeSemiAuto AgentMode = "semi_auto"
	ModeFullStop AgentMode = "full_stop"
)

// AgentLifecycle is the agent runtime's externally-visible state.
type AgentLifecycle string

const (
	LifecycleInitializing AgentLifecycle = "initializing"
	LifecycleActive       AgentLifecycle = "active"
	LifecycleIdle         AgentLifecycle = "idle"
	LifecyclePaused       AgentLifecycle = "paused"
	LifecycleError        AgentLifecycle = "error"
	LifecycleStopped      AgentLifecycle = "stopped"
)

// AgentRecord is the control-surface-visible description of one agent.
type AgentRecord struct {
	AgentID   string
	Name      string
	Enabled   bool
	Mode      AgentMode
	Lifecycle AgentLifecycle
}

// Subscription is a (channel, ticker) pair. The desired set is owned by
// the WebSocket client and persists across reconnects.
type Subscription struct {
	Channel string
	Ticker  string
}

// RiskSnapshot is the risk manager's aggregate view, recomputed on every
// position report and exposed read-only to the control surface (§11).
type RiskSnapshot struct {
	GlobalExposureCents    int64
	MaxGlobalExposureCents int64
	KillSwitchActive       bool
	KillSwitchUntil        time.Time
	KillSwitchReason       string
	TotalRealizedPnL       int64
	TotalUnrealizedPnL     int64
	MarketsActive          int
}
