package exchange

import (
	"time"

	"kalshibot/internal/kalshitypes"
)

// Wire DTOs mirror Kalshi's JSON field names exactly; conversion to
// kalshitypes happens at the client boundary so the rest of the system
// never depends on exchange wire formats (§4.3).

type marketDTO struct {
	Ticker       string `json:"ticker"`
	EventTicker  string `json:"event_ticker"`
	SeriesTicker string `json:"series_ticker"`
	Status       string `json:"status"`
	YesBid       int    `json:"yes_bid"`
	NoBid        int    `json:"no_bid"`
	LastPrice    int    `json:"last_price"`
	Volume       int64  `json:"volume"`
	OpenInterest int64  `json:"open_interest"`
}

func (d marketDTO) toMarketState(nowMs int64) *kalshitypes.MarketState {
	m := &kalshitypes.MarketState{
		Ticker:   d.Ticker,
		EventID:  d.EventTicker,
		SeriesID: d.SeriesTicker,
		Status:   mapMarketStatus(d.Status),
	}
	m.ApplyQuote(d.YesBid, d.NoBid, d.LastPrice, d.Volume, d.OpenInterest, nowMs)
	return m
}

func mapMarketStatus(s string) kalshitypes.MarketStatus {
	switch s {
	case "active", "open":
		return kalshitypes.StatusOpen
	case "closed":
		return kalshitypes.StatusClosed
	case "settled", "finalized":
		return kalshitypes.StatusSettled
	case "halted":
		return kalshitypes.StatusHalted
	default:
		return kalshitypes.StatusClosed
	}
}

type marketsPage struct {
	Markets []marketDTO `json:"markets"`
	Cursor  string      `json:"cursor"`
}

type marketResponse struct {
	Market marketDTO `json:"market"`
}

type balanceResponse struct {
	BalanceCents int64 `json:"balance"`
}

type orderDTO struct {
	OrderID        string `json:"order_id"`
	ClientOrderID  string `json:"client_order_id"`
	Ticker         string `json:"ticker"`
	Side           string `json:"side"`
	Action         string `json:"action"`
	Price          int    `json:"yes_price"`
	Count          int    `json:"count"`
	RemainingCount int    `json:"remaining_count"`
	Status         string `json:"status"`
	CreatedTime    string `json:"created_time"`
}

func (d orderDTO) toOrder(env kalshitypes.Environment) kalshitypes.Order {
	return kalshitypes.Order{
		OrderID:        d.OrderID,
		ClientOrderID:  d.ClientOrderID,
		MarketTicker:   d.Ticker,
		Side:           kalshitypes.Side(d.Side),
		Action:         kalshitypes.Action(d.Action),
		Price:          d.Price,
		Count:          d.Count,
		RemainingCount: d.RemainingCount,
		Status:         mapOrderStatus(d.Status),
		Environment:    env,
		CreatedAtMs:    parseRFC3339Ms(d.CreatedTime),
	}
}

func mapOrderStatus(s string) kalshitypes.OrderStatus {
	switch s {
	case "resting":
		return kalshitypes.OrderResting
	case "filled":
		return kalshitypes.OrderFilled
	case "partially_filled":
		return kalshitypes.OrderPartiallyFilled
	case "canceled", "cancelled":
		return kalshitypes.OrderCancelled
	case "expired":
		return kalshitypes.OrderExpired
	case "pending":
		return kalshitypes.OrderPending
	default:
		return kalshitypes.OrderFailed
	}
}

func parseRFC3339Ms(s string) int64 {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0
	}
	return t.UnixMilli()
}

type createOrderRequest struct {
	Ticker        string `json:"ticker"`
	ClientOrderID string `json:"client_order_id"`
	Side          string `json:"side"`
	Action        string `json:"action"`
	Type          string `json:"type"`
	YesPrice      int    `json:"yes_price,omitempty"`
	NoPrice       int    `json:"no_price,omitempty"`
	Count         int    `json:"count"`
}

type orderResponse struct {
	Order orderDTO `json:"order"`
}

type ordersResponse struct {
	Orders []orderDTO `json:"orders"`
	Cursor string     `json:"cursor"`
}

type cancelOrderResponse struct {
	Order orderDTO `json:"order"`
}

type fillDTO struct {
	FillID      string `json:"fill_id"`
	OrderID     string `json:"order_id"`
	Ticker      string `json:"ticker"`
	Side        string `json:"side"`
	Action      string `json:"action"`
	Price       int    `json:"yes_price"`
	Count       int    `json:"count"`
	IsTaker     bool   `json:"is_taker"`
	CreatedTime string `json:"created_time"`
}

func (d fillDTO) toFill(env kalshitypes.Environment) kalshitypes.Fill {
	return kalshitypes.Fill{
		FillID:       d.FillID,
		OrderID:      d.OrderID,
		MarketTicker: d.Ticker,
		Price:        d.Price,
		Count:        d.Count,
		Side:         kalshitypes.Side(d.Side),
		Action:       kalshitypes.Action(d.Action),
		Taker:        d.IsTaker,
		FilledAtMs:   parseRFC3339Ms(d.CreatedTime),
		Environment:  env,
	}
}

type fillsResponse struct {
	Fills  []fillDTO `json:"fills"`
	Cursor string    `json:"cursor"`
}

type positionDTO struct {
	Ticker        string  `json:"ticker"`
	Position      int     `json:"position"`
	RealizedPnL   int64   `json:"realized_pnl"`
	AvgEntryPrice float64 `json:"avg_entry_price"`
}

func (d positionDTO) toPosition(env kalshitypes.Environment, nowMs int64) kalshitypes.Position {
	p := kalshitypes.Position{
		MarketTicker: d.Ticker,
		Environment:  env,
		RealizedPnL:  d.RealizedPnL,
		UpdatedAtMs:  nowMs,
	}
	if d.Position >= 0 {
		p.YesCount = d.Position
		p.AvgYesPrice = d.AvgEntryPrice
	} else {
		p.NoCount = -d.Position
		p.AvgNoPrice = d.AvgEntryPrice
	}
	return p
}

type positionsResponse struct {
	Positions []positionDTO `json:"market_positions"`
	Cursor    string        `json:"cursor"`
}
