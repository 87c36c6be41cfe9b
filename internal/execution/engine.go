// Package execution is the sole component permitted to submit orders to
// the exchange. It validates trade intents, enforces idempotency on
// client_order_id, submits each order with a single client call (retries
// are those of exchange.Client's per-status table), and keeps the
// in-memory open-orders and position books current from the dispatcher's
// fill and order-update events (§4.9).
package execution

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"kalshibot/internal/config"
	"kalshibot/internal/events"
	"kalshibot/internal/exchange"
	"kalshibot/internal/kalshierrors"
	"kalshibot/internal/kalshitypes"
	"kalshibot/internal/risk"
	"kalshibot/internal/store"
)

// Engine owns order submission and the in-memory open-orders/positions
// state that sits between reconciliation runs.
type Engine struct {
	cfg    config.ExecutionConfig
	client *exchange.Client
	risk   *risk.Manager
	store  *store.Store
	bus    *events.Bus
	env    kalshitypes.Environment
	logger *slog.Logger

	mu         sync.Mutex
	openOrders map[string]kalshitypes.Order    // keyed by exchange OrderID
	submitted  map[string]struct{}             // client_order_id idempotency set
	positions  map[string]kalshitypes.Position // keyed by market ticker

	haltedMu sync.RWMutex
	halted   bool // set on Unauthorized; cleared only by a restart
}

// New creates an execution engine bound to one environment's client.
func New(cfg config.ExecutionConfig, client *exchange.Client, riskMgr *risk.Manager, st *store.Store, bus *events.Bus, env kalshitypes.Environment, logger *slog.Logger) *Engine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	return &Engine{
		cfg:        cfg,
		client:     client,
		risk:       riskMgr,
		store:      st,
		bus:        bus,
		env:        env,
		logger:     logger.With("component", "execution", "environment", env),
		openOrders: make(map[string]kalshitypes.Order),
		submitted:  make(map[string]struct{}),
		positions:  make(map[string]kalshitypes.Position),
	}
}

// WarmStart loads open orders and positions persisted from a previous
// run so idempotency and exposure tracking survive a restart.
func (e *Engine) WarmStart(ctx context.Context) error {
	orders, err := e.store.OpenOrders(ctx, e.env)
	if err != nil {
		return err
	}
	positions, err := e.store.PositionsByEnvironment(ctx, e.env)
	if err != nil {
		return err
	}

	e.mu.Lock()
	for _, o := range orders {
		e.openOrders[o.OrderID] = o
		e.submitted[o.ClientOrderID] = struct{}{}
	}
	for _, p := range positions {
		e.positions[p.MarketTicker] = p
	}
	e.mu.Unlock()
	return nil
}

// Submit is the permission layer's onSubmit callback. It validates,
// deduplicates, and submits intent with one CreateOrder call; transient
// failures are retried only inside exchange.Client.
func (e *Engine) Submit(intent kalshitypes.TradeIntent, env kalshitypes.Environment) {
	if env != e.env {
		return
	}
	if e.isHalted() {
		e.logger.Warn("dropping intent, environment halted", "ticker", intent.MarketTicker)
		return
	}
	if err := validate(intent); err != nil {
		e.logger.Warn("rejected intent", "ticker", intent.MarketTicker, "error", err)
		return
	}
	if !e.reserve(intent.ClientOrderID) {
		e.logger.Warn("duplicate client_order_id, dropping", "client_order_id", intent.ClientOrderID)
		return
	}

	ctx := context.Background()
	order, err := e.submitOnce(ctx, intent)
	if err != nil {
		e.logger.Error("order submission exhausted", "ticker", intent.MarketTicker, "error", err)
		e.bus.Publish(events.Event{Type: "order_failed", Data: map[string]any{
			"ticker": intent.MarketTicker, "client_order_id": intent.ClientOrderID, "error": err.Error(),
		}})
		return
	}

	e.mu.Lock()
	e.openOrders[order.OrderID] = order
	e.mu.Unlock()

	go func() {
		if err := e.store.UpsertOrder(context.Background(), order); err != nil {
			e.logger.Error("persist order failed", "order_id", order.OrderID, "error", err)
		}
	}()
	e.bus.Publish(events.Event{Type: "order_submitted", Data: order})
}

func validate(intent kalshitypes.TradeIntent) error {
	if intent.MarketTicker == "" {
		return &kalshierrors.ValidationError{Reason: "empty market ticker"}
	}
	if intent.Price < 1 || intent.Price > 99 {
		return &kalshierrors.ValidationError{Reason: "price out of range [1,99]"}
	}
	if intent.Count <= 0 {
		return &kalshierrors.ValidationError{Reason: "count must be > 0"}
	}
	switch intent.Action {
	case kalshitypes.ActionBuy, kalshitypes.ActionSell:
	default:
		return &kalshierrors.ValidationError{Reason: "invalid action"}
	}
	switch intent.Side {
	case kalshitypes.SideYes, kalshitypes.SideNo:
	default:
		return &kalshierrors.ValidationError{Reason: "invalid side"}
	}
	return nil
}

// reserve records a client_order_id, reporting false if already seen.
func (e *Engine) reserve(clientOrderID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.submitted[clientOrderID]; exists {
		return false
	}
	e.submitted[clientOrderID] = struct{}{}
	return true
}

// submitOnce posts the order with one CreateOrder call and adds no retry
// of its own. exchange.Client's do() retries per status: 429 up to 5
// times at 100ms*2^n, 500 and 503 up to 3 times at a fixed 500ms and 1s,
// network errors up to 3 times at 250ms. The engine reacts only to the
// terminal outcome: Unauthorized halts the environment, anything else
// is reported as a submission failure.
func (e *Engine) submitOnce(ctx context.Context, intent kalshitypes.TradeIntent) (kalshitypes.Order, error) {
	order, err := e.client.CreateOrder(ctx, intent)
	if err == nil {
		return order, nil
	}

	var unauthorized *kalshierrors.Unauthorized
	if errors.As(err, &unauthorized) {
		e.setHalted(true)
	}
	return kalshitypes.Order{}, err
}

func (e *Engine) isHalted() bool {
	e.haltedMu.RLock()
	defer e.haltedMu.RUnlock()
	return e.halted
}

func (e *Engine) setHalted(v bool) {
	e.haltedMu.Lock()
	e.halted = v
	e.haltedMu.Unlock()
}

// HandleFill decrements the matching open order's remaining count,
// retires it once filled, persists the fill (deduplicated by FillID),
// and applies the fill to the market's Position incrementally.
func (e *Engine) HandleFill(evt exchange.FillEvent) {
	fill := kalshitypes.Fill{
		FillID: evt.FillID, OrderID: evt.OrderID, MarketTicker: evt.MarketTicker,
		Price: evt.Price, Count: evt.Count, Side: kalshitypes.Side(evt.Side),
		Action: kalshitypes.Action(evt.Action), Taker: evt.IsTaker, FilledAtMs: evt.TsMs,
		Environment: e.env,
	}

	e.mu.Lock()
	if order, ok := e.openOrders[evt.OrderID]; ok {
		order.RemainingCount -= evt.Count
		if order.RemainingCount <= 0 {
			order.RemainingCount = 0
			order.Status = kalshitypes.OrderFilled
			delete(e.openOrders, evt.OrderID)
		} else {
			order.Status = kalshitypes.OrderPartiallyFilled
			e.openOrders[evt.OrderID] = order
		}
		go e.persistOrder(order)
	}
	pos := applyFill(e.positions[evt.MarketTicker], evt.MarketTicker, e.env, fill)
	e.positions[evt.MarketTicker] = pos
	e.mu.Unlock()

	go e.persistFill(fill)
	go e.persistPosition(pos)

	e.risk.Report(risk.PositionReport{
		MarketTicker: pos.MarketTicker, YesCount: pos.YesCount, NoCount: pos.NoCount,
		ExposureCents: exposureCents(pos), UnrealizedPnL: pos.UnrealizedPnL,
		RealizedPnL: pos.RealizedPnL, Timestamp: time.Now(),
	})
	e.bus.Publish(events.Event{Type: "fill", Data: fill})
}

// HandleOrderUpdate retires an order on any terminal status.
func (e *Engine) HandleOrderUpdate(evt exchange.OrderUpdateEvent) {
	status := kalshitypes.OrderStatus(evt.Status)

	e.mu.Lock()
	order, ok := e.openOrders[evt.OrderID]
	if ok {
		order.Status = status
		order.RemainingCount = evt.RemainingCount
		if status.IsTerminal() {
			delete(e.openOrders, evt.OrderID)
		} else {
			e.openOrders[evt.OrderID] = order
		}
	}
	e.mu.Unlock()

	if ok {
		go e.persistOrder(order)
	}
	e.bus.Publish(events.Event{Type: "order_update", Data: evt})
}

func (e *Engine) persistOrder(o kalshitypes.Order) {
	if err := e.store.UpsertOrder(context.Background(), o); err != nil {
		e.logger.Error("persist order failed", "order_id", o.OrderID, "error", err)
	}
}

func (e *Engine) persistFill(f kalshitypes.Fill) {
	if err := e.store.InsertFill(context.Background(), f); err != nil {
		e.logger.Error("persist fill failed", "fill_id", f.FillID, "error", err)
	}
}

func (e *Engine) persistPosition(p kalshitypes.Position) {
	if err := e.store.UpsertPosition(context.Background(), p); err != nil {
		e.logger.Error("persist position failed", "ticker", p.MarketTicker, "error", err)
	}
}

// OpenOrders returns a snapshot of currently-open orders.
func (e *Engine) OpenOrders() []kalshitypes.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]kalshitypes.Order, 0, len(e.openOrders))
	for _, o := range e.openOrders {
		out = append(out, o)
	}
	return out
}

// Position returns the current in-memory view for ticker, used by
// strategies as a PositionProvider.
func (e *Engine) Position(ticker string) kalshitypes.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.positions[ticker]
}

// AllPositions returns every tracked position, used by the control
// API's positions query.
func (e *Engine) AllPositions() []kalshitypes.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]kalshitypes.Position, 0, len(e.positions))
	for _, p := range e.positions {
		out = append(out, p)
	}
	return out
}

// ReplacePositions overwrites the in-memory position book wholesale,
// used by reconciliation to adopt exchange truth (§4.11).
func (e *Engine) ReplacePositions(positions []kalshitypes.Position) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.positions = make(map[string]kalshitypes.Position, len(positions))
	for _, p := range positions {
		e.positions[p.MarketTicker] = p
	}
}

// AdoptOrder overwrites the in-memory record for one order with the
// exchange's own view, used by reconciliation when a status mismatch is
// found between local and exchange truth (§4.11). A terminal status
// retires the order from the open-orders map.
func (e *Engine) AdoptOrder(o kalshitypes.Order) {
	e.mu.Lock()
	if o.Status.IsTerminal() {
		delete(e.openOrders, o.OrderID)
	} else {
		e.openOrders[o.OrderID] = o
	}
	e.mu.Unlock()
	go e.persistOrder(o)
}

// MarkCancelled retires a locally-open order that the exchange no
// longer reports as resting, per §4.11's "absent on the exchange"
// discrepancy.
func (e *Engine) MarkCancelled(order kalshitypes.Order) {
	order.Status = kalshitypes.OrderCancelled
	order.RemainingCount = 0
	e.AdoptOrder(order)
}

// applyFill updates pos's net quantity, weighted-average price, and
// realized P&L on closing volume for one fill. Adapted from the
// teacher's inventory weighted-average/realized-PnL math, retuned from
// dollar floats to integer-cent prices via shopspring/decimal.
func applyFill(pos kalshitypes.Position, ticker string, env kalshitypes.Environment, f kalshitypes.Fill) kalshitypes.Position {
	pos.MarketTicker = ticker
	pos.Environment = env
	pos.UpdatedAtMs = f.FilledAtMs

	price := decimal.NewFromInt(int64(f.Price))
	qty := decimal.NewFromInt(int64(f.Count))
	opening := f.Action == kalshitypes.ActionBuy

	if f.Side == kalshitypes.SideYes {
		pos.AvgYesPrice, pos.YesCount, pos.RealizedPnL = applySide(pos.AvgYesPrice, pos.YesCount, pos.RealizedPnL, price, qty, opening)
	} else {
		pos.AvgNoPrice, pos.NoCount, pos.RealizedPnL = applySide(pos.AvgNoPrice, pos.NoCount, pos.RealizedPnL, price, qty, opening)
	}
	return pos
}

// applySide folds one fill into a single side's running count, average
// entry price, and realized P&L. A buy grows the position (new weighted
// average); a sell closes volume against the existing average, booking
// the difference as realized P&L in cents.
func applySide(avgPrice float64, count int, realizedPnL int64, price, qty decimal.Decimal, opening bool) (float64, int, int64) {
	if opening {
		existing := decimal.NewFromInt(int64(count))
		totalCost := decimal.NewFromFloat(avgPrice).Mul(existing).Add(price.Mul(qty))
		newCount := count + int(qty.IntPart())
		if newCount == 0 {
			return 0, 0, realizedPnL
		}
		avg := totalCost.Div(decimal.NewFromInt(int64(newCount)))
		return avg.InexactFloat64(), newCount, realizedPnL
	}

	closing := qty.IntPart()
	if closing > int64(count) {
		closing = int64(count)
	}
	pnl := price.Sub(decimal.NewFromFloat(avgPrice)).Mul(decimal.NewFromInt(closing))
	newCount := count - int(closing)
	newAvg := avgPrice
	if newCount == 0 {
		newAvg = 0
	}
	return newAvg, newCount, realizedPnL + pnl.Round(0).IntPart()
}

// exposureCents is the notional at risk: contracts held times their
// average entry price, summed across both sides.
func exposureCents(p kalshitypes.Position) int64 {
	yes := decimal.NewFromFloat(p.AvgYesPrice).Mul(decimal.NewFromInt(int64(p.YesCount)))
	no := decimal.NewFromFloat(p.AvgNoPrice).Mul(decimal.NewFromInt(int64(p.NoCount)))
	return yes.Add(no).Round(0).IntPart()
}
