// Package reconcile periodically syncs local state against exchange
// truth for orders, positions, and fills, correcting any drift that
// accumulated between WebSocket events. It runs at startup (before any
// agent is enabled), on a fixed interval, and after every WebSocket
// reconnect, since a reconnect cannot guarantee delta continuity across
// the gap (§4.11).
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"kalshibot/internal/config"
	"kalshibot/internal/events"
	"kalshibot/internal/exchange"
	"kalshibot/internal/execution"
	"kalshibot/internal/kalshitypes"
	"kalshibot/internal/store"
)

// Discrepancy records one piece of drift found between local and
// exchange state, for the control API's reconciliation summary event.
type Discrepancy struct {
	ID     string // order or position id
	Old    string
	New    string
	Reason string
}

// Summary tallies one reconciliation pass for the broadcast event and
// for tests.
type Summary struct {
	OrdersCancelled int
	OrdersAdopted   int
	PositionsSynced int
	FillsProcessed  int
	Discrepancies   int
	Details         []Discrepancy
}

// Reconciler owns the reconciliation passes for one environment.
type Reconciler struct {
	cfg    config.ReconciliationConfig
	client *exchange.Client
	engine *execution.Engine
	store  *store.Store
	bus    *events.Bus
	env    kalshitypes.Environment
	logger *slog.Logger
}

// New creates a Reconciler wired to one environment's client, execution
// engine, and store.
func New(cfg config.ReconciliationConfig, client *exchange.Client, engine *execution.Engine, st *store.Store, bus *events.Bus, env kalshitypes.Environment, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		cfg: cfg, client: client, engine: engine, store: st, bus: bus, env: env,
		logger: logger.With("component", "reconcile", "environment", env),
	}
}

// Run performs an immediate reconciliation pass, then repeats on
// cfg.Interval until ctx is cancelled. Call Reconcile directly from a
// WSFeed's OnReconnect hook for the reconnect-triggered pass.
func (r *Reconciler) Run(ctx context.Context) {
	r.Reconcile(ctx)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Reconcile(ctx)
		}
	}
}

// Reconcile runs the three-phase sync: orders, then positions, then
// fills. Each phase is independent; a failure in one does not skip the
// others.
func (r *Reconciler) Reconcile(ctx context.Context) {
	summary := Summary{}
	r.reconcileOrders(ctx, &summary)
	r.reconcilePositions(ctx, &summary)
	r.reconcileFills(ctx, &summary)

	r.logger.Info("reconciliation complete",
		"orders_cancelled", summary.OrdersCancelled, "orders_adopted", summary.OrdersAdopted,
		"positions_synced", summary.PositionsSynced, "fills_processed", summary.FillsProcessed,
		"discrepancies", summary.Discrepancies)
	r.bus.Publish(events.Event{Type: "reconciliation_summary", Data: summary})
}

// reconcileOrders diffs locally-open orders against the exchange's
// resting set: local orders absent on the exchange are marked
// cancelled; status mismatches adopt the exchange's status.
func (r *Reconciler) reconcileOrders(ctx context.Context, summary *Summary) {
	local := r.engine.OpenOrders()

	exchangeOrders, err := r.fetchAllOrders(ctx)
	if err != nil {
		r.logger.Warn("fetch orders failed, skipping order reconciliation", "error", err)
		return
	}

	byID := make(map[string]kalshitypes.Order, len(exchangeOrders))
	for _, o := range exchangeOrders {
		byID[o.OrderID] = o
	}

	for _, lo := range local {
		remote, ok := byID[lo.OrderID]
		if !ok {
			r.engine.MarkCancelled(lo)
			summary.OrdersCancelled++
			summary.Discrepancies++
			summary.Details = append(summary.Details, Discrepancy{
				ID: lo.OrderID, Old: string(lo.Status), New: string(kalshitypes.OrderCancelled),
				Reason: "order missing from exchange resting set",
			})
			continue
		}
		if remote.Status != lo.Status || remote.RemainingCount != lo.RemainingCount {
			r.engine.AdoptOrder(remote)
			summary.OrdersAdopted++
			summary.Discrepancies++
			summary.Details = append(summary.Details, Discrepancy{
				ID: lo.OrderID, Old: string(lo.Status), New: string(remote.Status),
				Reason: "local order status diverged from exchange",
			})
		}
	}
}

// fetchAllOrders pages through every order still in a non-terminal
// status on the exchange.
func (r *Reconciler) fetchAllOrders(ctx context.Context) ([]kalshitypes.Order, error) {
	var resting []kalshitypes.Order
	cursor := ""
	for {
		page, next, err := r.client.GetOrders(ctx, "", cursor, 1000)
		if err != nil {
			return nil, err
		}
		for _, o := range page {
			if !o.Status.IsTerminal() {
				resting = append(resting, o)
			}
		}
		if next == "" {
			return resting, nil
		}
		cursor = next
	}
}

// reconcilePositions fetches the exchange's net holdings and overwrites
// the engine's in-memory view wholesale, the source of truth taking
// precedence over whatever accumulated incrementally from fills.
func (r *Reconciler) reconcilePositions(ctx context.Context, summary *Summary) {
	var all []kalshitypes.Position
	cursor := ""
	for {
		page, next, err := r.client.GetPositions(ctx, cursor, 1000)
		if err != nil {
			r.logger.Warn("fetch positions failed, skipping position reconciliation", "error", err)
			return
		}
		all = append(all, page...)
		if next == "" {
			break
		}
		cursor = next
	}

	r.engine.ReplacePositions(all)
	summary.PositionsSynced = len(all)

	for _, p := range all {
		if err := r.store.UpsertPosition(ctx, p); err != nil {
			r.logger.Warn("persist reconciled position failed", "ticker", p.MarketTicker, "error", err)
		}
	}
}

// reconcileFills fetches the most recent fills and inserts any unknown
// by fill_id; InsertFill's own unique-index dedup makes already-known
// fills a no-op rather than requiring a pre-check here.
func (r *Reconciler) reconcileFills(ctx context.Context, summary *Summary) {
	fills, _, err := r.client.GetFills(ctx, "", "", r.cfg.FillLimit)
	if err != nil {
		r.logger.Warn("fetch fills failed, skipping fill reconciliation", "error", err)
		return
	}

	for _, f := range fills {
		if err := r.store.InsertFill(ctx, f); err != nil {
			continue
		}
		summary.FillsProcessed++
	}
}
