package reconcile

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"kalshibot/internal/config"
	"kalshibot/internal/events"
	"kalshibot/internal/exchange"
	"kalshibot/internal/execution"
	"kalshibot/internal/kalshiauth"
	"kalshibot/internal/kalshitypes"
	"kalshibot/internal/risk"
	"kalshibot/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testSigner(t *testing.T) *kalshiauth.Signer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return kalshiauth.New("test-key", key)
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), "", "", testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return st
}

func testReconciler(t *testing.T, handler http.HandlerFunc) (*Reconciler, *execution.Engine, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	client := exchange.NewClient(srv.URL, kalshitypes.Demo, testSigner(t), testLogger())
	riskMgr := risk.NewManager(config.RiskConfig{
		MaxPositionPerMarketCents: 1_000_000, MaxGlobalExposureCents: 1_000_000,
		MaxDailyLossCents: 1_000_000, CooldownAfterKill: time.Minute,
	}, testLogger())
	st := testStore(t)
	eng := execution.New(config.ExecutionConfig{}, client, riskMgr, st, events.NewBus(), kalshitypes.Demo, testLogger())
	r := New(config.ReconciliationConfig{Interval: time.Hour, FillLimit: 100}, client, eng, st, events.NewBus(), kalshitypes.Demo, testLogger())
	return r, eng, srv
}

func TestReconcileOrdersCancelsMissingLocalOrder(t *testing.T) {
	t.Parallel()
	r, eng, srv := testReconciler(t, func(w http.ResponseWriter, req *http.Request) {
		switch {
		case req.URL.Path == "/trade-api/v2/portfolio/orders":
			_ = json.NewEncoder(w).Encode(map[string]any{"orders": []any{}, "cursor": ""})
		case req.URL.Path == "/trade-api/v2/portfolio/positions":
			_ = json.NewEncoder(w).Encode(map[string]any{"positions": []any{}, "cursor": ""})
		case req.URL.Path == "/trade-api/v2/portfolio/fills":
			_ = json.NewEncoder(w).Encode(map[string]any{"fills": []any{}, "cursor": ""})
		}
	})
	defer srv.Close()

	eng.AdoptOrder(kalshitypes.Order{OrderID: "O1", MarketTicker: "T1", Status: kalshitypes.OrderResting, RemainingCount: 5})

	summary := Summary{}
	r.reconcileOrders(context.Background(), &summary)

	if summary.OrdersCancelled != 1 {
		t.Errorf("orders cancelled = %d, want 1", summary.OrdersCancelled)
	}
	if len(eng.OpenOrders()) != 0 {
		t.Error("expected the locally-open order absent from the exchange to be retired")
	}
	if len(summary.Details) != 1 || summary.Details[0].ID != "O1" || summary.Details[0].New != string(kalshitypes.OrderCancelled) {
		t.Errorf("expected one discrepancy detail for O1, got %+v", summary.Details)
	}
}

func TestReconcileOrdersAdoptsStatusMismatch(t *testing.T) {
	t.Parallel()
	r, eng, srv := testReconciler(t, func(w http.ResponseWriter, req *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"orders": []map[string]any{
				{"order_id": "O1", "ticker": "T1", "status": "partially_filled", "remaining_count": 2},
			},
			"cursor": "",
		})
	})
	defer srv.Close()

	eng.AdoptOrder(kalshitypes.Order{OrderID: "O1", MarketTicker: "T1", Status: kalshitypes.OrderResting, RemainingCount: 5})

	summary := Summary{}
	r.reconcileOrders(context.Background(), &summary)

	if summary.OrdersAdopted != 1 {
		t.Errorf("orders adopted = %d, want 1", summary.OrdersAdopted)
	}
	orders := eng.OpenOrders()
	if len(orders) != 1 || orders[0].RemainingCount != 2 {
		t.Errorf("expected adopted order with remaining_count 2, got %+v", orders)
	}
	if len(summary.Details) != 1 || summary.Details[0].Old != string(kalshitypes.OrderResting) {
		t.Errorf("expected one discrepancy detail with old status resting, got %+v", summary.Details)
	}
}

func TestReconcilePositionsOverwritesWholesale(t *testing.T) {
	t.Parallel()
	r, eng, srv := testReconciler(t, func(w http.ResponseWriter, req *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"market_positions": []map[string]any{
				{"ticker": "T1", "position": 3, "realized_pnl": 0, "avg_entry_price": 45.0},
			},
			"cursor": "",
		})
	})
	defer srv.Close()

	summary := Summary{}
	r.reconcilePositions(context.Background(), &summary)

	if summary.PositionsSynced != 1 {
		t.Errorf("positions synced = %d, want 1", summary.PositionsSynced)
	}
	pos := eng.Position("T1")
	if pos.YesCount != 3 {
		t.Errorf("yes count = %d, want 3", pos.YesCount)
	}
}

func TestReconcileFillsProcessesFetchedFills(t *testing.T) {
	t.Parallel()
	r, _, srv := testReconciler(t, func(w http.ResponseWriter, req *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"fills": []map[string]any{
				{"fill_id": "f1", "order_id": "O1", "ticker": "T1", "side": "yes", "action": "buy", "count": 1, "yes_price": 45},
			},
			"cursor": "",
		})
	})
	defer srv.Close()

	summary := Summary{}
	r.reconcileFills(context.Background(), &summary)

	if summary.FillsProcessed != 1 {
		t.Errorf("fills processed = %d, want 1", summary.FillsProcessed)
	}
}

func TestReconcileRunsEveryPhaseDespiteErrors(t *testing.T) {
	t.Parallel()
	calls := 0
	r, _, srv := testReconciler(t, func(w http.ResponseWriter, req *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	})
	defer srv.Close()

	r.Reconcile(context.Background())

	if calls < 3 {
		t.Errorf("calls = %d, want at least 3 (one per phase, none skipped after a failure)", calls)
	}
}
