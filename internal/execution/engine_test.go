package execution

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"kalshibot/internal/config"
	"kalshibot/internal/events"
	"kalshibot/internal/exchange"
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

func testEngine(t *testing.T, handler http.HandlerFunc) (*Engine, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	client := exchange.NewClient(srv.URL, kalshitypes.Demo, testSigner(t), testLogger())
	riskMgr := risk.NewManager(config.RiskConfig{
		MaxPositionPerMarketCents: 1_000_000, MaxGlobalExposureCents: 1_000_000,
		MaxDailyLossCents: 1_000_000, CooldownAfterKill: time.Minute,
	}, testLogger())
	eng := New(config.ExecutionConfig{MaxAttempts: 5, BaseDelay: time.Millisecond}, client, riskMgr, testStore(t), events.NewBus(), kalshitypes.Demo, testLogger())
	return eng, srv
}

func TestSubmitPostsValidatedOrderAndPublishesEvent(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	eng, srv := testEngine(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"order": map[string]any{"order_id": "O1", "ticker": "T1", "status": "resting", "count": 5, "remaining_count": 5},
		})
	})
	defer srv.Close()

	ch, cancel := eng.bus.Subscribe(4)
	defer cancel()

	eng.Submit(kalshitypes.TradeIntent{
		AgentID: "maker-1", ClientOrderID: "c1", MarketTicker: "T1",
		Action: kalshitypes.ActionBuy, Side: kalshitypes.SideYes, OrderType: kalshitypes.OrderTypeLimit,
		Price: 45, Count: 5,
	}, kalshitypes.Demo)

	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
	if len(eng.OpenOrders()) != 1 {
		t.Fatalf("open orders = %d, want 1", len(eng.OpenOrders()))
	}

	select {
	case evt := <-ch:
		if evt.Type != "order_submitted" {
			t.Errorf("event type = %q, want order_submitted", evt.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for order_submitted event")
	}
}

func TestSubmitRejectsInvalidIntentWithoutCallingExchange(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	eng, srv := testEngine(t, func(w http.ResponseWriter, r *http.Request) { calls.Add(1) })
	defer srv.Close()

	eng.Submit(kalshitypes.TradeIntent{
		AgentID: "maker-1", ClientOrderID: "c1", MarketTicker: "T1",
		Action: kalshitypes.ActionBuy, Side: kalshitypes.SideYes, OrderType: kalshitypes.OrderTypeLimit,
		Price: 150, Count: 5,
	}, kalshitypes.Demo)

	if calls.Load() != 0 {
		t.Errorf("calls = %d, want 0 (invalid price should never reach the exchange)", calls.Load())
	}
}

func TestSubmitDropsDuplicateClientOrderID(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	eng, srv := testEngine(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"order": map[string]any{"order_id": fmt.Sprintf("O%d", calls.Load()), "ticker": "T1", "status": "resting", "count": 5, "remaining_count": 5},
		})
	})
	defer srv.Close()

	intent := kalshitypes.TradeIntent{
		AgentID: "maker-1", ClientOrderID: "dup", MarketTicker: "T1",
		Action: kalshitypes.ActionBuy, Side: kalshitypes.SideYes, OrderType: kalshitypes.OrderTypeLimit,
		Price: 45, Count: 5,
	}
	eng.Submit(intent, kalshitypes.Demo)
	eng.Submit(intent, kalshitypes.Demo)

	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (second submit with same client_order_id should be dropped)", calls.Load())
	}
}

func TestSubmitHaltsEnvironmentOnUnauthorized(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	eng, srv := testEngine(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	})
	defer srv.Close()

	eng.Submit(kalshitypes.TradeIntent{
		AgentID: "maker-1", ClientOrderID: "c1", MarketTicker: "T1",
		Action: kalshitypes.ActionBuy, Side: kalshitypes.SideYes, OrderType: kalshitypes.OrderTypeLimit,
		Price: 45, Count: 5,
	}, kalshitypes.Demo)

	if !eng.isHalted() {
		t.Error("expected environment to be halted after Unauthorized")
	}

	eng.Submit(kalshitypes.TradeIntent{
		AgentID: "maker-1", ClientOrderID: "c2", MarketTicker: "T1",
		Action: kalshitypes.ActionBuy, Side: kalshitypes.SideYes, OrderType: kalshitypes.OrderTypeLimit,
		Price: 45, Count: 5,
	}, kalshitypes.Demo)

	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (second submit should be dropped by the halt, not reach the exchange)", calls.Load())
	}
}

func TestSubmitIgnoresIntentForOtherEnvironment(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	eng, srv := testEngine(t, func(w http.ResponseWriter, r *http.Request) { calls.Add(1) })
	defer srv.Close()

	eng.Submit(kalshitypes.TradeIntent{MarketTicker: "T1", Action: kalshitypes.ActionBuy, Side: kalshitypes.SideYes, Price: 45, Count: 5}, kalshitypes.Live)

	if calls.Load() != 0 {
		t.Errorf("calls = %d, want 0 (wrong-environment intent must be ignored)", calls.Load())
	}
}

func TestHandleFillUpdatesOpenOrderAndPosition(t *testing.T) {
	t.Parallel()
	eng, srv := testEngine(t, nil)
	defer srv.Close()

	eng.mu.Lock()
	eng.openOrders["O1"] = kalshitypes.Order{OrderID: "O1", MarketTicker: "T1", Side: kalshitypes.SideYes, RemainingCount: 5}
	eng.mu.Unlock()

	eng.HandleFill(exchange.FillEvent{FillID: "f1", OrderID: "O1", MarketTicker: "T1", Side: "yes", Action: "buy", Price: 45, Count: 5, TsMs: time.Now().UnixMilli()})

	if len(eng.OpenOrders()) != 0 {
		t.Errorf("expected order to be fully filled and removed from open orders")
	}
	pos := eng.Position("T1")
	if pos.YesCount != 5 {
		t.Errorf("yes count = %d, want 5", pos.YesCount)
	}
	if pos.AvgYesPrice != 45 {
		t.Errorf("avg yes price = %v, want 45", pos.AvgYesPrice)
	}
}

func TestHandleFillPartialKeepsOrderOpen(t *testing.T) {
	t.Parallel()
	eng, srv := testEngine(t, nil)
	defer srv.Close()

	eng.mu.Lock()
	eng.openOrders["O1"] = kalshitypes.Order{OrderID: "O1", MarketTicker: "T1", Side: kalshitypes.SideYes, RemainingCount: 5}
	eng.mu.Unlock()

	eng.HandleFill(exchange.FillEvent{FillID: "f1", OrderID: "O1", MarketTicker: "T1", Side: "yes", Action: "buy", Price: 45, Count: 2, TsMs: time.Now().UnixMilli()})

	orders := eng.OpenOrders()
	if len(orders) != 1 {
		t.Fatalf("expected order to remain open, got %d", len(orders))
	}
	if orders[0].RemainingCount != 3 {
		t.Errorf("remaining count = %d, want 3", orders[0].RemainingCount)
	}
}

func TestHandleFillRealizesPnLOnClose(t *testing.T) {
	t.Parallel()
	eng, srv := testEngine(t, nil)
	defer srv.Close()

	now := time.Now().UnixMilli()
	eng.HandleFill(exchange.FillEvent{FillID: "f1", OrderID: "O1", MarketTicker: "T1", Side: "yes", Action: "buy", Price: 40, Count: 10, TsMs: now})
	eng.HandleFill(exchange.FillEvent{FillID: "f2", OrderID: "O2", MarketTicker: "T1", Side: "yes", Action: "sell", Price: 55, Count: 4, TsMs: now})

	pos := eng.Position("T1")
	if pos.YesCount != 6 {
		t.Fatalf("yes count = %d, want 6", pos.YesCount)
	}
	if pos.RealizedPnL != 60 {
		t.Errorf("realized pnl = %d cents, want 60 (4 contracts * 15c gain)", pos.RealizedPnL)
	}
}

func TestHandleOrderUpdateRemovesOnTerminalStatus(t *testing.T) {
	t.Parallel()
	eng, srv := testEngine(t, nil)
	defer srv.Close()

	eng.mu.Lock()
	eng.openOrders["O1"] = kalshitypes.Order{OrderID: "O1", MarketTicker: "T1", Status: kalshitypes.OrderResting, RemainingCount: 5}
	eng.mu.Unlock()

	eng.HandleOrderUpdate(exchange.OrderUpdateEvent{OrderID: "O1", Status: "cancelled", RemainingCount: 5})

	if len(eng.OpenOrders()) != 0 {
		t.Error("expected order to be removed after cancellation")
	}
}

func TestReplacePositionsOverwritesWholesale(t *testing.T) {
	t.Parallel()
	eng, srv := testEngine(t, nil)
	defer srv.Close()

	eng.HandleFill(exchange.FillEvent{FillID: "f1", OrderID: "O1", MarketTicker: "T1", Side: "yes", Action: "buy", Price: 40, Count: 10, TsMs: time.Now().UnixMilli()})

	eng.ReplacePositions([]kalshitypes.Position{{MarketTicker: "T1", YesCount: 2}})

	pos := eng.Position("T1")
	if pos.YesCount != 2 {
		t.Errorf("yes count = %d, want 2 (reconciliation should overwrite wholesale)", pos.YesCount)
	}
}
