package marketcache

import (
	"testing"
	"time"

	"kalshibot/internal/kalshitypes"
)

func TestUpsertFromTickerDerivesInvariants(t *testing.T) {
	t.Parallel()
	c := New()
	c.UpsertFromTicker("INXD-24JUL01", 45, 52, 46, 1000, 500, 123)

	m, ok := c.Get("INXD-24JUL01")
	if !ok {
		t.Fatal("expected market present")
	}
	if m.YesAsk != 48 {
		t.Errorf("yes_ask = %d, want 48", m.YesAsk)
	}
	if m.NoAsk != 55 {
		t.Errorf("no_ask = %d, want 55", m.NoAsk)
	}
	if m.Spread != 3 {
		t.Errorf("spread = %d, want 3", m.Spread)
	}
}

func TestGetMissingReturnsFalse(t *testing.T) {
	t.Parallel()
	c := New()
	if _, ok := c.Get("NOPE"); ok {
		t.Error("expected ok = false for missing ticker")
	}
}

func TestApplyOrderbookDeltaRequiresExistingEntry(t *testing.T) {
	t.Parallel()
	c := New()
	if c.ApplyOrderbookDelta("UNKNOWN", kalshitypes.SideYes, 50, 10, 1, 0) {
		t.Error("expected false for a delta with no prior snapshot")
	}
}

func TestApplyOrderbookSnapshotThenDelta(t *testing.T) {
	t.Parallel()
	c := New()
	c.ApplyOrderbookSnapshot("T1", kalshitypes.OrderbookSide{40: 10}, kalshitypes.OrderbookSide{55: 8}, 1, 0)

	ok := c.ApplyOrderbookDelta("T1", kalshitypes.SideYes, 42, 5, 2, 0)
	if !ok {
		t.Fatal("expected delta to apply")
	}

	m, _ := c.Get("T1")
	if m.YesBid != 42 {
		t.Errorf("yes_bid = %d, want 42 (delta introduced a better level)", m.YesBid)
	}
}

func TestUpdatedSignalsOnceUntilDrained(t *testing.T) {
	t.Parallel()
	c := New()

	c.UpsertFromTicker("T1", 1, 1, 1, 0, 0, 0)
	c.UpsertFromTicker("T1", 2, 2, 2, 0, 0, 0)

	select {
	case <-c.Updated():
	case <-time.After(time.Second):
		t.Fatal("expected a signal after updates")
	}

	select {
	case <-c.Updated():
		t.Fatal("expected no further buffered signal (coalesced)")
	default:
	}
}

func TestUpsertFromDiscoveryPreservesBook(t *testing.T) {
	t.Parallel()
	c := New()
	c.ApplyOrderbookSnapshot("T1", kalshitypes.OrderbookSide{40: 10}, kalshitypes.OrderbookSide{55: 8}, 1, 0)
	c.AppendTrade("T1", kalshitypes.Trade{TradeID: "t1", Price: 45, Count: 1})

	c.UpsertFromDiscovery(&kalshitypes.MarketState{Ticker: "T1", Status: kalshitypes.StatusOpen})

	m, _ := c.Get("T1")
	if m.Orderbook == nil {
		t.Error("expected orderbook to be preserved across discovery upsert")
	}
	if len(m.RecentTrades) != 1 {
		t.Errorf("expected recent trades preserved, got %d", len(m.RecentTrades))
	}
}

func TestSizeAndRemove(t *testing.T) {
	t.Parallel()
	c := New()
	c.UpsertFromTicker("T1", 1, 1, 1, 0, 0, 0)
	c.UpsertFromTicker("T2", 1, 1, 1, 0, 0, 0)
	if c.Size() != 2 {
		t.Fatalf("size = %d, want 2", c.Size())
	}
	c.Remove("T1")
	if c.Size() != 1 {
		t.Fatalf("size after remove = %d, want 1", c.Size())
	}
}
