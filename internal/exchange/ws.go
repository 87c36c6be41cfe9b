// ws.go implements the WebSocket client for real-time Kalshi data.
//
// A single multiplexed connection per environment carries both public
// market channels (ticker_v2, orderbook_snapshot, orderbook_delta,
// trade) and, once logged in, the private user channels (fill,
// order_update). This differs from exchanges that split public/private
// data across two sockets: Kalshi multiplexes everything over one
// connection identified by subscription command IDs.
//
// The client moves through DISCONNECTED -> CONNECTING -> LOGGING_IN ->
// SUBSCRIBED on every (re)connect, reconnecting on any read/write
// failure with a fixed backoff ladder (0.5s, 1s, 2s, 4s, 8s, capped at
// 30s) and replaying the full desired subscription set afterward
// (§4.4).
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"kalshibot/internal/kalshiauth"
)

type connState int32

const (
	stateDisconnected connState = iota
	stateConnecting
	stateLoggingIn
	stateSubscribed
)

func (s connState) String() string {
	switch s {
	case stateDisconnected:
		return "disconnected"
	case stateConnecting:
		return "connecting"
	case stateLoggingIn:
		return "logging_in"
	case stateSubscribed:
		return "subscribed"
	default:
		return "unknown"
	}
}

var backoffLadder = []time.Duration{
	500 * time.Millisecond,
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	30 * time.Second,
}

const (
	pingInterval    = 10 * time.Second
	pongTimeout     = 5 * time.Second
	writeTimeout    = 10 * time.Second
	inboundQueueCap = 100_000
	subscribeBatch  = 1000
	subscribePause  = 50 * time.Millisecond
)

// marketChannels is the per-ticker channel set every discovered market
// is subscribed to (§4.10). Private account channels (fill,
// order_update) are not per-ticker and are handled separately.
var marketChannels = []string{"ticker_v2", "orderbook_delta", "trade", "market_lifecycle"}

const (
	channelFill        = "fill"
	channelOrderUpdate = "order_update"
)

// WSFeed manages one multiplexed WebSocket connection for one
// environment. Subscribe/Unsubscribe maintain the desired subscription
// set, which is replayed on every reconnect.
type WSFeed struct {
	url    string
	signer *kalshiauth.Signer // nil means public-only, no login attempted

	conn   *websocket.Conn
	connMu sync.Mutex

	state  atomic.Int32
	nextID atomic.Int64

	desiredMu sync.RWMutex
	desired   map[string]map[string]bool // channel -> ticker set, replayed per reconnect

	eventsCh chan WSMessage

	// OnReconnect is called (if set) after every successful connect, once
	// the full desired subscription set has been replayed — the entry
	// point uses it to run a reconciliation pass after a connectivity gap.
	OnReconnect func()

	seqMu sync.Mutex
	seq   map[string]int64 // last seen orderbook seq per ticker, for gap detection

	logger *slog.Logger
}

// NewWSFeed creates a feed bound to wsURL. Pass a nil signer for a
// public-only connection (no login command is sent).
func NewWSFeed(wsURL string, signer *kalshiauth.Signer, logger *slog.Logger) *WSFeed {
	desired := make(map[string]map[string]bool, len(marketChannels))
	for _, ch := range marketChannels {
		desired[ch] = make(map[string]bool)
	}
	return &WSFeed{
		url:      wsURL,
		signer:   signer,
		desired:  desired,
		seq:      make(map[string]int64),
		eventsCh: make(chan WSMessage, inboundQueueCap),
		logger:   logger.With("component", "ws_feed"),
	}
}

// Events returns the single stream of decoded messages. The dispatcher
// is the sole consumer (§4.5).
func (f *WSFeed) Events() <-chan WSMessage { return f.eventsCh }

// State reports the current connection state, for diagnostics.
func (f *WSFeed) State() string { return connState(f.state.Load()).String() }

// Run connects and maintains the connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *WSFeed) Run(ctx context.Context) error {
	attempt := 0
	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			f.setState(stateDisconnected)
			return ctx.Err()
		}

		if connState(f.state.Load()) == stateSubscribed {
			attempt = 0 // this connection got through login and replay
		}
		f.setState(stateDisconnected)
		wait := backoffLadder[min(attempt, len(backoffLadder)-1)]
		f.logger.Warn("websocket disconnected, reconnecting", "error", err, "wait", wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		attempt++
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func (f *WSFeed) setState(s connState) { f.state.Store(int32(s)) }

// Subscribe adds tickers to every market channel (§4.10) and sends one
// subscribe command per channel immediately if connected.
func (f *WSFeed) Subscribe(tickers []string) error {
	f.desiredMu.Lock()
	for _, ch := range marketChannels {
		for _, t := range tickers {
			f.desired[ch][t] = true
		}
	}
	f.desiredMu.Unlock()
	return f.sendSubscriptionAllChannels("subscribe", tickers)
}

// Unsubscribe removes tickers from every market channel.
func (f *WSFeed) Unsubscribe(tickers []string) error {
	f.desiredMu.Lock()
	for _, ch := range marketChannels {
		for _, t := range tickers {
			delete(f.desired[ch], t)
		}
	}
	f.desiredMu.Unlock()
	return f.sendSubscriptionAllChannels("unsubscribe", tickers)
}

// Close closes the underlying connection, triggering reconnect logic
// unless Run's context is also cancelled.
func (f *WSFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *WSFeed) connectAndRead(ctx context.Context) error {
	f.setState(stateConnecting)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))
		return nil
	})

	if f.signer != nil {
		f.setState(stateLoggingIn)
		cmd, err := f.signer.BuildLoginCommand(f.nextID.Add(1))
		if err != nil {
			return fmt.Errorf("build login command: %w", err)
		}
		if err := f.writeJSON(cmd); err != nil {
			return fmt.Errorf("send login: %w", err)
		}
	}

	if err := f.replaySubscriptions(); err != nil {
		return fmt.Errorf("replay subscriptions: %w", err)
	}
	f.setState(stateSubscribed)

	if f.OnReconnect != nil {
		f.OnReconnect()
	}

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	conn.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.dispatchMessage(msg)
	}
}

// replaySubscriptions sends the full desired set, grouped by channel,
// in batches of at most subscribeBatch tickers with subscribePause
// between batches (§4.4), followed by the always-on private account
// channels.
func (f *WSFeed) replaySubscriptions() error {
	f.desiredMu.RLock()
	perChannel := make(map[string][]string, len(marketChannels))
	for _, ch := range marketChannels {
		tickers := make([]string, 0, len(f.desired[ch]))
		for t := range f.desired[ch] {
			tickers = append(tickers, t)
		}
		perChannel[ch] = tickers
	}
	f.desiredMu.RUnlock()

	for _, ch := range marketChannels {
		if err := f.sendBatchedChannelCommand("subscribe", ch, perChannel[ch]); err != nil {
			return err
		}
	}

	if f.signer != nil {
		if err := f.sendChannelCommand("subscribe", []string{channelFill, channelOrderUpdate}, nil); err != nil {
			return err
		}
	}
	return nil
}

type subscribeCommand struct {
	ID     int64          `json:"id"`
	Cmd    string         `json:"cmd"`
	Params subscribeParam `json:"params"`
}

type subscribeParam struct {
	Channels []string `json:"channels"`
	Tickers  []string `json:"market_tickers,omitempty"`
}

// sendSubscriptionAllChannels issues one subscribe/unsubscribe command
// per market channel for tickers, as required for a live Subscribe or
// Unsubscribe call (not the batched reconnect replay).
func (f *WSFeed) sendSubscriptionAllChannels(op string, tickers []string) error {
	if len(tickers) == 0 {
		return nil
	}
	for _, ch := range marketChannels {
		if err := f.sendChannelCommand(op, []string{ch}, tickers); err != nil {
			return err
		}
	}
	return nil
}

// sendBatchedChannelCommand sends op for a single channel in batches of
// at most subscribeBatch tickers, pausing subscribePause between
// batches. If tickers is empty, nothing is sent.
func (f *WSFeed) sendBatchedChannelCommand(op, channel string, tickers []string) error {
	if len(tickers) == 0 {
		return nil
	}
	for start := 0; start < len(tickers); start += subscribeBatch {
		end := start + subscribeBatch
		if end > len(tickers) {
			end = len(tickers)
		}
		if err := f.sendChannelCommand(op, []string{channel}, tickers[start:end]); err != nil {
			return err
		}
		if end < len(tickers) {
			time.Sleep(subscribePause)
		}
	}
	return nil
}

func (f *WSFeed) sendChannelCommand(op string, channels, tickers []string) error {
	cmd := subscribeCommand{
		ID:  f.nextID.Add(1),
		Cmd: op,
		Params: subscribeParam{
			Channels: channels,
			Tickers:  tickers,
		},
	}
	return f.writeJSON(cmd)
}

type wsEnvelope struct {
	Type string          `json:"type"`
	Sid  int64           `json:"sid"`
	Msg  json.RawMessage `json:"msg"`
}

func (f *WSFeed) dispatchMessage(data []byte) {
	var env wsEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	var evt WSMessage
	switch env.Type {
	case "ticker_v2":
		var m struct {
			MarketTicker string `json:"market_ticker"`
			YesBid       int    `json:"yes_bid"`
			NoBid        int    `json:"no_bid"`
			Price        int    `json:"price"`
			Volume       int64  `json:"volume"`
			OpenInterest int64  `json:"open_interest"`
			Seq          int64  `json:"seq"`
			Ts           int64  `json:"ts"`
		}
		if err := json.Unmarshal(env.Msg, &m); err != nil {
			f.logger.Error("unmarshal ticker_v2", "error", err)
			return
		}
		evt = TickerEvent{MarketTicker: m.MarketTicker, YesBid: m.YesBid, NoBid: m.NoBid, LastPrice: m.Price, Volume: m.Volume, OpenInterest: m.OpenInterest, Seq: m.Seq, TsMs: m.Ts}

	case "orderbook_snapshot":
		var m struct {
			MarketTicker string    `json:"market_ticker"`
			Yes          [][2]int  `json:"yes"`
			No           [][2]int  `json:"no"`
			Seq          int64     `json:"seq"`
			Ts           int64     `json:"ts"`
		}
		if err := json.Unmarshal(env.Msg, &m); err != nil {
			f.logger.Error("unmarshal orderbook_snapshot", "error", err)
			return
		}
		yes := make(map[int]int, len(m.Yes))
		for _, lvl := range m.Yes {
			yes[lvl[0]] = lvl[1]
		}
		no := make(map[int]int, len(m.No))
		for _, lvl := range m.No {
			no[lvl[0]] = lvl[1]
		}
		f.recordSeq(m.MarketTicker, m.Seq)
		evt = OrderbookSnapshotEvent{MarketTicker: m.MarketTicker, Yes: yes, No: no, Seq: m.Seq, TsMs: m.Ts}

	case "orderbook_delta":
		var m struct {
			MarketTicker string `json:"market_ticker"`
			Side         string `json:"side"`
			Price        int    `json:"price"`
			Delta        int    `json:"delta"`
			Seq          int64  `json:"seq"`
			Ts           int64  `json:"ts"`
		}
		if err := json.Unmarshal(env.Msg, &m); err != nil {
			f.logger.Error("unmarshal orderbook_delta", "error", err)
			return
		}
		if gap := f.checkSeqGap(m.MarketTicker, m.Seq); gap {
			f.logger.Warn("sequence gap detected, requesting resync", "ticker", m.MarketTicker, "seq", m.Seq)
			f.evictSeq(m.MarketTicker)
			f.resyncChannel("orderbook_delta", m.MarketTicker)
			return
		}
		evt = OrderbookDeltaEvent{MarketTicker: m.MarketTicker, Side: m.Side, Price: m.Price, Delta: m.Delta, Seq: m.Seq, TsMs: m.Ts}

	case "trade":
		var m struct {
			MarketTicker string `json:"market_ticker"`
			TradeID      string `json:"trade_id"`
			YesPrice     int    `json:"yes_price"`
			NoPrice      int    `json:"no_price"`
			Count        int    `json:"count"`
			TakerSide    string `json:"taker_side"`
			Ts           int64  `json:"ts"`
		}
		if err := json.Unmarshal(env.Msg, &m); err != nil {
			f.logger.Error("unmarshal trade", "error", err)
			return
		}
		evt = TradeEvent{MarketTicker: m.MarketTicker, TradeID: m.TradeID, YesPrice: m.YesPrice, NoPrice: m.NoPrice, Count: m.Count, TakerSide: m.TakerSide, TsMs: m.Ts}

	case "market_lifecycle":
		var m struct {
			MarketTicker string `json:"market_ticker"`
			Status       string `json:"status"`
			Ts           int64  `json:"ts"`
		}
		if err := json.Unmarshal(env.Msg, &m); err != nil {
			f.logger.Error("unmarshal market_lifecycle", "error", err)
			return
		}
		evt = MarketLifecycleEvent{MarketTicker: m.MarketTicker, Status: mapMarketStatus(m.Status), TsMs: m.Ts}

	case "fill":
		var m struct {
			FillID       string `json:"fill_id"`
			OrderID      string `json:"order_id"`
			MarketTicker string `json:"market_ticker"`
			Side         string `json:"side"`
			Action       string `json:"action"`
			Price        int    `json:"yes_price"`
			Count        int    `json:"count"`
			IsTaker      bool   `json:"is_taker"`
			Ts           int64  `json:"ts"`
		}
		if err := json.Unmarshal(env.Msg, &m); err != nil {
			f.logger.Error("unmarshal fill", "error", err)
			return
		}
		evt = FillEvent{FillID: m.FillID, OrderID: m.OrderID, MarketTicker: m.MarketTicker, Side: m.Side, Action: m.Action, Price: m.Price, Count: m.Count, IsTaker: m.IsTaker, TsMs: m.Ts}

	case "order_update":
		var m struct {
			OrderID        string `json:"order_id"`
			ClientOrderID  string `json:"client_order_id"`
			MarketTicker   string `json:"market_ticker"`
			Status         string `json:"status"`
			RemainingCount int    `json:"remaining_count"`
			Ts             int64  `json:"ts"`
		}
		if err := json.Unmarshal(env.Msg, &m); err != nil {
			f.logger.Error("unmarshal order_update", "error", err)
			return
		}
		evt = OrderUpdateEvent{OrderID: m.OrderID, ClientOrderID: m.ClientOrderID, MarketTicker: m.MarketTicker, Status: m.Status, RemainingCount: m.RemainingCount, TsMs: m.Ts}

	case "subscribed", "unsubscribed", "error", "pong":
		f.logger.Debug("control message", "type", env.Type)
		return

	default:
		f.logger.Debug("unknown ws message type", "type", env.Type)
		return
	}

	select {
	case f.eventsCh <- evt:
	default:
		f.logger.Warn("inbound event queue full, dropping message", "type", env.Type)
	}
}

func (f *WSFeed) recordSeq(ticker string, seq int64) {
	f.seqMu.Lock()
	f.seq[ticker] = seq
	f.seqMu.Unlock()
}

// evictSeq drops the tracked sequence for ticker so the next message
// (expected to be a fresh snapshot) is not compared against stale state.
func (f *WSFeed) evictSeq(ticker string) {
	f.seqMu.Lock()
	delete(f.seq, ticker)
	f.seqMu.Unlock()
}

// resyncChannel removes then re-adds ticker in the desired set for
// channel, and issues the unsubscribe+subscribe pair that forces the
// exchange to replay a fresh snapshot (§4.4 sequence-gap handling).
func (f *WSFeed) resyncChannel(channel, ticker string) {
	f.desiredMu.Lock()
	delete(f.desired[channel], ticker)
	f.desired[channel][ticker] = true
	f.desiredMu.Unlock()

	if err := f.sendChannelCommand("unsubscribe", []string{channel}, []string{ticker}); err != nil {
		f.logger.Warn("resync unsubscribe failed", "ticker", ticker, "channel", channel, "error", err)
	}
	if err := f.sendChannelCommand("subscribe", []string{channel}, []string{ticker}); err != nil {
		f.logger.Warn("resync subscribe failed", "ticker", ticker, "channel", channel, "error", err)
	}
}

// checkSeqGap reports whether seq does not follow the last recorded
// sequence number for ticker, and records seq regardless so subsequent
// checks use the latest value (avoids repeated resync storms).
func (f *WSFeed) checkSeqGap(ticker string, seq int64) bool {
	f.seqMu.Lock()
	defer f.seqMu.Unlock()
	prev, ok := f.seq[ticker]
	f.seq[ticker] = seq
	if !ok {
		return false
	}
	return seq != prev+1
}

func (f *WSFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.connMu.Lock()
			conn := f.conn
			f.connMu.Unlock()
			if conn == nil {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *WSFeed) writeJSON(v interface{}) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}
