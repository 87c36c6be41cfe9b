// Package store persists orders, fills, positions, and markets to
// MongoDB. It is an optional collaborator: with no configured URI, Open
// returns a Store whose methods are all no-ops, so the trading path
// works end-to-end without a database (§9, §11).
package store

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"kalshibot/internal/kalshitypes"
)

// Store wraps the MongoDB client and database handle. A nil client
// marks a disabled store: every method degrades to a no-op.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	logger *slog.Logger
}

// Open connects to MongoDB at uri. An empty uri returns a disabled
// store rather than an error.
func Open(ctx context.Context, uri, database string, logger *slog.Logger) (*Store, error) {
	logger = logger.With("component", "store")
	if uri == "" {
		logger.Info("no mongo_uri configured, persistence disabled")
		return &Store{logger: logger}, nil
	}

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	dbName := database
	if dbName == "" {
		dbName = "kalshibot"
		if u, err := url.Parse(uri); err == nil {
			if name := strings.TrimPrefix(u.Path, "/"); name != "" {
				dbName = name
			}
		}
	}

	s := &Store{client: client, db: client.Database(dbName), logger: logger}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ensure indexes: %w", err)
	}
	logger.Info("connected to mongodb", "database", dbName)
	return s, nil
}

// Enabled reports whether this store is backed by a live connection.
func (s *Store) Enabled() bool { return s.client != nil }

// Close disconnects, if connected.
func (s *Store) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	orderIdx := mongo.IndexModel{Keys: bson.D{{Key: "order_id", Value: 1}}, Options: options.Index().SetUnique(true)}
	fillIdx := mongo.IndexModel{Keys: bson.D{{Key: "fill_id", Value: 1}}, Options: options.Index().SetUnique(true)}
	posIdx := mongo.IndexModel{Keys: bson.D{{Key: "market_ticker", Value: 1}, {Key: "environment", Value: 1}}, Options: options.Index().SetUnique(true)}
	marketIdx := mongo.IndexModel{Keys: bson.D{{Key: "ticker", Value: 1}}, Options: options.Index().SetUnique(true)}

	if _, err := s.db.Collection("orders").Indexes().CreateOne(ctx, orderIdx); err != nil {
		return err
	}
	if _, err := s.db.Collection("fills").Indexes().CreateOne(ctx, fillIdx); err != nil {
		return err
	}
	if _, err := s.db.Collection("positions").Indexes().CreateOne(ctx, posIdx); err != nil {
		return err
	}
	if _, err := s.db.Collection("markets").Indexes().CreateOne(ctx, marketIdx); err != nil {
		return err
	}
	return nil
}

// orderDoc/fillDoc/positionDoc/marketDoc carry bson tags; kalshitypes
// stays free of persistence concerns.

type orderDoc struct {
	OrderID        string `bson:"order_id"`
	ClientOrderID  string `bson:"client_order_id"`
	AgentID        string `bson:"agent_id"`
	MarketTicker   string `bson:"market_ticker"`
	Side           string `bson:"side"`
	Action         string `bson:"action"`
	Price          int    `bson:"price"`
	Count          int    `bson:"count"`
	RemainingCount int    `bson:"remaining_count"`
	Status         string `bson:"status"`
	Environment    string `bson:"environment"`
	CreatedAtMs    int64  `bson:"created_at_ms"`
}

func toOrderDoc(o kalshitypes.Order) orderDoc {
	return orderDoc{
		OrderID: o.OrderID, ClientOrderID: o.ClientOrderID, AgentID: o.AgentID,
		MarketTicker: o.MarketTicker, Side: string(o.Side), Action: string(o.Action),
		Price: o.Price, Count: o.Count, RemainingCount: o.RemainingCount,
		Status: string(o.Status), Environment: string(o.Environment), CreatedAtMs: o.CreatedAtMs,
	}
}

func (d orderDoc) toOrder() kalshitypes.Order {
	return kalshitypes.Order{
		OrderID: d.OrderID, ClientOrderID: d.ClientOrderID, AgentID: d.AgentID,
		MarketTicker: d.MarketTicker, Side: kalshitypes.Side(d.Side), Action: kalshitypes.Action(d.Action),
		Price: d.Price, Count: d.Count, RemainingCount: d.RemainingCount,
		Status: kalshitypes.OrderStatus(d.Status), Environment: kalshitypes.Environment(d.Environment), CreatedAtMs: d.CreatedAtMs,
	}
}

// UpsertOrder persists the current state of an order, keyed by OrderID.
func (s *Store) UpsertOrder(ctx context.Context, o kalshitypes.Order) error {
	if s.client == nil {
		return nil
	}
	_, err := s.db.Collection("orders").ReplaceOne(ctx,
		bson.M{"order_id": o.OrderID}, toOrderDoc(o), options.Replace().SetUpsert(true))
	if err != nil {
		s.logger.Error("upsert order failed", "order_id", o.OrderID, "error", err)
		return fmt.Errorf("upsert order: %w", err)
	}
	return nil
}

// OpenOrders returns every order in a non-terminal status for an
// environment, the query a flat file store cannot answer without
// loading every record.
func (s *Store) OpenOrders(ctx context.Context, env kalshitypes.Environment) ([]kalshitypes.Order, error) {
	if s.client == nil {
		return nil, nil
	}
	filter := bson.M{
		"environment": string(env),
		"status":      bson.M{"$nin": bson.A{string(kalshitypes.OrderFilled), string(kalshitypes.OrderCancelled), string(kalshitypes.OrderExpired)}},
	}
	cursor, err := s.db.Collection("orders").Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("query open orders: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []orderDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode open orders: %w", err)
	}
	out := make([]kalshitypes.Order, len(docs))
	for i, d := range docs {
		out[i] = d.toOrder()
	}
	return out, nil
}

type fillDoc struct {
	FillID       string `bson:"fill_id"`
	OrderID      string `bson:"order_id"`
	MarketTicker string `bson:"market_ticker"`
	Price        int    `bson:"price"`
	Count        int    `bson:"count"`
	Side         string `bson:"side"`
	Action       string `bson:"action"`
	Taker        bool   `bson:"taker"`
	FilledAtMs   int64  `bson:"filled_at_ms"`
	Environment  string `bson:"environment"`
}

func toFillDoc(f kalshitypes.Fill) fillDoc {
	return fillDoc{
		FillID: f.FillID, OrderID: f.OrderID, MarketTicker: f.MarketTicker,
		Price: f.Price, Count: f.Count, Side: string(f.Side), Action: string(f.Action),
		Taker: f.Taker, FilledAtMs: f.FilledAtMs, Environment: string(f.Environment),
	}
}

// InsertFill records a fill, deduplicated by FillID. A duplicate key
// error is swallowed: fills are delivered at-least-once over the WS
// feed and reconciliation.
func (s *Store) InsertFill(ctx context.Context, f kalshitypes.Fill) error {
	if s.client == nil {
		return nil
	}
	_, err := s.db.Collection("fills").InsertOne(ctx, toFillDoc(f))
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		s.logger.Error("insert fill failed", "fill_id", f.FillID, "error", err)
		return fmt.Errorf("insert fill: %w", err)
	}
	return nil
}

// RecentFills returns up to limit fills, newest first. An empty ticker
// matches every market.
func (s *Store) RecentFills(ctx context.Context, ticker string, limit int) ([]kalshitypes.Fill, error) {
	if s.client == nil {
		return nil, nil
	}
	filter := bson.M{}
	if ticker != "" {
		filter["market_ticker"] = ticker
	}
	opts := options.Find().SetSort(bson.D{{Key: "filled_at_ms", Value: -1}}).SetLimit(int64(limit))
	cursor, err := s.db.Collection("fills").Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("query fills: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []fillDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode fills: %w", err)
	}
	out := make([]kalshitypes.Fill, len(docs))
	for i, d := range docs {
		out[i] = kalshitypes.Fill{
			FillID: d.FillID, OrderID: d.OrderID, MarketTicker: d.MarketTicker,
			Price: d.Price, Count: d.Count, Side: kalshitypes.Side(d.Side), Action: kalshitypes.Action(d.Action),
			Taker: d.Taker, FilledAtMs: d.FilledAtMs, Environment: kalshitypes.Environment(d.Environment),
		}
	}
	return out, nil
}

type positionDoc struct {
	MarketTicker  string  `bson:"market_ticker"`
	Environment   string  `bson:"environment"`
	YesCount      int     `bson:"yes_count"`
	NoCount       int     `bson:"no_count"`
	AvgYesPrice   float64 `bson:"avg_yes_price"`
	AvgNoPrice    float64 `bson:"avg_no_price"`
	RealizedPnL   int64   `bson:"realized_pnl"`
	UnrealizedPnL int64   `bson:"unrealized_pnl"`
	UpdatedAtMs   int64   `bson:"updated_at_ms"`
}

func toPositionDoc(p kalshitypes.Position) positionDoc {
	return positionDoc{
		MarketTicker: p.MarketTicker, Environment: string(p.Environment),
		YesCount: p.YesCount, NoCount: p.NoCount, AvgYesPrice: p.AvgYesPrice, AvgNoPrice: p.AvgNoPrice,
		RealizedPnL: p.RealizedPnL, UnrealizedPnL: p.UnrealizedPnL, UpdatedAtMs: p.UpdatedAtMs,
	}
}

func (d positionDoc) toPosition() kalshitypes.Position {
	return kalshitypes.Position{
		MarketTicker: d.MarketTicker, Environment: kalshitypes.Environment(d.Environment),
		YesCount: d.YesCount, NoCount: d.NoCount, AvgYesPrice: d.AvgYesPrice, AvgNoPrice: d.AvgNoPrice,
		RealizedPnL: d.RealizedPnL, UnrealizedPnL: d.UnrealizedPnL, UpdatedAtMs: d.UpdatedAtMs,
	}
}

// UpsertPosition writes the current net holding for (ticker, environment).
func (s *Store) UpsertPosition(ctx context.Context, p kalshitypes.Position) error {
	if s.client == nil {
		return nil
	}
	filter := bson.M{"market_ticker": p.MarketTicker, "environment": string(p.Environment)}
	_, err := s.db.Collection("positions").ReplaceOne(ctx, filter, toPositionDoc(p), options.Replace().SetUpsert(true))
	if err != nil {
		s.logger.Error("upsert position failed", "ticker", p.MarketTicker, "error", err)
		return fmt.Errorf("upsert position: %w", err)
	}
	return nil
}

// PositionsByEnvironment returns every stored position for env — the
// query that motivated a document store over flat JSON files.
func (s *Store) PositionsByEnvironment(ctx context.Context, env kalshitypes.Environment) ([]kalshitypes.Position, error) {
	if s.client == nil {
		return nil, nil
	}
	cursor, err := s.db.Collection("positions").Find(ctx, bson.M{"environment": string(env)})
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []positionDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}
	out := make([]kalshitypes.Position, len(docs))
	for i, d := range docs {
		out[i] = d.toPosition()
	}
	return out, nil
}

type marketDoc struct {
	Ticker       string `bson:"ticker"`
	EventID      string `bson:"event_id"`
	SeriesID     string `bson:"series_id"`
	Status       string `bson:"status"`
	LastUpdateMs int64  `bson:"last_update_ms"`
}

// UpsertMarket records the last known status/identity of a market.
// Discovery calls it on every pass; nothing in this repository reads the
// markets collection back.
func (s *Store) UpsertMarket(ctx context.Context, m kalshitypes.MarketState) error {
	if s.client == nil {
		return nil
	}
	doc := marketDoc{Ticker: m.Ticker, EventID: m.EventID, SeriesID: m.SeriesID, Status: string(m.Status), LastUpdateMs: m.LastUpdatedMs}
	_, err := s.db.Collection("markets").ReplaceOne(ctx, bson.M{"ticker": m.Ticker}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert market: %w", err)
	}
	return nil
}
