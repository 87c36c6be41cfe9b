// Package exchange implements the Kalshi REST and WebSocket clients.
//
// The REST client (Client) talks to the Kalshi trade API for market
// data and order management:
//   - GetMarkets:    GET  /trade-api/v2/markets               — paginated market listing
//   - GetMarket:     GET  /trade-api/v2/markets/{ticker}       — single market snapshot
//   - GetBalance:    GET  /trade-api/v2/portfolio/balance      — account balance
//   - GetOrders:     GET  /trade-api/v2/portfolio/orders       — order history/status
//   - GetOrder:      GET  /trade-api/v2/portfolio/orders/{id}  — single order
//   - GetPositions:  GET  /trade-api/v2/portfolio/positions    — net holdings
//   - GetFills:      GET  /trade-api/v2/portfolio/fills        — execution history
//   - CreateOrder:   POST /trade-api/v2/portfolio/orders       — place an order
//   - CancelOrder:   DELETE /trade-api/v2/portfolio/orders/{id} — cancel an order
//
// Every request acquires the relevant rate-limiter bucket, is signed
// with the environment's Signer, and retried per a status-code-specific
// policy rather than resty's single built-in predicate (§4.3).
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"kalshibot/internal/kalshiauth"
	"kalshibot/internal/kalshierrors"
	"kalshibot/internal/kalshitypes"
)

// Client is the Kalshi REST API client for one environment (live or
// demo). Each environment gets its own Client, Signer, and RateLimiter.
type Client struct {
	http   *resty.Client
	signer *kalshiauth.Signer
	rl     *RateLimiter
	env    kalshitypes.Environment
	logger *slog.Logger
}

// NewClient builds a REST client bound to baseURL with its own rate
// limiter and signer.
func NewClient(baseURL string, env kalshitypes.Environment, signer *kalshiauth.Signer, logger *slog.Logger) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext

	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTransport(transport).
		SetTimeout(30 * time.Second).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   httpClient,
		signer: signer,
		rl:     NewRateLimiter(),
		env:    env,
		logger: logger.With("component", "rest_client", "environment", string(env)),
	}
}

const tradeAPIPrefix = "/trade-api/v2"

// do executes one signed request with rate limiting and the retry
// policy from §4.3, decoding a successful response body into out (when
// non-nil).
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	bucket := c.rl.Reads
	if method == http.MethodPost || method == http.MethodDelete {
		bucket = c.rl.Writes
	}

	fullPath := tradeAPIPrefix + path

	for attempt := 0; ; attempt++ {
		if err := bucket.Wait(ctx); err != nil {
			return err
		}

		headers, err := c.signer.Headers(method, fullPath)
		if err != nil {
			return fmt.Errorf("sign request: %w", err)
		}

		req := c.http.R().SetContext(ctx).SetHeaders(headers)
		if body != nil {
			req.SetBody(body)
		}
		if out != nil {
			req.SetResult(out)
		}

		resp, execErr := req.Execute(method, fullPath)

		wait, retry, finalErr := classifyResponse(c.env, resp, execErr, attempt)
		if !retry {
			return finalErr
		}

		c.logger.Warn("retrying request", "method", method, "path", path, "attempt", attempt+1, "wait", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// classifyResponse implements the per-status retry table: 200/201
// succeed; 400/404 fail immediately as ClientError; 401 fails
// immediately as Unauthorized; 429 retries up to 5 times with
// exponential backoff (100ms * 2^attempt); 500 retries up to 3 times
// at a fixed 500ms; 503 retries up to 3 times at a fixed 1s; network
// and timeout errors retry up to 3 times at a fixed 250ms; anything
// else fails after the first attempt. retry=false means stop (err may
// be nil on success).
func classifyResponse(env kalshitypes.Environment, resp *resty.Response, execErr error, attempt int) (wait time.Duration, retry bool, err error) {
	if execErr != nil {
		if attempt < 3 {
			return 250 * time.Millisecond, true, nil
		}
		return 0, false, &kalshierrors.Exhausted{Attempts: attempt + 1, Last: execErr}
	}

	switch status := resp.StatusCode(); status {
	case http.StatusOK, http.StatusCreated:
		return 0, false, nil
	case http.StatusBadRequest, http.StatusNotFound:
		return 0, false, &kalshierrors.ClientError{StatusCode: status, Body: resp.String()}
	case http.StatusUnauthorized:
		return 0, false, &kalshierrors.Unauthorized{Environment: env}
	case http.StatusTooManyRequests:
		if attempt < 5 {
			return time.Duration(100*(1<<attempt)) * time.Millisecond, true, nil
		}
		return 0, false, &kalshierrors.Exhausted{Attempts: attempt + 1, Last: &kalshierrors.ClientError{StatusCode: status, Body: resp.String()}}
	case http.StatusInternalServerError:
		if attempt < 3 {
			return 500 * time.Millisecond, true, nil
		}
		return 0, false, &kalshierrors.Exhausted{Attempts: attempt + 1, Last: &kalshierrors.ClientError{StatusCode: status, Body: resp.String()}}
	case http.StatusServiceUnavailable:
		if attempt < 3 {
			return time.Second, true, nil
		}
		return 0, false, &kalshierrors.Exhausted{Attempts: attempt + 1, Last: &kalshierrors.ClientError{StatusCode: status, Body: resp.String()}}
	default:
		return 0, false, &kalshierrors.ClientError{StatusCode: status, Body: resp.String()}
	}
}

// GetMarkets fetches one page of markets. cursor is empty for the
// first page; subsequent pages pass back the returned cursor.
func (c *Client) GetMarkets(ctx context.Context, cursor string, limit int) ([]*kalshitypes.MarketState, string, error) {
	var page marketsPage
	path := fmt.Sprintf("/markets?limit=%d", limit)
	if cursor != "" {
		path += "&cursor=" + cursor
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, "", err
	}

	now := time.Now().UnixMilli()
	out := make([]*kalshitypes.MarketState, len(page.Markets))
	for i, dto := range page.Markets {
		out[i] = dto.toMarketState(now)
	}
	return out, page.Cursor, nil
}

// GetMarket fetches a single market by ticker.
func (c *Client) GetMarket(ctx context.Context, ticker string) (*kalshitypes.MarketState, error) {
	var resp marketResponse
	if err := c.do(ctx, http.MethodGet, "/markets/"+ticker, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Market.toMarketState(time.Now().UnixMilli()), nil
}

// GetBalance returns the account balance in cents.
func (c *Client) GetBalance(ctx context.Context) (int64, error) {
	var resp balanceResponse
	if err := c.do(ctx, http.MethodGet, "/portfolio/balance", nil, &resp); err != nil {
		return 0, err
	}
	return resp.BalanceCents, nil
}

// GetOrders lists orders, optionally filtered by ticker.
func (c *Client) GetOrders(ctx context.Context, ticker, cursor string, limit int) ([]kalshitypes.Order, string, error) {
	path := fmt.Sprintf("/portfolio/orders?limit=%d", limit)
	if ticker != "" {
		path += "&ticker=" + ticker
	}
	if cursor != "" {
		path += "&cursor=" + cursor
	}
	var resp ordersResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, "", err
	}
	out := make([]kalshitypes.Order, len(resp.Orders))
	for i, dto := range resp.Orders {
		out[i] = dto.toOrder(c.env)
	}
	return out, resp.Cursor, nil
}

// GetOrder fetches a single order by exchange-assigned ID.
func (c *Client) GetOrder(ctx context.Context, orderID string) (kalshitypes.Order, error) {
	var resp orderResponse
	if err := c.do(ctx, http.MethodGet, "/portfolio/orders/"+orderID, nil, &resp); err != nil {
		return kalshitypes.Order{}, err
	}
	return resp.Order.toOrder(c.env), nil
}

// GetPositions lists all net market positions.
func (c *Client) GetPositions(ctx context.Context, cursor string, limit int) ([]kalshitypes.Position, string, error) {
	path := fmt.Sprintf("/portfolio/positions?limit=%d", limit)
	if cursor != "" {
		path += "&cursor=" + cursor
	}
	var resp positionsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, "", err
	}
	now := time.Now().UnixMilli()
	out := make([]kalshitypes.Position, len(resp.Positions))
	for i, dto := range resp.Positions {
		out[i] = dto.toPosition(c.env, now)
	}
	return out, resp.Cursor, nil
}

// GetFills lists executed fills, optionally filtered by ticker.
func (c *Client) GetFills(ctx context.Context, ticker, cursor string, limit int) ([]kalshitypes.Fill, string, error) {
	path := fmt.Sprintf("/portfolio/fills?limit=%d", limit)
	if ticker != "" {
		path += "&ticker=" + ticker
	}
	if cursor != "" {
		path += "&cursor=" + cursor
	}
	var resp fillsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, "", err
	}
	out := make([]kalshitypes.Fill, len(resp.Fills))
	for i, dto := range resp.Fills {
		out[i] = dto.toFill(c.env)
	}
	return out, resp.Cursor, nil
}

// CreateOrder submits a new order built from a TradeIntent.
func (c *Client) CreateOrder(ctx context.Context, intent kalshitypes.TradeIntent) (kalshitypes.Order, error) {
	req := createOrderRequest{
		Ticker:        intent.MarketTicker,
		ClientOrderID: intent.ClientOrderID,
		Side:          string(intent.Side),
		Action:        string(intent.Action),
		Type:          string(intent.OrderType),
		Count:         intent.Count,
	}
	if intent.Side == kalshitypes.SideNo {
		req.NoPrice = intent.Price
	} else {
		req.YesPrice = intent.Price
	}
	var resp orderResponse
	if err := c.do(ctx, http.MethodPost, "/portfolio/orders", req, &resp); err != nil {
		return kalshitypes.Order{}, err
	}
	return resp.Order.toOrder(c.env), nil
}

// CancelOrder cancels a resting order by exchange-assigned ID.
func (c *Client) CancelOrder(ctx context.Context, orderID string) (kalshitypes.Order, error) {
	var resp cancelOrderResponse
	if err := c.do(ctx, http.MethodDelete, "/portfolio/orders/"+orderID, nil, &resp); err != nil {
		return kalshitypes.Order{}, err
	}
	return resp.Order.toOrder(c.env), nil
}
