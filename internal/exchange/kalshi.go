package exchange

import (
	"context"
	"net/url"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/edgeterm/edgeterm/internal/models"
	"github.com/edgeterm/edgeterm/internal/ratelimit"
)

// KalshiClient wraps the Kalshi trade API v2. All paths are rooted under
// /trade-api/v2 and every request carries the RSA-PSS header triplet.
type KalshiClient struct {
	*restClient
}

const kalshiAPIPrefix = "/trade-api/v2"

// NewKalshiClient builds a Kalshi REST wrapper. baseURL is the host root
// (e.g. https://api.elections.kalshi.com); signatures cover the prefixed
// request path the venue verifies.
func NewKalshiClient(baseURL string, limiter *ratelimit.Limiter, signer Signer, log zerolog.Logger) *KalshiClient {
	return &KalshiClient{
		restClient: newRESTClient(
			baseURL+kalshiAPIPrefix,
			kalshiAPIPrefix,
			string(models.ExchangeKalshi),
			limiter,
			signer,
			log.With().Str("component", "kalshi_rest").Logger(),
		),
	}
}

// Exchange identifies this client's venue.
func (c *KalshiClient) Exchange() models.Exchange { return models.ExchangeKalshi }

// SearchMarkets walks the paginated market listing.
func (c *KalshiClient) SearchMarkets(ctx context.Context, params SearchParams) (map[string]any, error) {
	q := url.Values{}
	setIfSet(q, "tickers", params.Query)
	setIfSet(q, "status", params.Status)
	setIfSet(q, "event_ticker", params.EventID)
	setIfSet(q, "cursor", params.Cursor)
	setIfPositive(q, "limit", int64(params.Limit))
	return c.read(ctx, "/markets", q)
}

// GetMarket fetches a single market by ticker.
func (c *KalshiClient) GetMarket(ctx context.Context, marketID string) (map[string]any, error) {
	return c.read(ctx, "/markets/"+marketID, nil)
}

// GetOrderbook fetches the book for a market to the requested depth.
func (c *KalshiClient) GetOrderbook(ctx context.Context, marketID string, depth int) (map[string]any, error) {
	q := url.Values{}
	setIfPositive(q, "depth", int64(depth))
	return c.read(ctx, "/markets/"+marketID+"/orderbook", q)
}

// GetEvent fetches an event with its nested markets.
func (c *KalshiClient) GetEvent(ctx context.Context, eventID string) (map[string]any, error) {
	q := url.Values{}
	q.Set("with_nested_markets", "true")
	return c.read(ctx, "/events/"+eventID, q)
}

// GetTrades fetches recent public trades for a market.
func (c *KalshiClient) GetTrades(ctx context.Context, marketID string, limit int) (map[string]any, error) {
	q := url.Values{}
	setIfSet(q, "ticker", marketID)
	setIfPositive(q, "limit", int64(limit))
	return c.read(ctx, "/markets/trades", q)
}

// GetCandlesticks fetches price history for a market.
func (c *KalshiClient) GetCandlesticks(ctx context.Context, params CandlestickParams) (map[string]any, error) {
	q := url.Values{}
	setIfPositive(q, "start_ts", params.StartTs)
	setIfPositive(q, "end_ts", params.EndTs)
	setIfPositive(q, "period_interval", int64(params.PeriodInterval))
	return c.read(ctx, "/markets/"+params.MarketID+"/candlesticks", q)
}

// GetBalance fetches the account balance.
func (c *KalshiClient) GetBalance(ctx context.Context) (map[string]any, error) {
	return c.read(ctx, "/portfolio/balance", nil)
}

// GetPositions fetches open positions.
func (c *KalshiClient) GetPositions(ctx context.Context) (map[string]any, error) {
	return c.read(ctx, "/portfolio/positions", nil)
}

// GetFills fetches recent fills.
func (c *KalshiClient) GetFills(ctx context.Context) (map[string]any, error) {
	return c.read(ctx, "/portfolio/fills", nil)
}

// GetSettlements fetches settled positions.
func (c *KalshiClient) GetSettlements(ctx context.Context) (map[string]any, error) {
	return c.read(ctx, "/portfolio/settlements", nil)
}

// ListOrders lists resting and recent orders.
func (c *KalshiClient) ListOrders(ctx context.Context, params OrdersParams) (map[string]any, error) {
	q := url.Values{}
	setIfSet(q, "ticker", params.MarketID)
	setIfSet(q, "status", params.Status)
	return c.read(ctx, "/portfolio/orders", q)
}

// GetExchangeStatus reports whether trading is open.
func (c *KalshiClient) GetExchangeStatus(ctx context.Context) (map[string]any, error) {
	return c.read(ctx, "/exchange/status", nil)
}

// CreateOrder places an order. The limit price rides on yes_price or
// no_price depending on the side; unset optionals stay off the wire.
func (c *KalshiClient) CreateOrder(ctx context.Context, req OrderRequest) (map[string]any, error) {
	clientID := req.ClientOrderID
	if clientID == "" {
		clientID = uuid.NewString()
	}

	body := map[string]any{
		"ticker":          req.MarketID,
		"action":          string(req.Action),
		"side":            string(req.Side),
		"count":           req.Count,
		"type":            string(req.Type),
		"client_order_id": clientID,
	}
	if req.Type == models.OrderTypeLimit {
		if req.Side == models.SideYes {
			body["yes_price"] = req.LimitPriceCents
		} else {
			body["no_price"] = req.LimitPriceCents
		}
	}
	if req.ExpirationTs > 0 {
		body["expiration_ts"] = strconv.FormatInt(req.ExpirationTs, 10)
	}

	return c.write(ctx, "POST", "/portfolio/orders", body)
}

// CancelOrder cancels a resting order by id.
func (c *KalshiClient) CancelOrder(ctx context.Context, orderID string) (map[string]any, error) {
	return c.write(ctx, "DELETE", "/portfolio/orders/"+orderID, nil)
}
