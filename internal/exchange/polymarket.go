package exchange

import (
	"context"
	"net/url"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/edgeterm/edgeterm/internal/models"
	"github.com/edgeterm/edgeterm/internal/ratelimit"
)

// PolymarketClient wraps the second venue's CLOB-style API. Requests carry
// the Ed25519 POLY-* header set.
type PolymarketClient struct {
	*restClient
}

// NewPolymarketClient builds a Polymarket REST wrapper rooted at baseURL.
func NewPolymarketClient(baseURL string, limiter *ratelimit.Limiter, signer Signer, log zerolog.Logger) *PolymarketClient {
	return &PolymarketClient{
		restClient: newRESTClient(
			baseURL,
			"",
			string(models.ExchangePolymarket),
			limiter,
			signer,
			log.With().Str("component", "polymarket_rest").Logger(),
		),
	}
}

// Exchange identifies this client's venue.
func (c *PolymarketClient) Exchange() models.Exchange { return models.ExchangePolymarket }

// SearchMarkets walks the paginated market listing.
func (c *PolymarketClient) SearchMarkets(ctx context.Context, params SearchParams) (map[string]any, error) {
	q := url.Values{}
	setIfSet(q, "search", params.Query)
	setIfSet(q, "status", params.Status)
	setIfSet(q, "event_id", params.EventID)
	setIfSet(q, "next_cursor", params.Cursor)
	setIfPositive(q, "limit", int64(params.Limit))
	return c.read(ctx, "/markets", q)
}

// GetMarket fetches a single market by condition id.
func (c *PolymarketClient) GetMarket(ctx context.Context, marketID string) (map[string]any, error) {
	return c.read(ctx, "/markets/"+marketID, nil)
}

// GetOrderbook fetches the book for a market. The venue returns the full
// book; depth narrowing happens client-side in the fee calculator.
func (c *PolymarketClient) GetOrderbook(ctx context.Context, marketID string, depth int) (map[string]any, error) {
	q := url.Values{}
	q.Set("token_id", marketID)
	setIfPositive(q, "depth", int64(depth))
	return c.read(ctx, "/book", q)
}

// GetEvent fetches an event and its markets.
func (c *PolymarketClient) GetEvent(ctx context.Context, eventID string) (map[string]any, error) {
	return c.read(ctx, "/events/"+eventID, nil)
}

// GetTrades fetches recent public trades for a market.
func (c *PolymarketClient) GetTrades(ctx context.Context, marketID string, limit int) (map[string]any, error) {
	q := url.Values{}
	q.Set("market", marketID)
	setIfPositive(q, "limit", int64(limit))
	return c.read(ctx, "/trades", q)
}

// GetCandlesticks fetches price history where the venue supports it.
func (c *PolymarketClient) GetCandlesticks(ctx context.Context, params CandlestickParams) (map[string]any, error) {
	q := url.Values{}
	q.Set("market", params.MarketID)
	setIfPositive(q, "startTs", params.StartTs)
	setIfPositive(q, "endTs", params.EndTs)
	setIfPositive(q, "fidelity", int64(params.PeriodInterval))
	return c.read(ctx, "/prices-history", q)
}

// GetBalance fetches collateral balance and allowance.
func (c *PolymarketClient) GetBalance(ctx context.Context) (map[string]any, error) {
	return c.read(ctx, "/balance-allowance", nil)
}

// GetPositions fetches open positions.
func (c *PolymarketClient) GetPositions(ctx context.Context) (map[string]any, error) {
	return c.read(ctx, "/positions", nil)
}

// GetFills fetches the account's trade history.
func (c *PolymarketClient) GetFills(ctx context.Context) (map[string]any, error) {
	q := url.Values{}
	q.Set("maker", "true")
	return c.read(ctx, "/data/trades", q)
}

// GetSettlements fetches resolved-market payouts.
func (c *PolymarketClient) GetSettlements(ctx context.Context) (map[string]any, error) {
	return c.read(ctx, "/settlements", nil)
}

// ListOrders lists open orders.
func (c *PolymarketClient) ListOrders(ctx context.Context, params OrdersParams) (map[string]any, error) {
	q := url.Values{}
	setIfSet(q, "market", params.MarketID)
	setIfSet(q, "status", params.Status)
	return c.read(ctx, "/data/orders", q)
}

// GetExchangeStatus reports API liveness.
func (c *PolymarketClient) GetExchangeStatus(ctx context.Context) (map[string]any, error) {
	return c.read(ctx, "/status", nil)
}

// CreateOrder places an order.
func (c *PolymarketClient) CreateOrder(ctx context.Context, req OrderRequest) (map[string]any, error) {
	clientID := req.ClientOrderID
	if clientID == "" {
		clientID = uuid.NewString()
	}

	body := map[string]any{
		"market":          req.MarketID,
		"side":            string(req.Action),
		"outcome":         string(req.Side),
		"size":            req.Count,
		"order_type":      string(req.Type),
		"client_order_id": clientID,
	}
	if req.Type == models.OrderTypeLimit {
		body["price"] = req.LimitPriceCents
	}
	if req.ExpirationTs > 0 {
		body["expiration"] = req.ExpirationTs
	}

	return c.write(ctx, "POST", "/order", body)
}

// CancelOrder cancels an open order by id.
func (c *PolymarketClient) CancelOrder(ctx context.Context, orderID string) (map[string]any, error) {
	return c.write(ctx, "DELETE", "/order/"+orderID, nil)
}
