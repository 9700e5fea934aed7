// Package exchange provides thin, typed REST wrappers over each venue's
// HTTP API. Every method acquires the matching rate token, serializes the
// signed request on a per-client mutex, and normalizes the response body to
// a plain nested map for downstream consumers.
//
// The wrappers add no retries, circuit breaking, or caching; errors
// propagate unchanged to the caller.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/edgeterm/edgeterm/internal/metrics"
	"github.com/edgeterm/edgeterm/internal/models"
	"github.com/edgeterm/edgeterm/internal/ratelimit"
)

// Client is the venue-neutral surface the execution engine, tool catalog
// and collectors consume. Responses are normalized nested maps keyed the
// way the venue returns them.
type Client interface {
	Exchange() models.Exchange

	SearchMarkets(ctx context.Context, params SearchParams) (map[string]any, error)
	GetMarket(ctx context.Context, marketID string) (map[string]any, error)
	GetOrderbook(ctx context.Context, marketID string, depth int) (map[string]any, error)
	GetEvent(ctx context.Context, eventID string) (map[string]any, error)
	GetTrades(ctx context.Context, marketID string, limit int) (map[string]any, error)
	GetCandlesticks(ctx context.Context, params CandlestickParams) (map[string]any, error)
	GetBalance(ctx context.Context) (map[string]any, error)
	GetPositions(ctx context.Context) (map[string]any, error)
	GetFills(ctx context.Context) (map[string]any, error)
	GetSettlements(ctx context.Context) (map[string]any, error)
	ListOrders(ctx context.Context, params OrdersParams) (map[string]any, error)
	GetExchangeStatus(ctx context.Context) (map[string]any, error)

	CreateOrder(ctx context.Context, req OrderRequest) (map[string]any, error)
	CancelOrder(ctx context.Context, orderID string) (map[string]any, error)
}

// SearchParams narrows a paginated market listing. Zero-valued fields are
// omitted from the outgoing request entirely; venues distinguish an absent
// parameter from an explicit null.
type SearchParams struct {
	Query   string
	Status  string
	EventID string
	Limit   int
	Cursor  string
}

// CandlestickParams selects a price-history window.
type CandlestickParams struct {
	MarketID       string
	StartTs        int64
	EndTs          int64
	PeriodInterval int // minutes
}

// OrdersParams filters an order listing.
type OrdersParams struct {
	MarketID string
	Status   string
}

// OrderRequest is a venue-neutral create-order call.
type OrderRequest struct {
	MarketID        string
	Action          models.Action
	Side            models.Side
	Count           int
	Type            models.OrderType
	LimitPriceCents int
	ClientOrderID   string // optional; venues generate one when empty
	ExpirationTs    int64  // optional unix seconds; 0 means good-till-cancel
}

// restClient carries the plumbing shared by every venue wrapper: the HTTP
// transport, the per-venue rate limiter, the request signer, and a mutex
// that keeps concurrent callers from interleaving signed requests on the
// same connection.
type restClient struct {
	http    *resty.Client
	limiter *ratelimit.Limiter
	signer  Signer
	// signPrefix is prepended to the request path inside the signature
	// string; venues verify against the full URL path, while resty's base
	// URL already carries the prefix.
	signPrefix string
	venue      string // metrics label
	mu         sync.Mutex
	log        zerolog.Logger
}

func newRESTClient(baseURL, signPrefix, venue string, limiter *ratelimit.Limiter, signer Signer, log zerolog.Logger) *restClient {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15 * time.Second).
		SetHeader("Content-Type", "application/json")

	return &restClient{
		http:       httpClient,
		limiter:    limiter,
		signer:     signer,
		signPrefix: signPrefix,
		venue:      venue,
		log:        log,
	}
}

// read acquires a read token then performs a signed GET.
func (c *restClient) read(ctx context.Context, path string, query url.Values) (map[string]any, error) {
	if err := c.limiter.AcquireRead(ctx, ratelimit.DefaultCost); err != nil {
		return nil, err
	}
	return c.do(ctx, "GET", path, query, nil)
}

// write acquires a write token then performs a signed mutation.
func (c *restClient) write(ctx context.Context, method, path string, body any) (map[string]any, error) {
	if err := c.limiter.AcquireWrite(ctx, ratelimit.DefaultCost); err != nil {
		return nil, err
	}
	return c.do(ctx, method, path, nil, body)
}

// do issues one signed request. The mutex spans the whole call so the rate
// limiter never queues tokens while a previous signed request is still in
// flight on this client.
func (c *restClient) do(ctx context.Context, method, path string, query url.Values, body any) (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	headers, err := c.signer.Headers(method, c.signPrefix+path)
	if err != nil {
		return nil, fmt.Errorf("sign %s %s: %w", method, path, err)
	}

	req := c.http.R().SetContext(ctx).SetHeaders(headers)
	if len(query) > 0 {
		req.SetQueryParamsFromValues(query)
	}
	if body != nil {
		req.SetBody(body)
	}

	started := time.Now()
	resp, err := req.Execute(method, path)
	metrics.RESTLatency.WithLabelValues(c.venue).Observe(time.Since(started).Seconds())
	if err != nil {
		metrics.RESTRequests.WithLabelValues(c.venue, "error").Inc()
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		metrics.RESTRequests.WithLabelValues(c.venue, "error").Inc()
		return nil, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode(), resp.String())
	}
	metrics.RESTRequests.WithLabelValues(c.venue, "success").Inc()

	return normalize(resp.Body())
}

// normalize decodes a venue response body into a nested map. Empty bodies
// (204-style cancels) normalize to an empty map.
func normalize(body []byte) (map[string]any, error) {
	if len(body) == 0 {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

// setIfSet copies non-zero optional values into the query, keeping unset
// parameters off the wire.
func setIfSet(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}

func setIfPositive(q url.Values, key string, value int64) {
	if value > 0 {
		q.Set(key, fmt.Sprintf("%d", value))
	}
}
