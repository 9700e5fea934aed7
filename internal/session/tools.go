package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	"github.com/edgeterm/edgeterm/internal/exchange"
	"github.com/edgeterm/edgeterm/internal/journal"
	"github.com/edgeterm/edgeterm/internal/models"
)

// Tools is the agent-facing tool catalog: read-only market and journal
// tools plus the single write tool, recommend_trade. Everything is backed
// by the rate-limited REST wrappers and the journal store.
type Tools struct {
	store   *journal.Store
	clients map[models.Exchange]exchange.Client
	ttl     time.Duration
	log     zerolog.Logger

	// SessionID supplies the active journal session for recommend_trade.
	SessionID func() int64

	// OnRecommendation fires after a group commits, with the journal
	// already durable. The server forwards it as a TUI frame.
	OnRecommendation func(groupID int64, legCount int, expiresAt time.Time)
}

func NewTools(store *journal.Store, clients map[models.Exchange]exchange.Client, ttl time.Duration, log zerolog.Logger) *Tools {
	return &Tools{
		store:   store,
		clients: clients,
		ttl:     ttl,
		log:     log.With().Str("component", "tools").Logger(),
	}
}

// Server builds the MCP server exposing the catalog.
func (t *Tools) Server() *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: "edgeterm", Version: "1.0.0"}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "search_markets",
		Description: "Search prediction markets on one venue or all venues. Returns paginated market listings.",
	}, t.searchMarkets)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_market",
		Description: "Fetch one market's full details by venue and market id.",
	}, t.getMarket)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_orderbook",
		Description: "Fetch the current orderbook for a market, optionally limited to the top N levels.",
	}, t.getOrderbook)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_event",
		Description: "Fetch an event and its nested markets by venue and event id.",
	}, t.getEvent)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_price_history",
		Description: "Fetch historical candlesticks for a market, where the venue supports it.",
	}, t.getPriceHistory)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_trades",
		Description: "Fetch recent public trades for a market.",
	}, t.getTrades)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_portfolio",
		Description: "Fetch balance and positions, optionally including fills and settlements.",
	}, t.getPortfolio)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_orders",
		Description: "List resting orders, optionally filtered by market and status.",
	}, t.getOrders)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "db_query",
		Description: "Run a read-only SELECT against the trade journal. Mutations are rejected.",
	}, t.dbQuery)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "recommend_trade",
		Description: "Persist a recommendation group for operator review. The only write tool: it journals the proposal but places no orders.",
	}, t.recommendTrade)

	return server
}

// client resolves a venue tag; empty means "the only configured venue" when
// exactly one exists.
func (t *Tools) client(venue string) (exchange.Client, error) {
	if venue == "" && len(t.clients) == 1 {
		for _, c := range t.clients {
			return c, nil
		}
	}
	c, ok := t.clients[models.Exchange(strings.ToLower(venue))]
	if !ok {
		return nil, fmt.Errorf("unknown or unconfigured exchange %q", venue)
	}
	return c, nil
}

type searchMarketsInput struct {
	Exchange string `json:"exchange,omitempty" jsonschema:"venue to search; omit to search all configured venues"`
	Query    string `json:"query,omitempty" jsonschema:"free-text search terms"`
	Status   string `json:"status,omitempty" jsonschema:"market status filter, e.g. open"`
	EventID  string `json:"event_id,omitempty" jsonschema:"restrict to one event"`
	Limit    int    `json:"limit,omitempty" jsonschema:"maximum results per venue"`
}

func (t *Tools) searchMarkets(ctx context.Context, req *mcp.CallToolRequest, in searchMarketsInput) (*mcp.CallToolResult, map[string]any, error) {
	params := exchange.SearchParams{Query: in.Query, Status: in.Status, EventID: in.EventID, Limit: in.Limit}

	if in.Exchange != "" {
		c, err := t.client(in.Exchange)
		if err != nil {
			return nil, nil, err
		}
		out, err := c.SearchMarkets(ctx, params)
		return nil, out, err
	}

	merged := make(map[string]any, len(t.clients))
	for venue, c := range t.clients {
		out, err := c.SearchMarkets(ctx, params)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", venue, err)
		}
		merged[string(venue)] = out
	}
	return nil, merged, nil
}

type marketInput struct {
	Exchange string `json:"exchange" jsonschema:"venue the market lives on"`
	MarketID string `json:"market_id" jsonschema:"venue market identifier"`
}

func (t *Tools) getMarket(ctx context.Context, req *mcp.CallToolRequest, in marketInput) (*mcp.CallToolResult, map[string]any, error) {
	c, err := t.client(in.Exchange)
	if err != nil {
		return nil, nil, err
	}
	out, err := c.GetMarket(ctx, in.MarketID)
	return nil, out, err
}

type orderbookInput struct {
	Exchange string `json:"exchange" jsonschema:"venue the market lives on"`
	MarketID string `json:"market_id" jsonschema:"venue market identifier"`
	Depth    int    `json:"depth,omitempty" jsonschema:"number of levels per side; venue default when omitted"`
}

func (t *Tools) getOrderbook(ctx context.Context, req *mcp.CallToolRequest, in orderbookInput) (*mcp.CallToolResult, map[string]any, error) {
	c, err := t.client(in.Exchange)
	if err != nil {
		return nil, nil, err
	}
	out, err := c.GetOrderbook(ctx, in.MarketID, in.Depth)
	return nil, out, err
}

type eventInput struct {
	Exchange string `json:"exchange" jsonschema:"venue the event lives on"`
	EventID  string `json:"event_id" jsonschema:"venue event identifier"`
}

func (t *Tools) getEvent(ctx context.Context, req *mcp.CallToolRequest, in eventInput) (*mcp.CallToolResult, map[string]any, error) {
	c, err := t.client(in.Exchange)
	if err != nil {
		return nil, nil, err
	}
	out, err := c.GetEvent(ctx, in.EventID)
	return nil, out, err
}

type priceHistoryInput struct {
	Exchange string `json:"exchange,omitempty" jsonschema:"venue; omit when only one is configured"`
	MarketID string `json:"market_id" jsonschema:"venue market identifier"`
	StartTs  int64  `json:"start_ts,omitempty" jsonschema:"unix seconds, inclusive window start"`
	EndTs    int64  `json:"end_ts,omitempty" jsonschema:"unix seconds, inclusive window end"`
	Interval int    `json:"interval,omitempty" jsonschema:"candle period in minutes"`
}

func (t *Tools) getPriceHistory(ctx context.Context, req *mcp.CallToolRequest, in priceHistoryInput) (*mcp.CallToolResult, map[string]any, error) {
	c, err := t.client(in.Exchange)
	if err != nil {
		return nil, nil, err
	}
	out, err := c.GetCandlesticks(ctx, exchange.CandlestickParams{
		MarketID:       in.MarketID,
		StartTs:        in.StartTs,
		EndTs:          in.EndTs,
		PeriodInterval: in.Interval,
	})
	return nil, out, err
}

type tradesInput struct {
	Exchange string `json:"exchange" jsonschema:"venue the market lives on"`
	MarketID string `json:"market_id" jsonschema:"venue market identifier"`
	Limit    int    `json:"limit,omitempty" jsonschema:"maximum trades returned"`
}

func (t *Tools) getTrades(ctx context.Context, req *mcp.CallToolRequest, in tradesInput) (*mcp.CallToolResult, map[string]any, error) {
	c, err := t.client(in.Exchange)
	if err != nil {
		return nil, nil, err
	}
	out, err := c.GetTrades(ctx, in.MarketID, in.Limit)
	return nil, out, err
}

type portfolioInput struct {
	Exchange           string `json:"exchange,omitempty" jsonschema:"venue; omit for all configured venues"`
	IncludeFills       bool   `json:"include_fills,omitempty" jsonschema:"include recent fills"`
	IncludeSettlements bool   `json:"include_settlements,omitempty" jsonschema:"include recent settlements"`
}

func (t *Tools) getPortfolio(ctx context.Context, req *mcp.CallToolRequest, in portfolioInput) (*mcp.CallToolResult, map[string]any, error) {
	venues := make(map[models.Exchange]exchange.Client)
	if in.Exchange != "" {
		c, err := t.client(in.Exchange)
		if err != nil {
			return nil, nil, err
		}
		venues[c.Exchange()] = c
	} else {
		for tag, c := range t.clients {
			venues[tag] = c
		}
	}

	out := make(map[string]any, len(venues))
	for tag, c := range venues {
		entry := map[string]any{}
		balance, err := c.GetBalance(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("%s balance: %w", tag, err)
		}
		entry["balance"] = balance

		positions, err := c.GetPositions(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("%s positions: %w", tag, err)
		}
		entry["positions"] = positions

		if in.IncludeFills {
			fills, err := c.GetFills(ctx)
			if err != nil {
				return nil, nil, fmt.Errorf("%s fills: %w", tag, err)
			}
			entry["fills"] = fills
		}
		if in.IncludeSettlements {
			settlements, err := c.GetSettlements(ctx)
			if err != nil {
				return nil, nil, fmt.Errorf("%s settlements: %w", tag, err)
			}
			entry["settlements"] = settlements
		}
		out[string(tag)] = entry
	}
	return nil, out, nil
}

type ordersInput struct {
	Exchange string `json:"exchange,omitempty" jsonschema:"venue; omit when only one is configured"`
	MarketID string `json:"market_id,omitempty" jsonschema:"restrict to one market"`
	Status   string `json:"status,omitempty" jsonschema:"order status filter, e.g. resting"`
}

func (t *Tools) getOrders(ctx context.Context, req *mcp.CallToolRequest, in ordersInput) (*mcp.CallToolResult, map[string]any, error) {
	c, err := t.client(in.Exchange)
	if err != nil {
		return nil, nil, err
	}
	out, err := c.ListOrders(ctx, exchange.OrdersParams{MarketID: in.MarketID, Status: in.Status})
	return nil, out, err
}

type dbQueryInput struct {
	Query string `json:"query" jsonschema:"a single SELECT or WITH statement against the journal schema"`
}

type dbQueryOutput struct {
	Rows []map[string]any `json:"rows"`
}

func (t *Tools) dbQuery(ctx context.Context, req *mcp.CallToolRequest, in dbQueryInput) (*mcp.CallToolResult, dbQueryOutput, error) {
	rows, err := t.store.Query(ctx, in.Query)
	if err != nil {
		return nil, dbQueryOutput{}, err
	}
	return nil, dbQueryOutput{Rows: rows}, nil
}

type recommendLegInput struct {
	Exchange   string `json:"exchange" jsonschema:"venue the leg trades on"`
	MarketID   string `json:"market_id" jsonschema:"venue market identifier"`
	Action     string `json:"action" jsonschema:"buy or sell"`
	Side       string `json:"side" jsonschema:"yes or no"`
	Quantity   int    `json:"quantity" jsonschema:"contracts, at least 1"`
	PriceCents int    `json:"price_cents" jsonschema:"limit price in cents, 1 to 99"`
	IsMaker    bool   `json:"is_maker,omitempty" jsonschema:"suggested maker leg; the engine re-derives this from depth"`
}

type recommendTradeInput struct {
	Thesis           string              `json:"thesis" jsonschema:"why this trade has edge, in operator-readable prose"`
	EstimatedEdgePct float64             `json:"estimated_edge_pct" jsonschema:"expected net edge percentage"`
	Strategy         string              `json:"strategy,omitempty" jsonschema:"strategy tag, e.g. bracket, directional, cross_venue_arb"`
	EquivalenceNotes string              `json:"equivalence_notes,omitempty" jsonschema:"for cross-venue groups, why the contracts are equivalent"`
	Legs             []recommendLegInput `json:"legs" jsonschema:"the legs, in execution-relevant order"`
}

type recommendTradeOutput struct {
	GroupID   int64     `json:"group_id"`
	LegCount  int       `json:"leg_count"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (t *Tools) recommendTrade(ctx context.Context, req *mcp.CallToolRequest, in recommendTradeInput) (*mcp.CallToolResult, recommendTradeOutput, error) {
	if t.SessionID == nil {
		return nil, recommendTradeOutput{}, fmt.Errorf("no active session")
	}

	legs := make([]journal.LegInput, len(in.Legs))
	for i, leg := range in.Legs {
		legs[i] = journal.LegInput{
			Exchange:   models.Exchange(strings.ToLower(leg.Exchange)),
			MarketID:   leg.MarketID,
			Action:     models.Action(strings.ToLower(leg.Action)),
			Side:       models.Side(strings.ToLower(leg.Side)),
			Quantity:   leg.Quantity,
			PriceCents: leg.PriceCents,
			IsMaker:    leg.IsMaker,
		}
	}

	strategy := in.Strategy
	if strategy == "" {
		strategy = "directional"
	}

	group, createdLegs, err := t.store.CreateRecommendationGroup(ctx, journal.CreateGroupParams{
		SessionID:        t.SessionID(),
		Thesis:           in.Thesis,
		EquivalenceNotes: in.EquivalenceNotes,
		Strategy:         strategy,
		EstimatedEdgePct: in.EstimatedEdgePct,
		Legs:             legs,
		TTL:              t.ttl,
	})
	if err != nil {
		return nil, recommendTradeOutput{}, err
	}

	t.log.Info().Int64("group_id", group.ID).Int("legs", len(createdLegs)).Msg("Recommendation group created")

	// The group is committed; the frame may now be observed.
	if t.OnRecommendation != nil {
		t.OnRecommendation(group.ID, len(createdLegs), group.ExpiresAt)
	}

	return nil, recommendTradeOutput{
		GroupID:   group.ID,
		LegCount:  len(createdLegs),
		ExpiresAt: group.ExpiresAt,
	}, nil
}
