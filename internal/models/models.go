// Package models defines the shared entities of the trading journal:
// sessions, recommendation groups and their legs, audit trades, and the
// collector outputs read back when assembling agent context.
package models

import "time"

// Exchange identifies a trading venue.
type Exchange string

const (
	ExchangeKalshi     Exchange = "kalshi"
	ExchangePolymarket Exchange = "polymarket"
)

// Action is the direction of an order.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
)

// Opposite returns the reversing action, used by the unwind path.
func (a Action) Opposite() Action {
	if a == ActionBuy {
		return ActionSell
	}
	return ActionBuy
}

// Side is the binary contract side an order trades.
type Side string

const (
	SideYes Side = "yes"
	SideNo  Side = "no"
)

// OrderType is the venue order type.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// GroupStatus is the lifecycle state of a recommendation group.
// pending is the only non-terminal state.
type GroupStatus string

const (
	GroupPending  GroupStatus = "pending"
	GroupExecuted GroupStatus = "executed"
	GroupPartial  GroupStatus = "partial"
	GroupRejected GroupStatus = "rejected"
)

// Terminal reports whether no further group transitions are allowed.
func (s GroupStatus) Terminal() bool { return s != GroupPending }

// LegStatus is the lifecycle state of a single leg. "executed" means the
// order was successfully placed on the venue, not that it filled; fills are
// recorded separately via FillPriceCents/FillQuantity.
type LegStatus string

const (
	LegPending  LegStatus = "pending"
	LegExecuted LegStatus = "executed"
	LegRejected LegStatus = "rejected"
)

// TradeStatus tracks an audit trade row through its terminal state.
type TradeStatus string

const (
	TradePlaced    TradeStatus = "placed"
	TradeCancelled TradeStatus = "cancelled"
	TradeFilled    TradeStatus = "filled"
	TradeFailed    TradeStatus = "failed"
)

// Session is one interactive agent conversation.
type Session struct {
	ID                int64
	StartedAt         time.Time
	UpstreamSessionID *string
}

// RecommendationGroup is a set of legs intended to execute together.
type RecommendationGroup struct {
	ID                  int64
	SessionID           int64
	CreatedAt           time.Time
	Thesis              string
	EquivalenceNotes    string
	Strategy            string
	Status              GroupStatus
	EstimatedEdgePct    float64
	ComputedEdgePct     *float64
	ComputedFeesUSD     *float64
	TotalExposureUSD    float64
	ExpiresAt           time.Time
	ReviewedAt          *time.Time
	ExecutedAt          *time.Time
	HypotheticalPnLUSD  *float64
}

// RecommendationLeg is one atomic order within a group. LegIndex preserves
// the order the agent proposed the legs in and never changes.
type RecommendationLeg struct {
	ID                int64
	GroupID           int64
	LegIndex          int
	Exchange          Exchange
	MarketID          string
	Action            Action
	Side              Side
	Quantity          int
	PriceCents        int
	IsMaker           bool
	OrderType         OrderType
	Status            LegStatus
	ExchangeOrderID   *string
	FillPriceCents    *int
	FillQuantity      *int
	OrderbookSnapshot string
	SettlementValue   *int
	SettledAt         *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Trade is an append-only audit record of one exchange order operation.
type Trade struct {
	ID              int64
	SessionID       int64
	LegID           *int64
	Exchange        Exchange
	Timestamp       time.Time
	MarketID        string
	Action          Action
	Side            Side
	Quantity        int
	PriceCents      int
	OrderType       OrderType
	ExchangeOrderID string
	Status          TradeStatus
	RawResponse     string
}

// SessionLog is the prose wrap-up summary of a finished session. Exactly
// one row exists per finished session, either the extracted summary or a
// stub noting why extraction failed.
type SessionLog struct {
	ID        int64
	SessionID int64
	CreatedAt time.Time
	Content   string
}

// MarketSnapshot is a collector capture of one market's listing state.
type MarketSnapshot struct {
	ID          int64
	Exchange    Exchange
	MarketID    string
	EventID     string
	Title       string
	YesBidCents int
	YesAskCents int
	Volume      int64
	OpenTime    *time.Time
	CloseTime   *time.Time
	CapturedAt  time.Time
}

// Event groups mutually-exclusive markets. Keyed by (MarketID, Exchange).
type Event struct {
	MarketID  string
	Exchange  Exchange
	EventID   string
	Title     string
	Category  string
	UpdatedAt time.Time
}

// DailyBar is one EOD candlestick from the backfill.
type DailyBar struct {
	Exchange   Exchange
	MarketID   string
	Date       string
	OpenCents  int
	HighCents  int
	LowCents   int
	CloseCents int
	Volume     int64
}

// MarketMeta carries slow-moving market attributes maintained by the
// collector (tick size, close date, settlement source).
type MarketMeta struct {
	Exchange  Exchange
	MarketID  string
	TickSize  int
	CloseTime *time.Time
	Source    string
	UpdatedAt time.Time
}
