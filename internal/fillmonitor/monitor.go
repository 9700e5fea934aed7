// Package fillmonitor watches each venue's private order feed and answers
// "did order X fill yet?". One WebSocket per venue, opened lazily on the
// first wait and shared by every outstanding waiter; a single reader
// goroutine fans frames out by exchange order id.
//
// Reconnection is deliberately absent. A disconnect mid-wait surfaces as a
// missed fill, and the execution engine takes its cancel path; the next
// group opens a fresh connection.
package fillmonitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/edgeterm/edgeterm/internal/exchange"
)

// ErrNoFill is returned when the wait deadline elapses, the feed
// disconnects, or the frame for the order never arrives.
var ErrNoFill = errors.New("no fill observed")

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
)

// Fill is the execution report extracted from a venue frame.
type Fill struct {
	OrderID    string
	PriceCents int
	Quantity   int
	FillType   string // "full", "partial", or "" when the venue omits it
}

// VenueConfig describes how to reach and read one venue's private feed.
// The key lists make frame parsing data-driven: venues disagree on field
// names, so each key is probed in order until one is present.
type VenueConfig struct {
	Name     string
	URL      string
	Signer   exchange.Signer
	SignPath string // path component signed into the auth headers

	// Subscription frame sent after connect. MarketHint, when non-empty,
	// is substituted into the frame by SubscribeFrame.
	SubscribeFrame func(marketHint string) any

	// MessageTypeKeys locate the frame type; FillTypes is the set of type
	// values that carry an execution report.
	MessageTypeKeys []string
	FillTypes       map[string]bool

	OrderIDKeys  []string
	PriceKeys    []string
	CountKeys    []string
	FillTypeKeys []string

	// PriceScale converts the venue's price unit to integer cents.
	// 1 for venues already quoting cents, 100 for probability fractions.
	PriceScale float64
}

// KalshiConfig returns the feed config for Kalshi's portfolio channel.
func KalshiConfig(wsURL string, signer exchange.Signer) VenueConfig {
	return VenueConfig{
		Name:     "kalshi",
		URL:      wsURL,
		Signer:   signer,
		SignPath: "/trade-api/ws/v2",
		SubscribeFrame: func(marketHint string) any {
			params := map[string]any{"channels": []string{"fill"}}
			if marketHint != "" {
				params["market_tickers"] = []string{marketHint}
			}
			return map[string]any{"id": 1, "cmd": "subscribe", "params": params}
		},
		MessageTypeKeys: []string{"type"},
		FillTypes:       map[string]bool{"fill": true},
		OrderIDKeys:     []string{"order_id"},
		PriceKeys:       []string{"yes_price", "price"},
		CountKeys:       []string{"count"},
		FillTypeKeys:    []string{"fill_type"},
		PriceScale:      1,
	}
}

// PolymarketConfig returns the feed config for Polymarket's user channel.
func PolymarketConfig(wsURL string, signer exchange.Signer) VenueConfig {
	return VenueConfig{
		Name:     "polymarket",
		URL:      wsURL,
		Signer:   signer,
		SignPath: "/ws/user",
		SubscribeFrame: func(marketHint string) any {
			frame := map[string]any{"type": "user", "operation": "subscribe"}
			if marketHint != "" {
				frame["markets"] = []string{marketHint}
			}
			return frame
		},
		MessageTypeKeys: []string{"event_type", "type"},
		FillTypes:       map[string]bool{"trade": true, "fill": true},
		OrderIDKeys:     []string{"taker_order_id", "maker_order_id", "order_id", "id"},
		PriceKeys:       []string{"price"},
		CountKeys:       []string{"size", "count"},
		FillTypeKeys:    []string{"status", "fill_type"},
		PriceScale:      100,
	}
}

// Monitor owns one venue connection and its waiters.
type Monitor struct {
	cfg VenueConfig
	log zerolog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	waiters map[string]chan *Fill // keyed by exchange order id
}

func New(cfg VenueConfig, log zerolog.Logger) *Monitor {
	return &Monitor{
		cfg:     cfg,
		log:     log.With().Str("component", "fillmonitor").Str("venue", cfg.Name).Logger(),
		waiters: make(map[string]chan *Fill),
	}
}

// WaitForFill blocks until a fill for orderID is observed or the timeout
// elapses. The connection is opened on the first call; a connection-open
// failure is returned as-is so the engine can distinguish bad credentials
// from a quiet market. All later failure modes collapse to ErrNoFill.
func (m *Monitor) WaitForFill(ctx context.Context, orderID string, timeout time.Duration, marketHint string) (*Fill, error) {
	// Register before connecting so a fill that arrives in the same
	// instant the feed opens cannot slip past the waiter.
	ch := make(chan *Fill, 1)
	m.mu.Lock()
	m.waiters[orderID] = ch
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.waiters, orderID)
		m.mu.Unlock()
	}()

	if err := m.ensureConnected(ctx, marketHint); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case fill, ok := <-ch:
		if !ok || fill == nil {
			return nil, ErrNoFill
		}
		return fill, nil
	case <-timer.C:
		m.log.Debug().Str("order_id", orderID).Dur("timeout", timeout).Msg("Fill wait timed out")
		return nil, ErrNoFill
	case <-ctx.Done():
		return nil, ErrNoFill
	}
}

// Close tears down the connection and releases every waiter. The monitor
// is reusable: the next WaitForFill reconnects.
func (m *Monitor) Close() {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

func (m *Monitor) ensureConnected(ctx context.Context, marketHint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn != nil {
		return nil
	}

	header := http.Header{}
	if m.cfg.Signer != nil {
		signed, err := m.cfg.Signer.Headers(http.MethodGet, m.cfg.SignPath)
		if err != nil {
			return fmt.Errorf("sign %s feed auth: %w", m.cfg.Name, err)
		}
		for k, v := range signed {
			header.Set(k, v)
		}
	}

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.DialContext(ctx, m.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("dial %s feed: %w", m.cfg.Name, err)
	}

	if m.cfg.SubscribeFrame != nil {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(m.cfg.SubscribeFrame(marketHint)); err != nil {
			conn.Close()
			return fmt.Errorf("subscribe %s feed: %w", m.cfg.Name, err)
		}
	}

	m.conn = conn
	m.log.Info().Str("url", m.cfg.URL).Msg("Fill feed connected")
	go m.readLoop(conn)
	return nil
}

// readLoop is the single reader for the shared connection. It parses each
// frame, matches it to a waiter by order id, and delivers at most one fill
// per waiter. On read error it drains every outstanding waiter so their
// waits resolve as ErrNoFill immediately instead of at the deadline.
func (m *Monitor) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.failAll(conn, err)
			return
		}

		fill, ok := m.parseFrame(data)
		if !ok {
			continue
		}

		m.mu.Lock()
		ch, found := m.waiters[fill.OrderID]
		if found {
			delete(m.waiters, fill.OrderID)
		}
		m.mu.Unlock()

		if found {
			ch <- fill
		} else {
			m.log.Debug().Str("order_id", fill.OrderID).Msg("Fill for order with no waiter")
		}
	}
}

func (m *Monitor) failAll(conn *websocket.Conn, err error) {
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	waiters := m.waiters
	m.waiters = make(map[string]chan *Fill)
	m.mu.Unlock()

	if len(waiters) > 0 {
		m.log.Warn().Err(err).Int("waiters", len(waiters)).Msg("Fill feed closed with outstanding waiters")
	}
	for _, ch := range waiters {
		close(ch)
	}
}

// parseFrame extracts a fill from one frame, probing the configured key
// lists. Frames that are not fills, or fills missing an order id or
// price, are skipped.
func (m *Monitor) parseFrame(data []byte) (*Fill, bool) {
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, false
	}

	msgType, _ := firstString(frame, m.cfg.MessageTypeKeys)
	if !m.cfg.FillTypes[msgType] {
		return nil, false
	}

	// Venues nest the report under msg/data or flatten it; check both.
	payload := frame
	for _, key := range []string{"msg", "data"} {
		if nested, ok := frame[key].(map[string]any); ok {
			payload = nested
			break
		}
	}

	orderID, ok := firstString(payload, m.cfg.OrderIDKeys)
	if !ok {
		return nil, false
	}
	price, ok := firstNumber(payload, m.cfg.PriceKeys)
	if !ok {
		return nil, false
	}
	count, ok := firstNumber(payload, m.cfg.CountKeys)
	if !ok {
		return nil, false
	}

	scale := m.cfg.PriceScale
	if scale == 0 {
		scale = 1
	}
	fillType, _ := firstString(payload, m.cfg.FillTypeKeys)

	return &Fill{
		OrderID:    orderID,
		PriceCents: int(price*scale + 0.5),
		Quantity:   int(count),
		FillType:   fillType,
	}, true
}

func firstString(frame map[string]any, keys []string) (string, bool) {
	for _, key := range keys {
		if v, ok := frame[key].(string); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

func firstNumber(frame map[string]any, keys []string) (float64, bool) {
	for _, key := range keys {
		switch v := frame[key].(type) {
		case float64:
			return v, true
		case string:
			var f float64
			if _, err := fmt.Sscanf(v, "%g", &f); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}
