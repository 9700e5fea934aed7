package fillmonitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeterm/edgeterm/internal/exchange"
)

// feedServer is a scripted private-feed endpoint: it records the auth
// headers and subscription frame, then plays back whatever frames the test
// pushes through Send.
type feedServer struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu        sync.Mutex
	headers   http.Header
	subscribe map[string]any
	conns     []*websocket.Conn
}

func newFeedServer(t *testing.T) (*feedServer, *httptest.Server) {
	fs := &feedServer{t: t}
	srv := httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(srv.Close)
	return fs, srv
}

func (fs *feedServer) handle(w http.ResponseWriter, r *http.Request) {
	fs.mu.Lock()
	fs.headers = r.Header.Clone()
	fs.mu.Unlock()

	conn, err := fs.upgrader.Upgrade(w, r, nil)
	require.NoError(fs.t, err)

	var sub map[string]any
	require.NoError(fs.t, conn.ReadJSON(&sub))

	fs.mu.Lock()
	fs.subscribe = sub
	fs.conns = append(fs.conns, conn)
	fs.mu.Unlock()
}

func (fs *feedServer) Send(v any) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		fs.mu.Lock()
		if len(fs.conns) > 0 {
			conn := fs.conns[len(fs.conns)-1]
			fs.mu.Unlock()
			data, err := json.Marshal(v)
			require.NoError(fs.t, err)
			require.NoError(fs.t, conn.WriteMessage(websocket.TextMessage, data))
			return
		}
		fs.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	fs.t.Fatal("no feed connection to send on")
}

func (fs *feedServer) DropConnections() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, conn := range fs.conns {
		conn.Close()
	}
	fs.conns = nil
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWaitForFillMatchesOrder(t *testing.T) {
	fs, srv := newFeedServer(t)
	cfg := KalshiConfig(wsURL(srv), exchange.NoopSigner())
	m := New(cfg, zerolog.Nop())
	defer m.Close()

	done := make(chan struct{})
	var fill *Fill
	var err error
	go func() {
		defer close(done)
		fill, err = m.WaitForFill(context.Background(), "ord-1", 3*time.Second, "KXHIGHNY-B54")
	}()

	// Noise first: a different order, then an unrelated frame type.
	fs.Send(map[string]any{"type": "fill", "msg": map[string]any{
		"order_id": "ord-other", "yes_price": 50, "count": 3, "fill_type": "full",
	}})
	fs.Send(map[string]any{"type": "heartbeat"})
	fs.Send(map[string]any{"type": "fill", "msg": map[string]any{
		"order_id": "ord-1", "yes_price": 42, "count": 10, "fill_type": "full",
	}})

	<-done
	require.NoError(t, err)
	require.NotNil(t, fill)
	assert.Equal(t, "ord-1", fill.OrderID)
	assert.Equal(t, 42, fill.PriceCents)
	assert.Equal(t, 10, fill.Quantity)
	assert.Equal(t, "full", fill.FillType)

	// Subscription carried the market hint.
	fs.mu.Lock()
	sub := fs.subscribe
	fs.mu.Unlock()
	require.NotNil(t, sub)
	assert.Equal(t, "subscribe", sub["cmd"])
	params := sub["params"].(map[string]any)
	assert.Equal(t, []any{"KXHIGHNY-B54"}, params["market_tickers"])
}

func TestWaitForFillTimeout(t *testing.T) {
	fs, srv := newFeedServer(t)
	_ = fs
	m := New(KalshiConfig(wsURL(srv), exchange.NoopSigner()), zerolog.Nop())
	defer m.Close()

	start := time.Now()
	fill, err := m.WaitForFill(context.Background(), "ord-1", 100*time.Millisecond, "")
	assert.ErrorIs(t, err, ErrNoFill)
	assert.Nil(t, fill)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestWaitForFillDisconnect(t *testing.T) {
	fs, srv := newFeedServer(t)
	m := New(KalshiConfig(wsURL(srv), exchange.NoopSigner()), zerolog.Nop())
	defer m.Close()

	done := make(chan error, 1)
	go func() {
		_, err := m.WaitForFill(context.Background(), "ord-1", 5*time.Second, "")
		done <- err
	}()

	// Give the waiter time to connect, then kill the feed. The wait must
	// resolve well before its deadline.
	time.Sleep(50 * time.Millisecond)
	fs.DropConnections()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrNoFill)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not resolve after disconnect")
	}
}

func TestWaitForFillConcurrentWaiters(t *testing.T) {
	fs, srv := newFeedServer(t)
	m := New(KalshiConfig(wsURL(srv), exchange.NoopSigner()), zerolog.Nop())
	defer m.Close()

	type result struct {
		fill *Fill
		err  error
	}
	results := make(map[string]chan result)
	for _, id := range []string{"ord-a", "ord-b"} {
		id := id
		ch := make(chan result, 1)
		results[id] = ch
		go func() {
			fill, err := m.WaitForFill(context.Background(), id, 3*time.Second, "")
			ch <- result{fill, err}
		}()
	}

	// Out of order relative to registration.
	fs.Send(map[string]any{"type": "fill", "msg": map[string]any{
		"order_id": "ord-b", "yes_price": 55, "count": 7, "fill_type": "partial",
	}})
	fs.Send(map[string]any{"type": "fill", "msg": map[string]any{
		"order_id": "ord-a", "yes_price": 42, "count": 10, "fill_type": "full",
	}})

	a := <-results["ord-a"]
	require.NoError(t, a.err)
	assert.Equal(t, 42, a.fill.PriceCents)

	b := <-results["ord-b"]
	require.NoError(t, b.err)
	assert.Equal(t, 55, b.fill.PriceCents)
	assert.Equal(t, "partial", b.fill.FillType)
}

func TestConnectFailurePropagates(t *testing.T) {
	m := New(KalshiConfig("ws://127.0.0.1:1/feed", exchange.NoopSigner()), zerolog.Nop())
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := m.WaitForFill(ctx, "ord-1", time.Second, "")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoFill, "open failures must stay distinguishable from quiet markets")
}

func TestPolymarketFrameParsing(t *testing.T) {
	fs, srv := newFeedServer(t)
	m := New(PolymarketConfig(wsURL(srv), exchange.NoopSigner()), zerolog.Nop())
	defer m.Close()

	done := make(chan struct{})
	var fill *Fill
	var err error
	go func() {
		defer close(done)
		fill, err = m.WaitForFill(context.Background(), "0xord", 3*time.Second, "")
	}()

	// Polymarket quotes prices as probability fractions and sends flat
	// frames with string numerics.
	fs.Send(map[string]any{
		"event_type": "trade", "taker_order_id": "0xord",
		"price": "0.42", "size": "10", "status": "MATCHED",
	})

	<-done
	require.NoError(t, err)
	assert.Equal(t, 42, fill.PriceCents)
	assert.Equal(t, 10, fill.Quantity)
	assert.Equal(t, "MATCHED", fill.FillType)
}
