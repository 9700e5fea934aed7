package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeterm/edgeterm/internal/agent"
	"github.com/edgeterm/edgeterm/internal/engine"
	"github.com/edgeterm/edgeterm/internal/exchange"
	"github.com/edgeterm/edgeterm/internal/journal"
	"github.com/edgeterm/edgeterm/internal/models"
)

// scriptedAgent replays a canned message stream per query.
type scriptedAgent struct {
	respond func(prompt string) []agent.Message

	mu          sync.Mutex
	queries     []string
	pending     []agent.Message
	interrupted bool
	closed      bool
}

func (a *scriptedAgent) Query(ctx context.Context, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.queries = append(a.queries, text)
	a.pending = a.respond(text)
	return nil
}

func (a *scriptedAgent) ReceiveResponse(ctx context.Context) (<-chan agent.Message, error) {
	a.mu.Lock()
	msgs := a.pending
	a.pending = nil
	a.mu.Unlock()

	ch := make(chan agent.Message, len(msgs))
	for _, m := range msgs {
		ch <- m
	}
	close(ch)
	return ch, nil
}

func (a *scriptedAgent) Interrupt(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.interrupted = true
	return nil
}

func (a *scriptedAgent) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

func (a *scriptedAgent) queryLog() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.queries...)
}

func (a *scriptedAgent) wasInterrupted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.interrupted
}

func (a *scriptedAgent) wasClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// scriptedFactory hands out scriptedAgents and records the options each
// session was opened with.
type scriptedFactory struct {
	respond func(prompt string) []agent.Message

	mu      sync.Mutex
	clients []*scriptedAgent
	opts    []agent.Options
}

func (f *scriptedFactory) New(ctx context.Context, opts agent.Options) (agent.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := &scriptedAgent{respond: f.respond}
	f.clients = append(f.clients, a)
	f.opts = append(f.opts, opts)
	return a, nil
}

func (f *scriptedFactory) client(i int) *scriptedAgent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clients[i]
}

func (f *scriptedFactory) options() []agent.Options {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]agent.Options(nil), f.opts...)
}

type executorFunc func(ctx context.Context, groupID int64, onProgress engine.ProgressFunc) []engine.LegResult

func (f executorFunc) ExecuteGroup(ctx context.Context, groupID int64, onProgress engine.ProgressFunc) []engine.LegResult {
	return f(ctx, groupID, onProgress)
}

// defaultRespond answers the wrap-up prompt with a recognizable summary and
// everything else with a short tool-using turn.
func defaultRespond(prompt string) []agent.Message {
	if strings.Contains(prompt, "Summarize this session") {
		return []agent.Message{
			agent.TextMessage{Text: "Reviewed KXCPI brackets; edge was below the floor, recommended nothing."},
			agent.ResultMessage{CostUSD: 0.01, SessionID: "up-abc"},
		}
	}
	return []agent.Message{
		agent.TextMessage{Text: "Checking CPI markets."},
		agent.ToolUseMessage{ToolName: "search_markets", ID: "tu-1", Input: map[string]any{"query": "CPI"}},
		agent.ToolResultMessage{ToolUseID: "tu-1", Content: `{"markets":[]}`},
		agent.ResultMessage{CostUSD: 0.04, SessionID: "up-abc"},
	}
}

type serverFixture struct {
	store   *journal.Store
	factory *scriptedFactory
	server  *Server
	conn    *websocket.Conn
	logDir  string
}

func newServerFixture(t *testing.T, mutate ...func(*Config)) *serverFixture {
	t.Helper()

	store, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logDir := t.TempDir()
	cfg := Config{
		WrapUpTimeout: 2 * time.Second,
		SessionLogDir: logDir,
		UnloggedGrace: 0,
	}
	for _, m := range mutate {
		m(&cfg)
	}

	factory := &scriptedFactory{respond: defaultRespond}
	tools := NewTools(store, map[models.Exchange]exchange.Client{}, 30*time.Minute, zerolog.Nop())
	executor := executorFunc(func(ctx context.Context, groupID int64, onProgress engine.ProgressFunc) []engine.LegResult {
		return nil
	})

	srv := NewServer(store, tools, factory.New, executor, cfg, zerolog.Nop())
	require.NoError(t, srv.Start(context.Background()))

	httpSrv := httptest.NewServer(http.HandlerFunc(srv.HandleWS))
	t.Cleanup(httpSrv.Close)

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return &serverFixture{store: store, factory: factory, server: srv, conn: conn, logDir: logDir}
}

func (fx *serverFixture) sendFrame(t *testing.T, frame any) {
	t.Helper()
	require.NoError(t, fx.conn.WriteJSON(frame))
}

func (fx *serverFixture) readFrame(t *testing.T) OutboundFrame {
	t.Helper()
	require.NoError(t, fx.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var frame OutboundFrame
	require.NoError(t, fx.conn.ReadJSON(&frame))
	return frame
}

// readUntil drains frames until one of the wanted type arrives.
func (fx *serverFixture) readUntil(t *testing.T, frameType string) OutboundFrame {
	t.Helper()
	for i := 0; i < 20; i++ {
		frame := fx.readFrame(t)
		if frame.Type == frameType {
			return frame
		}
	}
	t.Fatalf("no %s frame within 20 frames", frameType)
	return OutboundFrame{}
}

func TestChatStreamsTurn(t *testing.T) {
	fx := newServerFixture(t)

	fx.sendFrame(t, InboundFrame{Type: FrameChat, Content: "look at CPI"})

	text := fx.readFrame(t)
	assert.Equal(t, FrameText, text.Type)
	assert.Equal(t, "Checking CPI markets.", text.Content)

	toolUse := fx.readFrame(t)
	assert.Equal(t, FrameToolUse, toolUse.Type)
	assert.Equal(t, "search_markets", toolUse.ToolName)
	assert.Equal(t, "tu-1", toolUse.ToolUseID)

	toolResult := fx.readFrame(t)
	assert.Equal(t, FrameToolResult, toolResult.Type)
	assert.Equal(t, "tu-1", toolResult.ToolUseID)

	result := fx.readFrame(t)
	assert.Equal(t, FrameResult, result.Type)
	assert.InDelta(t, 0.04, result.CostUSD, 1e-9)
	assert.False(t, result.IsError)

	// The terminal result carried the upstream session id.
	sessions, err := fx.store.GetUnloggedSessions(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.NotNil(t, sessions[0].UpstreamSessionID)
	assert.Equal(t, "up-abc", *sessions[0].UpstreamSessionID)
}

func TestClearRotatesSessionWithWrapUp(t *testing.T) {
	fx := newServerFixture(t)

	fx.sendFrame(t, InboundFrame{Type: FrameChat, Content: "CPI brackets look cheap"})
	fx.readUntil(t, FrameResult)

	fx.sendFrame(t, InboundFrame{Type: FrameClear})

	logged := fx.readUntil(t, FrameSessionLog)
	assert.Equal(t, int64(1), logged.SessionID)
	require.NotEmpty(t, logged.LogPath)

	reset := fx.readFrame(t)
	assert.Equal(t, FrameSessionReset, reset.Type)
	assert.Equal(t, int64(2), reset.SessionID)

	// The old agent answered the wrap-up prompt and was closed.
	old := fx.factory.client(0)
	queries := old.queryLog()
	require.NotEmpty(t, queries)
	assert.Contains(t, queries[len(queries)-1], "Summarize this session")
	assert.True(t, old.wasClosed())

	// Summary is on disk and in the journal.
	content, err := os.ReadFile(logged.LogPath)
	require.NoError(t, err)
	assert.Contains(t, string(content), "Reviewed KXCPI brackets")

	hasLog, err := fx.store.HasSessionLog(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, hasLog)

	// The fresh session starts with the previous summary in its context.
	opts := fx.factory.options()
	require.Len(t, opts, 2)
	assert.Contains(t, opts[1].SystemPromptSuffix, "Previous session summary")
	assert.Contains(t, opts[1].SystemPromptSuffix, "Reviewed KXCPI brackets")
}

func TestClearWithoutTurnsWritesStub(t *testing.T) {
	fx := newServerFixture(t)

	fx.sendFrame(t, InboundFrame{Type: FrameClear})

	logged := fx.readUntil(t, FrameSessionLog)
	assert.Equal(t, int64(1), logged.SessionID)

	reset := fx.readFrame(t)
	assert.Equal(t, FrameSessionReset, reset.Type)

	// No wrap-up prompt was issued for an empty session.
	assert.Empty(t, fx.factory.client(0).queryLog())

	hasLog, err := fx.store.HasSessionLog(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, hasLog)

	// The stub still flows into the next session's context.
	opts := fx.factory.options()
	require.Len(t, opts, 2)
	assert.Contains(t, opts[1].SystemPromptSuffix, "no user messages")
}

func TestDeferredExtractionRecoversAbandonedSessions(t *testing.T) {
	store, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()

	// A crashed session that had recorded its upstream id, and one that died
	// before the first turn completed.
	resumable, err := store.CreateSession(ctx)
	require.NoError(t, err)
	require.NoError(t, store.UpdateSessionUpstreamID(ctx, resumable, "up-old"))
	orphan, err := store.CreateSession(ctx)
	require.NoError(t, err)

	factory := &scriptedFactory{respond: defaultRespond}
	tools := NewTools(store, map[models.Exchange]exchange.Client{}, 30*time.Minute, zerolog.Nop())
	srv := NewServer(store, tools, factory.New, executorFunc(func(context.Context, int64, engine.ProgressFunc) []engine.LegResult {
		return nil
	}), Config{WrapUpTimeout: 2 * time.Second, SessionLogDir: t.TempDir(), UnloggedGrace: 0}, zerolog.Nop())

	require.NoError(t, srv.Start(ctx))

	// The resumable session was reopened against its upstream id.
	var resumed *scriptedAgent
	for i, opts := range factory.options() {
		if opts.ResumeSessionID == "up-old" {
			resumed = factory.client(i)
		}
	}
	require.NotNil(t, resumed, "no session was resumed with the recorded upstream id")
	queries := resumed.queryLog()
	require.Len(t, queries, 1)
	assert.Contains(t, queries[0], "Summarize this session")
	assert.True(t, resumed.wasClosed())

	// Both abandoned sessions ended up with exactly their log row.
	for _, id := range []int64{resumable, orphan} {
		hasLog, err := store.HasSessionLog(ctx, id)
		require.NoError(t, err)
		assert.True(t, hasLog, "session %d has no log", id)
	}

	// The orphan got a stub, not a summary.
	sc, err := store.BuildSessionContext(ctx, orphan+10)
	require.NoError(t, err)
	assert.Contains(t, sc.PreviousSummary, "No summary extracted")
}

func TestExecuteRelaysProgressAndResults(t *testing.T) {
	var gotGroupID int64
	fx := newServerFixture(t)
	fx.server.executor = executorFunc(func(ctx context.Context, groupID int64, onProgress engine.ProgressFunc) []engine.LegResult {
		gotGroupID = groupID
		onProgress(engine.Progress{Token: "recomputing_edge"})
		onProgress(engine.Progress{Token: "placing_maker"})
		onProgress(engine.Progress{Token: "complete:executed"})
		return []engine.LegResult{{LegIndex: 0, MarketID: "KXCPI-UP", Status: engine.ResultExecuted}}
	})

	fx.sendFrame(t, map[string]any{"type": "execute", "group_id": 41})

	for _, token := range []string{"recomputing_edge", "placing_maker", "complete:executed"} {
		frame := fx.readFrame(t)
		assert.Equal(t, FrameStatus, frame.Type)
		assert.Equal(t, token, frame.Content)
	}

	final := fx.readFrame(t)
	assert.Equal(t, FrameStatus, final.Type)
	assert.Equal(t, int64(41), final.GroupID)
	assert.Contains(t, final.Content, "KXCPI-UP")
	assert.Contains(t, final.Content, string(engine.ResultExecuted))
	assert.Equal(t, int64(41), gotGroupID)
}

func TestInterruptCancelsTurn(t *testing.T) {
	fx := newServerFixture(t)

	fx.sendFrame(t, InboundFrame{Type: FrameInterrupt})

	result := fx.readUntil(t, FrameResult)
	assert.False(t, result.IsError)
	assert.Zero(t, result.CostUSD)

	require.Eventually(t, func() bool {
		return fx.factory.client(0).wasInterrupted()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConfirmWritesAskRoundTrip(t *testing.T) {
	fx := newServerFixture(t, func(cfg *Config) { cfg.ConfirmWrites = true })

	// Read tools are never gated.
	require.NoError(t, fx.server.permission(context.Background(), "get_market", nil))

	answer := func(raw string) error {
		errCh := make(chan error, 1)
		go func() {
			errCh <- fx.server.permission(context.Background(), "recommend_trade", nil)
		}()

		ask := fx.readUntil(t, FrameAskQuestion)
		require.NotEmpty(t, ask.RequestID)
		assert.Equal(t, []string{"allow", "deny"}, ask.Options)

		fx.sendFrame(t, map[string]any{
			"type":       FrameAskResponse,
			"request_id": ask.RequestID,
			"answers":    raw,
		})

		select {
		case err := <-errCh:
			return err
		case <-time.After(3 * time.Second):
			t.Fatal("permission decision never arrived")
			return nil
		}
	}

	assert.Error(t, answer("deny"))
	assert.NoError(t, answer("allow"))
}

func TestRecommendationFrameFollowsCommit(t *testing.T) {
	fx := newServerFixture(t)

	_, out, err := fx.server.tools.recommendTrade(context.Background(), nil, recommendTradeInput{
		Thesis:           "CPI bracket sums below fair value",
		EstimatedEdgePct: 3.2,
		Strategy:         "bracket",
		Legs: []recommendLegInput{
			{Exchange: "kalshi", MarketID: "KXCPI-UP", Action: "buy", Side: "yes", Quantity: 10, PriceCents: 42, IsMaker: true},
			{Exchange: "kalshi", MarketID: "KXCPI-DN", Action: "buy", Side: "yes", Quantity: 10, PriceCents: 55},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, out.LegCount)

	frame := fx.readUntil(t, FrameRecommendation)
	assert.Equal(t, out.GroupID, frame.GroupID)

	// The frame is only observable after the group is durable.
	group, legs, err := fx.store.GetGroup(context.Background(), frame.GroupID)
	require.NoError(t, err)
	assert.Equal(t, models.GroupPending, group.Status)
	assert.Len(t, legs, 2)
}

func TestShutdownWrapsUpActiveSession(t *testing.T) {
	fx := newServerFixture(t)

	fx.sendFrame(t, InboundFrame{Type: FrameChat, Content: "look at CPI"})
	fx.readUntil(t, FrameResult)

	fx.server.Shutdown(context.Background())

	hasLog, err := fx.store.HasSessionLog(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, hasLog)
	assert.True(t, fx.factory.client(0).wasClosed())
}
