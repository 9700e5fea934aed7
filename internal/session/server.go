package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/edgeterm/edgeterm/internal/agent"
	"github.com/edgeterm/edgeterm/internal/engine"
	"github.com/edgeterm/edgeterm/internal/journal"
	"github.com/edgeterm/edgeterm/internal/metrics"
)

// Executor runs confirmed recommendation groups. Satisfied by
// *engine.Engine.
type Executor interface {
	ExecuteGroup(ctx context.Context, groupID int64, onProgress engine.ProgressFunc) []engine.LegResult
}

// Config carries the session server's policy.
type Config struct {
	WrapUpTimeout time.Duration
	SessionLogDir string
	// UnloggedGrace is how old a session must be before deferred
	// extraction considers it abandoned.
	UnloggedGrace time.Duration
	// ConfirmWrites forwards recommend_trade through an ask_question
	// round-trip instead of auto-approving it.
	ConfirmWrites bool
	AgentOptions  agent.Options
}

// Server bridges one TUI WebSocket to one live agent session.
type Server struct {
	cfg      Config
	store    *journal.Store
	tools    *Tools
	factory  agent.Factory
	executor Executor
	log      zerolog.Logger
	upgrader websocket.Upgrader

	// TUI connection; a new connection displaces the old.
	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	// Rotation lock: serializes clear against chat completion, interrupts
	// and shutdown. Acquired before any journal access in those paths.
	sessionMu sync.Mutex
	sessionID int64
	client    agent.Client
	userTurns int

	chatMu     sync.Mutex
	chatCancel context.CancelFunc

	askMu sync.Mutex
	asks  map[string]chan json.RawMessage
}

func NewServer(store *journal.Store, tools *Tools, factory agent.Factory, executor Executor, cfg Config, log zerolog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		store:    store,
		tools:    tools,
		factory:  factory,
		executor: executor,
		log:      log.With().Str("component", "session").Logger(),
		asks:     make(map[string]chan json.RawMessage),
	}
	tools.SessionID = s.currentSessionID
	tools.OnRecommendation = s.onRecommendation
	return s
}

// Start performs deferred extraction for abandoned sessions, then opens the
// first session.
func (s *Server) Start(ctx context.Context) error {
	if err := s.runDeferredExtraction(ctx); err != nil {
		s.log.Error().Err(err).Msg("Deferred extraction incomplete")
	}

	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	return s.openSession(ctx)
}

func (s *Server) currentSessionID() int64 {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	return s.sessionID
}

// openSession creates the journal row and the agent session. Caller holds
// sessionMu.
func (s *Server) openSession(ctx context.Context) error {
	sessionID, err := s.store.CreateSession(ctx)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	sc, err := s.store.BuildSessionContext(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("build session context: %w", err)
	}

	opts := s.cfg.AgentOptions
	opts.SystemPromptSuffix = sc.Render()
	opts.CanUseTool = s.permission
	if opts.MCPServers == nil {
		opts.MCPServers = map[string]any{}
	}
	opts.MCPServers["edgeterm"] = s.tools.Server()

	client, err := s.factory(ctx, opts)
	if err != nil {
		return fmt.Errorf("open agent session: %w", err)
	}

	s.sessionID = sessionID
	s.client = client
	s.userTurns = 0
	metrics.ActiveSessions.Set(1)
	s.log.Info().Int64("session_id", sessionID).Msg("Session opened")
	return nil
}

// HandleWS upgrades the TUI connection. At most one connection is live; a
// newcomer displaces the old one.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	s.connMu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.conn = conn
	s.connMu.Unlock()

	s.log.Info().Str("remote", r.RemoteAddr).Msg("TUI connected")
	s.readLoop(conn)
}

func (s *Server) readLoop(conn *websocket.Conn) {
	defer func() {
		s.connMu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.connMu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.log.Info().Err(err).Msg("TUI disconnected")
			return
		}

		var frame InboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.log.Warn().Err(err).Msg("Dropping malformed frame")
			continue
		}

		switch frame.Type {
		case FrameChat:
			go s.handleChat(frame.Content)
		case FrameClear:
			go s.handleClear()
		case FrameInterrupt:
			go s.handleInterrupt()
		case FrameAskResponse:
			s.deliverAskResponse(frame.RequestID, frame.Answers)
		case frameExecute:
			go s.handleExecute(data)
		default:
			s.log.Warn().Str("type", frame.Type).Msg("Dropping unknown frame type")
		}
	}
}

func (s *Server) send(frame OutboundFrame) {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.WriteJSON(frame); err != nil {
		s.log.Warn().Err(err).Str("type", frame.Type).Msg("Frame write failed")
	}
}

// handleChat streams one agent turn to the TUI. Errors terminate the turn
// with an error result frame; the session itself survives.
func (s *Server) handleChat(content string) {
	s.sessionMu.Lock()
	client := s.client
	sessionID := s.sessionID
	s.userTurns++
	s.sessionMu.Unlock()

	if client == nil {
		s.send(resultFrame(0, true, "no agent session"))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.chatMu.Lock()
	s.chatCancel = cancel
	s.chatMu.Unlock()
	defer func() {
		cancel()
		s.chatMu.Lock()
		if s.chatCancel != nil {
			s.chatCancel = nil
		}
		s.chatMu.Unlock()
	}()

	if err := client.Query(ctx, content); err != nil {
		s.send(resultFrame(0, true, err.Error()))
		return
	}

	stream, err := client.ReceiveResponse(ctx)
	if err != nil {
		s.send(resultFrame(0, true, err.Error()))
		return
	}

	for msg := range stream {
		switch m := msg.(type) {
		case agent.TextMessage:
			s.send(textFrame(m.Text))
		case agent.ToolUseMessage:
			s.send(OutboundFrame{Type: FrameToolUse, ToolName: m.ToolName, ToolUseID: m.ID, Input: m.Input})
		case agent.ToolResultMessage:
			s.send(OutboundFrame{Type: FrameToolResult, ToolUseID: m.ToolUseID, Content: m.Content, IsError: m.IsError})
		case agent.UserMessage:
			// Synthesized user-side content is not displayed.
		case agent.ResultMessage:
			if m.SessionID != "" {
				// First terminal result carries the upstream id; the
				// store ignores later writes.
				if err := s.store.UpdateSessionUpstreamID(ctx, sessionID, m.SessionID); err != nil {
					s.log.Error().Err(err).Msg("Failed to persist upstream session id")
				}
			}
			metrics.AgentCostUSD.Add(m.CostUSD)
			s.send(resultFrame(m.CostUSD, m.IsError, m.ErrorText))
		}
	}
}

// handleClear rotates the session: wrap up the old one, then open a fresh
// agent session with freshly assembled context.
func (s *Server) handleClear() {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	s.cancelChat()
	s.cancelAsks()

	if s.client != nil {
		if s.userTurns > 0 {
			s.wrapUpLocked(context.Background())
		} else {
			// Nothing to extract, but the session still needs its log row.
			s.writeStubLocked(context.Background(), s.sessionID, "session ended with no user messages")
		}
		s.client.Close()
		s.client = nil
	}

	if err := s.openSession(context.Background()); err != nil {
		s.log.Error().Err(err).Msg("Session rotation failed")
		s.send(resultFrame(0, true, fmt.Sprintf("session rotation failed: %v", err)))
		return
	}

	metrics.SessionRotations.Inc()
	s.send(OutboundFrame{Type: FrameSessionReset, SessionID: s.sessionID})
}

// handleInterrupt cancels the in-flight chat stream. The placed state of
// the session is untouched.
func (s *Server) handleInterrupt() {
	s.sessionMu.Lock()
	client := s.client
	s.sessionMu.Unlock()

	if client != nil {
		if err := client.Interrupt(context.Background()); err != nil {
			s.log.Warn().Err(err).Msg("Agent interrupt failed")
		}
	}
	s.cancelChat()
	s.send(resultFrame(0, false, ""))
}

// handleExecute runs a confirmed group, relaying progress tokens and the
// final per-leg results as status frames.
func (s *Server) handleExecute(raw []byte) {
	var frame executeFrame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.GroupID == 0 {
		s.send(statusFrame("execute: missing group_id"))
		return
	}

	results := s.executor.ExecuteGroup(context.Background(), frame.GroupID, func(p engine.Progress) {
		s.send(statusFrame(p.Token))
	})

	summary, _ := json.Marshal(results)
	s.send(OutboundFrame{Type: FrameStatus, Content: string(summary), GroupID: frame.GroupID})
}

// onRecommendation is invoked by the recommend_trade tool after the group
// is durable. Journal-before-frame: the commit precedes this call.
func (s *Server) onRecommendation(groupID int64, legCount int, expiresAt time.Time) {
	s.send(OutboundFrame{Type: FrameRecommendation, GroupID: groupID})
}

// permission gates agent tool calls. Read tools pass; recommend_trade asks
// the operator when confirmation is configured.
func (s *Server) permission(ctx context.Context, toolName string, input map[string]any) error {
	if toolName != "recommend_trade" {
		return nil
	}
	if !s.cfg.ConfirmWrites {
		return nil
	}

	answer, err := s.ask(ctx, "The agent wants to record a trade recommendation. Allow?", []string{"allow", "deny"})
	if err != nil {
		return fmt.Errorf("confirmation unavailable: %w", err)
	}
	if string(answer) == `"deny"` || string(answer) == `["deny"]` {
		return fmt.Errorf("operator denied recommend_trade")
	}
	return nil
}

// ask forwards a question to the TUI and blocks for the matching
// ask_response.
func (s *Server) ask(ctx context.Context, question string, options []string) (json.RawMessage, error) {
	requestID := uuid.NewString()
	ch := make(chan json.RawMessage, 1)

	s.askMu.Lock()
	s.asks[requestID] = ch
	s.askMu.Unlock()
	defer func() {
		s.askMu.Lock()
		delete(s.asks, requestID)
		s.askMu.Unlock()
	}()

	s.send(OutboundFrame{Type: FrameAskQuestion, RequestID: requestID, Question: question, Options: options})

	select {
	case answer, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("session rotated before answer")
		}
		return answer, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Server) deliverAskResponse(requestID string, answers json.RawMessage) {
	s.askMu.Lock()
	ch, ok := s.asks[requestID]
	if ok {
		delete(s.asks, requestID)
	}
	s.askMu.Unlock()

	if !ok {
		s.log.Warn().Str("request_id", requestID).Msg("Answer for unknown ask request")
		return
	}
	ch <- answers
}

func (s *Server) cancelChat() {
	s.chatMu.Lock()
	if s.chatCancel != nil {
		s.chatCancel()
		s.chatCancel = nil
	}
	s.chatMu.Unlock()
}

func (s *Server) cancelAsks() {
	s.askMu.Lock()
	for id, ch := range s.asks {
		close(ch)
		delete(s.asks, id)
	}
	s.askMu.Unlock()
}

// Shutdown finalizes the current session: cancel everything in flight,
// attempt one bounded wrap-up, close the agent. The journal is closed by
// the caller.
func (s *Server) Shutdown(ctx context.Context) {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	s.cancelChat()
	s.cancelAsks()

	if s.client != nil {
		if s.userTurns > 0 {
			s.wrapUpLocked(ctx)
		} else {
			s.writeStubLocked(ctx, s.sessionID, "session ended with no user messages")
		}
		s.client.Close()
		s.client = nil
	}
	metrics.ActiveSessions.Set(0)
	s.log.Info().Msg("Session server shut down")
}

// executeFrame is the confirm path from the TUI: run a pending group.
type executeFrame struct {
	Type    string `json:"type"`
	GroupID int64  `json:"group_id"`
}

const frameExecute = "execute"
