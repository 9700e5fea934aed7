package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/edgeterm/edgeterm/internal/agent"
	"github.com/edgeterm/edgeterm/internal/metrics"
)

// wrapUpPrompt asks the agent to summarize the session for the next one.
const wrapUpPrompt = `Summarize this session for your future self in a few short paragraphs:
markets examined and why, recommendations made and their reasoning, trades
executed or rejected, and anything unresolved the next session should pick
up. Write plain prose, no headings.`

// wrapUpLocked extracts a prose summary from the current agent session and
// persists it to the journal and the session-log directory. Caller holds
// sessionMu. Falls back to a stub so the session never finishes without a
// log row.
func (s *Server) wrapUpLocked(ctx context.Context) {
	summary, err := s.extractSummary(ctx, s.client)
	if err != nil {
		s.log.Error().Err(err).Int64("session_id", s.sessionID).Msg("Wrap-up extraction failed")
		s.writeStubLocked(ctx, s.sessionID, fmt.Sprintf("wrap-up failed: %v", err))
		return
	}
	s.saveSummaryLocked(ctx, s.sessionID, summary)
}

// extractSummary runs the wrap-up prompt with a bounded timeout and
// collects the text blocks of the reply.
func (s *Server) extractSummary(ctx context.Context, client agent.Client) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.WrapUpTimeout)
	defer cancel()

	if err := client.Query(ctx, wrapUpPrompt); err != nil {
		return "", fmt.Errorf("wrap-up query: %w", err)
	}
	stream, err := client.ReceiveResponse(ctx)
	if err != nil {
		return "", fmt.Errorf("wrap-up stream: %w", err)
	}

	var b strings.Builder
	for {
		select {
		case msg, ok := <-stream:
			if !ok {
				summary := strings.TrimSpace(b.String())
				if summary == "" {
					return "", fmt.Errorf("wrap-up produced no text")
				}
				return summary, nil
			}
			switch m := msg.(type) {
			case agent.TextMessage:
				b.WriteString(m.Text)
			case agent.ResultMessage:
				if m.IsError {
					return "", fmt.Errorf("wrap-up result error: %s", m.ErrorText)
				}
			}
		case <-ctx.Done():
			return "", fmt.Errorf("wrap-up timed out after %s", s.cfg.WrapUpTimeout)
		}
	}
}

// saveSummaryLocked writes the summary to the journal and a markdown file,
// then notifies the TUI.
func (s *Server) saveSummaryLocked(ctx context.Context, sessionID int64, summary string) {
	if _, err := s.store.LogSessionSummary(ctx, sessionID, summary); err != nil {
		s.log.Error().Err(err).Int64("session_id", sessionID).Msg("Failed to write session log")
		return
	}

	path := s.writeLogFile(sessionID, summary)
	s.send(OutboundFrame{Type: FrameSessionLog, SessionID: sessionID, LogPath: path})
}

// writeStubLocked records a placeholder log so the session-log invariant
// holds even when extraction was impossible.
func (s *Server) writeStubLocked(ctx context.Context, sessionID int64, reason string) {
	metrics.WrapUpFailures.Inc()
	stub := fmt.Sprintf("No summary extracted: %s.", reason)
	if _, err := s.store.LogSessionSummary(ctx, sessionID, stub); err != nil {
		s.log.Error().Err(err).Int64("session_id", sessionID).Msg("Failed to write stub session log")
		return
	}
	s.send(OutboundFrame{Type: FrameSessionLog, SessionID: sessionID})
}

// writeLogFile drops the summary as one markdown file per session id.
// Best-effort: the journal row is the source of truth.
func (s *Server) writeLogFile(sessionID int64, summary string) string {
	if s.cfg.SessionLogDir == "" {
		return ""
	}
	if err := os.MkdirAll(s.cfg.SessionLogDir, 0o755); err != nil {
		s.log.Error().Err(err).Msg("Failed to create session log dir")
		return ""
	}

	path := filepath.Join(s.cfg.SessionLogDir, fmt.Sprintf("session-%d.md", sessionID))
	content := fmt.Sprintf("# Session %d\n\n_%s_\n\n%s\n", sessionID, time.Now().UTC().Format(time.RFC3339), summary)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		s.log.Error().Err(err).Str("path", path).Msg("Failed to write session log file")
		return ""
	}
	return path
}

// runDeferredExtraction finds sessions that died without a log row and
// finishes their bookkeeping: resume the upstream session and extract a
// real summary when possible, otherwise write a stub naming the reason.
func (s *Server) runDeferredExtraction(ctx context.Context) error {
	sessions, err := s.store.GetUnloggedSessions(ctx, s.cfg.UnloggedGrace)
	if err != nil {
		return fmt.Errorf("unlogged sessions: %w", err)
	}

	for _, sess := range sessions {
		log := s.log.With().Int64("session_id", sess.ID).Logger()

		if sess.UpstreamSessionID == nil || *sess.UpstreamSessionID == "" {
			log.Info().Msg("Abandoned session has no upstream id, writing stub")
			s.writeStubLocked(ctx, sess.ID, "crashed before the upstream session id was recorded")
			continue
		}

		opts := s.cfg.AgentOptions
		opts.ResumeSessionID = *sess.UpstreamSessionID
		client, err := s.factory(ctx, opts)
		if err != nil {
			log.Error().Err(err).Msg("Failed to resume upstream session")
			s.writeStubLocked(ctx, sess.ID, fmt.Sprintf("resume failed: %v", err))
			continue
		}

		summary, err := s.extractSummary(ctx, client)
		client.Close()
		if err != nil {
			log.Error().Err(err).Msg("Deferred extraction failed")
			s.writeStubLocked(ctx, sess.ID, fmt.Sprintf("deferred extraction failed: %v", err))
			continue
		}

		s.saveSummaryLocked(ctx, sess.ID, summary)
		log.Info().Msg("Deferred session summary recovered")
	}
	return nil
}
