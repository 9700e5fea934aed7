// Package session hosts the WebSocket bridge between one TUI client and one
// interactive agent session: frame protocol, MCP tool catalog, session
// rotation with wrap-up extraction, and relay of execution progress.
package session

import "encoding/json"

// Inbound frame types (TUI -> server).
const (
	FrameChat        = "chat"
	FrameClear       = "clear"
	FrameInterrupt   = "interrupt"
	FrameAskResponse = "ask_response"
)

// Outbound frame types (server -> TUI).
const (
	FrameText           = "text"
	FrameToolUse        = "tool_use"
	FrameToolResult     = "tool_result"
	FrameResult         = "result"
	FrameAskQuestion    = "ask_question"
	FrameRecommendation = "recommendation_created"
	FrameSessionReset   = "session_reset"
	FrameSessionLog     = "session_log_saved"
	FrameStatus         = "status"
)

// InboundFrame is the envelope of every TUI message. Unknown types are
// logged and dropped; unknown fields are ignored for forward compatibility.
type InboundFrame struct {
	Type      string          `json:"type"`
	Content   string          `json:"content,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Answers   json.RawMessage `json:"answers,omitempty"`
}

// OutboundFrame is the envelope of every server message. Only the fields
// relevant to the frame's type are set.
type OutboundFrame struct {
	Type string `json:"type"`

	// text / status / result
	Content string `json:"content,omitempty"`

	// tool_use / tool_result
	ToolName  string         `json:"tool_name,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`

	// result
	CostUSD float64 `json:"cost_usd,omitempty"`

	// ask_question
	RequestID string   `json:"request_id,omitempty"`
	Question  string   `json:"question,omitempty"`
	Options   []string `json:"options,omitempty"`

	// recommendation_created
	GroupID int64 `json:"group_id,omitempty"`

	// session_reset / session_log_saved
	SessionID int64  `json:"session_id,omitempty"`
	LogPath   string `json:"log_path,omitempty"`
}

func textFrame(content string) OutboundFrame {
	return OutboundFrame{Type: FrameText, Content: content}
}

func statusFrame(content string) OutboundFrame {
	return OutboundFrame{Type: FrameStatus, Content: content}
}

func resultFrame(costUSD float64, isError bool, errText string) OutboundFrame {
	return OutboundFrame{Type: FrameResult, CostUSD: costUSD, IsError: isError, Content: errText}
}
