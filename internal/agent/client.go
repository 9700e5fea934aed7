// Package agent defines the contract with the upstream LLM agent SDK. The
// session server consumes only this interface; the SDK binding lives in the
// deployment, not in the core.
package agent

import "context"

// Options configures one agent session.
type Options struct {
	Model              string
	WorkDir            string
	ResumeSessionID    string // resume an earlier upstream session; "" starts fresh
	SystemPromptSuffix string

	// MCPServers exposes in-process tool servers to the agent, keyed by
	// server name.
	MCPServers map[string]any

	// CanUseTool gates each tool invocation. Returning an error denies the
	// call; the callback may block to ask the operator.
	CanUseTool PermissionFunc

	// MaxBudgetUSD caps upstream spend for the session; 0 means no cap.
	MaxBudgetUSD float64
}

// PermissionFunc decides whether a tool call may proceed. Input is the raw
// tool input payload.
type PermissionFunc func(ctx context.Context, toolName string, input map[string]any) error

// Message is one element of a response stream. Exactly one concrete type
// below is behind each value.
type Message interface {
	isMessage()
}

// TextMessage is an assistant prose block.
type TextMessage struct {
	Text string
}

// ToolUseMessage reports the agent invoking a tool.
type ToolUseMessage struct {
	ToolName string
	ID       string
	Input    map[string]any
}

// ToolResultMessage carries a tool's output back through the stream.
type ToolResultMessage struct {
	ToolUseID string
	Content   string
	IsError   bool
}

// UserMessage echoes injected user-side content (tool results the SDK
// synthesizes, context insertions).
type UserMessage struct {
	Content string
}

// ResultMessage terminates a response stream.
type ResultMessage struct {
	CostUSD   float64
	IsError   bool
	ErrorText string
	SessionID string // upstream session id, stable across turns
}

func (TextMessage) isMessage()       {}
func (ToolUseMessage) isMessage()    {}
func (ToolResultMessage) isMessage() {}
func (UserMessage) isMessage()       {}
func (ResultMessage) isMessage()     {}

// Client is one live agent session.
type Client interface {
	// Query submits a user turn.
	Query(ctx context.Context, text string) error

	// ReceiveResponse streams the reply to the most recent Query. The
	// channel is closed after the terminal ResultMessage.
	ReceiveResponse(ctx context.Context) (<-chan Message, error)

	// Interrupt cancels the in-flight response stream. The session
	// survives and accepts further queries.
	Interrupt(ctx context.Context) error

	Close() error
}

// Factory opens a new agent session. The session server holds a Factory so
// rotation can build fresh sessions without knowing the SDK.
type Factory func(ctx context.Context, opts Options) (Client, error)
