package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	"github.com/edgeterm/edgeterm/internal/agent"
	"github.com/edgeterm/edgeterm/internal/config"
)

func agentOptions(cfg *config.Config) agent.Options {
	return agent.Options{
		Model:        cfg.Agent.Model,
		WorkDir:      cfg.Agent.WorkDir,
		MaxBudgetUSD: cfg.Agent.MaxBudgetUSD,
	}
}

// mcpGateway exposes in-process MCP servers to the agent subprocess over
// streamable HTTP at /mcp/<name>. Remounting a name replaces the handler,
// which is how session rotation swaps in the fresh tool server.
type mcpGateway struct {
	addr string
	log  zerolog.Logger

	mu       sync.Mutex
	handlers map[string]http.Handler
}

func newMCPGateway(addr string, log zerolog.Logger) *mcpGateway {
	return &mcpGateway{
		addr:     addr,
		log:      log.With().Str("component", "mcp-gateway").Logger(),
		handlers: make(map[string]http.Handler),
	}
}

func (g *mcpGateway) Mount(name string, srv *mcp.Server) {
	h := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return srv }, nil)
	g.mu.Lock()
	g.handlers[name] = h
	g.mu.Unlock()
}

func (g *mcpGateway) URL(name string) string {
	return fmt.Sprintf("http://%s/mcp/%s", g.addr, name)
}

func (g *mcpGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/mcp/")
	name, _, _ = strings.Cut(name, "/")

	g.mu.Lock()
	h, ok := g.handlers[name]
	g.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	h.ServeHTTP(w, r)
}

// newAgentCLIFactory binds agent.Factory to the claude CLI in stream-json
// mode. Tool servers are mounted on the gateway and handed to the subprocess
// through a generated MCP config; tool permissioning round-trips through an
// approval MCP tool backed by the session server's callback.
func newAgentCLIFactory(gateway *mcpGateway, log zerolog.Logger) agent.Factory {
	return func(ctx context.Context, opts agent.Options) (agent.Client, error) {
		servers := map[string]map[string]string{}
		for name, srv := range opts.MCPServers {
			ms, ok := srv.(*mcp.Server)
			if !ok {
				return nil, fmt.Errorf("mcp server %q is not a *mcp.Server", name)
			}
			gateway.Mount(name, ms)
			servers[name] = map[string]string{"type": "http", "url": gateway.URL(name)}
		}

		if opts.CanUseTool != nil {
			gateway.Mount("approval", approvalServer(opts.CanUseTool))
			servers["approval"] = map[string]string{"type": "http", "url": gateway.URL("approval")}
		}

		cfgJSON, err := json.Marshal(map[string]any{"mcpServers": servers})
		if err != nil {
			return nil, err
		}
		cfgFile, err := os.CreateTemp("", "edgeterm-mcp-*.json")
		if err != nil {
			return nil, fmt.Errorf("write mcp config: %w", err)
		}
		if _, err := cfgFile.Write(cfgJSON); err != nil {
			cfgFile.Close()
			return nil, fmt.Errorf("write mcp config: %w", err)
		}
		cfgFile.Close()

		return &agentCLIClient{
			opts:          opts,
			mcpConfigPath: cfgFile.Name(),
			sessionID:     opts.ResumeSessionID,
			log:           log.With().Str("component", "agent-cli").Logger(),
		}, nil
	}
}

// approvalServer wraps the permission callback as the MCP tool the CLI's
// --permission-prompt-tool flag expects.
func approvalServer(canUse agent.PermissionFunc) *mcp.Server {
	srv := mcp.NewServer(&mcp.Implementation{Name: "approval", Version: "1.0.0"}, nil)

	type approvalInput struct {
		ToolName string         `json:"tool_name" jsonschema:"name of the tool being invoked"`
		Input    map[string]any `json:"input" jsonschema:"the tool's input payload"`
	}
	type approvalOutput struct {
		Behavior string `json:"behavior"`
		Message  string `json:"message,omitempty"`
	}

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "approval_prompt",
		Description: "Decide whether a tool invocation may proceed.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in approvalInput) (*mcp.CallToolResult, approvalOutput, error) {
		// The CLI reports namespaced names like mcp__edgeterm__recommend_trade.
		name := in.ToolName
		if i := strings.LastIndex(name, "__"); i >= 0 {
			name = name[i+2:]
		}
		if err := canUse(ctx, name, in.Input); err != nil {
			return nil, approvalOutput{Behavior: "deny", Message: err.Error()}, nil
		}
		return nil, approvalOutput{Behavior: "allow"}, nil
	})
	return srv
}

// agentCLIClient runs one CLI subprocess per turn, threading the upstream
// session id through --resume so the conversation continues.
type agentCLIClient struct {
	opts          agent.Options
	mcpConfigPath string
	log           zerolog.Logger

	mu        sync.Mutex
	sessionID string
	costUSD   float64
	cmd       *exec.Cmd
	stdout    *bufio.Scanner
}

func (c *agentCLIClient) Query(ctx context.Context, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.opts.MaxBudgetUSD > 0 && c.costUSD >= c.opts.MaxBudgetUSD {
		return fmt.Errorf("session budget of $%.2f exhausted", c.opts.MaxBudgetUSD)
	}
	if c.cmd != nil {
		return fmt.Errorf("previous turn still running")
	}

	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--verbose",
		"--model", c.opts.Model,
		"--mcp-config", c.mcpConfigPath,
		"--allowedTools", "mcp__edgeterm__*",
		"--permission-prompt-tool", "mcp__approval__approval_prompt",
	}
	if c.opts.SystemPromptSuffix != "" {
		args = append(args, "--append-system-prompt", c.opts.SystemPromptSuffix)
	}
	if c.sessionID != "" {
		args = append(args, "--resume", c.sessionID)
	}

	// CommandContext so a cancelled turn kills the subprocess instead of
	// leaving it streaming into a closed pipe.
	cmd := exec.CommandContext(ctx, "claude", args...)
	cmd.Dir = c.opts.WorkDir
	cmd.Stdin = strings.NewReader(text)
	cmd.Stderr = os.Stderr
	out, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start agent: %w", err)
	}

	scanner := bufio.NewScanner(out)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	c.cmd = cmd
	c.stdout = scanner
	return nil
}

func (c *agentCLIClient) ReceiveResponse(ctx context.Context) (<-chan agent.Message, error) {
	c.mu.Lock()
	cmd, scanner := c.cmd, c.stdout
	c.mu.Unlock()
	if cmd == nil {
		return nil, fmt.Errorf("no turn in flight")
	}

	ch := make(chan agent.Message, 16)
	go func() {
		defer close(ch)
		defer func() {
			cmd.Wait()
			c.mu.Lock()
			c.cmd = nil
			c.stdout = nil
			c.mu.Unlock()
		}()

		sawResult := false
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var ev streamEvent
			if err := json.Unmarshal(line, &ev); err != nil {
				c.log.Warn().Err(err).Msg("Unparseable agent event")
				continue
			}
			for _, msg := range ev.messages() {
				if r, ok := msg.(agent.ResultMessage); ok {
					sawResult = true
					c.mu.Lock()
					c.costUSD += r.CostUSD
					if r.SessionID != "" {
						c.sessionID = r.SessionID
					}
					c.mu.Unlock()
				}
				select {
				case ch <- msg:
				case <-ctx.Done():
					return
				}
			}
			if sawResult {
				return
			}
		}
		if !sawResult {
			ch <- agent.ResultMessage{IsError: true, ErrorText: "agent exited without a result"}
		}
	}()
	return ch, nil
}

func (c *agentCLIClient) Interrupt(ctx context.Context) error {
	c.mu.Lock()
	cmd := c.cmd
	c.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Signal(syscall.SIGINT)
}

func (c *agentCLIClient) Close() error {
	c.mu.Lock()
	cmd := c.cmd
	c.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		cmd.Process.Kill()
	}
	os.Remove(c.mcpConfigPath)
	return nil
}

// streamEvent is one line of the CLI's stream-json output.
type streamEvent struct {
	Type    string `json:"type"`
	Message struct {
		Content []contentBlock `json:"content"`
	} `json:"message"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	IsError      bool    `json:"is_error"`
	Result       string  `json:"result"`
	SessionID    string  `json:"session_id"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     map[string]any  `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

func (ev *streamEvent) messages() []agent.Message {
	switch ev.Type {
	case "assistant":
		var out []agent.Message
		for _, b := range ev.Message.Content {
			switch b.Type {
			case "text":
				out = append(out, agent.TextMessage{Text: b.Text})
			case "tool_use":
				out = append(out, agent.ToolUseMessage{ToolName: b.Name, ID: b.ID, Input: b.Input})
			}
		}
		return out
	case "user":
		var out []agent.Message
		for _, b := range ev.Message.Content {
			if b.Type == "tool_result" {
				out = append(out, agent.ToolResultMessage{
					ToolUseID: b.ToolUseID,
					Content:   flattenContent(b.Content),
					IsError:   b.IsError,
				})
			}
		}
		return out
	case "result":
		errText := ""
		if ev.IsError {
			errText = ev.Result
		}
		return []agent.Message{agent.ResultMessage{
			CostUSD:   ev.TotalCostUSD,
			IsError:   ev.IsError,
			ErrorText: errText,
			SessionID: ev.SessionID,
		}}
	}
	return nil
}

// flattenContent renders a tool result's content, which the CLI emits either
// as a plain string or as a list of typed blocks.
func flattenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var b strings.Builder
		for _, blk := range blocks {
			if blk.Type == "text" {
				b.WriteString(blk.Text)
			}
		}
		return b.String()
	}
	return string(raw)
}
