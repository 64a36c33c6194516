package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/stewardhq/steward/internal/config"
	"github.com/stewardhq/steward/internal/executor"
	"github.com/stewardhq/steward/internal/mcpbridge"
	"github.com/stewardhq/steward/internal/vault"
	"github.com/stewardhq/steward/internal/version"
)

const utilitySystemPrompt = "You are a helpful assistant. Be concise."

// claudeSession tracks one room's server-side conversation so follow-up turns
// can resume instead of resending the transcript.
type claudeSession struct {
	id           string
	messageCount int
}

// ClaudeCLIBackend drives the claude binary in -p stream-json mode through a
// command executor. The subprocess runs its own tool loop; host tools reach
// it over the MCP bridge socket bound at construction.
type ClaudeCLIBackend struct {
	executor   executor.CommandExecutor
	vault      vault.Vault
	tools      ToolExecutor
	audit      AuditLog
	usageLog   UsageLog
	binary     string
	claudeDir  string
	workspace  string
	tokenRef   string
	maxTurns   int
	utilityID  string
	serverName string
	bridge     *mcpbridge.Bridge

	mu                sync.Mutex
	sessions          map[string]claudeSession
	lastContextTokens int
}

func NewClaudeCLIBackend(cfg *config.Config, deps BackendDeps) (*ClaudeCLIBackend, error) {
	if deps.Vault == nil {
		return nil, fmt.Errorf("claude-cli backend requires a vault for the oauth token")
	}
	if err := os.MkdirAll(cfg.Claude.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create claude dir: %w", err)
	}

	socketPath := filepath.Join(cfg.Claude.DataDir, fmt.Sprintf("mcp-%s.sock", uuid.NewString()[:8]))
	bridge, err := mcpbridge.Bind(socketPath)
	if err != nil {
		return nil, err
	}

	maxTurns := cfg.Claude.MaxToolRounds
	if maxTurns <= 0 {
		maxTurns = 10
	}

	b := &ClaudeCLIBackend{
		executor:          deps.Executor,
		vault:             deps.Vault,
		tools:             deps.Tools,
		audit:             deps.Audit,
		usageLog:          deps.UsageLog,
		binary:            cfg.Claude.Binary,
		claudeDir:         cfg.Claude.DataDir,
		workspace:         cfg.Workspace,
		tokenRef:          cfg.Claude.OAuthTokenRef,
		maxTurns:          maxTurns,
		utilityID:         cfg.UtilityTier().ID,
		serverName:        "steward",
		bridge:            bridge,
		sessions:          make(map[string]claudeSession),
		lastContextTokens: -1,
	}
	slog.Info("claude-cli backend initialized", "claude_dir", b.claudeDir, "mcp_socket", socketPath)
	return b, nil
}

func (b *ClaudeCLIBackend) RunAgenticLoop(ctx context.Context, p LoopParams) (string, []Message, error) {
	if p.Interrupt.Interrupted() {
		slog.Info("skipping claude invocation, interrupted", "room", p.Context.RoomID)
		return "", p.Messages, nil
	}

	systemText := joinSystemBlocks(p.System)
	roomID := p.Context.RoomID

	b.mu.Lock()
	session, haveSession := b.sessions[roomID]
	b.mu.Unlock()

	var sessionID, resumeSessionID string
	if haveSession && roomID != "" && len(p.Messages) >= session.messageCount {
		resumeSessionID = session.id
		slog.Info("resuming claude session", "room", roomID, "session", resumeSessionID,
			"messages", len(p.Messages), "stored", session.messageCount)
	} else {
		sessionID = uuid.NewString()
		if haveSession && roomID != "" {
			// History shrank under the stored count: compaction replaced the
			// prefix, so the server-side session no longer matches.
			slog.Info("discarding stale claude session", "room", roomID, "session", session.id,
				"messages", len(p.Messages), "stored", session.messageCount)
			b.mu.Lock()
			delete(b.sessions, roomID)
			b.mu.Unlock()
		} else {
			slog.Info("new claude session", "room", roomID, "session", sessionID)
		}
	}

	prompt := formatPrompt(p.Messages, resumeSessionID != "")
	useMCP := len(p.Tools) > 0 && b.tools != nil

	text, _, result, err := b.invoke(ctx, invocation{
		model:           p.Model.ID,
		systemText:      systemText,
		prompt:          prompt,
		workspace:       b.workspace,
		sessionID:       sessionID,
		resumeSessionID: resumeSessionID,
		useMCP:          useMCP,
		toolContext:     p.Context,
		callbacks:       p.Callbacks,
	})
	if err != nil {
		return "", p.Messages, err
	}

	if result != nil {
		b.recordResult(result)
	}

	effectiveID := resumeSessionID
	if effectiveID == "" {
		effectiveID = sessionID
	}
	if effectiveID != "" && roomID != "" {
		b.mu.Lock()
		b.sessions[roomID] = claudeSession{id: effectiveID, messageCount: len(p.Messages) + 1}
		b.mu.Unlock()
	}

	return text, p.Messages, nil
}

// CountTokens reports the context size of the most recent invocation. The
// subprocess has no counting endpoint, so before any invocation the figure is
// negative and callers keep their stale value.
func (b *ClaudeCLIBackend) CountTokens(_ context.Context, _ Model, _ []SystemBlock, _ []ToolSpec, _ []Message) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastContextTokens, nil
}

func (b *ClaudeCLIBackend) UtilityComplete(ctx context.Context, prompt string, _ int) (string, error) {
	scratch := filepath.Join(b.claudeDir, "scratch")
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}

	text, _, _, err := b.invoke(ctx, invocation{
		model:      b.utilityID,
		systemText: utilitySystemPrompt,
		prompt:     prompt,
		workspace:  scratch,
	})
	return text, err
}

func (b *ClaudeCLIBackend) Close() error {
	return b.bridge.Close()
}

func (b *ClaudeCLIBackend) recordResult(result *claudeResultEvent) {
	for modelID, mu := range result.ModelUsage {
		u := Usage{
			InputTokens:         mu.InputTokens,
			OutputTokens:        mu.OutputTokens,
			CacheReadTokens:     mu.CacheReadTokens,
			CacheCreationTokens: mu.CacheCreationTokens,
		}
		logUsage(modelID, u)
		if b.usageLog != nil {
			b.usageLog.Usage(modelID, u)
		}
	}
	if tokens := result.ContextTokens(); tokens > 0 {
		b.mu.Lock()
		b.lastContextTokens = tokens
		b.mu.Unlock()
	}
	slog.Info("claude run finished",
		"cost_usd", result.TotalCostUSD,
		"duration_ms", result.DurationMS,
		"api_duration_ms", result.DurationAPIMS,
		"turns", result.NumTurns,
	)
}

type invocation struct {
	model           string
	systemText      string
	prompt          string
	workspace       string
	sessionID       string
	resumeSessionID string
	useMCP          bool
	toolContext     ToolContext
	callbacks       Callbacks
}

func (b *ClaudeCLIBackend) invoke(ctx context.Context, inv invocation) (string, string, *claudeResultEvent, error) {
	token, err := b.vault.Resolve(ctx, b.tokenRef)
	if err != nil {
		return "", "", nil, authErrorf("resolve oauth token: %v", err)
	}

	args := b.buildClaudeArgs(inv)
	spec := executor.Spec{
		Argv: append([]string{b.binary}, args...),
		Env: []string{
			"CLAUDE_CODE_OAUTH_TOKEN=" + token,
			"CLAUDE_CONFIG_DIR=" + b.claudeDir,
		},
		Dir: inv.workspace,
		Mounts: []executor.Mount{
			{Source: b.claudeDir, Target: b.claudeDir},
			{Source: inv.workspace, Target: inv.workspace},
		},
		NetworkAccess: true,
	}

	slog.Info("invoking claude",
		"model", inv.model,
		"session", firstNonEmpty(inv.resumeSessionID, inv.sessionID, "(new)"),
		"mcp", inv.useMCP,
		"prompt_chars", len(inv.prompt),
	)

	proc, err := b.executor.Start(ctx, spec)
	if err != nil {
		return "", "", nil, backendErrorf("start claude: %v", err)
	}

	if _, err := io.WriteString(proc.Stdin(), inv.prompt); err != nil {
		proc.Terminate()
		return "", "", nil, backendErrorf("write prompt: %v", err)
	}
	proc.Stdin().Close()

	stderrCh := make(chan []byte, 1)
	go func() {
		data, _ := io.ReadAll(proc.Stderr())
		stderrCh <- data
	}()

	// The subprocess connects to the bridge socket lazily, after it has read
	// the prompt; the accept must run concurrently with the output stream.
	var serverDone chan struct{}
	var serverCancel context.CancelFunc
	if inv.useMCP {
		var serverCtx context.Context
		serverCtx, serverCancel = context.WithCancel(ctx)
		serverDone = make(chan struct{})
		go b.serveBridge(serverCtx, inv.toolContext, serverDone)
	}

	text, sessionID, result, streamErr := streamResponse(proc.Stdout(), inv.callbacks)

	if serverCancel != nil {
		serverCancel()
		<-serverDone
	}

	stderrBytes := <-stderrCh
	code, waitErr := proc.Wait()
	if len(stderrBytes) > 0 {
		slog.Info("claude stderr", "stderr", strings.TrimSpace(string(stderrBytes)))
	}
	if waitErr != nil {
		return "", "", nil, backendErrorf("wait for claude: %v", waitErr)
	}
	if err := checkProcessExit(code, stderrBytes); err != nil {
		return "", "", nil, err
	}
	if streamErr != nil {
		return "", "", nil, streamErr
	}
	return text, sessionID, result, nil
}

func (b *ClaudeCLIBackend) serveBridge(ctx context.Context, tc ToolContext, done chan<- struct{}) {
	defer close(done)
	conn, err := b.bridge.Accept(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("bridge accept failed", "error", err)
		}
		return
	}
	server := mcpbridge.NewServer(b.serverName, version.Version, bridgeDispatcher{tools: b.tools, tc: tc}, b.auditFunc())
	server.Serve(ctx, conn)
}

func (b *ClaudeCLIBackend) auditFunc() mcpbridge.AuditFunc {
	if b.audit == nil {
		return nil
	}
	return b.audit.ToolCall
}

func (b *ClaudeCLIBackend) buildClaudeArgs(inv invocation) []string {
	args := []string{
		"-p",
		"--output-format", "stream-json",
		"--include-partial-messages",
		"--verbose",
		"--dangerously-skip-permissions",
		"--disable-slash-commands",
		"--max-turns", strconv.Itoa(b.maxTurns),
	}

	if inv.resumeSessionID != "" {
		args = append(args, "--resume", inv.resumeSessionID)
	} else {
		if inv.sessionID != "" {
			args = append(args, "--session-id", inv.sessionID)
		}
		args = append(args, "--system-prompt", inv.systemText, "--model", inv.model)
	}

	if inv.useMCP {
		args = append(args, "--mcp-config", b.mcpConfigJSON())
	} else {
		args = append(args, "--tools", "")
	}
	return args
}

// mcpConfigJSON tells claude to reach the host tool server through socat,
// since its MCP client only speaks stdio.
func (b *ClaudeCLIBackend) mcpConfigJSON() string {
	cfg := map[string]any{
		"mcpServers": map[string]any{
			b.serverName: map[string]any{
				"command": "socat",
				"args":    []string{"STDIO", "UNIX-CONNECT:" + b.bridge.Path()},
			},
		},
	}
	data, _ := json.Marshal(cfg)
	return string(data)
}

// bridgeDispatcher binds a tool context into the registry for one invocation.
type bridgeDispatcher struct {
	tools ToolExecutor
	tc    ToolContext
}

func (d bridgeDispatcher) Execute(ctx context.Context, name string, args json.RawMessage) string {
	return d.tools.Execute(ctx, name, args, d.tc)
}

func (d bridgeDispatcher) Definitions() []mcpbridge.ToolDef {
	specs := d.tools.Definitions()
	defs := make([]mcpbridge.ToolDef, 0, len(specs))
	for _, s := range specs {
		defs = append(defs, mcpbridge.ToolDef{Name: s.Name, Description: s.Description, Schema: s.Schema})
	}
	return defs
}

func joinSystemBlocks(system []SystemBlock) string {
	texts := make([]string, 0, len(system))
	for _, block := range system {
		texts = append(texts, block.Text)
	}
	return strings.Join(texts, "\n\n")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

var _ Backend = (*ClaudeCLIBackend)(nil)
