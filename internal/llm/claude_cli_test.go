package llm

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stewardhq/steward/internal/config"
	"github.com/stewardhq/steward/internal/executor"
)

// scriptedProcess is one fake subprocess run with canned output.
type scriptedProcess struct {
	stdin  *promptCapture
	stdout io.Reader
	stderr io.Reader
	code   int
}

func (p *scriptedProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *scriptedProcess) Stdout() io.Reader     { return p.stdout }
func (p *scriptedProcess) Stderr() io.Reader     { return p.stderr }
func (p *scriptedProcess) PID() int              { return 12345 }
func (p *scriptedProcess) Wait() (int, error)    { return p.code, nil }
func (p *scriptedProcess) Terminate() error      { return nil }

type promptCapture struct {
	strings.Builder
}

func (p *promptCapture) Close() error { return nil }

// scriptedRunner hands out canned subprocess runs and records each launch
// spec and prompt.
type scriptedRunner struct {
	outputs []string
	stderrs []string
	codes   []int

	specs   []executor.Spec
	prompts []*promptCapture
}

func (r *scriptedRunner) Start(_ context.Context, spec executor.Spec) (executor.RunningProcess, error) {
	i := len(r.specs)
	r.specs = append(r.specs, spec)

	output, stderr := "", ""
	code := 0
	if i < len(r.outputs) {
		output = r.outputs[i]
	}
	if i < len(r.stderrs) {
		stderr = r.stderrs[i]
	}
	if i < len(r.codes) {
		code = r.codes[i]
	}

	stdin := &promptCapture{}
	r.prompts = append(r.prompts, stdin)
	return &scriptedProcess{
		stdin:  stdin,
		stdout: strings.NewReader(output),
		stderr: strings.NewReader(stderr),
		code:   code,
	}, nil
}

type staticVault struct {
	token string
}

func (v staticVault) Resolve(_ context.Context, _ string) (string, error) {
	if v.token == "" {
		return "", errors.New("not set")
	}
	return v.token, nil
}

func testClaudeConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Backend:      "claude-cli",
		ChatModel:    "opus",
		UtilityModel: "haiku",
		Models: map[string]config.ModelTier{
			"opus":  {ID: "claude-opus-4-6", MaxOutputTokens: 128_000},
			"haiku": {ID: "claude-haiku-4-5-20251001", MaxOutputTokens: 16_000},
		},
		Claude: config.ClaudeCLIConfig{
			Binary:        "claude",
			DataDir:       t.TempDir(),
			OAuthTokenRef: "CLAUDE_CODE_OAUTH_TOKEN",
			MaxToolRounds: 5,
		},
		Workspace: t.TempDir(),
	}
}

func newTestClaudeBackend(t *testing.T, runner *scriptedRunner) *ClaudeCLIBackend {
	t.Helper()
	b, err := NewClaudeCLIBackend(testClaudeConfig(t), BackendDeps{
		Executor: runner,
		Vault:    staticVault{token: "tok-123"},
	})
	if err != nil {
		t.Fatalf("NewClaudeCLIBackend: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func hasArg(argv []string, arg string) bool {
	for _, a := range argv {
		if a == arg {
			return true
		}
	}
	return false
}

func argValue(argv []string, flag string) (string, bool) {
	for i, a := range argv {
		if a == flag && i+1 < len(argv) {
			return argv[i+1], true
		}
	}
	return "", false
}

func claudeReply(text string) string {
	return assistantTextLine(text) + "\n" + resultLine("claude-sess-1")
}

func chatParams(room string, messages []Message) LoopParams {
	return LoopParams{
		Model:    Model{ID: "claude-opus-4-6"},
		System:   []SystemBlock{{Text: "You are Steward."}, {Text: "Extra rules.", Cache: true}},
		Messages: messages,
		Context:  ToolContext{RoomID: room},
	}
}

func TestClaudeFreshSessionInvocation(t *testing.T) {
	runner := &scriptedRunner{outputs: []string{claudeReply("Hello!")}}
	b := newTestClaudeBackend(t, runner)

	if tokens, _ := b.CountTokens(context.Background(), Model{}, nil, nil, nil); tokens != -1 {
		t.Fatalf("initial token count=%d, want -1", tokens)
	}

	messages := []Message{UserText("hi there")}
	reply, _, err := b.RunAgenticLoop(context.Background(), chatParams("room1", messages))
	if err != nil {
		t.Fatalf("RunAgenticLoop: %v", err)
	}
	if reply != "Hello!" {
		t.Fatalf("reply=%q", reply)
	}

	argv := runner.specs[0].Argv
	if argv[0] != "claude" || !hasArg(argv, "-p") {
		t.Fatalf("argv=%v", argv)
	}
	if v, ok := argValue(argv, "--output-format"); !ok || v != "stream-json" {
		t.Fatalf("output-format=%q", v)
	}
	if _, ok := argValue(argv, "--session-id"); !ok {
		t.Fatal("missing --session-id on fresh session")
	}
	if v, _ := argValue(argv, "--system-prompt"); !strings.Contains(v, "You are Steward.") || !strings.Contains(v, "Extra rules.") {
		t.Fatalf("system prompt=%q", v)
	}
	if v, _ := argValue(argv, "--model"); v != "claude-opus-4-6" {
		t.Fatalf("model=%q", v)
	}
	if v, _ := argValue(argv, "--max-turns"); v != "5" {
		t.Fatalf("max-turns=%q", v)
	}
	// No tools configured: the subprocess's own tools are disabled.
	if v, ok := argValue(argv, "--tools"); !ok || v != "" {
		t.Fatalf("tools=%q ok=%v", v, ok)
	}
	if hasArg(argv, "--mcp-config") {
		t.Fatal("unexpected --mcp-config without tools")
	}

	if got := runner.prompts[0].String(); got != "hi there" {
		t.Fatalf("prompt=%q", got)
	}

	env := strings.Join(runner.specs[0].Env, " ")
	if !strings.Contains(env, "CLAUDE_CODE_OAUTH_TOKEN=tok-123") || !strings.Contains(env, "CLAUDE_CONFIG_DIR=") {
		t.Fatalf("env=%v", runner.specs[0].Env)
	}

	if tokens, _ := b.CountTokens(context.Background(), Model{}, nil, nil, nil); tokens != 8100 {
		t.Fatalf("token count=%d, want 8100", tokens)
	}
}

func TestClaudeResumeSendsOnlyLastMessage(t *testing.T) {
	runner := &scriptedRunner{outputs: []string{claudeReply("first"), claudeReply("second")}}
	b := newTestClaudeBackend(t, runner)

	messages := []Message{UserText("hello")}
	if _, _, err := b.RunAgenticLoop(context.Background(), chatParams("room1", messages)); err != nil {
		t.Fatalf("first turn: %v", err)
	}
	sessionID, ok := argValue(runner.specs[0].Argv, "--session-id")
	if !ok {
		t.Fatal("first turn missing --session-id")
	}

	// History grew past the stored count: the follow-up resumes.
	messages = append(messages, AssistantText("first"), UserText("and now?"))
	if _, _, err := b.RunAgenticLoop(context.Background(), chatParams("room1", messages)); err != nil {
		t.Fatalf("second turn: %v", err)
	}

	argv := runner.specs[1].Argv
	if v, ok := argValue(argv, "--resume"); !ok || v != sessionID {
		t.Fatalf("resume=%q ok=%v, want %q", v, ok, sessionID)
	}
	if hasArg(argv, "--system-prompt") || hasArg(argv, "--model") {
		t.Fatalf("resumed run resent session setup: %v", argv)
	}
	if got := runner.prompts[1].String(); got != "and now?" {
		t.Fatalf("resume prompt=%q, want last message only", got)
	}
}

func TestClaudeStaleSessionDiscardedAfterCompaction(t *testing.T) {
	runner := &scriptedRunner{outputs: []string{claudeReply("a"), claudeReply("b")}}
	b := newTestClaudeBackend(t, runner)

	messages := []Message{UserText("one"), AssistantText("two"), UserText("three")}
	if _, _, err := b.RunAgenticLoop(context.Background(), chatParams("room1", messages)); err != nil {
		t.Fatalf("first turn: %v", err)
	}

	// Compaction shrank the history below the stored message count.
	shrunk := []Message{UserText("summary"), UserText("four")}
	if _, _, err := b.RunAgenticLoop(context.Background(), chatParams("room1", shrunk)); err != nil {
		t.Fatalf("second turn: %v", err)
	}

	argv := runner.specs[1].Argv
	if hasArg(argv, "--resume") {
		t.Fatalf("stale session resumed: %v", argv)
	}
	if _, ok := argValue(argv, "--session-id"); !ok {
		t.Fatal("missing fresh --session-id after discard")
	}
	// Fresh sessions get the whole transcript.
	if got := runner.prompts[1].String(); !strings.Contains(got, "summary") || !strings.Contains(got, "four") {
		t.Fatalf("prompt=%q, want full transcript", got)
	}
}

func TestClaudeInterruptSkipsInvocation(t *testing.T) {
	runner := &scriptedRunner{}
	b := newTestClaudeBackend(t, runner)

	interrupt := NewInterrupt()
	interrupt.Set()
	p := chatParams("room1", []Message{UserText("hi")})
	p.Interrupt = interrupt

	reply, messages, err := b.RunAgenticLoop(context.Background(), p)
	if err != nil {
		t.Fatalf("RunAgenticLoop: %v", err)
	}
	if reply != "" || len(messages) != 1 {
		t.Fatalf("reply=%q messages=%d", reply, len(messages))
	}
	if len(runner.specs) != 0 {
		t.Fatalf("subprocess launched despite interrupt: %d", len(runner.specs))
	}
}

func TestClaudeAuthErrorFromStderr(t *testing.T) {
	runner := &scriptedRunner{
		outputs: []string{""},
		stderrs: []string{"Invalid OAuth token, please run /login"},
		codes:   []int{1},
	}
	b := newTestClaudeBackend(t, runner)

	_, _, err := b.RunAgenticLoop(context.Background(), chatParams("room1", []Message{UserText("hi")}))
	if !IsAuthError(err) {
		t.Fatalf("err=%v, want auth error", err)
	}
}

func TestClaudeExitZeroIgnoresStderr(t *testing.T) {
	runner := &scriptedRunner{
		outputs: []string{claudeReply("fine")},
		stderrs: []string{"warning: token counting is approximate"},
		codes:   []int{0},
	}
	b := newTestClaudeBackend(t, runner)

	reply, _, err := b.RunAgenticLoop(context.Background(), chatParams("room1", []Message{UserText("hi")}))
	if err != nil {
		t.Fatalf("exit 0 raised: %v", err)
	}
	if reply != "fine" {
		t.Fatalf("reply=%q", reply)
	}
}

func TestClaudeMCPConfigWhenToolsPresent(t *testing.T) {
	runner := &scriptedRunner{outputs: []string{claudeReply("done")}}
	b := newTestClaudeBackend(t, runner)
	b.tools = &fakeExecutor{}

	p := chatParams("room1", []Message{UserText("hi")})
	p.Tools = []ToolSpec{{Name: "get_time"}}
	if _, _, err := b.RunAgenticLoop(context.Background(), p); err != nil {
		t.Fatalf("RunAgenticLoop: %v", err)
	}

	argv := runner.specs[0].Argv
	mcpConfig, ok := argValue(argv, "--mcp-config")
	if !ok {
		t.Fatalf("missing --mcp-config: %v", argv)
	}
	if !strings.Contains(mcpConfig, "socat") || !strings.Contains(mcpConfig, b.bridge.Path()) {
		t.Fatalf("mcp config=%q", mcpConfig)
	}
	if hasArg(argv, "--tools") {
		t.Fatalf("tools disabled despite MCP: %v", argv)
	}
}

func TestClaudeUtilityComplete(t *testing.T) {
	runner := &scriptedRunner{outputs: []string{claudeReply("a short summary")}}
	b := newTestClaudeBackend(t, runner)

	text, err := b.UtilityComplete(context.Background(), "Summarize this.", 1024)
	if err != nil {
		t.Fatalf("UtilityComplete: %v", err)
	}
	if text != "a short summary" {
		t.Fatalf("text=%q", text)
	}

	argv := runner.specs[0].Argv
	if v, _ := argValue(argv, "--model"); v != "claude-haiku-4-5-20251001" {
		t.Fatalf("utility model=%q", v)
	}
	if v, _ := argValue(argv, "--system-prompt"); v != utilitySystemPrompt {
		t.Fatalf("utility system prompt=%q", v)
	}
	if got := runner.prompts[0].String(); got != "Summarize this." {
		t.Fatalf("prompt=%q", got)
	}
}

func TestClaudeVaultFailureIsAuthError(t *testing.T) {
	runner := &scriptedRunner{}
	cfg := testClaudeConfig(t)
	b, err := NewClaudeCLIBackend(cfg, BackendDeps{Executor: runner, Vault: staticVault{}})
	if err != nil {
		t.Fatalf("NewClaudeCLIBackend: %v", err)
	}
	defer b.Close()

	_, _, err = b.RunAgenticLoop(context.Background(), chatParams("room1", []Message{UserText("hi")}))
	if !IsAuthError(err) {
		t.Fatalf("err=%v, want auth error", err)
	}
	if len(runner.specs) != 0 {
		t.Fatal("subprocess launched without credentials")
	}
}
