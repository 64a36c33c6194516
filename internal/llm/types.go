package llm

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
)

// Model describes one inference model tier. Immutable, supplied by config.
type Model struct {
	ID              string
	MaxOutputTokens int
	ThinkingBudget  int // 0 disables extended thinking
}

// SystemBlock is one chunk of the system prompt. Only the last block of a
// prompt may carry the cache marker.
type SystemBlock struct {
	Text  string
	Cache bool
}

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartType identifies the kind of content in a message part.
type PartType string

const (
	PartText       PartType = "text"
	PartToolCall   PartType = "tool_call"
	PartToolResult PartType = "tool_result"
)

// Part is a single content block within a message.
type Part struct {
	Type       PartType    `json:"type"`
	Text       string      `json:"text,omitempty"`
	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// Message is one turn of a conversation. History is append-only except for
// compaction, which replaces a prefix.
type Message struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// ToolCall is a model-requested tool invocation assembled from streamed deltas.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult is the outcome of one tool call. At most one ToolResult in the
// entire history carries the cache marker at any time.
type ToolResult struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
	Cache   bool   `json:"cache,omitempty"`
}

// ToolSpec describes a tool to the model.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
}

// ToolContext carries per-turn metadata into tool execution.
type ToolContext struct {
	RoomID   string
	Username string
	ThreadID string
}

// ToolExecutor is the loop's view of the host tool registry. Execute never
// fails: unknown tools and execution errors come back as result strings.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, args json.RawMessage, tc ToolContext) string
	Definitions() []ToolSpec
}

// AuditLog records every tool dispatch. Implementations must make each
// record a single atomic append.
type AuditLog interface {
	ToolCall(name string, args json.RawMessage, result string, isError bool)
}

// UsageLog records token usage per backend call.
type UsageLog interface {
	Usage(model string, u Usage)
}

// StopReason is why a streamed turn ended.
type StopReason string

const (
	StopEnd       StopReason = "end"
	StopMaxTokens StopReason = "max_tokens"
	StopToolUse   StopReason = "tool_use"
)

// Usage is the token accounting for one backend call.
type Usage struct {
	InputTokens         int
	OutputTokens        int
	CacheReadTokens     int
	CacheCreationTokens int
}

// Turn is one fully assembled model response.
type Turn struct {
	Text       string
	ToolCalls  []ToolCall
	StopReason StopReason
	Usage      Usage
}

// Callbacks are optional hooks fired while a turn is processed, used by
// front-ends for typing indicators and intermediate chatter. Any field may
// be nil.
type Callbacks struct {
	// OnFirstText fires once on the first non-empty text of a streamed
	// response, never on tool fragments.
	OnFirstText func()
	// OnText receives intermediate text that precedes tool use and must be
	// surfaced immediately rather than returned as the final reply.
	OnText func(text string)
	// OnToolStart fires per requested tool call with the tool name.
	OnToolStart func(name string)
	// OnToolEnd fires when a tool round finishes.
	OnToolEnd func()
}

func (c Callbacks) firstText() {
	if c.OnFirstText != nil {
		c.OnFirstText()
	}
}

func (c Callbacks) text(s string) {
	if c.OnText != nil {
		c.OnText(s)
	}
}

func (c Callbacks) toolStart(name string) {
	if c.OnToolStart != nil {
		c.OnToolStart(name)
	}
}

func (c Callbacks) toolEnd() {
	if c.OnToolEnd != nil {
		c.OnToolEnd()
	}
}

// Interrupt is a cooperative cancellation token checked at round boundaries
// only; it never preempts a stream mid-flight. One token per in-flight turn,
// never shared across rooms.
type Interrupt struct {
	flag atomic.Bool
}

func NewInterrupt() *Interrupt {
	return &Interrupt{}
}

// Set requests cancellation at the next round boundary.
func (i *Interrupt) Set() {
	if i != nil {
		i.flag.Store(true)
	}
}

// Interrupted reports whether cancellation was requested. Nil-safe.
func (i *Interrupt) Interrupted() bool {
	return i != nil && i.flag.Load()
}

// UserText builds a single-part user message.
func UserText(text string) Message {
	return Message{Role: RoleUser, Parts: []Part{{Type: PartText, Text: text}}}
}

// AssistantText builds a single-part assistant message.
func AssistantText(text string) Message {
	return Message{Role: RoleAssistant, Parts: []Part{{Type: PartText, Text: text}}}
}

// ToolResultsMessage wraps a batch of tool results into one history message.
func ToolResultsMessage(results []*ToolResult) Message {
	parts := make([]Part, 0, len(results))
	for _, r := range results {
		parts = append(parts, Part{Type: PartToolResult, ToolResult: r})
	}
	return Message{Role: RoleTool, Parts: parts}
}

// TextOf extracts the visible text of a message, joining text parts with
// newlines.
func TextOf(msg Message) string {
	var parts []string
	for _, p := range msg.Parts {
		if p.Type == PartText && p.Text != "" {
			parts = append(parts, p.Text)
		}
	}
	return strings.Join(parts, "\n")
}
