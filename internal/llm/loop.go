package llm

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/stewardhq/steward/internal/mcpbridge"
)

// DefaultMaxToolRounds bounds the agentic loop for API backends.
const DefaultMaxToolRounds = 25

const (
	exhaustedNudge = "[system: you've used all your tool rounds for this turn — " +
		"please reply with a summary of what you found or did]"
	truncationNotice = "\n\n(I hit my response length limit — ask me to continue if I got cut off)"
	noResponse       = "(no response)"
)

// TurnStreamer streams one model response and assembles it into a Turn.
// onFirstText, when non-nil, fires on the first non-empty text fragment.
type TurnStreamer func(ctx context.Context, model Model, system []SystemBlock, messages []Message, tools []ToolSpec, onFirstText func(), thinking bool) (*Turn, error)

// LoopParams carries one loop invocation's inputs. Messages is the room's
// live history; the loop appends tool rounds to it and returns the grown
// slice.
type LoopParams struct {
	Model     Model
	System    []SystemBlock
	Messages  []Message
	Tools     []ToolSpec
	Context   ToolContext
	Callbacks Callbacks
	Interrupt *Interrupt
	Thinking  bool
}

// runToolLoop is the agentic state machine shared by the API backends: stream
// a turn, dispatch any tool calls, feed results back, repeat up to maxRounds.
// Returns the final reply text and the updated history.
func runToolLoop(
	ctx context.Context,
	stream TurnStreamer,
	p LoopParams,
	maxRounds int,
	executor ToolExecutor,
	audit AuditLog,
	usageLog UsageLog,
) (string, []Message, error) {
	if maxRounds <= 0 {
		maxRounds = DefaultMaxToolRounds
	}

	messages := p.Messages
	usedTools := false
	exhausted := true
	rounds := 0
	var turn *Turn

	for range maxRounds {
		if p.Interrupt.Interrupted() {
			slog.Info("agentic loop interrupted by new message", "room", p.Context.RoomID)
			return "", messages, nil
		}
		rounds++

		var err error
		turn, err = stream(ctx, p.Model, p.System, messages, p.Tools, p.Callbacks.OnFirstText, p.Thinking)
		if err != nil {
			return "", messages, err
		}
		logUsage(p.Model.ID, turn.Usage)
		if usageLog != nil {
			usageLog.Usage(p.Model.ID, turn.Usage)
		}

		if len(turn.ToolCalls) == 0 {
			if turn.StopReason == StopMaxTokens {
				slog.Warn("response truncated", "max_output_tokens", p.Model.MaxOutputTokens)
			}
			exhausted = false
			break
		}

		if text := strings.TrimSpace(turn.Text); text != "" {
			p.Callbacks.text(text)
		}
		usedTools = true
		for _, call := range turn.ToolCalls {
			p.Callbacks.toolStart(call.Name)
		}
		results := dispatchToolCalls(ctx, turn.ToolCalls, executor, p.Context, audit)
		p.Callbacks.toolEnd()

		updateCacheBreakpoints(messages, results)
		messages = append(messages, assistantTurnMessage(turn))
		messages = append(messages, ToolResultsMessage(results))
	}

	if exhausted && usedTools {
		slog.Info("tool round limit reached, nudging for a text reply", "rounds", rounds)
		messages = append(messages, UserText(exhaustedNudge))
		var err error
		turn, err = stream(ctx, p.Model, p.System, messages, nil, p.Callbacks.OnFirstText, p.Thinking)
		if err != nil {
			return "", messages, err
		}
		logUsage(p.Model.ID, turn.Usage)
		if usageLog != nil {
			usageLog.Usage(p.Model.ID, turn.Usage)
		}
	}

	return buildReply(turn, usedTools, rounds, maxRounds), messages, nil
}

// dispatchToolCalls runs each requested tool through the registry and writes
// one audit record per call. Tool failures never abort the round: the
// registry folds them into "Error: ..." / "Unknown tool: ..." result strings.
func dispatchToolCalls(
	ctx context.Context,
	calls []ToolCall,
	executor ToolExecutor,
	tc ToolContext,
	audit AuditLog,
) []*ToolResult {
	results := make([]*ToolResult, 0, len(calls))
	for _, call := range calls {
		slog.Info("tool call", "tool", call.Name, "args", string(call.Arguments))
		result := executor.Execute(ctx, call.Name, call.Arguments, tc)
		isError := mcpbridge.IsErrorResult(result)
		slog.Info("tool result", "tool", call.Name, "result", truncate(result, 100), "is_error", isError)

		if audit != nil {
			audit.ToolCall(call.Name, call.Arguments, result, isError)
		}

		results = append(results, &ToolResult{
			ID:      call.ID,
			Name:    call.Name,
			Content: result,
			IsError: isError,
		})
	}
	return results
}

// updateCacheBreakpoints moves the cache marker to the newest tool result:
// every older ToolResult in history is unmarked first, so at most one marker
// exists at any time.
func updateCacheBreakpoints(messages []Message, fresh []*ToolResult) {
	for _, msg := range messages {
		for _, part := range msg.Parts {
			if part.Type == PartToolResult && part.ToolResult != nil {
				part.ToolResult.Cache = false
			}
		}
	}
	if len(fresh) > 0 {
		fresh[len(fresh)-1].Cache = true
	}
}

func assistantTurnMessage(turn *Turn) Message {
	var parts []Part
	if turn.Text != "" {
		parts = append(parts, Part{Type: PartText, Text: turn.Text})
	}
	for i := range turn.ToolCalls {
		parts = append(parts, Part{Type: PartToolCall, ToolCall: &turn.ToolCalls[i]})
	}
	return Message{Role: RoleAssistant, Parts: parts}
}

// buildReply extracts the final reply text from the last streamed turn.
func buildReply(turn *Turn, hadToolUse bool, rounds, maxRounds int) string {
	if turn == nil {
		return ""
	}
	reply := turn.Text
	if turn.StopReason == StopMaxTokens && !hadToolUse {
		reply += truncationNotice
	}
	if strings.TrimSpace(reply) == "" {
		if hadToolUse {
			slog.Info("tool-only response, no text to send", "rounds", rounds)
			return ""
		}
		slog.Warn("no text in response", "stop", turn.StopReason, "rounds", rounds, "max_rounds", maxRounds)
		return noResponse
	}
	return strings.TrimSpace(reply)
}

func logUsage(model string, u Usage) {
	slog.Info("tokens",
		"model", model,
		"in", u.CacheReadTokens+u.CacheCreationTokens+u.InputTokens,
		"cache_read", u.CacheReadTokens,
		"cache_write", u.CacheCreationTokens,
		"uncached", u.InputTokens,
		"out", u.OutputTokens,
	)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func marshalArgs(args json.RawMessage) json.RawMessage {
	if len(args) == 0 {
		return json.RawMessage("{}")
	}
	return args
}
