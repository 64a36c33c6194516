package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/stewardhq/steward/internal/config"
)

// AnthropicBackend talks to the Anthropic messages API directly.
type AnthropicBackend struct {
	client       *anthropic.Client
	utilityModel Model
	maxRounds    int
	executor     ToolExecutor
	audit        AuditLog
	usageLog     UsageLog
	retry        RetryConfig
}

func NewAnthropicBackend(cfg *config.Config, deps BackendDeps) (*AnthropicBackend, error) {
	apiKey := cfg.Anthropic.APIKey
	if apiKey == "" {
		return nil, authErrorf("anthropic backend: no API key configured")
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicBackend{
		client:       &client,
		utilityModel: modelFromTier(cfg.UtilityTier()),
		maxRounds:    cfg.Limits.MaxToolRounds,
		executor:     deps.Tools,
		audit:        deps.Audit,
		usageLog:     deps.UsageLog,
		retry:        DefaultRetryConfig(),
	}, nil
}

func (b *AnthropicBackend) RunAgenticLoop(ctx context.Context, p LoopParams) (string, []Message, error) {
	stream := withRetry(b.streamTurn, b.retry)
	return runToolLoop(ctx, stream, p, b.maxRounds, b.executor, b.audit, b.usageLog)
}

// streamTurn streams one response and assembles deltas into a Turn. Tool
// calls are merged by block index: ids and names arrive on the start event,
// argument JSON arrives fragment by fragment.
func (b *AnthropicBackend) streamTurn(
	ctx context.Context,
	model Model,
	system []SystemBlock,
	messages []Message,
	tools []ToolSpec,
	onFirstText func(),
	thinking bool,
) (*Turn, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model.ID),
		MaxTokens: maxTokens(model.MaxOutputTokens, 4096),
		Messages:  buildAnthropicMessages(messages),
	}
	if len(system) > 0 {
		params.System = buildAnthropicSystem(system)
	}
	if len(tools) > 0 {
		params.Tools = buildAnthropicTools(tools)
	}
	if thinking && model.ThinkingBudget > 0 {
		params.Thinking = anthropic.ThinkingConfigParamUnion{
			OfEnabled: &anthropic.ThinkingConfigEnabledParam{
				BudgetTokens: int64(model.ThinkingBudget),
			},
		}
	}

	accumulator := newToolCallAccumulator()
	turn := &Turn{StopReason: StopEnd}
	var text strings.Builder
	firstTextSeen := false

	stream := b.client.Messages.NewStreaming(ctx, params)
	for stream.Next() {
		event := stream.Current()
		switch variant := event.AsAny().(type) {
		case anthropic.MessageStartEvent:
			turn.Usage.InputTokens = int(variant.Message.Usage.InputTokens)
			turn.Usage.CacheReadTokens = int(variant.Message.Usage.CacheReadInputTokens)
			turn.Usage.CacheCreationTokens = int(variant.Message.Usage.CacheCreationInputTokens)
		case anthropic.ContentBlockDeltaEvent:
			switch delta := variant.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if delta.Text != "" {
					if !firstTextSeen {
						firstTextSeen = true
						if onFirstText != nil {
							onFirstText()
						}
					}
					text.WriteString(delta.Text)
				}
			case anthropic.InputJSONDelta:
				if delta.PartialJSON != "" {
					accumulator.Append(variant.Index, delta.PartialJSON)
				}
			}
		case anthropic.ContentBlockStartEvent:
			if block, ok := variant.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
				accumulator.Start(variant.Index, ToolCall{
					ID:        block.ID,
					Name:      block.Name,
					Arguments: toolInputToRaw(block.Input),
				})
			}
		case anthropic.ContentBlockStopEvent:
			if call, ok := accumulator.Finish(variant.Index); ok {
				turn.ToolCalls = append(turn.ToolCalls, call)
			}
		case anthropic.MessageDeltaEvent:
			if variant.Usage.OutputTokens > 0 {
				turn.Usage.OutputTokens = int(variant.Usage.OutputTokens)
			}
			turn.StopReason = mapAnthropicStopReason(string(variant.Delta.StopReason))
		}
	}
	if err := stream.Err(); err != nil {
		return nil, classifyAnthropicError(err)
	}

	turn.Text = text.String()
	if len(turn.ToolCalls) > 0 {
		turn.StopReason = StopToolUse
	}
	return turn, nil
}

func (b *AnthropicBackend) CountTokens(ctx context.Context, model Model, system []SystemBlock, tools []ToolSpec, messages []Message) (int, error) {
	if len(messages) == 0 {
		return 0, nil
	}
	params := anthropic.MessageCountTokensParams{
		Model:    anthropic.Model(model.ID),
		Messages: buildAnthropicMessages(messages),
	}
	if len(system) > 0 {
		params.System = anthropic.MessageCountTokensParamsSystemUnion{
			OfTextBlockArray: buildAnthropicSystem(system),
		}
	}
	count, err := b.client.Messages.CountTokens(ctx, params)
	if err != nil {
		return -1, classifyAnthropicError(err)
	}
	return int(count.InputTokens), nil
}

func (b *AnthropicBackend) UtilityComplete(ctx context.Context, prompt string, maxOut int) (string, error) {
	if maxOut <= 0 {
		maxOut = 1024
	}
	msg, err := b.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(b.utilityModel.ID),
		MaxTokens: int64(maxOut),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", classifyAnthropicError(err)
	}
	var parts []string
	for _, block := range msg.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			parts = append(parts, variant.Text)
		}
	}
	return strings.Join(parts, "\n"), nil
}

func (b *AnthropicBackend) Close() error { return nil }

// classifyAnthropicError maps SDK failures onto the backend error taxonomy.
func classifyAnthropicError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == 401 || apierr.StatusCode == 403:
			return authErrorf("anthropic auth error: %v", err)
		case apierr.StatusCode == 413:
			return contextTooLargeErrorf("request too large: %v", err)
		case apierr.StatusCode == 400 && strings.Contains(strings.ToLower(err.Error()), "prompt is too long"):
			return contextTooLargeErrorf("prompt too long: %v", err)
		}
	}
	return backendErrorf("anthropic API error: %v", err)
}

func mapAnthropicStopReason(reason string) StopReason {
	switch reason {
	case "max_tokens":
		return StopMaxTokens
	case "tool_use":
		return StopToolUse
	default:
		return StopEnd
	}
}

func buildAnthropicSystem(system []SystemBlock) []anthropic.TextBlockParam {
	blocks := make([]anthropic.TextBlockParam, 0, len(system))
	for _, b := range system {
		block := anthropic.TextBlockParam{Text: b.Text}
		if b.Cache {
			block.CacheControl = anthropic.NewCacheControlEphemeralParam()
		}
		blocks = append(blocks, block)
	}
	return blocks
}

// buildAnthropicMessages converts history into API message params. Tool
// results become user-role tool_result blocks; the cache marker turns into
// a cache_control breakpoint on its block.
func buildAnthropicMessages(messages []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case RoleUser:
			if blocks := buildAnthropicBlocks(msg.Parts); len(blocks) > 0 {
				out = append(out, anthropic.NewUserMessage(blocks...))
			}
		case RoleAssistant:
			if blocks := buildAnthropicBlocks(msg.Parts); len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		case RoleTool:
			if blocks := buildAnthropicBlocks(msg.Parts); len(blocks) > 0 {
				out = append(out, anthropic.NewUserMessage(blocks...))
			}
		}
	}
	return out
}

func buildAnthropicBlocks(parts []Part) []anthropic.ContentBlockParamUnion {
	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(parts))
	for _, part := range parts {
		switch part.Type {
		case PartText:
			if part.Text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(part.Text))
			}
		case PartToolCall:
			if part.ToolCall != nil {
				blocks = append(blocks, anthropic.NewToolUseBlock(part.ToolCall.ID, marshalArgs(part.ToolCall.Arguments), part.ToolCall.Name))
			}
		case PartToolResult:
			if part.ToolResult != nil {
				blocks = append(blocks, toolResultBlock(part.ToolResult))
			}
		}
	}
	return blocks
}

func toolResultBlock(result *ToolResult) anthropic.ContentBlockParamUnion {
	block := anthropic.ToolResultBlockParam{
		ToolUseID: result.ID,
		IsError:   anthropic.Bool(result.IsError),
		Content: []anthropic.ToolResultBlockParamContentUnion{
			{OfText: &anthropic.TextBlockParam{Text: result.Content}},
		},
	}
	if result.Cache {
		block.CacheControl = anthropic.NewCacheControlEphemeralParam()
	}
	return anthropic.ContentBlockParamUnion{OfToolResult: &block}
}

func buildAnthropicTools(specs []ToolSpec) []anthropic.ToolUnionParam {
	if len(specs) == 0 {
		return nil
	}
	tools := make([]anthropic.ToolUnionParam, 0, len(specs))
	for i, spec := range specs {
		inputSchema := anthropic.ToolInputSchemaParam{
			Type:       constant.Object("object"),
			Properties: spec.Schema["properties"],
			Required:   schemaRequired(spec.Schema),
		}
		tool := anthropic.ToolUnionParamOfTool(inputSchema, spec.Name)
		if spec.Description != "" {
			tool.OfTool.Description = anthropic.String(spec.Description)
		}
		// Cache breakpoint on the last tool definition: tool schemas are
		// stable across rounds, so everything up to here is reusable.
		if i == len(specs)-1 {
			tool.OfTool.CacheControl = anthropic.NewCacheControlEphemeralParam()
		}
		tools = append(tools, tool)
	}
	return tools
}

func schemaRequired(schema map[string]any) []string {
	raw, ok := schema["required"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func toolInputToRaw(input any) json.RawMessage {
	switch v := input.(type) {
	case json.RawMessage:
		return v
	case []byte:
		return json.RawMessage(v)
	case string:
		return json.RawMessage(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		return json.RawMessage(data)
	}
}

// toolCallAccumulator merges streamed tool-call fragments by block index.
// The id and name arrive on the start event; argument JSON arrives as
// fragments that are concatenated in order.
type toolCallAccumulator struct {
	calls    map[int64]ToolCall
	fallback map[int64]json.RawMessage
	partial  map[int64]*strings.Builder
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{
		calls:    make(map[int64]ToolCall),
		fallback: make(map[int64]json.RawMessage),
		partial:  make(map[int64]*strings.Builder),
	}
}

func (a *toolCallAccumulator) Start(index int64, call ToolCall) {
	if len(call.Arguments) > 0 {
		a.fallback[index] = call.Arguments
	}
	call.Arguments = nil
	a.calls[index] = call
}

func (a *toolCallAccumulator) Append(index int64, partial string) {
	if partial == "" {
		return
	}
	builder := a.partial[index]
	if builder == nil {
		builder = &strings.Builder{}
		a.partial[index] = builder
	}
	builder.WriteString(partial)
}

// Finish resolves the accumulated call at index. Empty or invalid merged
// arguments become an empty JSON object rather than failing the turn.
func (a *toolCallAccumulator) Finish(index int64) (ToolCall, bool) {
	call, ok := a.calls[index]
	if !ok {
		return ToolCall{}, false
	}
	if builder := a.partial[index]; builder != nil && builder.Len() > 0 {
		call.Arguments = json.RawMessage(builder.String())
	} else if fallback, ok := a.fallback[index]; ok {
		call.Arguments = fallback
	}
	call.Arguments = normalizeArgs(call.Arguments)
	delete(a.calls, index)
	delete(a.partial, index)
	delete(a.fallback, index)
	return call, true
}

// normalizeArgs defaults empty or invalid argument JSON to "{}".
func normalizeArgs(args json.RawMessage) json.RawMessage {
	trimmed := strings.TrimSpace(string(args))
	if trimmed == "" || trimmed == "{}" {
		return json.RawMessage("{}")
	}
	if !json.Valid([]byte(trimmed)) {
		return json.RawMessage("{}")
	}
	return json.RawMessage(trimmed)
}

func maxTokens(requested, fallback int) int64 {
	if requested > 0 {
		return int64(requested)
	}
	return int64(fallback)
}

var _ Backend = (*AnthropicBackend)(nil)
