package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/stewardhq/steward/internal/config"
)

// OpenAIBackend drives an OpenAI-compatible chat-completions API. Pointing
// BaseURL at a compatible provider works too; only the wire format matters
// here.
type OpenAIBackend struct {
	client       *openai.Client
	utilityModel Model
	maxRounds    int
	executor     ToolExecutor
	audit        AuditLog
	usageLog     UsageLog
	retry        RetryConfig
}

func NewOpenAIBackend(cfg *config.Config, deps BackendDeps) (*OpenAIBackend, error) {
	apiKey := cfg.OpenAI.APIKey
	if apiKey == "" {
		return nil, authErrorf("openai backend: no API key configured")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.OpenAI.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.OpenAI.BaseURL))
	}
	client := openai.NewClient(opts...)
	return &OpenAIBackend{
		client:       &client,
		utilityModel: modelFromTier(cfg.UtilityTier()),
		maxRounds:    cfg.Limits.MaxToolRounds,
		executor:     deps.Tools,
		audit:        deps.Audit,
		usageLog:     deps.UsageLog,
		retry:        DefaultRetryConfig(),
	}, nil
}

func (b *OpenAIBackend) RunAgenticLoop(ctx context.Context, p LoopParams) (string, []Message, error) {
	stream := withRetry(b.streamTurn, b.retry)
	return runToolLoop(ctx, stream, p, b.maxRounds, b.executor, b.audit, b.usageLog)
}

func (b *OpenAIBackend) streamTurn(
	ctx context.Context,
	model Model,
	system []SystemBlock,
	messages []Message,
	tools []ToolSpec,
	onFirstText func(),
	thinking bool,
) (*Turn, error) {
	params := openai.ChatCompletionNewParams{
		Model:    model.ID,
		Messages: buildOpenAIMessages(system, messages),
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if model.MaxOutputTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(model.MaxOutputTokens))
	}
	if len(tools) > 0 {
		params.Tools = buildOpenAITools(tools)
	}

	state := newOpenAIToolState()
	turn := &Turn{StopReason: StopEnd}
	var text strings.Builder
	firstTextSeen := false

	stream := b.client.Chat.Completions.NewStreaming(ctx, params)
	for stream.Next() {
		chunk := stream.Current()
		if chunk.Usage.TotalTokens > 0 {
			turn.Usage = Usage{
				InputTokens:     int(chunk.Usage.PromptTokens),
				OutputTokens:    int(chunk.Usage.CompletionTokens),
				CacheReadTokens: int(chunk.Usage.PromptTokensDetails.CachedTokens),
			}
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				if !firstTextSeen {
					firstTextSeen = true
					if onFirstText != nil {
						onFirstText()
					}
				}
				text.WriteString(choice.Delta.Content)
			}
			for _, tc := range choice.Delta.ToolCalls {
				state.Add(tc.Index, tc.ID, tc.Function.Name, tc.Function.Arguments)
			}
			if choice.FinishReason != "" {
				turn.StopReason = mapOpenAIFinishReason(choice.FinishReason)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, classifyOpenAIError(err)
	}

	turn.Text = text.String()
	turn.ToolCalls = state.Calls()
	if len(turn.ToolCalls) > 0 {
		turn.StopReason = StopToolUse
	}
	return turn, nil
}

// CountTokens approximates: the chat-completions API has no counting
// endpoint, so estimate at four characters per token.
func (b *OpenAIBackend) CountTokens(ctx context.Context, model Model, system []SystemBlock, tools []ToolSpec, messages []Message) (int, error) {
	chars := 0
	for _, blk := range system {
		chars += len(blk.Text)
	}
	for _, msg := range messages {
		for _, part := range msg.Parts {
			chars += len(part.Text)
			if part.ToolResult != nil {
				chars += len(part.ToolResult.Content)
			}
			if part.ToolCall != nil {
				chars += len(part.ToolCall.Arguments)
			}
		}
	}
	return chars / 4, nil
}

func (b *OpenAIBackend) UtilityComplete(ctx context.Context, prompt string, maxOut int) (string, error) {
	if maxOut <= 0 {
		maxOut = 1024
	}
	completion, err := b.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:               b.utilityModel.ID,
		MaxCompletionTokens: openai.Int(int64(maxOut)),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
	})
	if err != nil {
		return "", classifyOpenAIError(err)
	}
	if len(completion.Choices) == 0 {
		return "", backendErrorf("openai: empty completion")
	}
	return completion.Choices[0].Message.Content, nil
}

func (b *OpenAIBackend) Close() error { return nil }

func classifyOpenAIError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == 401 || apierr.StatusCode == 403:
			return authErrorf("openai auth error: %v", err)
		case apierr.StatusCode == 413:
			return contextTooLargeErrorf("request too large: %v", err)
		case apierr.StatusCode == 400 && strings.Contains(strings.ToLower(err.Error()), "context length"):
			return contextTooLargeErrorf("context length exceeded: %v", err)
		}
	}
	return backendErrorf("openai API error: %v", err)
}

func mapOpenAIFinishReason(reason string) StopReason {
	switch reason {
	case "length":
		return StopMaxTokens
	case "tool_calls":
		return StopToolUse
	default:
		return StopEnd
	}
}

func buildOpenAIMessages(system []SystemBlock, messages []Message) []openai.ChatCompletionMessageParamUnion {
	var out []openai.ChatCompletionMessageParamUnion
	if len(system) > 0 {
		var parts []string
		for _, blk := range system {
			parts = append(parts, blk.Text)
		}
		out = append(out, openai.SystemMessage(strings.Join(parts, "\n\n")))
	}
	for _, msg := range messages {
		switch msg.Role {
		case RoleUser:
			if text := TextOf(msg); text != "" {
				out = append(out, openai.UserMessage(text))
			}
		case RoleAssistant:
			out = append(out, buildOpenAIAssistantMessage(msg))
		case RoleTool:
			for _, part := range msg.Parts {
				if part.Type != PartToolResult || part.ToolResult == nil {
					continue
				}
				out = append(out, openai.ToolMessage(part.ToolResult.Content, part.ToolResult.ID))
			}
		}
	}
	return out
}

func buildOpenAIAssistantMessage(msg Message) openai.ChatCompletionMessageParamUnion {
	text := TextOf(msg)
	var toolCalls []openai.ChatCompletionMessageToolCallParam
	for _, part := range msg.Parts {
		if part.Type != PartToolCall || part.ToolCall == nil {
			continue
		}
		toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
			ID: part.ToolCall.ID,
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      part.ToolCall.Name,
				Arguments: string(marshalArgs(part.ToolCall.Arguments)),
			},
		})
	}
	if len(toolCalls) == 0 {
		return openai.AssistantMessage(text)
	}
	assistant := openai.ChatCompletionAssistantMessageParam{
		ToolCalls: toolCalls,
	}
	if text != "" {
		assistant.Content.OfString = openai.String(text)
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant}
}

func buildOpenAITools(specs []ToolSpec) []openai.ChatCompletionToolParam {
	tools := make([]openai.ChatCompletionToolParam, 0, len(specs))
	for _, spec := range specs {
		fn := openai.FunctionDefinitionParam{
			Name:       spec.Name,
			Parameters: openai.FunctionParameters(spec.Schema),
		}
		if spec.Description != "" {
			fn.Description = openai.String(spec.Description)
		}
		tools = append(tools, openai.ChatCompletionToolParam{Function: fn})
	}
	return tools
}

// openAIToolState merges streamed tool-call deltas by choice index. The id
// only appears on a call's first delta; later fragments carry just the
// index plus name/argument pieces.
type openAIToolState struct {
	entries map[int64]*openAIToolEntry
}

type openAIToolEntry struct {
	id   string
	name strings.Builder
	args strings.Builder
}

func newOpenAIToolState() *openAIToolState {
	return &openAIToolState{entries: make(map[int64]*openAIToolEntry)}
}

func (s *openAIToolState) Add(index int64, id, name, args string) {
	entry := s.entries[index]
	if entry == nil {
		entry = &openAIToolEntry{}
		s.entries[index] = entry
	}
	if id != "" {
		entry.id = id
	}
	entry.name.WriteString(name)
	entry.args.WriteString(args)
}

// Calls resolves accumulated entries in index order. Missing ids get a
// synthetic call_<index>; empty or invalid argument JSON becomes "{}".
func (s *openAIToolState) Calls() []ToolCall {
	if len(s.entries) == 0 {
		return nil
	}
	indexes := make([]int64, 0, len(s.entries))
	for idx := range s.entries {
		indexes = append(indexes, idx)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })

	calls := make([]ToolCall, 0, len(indexes))
	for _, idx := range indexes {
		entry := s.entries[idx]
		id := entry.id
		if id == "" {
			id = fmt.Sprintf("call_%d", idx)
		}
		calls = append(calls, ToolCall{
			ID:        id,
			Name:      entry.name.String(),
			Arguments: normalizeArgs([]byte(entry.args.String())),
		})
	}
	return calls
}

var _ Backend = (*OpenAIBackend)(nil)
