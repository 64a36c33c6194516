// Package brain orchestrates conversations: it owns per-room history, runs
// the backend's agentic loop, keeps context within budget through
// compaction, and folds backend failures into user-facing replies.
package brain

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/stewardhq/steward/internal/config"
	"github.com/stewardhq/steward/internal/llm"
	"github.com/stewardhq/steward/internal/prompt"
	"github.com/stewardhq/steward/internal/session"
)

// Apology is the reply when the backend fails in a way the user can't fix.
const Apology = "I'm sorry, I ran into a temporary problem and couldn't finish processing that. " +
	"Could you try again in a moment?"

// Incoming is one user message to process.
type Incoming struct {
	Username  string
	Text      string
	ThreadID  string
	Timestamp time.Time
}

type roomState struct {
	mu         sync.Mutex
	messages   []llm.Message
	tokenCount int
	loaded     bool
	inflight   *llm.Interrupt
}

// Brain processes messages room by room. Rooms are independent: each has its
// own history, token count, and in-flight turn.
type Brain struct {
	backend          llm.Backend
	tools            llm.ToolExecutor
	profile          *prompt.Profile
	store            session.Store // nil disables persistence
	chatModel        llm.Model
	contextBudget    int
	compactThreshold int
	thinking         bool

	mu    sync.Mutex
	rooms map[string]*roomState
}

type Options struct {
	Backend llm.Backend
	Tools   llm.ToolExecutor
	Profile *prompt.Profile
	Store   session.Store
	Config  *config.Config
}

func New(opts Options) (*Brain, error) {
	cfg := opts.Config
	chatModel, err := llm.ResolveModel(cfg, cfg.ChatModel)
	if err != nil {
		return nil, err
	}
	tier := cfg.ChatTier()
	return &Brain{
		backend:          opts.Backend,
		tools:            opts.Tools,
		profile:          opts.Profile,
		store:            opts.Store,
		chatModel:        chatModel,
		contextBudget:    cfg.Limits.ContextBudget,
		compactThreshold: cfg.Limits.CompactThreshold,
		thinking:         tier.ThinkingBudget > 0,
		rooms:            make(map[string]*roomState),
	}, nil
}

func (b *Brain) room(roomID string) *roomState {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.rooms[roomID]
	if !ok {
		state = &roomState{}
		b.rooms[roomID] = state
	}
	return state
}

// Interrupt requests cancellation of the room's in-flight turn at its next
// round boundary. Mid-stream rounds still finish.
func (b *Brain) Interrupt(roomID string) {
	state := b.room(roomID)
	b.mu.Lock()
	defer b.mu.Unlock()
	state.inflight.Set()
}

// swapInterrupt cancels the room's previous turn and installs a fresh token
// for the new one.
func (b *Brain) swapInterrupt(state *roomState) *llm.Interrupt {
	b.mu.Lock()
	defer b.mu.Unlock()
	state.inflight.Set()
	next := llm.NewInterrupt()
	state.inflight = next
	return next
}

// Process handles one user message and returns the reply. Transient backend
// failures come back as an apology with conversation state intact; auth
// failures propagate so the caller can stop and alert an operator.
func (b *Brain) Process(ctx context.Context, roomID string, msg Incoming, cb llm.Callbacks) (string, error) {
	state := b.room(roomID)

	// A new message interrupts the previous turn for this room.
	interrupt := b.swapInterrupt(state)

	state.mu.Lock()
	defer state.mu.Unlock()

	if err := b.ensureLoaded(ctx, roomID, state); err != nil {
		return "", err
	}

	system, err := b.profile.SystemBlocks()
	if err != nil {
		return "", err
	}
	tools := b.toolSpecs()
	tc := llm.ToolContext{RoomID: roomID, Username: msg.Username, ThreadID: msg.ThreadID}

	if state.tokenCount > b.compactThreshold {
		b.compact(ctx, roomID, state, system, tools)
	}

	state.messages = append(state.messages, buildUserMessage(msg))

	params := llm.LoopParams{
		Model:     b.chatModel,
		System:    system,
		Messages:  state.messages,
		Tools:     tools,
		Context:   tc,
		Callbacks: cb,
		Interrupt: interrupt,
		Thinking:  b.thinking,
	}

	reply, messages, err := b.backend.RunAgenticLoop(ctx, params)
	state.messages = messages
	if err != nil {
		if llm.IsContextTooLarge(err) {
			slog.Warn("request too large, compacting and retrying", "room", roomID, "error", err)
			b.compact(ctx, roomID, state, system, tools)
			params.Messages = state.messages
			reply, messages, err = b.backend.RunAgenticLoop(ctx, params)
			state.messages = messages
			if err != nil {
				if llm.IsContextTooLarge(err) {
					slog.Error("still too large after compaction", "room", roomID, "error", err)
					return Apology, nil
				}
				if llm.IsAuthError(err) {
					return "", err
				}
				slog.Error("backend error during retry", "room", roomID, "error", err)
				return Apology, nil
			}
		} else if llm.IsAuthError(err) {
			return "", err
		} else {
			slog.Error("backend error during processing", "room", roomID, "error", err)
			return Apology, nil
		}
	}

	if reply != "" {
		state.messages = append(state.messages, llm.AssistantText(reply))
	}
	b.persist(ctx, roomID, state)

	tokens := b.measureContext(ctx, roomID, state, system, tools)
	slog.Info("context measured", "room", roomID, "tokens", tokens, "budget", b.contextBudget)

	return reply, nil
}

// ensureLoaded pulls stored history into memory on a room's first use.
func (b *Brain) ensureLoaded(ctx context.Context, roomID string, state *roomState) error {
	if state.loaded || b.store == nil {
		state.loaded = true
		return nil
	}
	messages, err := b.store.LoadHistory(ctx, roomID)
	if err != nil {
		return err
	}
	state.messages = messages
	state.loaded = true
	if len(messages) > 0 {
		slog.Info("loaded room history", "room", roomID, "messages", len(messages))
	}
	return nil
}

func (b *Brain) persist(ctx context.Context, roomID string, state *roomState) {
	if b.store == nil {
		return
	}
	if err := b.store.ReplaceHistory(ctx, roomID, state.messages); err != nil {
		slog.Error("failed to persist history", "room", roomID, "error", err)
	}
}

// measureContext refreshes the room's token count. A negative count means
// the backend couldn't measure; the stale value stays.
func (b *Brain) measureContext(ctx context.Context, roomID string, state *roomState, system []llm.SystemBlock, tools []llm.ToolSpec) int {
	count, err := b.backend.CountTokens(ctx, b.chatModel, system, tools, state.messages)
	if err != nil {
		slog.Warn("token count failed", "room", roomID, "error", err)
		return state.tokenCount
	}
	if count < 0 {
		return state.tokenCount
	}
	state.tokenCount = count
	return count
}

func (b *Brain) compact(ctx context.Context, roomID string, state *roomState, system []llm.SystemBlock, tools []llm.ToolSpec) {
	oldCount := len(state.messages)
	compacted, changed := compactHistory(ctx, b.backend, state.messages)
	if !changed {
		return
	}
	state.messages = compacted
	b.persist(ctx, roomID, state)
	tokens := b.measureContext(ctx, roomID, state, system, tools)
	slog.Info("compacted room history",
		"room", roomID, "old_messages", oldCount, "new_messages", len(state.messages), "tokens", tokens)
}

func (b *Brain) toolSpecs() []llm.ToolSpec {
	if b.tools == nil {
		return nil
	}
	return b.tools.Definitions()
}

// buildUserMessage tags the user turn with the dynamic context and the
// sender, so the model can tell speakers and times apart in group rooms.
func buildUserMessage(msg Incoming) llm.Message {
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	var tags []string
	tags = append(tags, "["+ts.Format("2006-01-02 15:04")+"]")
	if msg.ThreadID != "" {
		tags = append(tags, "[thread:"+msg.ThreadID+"]")
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		text = "(empty message)"
	}
	tagged := strings.Join(tags, " ") + " @" + msg.Username + ": " + text

	return llm.Message{Role: llm.RoleUser, Parts: []llm.Part{
		{Type: llm.PartText, Text: prompt.DynamicContext(ts, msg.Username)},
		{Type: llm.PartText, Text: tagged},
	}}
}
