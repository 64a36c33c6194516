package brain

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/stewardhq/steward/internal/llm"
)

// minRecentMessages is the floor below which compaction is a no-op: the most
// recent turns always survive verbatim.
const minRecentMessages = 6

const summaryMaxTokens = 1024

const summaryPrompt = "Summarize this conversation into a concise recap. " +
	"Preserve key facts, decisions, and context that would be needed to " +
	"continue the conversation naturally. Be brief but thorough.\n\n%s"

// compactHistory summarizes everything but the most recent turns into a
// two-message recap pair. When summarization fails, the old prefix is dropped
// outright rather than blocking the conversation. Returns the new history and
// whether it changed.
func compactHistory(ctx context.Context, backend llm.Backend, messages []llm.Message) ([]llm.Message, bool) {
	if len(messages) <= minRecentMessages {
		return messages, false
	}

	old := messages[:len(messages)-minRecentMessages]
	recent := messages[len(messages)-minRecentMessages:]

	transcript := buildTranscript(old)
	if transcript == "" {
		return messages, false
	}

	summary, err := backend.UtilityComplete(ctx, fmt.Sprintf(summaryPrompt, transcript), summaryMaxTokens)
	if err != nil {
		slog.Error("summarization failed, falling back to truncation", "error", err)
		return recent, true
	}

	compacted := make([]llm.Message, 0, len(recent)+2)
	compacted = append(compacted,
		llm.UserText("[Earlier conversation summary]\n"+summary),
		llm.AssistantText("Got it, I have that context."),
	)
	compacted = append(compacted, recent...)
	return compacted, true
}

// buildTranscript renders messages as "role: text" lines, skipping turns
// with no visible text (tool rounds).
func buildTranscript(messages []llm.Message) string {
	var lines []string
	for _, msg := range messages {
		text := llm.TextOf(msg)
		if text == "" {
			continue
		}
		lines = append(lines, string(msg.Role)+": "+text)
	}
	return strings.Join(lines, "\n")
}
