package llm

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
)

// claudeResultEvent is the terminal event of a stream-json run, carrying the
// session id and the final-turn token accounting.
type claudeResultEvent struct {
	SessionID     string                      `json:"session_id"`
	Usage         claudeUsage                 `json:"usage"`
	ModelUsage    map[string]claudeModelUsage `json:"modelUsage"`
	TotalCostUSD  float64                     `json:"total_cost_usd"`
	NumTurns      int                         `json:"num_turns"`
	DurationMS    int64                       `json:"duration_ms"`
	DurationAPIMS int64                       `json:"duration_api_ms"`
}

type claudeUsage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheReadTokens     int `json:"cache_read_input_tokens"`
	CacheCreationTokens int `json:"cache_creation_input_tokens"`
}

// claudeModelUsage uses camelCase keys, unlike the result-level usage block.
type claudeModelUsage struct {
	InputTokens         int `json:"inputTokens"`
	OutputTokens        int `json:"outputTokens"`
	CacheReadTokens     int `json:"cacheReadInputTokens"`
	CacheCreationTokens int `json:"cacheCreationInputTokens"`
}

// ContextTokens is the total input-side context of the final turn.
func (e *claudeResultEvent) ContextTokens() int {
	return e.Usage.InputTokens + e.Usage.CacheReadTokens + e.Usage.CacheCreationTokens
}

type claudeStreamLine struct {
	Type    string          `json:"type"`
	Message *claudeMessage  `json:"message"`
	Event   json.RawMessage `json:"event"`
}

type claudeMessage struct {
	Content []claudeContentBlock `json:"content"`
}

type claudeContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
	Name string `json:"name"`
}

type claudeInnerEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	ContentBlock struct {
		Type string `json:"type"`
		Name string `json:"name"`
	} `json:"content_block"`
}

// streamResponse parses claude -p stream-json output as it arrives. Each
// assistant event is one model turn: turns that precede tool use are
// dispatched through OnText, and only the final turn's text becomes the
// reply. Fine-grained stream_event lines, when present, drive the callbacks
// early; the coarser assistant events then skip the redundant ones.
// Malformed lines are skipped.
func streamResponse(r io.Reader, cb Callbacks) (string, string, *claudeResultEvent, error) {
	var (
		pending          string
		sessionID        string
		result           *claudeResultEvent
		firstTextFired   bool
		streamEventsSeen bool
		toolOpen         bool
	)

	fireFirstText := func(text string) {
		if !firstTextFired && text != "" {
			cb.firstText()
			firstTextFired = true
		}
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var event claudeStreamLine
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			slog.Debug("skipping malformed stream-json line", "error", err)
			continue
		}

		switch event.Type {
		case "stream_event":
			streamEventsSeen = true
			var inner claudeInnerEvent
			if err := json.Unmarshal(event.Event, &inner); err != nil {
				continue
			}
			switch inner.Type {
			case "content_block_delta":
				if inner.Delta.Type == "text_delta" {
					fireFirstText(inner.Delta.Text)
				}
			case "content_block_start":
				switch inner.ContentBlock.Type {
				case "tool_use":
					if toolOpen {
						cb.toolEnd()
					}
					cb.toolStart(inner.ContentBlock.Name)
					toolOpen = true
				case "text":
					if toolOpen {
						cb.toolEnd()
						toolOpen = false
					}
				}
			}

		case "assistant":
			if event.Message == nil {
				continue
			}
			var texts []string
			var toolNames []string
			for _, block := range event.Message.Content {
				switch block.Type {
				case "text":
					if block.Text != "" {
						texts = append(texts, block.Text)
					}
				case "tool_use":
					toolNames = append(toolNames, block.Name)
				}
			}
			turnText := strings.Join(texts, "")

			if !streamEventsSeen && toolOpen {
				cb.toolEnd()
				toolOpen = false
			}
			if pending != "" {
				cb.text(pending)
				pending = ""
			}
			if !streamEventsSeen {
				fireFirstText(turnText)
			}
			if len(toolNames) > 0 {
				if turnText != "" {
					cb.text(turnText)
				}
				if !streamEventsSeen {
					for _, name := range toolNames {
						cb.toolStart(name)
					}
					toolOpen = true
				}
			} else {
				pending = turnText
			}

		case "result":
			var ev claudeResultEvent
			if err := json.Unmarshal([]byte(line), &ev); err == nil {
				result = &ev
				if ev.SessionID != "" {
					sessionID = ev.SessionID
				}
			}
			if toolOpen {
				cb.toolEnd()
				toolOpen = false
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return "", "", nil, backendErrorf("reading claude output: %v", err)
	}

	return strings.TrimSpace(pending), sessionID, result, nil
}

// formatPrompt renders history for claude's stdin. Resumed sessions already
// hold the earlier turns server-side, so only the latest message is sent;
// fresh sessions get the whole transcript with assistant turns tagged.
func formatPrompt(messages []Message, resume bool) string {
	if len(messages) == 0 {
		return ""
	}
	if resume {
		return TextOf(messages[len(messages)-1])
	}
	var lines []string
	for _, msg := range messages {
		text := TextOf(msg)
		if text == "" {
			continue
		}
		switch msg.Role {
		case RoleAssistant:
			lines = append(lines, "[assistant] "+text)
		case RoleUser:
			lines = append(lines, text)
		}
	}
	return strings.Join(lines, "\n\n")
}

// checkProcessExit maps a non-zero exit into the error taxonomy. Exit 0
// never raises, whatever stderr says.
func checkProcessExit(code int, stderr []byte) error {
	if code == 0 {
		return nil
	}
	return ClassifyStderr(string(stderr), code)
}
