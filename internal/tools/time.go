package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/stewardhq/steward/internal/llm"
)

// CurrentTimeTool reports the host's current date and time.
type CurrentTimeTool struct {
	now func() time.Time // overridable in tests
}

func NewCurrentTimeTool() *CurrentTimeTool {
	return &CurrentTimeTool{now: time.Now}
}

func (t *CurrentTimeTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        "current_time",
		Description: "Get the current date and time, including the timezone.",
		Schema: map[string]any{
			"type":                 "object",
			"properties":           map[string]any{},
			"additionalProperties": false,
		},
	}
}

func (t *CurrentTimeTool) Execute(_ context.Context, _ json.RawMessage, _ llm.ToolContext) (string, error) {
	return t.now().Format(time.RFC1123), nil
}

var _ Tool = (*CurrentTimeTool)(nil)
