// Package tools provides the host tool registry the agentic loop dispatches
// into. Execution never returns a Go error to the loop: failures are folded
// into result strings the model can read and react to.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stewardhq/steward/internal/llm"
)

// ToolErrorType provides structured errors for model retry logic.
type ToolErrorType string

const (
	ErrFileNotFound    ToolErrorType = "FILE_NOT_FOUND"
	ErrInvalidParams   ToolErrorType = "INVALID_PARAMS"
	ErrPathNotAllowed  ToolErrorType = "PATH_NOT_ALLOWED"
	ErrExecutionFailed ToolErrorType = "EXECUTION_FAILED"
	ErrFileTooLarge    ToolErrorType = "FILE_TOO_LARGE"
	ErrInternal        ToolErrorType = "INTERNAL"
)

// ToolError carries a typed failure out of a tool implementation.
type ToolError struct {
	Type    ToolErrorType `json:"type"`
	Message string        `json:"message"`
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// NewToolErrorf creates a ToolError with a formatted message.
func NewToolErrorf(errType ToolErrorType, format string, args ...any) *ToolError {
	return &ToolError{Type: errType, Message: fmt.Sprintf(format, args...)}
}

// Tool is one callable capability exposed to the model.
type Tool interface {
	Spec() llm.ToolSpec
	Execute(ctx context.Context, args json.RawMessage, tc llm.ToolContext) (string, error)
}
