// Package session persists per-room conversation history so the agent
// survives restarts. The in-memory history owned by the brain is the source
// of truth; the store mirrors it.
package session

import (
	"context"
	"time"

	"github.com/stewardhq/steward/internal/llm"
)

// RoomSummary describes one stored room.
type RoomSummary struct {
	RoomID       string
	MessageCount int
	UpdatedAt    time.Time
}

// Store persists room histories.
type Store interface {
	// LoadHistory returns a room's messages in order. A missing room yields
	// an empty slice, not an error.
	LoadHistory(ctx context.Context, roomID string) ([]llm.Message, error)
	// AppendMessage adds one message to the end of a room's history,
	// creating the room on first write.
	AppendMessage(ctx context.Context, roomID string, msg llm.Message) error
	// ReplaceHistory atomically swaps a room's entire history, used after
	// compaction rewrites the prefix.
	ReplaceHistory(ctx context.Context, roomID string, messages []llm.Message) error
	// Rooms lists stored rooms, most recently updated first.
	Rooms(ctx context.Context) ([]RoomSummary, error)
	Close() error
}
