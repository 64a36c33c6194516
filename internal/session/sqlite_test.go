package session

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stewardhq/steward/internal/llm"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "steward.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestLoadHistoryMissingRoom(t *testing.T) {
	store := newTestStore(t)
	messages, err := store.LoadHistory(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	if len(messages) != 0 {
		t.Fatalf("messages=%d, want 0", len(messages))
	}
}

func TestAppendAndLoadRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	turns := []llm.Message{
		llm.UserText("hello"),
		llm.AssistantText("hi there"),
		llm.UserText("read my notes"),
	}
	for _, msg := range turns {
		if err := store.AppendMessage(ctx, "room1", msg); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	got, err := store.LoadHistory(ctx, "room1")
	if err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	if len(got) != len(turns) {
		t.Fatalf("messages=%d, want %d", len(got), len(turns))
	}
	for i, msg := range turns {
		if got[i].Role != msg.Role || llm.TextOf(got[i]) != llm.TextOf(msg) {
			t.Fatalf("message %d: %s %q, want %s %q",
				i, got[i].Role, llm.TextOf(got[i]), msg.Role, llm.TextOf(msg))
		}
	}
}

func TestToolPartsSurviveRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	call := llm.Message{Role: llm.RoleAssistant, Parts: []llm.Part{
		{Type: llm.PartText, Text: "checking"},
		{Type: llm.PartToolCall, ToolCall: &llm.ToolCall{
			ID: "call_1", Name: "read_file", Arguments: json.RawMessage(`{"path":"notes.txt"}`),
		}},
	}}
	result := llm.ToolResultsMessage([]*llm.ToolResult{
		{ID: "call_1", Name: "read_file", Content: "the notes", Cache: true},
	})

	for _, msg := range []llm.Message{call, result} {
		if err := store.AppendMessage(ctx, "room1", msg); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	got, err := store.LoadHistory(ctx, "room1")
	if err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	tc := got[0].Parts[1].ToolCall
	if tc == nil || tc.Name != "read_file" || string(tc.Arguments) != `{"path":"notes.txt"}` {
		t.Fatalf("tool call=%+v", tc)
	}
	tr := got[1].Parts[0].ToolResult
	if tr == nil || tr.Content != "the notes" || !tr.Cache {
		t.Fatalf("tool result=%+v", tr)
	}
}

func TestReplaceHistory(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := store.AppendMessage(ctx, "room1", llm.UserText("old")); err != nil {
			t.Fatal(err)
		}
	}

	compacted := []llm.Message{
		llm.UserText("[Earlier conversation summary]\nit was long"),
		llm.AssistantText("Got it, I have that context."),
		llm.UserText("latest"),
	}
	if err := store.ReplaceHistory(ctx, "room1", compacted); err != nil {
		t.Fatalf("ReplaceHistory: %v", err)
	}

	got, err := store.LoadHistory(ctx, "room1")
	if err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("messages=%d, want 3", len(got))
	}
	if llm.TextOf(got[2]) != "latest" {
		t.Fatalf("last message=%q", llm.TextOf(got[2]))
	}

	// Appends continue from the replaced sequence.
	if err := store.AppendMessage(ctx, "room1", llm.AssistantText("after")); err != nil {
		t.Fatalf("AppendMessage after replace: %v", err)
	}
	got, _ = store.LoadHistory(ctx, "room1")
	if len(got) != 4 || llm.TextOf(got[3]) != "after" {
		t.Fatalf("messages=%d last=%q", len(got), llm.TextOf(got[len(got)-1]))
	}
}

func TestRoomsListing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.AppendMessage(ctx, "alpha", llm.UserText("one")); err != nil {
		t.Fatal(err)
	}
	if err := store.AppendMessage(ctx, "beta", llm.UserText("two")); err != nil {
		t.Fatal(err)
	}
	if err := store.AppendMessage(ctx, "beta", llm.AssistantText("three")); err != nil {
		t.Fatal(err)
	}

	rooms, err := store.Rooms(ctx)
	if err != nil {
		t.Fatalf("Rooms: %v", err)
	}
	if len(rooms) != 2 {
		t.Fatalf("rooms=%d, want 2", len(rooms))
	}

	counts := map[string]int{}
	for _, r := range rooms {
		counts[r.RoomID] = r.MessageCount
		if r.UpdatedAt.IsZero() {
			t.Fatalf("room %s has zero updated_at", r.RoomID)
		}
	}
	if counts["alpha"] != 1 || counts["beta"] != 2 {
		t.Fatalf("counts=%v", counts)
	}
}

func TestRoomsAreIsolated(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.AppendMessage(ctx, "alpha", llm.UserText("alpha secret")); err != nil {
		t.Fatal(err)
	}
	if err := store.AppendMessage(ctx, "beta", llm.UserText("beta secret")); err != nil {
		t.Fatal(err)
	}

	got, err := store.LoadHistory(ctx, "alpha")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || llm.TextOf(got[0]) != "alpha secret" {
		t.Fatalf("alpha history=%v", got)
	}
}
