package convstore

import (
	"testing"
	"time"
)

func TestSanitizeReplacesReservedCharacters(t *testing.T) {
	got := Sanitize(`agent:1|x@y/z\a<b>c*d?e"f`)
	if got != "agent_1_x_y_z_a_b_c_d_e_f" {
		t.Fatalf("unexpected sanitized id: %q", got)
	}
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	data := ConversationData{
		AgentID:  "agent-1",
		Messages: []Message{{Role: "user", Content: "hi"}, {Role: "assistant", Content: "hello"}},
		SavedAt:  time.Now().UTC(),
	}

	path, err := Save(dir, "agent-1", nil, data)
	if err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}
	if path == "" {
		t.Fatal("expected a non-empty path")
	}

	loaded := Load(dir, "agent-1", nil)
	if loaded.AgentID != "agent-1" || len(loaded.Messages) != 2 {
		t.Fatalf("round-tripped data mismatch: %+v", loaded)
	}
	if loaded.Messages[1].Content != "hello" {
		t.Fatalf("unexpected message content: %+v", loaded.Messages)
	}
}

func TestLoadMissingDirectoryIsBestEffort(t *testing.T) {
	loaded := Load("/nonexistent/path/for/convstore/test", "agent-1", nil)
	if loaded.AgentID != "agent-1" {
		t.Fatalf("expected an empty-but-populated AgentID, got %+v", loaded)
	}
	if len(loaded.Messages) != 0 {
		t.Fatalf("expected no messages, got %+v", loaded.Messages)
	}
}

func TestLoadPicksNewestFileByEmbeddedTimestamp(t *testing.T) {
	dir := t.TempDir()

	older := ConversationData{AgentID: "agent-1", Messages: []Message{{Role: "user", Content: "old"}}, SavedAt: time.UnixMilli(1000)}
	newer := ConversationData{AgentID: "agent-1", Messages: []Message{{Role: "user", Content: "new"}}, SavedAt: time.UnixMilli(2000)}

	if _, err := Save(dir, "agent-1", nil, older); err != nil {
		t.Fatalf("unexpected error saving older: %v", err)
	}
	if _, err := Save(dir, "agent-1", nil, newer); err != nil {
		t.Fatalf("unexpected error saving newer: %v", err)
	}

	loaded := Load(dir, "agent-1", nil)
	if len(loaded.Messages) != 1 || loaded.Messages[0].Content != "new" {
		t.Fatalf("expected the newest file to win, got %+v", loaded)
	}
}

func TestLoadWithExplicitFilename(t *testing.T) {
	dir := t.TempDir()
	name := "custom.json"
	data := ConversationData{AgentID: "agent-1", Messages: []Message{{Role: "user", Content: "pinned"}}}

	if _, err := Save(dir, "agent-1", &name, data); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}

	loaded := Load(dir, "agent-1", &name)
	if len(loaded.Messages) != 1 || loaded.Messages[0].Content != "pinned" {
		t.Fatalf("expected the pinned file's content, got %+v", loaded)
	}
}
