package chat

import (
	"errors"
	"testing"
	"time"
)

func TestConversationIDIsCommutative(t *testing.T) {
	pairs := [][2]string{{"S1", "T1"}, {"b", "a"}, {"user-9", "user-10"}, {"Zed", "alice"}}
	for _, p := range pairs {
		if ConversationID(p[0], p[1]) != ConversationID(p[1], p[0]) {
			t.Fatalf("ConversationID(%q, %q) not commutative", p[0], p[1])
		}
	}
	if got := ConversationID("T1", "S1"); got != "S1-T1" {
		t.Fatalf("ConversationID() = %q, want %q", got, "S1-T1")
	}
}

func TestValidatePair(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		ok   bool
	}{
		{name: "valid", a: "S1", b: "T1", ok: true},
		{name: "uuid ids", a: "0b6f1c5e-6d2a-4f1e-9d7c-3a1b2c3d4e5f", b: "9e8d7c6b-5a4f-4e3d-8c2b-1a0f9e8d7c6b", ok: true},
		{name: "empty a", a: "", b: "T1"},
		{name: "blank b", a: "S1", b: "   "},
		{name: "self", a: "S1", b: "S1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePair(tt.a, tt.b)
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestNewConversationAndIndexEntry(t *testing.T) {
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.FixedZone("x", 3600))
	c := NewConversation("T1", "S1", now)

	if c.ID != "S1-T1" || c.Participants != [2]string{"S1", "T1"} {
		t.Fatalf("unexpected conversation: %+v", c)
	}
	if !c.IsEncrypted || c.LastMessageAt != nil || len(c.Messages) != 0 {
		t.Fatalf("expected empty encrypted conversation, got %+v", c)
	}
	if c.CreatedAt.Location() != time.UTC {
		t.Fatalf("CreatedAt not UTC: %v", c.CreatedAt)
	}

	e := c.IndexEntry()
	if e.Peer("S1") != "T1" || e.Peer("T1") != "S1" {
		t.Fatalf("Peer() wrong for %+v", e)
	}
	if !e.Involves("S1") || e.Involves("S2") {
		t.Fatalf("Involves() wrong for %+v", e)
	}
	if !c.BelongsTo("T1", "S1") || c.BelongsTo("S1", "T2") {
		t.Fatal("BelongsTo() wrong")
	}
}

func TestConversationUnreadAndLast(t *testing.T) {
	c := Conversation{Messages: []Message{
		{ID: 1, SenderID: "T1"},
		{ID: 2, SenderID: "T1", IsRead: true},
		{ID: 3, SenderID: "S1"},
		{ID: 4, SenderID: "T1"},
	}}
	if got := c.UnreadFrom("T1"); got != 2 {
		t.Fatalf("UnreadFrom(T1) = %d, want 2", got)
	}
	if got := c.LastMessageID(); got != 4 {
		t.Fatalf("LastMessageID() = %d, want 4", got)
	}
	last, ok := c.LastMessage()
	if !ok || last.ID != 4 {
		t.Fatalf("LastMessage() = %+v, %v", last, ok)
	}
	if _, ok := (Conversation{}).LastMessage(); ok {
		t.Fatal("expected no last message for empty conversation")
	}
}

func TestSortSummaries(t *testing.T) {
	t1 := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	summaries := []ConversationSummary{
		{ConversationID: "c-empty-b"},
		{ConversationID: "c-old", LastMessageAt: &t1},
		{ConversationID: "c-empty-a"},
		{ConversationID: "c-new", LastMessageAt: &t2},
		{ConversationID: "b-tie", LastMessageAt: &t1},
	}
	SortSummaries(summaries)

	want := []string{"c-new", "b-tie", "c-old", "c-empty-a", "c-empty-b"}
	for i, id := range want {
		if summaries[i].ConversationID != id {
			t.Fatalf("position %d = %q, want %q", i, summaries[i].ConversationID, id)
		}
	}
}
