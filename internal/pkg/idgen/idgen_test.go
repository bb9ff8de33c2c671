package idgen

import (
	"testing"

	"github.com/oklog/ulid/v2"
)

func TestGenerateID_Unique(t *testing.T) {
	if err := Initialize(7); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := GenerateID()
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}

func TestNewMessageID_Sortable(t *testing.T) {
	prev := NewMessageID()
	if _, err := ulid.ParseStrict(prev); err != nil {
		t.Fatalf("expected valid ulid, got %v", err)
	}
	for i := 0; i < 100; i++ {
		next := NewMessageID()
		if next <= prev {
			t.Fatalf("expected %s > %s", next, prev)
		}
		prev = next
	}
}

func TestInitialize_NodeSwitch(t *testing.T) {
	if err := Initialize(7); err != nil {
		t.Fatalf("expected same node to be accepted, got %v", err)
	}
	if err := Initialize(8); err == nil {
		t.Error("expected an error when switching nodes")
	}
}
