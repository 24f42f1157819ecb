// Package uuid includes tests for run id generation.
package uuid

import (
	"testing"

	goUUID "github.com/google/uuid"
)

// TestNewRunIDIsTimeOrdered ensures ids are unique v7 UUIDs that sort by creation.
func TestNewRunIDIsTimeOrdered(t *testing.T) {
	t.Parallel()

	id1 := NewRunID()
	id2 := NewRunID()
	if id1 == id2 {
		t.Fatalf("expected unique IDs, got %s and %s", id1, id2)
	}
	if id1.Version() != 7 {
		t.Fatalf("id1 version = %d, want 7", id1.Version())
	}
	if id1.String() >= id2.String() {
		t.Fatalf("expected %s to sort before %s", id1, id2)
	}
	if _, err := goUUID.Parse(id1.String()); err != nil {
		t.Fatalf("id1 not valid UUID: %v", err)
	}
}
