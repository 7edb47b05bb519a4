package crmbase

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestNewRequestID(t *testing.T) {
	id1 := NewRequestID()
	time.Sleep(1 * time.Millisecond)
	id2 := NewRequestID()

	if !IsValidRequestID(id1) || !IsValidRequestID(id2) {
		t.Fatalf("NewRequestID() generated invalid IDs: %s, %s", id1, id2)
	}
	if id1 == id2 {
		t.Error("NewRequestID() generated duplicate IDs")
	}
	// UUIDv7 should be lexicographically sortable by time
	if id1 > id2 {
		t.Error("UUIDv7 not time-ordered: id1 should be < id2")
	}
	if v := uuid.MustParse(id1).Version(); v != 7 {
		t.Errorf("Expected UUIDv7, got version %d", v)
	}
}

func TestNewAPIKey(t *testing.T) {
	key := NewAPIKey()
	if len(key) != 32 {
		t.Errorf("Expected 32 hex characters, got %d (%s)", len(key), key)
	}
	if strings.Contains(key, "-") {
		t.Errorf("Expected key without dashes, got %s", key)
	}
	if key == NewAPIKey() {
		t.Error("NewAPIKey() generated duplicate keys")
	}
}

func TestIsValidRequestID(t *testing.T) {
	testCases := []struct {
		id    string
		valid bool
	}{
		{NewRequestID(), true},
		{uuid.New().String(), true},
		{"invalid", false},
		{"", false},
		{"123", false},
	}

	for _, tc := range testCases {
		if got := IsValidRequestID(tc.id); got != tc.valid {
			t.Errorf("IsValidRequestID(%q) = %v, want %v", tc.id, got, tc.valid)
		}
	}
}

func BenchmarkNewRequestID(b *testing.B) {
	for i := 0; i < b.N; i++ {
		NewRequestID()
	}
}
