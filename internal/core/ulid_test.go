// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sidekick Contributors

package core

import (
	"testing"
)

func TestNewULID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewULID().String()
		if seen[id] {
			t.Fatalf("duplicate ULID generated: %s", id)
		}
		seen[id] = true
	}
}

func TestNewULID_Ordered(t *testing.T) {
	a := NewULID()
	b := NewULID()
	if a.Compare(b) >= 0 {
		t.Errorf("expected %s < %s", a, b)
	}
}

func TestParseULID(t *testing.T) {
	id := NewULID()
	parsed, err := ParseULID(id.String())
	if err != nil {
		t.Fatalf("ParseULID() error = %v", err)
	}
	if parsed != id {
		t.Errorf("ParseULID() = %s, want %s", parsed, id)
	}
}

func TestParseULID_Invalid(t *testing.T) {
	if _, err := ParseULID("not-a-ulid"); err == nil {
		t.Error("expected error for invalid ULID")
	}
}
