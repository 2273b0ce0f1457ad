package util

import (
	"strings"
	"testing"
)

func TestGenerateRandomID(t *testing.T) {
	id := GenerateRandomID("enr_", 32)
	if !strings.HasPrefix(id, "enr_") {
		t.Errorf("expected prefix enr_, got %s", id)
	}
	if len(id) != len("enr_")+32 {
		t.Errorf("expected length %d, got %d", len("enr_")+32, len(id))
	}
}

func TestGenerateRandomHex(t *testing.T) {
	hex := GenerateRandomHex(16)
	if len(hex) != 16 {
		t.Errorf("expected length 16, got %d", len(hex))
	}
	for _, c := range hex {
		if !strings.ContainsRune("0123456789abcdef", c) {
			t.Errorf("unexpected character %q in hex string", c)
		}
	}
	if GenerateRandomHex(0) != "" {
		t.Error("expected empty string for zero length")
	}
}

func TestGeneratedIDsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := GenerateStepExecutionID()
		if seen[id] {
			t.Fatalf("duplicate ID generated: %s", id)
		}
		seen[id] = true
	}
}
