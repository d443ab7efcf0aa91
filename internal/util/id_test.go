package util

import (
	"strings"
	"testing"
)

func TestNewID(t *testing.T) {
	id := NewID("spn")
	if !strings.HasPrefix(id, "spn_") || len(id) != len("spn_")+32 {
		t.Fatalf("NewID(spn) = %q", id)
	}
	if bare := NewID(""); len(bare) != 32 || strings.Contains(bare, "_") {
		t.Fatalf("NewID(\"\") = %q", bare)
	}
	if NewID("spn") == NewID("spn") {
		t.Fatal("ids repeat")
	}
}
