package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a random identifier, "prefix_<32 hex>" or bare hex when
// prefix is empty.
func NewID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
