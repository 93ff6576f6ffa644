package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random identifier, optionally namespaced with a short
// prefix ("doc", "usr", "ptc", ...) so IDs are recognizable in logs and
// audit payloads. 12 random bytes keep collisions out of reach at this
// system's scale.
func NewID(prefix string) string {
	buf := make([]byte, 12)
	_, _ = rand.Read(buf)
	if prefix == "" {
		return hex.EncodeToString(buf)
	}
	return prefix + "_" + hex.EncodeToString(buf)
}
