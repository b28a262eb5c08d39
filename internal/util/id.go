package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random 32-hex-char id, prefixed like "usr_..." or "note_..."
// so ids are recognizable in logs. An empty prefix yields the bare hex string.
func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}
