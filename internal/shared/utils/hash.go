package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Hasher produces hex digests for cache keys and entity tags
type Hasher struct{}

// DefaultHasher returns the SHA-256 hasher
func DefaultHasher() *Hasher {
	return &Hasher{}
}

func (h *Hasher) hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashJoined hashes fields joined with "|" in the given order. Order is
// significant: ("a", "b") and ("b", "a") differ.
func (h *Hasher) HashJoined(fields ...string) string {
	return h.hash([]byte(strings.Join(fields, "|")))
}

// StrongETag returns a quoted strong entity tag derived from body
func (h *Hasher) StrongETag(body []byte) string {
	return `"` + h.hash(body)[:32] + `"`
}
