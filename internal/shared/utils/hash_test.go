package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashJoined(t *testing.T) {
	h := DefaultHasher()

	// sha256("abc")
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", h.HashJoined("abc"))
	assert.Equal(t, h.hash([]byte("a|b")), h.HashJoined("a", "b"))
	assert.NotEqual(t, h.HashJoined("a", "b"), h.HashJoined("b", "a"))
}

func TestStrongETag(t *testing.T) {
	h := DefaultHasher()

	tag := h.StrongETag([]byte("body"))
	assert.Len(t, tag, 34)
	assert.Equal(t, byte('"'), tag[0])
	assert.Equal(t, tag, h.StrongETag([]byte("body")))
	assert.NotEqual(t, tag, h.StrongETag([]byte("other")))
}
