package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContentKey_Deterministic(t *testing.T) {
	a := ContentKey("model_cache:", "hello", "m1", "0.70")
	b := ContentKey("model_cache:", "hello", "m1", "0.70")
	c := ContentKey("model_cache:", "hello", "m1", "0.71")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, len("model_cache:")+64)
}

func TestContentHash_PartBoundaries(t *testing.T) {
	assert.NotEqual(t, ContentHash("ab", "c"), ContentHash("a", "bc"))
	assert.NotEqual(t, ContentHash("a|b"), ContentHash("a", "b"))
	assert.NotEqual(t, ContentHash(""), ContentHash())
}
