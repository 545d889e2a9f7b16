package sha256

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasherHashDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	got := h.Hash([]byte("hello world"))
	require.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", got)
	require.Equal(t, got, h.Hash([]byte("hello world")))
}

func TestDedupeKeyScopesByOwner(t *testing.T) {
	t.Parallel()

	h := New()
	assert.Equal(t, h.DedupeKey("user-1", "post-9"), h.DedupeKey("user-1", "post-9"))
	assert.NotEqual(t, h.DedupeKey("user-1", "post-9"), h.DedupeKey("user-2", "post-9"))
	// The separator keeps ("ab","c") and ("a","bc") apart.
	assert.NotEqual(t, h.DedupeKey("ab", "c"), h.DedupeKey("a", "bc"))
}

func TestDedupeKeysDropsRepeats(t *testing.T) {
	t.Parallel()

	h := New()
	keys := h.DedupeKeys("user-1", []string{"p1", "p2", "p1"})
	require.Len(t, keys, 2)
	assert.Equal(t, h.DedupeKey("user-1", "p1"), keys[0])
	assert.Equal(t, h.DedupeKey("user-1", "p2"), keys[1])
	assert.Nil(t, h.DedupeKeys("user-1", nil))
}
