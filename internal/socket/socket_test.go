package socket

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetTracksAddAndRemove(t *testing.T) {
	s := NewSet()
	require.Equal(t, 0, s.Len())

	h1 := s.add("tcp-listener")
	h2 := s.add("tcp-flow")
	assert.Equal(t, 2, s.Len())
	assert.NotEqual(t, h1, h2)

	kinds := s.Kinds()
	assert.Equal(t, "tcp-listener", kinds[h1])
	assert.Equal(t, "tcp-flow", kinds[h2])

	s.remove(h1)
	assert.Equal(t, 1, s.Len())
	_, stillThere := s.Kinds()[h1]
	assert.False(t, stillThere)
}

func TestSetHandlesAreUnique(t *testing.T) {
	s := NewSet()
	seen := make(map[Handle]bool)
	for i := 0; i < 100; i++ {
		h := s.add("tcp-flow")
		require.False(t, seen[h], "handle %d reused", h)
		seen[h] = true
	}
	assert.Equal(t, 100, s.Len())
}
