package idutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGeneratorFirstID(t *testing.T) {
	g := NewGenerator(0x12, time.Unix(0, 0).Add(0x3456*time.Millisecond))
	require.Equal(t, uint64(0x12000000345601), g.Next())
}

func TestGeneratorMonotonic(t *testing.T) {
	g := NewGenerator(0x12, time.Unix(0, 0).Add(0x3456*time.Millisecond))
	first := uint64(0x12000000345601)
	for i := 0; i < 1000; i++ {
		require.Equal(t, first+uint64(i), g.Next())
	}
}

func TestGeneratorUniqueAcrossNodesAndRestarts(t *testing.T) {
	g := NewGenerator(0, time.Time{})
	id := g.Next()

	restarted := NewGenerator(0, time.Now())
	require.NotEqual(t, id, restarted.Next())

	other := NewGenerator(1, time.Now())
	require.NotEqual(t, id, other.Next())
}
