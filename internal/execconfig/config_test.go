package execconfig

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeightIndexPicksPredecessor(t *testing.T) {
	idx := NewHeightIndex(map[uint64]MutableConfig{
		0:   {AutorunSCLimit: 100},
		100: {AutorunSCLimit: 200},
		250: {AutorunSCLimit: 300},
	})

	cfg, ok := idx.At(50)
	require.True(t, ok)
	require.EqualValues(t, 100, cfg.AutorunSCLimit)

	cfg, ok = idx.At(100)
	require.True(t, ok)
	require.EqualValues(t, 200, cfg.AutorunSCLimit)

	cfg, ok = idx.At(999)
	require.True(t, ok)
	require.EqualValues(t, 300, cfg.AutorunSCLimit)
}

func TestHeightIndexBeforeFirstEntry(t *testing.T) {
	idx := NewHeightIndex(map[uint64]MutableConfig{10: {}})
	_, ok := idx.At(5)
	require.False(t, ok)
}
