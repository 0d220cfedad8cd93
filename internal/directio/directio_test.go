package directio

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlignedBlock(t *testing.T) {
	t.Parallel()

	for _, n := range []int{1, BlockSize - 1, BlockSize, BlockSize + 1, 3 * BlockSize} {
		block := AlignedBlock(n)
		assert.Len(t, block, Blocks(n)*BlockSize)
		assert.True(t, IsAligned(block), "size %d", n)
	}
	assert.Equal(t, 0, Blocks(0))
	assert.Equal(t, 2, Blocks(BlockSize+1))
}

func TestOpenRoundTrip(t *testing.T) {
	t.Parallel()

	for _, direct := range []bool{false, true} {
		path := filepath.Join(t.TempDir(), "data")
		f, active, err := Open(path, direct)
		require.NoError(t, err)
		if !direct {
			assert.False(t, active)
		}

		block := AlignedBlock(BlockSize)
		copy(block, "payload")
		_, err = f.WriteAt(block, 0)
		require.NoError(t, err)
		require.NoError(t, Datasync(f))

		got := AlignedBlock(BlockSize)
		_, err = f.ReadAt(got, 0)
		require.NoError(t, err)
		assert.Equal(t, "payload", string(got[:7]))
		require.NoError(t, f.Close())
	}
}
