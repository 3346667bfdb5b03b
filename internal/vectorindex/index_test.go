package vectorindex

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func randomVec(dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = rand.Float32()
	}
	return v
}

func TestUpsertAndSearchKnnFindsExactMatch(t *testing.T) {
	idx, err := Open(filepath.Join(t.TempDir(), "idx.bin"), 8)
	require.NoError(t, err)

	target := []float32{1, 0, 0, 0, 0, 0, 0, 0}
	require.NoError(t, idx.Upsert("target", target))

	for i := 0; i < 50; i++ {
		require.NoError(t, idx.Upsert(randomVecID(i), randomVec(8)))
	}

	results := idx.SearchKnn(target, 5)
	require.NotEmpty(t, results)
	require.Equal(t, "target", results[0].DocID)
	require.InDelta(t, 0, results[0].Score, 1e-6)
}

func randomVecID(i int) string {
	return "n" + string(rune('a'+i%26)) + string(rune('0'+i/26))
}

func TestUpsertDetectsDimensionOnFirstInsert(t *testing.T) {
	idx, err := Open(filepath.Join(t.TempDir(), "idx.bin"), 0)
	require.NoError(t, err)
	require.Equal(t, 0, idx.Dimension())

	require.NoError(t, idx.Upsert("a", []float32{1, 2, 3}))
	require.Equal(t, 3, idx.Dimension())
}

func TestUpsertMismatchedDimensionTriggersMigration(t *testing.T) {
	idx, err := Open(filepath.Join(t.TempDir(), "idx.bin"), 0)
	require.NoError(t, err)

	require.NoError(t, idx.Upsert("a", []float32{1, 2, 3}))
	require.Equal(t, 1, idx.Count())

	err = idx.Upsert("b", []float32{1, 2, 3, 4})
	require.ErrorIs(t, err, ErrDimensionMigrated)
	require.Equal(t, 4, idx.Dimension())
	require.Equal(t, 0, idx.Count(), "migration must clear the graph")
}

func TestSearchKnnOnEmptyIndexReturnsNilNotError(t *testing.T) {
	idx, err := Open(filepath.Join(t.TempDir(), "idx.bin"), 8)
	require.NoError(t, err)
	require.Nil(t, idx.SearchKnn(randomVec(8), 5))
}

func TestSearchKnnOnDimensionMismatchReturnsEmpty(t *testing.T) {
	idx, err := Open(filepath.Join(t.TempDir(), "idx.bin"), 0)
	require.NoError(t, err)
	require.NoError(t, idx.Upsert("a", []float32{1, 2, 3}))

	require.Nil(t, idx.SearchKnn([]float32{1, 2}, 5))
}

func TestFlushThenOpenRoundTripsTheGraph(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idx.bin")
	idx, err := Open(path, 0)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		require.NoError(t, idx.Upsert(randomVecID(i), randomVec(4)))
	}
	require.NoError(t, idx.Flush())

	reloaded, err := Open(path, 0)
	require.NoError(t, err)
	require.Equal(t, idx.Count(), reloaded.Count())
	require.Equal(t, 4, reloaded.Dimension())
	require.False(t, reloaded.CorruptReset())
}

func TestOpenOnCorruptFileFallsBackToEmptyIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idx.bin")
	require.NoError(t, os.WriteFile(path, []byte("not cbor at all"), 0644))

	idx, err := Open(path, 8)
	require.NoError(t, err)
	require.True(t, idx.CorruptReset())
	require.Equal(t, 0, idx.Count())
}
