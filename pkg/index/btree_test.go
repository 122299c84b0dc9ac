package index

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTree(t *testing.T, degree uint32, keySize uint16) *Index {
	t.Helper()
	dir := t.TempDir()
	fp := filepath.Join(dir, "idx.bin")
	idx, err := Create(fp, degree, keySize, Options{})
	require.NoError(t, err)
	return idx
}

func keyOf(i int, width int) []byte {
	s := fmt.Sprintf("%0*d", width, i)
	return []byte(s)
}

func TestCreateRejectsSmallDegree(t *testing.T) {
	dir := t.TempDir()
	_, err := Create(filepath.Join(dir, "idx.bin"), 1, 8, Options{})
	require.ErrorIs(t, err, ErrDegreeTooSmall)
}

func TestInsertAndSearch_Sequential(t *testing.T) {
	idx := openTree(t, 4, 8)
	defer idx.Close()

	const n = 2000
	for i := 0; i < n; i++ {
		require.NoError(t, idx.Insert(keyOf(i, 8), uint64(i*31)))
	}
	for i := 0; i < n; i++ {
		v, ok, err := idx.Search(keyOf(i, 8))
		require.NoError(t, err)
		require.True(t, ok, "missing key %d", i)
		require.Equal(t, uint64(i*31), v)
	}

	_, ok, err := idx.Search([]byte("99999999"))
	require.NoError(t, err)
	require.False(t, ok)
}

// TestRootSplitPromotion covers a degree-2 tree fed A..E in order: the root
// must split by the 4th or 5th insert, and search/order must stay correct
// across the split.
func TestRootSplitPromotion(t *testing.T) {
	idx := openTree(t, 2, 1)
	defer idx.Close()

	keys := []string{"A", "B", "C", "D", "E"}
	for i, k := range keys {
		require.NoError(t, idx.Insert([]byte(k), uint64(i+1)))
	}

	height, err := idx.Height()
	require.NoError(t, err)
	require.Greater(t, height, 1, "root should have split by now")

	v, ok, err := idx.Search([]byte("C"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(3), v)

	var order []string
	require.NoError(t, idx.TraverseInorder(func(key []byte, value uint64) error {
		order = append(order, string(key))
		return nil
	}))
	require.Equal(t, keys, order)
}

func TestTraverseInorderIsSorted(t *testing.T) {
	idx := openTree(t, 3, 8)
	defer idx.Close()

	const n = 5000
	for i := n - 1; i >= 0; i-- {
		require.NoError(t, idx.Insert(keyOf(i, 8), uint64(i)))
	}

	var prev []byte
	count := 0
	require.NoError(t, idx.TraverseInorder(func(key []byte, value uint64) error {
		if prev != nil {
			require.True(t, lessKey(prev, key) || bytesEqual(prev, key), "out of order: %q then %q", prev, key)
		}
		prev = append([]byte(nil), key...)
		count++
		return nil
	}))
	require.Equal(t, n, count)
}

func TestTraverseInorderAbortsOnVisitError(t *testing.T) {
	idx := openTree(t, 2, 8)
	defer idx.Close()

	for i := 0; i < 50; i++ {
		require.NoError(t, idx.Insert(keyOf(i, 8), uint64(i)))
	}

	boom := fmt.Errorf("stop")
	visited := 0
	err := idx.TraverseInorder(func(key []byte, value uint64) error {
		visited++
		if visited == 3 {
			return boom
		}
		return nil
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 3, visited)
}

// TestNodeCapacity asserts that no persisted node ever exceeds 2t-1 keys
// across repeated splits, by walking every node reachable from the root, and
// that Stats still counts every inserted key.
func TestNodeCapacity(t *testing.T) {
	idx := openTree(t, 2, 8)
	defer idx.Close()

	const n = 500
	for i := 0; i < n; i++ {
		require.NoError(t, idx.Insert(keyOf(i, 8), uint64(i)))
	}
	stats, err := idx.Stats()
	require.NoError(t, err)
	require.Equal(t, n, stats.KeyCount)
	require.Greater(t, stats.NodeCount, 1)

	var check func(offset int64)
	check = func(offset int64) {
		nd, err := idx.readNode(offset)
		require.NoError(t, err)
		require.LessOrEqual(t, int(nd.n), idx.maxKeys())
		for i := 0; i <= int(nd.n); i++ {
			if nd.children[i] != absent {
				check(nd.children[i])
			}
		}
	}
	check(idx.rootOffset)
}

// TestDegreeVariationProducesSameOrder replays the same insertion sequence
// against several minimum degrees and checks the in-order traversal is
// identical regardless of t.
func TestDegreeVariationProducesSameOrder(t *testing.T) {
	const n = 800
	keys := make([][]byte, n)
	for i := 0; i < n; i++ {
		keys[i] = keyOf((i*37+11)%n, 8)
	}

	var want []string
	for _, degree := range []uint32{2, 4, 8, 16, 32} {
		idx := openTree(t, degree, 8)
		for i, k := range keys {
			require.NoError(t, idx.Insert(k, uint64(i)))
		}
		var got []string
		require.NoError(t, idx.TraverseInorder(func(key []byte, value uint64) error {
			got = append(got, string(key))
			return nil
		}))
		idx.Close()

		if want == nil {
			want = got
		} else {
			require.Equal(t, want, got, "degree %d produced a different order", degree)
		}
	}
}

func TestPaddingSemantics(t *testing.T) {
	idx := openTree(t, 4, 7)
	defer idx.Close()

	require.NoError(t, idx.Insert([]byte("abc"), 42))

	v, ok, err := idx.Search([]byte("abc"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(42), v)

	v, ok, err = idx.Search([]byte("abc\x00"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(42), v)
}

func TestDuplicateKeysCoexistInTree(t *testing.T) {
	idx := openTree(t, 2, 4)
	defer idx.Close()

	require.NoError(t, idx.Insert([]byte("K"), 1))
	require.NoError(t, idx.Insert([]byte("K"), 2))

	// The Index itself makes no uniqueness promise; deduplication is the
	// Table layer's job. Search returns whichever duplicate the binary
	// search lands on first.
	_, ok, err := idx.Search([]byte("K"))
	require.NoError(t, err)
	require.True(t, ok)

	count := 0
	require.NoError(t, idx.TraverseInorder(func(key []byte, value uint64) error {
		count++
		return nil
	}))
	require.Equal(t, 2, count)
}

func TestOpenReopensExistingTree(t *testing.T) {
	dir := t.TempDir()
	fp := filepath.Join(dir, "idx.bin")

	idx, err := Create(fp, 4, 8, Options{})
	require.NoError(t, err)
	for i := 0; i < 300; i++ {
		require.NoError(t, idx.Insert(keyOf(i, 8), uint64(i)))
	}
	require.NoError(t, idx.Close())

	reopened, err := Open(fp, Options{})
	require.NoError(t, err)
	defer reopened.Close()

	for i := 0; i < 300; i++ {
		v, ok, err := reopened.Search(keyOf(i, 8))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, uint64(i), v)
	}
}

func BenchmarkInsert(b *testing.B) {
	dir := b.TempDir()
	idx, err := Create(filepath.Join(dir, "idx.bin"), 32, 8, Options{})
	require.NoError(b, err)
	defer idx.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = idx.Insert(keyOf(i, 8), uint64(i))
	}
}

func BenchmarkSearch(b *testing.B) {
	dir := b.TempDir()
	idx, err := Create(filepath.Join(dir, "idx.bin"), 32, 8, Options{})
	require.NoError(b, err)
	defer idx.Close()

	const n = 100000
	for i := 0; i < n; i++ {
		_ = idx.Insert(keyOf(i, 8), uint64(i))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _, _ = idx.Search(keyOf(i%n, 8))
	}
}
