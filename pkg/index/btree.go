// Package index implements the on-disk B-tree that maps fixed-width keys to
// byte offsets into a companion heap file. Nodes live at arbitrary offsets in
// a single index file; every inter-node reference is an absolute file offset,
// and the tree is walked with one random-access read per node.
//
// The algorithms follow the classic CLRS top-down, pre-splitting insert: a
// full node is split on the way down so a single downward pass never needs to
// report "this subtree became full" back up to its caller.
package index

import (
	"encoding/binary"
	"os"
	"sort"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	// headerSize is the fixed 14-byte prefix: t(4) || root_offset(8) || keysize(2).
	headerSize = 14

	// keyValueSize is the per-slot overhead beyond the key bytes: an 8-byte
	// little-endian data offset into the heap file.
	keyValueSize = 8

	// childSize is the width of one child slot: an 8-byte signed file offset,
	// or -1 when the slot is absent.
	childSize = 8

	// absent marks an empty child slot.
	absent int64 = -1
)

var (
	// ErrNotFound is returned by callers that want search misses surfaced as
	// an error; Search itself returns (0, false, nil) on a miss, matching the
	// spec's Option<u64> return. Kept for callers that prefer the error form.
	ErrNotFound = errors.New("index: key not found")

	// ErrDegreeTooSmall is returned by Create when t < 2; a degree of 1 would
	// allow zero-key non-root nodes, which breaks the minimum-occupancy
	// invariant every other node in the tree must satisfy.
	ErrDegreeTooSmall = errors.New("index: minimum degree must be >= 2")

	// errKeyTooLong signals a key wider than the configured keysize.
	// Bounds-checking on caller-supplied input belongs to the Table layer;
	// this stays unexported because a correctly used Index never trips it —
	// Table rejects oversize keys before calling Insert.
	errKeyTooLong = errors.New("index: key exceeds configured keysize")
)

// Options configures an Index beyond the required (t, keysize) pair.
type Options struct {
	// Logger receives debug lines for index creation and root splits. A nil
	// Logger defaults to a no-op logger so the package is silent unless a
	// caller opts in.
	Logger *zap.SugaredLogger
}

func (o Options) logger() *zap.SugaredLogger {
	if o.Logger != nil {
		return o.Logger
	}
	return zap.NewNop().Sugar()
}

// Index is a file-backed B-tree of minimum degree t over k-byte keys.
type Index struct {
	f          *os.File
	t          uint32
	keySize    uint16
	rootOffset int64
	log        *zap.SugaredLogger
}

// node is the in-memory decoding of one on-disk B-tree node.
type node struct {
	n        uint32
	keys     [][]byte
	values   []uint64
	children []int64
}

// maxKeys returns 2t-1, the slot capacity (and overflow threshold) of a node.
func (idx *Index) maxKeys() int { return int(2*idx.t - 1) }

// maxChildren returns 2t, the child slot capacity of a node.
func (idx *Index) maxChildren() int { return int(2 * idx.t) }

// nodeSize returns the exact on-disk byte width of a node for this tree:
// 4 + (2t-1)*(k+8) + 2t*8.
func (idx *Index) nodeSize() int64 {
	k := int64(idx.keySize)
	t := int64(idx.t)
	return 4 + (2*t-1)*(k+keyValueSize) + 2*t*childSize
}

// Create initializes a new index file at path: a zero-filled header, an
// empty root node, then a header rewrite pointing root_offset at that node.
func Create(path string, t uint32, keySize uint16, opts Options) (*Index, error) {
	if t < 2 {
		return nil, ErrDegreeTooSmall
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o666)
	if err != nil {
		return nil, errors.Wrapf(err, "index: create %s", path)
	}
	idx := &Index{f: f, t: t, keySize: keySize, log: opts.logger()}

	if _, err := f.WriteAt(make([]byte, headerSize), 0); err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "index: write zero header")
	}
	rootOffset, err := idx.appendEmptyNode()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	idx.rootOffset = rootOffset
	if err := idx.writeHeader(); err != nil {
		_ = f.Close()
		return nil, err
	}
	idx.log.Debugw("index created", "path", path, "t", t, "keysize", keySize, "root_offset", rootOffset)
	return idx, nil
}

// Open attaches to an existing index file, reading its 14-byte header. It
// does not validate node structure beyond that initial read.
func Open(path string, opts Options) (*Index, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o666)
	if err != nil {
		return nil, errors.Wrapf(err, "index: open %s", path)
	}
	idx := &Index{f: f, log: opts.logger()}
	if err := idx.readHeader(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return idx, nil
}

// Close releases the underlying file handle.
func (idx *Index) Close() error {
	return idx.f.Close()
}

// KeySize returns the configured key width in bytes.
func (idx *Index) KeySize() uint16 { return idx.keySize }

// Degree returns the tree's minimum degree t.
func (idx *Index) Degree() uint32 { return idx.t }

func (idx *Index) readHeader() error {
	buf := make([]byte, headerSize)
	if _, err := idx.f.ReadAt(buf, 0); err != nil {
		return errors.Wrap(err, "index: read header")
	}
	idx.t = binary.LittleEndian.Uint32(buf[0:4])
	idx.rootOffset = int64(binary.LittleEndian.Uint64(buf[4:12]))
	idx.keySize = binary.LittleEndian.Uint16(buf[12:14])
	return nil
}

func (idx *Index) writeHeader() error {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(buf[0:4], idx.t)
	binary.LittleEndian.PutUint64(buf[4:12], uint64(idx.rootOffset))
	binary.LittleEndian.PutUint16(buf[12:14], idx.keySize)
	if _, err := idx.f.WriteAt(buf, 0); err != nil {
		return errors.Wrap(err, "index: write header")
	}
	return nil
}

// padKey right-pads key with zero bytes to keySize; it errors if key is
// already wider than keySize (a precondition violation by the caller).
func (idx *Index) padKey(key []byte) ([]byte, error) {
	if len(key) > int(idx.keySize) {
		return nil, errKeyTooLong
	}
	out := make([]byte, idx.keySize)
	copy(out, key)
	return out, nil
}

// emptyNode returns a zero-key node with every child slot set to absent.
func (idx *Index) emptyNode() node {
	children := make([]int64, idx.maxChildren())
	for i := range children {
		children[i] = absent
	}
	return node{
		keys:     make([][]byte, idx.maxKeys()),
		values:   make([]uint64, idx.maxKeys()),
		children: children,
	}
}

// appendNode writes n at the current end of file and returns its offset.
// Nodes are never freed, only ever appended or mutated in place at their
// original offset.
func (idx *Index) appendNode(n node) (int64, error) {
	st, err := idx.f.Stat()
	if err != nil {
		return 0, errors.Wrap(err, "index: stat")
	}
	offset := st.Size()
	if err := idx.writeNode(offset, n); err != nil {
		return 0, err
	}
	return offset, nil
}

// appendEmptyNode appends a fresh, all-absent-children empty node.
func (idx *Index) appendEmptyNode() (int64, error) {
	return idx.appendNode(idx.emptyNode())
}

func (idx *Index) readNode(offset int64) (node, error) {
	buf := make([]byte, idx.nodeSize())
	if _, err := idx.f.ReadAt(buf, offset); err != nil {
		return node{}, errors.Wrapf(err, "index: read node at offset %d", offset)
	}
	n := node{
		n:        binary.LittleEndian.Uint32(buf[0:4]),
		keys:     make([][]byte, idx.maxKeys()),
		values:   make([]uint64, idx.maxKeys()),
		children: make([]int64, idx.maxChildren()),
	}
	pos := 4
	k := int(idx.keySize)
	for i := 0; i < idx.maxKeys(); i++ {
		key := make([]byte, k)
		copy(key, buf[pos:pos+k])
		n.keys[i] = key
		n.values[i] = binary.LittleEndian.Uint64(buf[pos+k : pos+k+keyValueSize])
		pos += k + keyValueSize
	}
	for i := 0; i < idx.maxChildren(); i++ {
		n.children[i] = int64(binary.LittleEndian.Uint64(buf[pos : pos+childSize]))
		pos += childSize
	}
	return n, nil
}

func (idx *Index) writeNode(offset int64, n node) error {
	buf := make([]byte, idx.nodeSize())
	binary.LittleEndian.PutUint32(buf[0:4], n.n)
	pos := 4
	k := int(idx.keySize)
	for i := 0; i < idx.maxKeys(); i++ {
		if i < len(n.keys) && n.keys[i] != nil {
			copy(buf[pos:pos+k], n.keys[i])
			binary.LittleEndian.PutUint64(buf[pos+k:pos+k+keyValueSize], n.values[i])
		}
		pos += k + keyValueSize
	}
	for i := 0; i < idx.maxChildren(); i++ {
		c := absent
		if i < len(n.children) {
			c = n.children[i]
		}
		binary.LittleEndian.PutUint64(buf[pos:pos+childSize], uint64(c))
		pos += childSize
	}
	if _, err := idx.f.WriteAt(buf, offset); err != nil {
		return errors.Wrapf(err, "index: write node at offset %d", offset)
	}
	return nil
}

// isLeaf reports whether a node is a leaf: no explicit flag, just the
// absence of a child in slot 0.
func isLeaf(n node) bool { return n.children[0] == absent }

// Insert adds padded_key -> value to the tree, pre-splitting full nodes on
// the way down so a single downward pass never needs to bubble a split back
// up to its caller.
func (idx *Index) Insert(key []byte, value uint64) error {
	padded, err := idx.padKey(key)
	if err != nil {
		return err
	}

	root, err := idx.readNode(idx.rootOffset)
	if err != nil {
		return err
	}

	if int(root.n) == idx.maxKeys() {
		newRootOffset, err := idx.appendEmptyNode()
		if err != nil {
			return err
		}
		newRoot := idx.emptyNode()
		newRoot.children[0] = idx.rootOffset
		oldRoot := idx.rootOffset
		if err := idx.splitChild(&newRoot, 0, idx.rootOffset); err != nil {
			return err
		}
		if err := idx.writeNode(newRootOffset, newRoot); err != nil {
			return err
		}
		idx.rootOffset = newRootOffset
		if err := idx.writeHeader(); err != nil {
			return err
		}
		idx.log.Debugw("root split", "old_root", oldRoot, "new_root", newRootOffset)
	}

	return idx.insertNonFull(idx.rootOffset, padded, value)
}

// splitChild splits the full child y at position i of parent into y (keeping
// the lower t-1 keys) and a freshly appended sibling z (taking the upper
// t-1 keys), promoting the median key/value into parent.keys[i]/values[i]
// and wiring parent.children[i+1] to z.
func (idx *Index) splitChild(parent *node, i int, yOffset int64) error {
	t := int(idx.t)
	y, err := idx.readNode(yOffset)
	if err != nil {
		return err
	}

	z := idx.emptyNode()
	z.n = uint32(t - 1)
	copy(z.keys[:t-1], y.keys[t:2*t-1])
	copy(z.values[:t-1], y.values[t:2*t-1])
	leaf := isLeaf(y)
	if !leaf {
		copy(z.children[:t], y.children[t:2*t])
	}

	midKey := y.keys[t-1]
	midValue := y.values[t-1]

	zOffset, err := idx.appendNode(z)
	if err != nil {
		return err
	}

	// Shrink y to its lower t-1 keys/values and (if internal) t children;
	// unused slots must read back as zero/-1 on the next decode.
	for j := t - 1; j < 2*t-1; j++ {
		y.keys[j] = make([]byte, idx.keySize)
		y.values[j] = 0
	}
	if !leaf {
		for j := t; j < 2*t; j++ {
			y.children[j] = absent
		}
	}
	y.n = uint32(t - 1)
	if err := idx.writeNode(yOffset, y); err != nil {
		return err
	}

	// Shift parent.keys[i:] right by one and insert the promoted entry.
	for j := int(parent.n); j > i; j-- {
		parent.keys[j] = parent.keys[j-1]
		parent.values[j] = parent.values[j-1]
	}
	for j := int(parent.n) + 1; j > i+1; j-- {
		parent.children[j] = parent.children[j-1]
	}
	parent.keys[i] = midKey
	parent.values[i] = midValue
	parent.children[i+1] = zOffset
	parent.n++

	return nil
}

// insertNonFull recurses down from nodeOffset, splitting full children on
// the way down, until it lands on a leaf with room for key/value.
func (idx *Index) insertNonFull(nodeOffset int64, key []byte, value uint64) error {
	n, err := idx.readNode(nodeOffset)
	if err != nil {
		return err
	}

	if isLeaf(n) {
		i := int(n.n) - 1
		for i >= 0 && lessKey(key, n.keys[i]) {
			i--
		}
		insertAt := i + 1
		for j := int(n.n); j > insertAt; j-- {
			n.keys[j] = n.keys[j-1]
			n.values[j] = n.values[j-1]
		}
		n.keys[insertAt] = key
		n.values[insertAt] = value
		n.n++
		return idx.writeNode(nodeOffset, n)
	}

	i := int(n.n) - 1
	for i >= 0 && lessKey(key, n.keys[i]) {
		i--
	}
	i++

	childOffset := n.children[i]
	child, err := idx.readNode(childOffset)
	if err != nil {
		return err
	}
	if int(child.n) == idx.maxKeys() {
		if err := idx.splitChild(&n, i, childOffset); err != nil {
			return err
		}
		if bytesGreater(key, n.keys[i]) {
			i++
		}
		if err := idx.writeNode(nodeOffset, n); err != nil {
			return err
		}
	}
	return idx.insertNonFull(n.children[i], key, value)
}

// Search right-pads key to keysize, then descends from the root performing a
// binary search for an exact match in each node. Returns (0, false, nil) on
// a clean miss.
func (idx *Index) Search(key []byte) (uint64, bool, error) {
	padded, err := idx.padKey(key)
	if err != nil {
		return 0, false, err
	}

	offset := idx.rootOffset
	for {
		n, err := idx.readNode(offset)
		if err != nil {
			return 0, false, err
		}
		keys := n.keys[:n.n]
		low := sort.Search(len(keys), func(i int) bool { return !lessKey(keys[i], padded) })
		if low < len(keys) && bytesEqual(keys[low], padded) {
			return n.values[low], true, nil
		}
		if isLeaf(n) {
			return 0, false, nil
		}
		offset = n.children[low]
	}
}

// TraverseInorder walks the tree in key order, invoking visit(key, value)
// for every entry. visit may return an error to abort the traversal early.
func (idx *Index) TraverseInorder(visit func(key []byte, value uint64) error) error {
	return idx.traverse(idx.rootOffset, visit)
}

func (idx *Index) traverse(offset int64, visit func(key []byte, value uint64) error) error {
	n, err := idx.readNode(offset)
	if err != nil {
		return err
	}
	for i := 0; i < int(n.n); i++ {
		if n.children[i] != absent {
			if err := idx.traverse(n.children[i], visit); err != nil {
				return err
			}
		}
		if err := visit(n.keys[i], n.values[i]); err != nil {
			return err
		}
	}
	if n.children[n.n] != absent {
		if err := idx.traverse(n.children[n.n], visit); err != nil {
			return err
		}
	}
	return nil
}

// IndexStats summarizes a tree shape for diagnostics; never consulted by
// Insert or Search.
type IndexStats struct {
	NodeCount int
	KeyCount  int
	Height    int
}

// Stats gathers node/key counts and height in a single traversal.
func (idx *Index) Stats() (IndexStats, error) {
	var stats IndexStats
	var walk func(offset int64, depth int) error
	walk = func(offset int64, depth int) error {
		n, err := idx.readNode(offset)
		if err != nil {
			return err
		}
		stats.NodeCount++
		stats.KeyCount += int(n.n)
		if depth+1 > stats.Height {
			stats.Height = depth + 1
		}
		for i := 0; i <= int(n.n); i++ {
			if n.children[i] != absent {
				if err := walk(n.children[i], depth+1); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk(idx.rootOffset, 0); err != nil {
		return IndexStats{}, err
	}
	return stats, nil
}

// Height returns the tree height by following children[0] from the root.
func (idx *Index) Height() (int, error) {
	height := 0
	offset := idx.rootOffset
	for {
		n, err := idx.readNode(offset)
		if err != nil {
			return 0, err
		}
		height++
		if n.children[0] == absent {
			return height, nil
		}
		offset = n.children[0]
	}
}

func lessKey(a, b []byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func bytesGreater(a, b []byte) bool { return lessKey(b, a) }

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
