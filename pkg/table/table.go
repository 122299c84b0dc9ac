// Package table binds a heap file to a B-tree index, enforcing the fixed
// key(k) || value(r) record layout and bulk-building the index from a
// pre-existing heap file the first time the pair is attached.
package table

import (
	"encoding/hex"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"recordstore/pkg/index"
	"recordstore/pkg/storage"
)

var (
	// ErrKeyTooLong is the InvalidInput error for a key wider than keySize.
	ErrKeyTooLong = errors.New("table: key exceeds configured keysize")

	// ErrValueTooLong is the InvalidInput error for a value wider than the
	// configured record (value) size.
	ErrValueTooLong = errors.New("table: value exceeds configured recordsize")
)

// indexSuffix names the sibling index file relative to the heap file path.
const indexSuffix = ".idx"

// config holds the optional parameters a caller may override via Option.
type config struct {
	logger *zap.SugaredLogger
	degree uint32 // 0 means "pick via DefaultDegree"
}

// Option configures optional Table parameters.
type Option func(*config)

// WithLogger supplies a logger for SoftMiss/SoftDup warnings and lifecycle
// debug lines. Defaults to a no-op logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *config) { c.logger = l }
}

// WithDegree pins the B-tree minimum degree used when a new index must be
// created, overriding the DefaultDegree heuristic. Exists primarily so a
// benchmark driver can sweep t directly.
func WithDegree(t uint32) Option {
	return func(c *config) { c.degree = t }
}

// Table binds one heap file to one Index, enforcing the key(k) || value(r)
// record layout over both.
type Table struct {
	hf    *storage.HeapFile
	idx   *index.Index
	key   int
	value int
	log   *zap.SugaredLogger
}

// DefaultDegree picks a minimum degree t from an empirical table keyed off
// the estimated per-slot entry size E = k + 8 + 2*(k+16), aiming for node
// widths that fit common I/O block sizes.
func DefaultDegree(keySize int) uint32 {
	e := keySize + 8 + 2*(keySize+16)
	switch {
	case e <= 128:
		return 32
	case e <= 256:
		return 16
	case e <= 512:
		return 8
	default:
		return 4
	}
}

// Open creates-or-attaches the heap file at path plus its sibling ".idx"
// index file, bulk-building the index from the heap file the first time
// they're paired. recordSize is r (the value width); keySize is k.
func Open(path string, recordSize, keySize int, opts ...Option) (*Table, error) {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}
	return open(path, recordSize, keySize, cfg)
}

func open(path string, recordSize, keySize int, cfg *config) (*Table, error) {
	log := cfg.logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	hf, err := storage.Open(path, keySize+recordSize)
	if err != nil {
		return nil, err
	}

	idxPath := path + indexSuffix
	idxExists := fileExists(idxPath)

	var idx *index.Index
	if idxExists {
		idx, err = index.Open(idxPath, index.Options{Logger: log})
		if err != nil {
			_ = hf.Close()
			return nil, err
		}
	} else {
		t := cfg.degree
		if t == 0 {
			t = DefaultDegree(keySize)
		}
		idx, err = index.Create(idxPath, t, uint16(keySize), index.Options{Logger: log})
		if err != nil {
			_ = hf.Close()
			return nil, err
		}
		if err := bulkBuild(hf, idx, keySize, log); err != nil {
			_ = idx.Close()
			_ = hf.Close()
			return nil, err
		}
	}

	return &Table{hf: hf, idx: idx, key: keySize, value: recordSize, log: log}, nil
}

// bulkBuild scans the heap file at record-size strides, inserting each
// key/offset pair into a freshly created index, then logs a debug line with
// the record and node counts.
func bulkBuild(hf *storage.HeapFile, idx *index.Index, keySize int, log *zap.SugaredLogger) error {
	records := 0
	err := hf.Scan(func(offset int64, rec []byte) (bool, error) {
		key, err := hf.ReadKeyAt(offset, keySize)
		if err != nil {
			return false, err
		}
		if err := idx.Insert(key, uint64(offset)); err != nil {
			return false, err
		}
		records++
		return true, nil
	})
	if err != nil {
		return err
	}
	stats, err := idx.Stats()
	if err != nil {
		return err
	}
	log.Debugw("bulk build complete", "records", records, "nodes", stats.NodeCount)
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Close releases both the heap file and index file handles.
func (t *Table) Close() error {
	idxErr := t.idx.Close()
	hfErr := t.hf.Close()
	if idxErr != nil {
		return idxErr
	}
	return hfErr
}

// RecordCount returns the number of records currently stored in the heap.
func (t *Table) RecordCount() (int64, error) {
	return t.hf.RecordCount()
}

// KeySize returns the configured key width k.
func (t *Table) KeySize() int { return t.key }

// ValueSize returns the configured value width r.
func (t *Table) ValueSize() int { return t.value }

// AddRecord appends (key, value) as a new record and indexes it. A key
// already present in the index is a soft no-op (logged, not erred); the
// heap file is never touched on a duplicate.
func (t *Table) AddRecord(key, value []byte) error {
	if len(key) > t.key {
		return ErrKeyTooLong
	}
	if len(value) > t.value {
		return ErrValueTooLong
	}

	_, found, err := t.idx.Search(key)
	if err != nil {
		return err
	}
	if found {
		t.log.Warnw("add_record: duplicate key ignored", "key", hexKey(key))
		return nil
	}

	rec := make([]byte, t.key+t.value)
	copy(rec, key)
	copy(rec[t.key:], value)

	offset, err := t.hf.Append(rec)
	if err != nil {
		return err
	}
	return t.idx.Insert(key, uint64(offset))
}

// UpdateRecord overwrites the value portion of an existing record, leaving
// its key bytes untouched. Updating an absent key is a soft no-op: it is
// logged at Warn rather than returned as an error.
func (t *Table) UpdateRecord(key, newValue []byte) error {
	if len(key) > t.key {
		return ErrKeyTooLong
	}
	if len(newValue) > t.value {
		return ErrValueTooLong
	}

	offset, found, err := t.idx.Search(key)
	if err != nil {
		return err
	}
	if !found {
		t.log.Warnw("update_record: key not found", "key", hexKey(key))
		return nil
	}

	padded := make([]byte, t.value)
	copy(padded, newValue)
	return t.hf.WriteValueAt(int64(offset), t.key, padded)
}

// SearchRecord returns the raw, zero-padded value bytes stored for key, or
// (nil, false, nil) on a miss.
func (t *Table) SearchRecord(key []byte) ([]byte, bool, error) {
	offset, found, err := t.idx.Search(key)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	rec, err := t.hf.ReadAt(int64(offset))
	if err != nil {
		return nil, false, err
	}
	return rec[t.key:], true, nil
}

// ListRecords performs an in-order index traversal, yielding (key, value)
// pairs fetched from the heap file in sorted key order.
func (t *Table) ListRecords(visit func(key, value []byte) error) error {
	return t.idx.TraverseInorder(func(key []byte, offset uint64) error {
		rec, err := t.hf.ReadAt(int64(offset))
		if err != nil {
			return err
		}
		return visit(key, rec[t.key:])
	})
}

func hexKey(key []byte) string {
	return hex.EncodeToString(key)
}
