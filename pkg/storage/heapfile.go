// Package storage implements the heap file: an append-only sequence of
// fixed-width records, each laid out as key(k) || value(r) with zero-byte
// padding for short payloads. There is no page header, no checksum, and no
// delete path — records are addressed purely by their byte offset, and a
// record's offset is always a multiple of the record width for records
// appended through this package.
package storage

import (
	"os"

	"github.com/pkg/errors"
)

// HeapFile is a flat file of fixed-width records, each recordSize bytes wide.
type HeapFile struct {
	f          *os.File
	recordSize int
}

// Open creates (if absent) or attaches to the heap file at path.
func Open(path string, recordSize int) (*HeapFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o666)
	if err != nil {
		return nil, errors.Wrapf(err, "storage: open %s", path)
	}
	return &HeapFile{f: f, recordSize: recordSize}, nil
}

// Close releases the underlying file handle.
func (hf *HeapFile) Close() error {
	return hf.f.Close()
}

// RecordSize returns the fixed record width (key width + value width).
func (hf *HeapFile) RecordSize() int { return hf.recordSize }

// RecordCount returns the number of whole records currently stored, derived
// from file length rather than tracked incrementally.
func (hf *HeapFile) RecordCount() (int64, error) {
	st, err := hf.f.Stat()
	if err != nil {
		return 0, errors.Wrap(err, "storage: stat")
	}
	return st.Size() / int64(hf.recordSize), nil
}

// Append writes rec (expected to already be recordSize bytes, key||value,
// zero-padded by the caller) at the current end of file and returns its
// data offset.
func (hf *HeapFile) Append(rec []byte) (int64, error) {
	if len(rec) != hf.recordSize {
		return 0, errors.Errorf("storage: record is %d bytes, want %d", len(rec), hf.recordSize)
	}
	st, err := hf.f.Stat()
	if err != nil {
		return 0, errors.Wrap(err, "storage: stat")
	}
	offset := st.Size()
	if _, err := hf.f.WriteAt(rec, offset); err != nil {
		return 0, errors.Wrapf(err, "storage: append at offset %d", offset)
	}
	if err := hf.f.Sync(); err != nil {
		return 0, errors.Wrap(err, "storage: sync")
	}
	return offset, nil
}

// ReadAt returns a copy of the full recordSize-byte record at offset.
func (hf *HeapFile) ReadAt(offset int64) ([]byte, error) {
	buf := make([]byte, hf.recordSize)
	if _, err := hf.f.ReadAt(buf, offset); err != nil {
		return nil, errors.Wrapf(err, "storage: read at offset %d", offset)
	}
	return buf, nil
}

// ReadKeyAt returns just the keySize-byte key prefix of the record at
// offset, used by the bulk-build scan to recover each record's key.
func (hf *HeapFile) ReadKeyAt(offset int64, keySize int) ([]byte, error) {
	buf := make([]byte, keySize)
	if _, err := hf.f.ReadAt(buf, offset); err != nil {
		return nil, errors.Wrapf(err, "storage: read key at offset %d", offset)
	}
	return buf, nil
}

// WriteValueAt overwrites the value portion of the record at offset,
// starting valueOffset bytes in (the key width). The key bytes themselves
// are never touched by this call.
func (hf *HeapFile) WriteValueAt(offset int64, valueOffset int, value []byte) error {
	if _, err := hf.f.WriteAt(value, offset+int64(valueOffset)); err != nil {
		return errors.Wrapf(err, "storage: write value at offset %d", offset+int64(valueOffset))
	}
	return hf.f.Sync()
}

// Scan visits every whole record in file order, offset by offset, stopping
// early if visit returns false. Used for bulk-building the index from a
// pre-existing heap file.
func (hf *HeapFile) Scan(visit func(offset int64, rec []byte) (bool, error)) error {
	count, err := hf.RecordCount()
	if err != nil {
		return err
	}
	for i := int64(0); i < count; i++ {
		offset := i * int64(hf.recordSize)
		rec, err := hf.ReadAt(offset)
		if err != nil {
			return err
		}
		cont, err := visit(offset, rec)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}
