package trace

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
)

// File is a decoded trace: a reference to its Prefix plus lazy access to
// its own entry stream. It is backed by either an owned in-memory buffer or
// an open file handle; File.Close releases the handle once every consumer
// has dropped its reference, matching the "destroyed when the last
// analyzer releases it" lifecycle in the specification.
type File struct {
	Prefix *Prefix

	data       []byte
	handle     *os.File
	compressed bool

	refs *atomic.Int32
}

// FromBytes wraps an owned in-memory buffer. The buffer's image table, if
// any, has already been consumed by the caller; File only sees the entry
// stream that follows it.
func FromBytes(prefix *Prefix, data []byte) *File {
	refs := &atomic.Int32{}
	refs.Store(1)

	return &File{Prefix: prefix, data: data, refs: refs}
}

// FromCompressedBytes wraps an owned in-memory buffer whose entry stream
// was written through NewCompressedWriter; Iterate decodes it with the
// matching lz4 reader.
func FromCompressedBytes(prefix *Prefix, data []byte) *File {
	f := FromBytes(prefix, data)
	f.compressed = true

	return f
}

// Open opens a preprocessed trace file at path. The returned File owns the
// handle; callers must eventually call Close (or Retain/Release in pairs).
func Open(prefix *Prefix, path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open trace file %s: %w", path, err)
	}

	refs := &atomic.Int32{}
	refs.Store(1)

	return &File{Prefix: prefix, handle: f, refs: refs}, nil
}

// Retain increments the reference count; each Retain must be paired with a
// Close.
func (f *File) Retain() *File {
	f.refs.Add(1)

	return f
}

// Close releases one reference; the backing file handle, if any, is closed
// only when the last reference is released.
func (f *File) Close() error {
	if f.refs.Add(-1) > 0 {
		return nil
	}

	if f.handle != nil {
		if err := f.handle.Close(); err != nil {
			return fmt.Errorf("close trace file: %w", err)
		}
	}

	return nil
}

// reader returns a fresh byte reader positioned at the start of the entry
// stream, per the Reader contract's "cursor reset" re-read model.
func (f *File) reader() (io.Reader, error) {
	if f.data != nil {
		return bytes.NewReader(f.data), nil
	}

	if _, err := f.handle.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek trace file: %w", err)
	}

	return f.handle, nil
}

// Iterator is a one-shot, lazy cursor over a File's entries. It does not
// outlive the File it was created from.
type Iterator struct {
	rd     *Reader
	allocs *AllocationTable
}

// Iterate returns a fresh Iterator over the File's entry stream, seeded
// with a clone of the prefix's live-allocation table (thread-local per the
// concurrency model — each consumer gets its own copy).
func (f *File) Iterate() (*Iterator, error) {
	r, err := f.reader()
	if err != nil {
		return nil, err
	}

	var allocs *AllocationTable
	if f.Prefix != nil && f.Prefix.Allocations != nil {
		allocs = f.Prefix.Allocations.Clone()
	} else {
		allocs = NewAllocationTable(0)
	}

	rd := NewReader(r)
	if f.compressed {
		rd = NewCompressedReader(r)
	}

	return &Iterator{rd: rd, allocs: allocs}, nil
}

// Next returns the next entry, or io.EOF when exhausted. HeapAllocation and
// HeapFree entries update the iterator's allocation table as a side effect,
// so AllocationTable reflects "every id seen so far" mid-iteration.
func (it *Iterator) Next() (Entry, error) {
	e, err := it.rd.ReadEntry()
	if err != nil {
		return nil, err
	}

	switch v := e.(type) {
	case HeapAllocation:
		it.allocs.observeAllocation(v)
	case HeapFree:
		it.allocs.observeFree(v)
	}

	return e, nil
}

// Allocations returns the allocation table as observed so far in this
// iteration (prefix allocations plus any HeapAllocation/HeapFree entries
// already consumed).
func (it *Iterator) Allocations() *AllocationTable { return it.allocs }

// All drains the iterator into a slice. For tests and small traces.
func (it *Iterator) All() ([]Entry, error) {
	var entries []Entry

	for {
		e, err := it.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return entries, nil
			}

			return entries, err
		}

		entries = append(entries, e)
	}
}

// observeAllocation replays a HeapAllocation entry into the table, keeping
// nextID monotonic with whatever ID stream the entry actually used (the
// entry's ID was assigned by the preprocessor, not by this table).
func (at *AllocationTable) observeAllocation(v HeapAllocation) {
	a := Allocation{ID: v.ID, Address: v.Address, Size: v.Size}
	at.byID[a.ID] = a
	at.liveByAddr[a.Address] = a

	if v.ID >= at.nextID {
		at.nextID = v.ID + 1
	}
}

func (at *AllocationTable) observeFree(v HeapFree) {
	a, ok := at.byID[v.ID]
	if !ok {
		return
	}

	delete(at.liveByAddr, a.Address)
}
