package log

import (
	"github.com/tomlinton/kvs/internal/entry"
	"github.com/tomlinton/kvs/internal/partition"
)

// Iterator streams every (entry, pointer) pair across a fixed snapshot of
// partitions, moving to the next partition's own partition.Iterator once
// the current one is exhausted.
type Iterator struct {
	dirname string
	parts   []partition.LogPartition
	idx     int
	current *partition.Iterator
}

// Next decodes the next entry in the stream, returning ok=false once every
// partition has been cleanly exhausted.
func (it *Iterator) Next() (e entry.Entry, p Pointer, ok bool, err error) {
	for {
		if it.current == nil {
			if it.idx >= len(it.parts) {
				return entry.Entry{}, Pointer{}, false, nil
			}
			part := it.parts[it.idx]
			cur, err := partition.NewIterator(part.FullPath(it.dirname))
			if err != nil {
				return entry.Entry{}, Pointer{}, false, err
			}
			it.current = cur
		}

		part := it.parts[it.idx]
		e, offset, length, ok, err := it.current.Next()
		if err != nil {
			it.current.Close()
			it.current = nil
			return entry.Entry{}, Pointer{}, false, err
		}
		if !ok {
			if err := it.current.Close(); err != nil {
				it.current = nil
				return entry.Entry{}, Pointer{}, false, err
			}
			it.current = nil
			it.idx++
			continue
		}
		return e, Pointer{FileID: part.FileID, Offset: offset, Length: length}, true, nil
	}
}

// Close releases the current partition.Iterator, if one is open. Safe to
// call after Next has already returned ok=false.
func (it *Iterator) Close() error {
	if it.current == nil {
		return nil
	}
	err := it.current.Close()
	it.current = nil
	return err
}
