package partition

import (
	"encoding/json"
	"errors"
	"io"
	"os"

	"github.com/tomlinton/kvs/internal/entry"
	"github.com/tomlinton/kvs/internal/kvserr"
)

// Iterator streams entries out of one partition file in order, reporting
// the byte offset and encoded length of each entry so callers can build a
// Pointer to it.
type Iterator struct {
	f   *os.File
	dec *json.Decoder
}

// NewIterator opens path for reading and returns an Iterator positioned at
// its first entry. The caller must call Close when done.
func NewIterator(path string) (*Iterator, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, kvserr.Io("partition.NewIterator", err)
	}
	return &Iterator{f: f, dec: json.NewDecoder(f)}, nil
}

// Next decodes the next entry, returning its value, the byte offset at
// which it began, its encoded length, and ok=false once the stream is
// cleanly exhausted. A truncated trailing entry (a partial write left by a
// crash) is reported as ok=false, err=nil rather than as a decode error, so
// replay can stop cleanly instead of failing the whole store.
func (it *Iterator) Next() (e entry.Entry, offset int64, length int64, ok bool, err error) {
	offset = it.dec.InputOffset()
	decErr := it.dec.Decode(&e)
	if decErr == nil {
		length = it.dec.InputOffset() - offset
		return e, offset, length, true, nil
	}
	if errors.Is(decErr, io.EOF) {
		return entry.Entry{}, 0, 0, false, nil
	}
	if errors.Is(decErr, io.ErrUnexpectedEOF) {
		return entry.Entry{}, 0, 0, false, nil
	}
	return entry.Entry{}, 0, 0, false, kvserr.Serde("partition.Iterator.Next", decErr)
}

func (it *Iterator) Close() error {
	if err := it.f.Close(); err != nil {
		return kvserr.Io("partition.Iterator.Close", err)
	}
	return nil
}
