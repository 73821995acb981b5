// Package partition implements the append-only partition files that make
// up a log: a unique 128-bit file identifier, collision-safe fresh-partition
// creation, and a streaming decoder over one partition's entries.
package partition

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/tomlinton/kvs/internal/kvserr"
)

// MaxEntriesPerPartition caps a partition's EntryCount to the range of a
// uint16. The cap is part of the on-disk format; changing it changes when
// partitions rotate.
const MaxEntriesPerPartition = 65535

// FileID is a 128-bit value unique within a log directory: the high 64 bits
// are a nanosecond wall-clock reading, the low 64 bits are randomness from
// google/uuid, so two partitions minted within the same nanosecond tick
// still do not collide.
type FileID [16]byte

func (id FileID) String() string {
	return fmt.Sprintf("%x", [16]byte(id))
}

func newCandidateFileID() FileID {
	var id FileID
	binary.BigEndian.PutUint64(id[:8], uint64(time.Now().UnixNano()))
	salt := uuid.New()
	copy(id[8:], salt[:8])
	return id
}

// LogPartition is the metadata describing one partition file: its unique
// id, how many entries it holds, and the generation it belongs to.
type LogPartition struct {
	FileID     FileID `json:"file_id"`
	EntryCount int    `json:"entry_count"`
	Gen        int64  `json:"gen"`
}

func (p LogPartition) FileName() string {
	return fmt.Sprintf("%x-%s.dblog", p.Gen, p.FileID)
}

func (p LogPartition) FullPath(dirname string) string {
	return filepath.Join(dirname, p.FileName())
}

// Sealed reports whether p has reached the rotation boundary and must no
// longer be appended to.
func (p LogPartition) Sealed() bool {
	return p.EntryCount >= MaxEntriesPerPartition
}

// New mints a fresh partition file in dirname at generation gen, retrying
// on FileID collision up to maxRetries times before giving up. It returns
// the partition descriptor and the freshly created, write-ready file handle.
func New(dirname string, gen int64, maxRetries int) (LogPartition, *os.File, error) {
	if maxRetries <= 0 {
		maxRetries = 1
	}
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		part := LogPartition{FileID: newCandidateFileID(), Gen: gen}
		f, err := os.OpenFile(part.FullPath(dirname), os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
		if err == nil {
			return part, f, nil
		}
		if errors.Is(err, os.ErrExist) {
			lastErr = err
			continue
		}
		return LogPartition{}, nil, kvserr.Io("partition.New", err)
	}
	return LogPartition{}, nil, kvserr.Io("partition.New", fmt.Errorf("exhausted %d retries on file id collision: %w", maxRetries, lastErr))
}
