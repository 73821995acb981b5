// Package log implements the partitioned, append-only write-ahead log: the
// active partition handle, the history of sealed partitions, rotation on
// the per-partition entry cap, random-access retrieval, full-log iteration
// for replay, and crash-safe compaction with rollback.
package log

import "github.com/tomlinton/kvs/internal/partition"

// Pointer is an opaque locator for one serialized entry inside one
// partition file: which partition, where the entry starts, and how long
// its encoding is. Pointers are plain data, safe to copy and to persist
// in an in-memory index across the lifetime of a Log.
type Pointer struct {
	FileID partition.FileID
	Offset int64
	Length int64
}
