package log

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/tomlinton/kvs/internal/config"
	"github.com/tomlinton/kvs/internal/entry"
	"github.com/tomlinton/kvs/internal/kvserr"
	"github.com/tomlinton/kvs/internal/partition"
)

const metaFileName = "logparts"

// meta is the on-disk shape of logparts: everything needed to reopen a Log
// without replaying a byte of the partitions themselves.
type meta struct {
	Dirname string                   `json:"dirname"`
	Gen     int64                    `json:"gen"`
	Active  partition.LogPartition   `json:"active"`
	Hist    []partition.LogPartition `json:"hist"`
}

// RemovalObserver is notified immediately before the Log removes one of
// its own partition files, so an advisory directory watcher can tell a
// self-inflicted removal apart from external contention.
type RemovalObserver interface {
	ExpectRemoval(path string)
}

// Log owns a directory of partition files: the one active partition open
// for append, the ordered history of sealed partitions, and the derived
// file-id lookup into that history. It is not safe for concurrent use from
// more than one goroutine.
type Log struct {
	dirname  string
	cfg      *config.Config
	observer RemovalObserver

	gen     int64
	active  partition.LogPartition
	handle  *activeHandle
	hist    []partition.LogPartition
	histMap map[partition.FileID]int
}

// SetRemovalObserver registers o to be told about every partition file the
// Log is about to delete. Passing nil clears it.
func (l *Log) SetRemovalObserver(o RemovalObserver) {
	l.observer = o
}

func (l *Log) removePartitionFile(p partition.LogPartition) error {
	path := p.FullPath(l.dirname)
	if l.observer != nil {
		l.observer.ExpectRemoval(path)
	}
	return os.Remove(path)
}

// Open reconstructs a Log from dirname/logparts if present, otherwise
// mints a fresh partition and writes the initial metadata file.
func Open(dirname string, cfg *config.Config) (*Log, error) {
	if err := os.MkdirAll(dirname, 0755); err != nil {
		return nil, kvserr.Io("log.Open", err)
	}

	metaPath := filepath.Join(dirname, metaFileName)
	if _, err := os.Stat(metaPath); err == nil {
		return openExisting(dirname, cfg, metaPath)
	} else if !os.IsNotExist(err) {
		return nil, kvserr.Io("log.Open", err)
	}
	return openFresh(dirname, cfg)
}

func openExisting(dirname string, cfg *config.Config, metaPath string) (*Log, error) {
	raw, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, kvserr.Io("log.Open", err)
	}
	var m meta
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, kvserr.Serde("log.Open", err)
	}

	f, err := os.OpenFile(m.Active.FullPath(dirname), os.O_RDWR, 0644)
	if err != nil {
		return nil, kvserr.Io("log.Open", err)
	}

	histMap := make(map[partition.FileID]int, len(m.Hist))
	for i, p := range m.Hist {
		histMap[p.FileID] = i
	}

	return &Log{
		dirname: dirname,
		cfg:     cfg,
		gen:     m.Gen,
		active:  m.Active,
		handle:  openActiveHandle(f, cfg),
		hist:    m.Hist,
		histMap: histMap,
	}, nil
}

func openFresh(dirname string, cfg *config.Config) (*Log, error) {
	part, f, err := partition.New(dirname, 1, cfg.MaxFileIDRetries)
	if err != nil {
		return nil, err
	}
	l := &Log{
		dirname: dirname,
		cfg:     cfg,
		gen:     1,
		active:  part,
		handle:  openActiveHandle(f, cfg),
		hist:    nil,
		histMap: make(map[partition.FileID]int),
	}
	if err := l.dumpMeta(); err != nil {
		return nil, err
	}
	return l, nil
}

// TotalEntryCount is the sum of every partition's entry count, historical
// and active: the on-disk record count, as distinct from the index's live
// key count.
func (l *Log) TotalEntryCount() int {
	total := l.active.EntryCount
	for _, p := range l.hist {
		total += p.EntryCount
	}
	return total
}

// SealedPartitionCount reports how many partitions have been rotated out
// of the active slot into history.
func (l *Log) SealedPartitionCount() int {
	return len(l.hist)
}

// Append serializes entry and writes it to the active partition, rotating
// first if the active partition is already sealed.
func (l *Log) Append(e entry.Entry) (Pointer, error) {
	var buf bytes.Buffer
	if err := entry.Encode(&buf, e); err != nil {
		return Pointer{}, kvserr.Serde("log.Append", err)
	}
	return l.appendRaw(buf.Bytes())
}

// appendRaw is the shared tail of Append and Compact's raw-byte copy: both
// need rotation and entry-count bookkeeping, but Compact must not re-encode
// bytes it already has verbatim from the partition being compacted away.
func (l *Log) appendRaw(data []byte) (Pointer, error) {
	if l.handle == nil {
		return Pointer{}, kvserr.ErrInvalidLogFileHandle
	}
	if l.active.Sealed() {
		if err := l.rotate(); err != nil {
			return Pointer{}, err
		}
	}

	offset, err := l.handle.Append(data)
	if err != nil {
		return Pointer{}, err
	}
	l.active.EntryCount++

	return Pointer{
		FileID: l.active.FileID,
		Offset: offset,
		Length: int64(len(data)),
	}, nil
}

func (l *Log) rotate() error {
	newPart, f, err := partition.New(l.dirname, l.gen, l.cfg.MaxFileIDRetries)
	if err != nil {
		return err
	}
	if err := l.handle.Close(); err != nil {
		return err
	}

	l.histMap[l.active.FileID] = len(l.hist)
	l.hist = append(l.hist, l.active)
	l.active = newPart
	l.handle = openActiveHandle(f, l.cfg)

	return l.dumpMeta()
}

// locate resolves a file id to the LogPartition that holds it, searching
// history first and falling back to the active partition.
func (l *Log) locate(id partition.FileID) (partition.LogPartition, bool) {
	if i, ok := l.histMap[id]; ok {
		return l.hist[i], true
	}
	if id == l.active.FileID {
		return l.active, true
	}
	return partition.LogPartition{}, false
}

// Retrieve decodes the single entry named by p.
func (l *Log) Retrieve(p Pointer) (entry.Entry, error) {
	part, ok := l.locate(p.FileID)
	if !ok {
		return entry.Entry{}, kvserr.ErrInvalidLogFileHandle
	}

	if part.FileID == l.active.FileID {
		if err := l.handle.Flush(); err != nil {
			return entry.Entry{}, err
		}
	}

	data, err := readRawAt(part.FullPath(l.dirname), p.Offset, p.Length)
	if err != nil {
		return entry.Entry{}, err
	}

	var e entry.Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return entry.Entry{}, kvserr.Serde("log.Retrieve", err)
	}
	return e, nil
}

func readRawAt(path string, offset, length int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, kvserr.Io("log.readRawAt", err)
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, kvserr.Io("log.readRawAt", err)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, kvserr.Io("log.readRawAt", err)
	}
	return buf, nil
}

// Iter returns a forward-only stream over every (entry, pointer) pair
// across history then the active partition, in insertion order. The
// active handle is flushed first so the stream observes every entry
// written so far, including ones still sitting in the write buffer.
func (l *Log) Iter() (*Iterator, error) {
	if err := l.handle.Flush(); err != nil {
		return nil, err
	}

	parts := make([]partition.LogPartition, 0, len(l.hist)+1)
	parts = append(parts, l.hist...)
	parts = append(parts, l.active)

	return &Iterator{dirname: l.dirname, parts: parts}, nil
}

// Compact rewrites only the entries named by live into a fresh generation
// of partitions, then deletes every old partition file. live maps a key to
// the pointer currently indexing it; the keys themselves are opaque to
// Compact, which only needs the pointers to know which raw bytes to copy.
//
// The swap happens before the copy: the new, empty active partition is
// installed first, so that if the copy loop fails partway through, the
// original partitions referenced by the saved state are still on disk and
// untouched, and can be restored as the Log's active state again.
func (l *Log) Compact(live map[string]Pointer) error {
	// The copy loop reads the old active partition through a fresh file
	// handle, so every byte still buffered for it must reach the file first.
	if err := l.handle.Flush(); err != nil {
		return err
	}

	compactGen := l.gen + 1
	compactActive, f, err := partition.New(l.dirname, compactGen, l.cfg.MaxFileIDRetries)
	if err != nil {
		return err
	}

	savedGen := l.gen
	savedActive := l.active
	savedHandle := l.handle
	savedHist := l.hist
	savedHistMap := l.histMap

	l.gen = compactGen
	l.active = compactActive
	l.handle = openActiveHandle(f, l.cfg)
	l.hist = nil
	l.histMap = make(map[partition.FileID]int)

	copyErr := l.copyLive(live, savedActive, savedHist, savedHistMap)
	if copyErr == nil {
		if err := l.finishCompact(savedActive, savedHist); err != nil {
			return err
		}
		if err := savedHandle.Close(); err != nil {
			slog.Warn("log: failed to close superseded active partition after compaction", "error", err)
		}
		return nil
	}

	newActive := l.active
	newHist := l.hist
	newHandle := l.handle

	l.gen = savedGen
	l.active = savedActive
	l.handle = savedHandle
	l.hist = savedHist
	l.histMap = savedHistMap

	newHandle.Close()
	for _, p := range newHist {
		l.removePartitionFile(p)
	}
	l.removePartitionFile(newActive)

	// Rotations during the failed copy may have rewritten logparts against
	// the partitions just deleted; put it back in agreement with the
	// restored state so a crash here does not strand a stale descriptor.
	if err := l.dumpMeta(); err != nil {
		slog.Warn("log: failed to rewrite metadata after compaction rollback", "error", err)
	}

	return copyErr
}

func (l *Log) copyLive(live map[string]Pointer, oldActive partition.LogPartition, oldHist []partition.LogPartition, oldHistMap map[partition.FileID]int) error {
	for _, p := range live {
		var part partition.LogPartition
		if i, ok := oldHistMap[p.FileID]; ok {
			part = oldHist[i]
		} else if p.FileID == oldActive.FileID {
			part = oldActive
		} else {
			return kvserr.ErrInvalidLogFileHandle
		}

		raw, err := readRawAt(part.FullPath(l.dirname), p.Offset, p.Length)
		if err != nil {
			return err
		}
		if _, err := l.appendRaw(raw); err != nil {
			return err
		}
	}
	return nil
}

func (l *Log) finishCompact(oldActive partition.LogPartition, oldHist []partition.LogPartition) error {
	if err := l.handle.Flush(); err != nil {
		return err
	}
	if err := l.dumpMeta(); err != nil {
		return err
	}

	for _, p := range oldHist {
		if err := l.removePartitionFile(p); err != nil {
			return kvserr.Io("log.Compact", err)
		}
	}
	if err := l.removePartitionFile(oldActive); err != nil {
		return kvserr.Io("log.Compact", err)
	}
	return nil
}

// dumpMeta rewrites logparts and fsyncs it, matching the design decision to
// fsync both the new partition and the metadata file before Compact deletes
// any predecessor.
func (l *Log) dumpMeta() error {
	m := meta{
		Dirname: l.dirname,
		Gen:     l.gen,
		Active:  l.active,
		Hist:    l.hist,
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return kvserr.Serde("log.dumpMeta", err)
	}

	path := filepath.Join(l.dirname, metaFileName)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return kvserr.Io("log.dumpMeta", err)
	}
	defer f.Close()

	if _, err := f.Write(raw); err != nil {
		return kvserr.Io("log.dumpMeta", err)
	}
	if err := f.Sync(); err != nil {
		return kvserr.Io("log.dumpMeta", err)
	}
	return nil
}

// Close flushes the active partition and rewrites logparts one final time.
// Callers MUST invoke it on every normal exit path; nothing runs it
// implicitly. Failures are logged and also returned.
func (l *Log) Close() error {
	if l.handle != nil {
		if err := l.handle.Close(); err != nil {
			slog.Warn("log: failed to close active partition", "error", err)
			return err
		}
	}
	if err := l.dumpMeta(); err != nil {
		slog.Warn("log: failed to write metadata on close", "error", err)
		return err
	}
	return nil
}

// Dirname reports the directory this Log was opened against, for callers
// (the store's advisory directory guard) that need to watch it.
func (l *Log) Dirname() string {
	return l.dirname
}
