package log

import (
	"bufio"
	"io"
	"os"
	"time"

	"github.com/tomlinton/kvs/internal/config"
	"github.com/tomlinton/kvs/internal/kvserr"
)

// activeHandle is the write side of the current active partition: a
// buffered writer over its file, flushed and fsynced once a batch-size or
// sync-interval threshold is crossed. It carries no mutex; a Log is never
// shared across goroutines.
type activeHandle struct {
	file         *os.File
	buf          *bufio.Writer
	cfg          *config.Config
	lastSyncTime time.Time
}

func openActiveHandle(f *os.File, cfg *config.Config) *activeHandle {
	return &activeHandle{
		file:         f,
		buf:          bufio.NewWriter(f),
		cfg:          cfg,
		lastSyncTime: time.Now(),
	}
}

// Append writes data to the active partition's buffer, returning the
// offset at which it will land once flushed. The offset accounts for any
// bytes still sitting unflushed in the buffer.
func (h *activeHandle) Append(data []byte) (int64, error) {
	fileSize, err := h.file.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, kvserr.Io("log.activeHandle.Append", err)
	}

	offset := fileSize + int64(h.buf.Buffered())

	if _, err := h.buf.Write(data); err != nil {
		return 0, kvserr.Io("log.activeHandle.Append", err)
	}

	if int64(h.buf.Buffered()) >= int64(h.cfg.BatchSize) ||
		time.Since(h.lastSyncTime) >= time.Duration(h.cfg.SyncIntervalSecs)*time.Second {
		if err := h.flushAndSync(); err != nil {
			return 0, err
		}
	}
	return offset, nil
}

// ShouldFlushBeforeRead reports whether offset falls inside the still-
// buffered tail of the active partition, meaning a reader opening the file
// fresh would not see it yet.
func (h *activeHandle) ShouldFlushBeforeRead(offset int64) (bool, error) {
	fileSize, err := h.file.Seek(0, io.SeekEnd)
	if err != nil {
		return false, kvserr.Io("log.activeHandle.ShouldFlushBeforeRead", err)
	}
	buffered := int64(h.buf.Buffered())
	return offset >= fileSize && offset < fileSize+buffered, nil
}

func (h *activeHandle) flushAndSync() error {
	if err := h.buf.Flush(); err != nil {
		return kvserr.Io("log.activeHandle.flush", err)
	}
	if err := h.file.Sync(); err != nil {
		return kvserr.Io("log.activeHandle.sync", err)
	}
	h.lastSyncTime = time.Now()
	return nil
}

// Flush is the exported form used whenever a caller (retrieve, iterate,
// compact, close) needs every buffered byte visible to a fresh file handle.
func (h *activeHandle) Flush() error {
	return h.flushAndSync()
}

func (h *activeHandle) Close() error {
	if err := h.flushAndSync(); err != nil {
		return err
	}
	if err := h.file.Close(); err != nil {
		return kvserr.Io("log.activeHandle.Close", err)
	}
	return nil
}
