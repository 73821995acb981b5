package partition

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tomlinton/kvs/internal/entry"
)

func TestFileNameIncludesGenAndID(t *testing.T) {
	p := LogPartition{FileID: FileID{0x01, 0x02}, Gen: 0x1f}
	name := p.FileName()
	if !strings.HasPrefix(name, "1f-") || !strings.HasSuffix(name, ".dblog") {
		t.Fatalf("unexpected file name: %q", name)
	}
	if p.FullPath("/tmp/db") != filepath.Join("/tmp/db", name) {
		t.Fatalf("unexpected full path: %q", p.FullPath("/tmp/db"))
	}
}

func TestSealedAtCap(t *testing.T) {
	p := LogPartition{EntryCount: MaxEntriesPerPartition - 1}
	if p.Sealed() {
		t.Fatal("one below the cap must not be sealed")
	}
	p.EntryCount++
	if !p.Sealed() {
		t.Fatal("at the cap must be sealed")
	}
}

func TestNewCreatesFreshFile(t *testing.T) {
	dir := t.TempDir()
	p, f, err := New(dir, 1, 8)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer f.Close()

	if p.Gen != 1 || p.EntryCount != 0 {
		t.Fatalf("unexpected fresh partition: %+v", p)
	}
	if _, err := os.Stat(p.FullPath(dir)); err != nil {
		t.Fatalf("expected partition file on disk: %v", err)
	}
}

func TestNewMintsDistinctIDs(t *testing.T) {
	dir := t.TempDir()
	seen := make(map[FileID]bool)
	for i := 0; i < 16; i++ {
		p, f, err := New(dir, 1, 8)
		if err != nil {
			t.Fatalf("New #%d: %v", i, err)
		}
		f.Close()
		if seen[p.FileID] {
			t.Fatalf("duplicate file id minted: %s", p.FileID)
		}
		seen[p.FileID] = true
	}
}

func TestIteratorReportsOffsetsAndLengths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stream.dblog")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := entry.Encode(f, entry.NewSet(fmt.Sprintf("k%d", i), "v")); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	f.Close()

	it, err := NewIterator(path)
	if err != nil {
		t.Fatalf("NewIterator: %v", err)
	}
	defer it.Close()

	var prevEnd int64
	for i := 0; i < 3; i++ {
		e, offset, length, ok, err := it.Next()
		if err != nil || !ok {
			t.Fatalf("Next #%d: ok=%v err=%v", i, ok, err)
		}
		if e.Key != fmt.Sprintf("k%d", i) {
			t.Fatalf("entry #%d out of order: %+v", i, e)
		}
		if offset != prevEnd {
			t.Fatalf("entry #%d: expected offset %d, got %d", i, prevEnd, offset)
		}
		if length <= 0 {
			t.Fatalf("entry #%d: non-positive length %d", i, length)
		}
		prevEnd = offset + length
	}

	if _, _, _, ok, err := it.Next(); ok || err != nil {
		t.Fatalf("expected clean exhaustion, got ok=%v err=%v", ok, err)
	}
}

func TestIteratorStopsCleanlyOnTruncatedTail(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "truncated.dblog")
	var full strings.Builder
	full.WriteString("{\"Set\":[\"a\",\"1\"]}\n")
	full.WriteString("{\"Set\":[\"b\",") // partial write left by a crash
	if err := os.WriteFile(path, []byte(full.String()), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	it, err := NewIterator(path)
	if err != nil {
		t.Fatalf("NewIterator: %v", err)
	}
	defer it.Close()

	e, _, _, ok, err := it.Next()
	if err != nil || !ok || e.Key != "a" {
		t.Fatalf("expected the intact first entry, got ok=%v err=%v e=%+v", ok, err, e)
	}
	if _, _, _, ok, err := it.Next(); ok || err != nil {
		t.Fatalf("expected truncated tail to end the stream cleanly, got ok=%v err=%v", ok, err)
	}
}

func TestIteratorSurfacesGarbageAsError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "garbage.dblog")
	if err := os.WriteFile(path, []byte("not json at all"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	it, err := NewIterator(path)
	if err != nil {
		t.Fatalf("NewIterator: %v", err)
	}
	defer it.Close()

	if _, _, _, ok, err := it.Next(); ok || err == nil {
		t.Fatalf("expected a decode error for garbage input, got ok=%v err=%v", ok, err)
	}
}
