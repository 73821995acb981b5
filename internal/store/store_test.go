package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/tomlinton/kvs/internal/config"
	"github.com/tomlinton/kvs/internal/kvserr"
	"github.com/tomlinton/kvs/internal/partition"
)

func setupTestConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.MaxFileIDRetries = 8
	return cfg
}

func openStore(t *testing.T) (*Store, *config.Config) {
	t.Helper()
	cfg := setupTestConfig(t)
	s, err := Open(cfg.DataDir, cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, cfg
}

func TestSetGetRoundTrip(t *testing.T) {
	s, _ := openStore(t)

	if err := s.Set("a", "1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok, err := s.Get("a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || v != "1" {
		t.Fatalf("expected Some(1), got ok=%v v=%q", ok, v)
	}
}

func TestOverwrite(t *testing.T) {
	s, _ := openStore(t)

	if err := s.Set("a", "1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set("a", "2"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok, err := s.Get("a")
	if err != nil || !ok || v != "2" {
		t.Fatalf("expected Some(2), got v=%q ok=%v err=%v", v, ok, err)
	}
	if s.Len() != 1 {
		t.Fatalf("expected len 1, got %d", s.Len())
	}
}

func TestSetRemoveGet(t *testing.T) {
	s, _ := openStore(t)

	if err := s.Set("a", "1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Remove("a"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	_, ok, err := s.Get("a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatalf("expected None after remove")
	}
	if err := s.Remove("a"); !errors.Is(err, kvserr.ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound on second remove, got %v", err)
	}
}

func TestRemoveNeverSet(t *testing.T) {
	s, _ := openStore(t)
	if err := s.Remove("nope"); !errors.Is(err, kvserr.ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestGetMissingKeyIsNotError(t *testing.T) {
	s, _ := openStore(t)
	_, ok, err := s.Get("missing")
	if err != nil {
		t.Fatalf("expected no error for missing key, got %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for missing key")
	}
}

func TestLenTracksLiveKeys(t *testing.T) {
	s, _ := openStore(t)
	s.Set("a", "1")
	s.Set("b", "1")
	s.Set("a", "2")
	if s.Len() != 2 {
		t.Fatalf("expected 2 live keys, got %d", s.Len())
	}
	s.Remove("a")
	if s.Len() != 1 {
		t.Fatalf("expected 1 live key after remove, got %d", s.Len())
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	cfg := setupTestConfig(t)

	s, err := Open(cfg.DataDir, cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Set("a", "1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(cfg.DataDir, cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	v, ok, err := reopened.Get("a")
	if err != nil || !ok || v != "1" {
		t.Fatalf("expected persisted value Some(1), got v=%q ok=%v err=%v", v, ok, err)
	}
}

// TestRepeatedOverwritesBelowTriggerStayUncompacted covers repeated
// overwrites in isolation from the rotation cap: with a single active
// partition and no sealed history yet, the compaction trigger must not
// fire, and the mapping must still be exactly right.
func TestRepeatedOverwritesBelowTriggerStayUncompacted(t *testing.T) {
	s, _ := openStore(t)

	keys := []string{"k1", "k2", "k3"}
	for round := 0; round < 5; round++ {
		for _, k := range keys {
			if err := s.Set(k, string(rune('a'+round))); err != nil {
				t.Fatalf("Set: %v", err)
			}
		}
	}

	for _, k := range keys {
		v, ok, err := s.Get(k)
		if err != nil || !ok || v != "e" {
			t.Fatalf("key %s: expected Some(e), got v=%q ok=%v err=%v", k, v, ok, err)
		}
	}
	if s.Len() != len(keys) {
		t.Fatalf("expected %d live keys, got %d", len(keys), s.Len())
	}
	if n := s.log.TotalEntryCount(); n != 5*len(keys) {
		t.Fatalf("expected all %d appends still on disk, got %d", 5*len(keys), n)
	}
}

// TestCompactionTriggerFiresAcrossRealRotation drives the store through two
// genuine partition rotations so the more-than-one-sealed-partition
// precondition of the compaction trigger is met for real, instead of being
// simulated. It is deliberately slow (2x65535+ appends) and skipped under
// -short.
func TestCompactionTriggerFiresAcrossRealRotation(t *testing.T) {
	if testing.Short() {
		t.Skip("exercises two real partition rotations; skipped in -short mode")
	}

	s, _ := openStore(t)

	keys := []string{"k1", "k2", "k3"}
	total := 2*partition.MaxEntriesPerPartition + 5
	for i := 0; i < total; i++ {
		k := keys[i%len(keys)]
		v := fmt.Sprintf("v%d", i)
		if err := s.Set(k, v); err != nil {
			t.Fatalf("Set #%d: %v", i, err)
		}
	}

	if s.Len() != len(keys) {
		t.Fatalf("expected %d live keys, got %d", len(keys), s.Len())
	}
	if n := s.log.SealedPartitionCount(); n != 0 {
		t.Fatalf("expected compaction to have replaced the sealed partitions, got %d sealed", n)
	}
	for _, k := range keys {
		if _, ok, err := s.Get(k); err != nil || !ok {
			t.Fatalf("key %s: expected to still be live, ok=%v err=%v", k, ok, err)
		}
	}
}

func TestReplayDeterminismOnPrefix(t *testing.T) {
	cfg := setupTestConfig(t)
	s, err := Open(cfg.DataDir, cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	s.Set("a", "1")
	s.Set("b", "1")
	s.Remove("a")
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	fresh, err := Open(cfg.DataDir, cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer fresh.Close()

	if _, ok, _ := fresh.Get("a"); ok {
		t.Fatalf("expected a to be absent after replaying a prefix ending in remove")
	}
	v, ok, err := fresh.Get("b")
	if err != nil || !ok || v != "1" {
		t.Fatalf("expected b to survive replay, got v=%q ok=%v err=%v", v, ok, err)
	}
}
