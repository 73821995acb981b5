// Package store ties the partitioned log to an in-memory index, exposing
// the public Open/Get/Set/Remove/Len operations the CLI and benchmark
// harness are built against. It owns replay-on-open and the compaction
// trigger; internal/log owns everything about how bytes land on disk.
package store

import (
	"log/slog"

	"github.com/tomlinton/kvs/internal/config"
	"github.com/tomlinton/kvs/internal/entry"
	"github.com/tomlinton/kvs/internal/guard"
	"github.com/tomlinton/kvs/internal/kvserr"
	"github.com/tomlinton/kvs/internal/log"
)

// CompactionFactor is the ratio of total on-disk entries to live keys past
// which a compaction is triggered. It is part of the documented on-disk
// behavior, not a tunable.
const CompactionFactor = 2

// Store is a single-process, single-threaded embedded key-value store.
// It is not safe for concurrent use from more than one goroutine.
type Store struct {
	log   *log.Log
	index map[string]log.Pointer
	guard *guard.DirGuard
	cfg   *config.Config
}

// Open opens or creates a store rooted at dirname, replaying its log to
// rebuild the in-memory index before returning.
func Open(dirname string, cfg *config.Config) (*Store, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	l, err := log.Open(dirname, cfg)
	if err != nil {
		return nil, err
	}

	dg, err := guard.Watch(dirname)
	if err != nil {
		slog.Warn("store: advisory directory guard unavailable", "dir", dirname, "error", err)
		dg = nil
	}
	if dg != nil {
		l.SetRemovalObserver(dg)
	}

	s := &Store{
		log:   l,
		index: make(map[string]log.Pointer),
		guard: dg,
		cfg:   cfg,
	}
	if err := s.replay(); err != nil {
		s.Close()
		return nil, err
	}

	slog.Info("store: opened", "dir", dirname, "keys", len(s.index))
	return s, nil
}

// replay rebuilds the index from scratch by scanning the whole log in
// insertion order: Set entries install a pointer, Remove entries clear
// one. The result is the last-writer-wins view over every partition.
func (s *Store) replay() error {
	it, err := s.log.Iter()
	if err != nil {
		return err
	}
	defer it.Close()

	index := make(map[string]log.Pointer)
	for {
		e, p, ok, err := it.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		switch e.Kind {
		case entry.KindSet:
			index[e.Key] = p
		case entry.KindRemove:
			delete(index, e.Key)
		}
	}
	s.index = index
	return nil
}

// Len reports the number of live keys.
func (s *Store) Len() int {
	return len(s.index)
}

// Get returns the value for key and true if key is live, or "", false if
// it is absent. A missing key is not an error.
func (s *Store) Get(key string) (string, bool, error) {
	if err := s.checkGuard(); err != nil {
		return "", false, err
	}

	p, ok := s.index[key]
	if !ok {
		return "", false, nil
	}

	e, err := s.log.Retrieve(p)
	if err != nil {
		return "", false, err
	}
	if e.Kind != entry.KindSet || e.Key != key {
		return "", false, kvserr.ErrKeyNotFound
	}
	return e.Value, true, nil
}

// Set writes key=value, overwriting any previous value, then evaluates the
// compaction trigger.
func (s *Store) Set(key, value string) error {
	if err := s.checkGuard(); err != nil {
		return err
	}

	p, err := s.log.Append(entry.NewSet(key, value))
	if err != nil {
		return err
	}
	s.index[key] = p

	return s.maybeCompact()
}

// Remove deletes key. It fails with kvserr.ErrKeyNotFound if key is not
// currently live.
func (s *Store) Remove(key string) error {
	if err := s.checkGuard(); err != nil {
		return err
	}

	if _, ok := s.index[key]; !ok {
		return kvserr.ErrKeyNotFound
	}
	if _, err := s.log.Append(entry.NewRemove(key)); err != nil {
		return err
	}
	delete(s.index, key)
	return nil
}

// maybeCompact fires Log.Compact once the log holds more than one sealed
// historical partition and the on-disk entry count exceeds CompactionFactor
// times the number of live keys, then rebuilds the index since compaction
// moves every live entry to a new partition and invalidates its pointer.
func (s *Store) maybeCompact() error {
	if s.log.SealedPartitionCount() <= 1 {
		return nil
	}

	total := s.log.TotalEntryCount()
	if total <= CompactionFactor*len(s.index) {
		return nil
	}

	slog.Info("store: compacting", "total_entries", total, "live_keys", len(s.index))
	if err := s.log.Compact(s.index); err != nil {
		return err
	}
	return s.replay()
}

func (s *Store) checkGuard() error {
	if s.guard == nil {
		return nil
	}
	return s.guard.Check()
}

// Close flushes the log's metadata and stops the directory guard. Callers
// MUST call this on every normal exit path; nothing runs it implicitly.
func (s *Store) Close() error {
	if s.guard != nil {
		s.guard.Close()
	}
	return s.log.Close()
}
