// Command kvsbench is a write-throughput, overwrite, integrity, and
// persistence-roundtrip harness run against the store directly.
package main

import (
	"fmt"
	"log"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tomlinton/kvs/internal/config"
	"github.com/tomlinton/kvs/internal/store"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	})))

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "write":
		testWrite()
	case "overwrite":
		testOverwrite()
	case "integrity":
		testIntegrity()
	case "persist":
		testPersist()
	default:
		fmt.Printf("Unknown test: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: kvsbench <scenario>")
	fmt.Println("\nAvailable scenarios:")
	fmt.Println("  write      - Write 100,000 unique keys and measure throughput")
	fmt.Println("  overwrite  - Overwrite a single key and confirm the latest value wins")
	fmt.Println("  integrity  - Write 100k keys, then randomly read 1,000 back and verify")
	fmt.Println("  persist    - Write keys, close, reopen, and confirm the index survives")
}

func newScratchStore(name string) (*store.Store, *config.Config) {
	dir, err := os.MkdirTemp("", "kvsbench-"+name+"-")
	if err != nil {
		log.Fatalf("failed to create scratch dir: %v", err)
	}
	cfg := config.Default()
	cfg.DataDir = dir

	s, err := store.Open(dir, cfg)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	return s, cfg
}

// Scenario: write 100k unique keys and measure throughput.
func testWrite() {
	fmt.Println(strings.Repeat("=", 60))
	fmt.Println("Scenario: write")
	fmt.Println(strings.Repeat("=", 60))

	s, cfg := newScratchStore("write")
	defer os.RemoveAll(cfg.DataDir)
	defer s.Close()

	totalKeys := 100000
	startTime := time.Now()
	errs := 0

	fmt.Printf("Writing %d keys...\n", totalKeys)
	for i := 0; i < totalKeys; i++ {
		key := fmt.Sprintf("key_%d", i)
		value := fmt.Sprintf("value_%d", i)

		if err := s.Set(key, value); err != nil {
			errs++
			if errs <= 10 {
				fmt.Printf("ERROR: failed to set %s: %v\n", key, err)
			}
		}

		if (i+1)%10000 == 0 {
			elapsed := time.Since(startTime)
			rate := float64(i+1) / elapsed.Seconds()
			fmt.Printf("Progress: %d/%d keys written (%.2f keys/sec)\n", i+1, totalKeys, rate)
		}
	}

	elapsed := time.Since(startTime)
	fmt.Println(strings.Repeat("-", 60))
	fmt.Printf("Total time: %v\n", elapsed)
	fmt.Printf("Write rate: %.2f keys/second\n", float64(totalKeys)/elapsed.Seconds())
	fmt.Printf("Errors: %d\n", errs)
	fmt.Printf("Live keys in index: %d\n", s.Len())

	if errs > 0 || s.Len() != totalKeys {
		fmt.Println("FAILED")
		os.Exit(1)
	}
	fmt.Println("PASSED")
}

// Scenario: set the same key twice and confirm the latest value wins and
// the index still holds exactly one pointer for it.
func testOverwrite() {
	fmt.Println(strings.Repeat("=", 60))
	fmt.Println("Scenario: overwrite")
	fmt.Println(strings.Repeat("=", 60))

	s, cfg := newScratchStore("overwrite")
	defer os.RemoveAll(cfg.DataDir)
	defer s.Close()

	key := "key_1"
	fmt.Printf("Step 1: set %s = value_A\n", key)
	if err := s.Set(key, "value_A"); err != nil {
		log.Fatalf("set value_A: %v", err)
	}

	fmt.Printf("Step 2: set %s = value_B (overwriting)\n", key)
	if err := s.Set(key, "value_B"); err != nil {
		log.Fatalf("set value_B: %v", err)
	}

	value, ok, err := s.Get(key)
	if err != nil {
		log.Fatalf("get %s: %v", key, err)
	}
	fmt.Printf("Retrieved value: %q\n", value)

	if !ok || value != "value_B" {
		fmt.Printf("FAILED: expected value_B, got ok=%v value=%q\n", ok, value)
		os.Exit(1)
	}
	if s.Len() != 1 {
		fmt.Printf("FAILED: expected 1 live key, got %d\n", s.Len())
		os.Exit(1)
	}
	fmt.Println("PASSED")
}

// Scenario: write 100k keys, then randomly sample 1,000 reads and verify
// every value round-trips unchanged.
func testIntegrity() {
	fmt.Println(strings.Repeat("=", 60))
	fmt.Println("Scenario: integrity")
	fmt.Println(strings.Repeat("=", 60))

	s, cfg := newScratchStore("integrity")
	defer os.RemoveAll(cfg.DataDir)
	defer s.Close()

	totalKeys := 100000
	fmt.Printf("Step 1: writing %d keys...\n", totalKeys)
	startTime := time.Now()
	for i := 0; i < totalKeys; i++ {
		key := fmt.Sprintf("key_%d", i)
		value := fmt.Sprintf("value_%d", i)
		if err := s.Set(key, value); err != nil {
			log.Fatalf("set %s: %v", key, err)
		}
	}
	fmt.Printf("  write completed in %v\n", time.Since(startTime))

	fmt.Println("Step 2: randomly reading 1,000 keys...")
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	readStart := time.Now()
	errs := 0

	for i := 0; i < 1000; i++ {
		idx := rng.Intn(totalKeys)
		key := fmt.Sprintf("key_%d", idx)
		expected := fmt.Sprintf("value_%d", idx)

		value, ok, err := s.Get(key)
		if err != nil || !ok {
			errs++
			if errs <= 10 {
				fmt.Printf("  ERROR: get %s failed: ok=%v err=%v\n", key, ok, err)
			}
			continue
		}
		if value != expected {
			errs++
			if errs <= 10 {
				fmt.Printf("  ERROR: %s expected %q, got %q\n", key, expected, value)
			}
		}
	}

	fmt.Printf("  read completed in %v (%.2f keys/sec)\n", time.Since(readStart), 1000.0/time.Since(readStart).Seconds())
	fmt.Printf("Errors: %d\n", errs)

	if errs > 0 {
		fmt.Println("FAILED")
		os.Exit(1)
	}
	fmt.Println("PASSED")
}

// Scenario: write keys, close the store, reopen it, and confirm every
// value survives the round trip purely via log replay.
func testPersist() {
	fmt.Println(strings.Repeat("=", 60))
	fmt.Println("Scenario: persist")
	fmt.Println(strings.Repeat("=", 60))

	s, cfg := newScratchStore("persist")
	defer os.RemoveAll(cfg.DataDir)

	totalKeys := 5000
	fmt.Printf("Step 1: writing %d keys...\n", totalKeys)
	for i := 0; i < totalKeys; i++ {
		key := fmt.Sprintf("key_%d", i)
		value := fmt.Sprintf("value_%d", i)
		if err := s.Set(key, value); err != nil {
			log.Fatalf("set %s: %v", key, err)
		}
	}

	fmt.Println("Step 2: closing and reopening the store")
	if err := s.Close(); err != nil {
		log.Fatalf("close: %v", err)
	}

	reopened, err := store.Open(filepath.Clean(cfg.DataDir), cfg)
	if err != nil {
		log.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	fmt.Println("Step 3: verifying every key survived")
	errs := 0
	for i := 0; i < totalKeys; i++ {
		key := fmt.Sprintf("key_%d", i)
		expected := fmt.Sprintf("value_%d", i)
		value, ok, err := reopened.Get(key)
		if err != nil || !ok || value != expected {
			errs++
			if errs <= 10 {
				fmt.Printf("  ERROR: %s expected %q, got ok=%v value=%q err=%v\n", key, expected, ok, value, err)
			}
		}
	}

	fmt.Printf("Errors: %d\n", errs)
	if errs > 0 || reopened.Len() != totalKeys {
		fmt.Println("FAILED")
		os.Exit(1)
	}
	fmt.Println("PASSED")
}
