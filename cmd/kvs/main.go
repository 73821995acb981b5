// Command kvs is the one-shot get/set/rm CLI around the store. It consumes
// only Open/Get/Set/Remove and surfaces their errors verbatim; argument
// parsing, exit-code mapping, and subcommand dispatch live here, none of it
// in the engine.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/tomlinton/kvs/internal/config"
	"github.com/tomlinton/kvs/internal/kvserr"
	"github.com/tomlinton/kvs/internal/store"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("kvs", flag.ContinueOnError)
	path := fs.String("path", "", "directory holding the store (defaults to the config's DATA_DIR, \"data\" unless a config file sets it)")
	configPath := fs.String("config", "", "optional YAML config file overriding defaults")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return fail(err)
		}
		cfg = loaded
	}
	if *path != "" {
		cfg.DataDir = *path
	} else if cfg.DataDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fail(err)
		}
		cfg.DataDir = wd
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Level(),
	})))

	rest := fs.Args()
	if len(rest) == 0 {
		fmt.Fprintln(os.Stderr, "usage: kvs [-path DIR] [-config FILE] <get|set|rm> ...")
		return 2
	}

	s, err := store.Open(cfg.DataDir, cfg)
	if err != nil {
		return fail(err)
	}
	defer s.Close()

	switch rest[0] {
	case "get":
		return runGet(s, rest[1:])
	case "set":
		return runSet(s, rest[1:])
	case "rm":
		return runRm(s, rest[1:])
	default:
		fmt.Fprintf(os.Stderr, "error: unknown command %q\n", rest[0])
		return 2
	}
}

func runGet(s *store.Store, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: kvs get KEY")
		return 2
	}
	value, ok, err := s.Get(args[0])
	if err != nil {
		return fail(err)
	}
	if !ok {
		fmt.Println("Key not found")
		return 0
	}
	fmt.Println(value)
	return 0
}

func runSet(s *store.Store, args []string) int {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: kvs set KEY VALUE")
		return 2
	}
	if err := s.Set(args[0], args[1]); err != nil {
		return fail(err)
	}
	return 0
}

func runRm(s *store.Store, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: kvs rm KEY")
		return 2
	}
	if err := s.Remove(args[0]); err != nil {
		return fail(err)
	}
	return 0
}

// fail prints "error: <message>" to stderr, additionally echoing "Key not
// found" to stdout for KeyNotFound so test harnesses that only capture
// stdout still see it, and returns the non-zero exit status.
func fail(err error) int {
	fmt.Fprintf(os.Stderr, "error: %s\n", err)
	if errors.Is(err, kvserr.ErrKeyNotFound) {
		fmt.Println("Key not found")
	}
	return 1
}
