// ABOUTME: Entry point for the wotgraph follow-graph crawler and query tool.
// ABOUTME: Subcommands for crawling, distance queries, stats, and snapshots.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/wotgraph/internal/config"
	"github.com/2389/wotgraph/internal/crawler"
	"github.com/2389/wotgraph/internal/identity"
	"github.com/2389/wotgraph/internal/relay"
	"github.com/2389/wotgraph/internal/service"
	"github.com/2389/wotgraph/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

// getConfigPath returns the path to the wotgraph config file.
// Priority: WOTGRAPH_CONFIG env var > XDG_CONFIG_HOME/wotgraph/config.yaml > ~/.config/wotgraph/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("WOTGRAPH_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "wotgraph.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "wotgraph", "config.yaml")
}

func usage() {
	fmt.Println("Usage: wotgraph <command> [args]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  crawl <root> [depth]     Crawl the follow graph from a root identity")
	fmt.Println("  dist <from> <to> [hops]  Shortest hop distance between two identities")
	fmt.Println("  path <from> <to> [hops]  One shortest path between two identities")
	fmt.Println("  common <a> <b>           Identities followed by both a and b")
	fmt.Println("  stats                    Graph store statistics")
	fmt.Println("  export <file>            Write a snapshot of the graph")
	fmt.Println("  import <file>            Replace the graph with a snapshot")
	fmt.Println("  clear                    Delete all graph data")
	fmt.Println()
	fmt.Println("Identities are 64-char hex pubkeys or npub strings.")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "crawl":
		err = runCrawl(ctx, os.Args[2:])
	case "dist":
		err = runDist(os.Args[2:])
	case "path":
		err = runPath(os.Args[2:])
	case "common":
		err = runCommon(os.Args[2:])
	case "stats":
		err = runStats()
	case "export":
		err = runExport(os.Args[2:])
	case "import":
		err = runImport(ctx, os.Args[2:])
	case "clear":
		err = runClear(ctx)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

// setupLogger builds the process logger from config and installs it as default.
func setupLogger(cfg config.LoggingConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// openService loads config and wires the store, pool, and service together.
// The returned cleanup closes the store.
func openService(onProgress func(crawler.Progress)) (*service.Service, *config.Config, func(), error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading config: %w", err)
	}
	setupLogger(cfg.Logging)

	st, err := store.New(cfg.Database.Path, store.FlushConfig{
		MaxRecords: cfg.Store.FlushRecords,
		MaxIDs:     cfg.Store.FlushIDs,
		IdleDelay:  cfg.Store.FlushIdle,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("opening store: %w", err)
	}

	pool := relay.NewPool(relay.Config{
		URLs:           cfg.Relays.URLs,
		ConnectTimeout: cfg.Relays.ConnectTimeout,
		RequestTimeout: cfg.Relays.RequestTimeout,
		MaxInFlight:    cfg.Relays.MaxInFlight,
		BaseDelay:      cfg.Relays.BaseDelay,
		MaxDelay:       cfg.Relays.MaxDelay,
		SuccessRun:     cfg.Relays.SuccessRun,
	})

	svc := service.New(st, pool, crawler.Config{
		BatchSize:        cfg.Crawler.BatchSize,
		ProgressInterval: cfg.Crawler.ProgressEvery,
	}, onProgress)

	cleanup := func() {
		pool.Close()
		if err := st.Close(); err != nil {
			slog.Error("closing store", "error", err)
		}
	}
	return svc, cfg, cleanup, nil
}

func parseIdentityArg(arg string) (identity.Identity, error) {
	id, err := identity.Parse(strings.TrimSpace(arg))
	if err != nil {
		return identity.Identity{}, fmt.Errorf("bad identity %q: %w", arg, err)
	}
	return id, nil
}

func runCrawl(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: wotgraph crawl <root> [depth]")
	}
	root, err := parseIdentityArg(args[0])
	if err != nil {
		return err
	}

	gray := color.New(color.FgHiBlack)
	onProgress := func(p crawler.Progress) {
		gray.Printf("\rdepth %d/%d  fetched %d  reused %d  failed %d   ",
			p.CurrentDepth, p.TargetDepth, p.Fetched, p.Reused, p.Failed)
	}

	svc, cfg, cleanup, err := openService(onProgress)
	if err != nil {
		return err
	}
	defer cleanup()

	depth := cfg.Crawler.DefaultMaxDepth
	if len(args) >= 2 {
		depth, err = strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("bad depth %q: %w", args[1], err)
		}
	}

	cyan := color.New(color.FgCyan)
	cyan.Printf("crawling from %s to depth %d (%d relays configured)\n",
		root.Npub(), depth, len(cfg.Relays.URLs))

	start := time.Now()
	result, err := svc.StartCrawl(ctx, root, depth)
	fmt.Println()
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	if result.Aborted {
		color.Yellow("crawl aborted after %s", time.Since(start).Round(time.Millisecond))
	} else {
		green.Printf("crawl completed in %s\n", time.Since(start).Round(time.Millisecond))
	}
	fmt.Printf("  total:   %d\n", result.Total)
	fmt.Printf("  fetched: %d\n", result.Fetched)
	fmt.Printf("  reused:  %d\n", result.Reused)
	fmt.Printf("  failed:  %d\n", result.Failed)
	for d, n := range result.PerDepthCounts {
		fmt.Printf("  depth %d: %d nodes\n", d, n)
	}
	return nil
}

func runDist(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: wotgraph dist <from> <to> [hops]")
	}
	from, err := parseIdentityArg(args[0])
	if err != nil {
		return err
	}
	to, err := parseIdentityArg(args[1])
	if err != nil {
		return err
	}
	maxHops := 6
	if len(args) >= 3 {
		if maxHops, err = strconv.Atoi(args[2]); err != nil {
			return fmt.Errorf("bad hop limit %q: %w", args[2], err)
		}
	}

	svc, _, cleanup, err := openService(nil)
	if err != nil {
		return err
	}
	defer cleanup()

	res, err := svc.DistanceWithPaths(from, to, maxHops)
	if err != nil {
		return err
	}
	if res == nil {
		color.Yellow("no path within %d hops", maxHops)
		return nil
	}
	color.Green("%d hop(s), %d shortest path(s)", res.Hops, res.Paths)
	return nil
}

func runPath(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: wotgraph path <from> <to> [hops]")
	}
	from, err := parseIdentityArg(args[0])
	if err != nil {
		return err
	}
	to, err := parseIdentityArg(args[1])
	if err != nil {
		return err
	}
	maxHops := 6
	if len(args) >= 3 {
		if maxHops, err = strconv.Atoi(args[2]); err != nil {
			return fmt.Errorf("bad hop limit %q: %w", args[2], err)
		}
	}

	svc, _, cleanup, err := openService(nil)
	if err != nil {
		return err
	}
	defer cleanup()

	path, err := svc.Path(from, to, maxHops)
	if err != nil {
		return err
	}
	if path == nil {
		color.Yellow("no path within %d hops", maxHops)
		return nil
	}
	for i, id := range path {
		if i == 0 {
			fmt.Printf("  %s\n", id.Npub())
		} else {
			fmt.Printf("  └─ %s\n", id.Npub())
		}
	}
	return nil
}

func runCommon(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: wotgraph common <a> <b>")
	}
	a, err := parseIdentityArg(args[0])
	if err != nil {
		return err
	}
	b, err := parseIdentityArg(args[1])
	if err != nil {
		return err
	}

	svc, _, cleanup, err := openService(nil)
	if err != nil {
		return err
	}
	defer cleanup()

	common, err := svc.CommonFollows(a, b)
	if err != nil {
		return err
	}
	if len(common) == 0 {
		color.Yellow("no common follows")
		return nil
	}
	for _, id := range common {
		fmt.Println(id.Npub())
	}
	return nil
}

func runStats() error {
	svc, _, cleanup, err := openService(nil)
	if err != nil {
		return err
	}
	defer cleanup()

	st := svc.Stats()
	cyan := color.New(color.FgCyan)
	cyan.Println("graph store")
	fmt.Printf("  nodes:      %d\n", st.NodeCount)
	fmt.Printf("  edges:      %d\n", st.EdgeCount)
	fmt.Printf("  identities: %d\n", st.UniqueIdentityCount)
	fmt.Printf("  storage:    %d bytes\n", st.ApproxStorageBytes)
	if !st.LastCrawlTimestamp.IsZero() {
		fmt.Printf("  last crawl: %s\n", st.LastCrawlTimestamp.Format(time.RFC3339))
		for d, n := range st.PerDepthCounts {
			fmt.Printf("    depth %d: %d nodes\n", d, n)
		}
	}
	return nil
}

func runExport(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: wotgraph export <file>")
	}

	svc, _, cleanup, err := openService(nil)
	if err != nil {
		return err
	}
	defer cleanup()

	f, err := os.Create(args[0])
	if err != nil {
		return fmt.Errorf("creating snapshot file: %w", err)
	}
	defer f.Close()

	if err := svc.ExportSnapshot(f); err != nil {
		return err
	}
	color.Green("snapshot written to %s", args[0])
	return nil
}

func runImport(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: wotgraph import <file>")
	}

	svc, _, cleanup, err := openService(nil)
	if err != nil {
		return err
	}
	defer cleanup()

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("opening snapshot file: %w", err)
	}
	defer f.Close()

	if err := svc.ImportSnapshot(ctx, f); err != nil {
		return err
	}
	st := svc.Stats()
	color.Green("snapshot imported: %d identities, %d edges", st.UniqueIdentityCount, st.EdgeCount)
	return nil
}

func runClear(ctx context.Context) error {
	svc, _, cleanup, err := openService(nil)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := svc.ClearAll(ctx); err != nil {
		return err
	}
	color.Green("graph cleared")
	return nil
}
