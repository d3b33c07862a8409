// ABOUTME: The operation surface consumed by an external request-routing layer.
// ABOUTME: Glues store, BFS engine, crawler, and relay pool; absence is null, misuse is an error.

package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/2389/wotgraph/internal/crawler"
	"github.com/2389/wotgraph/internal/graph"
	"github.com/2389/wotgraph/internal/identity"
	"github.com/2389/wotgraph/internal/store"
)

// ErrBadMaxHops indicates a malformed query with a non-positive hop limit.
var ErrBadMaxHops = errors.New("max hops must be positive")

// Pool is the relay pool surface the service drives.
type Pool interface {
	crawler.Fetcher
	ConnectAll(ctx context.Context) error
}

// Service exposes the named operations. Queries are read-only, run on the
// in-memory cache, and may execute concurrently with a live crawl;
// eventual consistency is acceptable on that path.
type Service struct {
	store   *store.Store
	engine  *graph.Engine
	crawler *crawler.Crawler
	pool    Pool
	logger  *slog.Logger
}

// New wires a Service over an opened store and a relay pool.
func New(st *store.Store, pool Pool, crawlCfg crawler.Config, onProgress func(crawler.Progress)) *Service {
	return &Service{
		store:   st,
		engine:  graph.NewEngine(st),
		crawler: crawler.New(st, pool, crawlCfg, onProgress),
		pool:    pool,
		logger:  slog.Default().With("component", "service"),
	}
}

// StartCrawl runs a bounded-depth crawl from root. Connections are opened
// on demand: an abort closes the pool, so a later crawl redials.
func (s *Service) StartCrawl(ctx context.Context, root identity.Identity, maxDepth int) (crawler.Result, error) {
	if s.pool.Reachable() == 0 {
		if err := s.pool.ConnectAll(ctx); err != nil {
			return crawler.Result{}, err
		}
	}
	return s.crawler.Crawl(ctx, root, maxDepth)
}

// AbortCrawl requests that the running crawl stop soon. Best effort.
func (s *Service) AbortCrawl() {
	s.crawler.Abort()
}

// CrawlStatus reports whether a crawl is running and the last known state.
func (s *Service) CrawlStatus() crawler.Status {
	return s.crawler.Status()
}

// Distance returns the shortest hop count from one identity to another,
// or nil when unreachable within maxHops. Unknown identities are
// unreachable, not errors.
func (s *Service) Distance(from, to identity.Identity, maxHops int) (*int, error) {
	if maxHops <= 0 {
		return nil, ErrBadMaxHops
	}
	if from == to {
		zero := 0
		return &zero, nil
	}
	fromID, toID, ok := s.resolvePair(from, to)
	if !ok {
		return nil, nil
	}
	d, found := s.engine.Distance(fromID, toID, maxHops)
	if !found {
		return nil, nil
	}
	return &d, nil
}

// DistanceWithPaths returns the shortest hop count and the exact number of
// shortest paths, or nil when unreachable within maxHops.
func (s *Service) DistanceWithPaths(from, to identity.Identity, maxHops int) (*graph.Result, error) {
	if maxHops <= 0 {
		return nil, ErrBadMaxHops
	}
	if from == to {
		return &graph.Result{Hops: 0, Paths: 1}, nil
	}
	fromID, toID, ok := s.resolvePair(from, to)
	if !ok {
		return nil, nil
	}
	res, found := s.engine.DistanceWithPaths(fromID, toID, maxHops)
	if !found {
		return nil, nil
	}
	return &res, nil
}

// BatchDistances resolves all targets in one traversal. The result maps
// each target's hex identity to its result, nil when unreachable. It
// matches what per-target Distance/DistanceWithPaths calls would return.
func (s *Service) BatchDistances(from identity.Identity, targets []identity.Identity, maxHops int, withPaths bool) (map[string]*graph.Result, error) {
	if maxHops <= 0 {
		return nil, ErrBadMaxHops
	}

	out := make(map[string]*graph.Result, len(targets))
	for _, t := range targets {
		out[t.Hex()] = nil
	}

	fromID, fromKnown := s.store.LookupID(from)
	numTargets := make([]int64, 0, len(targets))
	byNum := make(map[int64][]string, len(targets))
	for _, t := range targets {
		if t == from {
			res := &graph.Result{Hops: 0, Paths: 1}
			if !withPaths {
				res.Paths = 0
			}
			out[t.Hex()] = res
			continue
		}
		if numID, ok := s.store.LookupID(t); ok && fromKnown {
			numTargets = append(numTargets, numID)
			byNum[numID] = append(byNum[numID], t.Hex())
		}
	}
	if !fromKnown || len(numTargets) == 0 {
		return out, nil
	}

	batch := s.engine.BatchDistances(fromID, numTargets, maxHops, withPaths)
	for numID, res := range batch {
		for _, key := range byNum[numID] {
			out[key] = res
		}
	}
	return out, nil
}

// Path reconstructs one shortest path between two identities, inclusive of
// both endpoints, or nil when unreachable within maxHops.
func (s *Service) Path(from, to identity.Identity, maxHops int) ([]identity.Identity, error) {
	if maxHops <= 0 {
		return nil, ErrBadMaxHops
	}
	if from == to {
		return []identity.Identity{from}, nil
	}
	fromID, toID, ok := s.resolvePair(from, to)
	if !ok {
		return nil, nil
	}
	numPath := s.engine.Path(fromID, toID, maxHops)
	if numPath == nil {
		return nil, nil
	}

	path := make([]identity.Identity, 0, len(numPath))
	for _, numID := range numPath {
		id, ok := s.store.IdentityOf(numID)
		if !ok {
			return nil, fmt.Errorf("path node %d has no identity mapping", numID)
		}
		path = append(path, id)
	}
	return path, nil
}

// CommonFollows returns the identities followed by both a and b, ordered
// by a's follow list.
func (s *Service) CommonFollows(a, b identity.Identity) ([]identity.Identity, error) {
	aID, bID, ok := s.resolvePair(a, b)
	if !ok {
		return nil, nil
	}

	common := s.engine.CommonFollows(aID, bID)
	out := make([]identity.Identity, 0, len(common))
	for _, numID := range common {
		if id, ok := s.store.IdentityOf(numID); ok {
			out = append(out, id)
		}
	}
	return out, nil
}

// resolvePair looks up both identities; false when either is unknown.
func (s *Service) resolvePair(a, b identity.Identity) (int64, int64, bool) {
	aID, ok := s.store.LookupID(a)
	if !ok {
		return 0, 0, false
	}
	bID, ok := s.store.LookupID(b)
	if !ok {
		return 0, 0, false
	}
	return aID, bID, true
}

// ClearAll empties the graph. Rejected while a crawl is running: the
// crawler is the only writer, and clearing under it would corrupt its
// frontier bookkeeping.
func (s *Service) ClearAll(ctx context.Context) error {
	if s.crawler.Status().InProgress {
		return crawler.ErrCrawlRunning
	}
	return s.store.ClearAll(ctx)
}

// Stats returns store counters enriched with last-crawl metadata.
func (s *Service) Stats() store.Stats {
	st := s.store.Stats()
	if last := s.crawler.Status().LastKnownState; last != nil {
		st.LastCrawlTimestamp = last.FinishedAt
		st.PerDepthCounts = last.PerDepthCounts
	}
	return st
}

// ExportSnapshot writes the full graph to w.
func (s *Service) ExportSnapshot(w io.Writer) error {
	return s.store.ExportSnapshot(w)
}

// ImportSnapshot replaces the graph with the snapshot read from r.
// Rejected while a crawl is running.
func (s *Service) ImportSnapshot(ctx context.Context, r io.Reader) error {
	if s.crawler.Status().InProgress {
		return crawler.ErrCrawlRunning
	}
	return s.store.ImportSnapshot(ctx, r)
}
