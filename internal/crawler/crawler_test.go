// ABOUTME: Tests for the frontier crawler against a scripted fetcher and a real store.
// ABOUTME: Covers counts, exclusivity, abort, cache reuse, and warm/cold BFS consistency.

package crawler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/wotgraph/internal/graph"
	"github.com/2389/wotgraph/internal/identity"
	"github.com/2389/wotgraph/internal/relay"
	"github.com/2389/wotgraph/internal/store"
)

// fakeFetcher serves contact lists from a scripted follow graph.
type fakeFetcher struct {
	mu     sync.Mutex
	graph  map[identity.Identity][]identity.Identity
	fail   map[identity.Identity]bool
	calls  map[identity.Identity]int
	gate   chan struct{} // when non-nil, fetches block until closed
	done   chan struct{}
	closed bool
}

func newFakeFetcher(g map[identity.Identity][]identity.Identity) *fakeFetcher {
	return &fakeFetcher{
		graph: g,
		fail:  make(map[identity.Identity]bool),
		calls: make(map[identity.Identity]int),
		done:  make(chan struct{}),
	}
}

func (f *fakeFetcher) Fetch(ctx context.Context, id identity.Identity) (*relay.Event, error) {
	f.mu.Lock()
	f.calls[id]++
	gate := f.gate
	failed := f.fail[id]
	follows, known := f.graph[id]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-f.done:
			return nil, relay.ErrConnClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failed {
		return nil, relay.ErrFetchTimeout
	}
	if !known {
		return nil, nil // checked, nothing found
	}

	tags := make([][]string, 0, len(follows))
	for _, fid := range follows {
		tags = append(tags, []string{"p", fid.Hex()})
	}
	return &relay.Event{
		PubKey:    id.Hex(),
		CreatedAt: time.Now().Unix(),
		Kind:      relay.KindContacts,
		Tags:      tags,
	}, nil
}

func (f *fakeFetcher) Reachable() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0
	}
	return 1
}

func (f *fakeFetcher) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.done)
	}
}

func (f *fakeFetcher) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "graph.db"), store.DefaultFlushConfig())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func randomIdentity(t *testing.T) identity.Identity {
	t.Helper()
	var buf [identity.Size]byte
	_, err := rand.Read(buf[:])
	require.NoError(t, err)
	return identity.MustParse(hex.EncodeToString(buf[:]))
}

// diamondGraph builds root -> {a, b}; a -> {target}; b -> {target}.
func diamondGraph(t *testing.T) (map[identity.Identity][]identity.Identity, identity.Identity, identity.Identity) {
	t.Helper()
	root := randomIdentity(t)
	a := randomIdentity(t)
	b := randomIdentity(t)
	target := randomIdentity(t)
	g := map[identity.Identity][]identity.Identity{
		root:   {a, b},
		a:      {target},
		b:      {target},
		target: {},
	}
	return g, root, target
}

func TestCrawlDiamond(t *testing.T) {
	g, root, target := diamondGraph(t)
	st := newTestStore(t)
	fetcher := newFakeFetcher(g)
	c := New(st, fetcher, DefaultConfig(), nil)

	result, err := c.Crawl(context.Background(), root, 3)
	require.NoError(t, err)

	assert.False(t, result.Aborted)
	assert.Equal(t, 4, result.Fetched)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, 4, result.Total)
	assert.Equal(t, []int{1, 2, 1}, result.PerDepthCounts)

	// The stored graph answers distance queries per the crawled edges.
	engine := graph.NewEngine(st)
	rootID, ok := st.LookupID(root)
	require.True(t, ok)
	targetID, ok := st.LookupID(target)
	require.True(t, ok)

	d, found := engine.Distance(rootID, targetID, 3)
	require.True(t, found)
	assert.Equal(t, 2, d)

	res, found := engine.DistanceWithPaths(rootID, targetID, 3)
	require.True(t, found)
	assert.Equal(t, graph.Result{Hops: 2, Paths: 2}, res)
}

func TestCrawlValidation(t *testing.T) {
	st := newTestStore(t)
	fetcher := newFakeFetcher(nil)
	c := New(st, fetcher, DefaultConfig(), nil)

	_, err := c.Crawl(context.Background(), identity.Identity{}, 3)
	assert.ErrorIs(t, err, ErrNoRoot)

	_, err = c.Crawl(context.Background(), randomIdentity(t), 0)
	assert.ErrorIs(t, err, ErrBadDepth)

	fetcher.Close()
	_, err = c.Crawl(context.Background(), randomIdentity(t), 3)
	assert.ErrorIs(t, err, relay.ErrNoRelayReachable)
}

func TestCrawlExclusivity(t *testing.T) {
	g, root, _ := diamondGraph(t)
	st := newTestStore(t)
	fetcher := newFakeFetcher(g)
	fetcher.gate = make(chan struct{})
	c := New(st, fetcher, DefaultConfig(), nil)

	firstDone := make(chan Result, 1)
	go func() {
		result, _ := c.Crawl(context.Background(), root, 3)
		firstDone <- result
	}()

	// Wait for the first crawl to hold the session.
	require.Eventually(t, func() bool {
		return c.Status().InProgress
	}, 2*time.Second, 10*time.Millisecond)

	_, err := c.Crawl(context.Background(), randomIdentity(t), 3)
	assert.ErrorIs(t, err, ErrCrawlRunning)

	close(fetcher.gate)
	select {
	case result := <-firstDone:
		assert.False(t, result.Aborted, "second attempt must not disturb the first")
		assert.Equal(t, 4, result.Fetched)
	case <-time.After(5 * time.Second):
		t.Fatal("first crawl did not finish")
	}
	assert.False(t, c.Status().InProgress)
}

func TestAbortMidCrawl(t *testing.T) {
	// A two-level chain so the crawl needs several batches.
	root := randomIdentity(t)
	g := map[identity.Identity][]identity.Identity{root: {}}
	prev := root
	for i := 0; i < 5; i++ {
		next := randomIdentity(t)
		g[prev] = []identity.Identity{next}
		g[next] = []identity.Identity{}
		prev = next
	}

	st := newTestStore(t)
	fetcher := newFakeFetcher(g)
	fetcher.gate = make(chan struct{})
	cfg := DefaultConfig()
	cfg.BatchSize = 1
	c := New(st, fetcher, cfg, nil)

	done := make(chan Result, 1)
	go func() {
		result, _ := c.Crawl(context.Background(), root, 10)
		done <- result
	}()

	require.Eventually(t, func() bool {
		return c.Status().InProgress
	}, 2*time.Second, 10*time.Millisecond)

	c.Abort()

	select {
	case result := <-done:
		assert.True(t, result.Aborted)
		// Nothing double-counted: totals are a prefix of the 6-node chain.
		assert.LessOrEqual(t, result.Total, 6)
		assert.Equal(t, result.Total, result.Fetched+result.Reused+result.Failed)
	case <-time.After(5 * time.Second):
		t.Fatal("aborted crawl did not return")
	}

	status := c.Status()
	assert.False(t, status.InProgress)
	require.NotNil(t, status.LastKnownState)
	assert.Equal(t, StateAborted, status.LastKnownState.State)
}

func TestSecondCrawlReusesCache(t *testing.T) {
	g, root, _ := diamondGraph(t)
	st := newTestStore(t)
	fetcher := newFakeFetcher(g)
	c := New(st, fetcher, DefaultConfig(), nil)

	first, err := c.Crawl(context.Background(), root, 3)
	require.NoError(t, err)
	require.Equal(t, 4, first.Fetched)
	callsAfterFirst := fetcher.totalCalls()

	second, err := c.Crawl(context.Background(), root, 3)
	require.NoError(t, err)

	assert.Equal(t, 0, second.Fetched)
	assert.Equal(t, 4, second.Reused)
	assert.Equal(t, callsAfterFirst, fetcher.totalCalls(), "warm crawl must not touch the network")
	assert.Equal(t, first.PerDepthCounts, second.PerDepthCounts)
}

func TestFailedFetchCountsAtBoundary(t *testing.T) {
	g, root, target := diamondGraph(t)
	st := newTestStore(t)
	fetcher := newFakeFetcher(g)
	fetcher.fail[target] = true
	c := New(st, fetcher, DefaultConfig(), nil)

	result, err := c.Crawl(context.Background(), root, 2)
	require.NoError(t, err)

	assert.Equal(t, 3, result.Fetched)
	assert.Equal(t, 1, result.Failed)
	// The boundary node still counts toward depth 2's tally.
	assert.Equal(t, []int{1, 2, 1}, result.PerDepthCounts)
}

func TestFailedFetchDoesNotAbortCrawl(t *testing.T) {
	g, root, _ := diamondGraph(t)
	// One mid-level failure; the other branch still reaches the target.
	var a identity.Identity
	for id, follows := range g {
		if id != root && len(follows) == 1 {
			a = id
			break
		}
	}
	st := newTestStore(t)
	fetcher := newFakeFetcher(g)
	fetcher.fail[a] = true
	c := New(st, fetcher, DefaultConfig(), nil)

	result, err := c.Crawl(context.Background(), root, 3)
	require.NoError(t, err)

	assert.False(t, result.Aborted)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 3, result.Fetched)
}

func TestWarmAndColdCrawlsYieldSameShortestPaths(t *testing.T) {
	g, root, target := diamondGraph(t)

	// Cold: everything fetched from the network.
	coldStore := newTestStore(t)
	cold := New(coldStore, newFakeFetcher(g), DefaultConfig(), nil)
	_, err := cold.Crawl(context.Background(), root, 3)
	require.NoError(t, err)

	// Warm: pre-seed part of the graph so the frontier mixes reused and
	// fetched nodes in the same batches.
	warmStore := newTestStore(t)
	warmStore.SaveEdges(root, g[root], time.Now())
	warmFetcher := newFakeFetcher(g)
	warm := New(warmStore, warmFetcher, DefaultConfig(), nil)
	result, err := warm.Crawl(context.Background(), root, 3)
	require.NoError(t, err)
	assert.Positive(t, result.Reused)
	assert.Positive(t, result.Fetched)

	// Both stores must answer shortest-path queries identically.
	for _, pair := range [][2]identity.Identity{{root, target}} {
		coldFrom, _ := coldStore.LookupID(pair[0])
		coldTo, _ := coldStore.LookupID(pair[1])
		warmFrom, ok := warmStore.LookupID(pair[0])
		require.True(t, ok)
		warmTo, ok := warmStore.LookupID(pair[1])
		require.True(t, ok)

		coldRes, coldOK := graph.NewEngine(coldStore).DistanceWithPaths(coldFrom, coldTo, 5)
		warmRes, warmOK := graph.NewEngine(warmStore).DistanceWithPaths(warmFrom, warmTo, 5)
		require.Equal(t, coldOK, warmOK)
		assert.Equal(t, coldRes, warmRes)
	}
}

func TestProgressSnapshots(t *testing.T) {
	g, root, _ := diamondGraph(t)
	st := newTestStore(t)

	var mu sync.Mutex
	var snapshots []Progress
	cfg := DefaultConfig()
	cfg.BatchSize = 1
	cfg.ProgressInterval = time.Nanosecond // effectively unthrottled for the test
	c := New(st, newFakeFetcher(g), cfg, func(p Progress) {
		mu.Lock()
		snapshots = append(snapshots, p)
		mu.Unlock()
	})

	_, err := c.Crawl(context.Background(), root, 3)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, snapshots)
	last := snapshots[len(snapshots)-1]
	assert.Equal(t, 3, last.TargetDepth)
	// Counts only grow across snapshots.
	for i := 1; i < len(snapshots); i++ {
		assert.GreaterOrEqual(t, snapshots[i].Fetched, snapshots[i-1].Fetched)
	}
}

func TestCrawlStatePersisted(t *testing.T) {
	g, root, _ := diamondGraph(t)
	dbPath := filepath.Join(t.TempDir(), "graph.db")
	st, err := store.New(dbPath, store.DefaultFlushConfig())
	require.NoError(t, err)

	c := New(st, newFakeFetcher(g), DefaultConfig(), nil)
	_, err = c.Crawl(context.Background(), root, 3)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	// A new crawler over a reopened store sees the finished crawl.
	st2, err := store.New(dbPath, store.DefaultFlushConfig())
	require.NoError(t, err)
	defer st2.Close()

	c2 := New(st2, newFakeFetcher(g), DefaultConfig(), nil)
	status := c2.Status()
	require.NotNil(t, status.LastKnownState)
	assert.Equal(t, StateCompleted, status.LastKnownState.State)
	assert.Equal(t, root.Hex(), status.LastKnownState.Root)
	assert.Equal(t, 4, status.LastKnownState.Fetched)
}

func TestUnknownIdentityBecomesEmptyRecord(t *testing.T) {
	root := randomIdentity(t)
	st := newTestStore(t)
	// The fetcher knows nothing about root: it answers (nil, nil).
	c := New(st, newFakeFetcher(map[identity.Identity][]identity.Identity{}), DefaultConfig(), nil)

	result, err := c.Crawl(context.Background(), root, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Fetched)
	assert.Equal(t, 0, result.Failed)

	numID, ok := st.LookupID(root)
	require.True(t, ok)
	assert.True(t, st.HasRecord(numID), "checked-nothing-found must be a valid record")
	assert.Empty(t, st.GetFollowIDsSync(numID))
}

func TestAbortWithoutCrawlIsNoOp(t *testing.T) {
	st := newTestStore(t)
	c := New(st, newFakeFetcher(nil), DefaultConfig(), nil)
	c.Abort()
	assert.False(t, c.Status().InProgress)
}
