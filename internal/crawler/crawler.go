// ABOUTME: Bounded-depth breadth-first crawler populating the graph store from relays.
// ABOUTME: One exclusive session at a time; cache hits are reused, misses dispatched to the pool.

package crawler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/wotgraph/internal/identity"
	"github.com/2389/wotgraph/internal/relay"
	"github.com/2389/wotgraph/internal/store"
)

// ErrCrawlRunning indicates a crawl session is already held.
var ErrCrawlRunning = errors.New("crawl already running")

// ErrNoRoot indicates a crawl was started without a root identity.
var ErrNoRoot = errors.New("no root identity")

// ErrBadDepth indicates a non-positive max depth.
var ErrBadDepth = errors.New("max depth must be positive")

// State is the crawl lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateAborted   State = "aborted"
	StateFailed    State = "failed"
)

// GraphStore is the slice of the store the crawler writes through.
type GraphStore interface {
	LookupID(id identity.Identity) (int64, bool)
	IdentityOf(numID int64) (identity.Identity, bool)
	HasRecord(numID int64) bool
	GetFollowIDsSync(numID int64) []int64
	SaveEdges(id identity.Identity, followed []identity.Identity, eventTime time.Time) int64
	Flush(ctx context.Context) error
	SetMeta(key, value string) error
	GetMeta(key string) (string, error)
}

// Fetcher is the slice of the relay pool the crawler dispatches to.
type Fetcher interface {
	Fetch(ctx context.Context, id identity.Identity) (*relay.Event, error)
	Reachable() int
	Close()
}

// Progress is a throttled, purely informational crawl snapshot.
type Progress struct {
	Fetched        int   `json:"fetched"`
	Reused         int   `json:"reused"`
	Failed         int   `json:"failed"`
	CurrentDepth   int   `json:"current_depth"`
	TargetDepth    int   `json:"target_depth"`
	PerDepthCounts []int `json:"per_depth_counts"`
}

// Result is the aggregate outcome of one crawl.
type Result struct {
	Total          int   `json:"total"`
	Fetched        int   `json:"fetched"`
	Reused         int   `json:"reused"`
	Failed         int   `json:"failed"`
	PerDepthCounts []int `json:"per_depth_counts"`
	Aborted        bool  `json:"aborted,omitempty"`
}

// CrawlState is the externally observable record of the most recent crawl,
// persisted in store metadata so an interrupted crawl leaves a trace.
type CrawlState struct {
	Root           string    `json:"root"`
	MaxDepth       int       `json:"max_depth"`
	State          State     `json:"state"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at,omitempty"`
	Fetched        int       `json:"fetched"`
	Reused         int       `json:"reused"`
	Failed         int       `json:"failed"`
	PerDepthCounts []int     `json:"per_depth_counts,omitempty"`
}

// Status reports whether a crawl is in progress plus the last known state.
type Status struct {
	InProgress     bool        `json:"in_progress"`
	LastKnownState *CrawlState `json:"last_known_state,omitempty"`
}

// Config tunes the crawler.
type Config struct {
	BatchSize        int           // frontier items dequeued per batch
	ProgressInterval time.Duration // minimum gap between progress snapshots
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{BatchSize: 50, ProgressInterval: 200 * time.Millisecond}
}

// frontierItem is one pending visitation within a crawl.
type frontierItem struct {
	id    identity.Identity
	depth int
}

// session owns one running crawl. The scheduler grants at most one; a held
// session is what makes concurrent crawl attempts fail instead of interleave.
type session struct {
	root     identity.Identity
	maxDepth int

	frontier []frontierItem
	enqueued map[identity.Identity]bool

	fetched  int
	reused   int
	failed   int
	perDepth []int

	abortCh      chan struct{}
	abortOnce    sync.Once
	lastProgress time.Time
}

func (s *session) aborted() bool {
	select {
	case <-s.abortCh:
		return true
	default:
		return false
	}
}

// countNode tallies one visited node at its discovery depth. Failed nodes
// count too: a failure at the max-depth boundary is still a reachable node.
func (s *session) countNode(depth int) {
	for len(s.perDepth) <= depth {
		s.perDepth = append(s.perDepth, 0)
	}
	s.perDepth[depth]++
}

// enqueueNeighbors is the single gate through which both the cache-hit and
// fetch-success paths extend the frontier. An identity enters a crawl's
// frontier at most once; its first-discovered depth wins.
func (s *session) enqueueNeighbors(followed []identity.Identity, depth int) {
	if depth > s.maxDepth {
		return
	}
	for _, f := range followed {
		if s.enqueued[f] {
			continue
		}
		s.enqueued[f] = true
		s.frontier = append(s.frontier, frontierItem{id: f, depth: depth})
	}
}

// Crawler schedules exclusive crawl sessions over a store and relay pool.
type Crawler struct {
	store  GraphStore
	pool   Fetcher
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	session   *session
	lastState *CrawlState

	onProgress func(Progress)
}

// New creates a Crawler. The progress callback may be nil; snapshots are
// informational and safe to ignore.
func New(st GraphStore, pool Fetcher, cfg Config, onProgress func(Progress)) *Crawler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 200 * time.Millisecond
	}
	c := &Crawler{
		store:      st,
		pool:       pool,
		cfg:        cfg,
		logger:     slog.Default().With("component", "crawler"),
		onProgress: onProgress,
	}
	c.loadLastState()
	return c
}

// loadLastState restores the persisted crawl record, if any.
func (c *Crawler) loadLastState() {
	raw, err := c.store.GetMeta(store.MetaLastCrawl)
	if err != nil || raw == "" {
		return
	}
	var cs CrawlState
	if err := json.Unmarshal([]byte(raw), &cs); err != nil {
		c.logger.Warn("discarding unreadable crawl state", "error", err)
		return
	}
	// A crawl that was Running when the process died never finished.
	if cs.State == StateRunning {
		cs.State = StateFailed
	}
	c.lastState = &cs
}

// Status returns whether a crawl is running and the last known crawl state.
func (c *Crawler) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{InProgress: c.session != nil, LastKnownState: c.lastState}
}

// Abort requests that the running crawl stop soon. Best effort: the flag is
// polled between batches, and relay connections are closed to resolve any
// in-flight fetches. No-op when no crawl is running.
func (c *Crawler) Abort() {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil {
		return
	}
	sess.abortOnce.Do(func() {
		close(sess.abortCh)
		c.logger.Info("crawl abort requested")
		c.pool.Close()
	})
}

// Crawl runs one bounded-depth breadth-first crawl from root. It rejects
// immediately when a crawl is already running, the root is missing, the
// depth is non-positive, or no relay is reachable.
func (c *Crawler) Crawl(ctx context.Context, root identity.Identity, maxDepth int) (Result, error) {
	if root.IsZero() {
		return Result{}, ErrNoRoot
	}
	if maxDepth <= 0 {
		return Result{}, ErrBadDepth
	}

	sess := &session{
		root:     root,
		maxDepth: maxDepth,
		enqueued: map[identity.Identity]bool{root: true},
		frontier: []frontierItem{{id: root, depth: 0}},
		abortCh:  make(chan struct{}),
	}

	c.mu.Lock()
	if c.session != nil {
		c.mu.Unlock()
		return Result{}, ErrCrawlRunning
	}
	if c.pool.Reachable() == 0 {
		c.mu.Unlock()
		return Result{}, relay.ErrNoRelayReachable
	}
	c.session = sess
	c.mu.Unlock()

	startedAt := time.Now().UTC()
	c.persistState(&CrawlState{
		Root:      root.Hex(),
		MaxDepth:  maxDepth,
		State:     StateRunning,
		StartedAt: startedAt,
	})
	c.logger.Info("crawl started", "root", root.Hex(), "max_depth", maxDepth)

	aborted := c.run(ctx, sess)

	// Flush buffered writes before releasing exclusivity; a durable-write
	// failure is surfaced but does not invalidate the in-memory result.
	flushErr := c.store.Flush(ctx)
	if flushErr != nil {
		c.logger.Error("flush after crawl failed", "error", flushErr)
	}

	finalState := StateCompleted
	if aborted {
		finalState = StateAborted
	}
	final := &CrawlState{
		Root:           root.Hex(),
		MaxDepth:       maxDepth,
		State:          finalState,
		StartedAt:      startedAt,
		FinishedAt:     time.Now().UTC(),
		Fetched:        sess.fetched,
		Reused:         sess.reused,
		Failed:         sess.failed,
		PerDepthCounts: sess.perDepth,
	}
	c.persistState(final)

	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()

	result := Result{
		Total:          sess.fetched + sess.reused + sess.failed,
		Fetched:        sess.fetched,
		Reused:         sess.reused,
		Failed:         sess.failed,
		PerDepthCounts: sess.perDepth,
		Aborted:        aborted,
	}
	c.logger.Info("crawl finished",
		"state", finalState,
		"total", result.Total,
		"fetched", result.Fetched,
		"reused", result.Reused,
		"failed", result.Failed,
	)
	return result, flushErr
}

// run drives the frontier to exhaustion or abort. Returns true on abort.
func (c *Crawler) run(ctx context.Context, sess *session) bool {
	for len(sess.frontier) > 0 {
		// Cancellation is cooperative: checked between batches only.
		if sess.aborted() || ctx.Err() != nil {
			return true
		}

		n := c.cfg.BatchSize
		if n > len(sess.frontier) {
			n = len(sess.frontier)
		}
		batch := sess.frontier[:n]
		sess.frontier = sess.frontier[n:]

		c.processBatch(ctx, sess, batch)
		c.emitProgress(sess, batch[len(batch)-1].depth)
	}
	return sess.aborted() || ctx.Err() != nil
}

// fetchOutcome is one relay answer for a frontier item.
type fetchOutcome struct {
	item  frontierItem
	event *relay.Event
	err   error
}

// processBatch serves cache hits locally and dispatches misses to the pool
// in parallel. Results are folded back into the session sequentially so the
// frontier and counters need no locking.
func (c *Crawler) processBatch(ctx context.Context, sess *session, batch []frontierItem) {
	misses := make([]frontierItem, 0, len(batch))
	for _, item := range batch {
		if numID, ok := c.store.LookupID(item.id); ok && c.store.HasRecord(numID) {
			sess.reused++
			sess.countNode(item.depth)
			sess.enqueueNeighbors(c.followedIdentities(numID), item.depth+1)
			continue
		}
		misses = append(misses, item)
	}
	if len(misses) == 0 {
		return
	}

	outcomes := make([]fetchOutcome, len(misses))
	g, gctx := errgroup.WithContext(ctx)
	for i, item := range misses {
		i, item := i, item
		g.Go(func() error {
			event, err := c.pool.Fetch(gctx, item.id)
			outcomes[i] = fetchOutcome{item: item, event: event, err: err}
			return nil
		})
	}
	g.Wait()

	for _, out := range outcomes {
		if out.err != nil {
			sess.failed++
			sess.countNode(out.item.depth)
			c.logger.Debug("fetch failed for crawl",
				"identity", out.item.id.Hex(), "depth", out.item.depth, "error", out.err)
			continue
		}

		var followed []identity.Identity
		var eventTime time.Time
		if out.event != nil {
			followed = out.event.Follows()
			eventTime = time.Unix(out.event.CreatedAt, 0).UTC()
		} else {
			// Checked, nothing found: an empty record with the check time.
			eventTime = time.Now().UTC()
		}
		c.store.SaveEdges(out.item.id, followed, eventTime)
		sess.fetched++
		sess.countNode(out.item.depth)
		sess.enqueueNeighbors(followed, out.item.depth+1)
	}
}

// followedIdentities maps a cached record's numeric follow ids back to identities.
func (c *Crawler) followedIdentities(numID int64) []identity.Identity {
	followIDs := c.store.GetFollowIDsSync(numID)
	out := make([]identity.Identity, 0, len(followIDs))
	for _, fid := range followIDs {
		if id, ok := c.store.IdentityOf(fid); ok {
			out = append(out, id)
		}
	}
	return out
}

// emitProgress sends a snapshot if the throttle interval has elapsed.
func (c *Crawler) emitProgress(sess *session, currentDepth int) {
	if c.onProgress == nil {
		return
	}
	now := time.Now()
	if now.Sub(sess.lastProgress) < c.cfg.ProgressInterval {
		return
	}
	sess.lastProgress = now

	counts := make([]int, len(sess.perDepth))
	copy(counts, sess.perDepth)
	c.onProgress(Progress{
		Fetched:        sess.fetched,
		Reused:         sess.reused,
		Failed:         sess.failed,
		CurrentDepth:   currentDepth,
		TargetDepth:    sess.maxDepth,
		PerDepthCounts: counts,
	})
}

// persistState writes the crawl record to store metadata.
func (c *Crawler) persistState(cs *CrawlState) {
	c.mu.Lock()
	c.lastState = cs
	c.mu.Unlock()

	raw, err := json.Marshal(cs)
	if err != nil {
		c.logger.Error("encoding crawl state", "error", err)
		return
	}
	if err := c.store.SetMeta(store.MetaLastCrawl, string(raw)); err != nil {
		c.logger.Error("persisting crawl state", "error", err)
	}
}
