// ABOUTME: SQLite-backed graph store using modernc.org/sqlite with an in-memory cache.
// ABOUTME: Buffers durable writes and flushes on size thresholds or idle delay.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/wotgraph/internal/identity"
)

// FlushConfig controls write buffering.
type FlushConfig struct {
	MaxRecords int           // adjacency records buffered before a flush
	MaxIDs     int           // new id mappings buffered before a flush
	IdleDelay  time.Duration // flush after this long without hitting a threshold
}

// DefaultFlushConfig matches the documented defaults.
func DefaultFlushConfig() FlushConfig {
	return FlushConfig{MaxRecords: 100, MaxIDs: 500, IdleDelay: 2 * time.Second}
}

// Store is the canonical identity map and adjacency cache with durable
// persistence. The in-memory cache is authoritative between flushes.
type Store struct {
	db     *sql.DB
	path   string
	cfg    FlushConfig
	logger *slog.Logger

	mu      sync.RWMutex
	idByKey map[string]int64
	keyByID map[int64]identity.Identity
	follows map[int64]followEntry
	nextID  int64

	flushMu      sync.Mutex
	pendingIDs   map[int64]identity.Identity
	pendingRecs  map[int64]followEntry
	flushTimer   *time.Timer
	flushing     bool
	lastFlushErr error
	closed       bool
}

// New opens (or creates) the store at path and loads the full id map and
// adjacency table into memory before returning. All operations on the
// returned store run against the loaded cache.
func New(path string, cfg FlushConfig) (*Store, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &Store{
		db:          db,
		path:        path,
		cfg:         cfg,
		logger:      logger,
		idByKey:     make(map[string]int64),
		keyByID:     make(map[int64]identity.Identity),
		follows:     make(map[int64]followEntry),
		nextID:      1,
		pendingIDs:  make(map[int64]identity.Identity),
		pendingRecs: make(map[int64]followEntry),
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.loadAll(); err != nil {
		db.Close()
		return nil, fmt.Errorf("loading graph: %w", err)
	}

	logger.Info("graph store initialized",
		"path", path,
		"identities", len(s.idByKey),
		"adjacency_records", len(s.follows),
	)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *Store) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS identities (
			num_id INTEGER PRIMARY KEY,
			pubkey TEXT NOT NULL UNIQUE
		);

		CREATE TABLE IF NOT EXISTS follows (
			num_id INTEGER PRIMARY KEY,
			encoded BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// loadAll reads the id map and adjacency table into the in-memory cache.
func (s *Store) loadAll() error {
	rows, err := s.db.Query("SELECT num_id, pubkey FROM identities")
	if err != nil {
		return fmt.Errorf("reading identities: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var numID int64
		var pubkey string
		if err := rows.Scan(&numID, &pubkey); err != nil {
			return fmt.Errorf("scanning identity row: %w", err)
		}
		id, err := identity.Parse(pubkey)
		if err != nil {
			return fmt.Errorf("identity row %d: %w", numID, err)
		}
		s.idByKey[identityKey(id)] = numID
		s.keyByID[numID] = id
		if numID >= s.nextID {
			s.nextID = numID + 1
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	frows, err := s.db.Query("SELECT num_id, encoded, updated_at FROM follows")
	if err != nil {
		return fmt.Errorf("reading follows: %w", err)
	}
	defer frows.Close()

	for frows.Next() {
		var numID, updatedAt int64
		var encoded []byte
		if err := frows.Scan(&numID, &encoded, &updatedAt); err != nil {
			return fmt.Errorf("scanning follows row: %w", err)
		}
		ids, err := DecodeNeighbors(encoded)
		if err != nil {
			return fmt.Errorf("follows row %d: %w", numID, err)
		}
		s.follows[numID] = followEntry{follows: ids, updatedAt: time.Unix(updatedAt, 0).UTC()}
	}
	return frows.Err()
}

// GetOrCreateID returns the numeric id for an identity, allocating the
// next integer on first sighting. New mappings are enqueued for durable
// persistence without blocking the caller.
func (s *Store) GetOrCreateID(id identity.Identity) int64 {
	key := identityKey(id)

	s.mu.Lock()
	if numID, ok := s.idByKey[key]; ok {
		s.mu.Unlock()
		return numID
	}
	numID := s.nextID
	s.nextID++
	s.idByKey[key] = numID
	s.keyByID[numID] = id
	s.mu.Unlock()

	s.flushMu.Lock()
	s.pendingIDs[numID] = id
	s.scheduleFlushLocked()
	s.flushMu.Unlock()

	return numID
}

// LookupID returns the numeric id for an identity without allocating one.
func (s *Store) LookupID(id identity.Identity) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	numID, ok := s.idByKey[identityKey(id)]
	return numID, ok
}

// IdentityOf returns the identity for a numeric id.
func (s *Store) IdentityOf(numID int64) (identity.Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.keyByID[numID]
	return id, ok
}

// SaveEdges records the out-edges for an identity as observed in an event
// with the given author-claimed timestamp. The in-memory adjacency is
// overwritten immediately and a durable write is enqueued. A record with
// a newer timestamp is never replaced by an older one, regardless of
// completion order. Returns the identity's numeric id.
func (s *Store) SaveEdges(id identity.Identity, followed []identity.Identity, eventTime time.Time) int64 {
	numID := s.GetOrCreateID(id)

	followIDs := make([]int64, 0, len(followed))
	for _, f := range followed {
		followIDs = append(followIDs, s.GetOrCreateID(f))
	}

	entry := followEntry{follows: followIDs, updatedAt: eventTime.UTC()}

	s.mu.Lock()
	if existing, ok := s.follows[numID]; ok && existing.updatedAt.After(entry.updatedAt) {
		s.mu.Unlock()
		s.logger.Debug("discarding stale contact list",
			"identity", id.Hex(),
			"event_time", eventTime,
			"have", existing.updatedAt,
		)
		return numID
	}
	s.follows[numID] = entry
	s.mu.Unlock()

	s.flushMu.Lock()
	s.pendingRecs[numID] = entry
	s.scheduleFlushLocked()
	s.flushMu.Unlock()

	return numID
}

// HasRecord reports whether an adjacency record exists for the numeric id.
// An empty follow list is a valid "checked, nothing found" record.
func (s *Store) HasRecord(numID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.follows[numID]
	return ok
}

// GetFollowIDsSync returns the cached out-edges for a numeric id. It is
// synchronous and memory-only: unknown ids yield an empty slice, and
// durable storage is never touched. This is the sole primitive the graph
// algorithms build on.
func (s *Store) GetFollowIDsSync(numID int64) []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.follows[numID]
	if !ok {
		return nil
	}
	return entry.follows
}

// scheduleFlushLocked arms the idle timer or triggers an immediate flush
// when a buffer threshold is reached. Caller holds flushMu.
func (s *Store) scheduleFlushLocked() {
	if s.closed {
		return
	}
	if len(s.pendingRecs) >= s.cfg.MaxRecords || len(s.pendingIDs) >= s.cfg.MaxIDs {
		s.startFlushLocked()
		return
	}
	if s.flushTimer == nil {
		s.flushTimer = time.AfterFunc(s.cfg.IdleDelay, func() {
			s.flushMu.Lock()
			s.flushTimer = nil
			s.startFlushLocked()
			s.flushMu.Unlock()
		})
	}
}

// startFlushLocked launches the background flush goroutine if one is not
// already draining. A running flush absorbs writes that arrive during it
// by looping until the buffers are empty. Caller holds flushMu.
func (s *Store) startFlushLocked() {
	if s.flushing {
		return
	}
	s.flushing = true
	go s.drain()
}

// drain writes buffered mappings and records until both buffers are empty.
func (s *Store) drain() {
	for {
		s.flushMu.Lock()
		ids := s.pendingIDs
		recs := s.pendingRecs
		if len(ids) == 0 && len(recs) == 0 {
			s.flushing = false
			s.flushMu.Unlock()
			return
		}
		s.pendingIDs = make(map[int64]identity.Identity)
		s.pendingRecs = make(map[int64]followEntry)
		s.flushMu.Unlock()

		if err := s.writeBatch(ids, recs); err != nil {
			s.logger.Error("durable write failed", "error", err,
				"ids", len(ids), "records", len(recs))
			s.flushMu.Lock()
			s.lastFlushErr = err
			s.flushing = false
			s.flushMu.Unlock()
			return
		}
	}
}

// writeBatch persists one batch of id mappings and adjacency records in a
// single transaction.
func (s *Store) writeBatch(ids map[int64]identity.Identity, recs map[int64]followEntry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning flush transaction: %w", err)
	}
	defer tx.Rollback()

	for numID, id := range ids {
		if _, err := tx.Exec(
			"INSERT OR IGNORE INTO identities (num_id, pubkey) VALUES (?, ?)",
			numID, id.Hex(),
		); err != nil {
			return fmt.Errorf("writing identity %d: %w", numID, err)
		}
	}

	for numID, entry := range recs {
		encoded := EncodeNeighbors(entry.follows)
		if _, err := tx.Exec(
			`INSERT INTO follows (num_id, encoded, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(num_id) DO UPDATE SET encoded = excluded.encoded, updated_at = excluded.updated_at
			 WHERE excluded.updated_at >= follows.updated_at`,
			numID, encoded, entry.updatedAt.Unix(),
		); err != nil {
			return fmt.Errorf("writing follows %d: %w", numID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing flush: %w", err)
	}
	return nil
}

// Flush synchronously drains all buffered writes. It returns the first
// error from any flush since the last call; in-memory state remains
// usable for reads even when durability is lost.
func (s *Store) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	ids := s.pendingIDs
	recs := s.pendingRecs
	s.pendingIDs = make(map[int64]identity.Identity)
	s.pendingRecs = make(map[int64]followEntry)
	err := s.lastFlushErr
	s.lastFlushErr = nil
	s.flushMu.Unlock()

	if len(ids) > 0 || len(recs) > 0 {
		if werr := s.writeBatch(ids, recs); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}

// SetMeta persists a metadata key/value pair immediately.
func (s *Store) SetMeta(key, value string) error {
	_, err := s.db.Exec(
		"INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value,
	)
	if err != nil {
		return fmt.Errorf("writing meta %q: %w", key, err)
	}
	return nil
}

// GetMeta reads a metadata value. Missing keys return an empty string.
func (s *Store) GetMeta(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading meta %q: %w", key, err)
	}
	return value, nil
}

// ClearAll atomically empties the in-memory structures, cancels pending
// flushes, and truncates durable storage. Numeric ids restart at 1.
func (s *Store) ClearAll(ctx context.Context) error {
	s.flushMu.Lock()
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	s.pendingIDs = make(map[int64]identity.Identity)
	s.pendingRecs = make(map[int64]followEntry)
	s.lastFlushErr = nil
	s.flushMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning clear transaction: %w", err)
	}
	defer tx.Rollback()
	for _, table := range []string{"identities", "follows", "meta"} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("clearing %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing clear: %w", err)
	}

	s.mu.Lock()
	s.idByKey = make(map[string]int64)
	s.keyByID = make(map[int64]identity.Identity)
	s.follows = make(map[int64]followEntry)
	s.nextID = 1
	s.mu.Unlock()

	s.logger.Info("graph store cleared")
	return nil
}

// Stats returns node, edge, and storage-size counters.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	edges := 0
	for _, entry := range s.follows {
		edges += len(entry.follows)
	}
	st := Stats{
		NodeCount:           len(s.follows),
		EdgeCount:           edges,
		UniqueIdentityCount: len(s.idByKey),
	}
	s.mu.RUnlock()

	st.ApproxStorageBytes = s.storageBytes()
	return st
}

// storageBytes sums the sizes of the database and its WAL.
func (s *Store) storageBytes() int64 {
	var total int64
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if info, err := os.Stat(s.path + suffix); err == nil {
			total += info.Size()
		}
	}
	return total
}

// Close flushes buffered writes and closes the database.
func (s *Store) Close() error {
	s.flushMu.Lock()
	s.closed = true
	s.flushMu.Unlock()

	if err := s.Flush(context.Background()); err != nil {
		s.logger.Error("final flush failed", "error", err)
	}
	return s.db.Close()
}
