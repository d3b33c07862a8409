// ABOUTME: Tests for the SQLite-backed graph store.
// ABOUTME: Covers id allocation, edge saves, timestamp ordering, persistence, and clear.

package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/2389/wotgraph/internal/identity"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "graph.db")
	s, err := New(dbPath, DefaultFlushConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func randomIdentity(t *testing.T) identity.Identity {
	t.Helper()
	var buf [identity.Size]byte
	if _, err := rand.Read(buf[:]); err != nil {
		t.Fatalf("reading random bytes: %v", err)
	}
	return identity.MustParse(hex.EncodeToString(buf[:]))
}

func TestGetOrCreateIDIdempotent(t *testing.T) {
	s := newTestStore(t)
	id := randomIdentity(t)

	first := s.GetOrCreateID(id)
	second := s.GetOrCreateID(id)
	if first != second {
		t.Errorf("same identity got ids %d and %d", first, second)
	}
	if first != 1 {
		t.Errorf("first id = %d, want 1", first)
	}

	other := s.GetOrCreateID(randomIdentity(t))
	if other != 2 {
		t.Errorf("second identity id = %d, want 2", other)
	}
}

func TestSaveEdgesAndReadBack(t *testing.T) {
	s := newTestStore(t)
	root := randomIdentity(t)
	a := randomIdentity(t)
	b := randomIdentity(t)

	rootID := s.SaveEdges(root, []identity.Identity{a, b}, time.Now())

	follows := s.GetFollowIDsSync(rootID)
	if len(follows) != 2 {
		t.Fatalf("got %d follows, want 2", len(follows))
	}

	aID, ok := s.LookupID(a)
	if !ok {
		t.Fatal("followed identity was not assigned an id")
	}
	found := false
	for _, fid := range follows {
		if fid == aID {
			found = true
		}
	}
	if !found {
		t.Errorf("follows %v does not contain %d", follows, aID)
	}
}

func TestSaveEdgesIdempotent(t *testing.T) {
	s := newTestStore(t)
	root := randomIdentity(t)
	targets := []identity.Identity{randomIdentity(t), randomIdentity(t)}

	now := time.Now()
	rootID := s.SaveEdges(root, targets, now)
	before := s.GetFollowIDsSync(rootID)
	idCount := s.Stats().UniqueIdentityCount

	s.SaveEdges(root, targets, now)
	after := s.GetFollowIDsSync(rootID)

	if !reflect.DeepEqual(before, after) {
		t.Errorf("repeated save changed follows: %v -> %v", before, after)
	}
	if got := s.Stats().UniqueIdentityCount; got != idCount {
		t.Errorf("repeated save created ids: %d -> %d", idCount, got)
	}
}

func TestStaleEventNeverOverwritesNewer(t *testing.T) {
	s := newTestStore(t)
	root := randomIdentity(t)
	newer := []identity.Identity{randomIdentity(t)}
	older := []identity.Identity{randomIdentity(t), randomIdentity(t)}

	now := time.Now()
	rootID := s.SaveEdges(root, newer, now)
	want := s.GetFollowIDsSync(rootID)

	// A slower fetch completing later with an older event timestamp.
	s.SaveEdges(root, older, now.Add(-time.Hour))

	if got := s.GetFollowIDsSync(rootID); !reflect.DeepEqual(got, want) {
		t.Errorf("stale event overwrote newer data: %v, want %v", got, want)
	}
}

func TestEmptyFollowsIsValidRecord(t *testing.T) {
	s := newTestStore(t)
	id := randomIdentity(t)

	numID := s.SaveEdges(id, nil, time.Now())
	if !s.HasRecord(numID) {
		t.Error("empty follow list did not create a record")
	}
	if got := s.GetFollowIDsSync(numID); len(got) != 0 {
		t.Errorf("empty record returned follows %v", got)
	}
}

func TestUnknownIDReturnsEmpty(t *testing.T) {
	s := newTestStore(t)
	if got := s.GetFollowIDsSync(999); len(got) != 0 {
		t.Errorf("unknown id returned %v", got)
	}
	if s.HasRecord(999) {
		t.Error("unknown id reported as having a record")
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "graph.db")
	s, err := New(dbPath, DefaultFlushConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	root := randomIdentity(t)
	a := randomIdentity(t)
	eventTime := time.Now().Truncate(time.Second)
	rootID := s.SaveEdges(root, []identity.Identity{a}, eventTime)
	want := s.GetFollowIDsSync(rootID)

	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s2, err := New(dbPath, DefaultFlushConfig())
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()

	gotID, ok := s2.LookupID(root)
	if !ok {
		t.Fatal("root identity lost on reopen")
	}
	if gotID != rootID {
		t.Errorf("root id changed on reopen: %d -> %d", rootID, gotID)
	}
	if got := s2.GetFollowIDsSync(gotID); !reflect.DeepEqual(got, want) {
		t.Errorf("follows after reopen = %v, want %v", got, want)
	}
}

func TestClearAllResetsIDs(t *testing.T) {
	s := newTestStore(t)
	s.SaveEdges(randomIdentity(t), []identity.Identity{randomIdentity(t)}, time.Now())

	if err := s.ClearAll(context.Background()); err != nil {
		t.Fatalf("ClearAll failed: %v", err)
	}

	st := s.Stats()
	if st.UniqueIdentityCount != 0 || st.NodeCount != 0 || st.EdgeCount != 0 {
		t.Errorf("store not empty after clear: %+v", st)
	}
	if got := s.GetOrCreateID(randomIdentity(t)); got != 1 {
		t.Errorf("first id after clear = %d, want 1", got)
	}
}

func TestMetaRoundTrip(t *testing.T) {
	s := newTestStore(t)

	if got, err := s.GetMeta("missing"); err != nil || got != "" {
		t.Errorf("GetMeta(missing) = (%q, %v), want empty", got, err)
	}
	if err := s.SetMeta("k", "v1"); err != nil {
		t.Fatalf("SetMeta failed: %v", err)
	}
	if err := s.SetMeta("k", "v2"); err != nil {
		t.Fatalf("SetMeta overwrite failed: %v", err)
	}
	if got, _ := s.GetMeta("k"); got != "v2" {
		t.Errorf("GetMeta = %q, want v2", got)
	}
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	root := randomIdentity(t)
	s.SaveEdges(root, []identity.Identity{randomIdentity(t), randomIdentity(t)}, time.Now())

	st := s.Stats()
	if st.NodeCount != 1 {
		t.Errorf("NodeCount = %d, want 1", st.NodeCount)
	}
	if st.EdgeCount != 2 {
		t.Errorf("EdgeCount = %d, want 2", st.EdgeCount)
	}
	if st.UniqueIdentityCount != 3 {
		t.Errorf("UniqueIdentityCount = %d, want 3", st.UniqueIdentityCount)
	}
	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if s.Stats().ApproxStorageBytes <= 0 {
		t.Error("ApproxStorageBytes not reported")
	}
}
