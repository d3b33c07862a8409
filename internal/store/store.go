// ABOUTME: Data types and stats for the follow-graph store.
// ABOUTME: Numeric ids are dense integers assigned on first sighting of an identity.

package store

import (
	"time"

	"github.com/2389/wotgraph/internal/identity"
)

// Metadata keys used in the meta table.
const (
	// MetaLastCrawl holds the JSON-encoded state of the most recent crawl.
	MetaLastCrawl = "last_crawl"
)

// AdjacencyRecord holds the stored out-edges for one identity.
type AdjacencyRecord struct {
	ID        int64
	Follows   []int64
	UpdatedAt time.Time
}

// Stats summarizes the store contents.
type Stats struct {
	NodeCount            int       `json:"node_count"`
	EdgeCount            int       `json:"edge_count"`
	UniqueIdentityCount  int       `json:"unique_identity_count"`
	LastCrawlTimestamp   time.Time `json:"last_crawl_timestamp"`
	PerDepthCounts       []int     `json:"per_depth_counts,omitempty"`
	ApproxStorageBytes   int64     `json:"approx_storage_bytes"`
}

// Snapshot is the export/import document. Keys are hex identities, not
// numeric ids, so a snapshot survives id-map resets.
type Snapshot struct {
	Version    int                 `json:"version"`
	ExportedAt time.Time           `json:"exported_at"`
	Follows    map[string][]string `json:"follows"`
	Meta       map[string]string   `json:"meta,omitempty"`
}

// followEntry is the in-memory adjacency cache value.
type followEntry struct {
	follows   []int64
	updatedAt time.Time
}

// identityKey converts an Identity to the map key used internally.
func identityKey(id identity.Identity) string {
	return id.Hex()
}
