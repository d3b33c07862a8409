// Package store holds the follow graph: a bidirectional identity↔numeric-id
// map, an in-memory adjacency cache, and compact SQLite persistence.
//
// # Addressing
//
// Every identity is assigned a dense integer on first sighting. Numeric ids
// are monotonic, never reused, and stable for the store's lifetime (until
// ClearAll resets them to 1). Both map directions are held fully in memory.
//
// # Durability
//
// Writes go to memory first and are buffered for SQLite; buffers flush on a
// size threshold or after a short idle delay. The in-memory cache is
// authoritative between flushes; a durable-write failure is logged and
// surfaced by Flush but never invalidates answers already served from memory.
//
// Adjacency rows are stored delta-encoded: neighbor ids sorted ascending,
// first id then successive differences, all uvarint. See EncodeNeighbors.
//
// New loads the full id map and adjacency table before returning, so a
// non-nil *Store is always ready to serve reads.
//
// # Read path
//
// GetFollowIDsSync is the sole primitive the graph algorithms build on. It
// is synchronous, memory-only, and returns an empty list for unknown ids.
package store
