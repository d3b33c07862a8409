// Package graph implements the read-only BFS query engine over the graph
// store's synchronous in-memory adjacency reads. No operation performs I/O,
// and every traversal is bounded by a caller-supplied hop limit.
package graph
