// Package crawler orchestrates bounded-depth breadth-first crawls of the
// follow graph. A crawl is an owned session granted exclusively by the
// scheduler: cache hits in the graph store are reused without touching the
// network, misses are dispatched to the relay pool in batches, and results
// feed back into the store. Exactly one crawl runs at a time.
package crawler
