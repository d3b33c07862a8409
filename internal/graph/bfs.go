// ABOUTME: Synchronous BFS algorithms over the store's in-memory adjacency reads.
// ABOUTME: Distance, shortest-path counting, batch lookup, path reconstruction, common follows.

package graph

// NeighborSource supplies synchronous, memory-only out-edge lookups.
// Unknown ids yield an empty slice.
type NeighborSource interface {
	GetFollowIDsSync(numID int64) []int64
}

// Result is the outcome of a path-counting distance query.
type Result struct {
	Hops  int `json:"hops"`
	Paths int `json:"paths"`
}

// Engine runs read-only queries over a NeighborSource. All traversal is
// bounded by maxHops so dense components always terminate. Engine methods
// perform no I/O and run to completion once called.
type Engine struct {
	src NeighborSource
}

// NewEngine creates an Engine over the given source.
func NewEngine(src NeighborSource) *Engine {
	return &Engine{src: src}
}

// Distance returns the hop count of the shortest path from one id to
// another, or false if the target is unreachable within maxHops.
// The distance from an id to itself is 0.
func (e *Engine) Distance(from, to int64, maxHops int) (int, bool) {
	if from == to {
		return 0, true
	}

	visited := map[int64]bool{from: true}
	frontier := []int64{from}

	for depth := 0; depth < maxHops && len(frontier) > 0; depth++ {
		var next []int64
		for _, u := range frontier {
			for _, v := range e.src.GetFollowIDsSync(u) {
				if visited[v] {
					continue
				}
				if v == to {
					return depth + 1, true
				}
				visited[v] = true
				next = append(next, v)
			}
		}
		frontier = next
	}
	return 0, false
}

// DistanceWithPaths returns the shortest hop count together with the exact
// number of distinct shortest paths. Each frontier node carries the number
// of shortest paths reaching it; expanding a node adds its count to every
// neighbor discovered at the next level, and nodes already seen at that
// same level accumulate further counts. A whole level is always finished
// before the result is finalized, so all equal-length predecessors
// contribute.
func (e *Engine) DistanceWithPaths(from, to int64, maxHops int) (Result, bool) {
	if from == to {
		return Result{Hops: 0, Paths: 1}, true
	}

	dist := map[int64]int{from: 0}
	count := map[int64]int{from: 1}
	frontier := []int64{from}

	for depth := 0; depth < maxHops && len(frontier) > 0; depth++ {
		var next []int64
		for _, u := range frontier {
			for _, v := range e.src.GetFollowIDsSync(u) {
				if d, seen := dist[v]; seen {
					if d == depth+1 {
						count[v] += count[u]
					}
					continue
				}
				dist[v] = depth + 1
				count[v] = count[u]
				next = append(next, v)
			}
		}
		if d, ok := dist[to]; ok && d == depth+1 {
			return Result{Hops: d, Paths: count[to]}, true
		}
		frontier = next
	}
	return Result{}, false
}

// BatchDistances resolves distances from one source to many targets in a
// single traversal. Unreached targets map to nil. Results match what
// individual Distance/DistanceWithPaths calls would return.
func (e *Engine) BatchDistances(from int64, targets []int64, maxHops int, withPaths bool) map[int64]*Result {
	out := make(map[int64]*Result, len(targets))
	remaining := make(map[int64]bool, len(targets))
	for _, t := range targets {
		out[t] = nil
		if t == from {
			res := &Result{Hops: 0, Paths: 1}
			if !withPaths {
				res.Paths = 0
			}
			out[t] = res
			continue
		}
		remaining[t] = true
	}
	if len(remaining) == 0 {
		return out
	}

	dist := map[int64]int{from: 0}
	count := map[int64]int{from: 1}
	frontier := []int64{from}

	for depth := 0; depth < maxHops && len(frontier) > 0; depth++ {
		var next []int64
		for _, u := range frontier {
			for _, v := range e.src.GetFollowIDsSync(u) {
				if d, seen := dist[v]; seen {
					if d == depth+1 {
						count[v] += count[u]
					}
					continue
				}
				dist[v] = depth + 1
				count[v] = count[u]
				next = append(next, v)
			}
		}
		// Finalize targets resolved at this level only after the whole
		// level has been expanded, so path counts are complete.
		for t := range remaining {
			if d, ok := dist[t]; ok && d == depth+1 {
				res := &Result{Hops: d, Paths: count[t]}
				if !withPaths {
					res.Paths = 0
				}
				out[t] = res
				delete(remaining, t)
			}
		}
		if len(remaining) == 0 {
			break
		}
		frontier = next
	}
	return out
}

// Path reconstructs one shortest path from one id to another, inclusive of
// both endpoints, or nil if unreachable within maxHops. Ties break by
// discovery order; the result is not guaranteed lexicographically minimal.
func (e *Engine) Path(from, to int64, maxHops int) []int64 {
	if from == to {
		return []int64{from}
	}

	pred := map[int64]int64{}
	visited := map[int64]bool{from: true}
	frontier := []int64{from}

	for depth := 0; depth < maxHops && len(frontier) > 0; depth++ {
		var next []int64
		for _, u := range frontier {
			for _, v := range e.src.GetFollowIDsSync(u) {
				if visited[v] {
					continue
				}
				visited[v] = true
				pred[v] = u
				if v == to {
					return reconstruct(pred, from, to)
				}
				next = append(next, v)
			}
		}
		frontier = next
	}
	return nil
}

// reconstruct walks predecessors back from to and reverses the chain.
func reconstruct(pred map[int64]int64, from, to int64) []int64 {
	path := []int64{to}
	for cur := to; cur != from; {
		cur = pred[cur]
		path = append(path, cur)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// CommonFollows returns the ids followed by both a and b, in the order
// they appear in a's follow list.
func (e *Engine) CommonFollows(a, b int64) []int64 {
	bSet := make(map[int64]bool)
	for _, v := range e.src.GetFollowIDsSync(b) {
		bSet[v] = true
	}

	var out []int64
	seen := make(map[int64]bool)
	for _, v := range e.src.GetFollowIDsSync(a) {
		if bSet[v] && !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
