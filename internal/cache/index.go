package cache

import (
	"container/heap"
	"sort"
)

const (
	defaultGraphDegree      = 16
	defaultGraphEFSearch    = 64
	defaultGraphEFConstruct = 100
)

// nswIndex is a navigable small-world proximity graph over semantic cache
// arena slots. It provides sub-linear approximate nearest-neighbor search
// once the tier outgrows brute-force scanning. Nodes are arena slot ids;
// similarity is delegated back to the owning cache so vectors are stored
// only once.
//
// The index is not safe for concurrent use on its own; the owning cache's
// lock guards all access.
type nswIndex struct {
	degree      int
	efSearch    int
	efConstruct int
	neighbors   map[int][]int
	entry       int // entry point slot id, -1 when empty
	simPair     func(a, b int) float32
}

func newNSWIndex(simPair func(a, b int) float32) *nswIndex {
	return &nswIndex{
		degree:      defaultGraphDegree,
		efSearch:    defaultGraphEFSearch,
		efConstruct: defaultGraphEFConstruct,
		neighbors:   make(map[int][]int),
		entry:       -1,
		simPair:     simPair,
	}
}

type scored struct {
	id  int
	sim float32
}

// scoredHeap is a min-heap by similarity when min is true, max-heap otherwise.
type scoredHeap struct {
	items []scored
	min   bool
}

func (h *scoredHeap) Len() int { return len(h.items) }
func (h *scoredHeap) Less(i, j int) bool {
	if h.min {
		return h.items[i].sim < h.items[j].sim
	}
	return h.items[i].sim > h.items[j].sim
}
func (h *scoredHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *scoredHeap) Push(x any)    { h.items = append(h.items, x.(scored)) }
func (h *scoredHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}

// Len returns the number of indexed nodes.
func (x *nswIndex) Len() int {
	return len(x.neighbors)
}

// Insert adds a node and links it to its approximate nearest neighbors.
func (x *nswIndex) Insert(id int) {
	if x.entry == -1 {
		x.neighbors[id] = nil
		x.entry = id
		return
	}

	nearest := x.searchBy(func(other int) float32 { return x.simPair(id, other) }, x.efConstruct)
	if len(nearest) > x.degree {
		nearest = nearest[:x.degree]
	}

	links := make([]int, 0, len(nearest))
	for _, n := range nearest {
		links = append(links, n.id)
	}
	x.neighbors[id] = links

	// Link back, trimming each neighbor's list to the degree bound by
	// similarity so the graph stays navigable.
	for _, n := range nearest {
		x.neighbors[n.id] = append(x.neighbors[n.id], id)
		if len(x.neighbors[n.id]) > x.degree {
			x.trimNeighbors(n.id)
		}
	}
}

func (x *nswIndex) trimNeighbors(id int) {
	nbrs := x.neighbors[id]
	sort.Slice(nbrs, func(i, j int) bool {
		return x.simPair(id, nbrs[i]) > x.simPair(id, nbrs[j])
	})
	x.neighbors[id] = nbrs[:x.degree]
}

// Remove deletes a node and all edges referencing it. Degree trimming can
// leave edges asymmetric, so every adjacency list is checked rather than
// just the node's own.
func (x *nswIndex) Remove(id int) {
	delete(x.neighbors, id)
	for nbr, links := range x.neighbors {
		for i, l := range links {
			if l == id {
				x.neighbors[nbr] = append(links[:i], links[i+1:]...)
				break
			}
		}
	}

	if x.entry == id {
		x.entry = -1
		for other := range x.neighbors {
			x.entry = other
			break
		}
	}
}

// Search returns up to k candidate node ids ordered by descending
// approximate similarity to the query, which is evaluated through simTo.
func (x *nswIndex) Search(simTo func(id int) float32, k int) []scored {
	results := x.searchBy(simTo, max(x.efSearch, k))
	if len(results) > k {
		results = results[:k]
	}
	return results
}

// searchBy runs a greedy beam search from the entry point, keeping a beam of
// ef best candidates, and returns them sorted by descending similarity.
func (x *nswIndex) searchBy(simTo func(id int) float32, ef int) []scored {
	if x.entry == -1 {
		return nil
	}

	visited := map[int]bool{x.entry: true}
	entrySim := simTo(x.entry)

	// candidates to expand, best first
	candidates := &scoredHeap{min: false}
	heap.Push(candidates, scored{id: x.entry, sim: entrySim})

	// current beam, worst first so it can be shrunk
	beam := &scoredHeap{min: true}
	heap.Push(beam, scored{id: x.entry, sim: entrySim})

	for candidates.Len() > 0 {
		current := heap.Pop(candidates).(scored)

		// The best unexpanded candidate is worse than the worst of a full
		// beam: the search has converged.
		if beam.Len() >= ef && current.sim < beam.items[0].sim {
			break
		}

		for _, nbr := range x.neighbors[current.id] {
			if visited[nbr] {
				continue
			}
			visited[nbr] = true

			sim := simTo(nbr)
			if beam.Len() < ef || sim > beam.items[0].sim {
				heap.Push(candidates, scored{id: nbr, sim: sim})
				heap.Push(beam, scored{id: nbr, sim: sim})
				if beam.Len() > ef {
					heap.Pop(beam)
				}
			}
		}
	}

	results := make([]scored, len(beam.items))
	copy(results, beam.items)
	sort.Slice(results, func(i, j int) bool { return results[i].sim > results[j].sim })
	return results
}
