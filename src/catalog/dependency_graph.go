package catalog

import (
	"sync"

	"github.com/tidwall/btree"
	"go.uber.org/zap"
)

// DependencyGraph records the uses/depends-on relations between catalog
// objects. Edges appear when the dependent object's creating transaction
// commits and disappear when the dependent is dropped.
type DependencyGraph struct {
	mu sync.RWMutex

	forward map[ObjectID][]DependencyEdge
	reverse map[ObjectID][]DependencyEdge

	logger *zap.SugaredLogger
}

func NewDependencyGraph(logger *zap.SugaredLogger) *DependencyGraph {
	return &DependencyGraph{
		forward: make(map[ObjectID][]DependencyEdge),
		reverse: make(map[ObjectID][]DependencyEdge),
		logger:  logger,
	}
}

// AddEdge installs a dependency From -> To.
func (g *DependencyGraph) AddEdge(edge DependencyEdge) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, e := range g.forward[edge.From] {
		if e == edge {
			return
		}
	}
	g.forward[edge.From] = append(g.forward[edge.From], edge)
	g.reverse[edge.To] = append(g.reverse[edge.To], edge)
}

// RemoveDependent removes every edge originating at a dropped object.
func (g *DependencyGraph) RemoveDependent(id ObjectID) {
	g.mu.Lock()
	defer g.mu.Unlock()

	edges := g.forward[id]
	delete(g.forward, id)
	for _, e := range edges {
		kept := g.reverse[e.To][:0]
		for _, r := range g.reverse[e.To] {
			if r.From != id {
				kept = append(kept, r)
			}
		}
		if len(kept) == 0 {
			delete(g.reverse, e.To)
		} else {
			g.reverse[e.To] = kept
		}
	}
}

// EdgesFrom returns the objects id depends on.
func (g *DependencyGraph) EdgesFrom(id ObjectID) []DependencyEdge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]DependencyEdge(nil), g.forward[id]...)
}

// EdgesTo returns the objects that depend on id.
func (g *DependencyGraph) EdgesTo(id ObjectID) []DependencyEdge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]DependencyEdge(nil), g.reverse[id]...)
}

// HasDependents reports whether anything currently depends on id.
func (g *DependencyGraph) HasDependents(id ObjectID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.reverse[id]) > 0
}

// Dependents walks the reverse edges transitively from the given seed
// set and returns every object that directly or indirectly depends on
// one of the seeds. The walk runs against the live graph at call time;
// nothing is precomputed.
func (g *DependencyGraph) Dependents(seeds *btree.Set[ObjectID]) *btree.Set[ObjectID] {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.walk(seeds, g.reverse, func(e DependencyEdge) ObjectID { return e.From })
}

// DependsOn walks the forward edges transitively from the seed set.
func (g *DependencyGraph) DependsOn(seeds *btree.Set[ObjectID]) *btree.Set[ObjectID] {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.walk(seeds, g.forward, func(e DependencyEdge) ObjectID { return e.To })
}

func (g *DependencyGraph) walk(seeds *btree.Set[ObjectID], index map[ObjectID][]DependencyEdge, next func(DependencyEdge) ObjectID) *btree.Set[ObjectID] {
	var result btree.Set[ObjectID]
	var frontier []ObjectID
	seeds.Scan(func(id ObjectID) bool {
		frontier = append(frontier, id)
		return true
	})

	for len(frontier) > 0 {
		id := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		for _, e := range index[id] {
			n := next(e)
			if result.Contains(n) || seeds.Contains(n) {
				continue
			}
			result.Insert(n)
			frontier = append(frontier, n)
		}
	}
	return &result
}
