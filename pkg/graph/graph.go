// Package graph builds the reversed-adjacency dependency graph for a single
// target and topologically sorts it (spec.md §4.6 "Graph build" and
// "Topological sort"). A graph is rooted at one target; the resolver builds
// and sorts one per target, memoizing the result as that target's
// dependencies list.
package graph

import (
	"github.com/dolthub/swiss"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/opendres/dres/pkg/ident"
	"github.com/opendres/dres/pkg/prereq"
)

// ErrCycle is returned by Sort when the prerequisite relation restricted to
// target nodes contains a cycle (spec.md §8, "Cycle detection").
var ErrCycle = errors.New("graph: cyclic prerequisite relation")

// TargetSource supplies a node's own prereq set during graph construction.
// Only target nodes have one; Prereqs reports false for fact-variable and
// DRES-variable ids, which terminates the recursive walk (spec.md §4.6,
// "Variables terminate recursion").
type TargetSource interface {
	Prereqs(id ident.ID) (*prereq.Set, bool)
}

// Graph is the reversed adjacency array described in spec.md §3: indexed by
// (target index; factvar index offset by ntarget; dresvar index offset by
// ntarget+nfactvar), each slot holding the set of nodes that depend on it.
//
// The array is dense and sized for the whole policy, but a Graph built by
// Build is rooted at one target: member marks exactly the nodes reached by
// that root's transitive walk (spec.md §4.6's "leaf sweep" — a target
// referenced as someone's prereq is a member even before its own prereqs
// are explored). Sort only seeds and only cycle-checks member nodes, so one
// target's graph never reports a false cycle over an unrelated target
// elsewhere in the policy. BuildFull marks every node a member, which is
// what finalize wants: a single cycle check over the whole prerequisite
// relation (spec.md §8).
type Graph struct {
	ntarget, nfactvar, ndresvar int
	adj                         []prereq.Set
	member                      []bool
}

func (g *Graph) nodeIndex(id ident.ID) int {
	switch id.Kind() {
	case ident.KindDresVar:
		return g.ntarget + g.nfactvar + id.Index()
	case ident.KindFactVar:
		return g.ntarget + id.Index()
	default:
		return id.Index()
	}
}

// numNodes returns the total node count this graph is sized for.
func (g *Graph) numNodes() int { return g.ntarget + g.nfactvar + g.ndresvar }

func newGraph(ntarget, nfactvar, ndresvar int) *Graph {
	n := ntarget + nfactvar + ndresvar
	return &Graph{
		ntarget:  ntarget,
		nfactvar: nfactvar,
		ndresvar: ndresvar,
		adj:      make([]prereq.Set, n),
		member:   make([]bool, n),
	}
}

// walkFrom records a reversed edge prereq→holder for every prerequisite
// reachable from each of roots, recursing through target-kind prerequisites
// and stopping at any other node (spec.md §4.6, "Variables terminate
// recursion"). Shared by Build (one root) and BuildFull (every target as a
// root, so unrelated targets still end up in one combined graph).
func (g *Graph) walkFrom(roots []ident.ID, src TargetSource) {
	visited := swiss.NewMap[ident.ID, bool](8)
	var walk func(id ident.ID)
	walk = func(id ident.ID) {
		if seen, _ := visited.Get(id); seen {
			return
		}
		visited.Put(id, true)
		g.member[g.nodeIndex(id)] = true

		set, ok := src.Prereqs(id)
		if !ok {
			return
		}
		for _, p := range set.IDs() {
			g.adj[g.nodeIndex(p)].Add(id)
			g.member[g.nodeIndex(p)] = true
			if p.Kind() == ident.KindTarget {
				walk(p)
			}
		}
	}
	for _, r := range roots {
		walk(r)
	}
}

// Build walks root's prerequisites and their transitive target prerequisites,
// recording a reversed edge prereq→holder for each. The walk stops at any
// non-target node (spec.md §4.6).
func Build(root ident.ID, src TargetSource, ntarget, nfactvar, ndresvar int) *Graph {
	g := newGraph(ntarget, nfactvar, ndresvar)
	g.walkFrom([]ident.ID{root}, src)
	return g
}

// BuildFull walks every target's prerequisites, recording edges across the
// whole policy rather than one root's transitive closure. finalize uses
// this for a single cycle check over the entire prerequisite relation
// (spec.md §8, "Cycle detection"); per-goal updates use Build instead, so
// an unrelated cycle elsewhere in the policy can't block a goal that
// doesn't reach it (finalize is expected to have already rejected it).
func BuildFull(src TargetSource, ntarget, nfactvar, ndresvar int) *Graph {
	g := newGraph(ntarget, nfactvar, ndresvar)
	roots := make([]ident.ID, ntarget)
	for i := range roots {
		roots[i] = ident.New(ident.KindTarget, i)
	}
	g.walkFrom(roots, src)
	return g
}

// Sort topologically orders every member node this graph was built over
// (Kahn's algorithm, spec.md §4.6), returning the order with a trailing
// ident.None sentinel as spec.md §3 specifies for a target's stored
// dependencies list.
//
// Seeding and tie-break order follow spec.md exactly: DRES-variables first
// (index order), then fact-variables (index order), then targets with an
// empty or absent prereq set (index order); ties within the adjacency walk
// preserve insertion order because prereq.Set is itself insertion-ordered.
func (g *Graph) Sort(src TargetSource) ([]ident.ID, error) {
	n := g.numNodes()
	indeg := make([]int, n)
	for i := 0; i < g.ntarget; i++ {
		if !g.member[i] {
			continue
		}
		id := ident.New(ident.KindTarget, i)
		if set, ok := src.Prereqs(id); ok {
			indeg[i] = set.Len()
		}
	}

	queue := make([]ident.ID, 0, n)
	for i := 0; i < g.ndresvar; i++ {
		idx := g.ntarget + g.nfactvar + i
		if g.member[idx] {
			queue = append(queue, ident.New(ident.KindDresVar, i))
		}
	}
	for i := 0; i < g.nfactvar; i++ {
		idx := g.ntarget + i
		if g.member[idx] {
			queue = append(queue, ident.New(ident.KindFactVar, i))
		}
	}
	for i := 0; i < g.ntarget; i++ {
		if g.member[i] && indeg[i] == 0 {
			queue = append(queue, ident.New(ident.KindTarget, i))
		}
	}

	out := make([]ident.ID, 0, n)
	for len(queue) > 0 {
		id := queue[0]
		queue = slices.Delete(queue, 0, 1)
		out = append(out, id)

		for _, holder := range g.adj[g.nodeIndex(id)].IDs() {
			marked := holder.WithFlag(ident.FlagDeleted)
			_ = marked // not stored back into the adjacency set; indeg alone tracks removed edges
			if holder.Kind() != ident.KindTarget {
				continue
			}
			hi := holder.Index()
			indeg[hi]--
			if indeg[hi] == 0 {
				queue = append(queue, holder)
			}
		}
	}

	for i := 0; i < g.ntarget; i++ {
		if g.member[i] && indeg[i] != 0 {
			return nil, errors.Wrapf(ErrCycle, "target#%d", i)
		}
	}

	out = append(out, ident.None)
	return out, nil
}

// BuildAndSort is the composition the resolver calls per target: Build a
// graph rooted at id, then Sort it, returning the dependencies list stored
// on that target.
func BuildAndSort(id ident.ID, src TargetSource, ntarget, nfactvar, ndresvar int) ([]ident.ID, error) {
	g := Build(id, src, ntarget, nfactvar, ndresvar)
	return g.Sort(src)
}
