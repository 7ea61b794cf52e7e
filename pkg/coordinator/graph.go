// Package coordinator builds the run graph of all sources and executes selected sub-graphs
package coordinator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ethpandaops/cdcore/pkg/source"
	"github.com/ethpandaops/cdcore/pkg/strategy"
	"github.com/heimdalr/dag"
)

// Node is one step of a source's pipeline
type Node struct {
	ID     string
	Source string
	Kind   strategy.NodeKind
}

// NodeID formats the id of a node
func NodeID(kind strategy.NodeKind, sourceID string) string {
	return string(kind) + ":" + sourceID
}

// Graph is the dependency graph of every node. Edges run from dependency to dependent.
type Graph struct {
	dag     *dag.DAG
	nodes   map[string]Node
	sources map[string]*source.Source
	// bySource maps a source id to its node ids, extract first
	bySource map[string][]string
	// order is a deterministic topological order of every node
	order []string
}

// NewGraph builds the graph: extract -> apply for every source, plus
// apply(dep) -> extract(src) for each dependsOn entry. Cycles are rejected.
func NewGraph(sources []*source.Source) (*Graph, error) {
	g := &Graph{
		dag:      dag.NewDAG(),
		nodes:    make(map[string]Node, 2*len(sources)),
		sources:  make(map[string]*source.Source, len(sources)),
		bySource: make(map[string][]string, len(sources)),
	}

	for _, src := range sources {
		if _, exists := g.sources[src.ID]; exists {
			return nil, fmt.Errorf("%w: %s", source.ErrDuplicateSource, src.ID)
		}

		applyKind, err := strategy.ApplyKind(src.Capability)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", src.ID, err)
		}

		g.sources[src.ID] = src

		for _, kind := range []strategy.NodeKind{strategy.KindExtract, applyKind} {
			node := Node{ID: NodeID(kind, src.ID), Source: src.ID, Kind: kind}

			if err := g.dag.AddVertexByID(node.ID, node.ID); err != nil {
				return nil, fmt.Errorf("failed to add vertex %s: %w", node.ID, err)
			}

			g.nodes[node.ID] = node
			g.bySource[src.ID] = append(g.bySource[src.ID], node.ID)
		}

		if err := g.dag.AddEdge(g.bySource[src.ID][0], g.bySource[src.ID][1]); err != nil {
			return nil, fmt.Errorf("failed to link %s: %w", src.ID, err)
		}
	}

	for _, src := range sources {
		for _, dep := range src.DependsOn {
			if _, exists := g.sources[dep]; !exists {
				return nil, fmt.Errorf("%w: %s depends on %s", ErrNonExistentDependency, src.ID, dep)
			}

			from := g.applyNode(dep)
			to := g.extractNode(src.ID)

			// AddEdge returns an error if the edge would close a cycle
			if err := g.dag.AddEdge(from, to); err != nil {
				return nil, fmt.Errorf("invalid dependency %s -> %s: %w", from, to, err)
			}
		}
	}

	order, err := g.topologicalOrder()
	if err != nil {
		return nil, err
	}

	g.order = order

	return g, nil
}

func (g *Graph) extractNode(sourceID string) string {
	return g.bySource[sourceID][0]
}

func (g *Graph) applyNode(sourceID string) string {
	return g.bySource[sourceID][1]
}

// Node returns the node with id
func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]

	return n, ok
}

// Source returns the definition of a source in the graph
func (g *Graph) Source(id string) (*source.Source, bool) {
	s, ok := g.sources[id]

	return s, ok
}

// Sources returns every source ordered by id
func (g *Graph) Sources() []*source.Source {
	out := make([]*source.Source, 0, len(g.sources))
	for _, s := range g.sources {
		out = append(out, s)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

// Nodes returns every node in topological order
func (g *Graph) Nodes() []Node {
	out := make([]Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}

	return out
}

// Parents returns the direct dependencies of id, sorted
func (g *Graph) Parents(id string) []string {
	parents, err := g.dag.GetParents(id)
	if err != nil {
		return nil
	}

	return sortedKeys(parents)
}

// Children returns the direct dependents of id, sorted
func (g *Graph) Children(id string) []string {
	children, err := g.dag.GetChildren(id)
	if err != nil {
		return nil
	}

	return sortedKeys(children)
}

// Ancestors returns every transitive dependency of id, sorted
func (g *Graph) Ancestors(id string) []string {
	ancestors, err := g.dag.GetAncestors(id)
	if err != nil {
		return nil
	}

	return sortedKeys(ancestors)
}

// Descendants returns every transitive dependent of id, sorted
func (g *Graph) Descendants(id string) []string {
	descendants, err := g.dag.GetDescendants(id)
	if err != nil {
		return nil
	}

	return sortedKeys(descendants)
}

// Select resolves selectors to node ids in topological order. A selector is a node id or a
// source id (all of its nodes); a leading '+' adds ancestors and a trailing '+' adds
// descendants. No selectors selects everything. An apply node always brings its own
// extract node along.
func (g *Graph) Select(selectors []string) ([]string, error) {
	if len(selectors) == 0 {
		return append([]string(nil), g.order...), nil
	}

	selected := make(map[string]struct{})

	for _, raw := range selectors {
		sel := strings.TrimSpace(raw)
		if sel == "" {
			continue
		}

		withAncestors := strings.HasPrefix(sel, "+")
		withDescendants := strings.HasSuffix(sel, "+")
		name := strings.Trim(sel, "+")

		if name == "" {
			return nil, fmt.Errorf("%w: %q", ErrEmptySelector, raw)
		}

		core, err := g.resolve(name)
		if err != nil {
			return nil, err
		}

		for _, id := range core {
			selected[id] = struct{}{}

			if withAncestors {
				for _, a := range g.Ancestors(id) {
					selected[a] = struct{}{}
				}
			}

			if withDescendants {
				for _, d := range g.Descendants(id) {
					selected[d] = struct{}{}
				}
			}
		}
	}

	for id := range selected {
		if node := g.nodes[id]; node.Kind != strategy.KindExtract {
			selected[g.extractNode(node.Source)] = struct{}{}
		}
	}

	out := make([]string, 0, len(selected))

	for _, id := range g.order {
		if _, ok := selected[id]; ok {
			out = append(out, id)
		}
	}

	return out, nil
}

func (g *Graph) resolve(name string) ([]string, error) {
	if _, ok := g.nodes[name]; ok {
		return []string{name}, nil
	}

	if ids, ok := g.bySource[name]; ok {
		return ids, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrUnknownNode, name)
}

// topologicalOrder runs Kahn's algorithm with sorted tie-breaking so runs are reproducible
func (g *Graph) topologicalOrder() ([]string, error) {
	inDegree := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		inDegree[id] = len(g.Parents(id))
	}

	var ready []string

	for id, d := range inDegree {
		if d == 0 {
			ready = append(ready, id)
		}
	}

	order := make([]string, 0, len(g.nodes))

	for len(ready) > 0 {
		sort.Strings(ready)

		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		for _, child := range g.Children(id) {
			inDegree[child]--
			if inDegree[child] == 0 {
				ready = append(ready, child)
			}
		}
	}

	if len(order) != len(g.nodes) {
		return nil, fmt.Errorf("dependency graph is inconsistent: ordered %d of %d nodes", len(order), len(g.nodes))
	}

	return order, nil
}

// Waves groups ids into levels: every node comes after all of its selected parents
func (g *Graph) Waves(ids []string) [][]string {
	in := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		in[id] = struct{}{}
	}

	level := make(map[string]int, len(ids))
	maxLevel := 0

	for _, id := range g.order {
		if _, ok := in[id]; !ok {
			continue
		}

		l := 0

		for _, p := range g.Parents(id) {
			if _, ok := in[p]; ok && level[p]+1 > l {
				l = level[p] + 1
			}
		}

		level[id] = l
		maxLevel = max(maxLevel, l)
	}

	if len(level) == 0 {
		return nil
	}

	waves := make([][]string, maxLevel+1)

	for _, id := range g.order {
		if l, ok := level[id]; ok {
			waves[l] = append(waves[l], id)
		}
	}

	return waves
}

func sortedKeys(m map[string]interface{}) []string {
	out := make([]string, 0, len(m))
	for id := range m {
		out = append(out, id)
	}

	sort.Strings(out)

	return out
}
