package coordinator

import (
	"fmt"
	"strings"

	"github.com/ethpandaops/cdcore/pkg/strategy"
)

// NodeInfo describes one node for rendering
type NodeInfo struct {
	ID         string            `json:"id"`
	Source     string            `json:"source"`
	Kind       strategy.NodeKind `json:"kind"`
	Capability string            `json:"capability"`
	Parents    []string          `json:"parents"`
}

// Info contains graph visualization information
type Info struct {
	Levels   [][]string `json:"levels"`
	MaxLevel int        `json:"max_level"`
	Roots    []string   `json:"roots"`
	Nodes    []NodeInfo `json:"nodes"`
}

// Info returns the whole graph grouped by dependency depth
func (g *Graph) Info() *Info {
	levels := g.Waves(g.order)

	info := &Info{
		Levels:   levels,
		MaxLevel: max(len(levels)-1, 0),
		Roots:    []string{},
		Nodes:    make([]NodeInfo, 0, len(g.order)),
	}

	for _, id := range g.order {
		node := g.nodes[id]
		parents := g.Parents(id)

		if len(parents) == 0 {
			info.Roots = append(info.Roots, id)
		}

		info.Nodes = append(info.Nodes, NodeInfo{
			ID:         id,
			Source:     node.Source,
			Kind:       node.Kind,
			Capability: string(g.sources[node.Source].Capability),
			Parents:    parents,
		})
	}

	return info
}

// Tree renders the graph as indented text, one line per node under its level
func (g *Graph) Tree() string {
	var sb strings.Builder

	for level, ids := range g.Waves(g.order) {
		fmt.Fprintf(&sb, "level %d\n", level)

		for _, id := range ids {
			parents := g.Parents(id)
			if len(parents) == 0 {
				fmt.Fprintf(&sb, "  %s\n", id)

				continue
			}

			fmt.Fprintf(&sb, "  %s <- %s\n", id, strings.Join(parents, ", "))
		}
	}

	return sb.String()
}

// DOT generates a DOT format representation of the graph
func (g *Graph) DOT() string {
	var sb strings.Builder
	sb.WriteString("digraph cdcore {\n")
	sb.WriteString("  rankdir=LR;\n")

	for _, id := range g.order {
		if g.nodes[id].Kind == strategy.KindExtract {
			fmt.Fprintf(&sb, "  \"%s\" [shape=box, style=filled, fillcolor=lightblue];\n", id)
		} else {
			fmt.Fprintf(&sb, "  \"%s\";\n", id)
		}

		for _, parent := range g.Parents(id) {
			fmt.Fprintf(&sb, "  \"%s\" -> \"%s\";\n", parent, id)
		}
	}

	sb.WriteString("}")

	return sb.String()
}
