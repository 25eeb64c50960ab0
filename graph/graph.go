// Package graph builds the dependency graph of a step list and derives the
// execution order the engine walks.
package graph

import (
	"fmt"
	"strings"

	"github.com/loomworks/loom/errs"
	"github.com/loomworks/loom/model"
)

// Node is a vertex in the graph.
type Node struct {
	ID    string
	Label string
}

// Edge is a directed dependency: From must complete before To starts.
type Edge struct {
	From string
	To   string
}

// Graph is the directed dependency graph of one sibling step list.
type Graph struct {
	Nodes []*Node
	Edges []*Edge
}

// New builds the graph for a sibling step list. Explicit depends_on edges are
// always included; when sequential is true each step additionally depends on
// its predecessor, matching source order.
func New(steps []model.Step, sequential bool) *Graph {
	g := &Graph{}
	for i, step := range steps {
		g.Nodes = append(g.Nodes, &Node{ID: step.ID, Label: step.ID})
		for _, dep := range step.DependsOn {
			g.Edges = append(g.Edges, &Edge{From: dep, To: step.ID})
		}
		if sequential && i > 0 && len(step.DependsOn) == 0 {
			g.Edges = append(g.Edges, &Edge{From: steps[i-1].ID, To: step.ID})
		}
	}
	return g
}

// SortSteps returns the execution order for a sibling list: a topological
// sort over depends_on edges with ties broken by source order, so a
// forward-only graph degenerates to sequential execution. A cycle is a
// validation error.
func SortSteps(steps []model.Step) ([]int, error) {
	n := len(steps)
	index := make(map[string]int, n)
	for i, s := range steps {
		index[s.ID] = i
	}
	indegree := make([]int, n)
	dependents := make([][]int, n)
	for i, s := range steps {
		for _, dep := range s.DependsOn {
			j, ok := index[dep]
			if !ok {
				return nil, errs.Validation("step %q depends on unknown step %q", s.ID, dep)
			}
			dependents[j] = append(dependents[j], i)
			indegree[i]++
		}
	}

	// Kahn's algorithm with the ready set kept in source order.
	var ready []int
	for i := 0; i < n; i++ {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}
	order := make([]int, 0, n)
	for len(ready) > 0 {
		// Lowest source index first keeps the sort stable.
		min := 0
		for k := 1; k < len(ready); k++ {
			if ready[k] < ready[min] {
				min = k
			}
		}
		i := ready[min]
		ready = append(ready[:min], ready[min+1:]...)
		order = append(order, i)
		for _, j := range dependents[i] {
			indegree[j]--
			if indegree[j] == 0 {
				ready = append(ready, j)
			}
		}
	}
	if len(order) != n {
		var stuck []string
		for i := 0; i < n; i++ {
			if indegree[i] > 0 {
				stuck = append(stuck, steps[i].ID)
			}
		}
		return nil, errs.Validation("dependency cycle among steps: %s", strings.Join(stuck, ", "))
	}
	return order, nil
}

// Renderer renders a Graph into an output format.
type Renderer interface {
	Render(g *Graph) (string, error)
}

// MermaidRenderer outputs Graphs in Mermaid flowchart syntax.
type MermaidRenderer struct{}

// Render renders the graph using Mermaid syntax.
func (r *MermaidRenderer) Render(g *Graph) (string, error) {
	if len(g.Nodes) == 0 {
		return "", nil
	}
	var sb strings.Builder
	sb.WriteString("graph TD\n")
	for _, node := range g.Nodes {
		sb.WriteString(fmt.Sprintf("%s[%s]\n", node.ID, node.Label))
	}
	for _, edge := range g.Edges {
		sb.WriteString(fmt.Sprintf("%s --> %s\n", edge.From, edge.To))
	}
	return sb.String(), nil
}

// ExportMermaid renders a flow's top-level step graph as a Mermaid flowchart.
func ExportMermaid(flow *model.Flow) (string, error) {
	if flow == nil {
		return "", nil
	}
	r := &MermaidRenderer{}
	return r.Render(New(flow.Steps, true))
}
