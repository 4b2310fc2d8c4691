package pipeline

import (
	"sort"

	"github.com/Veraticus/taxflow/internal/model"
)

// Graph is an undirected adjacency map of related transactions. Links live
// here rather than on either transaction, so neither side can disagree.
type Graph struct {
	adj map[string]map[string]struct{}
}

// NewGraph builds a graph from stored links.
func NewGraph(links ...model.TransactionLink) *Graph {
	g := &Graph{adj: make(map[string]map[string]struct{})}
	for _, l := range links {
		g.Link(l.A, l.B)
	}
	return g
}

// Link relates a and b. Self links and empty ids are ignored.
func (g *Graph) Link(a, b string) {
	if a == "" || b == "" || a == b {
		return
	}
	g.add(a, b)
	g.add(b, a)
}

func (g *Graph) add(from, to string) {
	set, ok := g.adj[from]
	if !ok {
		set = make(map[string]struct{})
		g.adj[from] = set
	}
	set[to] = struct{}{}
}

// Neighbors returns the ids directly linked to id, sorted.
func (g *Graph) Neighbors(id string) []string {
	out := make([]string, 0, len(g.adj[id]))
	for n := range g.adj[id] {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Components returns the connected components restricted to ids. Links to
// transactions outside ids are not followed, so a group never pulls in
// another month. Each component is sorted, and components are ordered by
// their first id. Isolated ids come back as singletons.
func (g *Graph) Components(ids []string) [][]string {
	in := make(map[string]bool, len(ids))
	for _, id := range ids {
		in[id] = true
	}
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	seen := make(map[string]bool, len(ids))
	var out [][]string
	for _, start := range sorted {
		if seen[start] {
			continue
		}
		seen[start] = true
		component := []string{start}
		queue := []string{start}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			for n := range g.adj[cur] {
				if in[n] && !seen[n] {
					seen[n] = true
					component = append(component, n)
					queue = append(queue, n)
				}
			}
		}
		sort.Strings(component)
		out = append(out, component)
	}
	return out
}
