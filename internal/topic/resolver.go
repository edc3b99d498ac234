package topic

import (
	"sort"
)

// Set is a set of category ids
type Set map[string]struct{}

// NewSet creates a set from ids
func NewSet(ids ...string) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Has reports whether id is in the set
func (s Set) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the members in ascending order
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// FlattenIncluders returns every category that transitively includes one of
// ids, the inputs among them. These are the categories whose subscribers see
// content published under ids.
func FlattenIncluders(g *Graph, ids []string) Set {
	return g.closure(ids, func(n *categoryNode) []int { return n.includedBy })
}

// FlattenIncluded returns every category transitively included by one of ids,
// the inputs among them. Together they make up the combined content of ids.
func FlattenIncluded(g *Graph, ids []string) Set {
	return g.closure(ids, func(n *categoryNode) []int { return n.includes })
}

// OptimizeSelection drops every selected category already covered by another
// selected category through includes. Out of a group of selected categories
// that reach each other, only the smallest id is kept.
func OptimizeSelection(g *Graph, selected []string) Set {
	known := make([]int, 0, len(selected))
	seen := make(map[int]bool, len(selected))
	for _, id := range selected {
		idx, ok := g.categoryIndex[id]
		if !ok || seen[idx] {
			continue
		}
		seen[idx] = true
		known = append(known, idx)
	}

	reach := make([][]bool, len(known))
	for i, idx := range known {
		reach[i] = g.reachable(idx)
	}

	out := make(Set, len(known))
	for i, s := range known {
		keep := true
		sid := g.categories[s].category.ID
		for j, t := range known {
			if i == j || !reach[j][s] {
				continue
			}
			// t covers s. s survives only as the smallest member of a
			// mutually reachable group.
			if !reach[i][t] || g.categories[t].category.ID < sid {
				keep = false
				break
			}
		}
		if keep {
			out[sid] = struct{}{}
		}
	}
	return out
}

func (g *Graph) closure(ids []string, next func(*categoryNode) []int) Set {
	out := make(Set)
	visited := make([]bool, len(g.categories))
	var stack []int
	for _, id := range ids {
		idx, ok := g.categoryIndex[id]
		if !ok || visited[idx] {
			continue
		}
		visited[idx] = true
		stack = append(stack, idx)
	}

	for len(stack) > 0 {
		n := len(stack)
		idx := stack[n-1]
		stack = stack[:n-1]
		node := &g.categories[idx]
		out[node.category.ID] = struct{}{}
		for _, nb := range next(node) {
			if !visited[nb] {
				visited[nb] = true
				stack = append(stack, nb)
			}
		}
	}
	return out
}

// reachable marks every category reachable from idx over includes, idx itself
// included.
func (g *Graph) reachable(idx int) []bool {
	visited := make([]bool, len(g.categories))
	visited[idx] = true
	stack := []int{idx}
	for len(stack) > 0 {
		n := len(stack)
		cur := stack[n-1]
		stack = stack[:n-1]
		for _, nb := range g.categories[cur].includes {
			if !visited[nb] {
				visited[nb] = true
				stack = append(stack, nb)
			}
		}
	}
	return visited
}
