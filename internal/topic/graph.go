package topic

import (
	"fmt"
	"sort"

	"github.com/nkkko/pincer/pkg/model"
)

const noPage = -1

type pageNode struct {
	page       model.Page
	categories []int
	defaultCat int
}

type categoryNode struct {
	category   model.Category
	page       int
	includes   []int
	includedBy []int
	interests  []model.Interest
}

// Graph is the page/category inclusion graph. Nodes live in slices and refer
// to each other by index, so copying is a flat slice copy.
type Graph struct {
	generation uint64

	pages      []pageNode
	categories []categoryNode

	pageIndex     map[string]int
	categoryIndex map[string]int

	danglingEdges int
}

// Component is one weakly connected part of the graph
type Component struct {
	// RootPage is empty for components made only of orphan categories
	RootPage    string
	PageIDs     []string
	CategoryIDs []string
}

// Build assembles a graph from a store snapshot. Inclusion edges to unknown
// categories are dropped, categories whose page is missing are kept as
// orphans, and interests not targeting a known category are ignored.
func Build(pages []model.Page, categories []model.Category, interests []model.Interest) *Graph {
	g := &Graph{
		pages:         make([]pageNode, 0, len(pages)),
		categories:    make([]categoryNode, 0, len(categories)),
		pageIndex:     make(map[string]int, len(pages)),
		categoryIndex: make(map[string]int, len(categories)),
	}

	for _, p := range pages {
		if _, dup := g.pageIndex[p.ID]; dup {
			continue
		}
		g.pageIndex[p.ID] = len(g.pages)
		g.pages = append(g.pages, pageNode{page: p, defaultCat: noPage})
	}

	for _, c := range categories {
		if _, dup := g.categoryIndex[c.ID]; dup {
			continue
		}
		idx := len(g.categories)
		g.categoryIndex[c.ID] = idx

		owner, ok := g.pageIndex[c.PageID]
		if !ok {
			owner = noPage
		} else {
			pn := &g.pages[owner]
			pn.categories = append(pn.categories, idx)
			if c.IsDefault() && pn.defaultCat == noPage {
				pn.defaultCat = idx
			}
		}

		stored := c
		stored.Includes = nil
		g.categories = append(g.categories, categoryNode{category: stored, page: owner})
	}

	for _, c := range categories {
		from := g.categoryIndex[c.ID]
		for _, target := range c.Includes {
			to, ok := g.categoryIndex[target]
			if !ok {
				g.danglingEdges++
				continue
			}
			g.link(from, to)
		}
	}

	for _, in := range interests {
		if in.Target.Kind != model.TargetCategory {
			continue
		}
		if idx, ok := g.categoryIndex[in.Target.ID]; ok {
			g.categories[idx].interests = append(g.categories[idx].interests, in)
		}
	}

	return g
}

func (g *Graph) link(from, to int) bool {
	for _, existing := range g.categories[from].includes {
		if existing == to {
			return false
		}
	}
	g.categories[from].includes = append(g.categories[from].includes, to)
	g.categories[to].includedBy = append(g.categories[to].includedBy, from)
	return true
}

// Generation identifies the store snapshot the graph was built from
func (g *Graph) Generation() uint64 {
	return g.generation
}

// Len returns the number of vertices, pages and categories together
func (g *Graph) Len() int {
	return len(g.pages) + len(g.categories)
}

// DanglingEdges returns how many inclusion edges pointed at unknown categories
func (g *Graph) DanglingEdges() int {
	return g.danglingEdges
}

// DeepCopy returns an isomorphic graph with distinct storage. Included-by
// lists are re-derived from the includes lists.
func (g *Graph) DeepCopy() *Graph {
	c := &Graph{
		generation:    g.generation,
		pages:         make([]pageNode, len(g.pages)),
		categories:    make([]categoryNode, len(g.categories)),
		pageIndex:     make(map[string]int, len(g.pageIndex)),
		categoryIndex: make(map[string]int, len(g.categoryIndex)),
		danglingEdges: g.danglingEdges,
	}
	for id, idx := range g.pageIndex {
		c.pageIndex[id] = idx
	}
	for id, idx := range g.categoryIndex {
		c.categoryIndex[id] = idx
	}

	for i, pn := range g.pages {
		page := pn.page
		page.ExternalIDs = append([]string(nil), pn.page.ExternalIDs...)
		c.pages[i] = pageNode{
			page:       page,
			categories: append([]int(nil), pn.categories...),
			defaultCat: pn.defaultCat,
		}
	}

	for i, cn := range g.categories {
		cat := cn.category
		if cn.category.Name != nil {
			name := *cn.category.Name
			cat.Name = &name
		}
		c.categories[i] = categoryNode{
			category:  cat,
			page:      cn.page,
			includes:  append([]int(nil), cn.includes...),
			interests: append([]model.Interest(nil), cn.interests...),
		}
	}
	for from := range c.categories {
		for _, to := range c.categories[from].includes {
			c.categories[to].includedBy = append(c.categories[to].includedBy, from)
		}
	}

	return c
}

// Page looks up a page by id
func (g *Graph) Page(id string) (model.Page, bool) {
	idx, ok := g.pageIndex[id]
	if !ok {
		return model.Page{}, false
	}
	return g.pages[idx].page, true
}

// Category looks up a category by id, with its current includes
func (g *Graph) Category(id string) (model.Category, bool) {
	idx, ok := g.categoryIndex[id]
	if !ok {
		return model.Category{}, false
	}
	return g.categoryAt(idx), true
}

func (g *Graph) categoryAt(idx int) model.Category {
	c := g.categories[idx].category
	c.Includes = g.ids(g.categories[idx].includes)
	return c
}

// DefaultCategory returns the unnamed category of a page
func (g *Graph) DefaultCategory(pageID string) (model.Category, bool) {
	idx, ok := g.pageIndex[pageID]
	if !ok || g.pages[idx].defaultCat == noPage {
		return model.Category{}, false
	}
	return g.categoryAt(g.pages[idx].defaultCat), true
}

// PageCategories returns the ids of the categories a page owns
func (g *Graph) PageCategories(pageID string) []string {
	idx, ok := g.pageIndex[pageID]
	if !ok {
		return nil
	}
	return g.ids(g.pages[idx].categories)
}

// Includes returns the categories directly included by id
func (g *Graph) Includes(id string) []string {
	idx, ok := g.categoryIndex[id]
	if !ok {
		return nil
	}
	return g.ids(g.categories[idx].includes)
}

// IncludedBy returns the categories that directly include id
func (g *Graph) IncludedBy(id string) []string {
	idx, ok := g.categoryIndex[id]
	if !ok {
		return nil
	}
	return g.ids(g.categories[idx].includedBy)
}

// Interests returns the interests bound to a category
func (g *Graph) Interests(id string) []model.Interest {
	idx, ok := g.categoryIndex[id]
	if !ok {
		return nil
	}
	return append([]model.Interest(nil), g.categories[idx].interests...)
}

// AddInclusion adds the edge from includes to. Adding an existing edge is a
// no-op.
func (g *Graph) AddInclusion(from, to string) error {
	fi, ti, err := g.edgeEnds(from, to)
	if err != nil {
		return err
	}
	g.link(fi, ti)
	return nil
}

// RemoveInclusion removes the edge from includes to, if present
func (g *Graph) RemoveInclusion(from, to string) error {
	fi, ti, err := g.edgeEnds(from, to)
	if err != nil {
		return err
	}
	g.categories[fi].includes = without(g.categories[fi].includes, ti)
	g.categories[ti].includedBy = without(g.categories[ti].includedBy, fi)
	return nil
}

// AttachInterest binds an interest to the category it targets
func (g *Graph) AttachInterest(in model.Interest) error {
	if in.Target.Kind != model.TargetCategory {
		return fmt.Errorf("interest %s targets a %s, not a category", in.ID, in.Target.Kind)
	}
	idx, ok := g.categoryIndex[in.Target.ID]
	if !ok {
		return fmt.Errorf("unknown category %s", in.Target.ID)
	}
	g.categories[idx].interests = append(g.categories[idx].interests, in)
	return nil
}

func (g *Graph) edgeEnds(from, to string) (int, int, error) {
	fi, ok := g.categoryIndex[from]
	if !ok {
		return 0, 0, fmt.Errorf("unknown category %s", from)
	}
	ti, ok := g.categoryIndex[to]
	if !ok {
		return 0, 0, fmt.Errorf("unknown category %s", to)
	}
	return fi, ti, nil
}

// Components partitions the graph into weakly connected components. A DFS
// starts from every unvisited page over its categories; from each category it
// follows includes, included-by and the owning page. Orphan categories not
// reached from any page form components without a root page.
func (g *Graph) Components() []Component {
	visitedPages := make([]bool, len(g.pages))
	visitedCats := make([]bool, len(g.categories))

	var comps []Component
	walk := func(comp *Component, startPage, startCat int) {
		pageStack := []int{}
		catStack := []int{}
		if startPage != noPage {
			visitedPages[startPage] = true
			pageStack = append(pageStack, startPage)
		} else {
			visitedCats[startCat] = true
			catStack = append(catStack, startCat)
		}

		for len(pageStack) > 0 || len(catStack) > 0 {
			if n := len(pageStack); n > 0 {
				p := pageStack[n-1]
				pageStack = pageStack[:n-1]
				comp.PageIDs = append(comp.PageIDs, g.pages[p].page.ID)
				for _, c := range g.pages[p].categories {
					if !visitedCats[c] {
						visitedCats[c] = true
						catStack = append(catStack, c)
					}
				}
				continue
			}

			n := len(catStack)
			c := catStack[n-1]
			catStack = catStack[:n-1]
			node := &g.categories[c]
			comp.CategoryIDs = append(comp.CategoryIDs, node.category.ID)

			for _, next := range node.includes {
				if !visitedCats[next] {
					visitedCats[next] = true
					catStack = append(catStack, next)
				}
			}
			for _, next := range node.includedBy {
				if !visitedCats[next] {
					visitedCats[next] = true
					catStack = append(catStack, next)
				}
			}
			if node.page != noPage && !visitedPages[node.page] {
				visitedPages[node.page] = true
				pageStack = append(pageStack, node.page)
			}
		}
		sort.Strings(comp.PageIDs)
		sort.Strings(comp.CategoryIDs)
	}

	for p := range g.pages {
		if visitedPages[p] {
			continue
		}
		comp := Component{RootPage: g.pages[p].page.ID}
		walk(&comp, p, noPage)
		comps = append(comps, comp)
	}
	for c := range g.categories {
		if visitedCats[c] {
			continue
		}
		comp := Component{}
		walk(&comp, noPage, c)
		comps = append(comps, comp)
	}
	return comps
}

// Roots returns one page per weakly connected component
func (g *Graph) Roots() []string {
	var roots []string
	for _, comp := range g.Components() {
		if comp.RootPage != "" {
			roots = append(roots, comp.RootPage)
		}
	}
	return roots
}

// Orphans returns categories whose owning page is not in the graph
func (g *Graph) Orphans() []string {
	var orphans []string
	for _, cn := range g.categories {
		if cn.page == noPage {
			orphans = append(orphans, cn.category.ID)
		}
	}
	sort.Strings(orphans)
	return orphans
}

func (g *Graph) ids(idxs []int) []string {
	if len(idxs) == 0 {
		return nil
	}
	out := make([]string, len(idxs))
	for i, idx := range idxs {
		out[i] = g.categories[idx].category.ID
	}
	return out
}

func without(s []int, v int) []int {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}
